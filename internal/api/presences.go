package api

import (
	"net/http"
	"strconv"

	"example.com/attendance/internal/attendance"
	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/geo"
	"example.com/attendance/internal/persistence"
)

// CheckInRequest is the payload for POST /v1/presences/check-in.
type CheckInRequest struct {
	// UserID defaults to the token subject.
	UserID   string           `json:"user_id"`
	GymID    string           `json:"gym_id"`
	Location *LocationRequest `json:"location"`
}

// LocationRequest is a device position. Both fields must be present; a zero is a real coordinate.
type LocationRequest struct {
	Lat *float64 `json:"lat"`
	Lon *float64 `json:"lon"`
}

// Coordinate returns the position, or a validation error naming the missing fields.
func (l *LocationRequest) Coordinate() (geo.Coordinate, error) {
	switch {
	case l == nil:
		return geo.Coordinate{}, domain.Validationf("location is required")
	case l.Lat == nil && l.Lon == nil:
		return geo.Coordinate{}, domain.Validationf("location.lat and location.lon are required")
	case l.Lat == nil:
		return geo.Coordinate{}, domain.Validationf("location.lat is required")
	case l.Lon == nil:
		return geo.Coordinate{}, domain.Validationf("location.lon is required")
	}
	return geo.Coordinate{Lat: *l.Lat, Lon: *l.Lon}, nil
}

// CheckOutRequest is the payload for POST /v1/presences/check-out.
type CheckOutRequest struct {
	UserID string `json:"user_id"`
}

// CheckInResponse describes the opened presence and any side effects.
type CheckInResponse struct {
	Presence        PresenceView  `json:"presence"`
	MatchedSchedule *ScheduleView `json:"matched_schedule,omitempty"`
	Award           *AwardView    `json:"award,omitempty"`
}

// PresenceListResponse packages a page of presences.
type PresenceListResponse struct {
	Items      []PresenceView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (h *Handler) checkIn(w http.ResponseWriter, r *http.Request) {
	claims := requireScope(w, r, writeScopes...)
	if claims == nil {
		return
	}

	var req CheckInRequest
	if !decodeBody(w, r, &req) {
		return
	}
	location, err := req.Location.Coordinate()
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = claims.Subject
	}

	result, err := h.engine.CheckIn(r.Context(), attendance.CheckInInput{
		ActorID:  claims.Subject,
		UserID:   userID,
		GymID:    req.GymID,
		Location: location,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := CheckInResponse{Presence: toPresenceView(result.Presence)}
	if result.MatchedSchedule != nil {
		view := toScheduleView(*result.MatchedSchedule)
		resp.MatchedSchedule = &view
	}
	if result.Award != nil {
		view := toAwardView(*result.Award)
		resp.Award = &view
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) checkOut(w http.ResponseWriter, r *http.Request) {
	claims := requireScope(w, r, writeScopes...)
	if claims == nil {
		return
	}

	var req CheckOutRequest
	if r.ContentLength != 0 && !decodeBody(w, r, &req) {
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = claims.Subject
	}

	presence, err := h.engine.CheckOut(r.Context(), claims.Subject, userID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPresenceView(*presence))
}

func (h *Handler) getPresence(w http.ResponseWriter, r *http.Request) {
	if requireScope(w, r, readScopes...) == nil {
		return
	}
	presence, err := h.engine.GetPresence(r.Context(), pathID(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPresenceView(*presence))
}

func (h *Handler) activePresence(w http.ResponseWriter, r *http.Request) {
	if requireScope(w, r, readScopes...) == nil {
		return
	}
	presence, err := h.engine.ActivePresence(r.Context(), pathID(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPresenceView(*presence))
}

func (h *Handler) presenceHistory(w http.ResponseWriter, r *http.Request) {
	claims := requireScope(w, r, readScopes...)
	if claims == nil {
		return
	}
	userID := pathID(r, "id")
	if !selfOrAdmin(claims, userID) {
		writeError(w, http.StatusForbidden, "forbidden", "not allowed to read this user's history")
		return
	}

	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			if parsed > 100 {
				parsed = 100
			}
			limit = parsed
		}
	}

	cursor, err := persistence.DecodeCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", "invalid cursor")
		return
	}

	page, next, err := h.engine.PresenceHistory(r.Context(), userID, cursor, limit)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := PresenceListResponse{
		Items:      make([]PresenceView, 0, len(page)),
		NextCursor: persistence.EncodeCursor(next),
	}
	for _, p := range page {
		resp.Items = append(resp.Items, toPresenceView(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) gymPresences(w http.ResponseWriter, r *http.Request) {
	if requireScope(w, r, readScopes...) == nil {
		return
	}
	active, err := h.engine.GymPresences(r.Context(), pathID(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	resp := PresenceListResponse{Items: make([]PresenceView, 0, len(active))}
	for _, p := range active {
		resp.Items = append(resp.Items, toPresenceView(p))
	}
	writeJSON(w, http.StatusOK, resp)
}
