package api

import (
	"net/http"
	"time"

	"example.com/attendance/internal/attendance"
	"example.com/attendance/internal/domain"
)

// CreateScheduleRequest is the payload for POST /v1/schedules.
type CreateScheduleRequest struct {
	UserID        string    `json:"user_id"`
	GymID         string    `json:"gym_id"`
	ScheduledTime time.Time `json:"scheduled_time"`
}

// CancelScheduleResponse reports a cancellation and its reliability penalty.
type CancelScheduleResponse struct {
	Schedule         ScheduleView `json:"schedule"`
	LateCancellation bool         `json:"late_cancellation"`
	Penalty          int          `json:"penalty"`
}

// ScheduleListResponse packages a user's schedules.
type ScheduleListResponse struct {
	Items []ScheduleView `json:"items"`
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	claims := requireScope(w, r, writeScopes...)
	if claims == nil {
		return
	}

	var req CreateScheduleRequest
	if !decodeBody(w, r, &req) {
		return
	}
	userID := req.UserID
	if userID == "" {
		userID = claims.Subject
	}

	schedule, err := h.engine.CreateSchedule(r.Context(), attendance.CreateScheduleInput{
		ActorID:       claims.Subject,
		UserID:        userID,
		GymID:         req.GymID,
		ScheduledTime: req.ScheduledTime,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toScheduleView(*schedule))
}

func (h *Handler) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	claims := requireScope(w, r, writeScopes...)
	if claims == nil {
		return
	}

	result, err := h.engine.CancelSchedule(r.Context(), claims.Subject, pathID(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelScheduleResponse{
		Schedule:         toScheduleView(result.Schedule),
		LateCancellation: result.Late,
		Penalty:          result.Penalty,
	})
}

func (h *Handler) userSchedules(w http.ResponseWriter, r *http.Request) {
	claims := requireScope(w, r, readScopes...)
	if claims == nil {
		return
	}
	userID := pathID(r, "id")
	if !selfOrAdmin(claims, userID) {
		writeError(w, http.StatusForbidden, "forbidden", "not allowed to read this user's schedules")
		return
	}

	status := domain.ScheduleStatus(r.URL.Query().Get("status"))
	schedules, err := h.engine.UserSchedules(r.Context(), userID, status)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	resp := ScheduleListResponse{Items: make([]ScheduleView, 0, len(schedules))}
	for _, s := range schedules {
		resp.Items = append(resp.Items, toScheduleView(s))
	}
	writeJSON(w, http.StatusOK, resp)
}
