// Package api exposes HTTP handlers for the attendance service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"example.com/attendance/internal/attendance"
	"example.com/attendance/internal/auth"
	"example.com/attendance/internal/domain"
	"example.com/attendance/internal/live"
)

// LiveSource streams gym presence counts.
type LiveSource interface {
	Subscribe(ctx context.Context, gymID string) (<-chan live.Update, error)
}

// Handler coordinates HTTP requests with the attendance engine.
type Handler struct {
	engine *attendance.Engine
	live   LiveSource
	logger zerolog.Logger
}

// NewHandler builds a Handler. live may be nil, which disables the live endpoint.
func NewHandler(engine *attendance.Engine, live LiveSource, logger zerolog.Logger) *Handler {
	return &Handler{engine: engine, live: live, logger: logger}
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/presences/check-in", h.checkIn)
	mux.HandleFunc("POST /v1/presences/check-out", h.checkOut)
	mux.HandleFunc("GET /v1/presences/{id}", h.getPresence)
	mux.HandleFunc("GET /v1/users/{id}/presence", h.activePresence)
	mux.HandleFunc("GET /v1/users/{id}/presences", h.presenceHistory)
	mux.HandleFunc("GET /v1/gyms/{id}/presences", h.gymPresences)
	mux.HandleFunc("GET /v1/gyms/{id}/live", h.gymLive)

	mux.HandleFunc("POST /v1/schedules", h.createSchedule)
	mux.HandleFunc("POST /v1/schedules/{id}/cancel", h.cancelSchedule)
	mux.HandleFunc("GET /v1/users/{id}/schedules", h.userSchedules)

	mux.HandleFunc("GET /v1/users/{id}/reputation", h.reputation)
	mux.HandleFunc("PUT /v1/users/{id}/follows/{gymId}", h.follow)
	mux.HandleFunc("DELETE /v1/users/{id}/follows/{gymId}", h.unfollow)

	mux.HandleFunc("POST /v1/admin/gyms/{id}/reconcile", h.reconcileGym)
	mux.HandleFunc("GET /healthz", healthz)
}

// healthz reports a simple OK status for container health checks.
func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// requireScope resolves the caller's claims and checks that one of scopes is present.
// It writes the error response itself and returns nil on failure.
func requireScope(w http.ResponseWriter, r *http.Request, scopes ...string) *auth.Claims {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return nil
	}
	if !claims.HasAnyScope(scopes...) {
		writeError(w, http.StatusForbidden, "forbidden", "scope "+scopes[0]+" required")
		return nil
	}
	return claims
}

var (
	readScopes  = []string{auth.ScopeAttendanceRead, auth.ScopeAttendanceWrite, auth.ScopeAttendanceAdmin}
	writeScopes = []string{auth.ScopeAttendanceWrite}
	adminScopes = []string{auth.ScopeAttendanceAdmin}
)

// selfOrAdmin reports whether claims may read or act on userID's private data.
func selfOrAdmin(claims *auth.Claims, userID string) bool {
	return claims.Subject == userID || claims.HasScope(auth.ScopeAttendanceAdmin)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return false
	}
	return true
}

// writeDomainError maps engine errors onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var ref string
	var derr *domain.Error
	if errors.As(err, &derr) {
		ref = derr.Ref
	}

	status, code := http.StatusInternalServerError, "server_error"
	switch {
	case errors.Is(err, domain.ErrValidation):
		status, code = http.StatusBadRequest, "validation_failed"
	case errors.Is(err, domain.ErrConflict), errors.Is(err, domain.ErrInvalidTransition):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, domain.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	}

	detail := err.Error()
	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		detail = "internal error"
	}

	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	if ref != "" {
		payload["ref"] = ref
	}
	writeJSON(w, status, payload)
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	payload := map[string]string{
		"type":   code,
		"detail": detail,
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func pathID(r *http.Request, name string) string {
	return strings.TrimSpace(r.PathValue(name))
}
