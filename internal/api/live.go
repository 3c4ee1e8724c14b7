package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"example.com/attendance/internal/live"
)

const liveHeartbeat = 25 * time.Second

// gymLive streams presence counts for a gym as server-sent events, starting with the current count.
func (h *Handler) gymLive(w http.ResponseWriter, r *http.Request) {
	if requireScope(w, r, readScopes...) == nil {
		return
	}
	if h.live == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "live updates are not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "server_error", "streaming unsupported")
		return
	}

	ctx := r.Context()
	gymID := pathID(r, "id")

	updates, err := h.live.Subscribe(ctx, gymID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	current, err := h.engine.GymPresences(ctx, gymID)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if err := writeEvent(w, live.Update{GymID: gymID, Count: len(current), At: time.Now().UTC()}); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(liveHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if err := writeEvent(w, u); err != nil {
				return
			}
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
		}
		flusher.Flush()
	}
}

func writeEvent(w http.ResponseWriter, u live.Update) error {
	raw, err := json.Marshal(u)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: presence\ndata: %s\n\n", raw)
	return err
}
