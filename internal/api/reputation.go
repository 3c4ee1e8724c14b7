package api

import (
	"net/http"
)

func (h *Handler) reputation(w http.ResponseWriter, r *http.Request) {
	if requireScope(w, r, readScopes...) == nil {
		return
	}
	rep, err := h.engine.Reputation(r.Context(), pathID(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReputationView(*rep))
}

func (h *Handler) follow(w http.ResponseWriter, r *http.Request) {
	h.toggleFollow(w, r, true)
}

func (h *Handler) unfollow(w http.ResponseWriter, r *http.Request) {
	h.toggleFollow(w, r, false)
}

func (h *Handler) toggleFollow(w http.ResponseWriter, r *http.Request, following bool) {
	claims := requireScope(w, r, writeScopes...)
	if claims == nil {
		return
	}
	userID := pathID(r, "id")
	if claims.Subject != userID {
		writeError(w, http.StatusForbidden, "forbidden", "not allowed to act for this user")
		return
	}

	result, err := h.engine.HandleFollowToggle(r.Context(), userID, pathID(r, "gymId"), following)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAwardView(result))
}

func (h *Handler) reconcileGym(w http.ResponseWriter, r *http.Request) {
	if requireScope(w, r, adminScopes...) == nil {
		return
	}
	counters, err := h.engine.ReconcileGym(r.Context(), pathID(r, "id"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, counters)
}
