package handlers

import (
	"net/http"

	"github.com/vidgen/backend/internal/logging"
)

// SessionHandler exposes the caller's session and preferences.
type SessionHandler struct {
	Sessions SessionService
}

// Get handles GET /api/v1/session.
func (h SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	session, err := h.Sessions.Get(ctx, id.UserID)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, session)
}

// UpdatePreferences handles PUT /api/v1/session/preferences. Omitted fields
// keep their current values.
func (h SessionHandler) UpdatePreferences(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	current, err := h.Sessions.Get(ctx, id.UserID)
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	prefs := current.Preferences
	if err := decodeJSON(w, r, &prefs); err != nil {
		logging.FromContext(ctx).Warn("invalid preferences payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	session, err := h.Sessions.UpdatePreferences(ctx, id.UserID, prefs)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, session)
}
