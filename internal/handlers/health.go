package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/vidgen/backend/internal/logging"
)

// healthPingTimeout bounds the store probe so a stuck database fails the check
// instead of the load balancer's request.
const healthPingTimeout = 2 * time.Second

// HealthHandler responds with service health information.
type HealthHandler struct {
	// Store is pinged on every probe when set.
	Store HealthChecker
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handle implements GET /healthz.
func (h HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	if h.Store == nil {
		respondJSON(ctx, w, http.StatusOK, healthResponse{Status: "ok"})
		return
	}

	pingCtx, cancel := context.WithTimeout(ctx, healthPingTimeout)
	defer cancel()
	if err := h.Store.Ping(pingCtx); err != nil {
		logging.FromContext(ctx).Warn("health check failed", "check", "store", "error", err)
		respondJSON(ctx, w, http.StatusServiceUnavailable, healthResponse{
			Status: "unavailable",
			Checks: map[string]string{"store": "unreachable"},
		})
		return
	}
	respondJSON(ctx, w, http.StatusOK, healthResponse{Status: "ok", Checks: map[string]string{"store": "ok"}})
}
