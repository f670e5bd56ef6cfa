package handlers

import (
	"net/http"

	"github.com/vidgen/backend/internal/middleware"
)

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{Store: deps.Health}
	videos := VideoHandler{
		Generations: deps.Generations,
		Queue:       deps.Queue,
		Library:     deps.Library,
		Limits:      deps.Limits,
		Credits:     deps.Credits,
	}
	sessions := SessionHandler{Sessions: deps.Sessions}
	credits := CreditHandler{Ledger: deps.Credits}

	protect := func(h http.HandlerFunc) http.Handler {
		var handler http.Handler = h
		if deps.Throttle != nil {
			handler = middleware.Throttle(deps.Throttle)(handler)
		}
		return middleware.Authenticate(deps.Verifier)(handler)
	}

	mux.HandleFunc("/healthz", health.Handle)
	if deps.Metrics != nil {
		mux.Handle("GET /metrics", deps.Metrics)
	}
	mux.HandleFunc("GET /api/v1/plans", Plans)

	mux.Handle("GET /api/v1/rate-limit", protect(videos.RateLimit))
	mux.Handle("POST /api/v1/videos", protect(videos.Create))
	mux.Handle("GET /api/v1/videos", protect(videos.List))
	mux.Handle("GET /api/v1/videos/stats", protect(videos.Stats))
	mux.Handle("GET /api/v1/videos/generating", protect(videos.Generating))
	mux.Handle("GET /api/v1/videos/{id}", protect(videos.Get))
	mux.Handle("POST /api/v1/videos/{id}/retry", protect(videos.Retry))
	mux.Handle("POST /api/v1/videos/{id}/refresh-url", protect(videos.RefreshURL))
	mux.Handle("POST /api/v1/videos/{id}/status", protect(videos.UpdateStatus))

	mux.Handle("GET /api/v1/session", protect(sessions.Get))
	mux.Handle("PUT /api/v1/session/preferences", protect(sessions.UpdatePreferences))

	mux.Handle("GET /api/v1/credits", protect(credits.Balance))
	mux.Handle("POST /api/v1/credits/initialize", protect(credits.Initialize))
	mux.Handle("GET /api/v1/credits/check", protect(credits.Check))
	mux.Handle("POST /api/v1/credits/consume", protect(credits.Consume))
	mux.Handle("POST /api/v1/credits/add", protect(credits.Add))
	mux.Handle("PUT /api/v1/credits/plan", protect(credits.UpdatePlan))
	mux.Handle("GET /api/v1/credits/history", protect(credits.History))
	mux.Handle("POST /api/v1/credits/cancel", protect(credits.Cancel))
}

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Generations Generations
	Queue       GenerationQueue
	Library     VideoLibrary
	Limits      RateLimitChecker
	Sessions    SessionService
	Credits     CreditLedger

	Verifier middleware.TokenVerifier
	Throttle middleware.RateLimiter
	Health   HealthChecker
	Metrics  http.Handler
}
