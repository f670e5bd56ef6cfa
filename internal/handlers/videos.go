package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vidgen/backend/internal/credits"
	"github.com/vidgen/backend/internal/logging"
	"github.com/vidgen/backend/internal/models"
	"github.com/vidgen/backend/internal/videos"
)

// VideoHandler provides endpoints for generating and browsing videos.
type VideoHandler struct {
	Generations Generations
	Queue       GenerationQueue
	Library     VideoLibrary
	Limits      RateLimitChecker
	Credits     CreditLedger
}

type acceptedResponse struct {
	VideoID    string             `json:"videoId"`
	Status     models.VideoStatus `json:"status"`
	RetryCount int                `json:"retryCount"`
}

type rateLimitResponse struct {
	CanCreateVideo  bool `json:"canCreateVideo"`
	GeneratingCount int  `json:"generatingCount"`
	MaxGenerating   int  `json:"maxGenerating"`
	DailyCount      int  `json:"dailyCount"`
	MaxDaily        int  `json:"maxDaily"`
	// TimeUntilReset is in milliseconds.
	TimeUntilReset int64 `json:"timeUntilReset"`
}

type statusRequest struct {
	Status        models.VideoStatus `json:"status"`
	Error         *string            `json:"error,omitempty"`
	FalStatus     *string            `json:"falStatus,omitempty"`
	QueuePosition *int               `json:"queuePosition,omitempty"`
	Message       string             `json:"message,omitempty"`
}

// Create handles POST /api/v1/videos. The video is admitted synchronously and
// generated in the background; callers poll the generating endpoint.
func (h VideoHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req videos.GenerationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		logging.FromContext(ctx).Warn("invalid generation payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}
	req.UserID = id.UserID

	video, err := h.Generations.Begin(ctx, req)
	if err != nil {
		if errors.Is(err, videos.ErrRateLimitExceeded) || errors.Is(err, videos.ErrDailyLimitExceeded) {
			setRetryAfter(w, h.Limits.Check(ctx, id.UserID).TimeUntilReset)
		}
		respondError(ctx, w, err)
		return
	}

	if err := h.Queue.Enqueue(ctx, video); err != nil {
		h.Generations.Abort(ctx, video, fmt.Errorf("schedule generation: %w", err))
		respondError(ctx, w, err)
		return
	}

	respondJSON(ctx, w, http.StatusAccepted, acceptedResponse{VideoID: video.ID, Status: video.Status, RetryCount: video.RetryCount})
}

// List handles GET /api/v1/videos.
func (h VideoHandler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	list, err := h.Library.List(ctx, id.UserID, limit)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"videos": list})
}

// Get handles GET /api/v1/videos/{id}.
func (h VideoHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	view, err := h.Library.Get(ctx, id.UserID, r.PathValue("id"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, view)
}

// Stats handles GET /api/v1/videos/stats.
func (h VideoHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	stats, err := h.Library.Stats(ctx, id.UserID)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, stats)
}

// Generating handles GET /api/v1/videos/generating.
func (h VideoHandler) Generating(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	statuses, err := h.Library.Generating(ctx, id.UserID)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, map[string]any{"videos": statuses})
}

// Retry handles POST /api/v1/videos/{id}/retry. Credits are checked before the
// video is reset so an unaffordable retry leaves it failed.
func (h VideoHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	avail, err := h.Credits.CheckAvailable(ctx, id.UserID, videos.CreditsPerVideo)
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	if !avail.HasEnoughCredits {
		respondError(ctx, w, credits.ErrInsufficientCredits)
		return
	}

	video, err := h.Generations.Retry(ctx, id.UserID, r.PathValue("id"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}

	if err := h.Queue.Enqueue(ctx, video); err != nil {
		h.Generations.Abort(ctx, video, fmt.Errorf("schedule retry: %w", err))
		respondError(ctx, w, err)
		return
	}

	respondJSON(ctx, w, http.StatusAccepted, acceptedResponse{VideoID: video.ID, Status: video.Status, RetryCount: video.RetryCount})
}

// RefreshURL handles POST /api/v1/videos/{id}/refresh-url.
func (h VideoHandler) RefreshURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	entry, err := h.Library.Refresh(ctx, id.UserID, r.PathValue("id"))
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, entry)
}

// UpdateStatus handles POST /api/v1/videos/{id}/status.
func (h VideoHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	var req statusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		logging.FromContext(ctx).Warn("invalid status payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	video, err := h.Generations.UpdateStatus(ctx, id.UserID, r.PathValue("id"), videos.StatusChange{
		Status:        req.Status,
		Error:         req.Error,
		FalStatus:     req.FalStatus,
		QueuePosition: req.QueuePosition,
		Message:       req.Message,
	})
	if err != nil {
		respondError(ctx, w, err)
		return
	}
	respondJSON(ctx, w, http.StatusOK, video)
}

// RateLimit handles GET /api/v1/rate-limit.
func (h VideoHandler) RateLimit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identity(w, r)
	if !ok {
		return
	}

	status := h.Limits.Check(ctx, id.UserID)
	respondJSON(ctx, w, http.StatusOK, rateLimitResponse{
		CanCreateVideo:  status.CanCreateVideo,
		GeneratingCount: status.GeneratingCount,
		MaxGenerating:   status.MaxGenerating,
		DailyCount:      status.DailyCount,
		MaxDaily:        status.MaxDaily,
		TimeUntilReset:  status.TimeUntilReset.Milliseconds(),
	})
}
