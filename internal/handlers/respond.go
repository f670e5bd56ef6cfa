package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/vidgen/backend/internal/auth"
	"github.com/vidgen/backend/internal/credits"
	"github.com/vidgen/backend/internal/logging"
	"github.com/vidgen/backend/internal/videos"
)

const maxBodyBytes = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "response", payload)
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "response", payload)
	}
}

// respondError maps domain errors onto HTTP statuses. Unknown errors are
// logged in full and reported without detail.
func respondError(ctx context.Context, w http.ResponseWriter, err error) {
	var (
		videoValidation  *videos.ValidationError
		creditValidation *credits.ValidationError
	)
	switch {
	case errors.As(err, &videoValidation):
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: videoValidation.Message, Field: videoValidation.Field})
	case errors.As(err, &creditValidation):
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: creditValidation.Message, Field: creditValidation.Field})
	case errors.Is(err, credits.ErrUnknownPlan):
		respondJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "unknown plan", Field: "planId"})
	case errors.Is(err, videos.ErrUnauthorized):
		respondJSON(ctx, w, http.StatusForbidden, errorResponse{Error: "video belongs to another user"})
	case errors.Is(err, videos.ErrVideoNotFound):
		respondJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "video not found"})
	case errors.Is(err, credits.ErrAccountNotFound):
		respondJSON(ctx, w, http.StatusNotFound, errorResponse{Error: "credit account not found"})
	case errors.Is(err, credits.ErrInsufficientCredits):
		respondJSON(ctx, w, http.StatusPaymentRequired, errorResponse{Error: "insufficient credits"})
	case errors.Is(err, videos.ErrRateLimitExceeded):
		respondJSON(ctx, w, http.StatusTooManyRequests, errorResponse{Error: "too many videos generating, wait for one to finish"})
	case errors.Is(err, videos.ErrDailyLimitExceeded):
		respondJSON(ctx, w, http.StatusTooManyRequests, errorResponse{Error: "daily video limit reached"})
	case errors.Is(err, videos.ErrRetryLimitExceeded):
		respondJSON(ctx, w, http.StatusConflict, errorResponse{Error: fmt.Sprintf("video has used all %d retries", videos.MaxRetries)})
	case errors.Is(err, videos.ErrInvalidState):
		respondJSON(ctx, w, http.StatusConflict, errorResponse{Error: err.Error()})
	case errors.Is(err, videos.ErrQueueFull), errors.Is(err, videos.ErrDispatcherClosed):
		w.Header().Set("Retry-After", "30")
		respondJSON(ctx, w, http.StatusServiceUnavailable, errorResponse{Error: "generation capacity exhausted, try again shortly"})
	default:
		logging.FromContext(ctx).Error("unhandled request error", "error", err)
		respondJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

// setRetryAfter advertises when a rate-limited caller may try again.
func setRetryAfter(w http.ResponseWriter, wait time.Duration) {
	seconds := int(wait.Round(time.Second) / time.Second)
	if seconds < 1 {
		seconds = 60
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("decode request body: %w", err)
	}
	return nil
}

// identity returns the verified caller or writes 401.
func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		respondJSON(r.Context(), w, http.StatusUnauthorized, errorResponse{Error: "authentication required"})
		return auth.Identity{}, false
	}
	return id, true
}

// queryInt parses an optional integer query parameter.
func queryInt(r *http.Request, name string) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &videos.ValidationError{Field: name, Message: "must be an integer"}
	}
	return n, nil
}
