package videos

import (
	"context"
	"time"

	"github.com/vidgen/backend/internal/logging"
)

// RateLimitStatus reports a user's standing against the generation limits.
type RateLimitStatus struct {
	CanCreateVideo  bool
	GeneratingCount int
	MaxGenerating   int
	DailyCount      int
	MaxDaily        int
	// TimeUntilReset is when the oldest video in the window drops out of it.
	TimeUntilReset time.Duration
}

// RateLimiter reports generation limits. The authoritative enforcement happens
// inside Store.CreateWithinLimits.
type RateLimiter struct {
	store  Store
	limits Limits
	now    func() time.Time
}

// NewRateLimiter constructs a RateLimiter. Zero limits fall back to DefaultLimits.
func NewRateLimiter(store Store, limits Limits) *RateLimiter {
	if limits.MaxGenerating <= 0 {
		limits.MaxGenerating = DefaultLimits.MaxGenerating
	}
	if limits.MaxDaily <= 0 {
		limits.MaxDaily = DefaultLimits.MaxDaily
	}
	return &RateLimiter{store: store, limits: limits, now: func() time.Time { return time.Now().UTC() }}
}

// WithNowFunc allows tests to override the time source.
func (r *RateLimiter) WithNowFunc(now func() time.Time) {
	r.now = now
}

// Limits returns the configured limits.
func (r *RateLimiter) Limits() Limits {
	return r.limits
}

// Check reports the user's usage. A store failure yields a status that denies
// creation rather than an error.
func (r *RateLimiter) Check(ctx context.Context, userID string) RateLimitStatus {
	status := RateLimitStatus{MaxGenerating: r.limits.MaxGenerating, MaxDaily: r.limits.MaxDaily}

	now := r.now()
	videos, err := r.store.ListSince(ctx, userID, now.Add(-RateLimitWindow))
	if err != nil {
		logging.FromContext(ctx).Error("rate limit check failed", "userId", userID, "error", err)
		return status
	}

	counts := CountWindow(videos)
	status.GeneratingCount = counts.Generating
	status.DailyCount = counts.Daily
	status.CanCreateVideo = r.limits.Check(counts) == nil
	if !counts.Oldest.IsZero() {
		if reset := counts.Oldest.Add(RateLimitWindow).Sub(now); reset > 0 {
			status.TimeUntilReset = reset
		}
	}
	return status
}
