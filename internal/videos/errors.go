package videos

import (
	"errors"
	"fmt"
)

var (
	// ErrVideoNotFound indicates the requested video does not exist.
	ErrVideoNotFound = errors.New("video not found")
	// ErrUnauthorized indicates the caller does not own the video.
	ErrUnauthorized = errors.New("not authorized for video")
	// ErrInvalidState indicates the video's status does not allow the operation.
	ErrInvalidState = errors.New("invalid video state")
	// ErrRateLimitExceeded indicates too many videos are generating at once.
	ErrRateLimitExceeded = errors.New("too many videos generating")
	// ErrDailyLimitExceeded indicates the rolling 24h generation quota is used up.
	ErrDailyLimitExceeded = errors.New("daily video limit reached")
	// ErrRetryLimitExceeded indicates the video has no retries left.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")
	// ErrExternalAPI indicates the generation API failed or returned an unusable response.
	ErrExternalAPI = errors.New("generation api error")
	// ErrStorage indicates fetching or persisting the generated video failed.
	ErrStorage = errors.New("video storage error")
	// ErrURLNotCached indicates no valid cached URL exists for a video.
	ErrURLNotCached = errors.New("video url not cached")
	// ErrSessionNotFound indicates the user has not stored a session yet.
	ErrSessionNotFound = errors.New("user session not found")
	// ErrGeneratorUnavailable indicates the generation client is not configured.
	ErrGeneratorUnavailable = errors.New("video generator unavailable")
)

// ValidationError reports a rejected input; nothing is created or charged.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}
