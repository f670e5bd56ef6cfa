package videos

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vidgen/backend/internal/credits"
	"github.com/vidgen/backend/internal/logging"
	"github.com/vidgen/backend/internal/models"
)

// MaxRetries is how many times a failed video may be sent back to generating.
const MaxRetries = 3

// CreditsPerVideo is charged once a generated video is durably stored.
const CreditsPerVideo = 1

// finishTimeout bounds the writes that record a generation's outcome. They run
// detached from the worker context so shutdown cannot strand a video.
const finishTimeout = 10 * time.Second

// CreditLedger is the part of the credit ledger generation depends on.
type CreditLedger interface {
	CheckAvailable(ctx context.Context, userID string, needed int) (credits.Availability, error)
	Consume(ctx context.Context, userID string, amount int, description, relatedVideoID string) (int, error)
}

// Recorder receives generation metrics. It may be nil.
type Recorder interface {
	GenerationFinished(outcome string, elapsed time.Duration)
	URLsInvalidated(count int)
}

// GenerationResult is the outcome of running a generation to a terminal state.
type GenerationResult struct {
	VideoID    string `json:"videoId"`
	Success    bool   `json:"success"`
	VideoURL   string `json:"videoUrl,omitempty"`
	NewBalance *int   `json:"newBalance,omitempty"`
	Error      string `json:"error,omitempty"`

	Err error `json:"-"`
}

// StatusChange is a caller-driven status update.
type StatusChange struct {
	Status        models.VideoStatus
	Error         *string
	FalStatus     *string
	QueuePosition *int
	Message       string
}

// LifecycleConfig tunes generation.
type LifecycleConfig struct {
	Model string
	// Timeout bounds a single generation; zero means no bound.
	Timeout time.Duration
}

// Lifecycle drives a video from request to completed or failed.
type Lifecycle struct {
	store     Store
	urls      *URLCache
	ledger    CreditLedger
	generator Generator
	blobs     BlobStore
	client    HTTPDoer
	metrics   Recorder
	limits    Limits
	cfg       LifecycleConfig
	now       func() time.Time
}

// LifecycleDeps bundles the collaborators of a Lifecycle.
type LifecycleDeps struct {
	Store     Store
	URLs      *URLCache
	Ledger    CreditLedger
	Generator Generator
	Blobs     BlobStore
	Client    HTTPDoer
	Metrics   Recorder
	Limits    Limits
}

// NewLifecycle constructs a Lifecycle. A nil Client uses http.DefaultClient.
func NewLifecycle(deps LifecycleDeps, cfg LifecycleConfig) *Lifecycle {
	client := deps.Client
	if client == nil {
		client = http.DefaultClient
	}
	limits := deps.Limits
	if limits.MaxGenerating <= 0 || limits.MaxDaily <= 0 {
		limits = DefaultLimits
	}
	return &Lifecycle{
		store:     deps.Store,
		urls:      deps.URLs,
		ledger:    deps.Ledger,
		generator: deps.Generator,
		blobs:     deps.Blobs,
		client:    client,
		metrics:   deps.Metrics,
		limits:    limits,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithNowFunc allows tests to override the time source.
func (l *Lifecycle) WithNowFunc(now func() time.Time) {
	l.now = now
}

// StartGeneration validates, admits and runs one generation to completion.
// Errors before the video exists are returned; failures after it exists are
// reported in the result with the video marked failed.
func (l *Lifecycle) StartGeneration(ctx context.Context, req GenerationRequest) (GenerationResult, error) {
	video, err := l.Begin(ctx, req)
	if err != nil {
		return GenerationResult{}, err
	}
	return l.Generate(ctx, video), nil
}

// Begin validates the request, checks credits and creates the video in
// generating state if the user's limits allow it. No credits are charged.
func (l *Lifecycle) Begin(ctx context.Context, req GenerationRequest) (models.Video, error) {
	prompt, title, params, err := req.normalize()
	if err != nil {
		return models.Video{}, err
	}

	avail, err := l.ledger.CheckAvailable(ctx, req.UserID, CreditsPerVideo)
	if err != nil {
		return models.Video{}, fmt.Errorf("check credits: %w", err)
	}
	if !avail.HasEnoughCredits {
		return models.Video{}, fmt.Errorf("need %d more credits: %w", avail.Shortfall, credits.ErrInsufficientCredits)
	}

	now := l.now()
	video := models.Video{
		ID:        uuid.NewString(),
		UserID:    req.UserID,
		Title:     title,
		Prompt:    prompt,
		Params:    params,
		Status:    models.VideoGenerating,
		CreatedAt: now,
		ProcessingLogs: []models.ProcessingLog{
			{Timestamp: now, Message: "Video generation requested", Level: models.LogInfo},
		},
	}

	created, err := l.store.CreateWithinLimits(ctx, video, now.Add(-RateLimitWindow), l.limits)
	if err != nil {
		if errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrDailyLimitExceeded) {
			return models.Video{}, err
		}
		return models.Video{}, fmt.Errorf("create video: %w", err)
	}

	logging.FromContext(ctx).Info("video generation admitted", "videoId", created.ID, "userId", created.UserID)
	return created, nil
}

// Generate runs the external generation for a video already in generating
// state, stores the output, charges the user and completes the video. Any
// failure before storage succeeds marks the video failed.
func (l *Lifecycle) Generate(ctx context.Context, video models.Video) (result GenerationResult) {
	ctx = logging.With(ctx, "videoId", video.ID, "userId", video.UserID)
	ctx, span := logging.StartSpan(ctx, "videos.generate")
	started := l.now()

	defer func() {
		if r := recover(); r != nil {
			result = l.fail(ctx, video, fmt.Errorf("unexpected generation error: %v", r))
		}
		outcome := "completed"
		if !result.Success {
			outcome = "failed"
		}
		if l.metrics != nil {
			l.metrics.GenerationFinished(outcome, l.now().Sub(started))
		}
		span.End(result.Err)
	}()

	if l.generator == nil {
		return l.fail(ctx, video, ErrGeneratorUnavailable)
	}

	genCtx := ctx
	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	out, err := l.generator.Generate(genCtx, GenerationInput{Prompt: video.Prompt, Params: video.Params}, func(p Progress) {
		l.recordProgress(ctx, video.ID, p)
	})
	if err != nil {
		if !errors.Is(err, ErrExternalAPI) {
			err = fmt.Errorf("%w: %w", ErrExternalAPI, err)
		}
		return l.fail(ctx, video, err)
	}
	if strings.TrimSpace(out.VideoURL) == "" {
		return l.fail(ctx, video, fmt.Errorf("%w: response did not include a video url", ErrExternalAPI))
	}

	storageID, size, err := l.storeOutput(genCtx, video, out)
	if err != nil {
		return l.fail(ctx, video, err)
	}

	// The video is durable from here on; later problems never mark it failed,
	// and the remaining writes must land even if the worker is being cancelled.
	finishCtx, cancelFinish := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancelFinish()

	if current, err := l.store.Get(finishCtx, video.ID); err == nil && current.Status != models.VideoGenerating {
		err := fmt.Errorf("video became %s during generation: %w", current.Status, ErrInvalidState)
		logging.FromContext(ctx).Warn("stored video is no longer generating, not charging", "storageId", storageID, "status", current.Status)
		return GenerationResult{VideoID: video.ID, Success: false, Error: err.Error(), Err: err}
	}

	var newBalance *int
	balance, err := l.ledger.Consume(finishCtx, video.UserID, CreditsPerVideo, "Video generation: "+video.Title, video.ID)
	if err != nil {
		logging.FromContext(ctx).Error("charge for stored video failed", "error", err)
	} else {
		newBalance = &balance
	}

	now := l.now()
	var cached *models.CachedVideoURL
	if l.urls != nil {
		entry, err := l.urls.derive(finishCtx, video.ID, storageID, now)
		if err != nil {
			logging.FromContext(ctx).Warn("sign url for stored video failed", "storageId", storageID, "error", err)
		} else {
			cached = &entry
		}
	}

	completed, err := l.store.Complete(finishCtx, video.ID, Completion{
		StorageID: storageID,
		Metadata: models.VideoMetadata{
			FileSize:    size,
			Duration:    video.Params.Duration,
			Resolution:  resolutionFor(video.Params.AspectRatio),
			Model:       l.cfg.Model,
			AspectRatio: video.Params.AspectRatio,
		},
		Log: models.ProcessingLog{Timestamp: now, Message: "Video generation completed", Level: models.LogInfo},
		URL: cached,
		At:  now,
	})
	if err != nil {
		err = fmt.Errorf("complete video: %w", err)
		logging.FromContext(ctx).Error("stored video could not be marked completed", "storageId", storageID, "error", err)
		return GenerationResult{VideoID: video.ID, Success: false, NewBalance: newBalance, Error: err.Error(), Err: err}
	}

	result = GenerationResult{VideoID: completed.ID, Success: true, NewBalance: newBalance}
	if cached != nil {
		result.VideoURL = cached.URL
	}
	logging.FromContext(ctx).Info("video generation completed", "storageId", storageID, "bytes", size)
	return result
}

// Abort marks a video that will never be generated as failed.
func (l *Lifecycle) Abort(ctx context.Context, video models.Video, cause error) GenerationResult {
	return l.fail(ctx, video, cause)
}

// Retry sends a failed video back to generating. It does not run generation.
func (l *Lifecycle) Retry(ctx context.Context, userID, videoID string) (models.Video, error) {
	video, err := l.owned(ctx, userID, videoID)
	if err != nil {
		return models.Video{}, err
	}
	if video.Status != models.VideoFailed {
		return models.Video{}, fmt.Errorf("retry %s video: %w", video.Status, ErrInvalidState)
	}
	if video.RetryCount >= MaxRetries {
		return models.Video{}, ErrRetryLimitExceeded
	}

	log := models.ProcessingLog{
		Timestamp: l.now(),
		Message:   fmt.Sprintf("Retry requested (attempt %d of %d)", video.RetryCount+1, MaxRetries),
		Level:     models.LogInfo,
	}
	reset, err := l.store.ResetForRetry(ctx, videoID, MaxRetries, l.limits, log)
	if err != nil {
		return models.Video{}, fmt.Errorf("retry video: %w", err)
	}
	return reset, nil
}

// UpdateStatus applies a caller-driven status change with a log entry.
func (l *Lifecycle) UpdateStatus(ctx context.Context, userID, videoID string, change StatusChange) (models.Video, error) {
	if !change.Status.Valid() {
		return models.Video{}, &ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", change.Status)}
	}
	video, err := l.owned(ctx, userID, videoID)
	if err != nil {
		return models.Video{}, err
	}
	// Leaving failed goes through Retry; completed is final.
	if video.Status != models.VideoGenerating {
		return models.Video{}, fmt.Errorf("update %s video: %w", video.Status, ErrInvalidState)
	}

	level := models.LogInfo
	if change.Status == models.VideoFailed {
		level = models.LogError
	}
	message := strings.TrimSpace(change.Message)
	if message == "" {
		message = fmt.Sprintf("Status changed to %s", change.Status)
	}

	now := l.now()
	updated, err := l.store.UpdateStatus(ctx, videoID, StatusUpdate{
		Status:        change.Status,
		Error:         change.Error,
		FalStatus:     change.FalStatus,
		QueuePosition: change.QueuePosition,
		Log:           models.ProcessingLog{Timestamp: now, Message: message, Level: level},
		At:            now,
	})
	if err != nil {
		return models.Video{}, fmt.Errorf("update video status: %w", err)
	}
	return updated, nil
}

func (l *Lifecycle) owned(ctx context.Context, userID, videoID string) (models.Video, error) {
	video, err := l.store.Get(ctx, videoID)
	if err != nil {
		return models.Video{}, err
	}
	if video.UserID != userID {
		return models.Video{}, ErrUnauthorized
	}
	return video, nil
}

// storeOutput downloads the generated file and persists it to the blob store.
func (l *Lifecycle) storeOutput(ctx context.Context, video models.Video, out GenerationOutput) (string, int64, error) {
	if l.blobs == nil {
		return "", 0, fmt.Errorf("%w: no blob store configured", ErrStorage)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, out.VideoURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: build download request: %w", ErrStorage, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: download video: %w", ErrStorage, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", 0, fmt.Errorf("%w: download video: HTTP %d %s", ErrStorage, resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	contentType := out.ContentType
	if contentType == "" {
		contentType = resp.Header.Get("Content-Type")
	}
	if contentType == "" {
		contentType = "video/mp4"
	}

	body := &countingReader{r: resp.Body}
	key := fmt.Sprintf("%s/%s.mp4", video.UserID, video.ID)
	storageID, err := l.blobs.Put(ctx, key, body, contentType)
	if err != nil {
		return "", 0, fmt.Errorf("%w: upload video: %w", ErrStorage, err)
	}

	size := body.n
	if size == 0 && out.FileSize > 0 {
		size = out.FileSize
	}
	return storageID, size, nil
}

func (l *Lifecycle) fail(ctx context.Context, video models.Video, cause error) GenerationResult {
	message := cause.Error()
	logging.FromContext(ctx).Error("video generation failed", "error", cause)

	// The generation context may already be done; the failure must still land.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	now := l.now()
	_, err := l.store.UpdateStatus(writeCtx, video.ID, StatusUpdate{
		Status: models.VideoFailed,
		Error:  &message,
		Log:    models.ProcessingLog{Timestamp: now, Message: "Video generation failed: " + message, Level: models.LogError},
		At:     now,
	})
	if err != nil {
		logging.FromContext(ctx).Error("record generation failure", "error", err)
	}
	return GenerationResult{VideoID: video.ID, Success: false, Error: message, Err: cause}
}

func (l *Lifecycle) recordProgress(ctx context.Context, videoID string, p Progress) {
	update := ProgressUpdate{
		FalRequestID:  p.RequestID,
		FalStatus:     p.Status,
		QueuePosition: p.QueuePosition,
	}
	for _, entry := range p.Logs {
		ts := entry.Timestamp
		if ts.IsZero() {
			ts = l.now()
		}
		update.Logs = append(update.Logs, models.ProcessingLog{Timestamp: ts, Message: entry.Message, Level: models.LogInfo})
	}
	if err := l.store.RecordProgress(ctx, videoID, update); err != nil {
		logging.FromContext(ctx).Warn("record generation progress", "status", p.Status, "error", err)
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
