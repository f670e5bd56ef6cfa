package videos

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	falInQueue    = "IN_QUEUE"
	falInProgress = "IN_PROGRESS"
	falCompleted  = "COMPLETED"

	maxErrorExcerpt = 512
)

// FalGenerator renders videos through the fal.ai queue API.
type FalGenerator struct {
	BaseURL        string
	APIKey         string
	Model          string
	PollInterval   time.Duration
	RequestTimeout time.Duration
	Client         HTTPDoer
}

// NewFalGenerator constructs a Generator backed by fal.ai.
func NewFalGenerator(baseURL, apiKey, model string, pollInterval, requestTimeout time.Duration) *FalGenerator {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = "https://queue.fal.run"
	}
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if requestTimeout <= 0 {
		requestTimeout = 30 * time.Second
	}
	return &FalGenerator{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		APIKey:         apiKey,
		Model:          strings.Trim(model, "/"),
		PollInterval:   pollInterval,
		RequestTimeout: requestTimeout,
		Client:         http.DefaultClient,
	}
}

type falSubmitRequest struct {
	Prompt         string  `json:"prompt"`
	Duration       string  `json:"duration"`
	AspectRatio    string  `json:"aspect_ratio"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	CFGScale       float64 `json:"cfg_scale"`
}

type falSubmitResponse struct {
	RequestID   string `json:"request_id"`
	StatusURL   string `json:"status_url"`
	ResponseURL string `json:"response_url"`
}

type falStatusResponse struct {
	Status        string `json:"status"`
	QueuePosition *int   `json:"queue_position"`
	Logs          []struct {
		Message   string `json:"message"`
		Timestamp string `json:"timestamp"`
	} `json:"logs"`
}

type falResultResponse struct {
	Video *struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
		FileSize    int64  `json:"file_size"`
	} `json:"video"`
}

// Generate submits a request, polls until it completes and fetches the result.
func (g *FalGenerator) Generate(ctx context.Context, input GenerationInput, progress func(Progress)) (GenerationOutput, error) {
	if g == nil || strings.TrimSpace(g.APIKey) == "" {
		return GenerationOutput{}, ErrGeneratorUnavailable
	}
	if progress == nil {
		progress = func(Progress) {}
	}

	var submitted falSubmitResponse
	err := g.call(ctx, http.MethodPost, g.BaseURL+"/"+g.Model, falSubmitRequest{
		Prompt:         input.Prompt,
		Duration:       strconv.Itoa(input.Params.Duration),
		AspectRatio:    input.Params.AspectRatio,
		NegativePrompt: input.Params.NegativePrompt,
		CFGScale:       input.Params.CFGScale,
	}, &submitted)
	if err != nil {
		return GenerationOutput{}, fmt.Errorf("submit generation: %w", err)
	}
	if submitted.RequestID == "" {
		return GenerationOutput{}, fmt.Errorf("%w: submit response missing request_id", ErrExternalAPI)
	}

	requestBase := fmt.Sprintf("%s/%s/requests/%s", g.BaseURL, g.Model, submitted.RequestID)
	if submitted.StatusURL == "" {
		submitted.StatusURL = requestBase + "/status"
	}
	if submitted.ResponseURL == "" {
		submitted.ResponseURL = requestBase
	}
	progress(Progress{RequestID: submitted.RequestID, Status: falInQueue})

	if err := g.await(ctx, submitted, progress); err != nil {
		return GenerationOutput{}, err
	}

	var result falResultResponse
	if err := g.call(ctx, http.MethodGet, submitted.ResponseURL, nil, &result); err != nil {
		return GenerationOutput{}, fmt.Errorf("fetch generation result: %w", err)
	}
	if result.Video == nil || strings.TrimSpace(result.Video.URL) == "" {
		return GenerationOutput{}, fmt.Errorf("%w: result missing video url", ErrExternalAPI)
	}

	return GenerationOutput{
		RequestID:   submitted.RequestID,
		VideoURL:    result.Video.URL,
		ContentType: result.Video.ContentType,
		FileSize:    result.Video.FileSize,
	}, nil
}

func (g *FalGenerator) await(ctx context.Context, submitted falSubmitResponse, progress func(Progress)) error {
	statusURL := submitted.StatusURL + "?logs=1"
	seenLogs := 0

	timer := time.NewTimer(g.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("await generation: %w", ctx.Err())
		case <-timer.C:
		}

		var status falStatusResponse
		if err := g.call(ctx, http.MethodGet, statusURL, nil, &status); err != nil {
			return fmt.Errorf("poll generation: %w", err)
		}

		update := Progress{RequestID: submitted.RequestID, Status: status.Status, QueuePosition: status.QueuePosition}
		if len(status.Logs) > seenLogs {
			for _, entry := range status.Logs[seenLogs:] {
				ts, _ := time.Parse(time.RFC3339Nano, entry.Timestamp)
				update.Logs = append(update.Logs, ProgressLog{Message: entry.Message, Timestamp: ts.UTC()})
			}
			seenLogs = len(status.Logs)
		}
		progress(update)

		switch status.Status {
		case falCompleted:
			return nil
		case falInQueue, falInProgress:
			timer.Reset(g.PollInterval)
		default:
			return fmt.Errorf("%w: unexpected request status %q", ErrExternalAPI, status.Status)
		}
	}
}

// call performs one JSON request bounded by RequestTimeout. Non-2xx responses
// are reported as ErrExternalAPI with a body excerpt.
func (g *FalGenerator) call(ctx context.Context, method, url string, body, out any) error {
	reqCtx, cancel := context.WithTimeout(ctx, g.RequestTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %w", ErrExternalAPI, err)
	}
	req.Header.Set("Authorization", "Key "+g.APIKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := g.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %s %s: %w", ErrExternalAPI, method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorExcerpt))
		return fmt.Errorf("%w: %s %s returned %d: %s", ErrExternalAPI, method, url, resp.StatusCode, strings.TrimSpace(string(excerpt)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %w", ErrExternalAPI, err)
	}
	return nil
}
