package videos

import (
	"context"
	"net/http"
	"time"

	"github.com/vidgen/backend/internal/models"
)

// GenerationInput is what the generation API needs to render one video.
type GenerationInput struct {
	Prompt string
	Params models.GenerationParams
}

// ProgressLog is one log line reported by the generation API.
type ProgressLog struct {
	Message   string
	Timestamp time.Time
}

// Progress is an intermediate status report from the generation API.
type Progress struct {
	RequestID     string
	Status        string
	QueuePosition *int
	Logs          []ProgressLog
}

// GenerationOutput describes the rendered video hosted by the generation API.
type GenerationOutput struct {
	RequestID   string
	VideoURL    string
	ContentType string
	FileSize    int64
}

// Generator renders videos. Implementations call progress synchronously and
// must not retain it after Generate returns.
type Generator interface {
	Generate(ctx context.Context, input GenerationInput, progress func(Progress)) (GenerationOutput, error)
}

// HTTPDoer is satisfied by *http.Client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}
