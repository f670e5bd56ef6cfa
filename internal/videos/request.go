package videos

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/vidgen/backend/internal/models"
)

const (
	minPromptLength = 10
	maxPromptLength = 1000
	maxTitleLength  = 120

	defaultAspectRatio = "16:9"
	defaultDuration    = 5
	defaultCFGScale    = 0.5
)

var aspectRatios = map[string]string{
	"16:9": "1280x720",
	"9:16": "720x1280",
	"1:1":  "720x720",
}

// GenerationRequest is the caller's input to StartGeneration. Zero values
// select defaults.
type GenerationRequest struct {
	UserID         string   `json:"-"`
	Title          string   `json:"title"`
	Prompt         string   `json:"prompt"`
	AspectRatio    string   `json:"aspectRatio,omitempty"`
	Duration       int      `json:"duration,omitempty"`
	NegativePrompt string   `json:"negativePrompt,omitempty"`
	CFGScale       *float64 `json:"cfgScale,omitempty"`
}

// normalize validates r and returns the trimmed prompt, title and parameters.
func (r GenerationRequest) normalize() (prompt, title string, params models.GenerationParams, err error) {
	if strings.TrimSpace(r.UserID) == "" {
		return "", "", params, ErrUnauthorized
	}

	prompt = strings.TrimSpace(r.Prompt)
	switch n := utf8.RuneCountInString(prompt); {
	case n == 0:
		return "", "", params, &ValidationError{Field: "prompt", Message: "must not be empty"}
	case n < minPromptLength:
		return "", "", params, &ValidationError{Field: "prompt", Message: fmt.Sprintf("must be at least %d characters", minPromptLength)}
	case n > maxPromptLength:
		return "", "", params, &ValidationError{Field: "prompt", Message: fmt.Sprintf("must be at most %d characters", maxPromptLength)}
	}

	params = models.GenerationParams{
		AspectRatio:    r.AspectRatio,
		Duration:       r.Duration,
		NegativePrompt: strings.TrimSpace(r.NegativePrompt),
		CFGScale:       defaultCFGScale,
	}
	if params.AspectRatio == "" {
		params.AspectRatio = defaultAspectRatio
	}
	if _, ok := aspectRatios[params.AspectRatio]; !ok {
		return "", "", params, &ValidationError{Field: "aspectRatio", Message: "must be one of 16:9, 9:16, 1:1"}
	}
	if params.Duration == 0 {
		params.Duration = defaultDuration
	}
	if params.Duration != 5 && params.Duration != 10 {
		return "", "", params, &ValidationError{Field: "duration", Message: "must be 5 or 10 seconds"}
	}
	if r.CFGScale != nil {
		params.CFGScale = *r.CFGScale
	}
	// Written positively so NaN is rejected.
	if !(params.CFGScale >= 0 && params.CFGScale <= 2) {
		return "", "", params, &ValidationError{Field: "cfgScale", Message: "must be between 0 and 2"}
	}

	title = strings.TrimSpace(r.Title)
	if title == "" {
		title = prompt
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		title = string([]rune(title)[:maxTitleLength])
	}

	return prompt, title, params, nil
}

// validAspectRatio reports whether ratio is a supported output shape.
func validAspectRatio(ratio string) bool {
	_, ok := aspectRatios[ratio]
	return ok
}

// resolutionFor returns the output resolution for an aspect ratio.
func resolutionFor(ratio string) string {
	return aspectRatios[ratio]
}
