package videos

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vidgen/backend/internal/models"
)

const (
	minAutoRefreshInterval = 1
	maxAutoRefreshInterval = 300
)

// Sessions exposes per-user session state and preferences.
type Sessions struct {
	store SessionStore
	now   func() time.Time
}

// NewSessions constructs a Sessions service.
func NewSessions(store SessionStore) *Sessions {
	return &Sessions{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// WithNowFunc allows tests to override the time source.
func (s *Sessions) WithNowFunc(now func() time.Time) {
	s.now = now
}

// Get returns the user's session, or a default one if none was stored.
func (s *Sessions) Get(ctx context.Context, userID string) (models.UserSession, error) {
	if strings.TrimSpace(userID) == "" {
		return models.UserSession{}, ErrUnauthorized
	}
	session, err := s.store.GetSession(ctx, userID)
	if errors.Is(err, ErrSessionNotFound) {
		return models.UserSession{
			UserID:       userID,
			ActiveVideos: []string{},
			Preferences:  models.DefaultPreferences(),
		}, nil
	}
	if err != nil {
		return models.UserSession{}, fmt.Errorf("load session: %w", err)
	}
	if session.ActiveVideos == nil {
		session.ActiveVideos = []string{}
	}
	return session, nil
}

// UpdatePreferences validates and stores the user's preferences.
func (s *Sessions) UpdatePreferences(ctx context.Context, userID string, prefs models.Preferences) (models.UserSession, error) {
	if strings.TrimSpace(userID) == "" {
		return models.UserSession{}, ErrUnauthorized
	}
	if prefs.AutoRefreshInterval < minAutoRefreshInterval || prefs.AutoRefreshInterval > maxAutoRefreshInterval {
		return models.UserSession{}, &ValidationError{Field: "autoRefreshInterval", Message: fmt.Sprintf("must be between %d and %d seconds", minAutoRefreshInterval, maxAutoRefreshInterval)}
	}
	if !validAspectRatio(prefs.DefaultAspectRatio) {
		return models.UserSession{}, &ValidationError{Field: "defaultAspectRatio", Message: "must be one of 16:9, 9:16, 1:1"}
	}
	if prefs.DefaultDuration != 5 && prefs.DefaultDuration != 10 {
		return models.UserSession{}, &ValidationError{Field: "defaultDuration", Message: "must be 5 or 10 seconds"}
	}

	session, err := s.store.SavePreferences(ctx, userID, prefs, s.now())
	if err != nil {
		return models.UserSession{}, fmt.Errorf("save preferences: %w", err)
	}
	if session.ActiveVideos == nil {
		session.ActiveVideos = []string{}
	}
	return session, nil
}
