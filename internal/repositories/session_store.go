package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vidgen/backend/internal/db"
	"github.com/vidgen/backend/internal/models"
	"github.com/vidgen/backend/internal/videos"
)

// PostgresSessionStore persists user sessions and preferences.
type PostgresSessionStore struct {
	pool db.Pool
}

// NewPostgresSessionStore constructs a session store backed by PostgreSQL.
func NewPostgresSessionStore(pool db.Pool) *PostgresSessionStore {
	return &PostgresSessionStore{pool: pool}
}

var _ videos.SessionStore = (*PostgresSessionStore)(nil)

// GetSession fetches the user's session.
func (s *PostgresSessionStore) GetSession(ctx context.Context, userID string) (models.UserSession, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.UserSession{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	session, err := scanSession(conn.QueryRow(ctx, `
        SELECT user_id, last_activity, active_videos, preferences
        FROM user_sessions
        WHERE user_id = $1
    `, userID))
	if err != nil {
		return models.UserSession{}, mapNoRows(err, videos.ErrSessionNotFound)
	}
	return session, nil
}

// SavePreferences upserts the user's preferences.
func (s *PostgresSessionStore) SavePreferences(ctx context.Context, userID string, prefs models.Preferences, now time.Time) (models.UserSession, error) {
	encoded, err := json.Marshal(prefs)
	if err != nil {
		return models.UserSession{}, fmt.Errorf("encode preferences: %w", err)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.UserSession{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	session, err := scanSession(conn.QueryRow(ctx, `
        INSERT INTO user_sessions (user_id, last_activity, preferences)
        VALUES ($1, $2, $3::JSONB)
        ON CONFLICT (user_id) DO UPDATE
        SET preferences = excluded.preferences,
            last_activity = excluded.last_activity
        RETURNING user_id, last_activity, active_videos, preferences
    `, userID, now, string(encoded)))
	if err != nil {
		return models.UserSession{}, fmt.Errorf("upsert preferences: %w", err)
	}
	return session, nil
}

func scanSession(row pgx.Row) (models.UserSession, error) {
	var (
		session models.UserSession
		prefs   []byte
	)
	if err := row.Scan(&session.UserID, &session.LastActivity, &session.ActiveVideos, &prefs); err != nil {
		return models.UserSession{}, err
	}
	session.LastActivity = session.LastActivity.UTC()
	session.Preferences = models.DefaultPreferences()
	if err := json.Unmarshal(prefs, &session.Preferences); err != nil {
		return models.UserSession{}, fmt.Errorf("decode preferences: %w", err)
	}
	if session.ActiveVideos == nil {
		session.ActiveVideos = []string{}
	}
	return session, nil
}

// activateVideo adds videoID to the user's active set, creating the session
// with default preferences if needed.
func activateVideo(ctx context.Context, q querier, userID, videoID string, now time.Time) error {
	_, err := q.Exec(ctx, `
        INSERT INTO user_sessions (user_id, last_activity, active_videos)
        VALUES ($1, $2, ARRAY[$3::TEXT])
        ON CONFLICT (user_id) DO UPDATE
        SET active_videos = array_append(array_remove(user_sessions.active_videos, $3::TEXT), $3::TEXT),
            last_activity = excluded.last_activity
    `, userID, now, videoID)
	if err != nil {
		return fmt.Errorf("activate video in session: %w", err)
	}
	return nil
}

func deactivateVideo(ctx context.Context, q querier, userID, videoID string, now time.Time) error {
	_, err := q.Exec(ctx, `
        UPDATE user_sessions
        SET active_videos = array_remove(active_videos, $2::TEXT),
            last_activity = $3
        WHERE user_id = $1
    `, userID, videoID, now)
	if err != nil {
		return fmt.Errorf("deactivate video in session: %w", err)
	}
	return nil
}
