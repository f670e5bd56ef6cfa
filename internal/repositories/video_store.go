package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vidgen/backend/internal/db"
	"github.com/vidgen/backend/internal/models"
	"github.com/vidgen/backend/internal/videos"
)

const videoColumns = `id, user_id, title, prompt, aspect_ratio, duration, negative_prompt, cfg_scale, status,
        created_at, completed_at, storage_id, error, fal_request_id, fal_status, queue_position, retry_count,
        processing_logs, metadata`

// PostgresVideoStore persists videos and their cached playback URLs.
type PostgresVideoStore struct {
	pool db.Pool
}

// NewPostgresVideoStore constructs a video store backed by PostgreSQL.
func NewPostgresVideoStore(pool db.Pool) *PostgresVideoStore {
	return &PostgresVideoStore{pool: pool}
}

var (
	_ videos.Store    = (*PostgresVideoStore)(nil)
	_ videos.URLStore = (*PostgresVideoStore)(nil)
)

// CreateWithinLimits recounts the window and inserts in one serializable
// transaction, so concurrent requests cannot both take the last slot.
func (s *PostgresVideoStore) CreateWithinLimits(ctx context.Context, video models.Video, since time.Time, limits videos.Limits) (models.Video, error) {
	logs, err := json.Marshal(nonNilLogs(video.ProcessingLogs))
	if err != nil {
		return models.Video{}, fmt.Errorf("encode processing logs: %w", err)
	}

	var out models.Video
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		window, err := queryVideos(ctx, tx, `SELECT `+videoColumns+` FROM videos WHERE user_id = $1 AND created_at >= $2`, video.UserID, since)
		if err != nil {
			return err
		}
		if err := limits.Check(videos.CountWindow(window)); err != nil {
			return err
		}

		created, err := scanVideo(tx.QueryRow(ctx, `
            INSERT INTO videos (id, user_id, title, prompt, aspect_ratio, duration, negative_prompt, cfg_scale, status, created_at, processing_logs)
            VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::JSONB)
            RETURNING `+videoColumns,
			video.ID, video.UserID, video.Title, video.Prompt, video.Params.AspectRatio, video.Params.Duration,
			video.Params.NegativePrompt, video.Params.CFGScale, string(video.Status), video.CreatedAt, string(logs)))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert video: %w", err)
		}

		if err := activateVideo(ctx, tx, video.UserID, video.ID, video.CreatedAt); err != nil {
			return err
		}
		out = created
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return out, nil
}

// ListSince returns the user's videos created at or after since.
func (s *PostgresVideoStore) ListSince(ctx context.Context, userID string, since time.Time) ([]models.Video, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	return queryVideos(ctx, conn, `SELECT `+videoColumns+` FROM videos WHERE user_id = $1 AND created_at >= $2`, userID, since)
}

// ListByUser returns the user's videos, newest first.
func (s *PostgresVideoStore) ListByUser(ctx context.Context, userID string, limit int) ([]models.Video, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	query := `SELECT ` + videoColumns + ` FROM videos WHERE user_id = $1 ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	return queryVideos(ctx, conn, query, args...)
}

// Get fetches one video.
func (s *PostgresVideoStore) Get(ctx context.Context, videoID string) (models.Video, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.Video{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	video, err := scanVideo(conn.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, videoID))
	if err != nil {
		return models.Video{}, mapNoRows(err, videos.ErrVideoNotFound)
	}
	return video, nil
}

// UpdateStatus applies a transition to a generating video, appends its log
// line and keeps the session's active set in step.
func (s *PostgresVideoStore) UpdateStatus(ctx context.Context, videoID string, update videos.StatusUpdate) (models.Video, error) {
	logs, err := json.Marshal([]models.ProcessingLog{update.Log})
	if err != nil {
		return models.Video{}, fmt.Errorf("encode processing log: %w", err)
	}

	var out models.Video
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		video, err := scanVideo(tx.QueryRow(ctx, `
            UPDATE videos
            SET status = $2,
                error = COALESCE($3, error),
                fal_status = COALESCE($4, fal_status),
                queue_position = COALESCE($5, queue_position),
                processing_logs = processing_logs || $6::JSONB,
                completed_at = CASE WHEN $7 THEN COALESCE(completed_at, $8) ELSE completed_at END
            WHERE id = $1 AND status = 'generating'
            RETURNING `+videoColumns,
			videoID, string(update.Status), update.Error, update.FalStatus, update.QueuePosition, string(logs),
			update.Status.Terminal(), update.At))
		if errors.Is(err, pgx.ErrNoRows) {
			return notGenerating(ctx, tx, videoID)
		}
		if err != nil {
			return fmt.Errorf("update video status: %w", err)
		}

		if update.Status.Terminal() {
			err = deactivateVideo(ctx, tx, video.UserID, video.ID, update.At)
		} else {
			err = activateVideo(ctx, tx, video.UserID, video.ID, update.At)
		}
		if err != nil {
			return err
		}
		out = video
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return out, nil
}

// RecordProgress stores generation API progress.
func (s *PostgresVideoStore) RecordProgress(ctx context.Context, videoID string, update videos.ProgressUpdate) error {
	logs, err := json.Marshal(nonNilLogs(update.Logs))
	if err != nil {
		return fmt.Errorf("encode processing logs: %w", err)
	}

	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `
        UPDATE videos
        SET fal_request_id = COALESCE(NULLIF($2, ''), fal_request_id),
            fal_status = COALESCE(NULLIF($3, ''), fal_status),
            queue_position = COALESCE($4, queue_position),
            processing_logs = processing_logs || $5::JSONB
        WHERE id = $1
    `, videoID, update.FalRequestID, update.FalStatus, update.QueuePosition, string(logs))
	if err != nil {
		return fmt.Errorf("record video progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return videos.ErrVideoNotFound
	}
	return nil
}

// Complete marks the video completed and stores its first cached URL.
func (s *PostgresVideoStore) Complete(ctx context.Context, videoID string, completion videos.Completion) (models.Video, error) {
	logs, err := json.Marshal([]models.ProcessingLog{completion.Log})
	if err != nil {
		return models.Video{}, fmt.Errorf("encode processing log: %w", err)
	}
	meta, err := json.Marshal(completion.Metadata)
	if err != nil {
		return models.Video{}, fmt.Errorf("encode metadata: %w", err)
	}

	var out models.Video
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		video, err := scanVideo(tx.QueryRow(ctx, `
            UPDATE videos
            SET status = 'completed',
                storage_id = $2,
                metadata = $3::JSONB,
                error = '',
                queue_position = NULL,
                completed_at = COALESCE(completed_at, $4),
                processing_logs = processing_logs || $5::JSONB
            WHERE id = $1 AND status = 'generating'
            RETURNING `+videoColumns, videoID, completion.StorageID, string(meta), completion.At, string(logs)))
		if errors.Is(err, pgx.ErrNoRows) {
			return notGenerating(ctx, tx, videoID)
		}
		if err != nil {
			return fmt.Errorf("complete video: %w", err)
		}

		if err := deactivateVideo(ctx, tx, video.UserID, video.ID, completion.At); err != nil {
			return err
		}
		if completion.URL != nil {
			if err := insertURL(ctx, tx, *completion.URL); err != nil {
				return err
			}
		}
		out = video
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return out, nil
}

// ResetForRetry moves a failed video with retries left back to generating.
// The owner's generating count is read in the same transaction as the update.
func (s *PostgresVideoStore) ResetForRetry(ctx context.Context, videoID string, maxRetries int, limits videos.Limits, log models.ProcessingLog) (models.Video, error) {
	logs, err := json.Marshal([]models.ProcessingLog{log})
	if err != nil {
		return models.Video{}, fmt.Errorf("encode processing log: %w", err)
	}

	var out models.Video
	err = db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := scanVideo(tx.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = $1`, videoID))
		if err != nil {
			return mapNoRows(err, videos.ErrVideoNotFound)
		}
		if current.Status != models.VideoFailed || current.RetryCount >= maxRetries {
			return videos.ErrInvalidState
		}

		var generating int
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM videos WHERE user_id = $1 AND status = 'generating'`, current.UserID).Scan(&generating); err != nil {
			return fmt.Errorf("count generating videos: %w", err)
		}
		if err := limits.CheckConcurrent(generating); err != nil {
			return err
		}

		video, err := scanVideo(tx.QueryRow(ctx, `
            UPDATE videos
            SET status = 'generating',
                retry_count = retry_count + 1,
                error = '',
                fal_request_id = '',
                fal_status = '',
                queue_position = NULL,
                processing_logs = processing_logs || $2::JSONB
            WHERE id = $1
            RETURNING `+videoColumns, videoID, string(logs)))
		if err != nil {
			return fmt.Errorf("reset video for retry: %w", err)
		}

		if err := activateVideo(ctx, tx, video.UserID, video.ID, log.Timestamp); err != nil {
			return err
		}
		out = video
		return nil
	})
	if err != nil {
		return models.Video{}, err
	}
	return out, nil
}

// notGenerating explains why a generating-only update matched no row.
func notGenerating(ctx context.Context, q querier, videoID string) error {
	var exists bool
	if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM videos WHERE id = $1)`, videoID).Scan(&exists); err != nil {
		return fmt.Errorf("check video: %w", err)
	}
	if !exists {
		return videos.ErrVideoNotFound
	}
	return videos.ErrInvalidState
}

// FindValidURL returns the newest valid, unexpired cached URL for a video.
func (s *PostgresVideoStore) FindValidURL(ctx context.Context, videoID string, now time.Time) (models.CachedVideoURL, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return models.CachedVideoURL{}, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	var u models.CachedVideoURL
	err = conn.QueryRow(ctx, `
        SELECT id, video_id, url, generated_at, expires_at, is_valid
        FROM cached_video_urls
        WHERE video_id = $1 AND is_valid AND expires_at > $2
        ORDER BY generated_at DESC
        LIMIT 1
    `, videoID, now).Scan(&u.ID, &u.VideoID, &u.URL, &u.GeneratedAt, &u.ExpiresAt, &u.IsValid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CachedVideoURL{}, videos.ErrURLNotCached
		}
		return models.CachedVideoURL{}, fmt.Errorf("select cached url: %w", err)
	}
	u.GeneratedAt = u.GeneratedAt.UTC()
	u.ExpiresAt = u.ExpiresAt.UTC()
	return u, nil
}

// SaveURL stores a newly signed URL.
func (s *PostgresVideoStore) SaveURL(ctx context.Context, entry models.CachedVideoURL) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	return insertURL(ctx, conn, entry)
}

// InvalidateExpired flags every valid URL that expired before now.
func (s *PostgresVideoStore) InvalidateExpired(ctx context.Context, now time.Time) (int, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	tag, err := conn.Exec(ctx, `UPDATE cached_video_urls SET is_valid = FALSE WHERE is_valid AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("invalidate expired urls: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func queryVideos(ctx context.Context, q querier, query string, args ...any) ([]models.Video, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query videos: %w", err)
	}
	defer rows.Close()

	list := []models.Video{}
	for rows.Next() {
		video, err := scanVideo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan video: %w", err)
		}
		list = append(list, video)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate videos: %w", err)
	}
	return list, nil
}

func scanVideo(row pgx.Row) (models.Video, error) {
	var (
		v           models.Video
		status      string
		completedAt *time.Time
		logs        []byte
		meta        []byte
	)
	if err := row.Scan(&v.ID, &v.UserID, &v.Title, &v.Prompt, &v.Params.AspectRatio, &v.Params.Duration,
		&v.Params.NegativePrompt, &v.Params.CFGScale, &status, &v.CreatedAt, &completedAt, &v.StorageID, &v.Error,
		&v.FalRequestID, &v.FalStatus, &v.QueuePosition, &v.RetryCount, &logs, &meta); err != nil {
		return models.Video{}, err
	}

	v.Status = models.VideoStatus(status)
	v.CreatedAt = v.CreatedAt.UTC()
	if completedAt != nil {
		t := completedAt.UTC()
		v.CompletedAt = &t
	}
	if err := json.Unmarshal(logs, &v.ProcessingLogs); err != nil {
		return models.Video{}, fmt.Errorf("decode processing logs: %w", err)
	}
	if len(meta) > 0 && string(meta) != "null" {
		var m models.VideoMetadata
		if err := json.Unmarshal(meta, &m); err != nil {
			return models.Video{}, fmt.Errorf("decode metadata: %w", err)
		}
		v.Metadata = &m
	}
	return v, nil
}

func insertURL(ctx context.Context, q querier, entry models.CachedVideoURL) error {
	_, err := q.Exec(ctx, `
        INSERT INTO cached_video_urls (id, video_id, url, generated_at, expires_at, is_valid)
        VALUES ($1, $2, $3, $4, $5, $6)
    `, entry.ID, entry.VideoID, entry.URL, entry.GeneratedAt, entry.ExpiresAt, entry.IsValid)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert cached url: %w", err)
	}
	return nil
}

func nonNilLogs(logs []models.ProcessingLog) []models.ProcessingLog {
	if logs == nil {
		return []models.ProcessingLog{}
	}
	return logs
}
