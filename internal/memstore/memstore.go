// Package memstore keeps every vidgen record in process memory. It backs
// tests and the VIDGEN_STORE=memory mode used for local development.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vidgen/backend/internal/credits"
	"github.com/vidgen/backend/internal/models"
	"github.com/vidgen/backend/internal/videos"
)

// Store implements the credit, video, URL and session stores behind one
// mutex, so every method is atomic with respect to the others.
type Store struct {
	mu           sync.Mutex
	accounts     map[string]models.CreditAccount
	transactions []models.CreditTransaction
	videos       map[string]models.Video
	urls         []models.CachedVideoURL
	sessions     map[string]models.UserSession
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		accounts: make(map[string]models.CreditAccount),
		videos:   make(map[string]models.Video),
		sessions: make(map[string]models.UserSession),
	}
}

var (
	_ credits.Store       = (*Store)(nil)
	_ videos.Store        = (*Store)(nil)
	_ videos.URLStore     = (*Store)(nil)
	_ videos.SessionStore = (*Store)(nil)
)

// FindAccount returns the user's credit account.
func (s *Store) FindAccount(_ context.Context, userID string) (models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return models.CreditAccount{}, credits.ErrAccountNotFound
	}
	return acct, nil
}

// CreateAccount inserts account unless one already exists.
func (s *Store) CreateAccount(_ context.Context, account models.CreditAccount, opening *models.CreditTransaction) (models.CreditAccount, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.accounts[account.UserID]; ok {
		return existing, false, nil
	}
	s.accounts[account.UserID] = account
	if opening != nil {
		entry := *opening
		entry.BalanceAfter = account.Credits
		s.transactions = append(s.transactions, entry)
	}
	return account, true, nil
}

// Debit removes amount credits if the balance covers it.
func (s *Store) Debit(_ context.Context, userID string, amount int, entry models.CreditTransaction) (models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		return models.CreditAccount{}, credits.ErrAccountNotFound
	}
	if acct.Credits < amount {
		return models.CreditAccount{}, credits.ErrInsufficientCredits
	}
	acct.Credits -= amount
	acct.UpdatedAt = entry.CreatedAt
	s.accounts[userID] = acct

	entry.BalanceAfter = acct.Credits
	s.transactions = append(s.transactions, entry)
	return acct, nil
}

// Credit adds amount credits, creating a zero-balance account first if needed.
func (s *Store) Credit(_ context.Context, userID string, amount int, entry models.CreditTransaction) (models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		acct = models.CreditAccount{UserID: userID, CreatedAt: entry.CreatedAt}
	}
	acct.Credits += amount
	acct.TotalCreditsEver += amount
	acct.UpdatedAt = entry.CreatedAt
	s.accounts[userID] = acct

	entry.BalanceAfter = acct.Credits
	s.transactions = append(s.transactions, entry)
	return acct, nil
}

// UpdatePlan upserts plan metadata without touching the balance.
func (s *Store) UpdatePlan(_ context.Context, userID string, update credits.PlanUpdate, now time.Time) (models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[userID]
	if !ok {
		acct = models.CreditAccount{UserID: userID, CreatedAt: now}
	}
	if update.PlanID != nil {
		acct.PlanID = *update.PlanID
	}
	if update.PlanName != nil {
		acct.PlanName = *update.PlanName
	}
	if update.SubscriptionStatus != nil {
		acct.SubscriptionStatus = *update.SubscriptionStatus
	}
	acct.UpdatedAt = now
	s.accounts[userID] = acct
	return acct, nil
}

// ListTransactions returns the user's newest transactions first.
func (s *Store) ListTransactions(_ context.Context, userID string, limit int) ([]models.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.CreditTransaction{}
	for i := len(s.transactions) - 1; i >= 0; i-- {
		if s.transactions[i].UserID != userID {
			continue
		}
		out = append(out, s.transactions[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ListAccountsByStatus returns accounts with the given subscription status.
func (s *Store) ListAccountsByStatus(_ context.Context, status models.SubscriptionStatus) ([]models.CreditAccount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CreditAccount
	for _, acct := range s.accounts {
		if acct.SubscriptionStatus == status {
			out = append(out, acct)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// CreateWithinLimits inserts video unless the user's window is full.
func (s *Store) CreateWithinLimits(_ context.Context, video models.Video, since time.Time, limits videos.Limits) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := limits.Check(videos.CountWindow(s.since(video.UserID, since))); err != nil {
		return models.Video{}, err
	}

	s.videos[video.ID] = cloneVideo(video)
	s.activate(video.UserID, video.ID, video.CreatedAt)
	return cloneVideo(video), nil
}

// ListSince returns the user's videos created at or after since.
func (s *Store) ListSince(_ context.Context, userID string, since time.Time) ([]models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.since(userID, since), nil
}

// ListByUser returns the user's videos, newest first.
func (s *Store) ListByUser(_ context.Context, userID string, limit int) ([]models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.Video{}
	for _, v := range s.videos {
		if v.UserID == userID {
			out = append(out, cloneVideo(v))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Get returns one video.
func (s *Store) Get(_ context.Context, videoID string) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[videoID]
	if !ok {
		return models.Video{}, videos.ErrVideoNotFound
	}
	return cloneVideo(v), nil
}

// UpdateStatus applies a status transition to a generating video.
func (s *Store) UpdateStatus(_ context.Context, videoID string, update videos.StatusUpdate) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[videoID]
	if !ok {
		return models.Video{}, videos.ErrVideoNotFound
	}
	if v.Status != models.VideoGenerating {
		return models.Video{}, videos.ErrInvalidState
	}

	v.Status = update.Status
	if update.Error != nil {
		v.Error = *update.Error
	}
	if update.FalStatus != nil {
		v.FalStatus = *update.FalStatus
	}
	if update.QueuePosition != nil {
		v.QueuePosition = intPtr(*update.QueuePosition)
	}
	v.ProcessingLogs = append(v.ProcessingLogs, update.Log)
	if update.Status.Terminal() {
		if v.CompletedAt == nil {
			v.CompletedAt = timePtr(update.At)
		}
		s.deactivate(v.UserID, v.ID, update.At)
	} else {
		s.activate(v.UserID, v.ID, update.At)
	}
	s.videos[videoID] = v
	return cloneVideo(v), nil
}

// RecordProgress stores generation API progress.
func (s *Store) RecordProgress(_ context.Context, videoID string, update videos.ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[videoID]
	if !ok {
		return videos.ErrVideoNotFound
	}
	if update.FalRequestID != "" {
		v.FalRequestID = update.FalRequestID
	}
	if update.FalStatus != "" {
		v.FalStatus = update.FalStatus
	}
	if update.QueuePosition != nil {
		v.QueuePosition = intPtr(*update.QueuePosition)
	}
	v.ProcessingLogs = append(v.ProcessingLogs, update.Logs...)
	s.videos[videoID] = v
	return nil
}

// Complete marks the video completed and stores its initial URL.
func (s *Store) Complete(_ context.Context, videoID string, completion videos.Completion) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[videoID]
	if !ok {
		return models.Video{}, videos.ErrVideoNotFound
	}
	if v.Status != models.VideoGenerating {
		return models.Video{}, videos.ErrInvalidState
	}

	v.Status = models.VideoCompleted
	v.StorageID = completion.StorageID
	meta := completion.Metadata
	v.Metadata = &meta
	v.Error = ""
	v.QueuePosition = nil
	if v.CompletedAt == nil {
		v.CompletedAt = timePtr(completion.At)
	}
	v.ProcessingLogs = append(v.ProcessingLogs, completion.Log)
	s.videos[videoID] = v
	s.deactivate(v.UserID, v.ID, completion.At)

	if completion.URL != nil {
		s.urls = append(s.urls, *completion.URL)
	}
	return cloneVideo(v), nil
}

// ResetForRetry moves a failed video back to generating.
func (s *Store) ResetForRetry(_ context.Context, videoID string, maxRetries int, limits videos.Limits, log models.ProcessingLog) (models.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[videoID]
	if !ok {
		return models.Video{}, videos.ErrVideoNotFound
	}
	if v.Status != models.VideoFailed || v.RetryCount >= maxRetries {
		return models.Video{}, videos.ErrInvalidState
	}
	generating := 0
	for _, other := range s.videos {
		if other.UserID == v.UserID && other.Status == models.VideoGenerating {
			generating++
		}
	}
	if err := limits.CheckConcurrent(generating); err != nil {
		return models.Video{}, err
	}

	v.Status = models.VideoGenerating
	v.RetryCount++
	v.Error = ""
	v.FalRequestID = ""
	v.FalStatus = ""
	v.QueuePosition = nil
	v.ProcessingLogs = append(v.ProcessingLogs, log)
	s.videos[videoID] = v
	s.activate(v.UserID, v.ID, log.Timestamp)
	return cloneVideo(v), nil
}

// FindValidURL returns the newest valid, unexpired URL for the video.
func (s *Store) FindValidURL(_ context.Context, videoID string, now time.Time) (models.CachedVideoURL, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *models.CachedVideoURL
	for i := range s.urls {
		u := &s.urls[i]
		if u.VideoID != videoID || !u.IsValid || !u.ExpiresAt.After(now) {
			continue
		}
		if best == nil || u.GeneratedAt.After(best.GeneratedAt) {
			best = u
		}
	}
	if best == nil {
		return models.CachedVideoURL{}, videos.ErrURLNotCached
	}
	return *best, nil
}

// SaveURL appends a cached URL row.
func (s *Store) SaveURL(_ context.Context, entry models.CachedVideoURL) error {
	s.mu.Lock()
	s.urls = append(s.urls, entry)
	s.mu.Unlock()
	return nil
}

// InvalidateExpired marks every valid row that expired before now invalid.
func (s *Store) InvalidateExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.urls {
		if s.urls[i].IsValid && s.urls[i].ExpiresAt.Before(now) {
			s.urls[i].IsValid = false
			n++
		}
	}
	return n, nil
}

// GetSession returns the stored session.
func (s *Store) GetSession(_ context.Context, userID string) (models.UserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[userID]
	if !ok {
		return models.UserSession{}, videos.ErrSessionNotFound
	}
	return cloneSession(session), nil
}

// SavePreferences upserts the user's preferences.
func (s *Store) SavePreferences(_ context.Context, userID string, prefs models.Preferences, now time.Time) (models.UserSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	session := s.session(userID)
	session.Preferences = prefs
	session.LastActivity = now
	s.sessions[userID] = session
	return cloneSession(session), nil
}

func (s *Store) since(userID string, since time.Time) []models.Video {
	out := []models.Video{}
	for _, v := range s.videos {
		if v.UserID == userID && !v.CreatedAt.Before(since) {
			out = append(out, cloneVideo(v))
		}
	}
	return out
}

func (s *Store) session(userID string) models.UserSession {
	session, ok := s.sessions[userID]
	if !ok {
		return models.UserSession{UserID: userID, ActiveVideos: []string{}, Preferences: models.DefaultPreferences()}
	}
	return cloneSession(session)
}

func (s *Store) activate(userID, videoID string, now time.Time) {
	session := s.session(userID)
	for _, id := range session.ActiveVideos {
		if id == videoID {
			return
		}
	}
	session.ActiveVideos = append(session.ActiveVideos, videoID)
	session.LastActivity = now
	s.sessions[userID] = session
}

func (s *Store) deactivate(userID, videoID string, now time.Time) {
	session, ok := s.sessions[userID]
	if !ok {
		return
	}
	kept := session.ActiveVideos[:0:0]
	for _, id := range session.ActiveVideos {
		if id != videoID {
			kept = append(kept, id)
		}
	}
	session.ActiveVideos = kept
	session.LastActivity = now
	s.sessions[userID] = session
}

func cloneVideo(v models.Video) models.Video {
	v.ProcessingLogs = append([]models.ProcessingLog(nil), v.ProcessingLogs...)
	if v.CompletedAt != nil {
		v.CompletedAt = timePtr(*v.CompletedAt)
	}
	if v.QueuePosition != nil {
		v.QueuePosition = intPtr(*v.QueuePosition)
	}
	if v.Metadata != nil {
		meta := *v.Metadata
		v.Metadata = &meta
	}
	return v
}

func cloneSession(s models.UserSession) models.UserSession {
	s.ActiveVideos = append([]string{}, s.ActiveVideos...)
	return s
}

func timePtr(t time.Time) *time.Time { return &t }

func intPtr(n int) *int { return &n }
