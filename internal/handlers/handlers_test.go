package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vidgen/backend/internal/auth"
	"github.com/vidgen/backend/internal/credits"
	"github.com/vidgen/backend/internal/memstore"
	"github.com/vidgen/backend/internal/models"
	"github.com/vidgen/backend/internal/videos"
)

type tokenVerifierStub map[string]auth.Identity

func (s tokenVerifierStub) VerifyHeader(header string) (auth.Identity, error) {
	id, ok := s[strings.TrimPrefix(header, "Bearer ")]
	if !ok {
		return auth.Identity{}, auth.ErrInvalidToken
	}
	return id, nil
}

type queueStub struct {
	mu     sync.Mutex
	err    error
	queued []models.Video
}

func (q *queueStub) Enqueue(_ context.Context, video models.Video) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.queued = append(q.queued, video)
	return nil
}

type blobSignerStub struct{}

func (blobSignerStub) Put(_ context.Context, key string, _ io.Reader, _ string) (string, error) {
	return "videos/" + key, nil
}

func (blobSignerStub) SignedURL(_ context.Context, storageID string) (string, time.Time, error) {
	return "https://cdn.example.com/" + storageID + "?sig=1", time.Time{}, nil
}

type pingStub struct{ err error }

func (p pingStub) Ping(context.Context) error { return p.err }

type apiFixture struct {
	store     *memstore.Store
	ledger    *credits.Ledger
	lifecycle *videos.Lifecycle
	queue     *queueStub
	mux       *http.ServeMux
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	store := memstore.New()
	ledger := credits.NewLedger(store, nil)
	urls := videos.NewURLCache(store, blobSignerStub{}, nil, 0)
	lifecycle := videos.NewLifecycle(videos.LifecycleDeps{
		Store:  store,
		URLs:   urls,
		Ledger: ledger,
		Blobs:  blobSignerStub{},
	}, videos.LifecycleConfig{})

	f := &apiFixture{store: store, ledger: ledger, lifecycle: lifecycle, queue: &queueStub{}, mux: http.NewServeMux()}
	RegisterRoutes(f.mux, Dependencies{
		Generations: lifecycle,
		Queue:       f.queue,
		Library:     videos.NewLibrary(store, urls),
		Limits:      videos.NewRateLimiter(store, videos.DefaultLimits),
		Sessions:    videos.NewSessions(store),
		Credits:     ledger,
		Verifier: tokenVerifierStub{
			"alice-token": {UserID: "alice"},
			"bob-token":   {UserID: "bob"},
			"admin-token": {UserID: "ops", Admin: true},
		},
		Health: pingStub{},
	})
	return f
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) fund(t *testing.T, userID string, amount int) {
	t.Helper()
	if _, err := f.ledger.Add(context.Background(), credits.AddRequest{UserID: userID, Amount: amount, Type: models.TransactionPurchase}); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rec.Body.String())
	}
	return out
}

const prompt = "A slow pan across a desert sunset"

func TestAuthenticationRequired(t *testing.T) {
	f := newAPIFixture(t)

	if rec := f.do(t, http.MethodGet, "/api/v1/videos", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/credits", "forged", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token got %d", rec.Code)
	}

	rec := f.do(t, http.MethodGet, "/api/v1/plans", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected plans without auth got %d", rec.Code)
	}
	plans := decodeBody[map[string][]models.Plan](t, rec)
	if len(plans["plans"]) != 3 {
		t.Fatalf("expected 3 plans got %+v", plans)
	}
}

func TestCreateVideo(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/videos", "alice-token", map[string]any{"prompt": prompt})
	if rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 without credits got %d", rec.Code)
	}

	f.fund(t, "alice", 2)

	rec = f.do(t, http.MethodPost, "/api/v1/videos", "alice-token", map[string]any{"prompt": "short"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for short prompt got %d", rec.Code)
	}
	if errBody := decodeBody[errorResponse](t, rec); errBody.Field != "prompt" {
		t.Fatalf("expected prompt field error got %+v", errBody)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/videos", "alice-token", `{"prompt":"`+prompt+`","colour":"red"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/videos", "alice-token", map[string]any{"prompt": prompt, "aspectRatio": "9:16", "duration": 10})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}
	accepted := decodeBody[acceptedResponse](t, rec)
	if accepted.VideoID == "" || accepted.Status != models.VideoGenerating {
		t.Fatalf("unexpected accepted body %+v", accepted)
	}
	if len(f.queue.queued) != 1 || f.queue.queued[0].ID != accepted.VideoID {
		t.Fatalf("expected video to be queued got %+v", f.queue.queued)
	}
	if f.queue.queued[0].Params.AspectRatio != "9:16" || f.queue.queued[0].Params.Duration != 10 {
		t.Fatalf("expected params to be carried got %+v", f.queue.queued[0].Params)
	}

	bal, _ := f.ledger.Balance(context.Background(), "alice")
	if bal.Credits != 2 {
		t.Fatalf("admission must not charge credits, balance %d", bal.Credits)
	}
}

func TestCreateVideoQueueFullFailsVideo(t *testing.T) {
	f := newAPIFixture(t)
	f.fund(t, "alice", 1)
	f.queue.err = videos.ErrQueueFull

	rec := f.do(t, http.MethodPost, "/api/v1/videos", "alice-token", map[string]any{"prompt": prompt})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 got %d", rec.Code)
	}

	list, err := f.store.ListByUser(context.Background(), "alice", 0)
	if err != nil || len(list) != 1 {
		t.Fatalf("expected one video got %d %v", len(list), err)
	}
	if list[0].Status != models.VideoFailed {
		t.Fatalf("expected unscheduled video to be failed got %s", list[0].Status)
	}
}

func TestCreateVideoRateLimited(t *testing.T) {
	f := newAPIFixture(t)
	f.fund(t, "alice", 10)

	for i := 0; i < videos.DefaultLimits.MaxGenerating; i++ {
		if rec := f.do(t, http.MethodPost, "/api/v1/videos", "alice-token", map[string]any{"prompt": prompt}); rec.Code != http.StatusAccepted {
			t.Fatalf("create %d: expected 202 got %d", i, rec.Code)
		}
	}

	rec := f.do(t, http.MethodPost, "/api/v1/videos", "alice-token", map[string]any{"prompt": prompt})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}

	rec = f.do(t, http.MethodGet, "/api/v1/rate-limit", "alice-token", nil)
	status := decodeBody[rateLimitResponse](t, rec)
	if status.CanCreateVideo || status.GeneratingCount != 5 || status.DailyCount != 5 || status.MaxDaily != 20 {
		t.Fatalf("unexpected rate limit status %+v", status)
	}
	if status.TimeUntilReset <= 0 {
		t.Fatalf("expected a reset time got %d", status.TimeUntilReset)
	}
}

func TestVideoOwnershipAndLookup(t *testing.T) {
	f := newAPIFixture(t)
	f.fund(t, "alice", 1)

	rec := f.do(t, http.MethodPost, "/api/v1/videos", "alice-token", map[string]any{"prompt": prompt})
	videoID := decodeBody[acceptedResponse](t, rec).VideoID

	if rec := f.do(t, http.MethodGet, "/api/v1/videos/"+videoID, "bob-token", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/videos/missing", "alice-token", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/videos/"+videoID, "alice-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	if view := decodeBody[videos.VideoView](t, rec); view.ID != videoID || view.VideoURL != "" {
		t.Fatalf("unexpected view %+v", view)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/videos/generating", "alice-token", nil)
	generating := decodeBody[map[string][]videos.GeneratingStatus](t, rec)
	if len(generating["videos"]) != 1 || generating["videos"][0].VideoID != videoID {
		t.Fatalf("unexpected generating list %+v", generating)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/videos/"+videoID+"/refresh-url", "alice-token", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 refreshing a generating video got %d", rec.Code)
	}
}

func TestRefreshURLForCompletedVideo(t *testing.T) {
	f := newAPIFixture(t)
	f.fund(t, "alice", 1)

	rec := f.do(t, http.MethodPost, "/api/v1/videos", "alice-token", map[string]any{"prompt": prompt})
	videoID := decodeBody[acceptedResponse](t, rec).VideoID

	now := time.Now().UTC()
	if _, err := f.store.Complete(context.Background(), videoID, videos.Completion{
		StorageID: "videos/alice/" + videoID + ".mp4",
		Log:       models.ProcessingLog{Timestamp: now, Message: "done", Level: models.LogInfo},
		At:        now,
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/videos/"+videoID+"/refresh-url", "alice-token", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	entry := decodeBody[models.CachedVideoURL](t, rec)
	if !strings.HasPrefix(entry.URL, "https://cdn.example.com/videos/alice/") || !entry.IsValid {
		t.Fatalf("unexpected cached url %+v", entry)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/videos/stats", "alice-token", nil)
	if stats := decodeBody[videos.Stats](t, rec); stats.Completed != 1 || stats.SuccessRate != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestRetryVideo(t *testing.T) {
	f := newAPIFixture(t)
	f.fund(t, "alice", 2)

	rec := f.do(t, http.MethodPost, "/api/v1/videos", "alice-token", map[string]any{"prompt": prompt})
	videoID := decodeBody[acceptedResponse](t, rec).VideoID

	if rec := f.do(t, http.MethodPost, "/api/v1/videos/"+videoID+"/retry", "alice-token", nil); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 retrying a generating video got %d", rec.Code)
	}

	video, _ := f.store.Get(context.Background(), videoID)
	f.lifecycle.Abort(context.Background(), video, errors.New("generation api error: HTTP 500"))

	if rec := f.do(t, http.MethodPost, "/api/v1/videos/"+videoID+"/retry", "bob-token", nil); rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected bob without credits to get 402 got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/videos/"+videoID+"/retry", "alice-token", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 got %d: %s", rec.Code, rec.Body.String())
	}
	accepted := decodeBody[acceptedResponse](t, rec)
	if accepted.RetryCount != 1 || accepted.Status != models.VideoGenerating {
		t.Fatalf("unexpected retry response %+v", accepted)
	}
	if len(f.queue.queued) != 2 {
		t.Fatalf("expected retry to be queued, queued %d", len(f.queue.queued))
	}
}

func TestUpdateVideoStatus(t *testing.T) {
	f := newAPIFixture(t)
	f.fund(t, "alice", 1)

	rec := f.do(t, http.MethodPost, "/api/v1/videos", "alice-token", map[string]any{"prompt": prompt})
	videoID := decodeBody[acceptedResponse](t, rec).VideoID

	if rec := f.do(t, http.MethodPost, "/api/v1/videos/"+videoID+"/status", "alice-token", map[string]any{"status": "paused"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/videos/"+videoID+"/status", "alice-token", map[string]any{"status": "failed", "error": "cancelled by user"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
	video := decodeBody[models.Video](t, rec)
	if video.Status != models.VideoFailed || video.Error != "cancelled by user" {
		t.Fatalf("unexpected video %+v", video)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/videos/"+videoID+"/status", "alice-token", map[string]any{"status": "generating"}); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 reopening a failed video got %d", rec.Code)
	}
}

func TestCreditEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/credits", "alice-token", nil)
	if bal := decodeBody[credits.Balance](t, rec); rec.Code != http.StatusOK || bal.Credits != 0 {
		t.Fatalf("expected zero balance got %d %+v", rec.Code, bal)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/credits/initialize", "alice-token", nil)
	if acct := decodeBody[models.CreditAccount](t, rec); acct.Credits != credits.SignupBonus {
		t.Fatalf("expected signup bonus got %+v", acct)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/credits/add", "alice-token", map[string]any{"amount": 100}); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin add got %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/api/v1/credits/add", "admin-token", map[string]any{"userId": "alice", "amount": 10, "description": "support credit", "type": "bonus"})
	if res := decodeBody[credits.AddResult](t, rec); rec.Code != http.StatusOK || res.NewBalance != 13 {
		t.Fatalf("unexpected add result %d %+v", rec.Code, res)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/credits/add", "admin-token", map[string]any{"userId": "alice", "amount": 1, "type": "consumption"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for consumption type got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/credits/consume", "alice-token", map[string]any{"amount": 4, "description": "manual"})
	if body := decodeBody[map[string]int](t, rec); body["newBalance"] != 9 {
		t.Fatalf("unexpected consume result %+v", body)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/credits/consume", "alice-token", map[string]any{"amount": 100}); rec.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402 got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/credits/check?amount=10", "alice-token", nil)
	if avail := decodeBody[credits.Availability](t, rec); avail.HasEnoughCredits || avail.Shortfall != 1 {
		t.Fatalf("unexpected availability %+v", avail)
	}
	if rec := f.do(t, http.MethodGet, "/api/v1/credits/check?amount=ten", "alice-token", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad amount got %d", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/credits/history?limit=2", "alice-token", nil)
	history := decodeBody[map[string][]models.CreditTransaction](t, rec)
	if len(history["transactions"]) != 2 || history["transactions"][0].Type != models.TransactionConsumption {
		t.Fatalf("unexpected history %+v", history)
	}

	if rec := f.do(t, http.MethodPut, "/api/v1/credits/plan", "admin-token", map[string]any{"userId": "alice", "planId": "enterprise"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown plan got %d", rec.Code)
	}
	rec = f.do(t, http.MethodPut, "/api/v1/credits/plan", "admin-token", map[string]any{"userId": "alice", "planId": "creator", "subscriptionStatus": "active"})
	if acct := decodeBody[models.CreditAccount](t, rec); acct.PlanName == "" || acct.SubscriptionStatus != models.SubscriptionActive {
		t.Fatalf("unexpected plan update %+v", acct)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/credits/cancel", "alice-token", nil)
	if acct := decodeBody[models.CreditAccount](t, rec); acct.SubscriptionStatus != models.SubscriptionCancelled || acct.Credits != 9 {
		t.Fatalf("unexpected cancel result %+v", acct)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/credits/cancel", "bob-token", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 cancelling without an account got %d", rec.Code)
	}
}

func TestSessionEndpoints(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/session", "alice-token", nil)
	session := decodeBody[models.UserSession](t, rec)
	if session.Preferences != models.DefaultPreferences() || session.ActiveVideos == nil {
		t.Fatalf("unexpected default session %+v", session)
	}

	rec = f.do(t, http.MethodPut, "/api/v1/session/preferences", "alice-token", map[string]any{"autoRefreshInterval": 10})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d: %s", rec.Code, rec.Body.String())
	}
	session = decodeBody[models.UserSession](t, rec)
	want := models.DefaultPreferences()
	want.AutoRefreshInterval = 10
	if session.Preferences != want {
		t.Fatalf("expected partial update to keep other fields got %+v", session.Preferences)
	}

	if rec := f.do(t, http.MethodPut, "/api/v1/session/preferences", "alice-token", map[string]any{"defaultDuration": 7}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 got %d", rec.Code)
	}
}

func TestHealthRouteIsPublic(t *testing.T) {
	f := newAPIFixture(t)
	if rec := f.do(t, http.MethodGet, "/healthz", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 got %d", rec.Code)
	}
}
