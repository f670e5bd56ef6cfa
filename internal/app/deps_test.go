package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/vidgen/backend/internal/auth"
	"github.com/vidgen/backend/internal/config"
	"github.com/vidgen/backend/internal/credits"
	"github.com/vidgen/backend/internal/handlers"
	"github.com/vidgen/backend/internal/models"
)

func testConfig() config.Config {
	return config.Config{
		Store: "memory",
		Fal:   config.FalConfig{Model: "fal-ai/test-model"},
		ObjectStore: config.ObjectStoreConfig{
			Bucket:   "test-bucket",
			Endpoint: "http://localhost:9000",
			Region:   "us-east-1",
			Prefix:   "videos",
			URLTTL:   6 * time.Hour,
		},
		Auth:       config.AuthConfig{JWTSecret: "test-secret"},
		Limits:     config.LimitsConfig{MaxGenerating: 5, MaxDaily: 20},
		Generation: config.GenerationConfig{Workers: 1, QueueSize: 4},
		HTTPRate:   config.HTTPRateConfig{Requests: 100, Window: time.Minute, Burst: 100},
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildTestServices(t *testing.T, cfg config.Config) *services {
	t.Helper()
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	svc, cleanup, err := buildServices(context.Background(), memoryStores(), cfg, quietLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cleanup == nil {
		t.Fatal("expected cleanup function")
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = cleanup(ctx)
	})
	return svc
}

func TestBuildDependencies(t *testing.T) {
	svc := buildTestServices(t, testConfig())

	deps, err := buildDependencies(svc, testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if deps.Generations == nil || deps.Queue == nil {
		t.Fatal("expected generation lifecycle and queue to be configured")
	}
	if deps.Library == nil || deps.Limits == nil || deps.Sessions == nil {
		t.Fatal("expected video read services to be configured")
	}
	if deps.Credits == nil {
		t.Fatal("expected credit ledger to be configured")
	}
	if deps.Verifier == nil || deps.Throttle == nil {
		t.Fatal("expected authentication and throttling to be configured")
	}
	if deps.Metrics == nil {
		t.Fatal("expected metrics handler to be configured")
	}
	if deps.Health != nil {
		t.Fatal("memory store has nothing to ping")
	}
	if svc.jobs.Guard != nil {
		t.Fatal("expected no run guard without redis")
	}
}

func TestBuildDependenciesRequiresVerificationKey(t *testing.T) {
	cfg := testConfig()
	cfg.Auth = config.AuthConfig{}
	svc := buildTestServices(t, cfg)

	if _, err := buildDependencies(svc, cfg); err == nil {
		t.Fatal("expected missing verification key to fail")
	}
}

func TestBuildServicesWithRedisInstallsGuard(t *testing.T) {
	cfg := testConfig()
	cfg.Redis = config.RedisConfig{Addr: "127.0.0.1:6379"}
	svc := buildTestServices(t, cfg)

	if svc.jobs.Guard == nil {
		t.Fatal("expected redis guard to be installed")
	}
}

func TestBootstrapMemoryStore(t *testing.T) {
	t.Setenv("VIDGEN_STORE", "memory")
	t.Setenv("VIDGEN_LOG_LEVEL", "error")

	cfg, logger, st, closeStore, err := bootstrap(context.Background())
	if err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	defer closeStore()

	if cfg.Store != "memory" || logger == nil {
		t.Fatalf("unexpected bootstrap result %+v", cfg)
	}
	if st.credits == nil || st.videos == nil || st.urls == nil || st.sessions == nil {
		t.Fatalf("expected every store to be set: %+v", st)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	if err := Run(context.Background(), nil); err == nil {
		t.Fatal("expected error without command")
	}
	if err := Run(context.Background(), []string{"launch"}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}

// Without a generation API key every dispatched video must end failed, not
// stay generating.
func TestServeWiringFailsUnconfiguredGeneration(t *testing.T) {
	cfg := testConfig()
	svc := buildTestServices(t, cfg)
	deps, err := buildDependencies(svc, cfg)
	if err != nil {
		t.Fatalf("build dependencies: %v", err)
	}

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux, deps)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	if _, err := svc.ledger.Add(context.Background(), credits.AddRequest{UserID: "user-1", Amount: 5, Type: models.TransactionPurchase}); err != nil {
		t.Fatalf("fund: %v", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}}).SignedString([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	call := func(method, path string, body []byte) *http.Response {
		t.Helper()
		req, err := http.NewRequest(method, srv.URL+path, bytes.NewReader(body))
		if err != nil {
			t.Fatalf("build request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		return resp
	}

	resp := call(http.MethodPost, "/api/v1/videos", []byte(`{"prompt":"A slow pan across a desert sunset"}`))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 got %d", resp.StatusCode)
	}
	var accepted struct {
		VideoID string `json:"videoId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp := call(http.MethodGet, "/api/v1/videos/"+accepted.VideoID, nil)
		var video models.Video
		err := json.NewDecoder(resp.Body).Decode(&video)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("decode video: %v", err)
		}
		if video.Status == models.VideoFailed {
			if !strings.Contains(video.Error, "unavailable") {
				t.Fatalf("unexpected failure reason %q", video.Error)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("video still %s after deadline", video.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	bal, err := svc.ledger.Balance(context.Background(), "user-1")
	if err != nil || bal.Credits != 5 {
		t.Fatalf("failed generation must not charge, balance %d err %v", bal.Credits, err)
	}

	// The outcome is counted just after the failure is stored.
	for {
		resp := call(http.MethodGet, "/metrics", nil)
		scrape, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if strings.Contains(string(scrape), `vidgen_generations_total{outcome="failed"} 1`) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected failed generation to be counted")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
