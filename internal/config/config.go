package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config captures the runtime configuration for the vidgen backend service.
type Config struct {
	AppPort      int    `env:"VIDGEN_PORT" envDefault:"8080"`
	DatabaseURL  string `env:"VIDGEN_DATABASE_URL" envDefault:"postgresql://root@localhost:26257/vidgen?sslmode=disable"`
	Store        string `env:"VIDGEN_STORE" envDefault:"postgres"`
	MigrationDir string `env:"VIDGEN_MIGRATIONS" envDefault:"migrations"`
	SeedDir      string `env:"VIDGEN_SEEDS" envDefault:"seeds"`
	LogLevel     string `env:"VIDGEN_LOG_LEVEL" envDefault:"info"`

	Fal         FalConfig         `envPrefix:"VIDGEN_FAL_"`
	ObjectStore ObjectStoreConfig `envPrefix:"VIDGEN_S3_"`
	Auth        AuthConfig        `envPrefix:"VIDGEN_AUTH_"`
	Redis       RedisConfig       `envPrefix:"VIDGEN_REDIS_"`
	Limits      LimitsConfig
	Generation  GenerationConfig
	Scheduler   SchedulerConfig
	HTTPRate    HTTPRateConfig `envPrefix:"VIDGEN_HTTP_RATE_"`
}

// FalConfig configures the fal.ai queue client.
type FalConfig struct {
	APIKey         string        `env:"API_KEY"`
	BaseURL        string        `env:"BASE_URL" envDefault:"https://queue.fal.run"`
	Model          string        `env:"MODEL" envDefault:"fal-ai/kling-video/v1.6/standard/text-to-video"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
}

// ObjectStoreConfig points at the S3-compatible bucket holding generated videos.
type ObjectStoreConfig struct {
	Bucket   string        `env:"BUCKET"`
	Region   string        `env:"REGION" envDefault:"us-east-1"`
	Endpoint string        `env:"ENDPOINT"`
	Prefix   string        `env:"PREFIX" envDefault:"videos"`
	URLTTL   time.Duration `env:"URL_TTL" envDefault:"6h"`
}

// AuthConfig holds the material used to verify identity-provider tokens.
// PublicKeyPEM takes precedence over JWTSecret when both are set.
type AuthConfig struct {
	JWTSecret    string `env:"JWT_SECRET"`
	PublicKeyPEM string `env:"PUBLIC_KEY_PEM"`
	Issuer       string `env:"ISSUER"`
}

// RedisConfig is optional; an empty Addr disables the scheduler guard.
type RedisConfig struct {
	Addr     string `env:"ADDR"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
}

// LimitsConfig bounds per-user generation volume.
type LimitsConfig struct {
	MaxGenerating int `env:"VIDGEN_MAX_GENERATING" envDefault:"5"`
	MaxDaily      int `env:"VIDGEN_MAX_DAILY" envDefault:"20"`
}

// GenerationConfig sizes the background generation worker pool.
type GenerationConfig struct {
	Workers   int           `env:"VIDGEN_GENERATION_WORKERS" envDefault:"4"`
	QueueSize int           `env:"VIDGEN_GENERATION_QUEUE" envDefault:"64"`
	Timeout   time.Duration `env:"VIDGEN_GENERATION_TIMEOUT" envDefault:"0s"`
}

// SchedulerConfig controls the maintenance cron jobs.
type SchedulerConfig struct {
	Enabled       bool   `env:"VIDGEN_SCHEDULER_ENABLED" envDefault:"false"`
	GrantSchedule string `env:"VIDGEN_GRANT_SCHEDULE" envDefault:"5 0 * * *"`
	SweepSchedule string `env:"VIDGEN_SWEEP_SCHEDULE" envDefault:"@every 1h"`
}

// HTTPRateConfig throttles API requests per authenticated user.
type HTTPRateConfig struct {
	Requests int           `env:"REQUESTS" envDefault:"120"`
	Window   time.Duration `env:"WINDOW" envDefault:"1m"`
	Burst    int           `env:"BURST" envDefault:"30"`
}

// Load reads configuration from environment variables, applying defaults suited
// to local development.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Store != "postgres" && cfg.Store != "memory" {
		return Config{}, fmt.Errorf("parse config: unknown store %q", cfg.Store)
	}
	return cfg, nil
}
