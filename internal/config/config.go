package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(NewConfig),
)

// Config holds all vectorizer worker configuration
type Config struct {
	Environment string `env:"ENVIRONMENT" envDefault:"local"`
	Debug       bool   `env:"DEBUG" envDefault:"false"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	// Database settings
	Database DatabaseConfig

	// Worker settings
	Worker WorkerConfig

	// Provider API keys and overrides
	Providers ProvidersConfig

	// Admin/monitoring HTTP surface (read-only, optional)
	Admin AdminConfig

	// OpenTelemetry tracing
	Otel OtelConfig

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// DatabaseConfig holds PostgreSQL connection settings.
// DATABASE_URL wins over the individual POSTGRES_* parts.
type DatabaseConfig struct {
	URL          string        `env:"DATABASE_URL" envDefault:""`
	Host         string        `env:"POSTGRES_HOST" envDefault:"localhost"`
	Port         int           `env:"POSTGRES_PORT" envDefault:"5432"`
	User         string        `env:"POSTGRES_USER" envDefault:"postgres"`
	Password     string        `env:"POSTGRES_PASSWORD" envDefault:""`
	Database     string        `env:"POSTGRES_DB" envDefault:"postgres"`
	SSLMode      string        `env:"POSTGRES_SSL_MODE" envDefault:"disable"`
	MaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	MaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	MaxIdleTime  time.Duration `env:"DB_MAX_IDLE_TIME" envDefault:"5m"`
	QueryDebug   bool          `env:"DB_QUERY_DEBUG" envDefault:"false"`
}

// DSN returns the PostgreSQL connection string
func (d *DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

// WorkerConfig holds supervisor and worker loop settings
type WorkerConfig struct {
	// VectorizerIDs restricts the run to an explicit id list (empty = all)
	VectorizerIDs []int `env:"VECTORIZER_IDS" envSeparator:","`

	// PollInterval is how long the supervisor sleeps between passes
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"5m"`

	// Concurrency is the number of executors per vectorizer (capped at 10)
	Concurrency int `env:"CONCURRENCY" envDefault:"1"`

	// Once makes the supervisor run a single pass and exit
	Once bool `env:"ONCE" envDefault:"false"`

	// ExitOnError turns catalog/connection failures into a process exit.
	// Implied by Once.
	ExitOnError bool `env:"EXIT_ON_ERROR" envDefault:"false"`

	// EnableAdaptiveScaling scales executor concurrency down under
	// CPU/memory pressure
	EnableAdaptiveScaling bool `env:"ENABLE_ADAPTIVE_SCALING" envDefault:"false"`

	// HeartbeatFailureLimit is how many consecutive heartbeat failures stop
	// the (best-effort) liveness reporting
	HeartbeatFailureLimit int `env:"HEARTBEAT_FAILURE_LIMIT" envDefault:"3"`

	// ShutdownGrace is the window after the first shutdown signal during
	// which a second signal aborts the in-flight transaction
	ShutdownGrace time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`
}

// EffectiveConcurrency clamps the configured concurrency to [1, 10]
func (w *WorkerConfig) EffectiveConcurrency() int {
	c := w.Concurrency
	if c < 1 {
		c = 1
	}
	if c > 10 {
		c = 10
	}
	return c
}

// ProvidersConfig holds embedding provider credentials and per-provider
// batch-size overrides. Keys left empty are resolved lazily per vectorizer
// (env first, then the feature-gated database secret reveal).
type ProvidersConfig struct {
	OpenAIAPIKey  string `env:"OPENAI_API_KEY" envDefault:""`
	VoyageAPIKey  string `env:"VOYAGE_API_KEY" envDefault:""`
	LiteLLMAPIKey string `env:"LITELLM_API_KEY" envDefault:""`

	OpenAIBaseURL  string `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	OllamaHost     string `env:"OLLAMA_HOST" envDefault:"http://localhost:11434"`
	LiteLLMBaseURL string `env:"LITELLM_BASE_URL" envDefault:""`

	OpenAIMaxChunksPerBatch  int `env:"OPENAI_MAX_CHUNKS_PER_BATCH" envDefault:"2048"`
	VoyageMaxChunksPerBatch  int `env:"VOYAGE_MAX_CHUNKS_PER_BATCH" envDefault:"128"`
	OllamaMaxChunksPerBatch  int `env:"OLLAMA_MAX_CHUNKS_PER_BATCH" envDefault:"2048"`
	VertexMaxChunksPerBatch  int `env:"VERTEX_MAX_CHUNKS_PER_BATCH" envDefault:"250"`
	LiteLLMMaxChunksPerBatch int `env:"LITELLM_MAX_CHUNKS_PER_BATCH" envDefault:"0"`

	// TiktokenCacheDir is the read-only tokenizer cache for token-aware
	// providers
	TiktokenCacheDir string `env:"TIKTOKEN_CACHE_DIR" envDefault:""`

	// GCP settings for the Vertex AI adapter
	GCPProjectID     string `env:"GCP_PROJECT_ID" envDefault:""`
	VertexAILocation string `env:"VERTEX_AI_LOCATION" envDefault:"us-central1"`
}

// AdminConfig holds the optional monitoring HTTP server settings
type AdminConfig struct {
	Enabled bool   `env:"ADMIN_SERVER_ENABLED" envDefault:"false"`
	Address string `env:"ADMIN_SERVER_ADDRESS" envDefault:"127.0.0.1"`
	Port    int    `env:"ADMIN_SERVER_PORT" envDefault:"9205"`
}

// NewConfig loads configuration from environment variables
func NewConfig(log *slog.Logger) (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Worker.Once {
		cfg.Worker.ExitOnError = true
	}

	ids := make([]string, len(cfg.Worker.VectorizerIDs))
	for i, id := range cfg.Worker.VectorizerIDs {
		ids[i] = fmt.Sprintf("%d", id)
	}

	log.Info("configuration loaded",
		slog.String("environment", cfg.Environment),
		slog.String("db_host", cfg.Database.Host),
		slog.String("vectorizer_ids", strings.Join(ids, ",")),
		slog.Duration("poll_interval", cfg.Worker.PollInterval),
		slog.Int("concurrency", cfg.Worker.Concurrency),
		slog.Bool("once", cfg.Worker.Once),
	)

	return cfg, nil
}
