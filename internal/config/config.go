package config

import (
	"errors"
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var ErrMissingRequired = errors.New("missing required configuration")

type Config struct {
	DBHost string `envconfig:"DB_HOST" default:"postgres"`
	DBPort int    `envconfig:"DB_PORT" default:"5432"`
	DBUser string `envconfig:"DB_USER" default:"docvec"`
	DBPass string `envconfig:"DB_PASS" default:"password"`
	DBName string `envconfig:"DB_NAME" default:"docvec"`

	WeaviateHost   string `envconfig:"WEAVIATE_HOST" default:"localhost:8080"`
	WeaviateScheme string `envconfig:"WEAVIATE_SCHEME" default:"http"`

	NSQLookupd string `envconfig:"NSQ_LOOKUPD" default:"nsqlookupd:4161"`
	NSQDHost   string `envconfig:"NSQD_HOST" default:"nsqd:4150"`
	NSQDHTTP   string `envconfig:"NSQD_HTTP" default:"nsqd:4151"`

	GeminiAPIKey   string `envconfig:"GEMINI_API_KEY"`
	EmbeddingModel string `envconfig:"EMBEDDING_MODEL" default:"gemini-embedding-001"`

	// Chunking
	MaxChunkChars int `envconfig:"MAX_CHUNK_CHARS" default:"1500"`
	OverlapChars  int `envconfig:"OVERLAP_CHARS" default:"200"`

	// Embedding pipeline
	EmbeddingDimension   int     `envconfig:"EMBEDDING_DIMENSION" default:"1536"`
	EmbeddingBatchSize   int     `envconfig:"EMBEDDING_BATCH_SIZE" default:"100"`
	EmbeddingMaxRetries  int     `envconfig:"EMBEDDING_MAX_RETRIES" default:"3"`
	EmbeddingTimeoutSecs int     `envconfig:"EMBEDDING_TIMEOUT_SECONDS" default:"60"`
	EmbeddingRatePerSec  float64 `envconfig:"EMBEDDING_RATE_PER_SEC" default:"5"`

	// Workers
	WorkerCount         int `envconfig:"WORKER_COUNT" default:"4"`
	JobPollIntervalSecs int `envconfig:"JOB_POLL_INTERVAL_SECONDS" default:"5"`
	JobMaxRetries       int `envconfig:"JOB_MAX_RETRIES" default:"3"`

	MigrationPath string `envconfig:"MIGRATION_PATH" default:"file://migrations"`
	ServerPort    int    `envconfig:"SERVER_PORT" default:"8081"`

	// Resilience
	BootstrapRetryAttempts     int `envconfig:"BOOTSTRAP_RETRY_ATTEMPTS" default:"10"`
	BootstrapRetryDelaySeconds int `envconfig:"BOOTSTRAP_RETRY_DELAY_SECONDS" default:"2"`
}

func Load() (*Config, error) {
	// Env vars may be set in the shell, so a missing .env is not an error.
	_ = godotenv.Load(".env")

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.DBHost == "" {
		return fmt.Errorf("%w: DB_HOST", ErrMissingRequired)
	}
	if c.DBUser == "" {
		return fmt.Errorf("%w: DB_USER", ErrMissingRequired)
	}
	if c.DBName == "" {
		return fmt.Errorf("%w: DB_NAME", ErrMissingRequired)
	}
	if c.EmbeddingDimension <= 0 {
		return fmt.Errorf("%w: EMBEDDING_DIMENSION", ErrMissingRequired)
	}
	if c.OverlapChars >= c.MaxChunkChars {
		return fmt.Errorf("invalid chunk configuration: overlap %d must be smaller than max chunk size %d", c.OverlapChars, c.MaxChunkChars)
	}
	return nil
}
