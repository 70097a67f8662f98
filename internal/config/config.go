// Package config loads the sync job settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
)

// Secret names consumed by every run.
const (
	DriveKeyEnv    = "DRIVE_KEY"
	FirebaseKeyEnv = "FIREBASE_KEY"
)

// MaxBatchSize is the Firestore limit on writes in one commit.
const MaxBatchSize = 500

var ErrMissingSecret = errors.New("missing secret")

// Config holds every setting of the DBF to Firestore sync.
type Config struct {
	DriveKey    string `env:"DRIVE_KEY"`
	FirebaseKey string `env:"FIREBASE_KEY"`
	ProjectID   string `env:"FIREBASE_PROJECT_ID"`

	FolderID string `env:"DRIVE_FOLDER_ID"`
	Encoding string `env:"DBF_ENCODING" envDefault:"latin1"`

	// Window limits the run to files modified within it. Zero means all files.
	Window          time.Duration `env:"SYNC_WINDOW" envDefault:"5h"`
	BatchSize       int           `env:"SYNC_BATCH_SIZE" envDefault:"400"`
	BatchPause      time.Duration `env:"SYNC_BATCH_PAUSE" envDefault:"1s"`
	QuotaBackoff    time.Duration `env:"SYNC_QUOTA_BACKOFF" envDefault:"30s"`
	MaxRetries      int           `env:"SYNC_MAX_RETRIES" envDefault:"4"`
	FileConcurrency int           `env:"SYNC_FILE_CONCURRENCY" envDefault:"2"`
	HashField       string        `env:"SYNC_HASH_FIELD" envDefault:"h"`
	RunsCollection  string        `env:"SYNC_RUNS_COLLECTION" envDefault:"etl_runs"`
	DryRun          bool          `env:"SYNC_DRY_RUN"`

	ArchiveBucket string `env:"SYNC_ARCHIVE_BUCKET"`

	NotifyWorkflowID       string `env:"NOTIFY_WORKFLOW_ID"`
	NotifyWorkflowLocation string `env:"NOTIFY_WORKFLOW_LOCATION" envDefault:"us-central1"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses the environment and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to load configuration from environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks bounds and required values.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.FolderID) == "" {
		errs = append(errs, errors.New("DRIVE_FOLDER_ID environment variable must be set"))
	}
	if c.BatchSize < 1 || c.BatchSize > MaxBatchSize {
		errs = append(errs, fmt.Errorf("SYNC_BATCH_SIZE must be between 1 and %d, got %d", MaxBatchSize, c.BatchSize))
	}
	if c.Window < 0 {
		errs = append(errs, fmt.Errorf("SYNC_WINDOW must be >= 0, got %s", c.Window))
	}
	if c.BatchPause < 0 || c.QuotaBackoff < 0 {
		errs = append(errs, errors.New("SYNC_BATCH_PAUSE and SYNC_QUOTA_BACKOFF must be >= 0"))
	}
	if c.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("SYNC_MAX_RETRIES must be >= 1, got %d", c.MaxRetries))
	}
	if c.FileConcurrency < 1 {
		errs = append(errs, fmt.Errorf("SYNC_FILE_CONCURRENCY must be >= 1, got %d", c.FileConcurrency))
	}
	if strings.TrimSpace(c.HashField) == "" {
		errs = append(errs, errors.New("SYNC_HASH_FIELD must not be empty"))
	}
	return errors.Join(errs...)
}

// RequireSecrets reports every credential missing from the configuration.
func (c *Config) RequireSecrets() error {
	var missing []string
	if strings.TrimSpace(c.DriveKey) == "" {
		missing = append(missing, DriveKeyEnv)
	}
	if strings.TrimSpace(c.FirebaseKey) == "" {
		missing = append(missing, FirebaseKeyEnv)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s environment variable must be set", ErrMissingSecret, strings.Join(missing, ", "))
	}
	return nil
}
