// Package config provides configuration loading for phased.
//
// Configuration is loaded from hardcoded defaults, then a YAML file, then
// environment variables, in increasing precedence. Every component gets a
// strongly-typed section with enumerated options and documented defaults.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete phased configuration.
type Config struct {
	// RepoPath is the primary repository the pipeline operates on.
	// Defaults to the current working directory.
	RepoPath string `koanf:"repo_path"`

	Logging  LoggingConfig  `koanf:"logging"`
	Lock     LockConfig     `koanf:"lock"`
	StateLog StateLogConfig `koanf:"statelog"`
	Commit   CommitConfig   `koanf:"commit"`
	Engine   EngineConfig   `koanf:"engine"`
	Tracker  TrackerConfig  `koanf:"tracker"`
}

// LoggingConfig holds log output configuration.
type LoggingConfig struct {
	// Level is one of trace, debug, info, warn, error. Default: info.
	Level string `koanf:"level"`
	// Format is json or console. Default: json.
	Format string `koanf:"format"`
}

// LockConfig holds lock acquisition parameters for the context store.
type LockConfig struct {
	// Dir is the directory lock resources are created in.
	// Default: <repo_path>/.phased/locks.
	Dir string `koanf:"dir"`
	// StaleAfter is the age past which a held lock is reclaimable. Default: 10s.
	StaleAfter Duration `koanf:"stale_after"`
	// Retries is the number of acquisition attempts before timing out. Default: 10.
	Retries int `koanf:"retries"`
	// MinWait is the lower bound of the jittered retry delay. Default: 100ms.
	MinWait Duration `koanf:"min_wait"`
	// MaxWait is the upper bound of the jittered retry delay. Default: 1s.
	MaxWait Duration `koanf:"max_wait"`
}

// StateLogConfig holds versioned state log configuration.
type StateLogConfig struct {
	// Ref is the dedicated reference holding the state history.
	// Default: refs/phased/state.
	Ref string `koanf:"ref"`
}

// CommitConfig holds transactional commit handler configuration.
type CommitConfig struct {
	// MaxRetries bounds retry attempts for retryable persist errors. Default: 3.
	MaxRetries int `koanf:"max_retries"`
	// InitialBackoff is the first retry delay. Default: 1s.
	InitialBackoff Duration `koanf:"initial_backoff"`
	// MaxBackoff caps the exponential retry delay. Default: 30s.
	MaxBackoff Duration `koanf:"max_backoff"`
	// BackoffMultiplier grows the delay between attempts. Default: 2.
	BackoffMultiplier float64 `koanf:"backoff_multiplier"`
	// AuthorName and AuthorEmail identify the committer on persisted records.
	AuthorName  string `koanf:"author_name"`
	AuthorEmail string `koanf:"author_email"`
}

// EngineConfig holds workflow engine budgets.
type EngineConfig struct {
	// MaxSteps caps loop iterations per run. Default: 50.
	MaxSteps int `koanf:"max_steps"`
	// Timeout is the wall-clock budget per run. Default: 30m.
	Timeout Duration `koanf:"timeout"`
	// PhaseDelay is a courtesy pause between phases toward external
	// collaborators. Default: 0 (disabled).
	PhaseDelay Duration `koanf:"phase_delay"`
}

// TrackerConfig holds remote tracking platform client configuration.
type TrackerConfig struct {
	// Owner and Repo identify the remote repository holding tracked work items.
	Owner string `koanf:"owner"`
	Repo  string `koanf:"repo"`
	// Token authenticates API calls. Redacted everywhere it is printed.
	Token Secret `koanf:"token"`
	// RequestsPerSecond rate-limits outbound calls. Default: 1.
	RequestsPerSecond float64 `koanf:"requests_per_second"`
}

// NewDefaultConfig returns a Config with every default applied.
func NewDefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.RepoPath == "" {
		cfg.RepoPath = "."
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Lock.StaleAfter == 0 {
		cfg.Lock.StaleAfter = Duration(10 * time.Second)
	}
	if cfg.Lock.Retries == 0 {
		cfg.Lock.Retries = 10
	}
	if cfg.Lock.MinWait == 0 {
		cfg.Lock.MinWait = Duration(100 * time.Millisecond)
	}
	if cfg.Lock.MaxWait == 0 {
		cfg.Lock.MaxWait = Duration(time.Second)
	}

	if cfg.StateLog.Ref == "" {
		cfg.StateLog.Ref = "refs/phased/state"
	}

	if cfg.Commit.MaxRetries == 0 {
		cfg.Commit.MaxRetries = 3
	}
	if cfg.Commit.InitialBackoff == 0 {
		cfg.Commit.InitialBackoff = Duration(time.Second)
	}
	if cfg.Commit.MaxBackoff == 0 {
		cfg.Commit.MaxBackoff = Duration(30 * time.Second)
	}
	if cfg.Commit.BackoffMultiplier == 0 {
		cfg.Commit.BackoffMultiplier = 2.0
	}
	if cfg.Commit.AuthorName == "" {
		cfg.Commit.AuthorName = "phased"
	}
	if cfg.Commit.AuthorEmail == "" {
		cfg.Commit.AuthorEmail = "phased@localhost"
	}

	if cfg.Engine.MaxSteps == 0 {
		cfg.Engine.MaxSteps = 50
	}
	if cfg.Engine.Timeout == 0 {
		cfg.Engine.Timeout = Duration(30 * time.Minute)
	}

	if cfg.Tracker.RequestsPerSecond == 0 {
		cfg.Tracker.RequestsPerSecond = 1
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.RepoPath == "" {
		return errors.New("repo_path is required")
	}
	if c.Lock.Retries < 1 {
		return fmt.Errorf("lock.retries must be at least 1, got %d", c.Lock.Retries)
	}
	if c.Lock.MinWait > c.Lock.MaxWait {
		return fmt.Errorf("lock.min_wait %s exceeds lock.max_wait %s",
			c.Lock.MinWait.Duration(), c.Lock.MaxWait.Duration())
	}
	if c.StateLog.Ref == "" {
		return errors.New("statelog.ref is required")
	}
	if c.Commit.BackoffMultiplier < 1 {
		return fmt.Errorf("commit.backoff_multiplier must be >= 1, got %v", c.Commit.BackoffMultiplier)
	}
	if c.Engine.MaxSteps < 1 {
		return fmt.Errorf("engine.max_steps must be at least 1, got %d", c.Engine.MaxSteps)
	}
	if c.Engine.Timeout.Duration() <= 0 {
		return errors.New("engine.timeout must be positive")
	}
	return nil
}
