package contextstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/statelog"
)

const instrumentationName = "github.com/fyrsmithlabs/phased/internal/contextstore"

// ErrNotFound indicates the key has no value in the backing state log.
var ErrNotFound = statelog.ErrNotFound

// Store provides named locks, serialized durable reads/writes, and the
// failure-rate circuit breaker.
type Store interface {
	// Acquire takes the named lock, waiting with jittered bounded retries.
	Acquire(ctx context.Context, name string) (*Lock, error)

	// WithLock runs fn under the named lock, releasing on every exit path.
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error

	// Read returns the value at key, serialized against concurrent writers
	// of the same key. Returns ErrNotFound for absent keys.
	Read(ctx context.Context, key string) ([]byte, error)

	// Write durably stores the value at key and returns its content hash
	// for optimistic-concurrency use by callers.
	Write(ctx context.Context, key string, data []byte) (string, error)

	// Delete removes the key's value. Absent keys are not an error.
	Delete(ctx context.Context, key string) error

	// RecordFailure counts one failure against component's breaker window.
	RecordFailure(ctx context.Context, component string) error

	// ResetFailure clears component's breaker state.
	ResetFailure(ctx context.Context, component string) error

	// IsCircuitOpen reports whether component's breaker has tripped.
	IsCircuitOpen(ctx context.Context, component string) (bool, error)
}

// Config configures the context store.
type Config struct {
	// Dir holds lock resources and breaker state. Required.
	Dir string

	// StaleAfter is the lock age past which any process may reclaim it.
	// Default: 10s.
	StaleAfter time.Duration

	// Retries bounds acquisition attempts. Default: 10.
	Retries int

	// MinWait and MaxWait bound the jittered wait between attempts.
	// Defaults: 100ms and 1s.
	MinWait time.Duration
	MaxWait time.Duration

	// FailureThreshold trips the breaker when reached inside FailureWindow.
	// Defaults: 3 failures in 1h.
	FailureThreshold int
	FailureWindow    time.Duration
}

// DefaultConfig returns sensible defaults for dir.
func DefaultConfig(dir string) *Config {
	return &Config{
		Dir:              dir,
		StaleAfter:       10 * time.Second,
		Retries:          10,
		MinWait:          100 * time.Millisecond,
		MaxWait:          time.Second,
		FailureThreshold: 3,
		FailureWindow:    time.Hour,
	}
}

func (c *Config) applyDefaults() {
	if c.StaleAfter == 0 {
		c.StaleAfter = 10 * time.Second
	}
	if c.Retries == 0 {
		c.Retries = 10
	}
	if c.MinWait == 0 {
		c.MinWait = 100 * time.Millisecond
	}
	if c.MaxWait == 0 {
		c.MaxWait = time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.FailureWindow == 0 {
		c.FailureWindow = time.Hour
	}
}

type store struct {
	cfg      *Config
	log      statelog.Log
	logger   *logging.Logger
	holderID string

	meter          metric.Meter
	lockCounter    metric.Int64Counter
	timeoutCounter metric.Int64Counter
	breakerCounter metric.Int64Counter

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a context store backed by the given state log.
func New(cfg *Config, log statelog.Log, logger *logging.Logger) (Store, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, errors.New("lock directory is required")
	}
	if log == nil {
		return nil, errors.New("state log is required")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	cfg.applyDefaults()
	if cfg.MinWait > cfg.MaxWait {
		return nil, fmt.Errorf("min wait %s exceeds max wait %s", cfg.MinWait, cfg.MaxWait)
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory %s: %w", cfg.Dir, err)
	}

	s := &store{
		cfg:      cfg,
		log:      log,
		logger:   logger,
		holderID: fmt.Sprintf("%d-%s", os.Getpid(), uuid.NewString()[:8]),
		meter:    otel.Meter(instrumentationName),
		now:      time.Now,
	}
	s.initMetrics()
	return s, nil
}

// initMetrics initializes OpenTelemetry metrics.
func (s *store) initMetrics() {
	var err error

	s.lockCounter, err = s.meter.Int64Counter(
		"phased.contextstore.locks_acquired_total",
		metric.WithDescription("Total number of locks acquired"),
		metric.WithUnit("{lock}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create lock counter", zap.Error(err))
	}

	s.timeoutCounter, err = s.meter.Int64Counter(
		"phased.contextstore.lock_timeouts_total",
		metric.WithDescription("Total number of lock acquisition timeouts"),
		metric.WithUnit("{timeout}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create timeout counter", zap.Error(err))
	}

	s.breakerCounter, err = s.meter.Int64Counter(
		"phased.contextstore.breaker_opens_total",
		metric.WithDescription("Total number of circuit breaker opens"),
		metric.WithUnit("{open}"),
	)
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create breaker counter", zap.Error(err))
	}
}

// Read returns the value at key under the key's lock.
func (s *store) Read(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := s.WithLock(ctx, key, func(ctx context.Context) error {
		var err error
		data, err = s.log.Read(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Write stores the value at key under the key's lock and returns the
// content hash.
func (s *store) Write(ctx context.Context, key string, data []byte) (string, error) {
	var hash string
	err := s.WithLock(ctx, key, func(ctx context.Context) error {
		var err error
		hash, err = s.log.Write(ctx, key, data)
		return err
	})
	if err != nil {
		return "", err
	}
	return hash, nil
}

// Delete removes the key from the state log tip under the key's lock.
// History of prior values is retained by the log.
func (s *store) Delete(ctx context.Context, key string) error {
	return s.WithLock(ctx, key, func(ctx context.Context) error {
		return s.log.Remove(ctx, key)
	})
}

