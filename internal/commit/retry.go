package commit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/logging"
)

// RetryConfig configures retry behavior for persist operations.
type RetryConfig struct {
	// MaxRetries is the maximum number of retry attempts.
	// Default: 3
	MaxRetries int

	// InitialBackoff is the initial backoff duration.
	// Default: 1 second
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 30 seconds
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2
	BackoffMultiplier float64
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *RetryConfig) ApplyDefaults() {
	defaults := DefaultRetryConfig()

	if c.MaxRetries == 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaults.InitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaults.MaxBackoff
	}
	if c.BackoffMultiplier == 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
}

// retryablePatterns classify transient persist errors. Everything else
// fails immediately.
var retryablePatterns = []string{
	"lock",
	"timeout",
	"timed out",
	"network",
	"busy",
	"temporarily unavailable",
	"resource unavailable",
	"connection",
	"try again",
}

// isRetryableError classifies an error by substring match against the
// transient patterns.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

// retryOperation retries a persist operation with exponential backoff.
// Transient errors retry up to config.MaxRetries times; anything else is
// immediately fatal.
func retryOperation(ctx context.Context, config *RetryConfig, log *logging.Logger, name string, operation func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	config.ApplyDefaults()
	if log == nil {
		log = logging.NewNop()
	}

	var lastErr error
	backoff := config.InitialBackoff
	startTime := time.Now()

	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := operation()
		if err == nil {
			if attempt > 0 {
				log.Info(ctx, "operation recovered after retries",
					zap.String("operation", name),
					zap.Int("attempts", attempt),
					zap.Duration("total_time", time.Since(startTime)),
				)
			}
			return nil
		}

		lastErr = err

		if !isRetryableError(err) {
			log.Debug(ctx, "error is not retryable",
				zap.String("operation", name),
				zap.Error(err),
			)
			return err
		}

		// Last attempt, return error
		if attempt == config.MaxRetries {
			break
		}

		log.Info(ctx, "retrying after transient error",
			zap.String("operation", name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", config.MaxRetries+1),
			zap.Error(err),
			zap.Duration("backoff", backoff),
		)

		select {
		case <-ctx.Done():
			return fmt.Errorf("operation canceled: %w", ctx.Err())
		case <-time.After(backoff):
			nextBackoff := time.Duration(float64(backoff) * config.BackoffMultiplier)
			if nextBackoff > config.MaxBackoff {
				nextBackoff = config.MaxBackoff
			}
			backoff = nextBackoff
		}
	}

	log.Warn(ctx, "operation failed after all retries exhausted",
		zap.String("operation", name),
		zap.Int("total_attempts", config.MaxRetries+1),
		zap.Duration("total_time", time.Since(startTime)),
		zap.Error(lastErr),
	)

	return fmt.Errorf("%s failed after %d retries: %w", name, config.MaxRetries, lastErr)
}
