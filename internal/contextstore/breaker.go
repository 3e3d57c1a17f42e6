package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen indicates a component's breaker has tripped and the
// guarded operation must not run.
var ErrCircuitOpen = errors.New("contextstore: circuit breaker open")

// BreakerState is the persisted failure-rate state for one component.
type BreakerState struct {
	FailureCount   int       `json:"failure_count"`
	FirstFailureAt time.Time `json:"first_failure_at"`
	IsOpen         bool      `json:"is_open"`
}

// breakerPath returns the state file for a component. Breaker state lives
// on plain files next to the locks rather than in the state log: the
// breaker is consulted exactly when persistence may be failing, so it
// must not depend on it.
func (s *store) breakerPath(component string) string {
	return filepath.Join(s.cfg.Dir, "breaker-"+sanitize(component)+".json")
}

func (s *store) loadBreaker(component string) (*BreakerState, error) {
	data, err := os.ReadFile(s.breakerPath(component))
	if err != nil {
		if os.IsNotExist(err) {
			return &BreakerState{}, nil
		}
		return nil, fmt.Errorf("failed to read breaker state for %s: %w", component, err)
	}

	var state BreakerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to decode breaker state for %s: %w", component, err)
	}
	return &state, nil
}

func (s *store) saveBreaker(component string, state *BreakerState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.breakerPath(component), data, 0644); err != nil {
		return fmt.Errorf("failed to write breaker state for %s: %w", component, err)
	}
	return nil
}

// RecordFailure counts one failure in the rolling window. The breaker
// opens only once FailureThreshold failures land inside FailureWindow of
// the first; a failure after the window expires restarts the count at 1
// instead of opening.
func (s *store) RecordFailure(ctx context.Context, component string) error {
	return s.WithLock(ctx, "breaker-"+component, func(ctx context.Context) error {
		state, err := s.loadBreaker(component)
		if err != nil {
			return err
		}

		now := s.now()
		if state.FailureCount == 0 || now.Sub(state.FirstFailureAt) > s.cfg.FailureWindow {
			state.FailureCount = 1
			state.FirstFailureAt = now
			state.IsOpen = false
		} else {
			state.FailureCount++
			if state.FailureCount >= s.cfg.FailureThreshold {
				state.IsOpen = true
			}
		}

		if state.IsOpen {
			s.logger.Warn(ctx, "circuit breaker opened",
				zap.String("component", component),
				zap.Int("failure_count", state.FailureCount),
				zap.Time("first_failure_at", state.FirstFailureAt),
			)
			if s.breakerCounter != nil {
				s.breakerCounter.Add(ctx, 1)
			}
		} else {
			s.logger.Debug(ctx, "recorded failure",
				zap.String("component", component),
				zap.Int("failure_count", state.FailureCount),
			)
		}

		return s.saveBreaker(component, state)
	})
}

// ResetFailure clears the breaker state after a success.
func (s *store) ResetFailure(ctx context.Context, component string) error {
	return s.WithLock(ctx, "breaker-"+component, func(ctx context.Context) error {
		return s.saveBreaker(component, &BreakerState{})
	})
}

// IsCircuitOpen reports whether the breaker for component has tripped.
func (s *store) IsCircuitOpen(ctx context.Context, component string) (bool, error) {
	var open bool
	err := s.WithLock(ctx, "breaker-"+component, func(ctx context.Context) error {
		state, err := s.loadBreaker(component)
		if err != nil {
			return err
		}
		open = state.IsOpen
		return nil
	})
	return open, err
}
