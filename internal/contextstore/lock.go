package contextstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrLockTimeout indicates acquisition retries were exhausted while the
	// lock stayed held. Fatal to the calling operation.
	ErrLockTimeout = errors.New("contextstore: lock acquisition timed out")
)

// Lock represents a held named lock. It exists only between Acquire and
// Release; a lock older than the staleness threshold is reclaimable by
// any process.
type Lock struct {
	Name       string    `json:"name"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`

	path string
}

// Release removes the lock resource. Releasing an already-released (or
// reclaimed) lock is not an error.
func (l *Lock) Release() error {
	if err := os.RemoveAll(l.path); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", l.Name, err)
	}
	return nil
}

// holderFile is the metadata file written inside the lock directory.
const holderFile = "holder.json"

// sanitize flattens an arbitrary key or path into a filesystem-safe name.
func sanitize(key string) string {
	replacer := strings.NewReplacer("/", "-", "\\", "-", ":", "-", " ", "-")
	return replacer.Replace(key)
}

// lockName derives a lock resource name from an arbitrary key or path.
// Slashes collapse to dashes so every lock lives flat in the lock dir.
func lockName(key string) string {
	return sanitize(key) + ".lock"
}

// Acquire attempts an atomic create-if-absent on the lock resource named
// by name. On conflict it inspects the existing lock's age: stale locks
// are force-removed with a warning and retried immediately, fresh ones
// wait a jittered delay before the next of the bounded attempts.
func (s *store) Acquire(ctx context.Context, name string) (*Lock, error) {
	path := filepath.Join(s.cfg.Dir, lockName(name))

	for attempt := 0; attempt < s.cfg.Retries; attempt++ {
		lock, err := s.tryAcquire(name, path)
		if err == nil {
			s.logger.Trace(ctx, "acquired lock",
				zap.String("lock", name),
				zap.Int("attempt", attempt+1),
			)
			if s.lockCounter != nil {
				s.lockCounter.Add(ctx, 1)
			}
			return lock, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to create lock %s: %w", name, err)
		}

		// Held by someone: stale locks are reclaimed immediately.
		if age, holder, ok := s.lockAge(path); ok && age > s.cfg.StaleAfter {
			s.logger.Warn(ctx, "breaking stale lock",
				zap.String("lock", name),
				zap.String("holder", holder),
				zap.Duration("age", age),
				zap.Duration("stale_after", s.cfg.StaleAfter),
			)
			// Best effort: if another process wins this race our next
			// Mkdir fails normally and we re-enter the wait loop.
			_ = os.RemoveAll(path)
			continue
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", name, ctx.Err())
		case <-time.After(s.jitter()):
		}
	}

	if s.timeoutCounter != nil {
		s.timeoutCounter.Add(ctx, 1)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrLockTimeout, name, s.cfg.Retries)
}

// tryAcquire performs the atomic create and writes holder metadata.
func (s *store) tryAcquire(name, path string) (*Lock, error) {
	if err := os.Mkdir(path, 0755); err != nil {
		return nil, err
	}

	lock := &Lock{
		Name:       name,
		Holder:     s.holderID,
		AcquiredAt: s.now(),
		path:       path,
	}

	data, err := json.Marshal(lock)
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(path, holderFile), data, 0644); err != nil {
		_ = os.RemoveAll(path)
		return nil, err
	}
	return lock, nil
}

// lockAge reads the holder metadata of an existing lock. Falls back to
// the directory mtime when the holder file is unreadable (a crash between
// Mkdir and WriteFile leaves no metadata).
func (s *store) lockAge(path string) (time.Duration, string, bool) {
	data, err := os.ReadFile(filepath.Join(path, holderFile))
	if err == nil {
		var l Lock
		if err := json.Unmarshal(data, &l); err == nil && !l.AcquiredAt.IsZero() {
			return s.now().Sub(l.AcquiredAt), l.Holder, true
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		// Lock vanished between Mkdir failing and us inspecting it.
		return 0, "", false
	}
	return s.now().Sub(info.ModTime()), "unknown", true
}

// jitter returns a randomized wait in [MinWait, MaxWait].
func (s *store) jitter() time.Duration {
	spread := s.cfg.MaxWait - s.cfg.MinWait
	if spread <= 0 {
		return s.cfg.MinWait
	}
	return s.cfg.MinWait + time.Duration(rand.Int64N(int64(spread)+1))
}

// WithLock acquires name, runs fn, and releases on every exit path,
// including panics.
func (s *store) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	lock, err := s.Acquire(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			s.logger.Error(ctx, "failed to release lock",
				zap.String("lock", name),
				zap.Error(err),
			)
		}
	}()
	return fn(ctx)
}
