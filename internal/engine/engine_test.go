package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phased/internal/contextstore"
	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/statelog"
)

// memStore is an in-memory contextstore.Store. The engine only touches
// Read, Write, and Delete.
type memStore struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string][]byte)}
}

func (m *memStore) Acquire(ctx context.Context, name string) (*contextstore.Lock, error) {
	return nil, errors.New("not supported in tests")
}

func (m *memStore) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (m *memStore) Read(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.data[key]
	if !ok {
		return nil, contextstore.ErrNotFound
	}
	return data, nil
}

func (m *memStore) Write(ctx context.Context, key string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = data
	return fmt.Sprintf("%d", len(data)), nil
}

func (m *memStore) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memStore) RecordFailure(ctx context.Context, component string) error { return nil }
func (m *memStore) ResetFailure(ctx context.Context, component string) error  { return nil }
func (m *memStore) IsCircuitOpen(ctx context.Context, component string) (bool, error) {
	return false, nil
}

// scriptedProvider executes a fixed sequence of phases, optionally
// failing one of them.
type scriptedProvider struct {
	phases    []string
	failPhase string
	failErr   error
	executed  []string
	endless   bool
}

func (p *scriptedProvider) DecideNext(ctx context.Context, run *WorkflowRun) (*PhaseDecision, error) {
	if p.endless {
		return &PhaseDecision{HandlerID: "loop"}, nil
	}
	done := 0
	for _, m := range run.PhaseMetrics {
		if m.Status == PhaseCompleted && m.Phase != "recovery" {
			done++
		}
	}
	if done >= len(p.phases) {
		return nil, nil
	}
	return &PhaseDecision{HandlerID: p.phases[done]}, nil
}

func (p *scriptedProvider) ExecuteHandler(ctx context.Context, decision *PhaseDecision, run *WorkflowRun) error {
	p.executed = append(p.executed, decision.HandlerID)
	if decision.HandlerID == p.failPhase {
		if p.failErr != nil {
			return p.failErr
		}
		return errors.New("scripted failure")
	}
	return nil
}

type scriptedRecovery struct {
	result *RecoveryResult
	err    error
	calls  int
}

func (r *scriptedRecovery) AttemptRecovery(ctx context.Context, run *WorkflowRun, cause error) (*RecoveryResult, error) {
	r.calls++
	return r.result, r.err
}

func newTestEngine(t *testing.T, cfg *Config, store contextstore.Store, provider PhaseProvider, recovery RecoveryHandler) Service {
	t.Helper()
	svc, err := New(cfg, store, provider, recovery, logging.NewNop())
	require.NoError(t, err)
	return svc
}

func TestNew(t *testing.T) {
	t.Run("requires store", func(t *testing.T) {
		_, err := New(nil, nil, &scriptedProvider{}, nil, nil)
		require.Error(t, err)
	})

	t.Run("requires provider", func(t *testing.T) {
		_, err := New(nil, newMemStore(), nil, nil, nil)
		require.ErrorIs(t, err, ErrNoProvider)
	})

	t.Run("defaults applied", func(t *testing.T) {
		svc := newTestEngine(t, nil, newMemStore(), &scriptedProvider{}, nil)
		s := svc.(*service)
		assert.Equal(t, 50, s.cfg.MaxSteps)
		assert.Equal(t, 30*time.Minute, s.cfg.Timeout)
		assert.Equal(t, "runs/", s.cfg.CheckpointPrefix)
	})
}

func TestStartOrResume_Completes(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &scriptedProvider{phases: []string{"analysis", "implementation", "review"}}
	svc := newTestEngine(t, nil, store, provider, nil)

	result, err := svc.StartOrResume(ctx, "run-42", &StartOptions{TargetID: "42"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.True(t, result.Success())
	assert.Equal(t, 0, result.Run.ResumeCount)
	assert.Equal(t, "42", result.Run.TargetID)
	require.Len(t, result.Run.PhaseMetrics, 3)
	assert.Equal(t, []string{"analysis", "implementation", "review"}, provider.executed)
	for _, m := range result.Run.PhaseMetrics {
		assert.Equal(t, PhaseCompleted, m.Status)
		assert.Empty(t, m.Error)
	}

	// Checkpoint removed on COMPLETED.
	_, err = svc.GetStatus(ctx, "run-42")
	require.ErrorIs(t, err, ErrRunNotFound)
}

func TestStartOrResume_PhaseFailureRecovered(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &scriptedProvider{
		phases:    []string{"analysis", "implementation", "review"},
		failPhase: "implementation",
	}
	recovery := &scriptedRecovery{result: &RecoveryResult{Recovered: true, Detail: "rolled back partial work"}}
	svc := newTestEngine(t, nil, store, provider, recovery)

	result, err := svc.StartOrResume(ctx, "run-b", &StartOptions{TargetID: "7"})
	require.NoError(t, err)
	assert.Equal(t, StatusRecovered, result.Status)
	assert.True(t, result.Success())
	assert.Equal(t, 1, recovery.calls)

	var failed, recovered []PhaseMetric
	for _, m := range result.Run.PhaseMetrics {
		switch {
		case m.Phase == "recovery":
			recovered = append(recovered, m)
		case m.Status == PhaseFailed:
			failed = append(failed, m)
		}
	}
	require.Len(t, failed, 1)
	assert.Equal(t, "implementation", failed[0].Phase)
	assert.Contains(t, failed[0].Error, "scripted failure")
	require.Len(t, recovered, 1)
	assert.Equal(t, PhaseCompleted, recovered[0].Status)

	// Checkpoint retained on RECOVERED for inspection.
	run, err := svc.GetStatus(ctx, "run-b")
	require.NoError(t, err)
	assert.Equal(t, StatusRecovered, run.Status)
	assert.Contains(t, run.TerminalError, "implementation")
}

func TestStartOrResume_RecoveryFails(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{phases: []string{"analysis"}, failPhase: "analysis"}

	t.Run("handler reports not recovered", func(t *testing.T) {
		recovery := &scriptedRecovery{result: &RecoveryResult{Recovered: false, Detail: "nothing to roll back"}}
		svc := newTestEngine(t, nil, newMemStore(), provider, recovery)

		result, err := svc.StartOrResume(ctx, "run-rf1", nil)
		require.NoError(t, err)
		assert.Equal(t, StatusRecoveryFailed, result.Status)
		assert.False(t, result.Success())
		assert.Equal(t, "nothing to roll back", result.Run.RecoveryError)
	})

	t.Run("handler errors", func(t *testing.T) {
		recovery := &scriptedRecovery{err: errors.New("remote unreachable")}
		svc := newTestEngine(t, nil, newMemStore(), provider, recovery)

		result, err := svc.StartOrResume(ctx, "run-rf2", nil)
		require.NoError(t, err)
		assert.Equal(t, StatusRecoveryFailed, result.Status)
		assert.Contains(t, result.Run.RecoveryError, "remote unreachable")
	})

	t.Run("no handler configured", func(t *testing.T) {
		svc := newTestEngine(t, nil, newMemStore(), provider, nil)

		result, err := svc.StartOrResume(ctx, "run-rf3", nil)
		require.NoError(t, err)
		assert.Equal(t, StatusRecoveryFailed, result.Status)
		assert.Contains(t, result.Run.RecoveryError, "no recovery handler")
	})
}

func TestStartOrResume_StepCap(t *testing.T) {
	ctx := context.Background()
	provider := &scriptedProvider{endless: true}
	svc := newTestEngine(t, &Config{MaxSteps: 2}, newMemStore(), provider, nil)

	result, err := svc.StartOrResume(ctx, "run-c", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusMaxSteps, result.Status)
	assert.Equal(t, 2, result.Run.StepCount)
	assert.Len(t, provider.executed, 2)

	run, err := svc.GetStatus(ctx, "run-c")
	require.NoError(t, err)
	assert.Equal(t, StatusMaxSteps, run.Status)
}

func TestStartOrResume_TimeoutBetweenIterations(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &scriptedProvider{endless: true}
	svc := newTestEngine(t, &Config{Timeout: 10 * time.Minute}, store, provider, nil)

	// Each phase "takes" six minutes on the fake clock, so the budget is
	// exhausted after the second phase but the check only fires at the
	// next iteration boundary.
	s := svc.(*service)
	clock := time.Now()
	s.now = func() time.Time { return clock }
	s.provider = &clockAdvancingProvider{
		inner:   provider,
		advance: func() { clock = clock.Add(6 * time.Minute) },
	}

	result, err := svc.StartOrResume(ctx, "run-t", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
	assert.Len(t, provider.executed, 2)
	for _, m := range result.Run.PhaseMetrics {
		assert.Equal(t, PhaseCompleted, m.Status)
	}
}

type clockAdvancingProvider struct {
	inner   PhaseProvider
	advance func()
}

func (p *clockAdvancingProvider) DecideNext(ctx context.Context, run *WorkflowRun) (*PhaseDecision, error) {
	return p.inner.DecideNext(ctx, run)
}

func (p *clockAdvancingProvider) ExecuteHandler(ctx context.Context, decision *PhaseDecision, run *WorkflowRun) error {
	defer p.advance()
	return p.inner.ExecuteHandler(ctx, decision, run)
}

func TestStartOrResume_ResumeSkipsCompletedPhases(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &scriptedProvider{phases: []string{"analysis", "implementation", "review"}}
	svc := newTestEngine(t, nil, store, provider, nil)

	// Simulate a process killed after two completed phases.
	now := time.Now()
	seedCheckpoint(t, store, &WorkflowRun{
		RunID:     "run-resume",
		TargetID:  "42",
		Status:    StatusRunning,
		StepCount: 2,
		PhaseMetrics: []PhaseMetric{
			{Phase: "analysis", Status: PhaseCompleted, StartedAt: now},
			{Phase: "implementation", Status: PhaseCompleted, StartedAt: now},
		},
		StartedAt:        now.Add(-time.Minute),
		LastCheckpointAt: now.Add(-30 * time.Second),
	})

	result, err := svc.StartOrResume(ctx, "run-resume", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, 1, result.Run.ResumeCount)
	assert.Equal(t, []string{"review"}, provider.executed)
	assert.Len(t, result.Run.PhaseMetrics, 3)
}

func TestStartOrResume_OrphanReclassifiedTimeout(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &scriptedProvider{phases: []string{"analysis"}}
	svc := newTestEngine(t, nil, store, provider, nil)

	old := time.Now().Add(-2 * time.Hour)
	seedCheckpoint(t, store, &WorkflowRun{
		RunID:            "run-orphan",
		Status:           StatusRunning,
		StepCount:        5,
		StartedAt:        old,
		LastCheckpointAt: old,
	})

	result, err := svc.StartOrResume(ctx, "run-orphan", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, result.Status)
	assert.Empty(t, provider.executed)
	assert.Equal(t, 0, result.Run.ResumeCount)

	run, err := svc.GetStatus(ctx, "run-orphan")
	require.NoError(t, err)
	assert.Equal(t, StatusTimeout, run.Status)
	assert.Contains(t, run.TerminalError, "orphaned")
}

func TestStartOrResume_CompletedIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &scriptedProvider{phases: []string{"analysis"}}
	svc := newTestEngine(t, nil, store, provider, nil)

	seedCheckpoint(t, store, &WorkflowRun{
		RunID:     "run-done",
		Status:    StatusCompleted,
		StepCount: 3,
		StartedAt: time.Now(),
	})

	result, err := svc.StartOrResume(ctx, "run-done", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Empty(t, provider.executed)

	t.Run("force resumes anyway", func(t *testing.T) {
		result, err := svc.StartOrResume(ctx, "run-done", &StartOptions{Force: true})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, 1, result.Run.ResumeCount)
	})
}

func TestStartOrResume_TerminalIsNoOp(t *testing.T) {
	ctx := context.Background()

	for _, status := range []Status{StatusTimeout, StatusMaxSteps, StatusFailed, StatusRecovered, StatusRecoveryFailed} {
		t.Run(string(status), func(t *testing.T) {
			store := newMemStore()
			provider := &scriptedProvider{phases: []string{"analysis"}}
			svc := newTestEngine(t, nil, store, provider, nil)

			seedCheckpoint(t, store, &WorkflowRun{
				RunID:         "run-stuck",
				Status:        status,
				StepCount:     2,
				TerminalError: "budget exhausted",
				StartedAt:     time.Now(),
			})

			result, err := svc.StartOrResume(ctx, "run-stuck", nil)
			require.NoError(t, err)
			assert.Equal(t, status, result.Status)
			assert.Equal(t, 0, result.Run.ResumeCount)
			assert.Empty(t, provider.executed)

			// The retained checkpoint must survive untouched.
			loaded, err := svc.GetStatus(ctx, "run-stuck")
			require.NoError(t, err)
			assert.Equal(t, status, loaded.Status)
			assert.Equal(t, "budget exhausted", loaded.TerminalError)
		})
	}

	t.Run("force re-enters the loop", func(t *testing.T) {
		store := newMemStore()
		provider := &scriptedProvider{phases: []string{"analysis"}}
		svc := newTestEngine(t, nil, store, provider, nil)

		seedCheckpoint(t, store, &WorkflowRun{
			RunID:     "run-stuck",
			Status:    StatusMaxSteps,
			StepCount: 1,
			StartedAt: time.Now(),
		})

		result, err := svc.StartOrResume(ctx, "run-stuck", &StartOptions{Force: true})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, result.Status)
		assert.Equal(t, 1, result.Run.ResumeCount)
		assert.Equal(t, []string{"analysis"}, provider.executed)
	})
}

func TestStartOrResume_PanicContained(t *testing.T) {
	ctx := context.Background()
	provider := &panickyProvider{}
	svc := newTestEngine(t, nil, newMemStore(), provider, nil)

	result, err := svc.StartOrResume(ctx, "run-panic", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRecoveryFailed, result.Status)
	assert.Contains(t, result.Run.TerminalError, "panic")
}

type panickyProvider struct{}

func (p *panickyProvider) DecideNext(ctx context.Context, run *WorkflowRun) (*PhaseDecision, error) {
	return &PhaseDecision{HandlerID: "explode"}, nil
}

func (p *panickyProvider) ExecuteHandler(ctx context.Context, decision *PhaseDecision, run *WorkflowRun) error {
	panic("handler bug")
}

func TestStartOrResume_InvalidRunID(t *testing.T) {
	svc := newTestEngine(t, nil, newMemStore(), &scriptedProvider{}, nil)

	for _, id := range []string{"", "has space", "a/b", "../escape", strings.Repeat("x", 100)} {
		_, err := svc.StartOrResume(context.Background(), id, nil)
		require.Error(t, err, "run ID %q", id)
	}
}

func TestGetStatus(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := newTestEngine(t, nil, store, &scriptedProvider{}, nil)

	_, err := svc.GetStatus(ctx, "nope")
	require.ErrorIs(t, err, ErrRunNotFound)

	seedCheckpoint(t, store, &WorkflowRun{RunID: "run-x", TargetID: "9", Status: StatusRunning})
	run, err := svc.GetStatus(ctx, "run-x")
	require.NoError(t, err)
	assert.Equal(t, "9", run.TargetID)
}

func TestExecuteSinglePhase(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	provider := &scriptedProvider{phases: []string{"analysis"}}
	svc := newTestEngine(t, nil, store, provider, nil)

	require.NoError(t, svc.ExecuteSinglePhase(ctx, "analysis", "run-dbg"))
	assert.Equal(t, []string{"analysis"}, provider.executed)

	// Debug execution never writes a checkpoint.
	_, err := svc.GetStatus(ctx, "run-dbg")
	require.ErrorIs(t, err, ErrRunNotFound)

	t.Run("failure propagates", func(t *testing.T) {
		provider.failPhase = "analysis"
		err := svc.ExecuteSinglePhase(ctx, "analysis", "run-dbg")
		require.Error(t, err)
		var pe *PhaseError
		assert.ErrorAs(t, err, &pe)
	})

	t.Run("requires handler id", func(t *testing.T) {
		require.Error(t, svc.ExecuteSinglePhase(ctx, "", "run-dbg"))
	})
}

func seedCheckpoint(t *testing.T, store *memStore, run *WorkflowRun) {
	t.Helper()
	data, err := json.Marshal(run)
	require.NoError(t, err)
	_, err = store.Write(context.Background(), "runs/"+run.RunID+".json", data)
	require.NoError(t, err)
}

/// Full-stack smoke test: the engine checkpointing through the real
// context store and state log inside a temporary repository.
func TestEngineOverStateLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	_, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	log, err := statelog.Open(dir, statelog.DefaultConfig(), logging.NewNop())
	require.NoError(t, err)
	require.NoError(t, log.Init(ctx))

	store, err := contextstore.New(&contextstore.Config{Dir: t.TempDir()}, log, logging.NewNop())
	require.NoError(t, err)

	provider := &scriptedProvider{phases: []string{"analysis", "review"}}
	svc := newTestEngine(t, nil, store, provider, nil)

	result, err := svc.StartOrResume(ctx, "run-full", &StartOptions{TargetID: "42"})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Len(t, result.Run.PhaseMetrics, 2)

	_, err = svc.GetStatus(ctx, "run-full")
	require.ErrorIs(t, err, ErrRunNotFound)
}
