// Package engine drives multi-phase pipeline runs: a checkpointed loop
// over externally supplied phase handlers with step and wall-clock
// budgets, crash resumability, and an at-most-once recovery path.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/contextstore"
	"github.com/fyrsmithlabs/phased/internal/logging"
)

var (
	// ErrRunNotFound indicates no checkpoint exists for the run.
	ErrRunNotFound = errors.New("engine: run not found")

	// ErrNoProvider indicates the engine was built without a phase provider.
	ErrNoProvider = errors.New("engine: phase provider is required")
)

var runIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// Config configures the workflow engine.
type Config struct {
	// MaxSteps caps loop iterations per run. Default: 50.
	MaxSteps int

	// Timeout is the wall-clock budget per run, measured from the run's
	// StartedAt and checked only between iterations. Default: 30 minutes.
	Timeout time.Duration

	// PhaseDelay is a courtesy pause between phases toward external
	// collaborators. A blocking sleep, not a cancellation point.
	// Default: 0 (disabled).
	PhaseDelay time.Duration

	// CheckpointPrefix is the key prefix for checkpoint documents in the
	// context store. Default: "runs/".
	CheckpointPrefix string
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxSteps:         50,
		Timeout:          30 * time.Minute,
		CheckpointPrefix: "runs/",
	}
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	defaults := DefaultConfig()

	if c.MaxSteps == 0 {
		c.MaxSteps = defaults.MaxSteps
	}
	if c.Timeout == 0 {
		c.Timeout = defaults.Timeout
	}
	if c.CheckpointPrefix == "" {
		c.CheckpointPrefix = defaults.CheckpointPrefix
	}
}

// StartOptions adjusts a single StartOrResume call.
type StartOptions struct {
	// TargetID identifies the tracked work item for a new run. Ignored
	// on resume; the checkpoint's target wins.
	TargetID string

	// Force resumes even a COMPLETED run.
	Force bool
}

// Service drives workflow runs.
type Service interface {
	// StartOrResume starts a new run or resumes an interrupted one.
	// A COMPLETED checkpoint is a no-op unless opts.Force is set.
	StartOrResume(ctx context.Context, runID string, opts *StartOptions) (*RunResult, error)

	// GetStatus returns the persisted checkpoint for a run.
	GetStatus(ctx context.Context, runID string) (*WorkflowRun, error)

	// ExecuteSinglePhase invokes one phase handler outside the loop, for
	// debugging. No checkpoint is written.
	ExecuteSinglePhase(ctx context.Context, handlerID, runID string) error
}

type service struct {
	cfg      *Config
	store    contextstore.Store
	provider PhaseProvider
	recovery RecoveryHandler
	logger   *logging.Logger
	tracer   trace.Tracer

	checkpointsSaved metric.Int64Counter
	runsFinished     metric.Int64Counter

	now func() time.Time
}

// New creates a workflow engine. recovery may be nil; a phase failure
// then goes straight to RECOVERY_FAILED.
func New(cfg *Config, store contextstore.Store, provider PhaseProvider, recovery RecoveryHandler, logger *logging.Logger) (Service, error) {
	if store == nil {
		return nil, fmt.Errorf("context store is required")
	}
	if provider == nil {
		return nil, ErrNoProvider
	}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}

	s := &service{
		cfg:      cfg,
		store:    store,
		provider: provider,
		recovery: recovery,
		logger:   logger,
		tracer:   otel.Tracer("phased.engine"),
		now:      time.Now,
	}
	s.initMetrics()

	return s, nil
}

func (s *service) initMetrics() {
	meter := otel.Meter("phased.engine")

	var err error
	s.checkpointsSaved, err = meter.Int64Counter("phased.engine.checkpoints_saved",
		metric.WithDescription("Total checkpoint documents persisted"))
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create checkpoint counter", zap.Error(err))
	}

	s.runsFinished, err = meter.Int64Counter("phased.engine.runs_finished",
		metric.WithDescription("Total runs reaching a terminal state"))
	if err != nil {
		s.logger.Warn(context.Background(), "failed to create run counter", zap.Error(err))
	}
}

func (s *service) StartOrResume(ctx context.Context, runID string, opts *StartOptions) (*RunResult, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &StartOptions{}
	}

	ctx = logging.WithRunID(ctx, runID)
	ctx, span := s.tracer.Start(ctx, "engine.StartOrResume",
		trace.WithAttributes(attribute.String("run_id", runID)))
	defer span.End()

	run, resumed, err := s.loadOrCreate(ctx, runID, opts.TargetID)
	if err != nil {
		return nil, err
	}

	// Terminal runs never re-enter RUNNING on their own. FAILED is gated
	// too: it only persists when recovery crashed before classifying, and
	// that needs an operator just the same.
	if resumed && (run.Status.Terminal() || run.Status == StatusFailed) && !opts.Force {
		s.logger.Info(ctx, "run already terminal, pass force to resume",
			zap.String("status", string(run.Status)),
		)
		return &RunResult{Run: run, Status: run.Status}, nil
	}

	// A RUNNING checkpoint left behind by a killed process gets
	// reclassified TIMEOUT once its age exceeds the wall-clock budget.
	// Merely stale but in-budget checkpoints resume normally.
	if resumed && run.Status == StatusRunning && s.now().Sub(run.LastCheckpointAt) > s.cfg.Timeout {
		s.logger.Warn(ctx, "reclassifying orphaned run as timed out",
			zap.Time("last_checkpoint_at", run.LastCheckpointAt),
			zap.Duration("budget", s.cfg.Timeout),
		)
		run.Status = StatusTimeout
		run.TerminalError = "orphaned checkpoint exceeded wall-clock budget"
		if err := s.saveCheckpoint(ctx, run); err != nil {
			return nil, err
		}
		return &RunResult{Run: run, Status: run.Status}, nil
	}

	if resumed {
		run.ResumeCount++
		s.logger.Info(ctx, "resuming run",
			zap.String("previous_status", string(run.Status)),
			zap.Int("resume_count", run.ResumeCount),
			zap.Int("step_count", run.StepCount),
		)
	} else {
		s.logger.Info(ctx, "starting run", zap.String("target_id", run.TargetID))
	}
	run.Status = StatusRunning
	if err := s.saveCheckpoint(ctx, run); err != nil {
		return nil, err
	}

	return s.runLoop(ctx, run)
}

// runLoop is the resumability contract: a checkpoint after every
// iteration means a crash loses at most the in-flight phase.
func (s *service) runLoop(ctx context.Context, run *WorkflowRun) (*RunResult, error) {
	for {
		// Budget checks happen only between iterations, never mid-phase.
		if s.now().Sub(run.StartedAt) >= s.cfg.Timeout {
			s.logger.Warn(ctx, "wall-clock budget exhausted",
				zap.Duration("budget", s.cfg.Timeout),
				zap.Int("step_count", run.StepCount),
			)
			run.Status = StatusTimeout
			break
		}
		if run.StepCount >= s.cfg.MaxSteps {
			s.logger.Warn(ctx, "step cap reached",
				zap.Int("max_steps", s.cfg.MaxSteps),
			)
			run.Status = StatusMaxSteps
			break
		}

		run.StepCount++

		decision, err := s.provider.DecideNext(ctx, run)
		if err != nil {
			return s.failRun(ctx, run, NewPhaseError("decide", SeverityError, err))
		}
		if decision == nil {
			s.logger.Info(ctx, "no action available, run complete",
				zap.Int("step_count", run.StepCount),
			)
			run.Status = StatusCompleted
			break
		}

		metricEntry := PhaseMetric{
			Phase:     decision.HandlerID,
			StartedAt: s.now(),
		}
		phaseErr := s.executePhase(ctx, decision, run)
		metricEntry.Duration = s.now().Sub(metricEntry.StartedAt)

		if phaseErr != nil {
			metricEntry.Status = PhaseFailed
			metricEntry.Error = phaseErr.Error()
			run.PhaseMetrics = append(run.PhaseMetrics, metricEntry)
			return s.failRun(ctx, run, phaseErr)
		}

		metricEntry.Status = PhaseCompleted
		run.PhaseMetrics = append(run.PhaseMetrics, metricEntry)

		if err := s.saveCheckpoint(ctx, run); err != nil {
			return nil, err
		}

		if s.cfg.PhaseDelay > 0 {
			time.Sleep(s.cfg.PhaseDelay)
		}
	}

	return s.finishRun(ctx, run)
}

// executePhase runs one handler under a span, converting panics into
// phase errors so a bad handler cannot take down the loop.
func (s *service) executePhase(ctx context.Context, decision *PhaseDecision, run *WorkflowRun) (err error) {
	ctx = logging.WithPhase(ctx, decision.HandlerID)
	ctx, span := s.tracer.Start(ctx, "engine.phase",
		trace.WithAttributes(
			attribute.String("phase", decision.HandlerID),
			attribute.Int("step", run.StepCount),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			err = NewPhaseError(decision.HandlerID, SeverityCritical, fmt.Errorf("panic: %v", r))
		}
	}()

	s.logger.Info(ctx, "executing phase", zap.Int("step", run.StepCount))
	if err := s.provider.ExecuteHandler(ctx, decision, run); err != nil {
		var pe *PhaseError
		if errors.As(err, &pe) {
			return err
		}
		return NewPhaseError(decision.HandlerID, SeverityError, err)
	}
	return nil
}

// failRun converts a phase failure into FAILED, persists it, then
// attempts recovery exactly once.
func (s *service) failRun(ctx context.Context, run *WorkflowRun, cause error) (*RunResult, error) {
	s.logger.Error(ctx, "phase failed", zap.Error(cause))
	run.Status = StatusFailed
	run.TerminalError = cause.Error()
	if err := s.saveCheckpoint(ctx, run); err != nil {
		return nil, err
	}

	recoveryStart := s.now()
	recoveryMetric := PhaseMetric{Phase: "recovery", StartedAt: recoveryStart}

	result, recErr := s.attemptRecovery(ctx, run, cause)
	recoveryMetric.Duration = s.now().Sub(recoveryStart)

	if recErr != nil || result == nil || !result.Recovered {
		run.Status = StatusRecoveryFailed
		switch {
		case recErr != nil:
			run.RecoveryError = recErr.Error()
		case result != nil:
			run.RecoveryError = result.Detail
		default:
			run.RecoveryError = "recovery handler returned no result"
		}
		recoveryMetric.Status = PhaseFailed
		recoveryMetric.Error = run.RecoveryError
		s.logger.Error(ctx, "recovery failed, operator attention required",
			zap.String("recovery_error", run.RecoveryError),
		)
	} else {
		run.Status = StatusRecovered
		recoveryMetric.Status = PhaseCompleted
		s.logger.Info(ctx, "run recovered", zap.String("detail", result.Detail))
	}

	run.PhaseMetrics = append(run.PhaseMetrics, recoveryMetric)
	return s.finishRun(ctx, run)
}

func (s *service) attemptRecovery(ctx context.Context, run *WorkflowRun, cause error) (*RecoveryResult, error) {
	if s.recovery == nil {
		return nil, errors.New("no recovery handler configured")
	}
	return s.recovery.AttemptRecovery(ctx, run, cause)
}

// finishRun persists the terminal checkpoint, or deletes it on COMPLETED.
func (s *service) finishRun(ctx context.Context, run *WorkflowRun) (*RunResult, error) {
	run.LastCheckpointAt = s.now()

	if run.Status == StatusCompleted {
		if err := s.store.Delete(ctx, s.checkpointKey(run.RunID)); err != nil {
			return nil, fmt.Errorf("failed to delete checkpoint for %s: %w", run.RunID, err)
		}
	} else {
		if err := s.saveCheckpoint(ctx, run); err != nil {
			return nil, err
		}
	}

	if s.runsFinished != nil {
		s.runsFinished.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", string(run.Status))))
	}
	s.logger.Info(ctx, "run finished",
		zap.String("status", string(run.Status)),
		zap.Int("step_count", run.StepCount),
		zap.Int("resume_count", run.ResumeCount),
	)

	return &RunResult{Run: run, Status: run.Status}, nil
}

func (s *service) GetStatus(ctx context.Context, runID string) (*WorkflowRun, error) {
	if err := validateRunID(runID); err != nil {
		return nil, err
	}

	data, err := s.store.Read(ctx, s.checkpointKey(runID))
	if err != nil {
		if errors.Is(err, contextstore.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, fmt.Errorf("failed to read checkpoint for %s: %w", runID, err)
	}

	var run WorkflowRun
	if err := json.Unmarshal(data, &run); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint for %s: %w", runID, err)
	}
	return &run, nil
}

func (s *service) ExecuteSinglePhase(ctx context.Context, handlerID, runID string) error {
	if handlerID == "" {
		return fmt.Errorf("handler ID is required")
	}
	if err := validateRunID(runID); err != nil {
		return err
	}

	ctx = logging.WithRunID(ctx, runID)

	run, err := s.GetStatus(ctx, runID)
	if errors.Is(err, ErrRunNotFound) {
		run = &WorkflowRun{RunID: runID, Status: StatusNew, StartedAt: s.now()}
	} else if err != nil {
		return err
	}

	s.logger.Info(ctx, "executing single phase", zap.String("phase", handlerID))
	return s.executePhase(ctx, &PhaseDecision{HandlerID: handlerID}, run)
}

func (s *service) loadOrCreate(ctx context.Context, runID, targetID string) (*WorkflowRun, bool, error) {
	run, err := s.GetStatus(ctx, runID)
	if err == nil {
		return run, true, nil
	}
	if !errors.Is(err, ErrRunNotFound) {
		return nil, false, err
	}

	now := s.now()
	return &WorkflowRun{
		RunID:     runID,
		TargetID:  targetID,
		Status:    StatusNew,
		StartedAt: now,
	}, false, nil
}

func (s *service) saveCheckpoint(ctx context.Context, run *WorkflowRun) error {
	run.LastCheckpointAt = s.now()

	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint for %s: %w", run.RunID, err)
	}

	if _, err := s.store.Write(ctx, s.checkpointKey(run.RunID), data); err != nil {
		return fmt.Errorf("failed to persist checkpoint for %s: %w", run.RunID, err)
	}

	if s.checkpointsSaved != nil {
		s.checkpointsSaved.Add(ctx, 1)
	}
	return nil
}

func (s *service) checkpointKey(runID string) string {
	return s.cfg.CheckpointPrefix + runID + ".json"
}

func validateRunID(runID string) error {
	if !runIDPattern.MatchString(runID) {
		return fmt.Errorf("invalid run ID %q: must match %s", runID, runIDPattern)
	}
	return nil
}
