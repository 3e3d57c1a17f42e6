package engine

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a workflow run. RUNNING is the only
// non-terminal state after the first checkpoint write.
type Status string

const (
	// StatusNew exists only before the first checkpoint write.
	StatusNew Status = "NEW"
	// StatusRunning is the only resumable state.
	StatusRunning Status = "RUNNING"
	// StatusCompleted is reached by normal completion-by-exhaustion.
	StatusCompleted Status = "COMPLETED"
	// StatusTimeout is reached when the wall-clock budget expires.
	StatusTimeout Status = "TIMEOUT"
	// StatusMaxSteps is reached when the step cap is hit.
	StatusMaxSteps Status = "MAX_STEPS"
	// StatusFailed records a phase failure before recovery is attempted.
	StatusFailed Status = "FAILED"
	// StatusRecovered means recovery succeeded after a phase failure.
	StatusRecovered Status = "RECOVERED"
	// StatusRecoveryFailed means recovery itself failed. Operator attention
	// is required.
	StatusRecoveryFailed Status = "RECOVERY_FAILED"
)

// Terminal reports whether the run can make no further progress on its own.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusTimeout, StatusMaxSteps, StatusRecovered, StatusRecoveryFailed:
		return true
	}
	return false
}

// Success reports whether the run ended well.
func (s Status) Success() bool {
	return s == StatusCompleted || s == StatusRecovered
}

// Phase outcome values recorded in PhaseMetric.Status.
const (
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
)

// PhaseMetric records one phase execution outcome.
type PhaseMetric struct {
	Phase     string        `json:"phase"`
	Status    string        `json:"status"`
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// WorkflowRun is the checkpoint document persisted once per run.
// It is removed only on COMPLETED and retained on every other terminal
// state for inspection.
type WorkflowRun struct {
	RunID            string        `json:"runId"`
	TargetID         string        `json:"targetId"`
	Status           Status        `json:"status"`
	StepCount        int           `json:"stepCount"`
	ResumeCount      int           `json:"resumeCount"`
	PhaseMetrics     []PhaseMetric `json:"phaseMetrics"`
	StartedAt        time.Time     `json:"startedAt"`
	LastCheckpointAt time.Time     `json:"lastCheckpointAt"`
	TerminalError    string        `json:"terminalError,omitempty"`
	RecoveryError    string        `json:"recoveryError,omitempty"`
}

// RunResult is the outcome of a StartOrResume call.
type RunResult struct {
	Run    *WorkflowRun
	Status Status
}

// Success reports whether the run ended in a successful terminal state.
func (r *RunResult) Success() bool {
	return r != nil && r.Status.Success()
}

// Severity classifies a phase error for logging and triage.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// PhaseError wraps an error escaping a phase handler with the phase it
// came from.
type PhaseError struct {
	Phase    string
	Severity Severity
	Err      error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s failed (%s): %v", e.Phase, e.Severity, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// NewPhaseError wraps err as a phase failure.
func NewPhaseError(phase string, severity Severity, err error) *PhaseError {
	return &PhaseError{Phase: phase, Severity: severity, Err: err}
}
