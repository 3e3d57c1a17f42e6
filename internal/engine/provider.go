package engine

import "context"

// PhaseDecision instructs the engine which handler to execute next.
type PhaseDecision struct {
	// HandlerID names the phase handler to invoke.
	HandlerID string
	// Params carries handler-specific instructions.
	Params map[string]string
}

// PhaseProvider supplies the decision function and phase handlers for a
// run. Implementations live outside the engine; the engine only drives
// the loop.
type PhaseProvider interface {
	// DecideNext inspects the current run state and returns the next
	// phase to execute, or nil when no action is available. A nil
	// decision is normal completion, not an error.
	DecideNext(ctx context.Context, run *WorkflowRun) (*PhaseDecision, error)

	// ExecuteHandler runs the indicated phase. Transient errors are the
	// handler's own responsibility to classify and retry; any error that
	// escapes is terminal for the run attempt.
	ExecuteHandler(ctx context.Context, decision *PhaseDecision, run *WorkflowRun) error
}

// RecoveryResult reports one recovery attempt.
type RecoveryResult struct {
	Recovered bool
	Detail    string
}

// RecoveryHandler is invoked at most once after a phase failure. It must
// be idempotent; the engine imposes no timeout of its own on the call.
type RecoveryHandler interface {
	AttemptRecovery(ctx context.Context, run *WorkflowRun, cause error) (*RecoveryResult, error)
}
