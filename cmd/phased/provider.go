package main

import (
	"context"
	"fmt"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/commit"
	"github.com/fyrsmithlabs/phased/internal/config"
	"github.com/fyrsmithlabs/phased/internal/contextstore"
	"github.com/fyrsmithlabs/phased/internal/engine"
	"github.com/fyrsmithlabs/phased/internal/logging"
	"github.com/fyrsmithlabs/phased/internal/tracker"
)

// phaseSpec pairs a phase handler with the persona its commits carry.
type phaseSpec struct {
	name    string
	persona string
}

// defaultPhases is the built-in pipeline. Each phase commits whatever
// the previous tooling left in the worktree, attributed to its persona.
var defaultPhases = []phaseSpec{
	{name: "analysis", persona: "ANALYST"},
	{name: "implementation", persona: "DEVELOPER"},
	{name: "review", persona: "REVIEWER"},
}

// pipelineProvider executes the built-in phases: stage pending work,
// commit it under the phase persona, verify the commit, and note
// progress on the tracked item when a tracker is configured.
type pipelineProvider struct {
	cfg     *config.Config
	store   contextstore.Store
	phases  []phaseSpec
	handler commit.Handler
	items   tracker.Client
	logger  *logging.Logger
}

func newPhaseProvider(cfg *config.Config, store contextstore.Store, logger *logging.Logger) engine.PhaseProvider {
	return &pipelineProvider{
		cfg:    cfg,
		store:  store,
		phases: defaultPhases,
		logger: logger,
	}
}

// init wires the commit handler and tracker lazily so that commands
// which never execute a phase (status) stay cheap.
func (p *pipelineProvider) init(ctx context.Context) error {
	if p.handler != nil {
		return nil
	}

	var err error
	p.handler, err = commit.Open(p.cfg.RepoPath, &commit.Config{
		AuthorName:  p.cfg.Commit.AuthorName,
		AuthorEmail: p.cfg.Commit.AuthorEmail,
		Retry: &commit.RetryConfig{
			MaxRetries:        p.cfg.Commit.MaxRetries,
			InitialBackoff:    p.cfg.Commit.InitialBackoff.Duration(),
			MaxBackoff:        p.cfg.Commit.MaxBackoff.Duration(),
			BackoffMultiplier: p.cfg.Commit.BackoffMultiplier,
		},
	}, p.store, p.logger)
	if err != nil {
		return err
	}

	if p.cfg.Tracker.Token.IsSet() {
		p.items, err = tracker.NewGitHub(ctx, &tracker.Config{
			Owner:             p.cfg.Tracker.Owner,
			Repo:              p.cfg.Tracker.Repo,
			Token:             p.cfg.Tracker.Token,
			RequestsPerSecond: p.cfg.Tracker.RequestsPerSecond,
		}, p.logger)
		if err != nil {
			return err
		}
	}

	return nil
}

func (p *pipelineProvider) DecideNext(ctx context.Context, run *engine.WorkflowRun) (*engine.PhaseDecision, error) {
	done := 0
	for _, m := range run.PhaseMetrics {
		if m.Status == engine.PhaseCompleted && m.Phase != "recovery" {
			done++
		}
	}
	if done >= len(p.phases) {
		return nil, nil
	}
	return &engine.PhaseDecision{HandlerID: p.phases[done].name}, nil
}

func (p *pipelineProvider) ExecuteHandler(ctx context.Context, decision *engine.PhaseDecision, run *engine.WorkflowRun) error {
	if err := p.init(ctx); err != nil {
		return err
	}

	spec, err := p.lookup(decision.HandlerID)
	if err != nil {
		return err
	}

	staged, err := p.handler.Prepare(ctx, nil)
	if err != nil {
		return err
	}
	if !staged {
		p.logger.Info(ctx, "no pending changes for phase",
			zap.String("phase", spec.name),
		)
		return nil
	}

	desc := fmt.Sprintf("%s output for item %s", spec.name, run.TargetID)
	rec, err := p.handler.Execute(ctx, spec.persona, run.StepCount, desc)
	if err != nil {
		return err
	}
	if rec.CommitID == "" {
		return nil
	}

	result, err := p.handler.Verify(ctx, rec.CommitID)
	if err != nil {
		return err
	}
	if !result.OK() {
		return fmt.Errorf("commit %s failed verification", rec.CommitID)
	}

	p.comment(ctx, run, fmt.Sprintf("phase %s committed %s", spec.name, rec.CommitID))
	return nil
}

func (p *pipelineProvider) lookup(handlerID string) (*phaseSpec, error) {
	for i := range p.phases {
		if p.phases[i].name == handlerID {
			return &p.phases[i], nil
		}
	}
	return nil, fmt.Errorf("unknown phase handler %q", handlerID)
}

// comment is best effort. Tracker hiccups never fail a phase.
func (p *pipelineProvider) comment(ctx context.Context, run *engine.WorkflowRun, body string) {
	if p.items == nil || run.TargetID == "" {
		return
	}
	number := 0
	if _, err := fmt.Sscanf(run.TargetID, "%d", &number); err != nil || number <= 0 {
		return
	}
	if err := p.items.Comment(ctx, number, body); err != nil {
		p.logger.Warn(ctx, "failed to comment on tracked item",
			zap.String("target_id", run.TargetID),
			zap.Error(err),
		)
	}
}

// workspaceRecovery decides whether a failed run left the repository in
// a state safe to rerun: a clean worktree recovers, anything dirty needs
// an operator.
type workspaceRecovery struct {
	cfg    *config.Config
	logger *logging.Logger
}

func newRecoveryHandler(cfg *config.Config, logger *logging.Logger) engine.RecoveryHandler {
	return &workspaceRecovery{cfg: cfg, logger: logger}
}

func (r *workspaceRecovery) AttemptRecovery(ctx context.Context, run *engine.WorkflowRun, cause error) (*engine.RecoveryResult, error) {
	clean, err := worktreeClean(r.cfg.RepoPath)
	if err != nil {
		return nil, err
	}
	if !clean {
		return &engine.RecoveryResult{
			Recovered: false,
			Detail:    "worktree has uncommitted changes from the failed phase",
		}, nil
	}
	r.logger.Info(ctx, "worktree clean after failure, run can be retried",
		zap.String("run_id", run.RunID),
	)
	return &engine.RecoveryResult{Recovered: true, Detail: "worktree clean, safe to rerun"}, nil
}

func worktreeClean(path string) (bool, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return false, fmt.Errorf("failed to open repository %s: %w", path, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to read worktree status: %w", err)
	}
	return status.IsClean(), nil
}
