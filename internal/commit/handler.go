package commit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/contextstore"
	"github.com/fyrsmithlabs/phased/internal/logging"
)

const breakerComponent = "commit"

var (
	// ErrNotOnHead indicates a failed commit is not at HEAD and cannot be
	// rolled back safely.
	ErrNotOnHead = errors.New("commit: failed commit is not at HEAD, manual intervention required")

	// ErrCircuitOpen indicates the commit breaker has tripped.
	ErrCircuitOpen = contextstore.ErrCircuitOpen
)

// CommitRecord describes a commit created by the handler.
type CommitRecord struct {
	CommitID  string              `json:"commitId"`
	Message   string              `json:"message"`
	Persona   string              `json:"persona,omitempty"`
	StepID    int                 `json:"stepId,omitempty"`
	Warnings  []ValidationWarning `json:"warnings,omitempty"`
	CreatedAt time.Time           `json:"createdAt"`
}

// VerifyResult reports the outcome of post-commit verification.
type VerifyResult struct {
	CommitID   string              `json:"commitId"`
	Exists     bool                `json:"exists"`
	OnHead     bool                `json:"onHead"`
	AncestorOf bool                `json:"ancestorOfHead"`
	Message    string              `json:"message,omitempty"`
	Author     string              `json:"author,omitempty"`
	Timestamp  time.Time           `json:"timestamp,omitempty"`
	Files      []string            `json:"files,omitempty"`
	Warnings   []ValidationWarning `json:"warnings,omitempty"`
	RolledBack bool                `json:"rolledBack,omitempty"`
}

// OK reports whether the verified commit is reachable from HEAD.
func (r *VerifyResult) OK() bool {
	return r.Exists && (r.OnHead || r.AncestorOf)
}

// Config configures the commit handler.
type Config struct {
	// AuthorName and AuthorEmail identify the committer.
	AuthorName  string
	AuthorEmail string

	// Retry bounds persist retries for transient errors.
	Retry *RetryConfig
}

// ApplyDefaults sets default values for unset fields.
func (c *Config) ApplyDefaults() {
	if c.AuthorName == "" {
		c.AuthorName = "phased"
	}
	if c.AuthorEmail == "" {
		c.AuthorEmail = "phased@localhost"
	}
	if c.Retry == nil {
		c.Retry = DefaultRetryConfig()
	}
	c.Retry.ApplyDefaults()
}

// Handler stages, commits, verifies, and rolls back work in the primary
// repository.
//
// Structural message validation is unconditionally enforced; there is no
// bypass. Semantic issues (unknown persona, step range, description
// length) never block a commit but are always recorded, on the returned
// CommitRecord.Warnings and in the log.
type Handler interface {
	// Prepare stages the given files, or everything when files is empty.
	// Returns false without error when nothing ends up staged.
	Prepare(ctx context.Context, files []string) (bool, error)

	// Execute formats and validates the message, then commits the staged
	// diff with bounded retries. Returns the empty string (not an error)
	// when nothing is staged.
	Execute(ctx context.Context, persona string, stepID int, description string) (*CommitRecord, error)

	// ExecuteMessage commits the staged diff with a pre-built message.
	ExecuteMessage(ctx context.Context, message string, stepID int) (*CommitRecord, error)

	// Verify checks that the commit exists and is reachable from HEAD.
	// A failed verification of the HEAD commit triggers a soft rollback.
	Verify(ctx context.Context, commitID string) (*VerifyResult, error)
}

type handler struct {
	repo   *git.Repository
	cfg    *Config
	store  contextstore.Store
	logger *logging.Logger
	tracer trace.Tracer

	commitsCreated metric.Int64Counter
	rollbacks      metric.Int64Counter

	now func() time.Time
}

// New creates a commit handler over an open repository. store is optional;
// when present it supplies circuit-breaker accounting for persist failures.
func New(repo *git.Repository, cfg *Config, store contextstore.Store, logger *logging.Logger) (Handler, error) {
	if repo == nil {
		return nil, fmt.Errorf("repository is required")
	}
	if cfg == nil {
		cfg = &Config{}
	}
	cfg.ApplyDefaults()
	if logger == nil {
		logger = logging.NewNop()
	}

	h := &handler{
		repo:   repo,
		cfg:    cfg,
		store:  store,
		logger: logger,
		tracer: otel.Tracer("phased.commit"),
		now:    time.Now,
	}
	h.initMetrics()

	return h, nil
}

// Open opens the repository at path and builds a handler over it.
func Open(path string, cfg *Config, store contextstore.Store, logger *logging.Logger) (Handler, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", path, err)
	}
	return New(repo, cfg, store, logger)
}

func (h *handler) initMetrics() {
	meter := otel.Meter("phased.commit")

	var err error
	h.commitsCreated, err = meter.Int64Counter("phased.commits.created",
		metric.WithDescription("Total commits created by the handler"))
	if err != nil {
		h.logger.Warn(context.Background(), "failed to create commit counter", zap.Error(err))
	}

	h.rollbacks, err = meter.Int64Counter("phased.commits.rollbacks",
		metric.WithDescription("Total soft rollbacks after failed verification"))
	if err != nil {
		h.logger.Warn(context.Background(), "failed to create rollback counter", zap.Error(err))
	}
}

func (h *handler) Prepare(ctx context.Context, files []string) (bool, error) {
	ctx, span := h.tracer.Start(ctx, "commit.Prepare")
	defer span.End()

	wt, err := h.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to open worktree: %w", err)
	}

	if len(files) == 0 {
		if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
			return false, fmt.Errorf("failed to stage all changes: %w", err)
		}
	} else {
		for _, f := range files {
			if _, err := wt.Add(f); err != nil {
				return false, fmt.Errorf("failed to stage %s: %w", f, err)
			}
		}
	}

	staged, err := h.hasStagedChanges(wt)
	if err != nil {
		return false, err
	}

	h.logger.Debug(ctx, "prepared staging area",
		zap.Int("requested_files", len(files)),
		zap.Bool("staged", staged),
	)

	return staged, nil
}

func (h *handler) Execute(ctx context.Context, persona string, stepID int, description string) (*CommitRecord, error) {
	return h.ExecuteMessage(ctx, FormatMessage(persona, stepID, description), stepID)
}

func (h *handler) ExecuteMessage(ctx context.Context, message string, stepID int) (*CommitRecord, error) {
	ctx, span := h.tracer.Start(ctx, "commit.Execute")
	defer span.End()

	if err := h.checkBreaker(ctx); err != nil {
		return nil, err
	}

	warnings, err := ValidateMessage(message, stepID)
	if err != nil {
		return nil, fmt.Errorf("invalid commit message: %w", err)
	}
	for _, w := range warnings {
		h.logger.Warn(ctx, "commit message validation warning",
			zap.String("field", w.Field),
			zap.String("detail", w.Detail),
		)
	}

	wt, err := h.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}

	staged, err := h.hasStagedChanges(wt)
	if err != nil {
		return nil, err
	}
	if !staged {
		h.logger.Info(ctx, "nothing staged, skipping commit")
		return &CommitRecord{Message: message, Warnings: warnings, CreatedAt: h.now()}, nil
	}

	var hash plumbing.Hash
	err = retryOperation(ctx, h.cfg.Retry, h.logger, "commit", func() error {
		var commitErr error
		hash, commitErr = wt.Commit(message, &git.CommitOptions{
			Author: &object.Signature{
				Name:  h.cfg.AuthorName,
				Email: h.cfg.AuthorEmail,
				When:  h.now(),
			},
		})
		return commitErr
	})
	if err != nil {
		h.recordFailure(ctx)
		return nil, fmt.Errorf("failed to create commit: %w", err)
	}

	h.resetFailure(ctx)
	if h.commitsCreated != nil {
		h.commitsCreated.Add(ctx, 1)
	}

	h.logger.Info(ctx, "created commit",
		zap.String("commit_id", hash.String()),
		zap.Int("warnings", len(warnings)),
	)

	return &CommitRecord{
		CommitID:  hash.String(),
		Message:   message,
		StepID:    stepID,
		Warnings:  warnings,
		CreatedAt: h.now(),
	}, nil
}

func (h *handler) Verify(ctx context.Context, commitID string) (*VerifyResult, error) {
	ctx, span := h.tracer.Start(ctx, "commit.Verify")
	defer span.End()

	if commitID == "" {
		return nil, fmt.Errorf("commit ID is required")
	}

	result := &VerifyResult{CommitID: commitID}
	hash := plumbing.NewHash(commitID)

	commit, err := h.repo.CommitObject(hash)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			h.logger.Warn(ctx, "commit does not exist", zap.String("commit_id", commitID))
			return result, nil
		}
		return nil, fmt.Errorf("failed to load commit %s: %w", commitID, err)
	}
	result.Exists = true
	result.Message = commit.Message
	result.Author = commit.Author.Name
	result.Timestamp = commit.Author.When
	if stats, err := commit.Stats(); err == nil {
		for _, fs := range stats {
			result.Files = append(result.Files, fs.Name)
		}
	}

	head, err := h.repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	result.OnHead = head.Hash() == hash

	if !result.OnHead {
		headCommit, err := h.repo.CommitObject(head.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to load HEAD commit: %w", err)
		}
		ancestor, err := commit.IsAncestor(headCommit)
		if err != nil {
			return nil, fmt.Errorf("failed to check ancestry of %s: %w", commitID, err)
		}
		result.AncestorOf = ancestor
	}

	line := firstLine(commit.Message)
	if _, step, _, err := ParseMessage(line); err != nil {
		result.Warnings = append(result.Warnings, ValidationWarning{
			Field:  "message",
			Detail: err.Error(),
		})
	} else if warnings, err := ValidateMessage(line, step); err == nil {
		result.Warnings = append(result.Warnings, warnings...)
	}
	for _, w := range result.Warnings {
		h.logger.Warn(ctx, "commit verification warning",
			zap.String("commit_id", commitID),
			zap.String("field", w.Field),
			zap.String("detail", w.Detail),
		)
	}

	if result.OK() {
		return result, nil
	}

	// Verification failed. A commit still at HEAD can be unwound without
	// touching anyone else's work; anything deeper needs a human.
	if !result.OnHead {
		h.logger.Error(ctx, "failed commit is not at HEAD, refusing rollback",
			zap.String("commit_id", commitID),
			zap.String("head", head.Hash().String()),
		)
		return result, ErrNotOnHead
	}

	if err := h.softRollback(ctx, commit); err != nil {
		return result, err
	}
	result.RolledBack = true

	return result, nil
}

// softRollback moves HEAD back to the commit's first parent, keeping the
// worktree and index intact.
func (h *handler) softRollback(ctx context.Context, commit *object.Commit) error {
	if commit.NumParents() == 0 {
		return fmt.Errorf("cannot roll back root commit %s", commit.Hash)
	}

	parent, err := commit.Parent(0)
	if err != nil {
		return fmt.Errorf("failed to load parent of %s: %w", commit.Hash, err)
	}

	wt, err := h.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to open worktree: %w", err)
	}

	if err := wt.Reset(&git.ResetOptions{
		Commit: parent.Hash,
		Mode:   git.SoftReset,
	}); err != nil {
		return fmt.Errorf("failed to roll back to %s: %w", parent.Hash, err)
	}

	if h.rollbacks != nil {
		h.rollbacks.Add(ctx, 1)
	}
	h.logger.Warn(ctx, "rolled back failed commit",
		zap.String("commit_id", commit.Hash.String()),
		zap.String("restored_head", parent.Hash.String()),
	)

	return nil
}

func (h *handler) hasStagedChanges(wt *git.Worktree) (bool, error) {
	status, err := wt.Status()
	if err != nil {
		return false, fmt.Errorf("failed to read worktree status: %w", err)
	}
	for _, fs := range status {
		if fs.Staging != git.Unmodified && fs.Staging != git.Untracked {
			return true, nil
		}
	}
	return false, nil
}

func (h *handler) checkBreaker(ctx context.Context) error {
	if h.store == nil {
		return nil
	}
	open, err := h.store.IsCircuitOpen(ctx, breakerComponent)
	if err != nil {
		h.logger.Warn(ctx, "failed to read breaker state", zap.Error(err))
		return nil
	}
	if open {
		return ErrCircuitOpen
	}
	return nil
}

func (h *handler) recordFailure(ctx context.Context) {
	if h.store == nil {
		return
	}
	if err := h.store.RecordFailure(ctx, breakerComponent); err != nil {
		h.logger.Warn(ctx, "failed to record breaker failure", zap.Error(err))
	}
}

func (h *handler) resetFailure(ctx context.Context) {
	if h.store == nil {
		return
	}
	if err := h.store.ResetFailure(ctx, breakerComponent); err != nil {
		h.logger.Warn(ctx, "failed to reset breaker state", zap.Error(err))
	}
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i]
		}
	}
	return s
}
