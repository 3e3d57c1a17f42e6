package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phased/internal/config"
	"github.com/fyrsmithlabs/phased/internal/engine"
	"github.com/fyrsmithlabs/phased/internal/logging"
)

func TestDecideNextOrdering(t *testing.T) {
	p := &pipelineProvider{phases: defaultPhases, logger: logging.NewNop()}
	ctx := context.Background()
	run := &engine.WorkflowRun{RunID: "r"}

	d, err := p.DecideNext(ctx, run)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "analysis", d.HandlerID)

	run.PhaseMetrics = append(run.PhaseMetrics,
		engine.PhaseMetric{Phase: "analysis", Status: engine.PhaseCompleted})
	d, err = p.DecideNext(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, "implementation", d.HandlerID)

	// Recovery entries never count toward phase progress.
	run.PhaseMetrics = append(run.PhaseMetrics,
		engine.PhaseMetric{Phase: "implementation", Status: engine.PhaseCompleted},
		engine.PhaseMetric{Phase: "recovery", Status: engine.PhaseCompleted},
	)
	d, err = p.DecideNext(ctx, run)
	require.NoError(t, err)
	assert.Equal(t, "review", d.HandlerID)

	run.PhaseMetrics = append(run.PhaseMetrics,
		engine.PhaseMetric{Phase: "review", Status: engine.PhaseCompleted})
	d, err = p.DecideNext(ctx, run)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestWorkspaceRecovery(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("README.md")
	require.NoError(t, err)
	_, err = wt.Commit("[OPS] [STEP-001] initialize pipeline workspace", &git.CommitOptions{
		Author: &object.Signature{Name: "t", Email: "t@localhost", When: time.Now()},
	})
	require.NoError(t, err)

	cfg := &config.Config{RepoPath: dir}
	r := newRecoveryHandler(cfg, logging.NewNop())
	run := &engine.WorkflowRun{RunID: "r"}

	t.Run("clean worktree recovers", func(t *testing.T) {
		result, err := r.AttemptRecovery(ctx, run, assert.AnError)
		require.NoError(t, err)
		assert.True(t, result.Recovered)
	})

	t.Run("dirty worktree refuses", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "dirty.txt"), []byte("x\n"), 0o644))
		result, err := r.AttemptRecovery(ctx, run, assert.AnError)
		require.NoError(t, err)
		assert.False(t, result.Recovered)
		assert.Contains(t, result.Detail, "uncommitted")
	})
}
