package statelog

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/phased/internal/logging"
)

func testSignature() *object.Signature {
	return &object.Signature{
		Name:  "tester",
		Email: "tester@localhost",
		When:  time.Now(),
	}
}

func newTestLog(t *testing.T) (Log, *git.Repository, string) {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	l, err := New(repo, DefaultConfig(), logging.NewTestLogger().Logger)
	require.NoError(t, err)
	require.NoError(t, l.Init(context.Background()))
	return l, repo, dir
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "repository is required")

	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)

	_, err = New(repo, &Config{Ref: "not-under-refs"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refs/")
}

func TestInit_Idempotent(t *testing.T) {
	l, repo, _ := newTestLog(t)

	ref1, err := repo.Reference(plumbing.ReferenceName("refs/phased/state"), true)
	require.NoError(t, err)

	// Second init must not move the reference.
	require.NoError(t, l.Init(context.Background()))
	ref2, err := repo.Reference(plumbing.ReferenceName("refs/phased/state"), true)
	require.NoError(t, err)
	assert.Equal(t, ref1.Hash(), ref2.Hash())
}

func TestWriteRead_RoundTrip(t *testing.T) {
	l, _, _ := newTestLog(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		path    string
		content []byte
	}{
		{"simple", "runs/42.json", []byte(`{"status":"RUNNING"}`)},
		{"empty payload", "empty.bin", []byte{}},
		{"binary", "blob.bin", []byte{0x00, 0xff, 0x10, 0x00}},
		{"large payload", "large.bin", bytes.Repeat([]byte("デー0123456789abcdef"), 200_000)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hash, err := l.Write(ctx, tt.path, tt.content)
			require.NoError(t, err)
			assert.Len(t, hash, 40)

			got, err := l.Read(ctx, tt.path)
			require.NoError(t, err)
			assert.Equal(t, tt.content, got)
		})
	}
}

func TestRead_NotFound(t *testing.T) {
	l, _, _ := newTestLog(t)

	_, err := l.Read(context.Background(), "missing.json")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestWrite_OverwritePreservesHistory(t *testing.T) {
	l, _, _ := newTestLog(t)
	ctx := context.Background()

	_, err := l.Write(ctx, "runs/42.json", []byte("v1"))
	require.NoError(t, err)
	_, err = l.Write(ctx, "runs/42.json", []byte("v2"))
	require.NoError(t, err)
	_, err = l.Write(ctx, "other.json", []byte("x"))
	require.NoError(t, err)

	got, err := l.Read(ctx, "runs/42.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	versions, err := l.History(ctx, "runs/42.json", 0)
	require.NoError(t, err)
	require.Len(t, versions, 2, "one version per distinct value")
	// Newest first
	assert.NotEqual(t, versions[0].BlobHash, versions[1].BlobHash)
}

func TestHistory_Limit(t *testing.T) {
	l, _, _ := newTestLog(t)
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c", "d"} {
		_, err := l.Write(ctx, "key", []byte(v))
		require.NoError(t, err)
	}

	versions, err := l.History(ctx, "key", 2)
	require.NoError(t, err)
	assert.Len(t, versions, 2)
}

func TestList(t *testing.T) {
	l, _, _ := newTestLog(t)
	ctx := context.Background()

	_, err := l.Write(ctx, "runs/42.json", []byte("a"))
	require.NoError(t, err)
	_, err = l.Write(ctx, "runs/43.json", []byte("b"))
	require.NoError(t, err)
	_, err = l.Write(ctx, "breaker.json", []byte("c"))
	require.NoError(t, err)

	paths, err := l.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"breaker.json", "runs/42.json", "runs/43.json"}, paths)
}

func TestWrite_ValidatesPath(t *testing.T) {
	l, _, _ := newTestLog(t)
	ctx := context.Background()

	for _, path := range []string{"", "/abs", "trailing/", "a//b", "a/../b"} {
		_, err := l.Write(ctx, path, []byte("x"))
		require.Error(t, err, "path %q", path)
	}
}

// The log must never touch the primary working tree or index.
func TestWrite_WorkingTreeIsolation(t *testing.T) {
	l, repo, dir := newTestLog(t)
	ctx := context.Background()

	// Seed a real working tree file and commit on the primary branch.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.txt"), []byte("app"), 0644))
	wt, err := repo.Worktree()
	require.NoError(t, err)
	_, err = wt.Add("app.txt")
	require.NoError(t, err)
	head, err := wt.Commit("app commit", &git.CommitOptions{
		Author: testSignature(),
	})
	require.NoError(t, err)

	before := snapshotDir(t, dir)

	for i := 0; i < 5; i++ {
		_, err := l.Write(ctx, "runs/42.json", []byte{byte(i)})
		require.NoError(t, err)
	}

	after := snapshotDir(t, dir)
	assert.Equal(t, before, after, "working tree changed by state log writes")

	// HEAD still points at the primary branch commit.
	ref, err := repo.Head()
	require.NoError(t, err)
	assert.Equal(t, head, ref.Hash())
}

// snapshotDir maps relative path -> content for all files outside .git.
func snapshotDir(t *testing.T, dir string) map[string]string {
	t.Helper()
	snap := make(map[string]string)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == ".git" || strings.HasPrefix(rel, ".git"+string(filepath.Separator)) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if info.IsDir() {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		snap[rel] = string(content)
		return nil
	})
	require.NoError(t, err)
	return snap
}
