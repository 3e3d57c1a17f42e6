package statelog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/phased/internal/logging"
)

const instrumentationName = "github.com/fyrsmithlabs/phased/internal/statelog"

var (
	// ErrNotFound indicates the key does not exist at the reference tip.
	ErrNotFound = errors.New("statelog: key not found")

	// ErrConcurrentUpdate indicates the reference moved between reading the
	// tip and repointing it. The caller failed to hold the external lock.
	ErrConcurrentUpdate = errors.New("statelog: reference updated concurrently")
)

// Log is the append-only versioned key/value store.
type Log interface {
	// Init idempotently ensures the dedicated reference exists, creating an
	// empty-tree commit for it if absent.
	Init(ctx context.Context) error

	// Read returns the blob stored at path in the tree at the reference tip.
	// Returns ErrNotFound if the path does not exist at the tip.
	Read(ctx context.Context, path string) ([]byte, error)

	// Write appends a commit replacing the blob at path and atomically
	// repoints the reference. Returns the hex content hash of the new blob.
	Write(ctx context.Context, path string, content []byte) (string, error)

	// Remove appends a commit that drops path from the tip tree. Prior
	// versions stay reachable through History. Removing an absent path is
	// not an error.
	Remove(ctx context.Context, path string) error

	// List enumerates all paths present at the tip.
	List(ctx context.Context) ([]string, error)

	// History returns versions of path from newest to oldest, at most limit
	// entries (0 means no limit). A version is recorded for every commit in
	// which the blob at path differs from its parent.
	History(ctx context.Context, path string, limit int) ([]Version, error)
}

// Version identifies one historical value of a key.
type Version struct {
	CommitHash string    `json:"commit_hash"`
	BlobHash   string    `json:"blob_hash"`
	When       time.Time `json:"when"`
}

// Config configures the state log.
type Config struct {
	// Ref is the dedicated reference name (default: refs/phased/state).
	Ref string

	// AuthorName and AuthorEmail sign state commits.
	AuthorName  string
	AuthorEmail string
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Ref:         "refs/phased/state",
		AuthorName:  "phased",
		AuthorEmail: "phased@localhost",
	}
}

type service struct {
	repo   *git.Repository
	cfg    *Config
	logger *logging.Logger
	tracer trace.Tracer

	// now is replaceable in tests.
	now func() time.Time
}

// New creates a state log over an existing repository.
func New(repo *git.Repository, cfg *Config, logger *logging.Logger) (Log, error) {
	if repo == nil {
		return nil, errors.New("repository is required")
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Ref == "" {
		return nil, errors.New("reference name is required")
	}
	if !strings.HasPrefix(cfg.Ref, "refs/") {
		return nil, fmt.Errorf("reference %q must live under refs/", cfg.Ref)
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	return &service{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		tracer: otel.Tracer(instrumentationName),
		now:    time.Now,
	}, nil
}

// Open opens the repository at path and builds a state log over it.
func Open(path string, cfg *Config, logger *logging.Logger) (Log, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository at %s: %w", path, err)
	}
	return New(repo, cfg, logger)
}

func (l *service) refName() plumbing.ReferenceName {
	return plumbing.ReferenceName(l.cfg.Ref)
}

// Init idempotently ensures the dedicated reference exists.
func (l *service) Init(ctx context.Context) error {
	ctx, span := l.tracer.Start(ctx, "statelog.init")
	defer span.End()

	if _, err := l.repo.Reference(l.refName(), true); err == nil {
		return nil
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return fmt.Errorf("failed to resolve reference %s: %w", l.cfg.Ref, err)
	}

	treeHash, err := l.writeTree(nil)
	if err != nil {
		return fmt.Errorf("failed to write empty tree: %w", err)
	}

	commitHash, err := l.writeCommit(treeHash, plumbing.ZeroHash, "initialize state log")
	if err != nil {
		return fmt.Errorf("failed to write initial commit: %w", err)
	}

	ref := plumbing.NewHashReference(l.refName(), commitHash)
	if err := l.repo.Storer.SetReference(ref); err != nil {
		return fmt.Errorf("failed to create reference %s: %w", l.cfg.Ref, err)
	}

	l.logger.Info(ctx, "initialized state log",
		zap.String("ref", l.cfg.Ref),
		zap.String("commit", commitHash.String()),
	)
	span.SetAttributes(attribute.String("commit", commitHash.String()))
	return nil
}

// tip resolves the commit at the reference tip.
func (l *service) tip() (*object.Commit, error) {
	ref, err := l.repo.Reference(l.refName(), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, fmt.Errorf("state log not initialized (ref %s missing): %w", l.cfg.Ref, err)
		}
		return nil, fmt.Errorf("failed to resolve reference %s: %w", l.cfg.Ref, err)
	}
	commit, err := object.GetCommit(l.repo.Storer, ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to load tip commit %s: %w", ref.Hash(), err)
	}
	return commit, nil
}

// Read returns the blob stored at path at the reference tip.
func (l *service) Read(ctx context.Context, path string) ([]byte, error) {
	_, span := l.tracer.Start(ctx, "statelog.read",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	commit, err := l.tip()
	if err != nil {
		return nil, err
	}

	file, err := commit.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	r, err := file.Blob.Reader()
	if err != nil {
		return nil, fmt.Errorf("failed to open blob for %s: %w", path, err)
	}
	defer r.Close()

	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob for %s: %w", path, err)
	}
	return content, nil
}

// Write appends a new commit with the blob at path replaced.
func (l *service) Write(ctx context.Context, path string, content []byte) (string, error) {
	ctx, span := l.tracer.Start(ctx, "statelog.write",
		trace.WithAttributes(
			attribute.String("path", path),
			attribute.Int("bytes", len(content)),
		))
	defer span.End()

	if err := validatePath(path); err != nil {
		return "", err
	}

	parent, err := l.tip()
	if err != nil {
		return "", err
	}

	blobHash, err := l.writeBlob(content)
	if err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}

	// Snapshot the parent tree as path -> blob hash, then swap one entry.
	files, err := l.snapshot(parent)
	if err != nil {
		return "", err
	}
	files[path] = blobHash

	treeHash, err := l.writeTree(files)
	if err != nil {
		return "", fmt.Errorf("failed to write tree: %w", err)
	}

	commitHash, err := l.writeCommit(treeHash, parent.Hash, fmt.Sprintf("set %s", path))
	if err != nil {
		return "", fmt.Errorf("failed to write commit: %w", err)
	}

	// Atomic repoint: fails if the ref moved since we read the tip.
	oldRef := plumbing.NewHashReference(l.refName(), parent.Hash)
	newRef := plumbing.NewHashReference(l.refName(), commitHash)
	if err := l.repo.Storer.CheckAndSetReference(newRef, oldRef); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConcurrentUpdate, err)
	}

	l.logger.Debug(ctx, "appended state log entry",
		zap.String("path", path),
		zap.String("blob", blobHash.String()),
		zap.String("commit", commitHash.String()),
	)
	return blobHash.String(), nil
}

// Remove appends a commit without the blob at path.
func (l *service) Remove(ctx context.Context, path string) error {
	ctx, span := l.tracer.Start(ctx, "statelog.remove",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	if err := validatePath(path); err != nil {
		return err
	}

	parent, err := l.tip()
	if err != nil {
		return err
	}

	files, err := l.snapshot(parent)
	if err != nil {
		return err
	}
	if _, ok := files[path]; !ok {
		return nil
	}
	delete(files, path)

	treeHash, err := l.writeTree(files)
	if err != nil {
		return fmt.Errorf("failed to write tree: %w", err)
	}

	commitHash, err := l.writeCommit(treeHash, parent.Hash, fmt.Sprintf("remove %s", path))
	if err != nil {
		return fmt.Errorf("failed to write commit: %w", err)
	}

	oldRef := plumbing.NewHashReference(l.refName(), parent.Hash)
	newRef := plumbing.NewHashReference(l.refName(), commitHash)
	if err := l.repo.Storer.CheckAndSetReference(newRef, oldRef); err != nil {
		return fmt.Errorf("%w: %v", ErrConcurrentUpdate, err)
	}

	l.logger.Debug(ctx, "removed state log entry",
		zap.String("path", path),
		zap.String("commit", commitHash.String()),
	)
	return nil
}

// List enumerates all paths at the tip.
func (l *service) List(ctx context.Context) ([]string, error) {
	_, span := l.tracer.Start(ctx, "statelog.list")
	defer span.End()

	commit, err := l.tip()
	if err != nil {
		return nil, err
	}

	files, err := l.snapshot(commit)
	if err != nil {
		return nil, err
	}

	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

// History walks the linear parent chain recording versions of path.
func (l *service) History(ctx context.Context, path string, limit int) ([]Version, error) {
	_, span := l.tracer.Start(ctx, "statelog.history",
		trace.WithAttributes(attribute.String("path", path)))
	defer span.End()

	commit, err := l.tip()
	if err != nil {
		return nil, err
	}

	var versions []Version
	prevBlob := plumbing.ZeroHash

	// Collect oldest-to-newest by walking to the root first.
	var chain []*object.Commit
	for c := commit; c != nil; {
		chain = append(chain, c)
		if c.NumParents() == 0 {
			break
		}
		parent, err := c.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("failed to walk history: %w", err)
		}
		c = parent
	}

	for i := len(chain) - 1; i >= 0; i-- {
		c := chain[i]
		file, err := c.File(path)
		if err != nil {
			if errors.Is(err, object.ErrFileNotFound) {
				prevBlob = plumbing.ZeroHash
				continue
			}
			return nil, fmt.Errorf("failed to inspect %s at %s: %w", path, c.Hash, err)
		}
		if file.Blob.Hash != prevBlob {
			versions = append(versions, Version{
				CommitHash: c.Hash.String(),
				BlobHash:   file.Blob.Hash.String(),
				When:       c.Committer.When,
			})
			prevBlob = file.Blob.Hash
		}
	}

	// Newest first
	for i, j := 0, len(versions)-1; i < j; i, j = i+1, j-1 {
		versions[i], versions[j] = versions[j], versions[i]
	}
	if limit > 0 && len(versions) > limit {
		versions = versions[:limit]
	}
	return versions, nil
}

// snapshot flattens the commit's tree into path -> blob hash.
func (l *service) snapshot(commit *object.Commit) (map[string]plumbing.Hash, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree for %s: %w", commit.Hash, err)
	}

	files := make(map[string]plumbing.Hash)
	err = tree.Files().ForEach(func(f *object.File) error {
		files[f.Name] = f.Blob.Hash
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate tree: %w", err)
	}
	return files, nil
}

func (l *service) writeBlob(content []byte) (plumbing.Hash, error) {
	obj := l.repo.Storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return l.repo.Storer.SetEncodedObject(obj)
}

// writeTree builds nested tree objects from a flat path -> blob map and
// returns the root tree hash.
func (l *service) writeTree(files map[string]plumbing.Hash) (plumbing.Hash, error) {
	direct := make(map[string]plumbing.Hash)
	subdirs := make(map[string]map[string]plumbing.Hash)

	for path, hash := range files {
		if i := strings.IndexByte(path, '/'); i >= 0 {
			dir, rest := path[:i], path[i+1:]
			if subdirs[dir] == nil {
				subdirs[dir] = make(map[string]plumbing.Hash)
			}
			subdirs[dir][rest] = hash
		} else {
			direct[path] = hash
		}
	}

	entries := make([]object.TreeEntry, 0, len(direct)+len(subdirs))
	for name, hash := range direct {
		entries = append(entries, object.TreeEntry{
			Name: name,
			Mode: filemode.Regular,
			Hash: hash,
		})
	}
	for name, sub := range subdirs {
		subHash, err := l.writeTree(sub)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries = append(entries, object.TreeEntry{
			Name: name,
			Mode: filemode.Dir,
			Hash: subHash,
		})
	}

	// Git orders tree entries as if directory names had a trailing slash.
	sort.Slice(entries, func(i, j int) bool {
		return treeEntrySortKey(entries[i]) < treeEntrySortKey(entries[j])
	})

	tree := &object.Tree{Entries: entries}
	obj := l.repo.Storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return l.repo.Storer.SetEncodedObject(obj)
}

func treeEntrySortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}

func (l *service) writeCommit(tree, parent plumbing.Hash, message string) (plumbing.Hash, error) {
	sig := object.Signature{
		Name:  l.cfg.AuthorName,
		Email: l.cfg.AuthorEmail,
		When:  l.now(),
	}
	commit := &object.Commit{
		Author:    sig,
		Committer: sig,
		Message:   message,
		TreeHash:  tree,
	}
	if parent != plumbing.ZeroHash {
		commit.ParentHashes = []plumbing.Hash{parent}
	}

	obj := l.repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}
	return l.repo.Storer.SetEncodedObject(obj)
}

func validatePath(path string) error {
	if path == "" {
		return errors.New("statelog: path cannot be empty")
	}
	if strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return fmt.Errorf("statelog: path %q must not start or end with /", path)
	}
	for _, seg := range strings.Split(path, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("statelog: path %q contains invalid segment", path)
		}
	}
	return nil
}
