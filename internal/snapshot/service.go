// Package snapshot keeps a versioned history of each canvas as a small git
// repository on disk. Every snapshot commits the full object set to a
// linear main branch; named versions are git tags.
package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"easel/engine/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const snapshotFile = "objects.json"

// Info describes one snapshot in the history.
type Info struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureCanvasRepo initializes the snapshot repository for a canvas with an
// empty baseline. Calling it for an existing repository is a no-op.
func (s *Service) EnsureCanvasRepo(canvasID, author string) error {
	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(canvasID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	hash, err := s.writeAndCommit(repo, []store.Object{}, author, "Canvas baseline")
	if err != nil {
		return err
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitSnapshot records the full object set as a new snapshot on main.
func (s *Service) CommitSnapshot(canvasID string, objects []store.Object, author, message string) (Info, error) {
	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(canvasID))
	if err != nil {
		return Info{}, fmt.Errorf("open repo: %w", err)
	}

	hash, err := s.writeAndCommit(repo, objects, author, message)
	if err != nil {
		return Info{}, err
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Info{}, fmt.Errorf("read commit object: %w", err)
	}
	return toInfo(commitObj), nil
}

// Head returns the object set from the latest snapshot.
func (s *Service) Head(canvasID string) ([]store.Object, Info, error) {
	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(canvasID))
	if err != nil {
		return nil, Info{}, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, Info{}, fmt.Errorf("resolve main: %w", err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, Info{}, fmt.Errorf("load commit object: %w", err)
	}

	objects, err := readObjectsFromCommit(commitObj)
	if err != nil {
		return nil, Info{}, err
	}
	return objects, toInfo(commitObj), nil
}

// GetSnapshotByHash returns the object set from a specific snapshot. The
// hash may be abbreviated or a tag name.
func (s *Service) GetSnapshotByHash(canvasID, hash string) ([]store.Object, error) {
	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(canvasID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return nil, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readObjectsFromCommit(commitObj)
}

// History lists snapshots from newest to oldest. limit <= 0 means all.
func (s *Service) History(canvasID string, limit int) ([]Info, error) {
	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(canvasID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Info, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// TagVersion gives a snapshot a stable name.
func (s *Service) TagVersion(canvasID, hash, name string) error {
	lock := s.canvasLock(canvasID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(canvasID))
	if err != nil {
		return fmt.Errorf("open repo: %w", err)
	}
	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return err
	}

	_, err = repo.CreateTag(name, resolvedHash, &git.CreateTagOptions{
		Tagger: &object.Signature{
			Name:  "Easel",
			Email: "easel@localhost",
			When:  time.Now(),
		},
		Message: name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return fmt.Errorf("create tag: %w", err)
	}
	return nil
}

func (s *Service) repoPath(canvasID string) string {
	return filepath.Join(s.baseDir, canvasID)
}

func (s *Service) canvasLock(canvasID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[canvasID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[canvasID] = lock
	return lock
}

func (s *Service) writeAndCommit(repo *git.Repository, objects []store.Object, author, message string) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(objects, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal objects: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.easel.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

func readObjectsFromCommit(commitObj *object.Commit) ([]store.Object, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return nil, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return nil, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read snapshot bytes: %w", err)
	}

	var objects []store.Object
	if err := json.Unmarshal(raw, &objects); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return objects, nil
}

func toInfo(commitObj *object.Commit) Info {
	return Info{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}
