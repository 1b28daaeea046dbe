package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	defaultCommitAuthor = "classbook"
	defaultCommitEmail  = "classbook@localhost"
)

// GitRepoConfig configures a store backed by a local git repository.
type GitRepoConfig struct {
	Path   string
	Branch string
	Author string
	Clock  func() time.Time
}

// GitRepoStore keeps files in a local git repository; every write or delete
// is a commit on the configured branch. Version tokens are blob hashes at the
// branch head.
type GitRepoStore struct {
	repo   *git.Repository
	branch plumbing.ReferenceName
	author string
	clock  func() time.Time
	mu     sync.Mutex
}

// OpenGitRepoStore opens the repository at cfg.Path, initializing it when missing.
func OpenGitRepoStore(cfg GitRepoConfig) (*GitRepoStore, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("filestore: git repository path is required")
	}
	branch := strings.TrimSpace(cfg.Branch)
	if branch == "" {
		branch = defaultBranch
	}
	author := strings.TrimSpace(cfg.Author)
	if author == "" {
		author = defaultCommitAuthor
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	repo, err := git.PlainOpen(root)
	if errors.Is(err, git.ErrRepositoryNotExists) {
		if err := os.MkdirAll(root, 0o755); err != nil {
			return nil, fmt.Errorf("filestore: create repo dir: %w", err)
		}
		repo, err = git.PlainInit(root, false)
		if err != nil {
			return nil, fmt.Errorf("filestore: init repo: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("filestore: open repo: %w", err)
	}

	branchRef := plumbing.NewBranchReferenceName(branch)
	if _, err := repo.Reference(branchRef, true); errors.Is(err, plumbing.ErrReferenceNotFound) {
		head, headErr := repo.Head()
		if headErr == nil {
			if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, head.Hash())); err != nil {
				return nil, fmt.Errorf("filestore: create branch ref: %w", err)
			}
		}
	} else if err != nil {
		return nil, fmt.Errorf("filestore: resolve branch %s: %w", branch, err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, branchRef)); err != nil {
		return nil, fmt.Errorf("filestore: point HEAD at %s: %w", branch, err)
	}

	return &GitRepoStore{
		repo:   repo,
		branch: branchRef,
		author: author,
		clock:  clock,
	}, nil
}

// Read returns the file at path as of the branch head.
func (s *GitRepoStore) Read(ctx context.Context, path string) (File, error) {
	if err := ctx.Err(); err != nil {
		return File{}, err
	}
	cleaned, err := CleanPath(path)
	if err != nil {
		return File{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := s.headFile(cleaned)
	if err != nil {
		return File{}, fmt.Errorf("read %s: %w", cleaned, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return File{}, fmt.Errorf("read %s: open blob: %w", cleaned, err)
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		return File{}, fmt.Errorf("read %s: read blob: %w", cleaned, err)
	}
	return File{Path: cleaned, Content: content, Version: Version(file.Hash.String())}, nil
}

// Write commits content at path when version matches the head blob.
func (s *GitRepoStore) Write(ctx context.Context, path string, content []byte, version Version, message string) (Version, error) {
	if err := ctx.Err(); err != nil {
		return Absent, err
	}
	cleaned, err := CleanPath(path)
	if err != nil {
		return Absent, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.currentVersion(cleaned)
	if err != nil {
		return Absent, fmt.Errorf("write %s: %w", cleaned, err)
	}
	if err := checkPrecondition(cleaned, current, version); err != nil {
		return Absent, err
	}

	worktree, err := s.repo.Worktree()
	if err != nil {
		return Absent, fmt.Errorf("write %s: open worktree: %w", cleaned, err)
	}
	target := filepath.Join(worktree.Filesystem.Root(), filepath.FromSlash(cleaned))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return Absent, fmt.Errorf("write %s: create parent: %w", cleaned, err)
	}
	if err := os.WriteFile(target, content, 0o644); err != nil {
		return Absent, fmt.Errorf("write %s: %w", cleaned, err)
	}
	if _, err := worktree.Add(cleaned); err != nil {
		return Absent, fmt.Errorf("write %s: git add: %w", cleaned, err)
	}
	if err := s.commit(worktree, commitMessage(message, "update", cleaned)); err != nil {
		return Absent, fmt.Errorf("write %s: %w", cleaned, err)
	}

	next, err := s.currentVersion(cleaned)
	if err != nil {
		return Absent, fmt.Errorf("write %s: resolve new version: %w", cleaned, err)
	}
	return next, nil
}

// Delete commits the removal of path when version matches the head blob.
func (s *GitRepoStore) Delete(ctx context.Context, path string, version Version, message string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cleaned, err := CleanPath(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.currentVersion(cleaned)
	if err != nil {
		return fmt.Errorf("delete %s: %w", cleaned, err)
	}
	if current.IsAbsent() {
		return fmt.Errorf("delete %s: %w", cleaned, ErrNotFound)
	}
	if err := checkPrecondition(cleaned, current, version); err != nil {
		return err
	}

	worktree, err := s.repo.Worktree()
	if err != nil {
		return fmt.Errorf("delete %s: open worktree: %w", cleaned, err)
	}
	if _, err := worktree.Remove(cleaned); err != nil {
		return fmt.Errorf("delete %s: git rm: %w", cleaned, err)
	}
	if err := s.commit(worktree, commitMessage(message, "delete", cleaned)); err != nil {
		return fmt.Errorf("delete %s: %w", cleaned, err)
	}
	return nil
}

func (s *GitRepoStore) commit(worktree *git.Worktree, message string) error {
	_, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  s.author,
			Email: defaultCommitEmail,
			When:  s.clock(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// headFile resolves path in the branch head tree. An unborn branch has no files.
func (s *GitRepoStore) headFile(path string) (*object.File, error) {
	ref, err := s.repo.Reference(s.branch, true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch: %w", err)
	}
	commit, err := s.repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load head commit: %w", err)
	}
	file, err := commit.File(path)
	if errors.Is(err, object.ErrFileNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup file: %w", err)
	}
	return file, nil
}

func (s *GitRepoStore) currentVersion(path string) (Version, error) {
	file, err := s.headFile(path)
	if errors.Is(err, ErrNotFound) {
		return Absent, nil
	}
	if err != nil {
		return Absent, err
	}
	return Version(file.Hash.String()), nil
}
