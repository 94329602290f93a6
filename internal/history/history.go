// Package history records successive states of a data directory as git
// commits, using go-git (pure Go, no git binary dependency).
package history

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/format/index"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Commit is one recorded state.
type Commit struct {
	Hash    string
	Message string
	Author  string
	When    time.Time
}

// Repo is a git repository rooted at a data directory.
type Repo struct {
	dir   string
	name  string
	email string
	repo  *gogit.Repository
	mu    sync.Mutex
}

// Open opens the git repository in dir, initializing it if needed.
func Open(dir, name, email string) (*Repo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create repo directory: %w", err)
	}
	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		repo, err = gogit.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize git repo: %w", err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, fmt.Errorf("failed to read git config: %w", err)
		}
		cfg.User.Name = name
		cfg.User.Email = email
		if err := repo.SetConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to write git config: %w", err)
		}
	}
	// Temporary files only exist while a flush is in progress.
	ignore := filepath.Join(dir, ".gitignore")
	if _, err := os.Stat(ignore); errors.Is(err, fs.ErrNotExist) {
		if err := os.WriteFile(ignore, []byte("*.tmp\n"), 0o644); err != nil {
			return nil, fmt.Errorf("failed to write .gitignore: %w", err)
		}
	}
	return &Repo{dir: dir, name: name, email: email, repo: repo}, nil
}

// Dir returns the working directory.
func (r *Repo) Dir() string {
	return r.dir
}

// Commit stages files, given relative to the working directory, and commits
// them. Files that no longer exist are staged as removals. It reports whether
// a commit was created; nothing is committed when the staged state did not
// change.
func (r *Repo) Commit(msg string, files []string) (bool, error) {
	if len(files) == 0 {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	w, err := r.repo.Worktree()
	if err != nil {
		return false, fmt.Errorf("failed to get worktree: %w", err)
	}
	for _, f := range files {
		f = filepath.ToSlash(f)
		if _, err := os.Stat(filepath.Join(r.dir, filepath.FromSlash(f))); errors.Is(err, fs.ErrNotExist) {
			if _, err := w.Remove(f); err != nil && !errors.Is(err, index.ErrEntryNotFound) {
				return false, fmt.Errorf("failed to stage removal of %s: %w", f, err)
			}
			continue
		}
		if _, err := w.Add(f); err != nil {
			return false, fmt.Errorf("failed to stage %s: %w", f, err)
		}
	}
	status, err := w.Status()
	if err != nil {
		return false, fmt.Errorf("failed to get worktree status: %w", err)
	}
	if !hasStaged(status) {
		return false, nil
	}
	now := time.Now()
	sig := &object.Signature{Name: r.name, Email: r.email, When: now}
	if _, err = w.Commit(msg, &gogit.CommitOptions{Author: sig, Committer: sig}); err != nil {
		return false, fmt.Errorf("failed to commit: %w", err)
	}
	return true, nil
}

func hasStaged(s gogit.Status) bool {
	for _, st := range s {
		if st.Staging != gogit.Unmodified && st.Staging != gogit.Untracked {
			return true
		}
	}
	return false
}

// Log returns up to n commits touching path, newest first. path may name a
// file or a directory; an empty path returns every commit.
func (r *Repo) Log(path string, n int) ([]Commit, error) {
	if n <= 0 || n > 1000 {
		n = 1000
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	opts := &gogit.LogOptions{}
	if path != "" && path != "." {
		p := strings.TrimSuffix(filepath.ToSlash(path), "/")
		opts.PathFilter = func(name string) bool {
			return name == p || strings.HasPrefix(name, p+"/")
		}
	}
	iter, err := r.repo.Log(opts)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		// No commit yet.
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read log: %w", err)
	}
	defer iter.Close()

	var out []Commit
	for range n {
		c, err := iter.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read log: %w", err)
		}
		subject, _, _ := strings.Cut(c.Message, "\n")
		out = append(out, Commit{
			Hash:    c.Hash.String(),
			Message: subject,
			Author:  c.Author.Name,
			When:    c.Author.When,
		})
	}
	return out, nil
}
