package clusterdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/maruel/clusterdb/internal/history"
)

// Commit is one recorded flush, see WithHistory.
type Commit = history.Commit

// handle is the type-erased view of a Repository held by the registry.
type handle interface {
	flush() error
	block()
}

// Registry owns a root directory and the repositories opened in it.
//
// A process should create one Registry per root directory and Close it on
// shutdown.
type Registry struct {
	root string
	log  *slog.Logger
	hist *history.Repo

	mu     sync.Mutex
	repos  map[string]handle
	order  []string
	closed bool
}

// NewRegistry opens root, creating it if needed.
func NewRegistry(root string, opts ...RegistryOption) (*Registry, error) {
	var o registryOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, configError("registry", "invalid root directory").Wrap(err)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, configError("registry", "failed to create root directory").Wrap(err)
	}
	r := &Registry{
		root:  root,
		log:   o.logger,
		repos: map[string]handle{},
	}
	if o.history {
		h, err := history.Open(root, o.authorName, o.authorEmail)
		if err != nil {
			return nil, internalError("registry", err)
		}
		r.hist = h
	}
	return r, nil
}

// Root returns the root directory.
func (r *Registry) Root() string {
	return r.root
}

// Begin starts a transaction.
//
// ctx bounds lock waits in Wait mode; it does not end the transaction.
func (r *Registry) Begin(ctx context.Context, mode Mode) *Tx {
	return newTx(ctx, mode, r.log)
}

// Open returns the repository storing e, opening it on first use.
//
// Opening an entity name a second time returns the same Repository; the
// options are then ignored. Opening it with different record or identifier
// types is a configuration error.
func Open[T any, K Key](reg *Registry, e Entity[T, K], opts ...Option) (*Repository[T, K], error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.closed {
		return nil, newError(CodeBlocked, "open", "registry closed")
	}
	if h, ok := reg.repos[e.Name]; ok {
		repo, ok := h.(*Repository[T, K])
		if !ok {
			return nil, configError("open", "entity already opened with another type").
				WithDetail("name", e.Name).
				WithDetail("type", fmt.Sprintf("%T", h))
		}
		return repo, nil
	}
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	repo, err := newRepository(reg, e, o)
	if err != nil {
		return nil, err
	}
	reg.repos[e.Name] = repo
	reg.order = append(reg.order, e.Name)
	return repo, nil
}

// FlushAll flushes every open repository.
func (r *Registry) FlushAll() error {
	var errs []error
	for _, h := range r.handles() {
		if err := h.flush(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close blocks every repository against further writes and flushes them.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	for _, h := range r.handles() {
		h.block()
	}
	return r.FlushAll()
}

// History returns up to n commits touching path, relative to the root; an
// empty path returns every commit. It returns nil when history is disabled.
func (r *Registry) History(path string, n int) ([]Commit, error) {
	if r.hist == nil {
		return nil, nil
	}
	c, err := r.hist.Log(path, n)
	if err != nil {
		return nil, internalError("history", err)
	}
	return c, nil
}

func (r *Registry) handles() []handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]handle, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.repos[name])
	}
	return out
}

// record commits the given files, absolute or relative to the root, when
// history is enabled.
func (r *Registry) record(msg string, files []string) error {
	if r.hist == nil || len(files) == 0 {
		return nil
	}
	rel := make([]string, 0, len(files))
	for _, f := range files {
		if filepath.IsAbs(f) {
			var err error
			if f, err = filepath.Rel(r.root, f); err != nil {
				return internalError("history", err)
			}
		}
		rel = append(rel, f)
	}
	slices.Sort(rel)
	rel = slices.Compact(rel)
	ok, err := r.hist.Commit(msg, rel)
	if err != nil {
		return internalError("history", err)
	}
	if ok {
		r.log.Debug("history recorded", "msg", msg, "files", len(rel))
	}
	return nil
}
