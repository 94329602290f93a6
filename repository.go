package clusterdb

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"
	"golang.org/x/time/rate"

	"github.com/maruel/clusterdb/internal/cluster"
	"github.com/maruel/clusterdb/internal/clusterfile"
	"github.com/maruel/clusterdb/internal/schema"
)

// slot is one entry of the partition index. c is nil while the cluster is not
// loaded.
type slot[T any, K Key] struct {
	first uint64
	c     *cluster.Cluster[T, K]
	// count is the number of records in the file of an evicted cluster, -1 when
	// unknown.
	count int
	used  atomic.Uint64
}

func slotLess[T any, K Key](a, b *slot[T, K]) bool {
	return a.first < b.first
}

// getter returns the cluster of a slot, loading it when allowed.
type getter[T any, K Key] func(s *slot[T, K]) (*cluster.Cluster[T, K], error)

var errNotResident = errors.New("cluster not resident")

// Stats is a snapshot of a repository's state.
type Stats struct {
	Clusters int
	Resident int
	Dirty    int
	// Records counts the records of resident clusters and of evicted clusters
	// whose size is known. Use Size for an exact count.
	Records  int
	Locks    int
	Sequence int64
	// Bytes is the size of the cluster files as last flushed.
	Bytes int64
}

// Repository stores records of type T identified by K.
//
// Records are partitioned into clusters by the hash key of their identifier.
// Each cluster is one file in the repository directory. Changes are kept in
// memory until Flush.
//
// All methods are safe for concurrent use.
type Repository[T any, K Key] struct {
	reg     *Registry
	entity  Entity[T, K]
	opts    options
	files   *clusterfile.Manipulator
	log     *slog.Logger
	waitLog rate.Sometimes

	mu       sync.RWMutex
	slots    *btree.BTreeG[*slot[T, K]]
	seq      int64
	seqDirty bool
	locks    map[K]*recordLock[T]
	pending  []string
	written  map[uint64]fileState
	blocked  bool
	clock    atomic.Uint64
}

func newRepository[T any, K Key](reg *Registry, e Entity[T, K], o options) (*Repository[T, K], error) {
	dir := filepath.Join(reg.root, e.Name)
	files, err := clusterfile.New(dir, o.ext)
	if err != nil {
		return nil, configError("open", "failed to create repository directory").Wrap(err)
	}
	r := &Repository[T, K]{
		reg:     reg,
		entity:  e,
		opts:    o,
		files:   files,
		log:     reg.log.With("entity", e.Name),
		waitLog: rate.Sometimes{First: 1, Interval: time.Second},
		slots:   btree.NewG[*slot[T, K]](8, slotLess[T, K]),
		locks:   map[K]*recordLock[T]{},
		written: map[uint64]fileState{},
	}
	schemaPath := filepath.Join(dir, schema.FileName)
	changed, err := schema.Ensure(schemaPath, schema.FromType[T](e.Name))
	if err != nil {
		return nil, configError("open", "incompatible repository layout").Wrap(err)
	}
	if changed {
		r.pending = append(r.pending, schemaPath)
	}
	firsts, err := files.List()
	if err != nil {
		return nil, internalError("open", err)
	}
	for _, first := range firsts {
		r.slots.ReplaceOrInsert(&slot[T, K]{first: first, count: -1})
	}
	if e.AutoGenerate {
		start := max(e.StartID, 1)
		n, ok, err := files.ReadSequence()
		if err != nil {
			return nil, internalError("open", err)
		}
		r.seq = max(n, start)
		r.seqDirty = !ok || n != r.seq
	}
	if o.residency.preload() {
		var err error
		r.slots.Ascend(func(s *slot[T, K]) bool {
			_, err = r.load(s)
			return err == nil
		})
		if err != nil {
			return nil, err
		}
	}
	r.log.Debug("repository opened", "dir", dir, "clusters", len(firsts), "sequence", r.seq)
	return r, nil
}

// Name returns the entity name.
func (r *Repository[T, K]) Name() string {
	return r.entity.Name
}

// Dir returns the directory holding the cluster files.
func (r *Repository[T, K]) Dir() string {
	return r.files.Dir()
}

// floor returns the slot whose first key is the greatest one <= h.
func (r *Repository[T, K]) floor(h uint64) *slot[T, K] {
	var out *slot[T, K]
	r.slots.DescendLessOrEqual(&slot[T, K]{first: h}, func(s *slot[T, K]) bool {
		out = s
		return false
	})
	return out
}

func (r *Repository[T, K]) touch(s *slot[T, K]) {
	s.used.Store(r.clock.Add(1))
}

func (r *Repository[T, K]) addSlot(c *cluster.Cluster[T, K]) *slot[T, K] {
	s := &slot[T, K]{first: c.FirstKey(), c: c, count: -1}
	r.touch(s)
	r.slots.ReplaceOrInsert(s)
	return s
}

// peek returns a resident cluster. Safe under the read lock.
func (r *Repository[T, K]) peek(s *slot[T, K]) (*cluster.Cluster[T, K], error) {
	if s.c == nil {
		return nil, errNotResident
	}
	r.touch(s)
	return s.c, nil
}

// load returns the cluster of s, reading it from its file if needed. Requires
// the write lock. Loading may evict other clusters, so a cluster must be
// mutated right after it is loaded.
func (r *Repository[T, K]) load(s *slot[T, K]) (*cluster.Cluster[T, K], error) {
	if s.c != nil {
		r.touch(s)
		return s.c, nil
	}
	lines, err := r.files.Read(s.first)
	if err != nil {
		return nil, internalError("load", err)
	}
	c := cluster.New[T, K](s.first)
	for _, l := range lines {
		for _, b := range l.Records {
			rec, err := r.entity.Codec.Decode(b)
			if err != nil {
				return nil, internalError("load", fmt.Errorf("%s: %w", r.files.Path(s.first), err))
			}
			id := r.entity.ID(rec)
			if h := cluster.HashKey(id); h != l.Hash {
				return nil, internalError("load", fmt.Errorf("%s: %w: record %v stored under hash %d, want %d", r.files.Path(s.first), clusterfile.ErrCorrupt, id, l.Hash, h))
			}
			c.Set(l.Hash, id, rec)
		}
	}
	c.ClearDirty()
	s.c = c
	s.count = -1
	r.touch(s)
	r.evict(s)
	return c, nil
}

// evict unloads the least recently used clean clusters beyond the residency
// limit, never keep.
func (r *Repository[T, K]) evict(keep *slot[T, K]) {
	limit := r.opts.residency.limit()
	if limit <= 0 {
		return
	}
	var resident, candidates []*slot[T, K]
	r.slots.Ascend(func(s *slot[T, K]) bool {
		if s.c != nil {
			resident = append(resident, s)
			if s != keep && !s.c.IsDirty() {
				candidates = append(candidates, s)
			}
		}
		return true
	})
	extra := len(resident) - limit
	if extra <= 0 || len(candidates) == 0 {
		return
	}
	slices.SortFunc(candidates, func(a, b *slot[T, K]) int {
		x, y := a.used.Load(), b.used.Load()
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		}
		return 0
	})
	for _, s := range candidates[:min(extra, len(candidates))] {
		s.count = s.c.Len()
		s.c = nil
	}
}

// view runs fn with resident clusters only under the read lock. If fn needs a
// cluster that is not resident, fn is run again under the write lock with
// loading allowed.
func (r *Repository[T, K]) view(fn func(get getter[T, K]) error) error {
	r.mu.RLock()
	err := fn(r.peek)
	r.mu.RUnlock()
	if !errors.Is(err, errNotResident) {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(r.load)
}

// rebalance applies the split policy to s after it grew.
//
// When the policy asks for a split, the cluster is split once, then any piece
// still over the byte budget is split again.
func (r *Repository[T, K]) rebalance(s *slot[T, K]) {
	if s.c == nil || !cluster.NeedSplit(r.slots.Len(), s.c.Len(), r.opts.maxClusterBytes, r.entity.RecordSize) {
		return
	}
	work := []*slot[T, K]{s}
	for first := true; len(work) > 0; first = false {
		p := work[len(work)-1]
		work = work[:len(work)-1]
		if !first && p.c.Len()*r.entity.RecordSize <= r.opts.maxClusterBytes {
			continue
		}
		upper := p.c.Split()
		if upper == nil {
			continue
		}
		ns := r.addSlot(upper)
		r.log.Debug("cluster split", "first", p.first, "new", ns.first, "lower", p.c.Len(), "upper", upper.Len())
		work = append(work, p, ns)
	}
}

// pinned reports whether an open transaction holds a lock on a record routed
// to s.
func (r *Repository[T, K]) pinned(s *slot[T, K]) bool {
	for _, l := range r.locks {
		if r.floor(l.hash) == s {
			return true
		}
	}
	return false
}

// prune removes s from the partition index and deletes its file when it holds
// no record.
func (r *Repository[T, K]) prune(op string, s *slot[T, K]) error {
	if s.c == nil || !s.c.IsEmpty() || r.pinned(s) {
		return nil
	}
	r.slots.Delete(s)
	r.pending = append(r.pending, r.files.Path(s.first))
	if err := r.files.Remove(s.first); err != nil {
		return internalError(op, err)
	}
	r.log.Debug("cluster removed", "first", s.first)
	return nil
}

func (r *Repository[T, K]) pruneAll(op string) error {
	var empty []*slot[T, K]
	r.slots.Ascend(func(s *slot[T, K]) bool {
		if s.c != nil && s.c.IsEmpty() {
			empty = append(empty, s)
		}
		return true
	})
	var errs []error
	for _, s := range empty {
		if err := r.prune(op, s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Size returns the number of records, reading the files of evicted clusters
// whose size is unknown.
func (r *Repository[T, K]) Size() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	var err error
	r.slots.Ascend(func(s *slot[T, K]) bool {
		switch {
		case s.c != nil:
			n += s.c.Len()
		case s.count >= 0:
			n += s.count
		default:
			var lines []clusterfile.Line
			if lines, err = r.files.Read(s.first); err != nil {
				return false
			}
			s.count = 0
			for _, l := range lines {
				s.count += len(l.Records)
			}
			n += s.count
		}
		return true
	})
	if err != nil {
		return 0, internalError("size", err)
	}
	return n, nil
}

// Stats returns a snapshot of the repository's state.
func (r *Repository[T, K]) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st := Stats{Clusters: r.slots.Len(), Locks: len(r.locks), Sequence: r.seq}
	r.slots.Ascend(func(s *slot[T, K]) bool {
		if s.c != nil {
			st.Resident++
			st.Records += s.c.Len()
			if s.c.IsDirty() {
				st.Dirty++
			}
		} else if s.count > 0 {
			st.Records += s.count
		}
		if n, err := r.files.Size(s.first); err == nil {
			st.Bytes += n
		}
		return true
	})
	return st
}

// Block rejects every further write with ErrBlocked until Unblock. Reads,
// Flush and the end of open transactions are still allowed.
func (r *Repository[T, K]) Block() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = true
}

// Unblock accepts writes again.
func (r *Repository[T, K]) Unblock() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.blocked = false
}

func (r *Repository[T, K]) checkWritable(op string) error {
	if r.blocked {
		return newError(CodeBlocked, op, "repository blocked").WithDetail("entity", r.entity.Name)
	}
	return nil
}

func (r *Repository[T, K]) block() {
	r.Block()
}

func (r *Repository[T, K]) flush() error {
	return r.Flush()
}
