// Package cluster implements the in-memory shard of a repository.
//
// A Cluster holds records ordered by hash key, then by identifier, so that
// identifiers whose hash keys collide remain individually addressable. A
// Cluster is not safe for concurrent use; the owning repository serializes
// access to it.
package cluster

import (
	"github.com/google/btree"
)

// degree is the btree branching factor.
const degree = 32

// Key is the set of identifier types a record may use.
type Key interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64 | ~string
}

// Entry is one record stored in a cluster.
type Entry[T any, K Key] struct {
	Hash   uint64
	ID     K
	Record T
}

func less[T any, K Key](a, b Entry[T, K]) bool {
	if a.Hash != b.Hash {
		return a.Hash < b.Hash
	}
	return a.ID < b.ID
}

// Group is the set of records sharing one hash key, in identifier order.
type Group[T any] struct {
	Hash    uint64
	Records []T
}

// Cluster is an ordered shard of records.
type Cluster[T any, K Key] struct {
	first uint64
	tree  *btree.BTreeG[Entry[T, K]]
	dirty bool
}

// New returns an empty cluster registered under first.
func New[T any, K Key](first uint64) *Cluster[T, K] {
	return &Cluster[T, K]{
		first: first,
		tree:  btree.NewG[Entry[T, K]](degree, less[T, K]),
	}
}

// FirstKey returns the partition key the cluster is registered under.
//
// It is a lower bound of every hash key stored in the cluster.
func (c *Cluster[T, K]) FirstKey() uint64 {
	return c.first
}

// Get returns the record stored under (hash, id).
func (c *Cluster[T, K]) Get(hash uint64, id K) (T, bool) {
	e, ok := c.tree.Get(Entry[T, K]{Hash: hash, ID: id})
	return e.Record, ok
}

// Set inserts or overwrites the record stored under (hash, id).
func (c *Cluster[T, K]) Set(hash uint64, id K, rec T) {
	c.tree.ReplaceOrInsert(Entry[T, K]{Hash: hash, ID: id, Record: rec})
	c.dirty = true
}

// Delete removes the record stored under (hash, id) and returns it.
func (c *Cluster[T, K]) Delete(hash uint64, id K) (T, bool) {
	e, ok := c.tree.Delete(Entry[T, K]{Hash: hash, ID: id})
	if ok {
		c.dirty = true
	}
	return e.Record, ok
}

// Len returns the number of records.
func (c *Cluster[T, K]) Len() int {
	return c.tree.Len()
}

// IsEmpty reports whether the cluster holds no record.
func (c *Cluster[T, K]) IsEmpty() bool {
	return c.tree.Len() == 0
}

// IsDirty reports whether the cluster changed since it was last cleared.
func (c *Cluster[T, K]) IsDirty() bool {
	return c.dirty
}

// ClearDirty is called once the cluster content is safely on disk.
func (c *Cluster[T, K]) ClearDirty() {
	c.dirty = false
}

// Ascend calls fn for each entry in (hash, id) order until fn returns false.
func (c *Cluster[T, K]) Ascend(fn func(Entry[T, K]) bool) {
	c.tree.Ascend(fn)
}

// Entries returns every entry in (hash, id) order.
func (c *Cluster[T, K]) Entries() []Entry[T, K] {
	out := make([]Entry[T, K], 0, c.tree.Len())
	c.tree.Ascend(func(e Entry[T, K]) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Groups returns the records grouped by hash key, ascending.
func (c *Cluster[T, K]) Groups() []Group[T] {
	var out []Group[T]
	c.tree.Ascend(func(e Entry[T, K]) bool {
		if n := len(out); n == 0 || out[n-1].Hash != e.Hash {
			out = append(out, Group[T]{Hash: e.Hash})
		}
		g := &out[len(out)-1]
		g.Records = append(g.Records, e.Record)
		return true
	})
	return out
}

// Clone returns a copy sharing no mutable state with c. Records are copied
// by value.
func (c *Cluster[T, K]) Clone() *Cluster[T, K] {
	return &Cluster[T, K]{first: c.first, tree: c.tree.Clone(), dirty: c.dirty}
}

// Split moves the upper half of the entries into a new cluster and returns it.
//
// The cut never separates entries sharing a hash key, so the returned
// cluster's first key is strictly greater than every hash key left in c.
// Split returns nil when no such cut exists.
func (c *Cluster[T, K]) Split() *Cluster[T, K] {
	entries := c.Entries()
	n := len(entries)
	if n < 2 {
		return nil
	}
	cut := n / 2
	for cut < n && entries[cut].Hash == entries[cut-1].Hash {
		cut++
	}
	if cut == n {
		cut = n / 2
		for cut > 0 && entries[cut].Hash == entries[cut-1].Hash {
			cut--
		}
		if cut == 0 {
			return nil
		}
	}
	upper := New[T, K](entries[cut].Hash)
	for _, e := range entries[cut:] {
		c.tree.Delete(e)
		upper.tree.ReplaceOrInsert(e)
	}
	c.dirty = true
	upper.dirty = true
	return upper
}

// NeedSplit applies the split policy to a cluster holding size records, when
// the repository holds clusters clusters, given the per-file byte budget and
// the estimated size of one record.
//
// Below 1000 clusters the cluster is split as soon as its estimated byte size
// exceeds the budget. From 1000 clusters on, it is split when
// clusters*recordSize > maxBytes*(size/1000)², trading the number of files
// against the memory held by a single cluster.
func NeedSplit(clusters, size, maxBytes, recordSize int) bool {
	if clusters < 1000 {
		return size*recordSize > maxBytes
	}
	ratio := float64(size) / 1000
	return float64(clusters)*float64(recordSize) > float64(maxBytes)*ratio*ratio
}
