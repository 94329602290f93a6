package clusterdb

import (
	"cmp"
	"slices"

	"github.com/maruel/clusterdb/internal/cluster"
	"github.com/maruel/clusterdb/internal/clusterfile"
)

// Save stores rec and returns it, with its generated identifier if any.
//
// If another transaction holds the record, Save waits until it ends.
func (r *Repository[T, K]) Save(rec T) (T, error) {
	return r.save("save", nil, rec)
}

// SaveTx stores rec as part of tx.
func (r *Repository[T, K]) SaveTx(tx *Tx, rec T) (T, error) {
	return r.save("save", tx, rec)
}

// SaveAll stores every record and returns them, with their generated
// identifiers if any. When the same identifier appears more than once, the
// last record wins.
func (r *Repository[T, K]) SaveAll(recs []T) ([]T, error) {
	return r.saveAll("save all", nil, recs)
}

// SaveAllTx stores every record as part of tx.
func (r *Repository[T, K]) SaveAllTx(tx *Tx, recs []T) ([]T, error) {
	return r.saveAll("save all", tx, recs)
}

func (r *Repository[T, K]) save(op string, tx *Tx, rec T) (T, error) {
	if err := tx.check(op); err != nil {
		return rec, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWritable(op); err != nil {
		return rec, err
	}
	rec, id, err := r.assignID(op, rec)
	if err != nil {
		return rec, err
	}
	if err := r.validate(op, rec, id); err != nil {
		return rec, err
	}
	h := cluster.HashKey(id)
	if _, err := r.acquire(op, tx, id, h); err != nil {
		return rec, err
	}
	s := r.floor(h)
	if s == nil {
		s = r.addSlot(cluster.New[T, K](h))
		r.log.Debug("cluster created", "first", h)
	}
	c, err := r.load(s)
	if err != nil {
		return rec, err
	}
	c.Set(h, id, rec)
	r.rebalance(s)
	r.evict(nil)
	return rec, nil
}

type batchItem[K Key] struct {
	hash uint64
	id   K
	i    int
}

func (r *Repository[T, K]) saveAll(op string, tx *Tx, recs []T) ([]T, error) {
	if err := tx.check(op); err != nil {
		return recs, err
	}
	out := slices.Clone(recs)
	if len(out) == 0 {
		return out, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWritable(op); err != nil {
		return recs, err
	}
	items := make([]batchItem[K], len(out))
	for i := range out {
		rec, id, err := r.assignID(op, out[i])
		if err != nil {
			return recs, err
		}
		if err := r.validate(op, rec, id); err != nil {
			return recs, err
		}
		out[i] = rec
		items[i] = batchItem[K]{hash: cluster.HashKey(id), id: id, i: i}
	}
	// Descending (hash, id); duplicates keep their input order so the last
	// one is written last.
	slices.SortStableFunc(items, func(a, b batchItem[K]) int {
		if c := cmp.Compare(b.hash, a.hash); c != 0 {
			return c
		}
		return cmp.Compare(b.id, a.id)
	})
	ids := make([]K, len(items))
	hashes := make([]uint64, len(items))
	for i, it := range items {
		ids[i] = it.id
		hashes[i] = it.hash
	}
	if err := r.acquireAll(op, tx, ids, hashes); err != nil {
		return recs, err
	}

	var cur *slot[T, K]
	for n, it := range items {
		s := r.floor(it.hash)
		if s == nil {
			// Every remaining record sorts below the lowest cluster.
			r.bulk(items[n:], out)
			break
		}
		if s != cur {
			if cur != nil {
				r.rebalance(cur)
			}
			cur = s
		}
		c, err := r.load(s)
		if err != nil {
			return recs, err
		}
		c.Set(it.hash, it.id, out[it.i])
	}
	if cur != nil {
		r.rebalance(cur)
	}
	r.evict(nil)
	return out, nil
}

// bulk creates one cluster holding items, sorted by descending hash, then
// splits it as needed.
func (r *Repository[T, K]) bulk(items []batchItem[K], recs []T) {
	c := cluster.New[T, K](items[len(items)-1].hash)
	for _, it := range items {
		c.Set(it.hash, it.id, recs[it.i])
	}
	s := r.addSlot(c)
	r.log.Debug("cluster created", "first", s.first, "records", c.Len())
	r.rebalance(s)
}

// assignID gives rec the next sequence value when its identifier is zero and
// generation is enabled. Explicit identifiers push the sequence past them.
func (r *Repository[T, K]) assignID(op string, rec T) (T, K, error) {
	id := r.entity.ID(rec)
	if !r.entity.AutoGenerate {
		return rec, id, nil
	}
	if cluster.IsZero(id) {
		var ok bool
		if id, ok = cluster.KeyFromSequence[K](r.seq); !ok {
			return rec, id, configError(op, "identifier sequence exhausted").WithDetail("next", r.seq)
		}
		r.seq++
		r.seqDirty = true
		return r.entity.SetID(rec, id), id, nil
	}
	if n, ok := cluster.SequenceOf(id); ok && n >= r.seq {
		r.seq = n + 1
		r.seqDirty = true
	}
	return rec, id, nil
}

// validate rejects NaN identifiers, which have no order, and records whose
// encoded form cannot be stored on one line.
func (r *Repository[T, K]) validate(op string, rec T, id K) error {
	if cluster.IsNaN(id) {
		return configError(op, "identifier is NaN")
	}
	b, err := r.entity.Codec.Encode(rec)
	if err != nil {
		return internalError(op, err)
	}
	if err := clusterfile.ValidateRecord(b); err != nil {
		return configError(op, "record cannot be stored").Wrap(err)
	}
	return nil
}
