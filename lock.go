package clusterdb

import (
	"context"
	"errors"

	"github.com/maruel/clusterdb/internal/cluster"
)

// recordLock is held by a transaction on one record until it ends.
type recordLock[T any] struct {
	tx      *Tx
	hash    uint64
	prev    T
	existed bool
	done    chan struct{}
}

// acquire waits until no other transaction holds id. When tx is not nil, it
// then locks id for tx, remembering the current value on first touch.
//
// r.mu must be held. It is released while waiting, so callers must not keep
// cluster pointers across the call. It reports whether it waited.
func (r *Repository[T, K]) acquire(op string, tx *Tx, id K, h uint64) (bool, error) {
	waited := false
	for {
		l, ok := r.locks[id]
		if !ok {
			break
		}
		if l.tx == tx {
			return waited, nil
		}
		if tx != nil && tx.mode == NoWait {
			return waited, newError(CodeLockConflict, op, "record locked by another transaction").
				WithDetail("id", id).
				WithDetail("holder", l.tx.id.String())
		}
		ctx := context.Background()
		if tx != nil {
			ctx = tx.ctx
		}
		r.waitLog.Do(func() {
			r.log.Debug("waiting for record lock", "id", id, "holder", l.tx.id.String())
		})
		waited = true
		r.mu.Unlock()
		select {
		case <-l.done:
			r.mu.Lock()
		case <-ctx.Done():
			r.mu.Lock()
			return waited, newError(CodeLockConflict, op, "lock wait interrupted").WithDetail("id", id).Wrap(ctx.Err())
		}
		if err := r.checkWritable(op); err != nil {
			return waited, err
		}
	}
	if tx == nil {
		return waited, nil
	}
	if err := tx.enlist(op, r); err != nil {
		return waited, err
	}
	prev, existed, err := r.current(h, id)
	if err != nil {
		return waited, err
	}
	r.locks[id] = &recordLock[T]{tx: tx, hash: h, prev: prev, existed: existed, done: make(chan struct{})}
	return waited, nil
}

// acquireAll acquires every id before any of them is mutated.
//
// Without a transaction nothing is locked, so a pass that had to wait is
// repeated until every id is found free at once.
func (r *Repository[T, K]) acquireAll(op string, tx *Tx, ids []K, hashes []uint64) error {
	for {
		waited := false
		for i, id := range ids {
			w, err := r.acquire(op, tx, id, hashes[i])
			if err != nil {
				return err
			}
			waited = waited || w
		}
		if tx != nil || !waited {
			return nil
		}
	}
}

// current returns the stored value of id.
func (r *Repository[T, K]) current(h uint64, id K) (T, bool, error) {
	var zero T
	s := r.floor(h)
	if s == nil {
		return zero, false, nil
	}
	c, err := r.load(s)
	if err != nil {
		return zero, false, err
	}
	v, ok := c.Get(h, id)
	return v, ok, nil
}

// release ends tx's hold on this repository. On rollback every record is put
// back to the value it had when tx first touched it.
func (r *Repository[T, K]) release(tx *Tx, commit bool) error {
	op := "commit"
	if !commit {
		op = "rollback"
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var errs []error
	n := 0
	for id, l := range r.locks {
		if l.tx != tx {
			continue
		}
		delete(r.locks, id)
		if !commit {
			if err := r.restore(op, id, l); err != nil {
				errs = append(errs, err)
			}
		}
		close(l.done)
		n++
	}
	if err := r.pruneAll(op); err != nil {
		errs = append(errs, err)
	}
	r.evict(nil)
	r.log.Debug("locks released", "tx", tx.id.String(), "op", op, "records", n)
	return errors.Join(errs...)
}

func (r *Repository[T, K]) restore(op string, id K, l *recordLock[T]) error {
	s := r.floor(l.hash)
	if !l.existed {
		if s == nil {
			return nil
		}
		c, err := r.load(s)
		if err != nil {
			return err
		}
		c.Delete(l.hash, id)
		return nil
	}
	if s == nil {
		s = r.addSlot(cluster.New[T, K](l.hash))
	}
	c, err := r.load(s)
	if err != nil {
		return err
	}
	c.Set(l.hash, id, l.prev)
	r.rebalance(s)
	return nil
}

// committed returns the content of s as it is outside of open transactions,
// and whether any lock applies to s.
func (r *Repository[T, K]) committed(s *slot[T, K]) (*cluster.Cluster[T, K], bool) {
	view := s.c
	pinned := false
	for id, l := range r.locks {
		if r.floor(l.hash) != s {
			continue
		}
		if !pinned {
			view = s.c.Clone()
			pinned = true
		}
		if l.existed {
			view.Set(l.hash, id, l.prev)
		} else {
			view.Delete(l.hash, id)
		}
	}
	return view, pinned
}
