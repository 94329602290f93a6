package clusterdb

import (
	"github.com/maruel/clusterdb/internal/cluster"
)

// DeleteByID removes the record stored under id and returns it.
//
// If another transaction holds the record, DeleteByID waits until it ends.
func (r *Repository[T, K]) DeleteByID(id K) (T, bool, error) {
	return r.delete("delete", nil, id)
}

// DeleteByIDTx removes the record stored under id as part of tx.
func (r *Repository[T, K]) DeleteByIDTx(tx *Tx, id K) (T, bool, error) {
	return r.delete("delete", tx, id)
}

// Delete removes the record with the identifier of rec.
func (r *Repository[T, K]) Delete(rec T) (T, bool, error) {
	return r.delete("delete", nil, r.entity.ID(rec))
}

// DeleteTx removes the record with the identifier of rec as part of tx.
func (r *Repository[T, K]) DeleteTx(tx *Tx, rec T) (T, bool, error) {
	return r.delete("delete", tx, r.entity.ID(rec))
}

func (r *Repository[T, K]) delete(op string, tx *Tx, id K) (T, bool, error) {
	var zero T
	if err := tx.check(op); err != nil {
		return zero, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWritable(op); err != nil {
		return zero, false, err
	}
	h := cluster.HashKey(id)
	if _, err := r.acquire(op, tx, id, h); err != nil {
		return zero, false, err
	}
	s := r.floor(h)
	if s == nil {
		return zero, false, nil
	}
	c, err := r.load(s)
	if err != nil {
		return zero, false, err
	}
	v, ok := c.Delete(h, id)
	if ok {
		if err := r.prune(op, s); err != nil {
			return v, true, err
		}
	}
	r.evict(nil)
	return v, ok, nil
}

// DeleteAll removes every record and cluster file. The sequence counter is
// kept. It fails with ErrLockConflict while a transaction holds a record.
func (r *Repository[T, K]) DeleteAll() error {
	const op = "delete all"
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.checkWritable(op); err != nil {
		return err
	}
	if len(r.locks) != 0 {
		return newError(CodeLockConflict, op, "records are locked by open transactions").WithDetail("locks", len(r.locks))
	}
	removed, err := r.files.RemoveAll()
	r.pending = append(r.pending, removed...)
	r.slots.Clear(false)
	if err != nil {
		return internalError(op, err)
	}
	r.log.Debug("repository cleared", "files", len(removed))
	return nil
}
