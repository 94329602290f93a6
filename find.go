package clusterdb

import (
	"errors"

	"github.com/maruel/clusterdb/condition"
	"github.com/maruel/clusterdb/internal/cluster"
)

// FindByID returns the record stored under id.
func (r *Repository[T, K]) FindByID(id K) (T, bool, error) {
	return r.findByID(nil, id)
}

// FindByIDTx returns the record stored under id, as seen by tx.
func (r *Repository[T, K]) FindByIDTx(tx *Tx, id K) (T, bool, error) {
	return r.findByID(tx, id)
}

// FindAll returns every record, in storage order.
func (r *Repository[T, K]) FindAll() ([]T, error) {
	return r.scan("find all", nil, nil, 0, -1)
}

// FindAllTx returns every record, as seen by tx.
func (r *Repository[T, K]) FindAllTx(tx *Tx) ([]T, error) {
	return r.scan("find all", tx, nil, 0, -1)
}

// FindPage returns up to count records after skipping start records, in
// storage order.
func (r *Repository[T, K]) FindPage(start, count int) ([]T, error) {
	return r.page("find page", nil, nil, start, count)
}

// FindPageTx is FindPage as seen by tx.
func (r *Repository[T, K]) FindPageTx(tx *Tx, start, count int) ([]T, error) {
	return r.page("find page", tx, nil, start, count)
}

// FindWhere returns every record satisfying c.
func (r *Repository[T, K]) FindWhere(c condition.Condition[T]) ([]T, error) {
	return r.scan("find where", nil, c, 0, -1)
}

// FindWhereTx is FindWhere as seen by tx.
func (r *Repository[T, K]) FindWhereTx(tx *Tx, c condition.Condition[T]) ([]T, error) {
	return r.scan("find where", tx, c, 0, -1)
}

// FindPageWhere returns up to count records satisfying c after skipping the
// first start matches.
func (r *Repository[T, K]) FindPageWhere(c condition.Condition[T], start, count int) ([]T, error) {
	return r.page("find page where", nil, c, start, count)
}

// FindPageWhereTx is FindPageWhere as seen by tx.
func (r *Repository[T, K]) FindPageWhereTx(tx *Tx, c condition.Condition[T], start, count int) ([]T, error) {
	return r.page("find page where", tx, c, start, count)
}

func (r *Repository[T, K]) findByID(tx *Tx, id K) (T, bool, error) {
	var zero T
	if err := tx.check("find"); err != nil {
		return zero, false, err
	}
	h := cluster.HashKey(id)
	var out T
	var found bool
	err := r.view(func(get getter[T, K]) error {
		s := r.floor(h)
		if s == nil {
			return nil
		}
		c, err := get(s)
		if err != nil {
			return err
		}
		out, found = c.Get(h, id)
		return nil
	})
	if err != nil {
		return zero, false, err
	}
	return out, found, nil
}

func (r *Repository[T, K]) page(op string, tx *Tx, c condition.Condition[T], start, count int) ([]T, error) {
	if start < 0 || count < 0 {
		return nil, configError(op, "negative pagination bound").
			WithDetail("start", start).
			WithDetail("count", count)
	}
	if count == 0 {
		if err := tx.check(op); err != nil {
			return nil, err
		}
		return []T{}, nil
	}
	return r.scan(op, tx, c, start, count)
}

// scan walks the clusters in ascending first key order. Records rejected by c
// do not count toward start. A negative count means no limit.
func (r *Repository[T, K]) scan(op string, tx *Tx, c condition.Condition[T], start, count int) ([]T, error) {
	if err := tx.check(op); err != nil {
		return nil, err
	}
	var out []T
	err := r.view(func(get getter[T, K]) error {
		out = []T{}
		skip := start
		var err error
		r.slots.Ascend(func(s *slot[T, K]) bool {
			var cl *cluster.Cluster[T, K]
			if cl, err = get(s); err != nil {
				return false
			}
			full := false
			cl.Ascend(func(e cluster.Entry[T, K]) bool {
				if c != nil {
					var ok bool
					if ok, err = c.Fits(e.Record); err != nil || !ok {
						return err == nil
					}
				}
				if skip > 0 {
					skip--
					return true
				}
				out = append(out, e.Record)
				full = count >= 0 && len(out) >= count
				return !full
			})
			return err == nil && !full
		})
		return err
	})
	if err != nil {
		if errors.Is(err, condition.ErrUnknownField) {
			return nil, configError(op, "invalid condition").Wrap(err)
		}
		var e *Error
		if !errors.As(err, &e) {
			return nil, internalError(op, err)
		}
		return nil, err
	}
	return out, nil
}
