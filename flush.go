package clusterdb

import (
	"github.com/maruel/clusterdb/internal/cluster"
	"github.com/maruel/clusterdb/internal/clusterfile"
)

// Flush writes the sequence counter and every changed cluster to disk.
//
// Records held by open transactions are written with the value they had
// before the transaction. The first failure aborts the flush; clusters not yet
// written stay dirty and a later Flush retries them.
func (r *Repository[T, K]) Flush() error {
	r.mu.Lock()
	files, err := r.flushLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	return r.reg.record("flush "+r.entity.Name, files)
}

func (r *Repository[T, K]) flushLocked() ([]string, error) {
	const op = "flush"
	var written []string
	if r.entity.AutoGenerate && r.seqDirty {
		if err := r.files.WriteSequence(r.seq); err != nil {
			return nil, internalError(op, err)
		}
		r.seqDirty = false
		written = append(written, r.files.SequencePath())
	}
	var err error
	n := 0
	r.slots.Ascend(func(s *slot[T, K]) bool {
		if s.c == nil || !s.c.IsDirty() {
			return true
		}
		view, pinned := r.committed(s)
		if view.IsEmpty() {
			err = r.files.Remove(s.first)
		} else {
			var lines []clusterfile.Line
			if lines, err = r.encode(view); err == nil {
				err = r.files.Write(s.first, lines)
			}
		}
		if err != nil {
			return false
		}
		r.remember(s.first)
		written = append(written, r.files.Path(s.first))
		if !pinned {
			s.c.ClearDirty()
		}
		n++
		return true
	})
	if err != nil {
		return nil, internalError(op, err)
	}
	written = append(written, r.pending...)
	r.pending = nil
	r.evict(nil)
	if n != 0 {
		r.log.Debug("flushed", "clusters", n)
	}
	return written, nil
}

func (r *Repository[T, K]) encode(c *cluster.Cluster[T, K]) ([]clusterfile.Line, error) {
	groups := c.Groups()
	lines := make([]clusterfile.Line, len(groups))
	for i, g := range groups {
		lines[i].Hash = g.Hash
		lines[i].Records = make([][]byte, len(g.Records))
		for j, rec := range g.Records {
			b, err := r.entity.Codec.Encode(rec)
			if err != nil {
				return nil, err
			}
			lines[i].Records[j] = b
		}
	}
	return lines, nil
}
