package clusterdb

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch follows changes made to the repository directory by other processes
// until ctx is done.
//
// A cluster file written externally replaces the clean in-memory copy, a new
// cluster file is added to the partition index and a removed one is dropped.
// Clusters with unflushed changes are left alone; the next Flush overwrites
// the external change.
func (r *Repository[T, K]) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return internalError("watch", err)
	}
	if err := w.Add(r.files.Dir()); err != nil {
		_ = w.Close()
		return internalError("watch", err)
	}
	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				r.external(event)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.log.Warn("error watching repository", "err", err)
			}
		}
	}()
	return nil
}

// fileState is a cluster file as Flush left it.
type fileState struct {
	gone bool
	size int64
	mod  time.Time
}

func (f fileState) matches(fi os.FileInfo, err error) bool {
	if err != nil {
		return f.gone && errors.Is(err, fs.ErrNotExist)
	}
	return !f.gone && f.size == fi.Size() && f.mod.Equal(fi.ModTime())
}

// remember records the state of a cluster file just written or removed by
// this repository, so the resulting events are not taken for external
// changes.
func (r *Repository[T, K]) remember(first uint64) {
	fi, err := os.Stat(r.files.Path(first))
	switch {
	case err == nil:
		r.written[first] = fileState{size: fi.Size(), mod: fi.ModTime()}
	case errors.Is(err, fs.ErrNotExist):
		r.written[first] = fileState{gone: true}
	default:
		delete(r.written, first)
	}
}

func (r *Repository[T, K]) external(event fsnotify.Event) {
	first, ok := r.files.Parse(event.Name)
	if !ok {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fi, err := os.Stat(r.files.Path(first))
	if st, ok := r.written[first]; ok {
		if st.matches(fi, err) {
			return
		}
		delete(r.written, first)
	}
	s, exists := r.slots.Get(&slot[T, K]{first: first})
	if errors.Is(err, fs.ErrNotExist) {
		if !exists || (s.c != nil && s.c.IsDirty()) || r.pinned(s) {
			return
		}
		r.slots.Delete(s)
		r.log.Info("cluster removed externally", "first", first)
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}
	if !exists {
		s = &slot[T, K]{first: first, count: -1}
		r.slots.ReplaceOrInsert(s)
		r.log.Info("cluster added externally", "first", first)
	} else {
		if s.c == nil || s.c.IsDirty() {
			s.count = -1
			return
		}
		s.c = nil
		s.count = -1
	}
	if r.opts.residency.preload() {
		if _, err := r.load(s); err != nil {
			r.log.Warn("failed to reload cluster", "first", first, "err", err)
		}
	}
}
