package clusterfile

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
)

// DefaultExt is the extension of cluster and sequence files.
const DefaultExt = ".cls"

const (
	clusterPrefix = "cluster-"
	sequenceName  = "_sequence"
)

// Manipulator maps cluster first keys to files inside one directory.
type Manipulator struct {
	dir string
	ext string
}

// New returns a Manipulator over dir, creating it if needed.
func New(dir, ext string) (*Manipulator, error) {
	if ext == "" {
		ext = DefaultExt
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	return &Manipulator{dir: dir, ext: ext}, nil
}

// Dir returns the directory holding the files.
func (m *Manipulator) Dir() string {
	return m.dir
}

// Path returns the file holding the cluster registered under first.
func (m *Manipulator) Path(first uint64) string {
	return filepath.Join(m.dir, fmt.Sprintf("%s%016x%s", clusterPrefix, first, m.ext))
}

// SequencePath returns the file holding the sequence counter.
func (m *Manipulator) SequencePath() string {
	return filepath.Join(m.dir, sequenceName+m.ext)
}

// Parse returns the first key encoded in a cluster file name. Only the base
// name is considered.
func (m *Manipulator) Parse(name string) (uint64, bool) {
	name = filepath.Base(name)
	rest, ok := strings.CutPrefix(name, clusterPrefix)
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, m.ext)
	if !ok || len(rest) != 16 {
		return 0, false
	}
	first, err := strconv.ParseUint(rest, 16, 64)
	if err != nil {
		return 0, false
	}
	return first, true
}

// List returns the first key of every cluster file, ascending.
func (m *Manipulator) List() ([]uint64, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", m.dir, err)
	}
	var out []uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if first, ok := m.Parse(e.Name()); ok {
			out = append(out, first)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Read returns the content of a cluster file. A missing file reads as empty.
func (m *Manipulator) Read(first uint64) ([]Line, error) {
	p := m.Path(first)
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open cluster file %s: %w", p, err)
	}
	defer func() {
		_ = f.Close()
	}()
	lines, err := Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read cluster file %s: %w", p, err)
	}
	return lines, nil
}

// Write replaces the content of a cluster file.
//
// The content is written to a temporary file in the same directory and renamed
// over the previous file, which stays intact on failure.
func (m *Manipulator) Write(first uint64, lines []Line) error {
	p := m.Path(first)
	err := m.replace(p, func(w *bufio.Writer) error {
		return Encode(w, lines)
	})
	if err != nil {
		return fmt.Errorf("failed to write cluster file %s: %w", p, err)
	}
	return nil
}

// Remove deletes a cluster file. A missing file is not an error.
func (m *Manipulator) Remove(first uint64) error {
	if err := os.Remove(m.Path(first)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove cluster file: %w", err)
	}
	return nil
}

// RemoveAll deletes every cluster file and returns their paths. The sequence
// file is kept.
func (m *Manipulator) RemoveAll() ([]string, error) {
	firsts, err := m.List()
	if err != nil {
		return nil, err
	}
	var errs []error
	removed := make([]string, 0, len(firsts))
	for _, first := range firsts {
		if err := m.Remove(first); err != nil {
			errs = append(errs, err)
			continue
		}
		removed = append(removed, m.Path(first))
	}
	return removed, errors.Join(errs...)
}

// Size returns the size in bytes of a cluster file, 0 if it does not exist.
func (m *Manipulator) Size(first uint64) (int64, error) {
	fi, err := os.Stat(m.Path(first))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	return fi.Size(), nil
}

// ReadSequence returns the persisted sequence counter, if any.
func (m *Manipulator) ReadSequence() (int64, bool, error) {
	b, err := os.ReadFile(m.SequencePath())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to read sequence: %w", err)
	}
	if len(b) != 8 {
		return 0, false, fmt.Errorf("%w: sequence file holds %d bytes", ErrCorrupt, len(b))
	}
	return int64(binary.BigEndian.Uint64(b)), true, nil
}

// WriteSequence persists the sequence counter.
func (m *Manipulator) WriteSequence(n int64) error {
	err := m.replace(m.SequencePath(), func(w *bufio.Writer) error {
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(n))
		_, err := w.Write(b[:])
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to write sequence: %w", err)
	}
	return nil
}

func (m *Manipulator) replace(p string, fill func(w *bufio.Writer) error) error {
	f, err := os.CreateTemp(m.dir, ".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	w := bufio.NewWriter(f)
	if err := fill(w); err != nil {
		return errors.Join(err, f.Close(), os.Remove(tmp))
	}
	if err := w.Flush(); err != nil {
		return errors.Join(err, f.Close(), os.Remove(tmp))
	}
	if err := f.Sync(); err != nil {
		return errors.Join(err, f.Close(), os.Remove(tmp))
	}
	if err := f.Close(); err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	if err := os.Rename(tmp, p); err != nil {
		return errors.Join(err, os.Remove(tmp))
	}
	return nil
}
