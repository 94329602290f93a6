// Package clusterfile reads and writes the on-disk form of a cluster.
//
// A cluster file holds one line per hash key, in ascending hash order:
//
//	<hash>:<record>#<record>#...
//
// Records sharing a hash key are joined with '#'. Records are opaque encoded
// text; a '#' nested inside braces, brackets or a JSON string literal is part
// of the record, not a separator.
package clusterfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
)

// ErrCorrupt is returned when a line does not follow the cluster file format.
var ErrCorrupt = errors.New("corrupt cluster line")

// ErrInvalidRecord is returned when an encoded record cannot be stored
// unambiguously on a line.
var ErrInvalidRecord = errors.New("record cannot be stored in a cluster file")

// Line is the content of one hash key.
type Line struct {
	Hash    uint64
	Records [][]byte
}

// Encode writes lines in ascending hash order.
func Encode(w io.Writer, lines []Line) error {
	sorted := slices.IsSortedFunc(lines, compareLines)
	if !sorted {
		lines = slices.Clone(lines)
		slices.SortStableFunc(lines, compareLines)
	}
	bw := bufio.NewWriter(w)
	var num [20]byte
	for _, l := range lines {
		if len(l.Records) == 0 {
			continue
		}
		if _, err := bw.Write(strconv.AppendUint(num[:0], l.Hash, 10)); err != nil {
			return err
		}
		if err := bw.WriteByte(':'); err != nil {
			return err
		}
		for i, rec := range l.Records {
			if err := ValidateRecord(rec); err != nil {
				return fmt.Errorf("hash %d: %w", l.Hash, err)
			}
			if i != 0 {
				if err := bw.WriteByte('#'); err != nil {
					return err
				}
			}
			if _, err := bw.Write(rec); err != nil {
				return err
			}
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// Decode parses a cluster file. The returned lines are sorted by hash and a
// hash key appearing on more than one line has its records merged.
func Decode(r io.Reader) ([]Line, error) {
	br := bufio.NewReader(r)
	var lines []Line
	for n := 1; ; n++ {
		raw, err := br.ReadBytes('\n')
		if len(raw) != 0 {
			raw = bytes.TrimRight(raw, "\r\n")
			if len(raw) != 0 {
				l, err2 := parseLine(raw)
				if err2 != nil {
					return nil, fmt.Errorf("line %d: %w", n, err2)
				}
				lines = append(lines, l)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}
	if !slices.IsSortedFunc(lines, compareLines) {
		slices.SortStableFunc(lines, compareLines)
	}
	return mergeLines(lines), nil
}

func parseLine(raw []byte) (Line, error) {
	i := bytes.IndexByte(raw, ':')
	if i <= 0 {
		return Line{}, fmt.Errorf("%w: missing hash separator", ErrCorrupt)
	}
	h, err := strconv.ParseUint(string(raw[:i]), 10, 64)
	if err != nil {
		return Line{}, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	recs, err := SplitRecords(raw[i+1:])
	if err != nil {
		return Line{}, err
	}
	return Line{Hash: h, Records: recs}, nil
}

func mergeLines(lines []Line) []Line {
	if len(lines) < 2 {
		return lines
	}
	out := lines[:1]
	for _, l := range lines[1:] {
		last := &out[len(out)-1]
		if last.Hash == l.Hash {
			last.Records = append(last.Records, l.Records...)
			continue
		}
		out = append(out, l)
	}
	return out
}

func compareLines(a, b Line) int {
	switch {
	case a.Hash < b.Hash:
		return -1
	case a.Hash > b.Hash:
		return 1
	}
	return 0
}

// SplitRecords splits the record part of a line on '#' separators found at
// nesting depth zero and outside string literals.
//
// The returned slices alias b.
func SplitRecords(b []byte) ([][]byte, error) {
	var out [][]byte
	depth := 0
	inString := false
	escaped := false
	start := 0
	for i, c := range b {
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			if depth--; depth < 0 {
				return nil, fmt.Errorf("%w: unbalanced %q at offset %d", ErrCorrupt, c, i)
			}
		case '#':
			if depth == 0 {
				out = append(out, b[start:i])
				start = i + 1
			}
		}
	}
	if inString {
		return nil, fmt.Errorf("%w: unterminated string", ErrCorrupt)
	}
	if depth != 0 {
		return nil, fmt.Errorf("%w: %d unclosed brace(s)", ErrCorrupt, depth)
	}
	return append(out, b[start:]), nil
}

// ValidateRecord returns an error if rec would not read back as exactly one
// record.
func ValidateRecord(rec []byte) error {
	if bytes.ContainsAny(rec, "\r\n") {
		return fmt.Errorf("%w: contains a line break", ErrInvalidRecord)
	}
	parts, err := SplitRecords(rec)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}
	if len(parts) != 1 {
		return fmt.Errorf("%w: contains an unnested '#'", ErrInvalidRecord)
	}
	return nil
}
