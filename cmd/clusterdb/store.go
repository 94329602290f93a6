package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"strconv"

	"github.com/maruel/clusterdb"
	"github.com/maruel/clusterdb/condition"
)

// document is a schemaless record.
type document map[string]any

// docCodec stores documents as JSON. Integers decode as int64 so that
// identifiers above 2^53 keep their value.
type docCodec struct{}

func (docCodec) Encode(d document) ([]byte, error) {
	return json.Marshal(d)
}

func (docCodec) Decode(b []byte) (document, error) {
	return decodeDocument(json.NewDecoder(bytes.NewReader(b)))
}

// decodeDocument reads the next JSON object from dec.
func decodeDocument(dec *json.Decoder) (document, error) {
	dec.UseNumber()
	var d document
	if err := dec.Decode(&d); err != nil {
		return nil, err
	}
	for k, v := range d {
		d[k] = fromNumbers(v)
	}
	return d, nil
}

// fromNumbers replaces json.Number with int64 when the value is an integer
// that fits, float64 otherwise.
func fromNumbers(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		f, _ := x.Float64()
		return f
	case map[string]any:
		for k, e := range x {
			x[k] = fromNumbers(e)
		}
	case []any:
		for i, e := range x {
			x[i] = fromNumbers(e)
		}
	}
	return v
}

// docStore hides the identifier type of the underlying repository.
type docStore interface {
	put(docs []document) ([]document, error)
	get(id string) (document, bool, error)
	remove(id string) (document, bool, error)
	list(offset, limit int, where condition.Condition[document]) ([]document, error)
	stats() clusterdb.Stats
}

type typedStore[K int64 | string] struct {
	repo    *clusterdb.Repository[document, K]
	idField string
	auto    bool
	parse   func(s string) (K, error)
}

func openStore(reg *clusterdb.Registry, cfg *config) (docStore, error) {
	var opts []clusterdb.Option
	if cfg.Storage.MaxClusterBytes > 0 {
		opts = append(opts, clusterdb.WithMaxClusterBytes(cfg.Storage.MaxClusterBytes))
	}
	if cfg.Storage.MaxResident > 0 {
		opts = append(opts, clusterdb.WithResidency(clusterdb.LoadOnDemand{MaxResident: cfg.Storage.MaxResident}))
	}
	if cfg.Storage.Extension != "" {
		opts = append(opts, clusterdb.WithExtension(cfg.Storage.Extension))
	}
	field := cfg.IDField
	if cfg.IDType == "string" {
		e := clusterdb.Entity[document, string]{
			Name: cfg.Entity,
			ID: func(d document) string {
				s, _ := d[field].(string)
				return s
			},
			Codec:      docCodec{},
			RecordSize: cfg.Storage.RecordSize,
		}
		repo, err := clusterdb.Open(reg, e, opts...)
		if err != nil {
			return nil, err
		}
		return &typedStore[string]{
			repo:    repo,
			idField: field,
			parse:   func(s string) (string, error) { return s, nil },
		}, nil
	}
	e := clusterdb.Entity[document, int64]{
		Name: cfg.Entity,
		ID:   func(d document) int64 { return toInt(d[field]) },
		SetID: func(d document, id int64) document {
			out := maps.Clone(d)
			if out == nil {
				out = document{}
			}
			out[field] = id
			return out
		},
		AutoGenerate: cfg.AutoID,
		StartID:      cfg.StartID,
		Codec:        docCodec{},
		RecordSize:   cfg.Storage.RecordSize,
	}
	repo, err := clusterdb.Open(reg, e, opts...)
	if err != nil {
		return nil, err
	}
	return &typedStore[int64]{
		repo:    repo,
		idField: field,
		auto:    cfg.AutoID,
		parse: func(s string) (int64, error) {
			return strconv.ParseInt(s, 10, 64)
		},
	}, nil
}

// toInt converts a decoded JSON identifier. Anything else is the zero
// identifier.
func toInt(v any) int64 {
	switch n := v.(type) {
	case float64:
		if n == math.Trunc(n) && math.Abs(n) < 1<<63 {
			return int64(n)
		}
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		i, _ := n.Int64()
		return i
	case string:
		i, _ := strconv.ParseInt(n, 10, 64)
		return i
	}
	return 0
}

func (s *typedStore[K]) put(docs []document) ([]document, error) {
	for i, d := range docs {
		if _, ok := d[s.idField]; !ok && !s.auto {
			return nil, fmt.Errorf("document %d has no %q field", i, s.idField)
		}
	}
	return s.repo.SaveAll(docs)
}

func (s *typedStore[K]) get(id string) (document, bool, error) {
	k, err := s.parse(id)
	if err != nil {
		return nil, false, fmt.Errorf("invalid id %q: %w", id, err)
	}
	return s.repo.FindByID(k)
}

func (s *typedStore[K]) remove(id string) (document, bool, error) {
	k, err := s.parse(id)
	if err != nil {
		return nil, false, fmt.Errorf("invalid id %q: %w", id, err)
	}
	return s.repo.DeleteByID(k)
}

func (s *typedStore[K]) list(offset, limit int, where condition.Condition[document]) ([]document, error) {
	if limit > 0 {
		return s.repo.FindPageWhere(where, offset, limit)
	}
	all, err := s.repo.FindWhere(where)
	if err != nil {
		return nil, err
	}
	if offset >= len(all) {
		return []document{}, nil
	}
	return all[offset:], nil
}

func (s *typedStore[K]) stats() clusterdb.Stats {
	return s.repo.Stats()
}
