package clusterdb

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/maruel/clusterdb/internal/cluster"
)

// Key is the set of identifier types a record may use.
type Key = cluster.Key

// DefaultRecordSize is the record size estimate used when an Entity does not
// provide one.
const DefaultRecordSize = 256

// Entity describes how a record type is stored.
type Entity[T any, K Key] struct {
	// Name is the directory holding the records, relative to the registry
	// root. It defaults to the lowercased name of T.
	Name string
	// ID returns the identifier of a record. Required.
	ID func(rec T) K
	// SetID returns rec with its identifier replaced. Required when
	// AutoGenerate is set.
	SetID func(rec T, id K) T
	// AutoGenerate assigns the next sequence value to records saved with a
	// zero identifier.
	AutoGenerate bool
	// StartID is the first generated identifier. Values below 1 mean 1.
	StartID int64
	// RecordSize is the estimated encoded size of one record in bytes, used by
	// the split policy.
	RecordSize int
	// Codec encodes records to a single line of text. Defaults to JSONCodec.
	Codec Codec[T]
}

func (e *Entity[T, K]) validate() error {
	if e.ID == nil {
		return configError("open", "entity has no identifier accessor")
	}
	if e.AutoGenerate && e.SetID == nil {
		return configError("open", "auto-generated identifiers require an identifier setter")
	}
	if e.Name == "" {
		e.Name = strings.ToLower(reflect.TypeFor[T]().Name())
	}
	if e.Name == "" || e.Name == "." || e.Name == ".." || strings.ContainsAny(e.Name, `/\`) {
		return configError("open", "invalid entity name").WithDetail("name", e.Name)
	}
	if e.RecordSize <= 0 {
		e.RecordSize = DefaultRecordSize
	}
	if e.Codec == nil {
		e.Codec = JSONCodec[T]{}
	}
	return nil
}

// Codec converts a record to and from its stored form.
//
// The encoded form must fit on a single line.
type Codec[T any] interface {
	Encode(rec T) ([]byte, error)
	Decode(b []byte) (T, error)
}

// JSONCodec stores records as compact JSON.
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(rec T) ([]byte, error) {
	return json.Marshal(rec)
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(b []byte) (T, error) {
	var rec T
	err := json.Unmarshal(b, &rec)
	return rec, err
}
