// Package schema describes the columns of stored records.
//
// The header is derived from the record type through JSON Schema reflection
// and kept next to the cluster files so that tools reading the directory do
// not need the Go type.
package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"slices"
	"sort"
	"time"

	"github.com/invopop/jsonschema"
)

// FileName is the name of the header file inside a repository directory.
const FileName = "_schema.json"

// CurrentVersion is the version of the on-disk layout.
const CurrentVersion = "1.0"

// ErrVersion is returned when a header was written by an incompatible layout.
var ErrVersion = errors.New("unsupported schema version")

// Type is the type of a column.
type Type string

// Column types.
const (
	TypeText   Type = "text"
	TypeNumber Type = "number"
	TypeBool   Type = "bool"
	TypeDate   Type = "date"
	TypeBlob   Type = "blob"
	TypeJSON   Type = "jsonb"
)

// Column is one top-level field of a record.
type Column struct {
	Name        string `json:"name"`
	Type        Type   `json:"type"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description,omitempty"`
}

// Header is the content of the header file.
type Header struct {
	Version string   `json:"version"`
	Entity  string   `json:"entity"`
	Columns []Column `json:"columns,omitempty"`
}

// Validate checks that the header is well-formed.
func (h *Header) Validate() error {
	if h.Version == "" {
		return errors.New("schema version is required")
	}
	if h.Version != CurrentVersion {
		return fmt.Errorf("%w %q", ErrVersion, h.Version)
	}
	for i, col := range h.Columns {
		if col.Name == "" {
			return fmt.Errorf("column %d: name is required", i)
		}
		if col.Type == "" {
			return fmt.Errorf("column %d: type is required", i)
		}
	}
	return nil
}

// FromType returns the header of records of type T.
//
// Only structs, and pointers to structs, have columns; other types get a
// header without columns.
func FromType[T any](entity string) Header {
	h := Header{Version: CurrentVersion, Entity: entity}
	t := reflect.TypeFor[T]()
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return h
	}
	r := jsonschema.Reflector{Anonymous: true, DoNotReference: true}
	s := r.ReflectFromType(t)
	if s.Properties == nil {
		return h
	}
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		colType := TypeText
		if f, ok := fieldByJSONName(t, pair.Key); ok {
			colType = typeOf(f.Type)
		}
		h.Columns = append(h.Columns, Column{
			Name:        pair.Key,
			Type:        colType,
			Required:    slices.Contains(s.Required, pair.Key),
			Description: pair.Value.Description,
		})
	}
	return h
}

// FromDocuments infers columns from decoded JSON objects. Columns are sorted
// by name; a field whose values disagree on their type is stored as jsonb.
func FromDocuments(entity string, docs []map[string]any) Header {
	types := map[string]Type{}
	for _, d := range docs {
		for k, v := range d {
			t := typeOfValue(v)
			if prev, ok := types[k]; ok && prev != t {
				t = TypeJSON
			}
			types[k] = t
		}
	}
	h := Header{Version: CurrentVersion, Entity: entity}
	for k, t := range types {
		h.Columns = append(h.Columns, Column{Name: k, Type: t})
	}
	sort.Slice(h.Columns, func(i, j int) bool { return h.Columns[i].Name < h.Columns[j].Name })
	return h
}

// Load reads the header file at path.
func Load(path string) (Header, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Header{}, false, nil
		}
		return Header{}, false, fmt.Errorf("failed to read schema: %w", err)
	}
	var h Header
	if err := json.Unmarshal(b, &h); err != nil {
		return Header{}, false, fmt.Errorf("failed to decode schema %s: %w", path, err)
	}
	return h, true, nil
}

// Write stores the header at path. It reports whether the file changed.
func Write(path string, h Header) (bool, error) {
	b, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return false, fmt.Errorf("failed to encode schema: %w", err)
	}
	b = append(b, '\n')
	if old, err := os.ReadFile(path); err == nil && bytes.Equal(old, b) {
		return false, nil
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return false, fmt.Errorf("failed to write schema: %w", err)
	}
	return true, nil
}

// Ensure validates the header stored at path, if any, and replaces it with h.
// It reports whether the file changed.
func Ensure(path string, h Header) (bool, error) {
	old, ok, err := Load(path)
	if err != nil {
		return false, err
	}
	if ok {
		if err := old.Validate(); err != nil {
			return false, fmt.Errorf("%s: %w", path, err)
		}
	}
	return Write(path, h)
}

func fieldByJSONName(t reflect.Type, name string) (reflect.StructField, bool) {
	for i := range t.NumField() {
		f := t.Field(i)
		if jsonFieldName(&f) == name {
			return f, true
		}
	}
	return reflect.StructField{}, false
}

func jsonFieldName(field *reflect.StructField) string {
	tag := field.Tag.Get("json")
	if tag == "" || tag == "-" {
		return field.Name
	}
	for i, c := range tag {
		if c == ',' {
			if i == 0 {
				return field.Name
			}
			return tag[:i]
		}
	}
	return tag
}

func typeOf(t reflect.Type) Type {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == reflect.TypeFor[time.Time]() {
		return TypeDate
	}
	if t.Kind() == reflect.Slice && t.Elem().Kind() == reflect.Uint8 {
		return TypeBlob
	}
	switch t.Kind() {
	case reflect.Bool:
		return TypeBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return TypeNumber
	case reflect.Struct, reflect.Slice, reflect.Array, reflect.Map, reflect.Interface:
		return TypeJSON
	default:
		return TypeText
	}
}

func typeOfValue(v any) Type {
	switch v.(type) {
	case string:
		return TypeText
	case float64, int64, json.Number:
		return TypeNumber
	case bool:
		return TypeBool
	default:
		return TypeJSON
	}
}
