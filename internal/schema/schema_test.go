package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type user struct {
	ID      int64     `json:"id"`
	Name    string    `json:"name" jsonschema:"description=Display name"`
	Email   string    `json:"email,omitempty"`
	Active  bool      `json:"active"`
	Created time.Time `json:"created"`
	Avatar  []byte    `json:"avatar,omitempty"`
	Tags    []string  `json:"tags,omitempty"`
}

func TestFromType(t *testing.T) {
	h := FromType[*user]("users")
	if h.Version != CurrentVersion || h.Entity != "users" {
		t.Fatalf("header = %+v", h)
	}
	want := map[string]Type{
		"id":      TypeNumber,
		"name":    TypeText,
		"email":   TypeText,
		"active":  TypeBool,
		"created": TypeDate,
		"avatar":  TypeBlob,
		"tags":    TypeJSON,
	}
	if len(h.Columns) != len(want) {
		t.Fatalf("columns = %+v", h.Columns)
	}
	for _, c := range h.Columns {
		if want[c.Name] != c.Type {
			t.Errorf("column %s type = %s, want %s", c.Name, c.Type, want[c.Name])
		}
		switch c.Name {
		case "name":
			if c.Description != "Display name" || !c.Required {
				t.Errorf("name column = %+v", c)
			}
		case "email":
			if c.Required {
				t.Error("omitempty field must not be required")
			}
		}
	}
	if h.Columns[0].Name != "id" {
		t.Errorf("columns not in declaration order: %+v", h.Columns)
	}
	if err := h.Validate(); err != nil {
		t.Error(err)
	}

	if h := FromType[map[string]any]("docs"); len(h.Columns) != 0 {
		t.Errorf("map type has columns: %+v", h.Columns)
	}
}

func TestFromDocuments(t *testing.T) {
	h := FromDocuments("docs", []map[string]any{
		{"id": 1.0, "name": "a", "v": "x"},
		{"id": 2.0, "ok": true, "v": 3.0, "nested": map[string]any{}},
	})
	want := []Column{
		{Name: "id", Type: TypeNumber},
		{Name: "name", Type: TypeText},
		{Name: "nested", Type: TypeJSON},
		{Name: "ok", Type: TypeBool},
		{Name: "v", Type: TypeJSON},
	}
	if len(h.Columns) != len(want) {
		t.Fatalf("columns = %+v", h.Columns)
	}
	for i := range want {
		if h.Columns[i] != want[i] {
			t.Errorf("column %d = %+v, want %+v", i, h.Columns[i], want[i])
		}
	}
}

func TestEnsure(t *testing.T) {
	p := filepath.Join(t.TempDir(), FileName)
	if _, ok, err := Load(p); ok || err != nil {
		t.Fatalf("Load(missing) = %v, %v", ok, err)
	}
	h := FromType[user]("users")
	changed, err := Ensure(p, h)
	if err != nil || !changed {
		t.Fatalf("Ensure() = %v, %v", changed, err)
	}
	changed, err = Ensure(p, h)
	if err != nil || changed {
		t.Fatalf("second Ensure() = %v, %v", changed, err)
	}
	got, ok, err := Load(p)
	if err != nil || !ok || got.Entity != "users" || len(got.Columns) != len(h.Columns) {
		t.Fatalf("Load() = %+v, %v, %v", got, ok, err)
	}

	if err := os.WriteFile(p, []byte(`{"version":"0.1","entity":"users"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Ensure(p, h); !errors.Is(err, ErrVersion) {
		t.Errorf("Ensure(old version) = %v, want ErrVersion", err)
	}
	if err := os.WriteFile(p, []byte(`{`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Ensure(p, h); err == nil {
		t.Error("Ensure(corrupt) succeeded")
	}
}
