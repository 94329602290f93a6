// Package export copies repository records into other storage formats.
package export

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/maruel/clusterdb/internal/schema"

	_ "modernc.org/sqlite"
)

// JSONColumn holds the complete record in every exported table.
const JSONColumn = "_json"

// ToSQLite replaces table in the SQLite database at path with docs.
//
// The table gets one column per column of h plus JSONColumn. Values whose type
// does not fit their column are stored as JSON text. It returns the number of
// rows written.
func ToSQLite(ctx context.Context, path, table string, h schema.Header, docs []map[string]any) (n int, err error) {
	if table == "" {
		return 0, errors.New("table name is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return 0, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		if err2 := db.Close(); err == nil && err2 != nil {
			err = err2
		}
	}()

	var cols []schema.Column
	for _, c := range h.Columns {
		if c.Name != JSONColumn {
			cols = append(cols, c)
		}
	}
	defs := make([]string, 0, len(cols)+1)
	names := make([]string, 0, len(cols)+1)
	for _, c := range cols {
		defs = append(defs, quote(c.Name)+" "+sqlType(c.Type))
		names = append(names, quote(c.Name))
	}
	defs = append(defs, quote(JSONColumn)+" TEXT NOT NULL")
	names = append(names, quote(JSONColumn))

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+quote(table)); err != nil {
		return 0, fmt.Errorf("failed to drop table: %w", err)
	}
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quote(table), strings.Join(defs, ", "))); err != nil {
		return 0, fmt.Errorf("failed to create table: %w", err)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", quote(table), strings.Join(names, ", "), placeholders))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	args := make([]any, len(names))
	for _, d := range docs {
		for i, c := range cols {
			if args[i], err = value(c.Type, d[c.Name]); err != nil {
				return n, fmt.Errorf("column %s: %w", c.Name, err)
			}
		}
		var b []byte
		if b, err = json.Marshal(d); err != nil {
			return n, err
		}
		args[len(cols)] = string(b)
		if _, err = stmt.ExecContext(ctx, args...); err != nil {
			return n, fmt.Errorf("failed to insert row %d: %w", n, err)
		}
		n++
	}
	if err = tx.Commit(); err != nil {
		return 0, err
	}
	return n, nil
}

func quote(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func sqlType(t schema.Type) string {
	switch t {
	case schema.TypeNumber:
		return "REAL"
	case schema.TypeBool:
		return "INTEGER"
	case schema.TypeBlob:
		return "BLOB"
	default:
		return "TEXT"
	}
}

// value converts a decoded JSON value to a column value.
func value(t schema.Type, v any) (any, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case string:
		return x, nil
	case bool:
		if t == schema.TypeBool {
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case float64:
		if t == schema.TypeNumber {
			return x, nil
		}
	case int64:
		if t == schema.TypeNumber {
			return x, nil
		}
	case json.Number:
		if t == schema.TypeNumber {
			return x.Float64()
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
