package condition

import (
	"cmp"
	"fmt"
)

// MapField reads a key of a map record. A missing key is an unknown field.
func MapField[M ~map[string]V, V any](name string) Field[M, V] {
	return Field[M, V]{
		Name: name,
		Get: func(rec M) (V, bool) {
			v, ok := rec[name]
			return v, ok
		},
	}
}

// CompareValues orders dynamically typed values as decoded from JSON.
//
// Numbers compare numerically, strings and booleans naturally (false before
// true). Values of different kinds, or of other kinds, are ordered by their
// kind first and then by their fmt representation.
func CompareValues(a, b any) int {
	ka, kb := kindOf(a), kindOf(b)
	if ka != kb {
		return cmp.Compare(ka, kb)
	}
	switch ka {
	case kindNull:
		return 0
	case kindBool:
		return cmp.Compare(boolInt(a.(bool)), boolInt(b.(bool)))
	case kindNumber:
		if ai, ok := a.(int64); ok {
			if bi, ok := b.(int64); ok {
				return cmp.Compare(ai, bi)
			}
		}
		return cmp.Compare(toFloat(a), toFloat(b))
	case kindString:
		return cmp.Compare(a.(string), b.(string))
	default:
		return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

const (
	kindNull = iota
	kindBool
	kindNumber
	kindString
	kindOther
)

func kindOf(v any) int {
	switch v.(type) {
	case nil:
		return kindNull
	case bool:
		return kindBool
	case float64, float32, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return kindNumber
	case string:
		return kindString
	default:
		return kindOther
	}
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int8:
		return float64(n)
	case int16:
		return float64(n)
	case int32:
		return float64(n)
	case int64:
		return float64(n)
	case uint:
		return float64(n)
	case uint8:
		return float64(n)
	case uint16:
		return float64(n)
	case uint32:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
