package cluster

import (
	"encoding/binary"
	"math"
	"reflect"
	"strconv"

	"golang.org/x/crypto/blake2b"
)

// HashKey derives the partition key of an identifier.
//
// Integer identifiers map to their own two's complement bit pattern, so
// negative values sort after every non-negative one. Floating point and text
// identifiers map to a BLAKE2b digest of their canonical bytes.
func HashKey[K Key](id K) uint64 {
	v := reflect.ValueOf(id)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return uint64(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f == 0 {
			// -0 and +0 are the same identifier.
			f = 0
		}
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(f))
		return digest(b[:])
	default:
		return digest([]byte(v.String()))
	}
}

func digest(b []byte) uint64 {
	sum := blake2b.Sum256(b)
	return binary.BigEndian.Uint64(sum[:8])
}

// IsZero reports whether id holds its type's zero value.
func IsZero[K Key](id K) bool {
	var zero K
	return id == zero
}

// IsNaN reports whether id is a floating point NaN.
func IsNaN[K Key](id K) bool {
	v := reflect.ValueOf(id)
	switch v.Kind() {
	case reflect.Float32, reflect.Float64:
		return math.IsNaN(v.Float())
	}
	return false
}

// KeyFromSequence converts a sequence value to the identifier type. It
// returns false when the identifier type cannot represent n.
func KeyFromSequence[K Key](n int64) (K, bool) {
	var id K
	v := reflect.ValueOf(&id).Elem()
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if v.OverflowInt(n) {
			return id, false
		}
		v.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if n < 0 || v.OverflowUint(uint64(n)) {
			return id, false
		}
		v.SetUint(uint64(n))
	case reflect.Float32, reflect.Float64:
		v.SetFloat(float64(n))
		if f := v.Float(); f >= math.MaxInt64 || int64(f) != n {
			return id, false
		}
	default:
		v.SetString(strconv.FormatInt(n, 10))
	}
	return id, true
}

// SequenceOf returns the sequence value an identifier corresponds to, if it
// has one: integral numbers and decimal strings.
func SequenceOf[K Key](id K) (int64, bool) {
	v := reflect.ValueOf(id)
	switch v.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u := v.Uint()
		return int64(u), u <= math.MaxInt64
	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
			return 0, false
		}
		return int64(f), true
	default:
		n, err := strconv.ParseInt(v.String(), 10, 64)
		return n, err == nil
	}
}
