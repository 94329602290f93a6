// Package condition builds predicates over record fields.
//
// A leaf compares one field of a record against an origin value. Leaves are
// combined left to right with And and Or:
//
//	c := condition.Where(condition.Greater(age, 18)).And(condition.Equals(city, "Paris"))
//	ok, err := c.Fits(rec)
//
// A chain evaluates its terms in order, without precedence: a.Or(b).And(c) is
// (a OR b) AND c. Evaluation stops as soon as the result is known.
package condition

import (
	"cmp"
	"errors"
	"fmt"
)

// ErrUnknownField is returned when a record does not carry the field a
// condition refers to.
var ErrUnknownField = errors.New("unknown field")

// Op is a comparison mode.
type Op int

// Comparison modes.
const (
	OpEquals Op = iota
	OpNotEquals
	OpGreater
	OpLess
)

func (o Op) String() string {
	switch o {
	case OpEquals:
		return "EQUALS"
	case OpNotEquals:
		return "NOT_EQUALS"
	case OpGreater:
		return "GREATER"
	case OpLess:
		return "LESS"
	default:
		return fmt.Sprintf("Op(%d)", int(o))
	}
}

// Condition is a predicate over a record.
type Condition[T any] interface {
	Fits(rec T) (bool, error)
}

// Func adapts a plain function to Condition.
type Func[T any] func(rec T) (bool, error)

// Fits implements Condition.
func (f Func[T]) Fits(rec T) (bool, error) {
	return f(rec)
}

// Field reads one named field of a record.
//
// Get reports false when the record does not carry the field.
type Field[T, V any] struct {
	Name string
	Get  func(rec T) (V, bool)
}

// FieldOf returns a Field for a value that is always present.
func FieldOf[T, V any](name string, get func(rec T) V) Field[T, V] {
	return Field[T, V]{Name: name, Get: func(rec T) (V, bool) { return get(rec), true }}
}

// Leaf compares a field against an origin value.
type Leaf[T, V any] struct {
	field   Field[T, V]
	op      Op
	origin  V
	compare func(a, b V) int
}

// Fits implements Condition.
func (l *Leaf[T, V]) Fits(rec T) (bool, error) {
	v, ok := l.field.Get(rec)
	if !ok {
		return false, fmt.Errorf("%w %q", ErrUnknownField, l.field.Name)
	}
	c := l.compare(v, l.origin)
	switch l.op {
	case OpEquals:
		return c == 0, nil
	case OpNotEquals:
		return c != 0, nil
	case OpGreater:
		return c > 0, nil
	case OpLess:
		return c < 0, nil
	default:
		return false, fmt.Errorf("invalid comparison %s", l.op)
	}
}

func (l *Leaf[T, V]) String() string {
	return fmt.Sprintf("%s %s %v", l.field.Name, l.op, l.origin)
}

// Compare returns a leaf comparing the field value v against origin with
// compareFn(v, origin). Greater fits when v is greater than origin.
func Compare[T, V any](f Field[T, V], op Op, origin V, compareFn func(a, b V) int) *Leaf[T, V] {
	return &Leaf[T, V]{field: f, op: op, origin: origin, compare: compareFn}
}

// Equals fits records whose field equals origin.
func Equals[T any, V comparable](f Field[T, V], origin V) *Leaf[T, V] {
	return Compare(f, OpEquals, origin, equality[V])
}

// NotEquals fits records whose field differs from origin.
func NotEquals[T any, V comparable](f Field[T, V], origin V) *Leaf[T, V] {
	return Compare(f, OpNotEquals, origin, equality[V])
}

// Greater fits records whose field is greater than origin.
func Greater[T any, V cmp.Ordered](f Field[T, V], origin V) *Leaf[T, V] {
	return Compare(f, OpGreater, origin, cmp.Compare[V])
}

// Less fits records whose field is less than origin.
func Less[T any, V cmp.Ordered](f Field[T, V], origin V) *Leaf[T, V] {
	return Compare(f, OpLess, origin, cmp.Compare[V])
}

func equality[V comparable](a, b V) int {
	if a == b {
		return 0
	}
	return 1
}

type link int

const (
	linkAnd link = iota
	linkOr
)

type term[T any] struct {
	link link
	cond Condition[T]
}

// Chain is a left associative sequence of conditions. The zero value fits
// every record.
//
// And and Or return a new Chain; the receiver is never modified.
type Chain[T any] struct {
	first Condition[T]
	rest  []term[T]
}

// Where starts a chain.
func Where[T any](c Condition[T]) Chain[T] {
	return Chain[T]{first: c}
}

// And appends c with a logical AND.
func (ch Chain[T]) And(c Condition[T]) Chain[T] {
	return ch.with(linkAnd, c)
}

// Or appends c with a logical OR.
func (ch Chain[T]) Or(c Condition[T]) Chain[T] {
	return ch.with(linkOr, c)
}

func (ch Chain[T]) with(l link, c Condition[T]) Chain[T] {
	if ch.first == nil {
		return Chain[T]{first: c}
	}
	rest := make([]term[T], len(ch.rest), len(ch.rest)+1)
	copy(rest, ch.rest)
	return Chain[T]{first: ch.first, rest: append(rest, term[T]{link: l, cond: c})}
}

// Fits implements Condition.
func (ch Chain[T]) Fits(rec T) (bool, error) {
	if ch.first == nil {
		return true, nil
	}
	acc, err := ch.first.Fits(rec)
	if err != nil {
		return false, err
	}
	for _, t := range ch.rest {
		if (t.link == linkAnd && !acc) || (t.link == linkOr && acc) {
			continue
		}
		if acc, err = t.cond.Fits(rec); err != nil {
			return false, err
		}
	}
	return acc, nil
}
