package transform

import (
	"fmt"
	"reflect"

	"github.com/domainkernel/domainkernel/pkg/engine"
)

// AttributeValue is what a predicate inspects.
type AttributeValue struct {
	// Address is the resource the attribute belongs to.
	Address engine.Address

	// Name is the attribute name.
	Name string

	// Value is the attribute value. Nil when undefined.
	Value interface{}

	// Defined is false when the attribute has no value.
	Defined bool

	// Default is the schema default, if the attribute declares one.
	Default interface{}
}

// Predicate decides whether a rule applies to an attribute value.
type Predicate interface {
	Matches(v AttributeValue) (bool, error)
	String() string
}

type predicateFunc struct {
	name string
	fn   func(v AttributeValue) bool
}

func (p predicateFunc) Matches(v AttributeValue) (bool, error) { return p.fn(v), nil }
func (p predicateFunc) String() string                         { return p.name }

var (
	// Always matches every value, defined or not.
	Always Predicate = predicateFunc{name: "always", fn: func(AttributeValue) bool { return true }}

	// Undefined matches attributes without a value.
	Undefined Predicate = predicateFunc{name: "undefined", fn: func(v AttributeValue) bool { return !v.Defined }}

	// Defined matches attributes with a value.
	Defined Predicate = predicateFunc{name: "defined", fn: func(v AttributeValue) bool { return v.Defined }}

	// DefaultValue matches undefined attributes and attributes set to their
	// schema default.
	DefaultValue Predicate = predicateFunc{name: "default-value", fn: func(v AttributeValue) bool {
		return !v.Defined || (v.Default != nil && valuesEqual(v.Value, v.Default))
	}}
)

// Equals matches defined attributes whose value equals want.
func Equals(want interface{}) Predicate {
	return predicateFunc{
		name: fmt.Sprintf("equals(%v)", want),
		fn:   func(v AttributeValue) bool { return v.Defined && valuesEqual(v.Value, want) },
	}
}

// NotEquals matches defined attributes whose value differs from want.
func NotEquals(want interface{}) Predicate {
	return predicateFunc{
		name: fmt.Sprintf("not-equals(%v)", want),
		fn:   func(v AttributeValue) bool { return v.Defined && !valuesEqual(v.Value, want) },
	}
}

// valuesEqual compares decoded values, treating numbers of different Go
// types as equal when they hold the same value.
func valuesEqual(a, b interface{}) bool {
	if fa, ok := number(a); ok {
		if fb, ok := number(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
