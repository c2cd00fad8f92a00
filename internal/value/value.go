// Package value implements the tagged-sum payload representation described
// in spec.md §9's Design Notes: a value tree carried opaquely by write
// operations, validated for maximum depth and structural cycles at the API
// boundary, but never serialized to a wire format here (that belongs to the
// out-of-scope serialization collaborator named in spec §1).
package value

import "fmt"

// Kind enumerates the tagged sum.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindDouble
	KindTimestamp
	KindString
	KindBytes
	KindGeoPoint
	KindReference
	KindArray
	KindMap
	KindSentinel
)

// MaxDepth is the validation-boundary depth ceiling from spec §9.
const MaxDepth = 20

// SentinelKind names the well-known field transform sentinels.
type SentinelKind int

const (
	SentinelServerTimestamp SentinelKind = iota
	SentinelDeleteField
	SentinelArrayUnion
	SentinelArrayRemove
	SentinelIncrement
	SentinelMinimum
	SentinelMaximum
)

// Sentinel carries a transform marker plus its operand payload, mirroring
// the reserved type keys the wire format uses at the field-map top level.
type Sentinel struct {
	Kind    SentinelKind
	Operand *Value
}

// Value is a node in the tagged-sum value tree.
type Value struct {
	Kind      Kind
	Bool      bool
	Int64     int64
	Double    float64
	String    string
	Bytes     []byte
	Reference string
	Array     []*Value
	Map       map[string]*Value
	Sentinel  *Sentinel
}

// Null, Bool, Int64, etc. are convenience constructors.
func Null() *Value                 { return &Value{Kind: KindNull} }
func Bool(b bool) *Value           { return &Value{Kind: KindBool, Bool: b} }
func Int64(i int64) *Value         { return &Value{Kind: KindInt64, Int64: i} }
func Double(f float64) *Value      { return &Value{Kind: KindDouble, Double: f} }
func String(s string) *Value       { return &Value{Kind: KindString, String: s} }
func Bytes(b []byte) *Value        { return &Value{Kind: KindBytes, Bytes: b} }
func Reference(path string) *Value { return &Value{Kind: KindReference, Reference: path} }
func Array(vs ...*Value) *Value    { return &Value{Kind: KindArray, Array: vs} }
func Map(m map[string]*Value) *Value {
	return &Value{Kind: KindMap, Map: m}
}

// Validate walks the tree, rejecting excess depth and structural cycles.
// Cycles are detected by traversal with a visited set keyed on pointer
// identity of map/array containers, not reference identity of leaf values,
// per spec §9's instruction to use structural traversal rather than
// reference-identity comparisons for scalars.
func Validate(v *Value) error {
	return validate(v, 0, make(map[*Value]bool))
}

func validate(v *Value, depth int, visiting map[*Value]bool) error {
	if v == nil {
		return nil
	}
	if depth > MaxDepth {
		return fmt.Errorf("value: exceeds maximum depth %d", MaxDepth)
	}
	switch v.Kind {
	case KindArray:
		if visiting[v] {
			return fmt.Errorf("value: cyclic array detected")
		}
		visiting[v] = true
		defer delete(visiting, v)
		for _, el := range v.Array {
			if err := validate(el, depth+1, visiting); err != nil {
				return err
			}
		}
	case KindMap:
		if visiting[v] {
			return fmt.Errorf("value: cyclic map detected")
		}
		visiting[v] = true
		defer delete(visiting, v)
		for _, el := range v.Map {
			if err := validate(el, depth+1, visiting); err != nil {
				return err
			}
		}
	case KindSentinel:
		if v.Sentinel != nil && v.Sentinel.Operand != nil {
			return validate(v.Sentinel.Operand, depth+1, visiting)
		}
	}
	return nil
}
