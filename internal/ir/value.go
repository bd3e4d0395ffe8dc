package ir

import "fmt"

// ValueKind classifies the value category, as the teacher's mir.Value did,
// extended with globals and undef.
type ValueKind int

const (
	ValInvalid ValueKind = iota
	ValConstInt
	ValConstFloat
	ValRef    // a value defined by an instruction or a function parameter
	ValGlobal // a named global address
	ValUndef
)

// Value is an operand: either a constant, a reference to an SSA name
// defined earlier in the function, a global address, or undef.
type Value struct {
	Kind    ValueKind
	Type    *Type
	Int64   int64
	Float64 float64
	Ref     string
}

func ConstInt(t *Type, v int64) Value  { return Value{Kind: ValConstInt, Type: t, Int64: v} }
func ConstFloat(t *Type, v float64) Value { return Value{Kind: ValConstFloat, Type: t, Float64: v} }
func RefOf(t *Type, name string) Value { return Value{Kind: ValRef, Type: t, Ref: name} }
func GlobalOf(t *Type, name string) Value { return Value{Kind: ValGlobal, Type: t, Ref: name} }
func Undef(t *Type) Value { return Value{Kind: ValUndef, Type: t} }

func (v Value) String() string {
	switch v.Kind {
	case ValConstInt:
		return fmt.Sprintf("%s %d", v.Type, v.Int64)
	case ValConstFloat:
		return fmt.Sprintf("%s %g", v.Type, v.Float64)
	case ValRef:
		return fmt.Sprintf("%s %%%s", v.Type, v.Ref)
	case ValGlobal:
		return fmt.Sprintf("%s @%s", v.Type, v.Ref)
	case ValUndef:
		return fmt.Sprintf("%s undef", v.Type)
	default:
		return "<invalid-value>"
	}
}
