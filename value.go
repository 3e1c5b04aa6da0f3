package taintbox

import (
	"fmt"
	"math"
)

// Value is one dynamically typed boundary word: the kind tag plus the
// raw wire encoding. 32-bit payloads are zero-extended, floats are
// stored as their IEEE-754 bit patterns.
type Value struct {
	kind Kind
	bits uint64
}

// Int32Val returns an int32 boundary value.
func Int32Val(v int32) Value { return Value{kind: KindInt32, bits: uint64(uint32(v))} }

// Uint32Val returns a uint32 boundary value.
func Uint32Val(v uint32) Value { return Value{kind: KindUint32, bits: uint64(v)} }

// Int64Val returns an int64 boundary value.
func Int64Val(v int64) Value { return Value{kind: KindInt64, bits: uint64(v)} }

// Uint64Val returns a uint64 boundary value.
func Uint64Val(v uint64) Value { return Value{kind: KindUint64, bits: v} }

// Float32Val returns a float32 boundary value.
func Float32Val(v float32) Value {
	return Value{kind: KindFloat32, bits: uint64(math.Float32bits(v))}
}

// Float64Val returns a float64 boundary value.
func Float64Val(v float64) Value { return Value{kind: KindFloat64, bits: math.Float64bits(v)} }

// Kind returns the kind tag of the value.
func (v Value) Kind() Kind { return v.kind }

// IsVoid reports whether the value carries no payload, as returned by
// calls to symbols without a result.
func (v Value) IsVoid() bool { return v.kind == KindVoid }

// Bits returns the raw wire encoding of the payload.
func (v Value) Bits() uint64 { return v.bits }

// Int32 reinterprets the payload as a signed 32-bit integer.
func (v Value) Int32() int32 { return int32(uint32(v.bits)) }

// Uint32 reinterprets the payload as an unsigned 32-bit integer.
func (v Value) Uint32() uint32 { return uint32(v.bits) }

// Int64 reinterprets the payload as a signed 64-bit integer.
func (v Value) Int64() int64 { return int64(v.bits) }

// Uint64 reinterprets the payload as an unsigned 64-bit integer.
func (v Value) Uint64() uint64 { return v.bits }

// Float32 reinterprets the payload as a float32.
func (v Value) Float32() float32 { return math.Float32frombits(uint32(v.bits)) }

// Float64 reinterprets the payload as a float64.
func (v Value) Float64() float64 { return math.Float64frombits(v.bits) }

func (v Value) String() string {
	switch v.kind {
	case KindVoid:
		return "void"
	case KindInt32:
		return fmt.Sprintf("int32(%d)", v.Int32())
	case KindUint32:
		return fmt.Sprintf("uint32(%d)", v.Uint32())
	case KindInt64:
		return fmt.Sprintf("int64(%d)", v.Int64())
	case KindUint64:
		return fmt.Sprintf("uint64(%d)", v.Uint64())
	case KindFloat32:
		return fmt.Sprintf("float32(%g)", v.Float32())
	case KindFloat64:
		return fmt.Sprintf("float64(%g)", v.Float64())
	case KindPtr:
		return fmt.Sprintf("ptr(%#x)", v.Uint32())
	default:
		return fmt.Sprintf("%s(%#x)", v.kind, v.bits)
	}
}
