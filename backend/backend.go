package backend

import (
	"context"
	"fmt"
)

// Kind identifies the machine-level type of a boundary-crossing value or
// of the elements behind a sandbox pointer.
type Kind uint8

const (
	// KindVoid marks the absence of a value (a function with no result).
	KindVoid Kind = iota

	// KindInt8 is a signed 8-bit integer element.
	KindInt8

	// KindUint8 is an unsigned 8-bit integer element (raw bytes).
	KindUint8

	// KindInt16 is a signed 16-bit integer element.
	KindInt16

	// KindUint16 is an unsigned 16-bit integer element.
	KindUint16

	// KindInt32 is a signed 32-bit integer.
	KindInt32

	// KindUint32 is an unsigned 32-bit integer.
	KindUint32

	// KindInt64 is a signed 64-bit integer.
	KindInt64

	// KindUint64 is an unsigned 64-bit integer.
	KindUint64

	// KindFloat32 is a 32-bit IEEE-754 float.
	KindFloat32

	// KindFloat64 is a 64-bit IEEE-754 float.
	KindFloat64

	// KindPtr is an offset into sandbox memory. It is a 32-bit word on
	// the wire, matching the wasm32 address space.
	KindPtr
)

// String returns the string representation of a Kind.
func (k Kind) String() string {
	switch k {
	case KindVoid:
		return "void"
	case KindInt8:
		return "int8"
	case KindUint8:
		return "uint8"
	case KindInt16:
		return "int16"
	case KindUint16:
		return "uint16"
	case KindInt32:
		return "int32"
	case KindUint32:
		return "uint32"
	case KindInt64:
		return "int64"
	case KindUint64:
		return "uint64"
	case KindFloat32:
		return "float32"
	case KindFloat64:
		return "float64"
	case KindPtr:
		return "ptr"
	default:
		return "unknown"
	}
}

// Size returns the element size in bytes. KindVoid has size zero.
func (k Kind) Size() int {
	switch k {
	case KindInt8, KindUint8:
		return 1
	case KindInt16, KindUint16:
		return 2
	case KindInt32, KindUint32, KindFloat32, KindPtr:
		return 4
	case KindInt64, KindUint64, KindFloat64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k <= KindPtr
}

// Element reports whether k may be used as the element type of a sandbox
// allocation. Everything except KindVoid qualifies.
func (k Kind) Element() bool {
	return k.Valid() && k != KindVoid
}

// Wire reports whether k may appear in a function signature. Signatures
// use the four machine word types plus KindPtr; narrow integer kinds are
// an allocation-layout concern, not a calling-convention one.
func (k Kind) Wire() bool {
	switch k {
	case KindInt32, KindUint32, KindInt64, KindUint64, KindFloat32, KindFloat64, KindPtr:
		return true
	default:
		return false
	}
}

// Signature describes the fixed-arity type of an exported function or a
// registered host callback. Signatures are fixed at bind time; variadic
// entry points cannot be expressed.
type Signature struct {
	// Params lists the parameter kinds in call order.
	Params []Kind

	// Results lists the result kinds. At most one result is supported
	// by the invocation layer.
	Results []Kind
}

// Validate checks that every kind in the signature is a wire kind and
// that there is at most one result.
func (s Signature) Validate() error {
	for i, k := range s.Params {
		if !k.Wire() {
			return fmt.Errorf("param %d: kind %s is not a wire kind", i, k)
		}
	}
	if len(s.Results) > 1 {
		return fmt.Errorf("multi-value results are unsupported (got %d)", len(s.Results))
	}
	for i, k := range s.Results {
		if !k.Wire() {
			return fmt.Errorf("result %d: kind %s is not a wire kind", i, k)
		}
	}
	return nil
}

// Function is a resolved, callable entry point inside a backend.
// Arguments and results travel as raw 64-bit words using the wasm value
// encoding: 32-bit values are zero-extended, floats carry their IEEE-754
// bit pattern.
type Function interface {
	// Name returns the symbol name the function was resolved from.
	Name() string

	// Signature returns the function's fixed signature.
	Signature() Signature

	// Call transfers control across the boundary and blocks until the
	// function returns or traps. ctx is passed through to the execution
	// environment but does not preempt a running call.
	Call(ctx context.Context, params ...uint64) ([]uint64, error)
}

// HostFunc is a host-side function exposed to the isolated code as a
// callback import. The invocation layer builds these from user callbacks;
// backends only dispatch them.
type HostFunc struct {
	// Sig is the callback's fixed signature.
	Sig Signature

	// Fn receives the raw parameter words and returns the raw result
	// words. A non-nil error aborts the in-flight guest call.
	Fn func(ctx context.Context, stack []uint64) ([]uint64, error)
}

// Capabilities describes what a backend variant can enforce or permit.
type Capabilities struct {
	// Isolated indicates the backend provides real memory isolation:
	// the executed code cannot touch host memory except through the
	// explicit copy and allocate operations.
	Isolated bool

	// HostAlias indicates the backend can address host-owned byte
	// slices directly, which the force-taint input bypass requires.
	// True isolation cannot offer this.
	HostAlias bool
}

// HostAliasBase is the lowest offset used for host-aliased spans.
// Offsets at or above this value never refer to arena memory, so the two
// address classes cannot collide. Backends without the HostAlias
// capability never produce such offsets.
const HostAliasBase uint32 = 1 << 31

// Backend is the isolation substrate behind one sandbox instance. Both
// variants (no-effect and isolated) implement the identical operation
// set, so a construction-time configuration switch is the only place
// that distinguishes them.
//
// Offsets are addresses in the backend's memory. Read must return a
// fresh copy, never a view aliasing backend memory.
type Backend interface {
	// Name returns a human-readable identifier for this backend
	// (e.g., "noop", "wasm-wazero").
	Name() string

	// Capabilities returns the set of features this backend supports.
	Capabilities() Capabilities

	// MemorySize returns the current size of the backend's memory in
	// bytes.
	MemorySize() uint32

	// Read copies n bytes starting at off out of sandbox memory.
	Read(off, n uint32) ([]byte, error)

	// Write copies data into sandbox memory starting at off.
	Write(off uint32, data []byte) error

	// Alloc reserves n bytes inside the sandbox's memory and returns
	// the offset. The isolated variant delegates to the module's own
	// allocator, so the call may cross the boundary.
	Alloc(ctx context.Context, n uint32) (uint32, error)

	// Free releases an allocation previously returned by Alloc.
	Free(ctx context.Context, off uint32) error

	// Lookup resolves an exported symbol to a callable Function.
	Lookup(name string) (Function, error)

	// Close releases all backend resources.
	Close(ctx context.Context) error
}

// HostAliaser is implemented by backends with the HostAlias capability.
// AliasHostSpan registers a host-owned slice and returns an offset at or
// above HostAliasBase through which the span is addressable; the backend
// reads and writes the slice in place, without copying.
type HostAliaser interface {
	// AliasHostSpan makes b addressable from the sandbox side.
	AliasHostSpan(b []byte) (uint32, error)

	// DropHostAlias releases an alias created by AliasHostSpan.
	DropHostAlias(off uint32) error
}
