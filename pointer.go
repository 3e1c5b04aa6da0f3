package taintbox

import "fmt"

// Ptr designates a span of sandbox memory: an offset inside the
// instance's address space plus the element layout it was allocated
// (or validated) with. A Ptr is a capability, not an address; the
// memory behind it is only reachable through the copy and verify
// operations of the owning instance, and those always re-check that
// the span is still live and in bounds.
//
// Pointers returned by Alloc are tracked: the instance remembers the
// allocation and Free accepts them. Pointers produced by AsPtr for a
// region that is in bounds but not a tracked allocation are views;
// they can be read and written but not freed.
type Ptr struct {
	owner  *Sandbox
	off    uint32
	kind   Kind
	count  uint32
	serial uint64
}

// IsNil reports whether p is the zero Ptr, which designates nothing.
func (p Ptr) IsNil() bool { return p.owner == nil }

// Kind returns the element kind of the span.
func (p Ptr) Kind() Kind { return p.kind }

// Count returns the number of elements in the span.
func (p Ptr) Count() uint32 { return p.count }

// Offset returns the raw offset inside the sandbox address space.
// It is useful for logs and tests; it cannot be dereferenced.
func (p Ptr) Offset() uint32 { return p.off }

// ByteLen returns the byte extent of the span. Allocation and
// validation guarantee the product does not overflow.
func (p Ptr) ByteLen() uint32 { return uint32(p.kind.Size()) * p.count }

// Value returns the pointer as a boundary word, for passing through
// value-shaped surfaces such as callback results.
func (p Ptr) Value() Value { return Value{kind: KindPtr, bits: uint64(p.off)} }

func (p Ptr) String() string {
	if p.owner == nil {
		return "ptr(nil)"
	}
	return fmt.Sprintf("ptr(%s[%d]@%#x)", p.kind, p.count, p.off)
}

// byteLen64 computes a span extent without 32-bit overflow.
func byteLen64(kind Kind, count uint32) uint64 {
	return uint64(kind.Size()) * uint64(count)
}
