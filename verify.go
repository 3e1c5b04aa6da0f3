package taintbox

import (
	"bytes"
	"fmt"

	"github.com/zhangyunhao116/taintbox/backend"
)

// The CopyAndVerify family is the sanctioned route for sandbox data to
// become host data: the payload is copied out first, then handed to a
// caller-supplied predicate that decides what it means. The engine
// raises only for structural misuse (destroyed instance, extent
// exceeding the cap, stale pointer); whether the content itself is
// valid is entirely the predicate's business, and its error returns
// unchanged.

// CopyAndVerify hands the scalar payload of t to verify and returns
// whatever it produces. Verifiers are plain functions with no
// instance state, so one verifier can serve values from any number of
// sandboxes.
func CopyAndVerify[U any](t Tainted[Value], verify func(Value) (U, error)) (U, error) {
	var zero U
	if t.owner == nil {
		return zero, fmt.Errorf("%w: value did not cross a sandbox boundary", ErrInvalidArgument)
	}
	if verify == nil {
		return zero, fmt.Errorf("%w: nil verifier", ErrInvalidArgument)
	}
	if t.owner.closed.Load() {
		return zero, ErrSandboxDestroyed
	}
	return verify(t.raw)
}

// AsPtr validates a pointer-shaped tainted value against the owning
// instance and returns a dereferenceable Ptr with the given element
// layout. The offset must fall inside sandbox memory; an offset that
// matches a live allocation is bound to it (and must fit inside it),
// anything else becomes an untracked view that can be read and
// written but not freed.
func AsPtr(t Tainted[Value], kind Kind, count uint32) (Ptr, error) {
	sb := t.owner
	if sb == nil {
		return Ptr{}, fmt.Errorf("%w: value did not cross a sandbox boundary", ErrInvalidArgument)
	}
	if err := sb.enter(); err != nil {
		return Ptr{}, err
	}
	defer sb.exit()
	return sb.asPtrLocked(t, kind, count)
}

func (sb *Sandbox) asPtrLocked(t Tainted[Value], kind Kind, count uint32) (Ptr, error) {
	if t.owner != sb {
		return Ptr{}, fmt.Errorf("%w: tainted value from another sandbox instance", ErrInvalidArgument)
	}
	if !kind.Element() {
		return Ptr{}, fmt.Errorf("%w: kind %s has no element layout", ErrInvalidArgument, kind)
	}
	if count == 0 {
		return Ptr{}, fmt.Errorf("%w: empty pointer extent", ErrInvalidArgument)
	}
	if wordClass(t.raw.kind) != 1 {
		return Ptr{}, fmt.Errorf("%w: %s value is not pointer shaped", ErrInvalidArgument, t.raw.kind)
	}
	off := t.raw.Uint32()
	if off == 0 {
		return Ptr{}, fmt.Errorf("%w: null sandbox pointer", ErrInvalidArgument)
	}
	ext := byteLen64(kind, count)

	if sp, ok := sb.spans[off]; ok {
		if ext > uint64(sp.size) {
			return Ptr{}, fmt.Errorf("%w: %d bytes extend past the %d byte allocation at %#x", ErrInvalidArgument, ext, sp.size, off)
		}
		return Ptr{owner: sb, off: off, kind: kind, count: count, serial: sp.serial}, nil
	}

	// Host alias offsets are always tracked; an unknown one is stale.
	if off >= backend.HostAliasBase {
		return Ptr{}, fmt.Errorf("%w: stale host alias %#x", ErrInvalidArgument, off)
	}
	if uint64(off)+ext > uint64(sb.be.MemorySize()) {
		return Ptr{}, fmt.Errorf("%w: range [%#x, %#x) leaves sandbox memory", ErrInvalidArgument, off, uint64(off)+ext)
	}
	return Ptr{owner: sb, off: off, kind: kind, count: count}, nil
}

// CopyAndVerifyBuffer copies the full extent behind p out of sandbox
// memory and hands the copy to verify. max caps the copy: a pointer
// whose extent exceeds max is rejected outright, never truncated, so
// a predicate cannot be fed a silently shortened buffer. The predicate
// runs outside the instance lock on a private copy.
func CopyAndVerifyBuffer[U any](p Ptr, max uint32, verify func([]byte) (U, error)) (U, error) {
	var zero U
	data, err := copyForVerify(p, verify == nil, func(sb *Sandbox) ([]byte, error) {
		return sb.cappedBytesLocked(p, max)
	})
	if err != nil {
		return zero, err
	}
	return verify(data)
}

// CopyAndVerifyString copies a NUL-terminated byte string from behind
// p and hands it to verify without the terminator. The scan is bounded
// by both the pointer's extent and max; a missing terminator inside
// the bound rejects the value. Unlike CopyAndVerifyBuffer, an extent
// beyond max is not an error, since the string may end long before it.
func CopyAndVerifyString[U any](p Ptr, max uint32, verify func(string) (U, error)) (U, error) {
	var zero U
	data, err := copyForVerify(p, verify == nil, func(sb *Sandbox) ([]byte, error) {
		return sb.stringBytesLocked(p, max)
	})
	if err != nil {
		return zero, err
	}
	return verify(string(data))
}

// CopyAndVerifyRange copies count elements starting at element index
// start from the span behind p. The range must lie inside the
// pointer's extent.
func CopyAndVerifyRange[U any](p Ptr, start, count uint32, verify func([]byte) (U, error)) (U, error) {
	var zero U
	data, err := copyForVerify(p, verify == nil, func(sb *Sandbox) ([]byte, error) {
		return sb.rangeBytesLocked(p, start, count)
	})
	if err != nil {
		return zero, err
	}
	return verify(data)
}

// copyForVerify funnels the structural checks shared by the buffer
// verifiers, then runs read under the instance lock. The returned
// bytes are a fresh copy, safe to hand to a predicate after the lock
// is released.
func copyForVerify(p Ptr, nilVerifier bool, read func(*Sandbox) ([]byte, error)) ([]byte, error) {
	sb := p.owner
	if sb == nil {
		return nil, fmt.Errorf("%w: nil sandbox pointer", ErrInvalidArgument)
	}
	if nilVerifier {
		return nil, fmt.Errorf("%w: nil verifier", ErrInvalidArgument)
	}
	if err := sb.enter(); err != nil {
		return nil, err
	}
	defer sb.exit()
	return read(sb)
}

func (sb *Sandbox) cappedBytesLocked(p Ptr, max uint32) ([]byte, error) {
	ext, err := sb.extentOf(p)
	if err != nil {
		return nil, err
	}
	if ext > max {
		return nil, fmt.Errorf("%w: pointer extent %d exceeds the %d byte verification cap", ErrInvalidArgument, ext, max)
	}
	data, err := sb.be.Read(p.off, ext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return data, nil
}

func (sb *Sandbox) stringBytesLocked(p Ptr, max uint32) ([]byte, error) {
	if p.kind.Size() != 1 {
		return nil, fmt.Errorf("%w: string verification requires byte elements, got %s", ErrInvalidArgument, p.kind)
	}
	ext, err := sb.extentOf(p)
	if err != nil {
		return nil, err
	}
	limit := min(ext, max)
	if limit == 0 {
		return nil, fmt.Errorf("%w: empty verification cap", ErrInvalidArgument)
	}
	data, err := sb.be.Read(p.off, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	idx := bytes.IndexByte(data, 0)
	if idx < 0 {
		return nil, fmt.Errorf("%w: no NUL terminator within %d bytes", ErrInvalidArgument, limit)
	}
	return data[:idx], nil
}

func (sb *Sandbox) rangeBytesLocked(p Ptr, start, count uint32) ([]byte, error) {
	ext, err := sb.extentOf(p)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		return nil, fmt.Errorf("%w: empty verification range", ErrInvalidArgument)
	}
	esize := uint64(p.kind.Size())
	lo := uint64(start) * esize
	n := uint64(count) * esize
	if lo+n > uint64(ext) {
		return nil, fmt.Errorf("%w: elements [%d, %d) exceed the pointer's %d elements", ErrInvalidArgument, start, uint64(start)+uint64(count), p.count)
	}
	data, err := sb.be.Read(p.off+uint32(lo), uint32(n))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return data, nil
}
