// Package arena implements the fixed-size offset allocator backing the
// no-effect backend's sandbox memory. Allocation metadata lives entirely
// on the host side, outside the arena buffer, so code running against
// the arena cannot corrupt the free list.
package arena

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrExhausted is returned when no free block can satisfy a request.
	// The arena never grows.
	ErrExhausted = errors.New("arena: exhausted")

	// ErrBadOffset is returned when Free is given an offset that does
	// not correspond to a live allocation (double free, stale offset,
	// or an address the arena never handed out).
	ErrBadOffset = errors.New("arena: offset is not a live allocation")
)

// allocAlign is the alignment of every allocation, large enough for the
// widest element kind.
const allocAlign = 8

// block is one contiguous free region.
type block struct {
	off  uint32
	size uint32
}

// Arena is a fixed-capacity first-fit allocator over a flat byte buffer.
// Offset 0 is never handed out: the first allocAlign bytes are reserved
// so that 0 can serve as the null address.
//
// Arena is not safe for concurrent use; the owner serializes access.
type Arena struct {
	buf     []byte
	free    []block // sorted by offset, adjacent blocks coalesced
	live    map[uint32]uint32
	avail   uint32
	release func() error
}

// New creates an arena of the given size in bytes. When guardPages is
// set and the platform supports it, the buffer is placed in a mapping
// with inaccessible guard pages on both ends, so stray access just
// outside the arena faults instead of touching unrelated host memory.
func New(size uint32, guardPages bool) (*Arena, error) {
	if size < 2*allocAlign {
		return nil, fmt.Errorf("arena: size %d too small", size)
	}
	buf, release, err := reserve(size, guardPages)
	if err != nil {
		return nil, fmt.Errorf("arena: reserve %d bytes: %w", size, err)
	}
	a := &Arena{
		buf:     buf,
		free:    []block{{off: allocAlign, size: size - allocAlign}},
		live:    make(map[uint32]uint32),
		avail:   size - allocAlign,
		release: release,
	}
	return a, nil
}

// Size returns the arena capacity in bytes.
func (a *Arena) Size() uint32 { return uint32(len(a.buf)) }

// Available returns the total free bytes. Fragmentation may prevent a
// single allocation of this size.
func (a *Arena) Available() uint32 { return a.avail }

// Alloc reserves n bytes and returns the offset of the block. The
// returned offset is always a multiple of 8 and never zero.
func (a *Arena) Alloc(n uint32) (uint32, error) {
	if n == 0 {
		return 0, fmt.Errorf("arena: zero-size allocation")
	}
	need := roundUp(n)
	if need < n { // overflow
		return 0, ErrExhausted
	}
	for i := range a.free {
		b := a.free[i]
		if b.size < need {
			continue
		}
		if b.size == need {
			a.free = append(a.free[:i], a.free[i+1:]...)
		} else {
			a.free[i] = block{off: b.off + need, size: b.size - need}
		}
		a.live[b.off] = need
		a.avail -= need
		return b.off, nil
	}
	return 0, ErrExhausted
}

// Free releases an allocation returned by Alloc. Freeing an unknown or
// already-freed offset fails with ErrBadOffset and leaves the arena
// unchanged.
func (a *Arena) Free(off uint32) error {
	size, ok := a.live[off]
	if !ok {
		return ErrBadOffset
	}
	delete(a.live, off)
	a.insertFree(block{off: off, size: size})
	a.avail += size
	return nil
}

// At returns a mutable view of [off, off+n) inside the arena buffer.
// The view aliases arena memory; callers that need a stable copy must
// make one. Out-of-range requests fail.
func (a *Arena) At(off, n uint32) ([]byte, error) {
	end := uint64(off) + uint64(n)
	if end > uint64(len(a.buf)) {
		return nil, fmt.Errorf("arena: range [%d, %d) outside %d-byte arena", off, end, len(a.buf))
	}
	return a.buf[off:end:end], nil
}

// Live returns the number of live allocations.
func (a *Arena) Live() int { return len(a.live) }

// Close releases the underlying buffer mapping. The arena must not be
// used afterwards.
func (a *Arena) Close() error {
	a.buf = nil
	a.free = nil
	a.live = nil
	a.avail = 0
	if a.release != nil {
		rel := a.release
		a.release = nil
		return rel()
	}
	return nil
}

// insertFree adds b to the free list, keeping it sorted by offset and
// merging with adjacent blocks.
func (a *Arena) insertFree(b block) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].off > b.off })
	a.free = append(a.free, block{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = b

	// Merge with the following block.
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	// Merge with the preceding block.
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

func roundUp(n uint32) uint32 {
	return (n + allocAlign - 1) &^ (allocAlign - 1)
}
