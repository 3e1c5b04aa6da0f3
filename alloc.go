package taintbox

import (
	"context"
	"fmt"
	"math"

	"github.com/zhangyunhao116/taintbox/backend"
)

// redzoneSize is the width in bytes of each canary band placed around
// an allocation when ArenaConfig.Redzone is set.
const redzoneSize = 8

// canaryByte fills the redzones. A mismatch on free means the
// sandboxed code wrote outside its allocation.
const canaryByte = 0xa5

var canaryBand = [redzoneSize]byte{
	canaryByte, canaryByte, canaryByte, canaryByte,
	canaryByte, canaryByte, canaryByte, canaryByte,
}

// Alloc reserves count elements of the given kind inside sandbox
// memory and returns a pointer bound to this instance. The memory is
// owned by the sandbox; the host reaches it only through CopyIn and
// the verify operations.
func (sb *Sandbox) Alloc(ctx context.Context, kind Kind, count uint32) (Ptr, error) {
	if err := sb.enter(); err != nil {
		return Ptr{}, err
	}
	defer sb.exit()
	return sb.allocLocked(ctx, kind, count)
}

// AllocBytes reserves a raw buffer of n uint8 elements.
func (sb *Sandbox) AllocBytes(ctx context.Context, n uint32) (Ptr, error) {
	return sb.Alloc(ctx, KindUint8, n)
}

func (sb *Sandbox) allocLocked(ctx context.Context, kind Kind, count uint32) (Ptr, error) {
	if !kind.Element() {
		return Ptr{}, fmt.Errorf("%w: kind %s cannot be allocated", ErrInvalidArgument, kind)
	}
	if count == 0 {
		return Ptr{}, fmt.Errorf("%w: allocation of zero elements", ErrInvalidArgument)
	}
	size64 := byteLen64(kind, count)
	if size64 > math.MaxUint32-2*redzoneSize {
		return Ptr{}, fmt.Errorf("%w: %d %s elements exceed the 32-bit address space", ErrAllocation, count, kind)
	}
	size := uint32(size64)

	raw := size
	if sb.cfg.Arena.Redzone {
		raw += 2 * redzoneSize
	}

	rawOff, err := sb.be.Alloc(ctx, raw)
	if err != nil {
		return Ptr{}, fmt.Errorf("%w: %v", ErrAllocation, err)
	}
	// The offset comes from untrusted allocator code in the isolated
	// variant; never trust it to be in bounds.
	if end := uint64(rawOff) + uint64(raw); end > uint64(sb.be.MemorySize()) {
		_ = sb.be.Free(ctx, rawOff)
		return Ptr{}, fmt.Errorf("%w: allocator returned out-of-range block [%#x, %#x)", ErrAllocation, rawOff, end)
	}

	off := rawOff
	if sb.cfg.Arena.Redzone {
		off += redzoneSize
		if err := sb.paintCanaries(rawOff, off+size); err != nil {
			_ = sb.be.Free(ctx, rawOff)
			return Ptr{}, fmt.Errorf("%w: %v", ErrAllocation, err)
		}
	}

	sb.serial++
	sp := &span{
		off:     off,
		rawOff:  rawOff,
		size:    size,
		rawSize: raw,
		kind:    kind,
		count:   count,
		serial:  sb.serial,
	}
	sb.spans[off] = sp
	sb.stats.allocs.Add(1)
	sb.stats.liveBytes.Add(uint64(size))

	return Ptr{owner: sb, off: off, kind: kind, count: count, serial: sp.serial}, nil
}

func (sb *Sandbox) paintCanaries(headOff, tailOff uint32) error {
	if err := sb.be.Write(headOff, canaryBand[:]); err != nil {
		return err
	}
	return sb.be.Write(tailOff, canaryBand[:])
}

// checkCanaries inspects the redzone bands around sp. A torn band is
// logged and reported as ErrMemoryViolation.
func (sb *Sandbox) checkCanaries(sp *span) error {
	for _, off := range [2]uint32{sp.rawOff, sp.off + sp.size} {
		band, err := sb.be.Read(off, redzoneSize)
		if err != nil {
			return fmt.Errorf("%w: redzone unreadable: %v", ErrMemoryViolation, err)
		}
		for _, b := range band {
			if b != canaryByte {
				sb.logger.Error("taintbox: redzone torn",
					"sandbox", sb.id,
					"offset", sp.off,
					"kind", sp.kind.String(),
					"count", sp.count)
				return fmt.Errorf("%w: redzone torn around offset %#x", ErrMemoryViolation, sp.off)
			}
		}
	}
	return nil
}

// Free releases an allocation made through Alloc, or drops a host
// alias made through ForceTainted. Double free and stale pointers are
// contract violations: they panic under PanicOnMisuse and report
// ErrInvalidArgument otherwise. With redzones enabled the canary bands
// are checked first; a torn band reports ErrMemoryViolation and the
// span is released anyway.
func (sb *Sandbox) Free(ctx context.Context, p Ptr) error {
	if err := sb.enter(); err != nil {
		return err
	}
	defer sb.exit()
	return sb.freeLocked(ctx, p)
}

func (sb *Sandbox) freeLocked(ctx context.Context, p Ptr) error {
	sp, err := sb.spanOf(p)
	if err != nil {
		return err
	}
	if sp.foreign {
		return sb.dropAliasLocked(sp)
	}

	var violation error
	if sp.rawSize != sp.size {
		violation = sb.checkCanaries(sp)
	}
	if sb.cfg.Arena.ZeroOnFree {
		_ = sb.be.Write(sp.off, make([]byte, sp.size))
	}

	delete(sb.spans, sp.off)
	sb.stats.frees.Add(1)
	sb.stats.liveBytes.Add(^uint64(sp.size - 1))

	if err := sb.be.Free(ctx, sp.rawOff); err != nil {
		return fmt.Errorf("taintbox: releasing allocation: %w", err)
	}
	return violation
}

func (sb *Sandbox) dropAliasLocked(sp *span) error {
	aliaser, ok := sb.be.(backend.HostAliaser)
	if !ok {
		return fmt.Errorf("%w: backend %s cannot alias host memory", ErrInvalidArgument, sb.be.Name())
	}
	delete(sb.spans, sp.off)
	sb.stats.frees.Add(1)
	sb.stats.liveBytes.Add(^uint64(sp.size - 1))
	if err := aliaser.DropHostAlias(sp.off); err != nil {
		return fmt.Errorf("taintbox: dropping host alias: %w", err)
	}
	return nil
}

// spanOf resolves p to its live tracked span. Misuse panics under
// PanicOnMisuse.
func (sb *Sandbox) spanOf(p Ptr) (*span, error) {
	if p.owner == nil {
		return nil, sb.misuse("nil sandbox pointer")
	}
	if p.owner != sb {
		return nil, sb.misuse("pointer belongs to another sandbox instance")
	}
	if p.serial == 0 {
		return nil, sb.misuse("pointer is an unowned view, not an allocation")
	}
	sp, ok := sb.spans[p.off]
	if !ok || sp.serial != p.serial {
		return nil, sb.misuse("pointer is stale (already freed?)")
	}
	return sp, nil
}

func (sb *Sandbox) misuse(reason string) error {
	if sb.cfg.PanicOnMisuse {
		panic("taintbox: " + reason)
	}
	return fmt.Errorf("%w: %s", ErrInvalidArgument, reason)
}

// extentOf validates that p still designates addressable memory of
// this instance and returns its byte extent. Tracked pointers must
// match their live span; untracked views are bounds-checked against
// the current memory size.
func (sb *Sandbox) extentOf(p Ptr) (uint32, error) {
	if p.owner == nil {
		return 0, sb.misuse("nil sandbox pointer")
	}
	if p.owner != sb {
		return 0, sb.misuse("pointer belongs to another sandbox instance")
	}
	ext := p.ByteLen()
	if p.serial != 0 {
		sp, ok := sb.spans[p.off]
		if !ok || sp.serial != p.serial {
			return 0, sb.misuse("pointer is stale (already freed?)")
		}
		return ext, nil
	}
	end := uint64(p.off) + uint64(ext)
	if end > uint64(sb.be.MemorySize()) {
		return 0, fmt.Errorf("%w: range [%#x, %#x) leaves sandbox memory", ErrInvalidArgument, p.off, end)
	}
	return ext, nil
}

// CopyIn copies host bytes into the memory behind p. The write is
// bounded by the pointer's extent; an oversized source reports
// ErrInvalidArgument before anything is written.
func (sb *Sandbox) CopyIn(p Ptr, src []byte) error {
	if err := sb.enter(); err != nil {
		return err
	}
	defer sb.exit()
	return sb.copyInLocked(p, src)
}

func (sb *Sandbox) copyInLocked(p Ptr, src []byte) error {
	ext, err := sb.extentOf(p)
	if err != nil {
		return err
	}
	if uint64(len(src)) > uint64(ext) {
		return fmt.Errorf("%w: %d bytes exceed the pointer's %d byte extent", ErrInvalidArgument, len(src), ext)
	}
	if len(src) == 0 {
		return nil
	}
	if err := sb.be.Write(p.off, src); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// CopyOut copies n bytes from behind p without verification. This is
// an audited bypass mirroring ForceTrust: justification must be
// non-empty and every use is logged and counted. The sanctioned path
// for extracting data is the CopyAndVerify family.
func (sb *Sandbox) CopyOut(p Ptr, n uint32, justification string) ([]byte, error) {
	if err := sb.enter(); err != nil {
		return nil, err
	}
	defer sb.exit()

	if justification == "" {
		return nil, fmt.Errorf("%w: CopyOut requires a justification", ErrInvalidArgument)
	}
	ext, err := sb.extentOf(p)
	if err != nil {
		return nil, err
	}
	if n > ext {
		return nil, fmt.Errorf("%w: %d bytes exceed the pointer's %d byte extent", ErrInvalidArgument, n, ext)
	}
	data, err := sb.be.Read(p.off, n)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	sb.stats.copyOuts.Add(1)
	sb.logger.Warn("taintbox: unverified copy out of sandbox",
		"sandbox", sb.id,
		"offset", p.off,
		"bytes", n,
		"justification", justification)
	return data, nil
}

// ForceTainted aliases a host-owned buffer into the sandbox address
// space and returns a pointer-shaped tainted value labeled
// OriginForced, so host data can flow through code paths that expect
// sandbox-side buffers. The sandbox reads and writes buf in place; the
// caller keeps it alive until the pointer is freed.
//
// This is an audited bypass gated by Config.AllowForceTainted, which
// only the no-effect backend accepts.
func (sb *Sandbox) ForceTainted(buf []byte, justification string) (Tainted[Value], error) {
	if err := sb.enter(); err != nil {
		return Tainted[Value]{}, err
	}
	defer sb.exit()

	if !sb.cfg.AllowForceTainted {
		return Tainted[Value]{}, fmt.Errorf("%w: ForceTainted requires Config.AllowForceTainted", ErrInvalidArgument)
	}
	if justification == "" {
		return Tainted[Value]{}, fmt.Errorf("%w: ForceTainted requires a justification", ErrInvalidArgument)
	}
	aliaser, ok := sb.be.(backend.HostAliaser)
	if !ok {
		return Tainted[Value]{}, fmt.Errorf("%w: backend %s cannot alias host memory", ErrInvalidArgument, sb.be.Name())
	}
	if len(buf) == 0 {
		return Tainted[Value]{}, fmt.Errorf("%w: cannot taint an empty buffer", ErrInvalidArgument)
	}
	if uint64(len(buf)) > math.MaxUint32 {
		return Tainted[Value]{}, fmt.Errorf("%w: buffer exceeds the 32-bit address space", ErrInvalidArgument)
	}

	off, err := aliaser.AliasHostSpan(buf)
	if err != nil {
		return Tainted[Value]{}, fmt.Errorf("%w: %v", ErrAllocation, err)
	}

	sb.serial++
	sp := &span{
		off:     off,
		rawOff:  off,
		size:    uint32(len(buf)),
		rawSize: uint32(len(buf)),
		kind:    KindUint8,
		count:   uint32(len(buf)),
		serial:  sb.serial,
		foreign: true,
	}
	sb.spans[off] = sp
	sb.stats.forceTainteds.Add(1)
	sb.stats.liveBytes.Add(uint64(sp.size))
	sb.logger.Warn("taintbox: host buffer aliased into sandbox",
		"sandbox", sb.id,
		"bytes", len(buf),
		"offset", off,
		"justification", justification)

	v := Value{kind: KindPtr, bits: uint64(off)}
	return Tainted[Value]{raw: v, owner: sb, origin: OriginForced}, nil
}
