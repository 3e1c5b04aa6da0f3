// Package noop implements the no-effect backend: sandbox memory is an
// ordinary host-process arena and invocation is a direct in-process
// call into registered Go functions. Nothing is enforced; the taint
// discipline is pure bookkeeping here. Its purpose is to let an
// integration compile and run correctly before real isolation is
// switched on, with every call site already in its final shape.
package noop

import (
	"context"
	"fmt"

	"github.com/zhangyunhao116/taintbox/backend"
	"github.com/zhangyunhao116/taintbox/internal/arena"
)

// Func is one entry in the backend's symbol table: a host Go function
// standing in for an isolated library export. Params and Results declare
// the fixed signature; Fn receives the raw argument words and the call
// environment.
type Func struct {
	// Params lists the parameter kinds in call order.
	Params []backend.Kind

	// Results lists the result kinds (at most one).
	Results []backend.Kind

	// Fn is the function body. stack holds one word per parameter; the
	// returned slice holds one word per result. A non-nil error aborts
	// the call, mirroring a trap in the isolated variant.
	Fn func(ctx context.Context, env *Env, stack []uint64) ([]uint64, error)
}

// Library is the backend's symbol table, keyed by export name.
type Library map[string]Func

// Config configures a no-effect backend.
type Config struct {
	// ArenaSize is the sandbox memory capacity in bytes.
	ArenaSize uint32

	// GuardPages places inaccessible pages around the arena when the
	// platform supports it.
	GuardPages bool

	// Library is the symbol table served by Lookup.
	Library Library

	// Callbacks are host functions reachable from library code through
	// Env.Callback.
	Callbacks map[string]backend.HostFunc
}

// Backend is the no-effect isolation backend.
//
// Backend is not safe for concurrent use by itself; the owning sandbox
// instance serializes access.
type Backend struct {
	arena     *arena.Arena
	lib       Library
	callbacks map[string]backend.HostFunc
	aliases   map[uint32][]byte
	aliasNext uint32
}

// New creates a no-effect backend. The symbol table and callback
// signatures are validated here so that a malformed registration fails
// at construction time, not at first call.
func New(cfg Config) (*Backend, error) {
	if cfg.ArenaSize == 0 {
		return nil, fmt.Errorf("noop: arena size must be non-zero")
	}
	if cfg.ArenaSize > backend.HostAliasBase {
		return nil, fmt.Errorf("noop: arena size %d exceeds addressable range", cfg.ArenaSize)
	}
	for name, fn := range cfg.Library {
		if name == "" {
			return nil, fmt.Errorf("noop: library entry with empty name")
		}
		if fn.Fn == nil {
			return nil, fmt.Errorf("noop: library entry %q has nil Fn", name)
		}
		sig := backend.Signature{Params: fn.Params, Results: fn.Results}
		if err := sig.Validate(); err != nil {
			return nil, fmt.Errorf("noop: library entry %q: %w", name, err)
		}
	}
	for name, hf := range cfg.Callbacks {
		if name == "" {
			return nil, fmt.Errorf("noop: callback with empty name")
		}
		if hf.Fn == nil {
			return nil, fmt.Errorf("noop: callback %q has nil Fn", name)
		}
		if err := hf.Sig.Validate(); err != nil {
			return nil, fmt.Errorf("noop: callback %q: %w", name, err)
		}
	}

	a, err := arena.New(cfg.ArenaSize, cfg.GuardPages)
	if err != nil {
		return nil, err
	}
	return &Backend{
		arena:     a,
		lib:       cfg.Library,
		callbacks: cfg.Callbacks,
		aliases:   make(map[uint32][]byte),
		aliasNext: backend.HostAliasBase,
	}, nil
}

// Name returns "noop".
func (b *Backend) Name() string { return "noop" }

// Capabilities reports no isolation and host-alias support.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Isolated: false, HostAlias: true}
}

// MemorySize returns the arena capacity in bytes.
func (b *Backend) MemorySize() uint32 { return b.arena.Size() }

// Read copies n bytes starting at off. Offsets at or above
// backend.HostAliasBase address registered host spans.
func (b *Backend) Read(off, n uint32) ([]byte, error) {
	if off >= backend.HostAliasBase {
		span, rel, err := b.aliasAt(off, n)
		if err != nil {
			return nil, err
		}
		out := make([]byte, n)
		copy(out, span[rel:rel+n])
		return out, nil
	}
	view, err := b.arena.At(off, n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, view)
	return out, nil
}

// Write copies data into memory starting at off.
func (b *Backend) Write(off uint32, data []byte) error {
	n := uint32(len(data))
	if off >= backend.HostAliasBase {
		span, rel, err := b.aliasAt(off, n)
		if err != nil {
			return err
		}
		copy(span[rel:rel+n], data)
		return nil
	}
	view, err := b.arena.At(off, n)
	if err != nil {
		return err
	}
	copy(view, data)
	return nil
}

// Alloc reserves n bytes in the arena. ctx is unused: no boundary is
// crossed in this variant.
func (b *Backend) Alloc(_ context.Context, n uint32) (uint32, error) {
	return b.arena.Alloc(n)
}

// Free releases an arena allocation.
func (b *Backend) Free(_ context.Context, off uint32) error {
	return b.arena.Free(off)
}

// Lookup resolves a symbol from the configured Library.
func (b *Backend) Lookup(name string) (backend.Function, error) {
	fn, ok := b.lib[name]
	if !ok {
		return nil, fmt.Errorf("noop: no symbol %q in library", name)
	}
	return &function{name: name, fn: fn, b: b}, nil
}

// Close releases the arena. Outstanding aliases are dropped.
func (b *Backend) Close(_ context.Context) error {
	b.aliases = nil
	b.lib = nil
	b.callbacks = nil
	return b.arena.Close()
}

// AliasHostSpan registers a host slice and returns the offset through
// which it is addressable. The slice is accessed in place; the caller
// keeps ownership of its lifetime.
func (b *Backend) AliasHostSpan(buf []byte) (uint32, error) {
	if len(buf) == 0 {
		return 0, fmt.Errorf("noop: cannot alias an empty span")
	}
	size := uint64(len(buf))
	// Alias offsets are monotonic and never reused, so a stale alias
	// offset can never silently resolve to a newer span.
	next := uint64(b.aliasNext) + ((size + 7) &^ 7)
	if next > 1<<32-1 {
		return 0, fmt.Errorf("noop: host alias address space exhausted")
	}
	off := b.aliasNext
	b.aliases[off] = buf
	b.aliasNext = uint32(next)
	return off, nil
}

// DropHostAlias releases an alias created by AliasHostSpan.
func (b *Backend) DropHostAlias(off uint32) error {
	if _, ok := b.aliases[off]; !ok {
		return fmt.Errorf("noop: offset %#x is not a live host alias", off)
	}
	delete(b.aliases, off)
	return nil
}

// aliasAt resolves an alias-class offset to its span and the relative
// position of off inside it, verifying that [off, off+n) stays inside.
func (b *Backend) aliasAt(off, n uint32) ([]byte, uint32, error) {
	for base, span := range b.aliases {
		if off < base || uint64(off) >= uint64(base)+uint64(len(span)) {
			continue
		}
		rel := off - base
		if uint64(rel)+uint64(n) > uint64(len(span)) {
			return nil, 0, fmt.Errorf("noop: range [%#x, %#x) leaves host span", off, uint64(off)+uint64(n))
		}
		return span, rel, nil
	}
	return nil, 0, fmt.Errorf("noop: offset %#x is not inside a live host span", off)
}

// function adapts a Library entry to backend.Function.
type function struct {
	name string
	fn   Func
	b    *Backend
}

func (f *function) Name() string { return f.name }

func (f *function) Signature() backend.Signature {
	return backend.Signature{Params: f.fn.Params, Results: f.fn.Results}
}

// Call runs the function directly in-process. The stack passed to Fn is
// a private copy, so the function may scribble on it freely.
func (f *function) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if len(params) != len(f.fn.Params) {
		return nil, fmt.Errorf("noop: %s takes %d args, got %d", f.name, len(f.fn.Params), len(params))
	}
	stack := make([]uint64, len(params))
	copy(stack, params)
	results, err := f.fn.Fn(ctx, &Env{b: f.b}, stack)
	if err != nil {
		return nil, fmt.Errorf("noop: %s: %w", f.name, err)
	}
	if len(results) != len(f.fn.Results) {
		return nil, fmt.Errorf("noop: %s declared %d results, returned %d", f.name, len(f.fn.Results), len(results))
	}
	return results, nil
}

// Env is the view of the sandbox handed to library functions while they
// run. It mirrors what isolated code can reach in the real backend: its
// own memory, its own allocator, and the registered host callbacks.
type Env struct {
	b *Backend
}

// Read copies n bytes of sandbox memory starting at off.
func (e *Env) Read(off, n uint32) ([]byte, error) { return e.b.Read(off, n) }

// Write copies data into sandbox memory starting at off.
func (e *Env) Write(off uint32, data []byte) error { return e.b.Write(off, data) }

// Alloc reserves n bytes from the sandbox arena.
func (e *Env) Alloc(n uint32) (uint32, error) { return e.b.arena.Alloc(n) }

// Free releases an arena allocation.
func (e *Env) Free(off uint32) error { return e.b.arena.Free(off) }

// Callback invokes a registered host callback by name.
func (e *Env) Callback(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	hf, ok := e.b.callbacks[name]
	if !ok {
		return nil, fmt.Errorf("noop: no callback %q registered", name)
	}
	if len(params) != len(hf.Sig.Params) {
		return nil, fmt.Errorf("noop: callback %s takes %d args, got %d", name, len(hf.Sig.Params), len(params))
	}
	return hf.Fn(ctx, params)
}
