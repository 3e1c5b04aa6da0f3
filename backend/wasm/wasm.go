// Package wasm implements the memory-isolated backend on the wazero
// WebAssembly runtime. The guest library is compiled to wasm32 and runs
// inside its own linear memory; the only host surface it sees is the
// WASI deny-by-default preview (no filesystem, no network, no env) plus
// the callbacks registered at construction.
package wasm

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/zhangyunhao116/taintbox/backend"
)

// Engine is a shared compilation cache. Instances created with the same
// Engine reuse compiled machine code for identical images, which turns
// repeated instantiation of the same library into a memory copy instead
// of a recompile.
type Engine struct {
	cache wazero.CompilationCache
}

// NewEngine creates an in-memory compilation cache.
func NewEngine() *Engine {
	return &Engine{cache: wazero.NewCompilationCache()}
}

// NewEngineWithDir creates a compilation cache persisted under dir, so
// compiled code survives process restarts.
func NewEngineWithDir(dir string) (*Engine, error) {
	cache, err := wazero.NewCompilationCacheWithDir(dir)
	if err != nil {
		return nil, fmt.Errorf("wasm: opening compilation cache: %w", err)
	}
	return &Engine{cache: cache}, nil
}

// Close releases the cache. Backends created from this engine must be
// closed first.
func (e *Engine) Close(ctx context.Context) error {
	return e.cache.Close(ctx)
}

// Config configures one isolated backend instance.
type Config struct {
	// Image holds the module image bytes (raw wasm or zstd-compressed
	// wasm). When nil, the image is loaded from ImagePath.
	Image []byte

	// ImagePath locates the module image on disk. Ignored when Image
	// is set.
	ImagePath string

	// Digest optionally pins the image to a "blake3:<hex>" digest,
	// verified against the decoded bytes before compilation.
	Digest string

	// MemoryLimitPages caps the guest's linear memory in 64 KiB wasm
	// pages. Zero means the wazero default (the wasm32 maximum).
	MemoryLimitPages uint32

	// Stdout and Stderr receive the guest's stdio when set. Leaving
	// them nil discards guest output.
	Stdout io.Writer
	Stderr io.Writer

	// MaxStdioBytes caps the bytes forwarded to Stdout and Stderr
	// (each). Zero means no cap.
	MaxStdioBytes int

	// AllocExport and FreeExport name the guest's allocator exports.
	// They default to "malloc" and "free".
	AllocExport string
	FreeExport  string

	// Callbacks are host functions exported to the guest under the
	// "env" module.
	Callbacks map[string]backend.HostFunc

	// Engine optionally shares a compilation cache across instances.
	Engine *Engine
}

// Backend is one instantiated guest module.
//
// Backend is not safe for concurrent use by itself; the owning sandbox
// instance serializes access.
type Backend struct {
	runtime   wazero.Runtime
	mod       api.Module
	mem       api.Memory
	alloc     api.Function
	release   api.Function
	allocName string
	freeName  string
}

// New compiles and instantiates the configured module image. The module
// is treated as a reactor: no start function runs implicitly, but an
// exported "_initialize" (emitted by wasi-libc reactor builds) is called
// once so the guest's runtime state is set up before the first symbol
// call.
func New(ctx context.Context, cfg Config) (*Backend, error) {
	image := cfg.Image
	var err error
	if image == nil {
		if cfg.ImagePath == "" {
			return nil, errors.New("wasm: no module image configured")
		}
		image, err = LoadImage(cfg.ImagePath)
	} else {
		image, err = DecodeImage(image)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Digest != "" {
		if err := verifyImage(image, cfg.Digest); err != nil {
			return nil, err
		}
	}

	// A cancelled context must not tear down the instance mid-call;
	// call lifetimes are managed by the invocation layer.
	rcfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(false)
	if cfg.MemoryLimitPages > 0 {
		rcfg = rcfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	if cfg.Engine != nil {
		rcfg = rcfg.WithCompilationCache(cfg.Engine.cache)
	}
	r := wazero.NewRuntimeWithConfig(ctx, rcfg)

	// WASI deny-by-default: only the clock and stdio stubs, no
	// filesystem mounts, no network, no environment.
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm: instantiating wasi: %w", err)
	}

	if len(cfg.Callbacks) > 0 {
		builder := r.NewHostModuleBuilder("env")
		for name, hf := range cfg.Callbacks {
			builder.NewFunctionBuilder().
				WithGoModuleFunction(hostGlue(name, hf), valueTypes(hf.Sig.Params), valueTypes(hf.Sig.Results)).
				Export(name)
		}
		if _, err := builder.Instantiate(ctx); err != nil {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("wasm: instantiating callback module: %w", err)
		}
	}

	compiled, err := r.CompileModule(ctx, image)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm: compiling module: %w", err)
	}

	mcfg := wazero.NewModuleConfig().
		WithName("taintbox").
		WithStartFunctions() // reactor module, nothing runs implicitly
	if cfg.Stdout != nil {
		mcfg = mcfg.WithStdout(capWriter(cfg.Stdout, cfg.MaxStdioBytes))
	}
	if cfg.Stderr != nil {
		mcfg = mcfg.WithStderr(capWriter(cfg.Stderr, cfg.MaxStdioBytes))
	}

	mod, err := r.InstantiateModule(ctx, compiled, mcfg)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("wasm: instantiating module: %w", err)
	}

	if initFn := mod.ExportedFunction("_initialize"); initFn != nil {
		if _, err := initFn.Call(ctx); err != nil {
			_ = r.Close(ctx)
			return nil, fmt.Errorf("wasm: running _initialize: %w", err)
		}
	}

	mem := mod.Memory()
	if mem == nil {
		_ = r.Close(ctx)
		return nil, errors.New("wasm: module exports no linear memory")
	}

	b := &Backend{
		runtime:   r,
		mod:       mod,
		mem:       mem,
		allocName: cfg.AllocExport,
		freeName:  cfg.FreeExport,
	}
	if b.allocName == "" {
		b.allocName = "malloc"
	}
	if b.freeName == "" {
		b.freeName = "free"
	}
	// The allocator exports may be absent; Alloc and Free report that
	// lazily so read-only guests without an allocator still work.
	b.alloc = mod.ExportedFunction(b.allocName)
	b.release = mod.ExportedFunction(b.freeName)
	return b, nil
}

// Name returns "wasm-wazero".
func (b *Backend) Name() string { return "wasm-wazero" }

// Capabilities reports real isolation and no host aliasing: the guest's
// address space is its own, so host memory cannot be mapped into it.
func (b *Backend) Capabilities() backend.Capabilities {
	return backend.Capabilities{Isolated: true, HostAlias: false}
}

// MemorySize returns the current size of the guest's linear memory in
// bytes. It can grow while the instance runs.
func (b *Backend) MemorySize() uint32 { return b.mem.Size() }

// Read copies n bytes of linear memory starting at off. The wazero view
// aliases guest memory, so the bytes are copied out before the guest can
// run again.
func (b *Backend) Read(off, n uint32) ([]byte, error) {
	view, ok := b.mem.Read(off, n)
	if !ok {
		return nil, fmt.Errorf("wasm: range [%#x, %#x) leaves linear memory", off, uint64(off)+uint64(n))
	}
	out := make([]byte, n)
	copy(out, view)
	return out, nil
}

// Write copies data into linear memory starting at off.
func (b *Backend) Write(off uint32, data []byte) error {
	if !b.mem.Write(off, data) {
		return fmt.Errorf("wasm: range [%#x, %#x) leaves linear memory", off, uint64(off)+uint64(len(data)))
	}
	return nil
}

// Alloc calls the guest's allocator export. The returned offset is
// produced by untrusted code; the caller validates it like any other
// guest-provided pointer.
func (b *Backend) Alloc(ctx context.Context, n uint32) (uint32, error) {
	if b.alloc == nil {
		return 0, fmt.Errorf("wasm: module exports no allocator %q", b.allocName)
	}
	results, err := b.alloc.Call(ctx, uint64(n))
	if err != nil {
		return 0, fmt.Errorf("wasm: guest %s: %w", b.allocName, err)
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("wasm: guest %s returned %d values, want 1", b.allocName, len(results))
	}
	off := uint32(results[0])
	if off == 0 {
		return 0, fmt.Errorf("wasm: guest allocator returned null for %d bytes", n)
	}
	return off, nil
}

// Free calls the guest's deallocator export.
func (b *Backend) Free(ctx context.Context, off uint32) error {
	if b.release == nil {
		return fmt.Errorf("wasm: module exports no deallocator %q", b.freeName)
	}
	if _, err := b.release.Call(ctx, uint64(off)); err != nil {
		return fmt.Errorf("wasm: guest %s: %w", b.freeName, err)
	}
	return nil
}

// Lookup resolves an exported guest function. The signature is derived
// from the wasm type section; sign information does not exist at that
// level, so integer words surface as their signed kinds.
func (b *Backend) Lookup(name string) (backend.Function, error) {
	fn := b.mod.ExportedFunction(name)
	if fn == nil {
		return nil, fmt.Errorf("wasm: no export %q in module", name)
	}
	def := fn.Definition()
	sig := backend.Signature{
		Params:  kindsOf(def.ParamTypes()),
		Results: kindsOf(def.ResultTypes()),
	}
	if err := sig.Validate(); err != nil {
		return nil, fmt.Errorf("wasm: export %q: %w", name, err)
	}
	return &function{name: name, fn: fn, sig: sig}, nil
}

// Close tears down the runtime and everything instantiated in it.
func (b *Backend) Close(ctx context.Context) error {
	return b.runtime.Close(ctx)
}

// function adapts a wazero export to backend.Function.
type function struct {
	name string
	fn   api.Function
	sig  backend.Signature
}

func (f *function) Name() string { return f.name }

func (f *function) Signature() backend.Signature { return f.sig }

// Call runs the export. Guest traps (unreachable, out-of-bounds access,
// stack exhaustion) and aborted callbacks surface as the returned error.
func (f *function) Call(ctx context.Context, params ...uint64) ([]uint64, error) {
	if len(params) != len(f.sig.Params) {
		return nil, fmt.Errorf("wasm: %s takes %d args, got %d", f.name, len(f.sig.Params), len(params))
	}
	results, err := f.fn.Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("wasm: %s: %w", f.name, err)
	}
	return results, nil
}

// hostGlue adapts a host callback to the wazero host-function shape.
// wazero host functions cannot return errors, so a failing callback
// panics; the runtime converts the panic into a trap that aborts the
// in-flight guest call and surfaces from Function.Call as an error.
func hostGlue(name string, hf backend.HostFunc) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		params := make([]uint64, len(hf.Sig.Params))
		copy(params, stack)
		results, err := hf.Fn(ctx, params)
		if err != nil {
			panic(fmt.Sprintf("callback %s: %v", name, err))
		}
		if len(results) != len(hf.Sig.Results) {
			panic(fmt.Sprintf("callback %s: declared %d results, returned %d", name, len(hf.Sig.Results), len(results)))
		}
		copy(stack, results)
	}
}

// valueTypes maps signature kinds to wasm value types.
func valueTypes(kinds []backend.Kind) []api.ValueType {
	out := make([]api.ValueType, len(kinds))
	for i, k := range kinds {
		out[i] = valueType(k)
	}
	return out
}

func valueType(k backend.Kind) api.ValueType {
	switch k {
	case backend.KindInt64, backend.KindUint64:
		return api.ValueTypeI64
	case backend.KindFloat32:
		return api.ValueTypeF32
	case backend.KindFloat64:
		return api.ValueTypeF64
	default:
		return api.ValueTypeI32
	}
}

// kindsOf maps wasm value types back to signature kinds.
func kindsOf(types []api.ValueType) []backend.Kind {
	if len(types) == 0 {
		return nil
	}
	out := make([]backend.Kind, len(types))
	for i, vt := range types {
		switch vt {
		case api.ValueTypeI64:
			out[i] = backend.KindInt64
		case api.ValueTypeF32:
			out[i] = backend.KindFloat32
		case api.ValueTypeF64:
			out[i] = backend.KindFloat64
		default:
			out[i] = backend.KindInt32
		}
	}
	return out
}

// limitedWriter passes bytes through to w until limit is reached, then
// silently discards the rest. Full length is always reported so a
// chatty guest never sees a short write.
type limitedWriter struct {
	w     io.Writer
	limit int
	n     int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.n
	if remaining <= 0 {
		return len(p), nil // discard but report success
	}
	if len(p) <= remaining {
		n, err := lw.w.Write(p)
		lw.n += n
		return n, err
	}
	n, err := lw.w.Write(p[:remaining])
	lw.n += n
	if err != nil {
		return n, err
	}
	return len(p), nil
}

func capWriter(w io.Writer, limit int) io.Writer {
	if limit <= 0 {
		return w
	}
	return &limitedWriter{w: w, limit: limit}
}
