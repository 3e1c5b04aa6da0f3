package taintbox

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/zhangyunhao116/taintbox/backend"
	"github.com/zhangyunhao116/taintbox/backend/noop"
	"github.com/zhangyunhao116/taintbox/backend/wasm"
)

const unknownStr = "unknown"

// BackendKind selects the isolation substrate behind an instance.
type BackendKind int

const (
	// BackendNoOp keeps the library in-process: allocation comes from
	// a host-side arena and invocation is a direct call. Taint is pure
	// bookkeeping with zero enforcement, which lets an integration be
	// built and tested before isolation is switched on.
	BackendNoOp BackendKind = iota

	// BackendWasm confines the library to a wasm linear memory; it can
	// touch host state only through the configured callbacks.
	BackendWasm
)

func (b BackendKind) String() string {
	switch b {
	case BackendNoOp:
		return "noop"
	case BackendWasm:
		return "wasm"
	default:
		return unknownStr
	}
}

const (
	defaultArenaSize     = 16 << 20
	defaultMaxStdioBytes = 10 << 20
)

// ArenaConfig tunes sandbox memory management.
type ArenaConfig struct {
	// Size is the arena capacity in bytes for the no-effect backend.
	// Zero selects the 16 MiB default.
	Size int

	// Redzone surrounds every allocation with canary bands that are
	// checked on free, so out-of-bounds writes by the library surface
	// as ErrMemoryViolation instead of silent corruption.
	Redzone bool

	// ZeroOnFree scrubs allocation payloads when they are released.
	ZeroOnFree bool

	// GuardPages places inaccessible pages on both ends of the arena
	// when the platform supports it. No-effect backend only.
	GuardPages bool
}

// ModuleConfig locates and constrains the isolated library image used
// by the wasm backend.
type ModuleConfig struct {
	// Path locates the module image on disk, raw wasm or
	// zstd-compressed.
	Path string

	// Image holds the module image bytes directly, for embedders that
	// load images themselves. Takes precedence over Path.
	Image []byte

	// Digest optionally pins the image to a "blake3:<hex>" digest
	// computed over the decompressed bytes.
	Digest string

	// MemoryLimitPages caps guest memory in 64 KiB wasm pages.
	// Zero keeps the module's own limit.
	MemoryLimitPages uint32

	// AllowStdio lets the isolated code write to Stdout and Stderr.
	// Without it guest output is discarded.
	AllowStdio bool

	// Stdout and Stderr receive guest output when AllowStdio is set.
	Stdout io.Writer
	Stderr io.Writer

	// MaxStdioBytes caps forwarded output per stream. Zero selects
	// the 10 MiB default; the excess is discarded, not an error.
	MaxStdioBytes int

	// AllocExport and FreeExport name the guest allocator entry
	// points, defaulting to "malloc" and "free".
	AllocExport string
	FreeExport  string

	// CacheDir persists compiled module code across processes.
	CacheDir string

	// Engine shares compiled module code across instances in this
	// process. Mutually exclusive with CacheDir; the caller owns the
	// engine's lifetime.
	Engine *wasm.Engine
}

// Config holds the complete configuration for a sandbox instance.
// The zero value is not usable; start from DefaultConfig.
type Config struct {
	// Backend selects the isolation substrate. Every other call site
	// keeps the same shape across backends.
	Backend BackendKind

	// Arena tunes sandbox memory management.
	Arena ArenaConfig

	// Module configures the wasm backend's library image.
	Module ModuleConfig

	// Library is the symbol table served by the no-effect backend.
	Library noop.Library

	// Callbacks are host functions the sandboxed library may invoke.
	// Their arguments arrive tainted like any other boundary data.
	Callbacks map[string]Callback

	// Concurrent serializes boundary operations with an internal lock
	// so one instance may be shared across goroutines. Off by default;
	// an unshared instance pays nothing.
	Concurrent bool

	// AllowForceTainted permits aliasing host buffers into the sandbox
	// address space. Only the no-effect backend can honor it.
	AllowForceTainted bool

	// PanicOnMisuse panics on contract violations such as double free
	// or use of a stale pointer instead of returning
	// ErrInvalidArgument. Meant for debug builds and tests.
	PanicOnMisuse bool

	// Logger receives structured audit events: instance lifecycle and
	// every verifier bypass. Nil means slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns the no-effect backend with redzone checking
// enabled, suitable for wiring up an integration.
func DefaultConfig() *Config {
	return &Config{
		Backend: BackendNoOp,
		Arena: ArenaConfig{
			Size:    defaultArenaSize,
			Redzone: true,
		},
		Module: ModuleConfig{
			MaxStdioBytes: defaultMaxStdioBytes,
		},
	}
}

// DevelopmentConfig returns a configuration for debugging integrations:
// contract violations panic and freed memory is scrubbed so stale reads
// show up immediately.
func DevelopmentConfig() *Config {
	c := DefaultConfig()
	c.Arena.ZeroOnFree = true
	c.Arena.GuardPages = true
	c.PanicOnMisuse = true
	return c
}

// IsolatedConfig returns a configuration running the module image at
// path inside the wasm backend.
func IsolatedConfig(path string) *Config {
	c := DefaultConfig()
	c.Backend = BackendWasm
	c.Module.Path = path
	return c
}

// Validate checks the configuration for contradictions. It reports all
// problems at once, wrapped in ErrConfigInvalid.
func (c *Config) Validate() error {
	var errs []string

	if c.Backend < BackendNoOp || c.Backend > BackendWasm {
		errs = append(errs, fmt.Sprintf("Backend: unknown kind %d", int(c.Backend)))
	}

	errs = c.validateArena(errs)
	errs = c.validateModule(errs)
	errs = c.validateLibrary(errs)
	errs = c.validateCallbacks(errs)

	if c.AllowForceTainted && c.Backend == BackendWasm {
		errs = append(errs, "AllowForceTainted: the wasm backend cannot alias host memory")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrConfigInvalid, strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) validateArena(errs []string) []string {
	if c.Arena.Size < 0 {
		errs = append(errs, "Arena.Size: must not be negative")
	}
	if uint64(max(c.Arena.Size, 0)) > uint64(backend.HostAliasBase) {
		errs = append(errs, fmt.Sprintf("Arena.Size: must not exceed %d bytes", backend.HostAliasBase))
	}
	if c.Backend == BackendWasm {
		if c.Arena.GuardPages {
			errs = append(errs, "Arena.GuardPages: only the noop backend places guard pages")
		}
	}
	return errs
}

func (c *Config) validateModule(errs []string) []string {
	m := &c.Module
	switch c.Backend {
	case BackendWasm:
		if m.Path == "" && len(m.Image) == 0 {
			errs = append(errs, "Module: the wasm backend requires a Path or Image")
		}
		if m.Digest != "" {
			if _, err := wasm.ParseDigest(m.Digest); err != nil {
				errs = append(errs, fmt.Sprintf("Module.Digest: %v", err))
			}
		}
		if m.CacheDir != "" && m.Engine != nil {
			errs = append(errs, "Module: CacheDir and Engine are mutually exclusive")
		}
	case BackendNoOp:
		if m.Path != "" || len(m.Image) != 0 {
			errs = append(errs, "Module: only the wasm backend loads a module image")
		}
		if m.Digest != "" {
			errs = append(errs, "Module.Digest: only the wasm backend pins an image")
		}
		if m.CacheDir != "" || m.Engine != nil {
			errs = append(errs, "Module: compilation caching only applies to the wasm backend")
		}
	}
	if m.MaxStdioBytes < 0 {
		errs = append(errs, "Module.MaxStdioBytes: must not be negative")
	}
	if (m.Stdout != nil || m.Stderr != nil) && !m.AllowStdio {
		errs = append(errs, "Module: Stdout and Stderr require AllowStdio")
	}
	return errs
}

func (c *Config) validateLibrary(errs []string) []string {
	if c.Backend == BackendWasm && c.Library != nil {
		errs = append(errs, "Library: only the noop backend serves a host-defined library")
	}
	return errs
}

func (c *Config) validateCallbacks(errs []string) []string {
	for name, cb := range c.Callbacks {
		if name == "" {
			errs = append(errs, "Callbacks: entry with empty name")
			continue
		}
		if cb.Fn == nil {
			errs = append(errs, fmt.Sprintf("Callbacks[%s]: Fn must not be nil", name))
			continue
		}
		sig := Signature{Params: cb.Params, Results: cb.Results}
		if err := sig.Validate(); err != nil {
			errs = append(errs, fmt.Sprintf("Callbacks[%s]: %v", name, err))
		}
	}
	return errs
}

// deepCopyConfig returns a copy with private map headers and image
// bytes so a caller mutating the original after New cannot reach into
// the instance. Logger, writers and Engine are shared by reference.
func deepCopyConfig(cfg *Config) *Config {
	out := *cfg
	if cfg.Library != nil {
		out.Library = make(noop.Library, len(cfg.Library))
		for k, v := range cfg.Library {
			out.Library[k] = v
		}
	}
	if cfg.Callbacks != nil {
		out.Callbacks = make(map[string]Callback, len(cfg.Callbacks))
		for k, v := range cfg.Callbacks {
			out.Callbacks[k] = v
		}
	}
	if cfg.Module.Image != nil {
		out.Module.Image = append([]byte(nil), cfg.Module.Image...)
	}
	return &out
}
