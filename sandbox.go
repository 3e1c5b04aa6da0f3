package taintbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/zhangyunhao116/taintbox/backend"
	"github.com/zhangyunhao116/taintbox/backend/noop"
	"github.com/zhangyunhao116/taintbox/backend/wasm"
)

// instanceSeq numbers instances for log correlation.
var instanceSeq atomic.Uint64

// Sandbox is one isolation instance: a library confined behind a
// memory boundary, the allocator for memory it owns, and the
// trampoline for calling into it. Data coming back out is tainted
// until a verifier passes it.
//
// A Sandbox is safe for concurrent use only when Config.Concurrent is
// set. Close destroys the instance; afterwards every operation against
// it, its pointers, or its tainted values fails with
// ErrSandboxDestroyed.
type Sandbox struct {
	id     uint64
	cfg    *Config
	be     backend.Backend
	logger *slog.Logger

	// ownedEngine is a compilation engine created from
	// Module.CacheDir, closed together with the instance. An engine
	// supplied by the caller is never closed here.
	ownedEngine *wasm.Engine

	mu     sync.Mutex
	closed atomic.Bool

	symbols map[string]*Symbol
	spans   map[uint32]*span
	serial  uint64

	stats statCounters
}

// statCounters are atomics so Stats can snapshot without the instance
// lock, including after Close.
type statCounters struct {
	allocs        atomic.Uint64
	frees         atomic.Uint64
	calls         atomic.Uint64
	liveBytes     atomic.Uint64
	forceTrusts   atomic.Uint64
	forceTainteds atomic.Uint64
	copyOuts      atomic.Uint64
}

// span records one tracked allocation. off and size describe the
// payload handed to the user; rawOff and rawSize include the redzone
// bands when they are enabled. foreign marks host buffers aliased in
// via ForceTainted.
type span struct {
	off     uint32
	rawOff  uint32
	size    uint32
	rawSize uint32
	kind    Kind
	count   uint32
	serial  uint64
	foreign bool
}

// New creates a sandbox instance from cfg. A nil cfg means
// DefaultConfig. The configuration is validated first; validation
// failures wrap ErrConfigInvalid and backend failures wrap
// ErrSandboxCreation.
func New(cfg *Config) (*Sandbox, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = deepCopyConfig(cfg)

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sb := &Sandbox{
		id:      instanceSeq.Add(1),
		cfg:     cfg,
		logger:  logger,
		symbols: make(map[string]*Symbol),
		spans:   make(map[uint32]*span),
	}

	// The instance exists before its backend so the callback glue can
	// close over it.
	be, err := sb.buildBackend(context.Background())
	if err != nil {
		if sb.ownedEngine != nil {
			_ = sb.ownedEngine.Close(context.Background())
		}
		return nil, fmt.Errorf("%w: %v", ErrSandboxCreation, err)
	}
	sb.be = be

	logger.Debug("taintbox: sandbox created",
		"sandbox", sb.id,
		"backend", be.Name(),
		"isolated", be.Capabilities().Isolated)
	return sb, nil
}

func (sb *Sandbox) buildBackend(ctx context.Context) (backend.Backend, error) {
	hostFuncs := sb.hostFuncs()
	switch sb.cfg.Backend {
	case BackendWasm:
		m := sb.cfg.Module
		wcfg := wasm.Config{
			Image:            m.Image,
			ImagePath:        m.Path,
			Digest:           m.Digest,
			MemoryLimitPages: m.MemoryLimitPages,
			AllocExport:      m.AllocExport,
			FreeExport:       m.FreeExport,
			Callbacks:        hostFuncs,
			Engine:           m.Engine,
		}
		if m.AllowStdio {
			wcfg.Stdout = m.Stdout
			wcfg.Stderr = m.Stderr
			wcfg.MaxStdioBytes = m.MaxStdioBytes
			if wcfg.MaxStdioBytes == 0 {
				wcfg.MaxStdioBytes = defaultMaxStdioBytes
			}
		}
		if m.CacheDir != "" {
			eng, err := wasm.NewEngineWithDir(m.CacheDir)
			if err != nil {
				return nil, err
			}
			sb.ownedEngine = eng
			wcfg.Engine = eng
		}
		return wasm.New(ctx, wcfg)
	default:
		size := sb.cfg.Arena.Size
		if size == 0 {
			size = defaultArenaSize
		}
		return noop.New(noop.Config{
			ArenaSize:  uint32(size),
			GuardPages: sb.cfg.Arena.GuardPages,
			Library:    sb.cfg.Library,
			Callbacks:  hostFuncs,
		})
	}
}

// ID returns the process-unique instance number used in log events.
func (sb *Sandbox) ID() uint64 { return sb.id }

// Isolated reports whether the backend confines the library in a
// separate memory region.
func (sb *Sandbox) Isolated() bool { return sb.be.Capabilities().Isolated }

// enter gates one boundary operation: it takes the instance lock when
// the configuration promises concurrent use and rejects operations on
// a destroyed instance. Every enter pairs with exit.
func (sb *Sandbox) enter() error {
	if sb.cfg.Concurrent {
		sb.mu.Lock()
	}
	if sb.closed.Load() {
		sb.exit()
		return ErrSandboxDestroyed
	}
	return nil
}

func (sb *Sandbox) exit() {
	if sb.cfg.Concurrent {
		sb.mu.Unlock()
	}
}

// Close destroys the instance and releases backend resources. It is
// idempotent. Live allocations do not survive it; pointers and tainted
// values from this instance permanently fail with ErrSandboxDestroyed.
func (sb *Sandbox) Close() error {
	if sb.cfg.Concurrent {
		sb.mu.Lock()
		defer sb.mu.Unlock()
	}
	if !sb.closed.CompareAndSwap(false, true) {
		return nil
	}

	ctx := context.Background()
	err := sb.be.Close(ctx)
	if sb.ownedEngine != nil {
		if cerr := sb.ownedEngine.Close(ctx); err == nil {
			err = cerr
		}
	}
	sb.spans = nil
	sb.symbols = nil

	sb.logger.Debug("taintbox: sandbox destroyed", "sandbox", sb.id)
	if err != nil {
		return fmt.Errorf("taintbox: destroying sandbox: %w", err)
	}
	return nil
}

// With runs fn against a temporary instance and destroys it afterwards,
// including when fn returns early with an error.
func With(cfg *Config, fn func(*Sandbox) error) error {
	sb, err := New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		logCloseErr(sb.logger, sb.Close())
	}()
	return fn(sb)
}

func logCloseErr(logger *slog.Logger, err error) {
	if err != nil {
		logger.Debug("taintbox: close error", "err", err)
	}
}

// Symbol is a resolved entry point of the sandboxed library, bound to
// the instance that resolved it.
type Symbol struct {
	sb   *Sandbox
	name string
	fn   backend.Function
}

// Name returns the symbol name.
func (s *Symbol) Name() string { return s.name }

// Signature returns the fixed parameter and result kinds the symbol
// was bound with.
func (s *Symbol) Signature() Signature { return s.fn.Signature() }

// Symbol resolves name in the sandboxed library. Resolutions are
// cached for the life of the instance; a miss reports a SymbolError.
func (sb *Sandbox) Symbol(name string) (*Symbol, error) {
	if err := sb.enter(); err != nil {
		return nil, err
	}
	defer sb.exit()
	return sb.symbolLocked(name)
}

func (sb *Sandbox) symbolLocked(name string) (*Symbol, error) {
	if s, ok := sb.symbols[name]; ok {
		return s, nil
	}
	fn, err := sb.be.Lookup(name)
	if err != nil {
		return nil, &SymbolError{Name: name, Reason: err.Error()}
	}
	s := &Symbol{sb: sb, name: name, fn: fn}
	sb.symbols[name] = s
	return s, nil
}

// Stats returns a point-in-time snapshot of the instance counters.
// Valid at any time, including after Close.
func (sb *Sandbox) Stats() Stats {
	st := Stats{
		Backend:   sb.be.Name(),
		Isolated:  sb.be.Capabilities().Isolated,
		Allocs:    sb.stats.allocs.Load(),
		Frees:     sb.stats.frees.Load(),
		Calls:     sb.stats.calls.Load(),
		LiveBytes: sb.stats.liveBytes.Load(),
		Bypasses: map[BypassKind]uint64{
			BypassForceTrust:   sb.stats.forceTrusts.Load(),
			BypassForceTainted: sb.stats.forceTainteds.Load(),
			BypassCopyOut:      sb.stats.copyOuts.Load(),
		},
	}
	if sb.cfg.Concurrent {
		sb.mu.Lock()
		defer sb.mu.Unlock()
	}
	if !sb.closed.Load() {
		st.MemoryBytes = uint64(sb.be.MemorySize())
		st.LiveAllocs = len(sb.spans)
	}
	return st
}
