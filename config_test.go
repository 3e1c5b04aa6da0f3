package taintbox

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zhangyunhao116/taintbox/backend/noop"
	"github.com/zhangyunhao116/taintbox/backend/wasm"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg == nil {
		t.Fatal("DefaultConfig() returned nil")
	}
	if cfg.Backend != BackendNoOp {
		t.Errorf("Backend: got %v, want BackendNoOp", cfg.Backend)
	}
	if cfg.Arena.Size != defaultArenaSize {
		t.Errorf("Arena.Size: got %d, want %d", cfg.Arena.Size, defaultArenaSize)
	}
	if !cfg.Arena.Redzone {
		t.Error("Arena.Redzone: got false, want true")
	}
	if cfg.Arena.ZeroOnFree {
		t.Error("Arena.ZeroOnFree: got true, want false")
	}
	if cfg.Module.MaxStdioBytes != defaultMaxStdioBytes {
		t.Errorf("Module.MaxStdioBytes: got %d, want %d", cfg.Module.MaxStdioBytes, defaultMaxStdioBytes)
	}
	if cfg.PanicOnMisuse {
		t.Error("PanicOnMisuse: got true, want false")
	}
	if cfg.AllowForceTainted {
		t.Error("AllowForceTainted: got true, want false")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestDevelopmentConfig(t *testing.T) {
	cfg := DevelopmentConfig()

	if !cfg.PanicOnMisuse {
		t.Error("PanicOnMisuse: got false, want true")
	}
	if !cfg.Arena.ZeroOnFree {
		t.Error("Arena.ZeroOnFree: got false, want true")
	}
	if !cfg.Arena.GuardPages {
		t.Error("Arena.GuardPages: got false, want true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestIsolatedConfig(t *testing.T) {
	cfg := IsolatedConfig("/opt/lib/parser.wasm.zst")

	if cfg.Backend != BackendWasm {
		t.Errorf("Backend: got %v, want BackendWasm", cfg.Backend)
	}
	if cfg.Module.Path != "/opt/lib/parser.wasm.zst" {
		t.Errorf("Module.Path: got %q", cfg.Module.Path)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestBackendKindString(t *testing.T) {
	cases := map[BackendKind]string{
		BackendNoOp:     "noop",
		BackendWasm:     "wasm",
		BackendKind(42): unknownStr,
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("BackendKind(%d).String(): got %q, want %q", int(k), got, want)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "unknown backend",
			mutate: func(c *Config) { c.Backend = BackendKind(9) },
			want:   "unknown kind",
		},
		{
			name:   "negative arena",
			mutate: func(c *Config) { c.Arena.Size = -1 },
			want:   "must not be negative",
		},
		{
			name:   "arena too large",
			mutate: func(c *Config) { c.Arena.Size = 1 << 33 },
			want:   "must not exceed",
		},
		{
			name: "wasm without image",
			mutate: func(c *Config) {
				c.Backend = BackendWasm
			},
			want: "requires a Path or Image",
		},
		{
			name: "wasm with bad digest",
			mutate: func(c *Config) {
				c.Backend = BackendWasm
				c.Module.Path = "lib.wasm"
				c.Module.Digest = "sha256:abcdef"
			},
			want: "Module.Digest",
		},
		{
			name: "wasm with library",
			mutate: func(c *Config) {
				c.Backend = BackendWasm
				c.Module.Path = "lib.wasm"
				c.Library = noop.Library{}
			},
			want: "only the noop backend serves",
		},
		{
			name: "wasm with guard pages",
			mutate: func(c *Config) {
				c.Backend = BackendWasm
				c.Module.Path = "lib.wasm"
				c.Arena.GuardPages = true
			},
			want: "guard pages",
		},
		{
			name: "wasm with force tainted",
			mutate: func(c *Config) {
				c.Backend = BackendWasm
				c.Module.Path = "lib.wasm"
				c.AllowForceTainted = true
			},
			want: "cannot alias host memory",
		},
		{
			name: "noop with module path",
			mutate: func(c *Config) {
				c.Module.Path = "lib.wasm"
			},
			want: "only the wasm backend loads",
		},
		{
			name: "noop with digest",
			mutate: func(c *Config) {
				c.Module.Digest = "blake3:00"
			},
			want: "only the wasm backend pins",
		},
		{
			name: "noop with cache dir",
			mutate: func(c *Config) {
				c.Module.CacheDir = "/tmp/cache"
			},
			want: "compilation caching",
		},
		{
			name: "stdio writers without permission",
			mutate: func(c *Config) {
				c.Module.Stdout = &bytes.Buffer{}
			},
			want: "require AllowStdio",
		},
		{
			name: "negative stdio cap",
			mutate: func(c *Config) {
				c.Module.MaxStdioBytes = -5
			},
			want: "must not be negative",
		},
		{
			name: "callback without handler",
			mutate: func(c *Config) {
				c.Callbacks = map[string]Callback{"log": {Params: []Kind{KindInt32}}}
			},
			want: "Fn must not be nil",
		},
		{
			name: "callback with empty name",
			mutate: func(c *Config) {
				c.Callbacks = map[string]Callback{"": {Fn: func(context.Context, *CallbackCtx) (Value, error) { return Value{}, nil }}}
			},
			want: "empty name",
		},
		{
			name: "callback with two results",
			mutate: func(c *Config) {
				c.Callbacks = map[string]Callback{"pair": {
					Results: []Kind{KindInt32, KindInt32},
					Fn:      func(context.Context, *CallbackCtx) (Value, error) { return Value{}, nil },
				}}
			},
			want: "multi-value results",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrConfigInvalid) {
				t.Fatalf("Validate: got %v, want ErrConfigInvalid", err)
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Validate: got %q, want substring %q", err, tc.want)
			}
		})
	}
}

func TestConfigValidateAccumulates(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Arena.Size = -1
	cfg.Module.MaxStdioBytes = -1
	cfg.Module.Path = "lib.wasm"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate: expected an error")
	}
	for _, want := range []string{"Arena.Size", "MaxStdioBytes", "wasm backend loads"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate should report all problems, missing %q in %q", want, err)
		}
	}
}

func TestWasmEngineExclusivity(t *testing.T) {
	eng := wasm.NewEngine()
	defer eng.Close(context.Background())

	cfg := IsolatedConfig("lib.wasm")
	cfg.Module.CacheDir = "/tmp/cache"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("CacheDir alone: %v", err)
	}

	cfg.Module.Engine = eng
	err := cfg.Validate()
	if !errors.Is(err, ErrConfigInvalid) || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("CacheDir with Engine: got %v, want mutual exclusion error", err)
	}
}

func TestConfigDeepCopy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Library = testLibrary()

	sb, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer sb.Close()

	// Mutating the caller's maps after New must not reach the instance.
	delete(cfg.Library, "add")

	if _, err := sb.Invoke(context.Background(), "add", 1, 2); err != nil {
		t.Errorf("Invoke after caller mutation: %v", err)
	}
}
