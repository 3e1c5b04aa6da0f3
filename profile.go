package taintbox

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// profileFile mirrors the yaml layout of a sandbox profile. Pointers
// distinguish absent fields from explicit zero values where the
// default is not the zero value.
type profileFile struct {
	Backend string `yaml:"backend"`
	Arena   struct {
		Size       int   `yaml:"size"`
		Redzone    *bool `yaml:"redzone"`
		ZeroOnFree bool  `yaml:"zero_on_free"`
		GuardPages bool  `yaml:"guard_pages"`
	} `yaml:"arena"`
	Module struct {
		Path             string `yaml:"path"`
		Digest           string `yaml:"digest"`
		MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
		AllowStdio       bool   `yaml:"allow_stdio"`
		MaxStdioBytes    int    `yaml:"max_stdio_bytes"`
		AllocExport      string `yaml:"alloc_export"`
		FreeExport       string `yaml:"free_export"`
		CacheDir         string `yaml:"cache_dir"`
	} `yaml:"module"`
	Concurrent        bool `yaml:"concurrent"`
	AllowForceTainted bool `yaml:"allow_force_tainted"`
	PanicOnMisuse     bool `yaml:"panic_on_misuse"`
}

// LoadProfile reads a yaml profile from disk and merges it over
// DefaultConfig. Profiles carry deployment choices (backend, image
// path, limits); the Library, Callbacks, writers and logger are Go
// values and stay with the embedding code.
func LoadProfile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading profile: %v", ErrConfigInvalid, err)
	}
	return ParseProfile(data)
}

// ParseProfile parses yaml profile bytes. See LoadProfile.
func ParseProfile(data []byte) (*Config, error) {
	var pf profileFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("%w: parsing profile: %v", ErrConfigInvalid, err)
	}

	cfg := DefaultConfig()
	switch pf.Backend {
	case "", "noop":
		cfg.Backend = BackendNoOp
	case "wasm":
		cfg.Backend = BackendWasm
	default:
		return nil, fmt.Errorf("%w: profile backend %q is not one of noop, wasm", ErrConfigInvalid, pf.Backend)
	}

	if pf.Arena.Size != 0 {
		cfg.Arena.Size = pf.Arena.Size
	}
	if pf.Arena.Redzone != nil {
		cfg.Arena.Redzone = *pf.Arena.Redzone
	}
	cfg.Arena.ZeroOnFree = pf.Arena.ZeroOnFree
	cfg.Arena.GuardPages = pf.Arena.GuardPages

	cfg.Module.Path = pf.Module.Path
	cfg.Module.Digest = pf.Module.Digest
	cfg.Module.MemoryLimitPages = pf.Module.MemoryLimitPages
	cfg.Module.AllowStdio = pf.Module.AllowStdio
	if pf.Module.MaxStdioBytes != 0 {
		cfg.Module.MaxStdioBytes = pf.Module.MaxStdioBytes
	}
	cfg.Module.AllocExport = pf.Module.AllocExport
	cfg.Module.FreeExport = pf.Module.FreeExport
	cfg.Module.CacheDir = pf.Module.CacheDir

	cfg.Concurrent = pf.Concurrent
	cfg.AllowForceTainted = pf.AllowForceTainted
	cfg.PanicOnMisuse = pf.PanicOnMisuse
	return cfg, nil
}
