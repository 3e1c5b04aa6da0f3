package taintbox

import (
	"errors"
	"strings"
	"testing"
)

func TestSentinelPrefixes(t *testing.T) {
	sentinels := []error{
		ErrSandboxCreation,
		ErrSymbolNotFound,
		ErrAllocation,
		ErrInvalidArgument,
		ErrSandboxDestroyed,
		ErrConfigInvalid,
		ErrMemoryViolation,
	}
	seen := make(map[string]bool)
	for _, err := range sentinels {
		msg := err.Error()
		if !strings.HasPrefix(msg, "taintbox: ") {
			t.Errorf("%q: missing package prefix", msg)
		}
		if seen[msg] {
			t.Errorf("%q: duplicate sentinel text", msg)
		}
		seen[msg] = true
	}
}

func TestSymbolError(t *testing.T) {
	err := error(&SymbolError{Name: "frobnicate", Reason: "no export"})

	if !errors.Is(err, ErrSymbolNotFound) {
		t.Error("SymbolError must unwrap to ErrSymbolNotFound")
	}
	if errors.Is(err, ErrInvalidArgument) {
		t.Error("SymbolError must not match unrelated sentinels")
	}
	msg := err.Error()
	if !strings.Contains(msg, "frobnicate") || !strings.Contains(msg, "no export") {
		t.Errorf("message should carry name and reason, got %q", msg)
	}
}

func TestArgumentError(t *testing.T) {
	err := error(&ArgumentError{Index: 2, Reason: "unsupported argument type string"})

	if !errors.Is(err, ErrInvalidArgument) {
		t.Error("ArgumentError must unwrap to ErrInvalidArgument")
	}
	msg := err.Error()
	if !strings.Contains(msg, "arg 2") {
		t.Errorf("message should carry the index, got %q", msg)
	}

	var ae *ArgumentError
	if !errors.As(err, &ae) || ae.Index != 2 {
		t.Errorf("errors.As round trip failed: %v", err)
	}
}
