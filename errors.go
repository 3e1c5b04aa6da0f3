package taintbox

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by boundary operations. Callers should
// match with errors.Is; several are wrapped with call-site detail.
var (
	// ErrSandboxCreation indicates the backend could not be brought up,
	// for example a missing or corrupt module image.
	ErrSandboxCreation = errors.New("taintbox: sandbox creation failed")

	// ErrSymbolNotFound indicates the sandboxed library exports no
	// symbol with the requested name.
	ErrSymbolNotFound = errors.New("taintbox: symbol not found")

	// ErrAllocation indicates sandbox memory could not be reserved,
	// typically because the arena or guest heap is exhausted.
	ErrAllocation = errors.New("taintbox: sandbox allocation failed")

	// ErrInvalidArgument indicates a boundary operation was handed a
	// value it must not accept: a stale or foreign pointer, a length
	// exceeding capacity, an argument shape the signature rejects.
	ErrInvalidArgument = errors.New("taintbox: invalid argument")

	// ErrSandboxDestroyed indicates an operation against an instance
	// that was already closed, or against pointers and values that
	// belonged to it.
	ErrSandboxDestroyed = errors.New("taintbox: sandbox already destroyed")

	// ErrConfigInvalid indicates the configuration failed validation.
	ErrConfigInvalid = errors.New("taintbox: invalid configuration")

	// ErrMemoryViolation indicates the sandboxed code wrote outside an
	// allocation, detected through a torn redzone canary.
	ErrMemoryViolation = errors.New("taintbox: sandbox memory violation detected")
)

// SymbolError reports a failed symbol resolution. It unwraps to
// ErrSymbolNotFound.
type SymbolError struct {
	// Name is the symbol that could not be resolved.
	Name string
	// Reason describes the backend's view of the failure.
	Reason string
}

func (e *SymbolError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrSymbolNotFound.Error(), e.Name, e.Reason)
}

func (e *SymbolError) Unwrap() error {
	return ErrSymbolNotFound
}

// ArgumentError reports an invocation argument the trampoline rejected
// before crossing the boundary. It unwraps to ErrInvalidArgument.
type ArgumentError struct {
	// Index is the zero-based argument position.
	Index int
	// Reason describes why the argument was rejected.
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("%s: arg %d: %s", ErrInvalidArgument.Error(), e.Index, e.Reason)
}

func (e *ArgumentError) Unwrap() error {
	return ErrInvalidArgument
}
