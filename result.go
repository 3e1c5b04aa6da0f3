package taintbox

// BypassKind labels one of the audited routes around the verifier.
type BypassKind string

const (
	// BypassForceTrust is a tainted value unwrapped via ForceTrust.
	BypassForceTrust BypassKind = "force-trust"

	// BypassForceTainted is a host buffer aliased into the sandbox
	// address space via ForceTainted.
	BypassForceTainted BypassKind = "force-tainted"

	// BypassCopyOut is a bulk copy out of sandbox memory that skipped
	// verification via CopyOut.
	BypassCopyOut BypassKind = "copy-out"
)

// Stats is a point-in-time snapshot of one instance's counters. It can
// be taken at any time, including after Close, and is the hook for
// auditing how often the taint discipline was bypassed.
type Stats struct {
	// Backend is the name of the isolation substrate serving the
	// instance, for example "noop" or "wasm-wazero".
	Backend string

	// Isolated reports whether the backend confines the library in a
	// separate memory region.
	Isolated bool

	// MemoryBytes is the current size of the sandbox address space.
	// Zero once the instance is destroyed.
	MemoryBytes uint64

	// LiveAllocs is the number of tracked allocations not yet freed,
	// including host spans aliased via ForceTainted.
	LiveAllocs int

	// LiveBytes is the payload total of the tracked allocations.
	LiveBytes uint64

	// Allocs, Frees and Calls count completed operations since the
	// instance was created.
	Allocs uint64
	Frees  uint64
	Calls  uint64

	// Bypasses counts verifier bypasses by kind. All kinds are present
	// so callers can range without existence checks.
	Bypasses map[BypassKind]uint64
}
