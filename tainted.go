package taintbox

import "fmt"

// Origin records how a tainted value entered the host's hands.
type Origin uint8

const (
	// OriginBoundary marks data produced by sandboxed code: call
	// results and callback arguments.
	OriginBoundary Origin = iota + 1

	// OriginForced marks host data the embedder deliberately relabeled
	// as boundary-shaped through ForceTainted.
	OriginForced
)

func (o Origin) String() string {
	switch o {
	case OriginBoundary:
		return "boundary"
	case OriginForced:
		return "forced"
	default:
		return unknownStr
	}
}

// Tainted wraps a value that crossed the boundary from sandboxed code.
// The payload is reachable only through the CopyAndVerify family or
// the audited ForceTrust bypass, which keeps every unchecked use of
// sandbox output visible at the call site.
//
// A Tainted value remembers its owning instance; once that instance is
// destroyed, every route to the payload fails with ErrSandboxDestroyed.
type Tainted[T any] struct {
	raw    T
	owner  *Sandbox
	origin Origin
}

// Origin reports how the value entered the host.
func (t Tainted[T]) Origin() Origin { return t.origin }

// ForceTrust extracts the raw payload without verification. This is an
// audited bypass: justification must say why the value is safe as-is,
// and every use is logged and counted in the instance stats. Prefer
// the CopyAndVerify family.
func (t Tainted[T]) ForceTrust(justification string) (T, error) {
	var zero T
	if t.owner == nil {
		return zero, fmt.Errorf("%w: value did not cross a sandbox boundary", ErrInvalidArgument)
	}
	if justification == "" {
		return zero, fmt.Errorf("%w: ForceTrust requires a justification", ErrInvalidArgument)
	}
	if t.owner.closed.Load() {
		return zero, ErrSandboxDestroyed
	}
	t.owner.stats.forceTrusts.Add(1)
	t.owner.logger.Warn("taintbox: tainted value trusted without verification",
		"sandbox", t.owner.id,
		"origin", t.origin.String(),
		"justification", justification)
	return t.raw, nil
}

func (t Tainted[T]) String() string {
	if t.owner == nil {
		return "tainted(detached)"
	}
	return fmt.Sprintf("tainted(%s)", t.origin)
}
