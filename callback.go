package taintbox

import (
	"context"
	"fmt"

	"github.com/zhangyunhao116/taintbox/backend"
)

// Callback is a host function the sandboxed library may invoke. Its
// signature is fixed at construction time; the backend rejects a
// module importing a callback that was not configured.
type Callback struct {
	// Params and Results declare the wire signature. At most one
	// result.
	Params  []Kind
	Results []Kind

	// Fn handles the invocation. Its arguments arrive tainted, like
	// every other piece of boundary data; a returned error aborts the
	// in-flight guest call.
	Fn func(ctx context.Context, call *CallbackCtx) (Value, error)
}

// CallbackCtx is the instance view handed to a callback while a guest
// call is in flight. The instance lock is already held for the
// duration of the call, so the methods mirror the Sandbox surface
// without re-entering it; calling Sandbox methods directly from a
// callback on a Concurrent instance would deadlock.
type CallbackCtx struct {
	sb   *Sandbox
	args []Tainted[Value]
}

// NumArgs returns the number of arguments the library passed.
func (c *CallbackCtx) NumArgs() int { return len(c.args) }

// Arg returns the i-th argument as a tainted value. It panics when i
// is out of range, matching slice indexing.
func (c *CallbackCtx) Arg(i int) Tainted[Value] { return c.args[i] }

// AsPtr validates a pointer-shaped argument against live allocations,
// like the package-level AsPtr.
func (c *CallbackCtx) AsPtr(t Tainted[Value], kind Kind, count uint32) (Ptr, error) {
	return c.sb.asPtrLocked(t, kind, count)
}

// Bytes copies the full extent behind p, capped at max bytes. The
// copy is private to the host.
func (c *CallbackCtx) Bytes(p Ptr, max uint32) ([]byte, error) {
	if p.owner != c.sb {
		return nil, fmt.Errorf("%w: pointer belongs to another sandbox instance", ErrInvalidArgument)
	}
	return c.sb.cappedBytesLocked(p, max)
}

// CString copies a NUL-terminated byte string from behind p, scanning
// at most max bytes.
func (c *CallbackCtx) CString(p Ptr, max uint32) (string, error) {
	if p.owner != c.sb {
		return "", fmt.Errorf("%w: pointer belongs to another sandbox instance", ErrInvalidArgument)
	}
	data, err := c.sb.stringBytesLocked(p, max)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Alloc reserves sandbox memory from inside the callback, for handing
// buffers back to the library.
func (c *CallbackCtx) Alloc(ctx context.Context, kind Kind, count uint32) (Ptr, error) {
	return c.sb.allocLocked(ctx, kind, count)
}

// CopyIn copies host bytes into the memory behind p.
func (c *CallbackCtx) CopyIn(p Ptr, src []byte) error {
	if p.owner != c.sb {
		return fmt.Errorf("%w: pointer belongs to another sandbox instance", ErrInvalidArgument)
	}
	return c.sb.copyInLocked(p, src)
}

// hostFuncs adapts the configured callbacks into backend host
// functions: argument words surface as tainted values and the result
// is narrowed onto the declared result kind.
func (sb *Sandbox) hostFuncs() map[string]backend.HostFunc {
	if len(sb.cfg.Callbacks) == 0 {
		return nil
	}
	out := make(map[string]backend.HostFunc, len(sb.cfg.Callbacks))
	for name, cb := range sb.cfg.Callbacks {
		out[name] = backend.HostFunc{
			Sig: Signature{Params: cb.Params, Results: cb.Results},
			Fn:  sb.callbackGlue(name, cb),
		}
	}
	return out
}

func (sb *Sandbox) callbackGlue(name string, cb Callback) func(context.Context, []uint64) ([]uint64, error) {
	return func(ctx context.Context, stack []uint64) ([]uint64, error) {
		args := make([]Tainted[Value], len(cb.Params))
		for i, k := range cb.Params {
			args[i] = Tainted[Value]{
				raw:    Value{kind: k, bits: stack[i]},
				owner:  sb,
				origin: OriginBoundary,
			}
		}
		v, err := cb.Fn(ctx, &CallbackCtx{sb: sb, args: args})
		if err != nil {
			return nil, fmt.Errorf("callback %s: %w", name, err)
		}
		if len(cb.Results) == 0 {
			return nil, nil
		}
		if !compatibleKinds(v.kind, cb.Results[0]) {
			return nil, fmt.Errorf("callback %s returned %s, declared %s", name, v.kind, cb.Results[0])
		}
		return []uint64{v.bits}, nil
	}
}
