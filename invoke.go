package taintbox

import (
	"context"
	"fmt"
	"math"
)

// Call invokes a resolved symbol. Arguments are marshaled onto the
// symbol's fixed signature before the call crosses the boundary;
// anything that does not fit is rejected with an ArgumentError and the
// call never happens. The result always comes back tainted, including
// pointer-shaped results.
//
// Accepted argument shapes: Go integers (range-checked against the
// parameter kind), float32 and float64, Ptr, Value, and
// Tainted[Value] owned by this instance.
func (sb *Sandbox) Call(ctx context.Context, sym *Symbol, args ...any) (Tainted[Value], error) {
	if err := sb.enter(); err != nil {
		return Tainted[Value]{}, err
	}
	defer sb.exit()
	return sb.callLocked(ctx, sym, args)
}

// Invoke resolves name and calls it in one step.
func (sb *Sandbox) Invoke(ctx context.Context, name string, args ...any) (Tainted[Value], error) {
	if err := sb.enter(); err != nil {
		return Tainted[Value]{}, err
	}
	defer sb.exit()
	sym, err := sb.symbolLocked(name)
	if err != nil {
		return Tainted[Value]{}, err
	}
	return sb.callLocked(ctx, sym, args)
}

func (sb *Sandbox) callLocked(ctx context.Context, sym *Symbol, args []any) (Tainted[Value], error) {
	if sym == nil {
		return Tainted[Value]{}, fmt.Errorf("%w: nil symbol", ErrInvalidArgument)
	}
	if sym.sb != sb {
		return Tainted[Value]{}, fmt.Errorf("%w: symbol %q belongs to another sandbox instance", ErrInvalidArgument, sym.name)
	}
	sig := sym.fn.Signature()
	if len(args) != len(sig.Params) {
		return Tainted[Value]{}, fmt.Errorf("%w: %s takes %d arguments, got %d", ErrInvalidArgument, sym.name, len(sig.Params), len(args))
	}

	words := make([]uint64, len(args))
	for i, arg := range args {
		w, err := sb.marshalArg(i, arg, sig.Params[i])
		if err != nil {
			return Tainted[Value]{}, err
		}
		words[i] = w
	}

	results, err := sym.fn.Call(ctx, words...)
	if err != nil {
		return Tainted[Value]{}, fmt.Errorf("taintbox: calling %s: %w", sym.name, err)
	}
	sb.stats.calls.Add(1)

	v := Value{kind: KindVoid}
	if len(sig.Results) == 1 && len(results) > 0 {
		v = Value{kind: sig.Results[0], bits: results[0]}
	}
	return Tainted[Value]{raw: v, owner: sb, origin: OriginBoundary}, nil
}

// marshalArg narrows one Go argument onto a wire word of the parameter
// kind. A Ptr must be live and owned by this instance; raw host
// pointers have no representation here and can never cross.
func (sb *Sandbox) marshalArg(i int, arg any, param Kind) (uint64, error) {
	switch v := arg.(type) {
	case Ptr:
		if param != KindPtr && param != KindInt32 && param != KindUint32 {
			return 0, &ArgumentError{Index: i, Reason: fmt.Sprintf("pointer passed for %s parameter", param)}
		}
		if _, err := sb.extentOf(v); err != nil {
			return 0, fmt.Errorf("arg %d: %w", i, err)
		}
		return uint64(v.off), nil
	case Tainted[Value]:
		if v.owner != sb {
			return 0, &ArgumentError{Index: i, Reason: "tainted value from another sandbox instance"}
		}
		return marshalValue(i, v.raw, param)
	case Value:
		return marshalValue(i, v, param)
	case int:
		return marshalInt(i, int64(v), param)
	case int8:
		return marshalInt(i, int64(v), param)
	case int16:
		return marshalInt(i, int64(v), param)
	case int32:
		return marshalInt(i, int64(v), param)
	case int64:
		return marshalInt(i, v, param)
	case uint:
		return marshalUint(i, uint64(v), param)
	case uint8:
		return marshalUint(i, uint64(v), param)
	case uint16:
		return marshalUint(i, uint64(v), param)
	case uint32:
		return marshalUint(i, uint64(v), param)
	case uint64:
		return marshalUint(i, v, param)
	case float32:
		if param != KindFloat32 {
			return 0, &ArgumentError{Index: i, Reason: fmt.Sprintf("float32 passed for %s parameter", param)}
		}
		return uint64(math.Float32bits(v)), nil
	case float64:
		if param != KindFloat64 {
			return 0, &ArgumentError{Index: i, Reason: fmt.Sprintf("float64 passed for %s parameter", param)}
		}
		return math.Float64bits(v), nil
	default:
		return 0, &ArgumentError{Index: i, Reason: fmt.Sprintf("unsupported argument type %T", arg)}
	}
}

func marshalInt(i int, v int64, param Kind) (uint64, error) {
	switch param {
	case KindInt32:
		if v < math.MinInt32 || v > math.MaxInt32 {
			return 0, &ArgumentError{Index: i, Reason: fmt.Sprintf("%d overflows int32", v)}
		}
		return uint64(uint32(int32(v))), nil
	case KindUint32, KindPtr:
		if v < 0 || v > math.MaxUint32 {
			return 0, &ArgumentError{Index: i, Reason: fmt.Sprintf("%d is outside uint32", v)}
		}
		return uint64(v), nil
	case KindInt64:
		return uint64(v), nil
	case KindUint64:
		if v < 0 {
			return 0, &ArgumentError{Index: i, Reason: fmt.Sprintf("%d is outside uint64", v)}
		}
		return uint64(v), nil
	default:
		return 0, &ArgumentError{Index: i, Reason: fmt.Sprintf("integer passed for %s parameter", param)}
	}
}

func marshalUint(i int, v uint64, param Kind) (uint64, error) {
	switch param {
	case KindInt32:
		if v > math.MaxInt32 {
			return 0, &ArgumentError{Index: i, Reason: fmt.Sprintf("%d overflows int32", v)}
		}
		return v, nil
	case KindUint32, KindPtr:
		if v > math.MaxUint32 {
			return 0, &ArgumentError{Index: i, Reason: fmt.Sprintf("%d is outside uint32", v)}
		}
		return v, nil
	case KindInt64:
		if v > math.MaxInt64 {
			return 0, &ArgumentError{Index: i, Reason: fmt.Sprintf("%d overflows int64", v)}
		}
		return v, nil
	case KindUint64:
		return v, nil
	default:
		return 0, &ArgumentError{Index: i, Reason: fmt.Sprintf("integer passed for %s parameter", param)}
	}
}

func marshalValue(i int, v Value, param Kind) (uint64, error) {
	if !compatibleKinds(v.kind, param) {
		return 0, &ArgumentError{Index: i, Reason: fmt.Sprintf("%s value passed for %s parameter", v.kind, param)}
	}
	return v.bits, nil
}

// compatibleKinds accepts an exact match or an interchange within the
// same wire width: the 32-bit integer and pointer kinds share one
// word class, the 64-bit integer kinds another.
func compatibleKinds(have, want Kind) bool {
	if have == want {
		return true
	}
	return wordClass(have) != 0 && wordClass(have) == wordClass(want)
}

func wordClass(k Kind) int {
	switch k {
	case KindInt32, KindUint32, KindPtr:
		return 1
	case KindInt64, KindUint64:
		return 2
	default:
		return 0
	}
}
