package taintbox

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestInvokeScalars(t *testing.T) {
	ctx := context.Background()
	sb := newTestSandbox(t, nil)

	tv, err := sb.Invoke(ctx, "add", 40, 2)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if tv.Origin() != OriginBoundary {
		t.Errorf("Origin: got %v, want OriginBoundary", tv.Origin())
	}
	got, err := CopyAndVerify(tv, func(v Value) (int32, error) { return v.Int32(), nil })
	if err != nil {
		t.Fatalf("CopyAndVerify: %v", err)
	}
	if got != 42 {
		t.Errorf("add(40, 2): got %d, want 42", got)
	}

	tv, err = sb.Invoke(ctx, "neg64", int64(-7))
	if err != nil {
		t.Fatalf("neg64: %v", err)
	}
	n, err := CopyAndVerify(tv, func(v Value) (int64, error) { return v.Int64(), nil })
	if err != nil {
		t.Fatalf("CopyAndVerify: %v", err)
	}
	if n != 7 {
		t.Errorf("neg64(-7): got %d, want 7", n)
	}

	tv, err = sb.Invoke(ctx, "halve", 5.0)
	if err != nil {
		t.Fatalf("halve: %v", err)
	}
	f, err := CopyAndVerify(tv, func(v Value) (float64, error) { return v.Float64(), nil })
	if err != nil {
		t.Fatalf("CopyAndVerify: %v", err)
	}
	if f != 2.5 {
		t.Errorf("halve(5): got %g, want 2.5", f)
	}
}

func TestInvokeVoidResult(t *testing.T) {
	ctx := context.Background()
	sb := newTestSandbox(t, nil)

	p, err := sb.AllocBytes(ctx, 1)
	if err != nil {
		t.Fatalf("AllocBytes: %v", err)
	}
	tv, err := sb.Invoke(ctx, "poke", p)
	if err != nil {
		t.Fatalf("poke: %v", err)
	}
	void, err := CopyAndVerify(tv, func(v Value) (bool, error) { return v.IsVoid(), nil })
	if err != nil {
		t.Fatalf("CopyAndVerify: %v", err)
	}
	if !void {
		t.Error("poke result: want void")
	}

	got, err := CopyAndVerifyBuffer(p, 1, func(b []byte) (byte, error) { return b[0], nil })
	if err != nil {
		t.Fatalf("CopyAndVerifyBuffer: %v", err)
	}
	if got != 42 {
		t.Errorf("poked byte: got %d, want 42", got)
	}
}

func TestInvokeArity(t *testing.T) {
	ctx := context.Background()
	sb := newTestSandbox(t, nil)

	if _, err := sb.Invoke(ctx, "add", 1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("too few args: got %v, want ErrInvalidArgument", err)
	}
	if _, err := sb.Invoke(ctx, "add", 1, 2, 3); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("too many args: got %v, want ErrInvalidArgument", err)
	}
}

func TestInvokeArgumentRejections(t *testing.T) {
	ctx := context.Background()
	sb := newTestSandbox(t, nil)

	cases := []struct {
		name   string
		symbol string
		args   []any
		index  int
		reason string
	}{
		{"unsupported type", "add", []any{"one", 2}, 0, "unsupported argument type"},
		{"int32 overflow", "add", []any{int64(1) << 40, 2}, 0, "overflows int32"},
		{"negative for uint32", "sum_bytes", []any{-1, uint32(1)}, 0, "outside uint32"},
		{"float for int", "add", []any{1.5, 2}, 0, "float64 passed"},
		{"float32 for float64", "halve", []any{float32(1)}, 0, "float32 passed"},
		{"int64 value for int32", "add", []any{Int64Val(1), 2}, 0, "int64 value passed"},
		{"pointer for int64", "neg64", []any{Ptr{}, 2}, 0, "pointer passed"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			args := tc.args
			if tc.symbol == "neg64" {
				args = args[:1]
			}
			_, err := sb.Invoke(ctx, tc.symbol, args...)
			var ae *ArgumentError
			if !errors.As(err, &ae) {
				t.Fatalf("got %v, want *ArgumentError", err)
			}
			if ae.Index != tc.index {
				t.Errorf("Index: got %d, want %d", ae.Index, tc.index)
			}
			if !strings.Contains(ae.Reason, tc.reason) {
				t.Errorf("Reason: got %q, want substring %q", ae.Reason, tc.reason)
			}
			if !errors.Is(err, ErrInvalidArgument) {
				t.Error("ArgumentError must unwrap to ErrInvalidArgument")
			}
		})
	}
}

func TestInvokePointerArgument(t *testing.T) {
	ctx := context.Background()
	sb := newTestSandbox(t, nil)

	p, err := sb.AllocBytes(ctx, 3)
	if err != nil {
		t.Fatalf("AllocBytes: %v", err)
	}
	if err := sb.CopyIn(p, []byte{1, 2, 3}); err != nil {
		t.Fatalf("CopyIn: %v", err)
	}

	tv, err := sb.Invoke(ctx, "sum_bytes", p, uint32(3))
	if err != nil {
		t.Fatalf("sum_bytes: %v", err)
	}
	got, err := CopyAndVerify(tv, func(v Value) (uint32, error) { return v.Uint32(), nil })
	if err != nil {
		t.Fatalf("CopyAndVerify: %v", err)
	}
	if got != 6 {
		t.Errorf("sum_bytes: got %d, want 6", got)
	}

	// A freed pointer must be rejected before the call crosses.
	if err := sb.Free(ctx, p); err != nil {
		t.Fatalf("Free: %v", err)
	}
	if _, err := sb.Invoke(ctx, "sum_bytes", p, uint32(3)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("stale pointer arg: got %v, want ErrInvalidArgument", err)
	}
}

func TestInvokeTaintedReentry(t *testing.T) {
	ctx := context.Background()
	sb := newTestSandbox(t, nil)

	// Tainted output can flow back into the sandbox without
	// verification; only the host-ward direction is gated.
	tv, err := sb.Invoke(ctx, "add", 40, 2)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	tv, err = sb.Invoke(ctx, "add", tv, 0)
	if err != nil {
		t.Fatalf("add with tainted arg: %v", err)
	}
	got, err := CopyAndVerify(tv, func(v Value) (int32, error) { return v.Int32(), nil })
	if err != nil {
		t.Fatalf("CopyAndVerify: %v", err)
	}
	if got != 42 {
		t.Errorf("add(add(40,2), 0): got %d, want 42", got)
	}
}

func TestInvokeCrossInstance(t *testing.T) {
	ctx := context.Background()
	a := newTestSandbox(t, nil)
	b := newTestSandbox(t, nil)

	p, err := a.AllocBytes(ctx, 4)
	if err != nil {
		t.Fatalf("AllocBytes: %v", err)
	}
	if _, err := b.Invoke(ctx, "sum_bytes", p, uint32(4)); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("foreign pointer arg: got %v, want ErrInvalidArgument", err)
	}

	tv, err := a.Invoke(ctx, "add", 1, 2)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := b.Invoke(ctx, "add", tv, 1); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("foreign tainted arg: got %v, want ErrInvalidArgument", err)
	}

	sym, err := a.Symbol("add")
	if err != nil {
		t.Fatalf("Symbol: %v", err)
	}
	if _, err := b.Call(ctx, sym, 1, 2); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("foreign symbol: got %v, want ErrInvalidArgument", err)
	}
}

func TestInvokeLibraryError(t *testing.T) {
	ctx := context.Background()
	sb := newTestSandbox(t, nil)

	_, err := sb.Invoke(ctx, "fail")
	if !errors.Is(err, errBoom) {
		t.Errorf("library error should surface through the trampoline, got %v", err)
	}
	if !strings.Contains(err.Error(), "fail") {
		t.Errorf("error should name the symbol, got %v", err)
	}
	// Only completed calls are counted.
	if st := sb.Stats(); st.Calls != 0 {
		t.Errorf("Calls after failure: got %d, want 0", st.Calls)
	}
}

func TestInvokeUnknownSymbol(t *testing.T) {
	sb := newTestSandbox(t, nil)

	if _, err := sb.Invoke(context.Background(), "missing"); !errors.Is(err, ErrSymbolNotFound) {
		t.Errorf("unknown symbol: got %v, want ErrSymbolNotFound", err)
	}
}

func TestCallNilSymbol(t *testing.T) {
	sb := newTestSandbox(t, nil)

	if _, err := sb.Call(context.Background(), nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("nil symbol: got %v, want ErrInvalidArgument", err)
	}
}
