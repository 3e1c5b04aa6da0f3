package taintbox

import (
	"context"
	"strings"
	"testing"
)

func TestValueConstructors(t *testing.T) {
	if v := Int32Val(-1); v.Kind() != KindInt32 || v.Int32() != -1 {
		t.Errorf("Int32Val(-1): got %s", v)
	}
	// 32-bit payloads are zero-extended on the wire.
	if bits := Int32Val(-1).Bits(); bits != 0xFFFF_FFFF {
		t.Errorf("Int32Val(-1).Bits(): got %#x, want 0xffffffff", bits)
	}
	if v := Uint32Val(7); v.Uint32() != 7 {
		t.Errorf("Uint32Val(7): got %s", v)
	}
	if v := Int64Val(-1 << 40); v.Int64() != -1<<40 {
		t.Errorf("Int64Val: got %s", v)
	}
	if v := Uint64Val(1 << 63); v.Uint64() != 1<<63 {
		t.Errorf("Uint64Val: got %s", v)
	}
	if v := Float32Val(1.5); v.Kind() != KindFloat32 || v.Float32() != 1.5 {
		t.Errorf("Float32Val(1.5): got %s", v)
	}
	if v := Float64Val(-2.25); v.Float64() != -2.25 {
		t.Errorf("Float64Val(-2.25): got %s", v)
	}
}

func TestValueVoid(t *testing.T) {
	var v Value
	if !v.IsVoid() {
		t.Error("zero Value: want void")
	}
	if Int32Val(0).IsVoid() {
		t.Error("Int32Val(0): must not be void")
	}
}

func TestValueString(t *testing.T) {
	cases := []struct {
		v    Value
		want string
	}{
		{Value{}, "void"},
		{Int32Val(-5), "int32(-5)"},
		{Uint64Val(9), "uint64(9)"},
		{Float64Val(2.5), "float64(2.5)"},
		{Value{kind: KindPtr, bits: 0x400}, "ptr(0x400)"},
	}
	for _, tc := range cases {
		if got := tc.v.String(); got != tc.want {
			t.Errorf("String: got %q, want %q", got, tc.want)
		}
	}
}

func TestPtrString(t *testing.T) {
	var zero Ptr
	if !zero.IsNil() {
		t.Error("zero Ptr: want IsNil")
	}
	if got := zero.String(); got != "ptr(nil)" {
		t.Errorf("zero Ptr String: got %q", got)
	}

	sb := newTestSandbox(t, nil)
	p, err := sb.Alloc(context.Background(), KindInt32, 4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	s := p.String()
	if !strings.Contains(s, "int32[4]") {
		t.Errorf("Ptr String: got %q, want element layout", s)
	}
}
