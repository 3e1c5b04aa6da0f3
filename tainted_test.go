package taintbox

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestForceTrust(t *testing.T) {
	ctx := context.Background()
	sb := newTestSandbox(t, nil)

	tv, err := sb.Invoke(ctx, "add", 40, 2)
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	if _, err := tv.ForceTrust(""); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("empty justification: got %v, want ErrInvalidArgument", err)
	}

	v, err := tv.ForceTrust("result feeds a debug counter only")
	if err != nil {
		t.Fatalf("ForceTrust: %v", err)
	}
	if v.Int32() != 42 {
		t.Errorf("trusted value: got %d, want 42", v.Int32())
	}
	if st := sb.Stats(); st.Bypasses[BypassForceTrust] != 1 {
		t.Errorf("Bypasses[force-trust]: got %d, want 1", st.Bypasses[BypassForceTrust])
	}

	var detached Tainted[Value]
	if _, err := detached.ForceTrust("no owner"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("detached value: got %v, want ErrInvalidArgument", err)
	}

	if err := sb.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := tv.ForceTrust("after close"); !errors.Is(err, ErrSandboxDestroyed) {
		t.Errorf("after close: got %v, want ErrSandboxDestroyed", err)
	}
}

func TestOriginString(t *testing.T) {
	cases := map[Origin]string{
		OriginBoundary: "boundary",
		OriginForced:   "forced",
		Origin(0):      unknownStr,
		Origin(99):     unknownStr,
	}
	for o, want := range cases {
		if got := o.String(); got != want {
			t.Errorf("Origin(%d).String(): got %q, want %q", o, got, want)
		}
	}
}

func TestTaintedStringHidesPayload(t *testing.T) {
	ctx := context.Background()
	sb := newTestSandbox(t, nil)

	tv, err := sb.Invoke(ctx, "add", 123450, 6)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	s := tv.String()
	if strings.Contains(s, "123456") {
		t.Errorf("String leaks the payload: %q", s)
	}
	if !strings.Contains(s, "boundary") {
		t.Errorf("String should name the origin, got %q", s)
	}
}
