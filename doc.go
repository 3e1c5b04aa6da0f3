// Package taintbox provides a software-fault-isolation boundary for
// running untrusted library code.
//
// It confines a library behind a memory boundary, forces every byte
// crossing back into the host through an explicit verifier, and keeps
// the call sites identical whether isolation is switched on or off.
//
// Key features:
//   - Taint tracking: all sandbox output is wrapped until verified
//   - Sandbox-owned memory with allocation tracking and redzones
//   - A trampoline that rejects unmarshalable arguments up front
//   - Two interchangeable backends: in-process no-effect and wasm
//   - Audited bypasses (ForceTrust, ForceTainted, CopyOut) with
//     structured logging and counters
//
// Basic usage:
//
//	cfg := taintbox.DefaultConfig()
//	cfg.Library = noop.Library{
//	    "add": {Params: []taintbox.Kind{taintbox.KindInt32, taintbox.KindInt32},
//	        Results: []taintbox.Kind{taintbox.KindInt32},
//	        Fn: func(ctx context.Context, env *noop.Env, stack []uint64) ([]uint64, error) {
//	            return []uint64{stack[0] + stack[1]}, nil
//	        }},
//	}
//	sb, err := taintbox.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer sb.Close()
//
//	t, err := sb.Invoke(ctx, "add", 40, 2)
//	sum, err := taintbox.CopyAndVerify(t, func(v taintbox.Value) (int32, error) {
//	    return v.Int32(), nil
//	})
package taintbox
