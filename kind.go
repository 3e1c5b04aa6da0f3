package taintbox

import "github.com/zhangyunhao116/taintbox/backend"

// Kind identifies the machine-level shape of a boundary value or of
// the elements behind a sandbox pointer. It is an alias for
// backend.Kind so code wiring custom backends can share the constants.
type Kind = backend.Kind

// Signature describes the fixed parameter and result kinds of a
// sandboxed entry point.
type Signature = backend.Signature

const (
	KindVoid    = backend.KindVoid
	KindInt8    = backend.KindInt8
	KindUint8   = backend.KindUint8
	KindInt16   = backend.KindInt16
	KindUint16  = backend.KindUint16
	KindInt32   = backend.KindInt32
	KindUint32  = backend.KindUint32
	KindInt64   = backend.KindInt64
	KindUint64  = backend.KindUint64
	KindFloat32 = backend.KindFloat32
	KindFloat64 = backend.KindFloat64
	KindPtr     = backend.KindPtr
)
