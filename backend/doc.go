// Package backend defines the isolation backend abstraction layer.
// Most users should use the top-level taintbox package, which selects
// and configures the appropriate backend from its configuration. Import
// this package directly only if you need to inspect backend
// capabilities or implement a custom Backend.
package backend
