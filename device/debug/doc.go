// Package debug implements a diagnostic sideband: a second bulk IN
// endpoint the firmware writes human-readable text to, independent of the
// serial data path.
//
// The sideband opens and closes with the bridge; register it with
// bridge.Manager.Attach. [Sideband.Send] blocks until a buffer is free, so
// callers on latency-sensitive paths should pass a context with a
// deadline.
package debug
