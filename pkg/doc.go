// Package pkg provides shared utilities for the USB-UART bridge.
//
// This package contains common functionality used by every layer of the
// bridge, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error values for bridge, protocol and DMA faults
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with component context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentBridge, "bridge started", "packetSize", 512)
//
// # Errors
//
// Faults are sentinel values tested with [errors.Is]:
//
//	if errors.Is(err, pkg.ErrFatal) {
//	    // halt the device
//	}
//
// [DMAStatus] maps DMA primitive errors onto the status codes reported in
// logs when a channel is reset.
package pkg
