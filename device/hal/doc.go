// Package hal defines the hardware interfaces the USB-UART bridge consumes.
//
// The bridge never touches registers. It drives three narrow collaborators:
//
//   - [USB]: endpoint configuration, negotiated speed, EP0 data and status
//     stages, link power management, and callback registration for SETUP
//     requests and lifecycle events
//   - [DMA]: channel creation; each [Channel] supports arm (SetXfer),
//     acquire, commit, reset, wrap-up and destroy
//   - [UART]: applies a [UARTConfig]
//
// # Channels
//
// A channel moves buffers from a producer [Socket] to a consumer socket. In
// [ModeAuto] the hardware forwards buffers by itself. In [ModeManual] every
// filled buffer raises a [CallbackProduced] event and stays with the firmware
// until it is committed. In [ModeManualOut] the firmware is the producer: it
// acquires a buffer, fills it and commits it.
//
// Completion callbacks run in the completion context, which is concurrent
// with the firmware's worker goroutines. They must not block.
//
// # Implementing a HAL
//
// A platform provides one value for each interface. The in-memory
// implementation in [github.com/ardnew/usbuart/device/hal/sim] is used by the
// tests and by the usbuartd daemon.
package hal
