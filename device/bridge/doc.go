// Package bridge moves serial data between USB bulk endpoints and a UART
// through DMA channels.
//
// # Channels
//
// A [Manager] owns two channels per connection:
//
//   - Channel A (USB OUT to UART) runs in auto mode. Buffers move from the
//     host to the UART without firmware involvement.
//   - Channel B (UART to USB IN) runs in manual mode. Every buffer the UART
//     fills raises a produced event; the manager commits it to the host and
//     counts it in the pending-commit counter.
//
// Channels are created by [Manager.Start] and destroyed by [Manager.Stop].
// They are never reused across restarts.
//
// # Idle flushing
//
// Channel B only forwards full buffers. A [Flusher] runs once per tick and
// swaps the pending counter to zero. When no buffer was committed since the
// previous tick, the flusher wraps up the partially filled buffer so short
// UART messages still reach the host.
//
// # Shared state
//
// A [Context] holds the state shared between the control, completion and
// flusher contexts: the active flag, the pending counter, the [LineStore]
// and the terminal halt state. All of it is safe for concurrent use without
// the manager's lifecycle lock.
package bridge
