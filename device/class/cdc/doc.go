// Package cdc implements the CDC-ACM control plane of the USB-UART bridge.
//
// A [Handler] answers the class requests a host serial driver issues:
//
//   - SET_LINE_CODING applies baud rate, stop bits and parity to the UART
//     and publishes the result to the bridge line store.
//   - GET_LINE_CODING reports the current line coding.
//   - SET_CONTROL_LINE_STATE is acknowledged while the bridge runs.
//
// The debug sideband interface accepts the same requests but ignores them
// and always reports 115200 8N1.
//
// The handler also maps USB lifecycle events to bridge transitions: a
// configuration-set event restarts the bridge at the negotiated speed, and
// reset, connect or disconnect stop it.
//
// # Line coding
//
// The 7-byte line coding structure is little-endian:
//
//	offset 0  dwDTERate    baud rate
//	offset 4  bCharFormat  0 = 1 stop bit, 2 = 2 stop bits
//	offset 5  bParityType  0 = none, 1 = odd, 2 = even
//	offset 6  bDataBits    always 8
//
// 1.5 stop bits cannot be represented by the UART and the request is
// stalled. Mark and space parity fall back to none.
package cdc
