// Package serialport drives a host serial device as the UART end of the
// bridge, using go.bug.st/serial.
//
// A [Port] implements hal.UART, so line codings the USB host sets are
// applied to the real tty. It also satisfies the simulated UART's backend
// interface: bytes the bridge transmits are written to the tty, and
// [Port.Pump] feeds bytes read from the tty back into the bridge.
package serialport
