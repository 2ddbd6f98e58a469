// Package sim provides an in-memory implementation of the HAL interfaces.
//
// A [Bus] couples a USB device controller, a DMA engine and a UART on a
// shared socket fabric. Firmware code sees only the hal.USB, hal.DMA and
// hal.UART interfaces; tests and the usbuartd daemon drive the host side:
//
//	bus := sim.New()
//	bus.USB.Connect(hal.SpeedHigh)
//	bus.USB.SetConfiguration(1)
//	bus.DMA.HostWrite(1, []byte("hello"))  // host -> UART TX
//	bus.UART.Receive([]byte("world"))      // UART RX -> host
//	data := bus.DMA.HostReadAll(1)
//
// Fault injection (FailEndpoint, FailCreate, FailXfer, FailReset,
// FailConfig, Notify) lets tests exercise error paths that real silicon
// rarely produces.
package sim
