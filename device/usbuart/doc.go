// Package usbuart assembles the USB-UART bridge firmware: the CDC control
// handler, the DMA bridge manager, the idle flusher and the debug sideband,
// wired to a set of HAL collaborators.
//
// Typical use:
//
//	dev := usbuart.New(usbuart.DefaultConfig(), usb, dma, uart)
//	if err := dev.Init(); err != nil {
//	    return err
//	}
//	return dev.Run(ctx)
//
// Init registers the setup, event and link power callbacks. From then on
// the host drives the device: a configuration-set event starts the bridge
// and data flows between the bulk endpoints and the UART. Run blocks in the
// idle flush loop until the context is canceled or the device halts.
//
// A fatal fault (an unsupported bus speed or a failed channel setup) halts
// the device. A halted device claims every control request without
// completing it and ignores further events, so the host sees it as
// unresponsive until power is cycled.
package usbuart
