// Package device holds the USB protocol definitions shared by the bridge
// components: the SETUP packet and the standard request, feature and
// request-type constants used to classify control requests.
//
// The bridge is split across several packages:
//
//   - [github.com/ardnew/usbuart/device/hal]: hardware interfaces (USB
//     controller, DMA engine, UART)
//   - [github.com/ardnew/usbuart/device/bridge]: DMA bridge manager, line
//     configuration store and idle flush scheduler
//   - [github.com/ardnew/usbuart/device/debug]: diagnostic sideband channel
//   - [github.com/ardnew/usbuart/device/class/cdc]: CDC-ACM control handler
//   - [github.com/ardnew/usbuart/device/usbuart]: wiring of the above to a HAL
//
// Descriptor tables and enumeration are owned by the USB controller and are
// not modeled here.
package device
