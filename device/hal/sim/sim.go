package sim

import (
	"github.com/google/uuid"

	"github.com/ardnew/usbuart/pkg"
)

// Bus is a simulated USB peripheral controller: a USB device controller, a
// DMA engine and a UART sharing one socket fabric. The host side is driven
// through the exported Host* and Connect/Control methods.
type Bus struct {
	id string

	USB  *Controller
	DMA  *Engine
	UART *UART
}

// New creates a simulated bus. The device is detached until
// [Controller.Connect] is called.
func New() *Bus {
	id := uuid.NewString()

	engine := newEngine()
	uart := newUART(engine)
	engine.uart = uart

	b := &Bus{
		id:   id,
		USB:  newController(engine),
		DMA:  engine,
		UART: uart,
	}

	pkg.LogDebug(pkg.ComponentSim, "simulated bus created", "id", id)
	return b
}

// ID returns the bus instance identifier.
func (b *Bus) ID() string {
	return b.id
}
