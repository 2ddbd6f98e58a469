package sim

import (
	"sync"

	"github.com/ardnew/usbuart/device"
	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// ControlResult is the host's view of a completed control transfer.
type ControlResult struct {
	Handled bool   // Claimed by the device's setup handler
	Acked   bool   // Status stage acknowledged
	Stalled bool   // EP0 stalled
	Data    []byte // IN data stage
}

// Controller implements [hal.USB] in memory.
type Controller struct {
	engine *Engine

	// control serializes setup requests and lifecycle events, which form
	// the control-request context.
	control sync.Mutex

	mutex     sync.Mutex
	speed     hal.Speed
	lpm       bool
	endpoints map[uint8]hal.EndpointConfig
	flushes   map[uint8]int
	failures  map[uint8]error

	// Current control transfer
	ep0Out  []byte
	ep0In   []byte
	acked   bool
	stalled bool

	onSetup hal.SetupHandler
	onEvent hal.EventHandler
	onLPM   hal.LPMHandler
}

func newController(engine *Engine) *Controller {
	return &Controller{
		engine:    engine,
		lpm:       true,
		endpoints: make(map[uint8]hal.EndpointConfig),
		flushes:   make(map[uint8]int),
		failures:  make(map[uint8]error),
	}
}

// Speed returns the negotiated connection speed.
func (c *Controller) Speed() hal.Speed {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.speed
}

// ConfigureEndpoint enables or disables an endpoint.
func (c *Controller) ConfigureEndpoint(cfg hal.EndpointConfig) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if err, ok := c.failures[cfg.Address]; ok && cfg.Enable {
		return err
	}
	if cfg.Number() == 0 {
		return pkg.ErrInvalidEndpoint
	}

	if cfg.Enable {
		c.endpoints[cfg.Address] = cfg
	} else {
		delete(c.endpoints, cfg.Address)
	}

	pkg.LogDebug(pkg.ComponentSim, "endpoint configured",
		"address", cfg.Address,
		"enable", cfg.Enable,
		"packetSize", cfg.MaxPacketSize)
	return nil
}

// FlushEndpoint discards data buffered for an endpoint.
func (c *Controller) FlushEndpoint(address uint8) error {
	c.mutex.Lock()
	c.flushes[address]++
	c.mutex.Unlock()

	if address&0x80 != 0 {
		c.engine.flushHost(address & 0x0F)
	}
	return nil
}

// SetLinkPowerManagement enables or disables LPM.
func (c *Controller) SetLinkPowerManagement(enable bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.lpm = enable
	return nil
}

// ReadEP0 returns the OUT data stage of the current request.
func (c *Controller) ReadEP0(buf []byte) (int, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	n := copy(buf, c.ep0Out)
	c.ep0Out = nil
	return n, nil
}

// WriteEP0 records the IN data stage of the current request. It fails
// with pkg.ErrStall once the request is stalled.
func (c *Controller) WriteEP0(data []byte) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.stalled {
		return pkg.ErrStall
	}
	c.ep0In = append([]byte(nil), data...)
	return nil
}

// AckSetup completes the current request.
func (c *Controller) AckSetup() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.stalled {
		return pkg.ErrStall
	}
	c.acked = true
	return nil
}

// StallEP0 stalls the current request.
func (c *Controller) StallEP0() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.stalled = true
	return nil
}

// SetOnSetup registers the setup handler.
func (c *Controller) SetOnSetup(h hal.SetupHandler) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onSetup = h
}

// SetOnEvent registers the event handler.
func (c *Controller) SetOnEvent(h hal.EventHandler) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onEvent = h
}

// SetOnLPMRequest registers the LPM handler.
func (c *Controller) SetOnLPMRequest(h hal.LPMHandler) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onLPM = h
}

// Host-side operations

// Connect attaches the device at the given speed and raises a connect event.
func (c *Controller) Connect(speed hal.Speed) {
	c.mutex.Lock()
	c.speed = speed
	c.mutex.Unlock()
	c.signal(hal.EventConnect, 0)
}

// Disconnect raises a disconnect event.
func (c *Controller) Disconnect() {
	c.signal(hal.EventDisconnect, 0)
	c.mutex.Lock()
	c.speed = hal.SpeedUnknown
	c.mutex.Unlock()
}

// BusReset raises a bus reset event.
func (c *Controller) BusReset() {
	c.signal(hal.EventReset, 0)
}

// SetConfiguration raises a configuration-set event for value.
func (c *Controller) SetConfiguration(value uint8) {
	c.signal(hal.EventSetConfiguration, uint16(value))
}

// Signal raises an arbitrary lifecycle event.
func (c *Controller) Signal(ev hal.Event, data uint16) {
	c.signal(ev, data)
}

func (c *Controller) signal(ev hal.Event, data uint16) {
	c.control.Lock()
	defer c.control.Unlock()

	c.mutex.Lock()
	h := c.onEvent
	c.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentSim, "usb event", "event", ev.String(), "data", data)
	if h != nil {
		h(ev, data)
	}
}

// Control issues a control transfer. Requests the device does not claim get
// the controller's default handling: standard requests are acknowledged and
// all others are stalled. A claimed request that is neither acknowledged,
// stalled nor answered returns [pkg.ErrTimeout].
func (c *Controller) Control(setup device.SetupPacket, data []byte) (ControlResult, error) {
	c.control.Lock()
	defer c.control.Unlock()

	c.mutex.Lock()
	c.ep0Out = append([]byte(nil), data...)
	c.ep0In = nil
	c.acked = false
	c.stalled = false
	h := c.onSetup
	c.mutex.Unlock()

	raw := make([]byte, hal.SetupPacketSize)
	setup.MarshalTo(raw)
	handled := h != nil && h(raw)

	c.mutex.Lock()
	defer c.mutex.Unlock()

	res := ControlResult{
		Handled: handled,
		Acked:   c.acked,
		Stalled: c.stalled,
		Data:    c.ep0In,
	}
	c.ep0Out = nil

	if !handled {
		if setup.IsStandard() {
			res.Acked = true
		} else {
			res.Stalled = true
		}
		return res, nil
	}
	if !res.Acked && !res.Stalled && res.Data == nil {
		return res, pkg.ErrTimeout
	}
	return res, nil
}

// RequestLinkPower asks the device to accept a link power transition.
func (c *Controller) RequestLinkPower(mode hal.LinkMode) bool {
	c.mutex.Lock()
	h := c.onLPM
	c.mutex.Unlock()
	if h == nil {
		return true
	}
	return h(mode)
}

// Endpoint returns the configuration of an enabled endpoint.
func (c *Controller) Endpoint(address uint8) (hal.EndpointConfig, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	cfg, ok := c.endpoints[address]
	return cfg, ok
}

// EndpointCount returns the number of enabled endpoints.
func (c *Controller) EndpointCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.endpoints)
}

// Flushes returns how many times an endpoint was flushed.
func (c *Controller) Flushes(address uint8) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.flushes[address]
}

// LPMEnabled reports whether LPM transitions are enabled.
func (c *Controller) LPMEnabled() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.lpm
}

// FailEndpoint makes enabling the endpoint at address fail with err.
// A nil err clears the failure.
func (c *Controller) FailEndpoint(address uint8, err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err == nil {
		delete(c.failures, address)
		return
	}
	c.failures[address] = err
}

var _ hal.USB = (*Controller)(nil)
