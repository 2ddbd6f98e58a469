package bridge

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// Packet sizes per bus speed.
const (
	PacketSizeFull  = 64
	PacketSizeHigh  = 512
	PacketSizeSuper = 1024
)

// NotifyPacketSize is the interrupt notification endpoint packet size.
const NotifyPacketSize = 64

// PacketSize returns the bulk packet size for speed.
func PacketSize(speed hal.Speed) (uint16, error) {
	switch speed {
	case hal.SpeedFull:
		return PacketSizeFull, nil
	case hal.SpeedHigh:
		return PacketSizeHigh, nil
	case hal.SpeedSuper:
		return PacketSizeSuper, nil
	default:
		return 0, fmt.Errorf("%w: %s", pkg.ErrUnsupportedSpeed, speed)
	}
}

// Config holds the bridge endpoint and buffer layout.
type Config struct {
	OutEndpoint    uint8  // Bulk OUT, host to UART
	InEndpoint     uint8  // Bulk IN, UART to host
	NotifyEndpoint uint8  // Interrupt IN, serial state notifications
	BufferCount    uint16 // Buffers per channel
	UARTBufferSize uint16 // Channel B buffer size
}

// DefaultConfig returns the standard endpoint layout with eight buffers per
// channel and 32-byte UART buffers.
func DefaultConfig() Config {
	return Config{
		OutEndpoint:    0x02,
		InEndpoint:     0x82,
		NotifyEndpoint: 0x81,
		BufferCount:    8,
		UARTBufferSize: 32,
	}
}

// Attachment is a component whose endpoints and channels follow the
// bridge lifecycle.
type Attachment interface {
	Open(speed hal.Speed, packetSize uint16) error
	Close() error
}

// Stats holds bridge counters.
type Stats struct {
	Starts       uint64 // Successful starts
	Stops        uint64 // Stops of a running bridge
	Commits      uint64 // Channel B buffers committed
	CommitErrors uint64 // Channel B commits that failed
	Recoveries   uint64 // Channel B error recoveries
	WrapUps      uint64 // Idle wrap-ups forwarded to channel B
}

// Manager creates, recovers and tears down the bridge channels.
type Manager struct {
	cfg Config
	ctx *Context
	usb hal.USB
	dma hal.DMA

	// mutex serializes lifecycle transitions. The completion path never
	// takes it.
	mutex       sync.Mutex
	running     bool
	speed       hal.Speed
	packetSize  uint16
	usbToUART   *Channel
	uartToUSB   *Channel
	attachments []Attachment
	opened      []Attachment

	starts       atomic.Uint64
	stops        atomic.Uint64
	commits      atomic.Uint64
	commitErrors atomic.Uint64
	recoveries   atomic.Uint64
	wrapUps      atomic.Uint64

	recoveryLog rate.Sometimes
}

// NewManager creates a manager sharing ctx.
func NewManager(cfg Config, ctx *Context, usb hal.USB, dma hal.DMA) *Manager {
	if cfg.BufferCount == 0 {
		cfg.BufferCount = DefaultConfig().BufferCount
	}
	if cfg.UARTBufferSize == 0 {
		cfg.UARTBufferSize = DefaultConfig().UARTBufferSize
	}
	return &Manager{
		cfg:         cfg,
		ctx:         ctx,
		usb:         usb,
		dma:         dma,
		recoveryLog: rate.Sometimes{First: 3, Interval: time.Second},
	}
}

// Attach registers a component opened after the bridge channels on every
// start and closed on every stop.
func (m *Manager) Attach(a Attachment) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.attachments = append(m.attachments, a)
}

// Context returns the shared bridge context.
func (m *Manager) Context() *Context {
	return m.ctx
}

// Speed returns the speed of the running bridge.
func (m *Manager) Speed() hal.Speed {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.speed
}

// PacketSize returns the bulk packet size of the running bridge.
func (m *Manager) PacketSize() uint16 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.packetSize
}

// Channels returns the current channel A and channel B, or nil when
// stopped.
func (m *Manager) Channels() (usbToUART, uartToUSB *Channel) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.usbToUART, m.uartToUSB
}

// Start configures the bulk endpoints and channels for speed. Any failure
// is fatal: the partially built bridge is torn down and the returned error
// wraps [pkg.ErrFatal].
func (m *Manager) Start(speed hal.Speed) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.running {
		return pkg.ErrAlreadyRunning
	}
	if err := m.start(speed); err != nil {
		m.teardown()
		pkg.LogError(pkg.ComponentBridge, "bridge start failed", "speed", speed.String(), "error", err)
		return fmt.Errorf("%w: start bridge: %w", pkg.ErrFatal, err)
	}

	m.running = true
	m.starts.Add(1)
	m.ctx.setActive(true)
	pkg.LogInfo(pkg.ComponentBridge, "bridge started",
		"speed", speed.String(),
		"packetSize", m.packetSize)
	return nil
}

func (m *Manager) start(speed hal.Speed) error {
	size, err := PacketSize(speed)
	if err != nil {
		return err
	}
	m.speed, m.packetSize = speed, size

	if speed == hal.SpeedSuper {
		if err := m.usb.SetLinkPowerManagement(false); err != nil {
			return fmt.Errorf("disable LPM: %w", err)
		}
	}

	endpoints := []hal.EndpointConfig{
		{Address: m.cfg.OutEndpoint, Type: hal.EndpointTypeBulk, MaxPacketSize: size, BurstLen: 1, Enable: true},
		{Address: m.cfg.InEndpoint, Type: hal.EndpointTypeBulk, MaxPacketSize: size, BurstLen: 1, Enable: true},
		{Address: m.cfg.NotifyEndpoint, Type: hal.EndpointTypeInterrupt, MaxPacketSize: NotifyPacketSize, BurstLen: 1, Enable: true},
	}
	for _, ep := range endpoints {
		if err := m.usb.ConfigureEndpoint(ep); err != nil {
			return fmt.Errorf("configure endpoint %#02x: %w", ep.Address, err)
		}
	}

	m.usbToUART = NewChannel("usb-to-uart", hal.ChannelConfig{
		Size:     size,
		Count:    m.cfg.BufferCount,
		Producer: hal.USBProducerSocket(m.cfg.OutEndpoint),
		Consumer: hal.SocketUARTConsumer,
		Mode:     hal.ModeAuto,
	})
	if err := m.usbToUART.Create(m.dma, nil); err != nil {
		return err
	}

	m.uartToUSB = NewChannel("uart-to-usb", hal.ChannelConfig{
		Size:     m.cfg.UARTBufferSize,
		Count:    m.cfg.BufferCount,
		Producer: hal.SocketUARTProducer,
		Consumer: hal.USBConsumerSocket(m.cfg.InEndpoint),
		Mode:     hal.ModeManual,
		Notify:   hal.CallbackProduced,
	})
	if err := m.uartToUSB.Create(m.dma, m.onChannelEvent); err != nil {
		return err
	}

	if err := m.usbToUART.Arm(); err != nil {
		return err
	}
	if err := m.uartToUSB.Arm(); err != nil {
		return err
	}

	for _, a := range m.attachments {
		if err := a.Open(speed, size); err != nil {
			return fmt.Errorf("open attachment: %w", err)
		}
		m.opened = append(m.opened, a)
	}
	return nil
}

// Stop deactivates the bridge, flushes its endpoints and destroys its
// channels. Stopping a bridge that is not running does nothing.
func (m *Manager) Stop() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !m.running {
		return nil
	}
	err := m.teardown()
	m.stops.Add(1)
	pkg.LogInfo(pkg.ComponentBridge, "bridge stopped")
	return err
}

// teardown releases everything start built. m.mutex must be held.
func (m *Manager) teardown() error {
	m.ctx.setActive(false)
	m.running = false

	var errs []error
	for _, ep := range []uint8{m.cfg.OutEndpoint, m.cfg.InEndpoint, m.cfg.NotifyEndpoint} {
		if err := m.usb.FlushEndpoint(ep); err != nil {
			errs = append(errs, fmt.Errorf("flush endpoint %#02x: %w", ep, err))
		}
	}

	for _, ch := range []*Channel{m.usbToUART, m.uartToUSB} {
		if ch == nil {
			continue
		}
		if err := ch.Destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	m.usbToUART, m.uartToUSB = nil, nil

	for i := len(m.opened) - 1; i >= 0; i-- {
		if err := m.opened[i].Close(); err != nil {
			errs = append(errs, fmt.Errorf("close attachment: %w", err))
		}
	}
	m.opened = nil

	for _, ep := range []uint8{m.cfg.OutEndpoint, m.cfg.InEndpoint, m.cfg.NotifyEndpoint} {
		if err := m.usb.ConfigureEndpoint(hal.EndpointConfig{Address: ep}); err != nil {
			errs = append(errs, fmt.Errorf("disable endpoint %#02x: %w", ep, err))
		}
	}

	m.speed, m.packetSize = hal.SpeedUnknown, 0

	if err := errors.Join(errs...); err != nil {
		pkg.LogWarn(pkg.ComponentBridge, "bridge teardown incomplete", "error", err)
		return err
	}
	return nil
}

// Restart stops the bridge if it is running and starts it at speed.
func (m *Manager) Restart(speed hal.Speed) error {
	if err := m.Stop(); err != nil {
		pkg.LogWarn(pkg.ComponentBridge, "stop before restart failed", "error", err)
	}
	return m.Start(speed)
}

// WrapUp forwards the partially filled channel B buffer to the host.
func (m *Manager) WrapUp() error {
	if !m.ctx.Active() {
		return pkg.ErrNotStarted
	}

	m.mutex.Lock()
	ch := m.uartToUSB
	m.mutex.Unlock()
	if ch == nil {
		return pkg.ErrNotStarted
	}

	if err := ch.WrapUp(); err != nil {
		return err
	}
	m.wrapUps.Add(1)
	return nil
}

// Stats returns a snapshot of the bridge counters.
func (m *Manager) Stats() Stats {
	return Stats{
		Starts:       m.starts.Load(),
		Stops:        m.stops.Load(),
		Commits:      m.commits.Load(),
		CommitErrors: m.commitErrors.Load(),
		Recoveries:   m.recoveries.Load(),
		WrapUps:      m.wrapUps.Load(),
	}
}

// onChannelEvent runs in the completion context for channel B.
func (m *Manager) onChannelEvent(ch *Channel, typ hal.CallbackType, buf *hal.Buffer) {
	switch typ {
	case hal.CallbackProduced:
		count := 0
		if buf != nil {
			count = buf.Count
		}
		if err := ch.Commit(count); err != nil {
			m.commitErrors.Add(1)
			pkg.LogWarn(pkg.ComponentBridge, "commit failed",
				"channel", ch.Name(),
				"count", count,
				"status", pkg.StatusOf(err).String())
		} else {
			m.commits.Add(1)
		}
		m.ctx.AddPending(1)

	case hal.CallbackError:
		m.recoveries.Add(1)
		err := ch.Recover()
		m.recoveryLog.Do(func() {
			if err != nil {
				pkg.LogWarn(pkg.ComponentBridge, "channel recovery", "channel", ch.Name(), "error", err)
				return
			}
			pkg.LogInfo(pkg.ComponentBridge, "channel recovered", "channel", ch.Name())
		})

	case hal.CallbackConsumed, hal.CallbackAborted,
		hal.CallbackProducerSuspended, hal.CallbackConsumerSuspended:
		pkg.LogDebug(pkg.ComponentBridge, "channel event", "channel", ch.Name(), "event", typ.String())

	default:
		pkg.LogDebug(pkg.ComponentBridge, "unexpected channel event", "channel", ch.Name(), "event", uint8(typ))
	}
}
