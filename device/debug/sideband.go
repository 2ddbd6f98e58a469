package debug

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/usbuart/device/bridge"
	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// Interrupt endpoint packet sizes.
const (
	InterruptPacketSize      = 64
	InterruptPacketSizeSuper = 1024
)

// Config holds the debug endpoint layout.
type Config struct {
	InterruptEndpoint uint8  // Interrupt IN
	InEndpoint        uint8  // Bulk IN carrying debug text
	OutEndpoint       uint8  // Bulk OUT, required by the interface but unused
	BufferCount       uint16 // Buffers in the debug channel
}

// DefaultConfig returns the standard debug endpoint layout.
func DefaultConfig() Config {
	return Config{
		InterruptEndpoint: 0x83,
		InEndpoint:        0x84,
		OutEndpoint:       0x04,
		BufferCount:       4,
	}
}

// Gate reports whether the bridge is running. *bridge.Context satisfies it.
type Gate interface {
	Active() bool
}

// Sideband is the debug text channel.
type Sideband struct {
	cfg  Config
	gate Gate
	usb  hal.USB
	dma  hal.DMA

	mutex   sync.Mutex
	channel *bridge.Channel

	sent    uint64
	dropped uint64
}

// New creates a closed sideband. Sends are refused while gate is inactive.
func New(cfg Config, gate Gate, usb hal.USB, dma hal.DMA) *Sideband {
	if cfg.BufferCount == 0 {
		cfg.BufferCount = DefaultConfig().BufferCount
	}
	return &Sideband{cfg: cfg, gate: gate, usb: usb, dma: dma}
}

// Open configures the debug endpoints and creates the debug channel.
func (s *Sideband) Open(speed hal.Speed, packetSize uint16) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.channel != nil {
		return pkg.ErrAlreadyRunning
	}

	intrSize := uint16(InterruptPacketSize)
	if speed == hal.SpeedSuper {
		intrSize = InterruptPacketSizeSuper
	}
	endpoints := []hal.EndpointConfig{
		{Address: s.cfg.InterruptEndpoint, Type: hal.EndpointTypeInterrupt, MaxPacketSize: intrSize, BurstLen: 1, Enable: true},
		{Address: s.cfg.InEndpoint, Type: hal.EndpointTypeBulk, MaxPacketSize: packetSize, BurstLen: 1, Enable: true},
		{Address: s.cfg.OutEndpoint, Type: hal.EndpointTypeBulk, MaxPacketSize: packetSize, BurstLen: 1, Enable: true},
	}
	for _, ep := range endpoints {
		if err := s.usb.ConfigureEndpoint(ep); err != nil {
			s.disable()
			return fmt.Errorf("configure debug endpoint %#02x: %w", ep.Address, err)
		}
	}

	ch := bridge.NewChannel("debug", hal.ChannelConfig{
		Size:     packetSize,
		Count:    s.cfg.BufferCount,
		Producer: hal.SocketCPUProducer,
		Consumer: hal.USBConsumerSocket(s.cfg.InEndpoint),
		Mode:     hal.ModeManualOut,
	})
	if err := ch.Create(s.dma, nil); err != nil {
		s.disable()
		return err
	}
	if err := ch.Arm(); err != nil {
		_ = ch.Destroy()
		s.disable()
		return err
	}
	s.channel = ch

	pkg.LogDebug(pkg.ComponentDebug, "debug sideband open",
		"speed", speed.String(),
		"packetSize", packetSize)
	return nil
}

// Close flushes and disables the debug endpoints and destroys the channel.
// Closing a closed sideband does nothing.
func (s *Sideband) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ch := s.channel
	if ch == nil {
		return nil
	}
	s.channel = nil

	for _, ep := range []uint8{s.cfg.InterruptEndpoint, s.cfg.InEndpoint, s.cfg.OutEndpoint} {
		_ = s.usb.FlushEndpoint(ep)
	}
	err := ch.Destroy()
	s.disable()

	pkg.LogDebug(pkg.ComponentDebug, "debug sideband closed")
	return err
}

func (s *Sideband) disable() {
	for _, ep := range []uint8{s.cfg.InterruptEndpoint, s.cfg.InEndpoint, s.cfg.OutEndpoint} {
		if err := s.usb.ConfigureEndpoint(hal.EndpointConfig{Address: ep}); err != nil {
			pkg.LogWarn(pkg.ComponentDebug, "disable debug endpoint failed", "address", ep, "error", err)
		}
	}
}

// Active reports whether the sideband is open.
func (s *Sideband) Active() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.channel != nil
}

// Send writes text to the host as one buffer, truncated to the buffer
// size. It blocks until a buffer is free or ctx is done. An empty text
// sends nothing. It fails with pkg.ErrNotStarted while the bridge is
// inactive, even if the debug channel still exists.
func (s *Sideband) Send(ctx context.Context, text []byte) error {
	if !s.gate.Active() {
		return pkg.ErrNotStarted
	}

	s.mutex.Lock()
	ch := s.channel
	s.mutex.Unlock()

	if ch == nil {
		return pkg.ErrNotStarted
	}
	if len(text) == 0 {
		return nil
	}

	buf, err := ch.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire debug buffer: %w", err)
	}

	n := copy(buf.Data[:buf.Size], text)
	if err := ch.Commit(n); err != nil {
		return fmt.Errorf("commit debug buffer: %w", err)
	}

	s.mutex.Lock()
	s.sent++
	if n < len(text) {
		s.dropped += uint64(len(text) - n)
	}
	s.mutex.Unlock()
	return nil
}

// Printf formats and sends a message, waiting as long as it takes for a
// free buffer.
func (s *Sideband) Printf(format string, args ...any) error {
	return s.PrintfContext(context.Background(), format, args...)
}

// PrintfContext is Printf with a bound on the wait for a free buffer.
func (s *Sideband) PrintfContext(ctx context.Context, format string, args ...any) error {
	return s.Send(ctx, []byte(fmt.Sprintf(format, args...)))
}

// Stats returns the number of messages sent and bytes lost to truncation.
func (s *Sideband) Stats() (sent, truncated uint64) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.sent, s.dropped
}

var (
	_ bridge.Attachment = (*Sideband)(nil)
	_ bridge.Printer    = (*Sideband)(nil)
	_ Gate              = (*bridge.Context)(nil)
)
