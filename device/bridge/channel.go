package bridge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// ChannelState is the lifecycle state of a [Channel].
type ChannelState uint32

// Channel states.
const (
	StateUninitialized ChannelState = iota
	StateCreated
	StateActive
	StateFaulted
	StateDestroyed
)

// String returns the state name.
func (s ChannelState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCreated:
		return "created"
	case StateActive:
		return "active"
	case StateFaulted:
		return "faulted"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// EventHandler receives completion events for a [Channel].
type EventHandler func(ch *Channel, typ hal.CallbackType, buf *hal.Buffer)

// Channel tracks one DMA channel through its lifecycle.
type Channel struct {
	name  string
	cfg   hal.ChannelConfig
	state atomic.Uint32

	mutex sync.RWMutex
	hw    hal.Channel
}

// NewChannel describes a channel. Callback in cfg is ignored; pass a
// handler to [Channel.Create] instead.
func NewChannel(name string, cfg hal.ChannelConfig) *Channel {
	cfg.Callback = nil
	return &Channel{name: name, cfg: cfg}
}

// Name returns the channel name.
func (c *Channel) Name() string {
	return c.name
}

// Config returns the channel configuration.
func (c *Channel) Config() hal.ChannelConfig {
	return c.cfg
}

// Size returns the buffer size.
func (c *Channel) Size() int {
	return int(c.cfg.Size)
}

// State returns the lifecycle state.
func (c *Channel) State() ChannelState {
	return ChannelState(c.state.Load())
}

func (c *Channel) setState(s ChannelState) {
	c.state.Store(uint32(s))
}

func (c *Channel) handle() (hal.Channel, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.hw == nil {
		return nil, pkg.ErrNullPointer
	}
	return c.hw, nil
}

// Create allocates the channel on dma. handler, if not nil, receives the
// events selected by the configuration's notification mask.
func (c *Channel) Create(dma hal.DMA, handler EventHandler) error {
	if c.State() != StateUninitialized {
		return fmt.Errorf("create %s channel: %w", c.name, pkg.ErrInvalidState)
	}

	cfg := c.cfg
	if handler != nil {
		cfg.Callback = func(_ hal.Channel, typ hal.CallbackType, buf *hal.Buffer) {
			handler(c, typ, buf)
		}
	}

	hw, err := dma.CreateChannel(&cfg)
	if err != nil {
		return fmt.Errorf("create %s channel: %w", c.name, err)
	}

	c.mutex.Lock()
	c.hw = hw
	c.mutex.Unlock()
	c.setState(StateCreated)

	pkg.LogDebug(pkg.ComponentBridge, "channel created",
		"channel", c.name,
		"mode", c.cfg.Mode.String(),
		"size", c.cfg.Size,
		"count", c.cfg.Count)
	return nil
}

// Arm starts an unbounded transfer.
func (c *Channel) Arm() error {
	hw, err := c.handle()
	if err != nil {
		return fmt.Errorf("arm %s channel: %w", c.name, err)
	}
	if err := hw.SetXfer(0); err != nil {
		return fmt.Errorf("arm %s channel: %w", c.name, err)
	}
	c.setState(StateActive)
	return nil
}

// Commit hands count bytes of the current buffer to the consumer.
func (c *Channel) Commit(count int) error {
	hw, err := c.handle()
	if err != nil {
		return err
	}
	return hw.CommitBuffer(count)
}

// Acquire waits for a free producer buffer.
func (c *Channel) Acquire(ctx context.Context) (hal.Buffer, error) {
	hw, err := c.handle()
	if err != nil {
		return hal.Buffer{}, err
	}
	return hw.GetBuffer(ctx)
}

// WrapUp forwards the partially filled producer buffer.
func (c *Channel) WrapUp() error {
	hw, err := c.handle()
	if err != nil {
		return err
	}
	return hw.WrapUp()
}

// Recover resets a faulted channel and re-arms it. A reset that finds
// nothing to reset is not an error.
func (c *Channel) Recover() error {
	hw, err := c.handle()
	if err != nil {
		return err
	}

	c.setState(StateFaulted)
	var resetErr error
	switch err := hw.Reset(); pkg.StatusOf(err) {
	case pkg.DMAStatusSuccess, pkg.DMAStatusAlreadyReset, pkg.DMAStatusNotConfigured:
	default:
		resetErr = fmt.Errorf("reset %s channel: %w", c.name, err)
	}
	if err := hw.SetXfer(0); err != nil {
		return fmt.Errorf("re-arm %s channel: %w", c.name, err)
	}
	c.setState(StateActive)
	return resetErr
}

// Destroy releases the channel. Destroying a channel that was never created
// or is already destroyed is a no-op.
func (c *Channel) Destroy() error {
	c.mutex.Lock()
	hw := c.hw
	c.hw = nil
	c.mutex.Unlock()

	if hw == nil {
		if c.State() != StateUninitialized {
			c.setState(StateDestroyed)
		}
		return nil
	}
	c.setState(StateDestroyed)
	if err := hw.Destroy(); err != nil {
		return fmt.Errorf("destroy %s channel: %w", c.name, err)
	}
	pkg.LogDebug(pkg.ComponentBridge, "channel destroyed", "channel", c.name)
	return nil
}
