package bridge

import (
	"sync"
	"sync/atomic"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// LineStore holds the current UART line configuration. Values are published
// whole, so readers never observe a partially updated configuration.
type LineStore struct {
	config atomic.Pointer[hal.UARTConfig]
}

// NewLineStore creates a store holding initial.
func NewLineStore(initial hal.UARTConfig) *LineStore {
	s := &LineStore{}
	s.Store(initial)
	return s
}

// Load returns the current configuration.
func (s *LineStore) Load() hal.UARTConfig {
	if c := s.config.Load(); c != nil {
		return *c
	}
	return hal.DefaultUARTConfig
}

// Store publishes cfg as the current configuration.
func (s *LineStore) Store(cfg hal.UARTConfig) {
	s.config.Store(&cfg)
}

// Context is the state shared by the bridge's execution contexts.
type Context struct {
	active  atomic.Bool
	pending atomic.Uint32
	line    *LineStore

	haltOnce sync.Once
	halted   atomic.Bool
	done     chan struct{}
	err      atomic.Pointer[error]
}

// NewContext creates a context with the default line configuration.
func NewContext() *Context {
	return &Context{
		line: NewLineStore(hal.DefaultUARTConfig),
		done: make(chan struct{}),
	}
}

// Active reports whether the bridge is started.
func (c *Context) Active() bool {
	return c.active.Load()
}

func (c *Context) setActive(v bool) {
	c.active.Store(v)
}

// Line returns the line configuration store.
func (c *Context) Line() *LineStore {
	return c.line
}

// AddPending records n committed buffers.
func (c *Context) AddPending(n uint32) {
	c.pending.Add(n)
}

// SwapPending returns the pending count and resets it to zero.
func (c *Context) SwapPending() uint32 {
	return c.pending.Swap(0)
}

// Pending returns the pending count without resetting it.
func (c *Context) Pending() uint32 {
	return c.pending.Load()
}

// Halt moves the device to its terminal faulted state. Only the first call
// records its error; later calls are no-ops.
func (c *Context) Halt(err error) {
	c.haltOnce.Do(func() {
		if err == nil {
			err = pkg.ErrHalted
		}
		c.err.Store(&err)
		c.active.Store(false)
		c.halted.Store(true)
		close(c.done)
		pkg.LogError(pkg.ComponentDevice, "device halted", "error", err)
	})
}

// Halted reports whether Halt was called.
func (c *Context) Halted() bool {
	return c.halted.Load()
}

// Err returns the error passed to Halt, or nil.
func (c *Context) Err() error {
	if p := c.err.Load(); p != nil {
		return *p
	}
	return nil
}

// Done is closed when the device halts.
func (c *Context) Done() <-chan struct{} {
	return c.done
}
