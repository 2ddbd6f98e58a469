package bridge

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ardnew/usbuart/pkg"
)

// Printer writes diagnostic text, typically to the debug sideband. The
// call must give up when ctx is done.
type Printer interface {
	PrintfContext(ctx context.Context, format string, args ...any) error
}

// FlusherConfig controls the idle flush loop.
type FlusherConfig struct {
	Interval       time.Duration // Tick period
	HeartbeatEvery uint32        // Ticks between heartbeats, 0 disables
}

// DefaultFlusherConfig returns a 50 ms tick with a heartbeat once a minute.
func DefaultFlusherConfig() FlusherConfig {
	return FlusherConfig{
		Interval:       50 * time.Millisecond,
		HeartbeatEvery: 1200,
	}
}

// Flusher forwards partially filled UART buffers when the UART goes idle.
type Flusher struct {
	cfg       FlusherConfig
	ctx       *Context
	manager   *Manager
	heartbeat Printer

	start   time.Time
	ticks   atomic.Uint64
	flushes atomic.Uint64
	running atomic.Bool
}

// NewFlusher creates a flusher for manager. heartbeat may be nil.
func NewFlusher(cfg FlusherConfig, manager *Manager, heartbeat Printer) *Flusher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultFlusherConfig().Interval
	}
	return &Flusher{
		cfg:       cfg,
		ctx:       manager.Context(),
		manager:   manager,
		heartbeat: heartbeat,
		start:     time.Now(),
	}
}

// Tick runs one flush step and reports whether a wrap-up was forwarded.
// A wrap-up is issued only when the bridge is active and no buffer was
// committed since the previous tick. The counter is cleared at the end of
// the tick, so the commit a wrap-up causes does not count against the next
// window.
func (f *Flusher) Tick() bool {
	tick := f.ticks.Add(1)

	flushed := false
	if f.ctx.Active() && f.ctx.Pending() == 0 {
		if err := f.manager.WrapUp(); err != nil {
			pkg.LogDebug(pkg.ComponentFlush, "wrap-up failed", "error", err)
		} else {
			f.flushes.Add(1)
			flushed = true
		}
	}
	f.ctx.SwapPending()

	if f.heartbeat != nil && f.cfg.HeartbeatEvery != 0 && tick%uint64(f.cfg.HeartbeatEvery) == 0 {
		uptime := time.Since(f.start).Milliseconds()
		ctx, cancel := context.WithTimeout(context.Background(), f.cfg.Interval)
		err := f.heartbeat.PrintfContext(ctx, "Dbg Port Alive | Uptime: %d ms\r\n", uptime)
		cancel()
		if err != nil {
			pkg.LogDebug(pkg.ComponentFlush, "heartbeat not sent", "error", err)
		}
	}
	return flushed
}

// Ticks returns the number of ticks run.
func (f *Flusher) Ticks() uint64 {
	return f.ticks.Load()
}

// Flushes returns the number of wrap-ups forwarded to the bridge.
func (f *Flusher) Flushes() uint64 {
	return f.flushes.Load()
}

// Run ticks at the configured interval until ctx is done or the device
// halts. It returns the context error or the halt error.
func (f *Flusher) Run(ctx context.Context) error {
	if !f.running.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}
	defer f.running.Store(false)

	ticker := time.NewTicker(f.cfg.Interval)
	defer ticker.Stop()

	pkg.LogDebug(pkg.ComponentFlush, "flusher running", "interval", f.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.ctx.Done():
			return fmt.Errorf("flusher: %w", f.ctx.Err())
		case <-ticker.C:
			f.Tick()
		}
	}
}
