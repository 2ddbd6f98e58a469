package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

type capturePrinter struct {
	mutex sync.Mutex
	lines []string
	err   error
}

func (p *capturePrinter) PrintfContext(_ context.Context, format string, args ...any) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.lines = append(p.lines, fmt.Sprintf(format, args...))
	return p.err
}

func (p *capturePrinter) count() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return len(p.lines)
}

func TestFlusher_Tick(t *testing.T) {
	m, bus := newTestManager(t)
	f := NewFlusher(FlusherConfig{Interval: time.Millisecond}, m, nil)

	// Inactive: no wrap-up, counter still cleared.
	m.Context().AddPending(3)
	if f.Tick() {
		t.Error("Tick() flushed an inactive bridge")
	}
	if m.Context().Pending() != 0 {
		t.Error("pending counter not reset while inactive")
	}

	if err := m.Start(hal.SpeedHigh); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	// A short message sits in the fill buffer until an idle tick.
	if _, err := bus.UART.Receive([]byte("hi")); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if !f.Tick() {
		t.Error("Tick() did not flush an idle bridge")
	}
	if got := string(bus.DMA.HostReadAll(DefaultConfig().InEndpoint)); got != "hi" {
		t.Errorf("host read = %q, want %q", got, "hi")
	}

	// A full buffer committed within the window suppresses the wrap-up.
	full := strings.Repeat("x", int(DefaultConfig().UARTBufferSize))
	if _, err := bus.UART.Receive([]byte(full)); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if f.Tick() {
		t.Error("Tick() flushed after a commit")
	}
	if got := string(bus.DMA.HostReadAll(DefaultConfig().InEndpoint)); got != full {
		t.Errorf("host read = %q, want %q", got, full)
	}
	if m.Context().Pending() != 0 {
		t.Error("pending counter not reset at end of tick")
	}

	if !f.Tick() {
		t.Error("Tick() did not flush on the following idle tick")
	}
	if f.Ticks() != 4 || f.Flushes() != 2 {
		t.Errorf("Ticks/Flushes = %d/%d, want 4/2", f.Ticks(), f.Flushes())
	}
}

func TestFlusher_TrickleFlushedEveryTick(t *testing.T) {
	m, bus := newTestManager(t)
	if err := m.Start(hal.SpeedHigh); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	f := NewFlusher(FlusherConfig{Interval: time.Millisecond}, m, nil)
	ep := DefaultConfig().InEndpoint

	// Each byte must reach the host on the tick after it arrives, even
	// though the previous tick's wrap-up committed a buffer.
	for _, b := range []string{"a", "b", "c"} {
		if _, err := bus.UART.Receive([]byte(b)); err != nil {
			t.Fatalf("Receive(%q) error = %v", b, err)
		}
		if !f.Tick() {
			t.Errorf("Tick() after %q did not flush", b)
		}
		if got := string(bus.DMA.HostReadAll(ep)); got != b {
			t.Errorf("host read after %q = %q", b, got)
		}
	}
	if f.Flushes() != 3 {
		t.Errorf("Flushes() = %d, want 3", f.Flushes())
	}
}

func TestFlusher_FailedWrapUpNotCounted(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Start(hal.SpeedHigh); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	_, uartToUSB := m.Channels()
	if err := uartToUSB.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}

	f := NewFlusher(FlusherConfig{Interval: time.Millisecond}, m, nil)
	if f.Tick() {
		t.Error("Tick() reported a failed wrap-up as a flush")
	}
	if f.Flushes() != 0 {
		t.Errorf("Flushes() = %d, want 0", f.Flushes())
	}
	if f.Ticks() != 1 {
		t.Errorf("Ticks() = %d, want 1", f.Ticks())
	}
}

func TestFlusher_Heartbeat(t *testing.T) {
	m, _ := newTestManager(t)
	p := &capturePrinter{err: pkg.ErrNotStarted}
	f := NewFlusher(FlusherConfig{Interval: time.Millisecond, HeartbeatEvery: 3}, m, p)

	for i := 0; i < 7; i++ {
		f.Tick()
	}
	if p.count() != 2 {
		t.Fatalf("heartbeats = %d, want 2", p.count())
	}
	line := p.lines[0]
	if !strings.HasPrefix(line, "Dbg Port Alive | Uptime: ") || !strings.HasSuffix(line, " ms\r\n") {
		t.Errorf("heartbeat = %q", line)
	}
}

func TestFlusher_Run(t *testing.T) {
	t.Run("context canceled", func(t *testing.T) {
		m, _ := newTestManager(t)
		f := NewFlusher(FlusherConfig{Interval: time.Millisecond}, m, nil)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		if err := f.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Run() error = %v", err)
		}
		if f.Ticks() == 0 {
			t.Error("Run() never ticked")
		}
	})

	t.Run("halted", func(t *testing.T) {
		m, _ := newTestManager(t)
		f := NewFlusher(FlusherConfig{Interval: time.Millisecond}, m, nil)

		fault := fmt.Errorf("%w: injected", pkg.ErrFatal)
		done := make(chan error, 1)
		go func() { done <- f.Run(context.Background()) }()
		time.Sleep(5 * time.Millisecond)
		m.Context().Halt(fault)

		select {
		case err := <-done:
			if !errors.Is(err, pkg.ErrFatal) {
				t.Errorf("Run() error = %v, want ErrFatal", err)
			}
		case <-time.After(time.Second):
			t.Fatal("Run() did not exit on halt")
		}
	})

	t.Run("already running", func(t *testing.T) {
		m, _ := newTestManager(t)
		f := NewFlusher(FlusherConfig{Interval: time.Millisecond}, m, nil)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- f.Run(ctx) }()
		time.Sleep(5 * time.Millisecond)

		if err := f.Run(ctx); !errors.Is(err, pkg.ErrAlreadyRunning) {
			t.Errorf("second Run() error = %v", err)
		}
		cancel()
		<-done
	})
}
