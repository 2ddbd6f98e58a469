package debug

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/usbuart/device/bridge"
	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/device/hal/sim"
	"github.com/ardnew/usbuart/pkg"
)

type flag struct{ atomic.Bool }

func (f *flag) Active() bool { return f.Load() }

func running() *flag {
	f := &flag{}
	f.Store(true)
	return f
}

func openSideband(t *testing.T, speed hal.Speed, size uint16) (*Sideband, *sim.Bus) {
	t.Helper()
	s, bus, _ := openGated(t, speed, size)
	return s, bus
}

func openGated(t *testing.T, speed hal.Speed, size uint16) (*Sideband, *sim.Bus, *flag) {
	t.Helper()
	bus := sim.New()
	gate := running()
	s := New(DefaultConfig(), gate, bus.USB, bus.DMA)
	if err := s.Open(speed, size); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s, bus, gate
}

func TestSideband_Open(t *testing.T) {
	tests := []struct {
		speed    hal.Speed
		size     uint16
		intrSize uint16
	}{
		{hal.SpeedFull, 64, 64},
		{hal.SpeedHigh, 512, 64},
		{hal.SpeedSuper, 1024, 1024},
	}

	for _, tt := range tests {
		t.Run(tt.speed.String(), func(t *testing.T) {
			s, bus := openSideband(t, tt.speed, tt.size)
			cfg := DefaultConfig()

			want := []hal.EndpointConfig{
				{Address: cfg.InterruptEndpoint, Type: hal.EndpointTypeInterrupt, MaxPacketSize: tt.intrSize, BurstLen: 1, Enable: true},
				{Address: cfg.InEndpoint, Type: hal.EndpointTypeBulk, MaxPacketSize: tt.size, BurstLen: 1, Enable: true},
				{Address: cfg.OutEndpoint, Type: hal.EndpointTypeBulk, MaxPacketSize: tt.size, BurstLen: 1, Enable: true},
			}
			for _, w := range want {
				got, ok := bus.USB.Endpoint(w.Address)
				if !ok {
					t.Errorf("endpoint %#02x not enabled", w.Address)
					continue
				}
				if diff := cmp.Diff(w, got); diff != "" {
					t.Errorf("endpoint %#02x mismatch (-want +got):\n%s", w.Address, diff)
				}
			}

			stats, ok := bus.DMA.Stats(hal.SocketCPUProducer)
			if !ok || stats.Mode != hal.ModeManualOut || stats.Size != int(tt.size) || stats.Count != 4 || !stats.Armed {
				t.Errorf("debug channel = %+v", stats)
			}

			if err := s.Open(tt.speed, tt.size); !errors.Is(err, pkg.ErrAlreadyRunning) {
				t.Errorf("second Open() error = %v", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close() error = %v", err)
			}
			if bus.USB.EndpointCount() != 0 || bus.DMA.Live() != 0 {
				t.Errorf("endpoints %d, channels %d after Close", bus.USB.EndpointCount(), bus.DMA.Live())
			}
			if err := s.Close(); err != nil {
				t.Errorf("second Close() error = %v", err)
			}
		})
	}
}

func TestSideband_OpenFailure(t *testing.T) {
	bus := sim.New()
	injected := errors.New("injected")
	bus.USB.FailEndpoint(DefaultConfig().OutEndpoint, injected)

	s := New(DefaultConfig(), running(), bus.USB, bus.DMA)
	if err := s.Open(hal.SpeedHigh, 512); !errors.Is(err, injected) {
		t.Fatalf("Open() error = %v", err)
	}
	if s.Active() || bus.USB.EndpointCount() != 0 {
		t.Errorf("Active() = %v, endpoints %d", s.Active(), bus.USB.EndpointCount())
	}
}

func TestSideband_Send(t *testing.T) {
	tests := []struct {
		name string
		text string
		size uint16
		want string
	}{
		{name: "fits", text: "hello", size: 64, want: "hello"},
		{name: "exact", text: "0123456789", size: 10, want: "0123456789"},
		{name: "truncated", text: "0123456789abcdef", size: 10, want: "0123456789"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, bus := openSideband(t, hal.SpeedFull, tt.size)
			if err := s.Send(context.Background(), []byte(tt.text)); err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			got, ok := bus.DMA.HostRead(DefaultConfig().InEndpoint)
			if !ok {
				t.Fatal("no packet on debug endpoint")
			}
			if string(got) != tt.want {
				t.Errorf("packet = %q, want %q", got, tt.want)
			}
			if sent, dropped := s.Stats(); sent != 1 || dropped != uint64(len(tt.text)-len(tt.want)) {
				t.Errorf("Stats() = %d, %d", sent, dropped)
			}
		})
	}
}

func TestSideband_SendEmpty(t *testing.T) {
	s, bus := openSideband(t, hal.SpeedFull, 64)
	cfg := DefaultConfig()

	// Exhaust the pool: an empty send must still return immediately.
	for i := 0; i < int(cfg.BufferCount); i++ {
		if err := s.Printf("msg %d", i); err != nil {
			t.Fatalf("Printf() error = %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Send(ctx, nil); err != nil {
		t.Errorf("Send(nil) error = %v", err)
	}
	if bus.DMA.Pending(cfg.InEndpoint) != int(cfg.BufferCount) {
		t.Errorf("Pending() = %d", bus.DMA.Pending(cfg.InEndpoint))
	}
}

func TestSideband_SendInactive(t *testing.T) {
	bus := sim.New()
	s := New(DefaultConfig(), running(), bus.USB, bus.DMA)
	if err := s.Send(context.Background(), []byte("x")); !errors.Is(err, pkg.ErrNotStarted) {
		t.Errorf("Send() error = %v, want ErrNotStarted", err)
	}
	if err := s.Printf("x"); !errors.Is(err, pkg.ErrNotStarted) {
		t.Errorf("Printf() error = %v, want ErrNotStarted", err)
	}
}

func TestSideband_SendRefusedWhileBridgeInactive(t *testing.T) {
	s, bus, gate := openGated(t, hal.SpeedHigh, 512)
	cfg := DefaultConfig()

	gate.Store(false)
	if !s.Active() {
		t.Fatal("debug channel closed by the gate")
	}
	if err := s.Send(context.Background(), []byte("x")); !errors.Is(err, pkg.ErrNotStarted) {
		t.Errorf("Send() error = %v, want ErrNotStarted", err)
	}
	if err := s.Printf("x"); !errors.Is(err, pkg.ErrNotStarted) {
		t.Errorf("Printf() error = %v, want ErrNotStarted", err)
	}
	if n := bus.DMA.Pending(cfg.InEndpoint); n != 0 {
		t.Errorf("Pending() = %d, want 0", n)
	}
	if sent, _ := s.Stats(); sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}

	gate.Store(true)
	if err := s.Printf("back"); err != nil {
		t.Fatalf("Printf() error = %v", err)
	}
	if got, _ := bus.DMA.HostRead(cfg.InEndpoint); string(got) != "back" {
		t.Errorf("packet = %q", got)
	}
}

func TestSideband_SendBlocksUntilBufferFree(t *testing.T) {
	s, bus := openSideband(t, hal.SpeedFull, 64)
	cfg := DefaultConfig()

	for i := 0; i < int(cfg.BufferCount); i++ {
		if err := s.Printf("%d", i); err != nil {
			t.Fatalf("Printf() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Send(ctx, []byte("late")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send() with exhausted pool error = %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Printf("after") }()

	select {
	case err := <-done:
		t.Fatalf("Printf() returned %v before a buffer was freed", err)
	case <-time.After(20 * time.Millisecond):
	}

	if _, ok := bus.DMA.HostRead(cfg.InEndpoint); !ok {
		t.Fatal("no packet to read")
	}
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Printf() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Printf() still blocked after a buffer was freed")
	}

	var all []byte
	all = append(all, bus.DMA.HostReadAll(cfg.InEndpoint)...)
	if !bytes.HasSuffix(all, []byte("after")) {
		t.Errorf("remaining packets = %q", all)
	}
}

func TestSideband_CloseUnblocksSend(t *testing.T) {
	s, _ := openSideband(t, hal.SpeedFull, 64)
	for i := 0; i < int(DefaultConfig().BufferCount); i++ {
		_ = s.Printf("%d", i)
	}

	done := make(chan error, 1)
	go func() { done <- s.Printf("blocked") }()
	time.Sleep(10 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("Printf() succeeded on a closed sideband")
		}
	case <-time.After(time.Second):
		t.Fatal("Printf() not released by Close")
	}
}

func TestSideband_AttachedToBridge(t *testing.T) {
	bus := sim.New()
	ctx := bridge.NewContext()
	m := bridge.NewManager(bridge.DefaultConfig(), ctx, bus.USB, bus.DMA)
	s := New(DefaultConfig(), ctx, bus.USB, bus.DMA)
	m.Attach(s)

	if err := m.Start(hal.SpeedSuper); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.Active() {
		t.Fatal("sideband not opened by Start")
	}
	if err := s.Printf("speed %s", m.Speed()); err != nil {
		t.Fatalf("Printf() error = %v", err)
	}
	if got, _ := bus.DMA.HostRead(DefaultConfig().InEndpoint); string(got) != "speed SuperSpeed" {
		t.Errorf("packet = %q", got)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.Active() {
		t.Error("sideband still open after Stop")
	}
	if err := s.Printf("late"); !errors.Is(err, pkg.ErrNotStarted) {
		t.Errorf("Printf() after Stop error = %v, want ErrNotStarted", err)
	}
}

func TestSideband_HeartbeatDoesNotStallFlusher(t *testing.T) {
	bus := sim.New()
	ctx := bridge.NewContext()
	m := bridge.NewManager(bridge.DefaultConfig(), ctx, bus.USB, bus.DMA)
	s := New(DefaultConfig(), ctx, bus.USB, bus.DMA)
	m.Attach(s)
	if err := m.Start(hal.SpeedHigh); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer m.Stop()

	// The host never reads the debug endpoint.
	for i := 0; i < int(DefaultConfig().BufferCount); i++ {
		if err := s.Printf("%d", i); err != nil {
			t.Fatalf("Printf() error = %v", err)
		}
	}

	f := bridge.NewFlusher(bridge.FlusherConfig{Interval: 5 * time.Millisecond, HeartbeatEvery: 1}, m, s)
	done := make(chan bool, 1)
	go func() { done <- f.Tick() }()

	select {
	case flushed := <-done:
		if !flushed {
			t.Error("Tick() skipped the wrap-up")
		}
	case <-time.After(time.Second):
		t.Fatal("Tick() blocked on a full debug pool")
	}
	if sent, _ := s.Stats(); sent != uint64(DefaultConfig().BufferCount) {
		t.Errorf("sent = %d, want %d", sent, DefaultConfig().BufferCount)
	}
}
