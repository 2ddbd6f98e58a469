package bridge

import (
	"errors"
	"testing"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/device/hal/sim"
	"github.com/ardnew/usbuart/pkg"
)

func TestChannelState_String(t *testing.T) {
	tests := []struct {
		state ChannelState
		want  string
	}{
		{StateUninitialized, "uninitialized"},
		{StateCreated, "created"},
		{StateActive, "active"},
		{StateFaulted, "faulted"},
		{StateDestroyed, "destroyed"},
		{ChannelState(99), "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func testChannel() *Channel {
	return NewChannel("test", hal.ChannelConfig{
		Size:     8,
		Count:    2,
		Producer: hal.SocketUARTProducer,
		Consumer: hal.USBConsumerSocket(2),
		Mode:     hal.ModeManual,
		Notify:   hal.CallbackProduced,
	})
}

func TestChannel_Lifecycle(t *testing.T) {
	bus := sim.New()
	ch := testChannel()

	if err := ch.Arm(); !errors.Is(err, pkg.ErrNullPointer) {
		t.Errorf("Arm() before Create error = %v", err)
	}
	if err := ch.Create(bus.DMA, nil); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if ch.State() != StateCreated {
		t.Errorf("State() = %v, want created", ch.State())
	}
	if err := ch.Create(bus.DMA, nil); !errors.Is(err, pkg.ErrInvalidState) {
		t.Errorf("second Create() error = %v", err)
	}
	if err := ch.Arm(); err != nil {
		t.Fatalf("Arm() error = %v", err)
	}
	if ch.State() != StateActive {
		t.Errorf("State() = %v, want active", ch.State())
	}
	if err := ch.Destroy(); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if err := ch.Destroy(); err != nil {
		t.Errorf("second Destroy() error = %v", err)
	}
	if ch.State() != StateDestroyed {
		t.Errorf("State() = %v, want destroyed", ch.State())
	}
	if err := ch.WrapUp(); !errors.Is(err, pkg.ErrNullPointer) {
		t.Errorf("WrapUp() after Destroy error = %v", err)
	}
}

func TestChannel_Recover(t *testing.T) {
	tests := []struct {
		name     string
		resetErr error
		disarm   bool
		wantErr  bool
	}{
		{name: "armed"},
		{name: "already reset", disarm: true},
		{name: "not configured", resetErr: pkg.ErrNotConfigured},
		{name: "other failure", resetErr: pkg.ErrMutexFailure, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := sim.New()
			ch := testChannel()
			if err := ch.Create(bus.DMA, nil); err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			if !tt.disarm {
				if err := ch.Arm(); err != nil {
					t.Fatalf("Arm() error = %v", err)
				}
			}
			bus.DMA.FailReset(tt.resetErr)

			err := ch.Recover()
			if (err != nil) != tt.wantErr {
				t.Errorf("Recover() error = %v, wantErr %v", err, tt.wantErr)
			}
			if ch.State() != StateActive {
				t.Errorf("State() = %v, want active", ch.State())
			}
			stats, _ := bus.DMA.Stats(hal.SocketUARTProducer)
			if !stats.Armed {
				t.Error("channel not re-armed")
			}
		})
	}
}
