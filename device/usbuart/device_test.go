package usbuart

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/ardnew/usbuart/device"
	"github.com/ardnew/usbuart/device/class/cdc"
	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/device/hal/sim"
	"github.com/ardnew/usbuart/pkg"
)

func newTestDevice(t *testing.T, cfg Config) (*Device, *sim.Bus) {
	t.Helper()
	bus := sim.New()
	d := New(cfg, bus.USB, bus.DMA, bus.UART)
	if err := d.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return d, bus
}

func classRequest(in bool, request uint8, value uint16, iface uint8, length uint16) device.SetupPacket {
	var s device.SetupPacket
	device.ClassSetup(&s, in, request, value, iface, length)
	return s
}

func enumerate(t *testing.T, bus *sim.Bus, speed hal.Speed) {
	t.Helper()
	bus.USB.Connect(speed)
	bus.USB.BusReset()
	bus.USB.SetConfiguration(1)
}

func TestDevice_Init(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LineCoding.BaudRate = 57600
	d, bus := newTestDevice(t, cfg)

	applied, ok := bus.UART.Config()
	if !ok || applied.BaudRate != 57600 {
		t.Errorf("UART config = %+v, %v", applied, ok)
	}
	if got := d.Context().Line().Load(); got.BaudRate != 57600 {
		t.Errorf("stored baud = %d", got.BaudRate)
	}
	if err := d.Init(); !errors.Is(err, pkg.ErrAlreadyRunning) {
		t.Errorf("second Init() error = %v", err)
	}
}

func TestDevice_InitUARTFailure(t *testing.T) {
	bus := sim.New()
	bus.UART.FailConfig(errors.New("injected"))
	d := New(DefaultConfig(), bus.USB, bus.DMA, bus.UART)

	if err := d.Init(); !errors.Is(err, pkg.ErrFatal) {
		t.Fatalf("Init() error = %v, want ErrFatal", err)
	}
	if !d.Halted() {
		t.Error("device not halted")
	}
	if err := d.Run(context.Background()); !errors.Is(err, pkg.ErrHalted) {
		t.Errorf("Run() error = %v, want ErrHalted", err)
	}
}

func TestDevice_Run(t *testing.T) {
	bus := sim.New()
	d := New(DefaultConfig(), bus.USB, bus.DMA, bus.UART)
	if err := d.Run(context.Background()); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("Run() before Init error = %v", err)
	}
}

func TestDevice_LineCoding(t *testing.T) {
	d, bus := newTestDevice(t, DefaultConfig())
	enumerate(t, bus, hal.SpeedHigh)

	set := []byte{0x80, 0x25, 0x00, 0x00, 0x00, 0x00, 0x08}
	res, err := bus.USB.Control(classRequest(false, cdc.RequestSetLineCoding, 0, 0, 7), set)
	if err != nil || !res.Handled || !res.Acked {
		t.Fatalf("SET_LINE_CODING = %+v, %v", res, err)
	}

	res, err = bus.USB.Control(classRequest(true, cdc.RequestGetLineCoding, 0, 0, 7), nil)
	if err != nil || !bytes.Equal(res.Data, set) {
		t.Errorf("GET_LINE_CODING = % x, %v; want % x", res.Data, err, set)
	}

	applied, _ := bus.UART.Config()
	want := hal.UARTConfig{BaudRate: 9600, StopBits: hal.StopBitsOne, Parity: hal.ParityNone, TxEnable: true, RxEnable: true, DMA: true}
	if diff := cmp.Diff(want, applied); diff != "" {
		t.Errorf("UART config mismatch (-want +got):\n%s", diff)
	}

	// Short wLength truncates the data stage.
	res, _ = bus.USB.Control(classRequest(true, cdc.RequestGetLineCoding, 0, 0, 4), nil)
	if len(res.Data) != 4 {
		t.Errorf("truncated GET_LINE_CODING length = %d, want 4", len(res.Data))
	}

	// Wrong size stalls and does not halt.
	res, err = bus.USB.Control(classRequest(false, cdc.RequestSetLineCoding, 0, 0, 6), set[:6])
	if err != nil || !res.Stalled {
		t.Errorf("short SET_LINE_CODING = %+v, %v; want stalled", res, err)
	}
	if bus.UART.Applies() != 2 {
		t.Errorf("UART applies = %d, want 2", bus.UART.Applies())
	}
	if d.Halted() || !d.Context().Active() {
		t.Errorf("after short SET_LINE_CODING: Halted() = %v, Active() = %v", d.Halted(), d.Context().Active())
	}
	if got := d.Context().Line().Load(); got.BaudRate != 9600 {
		t.Errorf("line store baud = %d, want 9600", got.BaudRate)
	}
}

func TestDevice_ControlLineState(t *testing.T) {
	d, bus := newTestDevice(t, DefaultConfig())
	req := classRequest(false, cdc.RequestSetControlLineState, cdc.ControlLineDTR, 0, 0)

	res, err := bus.USB.Control(req, nil)
	if err != nil || !res.Stalled {
		t.Errorf("inactive SET_CONTROL_LINE_STATE = %+v, %v", res, err)
	}

	enumerate(t, bus, hal.SpeedFull)
	res, err = bus.USB.Control(req, nil)
	if err != nil || !res.Acked {
		t.Errorf("active SET_CONTROL_LINE_STATE = %+v, %v", res, err)
	}
	if !d.Handler().DTR() {
		t.Error("DTR not recorded")
	}
}

func TestDevice_StandardRequestsPassThrough(t *testing.T) {
	_, bus := newTestDevice(t, DefaultConfig())
	res, err := bus.USB.Control(device.SetupPacket{RequestType: 0x80, Request: device.RequestGetStatus, Length: 2}, nil)
	if err != nil || res.Handled {
		t.Errorf("GET_STATUS = %+v, %v; want unclaimed", res, err)
	}
}

func TestDevice_DataPath(t *testing.T) {
	cfg := DefaultConfig()
	d, bus := newTestDevice(t, cfg)
	enumerate(t, bus, hal.SpeedHigh)

	if !d.Context().Active() {
		t.Fatal("bridge not active after enumeration")
	}

	msg := []byte("ATZ\r\n")
	if _, err := bus.DMA.HostWrite(cfg.Bridge.OutEndpoint, msg); err != nil {
		t.Fatalf("HostWrite() error = %v", err)
	}
	if got := bus.UART.TxBytes(); !bytes.Equal(got, msg) {
		t.Errorf("UART tx = %q, want %q", got, msg)
	}

	if _, err := bus.UART.Receive([]byte("OK\r\n")); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if bus.DMA.Pending(cfg.Bridge.InEndpoint) != 0 {
		t.Fatal("partial buffer forwarded before idle flush")
	}
	if !d.Flusher().Tick() {
		t.Fatal("idle tick did not flush")
	}
	if got := string(bus.DMA.HostReadAll(cfg.Bridge.InEndpoint)); got != "OK\r\n" {
		t.Errorf("host read = %q", got)
	}
}

func TestDevice_LoopbackThroughFlusher(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Flusher.Interval = time.Millisecond
	d, bus := newTestDevice(t, cfg)
	bus.UART.SetLoopback(true)
	enumerate(t, bus, hal.SpeedSuper)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	payload := bytes.Repeat([]byte("0123456789ABCDEF"), 5)
	if _, err := bus.DMA.HostWrite(cfg.Bridge.OutEndpoint, payload); err != nil {
		t.Fatalf("HostWrite() error = %v", err)
	}

	var got []byte
	deadline := time.Now().Add(time.Second)
	for len(got) < len(payload) && time.Now().Before(deadline) {
		got = append(got, bus.DMA.HostReadAll(cfg.Bridge.InEndpoint)...)
		time.Sleep(time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("echo = %q, want %q", got, payload)
	}
}

func TestDevice_Heartbeat(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Flusher.HeartbeatEvery = 2
	d, bus := newTestDevice(t, cfg)
	enumerate(t, bus, hal.SpeedHigh)

	d.Flusher().Tick()
	d.Flusher().Tick()

	got, ok := bus.DMA.HostRead(cfg.Debug.InEndpoint)
	if !ok || !strings.HasPrefix(string(got), "Dbg Port Alive | Uptime: ") {
		t.Errorf("heartbeat = %q, %v", got, ok)
	}

	if err := d.DebugPrint("value=%d\r\n", 42); err != nil {
		t.Fatalf("DebugPrint() error = %v", err)
	}
	if got, _ := bus.DMA.HostRead(cfg.Debug.InEndpoint); string(got) != "value=42\r\n" {
		t.Errorf("debug packet = %q", got)
	}
}

func TestDevice_NoDebug(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NoDebug = true
	d, bus := newTestDevice(t, cfg)
	enumerate(t, bus, hal.SpeedHigh)

	if d.Sideband() != nil {
		t.Error("sideband created with NoDebug")
	}
	if err := d.DebugPrint("x"); !errors.Is(err, pkg.ErrNotConfigured) {
		t.Errorf("DebugPrint() error = %v", err)
	}
	if bus.USB.EndpointCount() != 3 {
		t.Errorf("EndpointCount() = %d, want 3", bus.USB.EndpointCount())
	}
}

func TestDevice_Lifecycle(t *testing.T) {
	d, bus := newTestDevice(t, DefaultConfig())

	enumerate(t, bus, hal.SpeedHigh)
	if !d.Context().Active() || bus.USB.EndpointCount() != 6 {
		t.Fatalf("active %v, endpoints %d", d.Context().Active(), bus.USB.EndpointCount())
	}

	bus.USB.Disconnect()
	if d.Context().Active() || bus.USB.EndpointCount() != 0 || bus.DMA.Live() != 0 {
		t.Errorf("after disconnect: active %v, endpoints %d, channels %d",
			d.Context().Active(), bus.USB.EndpointCount(), bus.DMA.Live())
	}

	enumerate(t, bus, hal.SpeedFull)
	if !d.Context().Active() || d.Manager().PacketSize() != 64 {
		t.Errorf("re-enumerated: active %v, packet size %d", d.Context().Active(), d.Manager().PacketSize())
	}
}

func TestDevice_FatalHalts(t *testing.T) {
	d, bus := newTestDevice(t, DefaultConfig())

	enumerate(t, bus, hal.SpeedLow)
	if !d.Halted() {
		t.Fatal("device not halted after unsupported speed")
	}
	if !errors.Is(d.Err(), pkg.ErrUnsupportedSpeed) {
		t.Errorf("Err() = %v", d.Err())
	}
	select {
	case <-d.Done():
	default:
		t.Error("Done() not closed")
	}

	// Requests are claimed and never completed.
	res, err := bus.USB.Control(classRequest(true, cdc.RequestGetLineCoding, 0, 0, 7), nil)
	if !errors.Is(err, pkg.ErrTimeout) || !res.Handled {
		t.Errorf("GET_LINE_CODING on halted device = %+v, %v", res, err)
	}

	// Events are ignored.
	bus.USB.Connect(hal.SpeedHigh)
	bus.USB.SetConfiguration(1)
	if d.Context().Active() {
		t.Error("halted device started the bridge")
	}

	if err := d.Run(context.Background()); !errors.Is(err, pkg.ErrHalted) {
		t.Errorf("Run() error = %v", err)
	}
}

func TestDevice_LinkPower(t *testing.T) {
	_, bus := newTestDevice(t, DefaultConfig())
	if !bus.USB.RequestLinkPower(hal.LinkU2) {
		t.Error("link power request refused")
	}
}
