package usbuart

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/ardnew/usbuart/device"
	"github.com/ardnew/usbuart/device/bridge"
	"github.com/ardnew/usbuart/device/class/cdc"
	"github.com/ardnew/usbuart/device/debug"
	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// Config aggregates the configuration of every bridge component.
type Config struct {
	Bridge     bridge.Config
	Flusher    bridge.FlusherConfig
	Debug      debug.Config
	CDC        cdc.Config
	LineCoding hal.UARTConfig // Applied by Init
	NoDebug    bool           // Omit the debug sideband
}

// DefaultConfig returns the default configuration: 115200 8N1 with the
// debug sideband enabled.
func DefaultConfig() Config {
	return Config{
		Bridge:     bridge.DefaultConfig(),
		Flusher:    bridge.DefaultFlusherConfig(),
		Debug:      debug.DefaultConfig(),
		CDC:        cdc.DefaultConfig(),
		LineCoding: hal.DefaultUARTConfig,
	}
}

// Device is a USB-UART bridge bound to its HAL collaborators.
type Device struct {
	cfg  Config
	usb  hal.USB
	uart hal.UART

	ctx      *bridge.Context
	manager  *bridge.Manager
	handler  *cdc.Handler
	flusher  *bridge.Flusher
	sideband *debug.Sideband

	initialized atomic.Bool
}

// New creates a device. Call Init before the host connects.
func New(cfg Config, usb hal.USB, dma hal.DMA, uart hal.UART) *Device {
	ctx := bridge.NewContext()
	manager := bridge.NewManager(cfg.Bridge, ctx, usb, dma)

	d := &Device{
		cfg:     cfg,
		usb:     usb,
		uart:    uart,
		ctx:     ctx,
		manager: manager,
		handler: cdc.NewHandler(cfg.CDC, manager, usb, uart),
	}

	var heartbeat bridge.Printer
	if !cfg.NoDebug {
		d.sideband = debug.New(cfg.Debug, ctx, usb, dma)
		manager.Attach(d.sideband)
		heartbeat = d.sideband
	}
	d.flusher = bridge.NewFlusher(cfg.Flusher, manager, heartbeat)
	return d
}

// Init applies the initial line coding and registers the HAL callbacks.
// Failing to configure the UART is fatal.
func (d *Device) Init() error {
	if !d.initialized.CompareAndSwap(false, true) {
		return pkg.ErrAlreadyRunning
	}

	line := d.cfg.LineCoding
	if err := d.uart.SetConfig(&line); err != nil {
		err = fmt.Errorf("%w: configure uart: %w", pkg.ErrFatal, err)
		d.ctx.Halt(err)
		return err
	}
	d.ctx.Line().Store(line)

	d.usb.SetOnSetup(d.onSetup)
	d.usb.SetOnEvent(d.onEvent)
	d.usb.SetOnLPMRequest(d.handler.AcceptLinkPowerMode)

	pkg.LogInfo(pkg.ComponentDevice, "device initialized",
		"baud", line.BaudRate,
		"debug", d.sideband != nil)
	return nil
}

// Run runs the idle flush loop until ctx is done or the device halts.
func (d *Device) Run(ctx context.Context) error {
	if !d.initialized.Load() {
		return pkg.ErrNotConfigured
	}
	if d.ctx.Halted() {
		return fmt.Errorf("%w: %w", pkg.ErrHalted, d.ctx.Err())
	}
	return d.flusher.Run(ctx)
}

// DebugPrint writes a formatted message to the debug sideband, waiting for
// a free buffer.
func (d *Device) DebugPrint(format string, args ...any) error {
	if d.sideband == nil {
		return pkg.ErrNotConfigured
	}
	return d.sideband.Printf(format, args...)
}

// Halt moves the device to its terminal faulted state.
func (d *Device) Halt(err error) {
	d.ctx.Halt(err)
}

// Halted reports whether the device halted.
func (d *Device) Halted() bool {
	return d.ctx.Halted()
}

// Err returns the fault that halted the device.
func (d *Device) Err() error {
	return d.ctx.Err()
}

// Done is closed when the device halts.
func (d *Device) Done() <-chan struct{} {
	return d.ctx.Done()
}

// Context returns the shared bridge state.
func (d *Device) Context() *bridge.Context {
	return d.ctx
}

// Manager returns the bridge manager.
func (d *Device) Manager() *bridge.Manager {
	return d.manager
}

// Handler returns the CDC control handler.
func (d *Device) Handler() *cdc.Handler {
	return d.handler
}

// Flusher returns the idle flusher.
func (d *Device) Flusher() *bridge.Flusher {
	return d.flusher
}

// Sideband returns the debug sideband, or nil when disabled.
func (d *Device) Sideband() *debug.Sideband {
	return d.sideband
}

// onSetup runs in the control context with the latched SETUP bytes.
func (d *Device) onSetup(raw []byte) bool {
	if d.ctx.Halted() {
		return true
	}

	var setup device.SetupPacket
	if err := device.ParseSetupPacket(raw, &setup); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "malformed setup", "length", len(raw), "error", err)
		if err := d.usb.StallEP0(); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "ep0 stall failed", "error", err)
		}
		return true
	}

	var payload []byte
	if setup.IsClass() && setup.IsHostToDevice() && setup.Length > 0 {
		buf := make([]byte, setup.Length)
		n, err := d.usb.ReadEP0(buf)
		if err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "ep0 read failed", "setup", setup.String(), "error", err)
			_ = d.usb.StallEP0()
			return true
		}
		payload = buf[:n]
	}

	res, data, err := d.handler.HandleSetup(&setup, payload)
	switch res {
	case cdc.Acknowledged:
		if data != nil {
			if len(data) > int(setup.Length) {
				data = data[:setup.Length]
			}
			err = d.usb.WriteEP0(data)
		} else {
			err = d.usb.AckSetup()
		}
		if err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "ep0 response failed", "setup", setup.String(), "error", err)
		}
		return true

	case cdc.Stalled:
		pkg.LogDebug(pkg.ComponentDevice, "request stalled", "setup", setup.String(), "error", err)
		if err := d.usb.StallEP0(); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "ep0 stall failed", "error", err)
		}
		return true

	default:
		if err != nil {
			pkg.LogDebug(pkg.ComponentDevice, "request left to controller", "setup", setup.String(), "error", err)
		}
		return false
	}
}

// onEvent runs in the control context.
func (d *Device) onEvent(ev hal.Event, data uint16) {
	if d.ctx.Halted() {
		return
	}

	pkg.LogDebug(pkg.ComponentDevice, "usb event", "event", ev.String(), "data", data)
	err := d.handler.HandleEvent(ev)
	switch {
	case err == nil:
	case errors.Is(err, pkg.ErrFatal):
		d.ctx.Halt(err)
	default:
		pkg.LogWarn(pkg.ComponentDevice, "event handling failed", "event", ev.String(), "error", err)
	}
}
