package cdc

import (
	"fmt"
	"sync"

	"github.com/ardnew/usbuart/device"
	"github.com/ardnew/usbuart/device/bridge"
	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// Result is the outcome of a control request.
type Result uint8

// Control request outcomes.
const (
	// Acknowledged completes the request, with an IN data stage when the
	// handler returns data.
	Acknowledged Result = iota
	// Stalled rejects the request with an EP0 stall.
	Stalled
	// Unhandled leaves the request to the controller's default handling.
	Unhandled
)

// String returns the result name.
func (r Result) String() string {
	switch r {
	case Acknowledged:
		return "acknowledged"
	case Stalled:
		return "stalled"
	case Unhandled:
		return "unhandled"
	default:
		return "unknown"
	}
}

// Config holds the interface layout of the composite device.
type Config struct {
	// DebugInterface is the interface number of the debug sideband. Every
	// other interface number addresses the primary serial port.
	DebugInterface uint8
}

// DefaultConfig returns a layout with the debug sideband on interface 2.
func DefaultConfig() Config {
	return Config{DebugInterface: 2}
}

// debugLineCoding is reported for the debug interface regardless of what
// the host sets.
var debugLineCoding = DefaultLineCoding

// Handler is the CDC-ACM control plane. It answers class requests for the
// serial and debug interfaces, applies line coding to the UART and drives
// the bridge lifecycle from USB events.
type Handler struct {
	cfg     Config
	ctx     *bridge.Context
	manager *bridge.Manager
	usb     hal.USB
	uart    hal.UART

	mutex                sync.RWMutex
	controlState         uint16
	onLineCodingChange   func(hal.UARTConfig)
	onControlStateChange func(dtr, rts bool)
}

// NewHandler creates a handler driving manager.
func NewHandler(cfg Config, manager *bridge.Manager, usb hal.USB, uart hal.UART) *Handler {
	return &Handler{
		cfg:     cfg,
		ctx:     manager.Context(),
		manager: manager,
		usb:     usb,
		uart:    uart,
	}
}

// SetOnLineCodingChange sets the callback for applied line codings.
func (h *Handler) SetOnLineCodingChange(cb func(hal.UARTConfig)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onLineCodingChange = cb
}

// SetOnControlStateChange sets the callback for control line state changes.
func (h *Handler) SetOnControlStateChange(cb func(dtr, rts bool)) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.onControlStateChange = cb
}

// DTR returns the last acknowledged DTR (Data Terminal Ready) state.
func (h *Handler) DTR() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.controlState&ControlLineDTR != 0
}

// RTS returns the last acknowledged RTS (Request To Send) state.
func (h *Handler) RTS() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.controlState&ControlLineRTS != 0
}

// LineCoding returns the current line coding of the serial interface.
func (h *Handler) LineCoding() LineCoding {
	return LineCodingFromUART(h.ctx.Line().Load())
}

// HandleSetup dispatches a SETUP request with its OUT data stage. Standard
// requests other than interface function suspend are left to the
// controller.
func (h *Handler) HandleSetup(setup *device.SetupPacket, payload []byte) (Result, []byte, error) {
	switch {
	case setup.IsStandard():
		return h.handleStandard(setup)

	case setup.IsClass():
		res, data, err := h.HandleControlRequest(setup.InterfaceNumber(), setup.Request, payload)
		if res == Acknowledged && setup.Request == RequestSetControlLineState &&
			setup.InterfaceNumber() != h.cfg.DebugInterface {
			h.setControlState(setup.Value)
		}
		return res, data, err

	default:
		return Unhandled, nil, nil
	}
}

func (h *Handler) handleStandard(setup *device.SetupPacket) (Result, []byte, error) {
	if !setup.IsInterfaceRecipient() || setup.Value != device.FeatureFunctionSuspend {
		return Unhandled, nil, nil
	}
	if setup.Request != device.RequestSetFeature && setup.Request != device.RequestClearFeature {
		return Unhandled, nil, nil
	}

	if !h.ctx.Active() {
		return Stalled, nil, pkg.ErrNotStarted
	}
	pkg.LogDebug(pkg.ComponentCDC, "function suspend",
		"set", setup.Request == device.RequestSetFeature,
		"interface", setup.InterfaceNumber())
	return Acknowledged, nil, nil
}

// HandleControlRequest answers a class request addressed to iface. For
// GET_LINE_CODING the returned data is the IN data stage. Requests it does
// not implement come back Unhandled with pkg.ErrInvalidRequest.
func (h *Handler) HandleControlRequest(iface, request uint8, payload []byte) (Result, []byte, error) {
	if iface == h.cfg.DebugInterface {
		return h.handleDebugRequest(request)
	}

	switch request {
	case RequestSetLineCoding:
		return h.setLineCoding(payload)

	case RequestGetLineCoding:
		lc := h.LineCoding()
		buf := make([]byte, LineCodingSize)
		lc.MarshalTo(buf)
		return Acknowledged, buf, nil

	case RequestSetControlLineState:
		if !h.ctx.Active() {
			return Stalled, nil, pkg.ErrNotStarted
		}
		return Acknowledged, nil, nil

	default:
		return Unhandled, nil, fmt.Errorf("%w: class request %#02x", pkg.ErrInvalidRequest, request)
	}
}

func (h *Handler) setLineCoding(payload []byte) (Result, []byte, error) {
	var lc LineCoding
	if !ParseLineCoding(payload, &lc) {
		pkg.LogWarn(pkg.ComponentCDC, "line coding rejected", "length", len(payload))
		return Stalled, nil, fmt.Errorf("%w: line coding is %d bytes, want %d",
			pkg.ErrBadSize, len(payload), LineCodingSize)
	}

	cfg, err := lc.UARTConfig()
	if err != nil {
		pkg.LogWarn(pkg.ComponentCDC, "line coding rejected", "error", err)
		return Stalled, nil, err
	}

	if err := h.uart.SetConfig(&cfg); err != nil {
		// The host is not told; the previous configuration stays in effect.
		pkg.LogWarn(pkg.ComponentCDC, "uart config failed",
			"baud", cfg.BaudRate,
			"error", err)
		return Acknowledged, nil, nil
	}
	h.ctx.Line().Store(cfg)

	pkg.LogDebug(pkg.ComponentCDC, "line coding set",
		"baud", cfg.BaudRate,
		"stopBits", cfg.StopBits.String(),
		"parity", cfg.Parity.String())

	h.mutex.RLock()
	cb := h.onLineCodingChange
	h.mutex.RUnlock()
	if cb != nil {
		cb(cfg)
	}
	return Acknowledged, nil, nil
}

func (h *Handler) handleDebugRequest(request uint8) (Result, []byte, error) {
	switch request {
	case RequestSetLineCoding, RequestSetControlLineState:
		return Acknowledged, nil, nil
	case RequestGetLineCoding:
		buf := make([]byte, LineCodingSize)
		debugLineCoding.MarshalTo(buf)
		return Acknowledged, buf, nil
	default:
		return Unhandled, nil, fmt.Errorf("%w: debug class request %#02x", pkg.ErrInvalidRequest, request)
	}
}

func (h *Handler) setControlState(value uint16) {
	h.mutex.Lock()
	h.controlState = value
	cb := h.onControlStateChange
	dtr := value&ControlLineDTR != 0
	rts := value&ControlLineRTS != 0
	h.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentCDC, "control line state set",
		"dtr", dtr,
		"rts", rts)

	if cb != nil {
		cb(dtr, rts)
	}
}

// HandleEvent drives the bridge lifecycle. A configuration-set event
// restarts the bridge at the negotiated speed; reset, connect and
// disconnect stop it. An error wrapping [pkg.ErrFatal] means the device
// must halt.
func (h *Handler) HandleEvent(ev hal.Event) error {
	switch ev {
	case hal.EventSetConfiguration:
		return h.manager.Restart(h.usb.Speed())

	case hal.EventReset, hal.EventConnect, hal.EventDisconnect:
		if !h.ctx.Active() {
			return nil
		}
		if err := h.usb.SetLinkPowerManagement(true); err != nil {
			pkg.LogWarn(pkg.ComponentCDC, "enable LPM failed", "error", err)
		}
		return h.manager.Stop()

	default:
		pkg.LogDebug(pkg.ComponentCDC, "usb event", "event", ev.String())
		return nil
	}
}

// AcceptLinkPowerMode accepts every link power transition.
func (h *Handler) AcceptLinkPowerMode(mode hal.LinkMode) bool {
	return true
}
