package serialport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
	"github.com/ardnew/usbuart/pkg/usbid"
)

// readTimeout bounds each read so Pump notices cancellation.
const readTimeout = 100 * time.Millisecond

// Conn is the subset of serial.Port used by Port.
type Conn interface {
	SetMode(mode *serial.Mode) error
	SetReadTimeout(t time.Duration) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Port is a serial device acting as the bridge UART.
type Port struct {
	name string
	conn Conn

	mutex  sync.Mutex
	mode   serial.Mode
	closed bool
}

// Open opens the serial device name with the line configuration cfg.
func Open(name string, cfg hal.UARTConfig) (*Port, error) {
	mode, err := ModeOf(&cfg)
	if err != nil {
		return nil, err
	}
	conn, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	p, err := New(name, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	p.mode = *mode

	pkg.LogInfo(pkg.ComponentHAL, "serial port open", "port", name, "baud", cfg.BaudRate)
	return p, nil
}

// New wraps an open connection.
func New(name string, conn Conn) (*Port, error) {
	if conn == nil {
		return nil, pkg.ErrNullPointer
	}
	if err := conn.SetReadTimeout(readTimeout); err != nil {
		return nil, fmt.Errorf("set read timeout on %s: %w", name, err)
	}
	return &Port{name: name, conn: conn}, nil
}

// PortInfo describes a serial device present on the host.
type PortInfo struct {
	Name        string
	USB         bool
	VID         uint16
	PID         uint16
	Serial      string
	Description string
}

// String formats the device for listing.
func (i PortInfo) String() string {
	if !i.USB {
		return i.Name
	}
	s := i.Name + " " + i.Description
	if i.Serial != "" {
		s += " serial=" + i.Serial
	}
	return s
}

// Ports lists the serial devices present on the host. USB devices are
// described using db, which may be nil.
func Ports(db *usbid.Database) ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("list ports: %w", err)
	}
	return describePorts(details, db), nil
}

func describePorts(details []*enumerator.PortDetails, db *usbid.Database) []PortInfo {
	if db == nil {
		db = usbid.New()
	}
	infos := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{Name: d.Name, USB: d.IsUSB, Serial: d.SerialNumber}
		if d.IsUSB {
			vid, _ := strconv.ParseUint(d.VID, 16, 16)
			pid, _ := strconv.ParseUint(d.PID, 16, 16)
			info.VID, info.PID = uint16(vid), uint16(pid)
			info.Description = db.Describe(info.VID, info.PID)
			if d.Product != "" {
				if _, product := db.Names(info.VID, info.PID); product == "" {
					info.Description += " " + d.Product
				}
			}
		}
		infos = append(infos, info)
	}
	return infos
}

// ModeOf converts a UART configuration to a serial mode with 8-bit words.
func ModeOf(cfg *hal.UARTConfig) (*serial.Mode, error) {
	if cfg == nil || !cfg.Valid() {
		return nil, pkg.ErrInvalidParameter
	}

	mode := &serial.Mode{
		BaudRate: int(cfg.BaudRate),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	switch cfg.Parity {
	case hal.ParityOdd:
		mode.Parity = serial.OddParity
	case hal.ParityEven:
		mode.Parity = serial.EvenParity
	}
	if cfg.StopBits == hal.StopBitsTwo {
		mode.StopBits = serial.TwoStopBits
	}
	return mode, nil
}

// Name returns the device name.
func (p *Port) Name() string {
	return p.name
}

// Mode returns the last applied serial mode.
func (p *Port) Mode() serial.Mode {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.mode
}

// SetConfig applies a line configuration to the device.
func (p *Port) SetConfig(cfg *hal.UARTConfig) error {
	mode, err := ModeOf(cfg)
	if err != nil {
		return err
	}

	p.mutex.Lock()
	defer p.mutex.Unlock()
	if p.closed {
		return pkg.ErrNotConfigured
	}
	if err := p.conn.SetMode(mode); err != nil {
		return fmt.Errorf("set mode on %s: %w", p.name, err)
	}
	p.mode = *mode

	pkg.LogDebug(pkg.ComponentHAL, "serial mode set",
		"port", p.name,
		"baud", mode.BaudRate,
		"parity", cfg.Parity.String(),
		"stopBits", cfg.StopBits.String())
	return nil
}

// Write transmits data on the device.
func (p *Port) Write(data []byte) (int, error) {
	return p.conn.Write(data)
}

// Pump reads from the device and hands every chunk to sink until ctx is
// done or the device is closed. Sink errors are logged, not returned.
func (p *Port) Pump(ctx context.Context, sink func([]byte) (int, error)) error {
	buf := make([]byte, 256)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := p.conn.Read(buf)
		if n > 0 {
			if _, serr := sink(buf[:n]); serr != nil {
				pkg.LogDebug(pkg.ComponentHAL, "serial rx dropped", "port", p.name, "bytes", n, "error", serr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || p.isClosed() {
				return nil
			}
			return fmt.Errorf("read %s: %w", p.name, err)
		}
	}
}

// Close closes the device.
func (p *Port) Close() error {
	p.mutex.Lock()
	if p.closed {
		p.mutex.Unlock()
		return nil
	}
	p.closed = true
	p.mutex.Unlock()
	return p.conn.Close()
}

func (p *Port) isClosed() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.closed
}

var _ hal.UART = (*Port)(nil)
