package cdc

import (
	"fmt"

	"github.com/ardnew/usbuart/device/hal"
	"github.com/ardnew/usbuart/pkg"
)

// CDC Request codes.
const (
	RequestSendEncapsulatedCommand = 0x00
	RequestGetEncapsulatedResponse = 0x01
	RequestSetLineCoding           = 0x20
	RequestGetLineCoding           = 0x21
	RequestSetControlLineState     = 0x22
	RequestSendBreak               = 0x23
)

// LineCoding represents the serial line configuration.
type LineCoding struct {
	DTERate    uint32 // Data terminal rate (baud rate)
	CharFormat uint8  // Stop bits: 0=1, 1=1.5, 2=2
	ParityType uint8  // Parity: 0=None, 1=Odd, 2=Even, 3=Mark, 4=Space
	DataBits   uint8  // Data bits: 5, 6, 7, 8, or 16
}

// LineCodingSize is the size of LineCoding in bytes.
const LineCodingSize = 7

// Stop bit values.
const (
	StopBits1   = 0 // 1 stop bit
	StopBits1_5 = 1 // 1.5 stop bits
	StopBits2   = 2 // 2 stop bits
)

// Parity values.
const (
	ParityNone  = 0
	ParityOdd   = 1
	ParityEven  = 2
	ParityMark  = 3
	ParitySpace = 4
)

// DataBits8 is the only word length the UART supports.
const DataBits8 = 8

// Control line state bits (for SET_CONTROL_LINE_STATE).
const (
	ControlLineDTR = 1 << 0 // Data Terminal Ready
	ControlLineRTS = 1 << 1 // Request To Send
)

// DefaultLineCoding provides sensible defaults (115200 8N1).
var DefaultLineCoding = LineCoding{
	DTERate:    115200,
	CharFormat: StopBits1,
	ParityType: ParityNone,
	DataBits:   DataBits8,
}

// MarshalTo writes the LineCoding to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	if len(buf) < LineCodingSize {
		return 0
	}
	buf[0] = byte(lc.DTERate)
	buf[1] = byte(lc.DTERate >> 8)
	buf[2] = byte(lc.DTERate >> 16)
	buf[3] = byte(lc.DTERate >> 24)
	buf[4] = lc.CharFormat
	buf[5] = lc.ParityType
	buf[6] = lc.DataBits
	return LineCodingSize
}

// ParseLineCoding parses LineCoding from data.
// Returns false unless data is exactly LineCodingSize bytes.
func ParseLineCoding(data []byte, out *LineCoding) bool {
	if len(data) != LineCodingSize {
		return false
	}
	out.DTERate = uint32(data[0]) | uint32(data[1])<<8 | uint32(data[2])<<16 | uint32(data[3])<<24
	out.CharFormat = data[4]
	out.ParityType = data[5]
	out.DataBits = data[6]
	return true
}

// UARTConfig converts the line coding to a UART configuration. Word length
// is ignored; the UART always runs 8-bit words. Parity codes other than odd
// and even map to none. Stop-bit codes other than one and two are rejected
// with [pkg.ErrInvalidLineCoding].
func (lc *LineCoding) UARTConfig() (hal.UARTConfig, error) {
	cfg := hal.UARTConfig{
		BaudRate: lc.DTERate,
		TxEnable: true,
		RxEnable: true,
		DMA:      true,
	}

	switch lc.CharFormat {
	case StopBits1:
		cfg.StopBits = hal.StopBitsOne
	case StopBits2:
		cfg.StopBits = hal.StopBitsTwo
	default:
		cfg.StopBits = hal.StopBitsInvalid
		return cfg, fmt.Errorf("%w: stop bits code %d", pkg.ErrInvalidLineCoding, lc.CharFormat)
	}

	switch lc.ParityType {
	case ParityOdd:
		cfg.Parity = hal.ParityOdd
	case ParityEven:
		cfg.Parity = hal.ParityEven
	default:
		cfg.Parity = hal.ParityNone
	}
	return cfg, nil
}

// LineCodingFromUART converts a UART configuration to its line coding.
func LineCodingFromUART(cfg hal.UARTConfig) LineCoding {
	lc := LineCoding{
		DTERate:    cfg.BaudRate,
		CharFormat: StopBits1,
		ParityType: ParityNone,
		DataBits:   DataBits8,
	}
	if cfg.StopBits == hal.StopBitsTwo {
		lc.CharFormat = StopBits2
	}
	switch cfg.Parity {
	case hal.ParityOdd:
		lc.ParityType = ParityOdd
	case hal.ParityEven:
		lc.ParityType = ParityEven
	}
	return lc
}
