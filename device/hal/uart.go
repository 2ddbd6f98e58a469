package hal

// StopBits is the UART stop-bit mode.
type StopBits uint8

// Stop-bit modes.
const (
	StopBitsInvalid StopBits = iota // Not representable by the UART
	StopBitsOne
	StopBitsTwo
)

// String returns the stop-bit name.
func (s StopBits) String() string {
	switch s {
	case StopBitsOne:
		return "1"
	case StopBitsTwo:
		return "2"
	default:
		return "invalid"
	}
}

// Parity is the UART parity mode.
type Parity uint8

// Parity modes.
const (
	ParityNone Parity = iota
	ParityOdd
	ParityEven
)

// String returns the parity name.
func (p Parity) String() string {
	switch p {
	case ParityOdd:
		return "odd"
	case ParityEven:
		return "even"
	default:
		return "none"
	}
}

// UARTConfig is the serial line configuration applied to the UART.
type UARTConfig struct {
	BaudRate    uint32
	StopBits    StopBits
	Parity      Parity
	TxEnable    bool
	RxEnable    bool
	FlowControl bool
	DMA         bool // Data moves through DMA sockets rather than registers
}

// Valid reports whether the configuration can be applied.
func (c *UARTConfig) Valid() bool {
	return c.BaudRate != 0 && c.StopBits != StopBitsInvalid
}

// DefaultUARTConfig is 115200 baud, one stop bit, no parity, DMA framing.
var DefaultUARTConfig = UARTConfig{
	BaudRate: 115200,
	StopBits: StopBitsOne,
	Parity:   ParityNone,
	TxEnable: true,
	RxEnable: true,
	DMA:      true,
}

// UART applies serial line configuration to the UART block.
type UART interface {
	SetConfig(cfg *UARTConfig) error
}
