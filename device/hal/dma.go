package hal

import "context"

// Socket identifies a DMA producer or consumer endpoint of a channel.
type Socket uint16

// Fixed peripheral sockets.
const (
	SocketUARTProducer Socket = 0x0106 // UART receive path
	SocketUARTConsumer Socket = 0x0107 // UART transmit path
	SocketCPUProducer  Socket = 0x3F00 // Firmware-filled buffers
	SocketCPUConsumer  Socket = 0x3F01 // Firmware-drained buffers
)

// USB socket bases.
const (
	socketUSBConsumerBase = 0x0300
	socketUSBProducerBase = 0x0400
)

// USBProducerSocket returns the socket carrying data the host sends on the
// OUT endpoint with the given number.
func USBProducerSocket(ep uint8) Socket {
	return Socket(socketUSBProducerBase | uint16(ep&0x0F))
}

// USBConsumerSocket returns the socket feeding the IN endpoint with the given
// number.
func USBConsumerSocket(ep uint8) Socket {
	return Socket(socketUSBConsumerBase | uint16(ep&0x0F))
}

// IsUSB reports whether s is a USB endpoint socket.
func (s Socket) IsUSB() bool {
	base := uint16(s) & 0xFF00
	return base == socketUSBConsumerBase || base == socketUSBProducerBase
}

// Endpoint returns the endpoint number of a USB socket.
func (s Socket) Endpoint() uint8 {
	return uint8(s & 0x0F)
}

// ChannelMode selects how filled buffers move from producer to consumer.
type ChannelMode uint8

// Channel modes.
const (
	// ModeAuto forwards every filled buffer without firmware involvement.
	ModeAuto ChannelMode = iota
	// ModeManual raises a produced event for each filled buffer; the
	// firmware must commit it to the consumer.
	ModeManual
	// ModeManualOut lets the firmware acquire, fill and commit buffers.
	ModeManualOut
)

// String returns the mode name.
func (m ChannelMode) String() string {
	switch m {
	case ModeAuto:
		return "auto"
	case ModeManual:
		return "manual"
	case ModeManualOut:
		return "manual-out"
	default:
		return "unknown"
	}
}

// CallbackType identifies a channel completion event. Values are bit flags
// so they can be combined into a notification mask.
type CallbackType uint8

// Completion events.
const (
	CallbackProduced          CallbackType = 1 << iota // Producer filled a buffer
	CallbackConsumed                                   // Consumer drained a buffer
	CallbackAborted                                    // Transfer aborted
	CallbackError                                      // Transfer fault
	CallbackProducerSuspended                          // Producer socket suspended
	CallbackConsumerSuspended                          // Consumer socket suspended
)

// String returns the event name.
func (c CallbackType) String() string {
	switch c {
	case CallbackProduced:
		return "produced"
	case CallbackConsumed:
		return "consumed"
	case CallbackAborted:
		return "aborted"
	case CallbackError:
		return "error"
	case CallbackProducerSuspended:
		return "producer-suspended"
	case CallbackConsumerSuspended:
		return "consumer-suspended"
	default:
		return "unknown"
	}
}

// Buffer describes one DMA buffer handed to firmware.
type Buffer struct {
	Data  []byte // Backing memory, len(Data) == Size
	Count int    // Number of valid bytes
	Size  int    // Buffer capacity
}

// Callback receives completion events for a channel. It runs in the
// completion context, concurrently with other goroutines.
type Callback func(ch Channel, typ CallbackType, buf *Buffer)

// ChannelConfig describes a DMA channel to create.
type ChannelConfig struct {
	Size     uint16       // Buffer size in bytes
	Count    uint16       // Number of buffers in the ring
	Producer Socket       // Source socket
	Consumer Socket       // Sink socket
	Mode     ChannelMode  // Transfer mode
	Notify   CallbackType // Events delivered to Callback
	Callback Callback     // Completion handler, may be nil
}

// Channel is a DMA channel created by [DMA.CreateChannel].
type Channel interface {
	// SetXfer arms the channel for count bytes; zero means unbounded.
	SetXfer(count uint32) error

	// GetBuffer acquires a free producer buffer (ModeManualOut). It blocks
	// until a buffer is free or ctx is done.
	GetBuffer(ctx context.Context) (Buffer, error)

	// CommitBuffer hands count bytes of the current buffer to the consumer.
	CommitBuffer(count int) error

	// Reset aborts in-flight transfers and returns the channel to its
	// unarmed state.
	Reset() error

	// WrapUp commits the partially filled producer buffer.
	WrapUp() error

	// Destroy releases the channel. A destroyed channel delivers no further
	// callbacks.
	Destroy() error
}

// DMA creates DMA channels.
type DMA interface {
	CreateChannel(cfg *ChannelConfig) (Channel, error)
}
