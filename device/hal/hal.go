package hal

// Speed represents the negotiated USB connection speed.
type Speed uint8

// USB speed constants.
const (
	SpeedUnknown Speed = iota // Not connected or unknown
	SpeedLow                  // Low Speed (1.5 Mbit/s)
	SpeedFull                 // Full Speed (12 Mbit/s)
	SpeedHigh                 // High Speed (480 Mbit/s)
	SpeedSuper                // SuperSpeed (5 Gbit/s)
)

// String returns a human-readable speed name.
func (s Speed) String() string {
	switch s {
	case SpeedLow:
		return "Low Speed"
	case SpeedFull:
		return "Full Speed"
	case SpeedHigh:
		return "High Speed"
	case SpeedSuper:
		return "SuperSpeed"
	default:
		return "Unknown"
	}
}

// Endpoint transfer types (bmAttributes bits 1:0).
const (
	EndpointTypeControl     = 0x00
	EndpointTypeIsochronous = 0x01
	EndpointTypeBulk        = 0x02
	EndpointTypeInterrupt   = 0x03
)

// EndpointConfig describes an endpoint configuration for the HAL.
// A config with Enable unset disables the endpoint.
type EndpointConfig struct {
	Address       uint8  // Endpoint address including direction bit
	Type          uint8  // Transfer type
	MaxPacketSize uint16 // Maximum packet size
	BurstLen      uint8  // SuperSpeed burst length
	Enable        bool   // Endpoint enabled
}

// Number returns the endpoint number (0-15).
func (e *EndpointConfig) Number() uint8 {
	return e.Address & 0x0F
}

// IsIn returns true if this is an IN endpoint (device to host).
func (e *EndpointConfig) IsIn() bool {
	return e.Address&0x80 != 0
}

// SetupPacketSize is the size of a USB SETUP packet in bytes.
const SetupPacketSize = 8

// Event is a USB lifecycle event reported by the controller.
type Event uint8

// Lifecycle events.
const (
	EventUnknown          Event = iota
	EventConnect                // VBUS detected, pull-ups enabled
	EventDisconnect             // Cable removed
	EventReset                  // Bus reset
	EventSetConfiguration       // Host selected a configuration
	EventSuspend                // Bus suspended
	EventResume                 // Bus resumed
)

// String returns the event name.
func (e Event) String() string {
	switch e {
	case EventConnect:
		return "connect"
	case EventDisconnect:
		return "disconnect"
	case EventReset:
		return "reset"
	case EventSetConfiguration:
		return "set-configuration"
	case EventSuspend:
		return "suspend"
	case EventResume:
		return "resume"
	default:
		return "unknown"
	}
}

// LinkMode is a USB 3 link power state requested by the host.
type LinkMode uint8

// Link power states.
const (
	LinkU0 LinkMode = iota
	LinkU1
	LinkU2
	LinkU3
)

// SetupHandler claims a SETUP request. setup holds the 8 raw bytes as the
// controller latched them, little-endian. It returns false to leave the
// request to the controller's default handling.
type SetupHandler func(setup []byte) bool

// EventHandler receives lifecycle events with their event data.
type EventHandler func(ev Event, data uint16)

// LPMHandler decides whether a link power transition is accepted.
type LPMHandler func(mode LinkMode) bool

// USB defines the controller operations the bridge consumes.
//
// Callbacks registered with the SetOn* methods run in the control-request
// context: the controller serializes them with respect to each other.
type USB interface {
	// Speed returns the negotiated connection speed.
	Speed() Speed

	// ConfigureEndpoint enables or disables one endpoint.
	ConfigureEndpoint(cfg EndpointConfig) error

	// FlushEndpoint discards any data buffered in the endpoint memory.
	FlushEndpoint(address uint8) error

	// SetLinkPowerManagement enables or disables LPM transitions.
	SetLinkPowerManagement(enable bool) error

	// ReadEP0 reads the data stage of the current control OUT request.
	ReadEP0(buf []byte) (int, error)

	// WriteEP0 sends the data stage of the current control IN request.
	WriteEP0(data []byte) error

	// AckSetup completes the current control request with a status stage.
	AckSetup() error

	// StallEP0 stalls the current control request.
	StallEP0() error

	// SetOnSetup registers the SETUP request handler.
	SetOnSetup(h SetupHandler)

	// SetOnEvent registers the lifecycle event handler.
	SetOnEvent(h EventHandler)

	// SetOnLPMRequest registers the link power request handler.
	SetOnLPMRequest(h LPMHandler)
}
