package pkg

import "errors"

// Bridge errors.
var (
	// ErrFatal marks an unrecoverable initialization fault. A device that
	// observes it must halt.
	ErrFatal = errors.New("fatal fault")

	// ErrHalted indicates the device has entered its terminal faulted state.
	ErrHalted = errors.New("device halted")

	// ErrUnsupportedSpeed indicates a negotiated speed with no packet size.
	ErrUnsupportedSpeed = errors.New("unsupported bus speed")

	// ErrNotStarted indicates the bridge is not active.
	ErrNotStarted = errors.New("not started")

	// ErrNotConfigured indicates a channel or endpoint is not configured.
	ErrNotConfigured = errors.New("not configured")

	// ErrAlreadyReset indicates a channel reset found nothing to reset.
	ErrAlreadyReset = errors.New("already reset")

	// ErrMutexFailure indicates a channel lock could not be acquired.
	ErrMutexFailure = errors.New("mutex failure")

	// ErrNullPointer indicates an operation on a missing handle.
	ErrNullPointer = errors.New("null handle")

	// ErrBadSize indicates a control payload of unexpected length.
	ErrBadSize = errors.New("bad payload size")

	// ErrInvalidLineCoding indicates a line coding the UART cannot apply.
	ErrInvalidLineCoding = errors.New("invalid line coding")

	// ErrInvalidState indicates an operation in the wrong channel state.
	ErrInvalidState = errors.New("invalid state")

	// ErrInvalidEndpoint indicates an invalid endpoint address.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidRequest indicates an invalid or unsupported request.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrOverrun indicates the producer had no free buffer for incoming data.
	ErrOverrun = errors.New("data overrun")

	// ErrTimeout indicates a control transfer that was never completed.
	ErrTimeout = errors.New("transfer timeout")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrAlreadyRunning indicates a component that is already running.
	ErrAlreadyRunning = errors.New("already running")
)

// DMAStatus is the status code a DMA primitive reports.
type DMAStatus int

// DMA status values.
const (
	DMAStatusSuccess       DMAStatus = iota // Operation completed
	DMAStatusNullPointer                    // Missing channel handle
	DMAStatusNotConfigured                  // Channel not configured
	DMAStatusAlreadyReset                   // Nothing left to reset
	DMAStatusMutexFailure                   // Channel lock unavailable
	DMAStatusNotStarted                     // Bridge inactive
	DMAStatusOverrun                        // No free producer buffer
	DMAStatusFailure                        // Any other failure
)

// String returns a string representation of the DMA status.
func (s DMAStatus) String() string {
	switch s {
	case DMAStatusSuccess:
		return "success"
	case DMAStatusNullPointer:
		return "null-pointer"
	case DMAStatusNotConfigured:
		return "not-configured"
	case DMAStatusAlreadyReset:
		return "already-reset"
	case DMAStatusMutexFailure:
		return "mutex-failure"
	case DMAStatusNotStarted:
		return "not-started"
	case DMAStatusOverrun:
		return "overrun"
	default:
		return "failure"
	}
}

// Error returns the corresponding error for the DMA status.
func (s DMAStatus) Error() error {
	switch s {
	case DMAStatusSuccess:
		return nil
	case DMAStatusNullPointer:
		return ErrNullPointer
	case DMAStatusNotConfigured:
		return ErrNotConfigured
	case DMAStatusAlreadyReset:
		return ErrAlreadyReset
	case DMAStatusMutexFailure:
		return ErrMutexFailure
	case DMAStatusNotStarted:
		return ErrNotStarted
	case DMAStatusOverrun:
		return ErrOverrun
	default:
		return ErrInvalidState
	}
}

// StatusOf classifies err into a DMA status.
func StatusOf(err error) DMAStatus {
	switch {
	case err == nil:
		return DMAStatusSuccess
	case errors.Is(err, ErrNullPointer):
		return DMAStatusNullPointer
	case errors.Is(err, ErrNotConfigured):
		return DMAStatusNotConfigured
	case errors.Is(err, ErrAlreadyReset):
		return DMAStatusAlreadyReset
	case errors.Is(err, ErrMutexFailure):
		return DMAStatusMutexFailure
	case errors.Is(err, ErrNotStarted):
		return DMAStatusNotStarted
	case errors.Is(err, ErrOverrun):
		return DMAStatusOverrun
	default:
		return DMAStatusFailure
	}
}
