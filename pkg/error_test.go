package pkg

import (
	"errors"
	"fmt"
	"testing"
)

func TestDMAStatus_String(t *testing.T) {
	tests := []struct {
		status DMAStatus
		want   string
	}{
		{DMAStatusSuccess, "success"},
		{DMAStatusNullPointer, "null-pointer"},
		{DMAStatusNotConfigured, "not-configured"},
		{DMAStatusAlreadyReset, "already-reset"},
		{DMAStatusMutexFailure, "mutex-failure"},
		{DMAStatusNotStarted, "not-started"},
		{DMAStatusOverrun, "overrun"},
		{DMAStatusFailure, "failure"},
		{DMAStatus(99), "failure"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.status.String(); got != tt.want {
				t.Errorf("DMAStatus.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDMAStatus_Error(t *testing.T) {
	tests := []struct {
		status  DMAStatus
		wantErr error
	}{
		{DMAStatusSuccess, nil},
		{DMAStatusNullPointer, ErrNullPointer},
		{DMAStatusNotConfigured, ErrNotConfigured},
		{DMAStatusAlreadyReset, ErrAlreadyReset},
		{DMAStatusMutexFailure, ErrMutexFailure},
		{DMAStatusNotStarted, ErrNotStarted},
		{DMAStatusOverrun, ErrOverrun},
		{DMAStatusFailure, ErrInvalidState},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			err := tt.status.Error()
			if tt.wantErr == nil && err != nil {
				t.Errorf("DMAStatus.Error() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("DMAStatus.Error() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want DMAStatus
	}{
		{"nil", nil, DMAStatusSuccess},
		{"wrapped not configured", fmt.Errorf("reset: %w", ErrNotConfigured), DMAStatusNotConfigured},
		{"already reset", ErrAlreadyReset, DMAStatusAlreadyReset},
		{"mutex", ErrMutexFailure, DMAStatusMutexFailure},
		{"null", ErrNullPointer, DMAStatusNullPointer},
		{"other", errors.New("boom"), DMAStatusFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StatusOf(tt.err); got != tt.want {
				t.Errorf("StatusOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestSentinelErrors(t *testing.T) {
	// Verify all sentinel errors are distinct
	errs := []error{
		ErrFatal,
		ErrHalted,
		ErrUnsupportedSpeed,
		ErrNotStarted,
		ErrNotConfigured,
		ErrAlreadyReset,
		ErrMutexFailure,
		ErrNullPointer,
		ErrBadSize,
		ErrInvalidLineCoding,
		ErrInvalidState,
		ErrInvalidEndpoint,
		ErrInvalidRequest,
		ErrInvalidParameter,
		ErrOverrun,
		ErrTimeout,
		ErrStall,
		ErrAlreadyRunning,
	}

	for i, err1 := range errs {
		if err1 == nil {
			t.Errorf("error %d is nil", i)
			continue
		}
		for j, err2 := range errs {
			if i != j && errors.Is(err1, err2) {
				t.Errorf("error %d and %d are equal", i, j)
			}
		}
	}
}
