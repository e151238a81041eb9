package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
var (
	// ErrDeviceNotFound is returned when a device ID is not present in the store.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrStoreClosed is returned when a mutation is attempted after Close().
	ErrStoreClosed = errors.New("device: store closed")
)
