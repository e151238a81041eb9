package cloudapi

import "errors"

// Boundary errors, checked with errors.Is().
var (
	// ErrControlFailed is returned when a relay control command is not
	// acknowledged by the provider (transport error, timeout or rejection).
	ErrControlFailed = errors.New("cloudapi: control command failed")

	// ErrStatusFailed is returned when a status fetch fails. It carries no
	// information about the device itself; absence of information is not
	// evidence of offline.
	ErrStatusFailed = errors.New("cloudapi: status fetch failed")
)
