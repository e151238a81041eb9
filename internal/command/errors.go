package command

import "errors"

// Command errors, checked with errors.Is().
var (
	// ErrUnmappedDevice is returned when a device has no live cloud session,
	// so no command can be addressed to it. The cached state is untouched.
	ErrUnmappedDevice = errors.New("command: device has no live session")

	// ErrCommandFailed is returned when the provider did not acknowledge a
	// control command. The optimistic overlay has been rolled back.
	ErrCommandFailed = errors.New("command: control command failed")
)
