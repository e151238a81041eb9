package relay

import "errors"

// Relay errors, checked with errors.Is().
var (
	// ErrConnectFailed is returned when a dial or subscribe attempt fails.
	ErrConnectFailed = errors.New("relay: connect failed")

	// ErrHeartbeatTimeout is reported when a connection went silent past the
	// heartbeat window and was force-closed by the watchdog.
	ErrHeartbeatTimeout = errors.New("relay: heartbeat timeout")

	// ErrNotConnected is returned by health checks while any account's
	// connection is not in the connected state.
	ErrNotConnected = errors.New("relay: not connected")
)
