package influxdb

import "errors"

// InfluxDB errors, checked with errors.Is().
var (
	// ErrDisabled is returned by Connect when telemetry history is turned
	// off in configuration. The core runs fine without it.
	ErrDisabled = errors.New("influxdb: disabled in configuration")

	// ErrConnectionFailed is returned when the server cannot be reached.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrNotConnected is returned by health checks after Close.
	ErrNotConnected = errors.New("influxdb: not connected")
)
