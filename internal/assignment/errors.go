package assignment

import "errors"

// Assignment errors, checked with errors.Is().
var (
	// ErrNotLoaded is returned by health checks before the first successful
	// registry load. Serving with zero assignments would silently drop every
	// relay event.
	ErrNotLoaded = errors.New("assignment: registry not loaded")
)
