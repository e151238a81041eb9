package reconcile

import "errors"

// Reconciliation errors, checked with errors.Is().
var (
	// ErrFetchFailed is returned when an authoritative status fetch fails.
	// The cached state is left untouched.
	ErrFetchFailed = errors.New("reconcile: status fetch failed")

	// ErrClosed is returned for operations after the scheduler stopped.
	ErrClosed = errors.New("reconcile: scheduler closed")
)
