// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors shared by the intake, parser and table layers.
var (
	// Request intake errors, reported synchronously to the writer
	ErrOutOfMemory   = errors.New("dropsock: out of memory")
	ErrTooLarge      = errors.New("dropsock: request too large")
	ErrSessionClosed = errors.New("dropsock: session closed")

	// Malformed input, stops the scan of the current request
	ErrInvalidAddress = errors.New("dropsock: invalid address")
	ErrInvalidPort    = errors.New("dropsock: invalid port")
	ErrFamilyMismatch = errors.New("dropsock: address family mismatch")

	// Connection table outcomes
	ErrNotFound    = errors.New("dropsock: connection not found")
	ErrStaleHandle = errors.New("dropsock: stale connection handle")
	ErrUnsupported = errors.New("dropsock: operation not supported on this platform")

	// Context registry errors
	ErrContextNotFound = errors.New("dropsock: context not found")
	ErrContextExists   = errors.New("dropsock: context already exists")

	// Configuration errors
	ErrConfigInvalid = errors.New("dropsock: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("dropsock: daemon not running")
)

// IsMalformed reports whether err stopped a scan because of bad input.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrInvalidAddress) ||
		errors.Is(err, ErrInvalidPort) ||
		errors.Is(err, ErrFamilyMismatch)
}

// IsGone reports whether err means the target connection no longer exists.
func IsGone(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleHandle)
}
