// Package conntable resolves TCP connections by exact 4-tuple and exposes the
// two teardown primitives the termination engine chooses between.
package conntable

import (
	"context"
	"net/netip"

	"firestige.xyz/dropsock/internal/endpoint"
)

// Handle is an opaque reference to a resolved connection. It is only valid
// for the single termination that follows the lookup.
type Handle interface {
	// Local is the table's local side (the pair's destination).
	Local() netip.AddrPort
	// Remote is the table's remote side (the pair's source).
	Remote() netip.AddrPort
}

// Table is a connection table scoped to one network namespace.
//
// Implementations must be safe for concurrent use, and a handle whose
// connection went away between Lookup and teardown must fail with
// core.ErrStaleHandle or core.ErrNotFound instead of touching another socket.
type Table interface {
	// Lookup finds the connection with exactly this tuple. It returns
	// core.ErrNotFound when there is none.
	Lookup(ctx context.Context, family endpoint.Family, local, remote netip.AddrPort) (Handle, error)
	// State returns the state of h as observed at resolution time.
	State(h Handle) TCPState
	// ReleaseTimeWait deschedules and frees a time-wait entry in one step.
	ReleaseTimeWait(ctx context.Context, h Handle) error
	// AbortAndRelease aborts a live connection and drops the lookup reference.
	AbortAndRelease(ctx context.Context, h Handle) error
	// Close releases resources held by the table itself.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendNetlink = "netlink"
	BackendMemory  = "memory"
)

// Open creates a table of the given backend inside the namespace at nsPath.
// An empty nsPath means the caller's own namespace.
func Open(backend, nsPath string) (Table, error) {
	switch backend {
	case BackendMemory:
		return NewMemory(), nil
	case BackendNetlink, "":
		return NewNetlink(nsPath)
	default:
		return nil, &UnknownBackendError{Backend: backend}
	}
}

// UnknownBackendError is returned by Open for an unrecognised backend name.
type UnknownBackendError struct {
	Backend string
}

func (e *UnknownBackendError) Error() string {
	return "conntable: unknown backend " + e.Backend
}
