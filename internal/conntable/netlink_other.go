//go:build !linux

package conntable

import (
	"context"
	"net/netip"

	"firestige.xyz/dropsock/internal/core"
	"firestige.xyz/dropsock/internal/endpoint"
)

// Netlink is only available on Linux.
type Netlink struct{}

var _ Table = (*Netlink)(nil)

// NewNetlink always fails outside Linux.
func NewNetlink(string) (*Netlink, error) { return nil, core.ErrUnsupported }

func (*Netlink) Lookup(context.Context, endpoint.Family, netip.AddrPort, netip.AddrPort) (Handle, error) {
	return nil, core.ErrUnsupported
}
func (*Netlink) State(Handle) TCPState                         { return StateInvalid }
func (*Netlink) ReleaseTimeWait(context.Context, Handle) error { return core.ErrUnsupported }
func (*Netlink) AbortAndRelease(context.Context, Handle) error { return core.ErrUnsupported }
func (*Netlink) Close() error                                  { return nil }
