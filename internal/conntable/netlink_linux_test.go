//go:build linux

package conntable

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"firestige.xyz/dropsock/internal/core"
	"firestige.xyz/dropsock/internal/endpoint"
)

func TestSockID_RoundTrip(t *testing.T) {
	id := sockID{
		sport:  80,
		dport:  12345,
		src:    addrBytes(unix.AF_INET, netip.MustParseAddr("5.6.7.8")),
		dst:    addrBytes(unix.AF_INET, netip.MustParseAddr("1.2.3.4")),
		ifidx:  3,
		cookie: [2]uint32{0xdead, 0xbeef},
	}
	b := make([]byte, sizeofSockID)
	id.put(b)

	assert.Equal(t, []byte{0, 80, 0x30, 0x39}, b[:4])
	assert.Equal(t, []byte{5, 6, 7, 8}, b[4:8])
	assert.Equal(t, []byte{1, 2, 3, 4}, b[20:24])
	assert.Equal(t, id, parseSockID(b))
}

func TestAddrBytes(t *testing.T) {
	v4 := addrBytes(unix.AF_INET, netip.MustParseAddr("::ffff:10.0.0.1"))
	assert.Equal(t, []byte{10, 0, 0, 1}, v4[:4])
	assert.Equal(t, make([]byte, 12), v4[4:])

	v6 := addrBytes(unix.AF_INET6, netip.MustParseAddr("::1"))
	assert.Equal(t, byte(1), v6[15])
}

func TestSizes(t *testing.T) {
	assert.Equal(t, 56, sizeofReqV2)
	assert.Equal(t, 72, sizeofDiagMsg)
}

func TestSockID_Matches(t *testing.T) {
	local := netip.MustParseAddrPort("10.0.0.5:443")
	remote := netip.MustParseAddrPort("203.0.113.7:51234")
	exact := sockID{
		sport: 443,
		dport: 51234,
		src:   addrBytes(unix.AF_INET, local.Addr()),
		dst:   addrBytes(unix.AF_INET, remote.Addr()),
	}
	assert.True(t, exact.matches(unix.AF_INET, local, remote))

	// what the kernel reports for the listener it falls back to
	listener := sockID{sport: 443, src: exact.src}
	assert.False(t, listener.matches(unix.AF_INET, local, remote))

	otherPort := exact
	otherPort.dport = 51235
	assert.False(t, otherPort.matches(unix.AF_INET, local, remote))

	otherPeer := exact
	otherPeer.dst = addrBytes(unix.AF_INET, netip.MustParseAddr("203.0.113.8"))
	assert.False(t, otherPeer.matches(unix.AF_INET, local, remote))

	mapped := sockID{
		sport: 443,
		dport: 51234,
		src:   netip.MustParseAddr("::ffff:10.0.0.5").As16(),
		dst:   netip.MustParseAddr("::ffff:203.0.113.7").As16(),
	}
	assert.True(t, mapped.matches(unix.AF_INET6, local, remote))
}

// loopbackPair returns the server side of an established loopback
// connection as (local, remote) plus the listener address.
func loopbackPair(t *testing.T) (local, remote, listen netip.AddrPort) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()
	client, err := net.Dial("tcp4", ln.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	server, ok := <-accepted
	require.True(t, ok)
	t.Cleanup(func() { server.Close() })

	return server.LocalAddr().(*net.TCPAddr).AddrPort(),
		server.RemoteAddr().(*net.TCPAddr).AddrPort(),
		ln.Addr().(*net.TCPAddr).AddrPort()
}

func openNetlink(t *testing.T) *Netlink {
	t.Helper()
	n, err := NewNetlink("")
	if err != nil {
		t.Skipf("sock_diag unavailable: %v", err)
	}
	t.Cleanup(func() { n.Close() })
	return n
}

func TestNetlink_LookupIgnoresListener(t *testing.T) {
	n := openNetlink(t)
	_, _, listen := loopbackPair(t)
	ctx := context.Background()

	// no connection has this tuple; the listener on the port must not match
	_, err := n.Lookup(ctx, endpoint.FamilyIPv4, listen, netip.MustParseAddrPort("127.0.0.1:1"))
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestNetlink_LookupAbortLoopback(t *testing.T) {
	n := openNetlink(t)
	local, remote, _ := loopbackPair(t)
	ctx := context.Background()

	h, err := n.Lookup(ctx, endpoint.FamilyIPv4, local, remote)
	require.NoError(t, err)
	assert.Equal(t, StateEstablished, n.State(h))
	assert.Equal(t, local, h.Local())
	assert.Equal(t, remote, h.Remote())

	if os.Geteuid() != 0 {
		t.Skip("SOCK_DESTROY needs CAP_NET_ADMIN")
	}
	if err := n.AbortAndRelease(ctx, h); err != nil {
		if errors.Is(err, unix.EOPNOTSUPP) {
			t.Skip("kernel built without CONFIG_INET_DIAG_DESTROY")
		}
		require.NoError(t, err)
	}

	// the same pair again resolves to nothing, not to the listener
	_, err = n.Lookup(ctx, endpoint.FamilyIPv4, local, remote)
	assert.ErrorIs(t, err, core.ErrNotFound)
}
