//go:build linux

package conntable

import (
	"context"
	"encoding/binary"
	"net/netip"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"firestige.xyz/dropsock/internal/core"
	"firestige.xyz/dropsock/internal/endpoint"
	"firestige.xyz/dropsock/internal/netns"
)

// sock_diag message types and sizes (linux/sock_diag.h, linux/inet_diag.h).
const (
	sockDiagByFamily = 20
	sockDestroy      = 21

	sizeofSockID  = 48
	sizeofReqV2   = 8 + sizeofSockID
	sizeofDiagMsg = 4 + sizeofSockID + 20

	noCookie = ^uint32(0)

	recvTimeout = 5 * time.Second
)

// sockID mirrors struct inet_diag_sockid. src/sport is the local side.
type sockID struct {
	sport  uint16
	dport  uint16
	src    [16]byte
	dst    [16]byte
	ifidx  uint32
	cookie [2]uint32
}

func (id *sockID) put(b []byte) {
	binary.BigEndian.PutUint16(b[0:], id.sport)
	binary.BigEndian.PutUint16(b[2:], id.dport)
	copy(b[4:20], id.src[:])
	copy(b[20:36], id.dst[:])
	binary.NativeEndian.PutUint32(b[36:], id.ifidx)
	binary.NativeEndian.PutUint32(b[40:], id.cookie[0])
	binary.NativeEndian.PutUint32(b[44:], id.cookie[1])
}

func parseSockID(b []byte) sockID {
	var id sockID
	id.sport = binary.BigEndian.Uint16(b[0:])
	id.dport = binary.BigEndian.Uint16(b[2:])
	copy(id.src[:], b[4:20])
	copy(id.dst[:], b[20:36])
	id.ifidx = binary.NativeEndian.Uint32(b[36:])
	id.cookie[0] = binary.NativeEndian.Uint32(b[40:])
	id.cookie[1] = binary.NativeEndian.Uint32(b[44:])
	return id
}

// matches reports whether id, reported for a socket of the given family,
// names exactly the local and remote endpoints. A dual-stack socket reports
// IPv4 peers as IPv4-mapped IPv6 addresses.
func (id *sockID) matches(family uint8, local, remote netip.AddrPort) bool {
	if id.sport != local.Port() || id.dport != remote.Port() {
		return false
	}
	src, dst := diagAddr(family, id.src), diagAddr(family, id.dst)
	return src == local.Addr().Unmap() && dst == remote.Addr().Unmap()
}

func diagAddr(family uint8, b [16]byte) netip.Addr {
	if family == unix.AF_INET {
		return netip.AddrFrom4([4]byte(b[:4]))
	}
	return netip.AddrFrom16(b).Unmap()
}

func addrBytes(family uint8, a netip.Addr) [16]byte {
	var out [16]byte
	if family == unix.AF_INET {
		b := a.Unmap().As4()
		copy(out[:], b[:])
		return out
	}
	return a.As16()
}

type netlinkHandle struct {
	family uint8
	id     sockID
	state  TCPState
	local  netip.AddrPort
	remote netip.AddrPort
}

func (h *netlinkHandle) Local() netip.AddrPort  { return h.local }
func (h *netlinkHandle) Remote() netip.AddrPort { return h.remote }

// Netlink resolves and destroys sockets through NETLINK_SOCK_DIAG. The socket
// is opened inside the target namespace, so every request it carries is
// scoped to that namespace. Destroying requires CAP_NET_ADMIN and a kernel
// built with CONFIG_INET_DIAG_DESTROY.
type Netlink struct {
	mu  sync.Mutex
	fd  int
	seq uint32
	buf []byte
}

var _ Table = (*Netlink)(nil)

// NewNetlink opens a sock_diag socket in the namespace at nsPath.
func NewNetlink(nsPath string) (*Netlink, error) {
	fd := -1
	err := netns.Do(nsPath, func() error {
		var err error
		fd, err = openDiagSocket()
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Netlink{
		fd:  fd,
		seq: uint32(time.Now().Unix()),
		buf: make([]byte, 16*1024),
	}, nil
}

func openDiagSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_SOCK_DIAG)
	if err != nil {
		return -1, errors.Wrap(err, "open sock_diag socket")
	}
	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "bind sock_diag socket")
	}
	tv := unix.NsecToTimeval(recvTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "set sock_diag receive timeout")
	}
	return fd, nil
}

// Lookup implements Table.
func (n *Netlink) Lookup(_ context.Context, family endpoint.Family, local, remote netip.AddrPort) (Handle, error) {
	af := uint8(unix.AF_INET)
	if family == endpoint.FamilyIPv6 {
		af = unix.AF_INET6
	}
	id := sockID{
		sport:  local.Port(),
		dport:  remote.Port(),
		src:    addrBytes(af, local.Addr()),
		dst:    addrBytes(af, remote.Addr()),
		cookie: [2]uint32{noCookie, noCookie},
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	msgs, err := n.roundTrip(sockDiagByFamily, unix.NLM_F_REQUEST, af, ^uint32(0), &id)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, core.ErrNotFound
		}
		return nil, err
	}
	for _, m := range msgs {
		if m.Header.Type != sockDiagByFamily || len(m.Data) < sizeofDiagMsg {
			continue
		}
		// The kernel falls back to the listener on the local port when no
		// connection has this tuple; only an exact match counts.
		got := parseSockID(m.Data[4:])
		state := TCPState(m.Data[1])
		if state == StateListen || !got.matches(m.Data[0], local, remote) {
			continue
		}
		return &netlinkHandle{
			family: m.Data[0],
			id:     got,
			state:  state,
			local:  netip.AddrPortFrom(diagAddr(m.Data[0], got.src), got.sport),
			remote: netip.AddrPortFrom(diagAddr(m.Data[0], got.dst), got.dport),
		}, nil
	}
	return nil, core.ErrNotFound
}

// State implements Table.
func (n *Netlink) State(h Handle) TCPState {
	nh, ok := h.(*netlinkHandle)
	if !ok {
		return StateInvalid
	}
	return nh.state
}

// ReleaseTimeWait implements Table.
func (n *Netlink) ReleaseTimeWait(_ context.Context, h Handle) error {
	return n.destroy(h, StateTimeWait.mask())
}

// AbortAndRelease implements Table.
func (n *Netlink) AbortAndRelease(_ context.Context, h Handle) error {
	return n.destroy(h, ^StateTimeWait.mask())
}

// destroy issues SOCK_DESTROY with the cookie taken at lookup, so a tuple
// reused by a new socket in the meantime is rejected with ESTALE.
func (n *Netlink) destroy(h Handle, states uint32) error {
	nh, ok := h.(*netlinkHandle)
	if !ok {
		return errors.Errorf("conntable: foreign handle %T", h)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	id := nh.id
	_, err := n.roundTrip(sockDestroy, unix.NLM_F_REQUEST|unix.NLM_F_ACK, nh.family, states, &id)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.ENOENT), errors.Is(err, unix.ESTALE):
		return errors.Wrapf(core.ErrStaleHandle, "%s -> %s", nh.remote, nh.local)
	default:
		return err
	}
}

// roundTrip sends one request and collects the replies carrying its sequence
// number until an ack, an error or a diag message arrives.
func (n *Netlink) roundTrip(typ, flags uint16, family uint8, states uint32, id *sockID) ([]syscall.NetlinkMessage, error) {
	n.seq++
	seq := n.seq

	req := make([]byte, unix.NLMSG_HDRLEN+sizeofReqV2)
	binary.NativeEndian.PutUint32(req[0:], uint32(len(req)))
	binary.NativeEndian.PutUint16(req[4:], typ)
	binary.NativeEndian.PutUint16(req[6:], flags)
	binary.NativeEndian.PutUint32(req[8:], seq)
	body := req[unix.NLMSG_HDRLEN:]
	body[0] = family
	body[1] = unix.IPPROTO_TCP
	binary.NativeEndian.PutUint32(body[4:], states)
	id.put(body[8:])

	if err := unix.Sendto(n.fd, req, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		return nil, errors.Wrap(err, "send sock_diag request")
	}

	for {
		nr, _, err := unix.Recvfrom(n.fd, n.buf, 0)
		if err != nil {
			return nil, errors.Wrap(err, "receive sock_diag reply")
		}
		msgs, err := syscall.ParseNetlinkMessage(n.buf[:nr])
		if err != nil {
			return nil, errors.WithStack(err)
		}

		var out []syscall.NetlinkMessage
		for _, m := range msgs {
			if m.Header.Seq != seq {
				continue
			}
			switch m.Header.Type {
			case unix.NLMSG_ERROR:
				if len(m.Data) < 4 {
					return nil, errors.New("short netlink error message")
				}
				if code := int32(binary.NativeEndian.Uint32(m.Data)); code != 0 {
					return nil, errors.WithStack(unix.Errno(-code))
				}
				return out, nil
			case unix.NLMSG_DONE:
				return out, nil
			case unix.NLMSG_NOOP:
				continue
			default:
				out = append(out, m)
			}
		}
		if len(out) > 0 {
			return out, nil
		}
	}
}

// Close implements Table.
func (n *Netlink) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fd < 0 {
		return nil
	}
	err := unix.Close(n.fd)
	n.fd = -1
	return err
}
