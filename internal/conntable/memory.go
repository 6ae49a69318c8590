package conntable

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"

	"firestige.xyz/dropsock/internal/core"
	"firestige.xyz/dropsock/internal/endpoint"
)

// flowKey indexes a connection the way gopacket identifies one: a network
// flow plus a transport flow, both oriented local -> remote.
type flowKey struct {
	network   gopacket.Flow
	transport gopacket.Flow
}

func makeFlowKey(family endpoint.Family, local, remote netip.AddrPort) flowKey {
	var (
		kind     gopacket.EndpointType
		src, dst []byte
	)
	if family == endpoint.FamilyIPv4 && local.Addr().Is4() && remote.Addr().Is4() {
		kind = layers.EndpointIPv4
		l, r := local.Addr().As4(), remote.Addr().As4()
		src, dst = l[:], r[:]
	} else {
		kind = layers.EndpointIPv6
		l, r := local.Addr().As16(), remote.Addr().As16()
		src, dst = l[:], r[:]
	}
	var lp, rp [2]byte
	binary.BigEndian.PutUint16(lp[:], local.Port())
	binary.BigEndian.PutUint16(rp[:], remote.Port())
	return flowKey{
		network:   gopacket.NewFlow(kind, src, dst),
		transport: gopacket.NewFlow(layers.EndpointTCPPort, lp[:], rp[:]),
	}
}

func (k flowKey) String() string {
	return fmt.Sprintf("%s %s", k.network, k.transport)
}

type memEntry struct {
	local  netip.AddrPort
	remote netip.AddrPort
	state  TCPState
	gen    uint64
}

type memHandle struct {
	key    flowKey
	gen    uint64
	state  TCPState
	local  netip.AddrPort
	remote netip.AddrPort
}

func (h *memHandle) Local() netip.AddrPort  { return h.local }
func (h *memHandle) Remote() netip.AddrPort { return h.remote }

// Memory is an in-process connection table. It backs tests and the
// "memory" dry-run backend.
type Memory struct {
	mu      sync.Mutex
	entries map[flowKey]*memEntry
	nextGen uint64

	released uint64
	aborted  uint64
}

var _ Table = (*Memory)(nil)

// NewMemory creates an empty table.
func NewMemory() *Memory {
	return &Memory{entries: make(map[flowKey]*memEntry)}
}

// Put inserts or replaces the connection local <-> remote. Replacing an entry
// invalidates handles resolved before.
func (m *Memory) Put(local, remote netip.AddrPort, state TCPState) {
	family := endpoint.FamilyIPv6
	if local.Addr().Is4() {
		family = endpoint.FamilyIPv4
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextGen++
	m.entries[makeFlowKey(family, local, remote)] = &memEntry{
		local:  local,
		remote: remote,
		state:  state,
		gen:    m.nextGen,
	}
}

// SetState changes the state of an existing entry, as ordinary protocol
// activity would. It reports whether the entry existed.
func (m *Memory) SetState(local, remote netip.AddrPort, state TCPState) bool {
	family := endpoint.FamilyIPv6
	if local.Addr().Is4() {
		family = endpoint.FamilyIPv4
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[makeFlowKey(family, local, remote)]
	if ok {
		e.state = state
	}
	return ok
}

// Len returns the number of entries.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Counts returns how many entries were released through each teardown path.
func (m *Memory) Counts() (released, aborted uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.released, m.aborted
}

// Lookup implements Table.
func (m *Memory) Lookup(_ context.Context, family endpoint.Family, local, remote netip.AddrPort) (Handle, error) {
	key := makeFlowKey(family, local, remote)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, core.ErrNotFound
	}
	return &memHandle{
		key:    key,
		gen:    e.gen,
		state:  e.state,
		local:  e.local,
		remote: e.remote,
	}, nil
}

// State implements Table.
func (m *Memory) State(h Handle) TCPState {
	mh, ok := h.(*memHandle)
	if !ok {
		return StateInvalid
	}
	return mh.state
}

// ReleaseTimeWait implements Table.
func (m *Memory) ReleaseTimeWait(_ context.Context, h Handle) error {
	return m.remove(h, true)
}

// AbortAndRelease implements Table.
func (m *Memory) AbortAndRelease(_ context.Context, h Handle) error {
	return m.remove(h, false)
}

func (m *Memory) remove(h Handle, timeWait bool) error {
	mh, ok := h.(*memHandle)
	if !ok {
		return fmt.Errorf("conntable: foreign handle %T", h)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[mh.key]
	if !ok || e.gen != mh.gen {
		return fmt.Errorf("%w: %s", core.ErrStaleHandle, mh.key)
	}
	if e.state.IsTimeWait() != timeWait {
		return fmt.Errorf("%w: %s moved to %s", core.ErrStaleHandle, mh.key, e.state)
	}
	delete(m.entries, mh.key)
	if timeWait {
		m.released++
	} else {
		m.aborted++
	}
	return nil
}

// Close implements Table.
func (m *Memory) Close() error { return nil }
