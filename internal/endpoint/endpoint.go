// Package endpoint parses the textual drop protocol: whitespace separated
// `source destination` pairs where each side is an address literal followed
// by a single ':' and a decimal port.
//
// Both families use the same bracket-free convention:
//
//	1.2.3.4:80
//	::1:8080            (the last ':' of an IPv6 token separates the port)
//	::ffff:10.0.0.1:443 (IPv4-mapped literals stay IPv6)
package endpoint

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"firestige.xyz/dropsock/internal/core"
)

// Family is the address family of an endpoint.
type Family uint8

const (
	FamilyIPv4 Family = 4
	FamilyIPv6 Family = 6
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyIPv6:
		return "ipv6"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// Endpoint is one side of a TCP connection.
type Endpoint struct {
	Family Family
	Addr   netip.Addr
	Port   uint16
}

// AddrPort returns the endpoint as a netip.AddrPort.
func (e Endpoint) AddrPort() netip.AddrPort {
	return netip.AddrPortFrom(e.Addr, e.Port)
}

// String renders the endpoint in the same convention Parse accepts.
func (e Endpoint) String() string {
	return e.Addr.String() + ":" + strconv.FormatUint(uint64(e.Port), 10)
}

// Parse parses a single `address:port` token. IPv4 is tried first, then IPv6.
func Parse(token string) (Endpoint, error) {
	addr, rest, err := parse4(token)
	if err == nil {
		return finish(FamilyIPv4, addr, rest, token)
	}
	if err != errNotIPv4 {
		return Endpoint{}, err
	}

	addr, rest, err = parse6(token)
	if err != nil {
		return Endpoint{}, err
	}
	return finish(FamilyIPv6, addr, rest, token)
}

var errNotIPv4 = errors.New("not an ipv4 literal")

// parse4 returns the address and whatever follows its ':' separator.
func parse4(token string) (netip.Addr, string, error) {
	i := 0
	for i < len(token) && (isDigit(token[i]) || token[i] == '.') {
		i++
	}
	if i == 0 {
		return netip.Addr{}, "", errNotIPv4
	}
	addr, err := netip.ParseAddr(token[:i])
	if err != nil || !addr.Is4() {
		return netip.Addr{}, "", errNotIPv4
	}
	switch {
	case i == len(token):
		return netip.Addr{}, "", fmt.Errorf("%w: missing port in %q", core.ErrInvalidPort, token)
	case token[i] == ':':
		return addr, token[i+1:], nil
	default:
		return netip.Addr{}, "", errNotIPv4
	}
}

func parse6(token string) (netip.Addr, string, error) {
	i := 0
	for i < len(token) && (isHex(token[i]) || token[i] == ':' || token[i] == '.') {
		i++
	}
	run := token[:i]

	if sep := strings.LastIndexByte(run, ':'); sep > 0 {
		if addr, err := netip.ParseAddr(run[:sep]); err == nil && addr.Is6() {
			return addr, token[sep+1:], nil
		}
	}
	if addr, err := netip.ParseAddr(run); err == nil && addr.Is6() && i == len(token) {
		return netip.Addr{}, "", fmt.Errorf("%w: missing port in %q", core.ErrInvalidPort, token)
	}
	return netip.Addr{}, "", fmt.Errorf("%w: %q", core.ErrInvalidAddress, token)
}

// finish reads the decimal port. Digits stop at the first non-digit byte.
func finish(family Family, addr netip.Addr, rest, token string) (Endpoint, error) {
	n := 0
	for n < len(rest) && isDigit(rest[n]) {
		n++
	}
	if n == 0 {
		return Endpoint{}, fmt.Errorf("%w: no digits in %q", core.ErrInvalidPort, token)
	}
	port, err := strconv.ParseUint(rest[:n], 10, 16)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q out of range", core.ErrInvalidPort, rest[:n])
	}
	return Endpoint{Family: family, Addr: addr, Port: uint16(port)}, nil
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isHex(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}
