// Package netutil holds IPv6 prefix and address helpers shared by the
// parser, matcher and lease reconciler.
package netutil

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/apparentlymart/go-cidr/cidr"
)

var (
	// ErrNotIPv6 is returned for IPv4 or IPv4-mapped input
	ErrNotIPv6 = errors.New("not an IPv6 address")

	// ErrPrefixTooSmall is returned when a prefix cannot hold a relay address
	// and a non-empty pool
	ErrPrefixTooSmall = errors.New("prefix too small for a pool")
)

// ParsePrefix parses an IPv6 CIDR and masks host bits.
func ParsePrefix(s string) (netip.Prefix, error) {
	p, err := netip.ParsePrefix(strings.TrimSpace(s))
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid prefix %q: %w", s, err)
	}
	if !p.Addr().Is6() || p.Addr().Is4In6() {
		return netip.Prefix{}, fmt.Errorf("prefix %q: %w", s, ErrNotIPv6)
	}
	return p.Masked(), nil
}

// NormalizePrefix returns the canonical text of an IPv6 prefix: lower case,
// zero compressed, host bits cleared. "2001:DB8:0:0::/64" and
// "2001:db8::/64" normalize to the same string.
func NormalizePrefix(s string) (string, error) {
	p, err := ParsePrefix(s)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

// ParseIPv6 parses a literal IPv6 address without zone.
func ParseIPv6(s string) (netip.Addr, error) {
	a, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if !a.Is6() || a.Is4In6() || a.Zone() != "" {
		return netip.Addr{}, fmt.Errorf("address %q: %w", s, ErrNotIPv6)
	}
	return a, nil
}

// IsIPv6 reports whether s is a literal IPv6 address.
func IsIPv6(s string) bool {
	_, err := ParseIPv6(s)
	return err == nil
}

// NormalizeAddr returns the canonical text of an IPv6 address.
func NormalizeAddr(s string) (string, error) {
	a, err := ParseIPv6(s)
	if err != nil {
		return "", err
	}
	return a.String(), nil
}

// InRange reports whether addr lies within [start, end] inclusive.
func InRange(addr, start, end netip.Addr) bool {
	return addr.Compare(start) >= 0 && addr.Compare(end) <= 0
}

// Pool is the address layout derived from a subnet prefix.
type Pool struct {
	Relay netip.Addr
	Start netip.Addr
	End   netip.Addr
}

// DefaultPool derives the relay address and pool bounds for prefix:
// relay is the first host (network+1), the pool starts at network+2 and
// ends one before the last address of the prefix.
func DefaultPool(prefix string) (Pool, error) {
	p, err := ParsePrefix(prefix)
	if err != nil {
		return Pool{}, err
	}
	if p.Bits() > 126 {
		return Pool{}, fmt.Errorf("prefix %s: %w", p, ErrPrefixTooSmall)
	}

	network, last := cidr.AddressRange(toIPNet(p))
	relay := cidr.Inc(network)

	return Pool{
		Relay: fromIP(relay),
		Start: fromIP(cidr.Inc(relay)),
		End:   fromIP(cidr.Dec(last)),
	}, nil
}

// PoolFromCIDR returns the first and last address of a pool given in CIDR
// form, as Kea allows for "pool": "2001:db8::/120".
func PoolFromCIDR(s string) (netip.Addr, netip.Addr, error) {
	p, err := ParsePrefix(s)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	first, last := cidr.AddressRange(toIPNet(p))
	return fromIP(first), fromIP(last), nil
}

// ParsePoolRange accepts Kea's "start - end" and CIDR pool notations and
// returns normalized bounds.
func ParsePoolRange(s string) (string, string, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "/") {
		start, end, err := PoolFromCIDR(s)
		if err != nil {
			return "", "", err
		}
		return start.String(), end.String(), nil
	}

	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid pool %q: expected \"start - end\" or CIDR", s)
	}
	start, err := ParseIPv6(parts[0])
	if err != nil {
		return "", "", err
	}
	end, err := ParseIPv6(parts[1])
	if err != nil {
		return "", "", err
	}
	if start.Compare(end) > 0 {
		return "", "", fmt.Errorf("invalid pool %q: start after end", s)
	}
	return start.String(), end.String(), nil
}

func toIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), 128),
	}
}

func fromIP(ip net.IP) netip.Addr {
	a, _ := netip.AddrFromSlice(ip.To16())
	return a
}
