// Package allowlist restricts which device addresses the bridge will manage
package allowlist

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNotAllowed is returned for addresses outside every allowed network
var ErrNotAllowed = errors.New("address is not in the allowlist")

// List is a set of networks. The zero value and nil allow every address.
type List struct {
	nets []*net.IPNet
}

// New parses entries as CIDR networks or single addresses
func New(entries []string) (*List, error) {
	l := &List{}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("invalid allowlist entry %q", e)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			l.nets = append(l.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("invalid allowlist entry %q: %w", e, err)
		}
		l.nets = append(l.nets, n)
	}
	return l, nil
}

// Validate checks that ip is inside an allowed network. A restricted list
// only accepts literal addresses.
func (l *List) Validate(ip string) error {
	if l.IsOpen() {
		return nil
	}
	addr := net.ParseIP(ip)
	if addr == nil {
		return fmt.Errorf("invalid device address %q", ip)
	}
	for _, n := range l.nets {
		if n.Contains(addr) {
			return nil
		}
	}
	return fmt.Errorf("%s: %w", ip, ErrNotAllowed)
}

// IsAllowed returns true if ip passes Validate
func (l *List) IsAllowed(ip string) bool {
	return l.Validate(ip) == nil
}

// IsOpen reports whether the list allows every address
func (l *List) IsOpen() bool {
	return l == nil || len(l.nets) == 0
}

// Networks returns the allowed networks in CIDR notation
func (l *List) Networks() []string {
	if l == nil {
		return nil
	}
	out := make([]string, 0, len(l.nets))
	for _, n := range l.nets {
		out = append(out, n.String())
	}
	return out
}
