// Package policy implements the destination authorization engine. Every
// outbound dial and every outbound datagram is checked against a
// DestinationPolicy before the gateway touches the network on the client's
// behalf; without it the gateway is an open SSRF and port-scanning primitive.
//
// Evaluation is deny-first: the built-in private/reserved deny set (when
// private networks are disallowed), then explicit deny rules, then allow
// rules, then the default. A policy is immutable once built and safe for
// unsynchronized concurrent reads; reconfiguration swaps a whole policy
// through Store.
package policy

import (
	"errors"
	"fmt"
	"net/netip"
)

var ErrDenied = errors.New("destination denied by policy")

// PortRange is an inclusive port interval. A single port is Lo == Hi.
type PortRange struct {
	Lo uint16
	Hi uint16
}

func (r PortRange) Contains(port uint16) bool {
	return port >= r.Lo && port <= r.Hi
}

// DestinationPolicy decides whether a destination may be dialed. The zero
// value denies everything except what DefaultAllow permits; use the preset
// constructors or Config.Build for a fully specified policy.
type DestinationPolicy struct {
	// DefaultAllow is the outcome when no rule matches.
	DefaultAllow bool

	// AllowPrivateNetworks disables the built-in deny set covering
	// loopback, link-local, RFC1918, CGNAT, multicast, reserved and
	// broadcast ranges when true.
	AllowPrivateNetworks bool

	AllowCIDRs []netip.Prefix
	DenyCIDRs  []netip.Prefix
	AllowPorts []PortRange
	DenyPorts  []PortRange
}

// privateNetworks is the built-in deny set enforced whenever
// AllowPrivateNetworks is false, regardless of any other rule.
var privateNetworks = mustPrefixes(
	"0.0.0.0/8",          // "this network"
	"10.0.0.0/8",         // RFC1918
	"100.64.0.0/10",      // CGNAT
	"127.0.0.0/8",        // loopback
	"169.254.0.0/16",     // link-local
	"172.16.0.0/12",      // RFC1918
	"192.0.0.0/24",       // IETF protocol assignments
	"192.0.2.0/24",       // TEST-NET-1
	"192.168.0.0/16",     // RFC1918
	"198.18.0.0/15",      // benchmarking
	"198.51.100.0/24",    // TEST-NET-2
	"203.0.113.0/24",     // TEST-NET-3
	"224.0.0.0/4",        // multicast
	"240.0.0.0/4",        // reserved
	"255.255.255.255/32", // broadcast
	"::/128",             // unspecified
	"::1/128",            // loopback
	"fc00::/7",           // unique local
	"fe80::/10",          // link-local
	"ff00::/8",           // multicast
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		out = append(out, netip.MustParsePrefix(c))
	}
	return out
}

// NewProductionDestinationPolicy is the fail-closed default: nothing is
// reachable until explicitly allowed, and private networks stay denied.
func NewProductionDestinationPolicy() *DestinationPolicy {
	return &DestinationPolicy{DefaultAllow: false, AllowPrivateNetworks: false}
}

// NewDevDestinationPolicy permits everything, including private networks.
// Intended for local development and tests only.
func NewDevDestinationPolicy() *DestinationPolicy {
	return &DestinationPolicy{DefaultAllow: true, AllowPrivateNetworks: true}
}

// Authorize reports whether ip:port may be dialed. It returns nil to allow
// and an error wrapping ErrDenied (with the denying tier named) otherwise.
// Both the network and port dimensions must independently clear: an allow
// match on one never overrides a deny or a missing allow-list match on the
// other. Cost is linear in the number of configured rules.
func (p *DestinationPolicy) Authorize(ip netip.Addr, port uint16) error {
	ip = ip.Unmap()

	if !p.AllowPrivateNetworks && matchPrefixes(privateNetworks, ip) {
		return fmt.Errorf("%w: %s is in a private or reserved range", ErrDenied, ip)
	}
	if matchPrefixes(p.DenyCIDRs, ip) {
		return fmt.Errorf("%w: %s matches a deny rule", ErrDenied, ip)
	}
	if matchPorts(p.DenyPorts, port) {
		return fmt.Errorf("%w: port %d matches a deny rule", ErrDenied, port)
	}

	// Presence of explicit allow rules switches that dimension to
	// allow-list semantics.
	ipAllowed := matchPrefixes(p.AllowCIDRs, ip)
	if len(p.AllowCIDRs) > 0 && !ipAllowed {
		return fmt.Errorf("%w: %s not in the allow list", ErrDenied, ip)
	}
	portAllowed := matchPorts(p.AllowPorts, port)
	if len(p.AllowPorts) > 0 && !portAllowed {
		return fmt.Errorf("%w: port %d not in the allow list", ErrDenied, port)
	}

	if ipAllowed || portAllowed || p.DefaultAllow {
		return nil
	}
	return fmt.Errorf("%w: no rule allows %s:%d", ErrDenied, ip, port)
}

// AuthorizeIPv4 is Authorize for the 4-byte addresses carried by the proxy
// sub-protocol.
func (p *DestinationPolicy) AuthorizeIPv4(ip [4]byte, port uint16) error {
	return p.Authorize(netip.AddrFrom4(ip), port)
}

func matchPrefixes(prefixes []netip.Prefix, ip netip.Addr) bool {
	for _, pfx := range prefixes {
		if pfx.Contains(ip) {
			return true
		}
	}
	return false
}

func matchPorts(ranges []PortRange, port uint16) bool {
	for _, r := range ranges {
		if r.Contains(port) {
			return true
		}
	}
	return false
}
