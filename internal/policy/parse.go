package policy

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// Preset selects a base policy before rule lists are applied.
type Preset string

const (
	PresetProduction Preset = "production"
	PresetDev        Preset = "dev"
)

// ParsePreset parses a preset name. Unknown names are an error, not a
// permissive fallback.
func ParsePreset(raw string) (Preset, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(PresetProduction), "prod":
		return PresetProduction, nil
	case string(PresetDev), "development":
		return PresetDev, nil
	default:
		return "", fmt.Errorf("unknown destination policy preset %q (expected production or dev)", raw)
	}
}

// Config is the buildable form of a DestinationPolicy, assembled from the
// environment, flags, or a rule file.
type Config struct {
	Preset               Preset
	AllowPrivateNetworks *bool // nil = preset default
	AllowCIDRs           []netip.Prefix
	DenyCIDRs            []netip.Prefix
	AllowPorts           []PortRange
	DenyPorts            []PortRange
}

// Build produces the immutable policy. The preset decides DefaultAllow and
// the private-network default; explicit rule lists are carried over as-is.
func (c Config) Build() (*DestinationPolicy, error) {
	var p *DestinationPolicy
	switch c.Preset {
	case PresetProduction, "":
		p = NewProductionDestinationPolicy()
	case PresetDev:
		p = NewDevDestinationPolicy()
	default:
		return nil, fmt.Errorf("unknown destination policy preset %q", c.Preset)
	}
	if c.AllowPrivateNetworks != nil {
		p.AllowPrivateNetworks = *c.AllowPrivateNetworks
	}
	p.AllowCIDRs = c.AllowCIDRs
	p.DenyCIDRs = c.DenyCIDRs
	p.AllowPorts = c.AllowPorts
	p.DenyPorts = c.DenyPorts
	return p, nil
}

// ParseCIDRList parses a comma-separated list of network prefixes. A bare
// address is treated as a single-host prefix. Empty entries are skipped.
func ParseCIDRList(raw string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			addr, err := netip.ParseAddr(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", entry, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		pfx, err := netip.ParsePrefix(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
		}
		out = append(out, pfx.Masked())
	}
	return out, nil
}

// ParsePortRanges parses a comma-separated list of ports and inclusive
// ranges, e.g. "53,123,30000-30100".
func ParsePortRanges(raw string) ([]PortRange, error) {
	var out []PortRange
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		lo, hi, found := strings.Cut(entry, "-")
		loPort, err := parsePort(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid port range %q: %w", entry, err)
		}
		hiPort := loPort
		if found {
			hiPort, err = parsePort(hi)
			if err != nil {
				return nil, fmt.Errorf("invalid port range %q: %w", entry, err)
			}
		}
		if hiPort < loPort {
			return nil, fmt.Errorf("invalid port range %q: %d > %d", entry, loPort, hiPort)
		}
		out = append(out, PortRange{Lo: loPort, Hi: hiPort})
	}
	return out, nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 16)
	if err != nil {
		return 0, fmt.Errorf("port %q out of range (0-65535)", s)
	}
	return uint16(v), nil
}
