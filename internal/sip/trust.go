package sip

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
)

// SourceFilter limits which peers may offer calls to the card, usually the
// PBX the card sits behind. An empty filter trusts every source.
type SourceFilter struct {
	prefixes []netip.Prefix
	logger   *slog.Logger
}

// NewSourceFilter parses hosts, each an IP address or CIDR range, e.g.
// "203.0.113.10" or "198.51.100.0/24".
func NewSourceFilter(hosts []string, logger *slog.Logger) (*SourceFilter, error) {
	f := &SourceFilter{logger: logger.With("subsystem", "source-filter")}
	for _, h := range hosts {
		prefix, err := parseCIDROrIP(h)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted source %q: %w", h, err)
		}
		f.prefixes = append(f.prefixes, prefix.Masked())
	}
	if len(f.prefixes) > 0 {
		f.logger.Info("sip source filter enabled", "prefixes", len(f.prefixes))
	}
	return f, nil
}

// Allowed reports whether a request from source, an address with or
// without a port, may proceed.
func (f *SourceFilter) Allowed(source string) bool {
	if len(f.prefixes) == 0 {
		return true
	}
	addr, err := parseAddr(source)
	if err != nil {
		f.logger.Warn("failed to parse sip source address", "source", source, "error", err)
		return false
	}
	addr = addr.Unmap()
	for _, p := range f.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of trusted prefixes.
func (f *SourceFilter) Len() int {
	return len(f.prefixes)
}

// parseCIDROrIP parses a string as either a CIDR prefix or a single IP address.
// Single IPs are converted to /32 (IPv4) or /128 (IPv6) prefixes.
func parseCIDROrIP(s string) (netip.Prefix, error) {
	if prefix, err := netip.ParsePrefix(s); err == nil {
		return prefix, nil
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("not a valid ip or cidr: %s", s)
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

// parseAddr parses an IP string that may include a port (e.g. "192.168.1.1:5060")
// and returns just the address portion.
func parseAddr(s string) (netip.Addr, error) {
	if host, _, err := net.SplitHostPort(s); err == nil {
		return netip.ParseAddr(host)
	}
	return netip.ParseAddr(s)
}
