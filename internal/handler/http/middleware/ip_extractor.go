package middleware

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"strings"
)

// IPExtractor extracts the client IP address of a request.
type IPExtractor interface {
	ExtractIP(r *http.Request) (string, error)
}

// RemoteAddrExtractor uses the address of the TCP peer. It cannot be
// spoofed by the client and is the default when no proxy is trusted.
type RemoteAddrExtractor struct{}

// ExtractIP strips the port from r.RemoteAddr.
//
//   - "192.168.1.1:54321" → "192.168.1.1"
//   - "[2001:db8::1]:8080" → "2001:db8::1"
//   - "127.0.0.1" → "127.0.0.1"
func (e *RemoteAddrExtractor) ExtractIP(r *http.Request) (string, error) {
	return extractIPFromAddr(r.RemoteAddr)
}

// TrustedProxyConfig lists the reverse proxies whose forwarding headers
// are believed.
type TrustedProxyConfig struct {
	AllowedCIDRs []netip.Prefix
}

// ParsePrefixes parses IPs and CIDR ranges such as "10.0.0.1",
// "172.16.0.0/12" or "2001:db8::/32". Single addresses become /32 or /128
// prefixes. Empty entries are skipped.
func ParsePrefixes(entries []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		prefix, err := netip.ParsePrefix(entry)
		if err != nil {
			addr, addrErr := netip.ParseAddr(entry)
			if addrErr != nil {
				return nil, fmt.Errorf("invalid address %q: must be an IP address or CIDR range", entry)
			}
			prefix = netip.PrefixFrom(addr, addr.BitLen())
		}
		prefixes = append(prefixes, prefix.Masked())
	}
	return prefixes, nil
}

// ParseTrustedProxies parses the trusted proxy list with ParsePrefixes.
func ParseTrustedProxies(entries []string) (TrustedProxyConfig, error) {
	prefixes, err := ParsePrefixes(entries)
	if err != nil {
		return TrustedProxyConfig{}, fmt.Errorf("trusted proxies: %w", err)
	}
	return TrustedProxyConfig{AllowedCIDRs: prefixes}, nil
}

// Enabled reports whether any proxy is trusted.
func (c TrustedProxyConfig) Enabled() bool {
	return len(c.AllowedCIDRs) > 0
}

// IsTrusted reports whether remoteAddr belongs to a trusted proxy.
func (c TrustedProxyConfig) IsTrusted(remoteAddr string) bool {
	ip, err := extractIPFromAddr(remoteAddr)
	if err != nil {
		return false
	}
	return containsIP(c.AllowedCIDRs, ip)
}

// containsIP reports whether ip lies in any of prefixes.
func containsIP(prefixes []netip.Prefix, ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, prefix := range prefixes {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// TrustedProxyExtractor reads X-Forwarded-For, then X-Real-IP, but only
// when the request arrives from a trusted proxy. Anything else falls back
// to RemoteAddr, so a client cannot rotate its identity by forging headers.
type TrustedProxyExtractor struct {
	config TrustedProxyConfig
}

// NewTrustedProxyExtractor creates a TrustedProxyExtractor.
func NewTrustedProxyExtractor(config TrustedProxyConfig) *TrustedProxyExtractor {
	return &TrustedProxyExtractor{config: config}
}

// NewIPExtractor returns a TrustedProxyExtractor when proxies are
// configured and a RemoteAddrExtractor otherwise.
func NewIPExtractor(config TrustedProxyConfig) IPExtractor {
	if config.Enabled() {
		return NewTrustedProxyExtractor(config)
	}
	return &RemoteAddrExtractor{}
}

// ExtractIP implements IPExtractor.
func (e *TrustedProxyExtractor) ExtractIP(r *http.Request) (string, error) {
	if !e.config.Enabled() {
		return extractIPFromAddr(r.RemoteAddr)
	}

	xff := r.Header.Get("X-Forwarded-For")
	xri := r.Header.Get("X-Real-IP")

	if !e.config.IsTrusted(r.RemoteAddr) {
		if xff != "" || xri != "" {
			slog.Warn("ignoring forwarding headers from untrusted peer",
				slog.String("remote_addr", r.RemoteAddr),
				slog.String("x_forwarded_for", xff),
				slog.String("x_real_ip", xri),
			)
		}
		return extractIPFromAddr(r.RemoteAddr)
	}

	if xff != "" {
		if ip := parseFirstIP(xff); ip != "" {
			return ip, nil
		}
	}
	if xri != "" {
		if addr, err := netip.ParseAddr(strings.TrimSpace(xri)); err == nil {
			return addr.String(), nil
		}
	}
	return extractIPFromAddr(r.RemoteAddr)
}

// extractIPFromAddr accepts "host:port" or a bare IP.
func extractIPFromAddr(addr string) (string, error) {
	if ap, err := netip.ParseAddrPort(addr); err == nil {
		return ap.Addr().Unmap().String(), nil
	}
	if a, err := netip.ParseAddr(strings.Trim(addr, "[]")); err == nil {
		return a.Unmap().String(), nil
	}
	return "", fmt.Errorf("invalid address format: %s", addr)
}

// parseFirstIP returns the client entry of an X-Forwarded-For list
// ("client, proxy1, proxy2"), or "" when it is not an IP.
func parseFirstIP(s string) string {
	first, _, _ := strings.Cut(s, ",")
	addr, err := netip.ParseAddr(strings.TrimSpace(first))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
