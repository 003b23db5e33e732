package httpx

import (
	"net"
	"net/http"
	"strings"
)

// UnknownIP is reported when no client address can be determined.
const UnknownIP = "unknown"

// ClientIPResolver trusts forwarding headers only from listed proxies.
// X-Forwarded-For is read right to left, so entries a client prepends are
// never used while a trusted hop sits to their right.
type ClientIPResolver struct {
	TrustedProxies []*net.IPNet
}

func (c ClientIPResolver) ClientIP(r *http.Request) string {
	remoteIP := ParseIP(r.RemoteAddr)
	if remoteIP != "" && c.isTrusted(remoteIP) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if candidate := c.forwardedFor(xff); candidate != "" {
				return candidate
			}
		}
		if realIP := ParseIP(r.Header.Get("X-Real-IP")); realIP != "" {
			return realIP
		}
	}
	if remoteIP == "" {
		return UnknownIP
	}
	return remoteIP
}

// forwardedFor returns the rightmost address not owned by a trusted proxy.
// When every hop is trusted it returns the leftmost parsed hop; an unparsable
// entry ends the walk.
func (c ClientIPResolver) forwardedFor(xff string) string {
	hops := strings.Split(xff, ",")
	last := ""
	for i := len(hops) - 1; i >= 0; i-- {
		ip := ParseIP(hops[i])
		if ip == "" {
			break
		}
		if !c.isTrusted(ip) {
			return ip
		}
		last = ip
	}
	return last
}

func (c ClientIPResolver) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range c.TrustedProxies {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// ParseIP accepts a bare IP or host:port and returns the IP, or "".
func ParseIP(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	if ip := net.ParseIP(addr); ip != nil {
		return ip.String()
	}
	return ""
}

// ParseCIDRs reads a comma-separated list of CIDRs or bare IPs. Invalid
// entries are skipped.
func ParseCIDRs(raw string) []*net.IPNet {
	var out []*net.IPNet
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if strings.Contains(part, "/") {
			if _, cidr, err := net.ParseCIDR(part); err == nil {
				out = append(out, cidr)
			}
			continue
		}
		ip := net.ParseIP(part)
		if ip == nil {
			continue
		}
		bits := 32
		if ip.To4() == nil {
			bits = 128
		}
		out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return out
}
