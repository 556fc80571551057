package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP resolves the address the rate limiter keys on.
//
// With trustProxy off, the peer address is the client: forwarding headers
// are attacker-controlled and ignored. With trustProxy on, the rightmost
// trustedProxyCount entries of X-Forwarded-For belong to our own proxies
// and the entry just left of them is the client; X-Real-IP is the fallback
// when no usable X-Forwarded-For entry exists.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromForwarded(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPFromForwarded picks the client entry out of an X-Forwarded-For
// list. Hops accumulate left to right, so everything left of our own
// proxies is unverified text; counting from the right is what makes a
// spoofed prefix harmless. A trustedProxyCount of 0 is treated as 1, since
// the header is only consulted when at least one proxy is trusted. When
// the list is shorter than the proxy chain, the leftmost entry is used.
func clientIPFromForwarded(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	hops := strings.Split(xff, ",")

	proxies := trustedProxyCount
	if proxies == 0 {
		proxies = 1
	}
	client := len(hops) - proxies - 1
	if client < 0 {
		client = 0
	}

	ip := strings.TrimSpace(hops[client])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
