package middleware

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/timamz/SmartScale/internal/auth"
)

type forwardedKey struct{}

// ClientIdentity names the caller for rate limiting: the API key prefix when
// the request is authenticated, otherwise the client address.
func ClientIdentity(r *http.Request) string {
	if p, ok := auth.FromContext(r.Context()); ok && p.Prefix != "" {
		return "key:" + p.Prefix
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(forwardedKey{}).(string); ok {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// TrustProxies honours X-Forwarded-For only when the direct peer is inside
// one of trusted. The client is the rightmost hop that is not itself a
// trusted proxy. From any other peer the header is ignored.
func TrustProxies(trusted []netip.Prefix) func(http.Handler) http.Handler {
	isTrusted := func(s string) bool {
		addr, err := netip.ParseAddr(strings.TrimSpace(s))
		if err != nil {
			return false
		}
		addr = addr.Unmap()
		for _, p := range trusted {
			if p.Contains(addr) {
				return true
			}
		}
		return false
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fwd := r.Header.Get("X-Forwarded-For")
			peer, _, err := net.SplitHostPort(r.RemoteAddr)
			if len(trusted) == 0 || fwd == "" || err != nil || !isTrusted(peer) {
				next.ServeHTTP(w, r)
				return
			}

			hops := strings.Split(fwd, ",")
			client := ""
			for i := len(hops) - 1; i >= 0; i-- {
				hop := strings.TrimSpace(hops[i])
				if hop == "" {
					continue
				}
				client = hop
				if !isTrusted(hop) {
					break
				}
			}
			if client == "" {
				next.ServeHTTP(w, r)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), forwardedKey{}, client)))
		})
	}
}
