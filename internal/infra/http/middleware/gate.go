package middleware

import (
	"net"
	"net/http"
)

// Allowlist is the set of networks allowed to reach admin routes.
type Allowlist []*net.IPNet

// Permits reports whether remoteAddr, in host:port or bare host form, falls inside the list.
func (a Allowlist) Permits(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, n := range a {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// Gate serves next only to permitted remote addresses. An empty list denies everyone.
func (a Allowlist) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Permits(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}
