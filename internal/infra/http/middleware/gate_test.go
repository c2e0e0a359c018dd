package middleware

import (
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAllowlist(t *testing.T) {
	_, lo, _ := net.ParseCIDR("127.0.0.0/8")
	_, v6, _ := net.ParseCIDR("::1/128")
	a := Allowlist{lo, v6}
	cases := map[string]bool{
		"127.0.0.1:5000": true,
		"[::1]:80":       true,
		"10.1.2.3:443":   false,
		"127.0.0.9":      true,
		"not-an-ip":      false,
	}
	for addr, want := range cases {
		if got := a.Permits(addr); got != want {
			t.Fatalf("Permits(%q) = %v, want %v", addr, got, want)
		}
	}

	h := a.Gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) }))
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.RemoteAddr = "192.168.0.2:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
	req.RemoteAddr = "127.0.0.1:1234"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
