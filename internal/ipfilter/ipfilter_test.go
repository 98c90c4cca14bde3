package ipfilter

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNew(t *testing.T) {
	tests := []struct {
		name      string
		allowed   []string
		wantCount int
	}{
		{"empty list", []string{}, 0},
		{"single IP", []string{"192.168.1.1"}, 1},
		{"CIDR range", []string{"10.0.0.0/8"}, 1},
		{"multiple entries", []string{"192.168.1.1", "10.0.0.0/8", "172.16.0.0/12"}, 3},
		{"with whitespace", []string{"  192.168.1.1  ", " 10.0.0.0/8 "}, 2},
		{"invalid entries ignored", []string{"192.168.1.1", "invalid", "10.0.0.0/33"}, 1},
		{"IPv6", []string{"::1", "2001:db8::/32"}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.allowed, newTestLogger())
			if f.Count() != tt.wantCount {
				t.Errorf("Count() = %d, want %d", f.Count(), tt.wantCount)
			}
			if f.Enabled() != (tt.wantCount > 0) {
				t.Errorf("Enabled() = %v, want %v", f.Enabled(), tt.wantCount > 0)
			}
		})
	}
}

func TestIsAllowed(t *testing.T) {
	f := New([]string{"192.168.1.100", "10.0.0.0/8", "172.16.0.0/12", "::1", "fe80::/10"}, newTestLogger())

	tests := []struct {
		ip      string
		allowed bool
	}{
		{"192.168.1.100", true},
		{"192.168.1.101", false},
		{"10.255.255.255", true},
		{"11.0.0.1", false},
		{"172.31.255.255", true},
		{"172.32.0.1", false},
		{"::ffff:10.1.2.3", true},
		{"::1", true},
		{"fe80::1", true},
		{"2001:db8::1", false},
		{"not-an-ip", false},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := f.IsAllowedString(tt.ip); got != tt.allowed {
				t.Errorf("IsAllowedString(%s) = %v, want %v", tt.ip, got, tt.allowed)
			}
		})
	}
}

func TestEmptyFilterAllowsAll(t *testing.T) {
	f := New(nil, newTestLogger())
	if !f.IsAllowed(netip.MustParseAddr("203.0.113.9")) {
		t.Error("empty filter should allow every address")
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{"remote addr with port", false, "192.168.1.100:12345", nil, "192.168.1.100"},
		{"remote addr without port", false, "192.168.1.100", nil, "192.168.1.100"},
		{"headers ignored by default", false, "127.0.0.1:1", map[string]string{"X-Forwarded-For": "10.0.0.1"}, "127.0.0.1"},
		{"forwarded for first hop", true, "127.0.0.1:1", map[string]string{"X-Forwarded-For": "10.0.0.1, 192.168.1.1"}, "10.0.0.1"},
		{"real ip", true, "127.0.0.1:1", map[string]string{"X-Real-IP": "172.16.0.1"}, "172.16.0.1"},
		{"forwarded for wins", true, "127.0.0.1:1", map[string]string{"X-Forwarded-For": "10.0.0.1", "X-Real-IP": "172.16.0.1"}, "10.0.0.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(nil, newTestLogger()).TrustProxyHeaders(tt.trustProxy)

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}

			addr, ok := f.ClientIP(req)
			if !ok {
				t.Fatal("ClientIP() failed")
			}
			if addr.String() != tt.want {
				t.Errorf("ClientIP() = %s, want %s", addr, tt.want)
			}
		})
	}
}

func TestHTTPMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name       string
		allowed    []string
		remoteAddr string
		wantStatus int
	}{
		{"no filtering when empty", nil, "1.2.3.4:5", http.StatusOK},
		{"allowed", []string{"192.168.1.0/24"}, "192.168.1.100:5", http.StatusOK},
		{"denied", []string{"192.168.1.0/24"}, "10.0.0.1:5", http.StatusForbidden},
		{"unparseable", []string{"192.168.1.0/24"}, "garbage", http.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := New(tt.allowed, newTestLogger())

			req := httptest.NewRequest(http.MethodGet, "/hooks", nil)
			req.RemoteAddr = tt.remoteAddr
			rec := httptest.NewRecorder()

			f.HTTPMiddleware(ok).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}
