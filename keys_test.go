package domainlimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestKeyByIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		want       string
	}{
		{name: "ipv4", remoteAddr: "192.168.1.1:1234", want: "192.168.1.1"},
		{name: "ipv6", remoteAddr: "[::1]:8080", want: "::1"},
		{name: "no_port", remoteAddr: "192.168.1.1", want: "192.168.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tt.remoteAddr

			got, err := KeyByIP()(req)
			if err != nil {
				t.Fatalf("KeyByIP() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("KeyByIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKeyByRealIP(t *testing.T) {
	tests := []struct {
		name   string
		xff    string
		realIP string
		want   string
	}{
		{name: "xff_single_ip", xff: "10.0.0.1", want: "10.0.0.1"},
		{name: "xff_multiple_ips", xff: "10.0.0.1, 10.0.0.2, 10.0.0.3", want: "10.0.0.1"},
		{name: "xff_with_spaces", xff: "  10.0.0.1  ,  10.0.0.2  ", want: "10.0.0.1"},
		{name: "real_ip_fallback", realIP: "10.0.0.5", want: "10.0.0.5"},
		{name: "real_ip_with_spaces", realIP: "  10.0.0.5  ", want: "10.0.0.5"},
		{name: "xff_takes_precedence", xff: "10.0.0.1", realIP: "10.0.0.5", want: "10.0.0.1"},
		{name: "remote_addr_fallback", want: "192.0.2.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = "192.0.2.1:1234"
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			got, err := KeyByRealIP()(req)
			if err != nil {
				t.Fatalf("KeyByRealIP() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("KeyByRealIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestKeyByHeader(t *testing.T) {
	fn := KeyByHeader("X-Client-ID")

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	if _, err := fn(req); err == nil {
		t.Error("expected error for missing header")
	}

	req.Header.Set("X-Client-ID", "tenant-1")
	got, err := fn(req)
	if err != nil {
		t.Fatalf("KeyByHeader() error = %v", err)
	}
	if got != "tenant-1" {
		t.Errorf("KeyByHeader() = %q, want tenant-1", got)
	}
}

func TestKeyByEndpoint(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/users?page=2", http.NoBody)

	got, err := KeyByEndpoint()(req)
	if err != nil {
		t.Fatalf("KeyByEndpoint() error = %v", err)
	}
	if got != "POST:/api/users" {
		t.Errorf("KeyByEndpoint() = %q, want POST:/api/users", got)
	}
}

func TestCompositeKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api", http.NoBody)
	req.RemoteAddr = "10.0.0.1:1234"

	tests := []struct {
		name    string
		key     KeyFunc
		want    string
		wantErr bool
	}{
		{name: "named", key: CompositeKey("api", KeyByIP(), KeyByEndpoint()), want: "api:10.0.0.1:GET:/api"},
		{name: "unnamed", key: CompositeKey("", KeyByIP(), KeyByEndpoint()), want: "10.0.0.1:GET:/api"},
		{name: "name_only", key: CompositeKey("global"), want: "global"},
		{name: "error_propagates", key: CompositeKey("api", KeyByIP(), KeyByHeader("X-Missing")), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.key(req)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDomainFromHeaders(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		referer string
		want    string
	}{
		{name: "origin", origin: "https://a.com", referer: "https://b.com/page", want: "https://a.com"},
		{name: "referer", referer: "https://b.com/page", want: "https://b.com/page"},
		{name: "none", want: Wildcard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.referer != "" {
				req.Header.Set("Referer", tt.referer)
			}
			if got := DomainFromHeaders(req); got != tt.want {
				t.Errorf("DomainFromHeaders() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDomainFromOriginHost(t *testing.T) {
	tests := []struct {
		name    string
		origin  string
		referer string
		want    string
	}{
		{name: "origin_url", origin: "https://call-nic.com", want: "call-nic.com"},
		{name: "origin_with_port", origin: "http://localhost:3000", want: "localhost"},
		{name: "referer_url", referer: "https://a.com/some/page?q=1", want: "a.com"},
		{name: "bare_host", origin: "a.com", want: "a.com"},
		{name: "none", want: Wildcard},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.referer != "" {
				req.Header.Set("Referer", tt.referer)
			}
			if got := DomainFromOriginHost(req); got != tt.want {
				t.Errorf("DomainFromOriginHost() = %q, want %q", got, tt.want)
			}
		})
	}
}
