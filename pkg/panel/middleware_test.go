package panel

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gamedock/gamedock/pkg/config"
)

func testServerWithOrigins(origins ...string) *Server {
	return &Server{cfg: config.PanelConfig{
		AgentUsername:  "admin",
		AgentPassword:  "hunter2",
		AllowedOrigins: origins,
	}}
}

func TestOriginAllowList(t *testing.T) {
	cases := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{"empty list denies", nil, "https://example.com", false},
		{"exact match", []string{"https://example.com"}, "https://example.com", true},
		{"case insensitive", []string{"https://Example.com"}, "https://example.com", true},
		{"wildcard", []string{"*"}, "https://anything.dev", true},
		{"different host", []string{"https://example.com"}, "https://evil.com", false},
		{"scheme matters", []string{"https://example.com"}, "http://example.com", false},
		{"malformed origin", []string{"*"}, "not a url", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := testServerWithOrigins(tc.origins...)
			if got := s.isOriginAllowed(tc.origin); got != tc.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tc.origin, got, tc.want)
			}
		})
	}
}

func TestWebSocketOriginSameHostAllowed(t *testing.T) {
	s := testServerWithOrigins()

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Host = "panel.local:8080"
	r.Header.Set("Origin", "http://panel.local:8080")
	if !s.isWebSocketOriginAllowed(r) {
		t.Fatal("same-host origin should be allowed")
	}

	r.Header.Set("Origin", "http://elsewhere.example")
	if s.isWebSocketOriginAllowed(r) {
		t.Fatal("foreign origin should be denied without an allow list")
	}

	r.Header.Del("Origin")
	if !s.isWebSocketOriginAllowed(r) {
		t.Fatal("missing origin (non-browser client) should be allowed")
	}
}

func TestCheckCredentials(t *testing.T) {
	s := testServerWithOrigins()
	if !s.checkCredentials("admin", "hunter2") {
		t.Fatal("valid credentials rejected")
	}
	if s.checkCredentials("admin", "wrong") {
		t.Fatal("wrong password accepted")
	}
	if s.checkCredentials("", "") {
		t.Fatal("empty credentials accepted")
	}

	unconfigured := &Server{cfg: config.PanelConfig{}}
	if unconfigured.checkCredentials("", "") {
		t.Fatal("unconfigured panel must deny everything")
	}
}

func TestUnauthenticatedEndpoints(t *testing.T) {
	open := []string{"/healthz", "/ws", "/api/server-check"}
	for _, path := range open {
		if !isUnauthenticatedEndpoint(path) {
			t.Errorf("%s should skip basic auth", path)
		}
	}
	closed := []string{"/", "/metrics", "/api/server/status", "/api/session/connect"}
	for _, path := range closed {
		if isUnauthenticatedEndpoint(path) {
			t.Errorf("%s should require basic auth", path)
		}
	}
}

func TestIPLimiterIsolatesClients(t *testing.T) {
	l := newIPLimiter(1, 1)
	if !l.Allow("10.0.0.1") {
		t.Fatal("first request should pass")
	}
	if l.Allow("10.0.0.1") {
		t.Fatal("burst exceeded, second request should fail")
	}
	if !l.Allow("10.0.0.2") {
		t.Fatal("another client should have its own bucket")
	}

	var nilLimiter *ipLimiter
	if !nilLimiter.Allow("10.0.0.1") {
		t.Fatal("nil limiter means no limiting")
	}
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.7:61234"
	if ip := clientIP(r); ip != "192.0.2.7" {
		t.Fatalf("clientIP = %q", ip)
	}
	r.RemoteAddr = "nohost"
	if ip := clientIP(r); ip != "nohost" {
		t.Fatalf("clientIP fallback = %q", ip)
	}
}
