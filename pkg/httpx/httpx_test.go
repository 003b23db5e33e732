package httpx

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestWriteJSONAndError(t *testing.T) {
	rr := httptest.NewRecorder()
	Error(rr, http.StatusTooManyRequests, "rate_limited")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if got := rr.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("expected application/json, got %q", got)
	}
	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if body["error"] != "rate_limited" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestSecurityHeadersMiddleware(t *testing.T) {
	h := SecurityHeadersMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	for _, k := range []string{"X-Content-Type-Options", "Content-Security-Policy", "Cache-Control"} {
		if rr.Header().Get(k) == "" {
			t.Fatalf("missing header %s", k)
		}
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	tests := []struct {
		name        string
		allowed     string
		method      string
		origin      string
		preflight   bool
		wantStatus  int
		wantReflect bool
	}{
		{"no origin passes", "https://a.test", http.MethodGet, "", false, 200, false},
		{"allowed simple", "https://a.test/", http.MethodGet, "https://A.test", false, 200, true},
		{"allowed preflight", "https://a.test", http.MethodOptions, "https://a.test", true, 204, true},
		{"denied preflight", "https://a.test", http.MethodOptions, "https://evil.test", true, 403, false},
		{"denied simple passes without headers", "https://a.test", http.MethodGet, "https://evil.test", false, 200, false},
		{"wildcard", "*", http.MethodGet, "https://any.test", false, 200, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/v1/facts", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.preflight {
				req.Header.Set("Access-Control-Request-Method", "GET")
			}
			rr := httptest.NewRecorder()
			CORSMiddleware(tt.allowed)(next).ServeHTTP(rr, req)
			if rr.Code != tt.wantStatus {
				t.Fatalf("expected %d got %d", tt.wantStatus, rr.Code)
			}
			got := rr.Header().Get("Access-Control-Allow-Origin")
			if tt.wantReflect != (got == tt.origin) {
				t.Fatalf("unexpected allow origin %q", got)
			}
			if tt.wantReflect && !strings.Contains(rr.Header().Get("Access-Control-Allow-Headers"), "X-Pixel-Signature") {
				t.Fatal("expected pixel headers to be allowed")
			}
		})
	}
}

func TestReadBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("hello"))
	rr := httptest.NewRecorder()
	body, ok := ReadBody(rr, req, 16)
	if !ok || string(body) != "hello" {
		t.Fatalf("expected body, got %q %v", body, ok)
	}

	req = httptest.NewRequest(http.MethodPost, "/", strings.NewReader(strings.Repeat("x", 32)))
	rr = httptest.NewRecorder()
	if _, ok := ReadBody(rr, req, 16); ok {
		t.Fatal("expected oversized body to be rejected")
	}
	if rr.Code != http.StatusRequestEntityTooLarge || !strings.Contains(rr.Body.String(), "request_body_too_large") {
		t.Fatalf("unexpected response %d %s", rr.Code, rr.Body.String())
	}
}

func TestClientIP(t *testing.T) {
	resolver := ClientIPResolver{TrustedProxies: ParseCIDRs("10.0.0.0/8, 192.0.2.1, bogus")}
	tests := []struct {
		name   string
		remote string
		xff    string
		realIP string
		want   string
	}{
		{"direct", "198.51.100.7:5555", "", "", "198.51.100.7"},
		{"untrusted proxy ignored", "198.51.100.7:5555", "203.0.113.1", "", "198.51.100.7"},
		{"trusted cidr uses xff", "10.1.2.3:80", "203.0.113.1, 10.1.2.3", "", "203.0.113.1"},
		{"spoofed leftmost entry ignored", "10.1.2.3:80", "1.2.3.4, 198.51.100.7", "", "198.51.100.7"},
		{"trusted hops skipped from the right", "10.1.2.3:80", "6.6.6.6, 198.51.100.7, 10.9.9.9", "", "198.51.100.7"},
		{"all hops trusted", "10.1.2.3:80", "10.4.4.4, 10.5.5.5", "", "10.4.4.4"},
		{"garbage left of client", "10.1.2.3:80", "nonsense, 198.51.100.7", "", "198.51.100.7"},
		{"trusted single ip uses real ip", "192.0.2.1:80", "garbage", "203.0.113.2", "203.0.113.2"},
		{"trusted without headers", "10.1.2.3:80", "", "", "10.1.2.3"},
		{"ipv6", "[2001:db8::1]:443", "", "", "2001:db8::1"},
		{"unresolvable", "pipe", "", "", UnknownIP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := resolver.ClientIP(req); got != tt.want {
				t.Fatalf("expected %q got %q", tt.want, got)
			}
		})
	}
}

func TestParseCIDRs(t *testing.T) {
	nets := ParseCIDRs("10.0.0.0/8, ::1, nope, ,192.168.0.0/33")
	if len(nets) != 2 {
		t.Fatalf("expected 2 networks, got %d", len(nets))
	}
	if ones, bits := nets[1].Mask.Size(); ones != 128 || bits != 128 {
		t.Fatalf("expected /128 for bare ipv6, got /%d of %d", ones, bits)
	}
	if ParseCIDRs("") != nil {
		t.Fatal("expected nil for empty input")
	}
}
