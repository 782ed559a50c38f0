package security

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func ipRequest(remoteAddr, forwardedFor, realIP string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = remoteAddr
	if forwardedFor != "" {
		req.Header.Set("X-Forwarded-For", forwardedFor)
	}
	if realIP != "" {
		req.Header.Set("X-Real-IP", realIP)
	}
	return req
}

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		forwardedFor      string
		realIP            string
		trustProxy        bool
		trustedProxyCount int
		want              string
	}{
		{name: "direct connection", remoteAddr: "192.168.1.100:12345", want: "192.168.1.100"},
		{name: "ipv6 remote address", remoteAddr: "[::1]:12345", want: "::1"},
		{name: "remote address without port", remoteAddr: "192.168.1.100", want: "192.168.1.100"},
		{
			name:         "forwarded-for honored when trusted",
			remoteAddr:   "10.0.0.1:12345",
			forwardedFor: "203.0.113.1, 10.0.0.2",
			trustProxy:   true,
			want:         "203.0.113.1",
		},
		{
			name:         "forwarded-for ignored without trust",
			remoteAddr:   "10.0.0.1:12345",
			forwardedFor: "203.0.113.1",
			want:         "10.0.0.1",
		},
		{
			name:       "real-ip honored when trusted",
			remoteAddr: "10.0.0.1:12345",
			realIP:     "203.0.113.1",
			trustProxy: true,
			want:       "203.0.113.1",
		},
		{
			name:       "real-ip ignored without trust",
			remoteAddr: "10.0.0.1:12345",
			realIP:     "203.0.113.1",
			want:       "10.0.0.1",
		},
		{
			name:              "two trusted proxies",
			remoteAddr:        "10.0.0.1:12345",
			forwardedFor:      "203.0.113.1, 10.0.0.2, 10.0.0.3",
			trustProxy:        true,
			trustedProxyCount: 2,
			want:              "203.0.113.1",
		},
		{
			name:         "whitespace tolerated",
			remoteAddr:   "10.0.0.1:12345",
			forwardedFor: " 203.0.113.1 , 10.0.0.2 ",
			trustProxy:   true,
			want:         "203.0.113.1",
		},
		{
			name:         "non-IP forwarded value falls back to remote addr",
			remoteAddr:   "10.0.0.1:12345",
			forwardedFor: "not-an-ip",
			trustProxy:   true,
			want:         "10.0.0.1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := ipRequest(tt.remoteAddr, tt.forwardedFor, tt.realIP)
			if got := GetClientIP(req, tt.trustProxy, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetClientIP_ForwardedForWinsOverRealIP(t *testing.T) {
	req := ipRequest("10.0.0.1:12345", "203.0.113.1", "203.0.113.2")
	if got := GetClientIP(req, true, 0); got != "203.0.113.1" {
		t.Errorf("GetClientIP() = %q, want the X-Forwarded-For client", got)
	}
}

func TestClientIPFromForwardedFor_ProxyCounts(t *testing.T) {
	tests := []struct {
		name              string
		forwardedFor      string
		trustedProxyCount int
		want              string
	}{
		{"zero count defaults to one proxy", "203.0.113.1, 10.0.0.2", 0, "203.0.113.1"},
		{"one proxy", "203.0.113.1, 10.0.0.2", 1, "203.0.113.1"},
		{"two proxies", "203.0.113.1, 10.0.0.2, 10.0.0.3", 2, "203.0.113.1"},
		{"more proxies than entries clamps left", "203.0.113.1", 5, "203.0.113.1"},
		{"spoofed left entry skipped", "6.6.6.6, 203.0.113.1, 10.0.0.2, 10.0.0.3", 2, "203.0.113.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clientIPFromForwardedFor(tt.forwardedFor, tt.trustedProxyCount); got != tt.want {
				t.Errorf("clientIPFromForwardedFor(%q, %d) = %q, want %q",
					tt.forwardedFor, tt.trustedProxyCount, got, tt.want)
			}
		})
	}
}
