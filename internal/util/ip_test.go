package util

import (
	"net"
	"testing"
)

func mustParseIP(t *testing.T, s string) net.IP {
	t.Helper()
	ip := net.ParseIP(s)
	if ip == nil {
		t.Fatalf("failed to parse IP %q", s)
	}
	return ip
}

func TestClassifyIP(t *testing.T) {
	tests := []struct {
		ip   string
		want IPClassification
	}{
		{"0.0.0.0", IPClassificationUnspecified},
		{"::", IPClassificationUnspecified},

		{"127.0.0.1", IPClassificationLoopback},
		{"127.255.255.255", IPClassificationLoopback},
		{"::1", IPClassificationLoopback},

		// 169.254.169.254 is the cloud metadata endpoint; its whole range is
		// link-local and must never be reachable through a fetched URL
		{"169.254.0.1", IPClassificationLinkLocal},
		{"169.254.169.254", IPClassificationLinkLocal},
		{"fe80::1", IPClassificationLinkLocal},
		{"ff02::1", IPClassificationLinkLocal},

		{"10.0.0.1", IPClassificationPrivate},
		{"172.16.0.1", IPClassificationPrivate},
		{"192.168.1.1", IPClassificationPrivate},
		{"fc00::1", IPClassificationPrivate},
		{"fd00::1", IPClassificationPrivate},

		{"8.8.8.8", IPClassificationPublic},
		{"1.1.1.1", IPClassificationPublic},
		{"2001:4860:4860::8888", IPClassificationPublic},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			if got := ClassifyIP(mustParseIP(t, tt.ip)); got != tt.want {
				t.Errorf("ClassifyIP(%s) = %v, want %v", tt.ip, got, tt.want)
			}
		})
	}

	t.Run("nil", func(t *testing.T) {
		if got := ClassifyIP(nil); got != IPClassificationUnspecified {
			t.Errorf("ClassifyIP(nil) = %v, want unspecified", got)
		}
	})
}

func TestIPClassificationString(t *testing.T) {
	tests := []struct {
		classification IPClassification
		want           string
	}{
		{IPClassificationPublic, "public"},
		{IPClassificationLoopback, "loopback"},
		{IPClassificationPrivate, "private"},
		{IPClassificationLinkLocal, "link_local"},
		{IPClassificationUnspecified, "unspecified"},
		{IPClassification(99), "unknown"},
	}

	for _, tt := range tests {
		if got := tt.classification.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestIsLinkLocal(t *testing.T) {
	linkLocal := []string{"169.254.0.1", "169.254.169.254", "fe80::1", "ff02::1"}
	for _, s := range linkLocal {
		if !IsLinkLocal(mustParseIP(t, s)) {
			t.Errorf("IsLinkLocal(%s) = false, want true", s)
		}
	}

	notLinkLocal := []string{"8.8.8.8", "10.0.0.1", "127.0.0.1"}
	for _, s := range notLinkLocal {
		if IsLinkLocal(mustParseIP(t, s)) {
			t.Errorf("IsLinkLocal(%s) = true, want false", s)
		}
	}
}

func TestIsPrivateOrInternal(t *testing.T) {
	internal := []string{"10.0.0.1", "127.0.0.1", "169.254.0.1", "0.0.0.0"}
	for _, s := range internal {
		if !IsPrivateOrInternal(mustParseIP(t, s)) {
			t.Errorf("IsPrivateOrInternal(%s) = false, want true", s)
		}
	}

	if IsPrivateOrInternal(mustParseIP(t, "8.8.8.8")) {
		t.Error("IsPrivateOrInternal(8.8.8.8) = true, want false")
	}
}

func TestIsLoopbackHostname(t *testing.T) {
	tests := []struct {
		hostname string
		want     bool
	}{
		{"localhost", true},
		{"127.0.0.1", true},
		{"127.255.255.255", true},
		{"::1", true},
		{"[::1]", true},
		{"10.0.0.1", false},
		{"example.com", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsLoopbackHostname(tt.hostname); got != tt.want {
			t.Errorf("IsLoopbackHostname(%q) = %v, want %v", tt.hostname, got, tt.want)
		}
	}
}
