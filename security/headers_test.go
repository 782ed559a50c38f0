package security

import (
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	want := map[string]string{
		"X-Frame-Options":         "DENY",
		"X-Content-Type-Options":  "nosniff",
		"X-XSS-Protection":        "1; mode=block",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store, no-cache, must-revalidate, private",
		"Pragma":                  "no-cache",
	}

	tests := []struct {
		name     string
		issuer   string
		wantHSTS bool
	}{
		{"https issuer", "https://auth.example.com", true},
		{"http issuer", "http://localhost:8080", false},
		{"unparseable issuer", "://invalid", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			SetSecurityHeaders(w, tt.issuer)

			for name, value := range want {
				if got := w.Header().Get(name); got != value {
					t.Errorf("%s = %q, want %q", name, got, value)
				}
			}

			hsts := w.Header().Get("Strict-Transport-Security")
			if tt.wantHSTS && hsts != "max-age=31536000; includeSubDomains" {
				t.Errorf("Strict-Transport-Security = %q", hsts)
			}
			if !tt.wantHSTS && hsts != "" {
				t.Errorf("Strict-Transport-Security must not be set for %q, got %q", tt.issuer, hsts)
			}
		})
	}
}
