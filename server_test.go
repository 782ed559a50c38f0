package oauth

import (
	"strings"
	"testing"

	"github.com/relayhq/agent-oauth/providers/mock"
	"github.com/relayhq/agent-oauth/storage/memory"
)

func TestNew(t *testing.T) {
	srv, err := New(&Config{
		Issuer:   "https://auth.example.com",
		Provider: mock.NewMockProvider(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Stop()

	if srv.Core() == nil {
		t.Error("Core() should not be nil")
	}
}

func TestNew_NilConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Error("New(nil) should fail")
	}
}

func TestNew_MissingProvider(t *testing.T) {
	_, err := New(&Config{Issuer: "https://auth.example.com"})
	if err == nil {
		t.Fatal("New() without provider should fail")
	}
	if !strings.Contains(err.Error(), "provider") {
		t.Errorf("error = %v, should mention the provider", err)
	}
}

func TestNew_MissingIssuer(t *testing.T) {
	_, err := New(&Config{Provider: mock.NewMockProvider()})
	if err == nil {
		t.Fatal("New() without issuer should fail")
	}
	if !strings.Contains(err.Error(), "issuer") {
		t.Errorf("error = %v, should mention the issuer", err)
	}
}

func TestNew_InsecureIssuerRejected(t *testing.T) {
	_, err := New(&Config{
		Issuer:   "http://auth.example.com",
		Provider: mock.NewMockProvider(),
	})
	if err == nil {
		t.Fatal("New() with a plain HTTP issuer should fail")
	}
}

func TestNew_InsecureIssuerAllowedWhenOptedIn(t *testing.T) {
	srv, err := New(&Config{
		Issuer:   "http://localhost:8080",
		Provider: mock.NewMockProvider(),
		Security: SecurityConfig{AllowInsecureHTTP: true},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.Stop()
}

func TestNewWithStorage(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	srv, err := NewWithStorage(&Config{
		Issuer:   "https://auth.example.com",
		Provider: mock.NewMockProvider(),
	}, store, store, store)
	if err != nil {
		t.Fatalf("NewWithStorage() error = %v", err)
	}
	defer srv.Stop()

	// Caller-provided stores are not owned by the server
	if srv.memStore != nil {
		t.Error("NewWithStorage() must not take ownership of the store")
	}
}

func TestNew_InvalidEncryptionKey(t *testing.T) {
	_, err := New(&Config{
		Issuer:   "https://auth.example.com",
		Provider: mock.NewMockProvider(),
		Security: SecurityConfig{EncryptionKey: []byte("too-short")},
	})
	if err == nil {
		t.Fatal("New() with a short encryption key should fail")
	}
	if !strings.Contains(err.Error(), "encryption key") {
		t.Errorf("error = %v, should mention the encryption key", err)
	}
}

func TestNew_WithEncryptionKey(t *testing.T) {
	key, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey() error = %v", err)
	}

	srv, err := New(&Config{
		Issuer:   "https://auth.example.com",
		Provider: mock.NewMockProvider(),
		Security: SecurityConfig{EncryptionKey: key},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	srv.Stop()
}

func TestNew_RateLimitersWired(t *testing.T) {
	srv, err := New(&Config{
		Issuer:   "https://auth.example.com",
		Provider: mock.NewMockProvider(),
		RateLimit: RateLimitConfig{
			Rate:      5,
			Burst:     10,
			UserRate:  2,
			UserBurst: 4,
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Stop()

	if srv.rateLimiter == nil {
		t.Error("IP rate limiter should be built when Rate > 0")
	}
	if srv.userRateLimiter == nil {
		t.Error("client rate limiter should be built when UserRate > 0")
	}
	if srv.registrationLimiter == nil {
		t.Error("registration limiter should always be built")
	}
	if srv.securityEventLimiter == nil {
		t.Error("security event limiter should always be built")
	}
}

func TestNew_RateLimitersDisabledByDefault(t *testing.T) {
	srv, err := New(&Config{
		Issuer:   "https://auth.example.com",
		Provider: mock.NewMockProvider(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer srv.Stop()

	if srv.rateLimiter != nil {
		t.Error("IP rate limiter should be nil when Rate is zero")
	}
	if srv.userRateLimiter != nil {
		t.Error("client rate limiter should be nil when UserRate is zero")
	}
}

func TestServer_Stop(t *testing.T) {
	srv, err := New(&Config{
		Issuer:   "https://auth.example.com",
		Provider: mock.NewMockProvider(),
		RateLimit: RateLimitConfig{
			Rate:     5,
			Burst:    10,
			UserRate: 2,
		},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	srv.Stop()
}

func TestGenerateEncryptionKey(t *testing.T) {
	key, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey() error = %v", err)
	}
	if len(key) != 32 {
		t.Errorf("key length = %d, want 32", len(key))
	}

	other, err := GenerateEncryptionKey()
	if err != nil {
		t.Fatalf("GenerateEncryptionKey() error = %v", err)
	}
	if string(key) == string(other) {
		t.Error("consecutive keys should differ")
	}
}
