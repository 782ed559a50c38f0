// Package mock provides a scriptable Provider for tests. Every method
// counts its calls and defers to an optional per-method override; without an
// override it returns a canned successful response, so the zero value stands
// in for a healthy upstream.
package mock

import (
	"context"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/relayhq/agent-oauth/providers"
)

// MockProvider implements providers.Provider for tests. Set the *Func fields
// to script behavior; leave them nil for the defaults.
type MockProvider struct {
	NameFunc               func() string
	DeviceAuthorizeFunc    func(ctx context.Context, clientID, scope string) (*providers.DeviceAuthorization, error)
	ExchangeDeviceCodeFunc func(ctx context.Context, clientID, deviceCode string) (*oauth2.Token, error)
	VerifyFunc             func(ctx context.Context, accessToken string) (*providers.TokenInfo, error)
	RefreshFunc            func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	RevokeFunc             func(ctx context.Context, token string) error

	mu         sync.RWMutex
	callCounts map[string]int
}

// NewMockProvider returns a mock with all defaults in place.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// record counts a call. The lock is released before any override runs so an
// override may call back into the mock.
func (m *MockProvider) record(method string) {
	m.mu.Lock()
	if m.callCounts == nil {
		m.callCounts = make(map[string]int)
	}
	m.callCounts[method]++
	m.mu.Unlock()
}

// GetCallCount returns how many times a method was called.
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.callCounts[method]
}

// ResetCallCounts clears all call counters.
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	m.callCounts = nil
	m.mu.Unlock()
}

func (m *MockProvider) Name() string {
	m.record("Name")
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

// DeviceAuthorize starts a device authorization at the mock upstream.
func (m *MockProvider) DeviceAuthorize(ctx context.Context, clientID, scope string) (*providers.DeviceAuthorization, error) {
	m.record("DeviceAuthorize")
	if m.DeviceAuthorizeFunc != nil {
		return m.DeviceAuthorizeFunc(ctx, clientID, scope)
	}
	return &providers.DeviceAuthorization{
		DeviceCode:      "mock-device-code",
		UserCode:        "MOCK-CODE",
		VerificationURI: "https://mock.example.com/activate",
		ExpiresIn:       900,
		Interval:        5,
	}, nil
}

// ExchangeDeviceCode polls the mock upstream with a device code.
func (m *MockProvider) ExchangeDeviceCode(ctx context.Context, clientID, deviceCode string) (*oauth2.Token, error) {
	m.record("ExchangeDeviceCode")
	if m.ExchangeDeviceCodeFunc != nil {
		return m.ExchangeDeviceCodeFunc(ctx, clientID, deviceCode)
	}
	return upstreamToken("mock-upstream-access", "mock-upstream-refresh"), nil
}

// Verify checks an access token against the mock upstream.
func (m *MockProvider) Verify(ctx context.Context, accessToken string) (*providers.TokenInfo, error) {
	m.record("Verify")
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, accessToken)
	}
	return &providers.TokenInfo{
		Active:    true,
		UserID:    "mock-user-123",
		ClientID:  "mock-client",
		Scopes:    []string{"read", "write"},
		ExpiresAt: time.Now().Add(time.Hour),
	}, nil
}

// Refresh exchanges a refresh token at the mock upstream.
func (m *MockProvider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	m.record("Refresh")
	if m.RefreshFunc != nil {
		return m.RefreshFunc(ctx, refreshToken)
	}
	return upstreamToken("new-mock-upstream-access", "new-mock-upstream-refresh"), nil
}

// Revoke revokes a token at the mock upstream.
func (m *MockProvider) Revoke(ctx context.Context, token string) error {
	m.record("Revoke")
	if m.RevokeFunc != nil {
		return m.RevokeFunc(ctx, token)
	}
	return nil
}

// upstreamToken builds the shape of token a real provider hands back,
// including the scope extra field the grant logic reads.
func upstreamToken(accessToken, refreshToken string) *oauth2.Token {
	token := &oauth2.Token{
		AccessToken:  accessToken,
		TokenType:    "Bearer",
		RefreshToken: refreshToken,
		Expiry:       time.Now().Add(time.Hour),
	}
	return token.WithExtra(map[string]any{"scope": "read write"})
}
