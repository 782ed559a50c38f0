package server

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/relayhq/agent-oauth/providers"
	"github.com/relayhq/agent-oauth/storage"
)

func TestStartDeviceAuthorization(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "")

	resp, err := srv.StartDeviceAuthorization(context.Background(), client.ClientID, "read write", "192.0.2.10")
	if err != nil {
		t.Fatalf("StartDeviceAuthorization() error = %v", err)
	}

	if resp.DeviceCode != "mock-device-code" {
		t.Errorf("DeviceCode = %q", resp.DeviceCode)
	}
	if resp.UserCode != "MOCK-CODE" {
		t.Errorf("UserCode = %q", resp.UserCode)
	}
	if resp.VerificationURI == "" {
		t.Error("expected verification URI")
	}
	if resp.Interval != 5 {
		t.Errorf("Interval = %d, want 5", resp.Interval)
	}
	if resp.ExpiresIn != 900 {
		t.Errorf("ExpiresIn = %d, want 900", resp.ExpiresIn)
	}
}

func TestStartDeviceAuthorization_MalformedClientID(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	_, err := srv.StartDeviceAuthorization(context.Background(), "not a client id", "", "192.0.2.10")
	if err == nil {
		t.Fatal("expected error for malformed client_id")
	}
	if !strings.Contains(err.Error(), ErrorCodeInvalidRequest) {
		t.Errorf("error = %v, want %s", err, ErrorCodeInvalidRequest)
	}
}

func TestStartDeviceAuthorization_UnknownClient(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	_, err := srv.StartDeviceAuthorization(context.Background(), "no-such-client", "", "192.0.2.10")
	if err == nil {
		t.Fatal("expected error for unknown client")
	}
	if !strings.Contains(err.Error(), ErrorCodeInvalidClient) {
		t.Errorf("error = %v, want %s", err, ErrorCodeInvalidClient)
	}
}

func TestStartDeviceAuthorization_ScopeNotAuthorized(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "")

	_, err := srv.StartDeviceAuthorization(context.Background(), client.ClientID, "read admin", "192.0.2.10")
	if err == nil {
		t.Fatal("expected error for scope outside client registration")
	}
	if !strings.Contains(err.Error(), ErrorCodeInvalidScope) {
		t.Errorf("error = %v, want %s", err, ErrorCodeInvalidScope)
	}
}

func TestStartDeviceAuthorization_RateLimited(t *testing.T) {
	srv, _ := newTestServer(t, &Config{DeviceCodeRateLimit: 1})
	client, _ := registerTestClient(t, srv, "")
	ctx := context.Background()

	if _, err := srv.StartDeviceAuthorization(ctx, client.ClientID, "", "192.0.2.10"); err != nil {
		t.Fatalf("first StartDeviceAuthorization() error = %v", err)
	}

	_, err := srv.StartDeviceAuthorization(ctx, client.ClientID, "", "192.0.2.10")
	rle, ok := AsRateLimitedError(err)
	if !ok {
		t.Fatalf("error = %v, want *RateLimitedError", err)
	}
	if rle.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", rle.RetryAfter)
	}
}

// Codes the upstream hands us are relayed to the client, so a malformed
// upstream response must not pass through.
func TestStartDeviceAuthorization_MalformedUpstreamCodes(t *testing.T) {
	srv, provider := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "")

	provider.DeviceAuthorizeFunc = func(_ context.Context, _, _ string) (*providers.DeviceAuthorization, error) {
		return &providers.DeviceAuthorization{
			DeviceCode:      "has spaces and $hell",
			UserCode:        "MOCK-CODE",
			VerificationURI: "https://mock.example.com/activate",
		}, nil
	}

	_, err := srv.StartDeviceAuthorization(context.Background(), client.ClientID, "", "192.0.2.10")
	if err == nil {
		t.Fatal("expected error for malformed upstream codes")
	}
	if !errors.Is(err, providers.ErrBackendInvalidResponse) {
		t.Errorf("error = %v, want ErrBackendInvalidResponse", err)
	}
}

func TestStartDeviceAuthorization_DefaultsApplied(t *testing.T) {
	srv, provider := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "")

	provider.DeviceAuthorizeFunc = func(_ context.Context, _, _ string) (*providers.DeviceAuthorization, error) {
		return &providers.DeviceAuthorization{
			DeviceCode:      "upstream-device-code",
			UserCode:        "ABCD-EFGH",
			VerificationURI: "https://mock.example.com/activate",
		}, nil
	}

	resp, err := srv.StartDeviceAuthorization(context.Background(), client.ClientID, "", "192.0.2.10")
	if err != nil {
		t.Fatalf("StartDeviceAuthorization() error = %v", err)
	}
	if resp.Interval != DefaultDevicePollInterval {
		t.Errorf("Interval = %d, want %d", resp.Interval, DefaultDevicePollInterval)
	}
	if resp.ExpiresIn != int(DefaultDeviceCodeLifetime.Seconds()) {
		t.Errorf("ExpiresIn = %d, want %d", resp.ExpiresIn, int(DefaultDeviceCodeLifetime.Seconds()))
	}
}

func TestPollDeviceToken(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "")
	ctx := context.Background()

	if _, err := srv.StartDeviceAuthorization(ctx, client.ClientID, "read write", "192.0.2.10"); err != nil {
		t.Fatalf("StartDeviceAuthorization() error = %v", err)
	}

	token, scope, err := srv.PollDeviceToken(ctx, client.ClientID, "mock-device-code", "192.0.2.10")
	if err != nil {
		t.Fatalf("PollDeviceToken() error = %v", err)
	}

	if token.AccessToken == "" {
		t.Error("expected access token")
	}
	if token.RefreshToken == "" {
		t.Error("expected refresh token")
	}
	if scope != "read write" {
		t.Errorf("scope = %q, want %q (upstream grant)", scope, "read write")
	}

	// The subject resolved from the upstream shows up on introspection
	result, err := srv.IntrospectToken(ctx, token.AccessToken)
	if err != nil {
		t.Fatalf("IntrospectToken() error = %v", err)
	}
	if result.UserID != "mock-user-123" {
		t.Errorf("UserID = %q, want mock-user-123", result.UserID)
	}

	// The device authorization is consumed; another poll starts from scratch
	if _, _, err := srv.PollDeviceToken(ctx, client.ClientID, "mock-device-code", "192.0.2.10"); err == nil {
		t.Error("consumed device code should not be pollable")
	}
}

func TestPollDeviceToken_MalformedDeviceCode(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "")

	_, _, err := srv.PollDeviceToken(context.Background(), client.ClientID, "bad code!", "192.0.2.10")
	if err == nil {
		t.Fatal("expected error for malformed device_code")
	}
	if !strings.Contains(err.Error(), ErrorCodeInvalidRequest) {
		t.Errorf("error = %v, want %s", err, ErrorCodeInvalidRequest)
	}
}

func TestPollDeviceToken_UnknownCode(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "")

	_, _, err := srv.PollDeviceToken(context.Background(), client.ClientID, "never-issued", "192.0.2.10")
	if err == nil {
		t.Fatal("expected error for unknown device code")
	}
	if !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
		t.Errorf("error = %v, want %s", err, ErrorCodeInvalidGrant)
	}
}

func TestPollDeviceToken_ClientMismatch(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	clientA, _ := registerTestClient(t, srv, "")
	clientB, _ := registerTestClient(t, srv, "")
	ctx := context.Background()

	if _, err := srv.StartDeviceAuthorization(ctx, clientA.ClientID, "", "192.0.2.10"); err != nil {
		t.Fatalf("StartDeviceAuthorization() error = %v", err)
	}

	_, _, err := srv.PollDeviceToken(ctx, clientB.ClientID, "mock-device-code", "192.0.2.10")
	if err == nil {
		t.Fatal("expected error when a different client polls the code")
	}
	if !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
		t.Errorf("error = %v, want %s", err, ErrorCodeInvalidGrant)
	}
}

// authorization_pending is a protocol state, not a failure: it passes through
// unchanged and the flow stays alive for the next poll.
func TestPollDeviceToken_Pending(t *testing.T) {
	srv, provider := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "")
	ctx := context.Background()

	if _, err := srv.StartDeviceAuthorization(ctx, client.ClientID, "read write", "192.0.2.10"); err != nil {
		t.Fatalf("StartDeviceAuthorization() error = %v", err)
	}

	provider.ExchangeDeviceCodeFunc = func(_ context.Context, _, _ string) (*oauth2.Token, error) {
		return nil, &providers.UpstreamError{
			Code:        "authorization_pending",
			Description: "user has not approved yet",
			Status:      400,
		}
	}

	_, _, err := srv.PollDeviceToken(ctx, client.ClientID, "mock-device-code", "192.0.2.10")
	ue, ok := providers.AsUpstreamError(err)
	if !ok {
		t.Fatalf("error = %v, want *UpstreamError", err)
	}
	if ue.Code != "authorization_pending" {
		t.Errorf("Code = %q, want authorization_pending", ue.Code)
	}

	// Approval on a later poll still succeeds
	provider.ExchangeDeviceCodeFunc = approvedDeviceExchange
	if _, _, err := srv.PollDeviceToken(ctx, client.ClientID, "mock-device-code", "192.0.2.10"); err != nil {
		t.Fatalf("poll after approval error = %v", err)
	}
}

// access_denied is terminal: the in-flight authorization dies with it.
func TestPollDeviceToken_AccessDeniedEndsFlow(t *testing.T) {
	srv, provider := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "")
	ctx := context.Background()

	if _, err := srv.StartDeviceAuthorization(ctx, client.ClientID, "", "192.0.2.10"); err != nil {
		t.Fatalf("StartDeviceAuthorization() error = %v", err)
	}

	provider.ExchangeDeviceCodeFunc = func(_ context.Context, _, _ string) (*oauth2.Token, error) {
		return nil, &providers.UpstreamError{Code: "access_denied", Status: 400}
	}

	_, _, err := srv.PollDeviceToken(ctx, client.ClientID, "mock-device-code", "192.0.2.10")
	if ue, ok := providers.AsUpstreamError(err); !ok || ue.Code != "access_denied" {
		t.Fatalf("error = %v, want access_denied passthrough", err)
	}

	// Even an approving upstream cannot resurrect the flow
	provider.ExchangeDeviceCodeFunc = approvedDeviceExchange
	_, _, err = srv.PollDeviceToken(ctx, client.ClientID, "mock-device-code", "192.0.2.10")
	if err == nil {
		t.Fatal("terminal device authorization should not be pollable")
	}
	if !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
		t.Errorf("error = %v, want %s", err, ErrorCodeInvalidGrant)
	}
}

// A device code that aged out locally answers expired_token, not
// invalid_grant (RFC 8628 section 3.5), and the stale record is dropped.
func TestPollDeviceToken_ExpiredLocally(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	client, _ := registerTestClient(t, srv, "")
	ctx := context.Background()

	auth := &storage.DeviceAuthorization{
		DeviceCode: "stale-device-code",
		UserCode:   "ABCD-EFGH",
		ClientID:   client.ClientID,
		Scope:      "read write",
		CreatedAt:  time.Now().Add(-30 * time.Minute),
		ExpiresAt:  time.Now().Add(-15 * time.Minute),
	}
	if err := srv.flowStore.SaveDeviceAuthorization(ctx, auth); err != nil {
		t.Fatalf("SaveDeviceAuthorization() error = %v", err)
	}

	_, _, err := srv.PollDeviceToken(ctx, client.ClientID, "stale-device-code", "192.0.2.10")
	if err == nil {
		t.Fatal("expected error for expired device code")
	}
	if !strings.Contains(err.Error(), ErrorCodeExpiredToken) {
		t.Errorf("error = %v, want %s", err, ErrorCodeExpiredToken)
	}

	// The record is gone: a later poll sees an unknown code
	_, _, err = srv.PollDeviceToken(ctx, client.ClientID, "stale-device-code", "192.0.2.10")
	if err == nil || !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
		t.Errorf("second poll error = %v, want %s", err, ErrorCodeInvalidGrant)
	}
}

func TestPollDeviceToken_RateLimited(t *testing.T) {
	srv, _ := newTestServer(t, &Config{DevicePollRateLimit: 1})
	client, _ := registerTestClient(t, srv, "")
	ctx := context.Background()

	if _, err := srv.StartDeviceAuthorization(ctx, client.ClientID, "", "192.0.2.10"); err != nil {
		t.Fatalf("StartDeviceAuthorization() error = %v", err)
	}
	if _, _, err := srv.PollDeviceToken(ctx, client.ClientID, "mock-device-code", "192.0.2.10"); err != nil {
		t.Fatalf("first PollDeviceToken() error = %v", err)
	}

	_, _, err := srv.PollDeviceToken(ctx, client.ClientID, "mock-device-code", "192.0.2.10")
	rle, ok := AsRateLimitedError(err)
	if !ok {
		t.Fatalf("error = %v, want *RateLimitedError", err)
	}
	if rle.RetryAfter <= 0 {
		t.Errorf("RetryAfter = %v, want > 0", rle.RetryAfter)
	}
}

// approvedDeviceExchange is an upstream that reports the user approved.
func approvedDeviceExchange(_ context.Context, _, _ string) (*oauth2.Token, error) {
	token := &oauth2.Token{
		AccessToken:  "mock-upstream-access",
		TokenType:    "Bearer",
		RefreshToken: "mock-upstream-refresh",
		Expiry:       time.Now().Add(time.Hour),
	}
	return token.WithExtra(map[string]any{"scope": "read write"}), nil
}
