package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/relayhq/agent-oauth/providers/mock"
	"github.com/relayhq/agent-oauth/storage"
	storagemock "github.com/relayhq/agent-oauth/storage/mock"
)

// mockStores bundles the overridable storage mocks behind a server, for
// tests that inject storage failures into otherwise healthy flows.
type mockStores struct {
	tokens  *storagemock.MockTokenStore
	clients *storagemock.MockClientStore
	flows   *storagemock.MockFlowStore
}

func newMockBackedServer(t *testing.T) (*Server, *mockStores) {
	t.Helper()

	stores := &mockStores{
		tokens:  storagemock.NewMockTokenStore(),
		clients: storagemock.NewMockClientStore(),
		flows:   storagemock.NewMockFlowStore(),
	}

	config := &Config{
		Issuer:               "https://auth.example.com",
		DisableDNSValidation: true,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	srv, err := New(mock.NewMockProvider(), stores.tokens, stores.clients, stores.flows, config, logger)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(srv.Stop)

	return srv, stores
}

func TestRegisterClient_StoreIPLimitRejected(t *testing.T) {
	srv, stores := newMockBackedServer(t)

	stores.clients.CheckIPLimitFunc = func(_ context.Context, _ string, _ int) error {
		return errors.New("too many clients registered from this IP")
	}

	_, _, err := srv.RegisterClient(context.Background(),
		"Test Client", "", "",
		[]string{"https://example.com/callback"}, nil,
		"192.0.2.10", 10)
	if err == nil {
		t.Fatal("expected registration to fail when the store rejects the IP")
	}

	// rejection happens before anything is persisted
	if got := stores.clients.GetCallCount("SaveClient"); got != 0 {
		t.Errorf("SaveClient called %d times, want 0", got)
	}
}

func TestExchangeAuthorizationCode_SaveAccessTokenFails(t *testing.T) {
	srv, stores := newMockBackedServer(t)
	ctx := context.Background()

	client, _ := registerTestClient(t, srv, "")
	code, verifier := issueTestCode(t, srv, client.ClientID)

	stores.tokens.SaveAccessTokenFunc = func(_ context.Context, _ *storage.AccessToken) error {
		return errors.New("storage backend unavailable")
	}

	_, _, err := srv.ExchangeAuthorizationCode(ctx,
		code, client.ClientID, "https://example.com/callback", verifier)
	if err == nil {
		t.Fatal("expected exchange to fail when the access token cannot be saved")
	}
	if !strings.Contains(err.Error(), "failed to save access token") {
		t.Errorf("error = %v, want save failure", err)
	}
}

func TestExchangeAuthorizationCode_ConsumesCodeAtomically(t *testing.T) {
	srv, stores := newMockBackedServer(t)
	ctx := context.Background()

	client, _ := registerTestClient(t, srv, "")
	code, verifier := issueTestCode(t, srv, client.ClientID)

	if _, _, err := srv.ExchangeAuthorizationCode(ctx,
		code, client.ClientID, "https://example.com/callback", verifier); err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	if _, _, err := srv.ExchangeAuthorizationCode(ctx,
		code, client.ClientID, "https://example.com/callback", verifier); err == nil {
		t.Fatal("second exchange of the same code must fail")
	}

	// both attempts went through the atomic consume, never the plain lookup
	if got := stores.flows.GetCallCount("AtomicCheckAndMarkAuthCodeUsed"); got != 2 {
		t.Errorf("AtomicCheckAndMarkAuthCodeUsed called %d times, want 2", got)
	}
	if got := stores.flows.GetCallCount("GetAuthorizationCode"); got != 0 {
		t.Errorf("GetAuthorizationCode called %d times, want 0", got)
	}
}

func TestRefreshAccessToken_ReuseRevokesFamilyViaStore(t *testing.T) {
	srv, stores := newMockBackedServer(t)
	ctx := context.Background()

	client, _ := registerTestClient(t, srv, "")
	code, verifier := issueTestCode(t, srv, client.ClientID)

	initial, _, err := srv.ExchangeAuthorizationCode(ctx,
		code, client.ClientID, "https://example.com/callback", verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}
	if _, _, err := srv.RefreshAccessToken(ctx, initial.RefreshToken, client.ClientID, ""); err != nil {
		t.Fatalf("RefreshAccessToken() error = %v", err)
	}

	// replay the rotated-out token: the family metadata left behind in the
	// store is what turns this into a reuse detection
	_, _, err = srv.RefreshAccessToken(ctx, initial.RefreshToken, client.ClientID, "")
	if err == nil {
		t.Fatal("replaying a rotated-out refresh token must fail")
	}
	if !strings.Contains(err.Error(), ErrorCodeInvalidGrant) {
		t.Errorf("error = %v, want %s", err, ErrorCodeInvalidGrant)
	}

	if got := stores.tokens.GetCallCount("RevokeRefreshTokenFamily"); got != 1 {
		t.Errorf("RevokeRefreshTokenFamily called %d times, want 1", got)
	}
	if got := stores.tokens.GetCallCount("RevokeAllTokensForUserClient"); got != 1 {
		t.Errorf("RevokeAllTokensForUserClient called %d times, want 1", got)
	}
}

func TestRefreshAccessToken_SaveRefreshTokenFails(t *testing.T) {
	srv, stores := newMockBackedServer(t)
	ctx := context.Background()

	client, _ := registerTestClient(t, srv, "")
	code, verifier := issueTestCode(t, srv, client.ClientID)

	initial, _, err := srv.ExchangeAuthorizationCode(ctx,
		code, client.ClientID, "https://example.com/callback", verifier)
	if err != nil {
		t.Fatalf("exchange error = %v", err)
	}

	stores.tokens.SaveRefreshTokenFunc = func(_ context.Context, _ *storage.RefreshToken) error {
		return errors.New("storage backend unavailable")
	}

	_, _, err = srv.RefreshAccessToken(ctx, initial.RefreshToken, client.ClientID, "")
	if err == nil {
		t.Fatal("expected refresh to fail when the successor cannot be saved")
	}
	if !strings.Contains(err.Error(), "failed to save refresh token") {
		t.Errorf("error = %v, want save failure", err)
	}
}

func TestRevokeToken_UnknownOnStoreErrors(t *testing.T) {
	srv, stores := newMockBackedServer(t)

	// lookups failing hard look the same as a token that never existed,
	// and RFC 7009 reports success either way
	stores.tokens.GetAccessTokenFunc = func(_ context.Context, _ string) (*storage.AccessToken, error) {
		return nil, errors.New("storage backend unavailable")
	}
	stores.tokens.GetRefreshTokenFunc = func(_ context.Context, _ string) (*storage.RefreshToken, error) {
		return nil, errors.New("storage backend unavailable")
	}

	if err := srv.RevokeToken(context.Background(), "some-token", "some-client", "192.0.2.10"); err != nil {
		t.Errorf("RevokeToken() error = %v, want nil", err)
	}
}
