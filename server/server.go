package server

import (
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"github.com/relayhq/agent-oauth/instrumentation"
	"github.com/relayhq/agent-oauth/providers"
	"github.com/relayhq/agent-oauth/security"
	"github.com/relayhq/agent-oauth/storage"
)

// Server implements the OAuth 2.1 authorization server logic
// (provider-agnostic). It coordinates the grant flows using a Provider and
// storage backends, resolves CIMD clients through the metadata fetcher, and
// authenticates private_key_jwt clients through the assertion authenticator.
type Server struct {
	provider    providers.Provider
	tokenStore  storage.TokenStore
	clientStore storage.ClientStore
	flowStore   storage.FlowStore

	cimd       *CIMDFetcher
	clientAuth *JWTClientAuthenticator

	// Sliding-window limiters for the device flow (per client / per device code)
	deviceIssueLimiter *security.WindowLimiter
	devicePollLimiter  *security.WindowLimiter

	Encryptor                *security.Encryptor
	Auditor                  *security.Auditor
	RateLimiter              *security.RateLimiter // per-IP request limiter
	SecurityEventRateLimiter *security.RateLimiter // caps security event log volume
	Logger                   *slog.Logger
	Config                   *Config

	instrumentation *instrumentation.Instrumentation
}

// New assembles a server from its provider, stores, config and logger. A nil
// config gets secure defaults and a nil logger falls back to slog.Default;
// the other dependencies are mandatory.
func New(
	provider providers.Provider,
	tokenStore storage.TokenStore,
	clientStore storage.ClientStore,
	flowStore storage.FlowStore,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	for _, dep := range []struct {
		missing bool
		name    string
	}{
		{provider == nil, "provider"},
		{tokenStore == nil, "token store"},
		{clientStore == nil, "client store"},
		{flowStore == nil, "flow store"},
	} {
		if dep.missing {
			return nil, fmt.Errorf("%s is required", dep.name)
		}
	}

	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	config = applySecureDefaults(config, logger)

	srv := &Server{
		provider:    provider,
		tokenStore:  tokenStore,
		clientStore: clientStore,
		flowStore:   flowStore,
		Config:      config,
		Logger:      logger,
	}

	// OAuth 2.1 forbids a plain-HTTP issuer outside localhost
	if err := srv.validateHTTPSEnforcement(); err != nil {
		return nil, err
	}

	srv.cimd = NewCIMDFetcher(config, logger)
	srv.clientAuth = NewJWTClientAuthenticator(srv.cimd, config, logger)

	srv.deviceIssueLimiter = security.NewWindowLimiter(
		config.DeviceCodeRateLimit, config.DeviceRateWindow, logger)
	srv.devicePollLimiter = security.NewWindowLimiter(
		config.DevicePollRateLimit, config.DeviceRateWindow, logger)

	type retentionSetter interface {
		SetRevokedFamilyRetentionDays(days int64)
	}
	if setter, ok := tokenStore.(retentionSetter); ok {
		setter.SetRevokedFamilyRetentionDays(config.RevokedFamilyRetentionDays)
	}

	return srv, nil
}

// CIMD returns the client metadata fetcher for URL-shaped client IDs.
func (s *Server) CIMD() *CIMDFetcher {
	return s.cimd
}

// ClientAuthenticator returns the private_key_jwt assertion authenticator.
func (s *Server) ClientAuthenticator() *JWTClientAuthenticator {
	return s.clientAuth
}

// SetEncryptor installs the encryptor on the server and, when the token store
// supports encryption at rest, on the store as well.
func (s *Server) SetEncryptor(enc *security.Encryptor) {
	s.Encryptor = enc

	type encryptorSetter interface {
		SetEncryptor(*security.Encryptor)
	}
	if setter, ok := s.tokenStore.(encryptorSetter); ok {
		setter.SetEncryptor(enc)
	}
}

// SetAuditor installs the security auditor on the server, the metadata
// fetcher and the assertion authenticator.
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	if s.cimd != nil {
		s.cimd.SetAuditor(aud)
	}
	if s.clientAuth != nil {
		s.clientAuth.SetAuditor(aud)
	}
}

// SetRateLimiter installs the per-IP request limiter.
func (s *Server) SetRateLimiter(rl *security.RateLimiter) {
	s.RateLimiter = rl
}

// SetSecurityEventRateLimiter installs the limiter that keeps repeated
// security events from flooding the logs.
func (s *Server) SetSecurityEventRateLimiter(rl *security.RateLimiter) {
	s.SecurityEventRateLimiter = rl
}

// SetInstrumentation wires OpenTelemetry instrumentation into the server and,
// when the storage backend supports it, into storage as well.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst

	type instrumentationSetter interface {
		SetInstrumentation(*instrumentation.Instrumentation)
	}
	if setter, ok := s.tokenStore.(instrumentationSetter); ok {
		setter.SetInstrumentation(inst)
	}
}

// metrics returns the metrics holder, or nil when instrumentation is not wired.
func (s *Server) metrics() *instrumentation.Metrics {
	if s.instrumentation == nil {
		return nil
	}
	return s.instrumentation.Metrics()
}

// Stop shuts down background goroutines owned by the server: the device flow
// window limiters and the assertion replay store. Storage and rate limiters
// passed in from outside are the caller's to stop.
func (s *Server) Stop() {
	if s.deviceIssueLimiter != nil {
		s.deviceIssueLimiter.Stop()
	}
	if s.devicePollLimiter != nil {
		s.devicePollLimiter.Stop()
	}
	if s.clientAuth != nil {
		s.clientAuth.Stop()
	}
}

// generateRandomToken returns a URL-safe random string sized for tokens and
// codes, reusing the oauth2 package's PKCE verifier generator.
func generateRandomToken() string {
	return oauth2.GenerateVerifier()
}
