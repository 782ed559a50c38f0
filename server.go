package oauth

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/relayhq/agent-oauth/instrumentation"
	"github.com/relayhq/agent-oauth/security"
	"github.com/relayhq/agent-oauth/server"
	"github.com/relayhq/agent-oauth/storage"
	"github.com/relayhq/agent-oauth/storage/memory"
)

// Server is the composition root: it builds the core OAuth server together
// with storage and the security components described by a Config (encryptor,
// auditor, rate limiters) and owns their lifecycle.
type Server struct {
	core   *server.Server
	config *Config
	logger *slog.Logger

	// memStore is set when this Server owns a memory-backed store and must
	// stop its cleanup goroutine on shutdown
	memStore *memory.Store

	// registrationLimiter throttles dynamic client registration attempts per IP
	registrationLimiter *security.WindowLimiter

	rateLimiter          *security.RateLimiter
	userRateLimiter      *security.RateLimiter
	securityEventLimiter *security.RateLimiter

	inst *instrumentation.Instrumentation
}

// New creates a memory-backed OAuth server from the configuration. The
// in-memory store serves development and single-instance deployments; use
// NewWithStorage to plug in a shared backend.
func New(config *Config) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	store := memory.NewWithInterval(config.CleanupInterval)
	srv, err := NewWithStorage(config, store, store, store)
	if err != nil {
		store.Stop()
		return nil, err
	}

	if config.Logger != nil {
		store.SetLogger(config.Logger)
	}
	srv.memStore = store
	return srv, nil
}

// NewWithStorage creates an OAuth server on top of caller-provided storage
// backends. The caller keeps ownership of the stores; Stop will not touch
// them.
func NewWithStorage(config *Config, tokenStore storage.TokenStore, clientStore storage.ClientStore, flowStore storage.FlowStore) (*Server, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Provider == nil {
		return nil, fmt.Errorf("upstream provider is required")
	}
	if config.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	core, err := server.New(config.Provider, tokenStore, clientStore, flowStore, config.toServerConfig(), logger)
	if err != nil {
		return nil, err
	}

	srv := &Server{
		core:   core,
		config: config,
		logger: logger,
	}

	if err := srv.wireSecurity(); err != nil {
		core.Stop()
		return nil, err
	}

	return srv, nil
}

// wireSecurity builds the encryptor, auditor and rate limiters from the
// configuration and attaches them to the core server.
func (s *Server) wireSecurity() error {
	if key := s.config.Security.EncryptionKey; key != nil {
		enc, err := security.NewEncryptor(key)
		if err != nil {
			return fmt.Errorf("invalid encryption key: %w", err)
		}
		s.core.SetEncryptor(enc)
	}

	s.core.SetAuditor(security.NewAuditor(s.logger, s.config.Security.EnableAuditLogging))

	if s.config.RateLimit.Rate > 0 {
		s.rateLimiter = security.NewRateLimiter(
			s.config.RateLimit.Rate, s.config.RateLimit.Burst, s.logger)
		s.core.SetRateLimiter(s.rateLimiter)
	}
	if s.config.RateLimit.UserRate > 0 {
		s.userRateLimiter = security.NewRateLimiter(
			s.config.RateLimit.UserRate, s.config.RateLimit.UserBurst, s.logger)
	}

	// Repeated security events (token reuse probes, bad assertions) must not
	// flood the logs; errors above this rate degrade to debug level
	s.securityEventLimiter = security.NewRateLimiter(1, 5, s.logger)
	s.core.SetSecurityEventRateLimiter(s.securityEventLimiter)

	maxRegistrations := s.config.Registration.MaxRegistrationsPerHour
	if maxRegistrations <= 0 {
		maxRegistrations = DefaultMaxClientsPerIP
	}
	s.registrationLimiter = security.NewWindowLimiter(maxRegistrations, time.Hour, s.logger)

	return nil
}

// Core exposes the underlying OAuth server for callers that need direct
// access to the grant operations (most callers should go through Handler).
func (s *Server) Core() *server.Server {
	return s.core
}

// SetInstrumentation wires OpenTelemetry instrumentation into the core server
// and storage. Call before NewHandler so the HTTP layer picks up the tracer.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	s.core.SetInstrumentation(inst)
}

// Stop shuts down the background goroutines this Server owns: the core
// server's limiters and replay store, the registration limiter, the rate
// limiters built from the config, and the memory store when New created one.
func (s *Server) Stop() {
	s.core.Stop()

	if s.registrationLimiter != nil {
		s.registrationLimiter.Stop()
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.userRateLimiter != nil {
		s.userRateLimiter.Stop()
	}
	if s.securityEventLimiter != nil {
		s.securityEventLimiter.Stop()
	}
	if s.memStore != nil {
		s.memStore.Stop()
	}
}

// GenerateEncryptionKey generates a new AES-256 key for token encryption at
// rest. Store it securely; tokens encrypted under a lost key are unrecoverable.
func GenerateEncryptionKey() ([]byte, error) {
	return security.GenerateKey()
}
