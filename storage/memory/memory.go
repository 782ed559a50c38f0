package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/relayhq/agent-oauth/instrumentation"
	"github.com/relayhq/agent-oauth/internal/util"
	"github.com/relayhq/agent-oauth/security"
	"github.com/relayhq/agent-oauth/storage"
)

const (
	// tokenIDLogLength limits token values in log output to a short prefix
	tokenIDLogLength = 8

	// Family metadata grows by one entry per rotation and is only pruned by
	// the cleanup loop, so unbounded growth is an attack signal. Past the
	// soft threshold cleanup logs a warning; past the hard limit new saves
	// are refused.
	maxFamilyMetadataEntries     = 10000
	hardMaxFamilyMetadataEntries = 50000
)

// refreshTokenFamily is the per-token family record behind reuse detection.
type refreshTokenFamily struct {
	FamilyID   string
	UserID     string
	ClientID   string
	Generation int
	IssuedAt   time.Time
	Revoked    bool
	RevokedAt  time.Time
}

// Store is an in-memory implementation of all storage interfaces.
type Store struct {
	mu sync.RWMutex

	// Keyed by opaque token value. Upstream tokens wrapped inside access
	// token records are encrypted at rest when an encryptor is set.
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken

	// Family metadata keyed by refresh token value. Outlives the token itself
	// so rotated-out tokens can still be recognized when replayed.
	refreshTokenFamilies map[string]*refreshTokenFamily

	clients      map[string]*storage.Client
	clientsPerIP map[string]int

	authCodes   map[string]*storage.AuthorizationCode
	deviceAuths map[string]*storage.DeviceAuthorization

	encryptor *security.Encryptor

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	meter           metric.Meter

	// Map sizes mirrored into atomics so metric callbacks never take s.mu
	accessTokensCountAtomic  atomic.Int64
	refreshTokensCountAtomic atomic.Int64
	clientsCountAtomic       atomic.Int64
	deviceAuthsCountAtomic   atomic.Int64
	familiesCountAtomic      atomic.Int64

	cleanupInterval            time.Duration
	revokedFamilyRetentionDays int64
	stopCleanup                chan struct{}
	stopOnce                   sync.Once
	logger                     *slog.Logger
}

var (
	_ storage.TokenStore              = (*Store)(nil)
	_ storage.ClientStore             = (*Store)(nil)
	_ storage.FlowStore               = (*Store)(nil)
	_ storage.RefreshTokenFamilyStore = (*Store)(nil)
	_ storage.TokenRevocationStore    = (*Store)(nil)
)

// New creates an in-memory store with a one-minute cleanup interval and the
// default 90-day revoked family retention.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory store sweeping expired entries every
// cleanupInterval. Zero or negative falls back to one minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		accessTokens:               make(map[string]*storage.AccessToken),
		refreshTokens:              make(map[string]*storage.RefreshToken),
		refreshTokenFamilies:       make(map[string]*refreshTokenFamily),
		clients:                    make(map[string]*storage.Client),
		clientsPerIP:               make(map[string]int),
		authCodes:                  make(map[string]*storage.AuthorizationCode),
		deviceAuths:                make(map[string]*storage.DeviceAuthorization),
		cleanupInterval:            cleanupInterval,
		revokedFamilyRetentionDays: 90,
		stopCleanup:                make(chan struct{}),
		logger:                     slog.Default(),
	}
	go s.cleanupLoop()
	return s
}

// SetLogger replaces the store's logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetEncryptor enables encryption at rest for wrapped upstream tokens.
func (s *Store) SetEncryptor(enc *security.Encryptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.encryptor = enc
	if enc != nil && enc.IsEnabled() {
		s.logger.Info("Upstream token encryption at rest enabled for storage")
	}
}

// SetRevokedFamilyRetentionDays controls how long revoked family metadata is
// kept for forensics before cleanup removes it.
func (s *Store) SetRevokedFamilyRetentionDays(days int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revokedFamilyRetentionDays = days
	s.logger.Info("Set revoked family retention period",
		"retention_days", days)
}

// SetInstrumentation wires OpenTelemetry tracing and metrics into the store
// and registers the storage size gauges.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
		s.meter = inst.Meter("storage")
	}

	// Seed the atomics with whatever is already stored
	s.accessTokensCountAtomic.Store(int64(len(s.accessTokens)))
	s.refreshTokensCountAtomic.Store(int64(len(s.refreshTokens)))
	s.clientsCountAtomic.Store(int64(len(s.clients)))
	s.deviceAuthsCountAtomic.Store(int64(len(s.deviceAuths)))
	s.familiesCountAtomic.Store(int64(len(s.refreshTokenFamilies)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.accessTokensCountAtomic.Load() },
			func() int64 { return s.clientsCountAtomic.Load() },
			func() int64 { return s.deviceAuthsCountAtomic.Load() },
			func() int64 { return s.familiesCountAtomic.Load() },
			func() int64 { return s.refreshTokensCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop terminates the cleanup goroutine. Safe to call multiple times.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// instrumented opens a span for a storage operation and returns a finish
// function that records duration, result and span status. With no
// instrumentation configured both are no-ops.
func (s *Store) instrumented(ctx context.Context, operation string) (context.Context, func(error)) {
	span := trace.SpanFromContext(ctx)
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, "storage."+operation,
			trace.WithAttributes(attribute.String("operation", operation)))
	}
	start := time.Now()

	return ctx, func(err error) {
		defer span.End()
		if s.instrumentation == nil {
			return
		}
		result := "success"
		if err != nil {
			result = "error"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result,
			float64(time.Since(start).Milliseconds()))
	}
}

// SaveAccessToken stores an issued access token record, encrypting the
// wrapped upstream token when an encryptor is configured.
func (s *Store) SaveAccessToken(ctx context.Context, token *storage.AccessToken) (err error) {
	ctx, finish := s.instrumented(ctx, "save_access_token")
	defer func() { finish(err) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid access token record")
	}
	if token.ClientID == "" {
		return fmt.Errorf("clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := *token
	if token.UpstreamToken != nil && s.encryptor != nil && s.encryptor.IsEnabled() {
		encrypted, encErr := s.encryptUpstreamToken(token.UpstreamToken)
		if encErr != nil {
			return encErr
		}
		stored.UpstreamToken = encrypted
	}

	if _, existed := s.accessTokens[token.Token]; !existed {
		s.accessTokensCountAtomic.Add(1)
	}
	s.accessTokens[token.Token] = &stored

	s.logger.Debug("Saved access token",
		"token_prefix", util.SafeTruncate(token.Token, tokenIDLogLength),
		"client_id", token.ClientID,
		"grant_type", token.GrantType)
	return nil
}

// GetAccessToken returns a copy of a live access token record with the
// wrapped upstream token decrypted.
func (s *Store) GetAccessToken(ctx context.Context, token string) (record *storage.AccessToken, err error) {
	ctx, finish := s.instrumented(ctx, "get_access_token")
	defer func() { finish(err) }()

	s.mu.RLock()
	encryptor := s.encryptor
	stored, ok := s.accessTokens[token]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: access token", storage.ErrTokenNotFound)
	}
	if security.IsTokenExpired(stored.ExpiresAt) {
		return nil, fmt.Errorf("%w: access token", storage.ErrTokenExpired)
	}

	// Copy so callers cannot mutate the stored record
	result := *stored
	if stored.UpstreamToken != nil && encryptor != nil && encryptor.IsEnabled() {
		decrypted, decErr := decryptUpstreamToken(stored.UpstreamToken, encryptor)
		if decErr != nil {
			return nil, decErr
		}
		result.UpstreamToken = decrypted
	}
	return &result, nil
}

// DeleteAccessToken removes an access token record.
func (s *Store) DeleteAccessToken(ctx context.Context, token string) (err error) {
	ctx, finish := s.instrumented(ctx, "delete_access_token")
	defer func() { finish(err) }()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.accessTokens[token]; existed {
		delete(s.accessTokens, token)
		s.accessTokensCountAtomic.Add(-1)
	}

	s.logger.Debug("Deleted access token")
	return nil
}

// SaveRefreshToken stores a refresh token record and, for family-tracked
// tokens, the family metadata that later powers reuse detection.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	ctx, finish := s.instrumented(ctx, "save_refresh_token")
	defer func() { finish(err) }()

	if token == nil || token.Token == "" {
		return fmt.Errorf("invalid refresh token record")
	}
	if token.ClientID == "" {
		return fmt.Errorf("clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Hard cap on family metadata; rotation churn past this point is more
	// likely an exhaustion attack than legitimate traffic
	if token.FamilyID != "" {
		if _, exists := s.refreshTokenFamilies[token.Token]; !exists {
			if count := len(s.refreshTokenFamilies); count >= hardMaxFamilyMetadataEntries {
				s.logger.Error("CRITICAL: Refresh token family metadata limit exceeded - blocking save to prevent memory exhaustion",
					"current_count", count,
					"hard_limit", hardMaxFamilyMetadataEntries,
					"client_id", token.ClientID)
				return fmt.Errorf("refresh token family metadata limit exceeded (%d entries) - possible memory exhaustion attack", count)
			}
		}
	}

	stored := *token
	if _, existed := s.refreshTokens[token.Token]; !existed {
		s.refreshTokensCountAtomic.Add(1)
	}
	s.refreshTokens[token.Token] = &stored

	if token.FamilyID != "" {
		if _, hadFamily := s.refreshTokenFamilies[token.Token]; !hadFamily {
			s.familiesCountAtomic.Add(1)
		}
		s.refreshTokenFamilies[token.Token] = &refreshTokenFamily{
			FamilyID:   token.FamilyID,
			UserID:     token.UserID,
			ClientID:   token.ClientID,
			Generation: token.Generation,
			IssuedAt:   time.Now(),
		}
	}

	s.logger.Debug("Saved refresh token",
		"client_id", token.ClientID,
		"family_id", util.SafeTruncate(token.FamilyID, tokenIDLogLength),
		"generation", token.Generation,
		"expires_at", token.ExpiresAt)
	return nil
}

// GetRefreshToken returns a copy of a live refresh token record without
// consuming it.
func (s *Store) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrTokenNotFound)
	}
	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token", storage.ErrTokenExpired)
	}

	result := *record
	return &result, nil
}

// DeleteRefreshToken removes a refresh token record.
func (s *Store) DeleteRefreshToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.refreshTokens[token]; existed {
		delete(s.refreshTokens, token)
		s.refreshTokensCountAtomic.Add(-1)
	}

	s.logger.Debug("Deleted refresh token")
	return nil
}

// AtomicGetAndDeleteRefreshToken consumes a refresh token under the write
// lock: of any number of concurrent presentations exactly one succeeds, the
// rest get ErrTokenNotFound. Family metadata is deliberately left in place so
// a replay of the consumed token is still recognizable as reuse.
func (s *Store) AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.refreshTokens[token]
	if !ok {
		return nil, fmt.Errorf("%w: refresh token not found or already used", storage.ErrTokenNotFound)
	}
	if security.IsTokenExpired(record.ExpiresAt) {
		return nil, fmt.Errorf("%w: refresh token expired", storage.ErrTokenExpired)
	}

	delete(s.refreshTokens, token)
	s.refreshTokensCountAtomic.Add(-1)

	s.logger.Debug("Atomically retrieved and deleted refresh token",
		"client_id", record.ClientID)

	result := *record
	return &result, nil
}

// GetRefreshTokenFamily returns family metadata for a refresh token value,
// including tokens already rotated out.
func (s *Store) GetRefreshTokenFamily(ctx context.Context, refreshToken string) (*storage.RefreshTokenFamilyMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	family, ok := s.refreshTokenFamilies[refreshToken]
	if !ok {
		return nil, storage.ErrRefreshTokenFamilyNotFound
	}

	return &storage.RefreshTokenFamilyMetadata{
		FamilyID:   family.FamilyID,
		UserID:     family.UserID,
		ClientID:   family.ClientID,
		Generation: family.Generation,
		IssuedAt:   family.IssuedAt,
		Revoked:    family.Revoked,
		RevokedAt:  family.RevokedAt,
	}, nil
}

// RevokeRefreshTokenFamily marks every generation of a family revoked and
// deletes the live tokens among them.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := s.revokeFamilyLocked(familyID, time.Now())
	if revoked > 0 {
		s.logger.Warn("Revoked refresh token family due to reuse detection",
			"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
			"tokens_revoked", revoked)
	}
	return nil
}

// revokeFamilyLocked walks the family metadata, flags every member revoked
// and deletes members that are still live. Returns the number of live tokens
// removed. Caller must hold the write lock.
func (s *Store) revokeFamilyLocked(familyID string, now time.Time) int {
	revoked := 0
	for token, family := range s.refreshTokenFamilies {
		if family.FamilyID != familyID {
			continue
		}
		family.Revoked = true
		family.RevokedAt = now
		if _, live := s.refreshTokens[token]; live {
			delete(s.refreshTokens, token)
			s.refreshTokensCountAtomic.Add(-1)
			revoked++
		}
	}
	return revoked
}

// RevokeAllTokensForUserClient revokes every access and refresh token for a
// user+client pair, entire families included. This is the local half of the
// reuse-detection response. Returns how many tokens were removed.
func (s *Store) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	if userID == "" || clientID == "" {
		return 0, fmt.Errorf("userID and clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revokedCount := 0
	now := time.Now()

	// Families first, so rotated-out generations are flagged along with the
	// live tokens
	familiesToRevoke := make(map[string]bool)
	for _, record := range s.refreshTokens {
		if record.UserID == userID && record.ClientID == clientID && record.FamilyID != "" {
			familiesToRevoke[record.FamilyID] = true
		}
	}
	for familyID := range familiesToRevoke {
		familyRevoked := s.revokeFamilyLocked(familyID, now)
		revokedCount += familyRevoked
		if familyRevoked > 0 {
			s.logger.Info("Revoked entire refresh token family",
				"user_id", userID,
				"client_id", clientID,
				"family_id", util.SafeTruncate(familyID, tokenIDLogLength),
				"tokens_revoked", familyRevoked,
				"reason", "authorization_code_reuse_detected")
		}
	}

	// Refresh tokens without family tracking
	for token, record := range s.refreshTokens {
		if record.UserID == userID && record.ClientID == clientID {
			delete(s.refreshTokens, token)
			s.refreshTokensCountAtomic.Add(-1)
			revokedCount++
		}
	}

	for token, record := range s.accessTokens {
		if record.UserID == userID && record.ClientID == clientID {
			delete(s.accessTokens, token)
			s.accessTokensCountAtomic.Add(-1)
			revokedCount++
		}
	}

	if revokedCount > 0 {
		s.logger.Warn("Revoked all tokens for user+client",
			"user_id", userID,
			"client_id", clientID,
			"tokens_revoked", revokedCount,
			"reason", "authorization_code_reuse_detected")
	}
	return revokedCount, nil
}

// GetTokensByUserClient lists all token values held for a user+client pair.
func (s *Store) GetTokensByUserClient(ctx context.Context, userID, clientID string) ([]string, error) {
	if userID == "" || clientID == "" {
		return nil, fmt.Errorf("userID and clientID cannot be empty")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	tokens := make([]string, 0)
	for token, record := range s.accessTokens {
		if record.UserID == userID && record.ClientID == clientID {
			tokens = append(tokens, token)
		}
	}
	for token, record := range s.refreshTokens {
		if record.UserID == userID && record.ClientID == clientID {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

// SaveClient stores a registered client.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, finish := s.instrumented(ctx, "save_client")
	defer func() { finish(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.clients[client.ClientID]; !existed {
		s.clientsCountAtomic.Add(1)
	}
	s.clients[client.ClientID] = client

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient returns a client by ID.
func (s *Store) GetClient(ctx context.Context, clientID string) (client *storage.Client, err error) {
	ctx, finish := s.instrumented(ctx, "get_client")
	defer func() { finish(err) }()

	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrClientNotFound, clientID)
	}
	return client, nil
}

// dummySecretHash is a bcrypt hash compared against when the client does not
// exist, so lookup failures cost the same as wrong secrets.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// ValidateClientSecret checks a confidential client's secret with bcrypt.
// Public clients pass without a secret. A bcrypt comparison runs on every
// call, unknown clients included, to keep timing uniform.
func (s *Store) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	client, err := s.GetClient(ctx, clientID)

	hashToCompare := dummySecretHash
	isPublicClient := false
	if err == nil {
		if client.ClientType == "public" {
			isPublicClient = true
		} else if client.ClientSecretHash != "" {
			hashToCompare = client.ClientSecretHash
		}
	}

	bcryptErr := bcrypt.CompareHashAndPassword([]byte(hashToCompare), []byte(clientSecret))

	if isPublicClient && err == nil {
		return nil
	}
	if err != nil || bcryptErr != nil {
		return fmt.Errorf("invalid client credentials")
	}
	return nil
}

// ListClients returns all registered clients.
func (s *Store) ListClients(ctx context.Context) ([]*storage.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clients := make([]*storage.Client, 0, len(s.clients))
	for _, client := range s.clients {
		clients = append(clients, client)
	}
	return clients, nil
}

// CheckIPLimit reports whether an IP still has registration headroom.
// A non-positive limit disables the check.
func (s *Store) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	if maxClientsPerIP <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if count := s.clientsPerIP[ip]; count >= maxClientsPerIP {
		return fmt.Errorf("client registration limit reached for IP %s (%d/%d clients)", ip, count, maxClientsPerIP)
	}
	return nil
}

// TrackClientIP counts a successful registration against an IP.
func (s *Store) TrackClientIP(ip string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clientsPerIP[ip]++
}

// SaveAuthorizationCode stores an issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	ctx, finish := s.instrumented(ctx, "save_authorization_code")
	defer func() { finish(err) }()

	if code == nil || code.Code == "" {
		return fmt.Errorf("invalid authorization code")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCodes[code.Code] = code
	s.logger.Debug("Saved authorization code", "code_prefix", util.SafeTruncate(code.Code, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode returns a copy of an authorization code without
// consuming it. Used codes stay stored (flagged Used) so replays are
// detectable; exchange goes through AtomicCheckAndMarkAuthCodeUsed instead.
func (s *Store) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}

	codeCopy := *authCode
	return &codeCopy, nil
}

// AtomicCheckAndMarkAuthCodeUsed consumes an authorization code under the
// write lock; one concurrent exchange wins and the rest see
// ErrAuthorizationCodeUsed. On the reuse path the record is returned WITH the
// error because the caller needs its user and client IDs to revoke the tokens
// minted by the first exchange. Not-found and expired return nil records.
func (s *Store) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	authCode, ok := s.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	if security.IsTokenExpired(authCode.ExpiresAt) {
		return nil, fmt.Errorf("%w: authorization code expired", storage.ErrTokenExpired)
	}

	codeCopy := *authCode
	if authCode.Used {
		return &codeCopy, storage.ErrAuthorizationCodeUsed
	}

	authCode.Used = true
	codeCopy.Used = true
	s.logger.Debug("Marked authorization code as used",
		"code_prefix", util.SafeTruncate(code, tokenIDLogLength))
	return &codeCopy, nil
}

// DeleteAuthorizationCode removes an authorization code.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.authCodes, code)
	s.logger.Debug("Deleted authorization code")
	return nil
}

// SaveDeviceAuthorization stores an in-flight device authorization.
func (s *Store) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) (err error) {
	ctx, finish := s.instrumented(ctx, "save_device_authorization")
	defer func() { finish(err) }()

	if auth == nil || auth.DeviceCode == "" {
		return fmt.Errorf("invalid device authorization")
	}
	if auth.ClientID == "" {
		return fmt.Errorf("clientID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.deviceAuths[auth.DeviceCode]; !existed {
		s.deviceAuthsCountAtomic.Add(1)
	}
	s.deviceAuths[auth.DeviceCode] = auth

	s.logger.Debug("Saved device authorization",
		"client_id", auth.ClientID,
		"device_code_prefix", util.SafeTruncate(auth.DeviceCode, tokenIDLogLength))
	return nil
}

// GetDeviceAuthorization returns a copy of a live device authorization.
func (s *Store) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	auth, ok := s.deviceAuths[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	if security.IsTokenExpired(auth.ExpiresAt) {
		return nil, fmt.Errorf("%w: device authorization expired", storage.ErrTokenExpired)
	}

	authCopy := *auth
	return &authCopy, nil
}

// DeleteDeviceAuthorization removes a device authorization.
func (s *Store) DeleteDeviceAuthorization(ctx context.Context, deviceCode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.deviceAuths[deviceCode]; existed {
		delete(s.deviceAuths, deviceCode)
		s.deviceAuthsCountAtomic.Add(-1)
	}

	s.logger.Debug("Deleted device authorization")
	return nil
}

// encryptUpstreamToken returns an encrypted copy of a wrapped upstream token.
// The access token, refresh token and sensitive extra fields (the id_token
// carries PII) are encrypted; the original is untouched. Caller holds s.mu.
func (s *Store) encryptUpstreamToken(token *oauth2.Token) (*oauth2.Token, error) {
	// Extra fields live in a private field and must be pulled out before
	// building the copy
	extra := storage.ExtractTokenExtra(token)

	encrypted := &oauth2.Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
		TokenType:    token.TokenType,
	}

	if encrypted.AccessToken != "" {
		enc, err := s.encryptor.Encrypt(encrypted.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt access token: %w", err)
		}
		encrypted.AccessToken = enc
	}
	if encrypted.RefreshToken != "" {
		enc, err := s.encryptor.Encrypt(encrypted.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt refresh token: %w", err)
		}
		encrypted.RefreshToken = enc
	}

	if extra != nil {
		encryptedExtra, err := storage.EncryptExtraFields(extra, s.encryptor)
		if err != nil {
			return nil, err
		}
		encrypted = encrypted.WithExtra(encryptedExtra)
	}
	return encrypted, nil
}

// decryptUpstreamToken is the inverse of encryptUpstreamToken, again leaving
// the stored version unchanged.
func decryptUpstreamToken(token *oauth2.Token, encryptor *security.Encryptor) (*oauth2.Token, error) {
	extra := storage.ExtractTokenExtra(token)

	decrypted := &oauth2.Token{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		Expiry:       token.Expiry,
		TokenType:    token.TokenType,
	}

	if decrypted.AccessToken != "" {
		dec, err := encryptor.Decrypt(decrypted.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		decrypted.AccessToken = dec
	}
	if decrypted.RefreshToken != "" {
		dec, err := encryptor.Decrypt(decrypted.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt refresh token: %w", err)
		}
		decrypted.RefreshToken = dec
	}

	if extra != nil {
		decryptedExtra, err := storage.DecryptExtraFields(extra, encryptor)
		if err != nil {
			return nil, err
		}
		decrypted = decrypted.WithExtra(decryptedExtra)
	}
	return decrypted, nil
}

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup sweeps expired tokens, codes and device authorizations, plus
// revoked family metadata past its retention window.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cleaned := 0

	for token, record := range s.accessTokens {
		if security.IsTokenExpired(record.ExpiresAt) {
			delete(s.accessTokens, token)
			s.accessTokensCountAtomic.Add(-1)
			cleaned++
		}
	}

	// An expired refresh token cannot be usefully replayed, so its family
	// record goes with it
	for token, record := range s.refreshTokens {
		if security.IsTokenExpired(record.ExpiresAt) {
			delete(s.refreshTokens, token)
			s.refreshTokensCountAtomic.Add(-1)
			if _, hadFamily := s.refreshTokenFamilies[token]; hadFamily {
				delete(s.refreshTokenFamilies, token)
				s.familiesCountAtomic.Add(-1)
			}
			cleaned++
		}
	}

	for code, authCode := range s.authCodes {
		if security.IsTokenExpired(authCode.ExpiresAt) {
			delete(s.authCodes, code)
			cleaned++
		}
	}

	for deviceCode, auth := range s.deviceAuths {
		if security.IsTokenExpired(auth.ExpiresAt) {
			delete(s.deviceAuths, deviceCode)
			s.deviceAuthsCountAtomic.Add(-1)
			cleaned++
		}
	}

	// Revoked family metadata is kept around for forensics, then dropped
	retentionDays := s.revokedFamilyRetentionDays
	if retentionDays == 0 {
		retentionDays = 90
	}
	retentionCutoff := time.Now().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	for token, family := range s.refreshTokenFamilies {
		if !family.Revoked {
			continue
		}
		revokedTime := family.RevokedAt
		if revokedTime.IsZero() {
			revokedTime = family.IssuedAt
		}
		if revokedTime.Before(retentionCutoff) {
			delete(s.refreshTokenFamilies, token)
			s.familiesCountAtomic.Add(-1)
			cleaned++
		}
	}

	familyCount := len(s.refreshTokenFamilies)
	if familyCount > maxFamilyMetadataEntries {
		s.logger.Warn("Refresh token family metadata approaching limit - possible memory exhaustion attack",
			"current_count", familyCount,
			"max_threshold", maxFamilyMetadataEntries,
			"recommendation", "Review security logs for repeated token reuse attempts")
	}

	if cleaned > 0 {
		s.logger.Debug("Cleaned up expired entries", "count", cleaned, "family_metadata_count", familyCount)
	}
}
