// Package mock provides mock implementations of the storage interfaces.
// Each method records its call count and delegates to the corresponding
// Func field when set; otherwise a map-backed default runs. Tests override
// individual Func fields to inject storage failures without giving up
// working behavior everywhere else.
package mock

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"github.com/relayhq/agent-oauth/storage"
)

// callCounter tracks per-method call counts, shared by all mocks.
type callCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *callCounter) record(method string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.counts == nil {
		c.counts = make(map[string]int)
	}
	c.counts[method]++
}

// GetCallCount returns how many times a method was invoked.
func (c *callCounter) GetCallCount(method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[method]
}

// MockTokenStore is a map-backed TokenStore, RefreshTokenFamilyStore, and
// TokenRevocationStore with per-method overrides.
type MockTokenStore struct {
	callCounter
	mu            sync.RWMutex
	accessTokens  map[string]*storage.AccessToken
	refreshTokens map[string]*storage.RefreshToken
	families      map[string]*storage.RefreshTokenFamilyMetadata

	SaveAccessTokenFunc                func(ctx context.Context, token *storage.AccessToken) error
	GetAccessTokenFunc                 func(ctx context.Context, token string) (*storage.AccessToken, error)
	DeleteAccessTokenFunc              func(ctx context.Context, token string) error
	SaveRefreshTokenFunc               func(ctx context.Context, token *storage.RefreshToken) error
	GetRefreshTokenFunc                func(ctx context.Context, token string) (*storage.RefreshToken, error)
	DeleteRefreshTokenFunc             func(ctx context.Context, token string) error
	AtomicGetAndDeleteRefreshTokenFunc func(ctx context.Context, token string) (*storage.RefreshToken, error)
	GetRefreshTokenFamilyFunc          func(ctx context.Context, refreshToken string) (*storage.RefreshTokenFamilyMetadata, error)
	RevokeRefreshTokenFamilyFunc       func(ctx context.Context, familyID string) error
	RevokeAllTokensForUserClientFunc   func(ctx context.Context, userID, clientID string) (int, error)
	GetTokensByUserClientFunc          func(ctx context.Context, userID, clientID string) ([]string, error)
}

var (
	_ storage.TokenStore              = (*MockTokenStore)(nil)
	_ storage.RefreshTokenFamilyStore = (*MockTokenStore)(nil)
	_ storage.TokenRevocationStore    = (*MockTokenStore)(nil)
)

// NewMockTokenStore creates a token store mock with working map-backed
// defaults.
func NewMockTokenStore() *MockTokenStore {
	return &MockTokenStore{
		accessTokens:  make(map[string]*storage.AccessToken),
		refreshTokens: make(map[string]*storage.RefreshToken),
		families:      make(map[string]*storage.RefreshTokenFamilyMetadata),
	}
}

func (m *MockTokenStore) SaveAccessToken(ctx context.Context, token *storage.AccessToken) error {
	m.record("SaveAccessToken")
	if m.SaveAccessTokenFunc != nil {
		return m.SaveAccessTokenFunc(ctx, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessTokens[token.Token] = token
	return nil
}

func (m *MockTokenStore) GetAccessToken(ctx context.Context, token string) (*storage.AccessToken, error) {
	m.record("GetAccessToken")
	if m.GetAccessTokenFunc != nil {
		return m.GetAccessTokenFunc(ctx, token)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.accessTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return record, nil
}

func (m *MockTokenStore) DeleteAccessToken(ctx context.Context, token string) error {
	m.record("DeleteAccessToken")
	if m.DeleteAccessTokenFunc != nil {
		return m.DeleteAccessTokenFunc(ctx, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.accessTokens, token)
	return nil
}

func (m *MockTokenStore) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) error {
	m.record("SaveRefreshToken")
	if m.SaveRefreshTokenFunc != nil {
		return m.SaveRefreshTokenFunc(ctx, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refreshTokens[token.Token] = token
	if token.FamilyID != "" {
		m.families[token.Token] = &storage.RefreshTokenFamilyMetadata{
			FamilyID:   token.FamilyID,
			UserID:     token.UserID,
			ClientID:   token.ClientID,
			Generation: token.Generation,
			IssuedAt:   token.CreatedAt,
		}
	}
	return nil
}

func (m *MockTokenStore) GetRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.record("GetRefreshToken")
	if m.GetRefreshTokenFunc != nil {
		return m.GetRefreshTokenFunc(ctx, token)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.refreshTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	return record, nil
}

func (m *MockTokenStore) DeleteRefreshToken(ctx context.Context, token string) error {
	m.record("DeleteRefreshToken")
	if m.DeleteRefreshTokenFunc != nil {
		return m.DeleteRefreshTokenFunc(ctx, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refreshTokens, token)
	return nil
}

func (m *MockTokenStore) AtomicGetAndDeleteRefreshToken(ctx context.Context, token string) (*storage.RefreshToken, error) {
	m.record("AtomicGetAndDeleteRefreshToken")
	if m.AtomicGetAndDeleteRefreshTokenFunc != nil {
		return m.AtomicGetAndDeleteRefreshTokenFunc(ctx, token)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.refreshTokens[token]
	if !ok {
		return nil, storage.ErrTokenNotFound
	}
	delete(m.refreshTokens, token)
	// Family metadata survives rotation, matching the real implementations.
	return record, nil
}

func (m *MockTokenStore) GetRefreshTokenFamily(ctx context.Context, refreshToken string) (*storage.RefreshTokenFamilyMetadata, error) {
	m.record("GetRefreshTokenFamily")
	if m.GetRefreshTokenFamilyFunc != nil {
		return m.GetRefreshTokenFamilyFunc(ctx, refreshToken)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	family, ok := m.families[refreshToken]
	if !ok {
		return nil, storage.ErrRefreshTokenFamilyNotFound
	}
	return family, nil
}

func (m *MockTokenStore) RevokeRefreshTokenFamily(ctx context.Context, familyID string) error {
	m.record("RevokeRefreshTokenFamily")
	if m.RevokeRefreshTokenFamilyFunc != nil {
		return m.RevokeRefreshTokenFamilyFunc(ctx, familyID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for token, family := range m.families {
		if family.FamilyID == familyID {
			family.Revoked = true
			delete(m.refreshTokens, token)
		}
	}
	return nil
}

func (m *MockTokenStore) RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error) {
	m.record("RevokeAllTokensForUserClient")
	if m.RevokeAllTokensForUserClientFunc != nil {
		return m.RevokeAllTokensForUserClientFunc(ctx, userID, clientID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for token, record := range m.accessTokens {
		if record.UserID == userID && record.ClientID == clientID {
			delete(m.accessTokens, token)
			count++
		}
	}
	for token, record := range m.refreshTokens {
		if record.UserID == userID && record.ClientID == clientID {
			delete(m.refreshTokens, token)
			count++
		}
	}
	return count, nil
}

func (m *MockTokenStore) GetTokensByUserClient(ctx context.Context, userID, clientID string) ([]string, error) {
	m.record("GetTokensByUserClient")
	if m.GetTokensByUserClientFunc != nil {
		return m.GetTokensByUserClientFunc(ctx, userID, clientID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	tokens := make([]string, 0)
	for token, record := range m.accessTokens {
		if record.UserID == userID && record.ClientID == clientID {
			tokens = append(tokens, token)
		}
	}
	for token, record := range m.refreshTokens {
		if record.UserID == userID && record.ClientID == clientID {
			tokens = append(tokens, token)
		}
	}
	return tokens, nil
}

// MockClientStore is a map-backed ClientStore with per-method overrides.
type MockClientStore struct {
	callCounter
	mu      sync.RWMutex
	clients map[string]*storage.Client

	SaveClientFunc           func(ctx context.Context, client *storage.Client) error
	GetClientFunc            func(ctx context.Context, clientID string) (*storage.Client, error)
	ValidateClientSecretFunc func(ctx context.Context, clientID, clientSecret string) error
	ListClientsFunc          func(ctx context.Context) ([]*storage.Client, error)
	CheckIPLimitFunc         func(ctx context.Context, ip string, maxClientsPerIP int) error
}

var _ storage.ClientStore = (*MockClientStore)(nil)

// NewMockClientStore creates a client store mock with working map-backed
// defaults. The default secret check accepts public clients and bcrypt-checks
// confidential ones.
func NewMockClientStore() *MockClientStore {
	return &MockClientStore{clients: make(map[string]*storage.Client)}
}

func (m *MockClientStore) SaveClient(ctx context.Context, client *storage.Client) error {
	m.record("SaveClient")
	if m.SaveClientFunc != nil {
		return m.SaveClientFunc(ctx, client)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clients[client.ClientID] = client
	return nil
}

func (m *MockClientStore) GetClient(ctx context.Context, clientID string) (*storage.Client, error) {
	m.record("GetClient")
	if m.GetClientFunc != nil {
		return m.GetClientFunc(ctx, clientID)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	client, ok := m.clients[clientID]
	if !ok {
		return nil, storage.ErrClientNotFound
	}
	return client, nil
}

func (m *MockClientStore) ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error {
	m.record("ValidateClientSecret")
	if m.ValidateClientSecretFunc != nil {
		return m.ValidateClientSecretFunc(ctx, clientID, clientSecret)
	}
	client, err := m.GetClient(ctx, clientID)
	if err != nil {
		return fmt.Errorf("invalid client credentials")
	}
	if client.ClientType == "public" {
		return nil
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return fmt.Errorf("invalid client credentials")
	}
	return nil
}

func (m *MockClientStore) ListClients(ctx context.Context) ([]*storage.Client, error) {
	m.record("ListClients")
	if m.ListClientsFunc != nil {
		return m.ListClientsFunc(ctx)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	clients := make([]*storage.Client, 0, len(m.clients))
	for _, client := range m.clients {
		clients = append(clients, client)
	}
	return clients, nil
}

func (m *MockClientStore) CheckIPLimit(ctx context.Context, ip string, maxClientsPerIP int) error {
	m.record("CheckIPLimit")
	if m.CheckIPLimitFunc != nil {
		return m.CheckIPLimitFunc(ctx, ip, maxClientsPerIP)
	}
	return nil
}

// MockFlowStore is a map-backed FlowStore with per-method overrides.
type MockFlowStore struct {
	callCounter
	mu          sync.RWMutex
	authCodes   map[string]*storage.AuthorizationCode
	deviceAuths map[string]*storage.DeviceAuthorization

	SaveAuthorizationCodeFunc      func(ctx context.Context, code *storage.AuthorizationCode) error
	GetAuthorizationCodeFunc       func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	AtomicCheckAndMarkAuthCodeFunc func(ctx context.Context, code string) (*storage.AuthorizationCode, error)
	DeleteAuthorizationCodeFunc    func(ctx context.Context, code string) error
	SaveDeviceAuthorizationFunc    func(ctx context.Context, auth *storage.DeviceAuthorization) error
	GetDeviceAuthorizationFunc     func(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error)
	DeleteDeviceAuthorizationFunc  func(ctx context.Context, deviceCode string) error
}

var _ storage.FlowStore = (*MockFlowStore)(nil)

// NewMockFlowStore creates a flow store mock with working map-backed
// defaults.
func NewMockFlowStore() *MockFlowStore {
	return &MockFlowStore{
		authCodes:   make(map[string]*storage.AuthorizationCode),
		deviceAuths: make(map[string]*storage.DeviceAuthorization),
	}
}

func (m *MockFlowStore) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	m.record("SaveAuthorizationCode")
	if m.SaveAuthorizationCodeFunc != nil {
		return m.SaveAuthorizationCodeFunc(ctx, code)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authCodes[code.Code] = code
	return nil
}

func (m *MockFlowStore) GetAuthorizationCode(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("GetAuthorizationCode")
	if m.GetAuthorizationCodeFunc != nil {
		return m.GetAuthorizationCodeFunc(ctx, code)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	authCode, ok := m.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	return authCode, nil
}

func (m *MockFlowStore) AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*storage.AuthorizationCode, error) {
	m.record("AtomicCheckAndMarkAuthCodeUsed")
	if m.AtomicCheckAndMarkAuthCodeFunc != nil {
		return m.AtomicCheckAndMarkAuthCodeFunc(ctx, code)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	authCode, ok := m.authCodes[code]
	if !ok {
		return nil, storage.ErrAuthorizationCodeNotFound
	}
	codeCopy := *authCode
	if authCode.Used {
		return &codeCopy, storage.ErrAuthorizationCodeUsed
	}
	authCode.Used = true
	codeCopy.Used = true
	return &codeCopy, nil
}

func (m *MockFlowStore) DeleteAuthorizationCode(ctx context.Context, code string) error {
	m.record("DeleteAuthorizationCode")
	if m.DeleteAuthorizationCodeFunc != nil {
		return m.DeleteAuthorizationCodeFunc(ctx, code)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.authCodes, code)
	return nil
}

func (m *MockFlowStore) SaveDeviceAuthorization(ctx context.Context, auth *storage.DeviceAuthorization) error {
	m.record("SaveDeviceAuthorization")
	if m.SaveDeviceAuthorizationFunc != nil {
		return m.SaveDeviceAuthorizationFunc(ctx, auth)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deviceAuths[auth.DeviceCode] = auth
	return nil
}

func (m *MockFlowStore) GetDeviceAuthorization(ctx context.Context, deviceCode string) (*storage.DeviceAuthorization, error) {
	m.record("GetDeviceAuthorization")
	if m.GetDeviceAuthorizationFunc != nil {
		return m.GetDeviceAuthorizationFunc(ctx, deviceCode)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	auth, ok := m.deviceAuths[deviceCode]
	if !ok {
		return nil, storage.ErrDeviceAuthorizationNotFound
	}
	return auth, nil
}

func (m *MockFlowStore) DeleteDeviceAuthorization(ctx context.Context, deviceCode string) error {
	m.record("DeleteDeviceAuthorization")
	if m.DeleteDeviceAuthorizationFunc != nil {
		return m.DeleteDeviceAuthorizationFunc(ctx, deviceCode)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.deviceAuths, deviceCode)
	return nil
}
