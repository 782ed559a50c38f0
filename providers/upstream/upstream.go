// Package upstream implements the provider interface against a generic
// HTTP identity provider exposing OAuth endpoints under a single base URL:
// POST {base}/oauth/device/code, POST {base}/oauth/token,
// GET {base}/oauth/verify and POST {base}/oauth/revoke.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/relayhq/agent-oauth/providers"
)

const (
	// deviceCodeGrantType is the RFC 8628 grant type urn sent when polling
	deviceCodeGrantType = "urn:ietf:params:oauth:grant-type:device_code"

	// maxResponseSize caps upstream response bodies to prevent memory
	// exhaustion from a misbehaving upstream
	maxResponseSize = 1 << 20 // 1 MB

	// defaultRequestTimeout bounds each upstream call when the caller's
	// context carries no deadline
	defaultRequestTimeout = 10 * time.Second
)

// Config holds upstream provider configuration
type Config struct {
	// BaseURL is the upstream base URL (e.g., https://id.example.com)
	BaseURL string

	// Name identifies the provider in logs and token metadata (default: "upstream")
	Name string

	// ClientID and ClientSecret authenticate this server to the upstream
	// for refresh and revocation calls. Optional when the upstream does not
	// require broker credentials.
	ClientID     string
	ClientSecret string

	// HTTPClient is an optional custom HTTP client
	HTTPClient *http.Client

	// RequestTimeout is the per-call timeout (default: 10s)
	RequestTimeout time.Duration

	// Logger is the structured logger (default: slog.Default())
	Logger *slog.Logger
}

// Provider talks to the upstream identity provider over HTTP.
type Provider struct {
	name           string
	deviceCodeURL  string
	tokenURL       string
	verifyURL      string
	revokeURL      string
	clientID       string
	clientSecret   string
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// NewProvider creates an upstream provider from config.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	parsed, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("base URL must use http or https, got %q", parsed.Scheme)
	}
	if parsed.Host == "" {
		return nil, fmt.Errorf("base URL must include a host")
	}

	name := cfg.Name
	if name == "" {
		name = "upstream"
	}

	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	base := strings.TrimRight(cfg.BaseURL, "/")

	return &Provider{
		name:           name,
		deviceCodeURL:  base + "/oauth/device/code",
		tokenURL:       base + "/oauth/token",
		verifyURL:      base + "/oauth/verify",
		revokeURL:      base + "/oauth/revoke",
		clientID:       cfg.ClientID,
		clientSecret:   cfg.ClientSecret,
		httpClient:     httpClient,
		requestTimeout: timeout,
		logger:         logger,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return p.name
}

// DeviceAuthorize starts a device authorization at the upstream.
func (p *Provider) DeviceAuthorize(ctx context.Context, clientID, scope string) (*providers.DeviceAuthorization, error) {
	form := url.Values{}
	form.Set("client_id", clientID)
	if scope != "" {
		form.Set("scope", scope)
	}

	body, err := p.postForm(ctx, p.deviceCodeURL, form)
	if err != nil {
		return nil, err
	}

	var auth providers.DeviceAuthorization
	if err := json.Unmarshal(body, &auth); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrBackendInvalidResponse, err)
	}
	if auth.DeviceCode == "" || auth.UserCode == "" {
		return nil, fmt.Errorf("%w: missing device_code or user_code", providers.ErrBackendInvalidResponse)
	}

	return &auth, nil
}

// ExchangeDeviceCode polls the upstream token endpoint with a device code.
func (p *Provider) ExchangeDeviceCode(ctx context.Context, clientID, deviceCode string) (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("grant_type", deviceCodeGrantType)
	form.Set("client_id", clientID)
	form.Set("device_code", deviceCode)

	body, err := p.postForm(ctx, p.tokenURL, form)
	if err != nil {
		return nil, err
	}

	return decodeTokenResponse(body)
}

// Verify checks an upstream access token against the verify endpoint.
func (p *Provider) Verify(ctx context.Context, accessToken string) (*providers.TokenInfo, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.verifyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create verify request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	body, err := p.do(req)
	if err != nil {
		return nil, err
	}

	var result struct {
		Active   bool   `json:"active"`
		UserID   string `json:"user_id"`
		Sub      string `json:"sub"`
		ClientID string `json:"client_id"`
		Scope    string `json:"scope"`
		Exp      int64  `json:"exp"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrBackendInvalidResponse, err)
	}

	info := &providers.TokenInfo{
		Active:   result.Active,
		UserID:   result.UserID,
		ClientID: result.ClientID,
	}
	if info.UserID == "" {
		info.UserID = result.Sub
	}
	if result.Scope != "" {
		info.Scopes = strings.Fields(result.Scope)
	}
	if result.Exp > 0 {
		info.ExpiresAt = time.Unix(result.Exp, 0)
	}

	return info, nil
}

// Refresh exchanges an upstream refresh token for a fresh token pair.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	body, err := p.postForm(ctx, p.tokenURL, form)
	if err != nil {
		return nil, err
	}

	return decodeTokenResponse(body)
}

// Revoke revokes a token at the upstream. Per RFC 7009 the upstream answers
// 200 for both revoked and unknown tokens.
func (p *Provider) Revoke(ctx context.Context, token string) error {
	form := url.Values{}
	form.Set("token", token)

	if _, err := p.postForm(ctx, p.revokeURL, form); err != nil {
		return err
	}
	return nil
}

// ensureContextTimeout adds the per-call deadline when the caller's context
// has none.
func (p *Provider) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.requestTimeout)
}

// postForm sends a form-encoded POST and returns the response body of a 2xx
// answer. OAuth error bodies come back as *providers.UpstreamError, transport
// failures as wrapped backend sentinels.
func (p *Provider) postForm(ctx context.Context, endpoint string, form url.Values) ([]byte, error) {
	ctx, cancel := p.ensureContextTimeout(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if p.clientID != "" && p.clientSecret != "" {
		req.SetBasicAuth(p.clientID, p.clientSecret)
	}

	return p.do(req)
}

// do executes the request and maps failures into the provider error taxonomy.
func (p *Provider) do(req *http.Request) ([]byte, error) {
	resp, err := p.httpClient.Do(req)
	if err != nil {
		classified := providers.ClassifyTransportError(err)
		p.logger.Debug("Upstream request failed",
			"provider", p.name,
			"url", req.URL.Path,
			"error", classified)
		return nil, classified
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, providers.ClassifyTransportError(err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	return body, nil
}

// parseErrorResponse decodes an OAuth error body. Anything else counts as an
// invalid upstream response.
func parseErrorResponse(status int, body []byte) error {
	var oauthErr struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
	}
	if err := json.Unmarshal(body, &oauthErr); err == nil && oauthErr.Error != "" {
		return &providers.UpstreamError{
			Code:        oauthErr.Error,
			Description: oauthErr.ErrorDescription,
			Status:      status,
		}
	}
	return fmt.Errorf("%w: status %d with undecodable error body", providers.ErrBackendInvalidResponse, status)
}

// decodeTokenResponse parses an upstream token response into an oauth2.Token.
// The granted scope is preserved in the token's "scope" extra.
func decodeTokenResponse(body []byte) (*oauth2.Token, error) {
	var result struct {
		AccessToken  string `json:"access_token"`
		TokenType    string `json:"token_type"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
		Scope        string `json:"scope"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrBackendInvalidResponse, err)
	}
	if result.AccessToken == "" {
		return nil, fmt.Errorf("%w: missing access_token", providers.ErrBackendInvalidResponse)
	}

	token := &oauth2.Token{
		AccessToken:  result.AccessToken,
		TokenType:    result.TokenType,
		RefreshToken: result.RefreshToken,
	}
	if result.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}

	return token.WithExtra(map[string]any{"scope": result.Scope}), nil
}
