package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ajitpratap0/brokercore/internal/config"
	"github.com/ajitpratap0/brokercore/internal/metrics"
)

// Broker tokens are valid for 24 hours from issue
const tokenValidity = 24 * time.Hour

// TokenConfig configures the token manager
type TokenConfig struct {
	BaseURL      string
	AppKey       string
	AppSecret    string
	RefreshAfter time.Duration
	Location     *time.Location
	HTTPClient   *http.Client
}

// TokenManager owns the access credential and the default auth headers
// derived from it. Only the manager writes the headers; every gateway call reads them.
type TokenManager struct {
	cfg    TokenConfig
	store  TokenStore
	client *http.Client
	log    zerolog.Logger
	now    func() time.Time

	refreshMu sync.Mutex // serializes re-authentication

	mu         sync.RWMutex
	cred       *Credential
	headers    http.Header
	loaded     bool
	generation uint64 // bumped on every install
}

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	AppSecret string `json:"appsecret"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	ExpiresAt   string `json:"access_token_token_expired"`
	ErrorCode   string `json:"error_code"`
	ErrorDesc   string `json:"error_description"`
}

// NewTokenManager creates a token manager persisting through store
func NewTokenManager(cfg TokenConfig, store TokenStore) *TokenManager {
	if cfg.RefreshAfter <= 0 {
		cfg.RefreshAfter = 23 * time.Hour
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	return &TokenManager{
		cfg:    cfg,
		store:  store,
		client: client,
		log:    config.NewLogger("token_manager"),
		now:    time.Now,
	}
}

// EnsureValid re-authenticates when no token is held, the token expired, or
// it is older than the proactive refresh age. Otherwise it is a no-op.
func (m *TokenManager) EnsureValid(ctx context.Context) error {
	if m.fresh() {
		return nil
	}

	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	// Another caller may have refreshed while we waited
	if m.fresh() {
		return nil
	}

	if !m.isLoaded() {
		if err := m.loadPersisted(ctx); err != nil {
			m.log.Warn().Err(err).Msg("Ignoring unreadable persisted token")
		}
		if m.fresh() {
			return nil
		}
	}

	return m.authenticate(ctx)
}

// ForceRefresh re-authenticates after the broker rejected a token as expired,
// regardless of its age. seen is the Generation the rejected request was sent
// with; when a newer credential is already installed the call is a no-op, so
// concurrent callers that hit the same expiry share one new token.
func (m *TokenManager) ForceRefresh(ctx context.Context, seen uint64) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	if current := m.Generation(); current != seen {
		m.log.Debug().
			Uint64("seen", seen).
			Uint64("current", current).
			Msg("Token already refreshed by another caller")
		return nil
	}

	metrics.RecordTokenRefresh(metrics.TokenRefreshForced)
	return m.authenticate(ctx)
}

// Generation identifies the installed credential. Read it after Headers to
// tag a request with the token it carries.
func (m *TokenManager) Generation() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation
}

// Headers returns a copy of the default auth headers
func (m *TokenManager) Headers() http.Header {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.headers == nil {
		return http.Header{}
	}
	return m.headers.Clone()
}

// Credential returns a copy of the current credential, or nil
func (m *TokenManager) Credential() *Credential {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.cred == nil {
		return nil
	}
	c := *m.cred
	return &c
}

func (m *TokenManager) fresh() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	return m.cred != nil && !m.cred.Expired(now) && m.cred.Age(now) < m.cfg.RefreshAfter
}

func (m *TokenManager) isLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

func (m *TokenManager) loadPersisted(ctx context.Context) error {
	m.mu.Lock()
	m.loaded = true
	m.mu.Unlock()

	if m.store == nil {
		return nil
	}

	cred, err := m.store.Load(ctx)
	if err != nil {
		return err
	}
	if cred == nil {
		return nil
	}

	m.install(cred)
	m.log.Info().
		Time("expires_at", cred.ExpiresAt).
		Msg("Loaded persisted broker token")
	return nil
}

func (m *TokenManager) authenticate(ctx context.Context) error {
	if m.cfg.AppKey == "" || m.cfg.AppSecret == "" {
		metrics.RecordTokenRefresh(metrics.TokenRefreshFailure)
		return &AuthError{Reason: "app key and secret are required"}
	}
	if config.IsPlaceholderValue(m.cfg.AppKey) || config.IsPlaceholderValue(m.cfg.AppSecret) {
		metrics.RecordTokenRefresh(metrics.TokenRefreshFailure)
		return &AuthError{Reason: "app key or secret is a placeholder value"}
	}

	cred, err := m.requestToken(ctx)
	if err != nil {
		metrics.RecordTokenRefresh(metrics.TokenRefreshFailure)
		return err
	}

	m.install(cred)
	metrics.RecordTokenRefresh(metrics.TokenRefreshSuccess)

	if m.store != nil {
		if err := m.store.Save(ctx, cred); err != nil {
			m.log.Error().Err(err).Msg("Failed to persist broker token")
		}
	}

	m.log.Info().
		Time("expires_at", cred.ExpiresAt).
		Msg("Broker token issued")
	return nil
}

func (m *TokenManager) requestToken(ctx context.Context) (*Credential, error) {
	body, err := json.Marshal(tokenRequest{
		GrantType: "client_credentials",
		AppKey:    m.cfg.AppKey,
		AppSecret: m.cfg.AppSecret,
	})
	if err != nil {
		return nil, &AuthError{Reason: "encode token request", Err: err}
	}

	url := strings.TrimRight(m.cfg.BaseURL, "/") + "/oauth2/tokenP"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, &AuthError{Reason: "build token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, &AuthError{Reason: "token endpoint unreachable", Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &AuthError{Reason: "read token response", Err: err}
	}

	var tr tokenResponse
	_ = json.Unmarshal(raw, &tr)

	if resp.StatusCode != http.StatusOK {
		reason := fmt.Sprintf("token endpoint returned HTTP %d", resp.StatusCode)
		if tr.ErrorCode != "" {
			reason = fmt.Sprintf("%s [%s] %s", reason, tr.ErrorCode, tr.ErrorDesc)
		}
		return nil, &AuthError{Reason: reason}
	}
	if tr.AccessToken == "" {
		return nil, &AuthError{Reason: "token response missing access_token"}
	}

	now := m.now()
	cred := &Credential{AccessToken: tr.AccessToken, IssuedAt: now}
	switch {
	case tr.ExpiresAt != "":
		expiresAt, err := time.ParseInLocation(TokenTimeLayout, tr.ExpiresAt, m.cfg.Location)
		if err != nil {
			return nil, &AuthError{Reason: "invalid access_token_token_expired", Err: err}
		}
		cred.ExpiresAt = expiresAt
	case tr.ExpiresIn > 0:
		cred.ExpiresAt = now.Add(time.Duration(tr.ExpiresIn) * time.Second)
	default:
		cred.ExpiresAt = now.Add(tokenValidity)
	}

	return cred, nil
}

func (m *TokenManager) install(cred *Credential) {
	headers := http.Header{}
	headers.Set("authorization", "Bearer "+cred.AccessToken)
	headers.Set("appkey", m.cfg.AppKey)
	headers.Set("appsecret", m.cfg.AppSecret)

	m.mu.Lock()
	m.cred = cred
	m.headers = headers
	m.loaded = true
	m.generation++
	m.mu.Unlock()
}
