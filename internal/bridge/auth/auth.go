// Package auth manages the bridge's access/refresh token pair: first-
// request login against the stored credentials, and the one-retry
// refresh-then-login fallback the transport layer calls on a 401.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/codeindexer/cidx/internal/bridge/config"
	"github.com/codeindexer/cidx/internal/bridge/credentials"
)

type tokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// Manager implements transport.TokenSource against the configured
// server's login/refresh endpoints.
type Manager struct {
	serverURL  string
	httpClient *http.Client

	mu           sync.Mutex
	accessToken  string
	refreshToken string
}

func New(serverURL string, httpClient *http.Client, initialAccessToken string) *Manager {
	return &Manager{serverURL: serverURL, httpClient: httpClient, accessToken: initialAccessToken}
}

// Token returns the current access token, logging in against stored
// credentials first if none is held yet.
func (m *Manager) Token() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.accessToken == "" {
		if err := m.loginLocked(context.Background()); err != nil {
			return ""
		}
	}
	return m.accessToken
}

// Refresh implements transport.TokenSource: it first tries the
// refresh-token exchange, and falls back to a full credential login
// on failure, per the spec's auto-refresh contract. On success the new
// access token is rewritten to the config file atomically.
func (m *Manager) Refresh(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.refreshToken != "" {
		if err := m.refreshLocked(ctx); err == nil {
			return m.persistLocked()
		}
	}
	if err := m.loginLocked(ctx); err != nil {
		return "", err
	}
	return m.persistLocked()
}

func (m *Manager) persistLocked() (string, error) {
	if err := config.SaveToken(m.accessToken); err != nil {
		return "", fmt.Errorf("auth: persist refreshed token: %w", err)
	}
	return m.accessToken, nil
}

func (m *Manager) loginLocked(ctx context.Context) error {
	creds, err := credentials.Load()
	if err != nil {
		return fmt.Errorf("auth: no stored credentials to log in with: %w", err)
	}
	pair, err := m.post(ctx, "/auth/login", creds)
	if err != nil {
		return fmt.Errorf("auth: login failed: %w", err)
	}
	m.accessToken, m.refreshToken = pair.AccessToken, pair.RefreshToken
	return nil
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	pair, err := m.post(ctx, "/auth/refresh", map[string]string{"refresh_token": m.refreshToken})
	if err != nil {
		return fmt.Errorf("auth: refresh failed: %w", err)
	}
	m.accessToken, m.refreshToken = pair.AccessToken, pair.RefreshToken
	return nil
}

func (m *Manager) post(ctx context.Context, path string, body any) (tokenPair, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return tokenPair{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.serverURL+path, bytes.NewReader(data))
	if err != nil {
		return tokenPair{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return tokenPair{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return tokenPair{}, fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}

	var pair tokenPair
	if err := json.NewDecoder(resp.Body).Decode(&pair); err != nil {
		return tokenPair{}, err
	}
	return pair, nil
}
