package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const (
	// TokenURL is the vendor OAuth token endpoint.
	TokenURL = "https://auth.openai.com/oauth/token"
	// ClientID is the Codex CLI OAuth client identifier.
	ClientID = "app_EMoamEEZ73f0CkXaXp7hrann"
	// RedirectURI is the fixed localhost callback required by the vendor.
	RedirectURI = "http://localhost:1455/auth/callback"
)

// ErrTokenRefreshFailed marks a failed exchange or refresh against the
// token endpoint. The caller decides whether to rotate accounts; this layer
// never retries.
var ErrTokenRefreshFailed = errors.New("token refresh failed")

// Credentials is the (access, refresh, expiry) triple produced by a
// successful token-endpoint call. Expiry is an absolute millisecond
// timestamp.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	Expiry       int64
}

// Service talks to the vendor token endpoint.
type Service struct {
	// TokenURL overrides the endpoint, used by tests.
	TokenURL   string
	httpClient *http.Client
}

// NewService builds a token service with a bounded-timeout HTTP client.
func NewService() *Service {
	return &Service{
		TokenURL:   TokenURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	IDToken      string `json:"id_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// ExchangeCode exchanges an authorization code for tokens.
func (s *Service) ExchangeCode(ctx context.Context, code, verifier, redirectURI string) (*Credentials, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("client_id", ClientID)
	data.Set("code", code)
	data.Set("redirect_uri", redirectURI)
	data.Set("code_verifier", verifier)
	return s.post(ctx, data)
}

// Refresh obtains a new access token using the refresh token. The vendor
// may rotate the refresh token; the rotated value is returned when present.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*Credentials, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: refresh token is required", ErrTokenRefreshFailed)
	}
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("client_id", ClientID)
	data.Set("refresh_token", refreshToken)
	data.Set("scope", "openid profile email")
	return s.post(ctx, data)
}

func (s *Service) post(ctx context.Context, data url.Values) (*Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTokenRefreshFailed, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTokenRefreshFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Debugf("token endpoint returned %d: %s", resp.StatusCode, string(body))
		return nil, fmt.Errorf("%w: status %d", ErrTokenRefreshFailed, resp.StatusCode)
	}

	var tokenResp tokenResponse
	if err = json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: parse response: %v", ErrTokenRefreshFailed, err)
	}
	if tokenResp.AccessToken == "" || tokenResp.RefreshToken == "" || tokenResp.ExpiresIn == 0 {
		return nil, fmt.Errorf("%w: incomplete token response", ErrTokenRefreshFailed)
	}

	return &Credentials{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		IDToken:      tokenResp.IDToken,
		Expiry:       time.Now().UnixMilli() + tokenResp.ExpiresIn*1000,
	}, nil
}
