package auth

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/skratchdot/open-golang/open"
)

const (
	authorizeURL = "https://auth.openai.com/oauth/authorize"
	// CallbackPort is the fixed localhost port required by the vendor client.
	CallbackPort = 1455
)

// GenerateAuthURL builds the vendor authorization URL with PKCE.
func GenerateAuthURL(state string, pkce *PKCECodes) string {
	params := url.Values{}
	params.Set("client_id", ClientID)
	params.Set("redirect_uri", RedirectURI)
	params.Set("response_type", "code")
	params.Set("scope", "openid profile email offline_access")
	params.Set("state", state)
	params.Set("code_challenge", pkce.CodeChallenge)
	params.Set("code_challenge_method", "S256")
	params.Set("id_token_add_organizations", "true")
	params.Set("codex_cli_simplified_flow", "true")
	return authorizeURL + "?" + params.Encode()
}

// Login runs the interactive OAuth flow: local callback listener, browser
// open, code exchange. The returned credentials feed Manager.AddAccount.
func Login(ctx context.Context, svc *Service, noBrowser bool) (*Credentials, error) {
	pkce, err := GeneratePKCECodes()
	if err != nil {
		return nil, fmt.Errorf("pkce generation failed: %w", err)
	}
	state, err := GenerateRandomState()
	if err != nil {
		return nil, fmt.Errorf("state generation failed: %w", err)
	}

	server := NewOAuthServer(CallbackPort)
	if err = server.Start(); err != nil {
		return nil, fmt.Errorf("callback server: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if stopErr := server.Stop(stopCtx); stopErr != nil {
			log.Warnf("oauth server stop error: %v", stopErr)
		}
	}()

	authURL := GenerateAuthURL(state, pkce)
	if noBrowser {
		log.Infof("Visit the following URL to continue authentication:\n%s", authURL)
	} else {
		log.Info("Opening browser for authentication")
		if err = open.Run(authURL); err != nil {
			log.Warnf("failed to open browser automatically: %v", err)
			log.Infof("Visit the following URL to continue authentication:\n%s", authURL)
		}
	}

	log.Info("Waiting for authentication callback...")
	result, err := server.WaitForCallback(5 * time.Minute)
	if err != nil {
		return nil, err
	}
	if result.Error != "" {
		return nil, &oauthError{code: result.Error, status: http.StatusBadRequest}
	}
	if result.State != state {
		return nil, fmt.Errorf("state mismatch in OAuth callback")
	}

	log.Debug("authorization code received; exchanging for tokens")
	return svc.ExchangeCode(ctx, result.Code, pkce.CodeVerifier, RedirectURI)
}

type oauthError struct {
	code   string
	status int
}

func (e *oauthError) Error() string {
	return fmt.Sprintf("oauth error %q (status %d)", e.code, e.status)
}
