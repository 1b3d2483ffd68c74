package auth

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// Claims represents the identity claims carried by a vendor access token.
// Tokens are decoded without signature verification; the gateway only needs
// the account identity, never trust decisions.
type Claims struct {
	Email    string        `json:"email"`
	Sub      string        `json:"sub"`
	AuthInfo AuthInfo      `json:"https://api.openai.com/auth"`
	Profile  ProfileClaims `json:"https://api.openai.com/profile"`
}

// AuthInfo contains the vendor auth namespace claims.
type AuthInfo struct {
	ChatgptAccountID string `json:"chatgpt_account_id"`
	ChatgptPlanType  string `json:"chatgpt_plan_type"`
	ChatgptUserID    string `json:"chatgpt_user_id"`
}

// ProfileClaims contains the vendor profile namespace claims.
type ProfileClaims struct {
	Email string `json:"email"`
}

// ParseClaims splits the token at dots, base64-decodes the middle segment,
// and parses it as JSON. On any failure it returns nil ("no claims").
func ParseClaims(token string) *Claims {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return nil
	}
	payload, err := base64URLDecode(parts[1])
	if err != nil {
		return nil
	}
	var claims Claims
	if err = json.Unmarshal(payload, &claims); err != nil {
		return nil
	}
	return &claims
}

// AccountID extracts the ChatGPT account identifier.
func (c *Claims) AccountID() string {
	if c == nil {
		return ""
	}
	return c.AuthInfo.ChatgptAccountID
}

// UserEmail extracts the account email, preferring the profile claim and
// falling back to the top-level email claim.
func (c *Claims) UserEmail() string {
	if c == nil {
		return ""
	}
	if c.Profile.Email != "" {
		return c.Profile.Email
	}
	return c.Email
}

// base64URLDecode decodes a base64 URL-encoded string with proper padding.
func base64URLDecode(data string) ([]byte, error) {
	switch len(data) % 4 {
	case 2:
		data += "=="
	case 3:
		data += "="
	}
	return base64.URLEncoding.DecodeString(data)
}
