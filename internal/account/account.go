// Package account owns the OAuth account pool: durable storage, wellness
// scoring, client-side admission control, and the selection policies the
// gateway rotates with.
package account

// Reason tags why an account was penalised; it picks the backoff window.
type Reason string

const (
	// ReasonRateLimitExceeded marks a short-window rate limit.
	ReasonRateLimitExceeded Reason = "RATE_LIMIT_EXCEEDED"
	// ReasonUsageLimitReached marks plan quota exhaustion.
	ReasonUsageLimitReached Reason = "USAGE_LIMIT_REACHED"
	// ReasonServerError marks upstream 5xx unavailability.
	ReasonServerError Reason = "SERVER_ERROR"
	// ReasonUnknown marks an unclassifiable retryable response.
	ReasonUnknown Reason = "UNKNOWN"
)

// Account is an OAuth-linked identity with stored credentials and runtime
// penalty state. Timestamps are absolute milliseconds.
type Account struct {
	// AccountID is the opaque vendor account identifier extracted from the
	// access token claims.
	AccountID string `json:"accountId,omitempty"`
	// Email is the display email, when known.
	Email string `json:"email,omitempty"`

	// RefreshToken is the long-lived credential. Never empty.
	RefreshToken string `json:"refreshToken"`
	// AccessToken is the short-lived credential.
	AccessToken string `json:"accessToken,omitempty"`
	// AccessTokenExpiry is the access token expiry in epoch milliseconds.
	AccessTokenExpiry int64 `json:"accessTokenExpiry,omitempty"`

	AddedAt  int64 `json:"addedAt,omitempty"`
	LastUsed int64 `json:"lastUsed,omitempty"`
	Enabled  bool  `json:"enabled"`

	// RateLimitResetTime is when the current penalty expires, in epoch
	// milliseconds. Zero means no active penalty.
	RateLimitResetTime  int64  `json:"rateLimitResetTime,omitempty"`
	RateLimitReason     Reason `json:"rateLimitReason,omitempty"`
	ConsecutiveFailures int    `json:"consecutiveFailures,omitempty"`

	// Index is the account's position in the pool for this process.
	Index int `json:"-"`
}

// SameIdentity reports whether two accounts represent the same identity:
// equal refresh tokens, or both account ids present and equal.
func (a *Account) SameIdentity(b *Account) bool {
	if a == nil || b == nil {
		return false
	}
	if a.RefreshToken != "" && a.RefreshToken == b.RefreshToken {
		return true
	}
	return a.AccountID != "" && a.AccountID == b.AccountID
}

// Clone returns a copy safe to hand outside the manager's lock.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	copyAccount := *a
	return &copyAccount
}

// Label returns a human readable identifier for logging.
func (a *Account) Label() string {
	if a == nil {
		return "<nil>"
	}
	if a.Email != "" {
		return a.Email
	}
	if a.AccountID != "" {
		return a.AccountID
	}
	return "account"
}
