package account

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/opencode-plugins/codex-auto-switch/internal/auth"
	"github.com/opencode-plugins/codex-auto-switch/internal/config"
)

func testToken(t *testing.T, accountID, email string) string {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"email": email,
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": accountID,
		},
	})
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none"}`))
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func newTestManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store := NewStore(filepath.Join(t.TempDir(), StorageFileName))
	m := NewManager(config.Default(), auth.NewService(), store, Hooks{})
	m.now = func() time.Time { return now }
	m.health.now = func() time.Time { return now }
	m.buckets.now = func() time.Time { return now }
	m.selector.now = func() time.Time { return now }
	return m, &now
}

func addTestAccount(t *testing.T, m *Manager, accountID, email string) int {
	t.Helper()
	index, err := m.AddAccount(context.Background(), &auth.Credentials{
		AccessToken:  testToken(t, accountID, email),
		RefreshToken: "rt-" + accountID,
		Expiry:       time.Now().Add(2 * time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("add account: %v", err)
	}
	return index
}

func TestAddAccountAppendsAndPersists(t *testing.T) {
	m, _ := newTestManager(t)
	if idx := addTestAccount(t, m, "acct-1", "one@example.com"); idx != 0 {
		t.Fatalf("expected index 0, got %d", idx)
	}
	if idx := addTestAccount(t, m, "acct-2", "two@example.com"); idx != 1 {
		t.Fatalf("expected index 1, got %d", idx)
	}

	st, err := m.store.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(st.Accounts) != 2 {
		t.Fatalf("expected 2 persisted accounts, got %d", len(st.Accounts))
	}
	if st.Accounts[0].Email != "one@example.com" {
		t.Fatalf("unexpected first account: %+v", st.Accounts[0])
	}
}

func TestAddAccountDeduplicates(t *testing.T) {
	m, _ := newTestManager(t)
	addTestAccount(t, m, "acct-1", "one@example.com")

	// Same account id, rotated refresh token: update in place.
	index, err := m.AddAccount(context.Background(), &auth.Credentials{
		AccessToken:  testToken(t, "acct-1", "renamed@example.com"),
		RefreshToken: "rt-rotated",
		Expiry:       time.Now().Add(time.Hour).UnixMilli(),
	})
	if err != nil {
		t.Fatalf("re-add account: %v", err)
	}
	if index != 0 {
		t.Fatalf("expected overwrite of index 0, got %d", index)
	}

	accounts := m.Accounts()
	if len(accounts) != 1 {
		t.Fatalf("expected 1 account, got %d", len(accounts))
	}
	if accounts[0].RefreshToken != "rt-rotated" || accounts[0].Email != "renamed@example.com" {
		t.Fatalf("credentials not updated: %+v", accounts[0])
	}
	if !accounts[0].Enabled || accounts[0].ConsecutiveFailures != 0 {
		t.Fatal("re-add must clear penalty state")
	}
}

func TestQuotaBackoffEscalation(t *testing.T) {
	m, now := newTestManager(t)
	addTestAccount(t, m, "acct-1", "one@example.com")

	expected := []time.Duration{60 * time.Second, 300 * time.Second, 1800 * time.Second, 1800 * time.Second}
	for i, want := range expected {
		m.MarkRateLimited(0, ReasonUsageLimitReached)
		a := m.Accounts()[0]
		got := time.Duration(a.RateLimitResetTime-now.UnixMilli()) * time.Millisecond
		if got != want {
			t.Fatalf("step %d: expected backoff %s, got %s", i, want, got)
		}
	}
}

func TestBackoffTable(t *testing.T) {
	m, now := newTestManager(t)
	addTestAccount(t, m, "acct-1", "one@example.com")

	tests := []struct {
		reason Reason
		want   time.Duration
	}{
		{reason: ReasonRateLimitExceeded, want: 30 * time.Second},
		{reason: ReasonServerError, want: 20 * time.Second},
		{reason: ReasonUnknown, want: 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			m.MarkRateLimited(0, tt.reason)
			a := m.Accounts()[0]
			got := time.Duration(a.RateLimitResetTime-now.UnixMilli()) * time.Millisecond
			if got != tt.want {
				t.Fatalf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestRateLimitExpiryClears(t *testing.T) {
	m, now := newTestManager(t)
	addTestAccount(t, m, "acct-1", "one@example.com")
	addTestAccount(t, m, "acct-2", "two@example.com")

	m.MarkRateLimited(0, ReasonRateLimitExceeded)
	if a := m.SelectAccount(); a == nil || a.Index != 1 {
		t.Fatalf("expected rotation to account 1, got %+v", a)
	}

	*now = now.Add(time.Minute)
	m.MarkRateLimited(1, ReasonRateLimitExceeded)
	if a := m.SelectAccount(); a == nil || a.Index != 0 {
		t.Fatalf("expected account 0 after penalty expiry, got %+v", a)
	}
	if got := m.Accounts()[0].RateLimitResetTime; got != 0 {
		t.Fatalf("expired penalty must be cleared, got %d", got)
	}
}

func TestRecordFailureDisablesAccount(t *testing.T) {
	m, _ := newTestManager(t)
	addTestAccount(t, m, "acct-1", "one@example.com")

	for i := 0; i < 5; i++ {
		if !m.Accounts()[0].Enabled {
			t.Fatalf("disabled too early at failure %d", i)
		}
		m.RecordFailure(0)
	}
	if m.Accounts()[0].Enabled {
		t.Fatal("expected account disabled after 5 consecutive failures")
	}
	if a := m.SelectAccount(); a != nil {
		t.Fatalf("expected no selectable account, got %+v", a)
	}
}

func TestRecordSuccessResetsFailures(t *testing.T) {
	m, now := newTestManager(t)
	addTestAccount(t, m, "acct-1", "one@example.com")

	m.RecordFailure(0)
	m.RecordFailure(0)
	m.RecordSuccess(0)

	a := m.Accounts()[0]
	if a.ConsecutiveFailures != 0 {
		t.Fatalf("expected failures reset, got %d", a.ConsecutiveFailures)
	}
	if a.LastUsed != now.UnixMilli() {
		t.Fatalf("expected last_used bumped, got %d", a.LastUsed)
	}
	if got := m.buckets.Tokens(0); got != 49 {
		t.Fatalf("expected one bucket token consumed, got %v", got)
	}
}

func TestFallbackSelectsLeastFutureReset(t *testing.T) {
	m, _ := newTestManager(t)
	addTestAccount(t, m, "acct-1", "one@example.com")
	addTestAccount(t, m, "acct-2", "two@example.com")

	// Both rate limited: usage limit (60s) on 0, rate limit (30s) on 1.
	m.MarkRateLimited(0, ReasonUsageLimitReached)
	m.MarkRateLimited(1, ReasonRateLimitExceeded)

	a := m.SelectAccount()
	if a == nil || a.Index != 1 {
		t.Fatalf("expected fallback to the earliest reset (1), got %+v", a)
	}
}

func TestSingleAccountForcesSticky(t *testing.T) {
	m, _ := newTestManager(t)
	m.cfg.Strategy = config.StrategyRoundRobin
	addTestAccount(t, m, "acct-1", "one@example.com")

	for i := 0; i < 3; i++ {
		if a := m.SelectAccount(); a == nil || a.Index != 0 {
			t.Fatalf("expected single account selection, got %+v", a)
		}
	}
}

func TestEnsureAccessTokenSkipsFreshToken(t *testing.T) {
	m, _ := newTestManager(t)
	addTestAccount(t, m, "acct-1", "one@example.com")

	a := m.SelectAccount()
	refreshed := m.EnsureAccessToken(context.Background(), a)
	if refreshed == nil {
		t.Fatal("expected fresh token to pass through")
	}
	if refreshed.AccessToken != a.AccessToken {
		t.Fatal("fresh token must not be replaced")
	}
}

func TestEnsureAccessTokenRefreshesExpired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprintf(w, `{"access_token":"at-refreshed","refresh_token":"rt-rotated","expires_in":3600}`)
	}))
	defer srv.Close()

	m, _ := newTestManager(t)
	m.tokens.TokenURL = srv.URL
	addTestAccount(t, m, "acct-1", "one@example.com")

	a := m.SelectAccount()
	a.AccessTokenExpiry = 1 // long expired
	refreshed := m.EnsureAccessToken(context.Background(), a)
	if refreshed == nil {
		t.Fatal("expected successful refresh")
	}
	if refreshed.AccessToken != "at-refreshed" || refreshed.RefreshToken != "rt-rotated" {
		t.Fatalf("credentials not updated: %+v", refreshed)
	}
	// The rotated refresh token is persisted in the pool.
	if m.Accounts()[0].RefreshToken != "rt-rotated" {
		t.Fatal("rotated refresh token not stored")
	}
}

func TestEnsureAccessTokenFailureRecordsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	m, _ := newTestManager(t)
	m.tokens.TokenURL = srv.URL
	addTestAccount(t, m, "acct-1", "one@example.com")

	a := m.SelectAccount()
	a.AccessTokenExpiry = 1
	if got := m.EnsureAccessToken(context.Background(), a); got != nil {
		t.Fatalf("expected nil on refresh failure, got %+v", got)
	}
	if m.Accounts()[0].ConsecutiveFailures != 1 {
		t.Fatalf("expected failure recorded, got %d", m.Accounts()[0].ConsecutiveFailures)
	}
}

func TestPersistenceRoundTripPreservesState(t *testing.T) {
	m, _ := newTestManager(t)
	addTestAccount(t, m, "acct-1", "one@example.com")
	addTestAccount(t, m, "acct-2", "two@example.com")
	m.MarkRateLimited(0, ReasonUsageLimitReached)
	m.RecordSuccess(1)
	m.Flush()

	before := m.Accounts()
	st, err := m.store.Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(st.Accounts) != len(before) {
		t.Fatalf("expected %d accounts, got %d", len(before), len(st.Accounts))
	}
	for i := range before {
		got, want := *st.Accounts[i], *before[i]
		if got != want {
			t.Fatalf("account %d mismatch:\n got %+v\nwant %+v", i, got, want)
		}
	}
}
