package account

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bep/debounce"
	log "github.com/sirupsen/logrus"

	"github.com/opencode-plugins/codex-auto-switch/internal/auth"
	"github.com/opencode-plugins/codex-auto-switch/internal/config"
)

const (
	// disableAfterFailures retires an account after this many consecutive
	// failures.
	disableAfterFailures = 5
	// refreshLead refreshes access tokens this long before expiry.
	refreshLead = 60 * time.Second
	// saveDebounceWindow coalesces record_* persistence writes.
	saveDebounceWindow = time.Second
	// minBackoff clamps every penalty window.
	minBackoff = 2 * time.Second

	// ProviderID identifies this gateway towards the host auth store.
	ProviderID = "codex-switch"
)

// Manager exclusively owns the account set and its health/bucket trackers
// for the process lifetime. All methods are safe for concurrent use.
type Manager struct {
	cfg    *config.Config
	tokens *auth.Service
	store  *Store
	hooks  Hooks

	health   *HealthTracker
	buckets  *BucketTracker
	selector *Selector

	mu          sync.Mutex
	accounts    []*Account
	activeIndex int
	loaded      bool

	scheduleSave func(func())
	now          func() time.Time
}

// NewManager wires the manager from configuration. The tuning file
// overrides tracker and selector parameters where set.
func NewManager(cfg *config.Config, tokens *auth.Service, store *Store, hooks Hooks) *Manager {
	if cfg == nil {
		cfg = config.Default()
	}
	if tokens == nil {
		tokens = auth.NewService()
	}
	if store == nil {
		store = NewStore("")
	}

	buckets := NewBucketTracker(bucketConfigFrom(cfg.Tuning.Bucket))
	m := &Manager{
		cfg:          cfg,
		tokens:       tokens,
		store:        store,
		hooks:        hooks,
		health:       NewHealthTracker(healthConfigFrom(cfg.Tuning.Health)),
		buckets:      buckets,
		selector:     NewSelector(selectorConfigFrom(cfg.Tuning.Selector), buckets),
		activeIndex:  -1,
		scheduleSave: debounce.New(saveDebounceWindow),
		now:          time.Now,
	}
	return m
}

func healthConfigFrom(t config.HealthTuning) HealthConfig {
	cfg := DefaultHealthConfig()
	if t.Initial > 0 {
		cfg.Initial = t.Initial
	}
	if t.MaxScore > 0 {
		cfg.MaxScore = t.MaxScore
	}
	if t.MinUsable > 0 {
		cfg.MinUsable = t.MinUsable
	}
	if t.SuccessReward > 0 {
		cfg.SuccessReward = t.SuccessReward
	}
	if t.RateLimitPenalty > 0 {
		cfg.RateLimitPenalty = t.RateLimitPenalty
	}
	if t.FailurePenalty > 0 {
		cfg.FailurePenalty = t.FailurePenalty
	}
	if t.RecoveryRatePerHour > 0 {
		cfg.RecoveryRatePerHour = t.RecoveryRatePerHour
	}
	return cfg
}

func bucketConfigFrom(t config.BucketTuning) BucketConfig {
	cfg := DefaultBucketConfig()
	if t.MaxTokens > 0 {
		cfg.MaxTokens = t.MaxTokens
	}
	if t.InitialTokens > 0 {
		cfg.InitialTokens = t.InitialTokens
	}
	if t.RegenerationPerMinute > 0 {
		cfg.RegenerationPerMinute = t.RegenerationPerMinute
	}
	return cfg
}

func selectorConfigFrom(t config.SelectorTuning) SelectorConfig {
	cfg := DefaultSelectorConfig()
	if t.MinHealthScore > 0 {
		cfg.MinHealthScore = t.MinHealthScore
	}
	if t.HealthWeight > 0 {
		cfg.HealthWeight = t.HealthWeight
	}
	if t.TokenWeight > 0 {
		cfg.TokenWeight = t.TokenWeight
	}
	if t.FreshnessWeight > 0 {
		cfg.FreshnessWeight = t.FreshnessWeight
	}
	if t.StickinessBonus > 0 {
		cfg.StickinessBonus = t.StickinessBonus
	}
	if t.SwitchThreshold > 0 {
		cfg.SwitchThreshold = t.SwitchThreshold
	}
	return cfg
}

// ensureLoadedLocked lazily loads the account set from disk. Idempotent.
func (m *Manager) ensureLoadedLocked() {
	if m.loaded {
		return
	}
	st, err := m.store.Load()
	if err != nil {
		log.Warnf("account manager: recovered from storage problem: %v", err)
	}
	m.accounts = st.Accounts
	m.activeIndex = st.ActiveIndex
	if len(m.accounts) == 0 {
		m.activeIndex = -1
	}
	m.loaded = true
	log.Debugf("account manager: loaded %d accounts (active %d)", len(m.accounts), m.activeIndex)
}

// Reload re-reads the account set from disk, replacing in-memory accounts.
// Used by the storage watcher when another process writes the file.
func (m *Manager) Reload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = false
	m.ensureLoadedLocked()
}

// snapshotLocked builds the value to persist.
func (m *Manager) snapshotLocked() *Storage {
	accounts := make([]*Account, len(m.accounts))
	for i, a := range m.accounts {
		accounts[i] = a.Clone()
	}
	activeIndex := m.activeIndex
	if activeIndex < 0 {
		activeIndex = 0
	}
	return &Storage{Version: StorageVersion, Accounts: accounts, ActiveIndex: activeIndex}
}

func (m *Manager) saveNow() {
	m.mu.Lock()
	st := m.snapshotLocked()
	m.mu.Unlock()
	if err := m.store.Save(st); err != nil {
		log.Errorf("account manager: save failed: %v", err)
	}
}

// scheduleDebouncedSave coalesces writes within the debounce window; the
// latest state wins at flush time.
func (m *Manager) scheduleDebouncedSave() {
	m.scheduleSave(m.saveNow)
}

// Flush persists the current state synchronously. Call on shutdown.
func (m *Manager) Flush() {
	m.saveNow()
}

// AddAccount registers the credentials produced by a completed OAuth flow
// and returns the account's index. Existing accounts with the same identity
// are overwritten in place. The account set is saved synchronously.
func (m *Manager) AddAccount(ctx context.Context, creds *auth.Credentials) (int, error) {
	if creds == nil || creds.RefreshToken == "" {
		return -1, fmt.Errorf("account manager: credentials with refresh token required")
	}
	_ = ctx

	m.mu.Lock()
	// The OAuth flow may run before the initial load, or another process
	// may have written accounts meanwhile.
	m.loaded = false
	m.ensureLoadedLocked()

	claims := auth.ParseClaims(creds.AccessToken)
	incoming := &Account{
		AccountID:         claims.AccountID(),
		Email:             claims.UserEmail(),
		RefreshToken:      creds.RefreshToken,
		AccessToken:       creds.AccessToken,
		AccessTokenExpiry: creds.Expiry,
		AddedAt:           m.now().UnixMilli(),
		Enabled:           true,
	}

	index := -1
	for i, existing := range m.accounts {
		if existing.SameIdentity(incoming) {
			index = i
			break
		}
	}

	if index >= 0 {
		a := m.accounts[index]
		a.RefreshToken = incoming.RefreshToken
		a.AccessToken = incoming.AccessToken
		a.AccessTokenExpiry = incoming.AccessTokenExpiry
		if incoming.AccountID != "" {
			a.AccountID = incoming.AccountID
		}
		if incoming.Email != "" {
			a.Email = incoming.Email
		}
		a.Enabled = true
		a.RateLimitResetTime = 0
		a.RateLimitReason = ""
		a.ConsecutiveFailures = 0
		m.health.Reset(index)
		log.Infof("account manager: updated account %s", a.Label())
	} else {
		incoming.Index = len(m.accounts)
		m.accounts = append(m.accounts, incoming)
		index = incoming.Index
		if len(m.accounts) == 1 {
			m.activeIndex = 0
		}
		log.Infof("account manager: added account %s (%d total)", incoming.Label(), len(m.accounts))
	}
	st := m.snapshotLocked()
	label := m.accounts[index].Label()
	m.mu.Unlock()

	// The process may exit right after OAuth; persist synchronously.
	if err := m.store.Save(st); err != nil {
		return index, err
	}
	m.hooks.toast(fmt.Sprintf("Linked account %s", label), "success", 3000)
	m.hooks.authWriteback(ProviderID, WritebackCredentials{
		Access:    creds.AccessToken,
		Refresh:   creds.RefreshToken,
		Expires:   creds.Expiry,
		AccountID: incoming.AccountID,
	})
	return index, nil
}

// isRateLimitedLocked reports whether the account is inside a penalty
// window. An expired window is cleared as a side effect.
func (m *Manager) isRateLimitedLocked(a *Account) bool {
	if a.RateLimitResetTime == 0 {
		return false
	}
	if m.now().UnixMilli() >= a.RateLimitResetTime {
		a.RateLimitResetTime = 0
		a.RateLimitReason = ""
		return false
	}
	return true
}

// SelectAccount picks the account for the next attempt and updates the
// active cursor. It returns nil only when no enabled account exists.
func (m *Manager) SelectAccount() *Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoadedLocked()

	if len(m.accounts) == 0 {
		return nil
	}

	metrics := make([]Metrics, len(m.accounts))
	for i, a := range m.accounts {
		metrics[i] = Metrics{
			Index:       i,
			LastUsed:    a.LastUsed,
			HealthScore: m.health.Score(i),
			RateLimited: m.isRateLimitedLocked(a),
			Enabled:     a.Enabled,
		}
	}

	strategy := m.cfg.Strategy
	if len(m.accounts) == 1 {
		strategy = config.StrategySticky
	}

	index := m.selector.Pick(strategy, metrics, m.activeIndex)
	if index < 0 {
		index = m.fallbackLocked()
	}
	if index < 0 {
		return nil
	}
	if index != m.activeIndex {
		log.Infof("account manager: switching active account %d -> %d (%s)", m.activeIndex, index, m.accounts[index].Label())
		m.hooks.logLine("codex-switch", "info", fmt.Sprintf("switched to account %s", m.accounts[index].Label()))
	}
	m.activeIndex = index
	a := m.accounts[index].Clone()
	a.Index = index
	return a
}

// fallbackLocked picks the enabled account with the least future penalty
// reset, possibly still rate-limited. Ties resolve to the smaller index.
func (m *Manager) fallbackLocked() int {
	best := -1
	var bestReset int64
	for i, a := range m.accounts {
		if !a.Enabled {
			continue
		}
		if best < 0 || a.RateLimitResetTime < bestReset {
			best = i
			bestReset = a.RateLimitResetTime
		}
	}
	return best
}

// EnsureAccessToken guarantees the account carries a usable access token,
// refreshing it through the token service when missing or within the
// refresh lead of expiry. On refresh failure the account is penalised and
// nil is returned so the caller can rotate.
func (m *Manager) EnsureAccessToken(ctx context.Context, a *Account) *Account {
	if a == nil {
		return nil
	}
	if a.AccessToken != "" && a.AccessTokenExpiry > m.now().Add(refreshLead).UnixMilli() {
		return a
	}

	log.Debugf("account manager: refreshing access token for %s", a.Label())
	creds, err := m.tokens.Refresh(ctx, a.RefreshToken)
	if err != nil {
		log.Warnf("account manager: token refresh failed for %s: %v", a.Label(), err)
		m.RecordFailure(a.Index)
		return nil
	}

	m.mu.Lock()
	if a.Index < 0 || a.Index >= len(m.accounts) {
		m.mu.Unlock()
		return nil
	}
	stored := m.accounts[a.Index]
	stored.AccessToken = creds.AccessToken
	stored.AccessTokenExpiry = creds.Expiry
	if creds.RefreshToken != "" {
		stored.RefreshToken = creds.RefreshToken
	}
	if stored.AccountID == "" {
		if claims := auth.ParseClaims(creds.AccessToken); claims != nil {
			stored.AccountID = claims.AccountID()
			if stored.Email == "" {
				stored.Email = claims.UserEmail()
			}
		}
	}
	refreshed := stored.Clone()
	refreshed.Index = a.Index
	m.mu.Unlock()

	m.scheduleDebouncedSave()
	m.hooks.authWriteback(ProviderID, WritebackCredentials{
		Access:    refreshed.AccessToken,
		Refresh:   refreshed.RefreshToken,
		Expires:   refreshed.AccessTokenExpiry,
		AccountID: refreshed.AccountID,
	})
	return refreshed
}

// RecordSuccess notes a successful request for account i.
func (m *Manager) RecordSuccess(i int) {
	m.mu.Lock()
	if i >= 0 && i < len(m.accounts) {
		a := m.accounts[i]
		a.LastUsed = m.now().UnixMilli()
		a.ConsecutiveFailures = 0
	}
	m.mu.Unlock()
	m.health.RecordSuccess(i)
	m.buckets.Consume(i, 1)
	m.scheduleDebouncedSave()
}

// backoff returns the penalty window for a reason at the given
// consecutive-failure count.
func (m *Manager) backoff(reason Reason, failures int) time.Duration {
	t := m.cfg.Tuning.Backoff
	var d time.Duration
	switch reason {
	case ReasonUsageLimitReached:
		ladder := []time.Duration{60 * time.Second, 300 * time.Second, 1800 * time.Second}
		if len(t.UsageLimit) > 0 {
			ladder = make([]time.Duration, len(t.UsageLimit))
			for i, secs := range t.UsageLimit {
				ladder[i] = time.Duration(secs) * time.Second
			}
		}
		step := failures
		if step > len(ladder)-1 {
			step = len(ladder) - 1
		}
		d = ladder[step]
	case ReasonRateLimitExceeded:
		d = 30 * time.Second
		if t.RateLimit > 0 {
			d = time.Duration(t.RateLimit) * time.Second
		}
	case ReasonServerError:
		d = 20 * time.Second
		if t.ServerErr > 0 {
			d = time.Duration(t.ServerErr) * time.Second
		}
	default:
		d = 60 * time.Second
		if t.Unknown > 0 {
			d = time.Duration(t.Unknown) * time.Second
		}
	}
	if d < minBackoff {
		d = minBackoff
	}
	return d
}

// MarkRateLimited penalises account i with the reason's backoff window.
func (m *Manager) MarkRateLimited(i int, reason Reason) {
	m.mu.Lock()
	var label string
	var window time.Duration
	if i >= 0 && i < len(m.accounts) {
		a := m.accounts[i]
		window = m.backoff(reason, a.ConsecutiveFailures)
		a.RateLimitResetTime = m.now().Add(window).UnixMilli()
		a.RateLimitReason = reason
		a.ConsecutiveFailures++
		label = a.Label()
	}
	m.mu.Unlock()
	m.health.RecordRateLimit(i)
	m.scheduleDebouncedSave()
	if label != "" {
		log.Warnf("account manager: %s rate limited (%s), backing off %s", label, reason, window)
		m.hooks.toast(fmt.Sprintf("Account %s rate limited, rotating", label), "warning", 4000)
	}
}

// RecordFailure notes a hard failure for account i, disabling it after
// too many consecutive failures.
func (m *Manager) RecordFailure(i int) {
	m.mu.Lock()
	var disabledLabel string
	if i >= 0 && i < len(m.accounts) {
		a := m.accounts[i]
		a.ConsecutiveFailures++
		if a.ConsecutiveFailures >= disableAfterFailures && a.Enabled {
			a.Enabled = false
			disabledLabel = a.Label()
		}
	}
	m.mu.Unlock()
	m.health.RecordFailure(i)
	m.scheduleDebouncedSave()
	if disabledLabel != "" {
		log.Errorf("account manager: disabling account %s after %d consecutive failures", disabledLabel, disableAfterFailures)
		m.hooks.toast(fmt.Sprintf("Account %s disabled after repeated failures", disabledLabel), "error", 5000)
	}
}

// Accounts returns a snapshot of the pool for inspection.
func (m *Manager) Accounts() []*Account {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoadedLocked()
	out := make([]*Account, len(m.accounts))
	for i, a := range m.accounts {
		out[i] = a.Clone()
		out[i].Index = i
	}
	return out
}

// ActiveIndex returns the current cursor, or -1 when the pool is empty.
func (m *Manager) ActiveIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeIndex
}

// Health exposes the wellness tracker for inspection.
func (m *Manager) Health() *HealthTracker { return m.health }

// Buckets exposes the admission tracker for inspection.
func (m *Manager) Buckets() *BucketTracker { return m.buckets }

// StoragePath returns the backing file location.
func (m *Manager) StoragePath() string { return m.store.Path() }
