package account

import (
	"math"
	"sync"
	"time"
)

// BucketConfig parameterises the per-account admission bucket.
type BucketConfig struct {
	MaxTokens             float64
	InitialTokens         float64
	RegenerationPerMinute float64
}

// DefaultBucketConfig returns the stock bucket parameters.
func DefaultBucketConfig() BucketConfig {
	return BucketConfig{
		MaxTokens:             50,
		InitialTokens:         50,
		RegenerationPerMinute: 6,
	}
}

type bucketState struct {
	tokens      float64
	lastUpdated time.Time
}

// BucketTracker maintains a fractional token count per account index with
// continuous linear regeneration applied on read.
type BucketTracker struct {
	cfg BucketConfig

	mu     sync.Mutex
	states map[int]*bucketState
	now    func() time.Time
}

// NewBucketTracker builds a tracker with the given parameters.
func NewBucketTracker(cfg BucketConfig) *BucketTracker {
	return &BucketTracker{
		cfg:    cfg,
		states: make(map[int]*bucketState),
		now:    time.Now,
	}
}

func (t *BucketTracker) state(i int) *bucketState {
	st, ok := t.states[i]
	if !ok {
		st = &bucketState{tokens: t.cfg.InitialTokens, lastUpdated: t.now()}
		t.states[i] = st
	}
	return st
}

// effective applies regeneration to the stored count without mutating it.
func (t *BucketTracker) effective(st *bucketState) float64 {
	minutes := t.now().Sub(st.lastUpdated).Minutes()
	if minutes <= 0 {
		return st.tokens
	}
	return math.Min(t.cfg.MaxTokens, st.tokens+minutes*t.cfg.RegenerationPerMinute)
}

// Tokens returns the effective token count for account i.
func (t *BucketTracker) Tokens(i int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effective(t.state(i))
}

// HasTokens reports whether account i can afford cost.
func (t *BucketTracker) HasTokens(i int, cost float64) bool {
	return t.Tokens(i) >= cost
}

// Consume atomically deducts cost from account i. It returns false and
// leaves the bucket untouched when the balance is insufficient.
func (t *BucketTracker) Consume(i int, cost float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(i)
	current := t.effective(st)
	if current < cost {
		return false
	}
	st.tokens = current - cost
	st.lastUpdated = t.now()
	return true
}

// Refund returns amount to account i, capped at the bucket maximum.
func (t *BucketTracker) Refund(i int, amount float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(i)
	st.tokens = math.Min(t.cfg.MaxTokens, t.effective(st)+amount)
	st.lastUpdated = t.now()
}

// MaxTokens returns the configured bucket capacity.
func (t *BucketTracker) MaxTokens() float64 { return t.cfg.MaxTokens }
