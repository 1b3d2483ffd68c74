package account

import (
	"math"
	"sync"
	"time"
)

// HealthConfig parameterises the per-account wellness score.
type HealthConfig struct {
	Initial             float64
	MaxScore            float64
	MinUsable           float64
	SuccessReward       float64
	RateLimitPenalty    float64
	FailurePenalty      float64
	RecoveryRatePerHour float64
}

// DefaultHealthConfig returns the stock wellness parameters.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		Initial:             70,
		MaxScore:            100,
		MinUsable:           50,
		SuccessReward:       1,
		RateLimitPenalty:    10,
		FailurePenalty:      20,
		RecoveryRatePerHour: 2,
	}
}

type healthState struct {
	score       float64
	lastUpdated time.Time
	failures    int
}

// HealthTracker maintains a wellness score per account index with linear
// time-based recovery applied on read.
type HealthTracker struct {
	cfg HealthConfig

	mu     sync.Mutex
	states map[int]*healthState
	now    func() time.Time
}

// NewHealthTracker builds a tracker with the given parameters.
func NewHealthTracker(cfg HealthConfig) *HealthTracker {
	return &HealthTracker{
		cfg:    cfg,
		states: make(map[int]*healthState),
		now:    time.Now,
	}
}

func (t *HealthTracker) state(i int) *healthState {
	st, ok := t.states[i]
	if !ok {
		st = &healthState{score: t.cfg.Initial, lastUpdated: t.now()}
		t.states[i] = st
	}
	return st
}

// effective applies recovery to the stored score without mutating it.
func (t *HealthTracker) effective(st *healthState) float64 {
	hours := t.now().Sub(st.lastUpdated).Hours()
	if hours <= 0 {
		return st.score
	}
	recovered := st.score + math.Floor(hours*t.cfg.RecoveryRatePerHour)
	return math.Min(t.cfg.MaxScore, recovered)
}

func (t *HealthTracker) apply(i int, delta float64, failure bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.state(i)
	score := t.effective(st) + delta
	st.score = math.Max(0, math.Min(t.cfg.MaxScore, score))
	st.lastUpdated = t.now()
	if failure {
		st.failures++
	} else {
		st.failures = 0
	}
}

// Score returns the effective score for account i.
func (t *HealthTracker) Score(i int) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effective(t.state(i))
}

// RecordSuccess rewards a successful request.
func (t *HealthTracker) RecordSuccess(i int) {
	t.apply(i, t.cfg.SuccessReward, false)
}

// RecordRateLimit penalises a rate-limited request.
func (t *HealthTracker) RecordRateLimit(i int) {
	t.apply(i, -t.cfg.RateLimitPenalty, true)
}

// RecordFailure penalises a hard failure.
func (t *HealthTracker) RecordFailure(i int) {
	t.apply(i, -t.cfg.FailurePenalty, true)
}

// IsUsable reports whether the effective score clears the usable floor.
func (t *HealthTracker) IsUsable(i int) bool {
	return t.Score(i) >= t.cfg.MinUsable
}

// Reset restores account i to the initial score.
func (t *HealthTracker) Reset(i int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.states[i] = &healthState{score: t.cfg.Initial, lastUpdated: t.now()}
}
