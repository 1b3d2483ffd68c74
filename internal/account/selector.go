package account

import (
	"math"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opencode-plugins/codex-auto-switch/internal/config"
)

// Metrics is the selection snapshot for one account.
type Metrics struct {
	Index       int
	LastUsed    int64
	HealthScore float64
	RateLimited bool
	Enabled     bool
}

// SelectorConfig parameterises the hybrid strategy.
type SelectorConfig struct {
	MinHealthScore  float64
	HealthWeight    float64
	TokenWeight     float64
	FreshnessWeight float64
	StickinessBonus float64
	SwitchThreshold float64
}

// DefaultSelectorConfig returns the stock hybrid weights.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		MinHealthScore:  50,
		HealthWeight:    2,
		TokenWeight:     5,
		FreshnessWeight: 0.1,
		StickinessBonus: 150,
		SwitchThreshold: 100,
	}
}

// Selector picks the next account index from a metrics snapshot. It returns
// -1 when no candidate passes the filter; the manager then applies its
// least-future-reset fallback.
type Selector struct {
	cfg     SelectorConfig
	buckets *BucketTracker
	now     func() time.Time
}

// NewSelector builds a selector over the given bucket tracker.
func NewSelector(cfg SelectorConfig, buckets *BucketTracker) *Selector {
	return &Selector{cfg: cfg, buckets: buckets, now: time.Now}
}

// Pick applies the named strategy. activeIndex of -1 means no active
// account.
func (s *Selector) Pick(strategy string, metrics []Metrics, activeIndex int) int {
	switch strategy {
	case config.StrategyRoundRobin:
		return s.pickRoundRobin(metrics, activeIndex)
	case config.StrategySticky:
		return s.pickSticky(metrics, activeIndex)
	default:
		return s.pickHybrid(metrics, activeIndex)
	}
}

func available(metrics []Metrics) []Metrics {
	out := make([]Metrics, 0, len(metrics))
	for _, m := range metrics {
		if m.Enabled && !m.RateLimited {
			out = append(out, m)
		}
	}
	return out
}

// pickSticky keeps the active account while it stays available.
func (s *Selector) pickSticky(metrics []Metrics, activeIndex int) int {
	filtered := available(metrics)
	if len(filtered) == 0 {
		return -1
	}
	for _, m := range filtered {
		if m.Index == activeIndex {
			return m.Index
		}
	}
	return filtered[0].Index
}

// pickRoundRobin returns the available account immediately after the
// active one in circular order.
func (s *Selector) pickRoundRobin(metrics []Metrics, activeIndex int) int {
	filtered := available(metrics)
	if len(filtered) == 0 {
		return -1
	}
	if activeIndex < 0 {
		return filtered[0].Index
	}
	for _, m := range filtered {
		if m.Index > activeIndex {
			return m.Index
		}
	}
	return filtered[0].Index
}

type scoredCandidate struct {
	Metrics
	base  float64
	score float64
}

// pickHybrid scores candidates by health, bucket level, and idle time,
// with a stickiness bonus and an anti-flap threshold damping switches.
func (s *Selector) pickHybrid(metrics []Metrics, activeIndex int) int {
	nowMs := s.now().UnixMilli()

	candidates := make([]scoredCandidate, 0, len(metrics))
	for _, m := range metrics {
		if !m.Enabled || m.RateLimited {
			continue
		}
		if m.HealthScore < s.cfg.MinHealthScore {
			continue
		}
		if !s.buckets.HasTokens(m.Index, 1) {
			continue
		}
		tokens := s.buckets.Tokens(m.Index)
		idleSeconds := float64(0)
		if m.LastUsed > 0 && nowMs > m.LastUsed {
			idleSeconds = float64(nowMs-m.LastUsed) / 1000
		}
		base := s.cfg.HealthWeight*m.HealthScore +
			s.cfg.TokenWeight*(100*tokens/s.buckets.MaxTokens()) +
			s.cfg.FreshnessWeight*math.Min(idleSeconds, 3600)
		score := base
		if m.Index == activeIndex {
			score += s.cfg.StickinessBonus
		}
		candidates = append(candidates, scoredCandidate{Metrics: m, base: base, score: score})
	}
	if len(candidates) == 0 {
		return -1
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	var active *scoredCandidate
	var challenger *scoredCandidate
	for i := range candidates {
		c := &candidates[i]
		if c.Index == activeIndex {
			active = c
		} else if challenger == nil || c.base > challenger.base {
			challenger = c
		}
	}
	if active == nil {
		return candidates[0].Index
	}
	if challenger == nil {
		return active.Index
	}

	// Anti-flap: only leave the active account for a clearly better one.
	advantage := challenger.base - active.base
	if advantage > s.cfg.SwitchThreshold {
		log.Debugf("selector: switching from %d to %d (advantage %.1f)", activeIndex, challenger.Index, advantage)
		return challenger.Index
	}
	return active.Index
}
