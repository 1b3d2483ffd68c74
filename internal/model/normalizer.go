// Package model maps arbitrary model identifiers onto the canonical Codex
// families and their reasoning profiles.
package model

import (
	"strings"

	"github.com/opencode-plugins/codex-auto-switch/internal/util"
)

// Family tags select the system instructions text.
const (
	TagGPT52Codex = "gpt-5.2-codex"
	TagCodexMax   = "codex-max"
	TagCodex      = "codex"
	TagGPT52      = "gpt-5.2"
	TagGPT51      = "gpt-5.1"
)

// Reasoning effort levels.
const (
	EffortNone    = "none"
	EffortMinimal = "minimal"
	EffortLow     = "low"
	EffortMedium  = "medium"
	EffortHigh    = "high"
	EffortXHigh   = "xhigh"
)

// Profile describes a canonical model family: its identifier, the
// instructions tag, and the reasoning efforts it accepts.
type Profile struct {
	Canonical     string
	Tag           string
	DefaultEffort string
	Efforts       []string
	// Lightweight marks the mini family, which accepts only medium/high.
	Lightweight bool
}

var profiles = []Profile{
	{
		Canonical:     "gpt-5.2-codex",
		Tag:           TagGPT52Codex,
		DefaultEffort: EffortMedium,
		Efforts:       []string{EffortLow, EffortMedium, EffortHigh, EffortXHigh},
	},
	{
		Canonical:     "gpt-5.2",
		Tag:           TagGPT52,
		DefaultEffort: EffortMedium,
		Efforts:       []string{EffortNone, EffortLow, EffortMedium, EffortHigh, EffortXHigh},
	},
	{
		Canonical:     "gpt-5.1-codex-max",
		Tag:           TagCodexMax,
		DefaultEffort: EffortMedium,
		Efforts:       []string{EffortLow, EffortMedium, EffortHigh, EffortXHigh},
	},
	{
		Canonical:     "gpt-5.1-codex-mini",
		Tag:           TagCodex,
		DefaultEffort: EffortMedium,
		Efforts:       []string{EffortMedium, EffortHigh},
		Lightweight:   true,
	},
	{
		Canonical:     "gpt-5.1-codex",
		Tag:           TagCodex,
		DefaultEffort: EffortMedium,
		Efforts:       []string{EffortLow, EffortMedium, EffortHigh},
	},
	{
		Canonical:     "gpt-5.1",
		Tag:           TagGPT51,
		DefaultEffort: EffortMedium,
		Efforts:       []string{EffortNone, EffortLow, EffortMedium, EffortHigh},
	},
}

// canonicalIDs resolves well-known aliases before the substring ladder.
var canonicalIDs = map[string]string{
	"gpt-5.2-codex-low":     "gpt-5.2-codex",
	"gpt-5.2-codex-medium":  "gpt-5.2-codex",
	"gpt-5.2-codex-high":    "gpt-5.2-codex",
	"gpt-5.2-codex-xhigh":   "gpt-5.2-codex",
	"gpt-5.1-codex-low":     "gpt-5.1-codex",
	"gpt-5.1-codex-medium":  "gpt-5.1-codex",
	"gpt-5.1-codex-high":    "gpt-5.1-codex",
	"gpt-5.1-codex-max-low": "gpt-5.1-codex-max",
	"codex-max":             "gpt-5.1-codex-max",
	"codex-mini":            "gpt-5.1-codex-mini",
	"codex-mini-latest":     "gpt-5.1-codex-mini",
	"gpt-5-codex":           "gpt-5.1-codex",
	"gpt-5":                 "gpt-5.1",
}

// ladder is the prioritised substring table; the most specific family wins.
var ladder = []struct {
	needle    string
	canonical string
}{
	{"5.2-codex", "gpt-5.2-codex"},
	{"5.2", "gpt-5.2"},
	{"codex-max", "gpt-5.1-codex-max"},
	{"codex-mini", "gpt-5.1-codex-mini"},
	{"codex", "gpt-5.1-codex"},
	{"5.1-codex", "gpt-5.1-codex"},
	{"5.1", "gpt-5.1"},
}

// Normalize maps an arbitrary model identifier to its canonical family
// name. The mapping is idempotent.
func Normalize(modelID string) string {
	id := strings.TrimSpace(modelID)
	// Strip a provider prefix such as "openai/".
	if idx := strings.LastIndex(id, "/"); idx >= 0 {
		id = id[idx+1:]
	}
	if canonical, ok := canonicalIDs[id]; ok {
		return canonical
	}
	lower := strings.ToLower(id)
	for _, p := range profiles {
		if lower == p.Canonical {
			return p.Canonical
		}
	}
	for _, step := range ladder {
		if strings.Contains(lower, step.needle) {
			return step.canonical
		}
	}
	return "gpt-5.1"
}

// Resolve returns the reasoning profile for a model identifier.
func Resolve(modelID string) Profile {
	canonical := Normalize(modelID)
	for _, p := range profiles {
		if p.Canonical == canonical {
			return p
		}
	}
	return profiles[len(profiles)-1]
}

// Supports reports whether the profile accepts the effort level as-is.
func (p Profile) Supports(effort string) bool {
	return util.InArray(p.Efforts, effort)
}

// CoerceEffort maps an arbitrary effort onto the profile's supported set:
// the mini family accepts only medium or high; xhigh downgrades to high
// where unsupported; none upgrades to low where unsupported; minimal
// becomes low outside lightweight families.
func (p Profile) CoerceEffort(effort string) string {
	effort = strings.ToLower(strings.TrimSpace(effort))
	if effort == "" {
		return p.DefaultEffort
	}
	if p.Supports(effort) {
		return effort
	}
	switch effort {
	case EffortXHigh:
		effort = EffortHigh
	case EffortNone:
		effort = EffortLow
	case EffortMinimal:
		effort = EffortLow
	}
	if p.Supports(effort) {
		return effort
	}
	if p.Lightweight {
		// Mini only runs at medium or high.
		if effort == EffortHigh {
			return EffortHigh
		}
		return EffortMedium
	}
	return p.DefaultEffort
}
