package model

import (
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "gpt-5.1-codex-high", want: "gpt-5.1-codex"},
		{in: "gpt-5.1-codex", want: "gpt-5.1-codex"},
		{in: "openai/gpt-5.1-codex-medium", want: "gpt-5.1-codex"},
		{in: "gpt-5.2-codex", want: "gpt-5.2-codex"},
		{in: "my-gpt-5.2-codex-preview", want: "gpt-5.2-codex"},
		{in: "gpt-5.2", want: "gpt-5.2"},
		{in: "gpt-5.2-mini", want: "gpt-5.2"},
		{in: "codex-max", want: "gpt-5.1-codex-max"},
		{in: "codex-mini-latest", want: "gpt-5.1-codex-mini"},
		{in: "codex", want: "gpt-5.1-codex"},
		{in: "gpt-5-codex", want: "gpt-5.1-codex"},
		{in: "gpt-5.1", want: "gpt-5.1"},
		{in: "gpt-4o", want: "gpt-5.1"},
		{in: "", want: "gpt-5.1"},
		{in: "anthropic/claude-sonnet", want: "gpt-5.1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Fatalf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{
		"gpt-5.1-codex-high", "gpt-5.2-codex", "codex-max", "codex-mini",
		"gpt-5.2", "gpt-5.1", "whatever", "openai/gpt-5.1-codex",
	}
	for _, in := range inputs {
		once := Normalize(in)
		if twice := Normalize(once); twice != once {
			t.Fatalf("Normalize not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestResolveTags(t *testing.T) {
	tests := []struct {
		model string
		tag   string
	}{
		{model: "gpt-5.2-codex", tag: TagGPT52Codex},
		{model: "gpt-5.2", tag: TagGPT52},
		{model: "codex-max", tag: TagCodexMax},
		{model: "codex-mini", tag: TagCodex},
		{model: "gpt-5.1-codex", tag: TagCodex},
		{model: "gpt-5.1", tag: TagGPT51},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := Resolve(tt.model).Tag; got != tt.tag {
				t.Fatalf("Resolve(%q).Tag = %q, want %q", tt.model, got, tt.tag)
			}
		})
	}
}

func TestCoerceEffort(t *testing.T) {
	tests := []struct {
		model  string
		effort string
		want   string
	}{
		// xhigh only on the 5.2 family and codex-max.
		{model: "gpt-5.2-codex", effort: "xhigh", want: "xhigh"},
		{model: "gpt-5.2", effort: "xhigh", want: "xhigh"},
		{model: "codex-max", effort: "xhigh", want: "xhigh"},
		{model: "gpt-5.1-codex", effort: "xhigh", want: "high"},
		{model: "gpt-5.1", effort: "xhigh", want: "high"},
		// none only on 5.2 and 5.1 general.
		{model: "gpt-5.2", effort: "none", want: "none"},
		{model: "gpt-5.1", effort: "none", want: "none"},
		{model: "gpt-5.1-codex", effort: "none", want: "low"},
		{model: "gpt-5.2-codex", effort: "none", want: "low"},
		// minimal coerces to low, except the mini family has no low.
		{model: "gpt-5.1", effort: "minimal", want: "low"},
		{model: "codex-mini", effort: "minimal", want: "medium"},
		// mini only runs medium or high.
		{model: "codex-mini", effort: "low", want: "medium"},
		{model: "codex-mini", effort: "high", want: "high"},
		{model: "codex-mini", effort: "xhigh", want: "high"},
		// empty falls back to the family default.
		{model: "gpt-5.1-codex", effort: "", want: "medium"},
		// garbage falls back to the family default.
		{model: "gpt-5.1-codex", effort: "turbo", want: "medium"},
	}
	for _, tt := range tests {
		t.Run(tt.model+"/"+tt.effort, func(t *testing.T) {
			profile := Resolve(tt.model)
			if got := profile.CoerceEffort(tt.effort); got != tt.want {
				t.Fatalf("CoerceEffort(%q, %q) = %q, want %q", tt.model, tt.effort, got, tt.want)
			}
		})
	}
}
