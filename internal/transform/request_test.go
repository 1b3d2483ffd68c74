package transform

import (
	"strings"
	"testing"

	"github.com/tidwall/gjson"
)

func TestRewriteForcesCoreFields(t *testing.T) {
	body := []byte(`{"model":"gpt-5.1-codex-high","stream":false,"store":true,"max_output_tokens":100,"max_completion_tokens":50,"custom_key":{"nested":1}}`)
	out := RewriteRequest(body, Options{CodexMode: true})

	if got := gjson.GetBytes(out, "model").String(); got != "gpt-5.1-codex" {
		t.Fatalf("model not canonicalised: %q", got)
	}
	if gjson.GetBytes(out, "store").Bool() {
		t.Fatal("store must be forced to false")
	}
	if !gjson.GetBytes(out, "stream").Bool() {
		t.Fatal("stream must be forced to true")
	}
	if gjson.GetBytes(out, "instructions").String() == "" {
		t.Fatal("instructions must be injected")
	}
	if gjson.GetBytes(out, "max_output_tokens").Exists() || gjson.GetBytes(out, "max_completion_tokens").Exists() {
		t.Fatal("token limits must be cleared")
	}
	// Unknown keys survive the rewrite.
	if got := gjson.GetBytes(out, "custom_key.nested").Int(); got != 1 {
		t.Fatal("unknown keys must be preserved")
	}
	// The original body is left unmodified.
	if gjson.GetBytes(body, "store").Bool() != true {
		t.Fatal("original body was mutated")
	}
}

func TestRewriteInvalidJSONPassesThrough(t *testing.T) {
	body := []byte(`this is not json`)
	out := RewriteRequest(body, Options{})
	if string(out) != string(body) {
		t.Fatal("unparseable body must pass through unchanged")
	}
}

func TestInputItemReferenceAndIDStripping(t *testing.T) {
	body := []byte(`{"model":"gpt-5.1","input":[
		{"type":"item_reference","id":"ref-1"},
		{"type":"message","role":"user","id":"msg-1","content":"hello"}
	]}`)
	out := RewriteRequest(body, Options{})

	items := gjson.GetBytes(out, "input").Array()
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].Get("id").Exists() {
		t.Fatal("item id must be stripped")
	}
	if items[0].Get("content").String() != "hello" {
		t.Fatalf("unexpected item: %s", items[0].Raw)
	}
}

func TestHostPromptStrippedWithEnvPreservation(t *testing.T) {
	body := []byte(`{"model":"gpt-5.1","input":[
		{"type":"message","role":"system","content":"You are opencode, an agent.\n<env>\nCWD=/tmp"},
		{"type":"message","role":"user","content":"hi"}
	]}`)
	out := RewriteRequest(body, Options{CodexMode: true})

	items := gjson.GetBytes(out, "input").Array()
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}
	content := items[0].Get("content").String()
	if !strings.HasPrefix(content, "<env>") {
		t.Fatalf("expected content to start at <env>, got %q", content)
	}
}

func TestHostPromptDroppedWithoutEnv(t *testing.T) {
	body := []byte(`{"model":"gpt-5.1","input":[
		{"type":"message","role":"system","content":"You are a coding agent running in the terminal."},
		{"type":"message","role":"user","content":"hi"}
	]}`)
	out := RewriteRequest(body, Options{CodexMode: true})

	items := gjson.GetBytes(out, "input").Array()
	if len(items) != 1 {
		t.Fatalf("expected prompt dropped, got %d items", len(items))
	}
	if items[0].Get("role").String() != "user" {
		t.Fatalf("wrong surviving item: %s", items[0].Raw)
	}
}

func TestKnownPromptPrefixMatch(t *testing.T) {
	known := strings.Repeat("x", 250)
	body := []byte(`{"model":"gpt-5.1","input":[
		{"type":"message","role":"system","content":"` + known + `custom tail"},
		{"type":"message","role":"user","content":"hi"}
	]}`)
	out := RewriteRequest(body, Options{CodexMode: true, KnownHostPrompt: known})

	items := gjson.GetBytes(out, "input").Array()
	if len(items) != 1 {
		t.Fatalf("expected known prompt stripped, got %d items", len(items))
	}
}

func TestHostPromptKeptOutsideCodexMode(t *testing.T) {
	body := []byte(`{"model":"gpt-5.1","input":[
		{"type":"message","role":"system","content":"You are opencode, an agent."}
	]}`)
	out := RewriteRequest(body, Options{CodexMode: false})

	items := gjson.GetBytes(out, "input").Array()
	if len(items) != 1 {
		t.Fatalf("expected prompt kept outside codex mode, got %d items", len(items))
	}
}

func TestBridgeInjectionWithTools(t *testing.T) {
	body := []byte(`{"model":"gpt-5.1","tools":[{"type":"function","name":"edit"}],"input":[
		{"type":"message","role":"user","content":"hi"}
	]}`)

	out := RewriteRequest(body, Options{CodexMode: true})
	items := gjson.GetBytes(out, "input").Array()
	if len(items) != 2 {
		t.Fatalf("expected bridge + user item, got %d", len(items))
	}
	first := items[0]
	if first.Get("role").String() != "developer" {
		t.Fatalf("bridge must be a developer message, got %s", first.Raw)
	}
	if !strings.Contains(first.Get("content").String(), "opencode agent harness") {
		t.Fatalf("expected codex bridge text, got %q", first.Get("content").String())
	}

	out = RewriteRequest(body, Options{CodexMode: false})
	first = gjson.GetBytes(out, "input").Array()[0]
	if !strings.Contains(first.Get("content").String(), "host agent") {
		t.Fatalf("expected tool remap notice, got %q", first.Get("content").String())
	}
}

func TestNoBridgeWithoutTools(t *testing.T) {
	body := []byte(`{"model":"gpt-5.1","input":[{"type":"message","role":"user","content":"hi"}]}`)
	out := RewriteRequest(body, Options{CodexMode: true})
	if got := len(gjson.GetBytes(out, "input").Array()); got != 1 {
		t.Fatalf("expected no bridge without tools, got %d items", got)
	}
}

func TestOrphanRepair(t *testing.T) {
	raws := []string{
		`{"type":"function_call","call_id":"X","name":"edit"}`,
		`{"type":"function_call_output","call_id":"Y","output":"hi"}`,
	}
	out := NormalizeOrphanedToolOutputs(raws)
	if len(out) != 2 {
		t.Fatalf("expected 2 items, got %d", len(out))
	}
	if out[0] != raws[0] {
		t.Fatal("matched call must be untouched")
	}
	repaired := gjson.Parse(out[1])
	if repaired.Get("type").String() != "message" || repaired.Get("role").String() != "assistant" {
		t.Fatalf("orphan must become assistant message: %s", out[1])
	}
	if got := repaired.Get("content").String(); got != "[Previous tool result; call_id=Y]: hi" {
		t.Fatalf("unexpected repaired content: %q", got)
	}
}

func TestOrphanRepairMatchedOutputsKept(t *testing.T) {
	raws := []string{
		`{"type":"local_shell_call","call_id":"A"}`,
		`{"type":"local_shell_call_output","call_id":"A","output":"ok"}`,
		`{"type":"custom_tool_call","call_id":"B"}`,
		`{"type":"custom_tool_call_output","call_id":"B","output":"ok"}`,
	}
	out := NormalizeOrphanedToolOutputs(raws)
	for i := range raws {
		if out[i] != raws[i] {
			t.Fatalf("item %d must be untouched: %s", i, out[i])
		}
	}
}

func TestOrphanRepairCrossTypeIsOrphaned(t *testing.T) {
	// A function_call does not satisfy a local_shell_call_output.
	raws := []string{
		`{"type":"function_call","call_id":"A"}`,
		`{"type":"local_shell_call_output","call_id":"A","output":"ok"}`,
	}
	out := NormalizeOrphanedToolOutputs(raws)
	repaired := gjson.Parse(out[1])
	if repaired.Get("type").String() != "message" {
		t.Fatalf("cross-type output must be repaired: %s", out[1])
	}
	if !strings.Contains(repaired.Get("content").String(), "local_shell") {
		t.Fatalf("expected local_shell tool name, got %q", repaired.Get("content").String())
	}
}

func TestOrphanRepairMissingCallID(t *testing.T) {
	raws := []string{`{"type":"function_call_output","output":"dangling"}`}
	out := NormalizeOrphanedToolOutputs(raws)
	content := gjson.Parse(out[0]).Get("content").String()
	if content != "[Previous tool result; call_id=unknown]: dangling" {
		t.Fatalf("unexpected content: %q", content)
	}
}

func TestOrphanRepairTruncatesLongOutput(t *testing.T) {
	long := strings.Repeat("a", maxToolOutputLen+100)
	raws := []string{`{"type":"function_call_output","call_id":"Z","output":"` + long + `"}`}
	out := NormalizeOrphanedToolOutputs(raws)
	content := gjson.Parse(out[0]).Get("content").String()
	if !strings.HasSuffix(content, "\n...[truncated]") {
		t.Fatalf("expected truncation suffix, got tail %q", content[len(content)-30:])
	}
	if len(content) > maxToolOutputLen+100 {
		t.Fatalf("content not truncated: %d bytes", len(content))
	}
}

func TestOrphanRepairIdempotent(t *testing.T) {
	raws := []string{
		`{"type":"function_call","call_id":"X"}`,
		`{"type":"function_call_output","call_id":"X","output":"kept"}`,
		`{"type":"function_call_output","call_id":"Y","output":"orphan"}`,
		`{"type":"message","role":"user","content":"hi"}`,
	}
	once := NormalizeOrphanedToolOutputs(raws)
	twice := NormalizeOrphanedToolOutputs(once)
	for i := range once {
		if once[i] != twice[i] {
			t.Fatalf("not idempotent at %d:\n once %s\ntwice %s", i, once[i], twice[i])
		}
	}
}

func TestReasoningPrecedence(t *testing.T) {
	tests := []struct {
		name string
		body string
		opts Options
		want string
	}{
		{
			name: "body reasoning wins",
			body: `{"model":"gpt-5.1-codex","reasoning":{"effort":"high"},"providerOptions":{"openai":{"reasoningEffort":"low"}}}`,
			opts: Options{Effort: "medium"},
			want: "high",
		},
		{
			name: "provider options next",
			body: `{"model":"gpt-5.1-codex","providerOptions":{"openai":{"reasoningEffort":"low"}}}`,
			opts: Options{Effort: "high"},
			want: "low",
		},
		{
			name: "model override next",
			body: `{"model":"gpt-5.1-codex"}`,
			opts: Options{Effort: "low", ModelOverrides: map[string]ModelOverride{"gpt-5.1-codex": {Effort: "high"}}},
			want: "high",
		},
		{
			name: "global config next",
			body: `{"model":"gpt-5.1-codex"}`,
			opts: Options{Effort: "low"},
			want: "low",
		},
		{
			name: "family default last",
			body: `{"model":"gpt-5.1-codex"}`,
			opts: Options{},
			want: "medium",
		},
		{
			name: "coercion applies",
			body: `{"model":"gpt-5.1-codex","reasoning":{"effort":"xhigh"}}`,
			opts: Options{},
			want: "high",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := RewriteRequest([]byte(tt.body), tt.opts)
			if got := gjson.GetBytes(out, "reasoning.effort").String(); got != tt.want {
				t.Fatalf("effort = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestVerbosityDefault(t *testing.T) {
	out := RewriteRequest([]byte(`{"model":"gpt-5.1"}`), Options{})
	if got := gjson.GetBytes(out, "text.verbosity").String(); got != "medium" {
		t.Fatalf("expected medium verbosity, got %q", got)
	}
	out = RewriteRequest([]byte(`{"model":"gpt-5.1","text":{"verbosity":"low"}}`), Options{Verbosity: "high"})
	if got := gjson.GetBytes(out, "text.verbosity").String(); got != "low" {
		t.Fatalf("body verbosity must win, got %q", got)
	}
}

func TestIncludeUnion(t *testing.T) {
	body := []byte(`{"model":"gpt-5.1","include":["reasoning.encrypted_content","foo",""]}`)
	out := RewriteRequest(body, Options{Include: []string{"foo", "bar"}})

	var got []string
	for _, entry := range gjson.GetBytes(out, "include").Array() {
		got = append(got, entry.String())
	}
	want := []string{"reasoning.encrypted_content", "foo", "bar"}
	if len(got) != len(want) {
		t.Fatalf("include = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("include = %v, want %v", got, want)
		}
	}
}
