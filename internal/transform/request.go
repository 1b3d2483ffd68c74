// Package transform implements the outbound request rewriting pipeline and
// the response-side helpers: rate-limit classification and SSE collapsing.
// Bodies are rewritten directly over raw JSON so unknown keys survive.
package transform

import (
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/opencode-plugins/codex-auto-switch/internal/misc"
	"github.com/opencode-plugins/codex-auto-switch/internal/model"
)

// maxToolOutputLen caps the stringified output embedded when repairing an
// orphaned tool result.
const maxToolOutputLen = 16000

// codexBridgeText is injected as the first input item when the request
// carries tools in Codex mode, bridging the vendor tool conventions onto
// the host agent's tool set.
const codexBridgeText = `You are running inside the opencode agent harness rather than the Codex CLI. The tools available to you are the ones declared in this request, not the Codex CLI built-ins. Do not call shell, apply_patch, or update_plan unless they are declared. Use the declared tools with their declared schemas; file edits go through the host's edit tools. Everything else about your instructions still applies.`

// toolRemapText is the lighter notice used outside Codex mode.
const toolRemapText = `Tool names and schemas in this conversation come from the host agent. Call only the tools declared in this request.`

// hostPromptSignatures identify host-agent system prompts by their opening
// text, lowercased.
var hostPromptSignatures = []string{
	"you are a coding agent running in the",
	"you are opencode, an agent",
	"you are an interactive cli tool",
}

// environmentMarkers delimit environmental context worth preserving inside
// a stripped host prompt.
var environmentMarkers = []string{
	"<env>",
	"<instructions>",
	"here is some useful information about the environment",
	"instructions from:",
}

// ModelOverride carries per-family reasoning configuration.
type ModelOverride struct {
	Effort    string
	Verbosity string
	Summary   string
}

// Options configures the request rewrite.
type Options struct {
	// CodexMode enables host-prompt stripping and the full bridge message.
	CodexMode bool
	// KnownHostPrompt is the cached host system prompt used for stable
	// prefix matching.
	KnownHostPrompt string
	// Include entries are merged into body.include.
	Include []string
	// Effort, Verbosity, Summary are the global reasoning defaults.
	Effort    string
	Verbosity string
	Summary   string
	// ModelOverrides are keyed by canonical family name.
	ModelOverrides map[string]ModelOverride
}

// RewriteRequest produces the rewritten body. The original slice is never
// modified. A body that fails to parse is returned unchanged; sending the
// request untransformed beats failing it.
func RewriteRequest(body []byte, opts Options) []byte {
	if !gjson.ValidBytes(body) {
		log.Debug("transform: request body is not valid JSON, skipping rewrite")
		return body
	}

	out := make([]byte, len(body))
	copy(out, body)

	canonical := model.Normalize(gjson.GetBytes(out, "model").String())
	profile := model.Resolve(canonical)

	out, _ = sjson.SetBytes(out, "model", canonical)
	out, _ = sjson.SetBytes(out, "store", false)
	out, _ = sjson.SetBytes(out, "stream", true)
	out, _ = sjson.SetBytes(out, "instructions", misc.InstructionsForFamily(profile.Tag))

	if gjson.GetBytes(out, "input").Exists() {
		out = rewriteInput(out, opts)
	}

	out = resolveReasoning(out, profile, opts)
	out = resolveVerbosity(out, opts)
	out = resolveInclude(out, opts)

	out, _ = sjson.DeleteBytes(out, "max_output_tokens")
	out, _ = sjson.DeleteBytes(out, "max_completion_tokens")
	return out
}

// rewriteInput applies item filtering, host-prompt stripping, bridge
// injection, and orphan repair to body.input.
func rewriteInput(body []byte, opts Options) []byte {
	items := gjson.GetBytes(body, "input").Array()
	raws := make([]string, 0, len(items)+1)

	for _, item := range items {
		if item.Get("type").String() == "item_reference" {
			continue
		}
		raw := item.Raw
		if item.Get("id").Exists() {
			raw, _ = sjson.Delete(raw, "id")
		}
		if opts.CodexMode {
			kept, replacement := stripHostPrompt(raw, opts.KnownHostPrompt)
			if !kept {
				continue
			}
			raw = replacement
		}
		raws = append(raws, raw)
	}

	if gjson.GetBytes(body, "tools").Exists() {
		bridge := codexBridgeText
		if !opts.CodexMode {
			bridge = toolRemapText
		}
		msg, _ := sjson.Set(`{"type":"message","role":"developer"}`, "content", bridge)
		raws = append([]string{msg}, raws...)
	}

	raws = NormalizeOrphanedToolOutputs(raws)

	body, _ = sjson.SetRawBytes(body, "input", []byte("["+strings.Join(raws, ",")+"]"))
	return body
}

// stripHostPrompt decides the fate of a system/developer message item. It
// returns (false, "") to drop the item, or (true, raw) with the possibly
// rewritten item.
func stripHostPrompt(raw string, knownPrompt string) (bool, string) {
	item := gjson.Parse(raw)
	if item.Get("type").String() != "message" {
		return true, raw
	}
	role := item.Get("role").String()
	if role != "system" && role != "developer" {
		return true, raw
	}
	content := itemText(item)
	if content == "" || !isHostPrompt(content, knownPrompt) {
		return true, raw
	}

	// Preserve environmental context embedded in the stripped prompt.
	if idx := earliestMarker(content); idx >= 0 {
		rewritten, _ := sjson.Set(raw, "content", content[idx:])
		return true, rewritten
	}
	return false, ""
}

// itemText flattens a message item's content to plain text. Content is a
// string or an array of text parts.
func itemText(item gjson.Result) string {
	content := item.Get("content")
	if content.Type == gjson.String {
		return content.String()
	}
	if content.IsArray() {
		var sb strings.Builder
		for _, part := range content.Array() {
			if text := part.Get("text"); text.Exists() {
				sb.WriteString(text.String())
			}
		}
		return sb.String()
	}
	return ""
}

// isHostPrompt matches the host agent's system prompt by cached-prompt
// comparison or by signature substrings at the start of the content.
func isHostPrompt(content, knownPrompt string) bool {
	if knownPrompt != "" {
		if content == knownPrompt || strings.HasPrefix(content, knownPrompt) {
			return true
		}
		if len(content) >= 200 && len(knownPrompt) >= 200 && content[:200] == knownPrompt[:200] {
			return true
		}
	}
	head := strings.ToLower(content)
	if len(head) > 300 {
		head = head[:300]
	}
	for _, sig := range hostPromptSignatures {
		if strings.HasPrefix(head, sig) {
			return true
		}
	}
	return false
}

// earliestMarker returns the index of the first environmental marker in
// content, or -1.
func earliestMarker(content string) int {
	lower := strings.ToLower(content)
	best := -1
	for _, marker := range environmentMarkers {
		if idx := strings.Index(lower, marker); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

// outputToCallType pairs each tool-output item type with the call type
// that must precede it.
var outputToCallType = map[string]string{
	"function_call_output":    "function_call",
	"local_shell_call_output": "local_shell_call",
	"custom_tool_call_output": "custom_tool_call",
}

var outputToolName = map[string]string{
	"function_call_output":    "tool",
	"local_shell_call_output": "local_shell",
	"custom_tool_call_output": "custom tool",
}

// NormalizeOrphanedToolOutputs rewrites tool-output items whose matching
// call is absent into assistant messages, keeping the conversation
// well-formed when the upstream has dropped or reordered calls. The
// operation is idempotent.
func NormalizeOrphanedToolOutputs(raws []string) []string {
	calls := make(map[string]map[string]bool, len(outputToCallType))
	for outputType, callType := range outputToCallType {
		calls[outputType] = collectCallIDs(raws, callType)
	}

	out := make([]string, len(raws))
	for i, raw := range raws {
		item := gjson.Parse(raw)
		itemType := item.Get("type").String()
		if _, isOutput := outputToCallType[itemType]; !isOutput {
			out[i] = raw
			continue
		}
		callID := item.Get("call_id").String()
		if callID != "" && calls[itemType][callID] {
			out[i] = raw
			continue
		}
		out[i] = orphanMessage(itemType, callID, item.Get("output"))
	}
	return out
}

func collectCallIDs(raws []string, callType string) map[string]bool {
	ids := make(map[string]bool)
	for _, raw := range raws {
		item := gjson.Parse(raw)
		if item.Get("type").String() != callType {
			continue
		}
		if id := item.Get("call_id").String(); id != "" {
			ids[id] = true
		}
	}
	return ids
}

// orphanMessage renders a dropped tool result as an assistant message.
func orphanMessage(itemType, callID string, output gjson.Result) string {
	id := callID
	if id == "" {
		id = "unknown"
	}
	text := output.String()
	if output.Type != gjson.String && output.Exists() {
		text = output.Raw
	}
	if len(text) > maxToolOutputLen {
		text = text[:maxToolOutputLen] + "\n...[truncated]"
	}
	content := "[Previous " + outputToolName[itemType] + " result; call_id=" + id + "]: " + text
	msg, _ := sjson.Set(`{"type":"message","role":"assistant"}`, "content", content)
	return msg
}

// resolveReasoning merges reasoning settings by precedence: body.reasoning,
// provider options, model-specific config, global config, family default.
func resolveReasoning(body []byte, profile model.Profile, opts Options) []byte {
	override := opts.ModelOverrides[profile.Canonical]

	effort := firstNonEmpty(
		gjson.GetBytes(body, "reasoning.effort").String(),
		gjson.GetBytes(body, "providerOptions.openai.reasoningEffort").String(),
		override.Effort,
		opts.Effort,
		profile.DefaultEffort,
	)
	effort = profile.CoerceEffort(effort)

	summary := firstNonEmpty(
		gjson.GetBytes(body, "reasoning.summary").String(),
		gjson.GetBytes(body, "providerOptions.openai.reasoningSummary").String(),
		override.Summary,
		opts.Summary,
		"auto",
	)

	body, _ = sjson.SetBytes(body, "reasoning.effort", effort)
	body, _ = sjson.SetBytes(body, "reasoning.summary", summary)
	return body
}

// resolveVerbosity merges text verbosity with the same precedence chain;
// the default is medium.
func resolveVerbosity(body []byte, opts Options) []byte {
	canonical := gjson.GetBytes(body, "model").String()
	override := opts.ModelOverrides[canonical]

	verbosity := firstNonEmpty(
		gjson.GetBytes(body, "text.verbosity").String(),
		gjson.GetBytes(body, "providerOptions.openai.textVerbosity").String(),
		override.Verbosity,
		opts.Verbosity,
		"medium",
	)
	body, _ = sjson.SetBytes(body, "text.verbosity", verbosity)
	return body
}

// resolveInclude unions the request's include list, the configured list,
// and reasoning.encrypted_content, dropping duplicates and falsy entries.
func resolveInclude(body []byte, opts Options) []byte {
	seen := make(map[string]bool)
	var include []string
	add := func(entry string) {
		entry = strings.TrimSpace(entry)
		if entry == "" || seen[entry] {
			return
		}
		seen[entry] = true
		include = append(include, entry)
	}
	for _, entry := range gjson.GetBytes(body, "include").Array() {
		add(entry.String())
	}
	for _, entry := range opts.Include {
		add(entry)
	}
	add("reasoning.encrypted_content")

	body, _ = sjson.SetBytes(body, "include", include)
	return body
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
