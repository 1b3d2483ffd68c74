// Package misc provides embedded instructional text and small HTTP helpers
// shared by the request pipeline. The per-family system instructions are
// embedded into the binary at compile time.
package misc

import _ "embed"

//go:embed gpt_5_2_codex_instructions.txt
var gpt52CodexInstructions string

//go:embed codex_max_instructions.txt
var codexMaxInstructions string

//go:embed codex_instructions.txt
var codexInstructions string

//go:embed gpt_5_2_instructions.txt
var gpt52Instructions string

//go:embed gpt_5_1_instructions.txt
var gpt51Instructions string

// InstructionsForFamily returns the system instructions text for a model
// family tag. Unknown tags fall back to the general instructions.
func InstructionsForFamily(tag string) string {
	switch tag {
	case "gpt-5.2-codex":
		return gpt52CodexInstructions
	case "codex-max":
		return codexMaxInstructions
	case "codex":
		return codexInstructions
	case "gpt-5.2":
		return gpt52Instructions
	default:
		return gpt51Instructions
	}
}
