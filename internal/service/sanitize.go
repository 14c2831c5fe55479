package service

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const maxPromptInputLen = 10000

// roleMarkerPattern matches common role-injection preambles a model could
// mistake for a system/assistant turn boundary: "system:", "[system]",
// "<|system|>", "### System", "### Instruction:", etc. Matched at the
// start of a line (after trimming leading whitespace) only, so ordinary
// prose mentioning "the system" is left untouched.
var roleMarkerPattern = regexp.MustCompile(`(?i)^\s*(` +
	`(system|assistant|user|developer)\s*:|` +
	`\[(system|assistant|user|developer)\]|` +
	`<\|(system|assistant|user|developer|im_start|im_end)\|>|` +
	`#{2,}\s*(system|instruction)\b` +
	`)`)

// sanitizePromptInput is the Output Sanitiser's input-side counterpart: it
// neutralizes prompt-injection motifs in free-text fields (action params,
// trigger payloads, module outputs) before they reach a templated prompt
// or an Intent Verifier call.
//
// It performs, in order: Unicode NFKC normalization (folds lookalike and
// compatibility codepoints used to evade the role-marker regex), control
// character stripping (preserving \n and \t), per-line role-marker
// neutralization, and truncation to a bounded length.
func sanitizePromptInput(input string) string {
	if input == "" {
		return ""
	}

	normalized := norm.NFKC.String(input)
	stripped := stripControlChars(normalized)

	lines := strings.Split(stripped, "\n")
	for i, line := range lines {
		if roleMarkerPattern.MatchString(line) {
			lines[i] = "[sanitized] " + line
		}
	}
	result := strings.Join(lines, "\n")

	if len(result) > maxPromptInputLen {
		result = result[:maxPromptInputLen] + "[truncated]"
	}

	return result
}

// stripControlChars removes C0/C1 control characters other than \n and \t.
func stripControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
