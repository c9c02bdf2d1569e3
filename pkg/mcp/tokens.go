package mcp

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/taskagent/runtime/pkg/tokens"
)

// charsPerToken approximates the canonical estimator's output in bytes, for
// truncation limits where converting a token budget to a byte budget up
// front is cheaper than truncating rune-by-rune against tokens.Estimate.
const charsPerToken = 4

// DefaultStorageMaxTokens is the maximum token count for storage-truncated tool output
// written into tools.jsonl and any comment/checklist text derived from it.
const DefaultStorageMaxTokens = 8000

// DefaultSummarizationMaxTokens is the maximum token count for summarization LLM input.
// Safety net — summarization prompt + truncated output must fit in the model's context window.
const DefaultSummarizationMaxTokens = 100000

// EstimateTokens returns an approximate token count for text, using the same
// CJK-aware estimator the message store and compression trigger use
// (pkg/tokens.Estimate) so a tool result's size is judged on the same scale
// as the conversation it may be folded into.
func EstimateTokens(text string) int {
	return tokens.Estimate(text)
}

// truncateAtLineBoundary is the shared truncation logic. It cuts at the last newline
// before the limit to avoid splitting mid-line — important when the content is
// indented JSON, YAML, or log output (preserves logical line boundaries).
//
// Note: maxChars is a byte limit (len()), not the rune-based count
// EstimateTokens uses.
// The cut point is adjusted backwards to avoid splitting multi-byte UTF-8
// characters, then further adjusted to the last newline when possible.
func truncateAtLineBoundary(content string, maxChars int, marker string) string {
	if maxChars <= 0 || len(content) <= maxChars {
		return content
	}
	// Ensure we don't split a multi-byte UTF-8 character
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	truncated := content[:cut]
	if idx := strings.LastIndex(truncated, "\n"); idx > 0 {
		truncated = truncated[:idx]
	}
	return truncated + fmt.Sprintf(
		"\n\n[TRUNCATED: %s — Original size: %s, limit: %s]",
		marker, formatSize(len(content)), formatSize(maxChars),
	)
}

// formatSize returns a human-readable size string. Uses bytes for values under
// 1KB to avoid confusing "0KB" output on small content.
func formatSize(bytes int) string {
	if bytes < 1024 {
		return fmt.Sprintf("%dB", bytes)
	}
	return fmt.Sprintf("%dKB", bytes/1024)
}

// TruncateForStorage truncates tool output before it is folded into the
// message store (messages.jsonl/current.jsonl) or a progress comment. The
// untruncated result is still written to tools.jsonl for audit regardless
// of this limit.
func TruncateForStorage(content string) string {
	return truncateAtLineBoundary(content, DefaultStorageMaxTokens*charsPerToken,
		"Output exceeded storage display limit")
}

// TruncateForSummarization truncates tool output before sending it to the
// summarization LLM call (see planning.Coordinator's tool-result
// summarization). Safety net — summarization prompt + truncated output must
// fit in the model's context window.
func TruncateForSummarization(content string) string {
	return truncateAtLineBoundary(content, DefaultSummarizationMaxTokens*charsPerToken,
		"Output exceeded summarization input limit")
}
