package planning

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskagent/runtime/pkg/llm"
	"github.com/taskagent/runtime/pkg/mcp"
)

// summarizeToolResult folds a tool result into the run's conversation
// context: results at or under ToolSummarizationThresholdTokens are
// passed through (storage-
// truncated only); larger ones are summarized through the LLM client first.
// The full, untruncated result is written to tools.jsonl by the caller
// regardless of this — summarization only shapes what re-enters the
// model's context window.
//
// Summarization failures fail open: the original (storage-truncated)
// content is used and the run continues, mirroring the compressor's
// "never abort the run over a summarization error" rule.
func (c *Coordinator) summarizeToolResult(ctx context.Context, toolName, content string) string {
	threshold := c.deps.ExecCfg.ToolSummarizationThresholdTokens
	if threshold <= 0 {
		return mcp.TruncateForStorage(content)
	}

	estimated := mcp.EstimateTokens(content)
	if estimated <= threshold {
		return mcp.TruncateForStorage(content)
	}

	truncated := mcp.TruncateForSummarization(content)
	prompt := fmt.Sprintf(
		"Summarize the following tool output from %q in a few sentences, "+
			"keeping any concrete values (file paths, error messages, identifiers) "+
			"a coding agent would need to act on next:\n\n%s",
		toolName, truncated)

	resp, err := c.complete(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}})
	summary := ""
	if err == nil {
		summary = strings.TrimSpace(resp.Content)
	}
	if summary == "" {
		c.logger.Warn("planning: tool result summarization failed, using truncated result",
			"tool", toolName, "error", err)
		return mcp.TruncateForStorage(content)
	}

	return fmt.Sprintf(
		"[%s output was %d tokens (estimated) and has been summarized to preserve context window; "+
			"the full output is recorded in tools.jsonl]\n\n%s",
		toolName, estimated, summary)
}
