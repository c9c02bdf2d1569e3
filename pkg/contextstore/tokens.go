// Package contextstore implements the file-based conversation context
// described in the data model: messages.jsonl / current.jsonl /
// summaries.jsonl / tools.jsonl, compression, and cross-run inheritance.
package contextstore

import "github.com/taskagent/runtime/pkg/tokens"

// EstimateTokens delegates to pkg/tokens' canonical estimator — every
// token count this package records, whether for a single
// message or the compression threshold check, uses the same formula as the
// run's TaskDB total_tokens ledger.
func EstimateTokens(text string) int {
	return tokens.Estimate(text)
}

// Message is the minimal shape EstimateMessagesTokens needs: content plus
// an optional serialized function/tool call.
type Message struct {
	Content      string
	FunctionCall string // already-serialized form; empty when absent
}

// EstimateMessagesTokens sums EstimateTokens(content) across messages, plus
// a flat 4-token overhead per message for role/formatting, plus
// EstimateTokens of the serialized function call when present.
func EstimateMessagesTokens(messages []Message) int {
	converted := make([]tokens.Message, len(messages))
	for i, m := range messages {
		converted[i] = tokens.Message{Content: m.Content}
		if m.FunctionCall != "" {
			converted[i].FunctionCall = m.FunctionCall
		}
	}
	return tokens.EstimateMessages(converted)
}
