package planning

import (
	"github.com/taskagent/runtime/pkg/llm"
	"github.com/taskagent/runtime/pkg/tokens"
)

// tokenLedger accumulates the canonical token estimate and LLM/tool call
// counts for one run, spanning both the pre-planning and coordinator
// phases. Provider-reported usage is never read into it.
type tokenLedger struct {
	llmCalls    int
	toolCalls   int
	totalTokens int64
}

// recordCompletion folds one LLM round trip into the ledger, using the
// estimator on both the outbound request and the returned content — never
// resp.Usage.
func (l *tokenLedger) recordCompletion(req llm.ChatRequest, resp *llm.ChatResponse) {
	l.llmCalls++

	msgs := make([]tokens.Message, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		msgs = append(msgs, tokens.Message{Content: m.Content})
	}
	if resp != nil {
		msgs = append(msgs, tokens.Message{Content: resp.Content})
		if len(resp.ToolCalls) > 0 {
			msgs = append(msgs, tokens.Message{Content: "", FunctionCall: resp.ToolCalls})
		}
	}
	l.totalTokens += int64(tokens.EstimateMessages(msgs))
}

func (l *tokenLedger) recordToolCall() {
	l.toolCalls++
}

// Counters reports the ledger's running totals.
func (l *tokenLedger) Counters() (llmCalls, toolCalls int, totalTokens int64) {
	return l.llmCalls, l.toolCalls, l.totalTokens
}
