package planning

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/template"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/contextstore"
	"github.com/taskagent/runtime/pkg/llm"
)

// ContextCompressor implements the compression trigger and algorithm:
// after every append the coordinator asks MaybeCompress whether
// current.jsonl has grown past the configured fraction of the
// context window, and if so folds everything but the last K_keep messages
// into a single LLM-generated summary.
type ContextCompressor struct {
	cfg       config.CompressionConfig
	llmClient llm.Client
	messages  *contextstore.MessageStore
	summaries *contextstore.SummaryStore
	tmpl      *template.Template
	logger    *slog.Logger

	ledger       tokenLedger
	compressions int
}

// NewContextCompressor wires a compressor to one run's message and summary
// stores.
func NewContextCompressor(cfg config.CompressionConfig, llmClient llm.Client, messages *contextstore.MessageStore, summaries *contextstore.SummaryStore) *ContextCompressor {
	return &ContextCompressor{
		cfg:       cfg,
		llmClient: llmClient,
		messages:  messages,
		summaries: summaries,
		tmpl:      template.Must(template.New("compression").Parse(compressionTemplate)),
		logger:    slog.Default(),
	}
}

// Counters reports this compressor's contribution to the run's token
// ledger: LLM calls and tokens spent producing summaries, plus the
// number of compression events triggered.
func (cc *ContextCompressor) Counters() (llmCalls int, totalTokens int64, compressions int) {
	calls, _, total := cc.ledger.Counters()
	return calls, total, cc.compressions
}

// MaybeCompress runs should_compress() and, if it trips, performs the
// compression algorithm. Safe to call after every AddMessage; a no-op when
// the threshold isn't crossed or current.jsonl is too short to have a head.
func (cc *ContextCompressor) MaybeCompress(ctx context.Context) error {
	should, err := cc.shouldCompress()
	if err != nil {
		return fmt.Errorf("planning: check compression trigger: %w", err)
	}
	if !should {
		return nil
	}
	return cc.compress(ctx)
}

func (cc *ContextCompressor) shouldCompress() (bool, error) {
	tokens, err := cc.messages.CurrentTokenCount()
	if err != nil {
		return false, err
	}

	contextLength := cc.cfg.ContextLength
	if contextLength <= 0 {
		contextLength = 128000
	}
	threshold := cc.cfg.CompressionThreshold
	if threshold <= 0 {
		threshold = 0.7
	}
	return float64(tokens) > float64(contextLength)*threshold, nil
}

func (cc *ContextCompressor) compress(ctx context.Context) error {
	aligned, current, err := cc.messages.AlignedWithCurrent()
	if err != nil {
		return fmt.Errorf("planning: read current context for compression: %w", err)
	}

	kKeep := cc.cfg.KKeep
	if kKeep <= 0 {
		kKeep = 5
	}
	if len(current) <= kKeep {
		return nil
	}

	headCount := len(current) - kKeep
	headAligned := aligned[:headCount]
	headCurrent := current[:headCount]
	tail := current[headCount:]

	prompt, err := cc.renderPrompt(headCurrent)
	if err != nil {
		return fmt.Errorf("planning: render compression prompt: %w", err)
	}
	summaryText := cc.summarize(ctx, prompt)

	// The summary band is the seq range the head spans. Min/max rather than
	// first/last: after an earlier compression the head opens with that
	// round's synthetic summary, which carries the newest seq in the audit
	// log despite sitting first in current.jsonl.
	originalTokens := 0
	startSeq, endSeq := headAligned[0].Seq, headAligned[0].Seq
	for _, m := range headAligned {
		originalTokens += m.Tokens
		if m.Seq < startSeq {
			startSeq = m.Seq
		}
		if m.Seq > endSeq {
			endSeq = m.Seq
		}
	}
	summaryTokens := contextstore.EstimateTokens(summaryText)

	if _, err := cc.summaries.AddSummary(startSeq, endSeq, summaryText, originalTokens, summaryTokens); err != nil {
		return fmt.Errorf("planning: append compression summary: %w", err)
	}
	if _, err := cc.messages.RecreateCurrent(summaryText, tail); err != nil {
		return fmt.Errorf("planning: rewrite current.jsonl after compression: %w", err)
	}

	cc.compressions++
	return nil
}

// summarize sends prompt through the shared LLM client. On failure or an
// empty reply it returns a diagnostic summary instead of propagating the
// error — compression never aborts the run.
func (cc *ContextCompressor) summarize(ctx context.Context, prompt string) string {
	req := llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}}
	resp, err := cc.llmClient.Complete(ctx, req)
	if err != nil {
		cc.logger.Warn("planning: compression summary call failed", "error", err)
		return fmt.Sprintf("[summary failure: %s]", err.Error())
	}
	cc.ledger.recordCompletion(req, resp)

	if strings.TrimSpace(resp.Content) == "" {
		return "[summary failure: empty response]"
	}
	return resp.Content
}

func (cc *ContextCompressor) renderPrompt(head []contextstore.CurrentRecord) (string, error) {
	var messages strings.Builder
	for _, rec := range head {
		role := rec.Role
		if rec.ToolName != nil && *rec.ToolName != "" {
			role = role + ":" + *rec.ToolName
		}
		fmt.Fprintf(&messages, "%s: %s\n", role, rec.Content)
	}

	var buf bytes.Buffer
	if err := cc.tmpl.Execute(&buf, struct{ Messages string }{Messages: messages.String()}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const compressionTemplate = `Summarize the conversation segment below. Preserve concrete facts, decisions,
file paths, and open questions a later step may still need; drop small talk
and restated instructions.

{{.Messages}}

Respond with the summary text only, no preamble.`
