package planning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/contextstore"
)

func newTestCompressor(t *testing.T, cfg config.CompressionConfig, llmClient *stubLLM) (*ContextCompressor, *contextstore.MessageStore, *contextstore.SummaryStore) {
	t.Helper()
	dir := t.TempDir()
	messages := contextstore.NewMessageStore(dir)
	summaries := contextstore.NewSummaryStore(dir)
	return NewContextCompressor(cfg, llmClient, messages, summaries), messages, summaries
}

func TestContextCompressor_BelowThresholdDoesNotCompress(t *testing.T) {
	cfg := config.CompressionConfig{ContextLength: 10000, CompressionThreshold: 0.7, KKeep: 5}
	cc, messages, summaries := newTestCompressor(t, cfg, &stubLLM{responses: []string{"summary"}})

	_, err := messages.AddMessage("user", "hello", nil)
	require.NoError(t, err)

	require.NoError(t, cc.MaybeCompress(context.Background()))

	count, err := summaries.Count()
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestContextCompressor_TriggersAndRewritesCurrent(t *testing.T) {
	cfg := config.CompressionConfig{ContextLength: 10000, CompressionThreshold: 0.7, KKeep: 5}
	cc, messages, summaries := newTestCompressor(t, cfg, &stubLLM{responses: []string{"a compact summary"}})

	// 200 messages of 2000 CJK chars each -> 2000 tokens apiece, comfortably
	// over context_length * threshold (7000).
	cjk := make([]rune, 2000)
	for i := range cjk {
		cjk[i] = 'あ' // Hiragana "a"
	}
	content := string(cjk)

	var lastSeq int
	for i := 0; i < 200; i++ {
		seq, err := messages.AddMessage("user", content, nil)
		require.NoError(t, err)
		lastSeq = seq
		require.NoError(t, cc.MaybeCompress(context.Background()))
	}

	count, err := summaries.Count()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 1)

	latest, err := summaries.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.LessOrEqual(t, latest.StartSeq, latest.EndSeq)
	assert.Less(t, latest.EndSeq, lastSeq+1)

	current, err := messages.ReadCurrent()
	require.NoError(t, err)
	assert.LessOrEqual(t, len(current), cfg.KKeep+1)

	llmCalls, totalTokens, compressions := cc.Counters()
	assert.GreaterOrEqual(t, llmCalls, 1)
	assert.Greater(t, totalTokens, int64(0))
	assert.GreaterOrEqual(t, compressions, 1)
}

func TestContextCompressor_SecondCompressionBandStaysAligned(t *testing.T) {
	// After the first compression current.jsonl opens with the synthetic
	// summary, which carries the newest seq in the audit log. The second
	// compression's band must still cover exactly the real messages folded
	// in — not whatever happens to sit at the same positions.
	cfg := config.CompressionConfig{ContextLength: 10000, CompressionThreshold: 0.7, KKeep: 2}
	cc, messages, summaries := newTestCompressor(t, cfg, &stubLLM{responses: []string{"a compact summary"}})

	cjk := make([]rune, 1000)
	for i := range cjk {
		cjk[i] = 'あ'
	}
	content := string(cjk) // 1000 tokens per message

	// Messages 1-8: the 8th pushes the window to 8000 tokens, over the 7000
	// trigger. First compression folds seqs 1-6, keeps 7 and 8, and appends
	// the summary as seq 9.
	for i := 0; i < 8; i++ {
		_, err := messages.AddMessage("user", content, nil)
		require.NoError(t, err)
		require.NoError(t, cc.MaybeCompress(context.Background()))
	}

	first, err := summaries.Latest()
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, 1, first.StartSeq)
	assert.Equal(t, 6, first.EndSeq)

	// Messages 10-14 (seq 9 went to the summary): the 14th trips the
	// trigger again. The head is now [summary(9), 7, 8, 10, 11, 12]; the
	// recorded band must span seqs 7-12, leaving 13 and 14 to the tail.
	for i := 0; i < 5; i++ {
		_, err := messages.AddMessage("user", content, nil)
		require.NoError(t, err)
		require.NoError(t, cc.MaybeCompress(context.Background()))
	}

	second, err := summaries.Latest()
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, 7, second.StartSeq)
	assert.Equal(t, 12, second.EndSeq)

	count, err := summaries.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	current, err := messages.ReadCurrent()
	require.NoError(t, err)
	require.Len(t, current, 3)
	assert.Equal(t, 15, current[0].Seq) // second summary, freshly appended
	assert.Equal(t, 13, current[1].Seq)
	assert.Equal(t, 14, current[2].Seq)

	total, err := messages.CountMessages()
	require.NoError(t, err)
	assert.Equal(t, 15, total) // 13 originals + 2 synthetic summaries
}

func TestContextCompressor_SummaryFailureIsDiagnosticNotFatal(t *testing.T) {
	cfg := config.CompressionConfig{ContextLength: 100, CompressionThreshold: 0.1, KKeep: 1}
	cc, messages, summaries := newTestCompressor(t, cfg, &stubLLM{err: assert.AnError})

	for i := 0; i < 5; i++ {
		_, err := messages.AddMessage("user", "some moderately long message content here", nil)
		require.NoError(t, err)
	}

	require.NoError(t, cc.MaybeCompress(context.Background()))

	latest, err := summaries.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Contains(t, latest.Summary, "summary failure")
}
