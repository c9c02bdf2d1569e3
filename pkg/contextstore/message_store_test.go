package contextstore

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageStore_SeqStartsAtOneAndIncreases(t *testing.T) {
	store := NewMessageStore(t.TempDir())

	for i := 1; i <= 5; i++ {
		seq, err := store.AddMessage("user", "message", nil)
		require.NoError(t, err)
		assert.Equal(t, i, seq)
	}

	all, err := store.readAllMessages()
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i, m := range all {
		assert.Equal(t, i+1, m.Seq)
	}
}

func TestMessageStore_CurrentTokenCount_EmptyIsZero(t *testing.T) {
	store := NewMessageStore(t.TempDir())

	count, err := store.CurrentTokenCount()
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestMessageStore_CurrentTokenCount_GrowsOnAppend(t *testing.T) {
	store := NewMessageStore(t.TempDir())

	before, err := store.CurrentTokenCount()
	require.NoError(t, err)

	_, err = store.AddMessage("user", strings.Repeat("abcd", 100), nil)
	require.NoError(t, err)

	after, err := store.CurrentTokenCount()
	require.NoError(t, err)
	assert.Greater(t, after, before)
	assert.Equal(t, 100, after) // 400 chars at 0.25 tokens each
}

func TestMessageStore_AddMessage_WritesBothFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewMessageStore(dir)

	toolName := "execute_command"
	_, err := store.AddMessage("assistant", "ran the tests", &toolName)
	require.NoError(t, err)

	current, err := store.ReadCurrent()
	require.NoError(t, err)
	require.Len(t, current, 1)
	assert.Equal(t, 1, current[0].Seq)
	assert.Equal(t, "assistant", current[0].Role)
	assert.Equal(t, "ran the tests", current[0].Content)
	require.NotNil(t, current[0].ToolName)
	assert.Equal(t, "execute_command", *current[0].ToolName)

	all, err := store.readAllMessages()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, current[0].Content, all[0].Content)
	assert.NotEmpty(t, all[0].Timestamp)
}

func TestMessageStore_RecreateCurrent_SummaryPlusTail(t *testing.T) {
	store := NewMessageStore(t.TempDir())

	for i := 0; i < 10; i++ {
		_, err := store.AddMessage("user", "old message", nil)
		require.NoError(t, err)
	}

	current, err := store.ReadCurrent()
	require.NoError(t, err)
	tail := current[len(current)-3:]

	seq, err := store.RecreateCurrent("summary of the first seven", tail)
	require.NoError(t, err)
	assert.Equal(t, 11, seq) // appended as a real audit record after the 10 originals

	rewritten, err := store.ReadCurrent()
	require.NoError(t, err)
	require.Len(t, rewritten, 4) // 1 summary + 3 preserved
	assert.Equal(t, "assistant", rewritten[0].Role)
	assert.Equal(t, "summary of the first seven", rewritten[0].Content)
	assert.Equal(t, 11, rewritten[0].Seq) // summary record carries its audit seq
	assert.Equal(t, []int{8, 9, 10}, []int{rewritten[1].Seq, rewritten[2].Seq, rewritten[3].Seq})

	count, err := store.CountMessages()
	require.NoError(t, err)
	assert.Equal(t, 11, count)
}

func TestMessageStore_AlignedWithCurrent_AfterRecreate(t *testing.T) {
	store := NewMessageStore(t.TempDir())

	for i := 0; i < 6; i++ {
		_, err := store.AddMessage("user", "message", nil)
		require.NoError(t, err)
	}

	current, err := store.ReadCurrent()
	require.NoError(t, err)
	_, err = store.RecreateCurrent("what happened so far", current[4:])
	require.NoError(t, err)

	// current.jsonl now opens with the summary (seq 7, the newest audit
	// record) followed by seqs 5 and 6; the pairing must follow seq, not
	// file position.
	aligned, kept, err := store.AlignedWithCurrent()
	require.NoError(t, err)
	require.Len(t, kept, 3)
	require.Len(t, aligned, 3)
	for i := range kept {
		assert.Equal(t, kept[i].Seq, aligned[i].Seq)
		assert.Equal(t, kept[i].Content, aligned[i].Content)
	}
	assert.Equal(t, 7, aligned[0].Seq)
	assert.Equal(t, "what happened so far", aligned[0].Content)
	assert.Equal(t, 5, aligned[1].Seq)
	assert.Equal(t, 6, aligned[2].Seq)
}

func TestMessageStore_ReconcileCurrent_RegeneratesFromAuditLog(t *testing.T) {
	dir := t.TempDir()
	store := NewMessageStore(dir)

	for i := 0; i < 4; i++ {
		_, err := store.AddMessage("user", "kept", nil)
		require.NoError(t, err)
	}

	// Simulate a crash that corrupted current.jsonl mid-write.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "current.jsonl"), []byte("{\"role\":"), 0o644))

	require.NoError(t, store.ReconcileCurrent(2))

	current, err := store.ReadCurrent()
	require.NoError(t, err)
	require.Len(t, current, 2)
	assert.Equal(t, "kept", current[0].Content)
}

func TestMessageStore_ReconcileCurrent_KeepLastExceedsMessageCount(t *testing.T) {
	store := NewMessageStore(t.TempDir())

	_, err := store.AddMessage("user", "only one", nil)
	require.NoError(t, err)

	require.NoError(t, store.ReconcileCurrent(10))

	current, err := store.ReadCurrent()
	require.NoError(t, err)
	assert.Len(t, current, 1)
}

func TestSummaryStore_AddSummary_AssignsIDsAndRatio(t *testing.T) {
	store := NewSummaryStore(t.TempDir())

	id, err := store.AddSummary(1, 195, "first band", 4000, 400)
	require.NoError(t, err)
	assert.Equal(t, 1, id)

	id, err = store.AddSummary(196, 250, "second band", 2000, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, id)

	latest, err := store.Latest()
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, "second band", latest.Summary)
	assert.Equal(t, 196, latest.StartSeq)
	assert.Equal(t, 250, latest.EndSeq)
	assert.InDelta(t, 0.05, latest.Ratio, 1e-9)
}

func TestSummaryStore_Latest_EmptyReturnsNil(t *testing.T) {
	store := NewSummaryStore(t.TempDir())

	latest, err := store.Latest()
	require.NoError(t, err)
	assert.Nil(t, latest)
}

func TestToolStore_AddToolCall_SuccessAndError(t *testing.T) {
	store := NewToolStore(t.TempDir())

	seq, err := store.AddToolCall("get_issue", map[string]any{"owner": "acme"}, ToolStatusSuccess, 120, "issue body", "")
	require.NoError(t, err)
	assert.Equal(t, 1, seq)

	seq, err = store.AddToolCall("execute_command", map[string]any{"command": "make"}, ToolStatusError, 40, nil, "exit status 2")
	require.NoError(t, err)
	assert.Equal(t, 2, seq)

	count, err := store.Count()
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
