package mcp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskagent/runtime/pkg/tokens"
)

func TestEstimateTokens_MatchesCanonicalEstimator(t *testing.T) {
	// Tool-result sizes must be judged on the same scale the compression
	// trigger uses, or a result could pass the summarization check yet still
	// blow the context budget when folded in.
	for _, text := range []string{
		"",
		"$ go test ./...\nok  \tgithub.com/acme/svc\t0.41s",
		"修正しました", // CJK counts one token per character
	} {
		assert.Equal(t, tokens.Estimate(text), EstimateTokens(text))
	}
}

func TestTruncateForStorage_SmallOutputUntouched(t *testing.T) {
	out := "READ cmd/main.go: 120 lines"
	assert.Equal(t, out, TruncateForStorage(out))
}

func TestTruncateForStorage_LongOutputCutAtLineBoundary(t *testing.T) {
	// A failing test suite can dump megabytes; storage keeps a bounded,
	// line-aligned prefix.
	line := "--- FAIL: TestCacheTTL (0.03s)\n"
	huge := strings.Repeat(line, 100000)

	out := TruncateForStorage(huge)
	assert.Less(t, len(out), len(huge))
	assert.Contains(t, out, "[TRUNCATED: Output exceeded storage display limit")

	// Every retained line is intact — the cut lands on a newline.
	body := out[:strings.Index(out, "\n\n[TRUNCATED")]
	for _, l := range strings.Split(body, "\n") {
		assert.Equal(t, strings.TrimSuffix(line, "\n"), l)
	}
}

func TestTruncateForStorage_DoesNotSplitMultiByteRune(t *testing.T) {
	huge := strings.Repeat("ビルドに失敗しました\n", 20000)
	out := TruncateForStorage(huge)
	assert.True(t, len(out) < len(huge))
	assert.True(t, strings.HasPrefix(out, "ビルドに失敗しました"))
}

func TestTruncateForSummarization_HigherLimitThanStorage(t *testing.T) {
	// Output small enough for the summarization input cap but over the
	// storage cap: summarization passes it through, storage truncates.
	over := strings.Repeat("npm WARN deprecated package@1.0.0\n", 2000)

	assert.Equal(t, over, TruncateForSummarization(over))
	assert.Less(t, len(TruncateForStorage(over)), len(over))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512B", formatSize(512))
	assert.Equal(t, "1KB", formatSize(1024))
	assert.Equal(t, "64KB", formatSize(64*1024))
}
