package inheritance

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/contextstore"
	"github.com/taskagent/runtime/pkg/database"
	"github.com/taskagent/runtime/pkg/models"
	"github.com/taskagent/runtime/pkg/taskkey"
)

func newTestDB(t *testing.T) *database.Client {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)
	portNum, err := strconv.Atoi(port.Port())
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host: host, Port: portNum, User: "test", Password: "test", Database: "test",
		SSLMode: "disable", MaxOpenConns: 10, MaxIdleConns: 5,
		ConnMaxLifetime: time.Hour, ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func writeCompletedRun(t *testing.T, completedDir, uuid, finalSummary string) {
	dir := filepath.Join(completedDir, uuid)
	require.NoError(t, os.MkdirAll(dir, 0o755))

	if finalSummary != "" {
		store := contextstore.NewSummaryStore(dir)
		_, err := store.AddSummary(1, 20, finalSummary, 4000, 800)
		require.NoError(t, err)
	}

	require.NoError(t, os.WriteFile(filepath.Join(dir, "metadata.json"), []byte(`{"llm_provider":"openai"}`), 0o644))
}

func TestManager_GetInheritance_NoPriorRuns(t *testing.T) {
	client := newTestDB(t)
	dir := t.TempDir()

	mgr := New(config.DefaultCompressionConfig(), dir, client.TaskDB)
	inh, err := mgr.GetInheritance(context.Background(), taskkey.NewGitHubIssue("acme", "svc", 1))
	require.NoError(t, err)
	assert.Nil(t, inh)
}

func TestManager_GetInheritance_UsesLatestCompletedRun(t *testing.T) {
	client := newTestDB(t)
	ctx := context.Background()
	dir := t.TempDir()
	key := taskkey.NewGitHubIssue("acme", "svc", 7)

	older := models.NewRun("11111111-1111-1111-1111-111111111111", key, "alice", time.Now().UTC().Add(-2*time.Hour))
	newer := models.NewRun("22222222-2222-2222-2222-222222222222", key, "alice", time.Now().UTC().Add(-1*time.Hour))
	for _, r := range []*models.Run{older, newer} {
		require.NoError(t, client.TaskDB.CreateRun(ctx, r))
		completedAt := r.CreatedAt.Add(5 * time.Minute)
		r.Status = models.StatusCompleted
		r.CompletedAt = &completedAt
		require.NoError(t, client.TaskDB.SaveRun(ctx, r))
	}

	writeCompletedRun(t, dir, older.UUID, "old summary text")
	writeCompletedRun(t, dir, newer.UUID, "newer summary text")

	mgr := New(config.DefaultCompressionConfig(), dir, client.TaskDB)
	inh, err := mgr.GetInheritance(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, inh)
	assert.Equal(t, newer.UUID, inh.Previous.UUID)
	assert.Contains(t, inh.FinalSummary, "newer summary text")
}

func TestManager_GetInheritance_SkipsRunWithoutSummary(t *testing.T) {
	client := newTestDB(t)
	ctx := context.Background()
	dir := t.TempDir()
	key := taskkey.NewGitLabMergeRequest("group/proj", 3)

	run := models.NewRun("33333333-3333-3333-3333-333333333333", key, "bob", time.Now().UTC())
	require.NoError(t, client.TaskDB.CreateRun(ctx, run))
	completedAt := run.CreatedAt.Add(time.Minute)
	run.Status = models.StatusCompleted
	run.CompletedAt = &completedAt
	require.NoError(t, client.TaskDB.SaveRun(ctx, run))
	writeCompletedRun(t, dir, run.UUID, "")

	mgr := New(config.DefaultCompressionConfig(), dir, client.TaskDB)
	inh, err := mgr.GetInheritance(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, inh)
}

func TestManager_GetInheritance_IgnoresRunsOutsideTTL(t *testing.T) {
	client := newTestDB(t)
	ctx := context.Background()
	dir := t.TempDir()
	key := taskkey.NewGitHubIssue("acme", "svc", 99)

	run := models.NewRun("44444444-4444-4444-4444-444444444444", key, "carol", time.Now().UTC().Add(-200*24*time.Hour))
	require.NoError(t, client.TaskDB.CreateRun(ctx, run))
	completedAt := run.CreatedAt.Add(time.Minute)
	run.Status = models.StatusCompleted
	run.CompletedAt = &completedAt
	require.NoError(t, client.TaskDB.SaveRun(ctx, run))
	writeCompletedRun(t, dir, run.UUID, "too old to inherit")

	cfg := config.DefaultCompressionConfig()
	cfg.InheritanceTTL = 90 * 24 * time.Hour
	mgr := New(cfg, dir, client.TaskDB)

	inh, err := mgr.GetInheritance(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, inh)
}

func TestManager_CreateInitialMessages(t *testing.T) {
	mgr := New(config.DefaultCompressionConfig(), t.TempDir(), nil)
	completedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	inh := &InheritanceContext{
		Previous:     PreviousContext{UUID: "abcdef1234567890", CompletedAt: &completedAt},
		FinalSummary: "fixed the bug",
	}

	messages := mgr.CreateInitialMessages(inh, "please review the fix")
	require.Len(t, messages, 2)
	assert.Equal(t, "assistant", string(messages[0].Role))
	assert.Contains(t, messages[0].Content, "fixed the bug")
	assert.Contains(t, messages[0].Content, "abcdef12")
	assert.Equal(t, "user", string(messages[1].Role))
	assert.Equal(t, "please review the fix", messages[1].Content)
}

func TestManager_TruncateSummary_RespectsTokenBudget(t *testing.T) {
	cfg := config.DefaultCompressionConfig()
	cfg.MaxInheritedTokens = 10 // 40 chars
	mgr := New(cfg, t.TempDir(), nil)

	long := ""
	for i := 0; i < 200; i++ {
		long += "x"
	}
	truncated := mgr.truncateSummary(long)
	assert.Less(t, len(truncated), len(long))
	assert.Contains(t, truncated, "truncated")
}

func TestManager_GenerateNotificationComment(t *testing.T) {
	mgr := New(config.DefaultCompressionConfig(), t.TempDir(), nil)
	completedAt := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	inh := &InheritanceContext{Previous: PreviousContext{UUID: "abcdef1234567890", CompletedAt: &completedAt}}

	comment := mgr.GenerateNotificationComment(inh)
	assert.Contains(t, comment, "abcdef12")
	assert.Contains(t, comment, "2026-01-02")
}
