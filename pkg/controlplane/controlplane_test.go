package controlplane

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskagent/runtime/pkg/models"
	"github.com/taskagent/runtime/pkg/taskkey"
)

type fakeCtxMgr struct {
	pauseCalls    []string
	completeCalls []models.Status
	pauseErr      error
	completeErr   error
}

func (f *fakeCtxMgr) Pause(_ context.Context, run *models.Run, _ any) error {
	if f.pauseErr != nil {
		return f.pauseErr
	}
	f.pauseCalls = append(f.pauseCalls, run.UUID)
	run.Status = models.StatusPaused
	return nil
}

func (f *fakeCtxMgr) Complete(_ context.Context, run *models.Run, status models.Status, _ string) error {
	if f.completeErr != nil {
		return f.completeErr
	}
	f.completeCalls = append(f.completeCalls, status)
	run.Status = status
	return nil
}

type fakeTracker struct {
	swaps      [][2]string
	comments   []string
	assignees  []string
	assigneeErr error
}

func (f *fakeTracker) SwapLabel(_ context.Context, _ map[string]any, remove, add string) error {
	f.swaps = append(f.swaps, [2]string{remove, add})
	return nil
}

func (f *fakeTracker) Assignees(_ context.Context, _ map[string]any) ([]string, error) {
	if f.assigneeErr != nil {
		return nil, f.assigneeErr
	}
	return f.assignees, nil
}

func (f *fakeTracker) PostComment(_ context.Context, _ map[string]any, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

func newRun() *models.Run {
	return models.NewRun("uuid-1", taskkey.NewGitHubIssue("acme", "svc", 42), "alice", time.Now())
}

func TestPauseResumeManager_SignalPresent(t *testing.T) {
	dir := t.TempDir()
	signalFile := filepath.Join(dir, "pause")
	mgr := NewPauseResumeManager(signalFile, &fakeCtxMgr{})

	assert.False(t, mgr.SignalPresent())
	require.NoError(t, os.WriteFile(signalFile, []byte{}, 0o644))
	assert.True(t, mgr.SignalPresent())
}

func TestPauseResumeManager_Pause(t *testing.T) {
	ctxMgr := &fakeCtxMgr{}
	tracker := &fakeTracker{}
	mgr := NewPauseResumeManager("/tmp/does-not-matter", ctxMgr)
	run := newRun()

	err := mgr.Pause(context.Background(), run, tracker, map[string]any{"owner": "acme"},
		"coding-agent-processing", "coding-agent-paused", map[string]any{"action_index": 2})
	require.NoError(t, err)

	assert.Equal(t, []string{"uuid-1"}, ctxMgr.pauseCalls)
	assert.Equal(t, models.StatusPaused, run.Status)
	require.Len(t, tracker.swaps, 1)
	assert.Equal(t, [2]string{"coding-agent-processing", "coding-agent-paused"}, tracker.swaps[0])
	require.Len(t, tracker.comments, 1)
	assert.Contains(t, tracker.comments[0], pauseCommentHeader)
}

func TestPauseResumeManager_PausePropagatesTransitionError(t *testing.T) {
	ctxMgr := &fakeCtxMgr{pauseErr: assert.AnError}
	mgr := NewPauseResumeManager("/tmp/x", ctxMgr)
	err := mgr.Pause(context.Background(), newRun(), &fakeTracker{}, nil, "a", "b", nil)
	assert.Error(t, err)
}

type fakeLister struct{ uuids []string }

func (f *fakeLister) ListPaused() ([]string, error) { return f.uuids, nil }

func TestRestoreAll(t *testing.T) {
	lister := &fakeLister{uuids: []string{"r1", "r2"}}
	var resumed []string
	restored, err := RestoreAll(context.Background(), lister, func(_ context.Context, uuid string) error {
		resumed = append(resumed, uuid)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1", "r2"}, restored)
	assert.Equal(t, []string{"r1", "r2"}, resumed)
}

func TestRestoreAllSkipsFailures(t *testing.T) {
	lister := &fakeLister{uuids: []string{"r1", "r2"}}
	restored, err := RestoreAll(context.Background(), lister, func(_ context.Context, uuid string) error {
		if uuid == "r1" {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"r2"}, restored)
}

func TestTaskStopManager_ShouldCheck(t *testing.T) {
	mgr := NewTaskStopManager(5, 30*time.Second, &fakeCtxMgr{})
	now := time.Now()

	assert.True(t, mgr.ShouldCheck(5, now.Add(-time.Minute), now))
	assert.False(t, mgr.ShouldCheck(3, now.Add(-time.Minute), now))
	assert.False(t, mgr.ShouldCheck(5, now.Add(-time.Second), now))
}

func TestTaskStopManager_CheckAndStop_BotPresent(t *testing.T) {
	ctxMgr := &fakeCtxMgr{}
	tracker := &fakeTracker{assignees: []string{"coding-agent", "alice"}}
	mgr := NewTaskStopManager(1, 0, ctxMgr)

	stopped, err := mgr.CheckAndStop(context.Background(), newRun(), tracker, nil, "coding-agent", "processing", "stopped")
	require.NoError(t, err)
	assert.False(t, stopped)
	assert.Empty(t, ctxMgr.completeCalls)
}

func TestTaskStopManager_CheckAndStop_BotRemoved(t *testing.T) {
	ctxMgr := &fakeCtxMgr{}
	tracker := &fakeTracker{assignees: []string{"alice"}}
	mgr := NewTaskStopManager(1, 0, ctxMgr)
	run := newRun()

	stopped, err := mgr.CheckAndStop(context.Background(), run, tracker, map[string]any{"owner": "acme"},
		"coding-agent", "coding-agent-processing", "coding-agent-stopped")
	require.NoError(t, err)
	assert.True(t, stopped)
	assert.Equal(t, []models.Status{models.StatusStopped}, ctxMgr.completeCalls)
	assert.Equal(t, models.StatusStopped, run.Status)
	require.Len(t, tracker.swaps, 1)
	assert.Equal(t, [2]string{"coding-agent-processing", "coding-agent-stopped"}, tracker.swaps[0])
	require.Len(t, tracker.comments, 1)
	assert.Contains(t, tracker.comments[0], stopCommentHeader)
}

func TestTaskStopManager_CheckAndStop_APIErrorNonFatal(t *testing.T) {
	ctxMgr := &fakeCtxMgr{}
	tracker := &fakeTracker{assigneeErr: assert.AnError}
	mgr := NewTaskStopManager(1, 0, ctxMgr)

	stopped, err := mgr.CheckAndStop(context.Background(), newRun(), tracker, nil, "coding-agent", "p", "s")
	assert.Error(t, err)
	assert.False(t, stopped)
	assert.Empty(t, ctxMgr.completeCalls)
}
