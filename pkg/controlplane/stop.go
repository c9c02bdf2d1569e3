package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/taskagent/runtime/pkg/models"
)

// TaskStopManager implements the assignee-removal signal: periodically
// re-reading an issue/MR's assignees and stopping the task if the
// configured bot account is no longer among them.
type TaskStopManager struct {
	checkInterval int           // consumer iterations between checks
	minGap        time.Duration // floor even if iterations tick faster than this
	ctxMgr        ContextTransitioner
	logger        *slog.Logger
}

// NewTaskStopManager wires a TaskStopManager from the control_plane config.
func NewTaskStopManager(checkInterval int, minGap time.Duration, ctxMgr ContextTransitioner) *TaskStopManager {
	if checkInterval <= 0 {
		checkInterval = 1
	}
	return &TaskStopManager{checkInterval: checkInterval, minGap: minGap, ctxMgr: ctxMgr, logger: slog.Default()}
}

// ShouldCheck reports whether the consumer should re-read assignees on this
// iteration: every checkInterval iterations, no more often than minGap
// since the last check actually ran.
func (m *TaskStopManager) ShouldCheck(iteration int, lastCheck time.Time, now time.Time) bool {
	if iteration%m.checkInterval != 0 {
		return false
	}
	return now.Sub(lastCheck) >= m.minGap
}

// CheckAndStop re-reads ref's assignees; if botName is absent, it stops the
// run (TaskDB -> stopped, directory -> completed/, label swap, notice
// comment) and returns stopped=true. API errors reading assignees are
// non-fatal — they're returned so the caller can log and continue
// processing rather than treat them as task failures.
func (m *TaskStopManager) CheckAndStop(
	ctx context.Context,
	run *models.Run,
	tracker Tracker,
	ref map[string]any,
	botName string,
	processingLabel, stoppedLabel string,
) (stopped bool, err error) {
	assignees, err := tracker.Assignees(ctx, ref)
	if err != nil {
		return false, wrapErr("check assignees", err)
	}
	if slices.Contains(assignees, botName) {
		return false, nil
	}

	if err := m.ctxMgr.Complete(ctx, run, models.StatusStopped, "assignee removed"); err != nil {
		return false, wrapErr("stop directory/db transition", err)
	}

	if err := tracker.SwapLabel(ctx, ref, processingLabel, stoppedLabel); err != nil {
		m.logger.Warn("controlplane: failed to swap label on stop", "uuid", run.UUID, "error", err)
	}

	postNoticeBestEffort(ctx, tracker, ref, fmt.Sprintf(
		"%s\n\nThe assigned bot account was removed from this task; processing has been stopped.",
		stopCommentHeader,
	))

	m.logger.Info("controlplane: stopped task (assignee removed)", "uuid", run.UUID, "task_key", run.TaskKey)
	return true, nil
}
