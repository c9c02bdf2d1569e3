package controlplane

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/taskagent/runtime/pkg/models"
)

// PauseResumeManager watches the pause signal file and drives the
// running/ -> paused/ transition and back.
type PauseResumeManager struct {
	signalFile string
	ctxMgr     ContextTransitioner
	logger     *slog.Logger
}

// NewPauseResumeManager wires a PauseResumeManager. signalFile is the
// configured control_plane.pause_signal_file path.
func NewPauseResumeManager(signalFile string, ctxMgr ContextTransitioner) *PauseResumeManager {
	return &PauseResumeManager{signalFile: signalFile, ctxMgr: ctxMgr, logger: slog.Default()}
}

// SignalPresent reports whether the pause signal file currently exists.
// The consumer polls this between phases; it is never removed
// automatically — operators delete it to re-enable pickup.
func (p *PauseResumeManager) SignalPresent() bool {
	_, err := os.Stat(p.signalFile)
	return err == nil
}

// Pause moves run from running/ to paused/, writes task_state (the
// planning-phase snapshot the caller assembled), swaps the upstream label
// from processingLabel to pausedLabel, posts a notice comment, and flips
// TaskDB status to paused. tracker may be nil in tests that don't exercise
// the issue-tracker side effect.
func (p *PauseResumeManager) Pause(
	ctx context.Context,
	run *models.Run,
	tracker Tracker,
	ref map[string]any,
	processingLabel, pausedLabel string,
	taskState any,
) error {
	if err := p.ctxMgr.Pause(ctx, run, taskState); err != nil {
		return wrapErr("pause directory/db transition", err)
	}

	if tracker != nil {
		if err := tracker.SwapLabel(ctx, ref, processingLabel, pausedLabel); err != nil {
			p.logger.Warn("controlplane: failed to swap label on pause", "uuid", run.UUID, "error", err)
		}
	}

	postNoticeBestEffort(ctx, tracker, ref, fmt.Sprintf(
		"%s\n\nThis task has been paused. Delete the pause signal and restart a consumer to resume.",
		pauseCommentHeader,
	))

	p.logger.Info("controlplane: paused task", "uuid", run.UUID, "task_key", run.TaskKey)
	return nil
}

// PausedRunLister is the subset of *taskcontext.Manager the startup sweep
// needs to find paused runs before restoring each one.
type PausedRunLister interface {
	ListPaused() ([]string, error)
}

// RestoreAll is the bootstrap sweep: every run found under paused/ is moved
// back to running/ (incrementing resume_count) and its uuid is returned.
// RestoreAll does not put the runs back on the work queue.
func RestoreAll(ctx context.Context, lister PausedRunLister, resume func(ctx context.Context, uuid string) error) ([]string, error) {
	uuids, err := lister.ListPaused()
	if err != nil {
		return nil, wrapErr("list paused runs", err)
	}

	var restored []string
	for _, uuid := range uuids {
		if err := resume(ctx, uuid); err != nil {
			slog.Warn("controlplane: failed to restore paused run", "uuid", uuid, "error", err)
			continue
		}
		restored = append(restored, uuid)
	}
	return restored, nil
}
