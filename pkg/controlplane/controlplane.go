// Package controlplane implements the two external signals that interrupt
// a running task from outside the planning loop: a pause signal file on
// disk, and assignee removal on the upstream issue/MR. Both are observed only at phase boundaries — pausing
// and stopping are cooperative, never interrupting an in-flight action.
package controlplane

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/taskagent/runtime/pkg/models"
)

// ContextTransitioner is the subset of *taskcontext.Manager the control
// plane drives: moving a run's directory and TaskDB status on pause or on
// a terminal transition.
type ContextTransitioner interface {
	Pause(ctx context.Context, run *models.Run, state any) error
	Complete(ctx context.Context, run *models.Run, status models.Status, errMsg string) error
}

// Tracker is the subset of *mcp.IssueTracker the control plane needs to
// swap labels, read assignees, and post the user-visible notice comment.
type Tracker interface {
	SwapLabel(ctx context.Context, ref map[string]any, remove, add string) error
	Assignees(ctx context.Context, ref map[string]any) ([]string, error)
	PostComment(ctx context.Context, ref map[string]any, body string) error
}

// pauseCommentHeader and stopCommentHeader are the well-known Markdown
// headers every state-transition comment carries, so downstream
// automation can parse them.
const (
	pauseCommentHeader = "## ⏸️ Task Paused"
	stopCommentHeader  = "## ⛔ Task Stopped"
)

// postNoticeBestEffort posts body as a comment but never fails the
// transition over it — a comment-post failure is logged, not propagated,
// since the filesystem/TaskDB transition it documents has already happened.
func postNoticeBestEffort(ctx context.Context, tracker Tracker, ref map[string]any, body string) {
	if tracker == nil {
		return
	}
	if err := tracker.PostComment(ctx, ref, body); err != nil {
		slog.Warn("controlplane: failed to post notice comment", "error", err)
	}
}

// wrapErr is a small formatting helper shared by both managers.
func wrapErr(op string, err error) error {
	return fmt.Errorf("controlplane: %s: %w", op, err)
}
