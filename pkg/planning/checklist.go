package planning

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/taskagent/runtime/pkg/mcp"
)

// PlanAction is one entry of action_plan.actions, the slice the checklist
// comment mirrors.
type PlanAction struct {
	TaskID  string `json:"task_id"`
	Purpose string `json:"purpose"`
}

// Commenter posts the task's progress comment on the source issue/MR. The
// first Post creates the comment; every following Post edits that same
// comment in place. If an
// update ever fails (the comment was deleted, the id was never captured),
// Post falls back to creating a fresh comment rather than losing the
// update.
type Commenter struct {
	executor   *mcp.ToolExecutor
	serverID   string
	createTool string // "create_issue_comment" (GitHub) or "create_note" (GitLab)
	updateTool string // "update_issue_comment" (GitHub) or "update_note" (GitLab)
	bodyArg    string // "comment" or "body", the tool's text-field parameter name
	idArg      string // "comment_id" or "note_id", the update tool's id parameter name
	issueRef   map[string]any

	commentID string // captured from the create call's response; empty until then
}

// NewCommenter wires a Commenter to the MCP tools that create and update
// comments on issueRef (the tool's own identifying parameters: owner/repo/
// issue_number or project_id/issue_iid, per the upstream server's schema).
func NewCommenter(executor *mcp.ToolExecutor, serverID, createTool, updateTool, bodyArg, idArg string, issueRef map[string]any) *Commenter {
	return &Commenter{
		executor: executor, serverID: serverID,
		createTool: createTool, updateTool: updateTool,
		bodyArg: bodyArg, idArg: idArg, issueRef: issueRef,
	}
}

// Post creates the run's progress comment on first call, then edits that
// same comment with body on every subsequent call.
func (c *Commenter) Post(ctx context.Context, body string) error {
	if c.commentID != "" {
		if err := c.update(ctx, body); err == nil {
			return nil
		}
		c.commentID = ""
	}
	return c.create(ctx, body)
}

// PostNew creates a standalone comment, leaving the progress comment Post
// maintains untouched.
func (c *Commenter) PostNew(ctx context.Context, body string) error {
	args := c.baseArgs()
	args[c.bodyArg] = body

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("planning: marshal comment args: %w", err)
	}
	result, err := c.executor.Execute(ctx, mcp.ToolCall{Name: fmt.Sprintf("%s.%s", c.serverID, c.createTool), Arguments: string(argsJSON)})
	if err != nil {
		return fmt.Errorf("planning: post comment: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("planning: post comment: %s", result.Error)
	}
	return nil
}

func (c *Commenter) create(ctx context.Context, body string) error {
	args := c.baseArgs()
	args[c.bodyArg] = body

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("planning: marshal comment args: %w", err)
	}
	result, err := c.executor.Execute(ctx, mcp.ToolCall{Name: fmt.Sprintf("%s.%s", c.serverID, c.createTool), Arguments: string(argsJSON)})
	if err != nil {
		return fmt.Errorf("planning: post comment: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("planning: post comment: %s", result.Error)
	}
	c.commentID = extractCommentID(result.Content)
	return nil
}

func (c *Commenter) update(ctx context.Context, body string) error {
	args := c.baseArgs()
	args[c.bodyArg] = body
	if n, err := strconv.Atoi(c.commentID); err == nil {
		args[c.idArg] = n
	} else {
		args[c.idArg] = c.commentID
	}

	argsJSON, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("planning: marshal comment-update args: %w", err)
	}
	result, err := c.executor.Execute(ctx, mcp.ToolCall{Name: fmt.Sprintf("%s.%s", c.serverID, c.updateTool), Arguments: string(argsJSON)})
	if err != nil {
		return fmt.Errorf("planning: update comment: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("planning: update comment: %s", result.Error)
	}
	return nil
}

func (c *Commenter) baseArgs() map[string]any {
	args := make(map[string]any, len(c.issueRef)+2)
	for k, v := range c.issueRef {
		args[k] = v
	}
	return args
}

// extractCommentID pulls the "id" field out of a create-comment tool's JSON
// response. Returns "" if the response isn't JSON or carries no id — Post
// degrades to creating a new comment every time rather than failing the run.
func extractCommentID(content string) string {
	var payload struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil || len(payload.ID) == 0 {
		return ""
	}
	var s string
	if json.Unmarshal(payload.ID, &s) == nil {
		return s
	}
	var n json.Number
	if json.Unmarshal(payload.ID, &n) == nil {
		return n.String()
	}
	return ""
}

// ChecklistBuilder renders the Markdown checklist comment for a plan's
// actions and tracks completion as actions finish: each completed action
// flips [ ] to [x] and the comment is reposted with updated progress.
type ChecklistBuilder struct {
	actions   []PlanAction
	completed int
}

// NewChecklistBuilder starts tracking actions, all initially incomplete.
func NewChecklistBuilder(actions []PlanAction) *ChecklistBuilder {
	return &ChecklistBuilder{actions: actions}
}

// Initial renders the checklist before any action has run.
func (b *ChecklistBuilder) Initial() string {
	var lines []string
	lines = append(lines, "## 📋 Execution Plan", "")
	for i, a := range b.actions {
		lines = append(lines, checklistLine(a, i+1, false))
	}
	lines = append(lines, "", "*Progress will be updated as tasks complete.*")
	return strings.Join(lines, "\n")
}

// MarkComplete advances the completed-count to completedIndex+1 (0-based
// index of the action that just finished) and renders the updated checklist.
func (b *ChecklistBuilder) MarkComplete(completedIndex int) string {
	if completedIndex+1 > b.completed {
		b.completed = completedIndex + 1
	}

	var lines []string
	lines = append(lines, "## 📋 Execution Plan", "")
	for i, a := range b.actions {
		lines = append(lines, checklistLine(a, i+1, i+1 <= b.completed))
	}
	if len(b.actions) > 0 {
		pct := b.completed * 100 / len(b.actions)
		lines = append(lines, "", fmt.Sprintf("*Progress: %d/%d (%d%%) complete*", b.completed, len(b.actions), pct))
	}
	return strings.Join(lines, "\n")
}

// AppendActions extends the tracked action list, used when verification adds
// extra actions to close a gap found after the first pass completed.
func (b *ChecklistBuilder) AppendActions(actions []PlanAction) {
	b.actions = append(b.actions, actions...)
}

// Final renders the checklist with every action marked complete.
func (b *ChecklistBuilder) Final() string {
	var lines []string
	lines = append(lines, "## 📋 Execution Plan", "")
	for i, a := range b.actions {
		lines = append(lines, checklistLine(a, i+1, true))
	}
	lines = append(lines, "", fmt.Sprintf("*✅ All %d tasks completed successfully!*", len(b.actions)))
	return strings.Join(lines, "\n")
}

func checklistLine(a PlanAction, position int, done bool) string {
	box := "[ ]"
	if done {
		box = "[x]"
	}
	taskID := a.TaskID
	if taskID == "" {
		taskID = fmt.Sprintf("task_%d", position)
	}
	purpose := a.Purpose
	if purpose == "" {
		purpose = "Execute action"
	}
	return fmt.Sprintf("- %s **%s**: %s", box, taskID, purpose)
}
