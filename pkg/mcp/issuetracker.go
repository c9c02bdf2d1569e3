package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/taskagent/runtime/pkg/taskkey"
)

// IssueRef renders the upstream tool-call identifying parameters for key —
// owner/repo/issue_number for GitHub, project_id/issue_iid or
// project_id/merge_request_iid for GitLab — following the upstream
// GitHub/GitLab MCP server schemas verbatim.
func IssueRef(key taskkey.Key) map[string]any {
	switch key.Kind {
	case taskkey.GitHubIssue:
		return map[string]any{"owner": key.Owner, "repo": key.Repo, "issue_number": key.Number}
	case taskkey.GitHubPullRequest:
		return map[string]any{"owner": key.Owner, "repo": key.Repo, "pull_number": key.Number}
	case taskkey.GitLabIssue:
		return map[string]any{"project_id": key.ProjectID, "issue_iid": key.IID}
	case taskkey.GitLabMergeRequest:
		return map[string]any{"project_id": key.ProjectID, "merge_request_iid": key.IID}
	default:
		return map[string]any{}
	}
}

// IssueTracker is the minimal issue-tracker surface the producer,
// consumer, and control plane need: listing
// activated work items, reading/swapping labels, reading assignees, and
// posting comments. One instance is scoped to a single server ID
// (github/gitlab), matching the executor's "server.tool" routing.
type IssueTracker struct {
	executor *ToolExecutor
	serverID string
	isGitLab bool
}

// NewIssueTracker wraps executor for serverID. isGitLab selects the
// GitLab-shaped tool surface (list_issues/create_note) vs. GitHub's
// (search_issues/create_issue_comment).
func NewIssueTracker(executor *ToolExecutor, serverID string, isGitLab bool) *IssueTracker {
	return &IssueTracker{executor: executor, serverID: serverID, isGitLab: isGitLab}
}

func (t *IssueTracker) call(ctx context.Context, tool string, args map[string]any) (*ToolResult, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("issuetracker: marshal %s args: %w", tool, err)
	}
	result, err := t.executor.Execute(ctx, ToolCall{Name: fmt.Sprintf("%s.%s", t.serverID, tool), Arguments: string(argsJSON)})
	if err != nil {
		return nil, fmt.Errorf("issuetracker: call %s: %w", tool, err)
	}
	if !result.Success {
		return nil, fmt.Errorf("issuetracker: %s failed: %s", tool, result.Error)
	}
	return result, nil
}

// ListActivated returns the raw items (one per issue/MR) carrying
// activationLabel across scope (repositories for GitHub, project IDs for
// GitLab). The result text is the upstream tool's JSON array, parsed here
// into a slice of loosely-typed maps — callers pull owner/repo/number or
// project_id/iid out of whichever fields the upstream schema used.
func (t *IssueTracker) ListActivated(ctx context.Context, scope []string, activationLabel string) ([]map[string]any, error) {
	var items []map[string]any
	for _, s := range scope {
		args := map[string]any{"labels": []string{activationLabel}, "state": "open"}
		tool := "search_issues"
		if t.isGitLab {
			tool = "list_issues"
			args["project_id"] = s
		} else {
			owner, repo, ok := strings.Cut(s, "/")
			if !ok {
				return nil, fmt.Errorf("issuetracker: malformed github repository scope %q, want owner/repo", s)
			}
			args["owner"] = owner
			args["repo"] = repo
		}

		result, err := t.call(ctx, tool, args)
		if err != nil {
			return nil, err
		}
		var page []map[string]any
		if err := json.Unmarshal([]byte(result.Content), &page); err != nil {
			return nil, fmt.Errorf("issuetracker: decode %s response: %w", tool, err)
		}
		items = append(items, page...)
	}
	return items, nil
}

// SwapLabel removes `remove` and adds `add` on the work item identified by
// ref, via a single update_issue call.
func (t *IssueTracker) SwapLabel(ctx context.Context, ref map[string]any, remove, add string) error {
	args := make(map[string]any, len(ref)+1)
	for k, v := range ref {
		args[k] = v
	}
	args["add_labels"] = []string{add}
	args["remove_labels"] = []string{remove}
	_, err := t.call(ctx, "update_issue", args)
	return err
}

// Describe returns the title and body of the work item identified by ref,
// via get_issue — the task prompt seed.
func (t *IssueTracker) Describe(ctx context.Context, ref map[string]any) (title, body string, err error) {
	result, err := t.call(ctx, "get_issue", ref)
	if err != nil {
		return "", "", err
	}
	var issue struct {
		Title string `json:"title"`
		Body  string `json:"body"`
	}
	if err := json.Unmarshal([]byte(result.Content), &issue); err != nil {
		return "", "", fmt.Errorf("issuetracker: decode get_issue response: %w", err)
	}
	return issue.Title, issue.Body, nil
}

// Comments returns the body text of every existing comment/discussion note
// on the work item identified by ref.
func (t *IssueTracker) Comments(ctx context.Context, ref map[string]any) ([]string, error) {
	tool := "get_issue_comments"
	if t.isGitLab {
		tool = "list_issue_discussions"
	}
	result, err := t.call(ctx, tool, ref)
	if err != nil {
		return nil, err
	}
	var raw []struct {
		Body  string `json:"body"`
		Notes []struct {
			Body string `json:"body"`
		} `json:"notes"`
	}
	if err := json.Unmarshal([]byte(result.Content), &raw); err != nil {
		return nil, fmt.Errorf("issuetracker: decode %s response: %w", tool, err)
	}
	var comments []string
	for _, item := range raw {
		if item.Body != "" {
			comments = append(comments, item.Body)
		}
		for _, n := range item.Notes {
			comments = append(comments, n.Body)
		}
	}
	return comments, nil
}

// Labels returns the current label names on the work item identified by
// ref, used to re-check the processing label is still present before the
// consumer begins expensive work.
func (t *IssueTracker) Labels(ctx context.Context, ref map[string]any) ([]string, error) {
	result, err := t.call(ctx, "get_issue", ref)
	if err != nil {
		return nil, err
	}
	var issue struct {
		Labels []json.RawMessage `json:"labels"`
	}
	if err := json.Unmarshal([]byte(result.Content), &issue); err != nil {
		return nil, fmt.Errorf("issuetracker: decode get_issue response: %w", err)
	}
	names := make([]string, 0, len(issue.Labels))
	for _, raw := range issue.Labels {
		var asString string
		if err := json.Unmarshal(raw, &asString); err == nil {
			names = append(names, asString)
			continue
		}
		var asObject struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(raw, &asObject); err == nil {
			names = append(names, asObject.Name)
		}
	}
	return names, nil
}

// Assignees returns the login/username list of the work item's current
// assignees, used by the assignee-removal control-plane check.
func (t *IssueTracker) Assignees(ctx context.Context, ref map[string]any) ([]string, error) {
	result, err := t.call(ctx, "get_issue", ref)
	if err != nil {
		return nil, err
	}
	var issue struct {
		Assignees []struct {
			Login string `json:"login"`
		} `json:"assignees"`
	}
	if err := json.Unmarshal([]byte(result.Content), &issue); err != nil {
		return nil, fmt.Errorf("issuetracker: decode get_issue response: %w", err)
	}
	names := make([]string, 0, len(issue.Assignees))
	for _, a := range issue.Assignees {
		names = append(names, a.Login)
	}
	return names, nil
}

// PostComment creates a new comment with body on the work item identified
// by ref, using create_issue_comment (GitHub) or create_note (GitLab).
func (t *IssueTracker) PostComment(ctx context.Context, ref map[string]any, body string) error {
	args := make(map[string]any, len(ref)+1)
	for k, v := range ref {
		args[k] = v
	}
	tool, argKey := "create_issue_comment", "body"
	if t.isGitLab {
		tool, argKey = "create_note", "body"
	}
	args[argKey] = body
	_, err := t.call(ctx, tool, args)
	return err
}

// ParseGitHubNumberFields extracts owner/repo/number from one ListActivated
// item for the GitHub tool surface; the upstream search_issues schema nests
// repository identity inside repository_url ("/repos/{owner}/{repo}").
func ParseGitHubNumberFields(item map[string]any) (owner, repo string, number int, err error) {
	repoURL, _ := item["repository_url"].(string)
	parts := strings.Split(repoURL, "/")
	if len(parts) < 2 {
		return "", "", 0, fmt.Errorf("issuetracker: malformed repository_url %q", repoURL)
	}
	owner, repo = parts[len(parts)-2], parts[len(parts)-1]

	switch n := item["number"].(type) {
	case float64:
		number = int(n)
	case string:
		number, err = strconv.Atoi(n)
		if err != nil {
			return "", "", 0, fmt.Errorf("issuetracker: field \"number\": %w", err)
		}
	default:
		return "", "", 0, fmt.Errorf("issuetracker: missing or non-numeric \"number\"")
	}
	return owner, repo, number, nil
}

// ParseGitLabIID extracts the project_id/iid fields from one ListActivated
// item for the GitLab tool surface.
func ParseGitLabIID(item map[string]any) (projectID string, iid int, err error) {
	switch v := item["project_id"].(type) {
	case string:
		projectID = v
	case float64:
		projectID = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return "", 0, fmt.Errorf("issuetracker: missing \"project_id\"")
	}
	switch n := item["iid"].(type) {
	case float64:
		iid = int(n)
	case string:
		iid, err = strconv.Atoi(n)
		if err != nil {
			return "", 0, fmt.Errorf("issuetracker: field \"iid\": %w", err)
		}
	default:
		return "", 0, fmt.Errorf("issuetracker: missing or non-numeric \"iid\"")
	}
	return projectID, iid, nil
}
