package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/taskkey"
)

func newIssueTrackerExecutor(t *testing.T, serverID string, tools map[string]mcpsdk.ToolHandler) *ToolExecutor {
	t.Helper()
	ts := startTestServer(t, serverID, tools)
	client := connectClientDirect(t, serverID, ts.clientTransport)
	return NewToolExecutor(client, config.NewMCPServerRegistry(nil), []string{serverID}, nil)
}

func textResult(s string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: s}}}
}

func TestIssueRef(t *testing.T) {
	assert.Equal(t, map[string]any{"owner": "acme", "repo": "svc", "issue_number": 42},
		IssueRef(taskkey.NewGitHubIssue("acme", "svc", 42)))
	assert.Equal(t, map[string]any{"project_id": "7", "issue_iid": 3},
		IssueRef(taskkey.NewGitLabIssue("7", 3)))
}

func TestIssueTracker_ListActivated_GitHub(t *testing.T) {
	executor := newIssueTrackerExecutor(t, "github", map[string]mcpsdk.ToolHandler{
		"search_issues": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			body, _ := json.Marshal([]map[string]any{
				{"repository_url": "https://api.github.com/repos/acme/svc", "number": float64(42)},
			})
			return textResult(string(body)), nil
		},
	})
	tracker := NewIssueTracker(executor, "github", false)

	items, err := tracker.ListActivated(context.Background(), []string{"acme/svc"}, "coding-agent")
	require.NoError(t, err)
	require.Len(t, items, 1)

	owner, repo, number, err := ParseGitHubNumberFields(items[0])
	require.NoError(t, err)
	assert.Equal(t, "acme", owner)
	assert.Equal(t, "svc", repo)
	assert.Equal(t, 42, number)
}

func TestIssueTracker_ListActivated_GitLab(t *testing.T) {
	executor := newIssueTrackerExecutor(t, "gitlab", map[string]mcpsdk.ToolHandler{
		"list_issues": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			body, _ := json.Marshal([]map[string]any{{"project_id": "7", "iid": float64(3)}})
			return textResult(string(body)), nil
		},
	})
	tracker := NewIssueTracker(executor, "gitlab", true)

	items, err := tracker.ListActivated(context.Background(), []string{"7"}, "coding-agent")
	require.NoError(t, err)
	require.Len(t, items, 1)

	projectID, iid, err := ParseGitLabIID(items[0])
	require.NoError(t, err)
	assert.Equal(t, "7", projectID)
	assert.Equal(t, 3, iid)
}

func TestIssueTracker_SwapLabel(t *testing.T) {
	called := false
	executor := newIssueTrackerExecutor(t, "github", map[string]mcpsdk.ToolHandler{
		"update_issue": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			called = true
			return textResult("{}"), nil
		},
	})
	tracker := NewIssueTracker(executor, "github", false)

	ref := IssueRef(taskkey.NewGitHubIssue("acme", "svc", 42))
	require.NoError(t, tracker.SwapLabel(context.Background(), ref, "coding-agent", "coding-agent-processing"))
	assert.True(t, called)
}

func TestIssueTracker_Assignees(t *testing.T) {
	executor := newIssueTrackerExecutor(t, "github", map[string]mcpsdk.ToolHandler{
		"get_issue": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			body, _ := json.Marshal(map[string]any{
				"assignees": []map[string]any{{"login": "coding-agent"}, {"login": "alice"}},
			})
			return textResult(string(body)), nil
		},
	})
	tracker := NewIssueTracker(executor, "github", false)

	names, err := tracker.Assignees(context.Background(), IssueRef(taskkey.NewGitHubIssue("acme", "svc", 42)))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"coding-agent", "alice"}, names)
}

func TestIssueTracker_Describe(t *testing.T) {
	executor := newIssueTrackerExecutor(t, "github", map[string]mcpsdk.ToolHandler{
		"get_issue": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			body, _ := json.Marshal(map[string]any{"title": "Fix crash", "body": "steps to reproduce..."})
			return textResult(string(body)), nil
		},
	})
	tracker := NewIssueTracker(executor, "github", false)

	title, body, err := tracker.Describe(context.Background(), IssueRef(taskkey.NewGitHubIssue("acme", "svc", 42)))
	require.NoError(t, err)
	assert.Equal(t, "Fix crash", title)
	assert.Equal(t, "steps to reproduce...", body)
}

func TestIssueTracker_Comments_GitHub(t *testing.T) {
	executor := newIssueTrackerExecutor(t, "github", map[string]mcpsdk.ToolHandler{
		"get_issue_comments": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			body, _ := json.Marshal([]map[string]any{{"body": "first"}, {"body": "second"}})
			return textResult(string(body)), nil
		},
	})
	tracker := NewIssueTracker(executor, "github", false)

	comments, err := tracker.Comments(context.Background(), IssueRef(taskkey.NewGitHubIssue("acme", "svc", 42)))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, comments)
}

func TestIssueTracker_Comments_GitLab(t *testing.T) {
	executor := newIssueTrackerExecutor(t, "gitlab", map[string]mcpsdk.ToolHandler{
		"list_issue_discussions": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			body, _ := json.Marshal([]map[string]any{
				{"notes": []map[string]any{{"body": "note one"}, {"body": "note two"}}},
			})
			return textResult(string(body)), nil
		},
	})
	tracker := NewIssueTracker(executor, "gitlab", true)

	comments, err := tracker.Comments(context.Background(), IssueRef(taskkey.NewGitLabIssue("7", 3)))
	require.NoError(t, err)
	assert.Equal(t, []string{"note one", "note two"}, comments)
}

func TestIssueTracker_Labels(t *testing.T) {
	executor := newIssueTrackerExecutor(t, "github", map[string]mcpsdk.ToolHandler{
		"get_issue": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			body, _ := json.Marshal(map[string]any{
				"labels": []map[string]any{{"name": "coding-agent-processing"}, {"name": "bug"}},
			})
			return textResult(string(body)), nil
		},
	})
	tracker := NewIssueTracker(executor, "github", false)

	names, err := tracker.Labels(context.Background(), IssueRef(taskkey.NewGitHubIssue("acme", "svc", 42)))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"coding-agent-processing", "bug"}, names)
}

func TestIssueTracker_PostComment(t *testing.T) {
	called := false
	executor := newIssueTrackerExecutor(t, "gitlab", map[string]mcpsdk.ToolHandler{
		"create_note": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			called = true
			return textResult("{}"), nil
		},
	})
	tracker := NewIssueTracker(executor, "gitlab", true)

	err := tracker.PostComment(context.Background(), IssueRef(taskkey.NewGitLabIssue("7", 3)), "hello")
	require.NoError(t, err)
	assert.True(t, called)
}
