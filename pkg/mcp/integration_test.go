package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskagent/runtime/pkg/config"
)

// TestIntegration_E2E_ToolExecution tests the full tool execution pipeline:
// ToolExecutor.Execute -> SplitToolName -> ParseToolArguments -> Client.CallTool -> result.
func TestIntegration_E2E_ToolExecution(t *testing.T) {
	ts := startTestServer(t, "command-executor", map[string]mcpsdk.ToolHandler{
		"execute_command": func(_ context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			args := req.Params.Arguments
			var parsed map[string]any
			if err := json.Unmarshal(args, &parsed); err != nil {
				return &mcpsdk.CallToolResult{
					Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "parse error: " + err.Error()}},
					IsError: true,
				}, nil
			}

			cmd, _ := parsed["command"].(string)
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{
					Text: "ran " + cmd + ": exit 0",
				}},
			}, nil
		},
	})

	executor := newTestExecutorFromTransport(t, "command-executor", ts.clientTransport)

	result, err := executor.Execute(context.Background(), ToolCall{
		ID:        "call-e2e-1",
		Name:      "command-executor.execute_command",
		Arguments: `{"command": "go test ./..."}`,
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Content, "ran go test ./...")
	assert.Contains(t, result.Content, "exit 0")

	result, err = executor.Execute(context.Background(), ToolCall{
		ID:        "call-e2e-2",
		Name:      "command-executor.execute_command",
		Arguments: "command: git status",
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Contains(t, result.Content, "ran git status")
}

// TestIntegration_MultiServer_Routing tests tool discovery and routing across multiple servers.
func TestIntegration_MultiServer_Routing(t *testing.T) {
	editorServer := startTestServer(t, "text-editor", map[string]mcpsdk.ToolHandler{
		"read_file": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "package main"}},
			}, nil
		},
	})

	ghServer := startTestServer(t, "github", map[string]mcpsdk.ToolHandler{
		"list_issues": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "issue #42: flaky test"}},
			}, nil
		},
	})

	registry := config.NewMCPServerRegistry(nil)
	client := newClient(registry)
	wireSession(t, client, "text-editor", editorServer.clientTransport)
	wireSession(t, client, "github", ghServer.clientTransport)

	executor := NewToolExecutor(client, registry, []string{"text-editor", "github"}, nil)
	t.Cleanup(func() { _ = executor.Close() })

	defs, err := executor.ListFunctions(context.Background())
	require.NoError(t, err)
	assert.Len(t, defs, 2)

	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	assert.Contains(t, names, "text-editor.read_file")
	assert.Contains(t, names, "github.list_issues")

	r1, err := executor.Execute(context.Background(), ToolCall{
		ID: "r1", Name: "text-editor.read_file", Arguments: "{}",
	})
	require.NoError(t, err)
	assert.Equal(t, "package main", r1.Content)

	r2, err := executor.Execute(context.Background(), ToolCall{
		ID: "r2", Name: "github.list_issues", Arguments: "{}",
	})
	require.NoError(t, err)
	assert.Equal(t, "issue #42: flaky test", r2.Content)
}

// TestIntegration_DoubleUnderscore_Normalization tests the __ -> . normalization
// through the full pipeline, for models whose function-call convention can't
// emit a literal "." in a tool name.
func TestIntegration_DoubleUnderscore_Normalization(t *testing.T) {
	ts := startTestServer(t, "text-editor", map[string]mcpsdk.ToolHandler{
		"read_file": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "package main"}},
			}, nil
		},
	})

	executor := newTestExecutorFromTransport(t, "text-editor", ts.clientTransport)

	result, err := executor.Execute(context.Background(), ToolCall{
		ID:        "nt-1",
		Name:      "text-editor__read_file",
		Arguments: `{"path": "cmd/main.go"}`,
	})

	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "package main", result.Content)
}

// TestIntegration_ListFunctionsCanonicalFormat verifies function names stay in
// canonical "server.tool" format regardless of how the model later re-encodes them.
func TestIntegration_ListFunctionsCanonicalFormat(t *testing.T) {
	ts := startTestServer(t, "github", map[string]mcpsdk.ToolHandler{
		"get_issue": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "ok"}}}, nil
		},
	})

	executor := newTestExecutorFromTransport(t, "github", ts.clientTransport)

	defs, err := executor.ListFunctions(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "github.get_issue", defs[0].Name)
}

// TestIntegration_PerRunIsolation tests that two concurrent executors from the
// same registry operate independently.
func TestIntegration_PerRunIsolation(t *testing.T) {
	ts1 := startTestServer(t, "server1", map[string]mcpsdk.ToolHandler{
		"tool": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "from run 1"}},
			}, nil
		},
	})

	ts2 := startTestServer(t, "server2", map[string]mcpsdk.ToolHandler{
		"tool": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "from run 2"}},
			}, nil
		},
	})

	registry := config.NewMCPServerRegistry(nil)

	client1 := newClient(registry)
	wireSession(t, client1, "server1", ts1.clientTransport)
	exec1 := NewToolExecutor(client1, registry, []string{"server1"}, nil)
	t.Cleanup(func() { _ = exec1.Close() })

	client2 := newClient(registry)
	wireSession(t, client2, "server2", ts2.clientTransport)
	exec2 := NewToolExecutor(client2, registry, []string{"server2"}, nil)
	t.Cleanup(func() { _ = exec2.Close() })

	r1, err := exec1.Execute(context.Background(), ToolCall{
		ID: "iso-1", Name: "server1.tool", Arguments: "{}",
	})
	require.NoError(t, err)
	assert.Equal(t, "from run 1", r1.Content)

	r2, err := exec2.Execute(context.Background(), ToolCall{
		ID: "iso-2", Name: "server2.tool", Arguments: "{}",
	})
	require.NoError(t, err)
	assert.Equal(t, "from run 2", r2.Content)
}

// TestIntegration_HealthMonitor_Lifecycle tests healthy -> failure -> recovery lifecycle.
func TestIntegration_HealthMonitor_Lifecycle(t *testing.T) {
	ts := startTestServer(t, "test-server", map[string]mcpsdk.ToolHandler{
		"ping": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "pong"}}}, nil
		},
	})

	registry := config.NewMCPServerRegistry(nil)
	factory := NewClientFactory(registry)
	monitor := NewHealthMonitor(factory, registry)

	client := newClient(registry)
	wireSession(t, client, "test-server", ts.clientTransport)
	t.Cleanup(func() { _ = client.Close() })
	monitor.client = client

	// Phase 1: healthy
	monitor.checkServer(context.Background(), "test-server")
	assert.True(t, monitor.IsHealthy())
	status := monitor.GetStatuses()["test-server"]
	require.NotNil(t, status)
	assert.True(t, status.Healthy)
	assert.Empty(t, status.Error)
	assert.Equal(t, 1, status.ToolCount)

	// Phase 2: simulate failure (close the session)
	client.mu.Lock()
	if session, exists := client.sessions["test-server"]; exists {
		_ = session.Close()
		delete(client.sessions, "test-server")
	}
	client.mu.Unlock()

	monitor.checkServer(context.Background(), "test-server")
	assert.False(t, monitor.IsHealthy())
	status = monitor.GetStatuses()["test-server"]
	require.NotNil(t, status)
	assert.False(t, status.Healthy)
	assert.NotEmpty(t, status.Error)

	// Phase 3: simulate recovery (reconnect with new server)
	ts2 := startTestServer(t, "test-server", map[string]mcpsdk.ToolHandler{
		"ping": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "pong"}}}, nil
		},
	})
	wireSession(t, client, "test-server", ts2.clientTransport)

	monitor.checkServer(context.Background(), "test-server")
	assert.True(t, monitor.IsHealthy())
	status = monitor.GetStatuses()["test-server"]
	require.NotNil(t, status)
	assert.True(t, status.Healthy)
	assert.Empty(t, status.Error)
}

// --- Test helpers ---

// newTestExecutorFromTransport creates a single-server ToolExecutor for testing.
func newTestExecutorFromTransport(t *testing.T, serverID string, transport *mcpsdk.InMemoryTransport) *ToolExecutor {
	t.Helper()

	registry := config.NewMCPServerRegistry(nil)
	client := newClient(registry)
	wireSession(t, client, serverID, transport)

	executor := NewToolExecutor(client, registry, []string{serverID}, nil)
	t.Cleanup(func() { _ = executor.Close() })
	return executor
}

// TestIntegration_ToolFilter tests that tool filtering works end-to-end.
func TestIntegration_ToolFilter(t *testing.T) {
	ts := startTestServer(t, "text-editor", map[string]mcpsdk.ToolHandler{
		"read_file": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "package main"}}}, nil
		},
		"write_file": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "written"}}}, nil
		},
	})

	registry := config.NewMCPServerRegistry(nil)
	client := newClient(registry)
	wireSession(t, client, "text-editor", ts.clientTransport)

	filter := map[string][]string{"text-editor": {"read_file"}}
	executor := NewToolExecutor(client, registry, []string{"text-editor"}, filter)
	t.Cleanup(func() { _ = executor.Close() })

	defs, err := executor.ListFunctions(context.Background())
	require.NoError(t, err)
	assert.Len(t, defs, 1)
	assert.Equal(t, "text-editor.read_file", defs[0].Name)

	r1, err := executor.Execute(context.Background(), ToolCall{
		ID: "f1", Name: "text-editor.read_file", Arguments: "{}",
	})
	require.NoError(t, err)
	assert.True(t, r1.Success)
	assert.Equal(t, "package main", r1.Content)

	r2, err := executor.Execute(context.Background(), ToolCall{
		ID: "f2", Name: "text-editor.write_file", Arguments: "{}",
	})
	require.NoError(t, err)
	assert.False(t, r2.Success)
	assert.Contains(t, r2.Error, "not available")
}

// TestIntegration_FailedServers tests failed server tracking through the pipeline.
func TestIntegration_FailedServers(t *testing.T) {
	registry := config.NewMCPServerRegistry(nil)
	client := newClient(registry)

	_ = client.Initialize(context.Background(), []string{"broken-server"})

	failed := client.FailedServers()
	assert.Contains(t, failed, "broken-server")
	assert.NotEmpty(t, failed["broken-server"])
}

// TestIntegration_HealthMonitor_ToolCaching tests that the health monitor populates the tool cache.
func TestIntegration_HealthMonitor_ToolCaching(t *testing.T) {
	ts := startTestServer(t, "test-server", map[string]mcpsdk.ToolHandler{
		"tool_a": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "a"}}}, nil
		},
		"tool_b": func(_ context.Context, _ *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
			return &mcpsdk.CallToolResult{Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: "b"}}}, nil
		},
	})

	registry := config.NewMCPServerRegistry(map[string]config.MCPServerConfig{
		"test-server": {Transport: config.TransportConfig{Type: config.TransportTypeStdio, Command: "echo"}},
	})
	factory := NewClientFactory(registry)
	monitor := NewHealthMonitor(factory, registry)
	monitor.pingTimeout = 5 * time.Second

	client := newClient(registry)
	wireSession(t, client, "test-server", ts.clientTransport)
	t.Cleanup(func() { _ = client.Close() })
	monitor.client = client

	monitor.checkServer(context.Background(), "test-server")

	cached := monitor.GetCachedTools()
	require.Contains(t, cached, "test-server")
	assert.Len(t, cached["test-server"], 2)
}
