package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/taskagent/runtime/pkg/config"
)

// ToolCall is one function-call the planning/execution loop asked the model
// to make, before it has been routed to a server.
type ToolCall struct {
	ID        string
	Name      string // "server.tool" or "server__tool"
	Arguments string // raw string the model produced; parsed by ParseToolArguments
}

// ToolResult is the {success, content, error} shape every tool call
// resolves to: a tool call never returns a bare Go error for domain failures
// (bad arguments, server-side tool error) — those are folded into Success
// and Error so the planning loop can feed them back to the model as
// observations. A Go error is reserved for conditions the caller, not the
// model, must react to (none currently — kept for symmetry with Client).
type ToolResult struct {
	CallID  string
	Name    string
	Content string
	Success bool
	Error   string
}

// FunctionDefinition is one entry of the OpenAI-style function-calling
// schema list a tool catalog produces.
type FunctionDefinition struct {
	Name             string
	Description      string
	ParametersSchema string // JSON schema, serialized
}

// ToolExecutor multiplexes tool calls across a fixed set of MCP servers for
// one run. Created per-run by ClientFactory; Close releases the underlying
// sessions (and, for stdio servers, their subprocesses).
type ToolExecutor struct {
	client   *Client
	registry *config.MCPServerRegistry

	serverIDs []string

	// toolFilter restricts which tools on a server are reachable; nil or an
	// empty slice for a server means every tool on it is available.
	toolFilter map[string][]string
}

// NewToolExecutor creates an executor scoped to serverIDs.
func NewToolExecutor(
	client *Client,
	registry *config.MCPServerRegistry,
	serverIDs []string,
	toolFilter map[string][]string,
) *ToolExecutor {
	return &ToolExecutor{
		client:     client,
		registry:   registry,
		serverIDs:  serverIDs,
		toolFilter: toolFilter,
	}
}

// Execute routes call to its server and returns the {success, content,
// error} shape. A non-nil error return is a caller bug (canceled context);
// anything the model did wrong comes back as ToolResult.Success == false.
func (e *ToolExecutor) Execute(ctx context.Context, call ToolCall) (*ToolResult, error) {
	name := NormalizeToolName(call.Name)

	serverID, toolName, err := e.resolveToolCall(name)
	if err != nil {
		return &ToolResult{CallID: call.ID, Name: call.Name, Success: false, Error: err.Error()}, nil
	}

	params, err := ParseToolArguments(call.Arguments)
	if err != nil {
		return &ToolResult{
			CallID: call.ID, Name: call.Name, Success: false,
			Error: fmt.Sprintf("failed to parse tool arguments: %s", err),
		}, nil
	}

	result, err := e.client.CallTool(ctx, serverID, toolName, params)
	if err != nil {
		return &ToolResult{
			CallID: call.ID, Name: call.Name, Success: false,
			Error: fmt.Sprintf("tool execution failed: %s", err),
		}, nil
	}

	content := extractTextContent(result)
	if result.IsError {
		return &ToolResult{CallID: call.ID, Name: call.Name, Success: false, Error: content}, nil
	}
	return &ToolResult{CallID: call.ID, Name: call.Name, Success: true, Content: content}, nil
}

// ListFunctions concatenates the ListTools results of every server this
// executor reaches as "server.tool" function definitions, applying
// toolFilter. A server whose ListTools fails is logged and skipped.
func (e *ToolExecutor) ListFunctions(ctx context.Context) ([]FunctionDefinition, error) {
	var defs []FunctionDefinition

	for _, serverID := range e.serverIDs {
		tools, err := e.client.ListTools(ctx, serverID)
		if err != nil {
			slog.Warn("failed to list tools from MCP server", "server", serverID, "error", err)
			continue
		}

		for _, tool := range tools {
			if filter, ok := e.toolFilter[serverID]; ok && len(filter) > 0 {
				if !slices.Contains(filter, tool.Name) {
					continue
				}
			}
			defs = append(defs, FunctionDefinition{
				Name:             fmt.Sprintf("%s.%s", serverID, tool.Name),
				Description:      tool.Description,
				ParametersSchema: marshalSchema(tool.InputSchema),
			})
		}
	}

	return defs, nil
}

// Close releases the underlying MCP sessions and subprocesses.
func (e *ToolExecutor) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

func (e *ToolExecutor) resolveToolCall(name string) (serverID, toolName string, err error) {
	serverID, toolName, err = SplitToolName(name)
	if err != nil {
		return "", "", err
	}

	if !slices.Contains(e.serverIDs, serverID) {
		return "", "", fmt.Errorf(
			"MCP server %q is not available for this run. available servers: %s",
			serverID, strings.Join(e.serverIDs, ", "))
	}

	if filter, ok := e.toolFilter[serverID]; ok && len(filter) > 0 {
		if !slices.Contains(filter, toolName) {
			return "", "", fmt.Errorf(
				"tool %q is not available on server %q. available tools: %s",
				toolName, serverID, strings.Join(filter, ", "))
		}
	}

	return serverID, toolName, nil
}

// extractTextContent concatenates every text content item with "\n".
// Non-text content (images, embedded resources) is dropped.
func extractTextContent(result *mcpsdk.CallToolResult) string {
	var parts []string
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		} else {
			slog.Debug("MCP tool returned non-text content, skipping", "content_type", fmt.Sprintf("%T", c))
		}
	}
	return strings.Join(parts, "\n")
}

func marshalSchema(schema any) string {
	if schema == nil {
		return ""
	}
	data, err := json.Marshal(schema)
	if err != nil {
		slog.Debug("failed to marshal tool input schema", "error", err)
		return ""
	}
	return string(data)
}
