// Package mcp connects a task run to its tool servers: the hosted GitHub or
// GitLab issue-tracker MCP server, and the per-task stdio servers
// (text-editor, command executor, Playwright) the sandbox launches inside
// the run's container.
package mcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/version"
)

// Client holds one run's MCP sessions, keyed by server ID ("github",
// "text-editor", "command-executor", ...). A Client lives exactly as long
// as its run: the consumer creates it after the container is up and closes
// it on any terminal transition, which also reaps the stdio subprocesses.
// Safe for concurrent use — pre-planning's information collection fans
// tool calls out across servers.
type Client struct {
	registry *config.MCPServerRegistry
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
	tools    map[string][]*mcpsdk.Tool // ListTools results; dropped on reconnect
	failed   map[string]string         // serverID -> last connect error

	// connectMu serializes connect/reconnect per server so two goroutines
	// hitting the same dead session don't race to rebuild it.
	connectMu sync.Mutex
	connects  map[string]*sync.Mutex
}

func newClient(registry *config.MCPServerRegistry) *Client {
	return &Client{
		registry: registry,
		logger:   slog.Default(),
		sessions: make(map[string]*mcpsdk.ClientSession),
		tools:    make(map[string][]*mcpsdk.Tool),
		failed:   make(map[string]string),
		connects: make(map[string]*sync.Mutex),
	}
}

// Initialize connects every server in serverIDs. A server that fails to
// connect is recorded in FailedServers rather than aborting the rest — a
// run can usually proceed without, say, Playwright, and the planner finds
// out through the tool catalog. Always returns nil today; the error slot is
// kept so the signature can tighten without touching callers.
func (c *Client) Initialize(ctx context.Context, serverIDs []string) error {
	for _, id := range serverIDs {
		if err := c.InitializeServer(ctx, id); err != nil {
			c.mu.Lock()
			c.failed[id] = err.Error()
			c.mu.Unlock()
			c.logger.Warn("mcp: server failed to connect", "server", id, "error", err)
		}
	}
	return nil
}

// InitializeServer connects one server; a no-op when a session already
// exists. Also the lazy-connection path for servers first touched mid-run.
func (c *Client) InitializeServer(ctx context.Context, serverID string) error {
	lock := c.connectLock(serverID)
	lock.Lock()
	defer lock.Unlock()
	return c.connect(ctx, serverID)
}

func (c *Client) connectLock(serverID string) *sync.Mutex {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()
	lock, ok := c.connects[serverID]
	if !ok {
		lock = &sync.Mutex{}
		c.connects[serverID] = lock
	}
	return lock
}

// connect dials serverID's configured transport and performs the MCP
// handshake. Caller must hold the server's connect lock.
func (c *Client) connect(ctx context.Context, serverID string) error {
	c.mu.Lock()
	_, exists := c.sessions[serverID]
	c.mu.Unlock()
	if exists {
		return nil
	}

	serverCfg, err := c.registry.Get(serverID)
	if err != nil {
		return fmt.Errorf("mcp: server %q not configured: %w", serverID, err)
	}
	transport, err := newTransport(serverCfg.Transport)
	if err != nil {
		return fmt.Errorf("mcp: transport for %q: %w", serverID, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, MCPInitTimeout)
	defer cancel()

	sdkClient := mcpsdk.NewClient(&mcpsdk.Implementation{
		Name:    version.AppName,
		Version: version.GitCommit,
	}, nil)
	session, err := sdkClient.Connect(dialCtx, transport, nil)
	if err != nil {
		// A stdio transport that half-started leaves a child process behind;
		// close it if the transport knows how.
		if closer, ok := transport.(io.Closer); ok {
			_ = closer.Close()
		}
		return fmt.Errorf("mcp: connect %q: %w", serverID, err)
	}

	c.mu.Lock()
	c.sessions[serverID] = session
	delete(c.failed, serverID)
	c.mu.Unlock()

	c.logger.Info("mcp: server connected", "server", serverID)
	return nil
}

func (c *Client) session(serverID string) (*mcpsdk.ClientSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session, ok := c.sessions[serverID]
	if !ok {
		return nil, fmt.Errorf("mcp: no session for server %q", serverID)
	}
	return session, nil
}

// ListTools returns serverID's tool list, served from the per-run cache
// after the first call. The cache is only dropped on reconnect — tool
// servers don't grow tools mid-run.
func (c *Client) ListTools(ctx context.Context, serverID string) ([]*mcpsdk.Tool, error) {
	c.mu.Lock()
	cached, ok := c.tools[serverID]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	session, err := c.session(serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	result, err := session.ListTools(opCtx, nil)
	if err != nil {
		return nil, fmt.Errorf("mcp: list tools on %q: %w", serverID, err)
	}

	tools := result.Tools
	if tools == nil {
		tools = []*mcpsdk.Tool{}
	}
	c.mu.Lock()
	c.tools[serverID] = tools
	c.mu.Unlock()
	return tools, nil
}

// CallTool executes one tool call. A severed connection (stdio child died,
// hosted server reset) earns a single reconnect-and-retry after a jittered
// pause; every other failure goes straight back to the caller, which folds
// it into a ToolResult for the planner to reason about.
func (c *Client) CallTool(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	result, err := c.callOnce(ctx, serverID, toolName, args)
	if err == nil || ClassifyError(err) != RetryNewSession {
		return result, err
	}

	c.logger.Info("mcp: connection lost mid-call, reconnecting",
		"server", serverID, "tool", toolName, "error", err)

	pause := RetryBackoffMin + time.Duration(rand.Int64N(int64(RetryBackoffMax-RetryBackoffMin)))
	select {
	case <-time.After(pause):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	if err := c.recreateSession(ctx, serverID); err != nil {
		return nil, fmt.Errorf("mcp: reconnect %q: %w", serverID, err)
	}
	result, err = c.callOnce(ctx, serverID, toolName, args)
	if err != nil {
		return nil, fmt.Errorf("mcp: %s.%s failed after reconnect: %w", serverID, toolName, err)
	}
	return result, nil
}

func (c *Client) callOnce(ctx context.Context, serverID, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	session, err := c.session(serverID)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, OperationTimeout)
	defer cancel()
	return session.CallTool(opCtx, &mcpsdk.CallToolParams{Name: toolName, Arguments: args})
}

// recreateSession drops serverID's session, cache included, and dials
// fresh. If two goroutines race in here the loser rebuilds a session that
// was just rebuilt — one wasted dial, accepted for the simpler locking.
func (c *Client) recreateSession(ctx context.Context, serverID string) error {
	lock := c.connectLock(serverID)
	lock.Lock()
	defer lock.Unlock()

	c.mu.Lock()
	if session, ok := c.sessions[serverID]; ok {
		_ = session.Close()
		delete(c.sessions, serverID)
	}
	delete(c.tools, serverID)
	c.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, ReinitTimeout)
	defer cancel()
	return c.connect(dialCtx, serverID)
}

// InvalidateToolCache forces the next ListTools on serverID to re-probe.
func (c *Client) InvalidateToolCache(serverID string) {
	c.mu.Lock()
	delete(c.tools, serverID)
	c.mu.Unlock()
}

// HasSession reports whether serverID is currently connected.
func (c *Client) HasSession(serverID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sessions[serverID]
	return ok
}

// FailedServers returns a copy of the serverID -> connect-error map.
func (c *Client) FailedServers() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string, len(c.failed))
	for id, msg := range c.failed {
		out[id] = msg
	}
	return out
}

// Close shuts every session down. For stdio servers this ends the child
// process; the sandbox's container teardown is the backstop for any that
// linger.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for id, session := range c.sessions {
		if err := session.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("mcp: close session %q: %w", id, err)
		}
	}
	c.sessions = make(map[string]*mcpsdk.ClientSession)
	c.tools = make(map[string][]*mcpsdk.Tool)
	c.failed = make(map[string]string)
	return firstErr
}
