package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// RecoveryAction is ClassifyError's verdict on a failed MCP operation.
type RecoveryAction int

const (
	// NoRetry — hand the error back; retrying the same call won't help.
	NoRetry RecoveryAction = iota
	// RetryNewSession — the connection itself died; rebuild the session and
	// try the call once more.
	RetryNewSession
)

// Timeouts and backoff for the MCP layer.
const (
	// MCPInitTimeout bounds one server's transport creation + handshake.
	MCPInitTimeout = 30 * time.Second

	// ReinitTimeout bounds session recreation during call recovery.
	ReinitTimeout = 10 * time.Second

	// OperationTimeout is the per-call deadline for CallTool and ListTools.
	// Generous on purpose: a command-executor call can legitimately run a
	// whole test suite.
	OperationTimeout = 90 * time.Second

	// RetryBackoffMin / RetryBackoffMax bracket the jittered pause before a
	// reconnect-and-retry.
	RetryBackoffMin = 250 * time.Millisecond
	RetryBackoffMax = 750 * time.Millisecond

	// MCPHealthPingTimeout is the health monitor's per-probe deadline.
	MCPHealthPingTimeout = 5 * time.Second

	// MCPHealthInterval is the health monitor's probe cadence.
	MCPHealthInterval = 15 * time.Second
)

// ClassifyError decides whether a failed tool call is worth a
// reconnect-and-retry. Only a severed connection qualifies — a stdio child
// that died inside the container, or a hosted tracker endpoint resetting.
// Timeouts don't: a server slow enough to blow OperationTimeout will be
// just as slow on a fresh session, and the planner should see the failure
// instead.
func ClassifyError(err error) RecoveryAction {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NoRetry
		}
		return RetryNewSession
	}

	if connectionSevered(err) {
		return RetryNewSession
	}
	return NoRetry
}

// connectionSevered reports whether err describes a dead connection rather
// than a server-side failure. The substring checks catch errors that arrive
// flattened to text through the SDK's transport layer.
func connectionSevered(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"connection closed",
		"broken pipe",
		"no such host",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}
