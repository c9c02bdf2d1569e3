// Package version holds build-time identity used when the runtime
// introduces itself to MCP tool servers during the JSON-RPC initialize
// handshake.
package version

// GitCommit is overridden at build time via -ldflags.
var GitCommit = "dev"

// AppName identifies this client to MCP servers and LLM provider logs.
const AppName = "taskagent-runtime"
