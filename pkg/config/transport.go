package config

// TransportType discriminates how a tool client reaches its MCP server.
type TransportType string

const (
	// TransportTypeStdio launches a subprocess and speaks newline-delimited
	// JSON-RPC over its stdin/stdout — the default for tool servers started
	// inside a task's container (text-editor, Playwright, command-executor).
	TransportTypeStdio TransportType = "stdio"
	// TransportTypeHTTP talks to a hosted MCP gateway (the GitHub/GitLab MCP
	// servers) over streamable HTTP.
	TransportTypeHTTP TransportType = "http"
	// TransportTypeSSE talks to a hosted MCP gateway over Server-Sent Events.
	TransportTypeSSE TransportType = "sse"
)

// TransportConfig describes how to reach one MCP server.
type TransportConfig struct {
	Type TransportType `yaml:"type"`

	// stdio
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`

	// http / sse
	URL         string `yaml:"url,omitempty"`
	BearerToken string `yaml:"bearer_token,omitempty"`
	VerifySSL   *bool  `yaml:"verify_ssl,omitempty"`
	Timeout     int    `yaml:"timeout_seconds,omitempty"`
}
