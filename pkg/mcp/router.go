package mcp

import (
	"fmt"
	"regexp"
	"strings"
)

// toolNameRegex validates the "server.tool" format.
// Both server and tool parts must start with a word character and contain
// only word characters and hyphens.
var toolNameRegex = regexp.MustCompile(`^([\w][\w-]*)\.([\w][\w-]*)$`)

// NormalizeToolName converts a model-proposed tool name into the canonical
// "server.tool" form this runtime routes on. Most providers echo back
// whatever function name the tool catalog advertised, but some
// function-calling schemas reject dots in identifiers, so the catalog
// advertises those as "server__tool" instead; the model then proposes a
// call against that double-underscore name, and this function restores the
// dot before SplitToolName ever sees it.
func NormalizeToolName(name string) string {
	// Convert double-underscore to dot (function-calling-safe form → canonical)
	if strings.Contains(name, "__") && !strings.Contains(name, ".") {
		return strings.Replace(name, "__", ".", 1)
	}
	return name
}

// SplitToolName splits "server.tool" into (serverID, toolName, error).
// Validates format with strict regex: server and tool parts must be
// word characters and hyphens, non-empty.
func SplitToolName(name string) (serverID, toolName string, err error) {
	matches := toolNameRegex.FindStringSubmatch(name)
	if matches == nil {
		return "", "", fmt.Errorf(
			"invalid tool name %q: must be in 'server.tool' format "+
				"(e.g., 'github.get_issue')", name)
	}
	return matches[1], matches[2], nil
}
