package planning

import (
	"context"
	"fmt"
	"strings"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/sandbox"
)

// candidateRuleFiles are checked in order at the workspace root inside the
// sandbox container; every match within the size caps is folded in.
var candidateRuleFiles = []string{"AGENTS.md", ".agent-rules.md", "agent-rules.md"}

// ContainerRunner is the subset of *sandbox.Manager the rules loader needs.
type ContainerRunner interface {
	Execute(ctx context.Context, containerID, command string) (*sandbox.ExecutionResult, error)
}

// LoadProjectAgentRules reads any repo-local agent-instructions file present
// in containerID's cloned workspace and returns it folded into one string
// for the planning prompt, honoring the configured per-file and total size
// caps. Missing files and files over the caps are silently skipped.
func LoadProjectAgentRules(ctx context.Context, runner ContainerRunner, containerID string, cfg config.ProjectAgentRulesConfig) (string, error) {
	if !cfg.Enabled {
		return "", nil
	}

	var total int64
	var chunks []string
	for _, name := range candidateRuleFiles {
		sizeResult, err := runner.Execute(ctx, containerID, fmt.Sprintf("wc -c < %s 2>/dev/null", shellQuote(name)))
		if err != nil {
			return "", fmt.Errorf("planning: check %s size: %w", name, err)
		}
		if sizeResult.ExitCode != 0 {
			continue
		}
		size, ok := parseByteCount(sizeResult.Stdout)
		if !ok || size <= 0 {
			continue
		}
		if size > cfg.MaxFileSize || total+size > cfg.MaxTotalSize {
			continue
		}

		catResult, err := runner.Execute(ctx, containerID, fmt.Sprintf("cat %s", shellQuote(name)))
		if err != nil || catResult.ExitCode != 0 {
			continue
		}
		chunks = append(chunks, fmt.Sprintf("--- %s ---\n%s", name, strings.TrimRight(catResult.Stdout, "\n")))
		total += size
	}

	if len(chunks) == 0 {
		return "", nil
	}
	return strings.Join(chunks, "\n\n"), nil
}

func parseByteCount(s string) (int64, bool) {
	var n int64
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
