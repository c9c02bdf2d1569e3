package planning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/taskagent/runtime/pkg/llm"
)

// EnvironmentSelection is the LLM's choice of execution environment and the
// setup commands to run inside it before planning starts.
type EnvironmentSelection struct {
	Environment   string   `json:"environment"`
	SetupCommands []string `json:"setup_commands"`
	Reasoning     string   `json:"reasoning"`
}

// EnvironmentPlanner drives the environment-setup phase: selecting an
// execution environment from the catalog, running the proposed setup
// commands, and asking the LLM to regenerate a failing command a bounded
// number of times.
type EnvironmentPlanner struct {
	client llm.Client
	ledger tokenLedger
	logger *slog.Logger

	// maxRegenerations bounds how many fixed setup commands the LLM is
	// asked to produce across the whole setup phase.
	maxRegenerations int
}

// NewEnvironmentPlanner wires an EnvironmentPlanner to the shared LLM client.
func NewEnvironmentPlanner(client llm.Client) *EnvironmentPlanner {
	return &EnvironmentPlanner{client: client, logger: slog.Default(), maxRegenerations: 3}
}

// Counters reports the environment phase's contribution to the run's token
// ledger.
func (p *EnvironmentPlanner) Counters() (llmCalls int, totalTokens int64) {
	calls, _, total := p.ledger.Counters()
	return calls, total
}

func (p *EnvironmentPlanner) complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.client.Complete(ctx, req)
	p.ledger.recordCompletion(req, resp)
	return resp, err
}

// SelectEnvironment asks the LLM to pick an execution environment from the
// available catalog and propose setup commands for the task. A parse
// failure or LLM error falls back to the default environment with no setup
// commands — the sandbox validates the returned name against the catalog
// either way.
func (p *EnvironmentPlanner) SelectEnvironment(ctx context.Context, available []string, taskSummary string) EnvironmentSelection {
	if p.client == nil {
		return EnvironmentSelection{}
	}
	prompt := fmt.Sprintf(
		"Choose the best execution environment for this task and list any setup commands to run "+
			"after the repository is cloned.\n\nTask:\n%s\n\nAvailable environments: %s\n\n"+
			"Respond with a single JSON object {\"environment\": \"...\", \"setup_commands\": [...], \"reasoning\": \"...\"}.",
		taskSummary, strings.Join(available, ", "))

	resp, err := p.complete(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}})
	if err != nil {
		p.logger.Warn("planning: environment selection LLM call failed, using default", "error", err)
		return EnvironmentSelection{}
	}

	var sel EnvironmentSelection
	if !ParseJSON(resp.Content, &sel) {
		p.logger.Warn("planning: failed to parse environment selection, using default")
		return EnvironmentSelection{}
	}
	return sel
}

// RunSetup executes the selected setup commands inside the container. A
// failing command is handed back to the LLM for a fixed replacement, up to
// maxRegenerations times; after that the failure is logged and setup
// proceeds — a broken environment surfaces soon enough in the execution
// phase, where the planner can reason about it.
func (p *EnvironmentPlanner) RunSetup(ctx context.Context, runner ContainerRunner, containerID string, commands []string) {
	regenerations := 0
	for i := 0; i < len(commands); i++ {
		cmd := strings.TrimSpace(commands[i])
		if cmd == "" {
			continue
		}

		result, err := runner.Execute(ctx, containerID, cmd)
		if err != nil {
			p.logger.Warn("planning: setup command transport error, skipping", "command", cmd, "error", err)
			continue
		}
		if result.ExitCode == 0 {
			continue
		}

		if regenerations >= p.maxRegenerations {
			p.logger.Warn("planning: setup command failed, regeneration budget exhausted, proceeding",
				"command", cmd, "exit_code", result.ExitCode)
			continue
		}
		regenerations++

		fixed, ok := p.regenerateCommand(ctx, cmd, result.Stderr)
		if !ok || strings.TrimSpace(fixed) == "" {
			p.logger.Warn("planning: setup command failed and no fix produced, proceeding",
				"command", cmd, "exit_code", result.ExitCode)
			continue
		}
		p.logger.Info("planning: retrying setup with regenerated command", "original", cmd, "fixed", fixed)
		commands[i] = fixed
		i--
	}
}

func (p *EnvironmentPlanner) regenerateCommand(ctx context.Context, command, stderr string) (string, bool) {
	if p.client == nil {
		return "", false
	}
	prompt := fmt.Sprintf(
		"The setup command below failed. Produce a corrected shell command, or an empty string "+
			"if the error is not fixable.\n\nCommand: %s\nStderr:\n%s\n\n"+
			"Respond with a single JSON object {\"command\": \"...\"}.",
		command, stderr)

	resp, err := p.complete(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}})
	if err != nil {
		return "", false
	}

	var out struct {
		Command string `json:"command"`
	}
	if !ParseJSON(resp.Content, &out) {
		return "", false
	}
	return out.Command, true
}
