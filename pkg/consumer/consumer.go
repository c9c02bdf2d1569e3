// Package consumer implements the work-item processing half of the runtime:
// dequeue a TaskKey, re-verify it is still wanted, prepare a sandbox
// and tool executor, run inheritance and pre-planning, drive the
// plan→execute→reflect→verify coordinator loop, and finalize the run
// (completed, failed, paused, or stopped).
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/controlplane"
	"github.com/taskagent/runtime/pkg/inheritance"
	"github.com/taskagent/runtime/pkg/llm"
	"github.com/taskagent/runtime/pkg/mcp"
	"github.com/taskagent/runtime/pkg/models"
	"github.com/taskagent/runtime/pkg/planning"
	"github.com/taskagent/runtime/pkg/queue"
	"github.com/taskagent/runtime/pkg/sandbox"
	"github.com/taskagent/runtime/pkg/taskcontext"
	"github.com/taskagent/runtime/pkg/taskkey"
)

// RunStore is the subset of *database.TaskDB the consumer needs: finding
// the pending run the producer recorded for a dequeued key.
type RunStore interface {
	GetLatestRunByKey(ctx context.Context, key taskkey.Key) (*models.Run, error)
}

// Tracker is the full issue-tracker surface the consumer needs: reading
// the work item's text/labels/assignees, swapping labels on completion,
// and posting notices.
type Tracker interface {
	Describe(ctx context.Context, ref map[string]any) (title, body string, err error)
	Comments(ctx context.Context, ref map[string]any) ([]string, error)
	Labels(ctx context.Context, ref map[string]any) ([]string, error)
	Assignees(ctx context.Context, ref map[string]any) ([]string, error)
	SwapLabel(ctx context.Context, ref map[string]any, remove, add string) error
	PostComment(ctx context.Context, ref map[string]any, body string) error
}

// ContextManager is the subset of *taskcontext.Manager the consumer needs.
type ContextManager interface {
	Start(ctx context.Context, run *models.Run) (*taskcontext.Context, error)
	Pause(ctx context.Context, run *models.Run, state any) error
	Complete(ctx context.Context, run *models.Run, status models.Status, errMsg string) error
}

// Sandbox is the subset of *sandbox.Manager the consumer needs.
type Sandbox interface {
	Prepare(ctx context.Context, taskUUID, environmentName string, clone sandbox.CloneSpec) (*sandbox.ContainerInfo, error)
	Execute(ctx context.Context, containerID, command string) (*sandbox.ExecutionResult, error)
	Cleanup(ctx context.Context, taskUUID string) error
}

// ToolClientFactory is the subset of *mcp.ClientFactory the consumer needs.
type ToolClientFactory interface {
	CreateToolExecutor(ctx context.Context, serverIDs []string, toolFilter map[string][]string) (*mcp.ToolExecutor, *mcp.Client, error)
}

// Inheritance is the subset of *inheritance.Manager the consumer needs.
type Inheritance interface {
	GetInheritance(ctx context.Context, key taskkey.Key) (*inheritance.InheritanceContext, error)
	CreateInitialMessages(inh *inheritance.InheritanceContext, userRequest string) []llm.Message
	GenerateNotificationComment(inh *inheritance.InheritanceContext) string
}

// Consumer dequeues TaskKeys and drives one run each to completion. One
// Consumer instance handles exactly the source named by cfg.TaskSource; the
// entrypoint starts one consumer goroutine against the in-memory queue.
type Consumer struct {
	cfg         *config.Config
	store       RunStore
	q           queue.Queue
	tracker     Tracker
	contexts    ContextManager
	sandbox     Sandbox
	clients     ToolClientFactory
	inheritance Inheritance
	llmClient   llm.Client
	pauseMgr    *controlplane.PauseResumeManager
	stopMgr     *controlplane.TaskStopManager

	serverID string // "github" or "gitlab", matches cfg.TaskSource and the MCP server registry key
	now      func() time.Time
}

// New wires a Consumer. tracker and clients must already be scoped to
// cfg.TaskSource's MCP server.
func New(
	cfg *config.Config,
	store RunStore,
	q queue.Queue,
	tracker Tracker,
	contexts ContextManager,
	sbox Sandbox,
	clients ToolClientFactory,
	inh Inheritance,
	llmClient llm.Client,
	pauseMgr *controlplane.PauseResumeManager,
	stopMgr *controlplane.TaskStopManager,
) *Consumer {
	return &Consumer{
		cfg:         cfg,
		store:       store,
		q:           q,
		tracker:     tracker,
		contexts:    contexts,
		sandbox:     sbox,
		clients:     clients,
		inheritance: inh,
		llmClient:   llmClient,
		pauseMgr:    pauseMgr,
		stopMgr:     stopMgr,
		serverID:    string(cfg.TaskSource),
		now:         time.Now,
	}
}

// Run dequeues work items until ctx is cancelled or the queue is closed. A
// failure processing one item is logged and does not stop the loop.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		dict, err := c.q.Get(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("consumer: dequeue: %w", err)
		}

		if err := c.Process(ctx, dict); err != nil {
			slog.Error("consumer: failed to process task", "error", err)
		}
	}
}

// Process handles exactly one dequeued TaskKey dict end to end.
func (c *Consumer) Process(ctx context.Context, dict queue.TaskKeyDict) error {
	key, err := taskkey.FromDict(dict)
	if err != nil {
		return fmt.Errorf("consumer: decode task key: %w", err)
	}

	run, err := c.store.GetLatestRunByKey(ctx, key)
	if err != nil {
		return fmt.Errorf("consumer: look up run for %s: %w", key.String(), err)
	}
	if run == nil {
		slog.Warn("consumer: no pending run found for dequeued key, dropping", "task_key", key.String())
		return nil
	}
	if run.Status != models.StatusPending {
		slog.Debug("consumer: skipping non-pending run", "task_key", key.String(), "status", run.Status)
		return nil
	}

	ref := mcp.IssueRef(key)
	processingLabel, doneLabel, _, _ := c.labels()

	labels, err := c.tracker.Labels(ctx, ref)
	if err != nil {
		return fmt.Errorf("consumer: re-check labels for %s: %w", key.String(), err)
	}
	if !slices.Contains(labels, processingLabel) {
		slog.Info("consumer: processing label no longer present, skipping", "task_key", key.String())
		return nil
	}

	taskCtx, err := c.contexts.Start(ctx, run)
	if err != nil {
		return fmt.Errorf("consumer: start task context: %w", err)
	}

	if err := c.sandbox.Cleanup(ctx, run.UUID); err != nil {
		slog.Debug("consumer: pre-emptive sandbox cleanup (likely no-op)", "uuid", run.UUID, "error", err)
	}
	defer func() {
		if err := c.sandbox.Cleanup(ctx, run.UUID); err != nil {
			slog.Warn("consumer: sandbox cleanup failed", "uuid", run.UUID, "error", err)
		}
	}()

	outcome, err := c.run(ctx, run, taskCtx, key, ref)
	if err != nil {
		slog.Error("consumer: run failed, marking failed", "uuid", run.UUID, "error", err)
		if completeErr := c.contexts.Complete(ctx, run, models.StatusFailed, err.Error()); completeErr != nil {
			return fmt.Errorf("consumer: mark failed: %w", completeErr)
		}
		if commentErr := c.tracker.PostComment(ctx, ref, fmt.Sprintf("## ❌ Task failed\n\n%s", err.Error())); commentErr != nil {
			slog.Warn("consumer: failed to post failure notice", "error", commentErr)
		}
		return nil
	}

	switch outcome {
	case outcomePaused:
		slog.Info("consumer: run paused", "uuid", run.UUID)
		return nil
	case outcomeStopped:
		slog.Info("consumer: run stopped by assignee-removal check", "uuid", run.UUID)
		return nil
	default:
		if err := c.contexts.Complete(ctx, run, models.StatusCompleted, ""); err != nil {
			return fmt.Errorf("consumer: mark completed: %w", err)
		}
		if err := c.tracker.SwapLabel(ctx, ref, processingLabel, doneLabel); err != nil {
			slog.Warn("consumer: failed to swap label to done", "error", err)
		}
	}
	return nil
}

type runOutcome int

const (
	outcomeCompleted runOutcome = iota
	outcomePaused
	outcomeStopped
)

// run executes the full inheritance -> pre-planning -> plan -> execute ->
// verify pipeline for one active task context, polling the control plane
// between phases.
func (c *Consumer) run(ctx context.Context, run *models.Run, taskCtx *taskcontext.Context, key taskkey.Key, ref map[string]any) (runOutcome, error) {
	title, body, err := c.tracker.Describe(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("describe task: %w", err)
	}
	comments, err := c.tracker.Comments(ctx, ref)
	if err != nil {
		slog.Warn("consumer: failed to read comments, continuing without them", "error", err)
	}
	taskPrompt := formatTaskPrompt(key, title, body, comments)

	cloneURL, err := sandbox.CloneURLForKey(key, c.cfg.GitHub.Token, c.cfg.GitLab.Token, c.cfg.GitLab.BaseURL)
	if err != nil {
		return 0, fmt.Errorf("build clone url: %w", err)
	}

	envNames := make([]string, 0, len(c.cfg.Sandbox.Environments))
	for name := range c.cfg.Sandbox.Environments {
		envNames = append(envNames, name)
	}
	slices.Sort(envNames)
	envPlanner := planning.NewEnvironmentPlanner(c.llmClient)
	defer func() {
		calls, total := envPlanner.Counters()
		run.LLMCalls += calls
		run.TotalTokens += total
	}()
	selection := envPlanner.SelectEnvironment(ctx, envNames, taskPrompt)

	container, err := c.sandbox.Prepare(ctx, run.UUID, selection.Environment, sandbox.CloneSpec{URL: cloneURL})
	if err != nil {
		return 0, fmt.Errorf("prepare sandbox: %w", err)
	}
	if len(selection.SetupCommands) > 0 {
		envPlanner.RunSetup(ctx, c.sandbox, container.ContainerID, selection.SetupCommands)
	}

	serverIDs := []string{c.serverID}
	if c.cfg.Sandbox.TextEditorMCPEnabled {
		serverIDs = append(serverIDs, "text-editor")
	}
	if c.cfg.Sandbox.CommandExecutorEnabled {
		serverIDs = append(serverIDs, "command-executor")
	}
	executor, client, err := c.clients.CreateToolExecutor(ctx, serverIDs, nil)
	if err != nil {
		return 0, fmt.Errorf("create tool executor: %w", err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			slog.Warn("consumer: failed to close mcp client", "error", err)
		}
	}()

	if rules, err := planning.LoadProjectAgentRules(ctx, c.sandbox, container.ContainerID, c.cfg.ProjectAgentRules); err != nil {
		slog.Warn("consumer: failed to load project agent rules", "error", err)
	} else if rules != "" {
		taskPrompt += "\n\n=== Project agent rules ===\n" + rules
	}
	taskPrompt += "\n\n" + formatSafeCommands(sandbox.SafeCommandCategories())

	compressor := planning.NewContextCompressor(c.cfg.Compression, c.llmClient, taskCtx.Messages, taskCtx.Summaries)
	defer func() {
		llmCalls, total, compressions := compressor.Counters()
		run.LLMCalls += llmCalls
		run.TotalTokens += total
		run.Compressions += compressions
	}()

	inh, err := c.inheritance.GetInheritance(ctx, key)
	if err != nil {
		slog.Warn("consumer: inheritance lookup failed, continuing without it", "error", err)
	}
	seedMessages := c.seedMessages(inh, taskPrompt)
	for _, msg := range seedMessages {
		if _, err := taskCtx.Messages.AddMessage(string(msg.Role), msg.Content, nil); err != nil {
			slog.Warn("consumer: failed to record seed message", "error", err)
			continue
		}
		if err := compressor.MaybeCompress(ctx); err != nil {
			slog.Warn("consumer: compression failed on seed message", "error", err)
		}
	}
	if inh != nil {
		if err := c.tracker.PostComment(ctx, ref, c.inheritance.GenerateNotificationComment(inh)); err != nil {
			slog.Warn("consumer: failed to post inheritance notice", "error", err)
		}
	}

	preplanPrompt := taskPrompt
	if tree := planning.LoadFileTree(ctx, c.sandbox, container.ContainerID, c.cfg.PrePlanning.FileTreeMaxEntries); tree != "" {
		preplanPrompt += "\n\n" + tree
	}

	prePlanner := planning.NewPrePlanner(c.cfg.PrePlanning, c.llmClient, executor)
	defer func() {
		calls, total := prePlanner.Counters()
		run.LLMCalls += calls
		run.TotalTokens += total
	}()
	preplan, err := prePlanner.Run(ctx, preplanPrompt)
	if err != nil {
		return 0, fmt.Errorf("pre-planning: %w", err)
	}

	history, err := planning.NewHistoryStore(taskCtx.Dir, run.UUID)
	if err != nil {
		return 0, fmt.Errorf("open history store: %w", err)
	}

	createTool, updateTool, commentArg, idArg := "create_issue_comment", "update_issue_comment", "body", "comment_id"
	if c.cfg.TaskSource == config.SourceGitLab {
		createTool, updateTool, idArg = "create_note", "update_note", "note_id"
	}
	commenter := planning.NewCommenter(executor, c.serverID, createTool, updateTool, commentArg, idArg, ref)

	coordinator, err := planning.NewCoordinator(planning.Deps{
		LLM:        c.llmClient,
		Executor:   executor,
		Messages:   taskCtx.Messages,
		Tools:      taskCtx.Tools,
		History:    history,
		Commenter:  commenter,
		Compressor: compressor,
		ExecCfg:    c.cfg.Execution,
		ReplanCfg:  c.cfg.Replan,
	})
	if err != nil {
		return 0, fmt.Errorf("build coordinator: %w", err)
	}
	defer func() {
		llmCalls, toolCalls, total := coordinator.Counters()
		run.LLMCalls += llmCalls
		run.ToolCalls += toolCalls
		run.TotalTokens += total
	}()

	iteration := 0
	lastStopCheck := c.now()

	if _, err := coordinator.RunPlanningPhase(ctx, preplan, taskPrompt); err != nil {
		return 0, fmt.Errorf("planning phase: %w", err)
	}
	if outcome, stop, err := c.pollControlPlane(ctx, run, ref, iteration, &lastStopCheck, nil); stop {
		return outcome, err
	}
	iteration++

	if err := coordinator.RunExecutionLoop(ctx); err != nil {
		return 0, fmt.Errorf("execution loop: %w", err)
	}
	if outcome, stop, err := c.pollControlPlane(ctx, run, ref, iteration, &lastStopCheck, nil); stop {
		return outcome, err
	}
	iteration++

	successCriteria := taskPrompt
	if preplan != nil && preplan.Understanding.PrimaryGoal != "" {
		successCriteria = preplan.Understanding.PrimaryGoal
	}
	result, err := coordinator.RunVerification(ctx, successCriteria)
	if err != nil {
		return 0, fmt.Errorf("verification phase: %w", err)
	}

	if err := c.recordFinalSummary(taskCtx, result); err != nil {
		slog.Warn("consumer: failed to record final summary", "error", err)
	}

	if outcome, stop, err := c.pollControlPlane(ctx, run, ref, iteration, &lastStopCheck, nil); stop {
		return outcome, err
	}
	return outcomeCompleted, nil
}

// pollControlPlane checks the pause signal and (on the configured cadence)
// the assignee-removal signal, applying whichever transition fires first.
// stop reports whether the caller should abandon the pipeline immediately.
func (c *Consumer) pollControlPlane(
	ctx context.Context,
	run *models.Run,
	ref map[string]any,
	iteration int,
	lastStopCheck *time.Time,
	taskState any,
) (outcome runOutcome, stop bool, err error) {
	processingLabel, _, pausedLabel, stoppedLabel := c.labels()

	if c.pauseMgr != nil && c.pauseMgr.SignalPresent() {
		if err := c.pauseMgr.Pause(ctx, run, c.tracker, ref, processingLabel, pausedLabel, taskState); err != nil {
			return 0, true, fmt.Errorf("pause: %w", err)
		}
		return outcomePaused, true, nil
	}

	if c.stopMgr != nil && c.stopMgr.ShouldCheck(iteration, *lastStopCheck, c.now()) {
		*lastStopCheck = c.now()
		stopped, err := c.stopMgr.CheckAndStop(ctx, run, c.tracker, ref, c.botName(), processingLabel, stoppedLabel)
		if err != nil {
			slog.Warn("consumer: assignee check failed, continuing", "error", err)
			return 0, false, nil
		}
		if stopped {
			return outcomeStopped, true, nil
		}
	}

	return 0, false, nil
}

func (c *Consumer) seedMessages(inh *inheritance.InheritanceContext, taskPrompt string) []llm.Message {
	if inh != nil {
		return c.inheritance.CreateInitialMessages(inh, taskPrompt)
	}
	return []llm.Message{{Role: llm.RoleUser, Content: taskPrompt}}
}

func (c *Consumer) recordFinalSummary(taskCtx *taskcontext.Context, result *planning.VerificationResult) error {
	count, err := taskCtx.Messages.CountMessages()
	if err != nil {
		count = 0
	}
	tokens, err := taskCtx.Messages.CurrentTokenCount()
	if err != nil {
		tokens = 0
	}
	_, err = taskCtx.Summaries.AddSummary(0, count, result.Comment, tokens, len(result.Comment)/4)
	return err
}

func (c *Consumer) labels() (processingLabel, doneLabel, pausedLabel, stoppedLabel string) {
	if c.cfg.TaskSource == config.SourceGitLab {
		return c.cfg.GitLab.ProcessingLabel, c.cfg.GitLab.DoneLabel, c.cfg.GitLab.PausedLabel, c.cfg.GitLab.StoppedLabel
	}
	return c.cfg.GitHub.ProcessingLabel, c.cfg.GitHub.DoneLabel, c.cfg.GitHub.PausedLabel, c.cfg.GitHub.StoppedLabel
}

func (c *Consumer) botName() string {
	if c.cfg.TaskSource == config.SourceGitLab {
		return c.cfg.GitLab.BotName
	}
	return c.cfg.GitHub.BotName
}

// formatSafeCommands renders the allowed command families as a prompt
// section, in stable order.
func formatSafeCommands(categories map[string][]string) string {
	names := make([]string, 0, len(categories))
	for name := range categories {
		names = append(names, name)
	}
	slices.Sort(names)

	var b strings.Builder
	b.WriteString("=== Available command categories ===\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, strings.Join(categories[name], ", "))
	}
	return b.String()
}

// formatTaskPrompt renders the issue/MR text and comment thread into the
// single user-turn prompt the planning phase consumes.
func formatTaskPrompt(key taskkey.Key, title, body string, comments []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ISSUE: {'title': %q, 'body': %q, 'key': %q}\n", title, body, key.String())
	fmt.Fprintf(&b, "COMMENTS: %v", comments)
	return b.String()
}
