package planning

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/contextstore"
	"github.com/taskagent/runtime/pkg/llm"
	"github.com/taskagent/runtime/pkg/mcp"
)

// Subtask is one entry of task_decomposition.subtasks.
type Subtask struct {
	TaskID              string   `json:"task_id"`
	Description         string   `json:"description"`
	Dependencies        []string `json:"dependencies"`
	EstimatedComplexity string   `json:"estimated_complexity"`
}

// Action is one entry of action_plan.actions — the unit the execution loop
// consumes one at a time.
type Action struct {
	TaskID          string         `json:"task_id"`
	Purpose         string         `json:"purpose"`
	Tool            string         `json:"tool"`
	Parameters      map[string]any `json:"parameters"`
	ExpectedOutcome string         `json:"expected_outcome"`
	Fallback        string         `json:"fallback"`
}

// Plan is the planning phase's full JSON output.
type Plan struct {
	GoalUnderstanding map[string]any `json:"goal_understanding"`
	TaskDecomposition struct {
		Subtasks  []Subtask `json:"subtasks"`
		Reasoning string    `json:"reasoning"`
	} `json:"task_decomposition"`
	ActionPlan struct {
		ExecutionOrder []string `json:"execution_order"`
		Actions        []Action `json:"actions"`
	} `json:"action_plan"`
}

// Reflection is the reflection phase's output.
type Reflection struct {
	Evaluation          string   `json:"evaluation"`
	Success             bool     `json:"success"`
	FailureReason       string   `json:"failure_reason"`
	PlanRevisionNeeded  bool     `json:"plan_revision_needed"`
	KeyFailures         []string `json:"key_failures,omitempty"`
}

// PlaceholderReport flags leftover TODO/FIXME markers found during
// verification.
type PlaceholderReport struct {
	Count     int      `json:"count"`
	Locations []string `json:"locations"`
}

// VerificationResult is the verification phase's output.
type VerificationResult struct {
	VerificationPassed   bool              `json:"verification_passed"`
	CompletionConfidence float64           `json:"completion_confidence"`
	Comment              string            `json:"comment"`
	IssuesFound          []string          `json:"issues_found"`
	PlaceholderDetected  PlaceholderReport `json:"placeholder_detected"`
	AdditionalWorkNeeded bool              `json:"additional_work_needed"`
	AdditionalActions    []Action          `json:"additional_actions"`
}

// ActionOutcome is what the execution loop learns about one action.
type ActionOutcome struct {
	Action   Action
	Done     bool
	ToolUsed string
	Error    string
}

// Deps bundles everything the coordinator needs beyond its own state.
// messages/tools are this run's context-directory stores; commenter is
// optional (nil disables checklist/progress comments, e.g. in tests).
type Deps struct {
	LLM          llm.Client
	Executor     *mcp.ToolExecutor
	Messages     *contextstore.MessageStore
	Tools        *contextstore.ToolStore
	History      *HistoryStore
	Commenter    *Commenter
	Compressor   *ContextCompressor
	ExecCfg      config.ExecutionConfig
	ReplanCfg    config.ReplanConfig
}

// Coordinator drives one run's plan -> execute -> reflect -> verify loop.
// Callers construct it once per run, after pre-planning and environment
// setup have already produced the seed messages.
type Coordinator struct {
	deps Deps

	replanManager *ReplanManager
	prompts       *ReplanPromptBuilder
	logger        *slog.Logger

	plan              *Plan
	checklist         *ChecklistBuilder
	actionIndex       int
	revisionCounter   int
	verificationRound int
	consecutiveErrors int
	lastErrorTool     string
	ledger            tokenLedger
}

// Counters reports the coordinator's contribution to the run's token
// ledger: LLM calls, tool calls, and tokens estimated across
// planning, execution, reflection, replan, and verification.
func (c *Coordinator) Counters() (llmCalls, toolCalls int, totalTokens int64) {
	return c.ledger.Counters()
}

func (c *Coordinator) complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := c.deps.LLM.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	c.ledger.recordCompletion(req, resp)
	if thought := ExtractThink(resp.Content); thought != "" && c.deps.Commenter != nil {
		if err := c.deps.Commenter.PostNew(ctx, "## 💭 Model Reasoning\n\n"+thought); err != nil {
			c.logger.Warn("planning: failed to post thought comment", "error", err)
		}
	}
	return resp, nil
}

// record appends role/content to this run's message store and consults
// the compression trigger after every append.
func (c *Coordinator) record(ctx context.Context, role, content string) {
	if _, err := c.deps.Messages.AddMessage(role, content, nil); err != nil {
		c.logger.Warn("planning: failed to record message", "role", role, "error", err)
	}
	if c.deps.Compressor == nil {
		return
	}
	if err := c.deps.Compressor.MaybeCompress(ctx); err != nil {
		c.logger.Warn("planning: compression failed", "error", err)
	}
}

// recordTool folds a tool result into the message store under role "tool"
// (summarizing first when it's large — see summarizeToolResult) so later
// phases (reflection, replanning) see what the tool actually returned,
// not just the pass/fail outcome.
func (c *Coordinator) recordTool(ctx context.Context, toolName, content string) {
	folded := c.summarizeToolResult(ctx, toolName, content)
	if _, err := c.deps.Messages.AddMessage("tool", folded, &toolName); err != nil {
		c.logger.Warn("planning: failed to record tool result", "tool", toolName, "error", err)
	}
	if c.deps.Compressor == nil {
		return
	}
	if err := c.deps.Compressor.MaybeCompress(ctx); err != nil {
		c.logger.Warn("planning: compression failed", "error", err)
	}
}

// NewCoordinator wires a Coordinator from deps.
func NewCoordinator(deps Deps) (*Coordinator, error) {
	prompts, err := NewReplanPromptBuilder()
	if err != nil {
		return nil, fmt.Errorf("planning: build coordinator: %w", err)
	}
	return &Coordinator{
		deps:          deps,
		replanManager: NewReplanManager(deps.ReplanCfg),
		prompts:       prompts,
		logger:        slog.Default(),
	}, nil
}

// RunPlanningPhase produces goal_understanding/task_decomposition/action_plan
// from the pre-planning result and posts the initial checklist comment.
func (c *Coordinator) RunPlanningPhase(ctx context.Context, preplan *PrePlanningResult, taskSummary string) (*Plan, error) {
	prompt := buildPlanningPrompt(preplan, taskSummary)
	c.record(ctx, "user", prompt)

	resp, err := c.complete(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}})
	if err != nil {
		return nil, fmt.Errorf("planning: planning phase LLM call: %w", err)
	}
	c.record(ctx, "assistant", resp.Content)

	var plan Plan
	if !ParseJSON(resp.Content, &plan) {
		return nil, fmt.Errorf("planning: failed to parse planning phase response")
	}

	if err := c.deps.History.Append("plan", plan); err != nil {
		c.logger.Warn("planning: failed to persist plan", "error", err)
	}

	c.plan = &plan
	c.checklist = NewChecklistBuilder(toPlanActions(plan.ActionPlan.Actions))
	if c.deps.Commenter != nil {
		if err := c.deps.Commenter.Post(ctx, c.checklist.Initial()); err != nil {
			c.logger.Warn("planning: failed to post checklist comment", "error", err)
		}
	}

	return &plan, nil
}

// RunExecutionLoop consumes actions one at a time, triggering reflection
// after MaxConsecutiveToolErrors consecutive errors on the same tool or every
// ReflectionTriggerInterval actions, until the plan is exhausted or a fatal
// error occurs.
func (c *Coordinator) RunExecutionLoop(ctx context.Context) error {
	maxConsecutiveErrors := c.deps.ExecCfg.MaxConsecutiveToolErrors
	if maxConsecutiveErrors <= 0 {
		maxConsecutiveErrors = 3
	}

	for c.actionIndex < len(c.plan.ActionPlan.Actions) {
		action := c.plan.ActionPlan.Actions[c.actionIndex]
		outcome, err := c.executeAction(ctx, action)
		if err != nil {
			return err
		}
		c.actionIndex++

		if c.deps.Commenter != nil {
			if out := c.checklist.MarkComplete(c.actionIndex - 1); out != "" {
				if err := c.deps.Commenter.Post(ctx, out); err != nil {
					c.logger.Warn("planning: failed to update checklist", "error", err)
				}
			}
		}

		if outcome.Error != "" {
			if outcome.ToolUsed != "" && outcome.ToolUsed == c.lastErrorTool {
				c.consecutiveErrors++
			} else {
				c.consecutiveErrors = 1
				c.lastErrorTool = outcome.ToolUsed
			}
		} else {
			c.consecutiveErrors = 0
			c.lastErrorTool = ""
		}

		shouldReflect := outcome.Error != "" && c.consecutiveErrors >= maxConsecutiveErrors
		if interval := c.deps.ExecCfg.ReflectionTriggerInterval; interval > 0 && c.actionIndex%interval == 0 {
			shouldReflect = true
		}

		if shouldReflect {
			if err := c.reflect(ctx, outcome); err != nil {
				return err
			}
		}
	}

	if c.deps.Commenter != nil {
		if err := c.deps.Commenter.Post(ctx, c.checklist.Final()); err != nil {
			c.logger.Warn("planning: failed to post final checklist", "error", err)
		}
	}
	return nil
}

func (c *Coordinator) executeAction(ctx context.Context, action Action) (ActionOutcome, error) {
	prompt := fmt.Sprintf("Execute the following action:\n%s", describeAction(action))
	c.record(ctx, "user", prompt)

	tools, _ := c.deps.Executor.ListFunctions(ctx)
	req := llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}}
	for _, t := range tools {
		req.Tools = append(req.Tools, llm.ToolDefinition{Name: t.Name, Description: t.Description, ParametersSchema: t.ParametersSchema})
	}

	resp, err := c.complete(ctx, req)
	if err != nil {
		return ActionOutcome{}, fmt.Errorf("planning: execute action %s: %w", action.TaskID, err)
	}
	c.record(ctx, "assistant", resp.Content)

	outcome := ActionOutcome{Action: action, Done: true}
	for _, call := range resp.ToolCalls {
		c.ledger.recordToolCall()
		result, err := c.deps.Executor.Execute(ctx, mcp.ToolCall{ID: call.ID, Name: call.Name, Arguments: call.Arguments})
		status := contextstore.ToolStatusSuccess
		errMsg := ""
		if err != nil {
			status, errMsg = contextstore.ToolStatusError, err.Error()
		} else if !result.Success {
			status, errMsg = contextstore.ToolStatusError, result.Error
		}
		if _, recErr := c.deps.Tools.AddToolCall(call.Name, call.Arguments, status, 0, result, errMsg); recErr != nil {
			c.logger.Warn("planning: failed to record tool call", "error", recErr)
		}
		if errMsg != "" {
			outcome.Error = errMsg
			outcome.ToolUsed = call.Name
			outcome.Done = false
			c.recordTool(ctx, call.Name, fmt.Sprintf("error: %s", errMsg))
		} else {
			c.recordTool(ctx, call.Name, result.Content)
		}
	}

	return outcome, nil
}

func (c *Coordinator) reflect(ctx context.Context, outcome ActionOutcome) error {
	prompt := buildReflectionPrompt(outcome)
	resp, err := c.complete(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}})
	if err != nil {
		return fmt.Errorf("planning: reflection phase: %w", err)
	}

	var reflection Reflection
	if !ParseJSON(resp.Content, &reflection) {
		c.logger.Warn("planning: failed to parse reflection response")
		return nil
	}
	if outcome.Error != "" && outcome.ToolUsed != "" && !slices.Contains(reflection.KeyFailures, outcome.ToolUsed) {
		reflection.KeyFailures = append(reflection.KeyFailures, outcome.ToolUsed)
	}
	if err := c.deps.History.Append("reflection", reflection); err != nil {
		c.logger.Warn("planning: failed to persist reflection", "error", err)
	}

	if !reflection.PlanRevisionNeeded {
		return nil
	}

	decision, err := c.evaluateReplan(ctx, config.PhaseReflection, reflection.Evaluation, outcome.Error)
	if err != nil {
		c.logger.Warn("planning: replan evaluation failed, falling back to direct revision", "error", err)
	} else {
		gated := c.gateReplan(decision)
		if gated.Proceed {
			c.logger.Info("planning: replan overridden to proceed", "reason", gated.OverrideReason)
			return nil
		}
		c.replanManager.ResetCountersFrom(decision.TargetPhase)
	}

	maxRevisions := c.deps.ExecCfg.MaxRevisions
	if maxRevisions <= 0 {
		maxRevisions = 3
	}
	if c.revisionCounter >= maxRevisions {
		c.logger.Warn("planning: max plan revisions exceeded, continuing with current plan")
		return nil
	}
	c.revisionCounter++

	revised, err := c.revisePlan(ctx, reflection)
	if err != nil {
		c.logger.Warn("planning: plan revision failed", "error", err)
		return nil
	}
	if revised != nil {
		c.plan = revised
		c.checklist = NewChecklistBuilder(toPlanActions(revised.ActionPlan.Actions))
	}
	return nil
}

// evaluateReplan renders the phase's template, asks the LLM to judge whether
// a rewind is warranted, and parses the result into a ReplanDecision. It
// does not apply gating — callers pass the result to ReplanManager.Gate.
func (c *Coordinator) evaluateReplan(ctx context.Context, phase config.ReplanPhase, phaseOutput, triggerErr string) (ReplanDecision, error) {
	promptCtx := PhaseContext{Phase: phase, PhaseOutput: phaseOutput, TriggerError: triggerErr}
	prompt, err := c.prompts.Build(promptCtx)
	if err != nil {
		return ReplanDecision{}, err
	}

	resp, err := c.complete(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}})
	if err != nil {
		return ReplanDecision{}, fmt.Errorf("planning: replan decision call: %w", err)
	}

	var decision ReplanDecision
	if !ParseJSON(resp.Content, &decision) {
		return ReplanDecision{}, fmt.Errorf("planning: failed to parse replan decision")
	}
	return decision, nil
}

// gateReplan runs decision through the budget gate and persists the gated
// outcome — not the raw decision — so the history shows which replans
// actually executed and which were overridden to proceed.
func (c *Coordinator) gateReplan(decision ReplanDecision) Outcome {
	gated := c.replanManager.Gate(decision)
	record := ReplanRecord{
		ReplanDecision: decision,
		Executed:       !gated.Proceed,
		OverrideReason: gated.OverrideReason,
	}
	if err := c.deps.History.Append("replan_decision", record); err != nil {
		c.logger.Warn("planning: failed to persist replan decision", "error", err)
	}
	return gated
}

func (c *Coordinator) revisePlan(ctx context.Context, reflection Reflection) (*Plan, error) {
	prompt := buildRevisionPrompt(reflection)
	resp, err := c.complete(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}})
	if err != nil {
		return nil, err
	}

	var revised Plan
	if !ParseJSON(resp.Content, &revised) {
		return nil, fmt.Errorf("planning: failed to parse revised plan")
	}

	if err := c.deps.History.Append("revision", map[string]any{"plan": revised, "reflection": reflection}); err != nil {
		c.logger.Warn("planning: failed to persist revision", "error", err)
	}
	return &revised, nil
}

// RunVerification evaluates the completed action list against successCriteria
// and, while additional work is found and the round budget allows, appends
// and executes more actions.
func (c *Coordinator) RunVerification(ctx context.Context, successCriteria string) (*VerificationResult, error) {
	maxRounds := c.deps.ExecCfg.VerificationMaxRounds
	if maxRounds <= 0 {
		maxRounds = 2
	}

	for {
		prompt := buildVerificationPrompt(successCriteria, c.plan)
		resp, err := c.complete(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}})
		if err != nil {
			return nil, fmt.Errorf("planning: verification phase: %w", err)
		}

		var result VerificationResult
		if !ParseJSON(resp.Content, &result) {
			return nil, fmt.Errorf("planning: failed to parse verification response")
		}
		if err := c.deps.History.Append("verification", result); err != nil {
			c.logger.Warn("planning: failed to persist verification", "error", err)
		}

		if len(result.AdditionalActions) == 0 || c.verificationRound >= maxRounds {
			return &result, nil
		}
		c.verificationRound++

		c.plan.ActionPlan.Actions = append(c.plan.ActionPlan.Actions, result.AdditionalActions...)
		c.checklist.AppendActions(toPlanActions(result.AdditionalActions))
		if err := c.RunExecutionLoop(ctx); err != nil {
			return nil, err
		}
	}
}

func toPlanActions(actions []Action) []PlanAction {
	out := make([]PlanAction, len(actions))
	for i, a := range actions {
		out[i] = PlanAction{TaskID: a.TaskID, Purpose: a.Purpose}
	}
	return out
}

func describeAction(a Action) string {
	return fmt.Sprintf("task_id=%s purpose=%s tool=%s parameters=%v expected_outcome=%s",
		a.TaskID, a.Purpose, a.Tool, a.Parameters, a.ExpectedOutcome)
}

func buildPlanningPrompt(preplan *PrePlanningResult, taskSummary string) string {
	prompt := "Create a comprehensive plan for the following task:\n\n" + taskSummary
	if preplan != nil {
		prompt += fmt.Sprintf("\n\nPre-planning understanding: %+v", preplan.Understanding)
		if len(preplan.Items) > 0 {
			prompt += fmt.Sprintf("\nCollected/assumed information: %+v", preplan.Items)
		}
	}
	prompt += "\n\nRespond with a single JSON object: " +
		"{\"goal_understanding\": {...}, \"task_decomposition\": {\"subtasks\": [...], \"reasoning\": \"...\"}, " +
		"\"action_plan\": {\"execution_order\": [...], \"actions\": [...]}}."
	return prompt
}

func buildReflectionPrompt(outcome ActionOutcome) string {
	return fmt.Sprintf(
		"Reflect on the following action outcome:\ntask_id=%s error=%q\n\n"+
			"Respond with a single JSON object {\"evaluation\", \"success\", \"failure_reason\", \"plan_revision_needed\"}.",
		outcome.Action.TaskID, outcome.Error)
}

func buildRevisionPrompt(reflection Reflection) string {
	return fmt.Sprintf(
		"Revise the plan based on this reflection: %+v\n\n"+
			"Respond with the same JSON shape as the planning phase.",
		reflection)
}

func buildVerificationPrompt(successCriteria string, plan *Plan) string {
	return fmt.Sprintf(
		"Success criteria:\n%s\n\nAction plan executed:\n%+v\n\n"+
			"Evaluate completion and respond with a single JSON object {\"verification_passed\", "+
			"\"completion_confidence\", \"comment\", \"issues_found\", \"placeholder_detected\":{\"count\", \"locations\"}, "+
			"\"additional_work_needed\", \"additional_actions\"}.",
		successCriteria, plan.ActionPlan.Actions)
}
