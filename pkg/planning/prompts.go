package planning

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/taskagent/runtime/pkg/config"
)

// ReplanPromptBuilder owns one text/template per phase and renders the
// prompt the replan LLM call consumes. Templates are compiled in, never
// accepted from user input.
type ReplanPromptBuilder struct {
	templates map[config.ReplanPhase]*template.Template
}

// PhaseContext is the data exposed to each phase's template: the phase's
// own output plus whatever issue drove the replan check.
type PhaseContext struct {
	Phase        config.ReplanPhase
	PhaseOutput  string // the phase's raw or summarized JSON output
	TriggerError string // empty unless the phase call itself failed
	TaskSummary  string // short description of the overall task/goal
}

// NewReplanPromptBuilder compiles the five built-in templates.
func NewReplanPromptBuilder() (*ReplanPromptBuilder, error) {
	b := &ReplanPromptBuilder{templates: make(map[config.ReplanPhase]*template.Template)}
	sources := map[config.ReplanPhase]string{
		config.PhaseGoalUnderstanding: goalUnderstandingTemplate,
		config.PhaseTaskDecomposition: taskDecompositionTemplate,
		config.PhaseActionSequence:    actionSequenceTemplate,
		config.PhaseExecutionRetry:    executionTemplate,
		config.PhaseExecutionPartial:  executionTemplate,
		config.PhaseReflection:        reflectionTemplate,
	}

	for phase, src := range sources {
		tmpl, err := template.New(string(phase)).Parse(src)
		if err != nil {
			return nil, fmt.Errorf("planning: compile %s template: %w", phase, err)
		}
		b.templates[phase] = tmpl
	}
	return b, nil
}

// Build renders the prompt for ctx.Phase.
func (b *ReplanPromptBuilder) Build(ctx PhaseContext) (string, error) {
	tmpl, ok := b.templates[ctx.Phase]
	if !ok {
		return "", fmt.Errorf("planning: no replan template for phase %q", ctx.Phase)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("planning: render %s template: %w", ctx.Phase, err)
	}
	return buf.String(), nil
}

const replanDecisionSchema = `Respond with a single JSON object:
{
  "replan_needed": bool,
  "confidence": number,
  "reasoning": string,
  "replan_type": "clarification_request"|"goal_revision"|"task_redecomposition"|"action_regeneration"|"partial_replan"|"full_replan"|"plan_revision"|"retry"|"none",
  "target_phase": string,
  "replan_level": 1-5,
  "issues_found": [string],
  "recommended_actions": [string],
  "clarification_needed": bool,
  "clarification_questions": [string],
  "error_classification": "transient"|"persistent"|"fatal",
  "recovery_strategy": string,
  "affected_actions": [string],
  "evaluation_result": string,
  "achievement_rate": number,
  "additional_actions": [string],
  "assumptions_to_make": [string]
}`

const goalUnderstandingTemplate = `You are reviewing the goal-understanding output for this task.

Task summary: {{.TaskSummary}}

Goal-understanding result:
{{.PhaseOutput}}
{{if .TriggerError}}
The phase failed with: {{.TriggerError}}
{{end}}
Decide whether the goal understanding needs revision before planning continues.

` + replanDecisionSchema

const taskDecompositionTemplate = `You are reviewing the task-decomposition output for this task.

Task summary: {{.TaskSummary}}

Task-decomposition result:
{{.PhaseOutput}}
{{if .TriggerError}}
The phase failed with: {{.TriggerError}}
{{end}}
Decide whether the subtask breakdown needs to be redone.

` + replanDecisionSchema

const actionSequenceTemplate = `You are reviewing the action-plan output for this task.

Task summary: {{.TaskSummary}}

Action-plan result:
{{.PhaseOutput}}
{{if .TriggerError}}
The phase failed with: {{.TriggerError}}
{{end}}
Decide whether the action sequence needs to be regenerated, in full or in part.

` + replanDecisionSchema

const executionTemplate = `You are reviewing an execution-phase outcome for this task.

Task summary: {{.TaskSummary}}

Execution result:
{{.PhaseOutput}}
{{if .TriggerError}}
The action failed with: {{.TriggerError}}
{{end}}
Classify the error if any, and decide whether to retry, regenerate the remaining
actions, or proceed.

` + replanDecisionSchema

const reflectionTemplate = `You are reviewing a reflection-phase evaluation for this task.

Task summary: {{.TaskSummary}}

Reflection result:
{{.PhaseOutput}}
{{if .TriggerError}}
The phase failed with: {{.TriggerError}}
{{end}}
Decide whether the current plan needs revision based on this reflection.

` + replanDecisionSchema
