// Package inheritance finds a prior completed run for the same issue, pull
// request, or merge request and seeds a new run's initial context from its
// final summary and planning history.
package inheritance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/contextstore"
	"github.com/taskagent/runtime/pkg/database"
	"github.com/taskagent/runtime/pkg/llm"
	"github.com/taskagent/runtime/pkg/taskkey"
)

// PreviousContext is one candidate prior run found for a TaskKey.
type PreviousContext struct {
	UUID            string
	TaskKey         taskkey.Key
	Status          string
	CompletedAt     *time.Time
	FinalSummary    string
	Metadata        map[string]any
	PlanningHistory []PlanningEntry
}

// PlanningEntry is one line of planning/<uuid>.jsonl: a plan, a
// verification round, or a reflection, discriminated by Type.
type PlanningEntry struct {
	Type              string          `json:"type"`
	Plan              json.RawMessage `json:"plan,omitempty"`
	VerificationResult json.RawMessage `json:"verification_result,omitempty"`
	Evaluation        json.RawMessage `json:"evaluation,omitempty"`
}

// PlanningSummary is the condensed view of a prior run's planning history,
// carried into the new run's pre-planning phase when enabled.
type PlanningSummary struct {
	PreviousPlan struct {
		Goal             string   `json:"goal"`
		Subtasks         []string `json:"subtasks"`
		CompletionStatus string   `json:"completion_status"`
	} `json:"previous_plan_summary"`
	ExecutionHistory struct {
		SuccessfulActions []string `json:"successful_actions"`
		FailedActions     []string `json:"failed_actions"`
		KeyFailures       []string `json:"key_failures"`
	} `json:"execution_history"`
	VerificationHistory struct {
		Rounds          int      `json:"verification_rounds"`
		IssuesFound     []string `json:"issues_found"`
		IssuesResolved  []string `json:"issues_resolved"`
	} `json:"verification_history"`
	Recommendations []string `json:"recommendations"`
}

// InheritanceContext bundles the chosen prior run with the derived summary
// text and (optionally) a planning summary ready to hand to the new run.
type InheritanceContext struct {
	Previous        PreviousContext
	FinalSummary    string
	PlanningSummary *PlanningSummary
}

// Manager finds and formats prior-run context for a new run of the same
// TaskKey, bounded by a configurable TTL and token budget.
type Manager struct {
	taskDB       *database.TaskDB
	completedDir string
	logger       *slog.Logger

	enabled                bool
	ttl                    time.Duration
	maxInheritedTokens     int
	inheritPlans           bool
	inheritVerifications   bool
	inheritReflections     bool
	maxPreviousPlans       int
	reuseSuccessfulPatterns bool
}

// New wires a Manager from the resolved Compression config and the root
// contexts/completed directory.
func New(cfg config.CompressionConfig, completedDir string, taskDB *database.TaskDB) *Manager {
	return &Manager{
		taskDB:                  taskDB,
		completedDir:            completedDir,
		logger:                  slog.Default(),
		enabled:                 true,
		ttl:                     cfg.InheritanceTTL,
		maxInheritedTokens:      cfg.MaxInheritedTokens,
		inheritPlans:            true,
		inheritVerifications:    true,
		inheritReflections:      true,
		maxPreviousPlans:        3,
		reuseSuccessfulPatterns: true,
	}
}

// FindPrevious returns every completed/stopped run for key within the TTL
// window, most recent first.
func (m *Manager) FindPrevious(ctx context.Context, key taskkey.Key) ([]PreviousContext, error) {
	if !m.enabled {
		return nil, nil
	}

	since := time.Now().UTC().Add(-m.ttl)
	runs, err := m.taskDB.FindCompletedRunsByKey(ctx, key, since)
	if err != nil {
		return nil, fmt.Errorf("inheritance: find completed runs: %w", err)
	}

	var out []PreviousContext
	for _, run := range runs {
		pc, err := m.buildPreviousContext(run.UUID, key, string(run.Status), run.CompletedAt)
		if err != nil {
			m.logger.Warn("inheritance: skipping unreadable prior context", "uuid", run.UUID, "error", err)
			continue
		}
		out = append(out, pc)
	}
	return out, nil
}

// GetInheritance picks the most recent prior context with a usable final
// summary and formats it for use as the new run's seed message.
func (m *Manager) GetInheritance(ctx context.Context, key taskkey.Key) (*InheritanceContext, error) {
	if !m.enabled {
		return nil, nil
	}

	previous, err := m.FindPrevious(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(previous) == 0 {
		return nil, nil
	}

	prev := previous[0]
	if prev.FinalSummary == "" {
		m.logger.Info("inheritance: most recent prior context has no final summary", "uuid", prev.UUID)
		return nil, nil
	}

	var planningSummary *PlanningSummary
	if m.inheritPlans && len(prev.PlanningHistory) > 0 {
		planningSummary = m.buildPlanningSummary(prev.PlanningHistory)
	}

	return &InheritanceContext{
		Previous:        prev,
		FinalSummary:    m.truncateSummary(prev.FinalSummary),
		PlanningSummary: planningSummary,
	}, nil
}

// CreateInitialMessages builds the two-message seed for a new run: the
// prior summary as an assistant turn, followed by the new request as a
// user turn.
func (m *Manager) CreateInitialMessages(inh *InheritanceContext, userRequest string) []llm.Message {
	return []llm.Message{
		{Role: llm.RoleAssistant, Content: m.formatSummaryWithPrefix(inh)},
		{Role: llm.RoleUser, Content: userRequest},
	}
}

// GenerateNotificationComment renders the human-facing comment posted on
// the issue/MR announcing that prior context was inherited.
func (m *Manager) GenerateNotificationComment(inh *InheritanceContext) string {
	completedAt := "unknown"
	if inh.Previous.CompletedAt != nil {
		completedAt = inh.Previous.CompletedAt.Format("2006-01-02 15:04:05")
	}

	uuid := inh.Previous.UUID
	if len(uuid) > 8 {
		uuid = uuid[:8]
	}

	lines := []string{
		"**Inherited context from a previous run**",
		"",
		fmt.Sprintf("- Source run: #%s", uuid),
		fmt.Sprintf("- Previous completion time: %s", completedAt),
		"- Inherited: final summary",
		"",
		"The current request will be handled with that prior context in mind.",
	}
	return strings.Join(lines, "\n")
}

func (m *Manager) buildPreviousContext(uuid string, key taskkey.Key, status string, completedAt *time.Time) (PreviousContext, error) {
	dir := filepath.Join(m.completedDir, uuid)

	finalSummary, err := m.loadFinalSummary(dir)
	if err != nil {
		m.logger.Warn("inheritance: failed to read summaries.jsonl", "uuid", uuid, "error", err)
	}

	metadata := m.loadMetadata(dir)

	var history []PlanningEntry
	if m.inheritPlans {
		history, err = m.loadPlanningHistory(dir, uuid)
		if err != nil {
			m.logger.Warn("inheritance: failed to read planning history", "uuid", uuid, "error", err)
		}
	}

	return PreviousContext{
		UUID:            uuid,
		TaskKey:         key,
		Status:          status,
		CompletedAt:     completedAt,
		FinalSummary:    finalSummary,
		Metadata:        metadata,
		PlanningHistory: history,
	}, nil
}

func (m *Manager) loadFinalSummary(contextDir string) (string, error) {
	store := contextstore.NewSummaryStore(contextDir)
	latest, err := store.Latest()
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "", nil
	}
	return latest.Summary, nil
}

func (m *Manager) loadMetadata(contextDir string) map[string]any {
	data, err := os.ReadFile(filepath.Join(contextDir, "metadata.json"))
	if err != nil {
		return map[string]any{}
	}
	var meta map[string]any
	if err := json.Unmarshal(data, &meta); err != nil {
		return map[string]any{}
	}
	return meta
}

func (m *Manager) loadPlanningHistory(contextDir, uuid string) ([]PlanningEntry, error) {
	path := filepath.Join(contextDir, "planning", uuid+".jsonl")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inheritance: read planning history: %w", err)
	}

	var entries []PlanningEntry
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var entry PlanningEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, fmt.Errorf("inheritance: decode planning entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if len(entries) > m.maxPreviousPlans {
		entries = entries[len(entries)-m.maxPreviousPlans:]
	}
	return entries, nil
}

func (m *Manager) buildPlanningSummary(history []PlanningEntry) *PlanningSummary {
	summary := &PlanningSummary{}

	for _, entry := range history {
		switch entry.Type {
		case "plan":
			var plan struct {
				GoalUnderstanding struct {
					GoalSummary string `json:"goal_summary"`
				} `json:"goal_understanding"`
				TaskDecomposition struct {
					Subtasks []struct {
						TaskID string `json:"task_id"`
					} `json:"subtasks"`
				} `json:"task_decomposition"`
			}
			if err := json.Unmarshal(entry.Plan, &plan); err != nil {
				continue
			}
			summary.PreviousPlan.Goal = plan.GoalUnderstanding.GoalSummary
			for _, t := range plan.TaskDecomposition.Subtasks {
				summary.PreviousPlan.Subtasks = append(summary.PreviousPlan.Subtasks, t.TaskID)
			}
			summary.PreviousPlan.CompletionStatus = "completed"

		case "verification":
			if !m.inheritVerifications {
				continue
			}
			var v struct {
				IssuesFound        []string `json:"issues_found"`
				VerificationPassed bool     `json:"verification_passed"`
			}
			if err := json.Unmarshal(entry.VerificationResult, &v); err != nil {
				continue
			}
			summary.VerificationHistory.Rounds++
			summary.VerificationHistory.IssuesFound = append(summary.VerificationHistory.IssuesFound, v.IssuesFound...)
			if v.VerificationPassed {
				summary.VerificationHistory.IssuesResolved = append(summary.VerificationHistory.IssuesResolved, v.IssuesFound...)
			}

		case "reflection":
			if !m.inheritReflections {
				continue
			}
			var e struct {
				Success        bool   `json:"success"`
				ActionSummary  string `json:"action_summary"`
				FailureReason  string `json:"failure_reason"`
			}
			if err := json.Unmarshal(entry.Evaluation, &e); err != nil {
				continue
			}
			if e.Success {
				summary.ExecutionHistory.SuccessfulActions = append(summary.ExecutionHistory.SuccessfulActions, e.ActionSummary)
			} else {
				summary.ExecutionHistory.FailedActions = append(summary.ExecutionHistory.FailedActions, e.ActionSummary)
				if e.FailureReason != "" {
					summary.ExecutionHistory.KeyFailures = append(summary.ExecutionHistory.KeyFailures, e.FailureReason)
				}
			}
		}
	}

	if m.reuseSuccessfulPatterns {
		if successful := summary.ExecutionHistory.SuccessfulActions; len(successful) > 0 {
			summary.Recommendations = append(summary.Recommendations,
				fmt.Sprintf("Actions that succeeded previously: %s", strings.Join(firstN(successful, 3), ", ")))
		}
		if failed := summary.ExecutionHistory.KeyFailures; len(failed) > 0 {
			summary.Recommendations = append(summary.Recommendations,
				fmt.Sprintf("Actions that failed previously (avoid repeating): %s", strings.Join(firstN(failed, 3), ", ")))
		}
	}

	return summary
}

// truncateSummary enforces maxInheritedTokens using the same 1-token≈4-char
// estimate the rest of the runtime uses for quick budget checks.
func (m *Manager) truncateSummary(summary string) string {
	const charsPerToken = 4
	estimatedTokens := len(summary) / charsPerToken
	if m.maxInheritedTokens <= 0 || estimatedTokens <= m.maxInheritedTokens {
		return summary
	}

	maxChars := m.maxInheritedTokens*charsPerToken - 50
	if maxChars < 0 {
		maxChars = 0
	}
	if maxChars > len(summary) {
		maxChars = len(summary)
	}
	return summary[:maxChars] + "\n\n... (summary truncated for length)"
}

func (m *Manager) formatSummaryWithPrefix(inh *InheritanceContext) string {
	completedAt := "unknown"
	if inh.Previous.CompletedAt != nil {
		completedAt = inh.Previous.CompletedAt.Format("2006-01-02 15:04:05")
	}
	uuid := inh.Previous.UUID
	if len(uuid) > 8 {
		uuid = uuid[:8]
	}

	lines := []string{
		"Summary of previous processing:",
		fmt.Sprintf("(source run: %s, completed: %s)", uuid, completedAt),
		"",
		inh.FinalSummary,
	}

	if ps := inh.PlanningSummary; ps != nil {
		lines = append(lines, "", "=== Previous Plan Summary ===")
		if ps.PreviousPlan.Goal != "" {
			lines = append(lines, fmt.Sprintf("Goal: %s", ps.PreviousPlan.Goal))
		}
		if len(ps.PreviousPlan.Subtasks) > 0 {
			lines = append(lines, fmt.Sprintf("Subtasks: %s", strings.Join(firstN(ps.PreviousPlan.Subtasks, 5), ", ")))
		}
		if ps.PreviousPlan.CompletionStatus != "" {
			lines = append(lines, fmt.Sprintf("Completion Status: %s", ps.PreviousPlan.CompletionStatus))
		}

		lines = append(lines, "", "=== Execution History ===")
		if n := len(ps.ExecutionHistory.SuccessfulActions); n > 0 {
			lines = append(lines, fmt.Sprintf("Successful Actions: %d items", n))
		}
		if n := len(ps.ExecutionHistory.FailedActions); n > 0 {
			lines = append(lines, fmt.Sprintf("Failed Actions: %d items", n))
		}
		if len(ps.ExecutionHistory.KeyFailures) > 0 {
			lines = append(lines, fmt.Sprintf("Key Failures: %s", strings.Join(firstN(ps.ExecutionHistory.KeyFailures, 3), ", ")))
		}

		if ps.VerificationHistory.Rounds > 0 {
			lines = append(lines, "", "=== Verification History ===")
			lines = append(lines, fmt.Sprintf("Verification Rounds: %d", ps.VerificationHistory.Rounds))
			if n := len(ps.VerificationHistory.IssuesFound); n > 0 {
				lines = append(lines, fmt.Sprintf("Issues Found: %d", n))
			}
			if n := len(ps.VerificationHistory.IssuesResolved); n > 0 {
				lines = append(lines, fmt.Sprintf("Issues Resolved: %d", n))
			}
		}

		if len(ps.Recommendations) > 0 {
			lines = append(lines, "", "=== Recommendations for Current Processing ===")
			for _, rec := range ps.Recommendations {
				lines = append(lines, "- "+rec)
			}
		}
	}

	return strings.Join(lines, "\n")
}

func firstN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
