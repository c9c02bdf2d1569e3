package planning

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/llm"
	"github.com/taskagent/runtime/pkg/mcp"
)

// nonAssumableKeywords names the information categories that must never be
// substituted with an LLM-generated guess, regardless of confidence —
// checked as a case-insensitive substring of the item's id.
var nonAssumableKeywords = []string{
	"security", "secret", "password", "token", "api_key",
	"credential", "database", "connection_string", "pii", "personal_info",
}

func isNonAssumable(infoID string) bool {
	lower := strings.ToLower(infoID)
	for _, kw := range nonAssumableKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// Understanding is the parsed result of the understanding sub-phase. On
// parse failure PrePlanner.runUnderstanding falls back to a minimal record with
// Confidence 0.3.
type Understanding struct {
	TaskType               string   `json:"task_type"`
	PrimaryGoal            string   `json:"primary_goal"`
	ExpectedDeliverables   []string `json:"expected_deliverables"`
	Constraints            []string `json:"constraints"`
	Scope                  string   `json:"scope"`
	UnderstandingConfidence float64 `json:"understanding_confidence"`
	Ambiguities            []string `json:"ambiguities"`
}

func fallbackUnderstanding() Understanding {
	return Understanding{UnderstandingConfidence: 0.3}
}

// CollectionMethod describes how to gather one information item.
type CollectionMethod struct {
	Tool       string         `json:"tool"`
	Parameters map[string]any `json:"parameters"`
}

// InfoItem is one entry of an information-collection plan.
type InfoItem struct {
	ID                string           `json:"id"`
	Category          string           `json:"category"`
	Description       string           `json:"description"`
	CollectionMethod  CollectionMethod `json:"collection_method"`
	FallbackStrategy  string           `json:"fallback_strategy"`
	CanAssume         bool             `json:"can_assume"`
	DefaultAssumption string           `json:"default_assumption"`
}

// CollectionPlan is the information-planning sub-phase's output.
type CollectionPlan struct {
	Items           []InfoItem `json:"items"`
	CollectionOrder []string   `json:"collection_order"`
	SkipCollection  bool       `json:"skip_collection"`
}

// CollectedItem is the outcome of collecting (or failing to collect, and
// then assuming, or recording a gap for) one InfoItem.
type CollectedItem struct {
	ID         string
	Value      string
	Confidence float64
	Source     string // "collected" | "assumed" | "gap"
}

// PrePlanningResult is what feeds the planning phase's prompt.
type PrePlanningResult struct {
	Understanding Understanding
	Items         []CollectedItem
}

// PrePlanner runs the understanding -> information-planning -> collection
// sub-phases.
type PrePlanner struct {
	cfg       config.PrePlanningConfig
	llmClient llm.Client
	executor  *mcp.ToolExecutor
	ledger    tokenLedger
}

// NewPrePlanner wires a PrePlanner.
func NewPrePlanner(cfg config.PrePlanningConfig, llmClient llm.Client, executor *mcp.ToolExecutor) *PrePlanner {
	return &PrePlanner{cfg: cfg, llmClient: llmClient, executor: executor}
}

// Counters reports pre-planning's contribution to the run's token ledger:
// LLM calls made and tokens estimated across the
// understanding, information-planning, and assumption sub-phases.
func (p *PrePlanner) Counters() (llmCalls int, totalTokens int64) {
	calls, _, total := p.ledger.Counters()
	return calls, total
}

func (p *PrePlanner) complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	resp, err := p.llmClient.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	p.ledger.recordCompletion(req, resp)
	return resp, nil
}

// Run executes all three sub-phases against taskPrompt (the issue/MR title
// and body) and returns the combined pre-planning context.
func (p *PrePlanner) Run(ctx context.Context, taskPrompt string) (*PrePlanningResult, error) {
	understanding := p.runUnderstanding(ctx, taskPrompt)

	plan, err := p.runCollectionPlanning(ctx, taskPrompt, understanding)
	if err != nil || plan == nil || plan.SkipCollection {
		return &PrePlanningResult{Understanding: understanding}, nil
	}

	items := p.runCollection(ctx, plan)
	return &PrePlanningResult{Understanding: understanding, Items: items}, nil
}

func (p *PrePlanner) runUnderstanding(ctx context.Context, taskPrompt string) Understanding {
	prompt := fmt.Sprintf(
		"Analyze the following task and respond with a single JSON object describing your "+
			"understanding: {\"task_type\", \"primary_goal\", \"expected_deliverables\", "+
			"\"constraints\", \"scope\", \"understanding_confidence\", \"ambiguities\"}.\n\n%s",
		taskPrompt)

	resp, err := p.complete(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}})
	if err != nil {
		return fallbackUnderstanding()
	}

	var out Understanding
	if !ParseJSON(resp.Content, &out) {
		return fallbackUnderstanding()
	}
	return out
}

func (p *PrePlanner) runCollectionPlanning(ctx context.Context, taskPrompt string, understanding Understanding) (*CollectionPlan, error) {
	prompt := fmt.Sprintf(
		"Given this understanding of the task:\n%+v\n\n"+
			"Enumerate the information items needed before planning, each with "+
			"{id, category, description, collection_method:{tool, parameters}, "+
			"fallback_strategy, can_assume, default_assumption}. Set skip_collection=true "+
			"if nothing further is needed. Respond with a single JSON object "+
			"{\"items\": [...], \"collection_order\": [...], \"skip_collection\": bool}.\n\n%s",
		understanding, taskPrompt)

	resp, err := p.complete(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}})
	if err != nil {
		return nil, err
	}

	var plan CollectionPlan
	if !ParseJSON(resp.Content, &plan) {
		return nil, nil
	}
	return &plan, nil
}

func (p *PrePlanner) runCollection(ctx context.Context, plan *CollectionPlan) []CollectedItem {
	byID := make(map[string]InfoItem, len(plan.Items))
	for _, item := range plan.Items {
		byID[item.ID] = item
	}

	order := plan.CollectionOrder
	if len(order) == 0 {
		for _, item := range plan.Items {
			order = append(order, item.ID)
		}
	}

	maxRetries := p.cfg.MaxRetriesPerTool
	if maxRetries <= 0 {
		maxRetries = 2
	}

	var results []CollectedItem
	for _, id := range order {
		item, ok := byID[id]
		if !ok {
			continue
		}

		value, collected := p.collectItem(ctx, item, maxRetries)
		if collected {
			results = append(results, CollectedItem{ID: id, Value: value, Confidence: 1.0, Source: "collected"})
			continue
		}

		if isNonAssumable(id) || !item.CanAssume {
			results = append(results, CollectedItem{ID: id, Source: "gap"})
			continue
		}

		assumed, confidence := p.assumeItem(ctx, item)
		threshold := p.cfg.ConfidenceThreshold
		if threshold <= 0 {
			threshold = 0.5
		}
		if confidence >= threshold {
			results = append(results, CollectedItem{ID: id, Value: assumed, Confidence: confidence, Source: "assumed"})
		} else {
			results = append(results, CollectedItem{ID: id, Source: "gap"})
		}
	}
	return results
}

func (p *PrePlanner) collectItem(ctx context.Context, item InfoItem, maxRetries int) (string, bool) {
	if item.CollectionMethod.Tool == "" || p.executor == nil {
		return "", false
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		argsJSON := marshalJSONOrEmpty(item.CollectionMethod.Parameters)
		result, err := p.executor.Execute(ctx, mcp.ToolCall{Name: item.CollectionMethod.Tool, Arguments: argsJSON})
		if err != nil {
			continue
		}
		if result.Success {
			return result.Content, true
		}
	}
	return "", false
}

// LoadFileTree lists every regular file under containerID's cloned
// workspace, sorted and truncated to maxEntries, and renders it as a
// Markdown section so the understanding sub-phase starts with directory
// structure instead of having to ask for it one tool call at a time. An
// empty string is returned (not an error) when the tree can't be listed —
// pre-planning degrades gracefully without it.
func LoadFileTree(ctx context.Context, runner ContainerRunner, containerID string, maxEntries int) string {
	if maxEntries <= 0 {
		maxEntries = 200
	}

	result, err := runner.Execute(ctx, containerID,
		"find . -path ./.git -prune -o -type f -print | sed 's#^\\./##'")
	if err != nil || result.ExitCode != 0 {
		return ""
	}

	var files []string
	for _, line := range strings.Split(result.Stdout, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	if len(files) == 0 {
		return ""
	}
	sort.Strings(files)

	truncated := false
	if len(files) > maxEntries {
		files = files[:maxEntries]
		truncated = true
	}

	var b strings.Builder
	b.WriteString("## Project File List\n\n```\n")
	for _, f := range files {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	b.WriteString("```\n")
	if truncated {
		fmt.Fprintf(&b, "\n(truncated to %d entries)\n", maxEntries)
	} else {
		fmt.Fprintf(&b, "\nTotal: %d files\n", len(files))
	}
	return b.String()
}

func (p *PrePlanner) assumeItem(ctx context.Context, item InfoItem) (string, float64) {
	if item.DefaultAssumption != "" {
		return item.DefaultAssumption, 0.6
	}

	prompt := fmt.Sprintf(
		"Collection failed for information item %q (%s). Propose a reasonable assumed value "+
			"and respond with a single JSON object {\"value\": string, \"confidence\": number}.",
		item.ID, item.Description)

	resp, err := p.complete(ctx, llm.ChatRequest{Messages: []llm.Message{{Role: llm.RoleUser, Content: prompt}}})
	if err != nil {
		return "", 0
	}

	var out struct {
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
	}
	if !ParseJSON(resp.Content, &out) {
		return "", 0
	}
	return out.Value, out.Confidence
}
