package planning

import (
	"fmt"

	"github.com/taskagent/runtime/pkg/config"
)

// ReplanType enumerates the kinds of rewind a ReplanDecision can request.
type ReplanType string

const (
	ReplanClarificationRequest ReplanType = "clarification_request"
	ReplanGoalRevision         ReplanType = "goal_revision"
	ReplanTaskRedecomposition  ReplanType = "task_redecomposition"
	ReplanActionRegeneration   ReplanType = "action_regeneration"
	ReplanPartial              ReplanType = "partial_replan"
	ReplanFull                 ReplanType = "full_replan"
	ReplanPlanRevision         ReplanType = "plan_revision"
	ReplanRetry                ReplanType = "retry"
	ReplanNone                 ReplanType = "none"
)

// ErrorClassification is the replan LLM's judgment of whether a failure is
// worth retrying.
type ErrorClassification string

const (
	ErrorTransient  ErrorClassification = "transient"
	ErrorPersistent ErrorClassification = "persistent"
	ErrorFatal      ErrorClassification = "fatal"
)

// ReplanDecision is the parsed result of one call to the phase-specific
// replan prompt.
type ReplanDecision struct {
	ReplanNeeded bool    `json:"replan_needed"`
	Confidence   float64 `json:"confidence"`
	Reasoning    string  `json:"reasoning"`

	ReplanType    ReplanType         `json:"replan_type"`
	TargetPhase   config.ReplanPhase `json:"target_phase"`
	ReplanLevel   int                `json:"replan_level"` // 1..5

	IssuesFound         []string `json:"issues_found"`
	RecommendedActions  []string `json:"recommended_actions"`
	ClarificationNeeded bool     `json:"clarification_needed"`
	ClarificationQuestions []string `json:"clarification_questions"`

	ErrorClassification ErrorClassification `json:"error_classification"`
	RecoveryStrategy     string              `json:"recovery_strategy"`
	AffectedActions      []string            `json:"affected_actions"`

	EvaluationResult   string   `json:"evaluation_result"`
	AchievementRate    float64  `json:"achievement_rate"`
	AdditionalActions  []string `json:"additional_actions"`
	AssumptionsToMake  []string `json:"assumptions_to_make"`
}

// ReplanRecord is the planning-history payload for one gated replan
// decision: the raw decision plus whether the gate actually let it execute
// and, when it didn't, why the override won.
type ReplanRecord struct {
	ReplanDecision
	Executed       bool   `json:"executed"`
	OverrideReason string `json:"override_reason,omitempty"`
}

// trigger identifies a repeated (phase, type) pair for infinite-loop detection.
type trigger struct {
	phase config.ReplanPhase
	kind  ReplanType
}

// ReplanManager applies the gating rules on top of a raw ReplanDecision:
// per-phase/total budget caps, confidence thresholds, and same-trigger loop
// detection.
type ReplanManager struct {
	cfg      config.ReplanConfig
	counters map[config.ReplanPhase]int
	total    int
	history  map[trigger]int
}

// NewReplanManager starts a fresh counter set for one run.
func NewReplanManager(cfg config.ReplanConfig) *ReplanManager {
	return &ReplanManager{
		cfg:      cfg,
		counters: make(map[config.ReplanPhase]int),
		history:  make(map[trigger]int),
	}
}

// Outcome is the gated result: whether to actually replan, and why not
// when overridden to "proceed".
type Outcome struct {
	Proceed        bool
	Decision       ReplanDecision
	OverrideReason string // empty when Proceed reflects the raw decision faithfully
}

// Gate applies the gating decision flow and, when the replan proceeds,
// increments the relevant counters and returns Proceed=false.
func (m *ReplanManager) Gate(decision ReplanDecision) Outcome {
	if !decision.ReplanNeeded {
		return Outcome{Proceed: true, Decision: decision}
	}

	if decision.Confidence < m.cfg.UserConfirmationThreshold {
		return Outcome{Proceed: true, Decision: decision, OverrideReason: "confidence below user_confirmation_threshold"}
	}

	key := trigger{phase: decision.TargetPhase, kind: decision.ReplanType}
	if m.history[key] >= m.cfg.SameTriggerMaxCount {
		return Outcome{Proceed: true, Decision: decision, OverrideReason: "infinite loop detected: same trigger repeated"}
	}

	if cap, ok := m.cfg.PhaseCaps[decision.TargetPhase]; ok && m.counters[decision.TargetPhase] >= cap {
		return Outcome{Proceed: true, Decision: decision, OverrideReason: "per-phase replan cap reached"}
	}
	if m.total >= m.cfg.TotalCap {
		return Outcome{Proceed: true, Decision: decision, OverrideReason: "total replan cap reached"}
	}

	if decision.Confidence < m.cfg.MinConfidence {
		return Outcome{Proceed: true, Decision: decision, OverrideReason: "confidence below min_confidence"}
	}

	m.counters[decision.TargetPhase]++
	m.total++
	m.history[key]++

	return Outcome{Proceed: false, Decision: decision}
}

// PhaseForLevel maps a replan level (1..5) to the phase it rewinds to.
func PhaseForLevel(level int) (config.ReplanPhase, error) {
	switch level {
	case 1:
		return config.PhaseExecutionRetry, nil
	case 2:
		return config.PhaseExecutionPartial, nil
	case 3:
		return config.PhaseActionSequence, nil
	case 4:
		return config.PhaseTaskDecomposition, nil
	case 5:
		return config.PhaseGoalUnderstanding, nil
	default:
		return "", fmt.Errorf("planning: unknown replan level %d", level)
	}
}

// ResetCountersFrom clears the counters for target and every phase
// downstream of it (i.e. phases that re-run as a consequence of rewinding
// to target), since a rewind to an earlier phase re-earns its own budget.
func (m *ReplanManager) ResetCountersFrom(target config.ReplanPhase) {
	order := []config.ReplanPhase{
		config.PhaseGoalUnderstanding,
		config.PhaseTaskDecomposition,
		config.PhaseActionSequence,
		config.PhaseExecutionRetry,
		config.PhaseExecutionPartial,
		config.PhaseReflection,
	}

	reset := false
	for _, phase := range order {
		if phase == target {
			reset = true
		}
		if reset {
			m.counters[phase] = 0
		}
	}
}
