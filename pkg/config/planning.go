package config

import "time"

// ReplanPhase names the six counters ReplanManager budgets independently,
// plus the "total" ceiling across all of them.
type ReplanPhase string

const (
	PhaseGoalUnderstanding ReplanPhase = "goal_understanding"
	PhaseTaskDecomposition ReplanPhase = "task_decomposition"
	PhaseActionSequence    ReplanPhase = "action_sequence"
	PhaseExecutionRetry    ReplanPhase = "execution_retry"
	PhaseExecutionPartial  ReplanPhase = "execution_partial"
	PhaseReflection        ReplanPhase = "reflection"
)

// ReplanConfig holds the per-phase replan budget caps and the confidence
// thresholds ReplanManager gates decisions on.
type ReplanConfig struct {
	PhaseCaps map[ReplanPhase]int `yaml:"phase_caps"`
	TotalCap  int                 `yaml:"total_cap"`

	UserConfirmationThreshold float64 `yaml:"user_confirmation_threshold"`
	MinConfidence             float64 `yaml:"min_confidence"`
	SameTriggerMaxCount       int     `yaml:"same_trigger_max_count"`
}

// DefaultReplanConfig returns the built-in replanning budgets.
func DefaultReplanConfig() ReplanConfig {
	return ReplanConfig{
		PhaseCaps: map[ReplanPhase]int{
			PhaseGoalUnderstanding: 2,
			PhaseTaskDecomposition: 3,
			PhaseActionSequence:    3,
			PhaseExecutionRetry:    3,
			PhaseExecutionPartial:  2,
			PhaseReflection:        2,
		},
		TotalCap:                  10,
		UserConfirmationThreshold: 0.3,
		MinConfidence:             0.5,
		SameTriggerMaxCount:       2,
	}
}

// PrePlanningConfig tunes the understanding / information-collection
// sub-phases.
type PrePlanningConfig struct {
	MaxRetriesPerTool  int     `yaml:"max_retries_per_tool"`
	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	FileTreeMaxEntries int     `yaml:"file_tree_max_entries"`
}

// DefaultPrePlanningConfig returns the built-in pre-planning defaults.
func DefaultPrePlanningConfig() PrePlanningConfig {
	return PrePlanningConfig{
		MaxRetriesPerTool:  2,
		ConfidenceThreshold: 0.5,
		FileTreeMaxEntries: 200,
	}
}

// ExecutionConfig tunes the execution/reflection/verification loop.
type ExecutionConfig struct {
	ReflectionTriggerInterval int `yaml:"reflection_trigger_interval"`
	MaxRevisions              int `yaml:"max_revisions"`
	MaxConsecutiveToolErrors  int `yaml:"max_consecutive_tool_errors"`
	VerificationMaxRounds     int `yaml:"verification_max_rounds"`
	MaxEnvironmentRegenerations int `yaml:"max_environment_regenerations"`

	ToolSummarizationThresholdTokens int `yaml:"tool_summarization_threshold_tokens"`
}

// DefaultExecutionConfig returns the built-in execution-loop defaults.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		ReflectionTriggerInterval:        3,
		MaxRevisions:                     3,
		MaxConsecutiveToolErrors:         3,
		VerificationMaxRounds:            2,
		MaxEnvironmentRegenerations:      3,
		ToolSummarizationThresholdTokens: 2000,
	}
}

// CompressionConfig tunes the context-compression trigger.
type CompressionConfig struct {
	ContextLength          int     `yaml:"context_length"`
	CompressionThreshold   float64 `yaml:"compression_threshold"`
	KKeep                  int     `yaml:"k_keep"`
	MaxInheritedTokens     int     `yaml:"max_inherited_tokens"`
	InheritanceTTL         time.Duration `yaml:"-"`
}

// DefaultCompressionConfig returns the built-in compression defaults.
func DefaultCompressionConfig() CompressionConfig {
	return CompressionConfig{
		ContextLength:        128000,
		CompressionThreshold: 0.7,
		KKeep:                5,
		MaxInheritedTokens:   8000,
		InheritanceTTL:       90 * 24 * time.Hour,
	}
}

// ControlPlaneConfig configures the pause/stop signal paths.
type ControlPlaneConfig struct {
	PauseSignalFile       string        `yaml:"pause_signal_file"`
	AssigneeCheckInterval int           `yaml:"assignee_check_interval"` // consumer iterations
	MinAssigneeCheckGap   time.Duration `yaml:"-"`
	WatchdogThreshold     time.Duration `yaml:"-"` // orphaned running/ dirs older than this are failed
}

// DefaultControlPlaneConfig returns the built-in control-plane defaults.
func DefaultControlPlaneConfig() ControlPlaneConfig {
	return ControlPlaneConfig{
		PauseSignalFile:       "/tmp/coding-agent-pause",
		AssigneeCheckInterval: 5,
		MinAssigneeCheckGap:   30 * time.Second,
		WatchdogThreshold:     6 * time.Hour,
	}
}
