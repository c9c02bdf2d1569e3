package planning

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskagent/runtime/pkg/config"
)

func TestReplanManager_NoReplanNeeded_Proceeds(t *testing.T) {
	m := NewReplanManager(config.DefaultReplanConfig())
	out := m.Gate(ReplanDecision{ReplanNeeded: false})
	assert.True(t, out.Proceed)
	assert.Empty(t, out.OverrideReason)
}

func TestReplanManager_LowConfidence_OverridesToProceeed(t *testing.T) {
	m := NewReplanManager(config.DefaultReplanConfig())
	out := m.Gate(ReplanDecision{ReplanNeeded: true, Confidence: 0.1, TargetPhase: config.PhaseReflection, ReplanType: ReplanRetry})
	assert.True(t, out.Proceed)
	assert.Contains(t, out.OverrideReason, "user_confirmation_threshold")
}

func TestReplanManager_HighConfidence_ExecutesReplan(t *testing.T) {
	m := NewReplanManager(config.DefaultReplanConfig())
	out := m.Gate(ReplanDecision{ReplanNeeded: true, Confidence: 0.9, TargetPhase: config.PhaseReflection, ReplanType: ReplanRetry})
	assert.False(t, out.Proceed)
}

func TestReplanManager_MidConfidence_BelowMinConfidence_Proceeds(t *testing.T) {
	cfg := config.DefaultReplanConfig()
	m := NewReplanManager(cfg)
	// between user_confirmation_threshold (0.3) and min_confidence (0.5)
	out := m.Gate(ReplanDecision{ReplanNeeded: true, Confidence: 0.4, TargetPhase: config.PhaseReflection, ReplanType: ReplanRetry})
	assert.True(t, out.Proceed)
	assert.Contains(t, out.OverrideReason, "min_confidence")
}

func TestReplanManager_PerPhaseCapReached(t *testing.T) {
	cfg := config.DefaultReplanConfig()
	cfg.PhaseCaps[config.PhaseReflection] = 1
	m := NewReplanManager(cfg)

	first := m.Gate(ReplanDecision{ReplanNeeded: true, Confidence: 0.9, TargetPhase: config.PhaseReflection, ReplanType: ReplanRetry})
	assert.False(t, first.Proceed)

	second := m.Gate(ReplanDecision{ReplanNeeded: true, Confidence: 0.9, TargetPhase: config.PhaseReflection, ReplanType: ReplanActionRegeneration})
	assert.True(t, second.Proceed)
	assert.Contains(t, second.OverrideReason, "per-phase")
}

func TestReplanManager_SameTriggerRepeated_DetectsLoop(t *testing.T) {
	cfg := config.DefaultReplanConfig()
	cfg.SameTriggerMaxCount = 2
	m := NewReplanManager(cfg)

	decision := ReplanDecision{ReplanNeeded: true, Confidence: 0.9, TargetPhase: config.PhaseExecutionRetry, ReplanType: ReplanRetry}
	first := m.Gate(decision)
	assert.False(t, first.Proceed)
	second := m.Gate(decision)
	assert.False(t, second.Proceed)
	third := m.Gate(decision)
	assert.True(t, third.Proceed)
	assert.Contains(t, third.OverrideReason, "infinite loop")
}

func TestReplanManager_TotalCapReached(t *testing.T) {
	cfg := config.DefaultReplanConfig()
	cfg.TotalCap = 1
	cfg.PhaseCaps[config.PhaseReflection] = 10
	cfg.SameTriggerMaxCount = 10
	m := NewReplanManager(cfg)

	first := m.Gate(ReplanDecision{ReplanNeeded: true, Confidence: 0.9, TargetPhase: config.PhaseReflection, ReplanType: ReplanRetry})
	assert.False(t, first.Proceed)
	second := m.Gate(ReplanDecision{ReplanNeeded: true, Confidence: 0.9, TargetPhase: config.PhaseReflection, ReplanType: ReplanActionRegeneration})
	assert.True(t, second.Proceed)
	assert.Contains(t, second.OverrideReason, "total")
}

func TestPhaseForLevel(t *testing.T) {
	cases := map[int]config.ReplanPhase{
		1: config.PhaseExecutionRetry,
		2: config.PhaseExecutionPartial,
		3: config.PhaseActionSequence,
		4: config.PhaseTaskDecomposition,
		5: config.PhaseGoalUnderstanding,
	}
	for level, want := range cases {
		got, err := PhaseForLevel(level)
		assert.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := PhaseForLevel(6)
	assert.Error(t, err)
}

func TestReplanManager_ResetCountersFrom(t *testing.T) {
	m := NewReplanManager(config.DefaultReplanConfig())
	m.counters[config.PhaseGoalUnderstanding] = 2
	m.counters[config.PhaseTaskDecomposition] = 1
	m.counters[config.PhaseActionSequence] = 1
	m.counters[config.PhaseExecutionRetry] = 1

	m.ResetCountersFrom(config.PhaseTaskDecomposition)

	assert.Equal(t, 2, m.counters[config.PhaseGoalUnderstanding])
	assert.Equal(t, 0, m.counters[config.PhaseTaskDecomposition])
	assert.Equal(t, 0, m.counters[config.PhaseActionSequence])
	assert.Equal(t, 0, m.counters[config.PhaseExecutionRetry])
}
