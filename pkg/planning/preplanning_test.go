package planning

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskagent/runtime/pkg/config"
	"github.com/taskagent/runtime/pkg/llm"
)

type stubLLM struct {
	responses []string
	calls     int
	err       error
}

func (s *stubLLM) Complete(ctx context.Context, req llm.ChatRequest) (*llm.ChatResponse, error) {
	if s.err != nil {
		return nil, s.err
	}
	idx := s.calls
	if idx >= len(s.responses) {
		idx = len(s.responses) - 1
	}
	s.calls++
	return &llm.ChatResponse{Content: s.responses[idx]}, nil
}

func TestIsNonAssumable(t *testing.T) {
	assert.True(t, isNonAssumable("db_connection_string"))
	assert.True(t, isNonAssumable("API_KEY_VALUE"))
	assert.True(t, isNonAssumable("database_host"))
	assert.False(t, isNonAssumable("preferred_branch_name"))
}

func TestPrePlanner_Run_UnderstandingFallbackOnLLMError(t *testing.T) {
	p := NewPrePlanner(config.DefaultPrePlanningConfig(), &stubLLM{err: assert.AnError}, nil)
	result, err := p.Run(context.Background(), "fix the bug")
	assert.NoError(t, err)
	assert.Equal(t, 0.3, result.Understanding.UnderstandingConfidence)
}

func TestPrePlanner_Run_SkipsCollectionWhenRequested(t *testing.T) {
	llmClient := &stubLLM{responses: []string{
		`{"task_type":"bugfix","primary_goal":"fix it","understanding_confidence":0.9}`,
		`{"items":[],"collection_order":[],"skip_collection":true}`,
	}}
	p := NewPrePlanner(config.DefaultPrePlanningConfig(), llmClient, nil)
	result, err := p.Run(context.Background(), "fix the bug")
	assert.NoError(t, err)
	assert.Equal(t, "fix it", result.Understanding.PrimaryGoal)
	assert.Empty(t, result.Items)
}

func TestPrePlanner_Run_NonAssumableFailureBecomesGap(t *testing.T) {
	llmClient := &stubLLM{responses: []string{
		`{"task_type":"bugfix","primary_goal":"fix it","understanding_confidence":0.9}`,
		`{"items":[{"id":"db_password","category":"credential","description":"db password","collection_method":{"tool":""},"can_assume":true}],"collection_order":["db_password"],"skip_collection":false}`,
	}}
	p := NewPrePlanner(config.DefaultPrePlanningConfig(), llmClient, nil)
	result, err := p.Run(context.Background(), "fix the bug")
	assert.NoError(t, err)
	assert.Len(t, result.Items, 1)
	assert.Equal(t, "gap", result.Items[0].Source)
}
