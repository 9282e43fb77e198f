package capability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchid/orchid/internal/agents/messages"
)

func TestRuleClassifier(t *testing.T) {
	c := NewRuleClassifier()

	tests := []struct {
		input string
		want  OperationType
	}{
		{"resume the report task", OpResumeTask},
		{"please cancel everything", OpCancelTask},
		{"repeat this sync every hour", OpLoopTask},
		{"execute the cleanup", OpExecuteTask},
		{"summarize yesterday's sales", OpNewTask},
	}
	for _, tt := range tests {
		got, err := c.Classify(tt.input, nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got.Operation, "input: %s", tt.input)
	}
}

func TestRuleClassifierCarriesTargetTaskID(t *testing.T) {
	c := NewRuleClassifier()
	got, err := c.Classify("resume it", map[string]interface{}{"target_task_id": "task-9"})
	require.NoError(t, err)
	assert.Equal(t, "task-9", got.TargetTaskID)
}

func TestContentPlannerSingleConnector(t *testing.T) {
	p := NewContentPlanner()

	plan, err := p.Plan("agent-1", "fetch the page", map[string]interface{}{
		"connector": "http",
		"url":       "http://example.test/p",
	}, "")
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, messages.SubTaskMCP, plan[0].Type)
	assert.Equal(t, "http", plan[0].Executor)
	assert.Equal(t, "http://example.test/p", plan[0].Params["url"])
	assert.NotContains(t, plan[0].Params, "connector")
}

func TestContentPlannerDeclaredSteps(t *testing.T) {
	p := NewContentPlanner()

	content := map[string]interface{}{
		"steps": []interface{}{
			map[string]interface{}{"executor": "http", "description": "fetch", "params": map[string]interface{}{"url": "http://a"}},
			map[string]interface{}{"executor": "reporter", "type": "AGENT", "description": "summarize", "is_parallel": true},
		},
	}
	plan, err := p.Plan("agent-1", "do the thing", content, "")
	require.NoError(t, err)
	require.Len(t, plan, 2)

	assert.Equal(t, 0, plan[0].Step)
	assert.Equal(t, messages.SubTaskMCP, plan[0].Type)
	assert.Equal(t, 1, plan[1].Step)
	assert.Equal(t, messages.SubTaskAgent, plan[1].Type)
	assert.True(t, plan[1].IsParallel)
}

func TestContentPlannerRejectsEmptyContent(t *testing.T) {
	p := NewContentPlanner()
	_, err := p.Plan("agent-1", "do something", map[string]interface{}{}, "")
	assert.Error(t, err)

	_, err = p.Plan("agent-1", "x", map[string]interface{}{
		"steps": []interface{}{map[string]interface{}{"description": "no executor"}},
	}, "")
	assert.Error(t, err)
}

func TestSequentialOracle(t *testing.T) {
	o := NewSequentialOracle()
	parallel, reasoning := o.ShouldParallelize("anything", "any context")
	assert.False(t, parallel)
	assert.NotEmpty(t, reasoning)
}
