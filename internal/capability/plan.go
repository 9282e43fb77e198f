package capability

import (
	"fmt"

	"github.com/orchid/orchid/internal/agents/messages"
)

// Planner decomposes a task into an ordered list of sub-task specs.
type Planner interface {
	Plan(agentID, userInput string, taskContent map[string]interface{}, memoryContext string) ([]messages.SubTaskSpec, error)
}

// StrategyOracle decides whether a planned sub-task may run in parallel
// with its siblings. The default keeps everything sequential.
type StrategyOracle interface {
	ShouldParallelize(description string, context string) (bool, string)
}

// ContentPlanner builds the plan from the task definition's content blob.
// Content may declare explicit steps:
//
//	{"steps": [{"type": "MCP", "executor": "http", "description": ..., "params": {...}}, ...]}
//
// Without declared steps the whole task becomes a single leaf step whose
// executor is content["connector"].
type ContentPlanner struct{}

var _ Planner = (*ContentPlanner)(nil)

// NewContentPlanner creates the default planner.
func NewContentPlanner() *ContentPlanner { return &ContentPlanner{} }

// Plan produces the ordered sub-task list.
func (p *ContentPlanner) Plan(agentID, userInput string, taskContent map[string]interface{}, memoryContext string) ([]messages.SubTaskSpec, error) {
	if steps, ok := taskContent["steps"].([]interface{}); ok && len(steps) > 0 {
		return p.planDeclaredSteps(steps)
	}

	executor, _ := taskContent["connector"].(string)
	if executor == "" {
		return nil, fmt.Errorf("task content declares neither steps nor a connector")
	}

	params := map[string]interface{}{}
	for k, v := range taskContent {
		if k == "connector" || k == "steps" {
			continue
		}
		params[k] = v
	}

	return []messages.SubTaskSpec{{
		Step:        0,
		Type:        messages.SubTaskMCP,
		Executor:    executor,
		Description: userInput,
		Params:      params,
	}}, nil
}

func (p *ContentPlanner) planDeclaredSteps(steps []interface{}) ([]messages.SubTaskSpec, error) {
	specs := make([]messages.SubTaskSpec, 0, len(steps))
	for i, raw := range steps {
		step, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("step %d is not an object", i)
		}

		spec := messages.SubTaskSpec{
			Step: i,
			Type: messages.SubTaskMCP,
		}
		if t, ok := step["type"].(string); ok && t == string(messages.SubTaskAgent) {
			spec.Type = messages.SubTaskAgent
		}
		spec.Executor, _ = step["executor"].(string)
		if spec.Executor == "" {
			return nil, fmt.Errorf("step %d is missing an executor", i)
		}
		spec.Description, _ = step["description"].(string)
		if params, ok := step["params"].(map[string]interface{}); ok {
			spec.Params = params
		}
		if parallel, ok := step["is_parallel"].(bool); ok {
			spec.IsParallel = parallel
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// SequentialOracle never parallelizes.
type SequentialOracle struct{}

var _ StrategyOracle = (*SequentialOracle)(nil)

// NewSequentialOracle creates the default strategy oracle.
func NewSequentialOracle() *SequentialOracle { return &SequentialOracle{} }

// ShouldParallelize always reports sequential execution.
func (o *SequentialOracle) ShouldParallelize(description, context string) (bool, string) {
	return false, "default strategy: sequential execution"
}
