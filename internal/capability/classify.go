// Package capability hosts the pluggable decision points of the agent
// pipeline: operation classification, task planning, and the parallelism
// strategy oracle. Implementations are registered at startup; the agents
// only depend on the interfaces.
package capability

import "strings"

// OperationType classifies what the caller wants done.
type OperationType string

const (
	OpNewTask     OperationType = "NEW_TASK"
	OpExecuteTask OperationType = "EXECUTE_TASK"
	OpResumeTask  OperationType = "RESUME_TASK"
	OpCancelTask  OperationType = "CANCEL_TASK"
	OpLoopTask    OperationType = "LOOP_TASK"
)

// Classification is the result of classifying a user input.
type Classification struct {
	Operation    OperationType
	TargetTaskID string
	Parameters   map[string]interface{}
	Confidence   float64
}

// Classifier maps user input to an operation. Implementations may be
// rule-based or model-backed. Errors fall back to NEW_TASK at the call site.
type Classifier interface {
	Classify(userInput string, context map[string]interface{}) (*Classification, error)
}

// RuleClassifier is a keyword-driven classifier. It is deliberately simple:
// the interesting classifiers live outside the core and plug in through the
// Classifier interface.
type RuleClassifier struct{}

var _ Classifier = (*RuleClassifier)(nil)

// NewRuleClassifier creates the default classifier.
func NewRuleClassifier() *RuleClassifier { return &RuleClassifier{} }

// Classify applies keyword rules to the input.
func (c *RuleClassifier) Classify(userInput string, context map[string]interface{}) (*Classification, error) {
	lowered := strings.ToLower(userInput)

	targetTaskID, _ := context["target_task_id"].(string)

	switch {
	case containsAny(lowered, "resume", "continue", "continue with"):
		return &Classification{Operation: OpResumeTask, TargetTaskID: targetTaskID, Confidence: 0.7}, nil
	case containsAny(lowered, "cancel", "abort", "stop the task"):
		return &Classification{Operation: OpCancelTask, TargetTaskID: targetTaskID, Confidence: 0.7}, nil
	case containsAny(lowered, "every ", "repeat", "loop"):
		return &Classification{Operation: OpLoopTask, Confidence: 0.6}, nil
	case containsAny(lowered, "run now", "execute", "trigger"):
		return &Classification{Operation: OpExecuteTask, Confidence: 0.6}, nil
	default:
		return &Classification{Operation: OpNewTask, Confidence: 0.5}, nil
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
