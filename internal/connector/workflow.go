package connector

import (
	"context"
	"fmt"
)

// WorkflowConnector models a parameterized external workflow (the kind that
// declares its inputs up front). It checks the declared required inputs
// against what was supplied and reports NEED_INPUT for the gap, which makes
// it the pause/resume path's primary capability.
//
// The actual workflow invocation is delegated to an Invoker so transports
// stay outside the core.
type WorkflowConnector struct {
	invoker Invoker
}

// Invoker performs the real workflow call once inputs are complete.
type Invoker interface {
	Invoke(ctx context.Context, apiKey string, inputs map[string]interface{}) (map[string]interface{}, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, apiKey string, inputs map[string]interface{}) (map[string]interface{}, error)

// Invoke calls f.
func (f InvokerFunc) Invoke(ctx context.Context, apiKey string, inputs map[string]interface{}) (map[string]interface{}, error) {
	return f(ctx, apiKey, inputs)
}

var _ Connector = (*WorkflowConnector)(nil)

// NewWorkflowConnector creates the workflow capability connector.
func NewWorkflowConnector(invoker Invoker) *WorkflowConnector {
	return &WorkflowConnector{invoker: invoker}
}

// Name returns the capability name.
func (c *WorkflowConnector) Name() string { return "workflow" }

// RequiredKeys lists the running_config keys the connector needs.
func (c *WorkflowConnector) RequiredKeys() []string { return []string{"api_key", "inputs"} }

// Execute validates declared inputs and either reports the missing set or
// invokes the workflow.
func (c *WorkflowConnector) Execute(ctx context.Context, inputs map[string]interface{}, config map[string]interface{}) (*Response, error) {
	apiKey, _ := config["api_key"].(string)
	if apiKey == "" {
		return &Response{Status: StatusError, Error: "missing 'api_key' in running config"}, nil
	}

	// required_inputs declares the parameter schema: name -> description.
	required := map[string]string{}
	if decl, ok := config["required_inputs"].(map[string]interface{}); ok {
		for name, desc := range decl {
			s, _ := desc.(string)
			required[name] = s
		}
	}

	missing := map[string]string{}
	completed := map[string]interface{}{}
	for name, desc := range required {
		if v, ok := inputs[name]; ok && v != nil && v != "" {
			completed[name] = v
		} else {
			missing[name] = desc
		}
	}

	if len(missing) > 0 {
		return &Response{
			Status:    StatusNeedInput,
			Missing:   missing,
			Completed: completed,
		}, nil
	}

	if c.invoker == nil {
		return &Response{Status: StatusError, Error: "workflow invoker not configured"}, nil
	}

	result, err := c.invoker.Invoke(ctx, apiKey, inputs)
	if err != nil {
		return &Response{Status: StatusFailure, Error: fmt.Sprintf("workflow invocation failed: %v", err)}, nil
	}
	return &Response{Status: StatusSuccess, Result: result}, nil
}
