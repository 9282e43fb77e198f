package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPConnector invokes an HTTP endpoint described by the running config:
// url (required), method (default POST), headers, and the call inputs as
// the JSON body. Responses with a 2xx status succeed; 5xx failures are
// retryable, 4xx are not.
type HTTPConnector struct {
	client *http.Client
}

var _ Connector = (*HTTPConnector)(nil)

// NewHTTPConnector creates the http capability connector.
func NewHTTPConnector(timeout time.Duration) *HTTPConnector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPConnector{client: &http.Client{Timeout: timeout}}
}

// Name returns the capability name.
func (c *HTTPConnector) Name() string { return "http" }

// RequiredKeys lists the running_config keys the connector needs.
func (c *HTTPConnector) RequiredKeys() []string { return []string{"url"} }

// Execute performs the HTTP call.
func (c *HTTPConnector) Execute(ctx context.Context, inputs map[string]interface{}, config map[string]interface{}) (*Response, error) {
	url, _ := config["url"].(string)
	if url == "" {
		return &Response{Status: StatusError, Error: "missing 'url' in running config"}, nil
	}

	method, _ := config["method"].(string)
	if method == "" {
		method = http.MethodPost
	}
	method = strings.ToUpper(method)

	var body io.Reader
	if method != http.MethodGet && inputs != nil {
		data, err := json.Marshal(inputs)
		if err != nil {
			return &Response{Status: StatusError, Error: fmt.Sprintf("failed to encode inputs: %v", err)}, nil
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return &Response{Status: StatusError, Error: err.Error()}, nil
	}
	req.Header.Set("Content-Type", "application/json")
	if headers, ok := config["headers"].(map[string]interface{}); ok {
		for k, v := range headers {
			if s, ok := v.(string); ok {
				req.Header.Set(k, s)
			}
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Network errors are transient.
		return &Response{Status: StatusFailure, Error: err.Error()}, nil
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &Response{Status: StatusFailure, Error: err.Error()}, nil
	}

	result := map[string]interface{}{"status_code": resp.StatusCode}
	var decoded map[string]interface{}
	if json.Unmarshal(payload, &decoded) == nil {
		result["body"] = decoded
	} else {
		result["body"] = string(payload)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Response{Status: StatusSuccess, Result: result}, nil
	case resp.StatusCode >= 500:
		return &Response{Status: StatusFailure, Result: result,
			Error: fmt.Sprintf("endpoint returned %d", resp.StatusCode)}, nil
	default:
		return &Response{Status: StatusError, Result: result,
			Error: fmt.Sprintf("endpoint returned %d", resp.StatusCode)}, nil
	}
}
