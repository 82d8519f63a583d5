package action

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// WebhookExecutor dispatches actions to an execution collaborator over
// HTTP: POST {url}/execute and POST {url}/rollback. The idempotency key in
// params lets the collaborator de-duplicate redelivered dispatches.
type WebhookExecutor struct {
	url    string
	client *http.Client
}

// NewWebhookExecutor creates an executor for the given collaborator base URL.
func NewWebhookExecutor(url string) *WebhookExecutor {
	return &WebhookExecutor{
		url:    url,
		client: &http.Client{Timeout: TimeoutExecute},
	}
}

type executeRequest struct {
	ActionID string         `json:"action_id"`
	Params   map[string]any `json:"params"`
	Identity string         `json:"identity"`
}

type rollbackRequest struct {
	ExecutionID string `json:"execution_id"`
}

// Execute posts the action to the collaborator's execute endpoint.
func (e *WebhookExecutor) Execute(ctx context.Context, actionID string, params map[string]any, identity string) (*Outcome, error) {
	return e.post(ctx, e.url+"/execute", executeRequest{ActionID: actionID, Params: params, Identity: identity})
}

// Rollback posts the compensation request for a prior execution.
func (e *WebhookExecutor) Rollback(ctx context.Context, executionID string) (*Outcome, error) {
	return e.post(ctx, e.url+"/rollback", rollbackRequest{ExecutionID: executionID})
}

func (e *WebhookExecutor) post(ctx context.Context, url string, payload any) (*Outcome, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling execution request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, TimeoutExecute)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building execution request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling action collaborator: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("action collaborator returned %d", resp.StatusCode)
	}

	var out Outcome
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding execution outcome: %w", err)
	}
	if out.Status == "" || out.ExecutionID == "" {
		return nil, fmt.Errorf("action collaborator returned incomplete outcome")
	}
	return &out, nil
}
