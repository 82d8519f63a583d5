// Package notify delivers approval and remediation notifications. Delivery
// is fire-and-forget: failures are logged by callers and never fatal to the
// workflow.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// TimeoutNotify bounds one webhook delivery attempt.
const TimeoutNotify = 10 * time.Second

// Kind distinguishes why a notification fired.
type Kind string

const (
	KindApprovalRequested   Kind = "approval_requested"
	KindApprovalEscalated   Kind = "approval_escalated"
	KindRemediationRequired Kind = "remediation_required"
)

// CaseSummary is the payload approvers receive.
type CaseSummary struct {
	Kind            Kind      `json:"kind"`
	CaseID          string    `json:"case_id,omitempty"`
	RequestID       string    `json:"request_id"`
	ActionID        string    `json:"action_id,omitempty"`
	Risk            string    `json:"risk,omitempty"`
	RiskSummary     string    `json:"risk_summary,omitempty"`
	ExpectedOutcome string    `json:"expected_outcome,omitempty"`
	ExpiresAt       time.Time `json:"expires_at,omitempty"`
}

// Notifier is the notification collaborator contract.
type Notifier interface {
	Notify(ctx context.Context, approvers []string, summary CaseSummary) error
}

// WebhookNotifier posts case summaries to a single configured webhook.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates a webhook notifier. An empty URL yields a
// notifier that drops everything (useful when no webhook is configured).
func NewWebhookNotifier(url string) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: &http.Client{Timeout: TimeoutNotify},
	}
}

type webhookPayload struct {
	Approvers []string    `json:"approvers"`
	Summary   CaseSummary `json:"summary"`
}

// Notify posts the summary to the configured webhook.
func (n *WebhookNotifier) Notify(ctx context.Context, approvers []string, summary CaseSummary) error {
	if n.url == "" {
		log.Debug().
			Str("case_id", summary.CaseID).
			Str("kind", string(summary.Kind)).
			Msg("notification_dropped_no_webhook")
		return nil
	}

	body, err := json.Marshal(webhookPayload{Approvers: approvers, Summary: summary})
	if err != nil {
		return fmt.Errorf("marshaling notification: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, TimeoutNotify)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("delivering notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification webhook returned %d", resp.StatusCode)
	}
	return nil
}
