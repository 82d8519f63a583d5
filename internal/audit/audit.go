// Package audit provides the append-only, tamper-evident audit trail.
//
// Every phase transition, gate decision, approval outcome, and verification
// result produces an Entry. Entries are sequenced by a single-writer
// sequencer, chained by SHA-256 digest (each entry's digest incorporates the
// previous entry's digest, so tampering with any entry invalidates the chain
// from that point forward), HMAC-SHA256 signed, and persisted in SQLite.
// Nothing reads from the trail synchronously; it exists for recovery
// inspection and compliance export.
package audit

import (
	"encoding/json"
	"time"
)

// EventType identifies what an audit entry records.
type EventType string

const (
	EventQuerySubmitted        EventType = "query-submitted"
	EventDocumentsRetrieved    EventType = "documents-retrieved"
	EventReasoningCompleted    EventType = "reasoning-completed"
	EventActionRequested       EventType = "action-requested"
	EventActionApproved        EventType = "action-approved"
	EventActionDenied          EventType = "action-denied"
	EventActionExecuted        EventType = "action-executed"
	EventVerificationCompleted EventType = "verification-completed"
	// EventRetentionPurged records an explicit retention-policy purge. The
	// purge itself must leave a trace even though the purged entries do not.
	EventRetentionPurged EventType = "retention-purged"
)

// Outcome classifies how the recorded event concluded.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomePartial Outcome = "partial"
)

// Entry is a single audit record. Seq, PrevDigest, Digest, and Signature are
// assigned by the trail on append; callers fill in the rest.
type Entry struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Event     EventType       `json:"event"`
	Subject   string          `json:"subject"`
	Outcome   Outcome         `json:"outcome"`
	Detail    json.RawMessage `json:"detail,omitempty"`

	PrevDigest string `json:"prev_digest"`
	Digest     string `json:"digest"`
	Signature  string `json:"signature"`
}

// Detail marshals v into a raw detail payload, panicking only on values that
// cannot be represented as JSON (a programming error, not runtime input).
func Detail(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		panic("audit: unmarshalable detail payload: " + err.Error())
	}
	return raw
}
