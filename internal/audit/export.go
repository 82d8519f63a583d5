package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// IndexRecord is a compact projection of an Entry for listings and exports
// that do not need the full detail payload or chain fields.
type IndexRecord struct {
	Seq       int64     `json:"seq"`
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Actor     string    `json:"actor"`
	Event     EventType `json:"event"`
	Subject   string    `json:"subject"`
	Outcome   Outcome   `json:"outcome"`
}

// ToIndexRecord projects a full Entry into an IndexRecord.
func ToIndexRecord(e *Entry) IndexRecord {
	return IndexRecord{
		Seq:       e.Seq,
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Event:     e.Event,
		Subject:   e.Subject,
		Outcome:   e.Outcome,
	}
}

// ListIndex returns compact entry summaries for a subject (all subjects when
// empty), newest last.
func (t *Trail) ListIndex(ctx context.Context, subject string, limit int) ([]IndexRecord, error) {
	entries, err := t.List(ctx, subject, limit)
	if err != nil {
		return nil, err
	}
	records := make([]IndexRecord, 0, len(entries))
	for i := range entries {
		records = append(records, ToIndexRecord(&entries[i]))
	}
	return records, nil
}

// Export writes every entry as one JSON object per line, in sequence order,
// including chain fields so an exported trail remains independently
// verifiable. The chain is verified first; a broken chain aborts the export.
func (t *Trail) Export(ctx context.Context, w io.Writer) error {
	report, err := t.VerifyChain(ctx)
	if err != nil {
		return err
	}
	if !report.Valid {
		return fmt.Errorf("%w: %s at seq %d", ErrChainBroken, report.Reason, report.BrokenAt)
	}

	entries, err := t.List(ctx, "", 0)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	for i := range entries {
		if err := enc.Encode(&entries[i]); err != nil {
			return fmt.Errorf("encoding audit entry %d: %w", entries[i].Seq, err)
		}
	}
	return nil
}
