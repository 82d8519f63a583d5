package audit

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	arbotel "github.com/clearline-io/arbiter/internal/otel"
)

var tracer = arbotel.Tracer("github.com/clearline-io/arbiter/internal/audit")

// ErrChainBroken is returned by VerifyChain when any entry fails digest or
// signature verification.
var ErrChainBroken = errors.New("audit chain integrity violation")

// Trail persists hash-chained, HMAC-signed audit entries in SQLite.
// Appends go through a single-writer sequencer (mutex) so sequence numbers
// are assigned monotonically even under concurrent requests.
type Trail struct {
	db     *sql.DB
	signer *Signer

	mu         sync.Mutex
	lastSeq    int64
	lastDigest string
}

// NewTrail opens (or creates) the audit database and positions the sequencer
// at the tail of the existing chain.
func NewTrail(dbPath, signingKey string) (*Trail, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening audit database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		seq INTEGER PRIMARY KEY,
		id TEXT NOT NULL UNIQUE,
		timestamp TIMESTAMP NOT NULL,
		actor TEXT NOT NULL,
		event TEXT NOT NULL,
		subject TEXT NOT NULL,
		outcome TEXT NOT NULL,
		detail TEXT,
		prev_digest TEXT NOT NULL,
		digest TEXT NOT NULL,
		signature TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_audit_subject ON audit_entries(subject);
	CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_entries(event);
	CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_entries(timestamp);
	`
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating audit schema: %w", err)
	}

	signer, err := NewSigner(signingKey)
	if err != nil {
		return nil, fmt.Errorf("creating signer: %w", err)
	}

	t := &Trail{db: db, signer: signer}
	if err := t.loadTail(); err != nil {
		return nil, err
	}
	return t, nil
}

// Close releases the database connection.
func (t *Trail) Close() error {
	return t.db.Close()
}

func (t *Trail) loadTail() error {
	row := t.db.QueryRow(`SELECT seq, digest FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	err := row.Scan(&t.lastSeq, &t.lastDigest)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading audit tail: %w", err)
	}
	return nil
}

// digestPayload is the canonical byte representation an entry digest covers.
// Field order is fixed by the struct; Digest and Signature are excluded.
type digestPayload struct {
	Seq       int64           `json:"seq"`
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Actor     string          `json:"actor"`
	Event     EventType       `json:"event"`
	Subject   string          `json:"subject"`
	Outcome   Outcome         `json:"outcome"`
	Detail    json.RawMessage `json:"detail,omitempty"`
}

func computeDigest(prevDigest string, e *Entry) (string, error) {
	payload, err := json.Marshal(digestPayload{
		Seq:       e.Seq,
		ID:        e.ID,
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Event:     e.Event,
		Subject:   e.Subject,
		Outcome:   e.Outcome,
		Detail:    e.Detail,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling digest payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prevDigest))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Append assigns the next sequence number, chains and signs the entry, and
// persists it. The input entry is not mutated; the stored entry is returned.
func (t *Trail) Append(ctx context.Context, e Entry) (*Entry, error) {
	ctx, span := tracer.Start(ctx, "audit.append",
		trace.WithAttributes(
			attribute.String("audit.event", string(e.Event)),
			attribute.String("audit.subject", e.Subject),
		))
	defer span.End()

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	e.Seq = t.lastSeq + 1
	e.PrevDigest = t.lastDigest

	digest, err := computeDigest(e.PrevDigest, &e)
	if err != nil {
		return nil, err
	}
	e.Digest = digest
	e.Signature = t.signer.Sign([]byte(digest))

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO audit_entries (seq, id, timestamp, actor, event, subject, outcome, detail, prev_digest, digest, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.ID, e.Timestamp, e.Actor, string(e.Event), e.Subject,
		string(e.Outcome), nullableString(e.Detail), e.PrevDigest, e.Digest, e.Signature,
	)
	if err != nil {
		return nil, fmt.Errorf("appending audit entry: %w", err)
	}

	t.lastSeq = e.Seq
	t.lastDigest = e.Digest
	span.SetAttributes(attribute.Int64("audit.seq", e.Seq))
	return &e, nil
}

func nullableString(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// List returns entries for a subject in sequence order, or all entries when
// subject is empty. limit ≤ 0 means no limit.
func (t *Trail) List(ctx context.Context, subject string, limit int) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "audit.list",
		trace.WithAttributes(attribute.String("audit.subject", subject)))
	defer span.End()

	query := `SELECT seq, id, timestamp, actor, event, subject, outcome, detail, prev_digest, digest, signature
	          FROM audit_entries`
	args := []any{}
	if subject != "" {
		query += ` WHERE subject = ?`
		args = append(args, subject)
	}
	query += ` ORDER BY seq ASC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	span.SetAttributes(attribute.Int("audit.count", len(entries)))
	return entries, rows.Err()
}

func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var detail sql.NullString
	var event, outcome string
	if err := rows.Scan(&e.Seq, &e.ID, &e.Timestamp, &e.Actor, &event, &e.Subject,
		&outcome, &detail, &e.PrevDigest, &e.Digest, &e.Signature); err != nil {
		return nil, fmt.Errorf("scanning audit entry: %w", err)
	}
	e.Event = EventType(event)
	e.Outcome = Outcome(outcome)
	if detail.Valid {
		e.Detail = json.RawMessage(detail.String)
	}
	return &e, nil
}

// ChainReport is the result of a full chain verification pass.
type ChainReport struct {
	Entries  int64  `json:"entries"`
	Valid    bool   `json:"valid"`
	BrokenAt int64  `json:"broken_at,omitempty"` // seq of the first bad entry
	Reason   string `json:"reason,omitempty"`
}

// VerifyChain recomputes the digest chain and HMAC signatures over all
// stored entries. Any modified, reordered, or re-signed entry surfaces as a
// report with Valid=false and the first offending sequence number.
//
// After a retention purge the chain no longer starts at seq 1; the first
// remaining entry is verified against its own stored prev_digest and
// continuity is enforced from there.
func (t *Trail) VerifyChain(ctx context.Context) (*ChainReport, error) {
	ctx, span := tracer.Start(ctx, "audit.verify_chain")
	defer span.End()

	rows, err := t.db.QueryContext(ctx, `
		SELECT seq, id, timestamp, actor, event, subject, outcome, detail, prev_digest, digest, signature
		FROM audit_entries ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying audit entries: %w", err)
	}
	defer rows.Close()

	report := &ChainReport{Valid: true}
	var prevSeq int64 = -1
	prevDigest := ""

	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		report.Entries++

		if prevSeq >= 0 {
			if e.Seq != prevSeq+1 {
				return brokenReport(report, e.Seq, "sequence gap"), nil
			}
			if e.PrevDigest != prevDigest {
				return brokenReport(report, e.Seq, "previous digest mismatch"), nil
			}
		}

		expected, err := computeDigest(e.PrevDigest, e)
		if err != nil {
			return nil, err
		}
		if expected != e.Digest {
			return brokenReport(report, e.Seq, "digest mismatch"), nil
		}
		if !t.signer.Verify([]byte(e.Digest), e.Signature) {
			return brokenReport(report, e.Seq, "signature mismatch"), nil
		}

		prevSeq = e.Seq
		prevDigest = e.Digest
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	span.SetAttributes(
		attribute.Int64("audit.entries", report.Entries),
		attribute.Bool("audit.valid", report.Valid),
	)
	return report, nil
}

func brokenReport(r *ChainReport, seq int64, reason string) *ChainReport {
	r.Valid = false
	r.BrokenAt = seq
	r.Reason = reason
	return r
}

// Purge deletes entries older than before as an explicit retention-policy
// action. A purge that removes entries is itself audited: a retention-purged
// entry recording the actor and the number of removed entries is appended
// after deletion. A purge that removes nothing appends nothing.
func (t *Trail) Purge(ctx context.Context, before time.Time, actor string) (int64, error) {
	ctx, span := tracer.Start(ctx, "audit.purge",
		trace.WithAttributes(attribute.String("audit.before", before.Format(time.RFC3339))))
	defer span.End()

	res, err := t.db.ExecContext(ctx, `DELETE FROM audit_entries WHERE timestamp < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("purging audit entries: %w", err)
	}
	removed, _ := res.RowsAffected()
	if removed == 0 {
		return 0, nil
	}

	_, err = t.Append(ctx, Entry{
		Actor:   actor,
		Event:   EventRetentionPurged,
		Subject: "audit-trail",
		Outcome: OutcomeSuccess,
		Detail: Detail(map[string]any{
			"before":  before.Format(time.RFC3339),
			"removed": removed,
		}),
	})
	if err != nil {
		return removed, err
	}
	return removed, nil
}
