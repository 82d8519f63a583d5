package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "test-signing-key-1234567890123456"

func newTestTrail(t *testing.T) *Trail {
	t.Helper()
	dir := t.TempDir()
	trail, err := NewTrail(filepath.Join(dir, "audit.db"), testSigningKey)
	require.NoError(t, err)
	t.Cleanup(func() { trail.Close() })
	return trail
}

func appendN(t *testing.T, trail *Trail, n int) []Entry {
	t.Helper()
	ctx := context.Background()
	var out []Entry
	for i := 0; i < n; i++ {
		e, err := trail.Append(ctx, Entry{
			Actor:   "orchestrator",
			Event:   EventQuerySubmitted,
			Subject: fmt.Sprintf("req_%03d", i),
			Outcome: OutcomeSuccess,
			Detail:  Detail(map[string]any{"i": i}),
		})
		require.NoError(t, err)
		out = append(out, *e)
	}
	return out
}

func TestAppendAssignsMonotonicSequence(t *testing.T) {
	trail := newTestTrail(t)
	entries := appendN(t, trail, 5)

	for i, e := range entries {
		assert.Equal(t, int64(i+1), e.Seq)
		assert.NotEmpty(t, e.Digest)
		assert.True(t, strings.HasPrefix(e.Signature, "hmac-sha256:"))
		if i > 0 {
			assert.Equal(t, entries[i-1].Digest, e.PrevDigest)
		} else {
			assert.Empty(t, e.PrevDigest)
		}
	}
}

func TestSequencerResumesAfterReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.db")
	ctx := context.Background()

	trail, err := NewTrail(path, testSigningKey)
	require.NoError(t, err)
	first, err := trail.Append(ctx, Entry{Actor: "a", Event: EventQuerySubmitted, Subject: "req_1", Outcome: OutcomeSuccess})
	require.NoError(t, err)
	require.NoError(t, trail.Close())

	reopened, err := NewTrail(path, testSigningKey)
	require.NoError(t, err)
	defer reopened.Close()

	second, err := reopened.Append(ctx, Entry{Actor: "a", Event: EventDocumentsRetrieved, Subject: "req_1", Outcome: OutcomeSuccess})
	require.NoError(t, err)
	assert.Equal(t, first.Seq+1, second.Seq)
	assert.Equal(t, first.Digest, second.PrevDigest)
}

func TestVerifyChainDetectsModifiedEntry(t *testing.T) {
	trail := newTestTrail(t)
	appendN(t, trail, 4)
	ctx := context.Background()

	report, err := trail.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(4), report.Entries)

	// Tamper with the actor of entry 2 directly in SQLite.
	_, err = trail.db.ExecContext(ctx, `UPDATE audit_entries SET actor = 'intruder' WHERE seq = 2`)
	require.NoError(t, err)

	report, err = trail.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(2), report.BrokenAt)
	assert.Equal(t, "digest mismatch", report.Reason)
}

func TestVerifyChainDetectsReorderedEntries(t *testing.T) {
	trail := newTestTrail(t)
	entries := appendN(t, trail, 3)
	ctx := context.Background()

	// Swap the digests of entries 1 and 2 to simulate reordering.
	_, err := trail.db.ExecContext(ctx, `UPDATE audit_entries SET digest = ? WHERE seq = 1`, entries[1].Digest)
	require.NoError(t, err)
	_, err = trail.db.ExecContext(ctx, `UPDATE audit_entries SET digest = ? WHERE seq = 2`, entries[0].Digest)
	require.NoError(t, err)

	report, err := trail.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, int64(1), report.BrokenAt)
}

func TestVerifyChainDetectsResignedEntry(t *testing.T) {
	trail := newTestTrail(t)
	appendN(t, trail, 2)
	ctx := context.Background()

	// An attacker without the key cannot produce a valid HMAC even if they
	// recompute the digest chain.
	otherSigner, err := NewSigner("attacker-key-abcdefghijklmnopqrst")
	require.NoError(t, err)

	var digest string
	require.NoError(t, trail.db.QueryRowContext(ctx, `SELECT digest FROM audit_entries WHERE seq = 2`).Scan(&digest))
	_, err = trail.db.ExecContext(ctx, `UPDATE audit_entries SET signature = ? WHERE seq = 2`, otherSigner.Sign([]byte(digest)))
	require.NoError(t, err)

	report, err := trail.VerifyChain(ctx)
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, "signature mismatch", report.Reason)
}

func TestConcurrentAppendsKeepChainValid(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_, err := trail.Append(ctx, Entry{
					Actor:   "worker",
					Event:   EventActionExecuted,
					Subject: fmt.Sprintf("req_%d", n),
					Outcome: OutcomeSuccess,
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	report, err := trail.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Equal(t, int64(80), report.Entries)
}

func TestListBySubject(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	for _, subject := range []string{"req_a", "req_b", "req_a"} {
		_, err := trail.Append(ctx, Entry{Actor: "o", Event: EventQuerySubmitted, Subject: subject, Outcome: OutcomeSuccess})
		require.NoError(t, err)
	}

	entries, err := trail.List(ctx, "req_a", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Less(t, entries[0].Seq, entries[1].Seq)
}

func TestPurgeIsAudited(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	for i := 0; i < 3; i++ {
		_, err := trail.Append(ctx, Entry{
			Actor: "o", Event: EventQuerySubmitted, Subject: "req_old",
			Outcome: OutcomeSuccess, Timestamp: old,
		})
		require.NoError(t, err)
	}
	appendN(t, trail, 2)

	removed, err := trail.Purge(ctx, time.Now().UTC().Add(-24*time.Hour), "admin@acme")
	require.NoError(t, err)
	assert.Equal(t, int64(3), removed)

	entries, err := trail.List(ctx, "audit-trail", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, EventRetentionPurged, entries[0].Event)
	assert.Equal(t, "admin@acme", entries[0].Actor)

	// The remaining chain must still verify even though it no longer
	// starts at seq 1.
	report, err := trail.VerifyChain(ctx)
	require.NoError(t, err)
	assert.True(t, report.Valid)
}

func TestPurgeRemovingNothingAppendsNothing(t *testing.T) {
	trail := newTestTrail(t)
	ctx := context.Background()
	appendN(t, trail, 2)

	// Nothing is older than the cutoff; repeated sweeps must not grow
	// the trail with empty purge entries.
	for i := 0; i < 3; i++ {
		removed, err := trail.Purge(ctx, time.Now().UTC().Add(-24*time.Hour), "admin@acme")
		require.NoError(t, err)
		assert.Equal(t, int64(0), removed)
	}

	entries, err := trail.List(ctx, "audit-trail", 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExportJSONL(t *testing.T) {
	trail := newTestTrail(t)
	appendN(t, trail, 3)

	var buf bytes.Buffer
	require.NoError(t, trail.Export(context.Background(), &buf))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	for _, line := range lines {
		var e Entry
		require.NoError(t, json.Unmarshal([]byte(line), &e))
		assert.NotEmpty(t, e.Digest)
	}
}

func TestExportRefusesBrokenChain(t *testing.T) {
	trail := newTestTrail(t)
	appendN(t, trail, 2)
	ctx := context.Background()

	_, err := trail.db.ExecContext(ctx, `UPDATE audit_entries SET subject = 'forged' WHERE seq = 1`)
	require.NoError(t, err)

	err = trail.Export(ctx, &bytes.Buffer{})
	require.ErrorIs(t, err, ErrChainBroken)
}
