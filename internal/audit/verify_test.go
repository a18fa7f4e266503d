package audit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildTestChain appends count entries spaced a minute apart starting at
// the given time and returns the chain's store for direct inspection.
func buildTestChain(t *testing.T, count int, start time.Time) *Chain {
	t.Helper()
	store := openTestStore(t)
	clock := start
	chain := NewChain(store).WithClock(func() time.Time { return clock })
	for i := 0; i < count; i++ {
		_, err := chain.Append(context.Background(), testContent("entry"))
		require.NoError(t, err)
		clock = clock.Add(time.Minute)
	}
	return chain
}

func TestVerifyValidChain(t *testing.T) {
	ctx := context.Background()
	chain := buildTestChain(t, 5, time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))
	verifier := NewVerifier(chain.store)

	report, err := verifier.VerifyAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Equal(t, 5, report.Entries)
	assert.Empty(t, report.Violations)
	assert.Equal(t, []int64{1}, report.Checkpoints, "genesis is a checkpoint")
}

func TestVerifyEmptyRange(t *testing.T) {
	store := openTestStore(t)
	report, err := NewVerifier(store).VerifyAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Zero(t, report.Entries)
}

func TestVerifyDetectsContentTampering(t *testing.T) {
	ctx := context.Background()
	chain := buildTestChain(t, 5, time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))
	store := chain.store

	// Mutate entry 3's content behind the chain's back.
	_, err := store.DB.ExecContext(ctx, `UPDATE audit_entries SET result_summary = 'forged' WHERE sequence_num = 3`)
	require.NoError(t, err)

	report, err := NewVerifier(store).VerifyAll(ctx)
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	require.Len(t, report.Violations, 1, "exactly the mutated entry is reported")
	assert.Equal(t, ViolationHashMismatch, report.Violations[0].Type)
	assert.Equal(t, int64(3), report.Violations[0].SequenceNum)
}

func TestVerifyDetectsBrokenLink(t *testing.T) {
	ctx := context.Background()
	chain := buildTestChain(t, 3, time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))
	store := chain.store

	// Rewriting both content and entry_hash consistently still breaks the
	// successor's prev_hash link.
	entry, err := store.GetAuditEntry(ctx, 2)
	require.NoError(t, err)
	entry.ResultSummary = "forged"
	forgedHash, err := ComputeEntryHash(entry)
	require.NoError(t, err)
	_, err = store.DB.ExecContext(ctx,
		`UPDATE audit_entries SET result_summary = 'forged', entry_hash = ? WHERE sequence_num = 2`, forgedHash)
	require.NoError(t, err)

	report, err := NewVerifier(store).VerifyAll(ctx)
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, ViolationHashMismatch, report.Violations[0].Type)
	assert.Equal(t, int64(3), report.Violations[0].SequenceNum)
}

func TestVerifyDetectsSequenceGap(t *testing.T) {
	ctx := context.Background()
	chain := buildTestChain(t, 4, time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))
	store := chain.store

	// Delete a mid-chain, non-checkpoint entry directly: tampering, not
	// retention, because no checkpoint bridges the hole.
	_, err := store.DB.ExecContext(ctx, `DELETE FROM audit_entries WHERE sequence_num = 3`)
	require.NoError(t, err)

	report, err := NewVerifier(store).VerifyAll(ctx)
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	require.Len(t, report.Violations, 1)
	assert.Equal(t, ViolationSequenceGap, report.Violations[0].Type)
	assert.Equal(t, int64(4), report.Violations[0].SequenceNum)
}

func TestVerifyResumesFromCheckpointAfterPrune(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clock := time.Date(2024, 3, 10, 23, 55, 0, 0, time.UTC)
	chain := NewChain(store).WithClock(func() time.Time { return clock })

	// Day one: genesis plus ordinary entries.
	for i := 0; i < 3; i++ {
		_, err := chain.Append(ctx, testContent("day one"))
		require.NoError(t, err)
		clock = clock.Add(time.Minute)
	}
	// Day two opens with a daily checkpoint.
	clock = clock.Add(12 * time.Hour)
	for i := 0; i < 2; i++ {
		_, err := chain.Append(ctx, testContent("day two"))
		require.NoError(t, err)
		clock = clock.Add(time.Minute)
	}

	// Retention prunes with a mid-afternoon cutoff. Pruning is aligned
	// to the day-two checkpoint: day one's ordinary entries go, while
	// the day-two entry already older than the cutoff stays put so the
	// retained chain resumes at a checkpoint.
	cutoff := time.Date(2024, 3, 11, 13, 0, 0, 0, time.UTC)
	pruned, err := store.PruneAuditEntriesBefore(ctx, cutoff)
	require.NoError(t, err)
	require.Equal(t, int64(2), pruned)
	_, err = store.GetAuditEntry(ctx, 5)
	require.NoError(t, err)

	report, err := NewVerifier(store).VerifyAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsValid, "gap bridged by a retained checkpoint is not a violation")
	assert.Contains(t, report.Checkpoints, int64(1))
	assert.Contains(t, report.Checkpoints, int64(4))
}

func TestVerifyAfterMidDayPrune(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	clock := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	chain := NewChain(store).WithClock(func() time.Time { return clock })

	// Five entries over one morning. A cutoff in the middle of them has
	// no checkpoint boundary beyond genesis, so pruning must remove
	// nothing rather than strand a non-checkpoint head.
	for i := 0; i < 5; i++ {
		_, err := chain.Append(ctx, testContent("morning"))
		require.NoError(t, err)
		clock = clock.Add(30 * time.Minute)
	}

	pruned, err := store.PruneAuditEntriesBefore(ctx, time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Zero(t, pruned)

	report, err := NewVerifier(store).VerifyAll(ctx)
	require.NoError(t, err)
	assert.True(t, report.IsValid)
	assert.Empty(t, report.Violations)
}

func TestVerifyReportsMissingAnchor(t *testing.T) {
	ctx := context.Background()
	chain := buildTestChain(t, 4, time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))
	store := chain.store

	// Remove the genesis checkpoint entirely; the remaining range cannot
	// anchor verification.
	_, err := store.DB.ExecContext(ctx, `DELETE FROM audit_entries WHERE sequence_num = 1`)
	require.NoError(t, err)

	report, err := NewVerifier(store).Verify(ctx, 1, 0)
	require.NoError(t, err)
	assert.False(t, report.IsValid)
	require.NotEmpty(t, report.Violations)
	assert.Equal(t, ViolationMissingCheckpoint, report.Violations[0].Type)
	assert.Equal(t, int64(2), report.Violations[0].SequenceNum)
}
