package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportPlaintextRoundTrip(t *testing.T) {
	ctx := context.Background()
	chain := buildTestChain(t, 3, time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))
	entries, err := chain.store.ListAuditEntries(ctx, 1, 0)
	require.NoError(t, err)

	dir := t.TempDir()
	exporter := Exporter{Dir: dir}
	path, err := exporter.Export(entries, time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, "seq1-3.jsonl"))

	loaded, err := ReadExport(path)
	require.NoError(t, err)
	require.Len(t, loaded, 3)
	assert.Equal(t, entries[0].EntryHash, loaded[0].EntryHash)
	assert.Equal(t, entries[2].SequenceNum, loaded[2].SequenceNum)

	// No partial export file left behind.
	matches, err := filepath.Glob(filepath.Join(dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestExportEncryptedRoundTrip(t *testing.T) {
	ctx := context.Background()
	chain := buildTestChain(t, 2, time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC))
	entries, err := chain.store.ListAuditEntries(ctx, 1, 0)
	require.NoError(t, err)

	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	exporter := Exporter{Dir: t.TempDir(), Recipients: []age.Recipient{identity.Recipient()}}
	path, err := exporter.Export(entries, time.Date(2024, 3, 12, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, ".jsonl.age"))

	// Ciphertext on disk, not JSONL.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "entry_hash")

	t.Run("decrypts with identity", func(t *testing.T) {
		loaded, err := ReadExport(path, identity)
		require.NoError(t, err)
		require.Len(t, loaded, 2)
		assert.Equal(t, entries[1].EntryHash, loaded[1].EntryHash)
	})

	t.Run("requires identity", func(t *testing.T) {
		_, err := ReadExport(path)
		assert.Error(t, err)
	})
}

func TestParseRecipients(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	t.Run("valid", func(t *testing.T) {
		recipients, err := ParseRecipients([]string{identity.Recipient().String(), " "})
		require.NoError(t, err)
		assert.Len(t, recipients, 1)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := ParseRecipients([]string{"not-a-key"})
		assert.Error(t, err)
	})
}

func TestExportValidation(t *testing.T) {
	t.Run("empty dir", func(t *testing.T) {
		_, err := Exporter{}.Export(nil, time.Now())
		assert.Error(t, err)
	})

	t.Run("no entries", func(t *testing.T) {
		_, err := Exporter{Dir: t.TempDir()}.Export(nil, time.Now())
		assert.EqualError(t, err, "no entries to export")
	})
}
