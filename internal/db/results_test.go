package db

import (
	"context"
	"database/sql"
	"testing"
	"time"

	testutil "github.com/labpilot/labpilot/internal/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertResult(t *testing.T) {
	ctx := context.Background()

	t.Run("first insert wins", func(t *testing.T) {
		store := openTestStore(t)
		envelope := testutil.NewTestEnvelope(testutil.EnvelopeOpts{ResultJSON: `{"ok":true}`})

		inserted, err := store.InsertResult(ctx, envelope)
		require.NoError(t, err)
		assert.True(t, inserted)

		got, err := store.GetResultByKey(ctx, envelope.IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, envelope.TaskID, got.TaskID)
		assert.Equal(t, `{"ok":true}`, got.ResultJSON)
		assert.Empty(t, got.Error)
	})

	t.Run("duplicate key is a no-op", func(t *testing.T) {
		store := openTestStore(t)
		envelope := testutil.NewTestEnvelope(testutil.EnvelopeOpts{ResultJSON: `{"attempt":1}`})

		inserted, err := store.InsertResult(ctx, envelope)
		require.NoError(t, err)
		require.True(t, inserted)

		dup := envelope
		dup.ResultJSON = `{"attempt":2}`
		inserted, err = store.InsertResult(ctx, dup)
		require.NoError(t, err)
		assert.False(t, inserted)

		got, err := store.GetResultByKey(ctx, envelope.IdempotencyKey)
		require.NoError(t, err)
		assert.Equal(t, `{"attempt":1}`, got.ResultJSON, "first receipt is kept")
	})

	t.Run("invalid envelope", func(t *testing.T) {
		store := openTestStore(t)
		envelope := testutil.NewTestEnvelope(testutil.EnvelopeOpts{})
		envelope.IdempotencyKey = ""
		_, err := store.InsertResult(ctx, envelope)
		assert.Error(t, err)
	})
}

func TestGetResultByKeyNotFound(t *testing.T) {
	store := openTestStore(t)
	_, err := store.GetResultByKey(context.Background(), "missing")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestDeleteResultsBefore(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := testutil.FixedTime

	old := testutil.NewTestEnvelope(testutil.EnvelopeOpts{
		IdempotencyKey: "key-old", SubmittedAt: now.Add(-72 * time.Hour),
	})
	recent := testutil.NewTestEnvelope(testutil.EnvelopeOpts{
		IdempotencyKey: "key-new", SubmittedAt: now,
	})
	_, err := store.InsertResult(ctx, old)
	require.NoError(t, err)
	_, err = store.InsertResult(ctx, recent)
	require.NoError(t, err)

	count, err := store.CountResultsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	deleted, err := store.DeleteResultsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = store.GetResultByKey(ctx, "key-old")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	_, err = store.GetResultByKey(ctx, "key-new")
	assert.NoError(t, err)
}
