package webhook

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronicorn/cronicorn/errors"
	crontest "github.com/cronicorn/cronicorn/internal/testing"
)

func TestEventStore(t *testing.T) {
	conn := crontest.CreateTestDB(t)
	store := NewEventStore(conn)
	ctx := context.Background()

	t.Run("first delivery records", func(t *testing.T) {
		recorded, err := store.RecordProcessedEvent(ctx, "evt-1", "deploy.finished", "")
		require.NoError(t, err)
		assert.True(t, recorded)

		ev, err := store.GetEvent(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, "deploy.finished", ev.EventType)
		assert.Equal(t, StatusProcessed, ev.Status, "empty status defaults to processed")
		assert.False(t, ev.ProcessedAt.IsZero())
	})

	t.Run("redelivery is a no-op", func(t *testing.T) {
		recorded, err := store.RecordProcessedEvent(ctx, "evt-1", "deploy.finished", StatusSkipped)
		require.NoError(t, err)
		assert.False(t, recorded, "caller must skip the business write")

		// The original record is untouched.
		ev, err := store.GetEvent(ctx, "evt-1")
		require.NoError(t, err)
		assert.Equal(t, StatusProcessed, ev.Status)
	})

	t.Run("has been processed", func(t *testing.T) {
		seen, err := store.HasBeenProcessed(ctx, "evt-1")
		require.NoError(t, err)
		assert.True(t, seen)

		seen, err = store.HasBeenProcessed(ctx, "evt-unknown")
		require.NoError(t, err)
		assert.False(t, seen)
	})

	t.Run("explicit skipped status", func(t *testing.T) {
		recorded, err := store.RecordProcessedEvent(ctx, "evt-2", "deploy.failed", StatusSkipped)
		require.NoError(t, err)
		assert.True(t, recorded)

		ev, err := store.GetEvent(ctx, "evt-2")
		require.NoError(t, err)
		assert.Equal(t, StatusSkipped, ev.Status)
	})

	t.Run("get unknown event", func(t *testing.T) {
		_, err := store.GetEvent(ctx, "evt-unknown")
		assert.True(t, errors.IsNotFoundError(err))
	})
}
