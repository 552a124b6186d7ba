package quota

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	crontest "github.com/cronicorn/cronicorn/internal/testing"
)

func TestUsageStore(t *testing.T) {
	conn := crontest.CreateTestDB(t)
	store := NewUsageStore(conn)
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("missing row reads as zero", func(t *testing.T) {
		usage, err := store.Get(ctx, "acme", day)
		require.NoError(t, err)
		assert.Zero(t, usage.Tokens)
		assert.Zero(t, usage.Analyses)
		assert.Equal(t, "2026-03-01", usage.Day)
	})

	t.Run("add accumulates tokens and analyses", func(t *testing.T) {
		require.NoError(t, store.Add(ctx, "acme", day, 1200))
		require.NoError(t, store.Add(ctx, "acme", day, 800))

		usage, err := store.Get(ctx, "acme", day)
		require.NoError(t, err)
		assert.Equal(t, 2000, usage.Tokens)
		assert.Equal(t, 2, usage.Analyses)
	})

	t.Run("days and tenants are separate buckets", func(t *testing.T) {
		require.NoError(t, store.Add(ctx, "acme", day.AddDate(0, 0, 1), 50))
		require.NoError(t, store.Add(ctx, "beta", day, 75))

		usage, err := store.Get(ctx, "acme", day)
		require.NoError(t, err)
		assert.Equal(t, 2000, usage.Tokens)

		nextDay, err := store.Get(ctx, "acme", day.AddDate(0, 0, 1))
		require.NoError(t, err)
		assert.Equal(t, 50, nextDay.Tokens)
	})

	t.Run("list recent newest first", func(t *testing.T) {
		usages, err := store.ListRecent(ctx, day.AddDate(0, 0, -7))
		require.NoError(t, err)
		require.Len(t, usages, 3)
		assert.Equal(t, "2026-03-02", usages[0].Day)

		old, err := store.ListRecent(ctx, day.AddDate(0, 0, 5))
		require.NoError(t, err)
		assert.Empty(t, old)
	})
}

func TestDailyBudget(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	newBudget := func(t *testing.T, tokensPerDay int) *DailyBudget {
		budget := NewDailyBudget(NewUsageStore(crontest.CreateTestDB(t)), tokensPerDay, nil)
		budget.timeNow = func() time.Time { return day }
		return budget
	}

	t.Run("allows under budget", func(t *testing.T) {
		budget := newBudget(t, 1000)

		ok, err := budget.CanProceed(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, budget.RecordUsage(ctx, "acme", 999))
		ok, err = budget.CanProceed(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, ok, "strictly under budget still proceeds")
	})

	t.Run("blocks at budget", func(t *testing.T) {
		budget := newBudget(t, 1000)
		require.NoError(t, budget.RecordUsage(ctx, "acme", 1000))

		ok, err := budget.CanProceed(ctx, "acme")
		require.NoError(t, err)
		assert.False(t, ok)

		// Other tenants are unaffected.
		ok, err = budget.CanProceed(ctx, "beta")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("budget resets at the UTC day boundary", func(t *testing.T) {
		budget := newBudget(t, 1000)
		require.NoError(t, budget.RecordUsage(ctx, "acme", 5000))

		budget.timeNow = func() time.Time { return day.AddDate(0, 0, 1) }
		ok, err := budget.CanProceed(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("non-positive budget is unlimited", func(t *testing.T) {
		budget := newBudget(t, 0)
		require.NoError(t, budget.RecordUsage(ctx, "acme", 1<<30))

		ok, err := budget.CanProceed(ctx, "acme")
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestUnlimited(t *testing.T) {
	ctx := context.Background()
	var guard Guard = Unlimited{}

	ok, err := guard.CanProceed(ctx, "anyone")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, guard.RecordUsage(ctx, "anyone", 1000000))
}
