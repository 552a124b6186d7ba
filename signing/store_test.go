package signing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cronicorn/cronicorn/errors"
	crontest "github.com/cronicorn/cronicorn/internal/testing"
)

func TestKeyStore(t *testing.T) {
	conn := crontest.CreateTestDB(t)
	store := NewKeyStore(conn)
	ctx := context.Background()

	first, err := GenerateKey()
	require.NoError(t, err)

	t.Run("create and get", func(t *testing.T) {
		require.NoError(t, store.Create(ctx, "acme", first))

		rec, err := store.Get(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, "acme", rec.TenantID)
		assert.Equal(t, first.Hash, rec.KeyHash)
		assert.Equal(t, first.Prefix, rec.KeyPrefix)
		assert.Nil(t, rec.RotatedAt)
	})

	t.Run("create rejects duplicate tenant", func(t *testing.T) {
		dup, err := GenerateKey()
		require.NoError(t, err)
		assert.Error(t, store.Create(ctx, "acme", dup))
	})

	t.Run("rotate replaces hash and stamps rotated_at", func(t *testing.T) {
		second, err := GenerateKey()
		require.NoError(t, err)
		require.NoError(t, store.Rotate(ctx, "acme", second))

		rec, err := store.Get(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, second.Hash, rec.KeyHash)
		assert.NotEqual(t, first.Hash, rec.KeyHash)
		assert.NotNil(t, rec.RotatedAt)
	})

	t.Run("rotate unknown tenant", func(t *testing.T) {
		key, err := GenerateKey()
		require.NoError(t, err)
		assert.True(t, errors.IsNotFoundError(store.Rotate(ctx, "ghost", key)))
	})

	t.Run("get unknown tenant", func(t *testing.T) {
		_, err := store.Get(ctx, "ghost")
		assert.True(t, errors.IsNotFoundError(err))
	})

	t.Run("list", func(t *testing.T) {
		other, err := GenerateKey()
		require.NoError(t, err)
		require.NoError(t, store.Create(ctx, "beta", other))

		records, err := store.List(ctx)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, "acme", records[0].TenantID)
		assert.Equal(t, "beta", records[1].TenantID)
	})
}

func TestProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("register and get without store", func(t *testing.T) {
		p := NewProvider(nil, nil)
		p.Register("acme", []byte("raw-key"))

		raw, ok := p.GetKey("acme")
		assert.True(t, ok)
		assert.Equal(t, []byte("raw-key"), raw)

		_, ok = p.GetKey("ghost")
		assert.False(t, ok)
	})

	t.Run("store hash match accepted", func(t *testing.T) {
		conn := crontest.CreateTestDB(t)
		store := NewKeyStore(conn)
		key, err := GenerateKey()
		require.NoError(t, err)
		require.NoError(t, store.Create(ctx, "acme", key))

		p := NewProvider(store, nil)
		p.Register("acme", key.Raw)

		raw, ok := p.GetKey("acme")
		assert.True(t, ok)
		assert.Equal(t, key.Raw, raw)
	})

	t.Run("rotated-away key treated as missing", func(t *testing.T) {
		conn := crontest.CreateTestDB(t)
		store := NewKeyStore(conn)
		old, err := GenerateKey()
		require.NoError(t, err)
		require.NoError(t, store.Create(ctx, "acme", old))

		replacement, err := GenerateKey()
		require.NoError(t, err)
		require.NoError(t, store.Rotate(ctx, "acme", replacement))

		p := NewProvider(store, nil)
		p.Register("acme", old.Raw)

		_, ok := p.GetKey("acme")
		assert.False(t, ok, "stale key must not sign dispatches")
	})

	t.Run("env key without stored record still works", func(t *testing.T) {
		conn := crontest.CreateTestDB(t)
		p := NewProvider(NewKeyStore(conn), nil)
		p.Register("solo", []byte("env-key"))

		raw, ok := p.GetKey("solo")
		assert.True(t, ok)
		assert.Equal(t, []byte("env-key"), raw)
	})

	t.Run("loads keys from environment", func(t *testing.T) {
		key, err := GenerateKey()
		require.NoError(t, err)
		t.Setenv(EnvKeyPrefix+"ACME", key.Encoded)
		t.Setenv(EnvKeyPrefix+"BROKEN", "not-a-key")

		p := NewProvider(nil, nil)
		p.LoadFromEnv()

		raw, ok := p.GetKey("acme")
		assert.True(t, ok)
		assert.Equal(t, key.Raw, raw)

		_, ok = p.GetKey("broken")
		assert.False(t, ok, "malformed env keys are skipped")
	})
}
