package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"pagina-vendedor/backend/internal/domain"
)

func TestRedisSettingsCacheRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })

	c := NewRedisSettingsCache(client)
	ctx := context.Background()
	require.NoError(t, c.Ping(ctx))

	_, ok, err := c.Get(ctx, domain.SettingInventory)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, c.Set(ctx, domain.Setting{
		Key:     domain.SettingInventory,
		Value:   []byte(`{"allow_negative_stock":true}`),
		Version: 4,
	}, time.Minute))

	got, ok, err := c.Get(ctx, domain.SettingInventory)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(4), got.Version)
	require.JSONEq(t, `{"allow_negative_stock":true}`, string(got.Value))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Get(ctx, domain.SettingInventory)
	require.NoError(t, err)
	require.False(t, ok, "entry should expire with its ttl")

	require.NoError(t, c.Set(ctx, domain.Setting{Key: "profile", Value: []byte(`{}`), Version: 1}, time.Minute))
	require.NoError(t, c.Delete(ctx, "profile"))
	_, ok, err = c.Get(ctx, "profile")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisLockerGrantsSingleHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })

	locker := NewRedisLocker(client)
	ctx := context.Background()

	release, ok, err := locker.TryLock(ctx, "reservations:sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = locker.TryLock(ctx, "reservations:sweep", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, release(ctx))

	release, ok, err = locker.TryLock(ctx, "reservations:sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, release(ctx))
}

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()
	_, ok, err := NoopSettingsCache{}.Get(ctx, "any")
	require.NoError(t, err)
	require.False(t, ok)

	release, ok, err := NoopLocker{}.TryLock(ctx, "any", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, release(ctx))
}
