package credentials

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/meow-io/go-mirror/clock"
	"github.com/meow-io/go-mirror/config"
	"github.com/meow-io/go-mirror/ids"
	"github.com/stretchr/testify/require"
)

func newRedisStore(t *testing.T) *RedisStore {
	server := miniredis.RunT(t)
	store := NewRedisStore(config.NewConfig(config.WithRedis(server.Addr(), 0)))
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestRedisPutNeverReplaces(t *testing.T) {
	require := require.New(t)
	store := newRedisStore(t)
	ctx := context.Background()
	account := ids.NewID()

	_, found, err := store.Get(ctx, account, 10)
	require.Nil(err)
	require.False(found)

	require.Nil(store.Put(ctx, account, map[clock.Day][]byte{10: []byte("first"), 11: []byte("eleven")}))
	require.Nil(store.Put(ctx, account, map[clock.Day][]byte{10: []byte("second")}))

	cred, found, err := store.Get(ctx, account, 10)
	require.Nil(err)
	require.True(found)
	require.Equal([]byte("first"), cred)
	cred, found, err = store.Get(ctx, account, 11)
	require.Nil(err)
	require.True(found)
	require.Equal([]byte("eleven"), cred)
}

func TestRedisPurgeOnlyTouchesAccount(t *testing.T) {
	require := require.New(t)
	store := newRedisStore(t)
	ctx := context.Background()
	account, other := ids.NewID(), ids.NewID()

	require.Nil(store.Put(ctx, account, map[clock.Day][]byte{1: []byte("a"), 2: []byte("b")}))
	require.Nil(store.Put(ctx, other, map[clock.Day][]byte{1: []byte("c")}))
	require.Nil(store.Purge(ctx, account))

	_, found, err := store.Get(ctx, account, 1)
	require.Nil(err)
	require.False(found)
	_, found, err = store.Get(ctx, account, 2)
	require.Nil(err)
	require.False(found)
	cred, found, err := store.Get(ctx, other, 1)
	require.Nil(err)
	require.True(found)
	require.Equal([]byte("c"), cred)
}

func TestCacheOverRedis(t *testing.T) {
	require := require.New(t)
	server := &testServer{}
	c := config.NewConfig(config.WithCredentialWindowDays(3))
	cache := NewCache(c, ids.NewID(), newRedisStore(t), server)

	cred, err := cache.Get(context.Background(), 20)
	require.Nil(err)
	require.Equal([]byte("cred-20"), cred)
	cred, err = cache.Get(context.Background(), 21)
	require.Nil(err)
	require.Equal([]byte("cred-21"), cred)
	require.Len(server.calls, 1)
}
