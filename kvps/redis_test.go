package kvps

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// newTestRedisStore dials a RedisStore against REDIS_ADDR (defaulting to
// localhost:6379) and skips the test if no Redis is reachable. Each test
// gets its own key namespace so runs don't collide.
func newTestRedisStore(t *testing.T) (*RedisStore, string) {
	t.Helper()

	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}

	store := NewRedisStore(Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		t.Skipf("skipping: redis not available at %s: %v", addr, err)
	}

	t.Cleanup(func() { store.Close() })
	return store, fmt.Sprintf("flowgate-test:%s:", t.Name())
}

func TestRedisStore_GetSetDelete(t *testing.T) {
	store, prefix := newTestRedisStore(t)
	ctx := context.Background()
	key := prefix + "k"

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, store.Set(ctx, key, "v1"))
	val, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v1", val)

	require.NoError(t, store.Delete(ctx, key))
	_, ok, err = store.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStore_Expire(t *testing.T) {
	store, prefix := newTestRedisStore(t)
	ctx := context.Background()
	key := prefix + "expiring"

	require.NoError(t, store.Set(ctx, key, "v"))
	require.NoError(t, store.Expire(ctx, key, 1))

	time.Sleep(1200 * time.Millisecond)
	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.False(t, ok, "expected key to expire")
}

func TestRedisStore_Hash(t *testing.T) {
	store, prefix := newTestRedisStore(t)
	ctx := context.Background()
	key := prefix + "h"

	require.NoError(t, store.HSet(ctx, key, map[string]string{"a": "1", "b": "2"}))

	val, ok, err := store.HGet(ctx, key, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1", val)

	all, err := store.HGetAll(ctx, key)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	require.NoError(t, store.HDel(ctx, key, "a"))
	_, ok, err = store.HGet(ctx, key, "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisStore_Set(t *testing.T) {
	store, prefix := newTestRedisStore(t)
	ctx := context.Background()
	key := prefix + "s"

	require.NoError(t, store.SAdd(ctx, key, "a", "b", "c"))

	card, err := store.SCard(ctx, key)
	require.NoError(t, err)
	require.EqualValues(t, 3, card)

	isMember, err := store.SIsMember(ctx, key, "b")
	require.NoError(t, err)
	require.True(t, isMember)

	require.NoError(t, store.SRem(ctx, key, "b"))
	members, err := store.SMembers(ctx, key)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "c"}, members)
}

func TestRedisStore_PublishSubscribe(t *testing.T) {
	store, prefix := newTestRedisStore(t)
	ctx := context.Background()
	channel := prefix + "chan"

	received := make(chan string, 1)
	unsubscribe, err := store.Subscribe(ctx, channel, func(payload string) {
		received <- payload
	})
	require.NoError(t, err)
	defer unsubscribe()

	// Give the subscription a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, store.Publish(ctx, channel, "hello"))

	select {
	case payload := <-received:
		require.Equal(t, "hello", payload)
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive published payload")
	}
}

func TestRedisStore_UnsubscribeStopsDelivery(t *testing.T) {
	store, prefix := newTestRedisStore(t)
	ctx := context.Background()
	channel := prefix + "chan-unsub"

	received := make(chan string, 1)
	unsubscribe, err := store.Subscribe(ctx, channel, func(payload string) {
		received <- payload
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	unsubscribe()
	unsubscribe() // idempotent

	require.NoError(t, store.Publish(ctx, channel, "should not arrive"))

	select {
	case <-received:
		t.Fatal("expected no delivery after unsubscribe")
	case <-time.After(300 * time.Millisecond):
	}
}
