package kvpstest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStore_GetSetDelete(t *testing.T) {
	s := New()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Set(ctx, "k", "v"))
	val, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", val)

	require.NoError(t, s.Delete(ctx, "k"))
	_, ok, err = s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_Expire(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", "v"))
	require.NoError(t, s.Expire(ctx, "k", 0))

	time.Sleep(5 * time.Millisecond)
	_, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_Hash(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.HSet(ctx, "h", map[string]string{"a": "1"}))
	require.NoError(t, s.HSet(ctx, "h", map[string]string{"b": "2"}))

	all, err := s.HGetAll(ctx, "h")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, all)

	require.NoError(t, s.HDel(ctx, "h", "a"))
	_, ok, err := s.HGet(ctx, "h", "a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_Set(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.SAdd(ctx, "s", "a", "b"))
	card, err := s.SCard(ctx, "s")
	require.NoError(t, err)
	require.EqualValues(t, 2, card)

	isMember, err := s.SIsMember(ctx, "s", "a")
	require.NoError(t, err)
	require.True(t, isMember)

	require.NoError(t, s.SRem(ctx, "s", "a"))
	members, err := s.SMembers(ctx, "s")
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, members)
}

func TestStore_PublishSubscribe(t *testing.T) {
	s := New()
	ctx := context.Background()

	received := make([]string, 0)
	unsubscribe, err := s.Subscribe(ctx, "chan", func(payload string) {
		received = append(received, payload)
	})
	require.NoError(t, err)

	require.NoError(t, s.Publish(ctx, "chan", "hello"))
	require.Equal(t, []string{"hello"}, received)
	require.Equal(t, 1, s.SubscriberCount("chan"))

	unsubscribe()
	require.Equal(t, 0, s.SubscriberCount("chan"))

	require.NoError(t, s.Publish(ctx, "chan", "world"))
	require.Equal(t, []string{"hello"}, received, "unsubscribed handler must not receive further publishes")
}

func TestStore_PublishNoSubscribers(t *testing.T) {
	s := New()
	require.NoError(t, s.Publish(context.Background(), "nobody-listening", "payload"))
}

func TestStore_MultipleSubscribersReceiveInOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		_, err := s.Subscribe(ctx, "chan", func(payload string) {
			order = append(order, i)
		})
		require.NoError(t, err)
	}

	require.NoError(t, s.Publish(ctx, "chan", "x"))
	require.Equal(t, []int{0, 1, 2}, order)
}
