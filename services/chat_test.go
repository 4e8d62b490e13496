package services

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChat_JoinThenSendDeliversToSubscriber(t *testing.T) {
	r := newTestRouter(t)
	chat := NewChat(r)

	sender := registerClient(t, r, "sender")
	receiver := registerClient(t, r, "receiver")

	require.NoError(t, chat.HandleAction(context.Background(), "sender", "join", raw(t, chatJoinRequest{Channel: "g"})))
	require.NoError(t, chat.HandleAction(context.Background(), "receiver", "join", raw(t, chatJoinRequest{Channel: "g"})))

	require.NoError(t, chat.HandleAction(context.Background(), "sender", "send", raw(t, chatSendRequest{Channel: "g", Message: "hi"})))

	require.Len(t, receiver.messages(), 2) // join ack + message
	last := receiver.last(t)
	require.Equal(t, "chat", last["type"])
	require.Equal(t, "message", last["action"])

	// sender sees its own join ack and a "sent" ack, but the chat
	// message itself is excluded by the service's own exclude-self
	// behavior? No — chat does not exclude the sender from the channel
	// broadcast, it relies on the "sent" private ack being distinct.
	senderMsgs := sender.messages()
	require.GreaterOrEqual(t, len(senderMsgs), 2)
}

func TestChat_SendWithoutJoinFails(t *testing.T) {
	r := newTestRouter(t)
	chat := NewChat(r)
	registerClient(t, r, "c1")

	err := chat.HandleAction(context.Background(), "c1", "send", raw(t, chatSendRequest{Channel: "g", Message: "hi"}))
	require.Error(t, err)
}

func TestChat_SendValidatesMessageLength(t *testing.T) {
	r := newTestRouter(t)
	chat := NewChat(r)
	registerClient(t, r, "c1")
	require.NoError(t, chat.HandleAction(context.Background(), "c1", "join", raw(t, chatJoinRequest{Channel: "g"})))

	err := chat.HandleAction(context.Background(), "c1", "send", raw(t, chatSendRequest{Channel: "g", Message: ""}))
	require.Error(t, err)
}

func TestChat_SendCountsMultiByteCharsNotBytes(t *testing.T) {
	r := newTestRouter(t)
	chat := NewChat(r)
	registerClient(t, r, "c1")
	require.NoError(t, chat.HandleAction(context.Background(), "c1", "join", raw(t, chatJoinRequest{Channel: "g"})))

	// 600 multi-byte runes is 1200 bytes in UTF-8 but only 600
	// characters, so it must be accepted under the 1000-character limit
	// even though it would fail a byte-length check.
	msg := strings.Repeat("é", 600)
	require.NoError(t, chat.HandleAction(context.Background(), "c1", "send", raw(t, chatSendRequest{Channel: "g", Message: msg})))
}

func TestChat_HistoryRingBoundedAt100(t *testing.T) {
	r := newTestRouter(t)
	chat := NewChat(r)
	registerClient(t, r, "c1")
	require.NoError(t, chat.HandleAction(context.Background(), "c1", "join", raw(t, chatJoinRequest{Channel: "g"})))

	for i := 0; i < 150; i++ {
		require.NoError(t, chat.HandleAction(context.Background(), "c1", "send", raw(t, chatSendRequest{Channel: "g", Message: "x"})))
	}

	require.Len(t, chat.recentHistory("g", 1000), chatHistoryLimit)
}

func TestChat_JoinReplaysAtMost20(t *testing.T) {
	r := newTestRouter(t)
	chat := NewChat(r)
	registerClient(t, r, "c1")
	require.NoError(t, chat.HandleAction(context.Background(), "c1", "join", raw(t, chatJoinRequest{Channel: "g"})))
	for i := 0; i < 30; i++ {
		require.NoError(t, chat.HandleAction(context.Background(), "c1", "send", raw(t, chatSendRequest{Channel: "g", Message: "x"})))
	}

	conn := registerClient(t, r, "c2")
	require.NoError(t, chat.HandleAction(context.Background(), "c2", "join", raw(t, chatJoinRequest{Channel: "g"})))

	last := conn.last(t)
	data := last["data"].(map[string]interface{})
	history := data["history"].([]interface{})
	require.Len(t, history, chatReplayLimit)
}
