package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPresence_SetPublishesToAssociatedChannels(t *testing.T) {
	r := newTestRouter(t)
	p := NewPresence(r, 0, 0)

	registerClient(t, r, "c1")
	watcher := registerClient(t, r, "watcher")
	require.NoError(t, p.HandleAction(context.Background(), "watcher", "subscribe", raw(t, presenceChannelRequest{Channel: "room"})))

	require.NoError(t, p.HandleAction(context.Background(), "c1", "set", raw(t, presenceSetRequest{Status: "online", Channels: []string{"room"}})))

	last := watcher.last(t)
	require.Equal(t, "presence", last["type"])
	require.Equal(t, "update", last["action"])
}

func TestPresence_SetDoesNotAutoSubscribeCaller(t *testing.T) {
	r := newTestRouter(t)
	p := NewPresence(r, 0, 0)
	registerClient(t, r, "c1")

	require.NoError(t, p.HandleAction(context.Background(), "c1", "set", raw(t, presenceSetRequest{Status: "online", Channels: []string{"room"}})))

	require.False(t, r.IsSubscribed("c1", presenceChannel("room")))
}

func TestPresence_GetUnknownClientReturnsOffline(t *testing.T) {
	r := newTestRouter(t)
	p := NewPresence(r, 0, 0)
	conn := registerClient(t, r, "c1")

	require.NoError(t, p.HandleAction(context.Background(), "c1", "get", raw(t, presenceGetRequest{ClientID: "ghost"})))

	last := conn.last(t)
	data := last["data"].(map[string]interface{})
	require.Equal(t, "offline", data["status"])
}

func TestPresence_InvalidStatusRejected(t *testing.T) {
	r := newTestRouter(t)
	p := NewPresence(r, 0, 0)
	registerClient(t, r, "c1")

	err := p.HandleAction(context.Background(), "c1", "set", raw(t, presenceSetRequest{Status: "asleep"}))
	require.Error(t, err)
}

func TestPresence_SweeperExpiresStaleClientToOffline(t *testing.T) {
	r := newTestRouter(t)
	p := NewPresence(r, 20*time.Millisecond, 10*time.Millisecond)
	p.Start()
	defer p.Stop()

	registerClient(t, r, "c1")
	watcher := registerClient(t, r, "watcher")
	require.NoError(t, p.HandleAction(context.Background(), "watcher", "subscribe", raw(t, presenceChannelRequest{Channel: "room"})))
	require.NoError(t, p.HandleAction(context.Background(), "c1", "set", raw(t, presenceSetRequest{Status: "online", Channels: []string{"room"}})))

	require.Eventually(t, func() bool {
		for _, m := range watcher.messages() {
			if containsOfflineUpdate(m) {
				return true
			}
		}
		return false
	}, 500*time.Millisecond, 5*time.Millisecond)
}

func containsOfflineUpdate(payload string) bool {
	return len(payload) > 0 && (indexOf(payload, `"status":"offline"`) >= 0)
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestPresence_OnClientDisconnectPublishesOfflineAndDropsRecord(t *testing.T) {
	r := newTestRouter(t)
	p := NewPresence(r, 0, 0)
	registerClient(t, r, "c1")
	watcher := registerClient(t, r, "watcher")
	require.NoError(t, p.HandleAction(context.Background(), "watcher", "subscribe", raw(t, presenceChannelRequest{Channel: "room"})))
	require.NoError(t, p.HandleAction(context.Background(), "c1", "set", raw(t, presenceSetRequest{Status: "online", Channels: []string{"room"}})))

	p.OnClientDisconnect("c1")

	last := watcher.last(t)
	data := last["data"].(map[string]interface{})
	require.Equal(t, "offline", data["status"])
	require.Equal(t, 0, len(p.records))
}
