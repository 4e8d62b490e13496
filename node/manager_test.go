package node

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/kvps/kvpstest"
)

func newTestManager(t *testing.T) (*Manager, *kvpstest.Store) {
	t.Helper()
	store := kvpstest.New()
	mgr := NewManager(store, Options{Port: 8080, OpTimeout: time.Second})
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })
	return mgr, store
}

func TestRegister_AddsToActiveNodeSet(t *testing.T) {
	mgr, store := newTestManager(t)
	mgr.Register(context.Background())

	isMember, err := store.SIsMember(context.Background(), nodesSetKey(), mgr.NodeID())
	require.NoError(t, err)
	require.True(t, isMember)
	require.False(t, mgr.Standalone())
}

func TestRegister_Idempotent(t *testing.T) {
	mgr, store := newTestManager(t)
	mgr.Register(context.Background())
	mgr.Register(context.Background())

	card, err := store.SCard(context.Background(), nodesSetKey())
	require.NoError(t, err)
	require.EqualValues(t, 1, card)
}

func TestSubscribeClientToChannel_FirstLocalAddsNodeEdge(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	mgr.Register(ctx)

	firstLocal, err := mgr.SubscribeClientToChannel(ctx, "client-1", "general")
	require.NoError(t, err)
	require.True(t, firstLocal)

	isMember, err := store.SIsMember(ctx, ChannelNodesKey("general"), mgr.NodeID())
	require.NoError(t, err)
	require.True(t, isMember)
}

func TestSubscribeClientToChannel_SecondLocalClientIsNotFirst(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	mgr.Register(ctx)

	_, err := mgr.SubscribeClientToChannel(ctx, "client-1", "general")
	require.NoError(t, err)

	firstLocal, err := mgr.SubscribeClientToChannel(ctx, "client-2", "general")
	require.NoError(t, err)
	require.False(t, firstLocal)
}

func TestSubscribeClientToChannel_ResubscribeIsNoOp(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	mgr.Register(ctx)

	_, err := mgr.SubscribeClientToChannel(ctx, "client-1", "general")
	require.NoError(t, err)

	firstLocal, err := mgr.SubscribeClientToChannel(ctx, "client-1", "general")
	require.NoError(t, err)
	require.False(t, firstLocal)
}

func TestUnsubscribeClientFromChannel_LastLocalRemovesNodeEdge(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	mgr.Register(ctx)

	_, err := mgr.SubscribeClientToChannel(ctx, "client-1", "general")
	require.NoError(t, err)

	lastLocal, err := mgr.UnsubscribeClientFromChannel(ctx, "client-1", "general")
	require.NoError(t, err)
	require.True(t, lastLocal)

	isMember, err := store.SIsMember(ctx, ChannelNodesKey("general"), mgr.NodeID())
	require.NoError(t, err)
	require.False(t, isMember)
}

func TestUnsubscribeClientFromChannel_NotLastLocalKeepsNodeEdge(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	mgr.Register(ctx)

	_, _ = mgr.SubscribeClientToChannel(ctx, "client-1", "general")
	_, _ = mgr.SubscribeClientToChannel(ctx, "client-2", "general")

	lastLocal, err := mgr.UnsubscribeClientFromChannel(ctx, "client-1", "general")
	require.NoError(t, err)
	require.False(t, lastLocal)

	isMember, err := store.SIsMember(ctx, ChannelNodesKey("general"), mgr.NodeID())
	require.NoError(t, err)
	require.True(t, isMember)
}

func TestRegisterAndUnregisterClient_RemovesDirectoryEntries(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	mgr.Register(ctx)

	mgr.RegisterClient(ctx, "client-1", map[string]string{"userAgent": "test"})
	_, err := mgr.SubscribeClientToChannel(ctx, "client-1", "general")
	require.NoError(t, err)

	nodeID, ok := mgr.GetClientNode(ctx, "client-1")
	require.True(t, ok)
	require.Equal(t, mgr.NodeID(), nodeID)

	mgr.UnregisterClient(ctx, "client-1")

	_, ok, err = store.Get(ctx, clientNodeKey("client-1"))
	require.NoError(t, err)
	require.False(t, ok)

	isMember, err := store.SIsMember(ctx, ChannelNodesKey("general"), mgr.NodeID())
	require.NoError(t, err)
	require.False(t, isMember, "unregistering the only local subscriber must release the channel-node edge")
}

func TestGetNodesForChannel_Standalone(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()
	mgr.standalone.Store(true)

	nodes, err := mgr.GetNodesForChannel(ctx, "general")
	require.NoError(t, err)
	require.Equal(t, []string{mgr.NodeID()}, nodes)
}

func TestGetClusterInfo_Standalone(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.standalone.Store(true)

	info := mgr.GetClusterInfo(context.Background())
	require.True(t, info.Standalone)
	require.Len(t, info.Nodes, 1)
	require.Equal(t, mgr.NodeID(), info.Nodes[0].NodeID)
}

func TestShutdown_RemovesNodeFromEverySet(t *testing.T) {
	mgr, store := newTestManager(t)
	ctx := context.Background()
	mgr.Register(ctx)

	mgr.RegisterClient(ctx, "client-1", nil)
	_, err := mgr.SubscribeClientToChannel(ctx, "client-1", "general")
	require.NoError(t, err)

	mgr.Shutdown(ctx)

	isMember, err := store.SIsMember(ctx, nodesSetKey(), mgr.NodeID())
	require.NoError(t, err)
	require.False(t, isMember)

	isMember, err = store.SIsMember(ctx, ChannelNodesKey("general"), mgr.NodeID())
	require.NoError(t, err)
	require.False(t, isMember)

	_, ok, err := store.Get(ctx, clientNodeKey("client-1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStandaloneMode_OnKVPSFailure(t *testing.T) {
	mgr, store := newTestManager(t)
	store.Close() // subsequent ops still work on this fake; exercise markKVPSResult directly instead

	mgr.markKVPSResult("test-op", context.DeadlineExceeded)
	require.True(t, mgr.Standalone())
}
