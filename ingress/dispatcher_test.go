package ingress

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowgate/flowgate/kvps/kvpstest"
	"github.com/flowgate/flowgate/node"
	"github.com/flowgate/flowgate/registry"
	"github.com/flowgate/flowgate/router"
	"github.com/flowgate/flowgate/services"
)

type fakeConn struct{ sent []string }

func (c *fakeConn) Send(payload string) error {
	c.sent = append(c.sent, payload)
	return nil
}
func (c *fakeConn) Close(code int, reason string) error { return nil }

func newTestDispatcher(t *testing.T) (*Dispatcher, *router.Router) {
	t.Helper()
	store := kvpstest.New()
	mgr := node.NewManager(store, node.Options{})
	mgr.Register(context.Background())
	reg := registry.New()
	r := router.New(store, mgr, reg)
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(r.Stop)
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })

	chat := services.NewChat(r)
	d := New(r, []services.Service{chat})
	return d, r
}

func TestDispatch_UnknownServiceReturnsErrorFrame(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.RegisterLocalClient(context.Background(), "c1", &fakeConn{}, nil)

	frame, ok := d.Dispatch(context.Background(), "c1", []byte(`{"service":"ghost","action":"x"}`))
	require.False(t, ok)
	require.Equal(t, "error", frame.Type)
}

func TestDispatch_MissingFieldsReturnsErrorFrame(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.RegisterLocalClient(context.Background(), "c1", &fakeConn{}, nil)

	frame, ok := d.Dispatch(context.Background(), "c1", []byte(`{}`))
	require.False(t, ok)
	require.NotEmpty(t, frame.Error)
}

func TestDispatch_MalformedJSONReturnsErrorFrame(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.RegisterLocalClient(context.Background(), "c1", &fakeConn{}, nil)

	_, ok := d.Dispatch(context.Background(), "c1", []byte(`not json`))
	require.False(t, ok)
}

func TestDispatch_ValidChatJoinSucceeds(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.RegisterLocalClient(context.Background(), "c1", &fakeConn{}, nil)

	_, ok := d.Dispatch(context.Background(), "c1", []byte(`{"service":"chat","action":"join","channel":"g"}`))
	require.True(t, ok)
}

func TestDispatch_ChatSendWithoutJoinReturnsError(t *testing.T) {
	d, r := newTestDispatcher(t)
	r.RegisterLocalClient(context.Background(), "c1", &fakeConn{}, nil)

	_, ok := d.Dispatch(context.Background(), "c1", []byte(`{"service":"chat","action":"send","channel":"g","message":"hi"}`))
	require.False(t, ok)
}

func TestDispatcher_StatsAggregatesEnabledServices(t *testing.T) {
	d, _ := newTestDispatcher(t)
	stats := d.Stats()
	require.Contains(t, stats, "chat")
}
