package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/flowgate/flowgate/kvps/kvpstest"
	"github.com/flowgate/flowgate/node"
	"github.com/flowgate/flowgate/registry"
	"github.com/flowgate/flowgate/router"
)

type fakeConn struct {
	mu   sync.Mutex
	sent []string
}

func (c *fakeConn) Send(payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, payload)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error { return nil }

func (c *fakeConn) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.sent))
	copy(out, c.sent)
	return out
}

func (c *fakeConn) last(t *testing.T) map[string]interface{} {
	t.Helper()
	msgs := c.messages()
	if len(msgs) == 0 {
		t.Fatalf("no messages sent")
	}
	var out map[string]interface{}
	if err := json.Unmarshal([]byte(msgs[len(msgs)-1]), &out); err != nil {
		t.Fatalf("unmarshal last message: %v", err)
	}
	return out
}

func newTestRouter(t *testing.T) *router.Router {
	t.Helper()
	store := kvpstest.New()
	mgr := node.NewManager(store, node.Options{})
	mgr.Register(context.Background())
	reg := registry.New()
	r := router.New(store, mgr, reg)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start router: %v", err)
	}
	t.Cleanup(r.Stop)
	t.Cleanup(func() { mgr.Shutdown(context.Background()) })
	return r
}

func registerClient(t *testing.T, r *router.Router, clientID string) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	r.RegisterLocalClient(context.Background(), clientID, conn, nil)
	return conn
}

func raw(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}
