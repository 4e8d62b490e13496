package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/flowgate/flowgate/router"
	"github.com/flowgate/flowgate/util/logger"
	"github.com/flowgate/flowgate/util/metrics"
)

const (
	chatHistoryLimit = 100
	chatReplayLimit  = 20
	chatMinLen       = 1
	chatMaxLen       = 1000
)

// ChatMessage is one entry in a channel's history ring.
type ChatMessage struct {
	ID        string            `json:"id"`
	ClientID  string            `json:"clientId"`
	Channel   string            `json:"channel"`
	Message   string            `json:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type chatJoinRequest struct {
	Channel string `json:"channel"`
}

type chatSendRequest struct {
	Channel  string            `json:"channel"`
	Message  string            `json:"message"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type chatHistoryRequest struct {
	Channel string `json:"channel"`
}

// Chat implements the chat fan-out service: join/leave/send/history
// over bare channel names, with a bounded per-channel history ring.
type Chat struct {
	router *router.Router
	log    *logger.Logger

	mu      sync.Mutex
	history map[string][]ChatMessage
}

// NewChat creates a Chat service wired to r.
func NewChat(r *router.Router) *Chat {
	return &Chat{
		router:  r,
		log:     logger.NewLogger("Chat"),
		history: make(map[string][]ChatMessage),
	}
}

func (c *Chat) Name() string { return "chat" }

func (c *Chat) HandleAction(ctx context.Context, clientID, action string, data json.RawMessage) error {
	switch action {
	case "join":
		return c.join(ctx, clientID, data)
	case "leave":
		return c.leave(ctx, clientID, data)
	case "send":
		return c.send(ctx, clientID, data)
	case "history":
		return c.historyAction(ctx, clientID, data)
	default:
		return fmt.Errorf("chat: unknown action %q", action)
	}
}

func (c *Chat) join(ctx context.Context, clientID string, data json.RawMessage) error {
	var req chatJoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("chat: invalid join payload: %w", err)
	}
	if err := validateChannelName(req.Channel); err != nil {
		return fmt.Errorf("chat: %w", err)
	}

	if err := c.router.SubscribeToChannel(ctx, clientID, req.Channel); err != nil {
		return fmt.Errorf("chat: join %s: %w", req.Channel, err)
	}

	replay := c.recentHistory(req.Channel, chatReplayLimit)
	metrics.RecordServiceAction("chat", "join", "ok")
	return c.router.SendToClient(ctx, clientID, ok("chat", "join", map[string]interface{}{
		"channel": req.Channel,
		"history": replay,
	}))
}

func (c *Chat) leave(ctx context.Context, clientID string, data json.RawMessage) error {
	var req chatJoinRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("chat: invalid leave payload: %w", err)
	}
	if err := c.router.UnsubscribeFromChannel(ctx, clientID, req.Channel); err != nil {
		return fmt.Errorf("chat: leave %s: %w", req.Channel, err)
	}
	metrics.RecordServiceAction("chat", "leave", "ok")
	return c.router.SendToClient(ctx, clientID, ok("chat", "leave", map[string]interface{}{"channel": req.Channel}))
}

func (c *Chat) send(ctx context.Context, clientID string, data json.RawMessage) error {
	var req chatSendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("chat: invalid send payload: %w", err)
	}
	if !c.router.IsSubscribed(clientID, req.Channel) {
		metrics.RecordServiceAction("chat", "send", "not-joined")
		return fmt.Errorf("chat: must join %s before sending", req.Channel)
	}
	if n := utf8.RuneCountInString(req.Message); n < chatMinLen || n > chatMaxLen {
		metrics.RecordServiceAction("chat", "send", "invalid-length")
		return fmt.Errorf("chat: message must be %d..%d characters", chatMinLen, chatMaxLen)
	}

	msg := ChatMessage{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Channel:   req.Channel,
		Message:   req.Message,
		Metadata:  req.Metadata,
		Timestamp: time.Now(),
	}
	c.appendHistory(req.Channel, msg)

	metrics.RecordServiceAction("chat", "send", "ok")
	if err := c.router.SendToChannel(ctx, req.Channel, event("chat", "message", req.Channel, msg), ""); err != nil {
		c.log.Warnf("send to channel %s: %v", req.Channel, err)
	}
	return c.router.SendToClient(ctx, clientID, ok("chat", "sent", msg))
}

func (c *Chat) historyAction(ctx context.Context, clientID string, data json.RawMessage) error {
	var req chatHistoryRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("chat: invalid history payload: %w", err)
	}
	replay := c.recentHistory(req.Channel, chatReplayLimit)
	metrics.RecordServiceAction("chat", "history", "ok")
	return c.router.SendToClient(ctx, clientID, ok("chat", "history", map[string]interface{}{
		"channel": req.Channel,
		"history": replay,
	}))
}

func (c *Chat) appendHistory(channel string, msg ChatMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring := append(c.history[channel], msg)
	if len(ring) > chatHistoryLimit {
		ring = ring[len(ring)-chatHistoryLimit:]
	}
	c.history[channel] = ring
}

func (c *Chat) recentHistory(channel string, limit int) []ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	ring := c.history[channel]
	if len(ring) <= limit {
		out := make([]ChatMessage, len(ring))
		copy(out, ring)
		return out
	}
	out := make([]ChatMessage, limit)
	copy(out, ring[len(ring)-limit:])
	return out
}

// GetStats reports the number of channels with any chat history and
// the total number of buffered messages across all of them.
func (c *Chat) GetStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for _, ring := range c.history {
		total += len(ring)
	}
	return map[string]interface{}{
		"channelsWithHistory": len(c.history),
		"bufferedMessages":    total,
	}
}

func validateChannelName(name string) error {
	if n := utf8.RuneCountInString(name); n < 1 || n > 50 {
		return fmt.Errorf("channel name must be 1..50 characters")
	}
	return nil
}
