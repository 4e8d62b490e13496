package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/flowgate/flowgate/router"
	"github.com/flowgate/flowgate/util/logger"
	"github.com/flowgate/flowgate/util/metrics"
)

const (
	// DefaultCursorTTL is how long a cursor entry survives without an
	// update before the sweeper removes it.
	DefaultCursorTTL = 30 * time.Second
	// DefaultCursorCleanupInterval is how often the sweeper scans for
	// expired cursor entries.
	DefaultCursorCleanupInterval = 10 * time.Second
	// DefaultCursorThrottle bounds how often a single client's cursor
	// updates are accepted.
	DefaultCursorThrottle = 250 * time.Millisecond
)

var validCursorModes = map[string]bool{
	"freeform": true, "table": true, "text": true, "canvas": true,
}

// CursorEntry is one client's last-known pointer position within a
// channel.
type CursorEntry struct {
	ClientID  string                 `json:"clientId"`
	Mode      string                 `json:"mode"`
	Position  map[string]interface{} `json:"position"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

type cursorUpdateRequest struct {
	Channel  string                 `json:"channel"`
	Mode     string                 `json:"mode"`
	Position map[string]interface{} `json:"position"`
	Metadata map[string]string      `json:"metadata,omitempty"`
}

type cursorChannelRequest struct {
	Channel string `json:"channel"`
}

type cursorKey struct {
	channel  string
	clientID string
}

// Cursor implements the cursor fan-out service: mode-validated pointer
// positions, per-client throttling, and TTL-based expiry with a
// "remove" broadcast.
//
// Open question resolved: cursor broadcasts do NOT pass
// excludeClientId, matching the literal spec language describing this
// as the existing (if perhaps unintentional) behavior — a client sees
// its own cursor echoed back. Changing it would be a silent behavior
// change, not a documented fix.
type Cursor struct {
	router *router.Router
	log    *logger.Logger

	mu       sync.Mutex
	entries  map[cursorKey]*CursorEntry
	lastSent map[string]time.Time // clientId -> last accepted update

	ttl             time.Duration
	cleanupInterval time.Duration
	throttle        time.Duration
	stopCh          chan struct{}
	done            chan struct{}
}

// NewCursor creates a Cursor service wired to r. Pass zero values for
// the spec defaults.
func NewCursor(r *router.Router, ttl, cleanupInterval, throttle time.Duration) *Cursor {
	if ttl <= 0 {
		ttl = DefaultCursorTTL
	}
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCursorCleanupInterval
	}
	if throttle <= 0 {
		throttle = DefaultCursorThrottle
	}
	return &Cursor{
		router:          r,
		log:             logger.NewLogger("Cursor"),
		entries:         make(map[cursorKey]*CursorEntry),
		lastSent:        make(map[string]time.Time),
		ttl:             ttl,
		cleanupInterval: cleanupInterval,
		throttle:        throttle,
		stopCh:          make(chan struct{}),
		done:            make(chan struct{}),
	}
}

func (c *Cursor) Name() string { return "cursor" }

// Start launches the expiry sweeper.
func (c *Cursor) Start() {
	go c.cleanupLoop()
}

// Stop halts the sweeper and waits for it to exit. Idempotent.
func (c *Cursor) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
	<-c.done
}

func (c *Cursor) cleanupLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.cleanup()
		}
	}
}

func (c *Cursor) cleanup() {
	now := time.Now()
	type removed struct {
		channel, clientID string
	}
	var expired []removed

	c.mu.Lock()
	for key, entry := range c.entries {
		if now.Sub(entry.UpdatedAt) > c.ttl {
			expired = append(expired, removed{channel: key.channel, clientID: key.clientID})
			delete(c.entries, key)
		}
	}
	c.mu.Unlock()

	for _, r := range expired {
		payload := event("cursor", "remove", r.channel, map[string]interface{}{"clientId": r.clientID})
		if err := c.router.SendToChannel(context.Background(), cursorChannel(r.channel), payload, ""); err != nil {
			c.log.Warnf("publish cursor remove on %s: %v", r.channel, err)
		}
	}
}

func (c *Cursor) HandleAction(ctx context.Context, clientID, action string, data json.RawMessage) error {
	switch action {
	case "update":
		return c.update(ctx, clientID, data)
	case "subscribe":
		return c.subscribe(ctx, clientID, data)
	case "unsubscribe":
		return c.unsubscribe(ctx, clientID, data)
	case "get":
		return c.get(ctx, clientID, data)
	default:
		return fmt.Errorf("cursor: unknown action %q", action)
	}
}

func (c *Cursor) update(ctx context.Context, clientID string, data json.RawMessage) error {
	var req cursorUpdateRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("cursor: invalid update payload: %w", err)
	}
	if !validCursorModes[req.Mode] {
		metrics.RecordServiceAction("cursor", "update", "invalid-mode")
		return fmt.Errorf("cursor: mode must be one of freeform|table|text|canvas")
	}
	if err := validateCursorPosition(req.Mode, req.Position); err != nil {
		metrics.RecordServiceAction("cursor", "update", "invalid-position")
		return fmt.Errorf("cursor: %w", err)
	}

	c.mu.Lock()
	last, throttled := c.lastSent[clientID]
	if throttled && time.Since(last) < c.throttle {
		c.mu.Unlock()
		metrics.RecordServiceAction("cursor", "update", "throttled")
		return nil
	}
	now := time.Now()
	c.lastSent[clientID] = now
	c.entries[cursorKey{channel: req.Channel, clientID: clientID}] = &CursorEntry{
		ClientID:  clientID,
		Mode:      req.Mode,
		Position:  req.Position,
		Metadata:  req.Metadata,
		UpdatedAt: now,
	}
	c.mu.Unlock()

	metrics.RecordServiceAction("cursor", "update", "ok")
	payload := event("cursor", "update", req.Channel, map[string]interface{}{
		"clientId": clientID,
		"mode":     req.Mode,
		"position": req.Position,
		"metadata": req.Metadata,
	})
	// Deliberately no excludeClientId — see the Cursor type's doc comment.
	return c.router.SendToChannel(ctx, cursorChannel(req.Channel), payload, "")
}

func (c *Cursor) subscribe(ctx context.Context, clientID string, data json.RawMessage) error {
	var req cursorChannelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("cursor: invalid subscribe payload: %w", err)
	}
	if err := c.router.SubscribeToChannel(ctx, clientID, cursorChannel(req.Channel)); err != nil {
		return fmt.Errorf("cursor: subscribe %s: %w", req.Channel, err)
	}
	metrics.RecordServiceAction("cursor", "subscribe", "ok")
	return c.router.SendToClient(ctx, clientID, ok("cursor", "subscribe", map[string]interface{}{
		"channel": req.Channel,
		"cursors": c.snapshot(req.Channel),
	}))
}

func (c *Cursor) unsubscribe(ctx context.Context, clientID string, data json.RawMessage) error {
	var req cursorChannelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("cursor: invalid unsubscribe payload: %w", err)
	}
	if err := c.router.UnsubscribeFromChannel(ctx, clientID, cursorChannel(req.Channel)); err != nil {
		return fmt.Errorf("cursor: unsubscribe %s: %w", req.Channel, err)
	}
	metrics.RecordServiceAction("cursor", "unsubscribe", "ok")
	return c.router.SendToClient(ctx, clientID, ok("cursor", "unsubscribe", map[string]interface{}{"channel": req.Channel}))
}

func (c *Cursor) get(ctx context.Context, clientID string, data json.RawMessage) error {
	var req cursorChannelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("cursor: invalid get payload: %w", err)
	}
	metrics.RecordServiceAction("cursor", "get", "ok")
	return c.router.SendToClient(ctx, clientID, ok("cursor", "get", map[string]interface{}{
		"channel": req.Channel,
		"cursors": c.snapshot(req.Channel),
	}))
}

func (c *Cursor) snapshot(channel string) []CursorEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CursorEntry, 0)
	for key, entry := range c.entries {
		if key.channel == channel {
			out = append(out, *entry)
		}
	}
	return out
}

// OnClientDisconnect drops every cursor entry clientID held, across all
// channels, without publishing a remove event — the router's own
// disconnect path already tears down the client's subscriptions, and
// the TTL sweep would otherwise just republish the same thing shortly.
func (c *Cursor) OnClientDisconnect(clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.lastSent, clientID)
	for key := range c.entries {
		if key.clientID == clientID {
			delete(c.entries, key)
		}
	}
}

// GetStats reports the number of live cursor entries.
func (c *Cursor) GetStats() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return map[string]interface{}{"activeCursors": len(c.entries)}
}

func validateCursorPosition(mode string, position map[string]interface{}) error {
	require := func(keys ...string) error {
		for _, k := range keys {
			if _, ok := position[k]; !ok {
				return fmt.Errorf("mode %s requires position.%s", mode, k)
			}
		}
		return nil
	}
	switch mode {
	case "freeform":
		return require("x", "y")
	case "table":
		return require("row", "col")
	case "text":
		return require("position")
	case "canvas":
		if err := require("x", "y", "tool"); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown mode %s", mode)
	}
}

func cursorChannel(channel string) string {
	return "cursor:" + channel
}
