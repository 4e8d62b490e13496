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
	// DefaultPresenceTimeout is how long a client can go without a
	// heartbeat before the sweeper marks it offline.
	DefaultPresenceTimeout = 60 * time.Second
	// DefaultPresenceSweepInterval is how often the sweeper scans for
	// expired presence records.
	DefaultPresenceSweepInterval = 10 * time.Second
)

var validPresenceStatuses = map[string]bool{
	"online": true, "away": true, "busy": true, "offline": true,
}

type presenceRecord struct {
	Status   string          `json:"status"`
	LastSeen time.Time       `json:"lastSeen"`
	Channels map[string]bool `json:"-"`
}

type presenceSetRequest struct {
	Status   string   `json:"status"`
	Channels []string `json:"channels"`
}

type presenceGetRequest struct {
	ClientID string `json:"clientId"`
}

type presenceChannelRequest struct {
	Channel string `json:"channel"`
}

// Presence implements the presence fan-out service: per-client status
// with a background sweeper that expires stale clients to offline.
//
// Open question resolved: `set` does NOT implicitly subscribe the
// caller to presence:<channel> for the channels it lists — the
// service exposes subscribe/unsubscribe as distinct actions precisely
// so a client can watch a channel's presence without announcing its
// own, and set without watching anyone else's. Auto-subscribing on
// set would make that distinction pointless.
type Presence struct {
	router *router.Router
	log    *logger.Logger

	mu      sync.Mutex
	records map[string]*presenceRecord

	timeout       time.Duration
	sweepInterval time.Duration
	stopCh        chan struct{}
	done          chan struct{}
}

// NewPresence creates a Presence service wired to r, using the given
// timeout and sweep interval (pass zero values for the spec defaults).
func NewPresence(r *router.Router, timeout, sweepInterval time.Duration) *Presence {
	if timeout <= 0 {
		timeout = DefaultPresenceTimeout
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultPresenceSweepInterval
	}
	return &Presence{
		router:        r,
		log:           logger.NewLogger("Presence"),
		records:       make(map[string]*presenceRecord),
		timeout:       timeout,
		sweepInterval: sweepInterval,
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}
}

func (p *Presence) Name() string { return "presence" }

// Start launches the background sweeper. Call once before accepting
// traffic.
func (p *Presence) Start() {
	go p.sweepLoop()
}

// Stop halts the sweeper and waits for it to exit. Idempotent.
func (p *Presence) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.done
}

func (p *Presence) sweepLoop() {
	defer close(p.done)
	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

func (p *Presence) sweep() {
	now := time.Now()
	type expired struct {
		clientID string
		channels []string
	}
	var toExpire []expired

	p.mu.Lock()
	for clientID, rec := range p.records {
		if rec.Status == "offline" {
			continue
		}
		if now.Sub(rec.LastSeen) > p.timeout {
			rec.Status = "offline"
			channels := make([]string, 0, len(rec.Channels))
			for ch := range rec.Channels {
				channels = append(channels, ch)
			}
			toExpire = append(toExpire, expired{clientID: clientID, channels: channels})
		}
	}
	p.mu.Unlock()

	for _, e := range toExpire {
		p.publishStatus(context.Background(), e.clientID, "offline", e.channels)
	}
}

func (p *Presence) HandleAction(ctx context.Context, clientID, action string, data json.RawMessage) error {
	switch action {
	case "set":
		return p.set(ctx, clientID, data)
	case "get":
		return p.get(ctx, clientID, data)
	case "subscribe":
		return p.subscribe(ctx, clientID, data)
	case "unsubscribe":
		return p.unsubscribe(ctx, clientID, data)
	case "heartbeat":
		return p.heartbeat(ctx, clientID)
	default:
		return fmt.Errorf("presence: unknown action %q", action)
	}
}

func (p *Presence) set(ctx context.Context, clientID string, data json.RawMessage) error {
	var req presenceSetRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("presence: invalid set payload: %w", err)
	}
	if !validPresenceStatuses[req.Status] {
		metrics.RecordServiceAction("presence", "set", "invalid-status")
		return fmt.Errorf("presence: status must be one of online|away|busy|offline")
	}

	p.mu.Lock()
	rec, exists := p.records[clientID]
	if !exists {
		rec = &presenceRecord{Channels: make(map[string]bool)}
		p.records[clientID] = rec
	}
	rec.Status = req.Status
	rec.LastSeen = time.Now()
	for _, ch := range req.Channels {
		rec.Channels[ch] = true
	}
	channels := make([]string, 0, len(rec.Channels))
	for ch := range rec.Channels {
		channels = append(channels, ch)
	}
	p.mu.Unlock()

	metrics.RecordServiceAction("presence", "set", "ok")
	p.publishStatus(ctx, clientID, req.Status, channels)
	return p.router.SendToClient(ctx, clientID, ok("presence", "set", map[string]interface{}{
		"status": req.Status,
	}))
}

func (p *Presence) get(ctx context.Context, clientID string, data json.RawMessage) error {
	var req presenceGetRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("presence: invalid get payload: %w", err)
	}
	target := req.ClientID
	if target == "" {
		target = clientID
	}

	p.mu.Lock()
	rec, found := p.records[target]
	var status string
	var lastSeen time.Time
	if found {
		status, lastSeen = rec.Status, rec.LastSeen
	}
	p.mu.Unlock()

	metrics.RecordServiceAction("presence", "get", "ok")
	if !found {
		return p.router.SendToClient(ctx, clientID, ok("presence", "get", map[string]interface{}{
			"clientId": target,
			"status":   "offline",
		}))
	}
	return p.router.SendToClient(ctx, clientID, ok("presence", "get", map[string]interface{}{
		"clientId": target,
		"status":   status,
		"lastSeen": lastSeen,
	}))
}

func (p *Presence) subscribe(ctx context.Context, clientID string, data json.RawMessage) error {
	var req presenceChannelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("presence: invalid subscribe payload: %w", err)
	}
	if err := p.router.SubscribeToChannel(ctx, clientID, presenceChannel(req.Channel)); err != nil {
		return fmt.Errorf("presence: subscribe %s: %w", req.Channel, err)
	}
	metrics.RecordServiceAction("presence", "subscribe", "ok")
	return p.router.SendToClient(ctx, clientID, ok("presence", "subscribe", map[string]interface{}{"channel": req.Channel}))
}

func (p *Presence) unsubscribe(ctx context.Context, clientID string, data json.RawMessage) error {
	var req presenceChannelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("presence: invalid unsubscribe payload: %w", err)
	}
	if err := p.router.UnsubscribeFromChannel(ctx, clientID, presenceChannel(req.Channel)); err != nil {
		return fmt.Errorf("presence: unsubscribe %s: %w", req.Channel, err)
	}
	metrics.RecordServiceAction("presence", "unsubscribe", "ok")
	return p.router.SendToClient(ctx, clientID, ok("presence", "unsubscribe", map[string]interface{}{"channel": req.Channel}))
}

func (p *Presence) heartbeat(ctx context.Context, clientID string) error {
	p.mu.Lock()
	rec, exists := p.records[clientID]
	if !exists {
		rec = &presenceRecord{Status: "online", Channels: make(map[string]bool)}
		p.records[clientID] = rec
	}
	rec.LastSeen = time.Now()
	status := rec.Status
	p.mu.Unlock()

	metrics.RecordServiceAction("presence", "heartbeat", "ok")
	return p.router.SendToClient(ctx, clientID, ok("presence", "heartbeat", map[string]interface{}{"status": status}))
}

func (p *Presence) publishStatus(ctx context.Context, clientID, status string, channels []string) {
	for _, ch := range channels {
		payload := event("presence", "update", ch, map[string]interface{}{
			"clientId": clientID,
			"status":   status,
		})
		if err := p.router.SendToChannel(ctx, presenceChannel(ch), payload, ""); err != nil {
			p.log.Warnf("publish presence update on %s: %v", ch, err)
		}
	}
}

// OnClientDisconnect marks the client offline and publishes the change,
// then drops its presence record.
func (p *Presence) OnClientDisconnect(clientID string) {
	p.mu.Lock()
	rec, ok := p.records[clientID]
	var channels []string
	if ok {
		for ch := range rec.Channels {
			channels = append(channels, ch)
		}
		delete(p.records, clientID)
	}
	p.mu.Unlock()
	if ok {
		p.publishStatus(context.Background(), clientID, "offline", channels)
	}
}

// GetStats reports the number of tracked presence records.
func (p *Presence) GetStats() map[string]interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return map[string]interface{}{"trackedClients": len(p.records)}
}

func presenceChannel(channel string) string {
	return "presence:" + channel
}
