package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowgate/flowgate/router"
	"github.com/flowgate/flowgate/util/metrics"
)

const reactionRingLimit = 50

// reactionCatalog maps an accepted emoji to the visual effect name
// clients should play. Fixed at startup, per spec.md's "fixed catalog"
// requirement.
var reactionCatalog = map[string]string{
	"👍": "thumbs-up",
	"❤️": "heart-burst",
	"😂": "laugh-bounce",
	"🎉": "confetti",
	"😮": "surprise-pop",
	"😢": "tear-drop",
	"🔥": "flame-rise",
	"👏": "clap-ripple",
}

// Reaction is one sent emoji reaction recorded into a channel's ring.
type Reaction struct {
	ID        string                 `json:"id"`
	ClientID  string                 `json:"clientId"`
	Channel   string                 `json:"channel"`
	Emoji     string                 `json:"emoji"`
	Effect    string                 `json:"effect"`
	Position  map[string]interface{} `json:"position,omitempty"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

type reactionSendRequest struct {
	Channel  string                 `json:"channel"`
	Emoji    string                 `json:"emoji"`
	Position map[string]interface{} `json:"position,omitempty"`
	Metadata map[string]string      `json:"metadata,omitempty"`
}

type reactionChannelRequest struct {
	Channel string `json:"channel"`
}

// ReactionService implements the reaction fan-out service: catalog
// validation, a bounded per-channel ring, and subscribe/unsubscribe.
// Named ReactionService (not Reaction) to avoid colliding with the
// Reaction record type above.
type ReactionService struct {
	router *router.Router

	mu   sync.Mutex
	ring map[string][]Reaction
}

// NewReaction creates a ReactionService wired to r.
func NewReaction(r *router.Router) *ReactionService {
	return &ReactionService{
		router: r,
		ring:   make(map[string][]Reaction),
	}
}

func (s *ReactionService) Name() string { return "reaction" }

func (s *ReactionService) HandleAction(ctx context.Context, clientID, action string, data json.RawMessage) error {
	switch action {
	case "subscribe":
		return s.subscribe(ctx, clientID, data)
	case "unsubscribe":
		return s.unsubscribe(ctx, clientID, data)
	case "send":
		return s.send(ctx, clientID, data)
	case "getAvailable":
		return s.getAvailable(ctx, clientID)
	default:
		return fmt.Errorf("reaction: unknown action %q", action)
	}
}

func (s *ReactionService) subscribe(ctx context.Context, clientID string, data json.RawMessage) error {
	var req reactionChannelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("reaction: invalid subscribe payload: %w", err)
	}
	if err := s.router.SubscribeToChannel(ctx, clientID, reactionsChannel(req.Channel)); err != nil {
		return fmt.Errorf("reaction: subscribe %s: %w", req.Channel, err)
	}
	metrics.RecordServiceAction("reaction", "subscribe", "ok")
	return s.router.SendToClient(ctx, clientID, ok("reaction", "subscribe", map[string]interface{}{"channel": req.Channel}))
}

func (s *ReactionService) unsubscribe(ctx context.Context, clientID string, data json.RawMessage) error {
	var req reactionChannelRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("reaction: invalid unsubscribe payload: %w", err)
	}
	if err := s.router.UnsubscribeFromChannel(ctx, clientID, reactionsChannel(req.Channel)); err != nil {
		return fmt.Errorf("reaction: unsubscribe %s: %w", req.Channel, err)
	}
	metrics.RecordServiceAction("reaction", "unsubscribe", "ok")
	return s.router.SendToClient(ctx, clientID, ok("reaction", "unsubscribe", map[string]interface{}{"channel": req.Channel}))
}

func (s *ReactionService) send(ctx context.Context, clientID string, data json.RawMessage) error {
	var req reactionSendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("reaction: invalid send payload: %w", err)
	}
	effect, known := reactionCatalog[req.Emoji]
	if !known {
		metrics.RecordServiceAction("reaction", "send", "unknown-emoji")
		return fmt.Errorf("reaction: unknown emoji %q", req.Emoji)
	}

	r := Reaction{
		ID:        uuid.NewString(),
		ClientID:  clientID,
		Channel:   req.Channel,
		Emoji:     req.Emoji,
		Effect:    effect,
		Position:  req.Position,
		Metadata:  req.Metadata,
		Timestamp: time.Now(),
	}
	s.appendRing(req.Channel, r)

	metrics.RecordServiceAction("reaction", "send", "ok")
	if err := s.router.SendToChannel(ctx, reactionsChannel(req.Channel), event("reaction", "message", req.Channel, r), ""); err != nil {
		return fmt.Errorf("reaction: publish: %w", err)
	}
	return s.router.SendToClient(ctx, clientID, ok("reaction", "reaction_sent", r))
}

func (s *ReactionService) getAvailable(ctx context.Context, clientID string) error {
	catalog := make([]map[string]string, 0, len(reactionCatalog))
	for emoji, effect := range reactionCatalog {
		catalog = append(catalog, map[string]string{"emoji": emoji, "effect": effect})
	}
	metrics.RecordServiceAction("reaction", "getAvailable", "ok")
	return s.router.SendToClient(ctx, clientID, ok("reaction", "getAvailable", catalog))
}

func (s *ReactionService) appendRing(channel string, r Reaction) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := append(s.ring[channel], r)
	if len(ring) > reactionRingLimit {
		ring = ring[len(ring)-reactionRingLimit:]
	}
	s.ring[channel] = ring
}

// GetStats reports the number of channels with a non-empty reaction
// ring and the total number of buffered reactions.
func (s *ReactionService) GetStats() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, ring := range s.ring {
		total += len(ring)
	}
	return map[string]interface{}{"channelsWithReactions": len(s.ring), "bufferedReactions": total}
}

func reactionsChannel(channel string) string {
	return "reactions:" + channel
}
