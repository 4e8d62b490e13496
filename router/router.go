// Package router is the distributed message-routing core: it turns a
// logical send (to-channel, to-client, to-all) into the minimum set of
// inter-node KVPS publishes and local dispatches, and delivers inbound
// cross-node envelopes to the clients this process hosts.
package router

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flowgate/flowgate/kvps"
	"github.com/flowgate/flowgate/node"
	"github.com/flowgate/flowgate/registry"
	"github.com/flowgate/flowgate/util/callcontext"
	"github.com/flowgate/flowgate/util/logger"
	"github.com/flowgate/flowgate/util/metrics"
)

// DefaultOpTimeout bounds every KVPS call the router makes.
const DefaultOpTimeout = 3 * time.Second

// Router is the distributed routing core for one process. It owns no
// client state of its own — that lives in the registry — and no
// directory state of its own — that lives in the node manager — it
// only wires the two together with KVPS pub/sub.
type Router struct {
	store    kvps.Store
	node     *node.Manager
	registry *registry.Registry
	log      *logger.Logger

	opTimeout time.Duration

	mu           sync.Mutex
	routeSubs    map[string]kvps.Unsubscribe
	directSub    kvps.Unsubscribe
	broadcastSub kvps.Unsubscribe
}

// New creates a Router wired to the given KVPS store, node manager and
// connection registry. Call Start before routing any traffic.
func New(store kvps.Store, nodeManager *node.Manager, reg *registry.Registry) *Router {
	return &Router{
		store:     store,
		node:      nodeManager,
		registry:  reg,
		log:       logger.NewLogger("Router"),
		opTimeout: DefaultOpTimeout,
		routeSubs: make(map[string]kvps.Unsubscribe),
	}
}

// Start subscribes to this node's direct channel and the global
// broadcast channel. It must be called once before any client
// connects.
func (r *Router) Start(ctx context.Context) error {
	directSub, err := r.store.Subscribe(ctx, directChannelName(r.node.NodeID()), r.onDirectMessage)
	if err != nil {
		return fmt.Errorf("subscribe direct channel: %w", err)
	}
	broadcastSub, err := r.store.Subscribe(ctx, broadcastAllChannelName(), r.onBroadcastMessage)
	if err != nil {
		directSub()
		return fmt.Errorf("subscribe broadcast channel: %w", err)
	}

	r.mu.Lock()
	r.directSub = directSub
	r.broadcastSub = broadcastSub
	r.mu.Unlock()
	return nil
}

// Stop releases every KVPS subscription this router holds: the direct
// channel, the broadcast channel, and every per-channel route
// subscription still open.
func (r *Router) Stop() {
	r.mu.Lock()
	direct, broadcast := r.directSub, r.broadcastSub
	r.directSub, r.broadcastSub = nil, nil
	routes := r.routeSubs
	r.routeSubs = make(map[string]kvps.Unsubscribe)
	r.mu.Unlock()

	if direct != nil {
		direct()
	}
	if broadcast != nil {
		broadcast()
	}
	for _, unsubscribe := range routes {
		unsubscribe()
	}
}

// RegisterLocalClient stores clientID's egress and metadata and
// records it in the cluster directory.
func (r *Router) RegisterLocalClient(ctx context.Context, clientID string, conn registry.Conn, metadata map[string]string) {
	r.registry.Register(clientID, conn, metadata)
	r.node.RegisterClient(ctx, clientID, metadata)
}

// UnregisterLocalClient unsubscribes clientID from every channel it
// held (releasing KVPS route subscriptions that no longer have a local
// subscriber) and removes it from the registry and the directory. Safe
// to call more than once, and safe to call after the underlying
// connection is already closed.
func (r *Router) UnregisterLocalClient(ctx context.Context, clientID string) {
	channels, ok := r.registry.Unregister(clientID)
	if ok {
		// The registry record is already gone, so releaseChannelSubscription
		// (which goes through registry.RemoveChannel) cannot be used here.
		for _, channel := range channels {
			lastLocal, err := r.node.UnsubscribeClientFromChannel(ctx, clientID, channel)
			if err != nil {
				r.log.Warnf("unsubscribe %s from %s: %v", clientID, channel, err)
				continue
			}
			if lastLocal {
				r.releaseRouteSubscription(channel)
			}
		}
	}
	r.node.UnregisterClient(ctx, clientID)
}

// SubscribeToChannel adds channel to clientID's subscription set and,
// if this is the first local client subscribed to channel, opens the
// KVPS route subscription for it.
func (r *Router) SubscribeToChannel(ctx context.Context, clientID, channel string) error {
	if !r.registry.Exists(clientID) {
		return fmt.Errorf("router: client %s is not registered", clientID)
	}
	if !r.registry.AddChannel(clientID, channel) {
		return nil // already subscribed; idempotent no-op
	}

	firstLocal, err := r.node.SubscribeClientToChannel(ctx, clientID, channel)
	if err != nil {
		return err
	}
	if firstLocal {
		r.ensureRouteSubscription(ctx, channel)
	}
	return nil
}

// UnsubscribeFromChannel is the inverse of SubscribeToChannel: it
// removes channel from clientID's set and, if clientID was the last
// local subscriber, releases the KVPS route subscription.
func (r *Router) UnsubscribeFromChannel(ctx context.Context, clientID, channel string) error {
	r.releaseChannelSubscription(ctx, clientID, channel)
	return nil
}

func (r *Router) releaseChannelSubscription(ctx context.Context, clientID, channel string) {
	if !r.registry.RemoveChannel(clientID, channel) {
		return
	}
	lastLocal, err := r.node.UnsubscribeClientFromChannel(ctx, clientID, channel)
	if err != nil {
		r.log.Warnf("unsubscribe %s from %s: %v", clientID, channel, err)
		return
	}
	if lastLocal {
		r.releaseRouteSubscription(channel)
	}
}

func (r *Router) ensureRouteSubscription(ctx context.Context, channel string) {
	r.mu.Lock()
	if _, exists := r.routeSubs[channel]; exists {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	unsubscribe, err := r.store.Subscribe(ctx, routeChannelName(channel), func(payload string) {
		r.onRouteMessage(channel, payload)
	})
	if err != nil {
		r.log.Warnf("subscribe route channel %s: %v", channel, err)
		metrics.RecordKVPSError("subscribe:route")
		return
	}

	r.mu.Lock()
	r.routeSubs[channel] = unsubscribe
	r.mu.Unlock()
}

func (r *Router) releaseRouteSubscription(channel string) {
	r.mu.Lock()
	unsubscribe, ok := r.routeSubs[channel]
	if ok {
		delete(r.routeSubs, channel)
	}
	r.mu.Unlock()
	if ok {
		unsubscribe()
	}
}

// IsSubscribed reports whether clientID is locally registered and
// currently subscribed to channel. Services use this to enforce
// join-before-send rules without needing direct registry access.
func (r *Router) IsSubscribed(clientID, channel string) bool {
	for _, ch := range r.registry.Channels(clientID) {
		if ch == channel {
			return true
		}
	}
	return false
}

// SendToChannel delivers payload to every subscriber of channel across
// the cluster, excluding excludeClientID if non-empty. In standalone
// mode it fans out locally only.
func (r *Router) SendToChannel(ctx context.Context, channel string, payload interface{}, excludeClientID string) error {
	rawMsg, err := encodeMessage(payload)
	if err != nil {
		return err
	}

	if r.node.Standalone() {
		r.localFanOutChannel(ctx, channel, rawMsg, excludeClientID)
		metrics.RecordPublish("channel-standalone")
		return nil
	}

	nodeIDs, err := r.node.GetNodesForChannel(ctx, channel)
	if err != nil {
		return err
	}
	if len(nodeIDs) == 0 {
		metrics.RecordDrop("no-subscribers")
		return nil
	}

	env := Envelope{
		Type:            EnvelopeChannelMessage,
		Channel:         channel,
		Message:         rawMsg,
		ExcludeClientID: excludeClientID,
		FromNode:        r.node.NodeID(),
		TargetNodes:     nodeIDs,
		Timestamp:       time.Now(),
	}
	return r.publishEnvelope(ctx, routeChannelName(channel), env)
}

// SendToClient delivers payload to a single client, local or remote.
// If the client is unknown anywhere in the cluster, the message is
// dropped with a warning — there is no retry.
func (r *Router) SendToClient(ctx context.Context, clientID string, payload interface{}) error {
	rawMsg, err := encodeMessage(payload)
	if err != nil {
		return err
	}

	if r.registry.Exists(clientID) {
		if !r.registry.SendToLocalClient(clientID, string(rawMsg)) {
			metrics.RecordLocalDispatch("failure")
			r.UnregisterLocalClient(ctx, clientID)
			return nil
		}
		metrics.RecordLocalDispatch("success")
		return nil
	}

	targetNode, ok := r.node.GetClientNode(ctx, clientID)
	if !ok {
		r.log.Warnf("sendToClient: unknown client %s, dropping", clientID)
		metrics.RecordDrop("unknown-client")
		return nil
	}

	env := Envelope{
		Type:      EnvelopeDirectMessage,
		ClientID:  clientID,
		Message:   rawMsg,
		FromNode:  r.node.NodeID(),
		Timestamp: time.Now(),
	}
	return r.publishEnvelope(ctx, directChannelName(targetNode), env)
}

// BroadcastToAll delivers payload to every client in the cluster,
// excluding excludeClientID if non-empty. Local clients are delivered
// to synchronously; every other node delivers to its own local clients
// when its broadcast subscriber sees the envelope.
func (r *Router) BroadcastToAll(ctx context.Context, payload interface{}, excludeClientID string) error {
	rawMsg, err := encodeMessage(payload)
	if err != nil {
		return err
	}

	r.localFanOutAll(ctx, rawMsg, excludeClientID)

	if r.node.Standalone() {
		metrics.RecordPublish("broadcast-standalone")
		return nil
	}

	env := Envelope{
		Type:            EnvelopeBroadcast,
		Message:         rawMsg,
		ExcludeClientID: excludeClientID,
		FromNode:        r.node.NodeID(),
		Timestamp:       time.Now(),
	}
	return r.publishEnvelope(ctx, broadcastAllChannelName(), env)
}

func (r *Router) publishEnvelope(ctx context.Context, channel string, env Envelope) error {
	payload, err := encodeEnvelope(env)
	if err != nil {
		return err
	}

	opCtx, cancel := callcontext.WithDefaultTimeout(ctx, r.opTimeout)
	defer cancel()

	if err := r.store.Publish(opCtx, channel, payload); err != nil {
		metrics.RecordKVPSError("publish")
		r.log.Warnf("publish to %s failed: %v", channel, err)
		return nil
	}
	metrics.RecordPublish(string(env.Type))
	return nil
}

// localFanOutChannel iterates every locally registered client whose
// channel set contains channel and writes payload to each one except
// excludeClientID. A write failure unregisters that client — its
// connection is assumed dead.
func (r *Router) localFanOutChannel(ctx context.Context, channel string, payload []byte, excludeClientID string) {
	for _, clientID := range r.registry.ClientsInChannel(channel) {
		if clientID == excludeClientID {
			continue
		}
		r.deliverOrCleanup(ctx, clientID, payload)
	}
}

func (r *Router) localFanOutAll(ctx context.Context, payload []byte, excludeClientID string) {
	for _, clientID := range r.registry.AllClientIDs() {
		if clientID == excludeClientID {
			continue
		}
		r.deliverOrCleanup(ctx, clientID, payload)
	}
}

func (r *Router) deliverOrCleanup(ctx context.Context, clientID string, payload []byte) {
	if r.registry.SendToLocalClient(clientID, string(payload)) {
		metrics.RecordLocalDispatch("success")
		return
	}
	metrics.RecordLocalDispatch("failure")
	r.UnregisterLocalClient(ctx, clientID)
}

func (r *Router) onRouteMessage(channel, payload string) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		r.log.Warnf("discarding malformed route envelope on %s: %v", channel, err)
		return
	}
	if len(env.TargetNodes) > 0 && !containsNode(env.TargetNodes, r.node.NodeID()) {
		metrics.RecordDrop("stale-target")
		return
	}
	r.localFanOutChannel(context.Background(), channel, env.Message, env.ExcludeClientID)
}

func (r *Router) onDirectMessage(payload string) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		r.log.Warnf("discarding malformed direct envelope: %v", err)
		return
	}
	if env.ClientID == "" {
		return
	}
	if !r.registry.Exists(env.ClientID) {
		metrics.RecordDrop("direct-not-local")
		return
	}
	r.deliverOrCleanup(context.Background(), env.ClientID, env.Message)
}

func (r *Router) onBroadcastMessage(payload string) {
	env, err := decodeEnvelope(payload)
	if err != nil {
		r.log.Warnf("discarding malformed broadcast envelope: %v", err)
		return
	}
	if env.FromNode == r.node.NodeID() {
		// Already delivered synchronously in BroadcastToAll.
		return
	}
	r.localFanOutAll(context.Background(), env.Message, env.ExcludeClientID)
}
