package node

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowgate/flowgate/idgen"
	"github.com/flowgate/flowgate/kvps"
	"github.com/flowgate/flowgate/util/callcontext"
	"github.com/flowgate/flowgate/util/logger"
	"github.com/flowgate/flowgate/util/metrics"
)

// Options configures a Manager. Zero values fall back to defaults.
type Options struct {
	Port              int
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	OpTimeout         time.Duration
}

// Manager owns this process's node identity and the KVPS-backed
// cluster directory: the active-node set, this node's info and
// heartbeat, and the bidirectional client<->node and channel<->node
// indices. All directory writes are best-effort; a KVPS failure never
// propagates past this package as an error the caller must crash on —
// it flips the manager into standalone mode instead.
type Manager struct {
	store kvps.Store
	log   *logger.Logger

	info              Info
	heartbeatInterval time.Duration
	heartbeatTTL      time.Duration
	opTimeout         time.Duration

	standalone atomic.Bool
	registered atomic.Bool
	connCount  atomic.Int64

	mu              sync.Mutex
	localClients    map[string]struct{}            // clientID set hosted by this node
	channelClients  map[string]map[string]struct{} // channel -> local clientIDs subscribed
	clientsChannels map[string]map[string]struct{} // clientID -> channels subscribed

	stopHeartbeat chan struct{}
	heartbeatDone chan struct{}
}

// NewManager creates a Manager with a freshly generated node identity.
// Call Start to register it and begin heartbeating.
func NewManager(store kvps.Store, opts Options) *Manager {
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	ttl := opts.HeartbeatTTL
	if ttl <= 0 {
		ttl = DefaultHeartbeatTTL(interval)
	}
	opTimeout := opts.OpTimeout
	if opTimeout <= 0 {
		opTimeout = DefaultOpTimeout
	}

	hostname, err := resolveHostname()
	_ = err // best-effort; resolveHostname already falls back internally

	return &Manager{
		store: store,
		log:   logger.NewLogger("NodeManager"),
		info: Info{
			NodeID:     idgen.NodeID(),
			Hostname:   hostname,
			PID:        pid(),
			StartTime:  time.Now(),
			Port:       opts.Port,
			Interfaces: localInterfaces(),
		},
		heartbeatInterval: interval,
		heartbeatTTL:      ttl,
		opTimeout:         opTimeout,
		localClients:      make(map[string]struct{}),
		channelClients:    make(map[string]map[string]struct{}),
		clientsChannels:   make(map[string]map[string]struct{}),
	}
}

// SetStandaloneForTesting forces standalone mode on or off. This
// should only be used in tests that need to exercise the standalone
// fallback path without actually breaking the KVPS connection.
func (m *Manager) SetStandaloneForTesting(standalone bool) {
	m.setStandalone(standalone)
}

// NodeID returns this process's identity.
func (m *Manager) NodeID() string { return m.info.NodeID }

// Standalone reports whether the directory is currently unreachable.
func (m *Manager) Standalone() bool { return m.standalone.Load() }

func (m *Manager) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return callcontext.WithDefaultTimeout(ctx, m.opTimeout)
}

// markKVPSResult flips standalone mode based on the outcome of a
// directory call and records the metric. A nil error exits standalone
// mode if it was set, since a later successful call is evidence the
// directory recovered.
func (m *Manager) markKVPSResult(op string, err error) {
	if err != nil {
		metrics.RecordKVPSError(op)
		m.log.Warnf("kvps %s failed, degrading to standalone mode: %v", op, err)
		m.setStandalone(true)
		return
	}
	if m.standalone.Load() {
		m.log.Infof("kvps operation %s succeeded, leaving standalone mode", op)
	}
	m.setStandalone(false)
}

func (m *Manager) setStandalone(v bool) {
	if m.standalone.Swap(v) != v {
		metrics.SetStandalone(v)
	}
}

// Start registers this node and begins heartbeating. It is idempotent
// and never blocks on directory availability.
func (m *Manager) Start(ctx context.Context) {
	m.Register(ctx)
	m.StartHeartbeat()
}

// Register is idempotent: adds this node to the active-nodes set,
// writes its info hash and an initial heartbeat. It reports nothing to
// the caller: directory failures degrade to standalone mode instead.
func (m *Manager) Register(ctx context.Context) {
	if m.registered.Swap(true) {
		return
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	infoFields := map[string]string{
		"nodeId":    m.info.NodeID,
		"hostname":  m.info.Hostname,
		"pid":       itoa(m.info.PID),
		"startTime": m.info.StartTime.Format(time.RFC3339),
		"port":      itoa(m.info.Port),
	}
	if b, err := json.Marshal(m.info.Interfaces); err == nil {
		infoFields["interfaces"] = string(b)
	}

	err := m.store.SAdd(ctx, nodesSetKey(), m.info.NodeID)
	m.markKVPSResult("sadd:nodes", err)
	if err != nil {
		return
	}

	if err := m.store.HSet(ctx, nodeInfoKey(m.info.NodeID), infoFields); err != nil {
		m.markKVPSResult("hset:node-info", err)
		return
	}

	m.writeHeartbeat(ctx)
	metrics.NodesActive.Inc()
	m.log.Infof("registered node %s (standalone=%v)", m.info.NodeID, m.standalone.Load())
}

// StartHeartbeat launches the periodic heartbeat task. It returns
// immediately; the task runs until Shutdown is called.
func (m *Manager) StartHeartbeat() {
	m.mu.Lock()
	if m.stopHeartbeat != nil {
		m.mu.Unlock()
		return
	}
	m.stopHeartbeat = make(chan struct{})
	m.heartbeatDone = make(chan struct{})
	stop := m.stopHeartbeat
	done := m.heartbeatDone
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.heartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ctx, cancel := m.withTimeout(context.Background())
				m.writeHeartbeat(ctx)
				cancel()
			}
		}
	}()
}

func (m *Manager) writeHeartbeat(ctx context.Context) {
	hb := Heartbeat{
		Timestamp:       time.Now(),
		UptimeSeconds:   time.Since(m.info.StartTime).Seconds(),
		ConnectionCount: int(m.connCount.Load()),
		MemoryBytes:     currentMemoryUsage(),
	}
	fields := map[string]string{
		"timestamp":       hb.Timestamp.Format(time.RFC3339),
		"uptimeSeconds":   ftoa(hb.UptimeSeconds),
		"connectionCount": itoa(hb.ConnectionCount),
		"memoryBytes":     uitoa(hb.MemoryBytes),
	}
	key := nodeHeartbeatKey(m.info.NodeID)
	if err := m.store.HSet(ctx, key, fields); err != nil {
		m.markKVPSResult("hset:heartbeat", err)
		return
	}
	if err := m.store.Expire(ctx, key, int64(m.heartbeatTTL.Seconds())); err != nil {
		m.markKVPSResult("expire:heartbeat", err)
		return
	}
	m.markKVPSResult("heartbeat", nil)
}

func currentMemoryUsage() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.Alloc
}

// RegisterClient records that clientID connected to this node.
func (m *Manager) RegisterClient(ctx context.Context, clientID string, metadata map[string]string) {
	m.mu.Lock()
	m.localClients[clientID] = struct{}{}
	m.mu.Unlock()
	m.connCount.Add(1)
	metrics.ClientsConnected.Inc()

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.store.Set(ctx, clientNodeKey(clientID), m.info.NodeID); err != nil {
		m.markKVPSResult("set:client-node", err)
	}
	if err := m.store.SAdd(ctx, nodeClientsKey(m.info.NodeID), clientID); err != nil {
		m.markKVPSResult("sadd:node-clients", err)
	}
	if len(metadata) > 0 {
		if err := m.store.HSet(ctx, clientMetadataKey(clientID), metadata); err != nil {
			m.markKVPSResult("hset:client-metadata", err)
		}
	}
}

// UnregisterClient removes every directory trace of clientID hosted by
// this node: its channel memberships (releasing channel-node edges
// this was the last local holder of), its node mapping, and its
// metadata. Safe to call more than once for the same clientID.
func (m *Manager) UnregisterClient(ctx context.Context, clientID string) {
	m.mu.Lock()
	if _, ok := m.localClients[clientID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.localClients, clientID)
	channels := m.clientsChannels[clientID]
	delete(m.clientsChannels, clientID)
	m.mu.Unlock()

	for channel := range channels {
		m.unsubscribeClientFromChannelLocked(ctx, clientID, channel)
	}

	m.connCount.Add(-1)
	metrics.ClientsConnected.Dec()

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.store.Delete(ctx, clientNodeKey(clientID), clientChannelsKey(clientID), clientMetadataKey(clientID)); err != nil {
		m.markKVPSResult("delete:client", err)
	}
	if err := m.store.SRem(ctx, nodeClientsKey(m.info.NodeID), clientID); err != nil {
		m.markKVPSResult("srem:node-clients", err)
	}
}

// SubscribeClientToChannel adds channel to clientID's subscription set.
// It reports firstLocal=true when clientID was the first local client
// subscribed to channel — the signal the router uses to decide whether
// it needs to open a new KVPS route subscription.
func (m *Manager) SubscribeClientToChannel(ctx context.Context, clientID, channel string) (firstLocal bool, err error) {
	m.mu.Lock()
	clients, ok := m.channelClients[channel]
	if !ok {
		clients = make(map[string]struct{})
		m.channelClients[channel] = clients
	}
	if _, already := clients[clientID]; already {
		m.mu.Unlock()
		return false, nil
	}
	firstLocal = len(clients) == 0
	clients[clientID] = struct{}{}

	channels, ok := m.clientsChannels[clientID]
	if !ok {
		channels = make(map[string]struct{})
		m.clientsChannels[clientID] = channels
	}
	channels[channel] = struct{}{}
	m.mu.Unlock()

	opCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.store.SAdd(opCtx, clientChannelsKey(clientID), channel); err != nil {
		m.markKVPSResult("sadd:client-channels", err)
	}
	if firstLocal {
		if err := m.store.SAdd(opCtx, ChannelNodesKey(channel), m.info.NodeID); err != nil {
			m.markKVPSResult("sadd:channel-nodes", err)
		}
		if err := m.store.SAdd(opCtx, nodeChannelsKey(m.info.NodeID), channel); err != nil {
			m.markKVPSResult("sadd:node-channels", err)
		}
	}
	return firstLocal, nil
}

// UnsubscribeClientFromChannel removes channel from clientID's
// subscription set. It reports lastLocal=true when clientID was the
// last local client subscribed to channel — the signal the router
// uses to decide whether it can drop its KVPS route subscription.
func (m *Manager) UnsubscribeClientFromChannel(ctx context.Context, clientID, channel string) (lastLocal bool, err error) {
	return m.unsubscribeClientFromChannelLocked(ctx, clientID, channel)
}

func (m *Manager) unsubscribeClientFromChannelLocked(ctx context.Context, clientID, channel string) (bool, error) {
	m.mu.Lock()
	clients, ok := m.channelClients[channel]
	if !ok {
		m.mu.Unlock()
		return false, nil
	}
	if _, present := clients[clientID]; !present {
		m.mu.Unlock()
		return false, nil
	}
	delete(clients, clientID)
	lastLocal := len(clients) == 0
	if lastLocal {
		delete(m.channelClients, channel)
	}
	if channels, ok := m.clientsChannels[clientID]; ok {
		delete(channels, channel)
	}
	m.mu.Unlock()

	opCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	if err := m.store.SRem(opCtx, clientChannelsKey(clientID), channel); err != nil {
		m.markKVPSResult("srem:client-channels", err)
	}
	if lastLocal {
		if err := m.store.SRem(opCtx, ChannelNodesKey(channel), m.info.NodeID); err != nil {
			m.markKVPSResult("srem:channel-nodes", err)
		}
		if err := m.store.SRem(opCtx, nodeChannelsKey(m.info.NodeID), channel); err != nil {
			m.markKVPSResult("srem:node-channels", err)
		}
	}
	return lastLocal, nil
}

// GetNodesForChannel returns the nodeIds currently serving at least one
// subscriber of channel. In standalone mode it always returns this
// node alone.
func (m *Manager) GetNodesForChannel(ctx context.Context, channel string) ([]string, error) {
	if m.standalone.Load() {
		return []string{m.info.NodeID}, nil
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	nodeIDs, err := m.store.SMembers(ctx, ChannelNodesKey(channel))
	if err != nil {
		m.markKVPSResult("smembers:channel-nodes", err)
		return []string{m.info.NodeID}, nil
	}
	return nodeIDs, nil
}

// GetClientNode returns the nodeId hosting clientID, if known. In
// standalone mode only locally hosted clients are known.
func (m *Manager) GetClientNode(ctx context.Context, clientID string) (string, bool) {
	if m.standalone.Load() {
		m.mu.Lock()
		_, local := m.localClients[clientID]
		m.mu.Unlock()
		if local {
			return m.info.NodeID, true
		}
		return "", false
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	nodeID, ok, err := m.store.Get(ctx, clientNodeKey(clientID))
	if err != nil {
		m.markKVPSResult("get:client-node", err)
		return "", false
	}
	return nodeID, ok
}

// GetClusterInfo aggregates node info and heartbeats across the
// cluster for observability endpoints.
func (m *Manager) GetClusterInfo(ctx context.Context) ClusterInfo {
	if m.standalone.Load() {
		return ClusterInfo{
			Standalone: true,
			SelfNodeID: m.info.NodeID,
			Nodes:      []Summary{m.selfSummary()},
		}
	}

	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	nodeIDs, err := m.store.SMembers(ctx, nodesSetKey())
	if err != nil {
		m.markKVPSResult("smembers:nodes", err)
		return ClusterInfo{
			Standalone: true,
			SelfNodeID: m.info.NodeID,
			Nodes:      []Summary{m.selfSummary()},
		}
	}

	summaries := make([]Summary, 0, len(nodeIDs))
	for _, nodeID := range nodeIDs {
		if nodeID == m.info.NodeID {
			summaries = append(summaries, m.selfSummary())
			continue
		}
		summaries = append(summaries, m.remoteSummary(ctx, nodeID))
	}
	return ClusterInfo{Standalone: false, SelfNodeID: m.info.NodeID, Nodes: summaries}
}

func (m *Manager) selfSummary() Summary {
	return Summary{
		NodeID:          m.info.NodeID,
		Hostname:        m.info.Hostname,
		Port:            m.info.Port,
		StartTime:       m.info.StartTime,
		LastHeartbeat:   time.Now(),
		ConnectionCount: int(m.connCount.Load()),
		Alive:           true,
	}
}

func (m *Manager) remoteSummary(ctx context.Context, nodeID string) Summary {
	info, err := m.store.HGetAll(ctx, nodeInfoKey(nodeID))
	if err != nil {
		m.markKVPSResult("hgetall:node-info", err)
	}
	hb, err := m.store.HGetAll(ctx, nodeHeartbeatKey(nodeID))
	if err != nil {
		m.markKVPSResult("hgetall:heartbeat", err)
	}

	summary := Summary{NodeID: nodeID, Hostname: info["hostname"], Port: atoi(info["port"])}
	if ts, ok := hb["timestamp"]; ok {
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			summary.LastHeartbeat = parsed
			summary.Alive = time.Since(parsed) <= m.heartbeatTTL
		}
	}
	if startTime, ok := info["startTime"]; ok {
		if parsed, err := time.Parse(time.RFC3339, startTime); err == nil {
			summary.StartTime = parsed
		}
	}
	summary.ConnectionCount = atoi(hb["connectionCount"])
	return summary
}

// Shutdown stops the heartbeat task and removes every directory trace
// of this node: its channel-node edges, its hosted clients, its own
// hash keys, and its entry in the active-nodes set.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	stop := m.stopHeartbeat
	done := m.heartbeatDone
	m.stopHeartbeat = nil
	localClients := make([]string, 0, len(m.localClients))
	for id := range m.localClients {
		localClients = append(localClients, id)
	}
	channels := make([]string, 0, len(m.channelClients))
	for ch := range m.channelClients {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	if stop != nil {
		close(stop)
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			m.log.Warnf("heartbeat task did not stop within timeout")
		}
	}

	for _, clientID := range localClients {
		m.UnregisterClient(ctx, clientID)
	}

	opCtx, cancel := m.withTimeout(ctx)
	defer cancel()

	for _, channel := range channels {
		if err := m.store.SRem(opCtx, ChannelNodesKey(channel), m.info.NodeID); err != nil {
			m.markKVPSResult("srem:channel-nodes-shutdown", err)
		}
	}

	if err := m.store.Delete(opCtx, nodeInfoKey(m.info.NodeID), nodeHeartbeatKey(m.info.NodeID), nodeClientsKey(m.info.NodeID), nodeChannelsKey(m.info.NodeID)); err != nil {
		m.markKVPSResult("delete:node-keys", err)
	}
	if err := m.store.SRem(opCtx, nodesSetKey(), m.info.NodeID); err != nil {
		m.markKVPSResult("srem:nodes", err)
	}

	metrics.NodesActive.Dec()
	m.log.Infof("node %s shut down", m.info.NodeID)
}
