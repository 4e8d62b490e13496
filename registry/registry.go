// Package registry holds the per-process mapping from a connected
// client to its egress handle, subscribed channels, and connect
// metadata. It is the only component with direct access to the wire
// egress; every other package reaches a client's connection through
// SendToLocalClient.
package registry

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/flowgate/flowgate/util/keylock"
)

// Conn is the egress primitive a client connection exposes to the
// registry. Implementations must make Send safe to call concurrently
// with Close, since a slow client may be mid-write when the router
// decides to drop it.
type Conn interface {
	Send(payload string) error
	Close(code int, reason string) error
}

type record struct {
	conn     Conn
	metadata map[string]string
	channels map[string]struct{}
	joinedAt time.Time
}

// Registry maps clientId -> {egress, metadata, channels, joinedAt}.
// Reads dominate writes: writes happen only on the accept and cleanup
// paths, reads happen on every dispatch and fan-out.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*record

	// writeLocks serializes egress writes per client so concurrent
	// fan-out (channel broadcast, direct message, error frame) never
	// interleaves bytes on the same connection.
	writeLocks *keylock.KeyLock
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{
		clients:    make(map[string]*record),
		writeLocks: keylock.NewKeyLock(),
	}
}

// Register adds a newly accepted client. Calling Register for an
// already-registered clientId replaces its egress and metadata.
func (r *Registry) Register(clientID string, conn Conn, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientID] = &record{
		conn:     conn,
		metadata: metadata,
		channels: make(map[string]struct{}),
		joinedAt: time.Now(),
	}
}

// Unregister removes clientID and returns the channels it was
// subscribed to, so the caller can unwind directory state for each.
// Safe to call more than once; a second call returns ok=false.
func (r *Registry) Unregister(clientID string) (channels []string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, present := r.clients[clientID]
	if !present {
		return nil, false
	}
	delete(r.clients, clientID)
	channels = make([]string, 0, len(rec.channels))
	for ch := range rec.channels {
		channels = append(channels, ch)
	}
	return channels, true
}

// Exists reports whether clientID is currently registered.
func (r *Registry) Exists(clientID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.clients[clientID]
	return ok
}

// AddChannel records that clientID subscribed to channel. Returns
// false if clientID is unknown or was already subscribed (no-op).
func (r *Registry) AddChannel(clientID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clients[clientID]
	if !ok {
		return false
	}
	if _, already := rec.channels[channel]; already {
		return false
	}
	rec.channels[channel] = struct{}{}
	return true
}

// RemoveChannel removes channel from clientID's subscription set.
// Returns false if clientID is unknown or wasn't subscribed.
func (r *Registry) RemoveChannel(clientID, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.clients[clientID]
	if !ok {
		return false
	}
	if _, present := rec.channels[channel]; !present {
		return false
	}
	delete(rec.channels, channel)
	return true
}

// Channels returns a snapshot of clientID's subscribed channels.
func (r *Registry) Channels(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(rec.channels))
	for ch := range rec.channels {
		out = append(out, ch)
	}
	return out
}

// Metadata returns clientID's connect metadata, or nil if unknown.
func (r *Registry) Metadata(clientID string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	return rec.metadata
}

// JoinedAt returns when clientID was registered, or the zero time if
// unknown.
func (r *Registry) JoinedAt(clientID string) time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.clients[clientID]
	if !ok {
		return time.Time{}
	}
	return rec.joinedAt
}

// ClientsInChannel returns the clientIds currently subscribed to
// channel, for local fan-out.
func (r *Registry) ClientsInChannel(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0)
	for clientID, rec := range r.clients {
		if _, ok := rec.channels[channel]; ok {
			out = append(out, clientID)
		}
	}
	return out
}

// AllClientIDs returns a snapshot of every currently registered
// clientId, for broadcast fan-out.
func (r *Registry) AllClientIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for clientID := range r.clients {
		out = append(out, clientID)
	}
	return out
}

// Count returns the number of currently registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// SendToLocalClient serializes payload to JSON if it isn't already a
// string, and writes it to clientID's egress. Returns false if
// clientID is unknown or the write failed (egress closed). Writes to
// the same clientID never interleave.
func (r *Registry) SendToLocalClient(clientID string, payload interface{}) bool {
	r.mu.RLock()
	rec, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	frame, ok := payload.(string)
	if !ok {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		frame = string(encoded)
	}

	unlock := r.writeLocks.Lock(clientID)
	defer unlock()
	return rec.conn.Send(frame) == nil
}

// CloseLocalClient closes clientID's egress with the given WebSocket
// close code and reason, if clientID is still registered.
func (r *Registry) CloseLocalClient(clientID string, code int, reason string) {
	r.mu.RLock()
	rec, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return
	}
	unlock := r.writeLocks.Lock(clientID)
	defer unlock()
	_ = rec.conn.Close(code, reason)
}
