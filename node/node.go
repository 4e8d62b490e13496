// Package node owns this process's identity within the cluster, keeps
// it registered in the shared directory with periodic heartbeats, and
// answers the routing-relevant topology queries the router needs:
// which nodes serve a channel, and which node owns a client.
package node

import (
	"fmt"
	"net"
	"time"
)

// Info is the static identity of this process, written once to the
// directory at registration time and never mutated afterward.
type Info struct {
	NodeID     string
	Hostname   string
	PID        int
	StartTime  time.Time
	Port       int
	Interfaces []string
}

// localInterfaces returns the non-loopback IP addresses of this host,
// best-effort. A failure to enumerate interfaces is not fatal — the
// node still registers, just without that detail.
func localInterfaces() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		out = append(out, ipNet.IP.String())
	}
	return out
}

// Heartbeat is the payload refreshed on the node's heartbeat key every
// HeartbeatInterval.
type Heartbeat struct {
	Timestamp       time.Time
	UptimeSeconds   float64
	ConnectionCount int
	MemoryBytes     uint64
}

// Summary is one node's entry in a ClusterInfo snapshot.
type Summary struct {
	NodeID          string
	Hostname        string
	Port            int
	StartTime       time.Time
	LastHeartbeat   time.Time
	ConnectionCount int
	// Alive reports whether LastHeartbeat is fresher than the heartbeat
	// TTL. A node can linger in the active-nodes set with a stale or
	// missing heartbeat if it crashed without deregistering; callers
	// must tolerate that and treat Alive=false as dead.
	Alive bool
}

// ClusterInfo aggregates node info and heartbeats for the GET /cluster
// observability endpoint.
type ClusterInfo struct {
	Standalone bool
	SelfNodeID string
	Nodes      []Summary
}

func (c ClusterInfo) String() string {
	return fmt.Sprintf("ClusterInfo{standalone=%v, nodes=%d}", c.Standalone, len(c.Nodes))
}

const (
	// DefaultHeartbeatInterval is how often a live node refreshes its
	// heartbeat key.
	DefaultHeartbeatInterval = 30 * time.Second
	// DefaultOpTimeout bounds every individual KVPS call the manager
	// makes so a directory outage never hangs the caller.
	DefaultOpTimeout = 3 * time.Second
)

// DefaultHeartbeatTTL is 3x the interval per the liveness contract:
// a node is considered dead once 3 consecutive heartbeats are missed.
func DefaultHeartbeatTTL(interval time.Duration) time.Duration {
	return 3 * interval
}
