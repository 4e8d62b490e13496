// Package idgen generates the two identifier shapes the gateway needs:
// a human-diagnosable node ID embedding host/pid/time, and opaque
// per-connection client IDs.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// NodeID returns a unique identifier for this process in the form
// <hostname>-<pid>-<unixmicro>-<rand>, so an operator reading the
// cluster directory can tell which host and process a node came from
// without a lookup. hostname falls back to "unknown" if it can't be
// determined; it's sanitized to remove characters that would break the
// KVPS keyspace (websocket:node:<id>:... uses ':' as a separator).
func NodeID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown"
	}
	hostname = sanitize(hostname)

	var randBytes [4]byte
	if _, err := rand.Read(randBytes[:]); err != nil {
		// crypto/rand.Read only fails if the OS entropy source is
		// broken; fall back to a fixed suffix rather than panic so a
		// node can still start in a degraded environment.
		randBytes = [4]byte{0, 0, 0, 0}
	}

	return fmt.Sprintf("%s-%d-%d-%s", hostname, os.Getpid(), time.Now().UnixMicro(), hex.EncodeToString(randBytes[:]))
}

// ClientID returns an opaque unique identifier for a newly accepted
// WebSocket connection.
func ClientID() string {
	return uuid.NewString()
}

func sanitize(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == ':' || r == ' ' {
			out = append(out, '-')
			continue
		}
		out = append(out, r)
	}
	return string(out)
}
