// Package services implements the four fan-out services the gateway
// ships: chat, presence, cursor, and reaction. Each is a pure consumer
// of the router — it owns its own in-memory per-channel state and
// validation rules, and replies to clients by calling back into the
// router rather than returning a value the ingress dispatcher would
// have to know how to deliver.
package services

import (
	"context"
	"encoding/json"
	"time"
)

// Service is the capability every fan-out service implements. The
// ingress dispatcher holds a closed table of these, keyed by name, and
// never grows it at runtime (see DESIGN.md on "replacing implicit
// dynamic dispatch").
//
// HandleAction does the work and sends any reply itself via the
// router; its return value is only ever an input-validation error,
// which the dispatcher turns into the uniform error frame without
// ever reaching the router.
type Service interface {
	Name() string
	HandleAction(ctx context.Context, clientID, action string, data json.RawMessage) error
}

// DisconnectHandler is implemented by services that need to clean up
// per-client state when a connection is torn down. Checked with a type
// assertion, the same way http.Flusher is — not every service needs it.
type DisconnectHandler interface {
	OnClientDisconnect(clientID string)
}

// StatsProvider is implemented by services that expose counters for
// GET /stats.
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// Response is the uniform server->client reply shape for every
// service-originated frame.
type Response struct {
	Type      string      `json:"type"`
	Action    string      `json:"action"`
	Success   *bool       `json:"success,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func ok(serviceType, action string, data interface{}) Response {
	success := true
	return Response{Type: serviceType, Action: action, Success: &success, Data: data, Timestamp: time.Now()}
}

func fail(serviceType, action, errMsg string) Response {
	success := false
	return Response{Type: serviceType, Action: action, Success: &success, Error: errMsg, Timestamp: time.Now()}
}

// broadcast is the shape every service publishes to its own channel
// namespace; it carries no success/error fields because it isn't a
// reply to the client that triggered it.
type broadcast struct {
	Type      string      `json:"type"`
	Action    string      `json:"action"`
	Channel   string      `json:"channel,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

func event(serviceType, action, channel string, data interface{}) broadcast {
	return broadcast{Type: serviceType, Action: action, Channel: channel, Data: data, Timestamp: time.Now()}
}
