// Package ingress parses the client request envelope
// {service, action, ...} and routes it to the matching fan-out
// service, returning a uniform error frame for anything that fails
// before reaching a service.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowgate/flowgate/router"
	"github.com/flowgate/flowgate/services"
	"github.com/flowgate/flowgate/util/logger"
	"github.com/flowgate/flowgate/util/metrics"
)

// ErrorFrame is the uniform shape sent back for any request the
// dispatcher could not route or a service rejected.
type ErrorFrame struct {
	Type      string    `json:"type"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

func newErrorFrame(msg string) ErrorFrame {
	return ErrorFrame{Type: "error", Error: msg, Timestamp: time.Now()}
}

type requestEnvelope struct {
	Service string `json:"service"`
	Action  string `json:"action"`
}

// Dispatcher routes parsed client envelopes to a closed table of
// services, built once at construction time (per spec.md §9's
// "replacing implicit dynamic dispatch" — the set of services is known
// at startup and never grows at runtime).
type Dispatcher struct {
	router   *router.Router
	services map[string]services.Service
	log      *logger.Logger
}

// New creates a Dispatcher that only routes to the given services,
// keyed by their Name(). Passing an empty list is valid — every
// request is then rejected as "unknown service". (An unset
// ENABLED_SERVICES does not lead here: config.Load then enables all
// four services.)
func New(r *router.Router, enabled []services.Service) *Dispatcher {
	table := make(map[string]services.Service, len(enabled))
	for _, svc := range enabled {
		table[svc.Name()] = svc
	}
	return &Dispatcher{router: r, services: table, log: logger.NewLogger("Ingress")}
}

// Dispatch parses frame as a request envelope and routes it to the
// matching service. Any error is the validation/routing failure that
// should be sent back to clientID as an error frame — Dispatch never
// returns an error that reaches the router on its own; the caller is
// expected to deliver the returned ErrorFrame if ok is false.
func (d *Dispatcher) Dispatch(ctx context.Context, clientID string, frame []byte) (errFrame ErrorFrame, ok bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return newErrorFrame("malformed request: not a JSON object"), false
	}

	var env requestEnvelope
	if svc, present := raw["service"]; present {
		_ = json.Unmarshal(svc, &env.Service)
	}
	if action, present := raw["action"]; present {
		_ = json.Unmarshal(action, &env.Action)
	}
	if env.Service == "" || env.Action == "" {
		return newErrorFrame("request must include service and action"), false
	}

	svc, known := d.services[env.Service]
	if !known {
		metrics.RecordServiceAction(env.Service, env.Action, "unknown-service")
		return newErrorFrame(fmt.Sprintf("unknown service %q", env.Service)), false
	}

	if err := svc.HandleAction(ctx, clientID, env.Action, frame); err != nil {
		metrics.RecordServiceAction(env.Service, env.Action, "error")
		d.log.Warnf("%s.%s for %s: %v", env.Service, env.Action, clientID, err)
		return newErrorFrame(err.Error()), false
	}
	return ErrorFrame{}, true
}

// EnabledServices returns the services this dispatcher routes to, in
// no particular order. Callers use this to reach capabilities beyond
// HandleAction (e.g. starting a service's background sweeper).
func (d *Dispatcher) EnabledServices() []services.Service {
	out := make([]services.Service, 0, len(d.services))
	for _, svc := range d.services {
		out = append(out, svc)
	}
	return out
}

// OnClientDisconnect calls OnClientDisconnect on every enabled service
// that implements services.DisconnectHandler.
func (d *Dispatcher) OnClientDisconnect(clientID string) {
	for _, svc := range d.services {
		if handler, ok := svc.(services.DisconnectHandler); ok {
			handler.OnClientDisconnect(clientID)
		}
	}
}

// Stats aggregates GetStats() from every enabled service that
// implements services.StatsProvider, keyed by service name.
func (d *Dispatcher) Stats() map[string]interface{} {
	out := make(map[string]interface{}, len(d.services))
	for name, svc := range d.services {
		if provider, ok := svc.(services.StatsProvider); ok {
			out[name] = provider.GetStats()
		}
	}
	return out
}
