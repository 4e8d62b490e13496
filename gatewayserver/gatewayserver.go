// Package gatewayserver wires the node manager, router, connection
// registry and ingress dispatcher into one process: it accepts
// WebSocket clients, upgrades them, and owns the HTTP surface for
// health, cluster, and stats observability.
package gatewayserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowgate/flowgate/config"
	"github.com/flowgate/flowgate/idgen"
	"github.com/flowgate/flowgate/ingress"
	"github.com/flowgate/flowgate/kvps"
	"github.com/flowgate/flowgate/node"
	"github.com/flowgate/flowgate/registry"
	"github.com/flowgate/flowgate/router"
	"github.com/flowgate/flowgate/services"
	"github.com/flowgate/flowgate/util/logger"
	"github.com/flowgate/flowgate/ws"
)

// Server owns the full set of routing-core components for one gateway
// process plus the HTTP listener that fronts them.
type Server struct {
	cfg *config.GatewayConfig
	log *logger.Logger

	store      kvps.Store
	nodeMgr    *node.Manager
	registry   *registry.Registry
	router     *router.Router
	dispatcher *ingress.Dispatcher

	startedAt  time.Time
	httpServer *http.Server
}

// New builds a Server from cfg but does not start anything. store is
// injected so callers can pass a kvpstest.Store in tests and a
// kvps.NewRedisStore in production.
func New(cfg *config.GatewayConfig, store kvps.Store) *Server {
	nodeMgr := node.NewManager(store, node.Options{
		Port:              cfg.Port,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTTL:      cfg.HeartbeatTTL,
	})
	reg := registry.New()
	r := router.New(store, nodeMgr, reg)

	s := &Server{
		cfg:      cfg,
		log:      logger.NewLogger("GatewayServer"),
		store:    store,
		nodeMgr:  nodeMgr,
		registry: reg,
		router:   r,
	}

	var enabled []services.Service
	if cfg.ServiceEnabled("chat") {
		enabled = append(enabled, services.NewChat(r))
	}
	if cfg.ServiceEnabled("presence") {
		enabled = append(enabled, services.NewPresence(r, cfg.PresenceTimeout, services.DefaultPresenceSweepInterval))
	}
	if cfg.ServiceEnabled("cursor") {
		enabled = append(enabled, services.NewCursor(r, cfg.CursorTTL, cfg.CursorCleanup, cfg.ThrottleInterval))
	}
	if cfg.ServiceEnabled("reaction") {
		enabled = append(enabled, services.NewReaction(r))
	}
	s.dispatcher = ingress.New(r, enabled)

	return s
}

// Start registers the node, opens subscriptions, starts any enabled
// sweepers, and begins serving HTTP. It blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.log.Infof("starting gateway on port %d, node %s", s.cfg.Port, s.nodeMgr.NodeID())

	s.startedAt = time.Now()
	s.nodeMgr.Start(ctx)
	if err := s.router.Start(ctx); err != nil {
		return fmt.Errorf("gatewayserver: router start: %w", err)
	}

	for _, sweeper := range s.sweepers() {
		sweeper.Start()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/cluster", s.handleCluster)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Port),
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		s.log.Infof("HTTP listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		s.log.Infof("context cancelled, shutting down")
		return s.Stop()
	case err := <-serveErr:
		return err
	}
}

// Stop gracefully shuts the HTTP listener down within a bounded
// deadline, stops sweepers, and deregisters this node from the
// cluster directory.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Warnf("HTTP shutdown timed out, forcing close: %v", err)
			_ = s.httpServer.Close()
		}
	}

	for _, sweeper := range s.sweepers() {
		sweeper.Stop()
	}

	for _, clientID := range s.registry.AllClientIDs() {
		s.registry.CloseLocalClient(clientID, 1001, "going away")
	}

	s.router.Stop()
	s.nodeMgr.Shutdown(context.Background())
	s.log.Infof("gateway stopped")
	return nil
}

type sweeper interface {
	Start()
	Stop()
}

func (s *Server) sweepers() []sweeper {
	var out []sweeper
	for _, svc := range s.dispatcher.EnabledServices() {
		if sw, ok := svc.(sweeper); ok {
			out = append(out, sw)
		}
	}
	return out
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	wsConn, err := ws.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade failed: %v", err)
		return
	}
	conn := ws.New(wsConn)

	clientID := idgen.ClientID()
	ctx := context.Background()
	s.router.RegisterLocalClient(ctx, clientID, conn, nil)

	welcome := map[string]interface{}{
		"type":            "connection",
		"status":          "connected",
		"clientId":        clientID,
		"nodeId":          s.nodeMgr.NodeID(),
		"enabledServices": s.enabledServiceNames(),
		"timestamp":       time.Now(),
	}
	if payload, err := json.Marshal(welcome); err == nil {
		_ = conn.Send(string(payload))
	}

	conn.ReadLoop(
		func(frame []byte) {
			if errFrame, ok := s.dispatcher.Dispatch(ctx, clientID, frame); !ok {
				if payload, err := json.Marshal(errFrame); err == nil {
					_ = conn.Send(string(payload))
				}
			}
		},
		func() {
			s.dispatcher.OnClientDisconnect(clientID)
			s.router.UnregisterLocalClient(ctx, clientID)
		},
	)
}

func (s *Server) enabledServiceNames() []string {
	names := make([]string, 0, len(s.dispatcher.EnabledServices()))
	for _, svc := range s.dispatcher.EnabledServices() {
		names = append(names, svc.Name())
	}
	return names
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":        "ok",
		"nodeId":        s.nodeMgr.NodeID(),
		"uptimeSeconds": time.Since(s.startedAt).Seconds(),
	})
}

func (s *Server) handleCluster(w http.ResponseWriter, r *http.Request) {
	info := s.nodeMgr.GetClusterInfo(r.Context())
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodeId":    s.nodeMgr.NodeID(),
		"clients":   s.registry.Count(),
		"standalone": s.nodeMgr.Standalone(),
		"services":  s.dispatcher.Stats(),
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
