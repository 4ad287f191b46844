// Package gateway exposes the HTTP surface: platform webhooks, the operator
// API and the WebSocket event feed.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/replydesk/internal/bus"
	"github.com/nextlevelbuilder/replydesk/internal/channels"
	"github.com/nextlevelbuilder/replydesk/internal/config"
	"github.com/nextlevelbuilder/replydesk/internal/orchestrator"
	"github.com/nextlevelbuilder/replydesk/internal/queue"
	"github.com/nextlevelbuilder/replydesk/internal/store"
)

// Server is the gateway HTTP server.
type Server struct {
	cfg          *config.Config
	registry     *channels.Registry
	orchestrator *orchestrator.Orchestrator
	queue        *queue.Service
	configStore  store.ConfigStore
	events       bus.EventPublisher

	upgrader    websocket.Upgrader
	rateLimiter *channels.WebhookRateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates the gateway server.
func NewServer(
	cfg *config.Config,
	registry *channels.Registry,
	orch *orchestrator.Orchestrator,
	q *queue.Service,
	configStore store.ConfigStore,
	events bus.EventPublisher,
) *Server {
	s := &Server{
		cfg:          cfg,
		registry:     registry,
		orchestrator: orch,
		queue:        q,
		configStore:  configStore,
		events:       events,
		clients:      make(map[string]*Client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	window := parseWindow(cfg.Gateway.WebhookRateWindow, time.Minute)
	maxHits := cfg.Gateway.WebhookRateMax
	if maxHits <= 0 {
		maxHits = 120
	}
	s.rateLimiter = channels.NewWebhookRateLimiter(window, maxHits)
	return s
}

func parseWindow(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// checkOrigin validates WebSocket origins against the allowlist. No config
// means allow all; an empty Origin header (non-browser client) always passes.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Gateway.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.origin_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /webhook/{platform}", s.handleWebhook)

	mux.HandleFunc("GET /api/queue", s.auth(s.handleQueueList))
	mux.HandleFunc("POST /api/queue/{id}/approve", s.auth(s.handleApprove))
	mux.HandleFunc("POST /api/queue/{id}/reject", s.auth(s.handleReject))
	mux.HandleFunc("GET /api/conversations/escalated", s.auth(s.handleEscalatedList))
	mux.HandleFunc("POST /api/conversations/{id}/resolve", s.auth(s.handleResolve))
	mux.HandleFunc("POST /api/conversations/{id}/trust", s.auth(s.handleTrust))
	mux.HandleFunc("GET /api/config/{platform}", s.auth(s.handleConfigGet))
	mux.HandleFunc("PUT /api/config/{platform}", s.auth(s.handleConfigPut))

	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.mux = mux
	return mux
}

// Start listens until the context is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("gateway.starting", "addr", addr)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `{"status":"ok"}`)
}

// handleWebSocket upgrades the connection and streams pipeline events.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("gateway.ws_upgrade_failed", "error", err)
		return
	}

	client := NewClient(conn)
	s.registerClient(client)
	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.ID] = c
	s.mu.Unlock()

	s.events.Subscribe("ws-"+c.ID, func(ev bus.Event) {
		c.Send(ev)
	})
	slog.Debug("gateway.ws_connected", "client_id", c.ID)
}

func (s *Server) unregisterClient(c *Client) {
	s.events.Unsubscribe("ws-" + c.ID)
	s.mu.Lock()
	delete(s.clients, c.ID)
	s.mu.Unlock()
	slog.Debug("gateway.ws_disconnected", "client_id", c.ID)
}
