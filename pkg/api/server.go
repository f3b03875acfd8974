// Package api is the control plane: the REST surface operators and the
// in-container agent talk to, and the WebSocket channel that streams queue
// events to connected UIs.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/gm-agent-org/gm-warden/pkg/api/handler"
	"github.com/gm-agent-org/gm-warden/pkg/api/middleware"
	"github.com/gm-agent-org/gm-warden/pkg/api/service"
	"github.com/gm-agent-org/gm-warden/pkg/audit"
	"github.com/gm-agent-org/gm-warden/pkg/broker"
	"github.com/gm-agent-org/gm-warden/pkg/config"
	"github.com/gm-agent-org/gm-warden/pkg/queue"
	"github.com/gm-agent-org/gm-warden/pkg/syncer"
)

// Config defines the HTTP server settings.
type Config struct {
	Addr      string
	StartedAt time.Time
	MaxUptime time.Duration
	ProxyPort int
}

// Deps are the subsystems the control plane exposes.
type Deps struct {
	Queue    *queue.Queue
	Store    *config.Store
	Audit    *audit.Logger
	Exec     *broker.ExecBroker
	Packages *broker.PackageBroker
	Files    *syncer.FileSyncer
	Git      *syncer.GitSyncer
}

// Server hosts the Gin engine, the WebSocket hub, and the queue event
// relay.
type Server struct {
	engine   *gin.Engine
	cfg      Config
	deps     Deps
	hub      *Hub
	resolver *service.Resolver
	log      *slog.Logger

	httpSrv     *http.Server
	listener    net.Listener
	unsubscribe func()
}

var upgrader = websocket.Upgrader{
	// Operators connect from the dashboard or CLI on other origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// NewServer constructs the control-plane server.
func NewServer(cfg Config, deps Deps, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if cfg.StartedAt.IsZero() {
		cfg.StartedAt = time.Now()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.Logger(log))

	srv := &Server{
		engine: engine,
		cfg:    cfg,
		deps:   deps,
		hub:    NewHub(log),
		log:    log,
	}
	srv.resolver = service.NewResolver(deps.Queue, deps.Store, deps.Files, log)
	srv.resolver.OnRulesChanged(srv.broadcastRules)
	srv.setupRoutes()
	return srv
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", handler.Health)

	queueHandler := handler.NewQueueHandler(s.deps.Queue, s.resolver, s.deps.Files)
	s.engine.GET("/api/queue", queueHandler.List)
	s.engine.POST("/api/queue", queueHandler.Submit)
	s.engine.POST("/api/queue/:id/approve", queueHandler.Approve)
	s.engine.POST("/api/queue/:id/deny", queueHandler.Deny)
	s.engine.POST("/api/queue/bulk", queueHandler.Bulk)

	configHandler := handler.NewConfigHandler(s.deps.Store, s.deps.Queue, s.broadcastRules)
	s.engine.GET("/api/config", configHandler.Get)
	s.engine.POST("/api/config/propose", configHandler.Propose)
	s.engine.GET("/api/rules", configHandler.Rules)
	s.engine.POST("/api/rules", configHandler.AddRule)
	s.engine.DELETE("/api/rules", configHandler.DeleteRule)

	if s.deps.Files != nil && s.deps.Git != nil {
		syncHandler := handler.NewSyncHandler(s.deps.Files, s.deps.Git)
		s.engine.GET("/api/sync/files", syncHandler.ListFiles)
		s.engine.POST("/api/sync/files", syncHandler.SyncFiles)
		s.engine.GET("/api/sync/git", syncHandler.ListBranches)
		s.engine.POST("/api/sync/git", syncHandler.SyncBranch)
	}

	brokerHandler := handler.NewBrokerHandler(s.deps.Exec, s.deps.Packages)
	s.engine.POST("/api/exec", brokerHandler.SubmitExec)
	s.engine.GET("/api/exec/:id", brokerHandler.GetExec)
	s.engine.POST("/api/packages", brokerHandler.SubmitPackages)
	s.engine.GET("/api/packages/:id", brokerHandler.GetPackages)

	ports := map[string]int{"proxy": s.cfg.ProxyPort}
	statusHandler := handler.NewStatusHandler(s.deps.Queue, s.deps.Audit, s.cfg.StartedAt, s.cfg.MaxUptime, ports)
	s.engine.GET("/api/status", statusHandler.Status)
	s.engine.GET("/api/audit", statusHandler.Audit)

	s.engine.GET("/ws", s.handleWS)
}

// Start binds the listener and begins serving and relaying queue events.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("api listen: %w", err)
	}
	s.listener = listener
	s.httpSrv = &http.Server{Handler: s.engine}

	events, unsubscribe := s.deps.Queue.Subscribe()
	s.unsubscribe = unsubscribe
	go s.relay(events)

	s.log.Info("control plane listening", "addr", listener.Addr().String())
	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.log.Error("api serve failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the event relay and the HTTP listener.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// BroadcastShutdown tells every connected client the server is going away.
func (s *Server) BroadcastShutdown(reason string) {
	s.hub.Broadcast("shutdown", gin.H{"reason": reason})
}

// relay forwards queue lifecycle events to WebSocket clients.
func (s *Server) relay(events <-chan queue.Event) {
	for evt := range events {
		switch evt.Kind {
		case queue.EventRequest:
			s.hub.Broadcast("request", evt.Request)
		case queue.EventResolve:
			s.hub.Broadcast("resolve", evt.Request)
		}
	}
}

func (s *Server) broadcastRules() {
	s.hub.Broadcast("rules", s.deps.Store.Rules())
}

func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", "error", err)
		return
	}

	id := s.hub.register(conn)
	defer s.hub.unregister(id)

	s.hub.send(id, "init", gin.H{
		"pending": s.deps.Queue.Pending(),
		"config":  s.deps.Store.Get(),
		"rules":   s.deps.Store.Rules(),
	})

	for {
		var cmd ClientCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			return
		}
		switch cmd.Type {
		case "approve":
			s.resolver.Approve(cmd.ID, "web", cmd.AlwaysAllow)
		case "deny":
			s.resolver.Deny(cmd.ID, "web", cmd.AlwaysDeny)
		default:
			s.log.Warn("ws unknown command", "type", cmd.Type)
		}
	}
}
