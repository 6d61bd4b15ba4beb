// Package server builds the wschat HTTP service and manages its lifecycle
// from listening through graceful shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/Tyrowin/wschat/internal/config"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Server ties the registry, the WebSocket upgrade endpoint and the HTTP
// listener together.
type Server struct {
	cfg        config.Config
	logger     *zap.Logger
	registry   *Registry
	upgrader   websocket.Upgrader
	httpServer *http.Server

	sessionCtx     context.Context
	cancelSessions context.CancelFunc
	stopRegistry   context.CancelFunc

	mu       sync.Mutex
	closing  bool
	sessions sync.WaitGroup
}

// New creates a Server for cfg and starts its registry goroutine. The
// configuration is sanitized but not validated; Addr is only needed by
// ListenAndServe. A nil logger disables logging.
//
// Callers must call Shutdown to stop the registry.
func New(cfg config.Config, logger *zap.Logger) *Server {
	cfg = cfg.Sanitize()
	if logger == nil {
		logger = zap.NewNop()
	}

	registryCtx, stopRegistry := context.WithCancel(context.Background())
	sessionCtx, cancelSessions := context.WithCancel(context.Background())

	s := &Server{
		cfg:            cfg,
		logger:         logger,
		registry:       NewRegistry(cfg.RegistryQueueSize, logger.Named("registry")),
		sessionCtx:     sessionCtx,
		cancelSessions: cancelSessions,
		stopRegistry:   stopRegistry,
	}

	origins := newOriginPolicy(cfg.AllowedOrigins, logger.Named("http"))
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     origins.checkOrigin,
	}
	s.httpServer = createHTTPServer(cfg.Addr, s.Handler())

	go s.registry.Run(registryCtx)
	return s
}

// createHTTPServer applies timeouts for the plain HTTP routes. Upgraded
// connections manage their own deadlines.
func createHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// Registry exposes the connection registry, mainly so that callers can
// inspect the current membership.
func (s *Server) Registry() *Registry {
	return s.registry
}

func (s *Server) sessionConfig() SessionConfig {
	return SessionConfig{
		MaxMessageSize: s.cfg.MaxMessageSize,
		SendQueueSize:  s.cfg.SendQueueSize,
		WriteWait:      s.cfg.WriteWait,
		PongWait:       s.cfg.PongWait,
		PingPeriod:     s.cfg.PingPeriod,
	}
}

// serveSession runs a session for an upgraded connection until it ends.
func (s *Server) serveSession(conn *websocket.Conn, addr string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(s.cfg.WriteWait))
		_ = conn.Close()
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	session := NewSession(conn, s.registry, addr, s.sessionConfig(), s.logger.Named("session"))
	session.Serve(s.sessionCtx)
}

// ListenAndServe binds cfg.Addr and serves until Shutdown. A bind failure
// is returned immediately.
func (s *Server) ListenAndServe() error {
	if s.cfg.Addr == "" {
		return config.ErrMissingAddr
	}
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener. It returns nil after a graceful
// Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("Listening",
		zap.String("addr", listener.Addr().String()),
		zap.String("route", s.cfg.Route))
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes every session with a going
// away status, waits for them to leave the registry and then stops it. It
// returns ctx's error if sessions are still running when ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	httpErr := s.httpServer.Shutdown(ctx)
	if httpErr != nil {
		s.logger.Warn("HTTP server shutdown error", zap.Error(httpErr))
	}

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	s.cancelSessions()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
		s.logger.Info("All sessions closed")
	case <-ctx.Done():
		waitErr = ctx.Err()
		s.logger.Warn("Shutdown timeout reached; some sessions may still be running")
	}

	s.stopRegistry()
	<-s.registry.Done()

	if waitErr != nil {
		return waitErr
	}
	return httpErr
}
