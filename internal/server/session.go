// Package server runs the per-connection session: identity, read and write
// pumps, the bounded send queue and registry membership.
package server

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/Tyrowin/wschat/internal/chat"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// SessionConfig holds the per-connection limits and timeouts.
type SessionConfig struct {
	MaxMessageSize int64
	SendQueueSize  int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
}

// Session is the protocol loop for one client connection. It implements
// Handle so the registry can push payloads to it.
type Session struct {
	id       string
	conn     *websocket.Conn
	registry *Registry
	addr     string
	cfg      SessionConfig
	logger   *zap.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// NewSession creates a session for an upgraded connection and assigns it a
// fresh random identity. Zero values in cfg fall back to a 256 entry send
// queue and a 10 second write deadline; zero PongWait or PingPeriod disable
// the read deadline and keepalive pings respectively.
func NewSession(conn *websocket.Conn, registry *Registry, addr string, cfg SessionConfig, logger *zap.Logger) *Session {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.NewString()
	return &Session{
		id:       id,
		conn:     conn,
		registry: registry,
		addr:     addr,
		cfg:      cfg,
		logger:   logger.With(zap.String("id", id), zap.String("addr", addr)),
		send:     make(chan []byte, cfg.SendQueueSize),
	}
}

// ID returns the connection identity.
func (s *Session) ID() string {
	return s.id
}

// Push queues payload for delivery without blocking and reports whether it
// was accepted. A full queue means the client cannot keep up: the queue is
// closed, which makes the writer send a normal closure and drop the
// connection, and the payload is discarded. Push after close returns false.
func (s *Session) Push(payload []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	select {
	case s.send <- payload:
		return true
	default:
		s.logger.Warn("Send queue full; disconnecting slow client", zap.Int("capacity", cap(s.send)))
		s.closeSendLocked()
		return false
	}
}

func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeSendLocked()
}

func (s *Session) closeSendLocked() {
	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// Serve registers the session, runs its read and write loops and returns
// once the connection has terminated and the registry has been told. ctx
// cancellation closes the connection from the server side.
//
// If the registry refuses the join, the connection is closed without a
// Leave so that an existing registration under the same id is untouched.
func (s *Session) Serve(ctx context.Context) {
	if !s.registry.Join(s.id, s) {
		s.logger.Warn("Join refused; closing connection")
		s.closeSend()
		s.closeConnection()
		return
	}
	s.run(ctx)
}

// run drives the pumps of a registered session and leaves the registry
// exactly once when the connection ends.
func (s *Session) run(ctx context.Context) {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writePump(ctx)
	}()

	s.readPump()

	s.closeSend()
	s.registry.Leave(s.id)
	<-writerDone
	s.logger.Debug("Session finished")
}

func (s *Session) setupReadConnection() {
	s.conn.SetReadLimit(s.cfg.MaxMessageSize)
	s.extendReadDeadline()
	s.conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})
	s.conn.SetPingHandler(func(appData string) error {
		s.extendReadDeadline()
		err := s.conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(s.cfg.WriteWait))
		if err == nil || errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})
}

func (s *Session) extendReadDeadline() {
	if s.cfg.PongWait <= 0 {
		return
	}
	if err := s.conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait)); err != nil {
		s.logger.Debug("Error setting read deadline", zap.Error(err))
	}
}

func (s *Session) readPump() {
	s.setupReadConnection()

	for {
		messageType, raw, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}

		switch messageType {
		case websocket.TextMessage:
			s.handleText(raw)
		case websocket.BinaryMessage:
			s.logger.Debug("Ignoring binary message", zap.Int("bytes", len(raw)))
		}
	}
}

func (s *Session) handleText(raw []byte) {
	ev, err := chat.Decode(raw)
	if err != nil {
		var formatErr *chat.FormatError
		reason := err.Error()
		if errors.As(err, &formatErr) {
			reason = formatErr.Reason
		}
		s.logger.Info("Bad message from client", zap.String("reason", reason))
		s.reply(chat.NewSystemEvent(chat.ActionError, "bad message: "+reason))
		return
	}

	s.registry.Broadcast(chat.NewChatEvent(s.id, ev.Contents))
}

// reply sends ev to this client only.
func (s *Session) reply(ev chat.Event) {
	payload, err := chat.Encode(ev)
	if err != nil {
		s.logger.Error("Error encoding reply", zap.Error(err))
		return
	}
	s.Push(payload)
}

// logReadError classifies the error that ended the read loop.
func (s *Session) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.logger.Info("Message exceeded maximum size", zap.Int64("limit", s.cfg.MaxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived,
		websocket.CloseAbnormalClosure):
		s.logger.Info("Client disconnected", zap.Error(err))
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isExpectedCloseError(err):
		s.logger.Info("Connection closed", zap.Error(err))
	default:
		s.logger.Warn("Read error; terminating session", zap.Error(err))
	}
}

func (s *Session) writePump(ctx context.Context) {
	var pings <-chan time.Time
	if s.cfg.PingPeriod > 0 {
		ticker := time.NewTicker(s.cfg.PingPeriod)
		defer ticker.Stop()
		pings = ticker.C
	}
	defer s.closeConnection()

	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				s.writeClose(websocket.CloseNormalClosure)
				return
			}
			if !s.writeText(payload) {
				return
			}
		case <-pings:
			if !s.writePing() {
				return
			}
		case <-ctx.Done():
			s.writeClose(websocket.CloseGoingAway)
			return
		}
	}
}

func (s *Session) setWriteDeadline() bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait)); err != nil {
		s.logger.Debug("Error setting write deadline", zap.Error(err))
		return false
	}
	return true
}

func (s *Session) writeText(payload []byte) bool {
	if !s.setWriteDeadline() {
		return false
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Warn("Error writing message", zap.Error(err))
		}
		return false
	}
	return true
}

func (s *Session) writePing() bool {
	if !s.setWriteDeadline() {
		return false
	}
	if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		s.logger.Debug("Error writing ping", zap.Error(err))
		return false
	}
	return true
}

func (s *Session) writeClose(code int) {
	msg := websocket.FormatCloseMessage(code, "")
	if err := s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteWait)); err != nil {
		if !isExpectedCloseError(err) {
			s.logger.Debug("Error writing close message", zap.Error(err))
		}
	}
}

func (s *Session) closeConnection() {
	if err := s.conn.Close(); err != nil && !isExpectedCloseError(err) {
		s.logger.Debug("Error closing connection", zap.Error(err))
	}
}
