// Package wstest runs an in-process market socket for tests. It accepts
// WebSocket connections, records every inbound frame, answers requests through
// registered responders and lets tests push frames to connected clients.
package wstest

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/coder/websocket"
	"github.com/tsarna/marketws/pkg/marketws/protocol"
	"go.uber.org/zap"
)

// Responder produces the payload of the reply to req. Returning ok=false sends
// no reply.
type Responder func(req protocol.Envelope) (payload any, ok bool)

// Server is a fake market socket.
type Server struct {
	dialect protocol.Dialect
	logger  *zap.Logger
	http    *httptest.Server

	mu          sync.RWMutex
	conns       map[*websocket.Conn]struct{}
	responders  map[string]Responder
	lastHeaders http.Header

	received  chan protocol.Envelope
	connected chan struct{}
	shutdown  chan struct{}
	closeOnce sync.Once
}

// NewServer starts a server speaking dialect d on a loopback address.
func NewServer(d protocol.Dialect, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dialect:    d,
		logger:     logger,
		conns:      make(map[*websocket.Conn]struct{}),
		responders: make(map[string]Responder),
		received:   make(chan protocol.Envelope, 256),
		connected:  make(chan struct{}, 16),
		shutdown:   make(chan struct{}),
	}
	s.http = httptest.NewServer(http.HandlerFunc(s.ServeWebsocket))
	return s
}

// URL returns the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http")
}

// Respond registers a responder for requests on route.
func (s *Server) Respond(route string, r Responder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responders[route] = r
}

// ServeWebsocket upgrades the request and serves the connection until it closes.
func (s *Server) ServeWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to accept WebSocket connection", zap.Error(err))
		return
	}

	select {
	case <-s.shutdown:
		conn.Close(websocket.StatusServiceRestart, "Server shutting down")
		return
	default:
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.lastHeaders = r.Header.Clone()
	s.mu.Unlock()

	select {
	case s.connected <- struct{}{}:
	default:
	}

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			s.logger.Debug("Connection closed", zap.Error(err))
			return
		}

		env, err := protocol.Unmarshal(data, s.dialect)
		if err != nil {
			s.logger.Warn("Invalid frame from client", zap.ByteString("raw_data", data))
			continue
		}

		select {
		case s.received <- env:
		default:
			s.logger.Warn("Received buffer full, dropping frame", zap.String("route", env.Route))
		}

		s.reply(ctx, conn, env)
	}
}

func (s *Server) reply(ctx context.Context, conn *websocket.Conn, req protocol.Envelope) {
	s.mu.RLock()
	responder, ok := s.responders[req.Route]
	s.mu.RUnlock()
	if !ok {
		return
	}

	payload, ok := responder(req)
	if !ok {
		return
	}

	resp, err := protocol.NewResponse(req.Route, payload, req.ID, s.dialect)
	if err != nil {
		s.logger.Error("Failed to build reply", zap.Error(err))
		return
	}
	data, err := resp.MarshalFor(s.dialect)
	if err != nil {
		s.logger.Error("Failed to encode reply", zap.Error(err))
		return
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Debug("Failed to write reply", zap.Error(err))
	}
}

// WaitForConnection blocks until a client has connected.
func (s *Server) WaitForConnection(ctx context.Context) error {
	select {
	case <-s.connected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next returns the next frame received from any client.
func (s *Server) Next(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-s.received:
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	}
}

// Push sends env to every connected client.
func (s *Server) Push(ctx context.Context, env protocol.Envelope) error {
	data, err := env.MarshalFor(s.dialect)
	if err != nil {
		return err
	}
	return s.PushRaw(ctx, data)
}

// PushRaw sends data verbatim to every connected client.
func (s *Server) PushRaw(ctx context.Context, data []byte) error {
	return s.pushFrame(ctx, websocket.MessageText, data)
}

// PushBinary sends data as a binary frame to every connected client.
func (s *Server) PushBinary(ctx context.Context, data []byte) error {
	return s.pushFrame(ctx, websocket.MessageBinary, data)
}

func (s *Server) pushFrame(ctx context.Context, typ websocket.MessageType, data []byte) error {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	if len(conns) == 0 {
		return fmt.Errorf("no connected clients")
	}
	for _, conn := range conns {
		if err := conn.Write(ctx, typ, data); err != nil {
			return err
		}
	}
	return nil
}

// LastHeaders returns the handshake headers of the most recent connection.
func (s *Server) LastHeaders() http.Header {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastHeaders
}

func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}

// CloseConnections closes every active connection with the given status.
func (s *Server) CloseConnections(status websocket.StatusCode, reason string) {
	s.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for conn := range s.conns {
		conns = append(conns, conn)
	}
	s.mu.RUnlock()

	for _, conn := range conns {
		go conn.Close(status, reason)
	}
}

// Close drops all connections and stops the server.
func (s *Server) Close() {
	s.closeOnce.Do(func() {
		close(s.shutdown)

		s.mu.RLock()
		for conn := range s.conns {
			_ = conn.CloseNow()
		}
		s.mu.RUnlock()

		s.http.Close()
	})
}
