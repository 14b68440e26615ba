package interaction

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/opc-classic/opcda-go/pkg/log"
	"github.com/opc-classic/opcda-go/pkg/server"
	"github.com/opc-classic/opcda-go/pkg/status"
	"github.com/opc-classic/opcda-go/pkg/transport"
	"github.com/opc-classic/opcda-go/pkg/wire"
)

// DefaultRequestTimeout bounds the processing of one request on the server.
const DefaultRequestTimeout = 30 * time.Second

// ServerConfig configures a DA network server.
type ServerConfig struct {
	// Address to listen on (default ":4855").
	Address string

	// Registry holds the servers clients may connect to.
	Registry *server.Registry

	// RequestTimeout bounds each request (default 30s).
	RequestTimeout time.Duration

	// SessionOptions are applied to every session.
	SessionOptions []server.Option

	// Logger is the operational logger (default slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives frame and message events (optional).
	ProtocolLogger log.Logger
}

// Server serves one server.Session per TCP connection.
type Server struct {
	config    ServerConfig
	logger    *slog.Logger
	protocol  log.Logger
	transport *transport.Server

	mu    sync.Mutex
	conns map[*transport.ServerConn]*connSession
}

// connSession binds a connection to its session.
type connSession struct {
	session *server.Session
	handler *Handler
}

// NewServer creates a network server on the registry.
func NewServer(config ServerConfig) *Server {
	if config.RequestTimeout == 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:   config,
		logger:   logger,
		protocol: log.OrNoop(config.ProtocolLogger),
		conns:    make(map[*transport.ServerConn]*connSession),
	}
	s.transport = transport.NewServer(transport.ServerConfig{
		Address:      config.Address,
		Logger:       config.ProtocolLogger,
		OnConnect:    s.handleConnect,
		OnDisconnect: s.handleDisconnect,
		OnMessage:    s.handleMessage,
		OnError: func(conn *transport.ServerConn, err error) {
			if conn == nil {
				s.logger.Warn("transport error", "error", err)
				return
			}
			s.logger.Warn("transport error", "conn", conn.ConnID(), "error", err)
		},
	})
	return s
}

// Start begins accepting connections.
func (s *Server) Start(ctx context.Context) error {
	if err := s.transport.Start(ctx); err != nil {
		return err
	}
	s.logger.Info("DA server listening", "address", s.transport.Addr().String())
	return nil
}

// Stop closes all connections and disconnects their sessions.
func (s *Server) Stop() error {
	return s.transport.Stop()
}

// Addr returns the listen address.
func (s *Server) Addr() net.Addr {
	return s.transport.Addr()
}

// SessionCount returns the number of connected clients.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleConnect(conn *transport.ServerConn) {
	opts := append([]server.Option{server.WithLogger(s.logger.With("conn", conn.ConnID()))}, s.config.SessionOptions...)
	cs := &connSession{session: server.NewSession(s.config.Registry, opts...)}
	cs.handler = NewHandler(cs.session, func(n *wire.Notification) { s.sendNotification(conn, n) }, s.logger)

	s.mu.Lock()
	s.conns[conn] = cs
	s.mu.Unlock()
	s.logger.Debug("client connected", "conn", conn.ConnID(), "remote", conn.RemoteAddr().String())
}

func (s *Server) handleDisconnect(conn *transport.ServerConn) {
	s.mu.Lock()
	cs := s.conns[conn]
	delete(s.conns, conn)
	s.mu.Unlock()
	if cs == nil {
		return
	}
	// Groups die with the connection.
	_ = cs.session.Disconnect(context.Background())
	s.logger.Debug("client disconnected", "conn", conn.ConnID())
}

// handleMessage runs on the connection's read goroutine, so requests of
// one client are processed in order.
func (s *Server) handleMessage(conn *transport.ServerConn, data []byte) {
	s.mu.Lock()
	cs := s.conns[conn]
	s.mu.Unlock()
	if cs == nil {
		return
	}

	start := time.Now()
	req, err := wire.DecodeRequest(data)
	if err != nil {
		s.logError(conn, log.LayerWire, err, "decode request")
		id, perr := wire.PeekMessageID(data)
		if perr != nil || id == wire.NotificationMessageID {
			return
		}
		resp := &wire.Response{MessageID: id, Status: status.CodeInvalidArgument, Message: err.Error()}
		s.sendResponse(conn, cs, resp, start)
		return
	}
	s.protocol.Log(log.Event{
		Timestamp:    start,
		ConnectionID: conn.ConnID(),
		Direction:    log.DirectionIn,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		LocalRole:    log.RoleServer,
		RemoteAddr:   conn.RemoteAddr().String(),
		ServerName:   cs.session.ServerName(),
		ClientName:   cs.session.ClientName(),
		Message:      log.RequestMessage(req),
	})

	ctx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeout)
	resp := cs.handler.HandleRequest(ctx, req)
	cancel()

	s.sendResponse(conn, cs, resp, start)
}

func (s *Server) sendResponse(conn *transport.ServerConn, cs *connSession, resp *wire.Response, start time.Time) {
	data, err := wire.EncodeResponse(resp)
	if err != nil {
		s.logError(conn, log.LayerWire, err, "encode response")
		return
	}
	s.protocol.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: conn.ConnID(),
		Direction:    log.DirectionOut,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		LocalRole:    log.RoleServer,
		RemoteAddr:   conn.RemoteAddr().String(),
		ServerName:   cs.session.ServerName(),
		ClientName:   cs.session.ClientName(),
		Message:      log.ResponseMessage(resp, time.Since(start)),
	})
	if err := conn.Send(data); err != nil {
		s.logger.Debug("send response failed", "conn", conn.ConnID(), "error", err)
	}
}

func (s *Server) sendNotification(conn *transport.ServerConn, n *wire.Notification) {
	data, err := wire.EncodeNotification(n)
	if err != nil {
		s.logError(conn, log.LayerWire, err, "encode notification")
		return
	}
	s.protocol.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: conn.ConnID(),
		Direction:    log.DirectionOut,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		LocalRole:    log.RoleServer,
		RemoteAddr:   conn.RemoteAddr().String(),
		Message:      log.NotificationMessage(n),
	})
	if err := conn.Send(data); err != nil {
		s.logger.Debug("send notification failed", "conn", conn.ConnID(), "kind", n.Kind, "error", err)
	}
}

func (s *Server) logError(conn *transport.ServerConn, layer log.Layer, err error, what string) {
	s.logger.Warn(what, "conn", conn.ConnID(), "error", err)
	s.protocol.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: conn.ConnID(),
		Layer:        layer,
		Category:     log.CategoryError,
		LocalRole:    log.RoleServer,
		RemoteAddr:   conn.RemoteAddr().String(),
		Error: &log.ErrorEventData{
			Layer:   layer,
			Message: err.Error(),
			Context: what,
		},
	})
}
