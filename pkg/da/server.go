package da

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opc-classic/opcda-go/pkg/connection"
	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// DefaultTimeout bounds every backend call that has no earlier deadline.
const DefaultTimeout = 10 * time.Second

// DefaultClientName is registered with the server unless WithClientName is used.
const DefaultClientName = "opcda-go"

// State is the connection state of a Server.
type State uint8

const (
	StateDisconnected State = iota
	StateConnected
)

// String returns the state name.
func (s State) String() string {
	if s == StateConnected {
		return "CONNECTED"
	}
	return "DISCONNECTED"
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTimeout sets the per-call timeout. Zero disables it.
func WithTimeout(d time.Duration) Option {
	return func(s *Server) { s.timeout = d }
}

// WithClientName sets the name registered with the server on Connect.
func WithClientName(name string) Option {
	return func(s *Server) { s.clientName = name }
}

// WithConnectRetry retries failed connection attempts with exponential
// backoff. maxAttempts counts the first attempt.
func WithConnectRetry(maxAttempts int, cfg connection.BackoffConfig) Option {
	return func(s *Server) {
		s.retryAttempts = maxAttempts
		s.retryBackoff = cfg
	}
}

// Server is a session with one OPC DA server.
type Server struct {
	backend       Backend
	logger        *slog.Logger
	timeout       time.Duration
	clientName    string
	retryAttempts int
	retryBackoff  connection.BackoffConfig

	mu         sync.Mutex
	state      State
	serverName string
	host       string
	groups     int
	browsers   int
	onShutdown func(reason string)
	pollCancel context.CancelFunc
	pollWG     sync.WaitGroup
}

// NewServer creates a disconnected server over the backend.
func NewServer(backend Backend, opts ...Option) *Server {
	s := &Server{
		backend:    backend,
		logger:     slog.Default(),
		timeout:    DefaultTimeout,
		clientName: DefaultClientName,
	}
	for _, opt := range opts {
		opt(s)
	}
	backend.OnShutdown(s.handleShutdown)
	return s
}

// Connect establishes the session with serverName at address.
// It fails with a connection error if the server cannot be reached or
// rejects the client.
func (s *Server) Connect(ctx context.Context, serverName, address string) error {
	s.mu.Lock()
	if s.state == StateConnected {
		s.mu.Unlock()
		return status.New(status.CodeAlreadyConnected, "already connected to %s", s.serverName)
	}
	s.mu.Unlock()

	attempt := func(ctx context.Context) error {
		cctx, cancel := s.callContext(ctx)
		defer cancel()
		if d, ok := s.backend.(Dialer); ok {
			if err := d.Dial(cctx, address); err != nil {
				return connectError(err)
			}
		}
		return connectError(s.backend.Connect(cctx, serverName, s.clientName))
	}

	policy := connection.RetryPolicy{
		MaxAttempts: s.retryAttempts,
		Backoff:     connection.NewBackoffWithConfig(s.retryBackoff),
		Retryable:   retryableConnect,
		OnRetry: func(n int, delay time.Duration, err error) {
			s.logger.Warn("connect failed, retrying", "server", serverName, "attempt", n, "delay", delay, "error", err)
		},
	}
	if err := connection.Retry(ctx, policy, attempt); err != nil {
		return verdict(err)
	}

	s.mu.Lock()
	s.state = StateConnected
	s.serverName = serverName
	s.host = address
	s.mu.Unlock()

	s.logger.Info("connected", "server", serverName, "host", address)
	return nil
}

// connectError maps a foreign dial or connect failure onto a connection error.
func connectError(err error) error {
	if err == nil {
		return nil
	}
	var se *status.Error
	switch {
	case errors.As(err, &se):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return status.Wrap(status.CodeTimeout, err)
	default:
		return status.Wrap(status.CodeConnectionFailed, err)
	}
}

func retryableConnect(err error) bool {
	switch status.Of(err).Code {
	case status.CodeConnectionFailed, status.CodeConnectionLost, status.CodeTimeout:
		return true
	default:
		return false
	}
}

// Disconnect ends the session. It is idempotent and always succeeds
// locally; transport failures during teardown are logged.
//
// Disconnect panics with a status.ProgrammingError while groups or
// browsers created from this server are still live.
func (s *Server) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.groups > 0 || s.browsers > 0 {
		groups, browsers := s.groups, s.browsers
		s.mu.Unlock()
		panic(status.ProgrammingError{
			Message: fmt.Sprintf("disconnect with %d live groups and %d live browsers", groups, browsers),
		})
	}
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.state = StateDisconnected
	cancel := s.pollCancel
	s.pollCancel = nil
	name := s.serverName
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.pollWG.Wait()

	cctx, done := s.callContext(ctx)
	defer done()
	if err := s.backend.Disconnect(cctx); err != nil {
		s.logger.Warn("disconnect failed", "server", name, "error", err)
	}
	s.logger.Info("disconnected", "server", name)
	return nil
}

// State returns the connection state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the session is established.
func (s *Server) Connected() bool { return s.State() == StateConnected }

// Name returns the server name of the last successful Connect.
func (s *Server) Name() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverName
}

// Host returns the address of the last successful Connect.
func (s *Server) Host() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.host
}

// Status returns the server status. It fails fast when not connected.
func (s *Server) Status(ctx context.Context) (model.ServerStatus, error) {
	if err := s.checkConnected(); err != nil {
		return model.ServerStatus{}, err
	}
	cctx, cancel := s.callContext(ctx)
	defer cancel()
	st, err := s.backend.Status(cctx)
	if err != nil {
		return model.ServerStatus{}, verdict(err)
	}
	return st, nil
}

// PollStatus calls sink with the server status every interval until ctx
// ends or the server disconnects.
func (s *Server) PollStatus(ctx context.Context, interval time.Duration, sink func(model.ServerStatus, error)) error {
	if interval <= 0 {
		return status.New(status.CodeInvalidArgument, "poll interval must be positive")
	}
	if sink == nil {
		return status.New(status.CodeInvalidArgument, "nil status sink")
	}

	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return errNotConnected()
	}
	if s.pollCancel != nil {
		s.pollCancel()
	}
	pctx, cancel := context.WithCancel(ctx)
	s.pollCancel = cancel
	s.pollWG.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.pollWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-ticker.C:
				st, err := s.Status(pctx)
				if pctx.Err() != nil {
					return
				}
				sink(st, err)
			}
		}
	}()
	return nil
}

// OnShutdown registers fn for server-initiated shutdown notices.
func (s *Server) OnShutdown(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onShutdown = fn
}

func (s *Server) handleShutdown(reason string) {
	s.mu.Lock()
	fn := s.onShutdown
	name := s.serverName
	s.mu.Unlock()

	s.logger.Warn("server shutting down", "server", name, "reason", reason)
	if fn != nil {
		fn(reason)
	}
}

// callContext applies the per-call timeout.
func (s *Server) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Server) checkConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return errNotConnected()
	}
	return nil
}

// retain registers a live dependent; the server must be connected.
func (s *Server) retain(browser bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return errNotConnected()
	}
	if browser {
		s.browsers++
	} else {
		s.groups++
	}
	return nil
}

func (s *Server) release(browser bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if browser {
		s.browsers--
	} else {
		s.groups--
	}
}

func errNotConnected() error {
	return status.New(status.CodeNotConnected, "not connected")
}

// verdict converts any error into a *status.Error so the Result is never lost.
func verdict(err error) error {
	if err == nil {
		return nil
	}
	return status.FromError(err)
}
