package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
	"github.com/opc-classic/opcda-go/pkg/subscription"
)

// Session timing defaults.
const (
	// MinUpdateRate is the fastest update rate a group is revised to.
	MinUpdateRate = 10 * time.Millisecond

	// DefaultTick is the delivery ticker period.
	DefaultTick = 10 * time.Millisecond
)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTick sets the delivery ticker period.
func WithTick(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithSubscriptionConfig sets the subscription limits and heartbeat mode.
func WithSubscriptionConfig(cfg subscription.Config) Option {
	return func(s *Session) { s.subConfig = cfg }
}

// Session is one client's view of a registered server.
// All methods are safe for concurrent use.
type Session struct {
	registry  *Registry
	logger    *slog.Logger
	tick      time.Duration
	subConfig subscription.Config

	mu         sync.RWMutex
	inst       *Instance
	clientName string
	connected  bool
	groups     map[uint32]*group
	names      map[string]uint32
	nextGroup  uint32
	nextItem   uint32
	observers  map[uint32]func(model.DataChange)
	cursors    map[string]*browseCursor
	onShutdown func(reason string)

	subs   *subscription.Manager
	nsSub  uint64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSession creates a disconnected session on the registry.
func NewSession(registry *Registry, opts ...Option) *Session {
	s := &Session{
		registry:  registry,
		logger:    slog.Default(),
		tick:      DefaultTick,
		subConfig: subscription.DefaultConfig(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect attaches the session to the server registered as serverName.
func (s *Session) Connect(ctx context.Context, serverName, clientName string) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connected {
		return status.New(status.CodeAlreadyConnected, "already connected to %s", s.inst.info.ProgID)
	}
	inst, err := s.registry.Lookup(serverName)
	if err != nil {
		return status.Wrap(status.CodeServerUnknown, err)
	}
	if inst.State() == model.ServerSuspended {
		return status.New(status.CodeConnectionFailed, "server %s is shutting down", serverName)
	}

	s.inst = inst
	s.clientName = clientName
	s.connected = true
	s.groups = make(map[uint32]*group)
	s.names = make(map[string]uint32)
	s.observers = make(map[uint32]func(model.DataChange))
	s.cursors = make(map[string]*browseCursor)

	subs := subscription.NewManagerWithConfig(s.subConfig)
	subs.OnNotification(s.deliver)
	s.subs = subs
	s.nsSub = inst.namespace.Subscribe(func(v *model.Variable, st model.ValueState) {
		subs.NotifyChange(v.ID(), st)
	})

	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.wg.Add(1)
	go s.deliveryLoop(loopCtx, subs)

	inst.attach(s)
	s.logger.Debug("session connected", "server", serverName, "client", clientName)
	return nil
}

// Disconnect releases all groups of the session. It is idempotent.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return nil
	}
	inst := s.inst
	cancel := s.cancel
	subs := s.subs
	groups := len(s.groups)

	s.connected = false
	s.groups = nil
	s.names = nil
	s.observers = nil
	s.cursors = nil
	s.cancel = nil
	s.mu.Unlock()

	inst.namespace.Unsubscribe(s.nsSub)
	cancel()
	s.wg.Wait()
	subs.ClearAll()

	inst.groups.Add(-int32(groups))
	inst.detach(s)
	s.logger.Debug("session disconnected", "server", inst.info.ProgID, "groups", groups)
	return nil
}

// Connected reports whether the session is attached to a server.
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.connected
}

// ServerName returns the progID of the connected server.
func (s *Session) ServerName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inst == nil {
		return ""
	}
	return s.inst.info.ProgID
}

// ClientName returns the name registered by the client.
func (s *Session) ClientName() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientName
}

// Status returns the server status.
func (s *Session) Status(ctx context.Context) (model.ServerStatus, error) {
	if err := checkContext(ctx); err != nil {
		return model.ServerStatus{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.connected {
		return model.ServerStatus{}, errNotConnected()
	}
	return s.inst.Status(), nil
}

// OnShutdown registers the handler for server-initiated shutdown.
func (s *Session) OnShutdown(fn func(reason string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onShutdown = fn
}

func (s *Session) shutdown(reason string) {
	s.mu.RLock()
	fn := s.onShutdown
	s.mu.RUnlock()
	s.logger.Info("server shutdown", "server", s.ServerName(), "reason", reason)
	if fn != nil {
		fn(reason)
	}
}

func (s *Session) deliveryLoop(ctx context.Context, subs *subscription.Manager) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			subs.ProcessNotifications()
		}
	}
}

// deliver converts a subscription notification into a data change for
// the group's observer.
func (s *Session) deliver(n subscription.Notification) {
	s.mu.RLock()
	fn := s.observers[n.GroupHandle]
	g := s.groups[n.GroupHandle]
	var items []model.ItemState
	if g != nil {
		items = make([]model.ItemState, 0, len(n.Items))
		for _, st := range n.Items {
			gi, ok := g.items[st.ServerHandle]
			if !ok {
				continue
			}
			items = append(items, gi.present(st))
		}
	}
	s.mu.RUnlock()

	if fn == nil || g == nil {
		return
	}
	fn(model.DataChange{GroupHandle: n.GroupHandle, Items: items, KeepAlive: n.IsHeartbeat, Refresh: n.IsRefresh})
}

// connectedLocked returns the connected instance; s.mu must be held.
func (s *Session) connectedLocked() (*Instance, error) {
	if !s.connected {
		return nil, errNotConnected()
	}
	return s.inst, nil
}

func errNotConnected() error {
	return status.New(status.CodeNotConnected, "not connected")
}

// checkContext maps an ended context onto a status error.
func checkContext(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return status.Wrap(status.CodeTimeout, err)
	}
	return status.Wrap(status.CodeInvalidState, err)
}
