package simulation

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/persistence"
	"github.com/opc-classic/opcda-go/pkg/server"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// DefaultTick is the generator evaluation period.
const DefaultTick = 100 * time.Millisecond

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Simulator) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithTick sets the generator evaluation period.
func WithTick(d time.Duration) Option {
	return func(s *Simulator) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithRegistry registers the simulated servers in an existing registry.
func WithRegistry(reg *server.Registry) Option {
	return func(s *Simulator) {
		if reg != nil {
			s.registry = reg
		}
	}
}

// WithModbusDialer replaces the Modbus TCP dialer.
func WithModbusDialer(dial ModbusDialer) Option {
	return func(s *Simulator) {
		if dial != nil {
			s.dial = dial
		}
	}
}

// WithStore restores writable values from store on start and saves them
// every interval while running and once on exit. A zero interval saves on
// exit only.
func WithStore(store *persistence.ValueStore, interval time.Duration) Option {
	return func(s *Simulator) {
		s.store = store
		s.saveInterval = interval
	}
}

// Simulator hosts the configured servers and drives their signals.
type Simulator struct {
	config       *Config
	registry     *server.Registry
	logger       *slog.Logger
	tick         time.Duration
	dial         ModbusDialer
	store        *persistence.ValueStore
	saveInterval time.Duration

	instances  []*server.Instance
	generators []*generator
	endpoints  map[string]*modbusEndpoint
	nsSubs     map[*model.Namespace]uint64

	mu      sync.Mutex
	running bool
}

// New builds the address spaces of cfg and registers one server per entry.
func New(cfg *Config, opts ...Option) (*Simulator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Simulator{
		config:    cfg,
		registry:  server.NewRegistry(),
		logger:    slog.Default(),
		tick:      DefaultTick,
		dial:      DialModbus,
		endpoints: make(map[string]*modbusEndpoint),
		nsSubs:    make(map[*model.Namespace]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}

	start := time.Now()
	for _, sc := range cfg.Servers {
		if err := s.build(sc, start); err != nil {
			s.unregister()
			return nil, err
		}
	}

	if s.store != nil {
		state, err := s.store.Load()
		if err != nil {
			s.unregister()
			return nil, fmt.Errorf("load values: %w", err)
		}
		if n := persistence.Restore(s.registry, state); n > 0 {
			s.logger.Info("restored item values", "count", n, "path", s.store.Path())
		}
	}
	return s, nil
}

func (s *Simulator) build(sc ServerConfig, start time.Time) error {
	ns := model.NewNamespace(sc.Separator)
	var mirrored map[string]*modbusItem

	for i, item := range sc.Items {
		v, err := ns.AddItem(item.metadata())
		if err != nil {
			return fmt.Errorf("%s: %w", sc.ProgID, err)
		}
		switch item.signal() {
		case SignalStatic:
		case SignalModbus:
			v.SetQuality(status.QualityWaitingForInitialData)
			mi := &modbusItem{cfg: item, variable: v}
			ep := s.endpoints[item.Endpoint]
			if ep == nil {
				ep = newModbusEndpoint(item.Endpoint, s.dial, s.logger)
				s.endpoints[item.Endpoint] = ep
			}
			ep.add(mi)
			if item.Access.CanWrite() {
				if mirrored == nil {
					mirrored = make(map[string]*modbusItem)
				}
				mirrored[item.ID] = mi
			}
		default:
			s.generators = append(s.generators, newGenerator(item, v, start, seed(sc.ProgID, i)))
		}
	}

	if mirrored != nil {
		s.nsSubs[ns] = ns.Subscribe(func(v *model.Variable, st model.ValueState) {
			mi := mirrored[v.ID()]
			if mi == nil || !st.Quality.IsGood() || mi.fromDevice(st.Value) {
				return
			}
			s.endpoints[mi.cfg.Endpoint].enqueue(mi, st.Value)
		})
	}

	inst, err := s.registry.Register(sc.Info, ns)
	if err != nil {
		return err
	}
	s.instances = append(s.instances, inst)
	s.logger.Debug("simulated server registered", "prog_id", sc.ProgID, "items", ns.Len())
	return nil
}

func seed(progID string, index int) uint64 {
	h := fnv.New64a()
	h.Write([]byte(progID))
	return h.Sum64() + uint64(index)
}

func (s *Simulator) unregister() {
	for _, inst := range s.instances {
		_ = s.registry.Unregister(inst.Info().ProgID)
	}
	s.instances = nil
}

// Registry returns the registry holding the simulated servers.
func (s *Simulator) Registry() *server.Registry { return s.registry }

// Instances returns the simulated servers in configuration order.
func (s *Simulator) Instances() []*server.Instance { return s.instances }

// Step evaluates every generator that is due at now and returns the number
// of items updated.
func (s *Simulator) Step(now time.Time) int {
	n := 0
	for _, g := range s.generators {
		if !g.due(now) {
			continue
		}
		if err := g.variable.Update(g.sample(now), status.QualityGood, now); err != nil {
			s.logger.Debug("generator value rejected", "item", g.item.ID, "error", err)
			continue
		}
		n++
	}
	return n
}

// Run drives the generators and Modbus endpoints until ctx is cancelled.
// On return the writable values are saved if a store is configured.
func (s *Simulator) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("simulator already running")
	}
	s.running = true
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, ep := range s.endpoints {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ep.run(ctx, s.tick)
		}()
	}

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	var saves <-chan time.Time
	if s.store != nil && s.saveInterval > 0 {
		saveTicker := time.NewTicker(s.saveInterval)
		defer saveTicker.Stop()
		saves = saveTicker.C
	}

	s.Step(time.Now())
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			for ns, id := range s.nsSubs {
				ns.Unsubscribe(id)
			}
			if err := s.Save(); err != nil {
				return fmt.Errorf("save values: %w", err)
			}
			return nil
		case now := <-ticker.C:
			s.Step(now)
		case <-saves:
			if err := s.Save(); err != nil {
				s.logger.Warn("save values failed", "error", err)
			}
		}
	}
}

// Save writes the writable values to the configured store.
func (s *Simulator) Save() error {
	if s.store == nil {
		return nil
	}
	return s.store.Save(persistence.Capture(s.registry))
}

// Shutdown notifies the clients of every simulated server.
func (s *Simulator) Shutdown(reason string) {
	for _, inst := range s.instances {
		inst.Shutdown(reason)
	}
}
