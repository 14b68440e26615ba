package server

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opc-classic/opcda-go/pkg/model"
)

// Registry errors.
var (
	ErrServerUnknown    = errors.New("server not registered")
	ErrServerRegistered = errors.New("server already registered")
)

// Info is the identity and version metadata of a registered server.
type Info struct {
	// ProgID is the name clients connect with, e.g. "Matrikon.OPC.Simulation.1".
	ProgID string `yaml:"prog_id"`

	// VendorInfo is a free-form vendor string.
	VendorInfo string `yaml:"vendor"`

	MajorVersion uint16 `yaml:"major"`
	MinorVersion uint16 `yaml:"minor"`
	BuildNumber  uint16 `yaml:"build"`
}

// Instance is a registered server with its address space.
type Instance struct {
	info      Info
	namespace *model.Namespace
	startTime time.Time

	state      atomic.Uint32
	lastUpdate atomic.Int64
	groups     atomic.Int32

	mu        sync.Mutex
	listeners map[*Session]struct{}
	nsSub     uint64
}

func newInstance(info Info, ns *model.Namespace) *Instance {
	inst := &Instance{
		info:      info,
		namespace: ns,
		startTime: time.Now(),
		listeners: make(map[*Session]struct{}),
	}
	inst.state.Store(uint32(model.ServerRunning))
	inst.nsSub = ns.Subscribe(func(*model.Variable, model.ValueState) {
		inst.lastUpdate.Store(time.Now().UnixNano())
	})
	return inst
}

// Info returns the server identity.
func (i *Instance) Info() Info { return i.info }

// Namespace returns the address space.
func (i *Instance) Namespace() *model.Namespace { return i.namespace }

// State returns the operational state.
func (i *Instance) State() model.ServerState { return model.ServerState(i.state.Load()) }

// SetState changes the operational state reported by Status.
func (i *Instance) SetState(s model.ServerState) { i.state.Store(uint32(s)) }

// Status returns the current server status.
func (i *Instance) Status() model.ServerStatus {
	st := model.ServerStatus{
		VendorInfo:   i.info.VendorInfo,
		State:        i.State(),
		StartTime:    i.startTime,
		CurrentTime:  time.Now(),
		GroupCount:   uint32(i.groups.Load()),
		MajorVersion: i.info.MajorVersion,
		MinorVersion: i.info.MinorVersion,
		BuildNumber:  i.info.BuildNumber,
	}
	if ns := i.lastUpdate.Load(); ns != 0 {
		st.LastUpdateTime = time.Unix(0, ns)
	}
	return st
}

// Shutdown notifies every connected session that the server is going away.
func (i *Instance) Shutdown(reason string) {
	i.SetState(model.ServerSuspended)
	i.mu.Lock()
	sessions := make([]*Session, 0, len(i.listeners))
	for s := range i.listeners {
		sessions = append(sessions, s)
	}
	i.mu.Unlock()

	for _, s := range sessions {
		s.shutdown(reason)
	}
}

func (i *Instance) attach(s *Session) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.listeners[s] = struct{}{}
}

func (i *Instance) detach(s *Session) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.listeners, s)
}

// Sessions returns the number of connected sessions.
func (i *Instance) Sessions() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.listeners)
}

// Registry maps progIDs to server instances.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Instance
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*Instance)}
}

// Register adds a server. ProgIDs are unique.
func (r *Registry) Register(info Info, ns *model.Namespace) (*Instance, error) {
	if info.ProgID == "" {
		return nil, fmt.Errorf("register: empty progID")
	}
	if ns == nil {
		ns = model.NewNamespace("")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.servers[info.ProgID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrServerRegistered, info.ProgID)
	}
	inst := newInstance(info, ns)
	r.servers[info.ProgID] = inst
	return inst, nil
}

// Unregister removes a server after notifying its sessions.
func (r *Registry) Unregister(progID string) error {
	r.mu.Lock()
	inst, exists := r.servers[progID]
	delete(r.servers, progID)
	r.mu.Unlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrServerUnknown, progID)
	}
	inst.namespace.Unsubscribe(inst.nsSub)
	inst.Shutdown("server unregistered")
	return nil
}

// Lookup returns the instance registered under progID.
func (r *Registry) Lookup(progID string) (*Instance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, exists := r.servers[progID]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrServerUnknown, progID)
	}
	return inst, nil
}

// Names returns the registered progIDs in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.servers))
	for name := range r.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
