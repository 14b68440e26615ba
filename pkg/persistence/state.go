package persistence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/server"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// StateVersion is the current version of the state file format.
const StateVersion = 1

// ValueState contains the persisted item values of all simulated servers.
type ValueState struct {
	// Version is the state file format version.
	Version int `json:"version"`

	// SavedAt is when the state was last saved.
	SavedAt time.Time `json:"saved_at"`

	// Servers maps a progID to its item snapshot.
	Servers map[string]ServerSnapshot `json:"servers,omitempty"`
}

// ServerSnapshot holds the writable items of one server.
type ServerSnapshot struct {
	Items []ItemSnapshot `json:"items,omitempty"`
}

// ItemSnapshot is the persisted value of one item.
type ItemSnapshot struct {
	// ID is the fully-qualified item identifier.
	ID string `json:"id"`

	// Type is the canonical type at save time. Values are only restored
	// into an item of the same type.
	Type model.DataType `json:"type"`

	Value     any            `json:"value"`
	Quality   status.Quality `json:"quality"`
	Timestamp time.Time      `json:"timestamp,omitempty"`
}

// ValueStore manages persistence of item values to a JSON file.
type ValueStore struct {
	mu   sync.Mutex
	path string
}

// NewValueStore creates a new value store.
func NewValueStore(path string) *ValueStore {
	return &ValueStore{path: path}
}

// Path returns the state file path.
func (s *ValueStore) Path() string { return s.path }

// Save persists the state to disk.
func (s *ValueStore) Save(state *ValueState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Ensure parent directory exists
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	state.Version = StateVersion
	if state.SavedAt.IsZero() {
		state.SavedAt = time.Now()
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	// Write-then-rename so a crash never leaves a truncated file.
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Load reads the state from disk.
// Returns nil, nil if the file doesn't exist (empty state).
func (s *ValueStore) Load() (*ValueState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	state := &ValueState{}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	if state.Version > StateVersion {
		return nil, fmt.Errorf("%s: unsupported state version %d", s.path, state.Version)
	}
	return state, nil
}

// Clear removes the state file.
func (s *ValueStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Capture snapshots the writable items of every server in the registry.
func Capture(reg *server.Registry) *ValueState {
	state := &ValueState{Servers: make(map[string]ServerSnapshot)}
	for _, name := range reg.Names() {
		inst, err := reg.Lookup(name)
		if err != nil {
			continue
		}
		snap := CaptureNamespace(inst.Namespace())
		if len(snap.Items) > 0 {
			state.Servers[name] = snap
		}
	}
	return state
}

// CaptureNamespace snapshots the writable items of one namespace, sorted
// by item ID.
func CaptureNamespace(ns *model.Namespace) ServerSnapshot {
	var snap ServerSnapshot
	for _, v := range ns.Variables() {
		if !v.Access().CanWrite() {
			continue
		}
		st := v.State()
		if st.Value == nil {
			continue
		}
		snap.Items = append(snap.Items, ItemSnapshot{
			ID:        v.ID(),
			Type:      v.Type(),
			Value:     st.Value,
			Quality:   st.Quality,
			Timestamp: st.Timestamp,
		})
	}
	sort.Slice(snap.Items, func(i, j int) bool { return snap.Items[i].ID < snap.Items[j].ID })
	return snap
}

// Restore writes the snapshot values back into the registry and returns
// the number of items restored. Unknown servers, unknown items, read-only
// items and type changes are skipped.
func Restore(reg *server.Registry, state *ValueState) int {
	if state == nil {
		return 0
	}
	n := 0
	for name, snap := range state.Servers {
		inst, err := reg.Lookup(name)
		if err != nil {
			continue
		}
		n += RestoreNamespace(inst.Namespace(), snap)
	}
	return n
}

// RestoreNamespace restores one server snapshot.
func RestoreNamespace(ns *model.Namespace, snap ServerSnapshot) int {
	n := 0
	for _, item := range snap.Items {
		v, err := ns.Variable(item.ID)
		if err != nil || !v.Access().CanWrite() || v.Type() != item.Type {
			continue
		}
		ts := item.Timestamp
		if ts.IsZero() {
			ts = time.Now()
		}
		// JSON numbers come back as float64; Update coerces them.
		if err := v.Update(item.Value, item.Quality, ts); err != nil {
			continue
		}
		n++
	}
	return n
}
