package model

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/opc-classic/opcda-go/pkg/status"
)

// DefaultSeparator joins node names into item identifiers.
const DefaultSeparator = "."

// Namespace errors.
var (
	ErrNodeNotFound  = errors.New("node not found")
	ErrNotAnItem     = errors.New("node is not an item")
	ErrDuplicateItem = errors.New("item already exists")
	ErrInvalidItemID = errors.New("invalid item identifier")
	ErrNotReadable   = errors.New("item is not readable")
	ErrNotWritable   = errors.New("item is not writable")
)

// VariableMetadata describes an item.
type VariableMetadata struct {
	// ID is the fully-qualified item identifier.
	ID string

	// Type is the canonical data type.
	Type DataType

	// Access defines the allowed operations.
	Access AccessRights

	// ScanRate is the rate at which the server refreshes the value.
	ScanRate time.Duration

	// Initial is the value before the first update.
	Initial any

	// EUUnits is the engineering unit (e.g. "degC").
	EUUnits string

	// Description is a human-readable description.
	Description string

	// HighEU and LowEU are the optional engineering limits.
	HighEU *float64
	LowEU  *float64
}

// ChangeFunc is called after a variable value, quality or timestamp changed.
type ChangeFunc func(v *Variable, st ValueState)

// ValueState is the value, quality and timestamp of a variable.
type ValueState struct {
	Value     any
	Quality   status.Quality
	Timestamp time.Time
}

// Variable is an item of the address space.
type Variable struct {
	mu   sync.RWMutex
	meta VariableMetadata
	ns   *Namespace

	value     any
	quality   status.Quality
	timestamp time.Time
}

// ID returns the item identifier.
func (v *Variable) ID() string { return v.meta.ID }

// Metadata returns the item metadata.
func (v *Variable) Metadata() VariableMetadata { return v.meta }

// Type returns the canonical data type.
func (v *Variable) Type() DataType { return v.meta.Type }

// Access returns the access rights.
func (v *Variable) Access() AccessRights { return v.meta.Access }

// State returns the current value, quality and timestamp.
func (v *Variable) State() ValueState {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return ValueState{Value: v.value, Quality: v.quality, Timestamp: v.timestamp}
}

// Read returns the current state. Write-only items fail with ErrNotReadable.
func (v *Variable) Read() (ValueState, error) {
	if !v.meta.Access.CanRead() {
		return ValueState{}, ErrNotReadable
	}
	return v.State(), nil
}

// Write coerces value to the item type and stores it with Good quality.
// Returns an error if the item is not writable or the value is invalid.
// Writing the current value does not notify subscribers.
func (v *Variable) Write(value any) error {
	if !v.meta.Access.CanWrite() {
		return ErrNotWritable
	}
	return v.Update(value, status.QualityGood, time.Now())
}

// Update stores a value without checking write access.
// Used by the server and simulators to refresh read-only items.
func (v *Variable) Update(value any, q status.Quality, ts time.Time) error {
	cv, err := v.meta.Type.Coerce(value)
	if err != nil {
		return err
	}

	v.mu.Lock()
	changed := !EqualValue(v.value, cv) || v.quality != q
	v.value = cv
	v.quality = q
	if changed || v.timestamp.IsZero() {
		v.timestamp = ts
	}
	st := ValueState{Value: v.value, Quality: v.quality, Timestamp: v.timestamp}
	v.mu.Unlock()

	if changed && v.ns != nil {
		v.ns.notify(v, st)
	}
	return nil
}

// SetQuality replaces the quality keeping the value.
func (v *Variable) SetQuality(q status.Quality) {
	v.mu.Lock()
	changed := v.quality != q
	v.quality = q
	v.timestamp = time.Now()
	st := ValueState{Value: v.value, Quality: v.quality, Timestamp: v.timestamp}
	v.mu.Unlock()

	if changed && v.ns != nil {
		v.ns.notify(v, st)
	}
}

// EqualValue compares two scalar item values; times compare by instant.
func EqualValue(a, b any) bool {
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return a == b
}

// Node is a namespace tree node.
type Node struct {
	name     string
	itemID   string
	parent   *Node
	children []*Node
	index    map[string]*Node
	variable *Variable
}

// Name returns the node's short name.
func (n *Node) Name() string { return n.name }

// ItemID returns the fully-qualified identifier, "" for the root.
func (n *Node) ItemID() string { return n.itemID }

// IsItem reports whether the node carries a variable.
func (n *Node) IsItem() bool { return n.variable != nil }

// Variable returns the node's variable, nil for branches.
func (n *Node) Variable() *Variable { return n.variable }

// Namespace is a hierarchical address space.
type Namespace struct {
	mu        sync.RWMutex
	separator string
	root      *Node
	items     map[string]*Node

	subMu       sync.RWMutex
	subscribers map[uint64]ChangeFunc
	nextSubID   uint64
}

// NewNamespace creates an empty namespace. An empty separator selects
// DefaultSeparator.
func NewNamespace(separator string) *Namespace {
	if separator == "" {
		separator = DefaultSeparator
	}
	return &Namespace{
		separator:   separator,
		root:        &Node{index: make(map[string]*Node)},
		items:       make(map[string]*Node),
		subscribers: make(map[uint64]ChangeFunc),
	}
}

// Separator returns the item identifier separator.
func (ns *Namespace) Separator() string { return ns.separator }

// ValidateItemID checks the syntax of an item identifier.
func ValidateItemID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidItemID)
	}
	if strings.TrimSpace(id) != id {
		return fmt.Errorf("%w: surrounding whitespace in %q", ErrInvalidItemID, id)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: control character in %q", ErrInvalidItemID, id)
		}
	}
	return nil
}

// AddBranch creates the branch path and any missing parents.
func (ns *Namespace) AddBranch(path string) (*Node, error) {
	if err := ValidateItemID(path); err != nil {
		return nil, err
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	return ns.ensurePath(path)
}

// AddItem creates a variable at meta.ID, creating parent branches as needed.
func (ns *Namespace) AddItem(meta VariableMetadata) (*Variable, error) {
	if err := ValidateItemID(meta.ID); err != nil {
		return nil, err
	}
	if !meta.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrValueType, meta.Type)
	}
	if meta.Access == 0 {
		meta.Access = AccessReadable
	}

	initial := meta.Initial
	if initial == nil {
		initial = meta.Type.Zero()
	}
	cv, err := meta.Type.Coerce(initial)
	if err != nil {
		return nil, fmt.Errorf("initial value of %s: %w", meta.ID, err)
	}

	ns.mu.Lock()
	defer ns.mu.Unlock()

	if _, exists := ns.items[meta.ID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateItem, meta.ID)
	}
	node, err := ns.ensurePath(meta.ID)
	if err != nil {
		return nil, err
	}
	v := &Variable{
		meta:      meta,
		ns:        ns,
		value:     cv,
		quality:   status.QualityGood,
		timestamp: time.Now(),
	}
	node.variable = v
	ns.items[meta.ID] = node
	return v, nil
}

// ensurePath must be called with ns.mu held.
func (ns *Namespace) ensurePath(path string) (*Node, error) {
	cur := ns.root
	parts := strings.Split(path, ns.separator)
	for i, name := range parts {
		if name == "" {
			return nil, fmt.Errorf("%w: empty segment in %q", ErrInvalidItemID, path)
		}
		next, ok := cur.index[name]
		if !ok {
			next = &Node{
				name:   name,
				itemID: strings.Join(parts[:i+1], ns.separator),
				parent: cur,
				index:  make(map[string]*Node),
			}
			cur.index[name] = next
			cur.children = append(cur.children, next)
		}
		cur = next
	}
	return cur, nil
}

// Lookup finds a node by item identifier. "" returns the root.
func (ns *Namespace) Lookup(itemID string) (*Node, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return ns.lookup(itemID)
}

func (ns *Namespace) lookup(itemID string) (*Node, bool) {
	if itemID == "" {
		return ns.root, true
	}
	if n, ok := ns.items[itemID]; ok {
		return n, true
	}
	cur := ns.root
	for _, name := range strings.Split(itemID, ns.separator) {
		next, ok := cur.index[name]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Children returns the child nodes of itemID in insertion order.
func (ns *Namespace) Children(itemID string) ([]*Node, error) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	n, ok := ns.lookup(itemID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, itemID)
	}
	out := make([]*Node, len(n.children))
	copy(out, n.children)
	return out, nil
}

// HasChildren reports whether the node has children.
func (ns *Namespace) HasChildren(n *Node) bool {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(n.children) > 0
}

// Variable returns the variable with the given item identifier.
func (ns *Namespace) Variable(itemID string) (*Variable, error) {
	ns.mu.RLock()
	n, ok := ns.items[itemID]
	ns.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, itemID)
	}
	return n.variable, nil
}

// Variables returns all variables in depth-first order.
func (ns *Namespace) Variables() []*Variable {
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	var out []*Variable
	var walk func(n *Node)
	walk = func(n *Node) {
		if n.variable != nil {
			out = append(out, n.variable)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(ns.root)
	return out
}

// Len returns the number of variables.
func (ns *Namespace) Len() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.items)
}

// Subscribe registers fn for value changes and returns its ID.
func (ns *Namespace) Subscribe(fn ChangeFunc) uint64 {
	ns.subMu.Lock()
	defer ns.subMu.Unlock()
	ns.nextSubID++
	ns.subscribers[ns.nextSubID] = fn
	return ns.nextSubID
}

// Unsubscribe removes a subscriber.
func (ns *Namespace) Unsubscribe(id uint64) {
	ns.subMu.Lock()
	defer ns.subMu.Unlock()
	delete(ns.subscribers, id)
}

func (ns *Namespace) notify(v *Variable, st ValueState) {
	ns.subMu.RLock()
	subs := make([]ChangeFunc, 0, len(ns.subscribers))
	for _, fn := range ns.subscribers {
		subs = append(subs, fn)
	}
	ns.subMu.RUnlock()

	for _, fn := range subs {
		fn(v, st)
	}
}
