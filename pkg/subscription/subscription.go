package subscription

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// Subscription errors.
var (
	ErrInvalidInterval       = errors.New("invalid subscription interval")
	ErrResourceExhausted     = errors.New("maximum subscriptions reached")
	ErrSubscriptionNotFound  = errors.New("subscription not found")
	ErrTooManyItems          = errors.New("maximum items per subscription reached")
	ErrDuplicateSubscription = errors.New("group already subscribed")
)

// Default subscription limits.
const (
	DefaultMaxSubscriptions = 256
	DefaultMaxItemsPerSub   = 10000
)

// HeartbeatMode specifies what content is sent in keep-alive notifications.
type HeartbeatMode uint8

const (
	// HeartbeatEmpty sends a notification without item reports.
	HeartbeatEmpty HeartbeatMode = iota

	// HeartbeatFull sends every tracked item with its last notified state.
	HeartbeatFull
)

// String returns a human-readable heartbeat mode name.
func (m HeartbeatMode) String() string {
	switch m {
	case HeartbeatEmpty:
		return "EMPTY"
	case HeartbeatFull:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// Config holds subscription manager configuration.
type Config struct {
	// MaxSubscriptions is the maximum number of subscribed groups.
	MaxSubscriptions int

	// MaxItemsPerSub is the maximum number of items per subscription.
	MaxItemsPerSub int

	// HeartbeatMode specifies keep-alive content.
	HeartbeatMode HeartbeatMode

	// SuppressBounceBack drops item reports whose value and quality equal
	// the last notified ones.
	SuppressBounceBack bool
}

// DefaultConfig returns the default subscription configuration.
func DefaultConfig() Config {
	return Config{
		MaxSubscriptions:   DefaultMaxSubscriptions,
		MaxItemsPerSub:     DefaultMaxItemsPerSub,
		HeartbeatMode:      HeartbeatEmpty,
		SuppressBounceBack: true,
	}
}

// Item is a group item tracked by a subscription.
type Item struct {
	// ServerHandle identifies the item within its group.
	ServerHandle uint32

	// ClientHandle is echoed back in every report.
	ClientHandle uint32

	// ItemID is the address-space identifier the item follows.
	ItemID string

	// Span is the engineering range (high - low) used for the percent
	// deadband. Zero disables the deadband for this item.
	Span float64

	// State is the item's current state at the time it is tracked.
	State model.ValueState
}

type trackedItem struct {
	Item
	last     model.ValueState
	notified bool
	pending  *model.ValueState
}

// Subscription is the change-delivery state of one group.
type Subscription struct {
	mu sync.RWMutex

	// GroupHandle is the server handle of the group.
	GroupHandle uint32

	// UpdateRate is the minimum time between data-change notifications.
	UpdateRate time.Duration

	// KeepAlive is the maximum time without a notification. Zero disables
	// keep-alive notifications.
	KeepAlive time.Duration

	// Deadband is the percent deadband applied to numeric items with a span.
	Deadband float32

	items map[uint32]*trackedItem

	lastNotified      time.Time
	changeWindowStart time.Time
	hasChanges        bool
	active            bool
}

// NewSubscription creates an active subscription for a group.
func NewSubscription(groupHandle uint32, updateRate, keepAlive time.Duration, deadband float32) *Subscription {
	return &Subscription{
		GroupHandle:  groupHandle,
		UpdateRate:   updateRate,
		KeepAlive:    keepAlive,
		Deadband:     deadband,
		items:        make(map[uint32]*trackedItem),
		lastNotified: time.Now(),
		active:       true,
	}
}

// IsActive returns whether the subscription delivers notifications.
func (s *Subscription) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Deactivate stops delivery. Pending changes are discarded.
func (s *Subscription) Deactivate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
	s.clearPendingLocked()
}

// Activate resumes delivery and returns the priming report of all tracked
// items. The reports become the baseline for bounce-back suppression.
func (s *Subscription) Activate() []model.ItemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = true
	s.clearPendingLocked()
	return s.primeLocked()
}

// SetRates updates the update rate, keep-alive and deadband.
func (s *Subscription) SetRates(updateRate, keepAlive time.Duration, deadband float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.UpdateRate = updateRate
	s.KeepAlive = keepAlive
	s.Deadband = deadband
}

// Track adds items to the subscription. Their current state is recorded as
// pending so the next notification reports them.
func (s *Subscription) Track(items ...Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		st := it.State
		ti := &trackedItem{Item: it}
		s.items[it.ServerHandle] = ti
		if s.active {
			ti.pending = &st
			s.startWindowLocked()
		}
	}
}

// Untrack removes items by server handle.
func (s *Subscription) Untrack(handles ...uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range handles {
		delete(s.items, h)
	}
	s.hasChanges = false
	for _, ti := range s.items {
		if ti.pending != nil {
			s.hasChanges = true
			break
		}
	}
}

// Len returns the number of tracked items.
func (s *Subscription) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// RecordChange records a new state for every tracked item following itemID.
// Returns true if this change starts the coalescing window.
func (s *Subscription) RecordChange(itemID string, st model.ValueState) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		for _, ti := range s.items {
			if ti.ItemID == itemID {
				ti.State = st
			}
		}
		return false
	}

	found := false
	for _, ti := range s.items {
		if ti.ItemID != itemID {
			continue
		}
		ti.State = st
		if s.withinDeadband(ti, st) {
			continue
		}
		v := st
		ti.pending = &v
		found = true
	}
	if !found {
		return false
	}

	isNewWindow := !s.hasChanges
	s.startWindowLocked()
	return isNewWindow
}

// GetPendingNotification returns the coalesced item reports that are due.
// It applies bounce-back suppression and clears pending changes.
// Returns nil if no notification is needed.
func (s *Subscription) GetPendingNotification(suppressBounceBack bool) []model.ItemState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active || !s.hasChanges {
		return nil
	}
	if time.Since(s.changeWindowStart) < s.UpdateRate {
		return nil
	}

	var reports []model.ItemState
	for _, ti := range s.items {
		if ti.pending == nil {
			continue
		}
		st := *ti.pending
		ti.pending = nil
		if suppressBounceBack && ti.notified && sameState(ti.last, st) {
			continue
		}
		ti.last = st
		ti.notified = true
		reports = append(reports, report(ti, st))
	}

	s.hasChanges = false
	if len(reports) == 0 {
		return nil
	}
	s.lastNotified = time.Now()
	sortReports(reports)
	return reports
}

// Refresh returns the current state of every tracked item regardless of
// change and clears pending changes.
func (s *Subscription) Refresh() []model.ItemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearPendingLocked()
	return s.primeLocked()
}

// RefreshFrom replaces the recorded state of every tracked item with the
// one returned by sample, then reports them as Refresh does. Items sample
// cannot read keep their recorded state.
func (s *Subscription) RefreshFrom(sample func(itemID string) (model.ValueState, bool)) []model.ItemState {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ti := range s.items {
		if st, ok := sample(ti.ItemID); ok {
			ti.State = st
		}
	}
	s.clearPendingLocked()
	return s.primeLocked()
}

// NeedsHeartbeat returns true if the keep-alive time elapsed since the last
// notification.
func (s *Subscription) NeedsHeartbeat() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.active || s.KeepAlive <= 0 {
		return false
	}
	return time.Since(s.lastNotified) >= s.KeepAlive
}

// RecordHeartbeat records that a keep-alive was sent.
func (s *Subscription) RecordHeartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastNotified = time.Now()
}

// LastNotified returns the last notified state of every tracked item that
// has been reported at least once.
func (s *Subscription) LastNotified() []model.ItemState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	reports := make([]model.ItemState, 0, len(s.items))
	for _, ti := range s.items {
		if ti.notified {
			reports = append(reports, report(ti, ti.last))
		}
	}
	sortReports(reports)
	return reports
}

func (s *Subscription) startWindowLocked() {
	if !s.hasChanges {
		s.changeWindowStart = time.Now()
		s.hasChanges = true
	}
}

func (s *Subscription) clearPendingLocked() {
	for _, ti := range s.items {
		ti.pending = nil
	}
	s.hasChanges = false
}

func (s *Subscription) primeLocked() []model.ItemState {
	reports := make([]model.ItemState, 0, len(s.items))
	for _, ti := range s.items {
		ti.last = ti.State
		ti.notified = true
		reports = append(reports, report(ti, ti.State))
	}
	s.lastNotified = time.Now()
	sortReports(reports)
	return reports
}

// withinDeadband reports whether a numeric change is too small to notify.
// Quality changes always pass.
func (s *Subscription) withinDeadband(ti *trackedItem, st model.ValueState) bool {
	if s.Deadband <= 0 || ti.Span <= 0 || !ti.notified || ti.last.Quality != st.Quality {
		return false
	}
	prev, ok1 := model.ToFloat64(ti.last.Value)
	next, ok2 := model.ToFloat64(st.Value)
	if !ok1 || !ok2 {
		return false
	}
	return math.Abs(next-prev) <= float64(s.Deadband)/100*ti.Span
}

func report(ti *trackedItem, st model.ValueState) model.ItemState {
	return model.ItemState{
		ServerHandle: ti.ServerHandle,
		ClientHandle: ti.ClientHandle,
		Value:        st.Value,
		Quality:      st.Quality,
		Timestamp:    st.Timestamp,
		Result:       status.Good,
	}
}

func sameState(a, b model.ValueState) bool {
	return a.Quality == b.Quality && model.EqualValue(a.Value, b.Value)
}

func sortReports(r []model.ItemState) {
	sort.Slice(r, func(i, j int) bool { return r[i].ServerHandle < r[j].ServerHandle })
}
