package subscription

import (
	"sort"
	"sync"
	"time"

	"github.com/opc-classic/opcda-go/pkg/model"
)

// Notification is a batch of item reports to deliver for one group.
type Notification struct {
	// GroupHandle identifies the group.
	GroupHandle uint32

	// Items are the item reports ordered by server handle.
	Items []model.ItemState

	// IsPriming indicates the initial report after (re)activation.
	IsPriming bool

	// IsHeartbeat indicates a keep-alive notification.
	IsHeartbeat bool

	// IsRefresh indicates a report forced by a refresh request.
	IsRefresh bool

	// Timestamp is when the notification was generated.
	Timestamp time.Time
}

// Manager manages the subscriptions of one session.
type Manager struct {
	mu sync.RWMutex

	config Config

	// subscriptions by group handle
	subscriptions map[uint32]*Subscription

	onNotification func(Notification)
}

// NewManager creates a new subscription manager with default configuration.
func NewManager() *Manager {
	return NewManagerWithConfig(DefaultConfig())
}

// NewManagerWithConfig creates a new subscription manager with custom configuration.
func NewManagerWithConfig(config Config) *Manager {
	if config.MaxSubscriptions <= 0 {
		config.MaxSubscriptions = DefaultMaxSubscriptions
	}
	if config.MaxItemsPerSub <= 0 {
		config.MaxItemsPerSub = DefaultMaxItemsPerSub
	}

	return &Manager{
		config:        config,
		subscriptions: make(map[uint32]*Subscription),
	}
}

// Subscribe starts change delivery for a group. When active is true a
// priming notification with all current item states is sent via the
// callback before Subscribe returns.
func (m *Manager) Subscribe(groupHandle uint32, updateRate, keepAlive time.Duration, deadband float32, active bool, items []Item) (*Subscription, error) {
	if updateRate < 0 || keepAlive < 0 {
		return nil, ErrInvalidInterval
	}
	if len(items) > m.config.MaxItemsPerSub {
		return nil, ErrTooManyItems
	}

	m.mu.Lock()
	if _, exists := m.subscriptions[groupHandle]; exists {
		m.mu.Unlock()
		return nil, ErrDuplicateSubscription
	}
	if len(m.subscriptions) >= m.config.MaxSubscriptions {
		m.mu.Unlock()
		return nil, ErrResourceExhausted
	}

	sub := NewSubscription(groupHandle, updateRate, keepAlive, deadband)
	sub.Deactivate()
	sub.Track(items...)
	m.subscriptions[groupHandle] = sub
	onNotify := m.onNotification
	m.mu.Unlock()

	if active {
		priming := sub.Activate()
		if onNotify != nil && len(priming) > 0 {
			onNotify(Notification{
				GroupHandle: groupHandle,
				Items:       priming,
				IsPriming:   true,
				Timestamp:   time.Now(),
			})
		}
	}

	return sub, nil
}

// Unsubscribe stops change delivery for a group.
func (m *Manager) Unsubscribe(groupHandle uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, exists := m.subscriptions[groupHandle]
	if !exists {
		return ErrSubscriptionNotFound
	}
	sub.Deactivate()
	delete(m.subscriptions, groupHandle)
	return nil
}

// SetActive pauses or resumes a subscription. Resuming sends a priming
// notification.
func (m *Manager) SetActive(groupHandle uint32, active bool) error {
	sub, err := m.Get(groupHandle)
	if err != nil {
		return err
	}
	if !active {
		sub.Deactivate()
		return nil
	}
	if sub.IsActive() {
		return nil
	}
	priming := sub.Activate()
	m.emit(Notification{GroupHandle: groupHandle, Items: priming, IsPriming: true, Timestamp: time.Now()})
	return nil
}

// Track adds items to a group's subscription. It is a no-op for groups
// without a subscription.
func (m *Manager) Track(groupHandle uint32, items ...Item) error {
	m.mu.RLock()
	sub, exists := m.subscriptions[groupHandle]
	m.mu.RUnlock()
	if !exists {
		return nil
	}
	if sub.Len()+len(items) > m.config.MaxItemsPerSub {
		return ErrTooManyItems
	}
	sub.Track(items...)
	return nil
}

// Untrack removes items from a group's subscription.
func (m *Manager) Untrack(groupHandle uint32, handles ...uint32) {
	m.mu.RLock()
	sub, exists := m.subscriptions[groupHandle]
	m.mu.RUnlock()
	if exists {
		sub.Untrack(handles...)
	}
}

// NotifyChange records a value change for dispatch to every subscription
// tracking the item. Changes are coalesced and delivered by
// ProcessNotifications.
func (m *Manager) NotifyChange(itemID string, st model.ValueState) {
	m.mu.RLock()
	subs := make([]*Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		sub.RecordChange(itemID, st)
	}
}

// Refresh sends the current state of every item of the group, regardless
// of change.
func (m *Manager) Refresh(groupHandle uint32) error {
	sub, err := m.Get(groupHandle)
	if err != nil {
		return err
	}
	m.emit(Notification{GroupHandle: groupHandle, Items: sub.Refresh(), IsRefresh: true, Timestamp: time.Now()})
	return nil
}

// RefreshFrom is Refresh with every item of the group sampled through
// sample first.
func (m *Manager) RefreshFrom(groupHandle uint32, sample func(itemID string) (model.ValueState, bool)) error {
	sub, err := m.Get(groupHandle)
	if err != nil {
		return err
	}
	m.emit(Notification{GroupHandle: groupHandle, Items: sub.RefreshFrom(sample), IsRefresh: true, Timestamp: time.Now()})
	return nil
}

// ProcessNotifications checks all subscriptions and sends due notifications.
// It is called periodically by the owning session.
func (m *Manager) ProcessNotifications() {
	m.mu.RLock()
	subs := make([]*Subscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		subs = append(subs, sub)
	}
	onNotify := m.onNotification
	config := m.config
	m.mu.RUnlock()

	if onNotify == nil {
		return
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].GroupHandle < subs[j].GroupHandle })

	for _, sub := range subs {
		if items := sub.GetPendingNotification(config.SuppressBounceBack); items != nil {
			onNotify(Notification{
				GroupHandle: sub.GroupHandle,
				Items:       items,
				Timestamp:   time.Now(),
			})
			continue
		}

		if sub.NeedsHeartbeat() {
			n := Notification{
				GroupHandle: sub.GroupHandle,
				IsHeartbeat: true,
				Timestamp:   time.Now(),
			}
			if config.HeartbeatMode == HeartbeatFull {
				n.Items = sub.LastNotified()
			}
			sub.RecordHeartbeat()
			onNotify(n)
		}
	}
}

// ClearAll removes all subscriptions (e.g., on disconnect).
func (m *Manager) ClearAll() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subscriptions {
		sub.Deactivate()
	}
	m.subscriptions = make(map[uint32]*Subscription)
}

// Count returns the number of subscriptions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions)
}

// Get returns the subscription of a group.
func (m *Manager) Get(groupHandle uint32) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sub, exists := m.subscriptions[groupHandle]
	if !exists {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// OnNotification sets the callback for notifications.
func (m *Manager) OnNotification(fn func(Notification)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onNotification = fn
}

func (m *Manager) emit(n Notification) {
	m.mu.RLock()
	onNotify := m.onNotification
	m.mu.RUnlock()
	if onNotify != nil && len(n.Items) > 0 {
		onNotify(n)
	}
}
