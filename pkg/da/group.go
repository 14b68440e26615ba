package da

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// DataObserver receives data changes of a subscribed group.
// An empty batch is a keep-alive. DataChange must not call Group.Release.
type DataObserver interface {
	DataChange(g *Group, changes []ItemChange)
}

// CompletionObserver is a DataObserver that also receives the outcome of
// ReadAsync and WriteAsync. A cancelled transaction reports CancelComplete
// instead of its completion. The methods must not call Group.Release.
type CompletionObserver interface {
	DataObserver
	ReadComplete(g *Group, txID uint32, changes []ItemChange, err error)
	WriteComplete(g *Group, txID uint32, results []ItemWriteResult, err error)
	CancelComplete(g *Group, txID uint32)
}

// ItemWriteResult is the outcome of writing one item.
type ItemWriteResult struct {
	Item   *Item
	Result status.Result
}

// DataObserverFunc adapts a function to DataObserver.
type DataObserverFunc func(g *Group, changes []ItemChange)

// DataChange calls f(g, changes).
func (f DataObserverFunc) DataChange(g *Group, changes []ItemChange) { f(g, changes) }

// GroupState is the life-cycle state of a group.
type GroupState uint8

const (
	GroupCreated GroupState = iota
	GroupPopulated
	GroupSubscribing
	GroupReleased
)

// String returns the state name.
func (s GroupState) String() string {
	switch s {
	case GroupCreated:
		return "CREATED"
	case GroupPopulated:
		return "POPULATED"
	case GroupSubscribing:
		return "SUBSCRIBING"
	case GroupReleased:
		return "RELEASED"
	default:
		return "UNKNOWN"
	}
}

// GroupOptions are the requested parameters of a new group.
type GroupOptions struct {
	Active     bool
	UpdateRate time.Duration
	Deadband   float32
	KeepAlive  time.Duration
}

// FailedDefinition is a definition AddItems could not add.
type FailedDefinition struct {
	Definition model.ItemDefinition
	Err        error
}

// AddItemsResult lists the outcome of AddItems. Added follows the order of
// the successful definitions.
type AddItemsResult struct {
	Added  []*Item
	Failed []FailedDefinition
}

// Group is a named set of items sharing an update rate.
type Group struct {
	srv           *Server
	handle        uint32
	requestedRate time.Duration

	mu         sync.RWMutex
	name       string
	active     bool
	updateRate time.Duration
	keepAlive  time.Duration
	deadband   float32
	state      GroupState
	items      map[uint32]*Item
	byServer   map[uint32]*Item
	nextClient uint32
	observer   DataObserver
	enabled    bool
	pending    map[uint32]*asyncOp
	nextCancel uint32

	// held while an observer runs so Release can wait for it
	deliverMu sync.Mutex
	async     sync.WaitGroup
}

// asyncOp is an outstanding ReadAsync or WriteAsync.
type asyncOp struct {
	txID   uint32
	cancel context.CancelFunc
}

// NewGroup creates a group on a connected server.
func NewGroup(ctx context.Context, srv *Server, name string, opts GroupOptions) (*Group, error) {
	if err := srv.retain(false); err != nil {
		return nil, err
	}

	cctx, cancel := srv.callContext(ctx)
	defer cancel()
	info, err := srv.backend.AddGroup(cctx, model.GroupParams{
		Name:       name,
		Active:     opts.Active,
		UpdateRate: opts.UpdateRate,
		Deadband:   opts.Deadband,
		KeepAlive:  opts.KeepAlive,
	})
	if err != nil {
		srv.release(false)
		return nil, verdict(err)
	}

	g := &Group{
		srv:           srv,
		handle:        info.ServerHandle,
		requestedRate: opts.UpdateRate,
		name:          name,
		active:        opts.Active,
		updateRate:    info.RevisedUpdateRate,
		keepAlive:     info.RevisedKeepAlive,
		deadband:      opts.Deadband,
		items:         make(map[uint32]*Item),
		byServer:      make(map[uint32]*Item),
		enabled:       true,
		pending:       make(map[uint32]*asyncOp),
	}
	srv.logger.Debug("group created", "group", name, "handle", g.handle, "rate", g.updateRate)
	return g, nil
}

// Name returns the group name.
func (g *Group) Name() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.name
}

// Server returns the owning server.
func (g *Group) Server() *Server { return g.srv }

// Active reports whether the group is active.
func (g *Group) Active() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.active
}

// UpdateRate returns the update rate revised by the server.
func (g *Group) UpdateRate() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.updateRate
}

// RequestedUpdateRate returns the update rate passed to NewGroup.
func (g *Group) RequestedUpdateRate() time.Duration { return g.requestedRate }

// KeepAlive returns the revised keep-alive time; zero means none.
func (g *Group) KeepAlive() time.Duration {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.keepAlive
}

// State returns the life-cycle state.
func (g *Group) State() GroupState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state
}

// Items returns the live items ordered by client handle.
func (g *Group) Items() []*Item {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*Item, 0, len(g.items))
	for _, it := range g.items {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].clientHandle < out[j].clientHandle })
	return out
}

func (g *Group) checkLive() error {
	if g.state == GroupReleased {
		return status.New(status.CodeInvalidState, "group %s is released", g.name)
	}
	return nil
}

// AddItems adds the definitions to the group. Every definition is tried;
// failures are listed in the result. The error is nil when all were added,
// Uncertain (status.ErrPartialBatch) when some were, Bad when none were.
func (g *Group) AddItems(ctx context.Context, defs *ItemDefinitions) (*AddItemsResult, error) {
	g.mu.Lock()
	if err := g.checkLive(); err != nil {
		g.mu.Unlock()
		return nil, err
	}
	reqs := defs.Definitions()
	first := g.nextClient + 1
	g.nextClient += uint32(len(reqs))
	g.mu.Unlock()

	for i := range reqs {
		reqs[i].ClientHandle = first + uint32(i)
	}

	result := &AddItemsResult{}
	if len(reqs) == 0 {
		return result, nil
	}

	cctx, cancel := g.srv.callContext(ctx)
	defer cancel()
	results, err := g.srv.backend.AddItems(cctx, g.handle, reqs)
	if err != nil {
		return nil, verdict(err)
	}

	g.mu.Lock()
	for i, def := range reqs {
		var res model.ItemResult
		if i < len(results) {
			res = results[i]
		} else {
			res.Result = status.NewResult(status.CodeInternal, "no result for %s", def.ItemID)
		}
		if res.Result.IsBad() {
			result.Failed = append(result.Failed, FailedDefinition{Definition: def, Err: res.Result.Err()})
			continue
		}
		it := &Item{
			group:         g,
			clientHandle:  def.ClientHandle,
			serverHandle:  res.ServerHandle,
			def:           def,
			canonicalType: res.CanonicalType,
			access:        res.AccessRights,
			valid:         true,
		}
		g.items[it.clientHandle] = it
		g.byServer[it.serverHandle] = it
		result.Added = append(result.Added, it)
	}
	if len(g.items) > 0 && g.state == GroupCreated {
		g.state = GroupPopulated
	}
	g.mu.Unlock()

	return result, status.Aggregate(len(reqs), len(result.Failed)).Err()
}

// RemoveItems removes items from the group and invalidates their handles.
func (g *Group) RemoveItems(ctx context.Context, items []*Item) error {
	g.mu.RLock()
	if err := g.checkLive(); err != nil {
		g.mu.RUnlock()
		return err
	}
	g.mu.RUnlock()

	owned, failed := g.partition(items)
	if len(owned) == 0 {
		return status.Aggregate(len(items), failed).Err()
	}

	handles := make([]uint32, len(owned))
	for i, it := range owned {
		handles[i] = it.serverHandle
	}
	cctx, cancel := g.srv.callContext(ctx)
	defer cancel()
	results, err := g.srv.backend.RemoveItems(cctx, g.handle, handles)
	if err != nil {
		return verdict(err)
	}

	g.mu.Lock()
	for i, it := range owned {
		if i < len(results) && results[i].IsBad() {
			failed++
			continue
		}
		delete(g.items, it.clientHandle)
		delete(g.byServer, it.serverHandle)
		it.invalidate()
	}
	g.mu.Unlock()
	return status.Aggregate(len(items), failed).Err()
}

// partition splits items into valid items of this group and a count of
// the others.
func (g *Group) partition(items []*Item) ([]*Item, int) {
	owned := make([]*Item, 0, len(items))
	failed := 0
	for _, it := range items {
		if it == nil || it.group != g || !it.Valid() {
			failed++
			continue
		}
		owned = append(owned, it)
	}
	return owned, failed
}

// Read refreshes the ReadResult of each item from the server cache.
func (g *Group) Read(ctx context.Context, items []*Item) error {
	return g.ReadFrom(ctx, items, model.SourceCache)
}

// ReadFrom refreshes the ReadResult of each item from the cache or the
// device. A failing item gets a Bad ReadResult; the others are still read.
func (g *Group) ReadFrom(ctx context.Context, items []*Item, source model.DataSource) error {
	g.mu.RLock()
	if err := g.checkLive(); err != nil {
		g.mu.RUnlock()
		return err
	}
	g.mu.RUnlock()

	owned, failed := g.partition(items)
	for _, it := range items {
		if it != nil && it.group == g && !it.Valid() {
			it.setRead(failedRead(status.NewResult(status.CodeInvalidHandle, "item %s is no longer valid", it.Name())))
		}
	}
	if len(owned) == 0 {
		return status.Aggregate(len(items), failed).Err()
	}

	handles := make([]uint32, len(owned))
	for i, it := range owned {
		handles[i] = it.serverHandle
	}
	cctx, cancel := g.srv.callContext(ctx)
	defer cancel()
	states, err := g.srv.backend.Read(cctx, g.handle, handles, source)
	if err != nil {
		err = verdict(err)
		for _, it := range owned {
			it.setRead(failedRead(status.Of(err)))
		}
		return err
	}

	for i, it := range owned {
		if i >= len(states) {
			it.setRead(failedRead(status.NewResult(status.CodeInternal, "no result for %s", it.Name())))
			failed++
			continue
		}
		r := readResultOf(states[i])
		it.setRead(r)
		if r.Result.IsBad() {
			failed++
		}
	}
	return status.Aggregate(len(items), failed).Err()
}

// Write commits the staged write value of each item. Items without a
// staged value fail with CodeInvalidArgument. A successful write clears
// the staged value.
func (g *Group) Write(ctx context.Context, items []*Item) error {
	g.mu.RLock()
	if err := g.checkLive(); err != nil {
		g.mu.RUnlock()
		return err
	}
	g.mu.RUnlock()

	owned, failed := g.partition(items)
	targets := make([]*Item, 0, len(owned))
	values := make([]model.ItemValue, 0, len(owned))
	for _, it := range owned {
		v, ok := it.WriteValue()
		if !ok {
			it.setWritten(status.NewResult(status.CodeInvalidArgument, "no write value staged for %s", it.Name()))
			failed++
			continue
		}
		targets = append(targets, it)
		values = append(values, model.ItemValue{ServerHandle: it.serverHandle, Value: v})
	}
	if len(values) == 0 {
		return status.Aggregate(len(items), failed).Err()
	}

	cctx, cancel := g.srv.callContext(ctx)
	defer cancel()
	results, err := g.srv.backend.Write(cctx, g.handle, values)
	if err != nil {
		err = verdict(err)
		for _, it := range targets {
			it.setWritten(status.Of(err))
		}
		return err
	}

	for i, it := range targets {
		res := status.NewResult(status.CodeInternal, "no result for %s", it.Name())
		if i < len(results) {
			res = results[i]
		}
		it.setWritten(res)
		if res.IsBad() {
			failed++
		}
	}
	return status.Aggregate(len(items), failed).Err()
}

// SetActive activates or deactivates the group. Activating a subscribed
// group delivers a priming batch.
func (g *Group) SetActive(ctx context.Context, active bool) error {
	info, err := g.setState(ctx, model.GroupUpdate{Active: &active})
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.active = active
	g.updateRate = info.RevisedUpdateRate
	g.mu.Unlock()
	return nil
}

// SetUpdateRate requests a new update rate and returns the revised one.
func (g *Group) SetUpdateRate(ctx context.Context, rate time.Duration) (time.Duration, error) {
	info, err := g.setState(ctx, model.GroupUpdate{UpdateRate: &rate})
	if err != nil {
		return 0, err
	}
	g.mu.Lock()
	g.updateRate = info.RevisedUpdateRate
	g.keepAlive = info.RevisedKeepAlive
	g.mu.Unlock()
	return info.RevisedUpdateRate, nil
}

// Rename changes the group name on the server.
func (g *Group) Rename(ctx context.Context, name string) error {
	if _, err := g.setState(ctx, model.GroupUpdate{Name: &name}); err != nil {
		return err
	}
	g.mu.Lock()
	g.name = name
	g.mu.Unlock()
	return nil
}

func (g *Group) setState(ctx context.Context, upd model.GroupUpdate) (model.GroupInfo, error) {
	g.mu.RLock()
	err := g.checkLive()
	g.mu.RUnlock()
	if err != nil {
		return model.GroupInfo{}, err
	}
	cctx, cancel := g.srv.callContext(ctx)
	defer cancel()
	info, err := g.srv.backend.SetGroupState(cctx, g.handle, upd)
	if err != nil {
		return model.GroupInfo{}, verdict(err)
	}
	return info, nil
}

// SetDataSubscription registers observer for asynchronous data changes at
// the group's update rate. An active group delivers a priming batch with
// every item first. A nil observer ends the subscription.
func (g *Group) SetDataSubscription(ctx context.Context, observer DataObserver) error {
	g.mu.Lock()
	if err := g.checkLive(); err != nil {
		g.mu.Unlock()
		return err
	}
	wasSubscribed := g.state == GroupSubscribing
	prev := g.observer
	g.observer = observer
	g.mu.Unlock()

	cctx, cancel := g.srv.callContext(ctx)
	defer cancel()

	if observer == nil {
		if !wasSubscribed {
			return nil
		}
		if err := g.srv.backend.Unsubscribe(cctx, g.handle); err != nil {
			return verdict(err)
		}
		g.mu.Lock()
		if len(g.items) > 0 {
			g.state = GroupPopulated
		} else {
			g.state = GroupCreated
		}
		g.mu.Unlock()
		return nil
	}

	if wasSubscribed {
		return nil
	}
	if err := g.srv.backend.Subscribe(cctx, g.handle, g.onDataChange); err != nil {
		g.mu.Lock()
		g.observer = prev
		g.mu.Unlock()
		return verdict(err)
	}
	g.mu.Lock()
	if g.state != GroupReleased {
		g.state = GroupSubscribing
	}
	g.mu.Unlock()
	return nil
}

// Refresh makes the server send the current value of every active item to
// the observer, read from the cache or sampled from the device. Refresh
// batches are delivered even while the group is disabled.
func (g *Group) Refresh(ctx context.Context, source model.DataSource) error {
	g.mu.RLock()
	if err := g.checkLive(); err != nil {
		g.mu.RUnlock()
		return err
	}
	subscribed := g.observer != nil
	g.mu.RUnlock()
	if !subscribed {
		return status.New(status.CodeInvalidState, "group %s has no data subscription", g.Name())
	}

	cctx, cancel := g.srv.callContext(ctx)
	defer cancel()
	return verdict(g.srv.backend.Refresh(cctx, g.handle, source))
}

// SetEnable turns DataChange calls on or off without ending the data
// subscription. Refresh batches and async completions are not affected.
func (g *Group) SetEnable(enable bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkLive(); err != nil {
		return err
	}
	g.enabled = enable
	return nil
}

// Enabled reports whether DataChange calls are enabled.
func (g *Group) Enabled() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.enabled
}

// ReadAsync reads items in the background and reports the values to the
// observer's ReadComplete with txID. The observer must implement
// CompletionObserver. It returns the id Cancel takes.
func (g *Group) ReadAsync(ctx context.Context, txID uint32, items []*Item, source model.DataSource) (uint32, error) {
	return g.startAsync(ctx, txID, items, func(cctx context.Context, obs CompletionObserver) func() {
		err := g.ReadFrom(cctx, items, source)
		changes := make([]ItemChange, 0, len(items))
		for _, it := range items {
			if it != nil && it.group == g {
				changes = append(changes, ItemChange{Item: it, ReadResult: it.LastRead()})
			}
		}
		return func() { obs.ReadComplete(g, txID, changes, err) }
	})
}

// WriteAsync writes the staged values of items in the background and
// reports the per-item results to the observer's WriteComplete with txID.
// The observer must implement CompletionObserver. It returns the id Cancel
// takes.
func (g *Group) WriteAsync(ctx context.Context, txID uint32, items []*Item) (uint32, error) {
	return g.startAsync(ctx, txID, items, func(cctx context.Context, obs CompletionObserver) func() {
		err := g.Write(cctx, items)
		results := make([]ItemWriteResult, 0, len(items))
		for _, it := range items {
			if it != nil && it.group == g {
				results = append(results, ItemWriteResult{Item: it, Result: it.LastWriteResult()})
			}
		}
		return func() { obs.WriteComplete(g, txID, results, err) }
	})
}

// Cancel stops an outstanding ReadAsync or WriteAsync. The observer gets
// CancelComplete in place of the completion. A transaction that already
// completed cannot be cancelled.
func (g *Group) Cancel(cancelID uint32) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.checkLive(); err != nil {
		return err
	}
	op, ok := g.pending[cancelID]
	if !ok {
		return status.New(status.CodeInvalidArgument, "no outstanding transaction with cancel id %d", cancelID)
	}
	delete(g.pending, cancelID)
	op.cancel()
	return nil
}

// startAsync registers an async transaction and runs it. run does the
// work and returns the completion call.
func (g *Group) startAsync(ctx context.Context, txID uint32, items []*Item, run func(context.Context, CompletionObserver) func()) (uint32, error) {
	if len(items) == 0 {
		return 0, status.New(status.CodeInvalidArgument, "no items")
	}

	g.mu.Lock()
	if err := g.checkLive(); err != nil {
		g.mu.Unlock()
		return 0, err
	}
	obs, ok := g.observer.(CompletionObserver)
	if !ok {
		g.mu.Unlock()
		return 0, status.New(status.CodeInvalidState, "group %s has no completion observer", g.name)
	}
	g.nextCancel++
	cancelID := g.nextCancel
	cctx, cancel := g.srv.callContext(context.WithoutCancel(ctx))
	g.pending[cancelID] = &asyncOp{txID: txID, cancel: cancel}
	g.async.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.async.Done()
		defer cancel()
		var complete func()
		if cctx.Err() == nil {
			complete = run(cctx, obs)
		}

		g.deliverMu.Lock()
		defer g.deliverMu.Unlock()
		g.mu.Lock()
		_, live := g.pending[cancelID]
		delete(g.pending, cancelID)
		released := g.state == GroupReleased
		g.mu.Unlock()

		switch {
		case released:
		case !live || complete == nil:
			obs.CancelComplete(g, txID)
		default:
			complete()
		}
	}()
	return cancelID, nil
}

// onDataChange runs on the backend delivery goroutine.
func (g *Group) onDataChange(dc model.DataChange) {
	g.deliverMu.Lock()
	defer g.deliverMu.Unlock()

	g.mu.RLock()
	if g.state == GroupReleased || g.observer == nil || (!g.enabled && !dc.Refresh) {
		g.mu.RUnlock()
		return
	}
	obs := g.observer
	changes := make([]ItemChange, 0, len(dc.Items))
	for _, st := range dc.Items {
		it, ok := g.byServer[st.ServerHandle]
		if !ok {
			continue
		}
		r := readResultOf(st)
		it.setRead(r)
		changes = append(changes, ItemChange{Item: it, ReadResult: r})
	}
	g.mu.RUnlock()

	if len(changes) == 0 && !dc.KeepAlive {
		return
	}
	if len(changes) == 0 {
		changes = nil
	}
	obs.DataChange(g, changes)
}

// Release removes the group from the server and invalidates all its items.
// No observer call runs after Release returns. Server errors are logged.
func (g *Group) Release(ctx context.Context) error {
	g.mu.Lock()
	if g.state == GroupReleased {
		g.mu.Unlock()
		return nil
	}
	g.state = GroupReleased
	g.observer = nil
	for id, op := range g.pending {
		op.cancel()
		delete(g.pending, id)
	}
	items := make([]*Item, 0, len(g.items))
	for _, it := range g.items {
		items = append(items, it)
	}
	g.items = make(map[uint32]*Item)
	g.byServer = make(map[uint32]*Item)
	name := g.name
	g.mu.Unlock()

	// wait for an in-flight observer call and async transactions
	g.deliverMu.Lock()
	g.deliverMu.Unlock()
	g.async.Wait()

	for _, it := range items {
		it.invalidate()
	}

	cctx, cancel := g.srv.callContext(ctx)
	defer cancel()
	if err := g.srv.backend.RemoveGroup(cctx, g.handle); err != nil {
		g.srv.logger.Warn("remove group failed", "group", name, "error", err)
	}
	g.srv.release(false)
	g.srv.logger.Debug("group released", "group", name, "items", len(items))
	return nil
}
