package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
	"github.com/opc-classic/opcda-go/pkg/subscription"
)

type group struct {
	handle       uint32
	name         string
	clientHandle uint32
	active       bool
	updateRate   time.Duration
	keepAlive    time.Duration
	deadband     float32
	subscribed   bool

	items map[uint32]*groupItem
	byID  map[string]uint32
}

type groupItem struct {
	handle       uint32
	clientHandle uint32
	itemID       string
	active       bool
	reqType      model.DataType
	v            *model.Variable
}

// present converts a state to the requested data type of the item.
func (gi *groupItem) present(st model.ItemState) model.ItemState {
	st.ServerHandle = gi.handle
	st.ClientHandle = gi.clientHandle
	if gi.reqType == model.DataTypeEmpty || st.Value == nil {
		return st
	}
	cv, err := gi.reqType.Coerce(st.Value)
	if err != nil {
		st.Value = nil
		st.Quality = status.QualityBad
		st.Result = status.NewResult(status.CodeBadType, "%s: %v", gi.itemID, err)
		return st
	}
	st.Value = cv
	return st
}

func (gi *groupItem) subscriptionItem() subscription.Item {
	meta := gi.v.Metadata()
	it := subscription.Item{
		ServerHandle: gi.handle,
		ClientHandle: gi.clientHandle,
		ItemID:       gi.itemID,
		State:        gi.v.State(),
	}
	if meta.HighEU != nil && meta.LowEU != nil {
		it.Span = *meta.HighEU - *meta.LowEU
	}
	return it
}

func reviseUpdateRate(d time.Duration) time.Duration {
	if d < MinUpdateRate {
		return MinUpdateRate
	}
	return d
}

func reviseKeepAlive(ka, rate time.Duration) time.Duration {
	if ka <= 0 {
		return 0
	}
	if ka < rate {
		return rate
	}
	return ka
}

func (g *group) info() model.GroupInfo {
	return model.GroupInfo{
		ServerHandle:      g.handle,
		RevisedUpdateRate: g.updateRate,
		RevisedKeepAlive:  g.keepAlive,
	}
}

func (g *group) activeItems() []subscription.Item {
	out := make([]subscription.Item, 0, len(g.items))
	for _, gi := range g.items {
		if gi.active {
			out = append(out, gi.subscriptionItem())
		}
	}
	return out
}

// groupLocked returns the group with the given handle; s.mu must be held.
func (s *Session) groupLocked(handle uint32) (*group, error) {
	if _, err := s.connectedLocked(); err != nil {
		return nil, err
	}
	g, ok := s.groups[handle]
	if !ok {
		return nil, status.New(status.CodeInvalidHandle, "unknown group handle %d", handle)
	}
	return g, nil
}

// AddGroup creates a group. An empty name gets a generated one; names are
// unique within the session.
func (s *Session) AddGroup(ctx context.Context, params model.GroupParams) (model.GroupInfo, error) {
	if err := checkContext(ctx); err != nil {
		return model.GroupInfo{}, err
	}
	if params.UpdateRate < 0 || params.KeepAlive < 0 {
		return model.GroupInfo{}, status.New(status.CodeInvalidArgument, "negative update rate or keep-alive")
	}
	if params.Deadband < 0 || params.Deadband > 100 {
		return model.GroupInfo{}, status.New(status.CodeInvalidArgument, "deadband %v outside 0..100", params.Deadband)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.connectedLocked()
	if err != nil {
		return model.GroupInfo{}, err
	}

	s.nextGroup++
	handle := s.nextGroup
	name := params.Name
	if name == "" {
		name = fmt.Sprintf("Group%d", handle)
	}
	if _, exists := s.names[name]; exists {
		return model.GroupInfo{}, status.New(status.CodeInvalidArgument, "duplicate group name %q", name)
	}

	rate := reviseUpdateRate(params.UpdateRate)
	g := &group{
		handle:       handle,
		name:         name,
		clientHandle: params.ClientHandle,
		active:       params.Active,
		updateRate:   rate,
		keepAlive:    reviseKeepAlive(params.KeepAlive, rate),
		deadband:     params.Deadband,
		items:        make(map[uint32]*groupItem),
		byID:         make(map[string]uint32),
	}
	s.groups[handle] = g
	s.names[name] = handle
	inst.groups.Add(1)

	s.logger.Debug("group added", "group", name, "handle", handle, "rate", g.updateRate)
	return g.info(), nil
}

// GroupName returns the name of a group.
func (s *Session) GroupName(handle uint32) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, err := s.groupLocked(handle)
	if err != nil {
		return "", err
	}
	return g.name, nil
}

// RemoveGroup deletes a group with all its items.
func (s *Session) RemoveGroup(ctx context.Context, handle uint32) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	g, err := s.groupLocked(handle)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	delete(s.groups, handle)
	delete(s.names, g.name)
	delete(s.observers, handle)
	s.inst.groups.Add(-1)
	subs := s.subs
	s.mu.Unlock()

	if g.subscribed {
		_ = subs.Unsubscribe(handle)
	}
	s.logger.Debug("group removed", "group", g.name, "handle", handle)
	return nil
}

// SetGroupState changes name, activity, rates or deadband of a group.
func (s *Session) SetGroupState(ctx context.Context, handle uint32, upd model.GroupUpdate) (model.GroupInfo, error) {
	if err := checkContext(ctx); err != nil {
		return model.GroupInfo{}, err
	}
	if (upd.UpdateRate != nil && *upd.UpdateRate < 0) || (upd.KeepAlive != nil && *upd.KeepAlive < 0) {
		return model.GroupInfo{}, status.New(status.CodeInvalidArgument, "negative update rate or keep-alive")
	}
	if upd.Deadband != nil && (*upd.Deadband < 0 || *upd.Deadband > 100) {
		return model.GroupInfo{}, status.New(status.CodeInvalidArgument, "deadband %v outside 0..100", *upd.Deadband)
	}

	s.mu.Lock()
	g, err := s.groupLocked(handle)
	if err != nil {
		s.mu.Unlock()
		return model.GroupInfo{}, err
	}
	if upd.Name != nil && *upd.Name != g.name {
		if *upd.Name == "" {
			s.mu.Unlock()
			return model.GroupInfo{}, status.New(status.CodeInvalidArgument, "empty group name")
		}
		if _, exists := s.names[*upd.Name]; exists {
			s.mu.Unlock()
			return model.GroupInfo{}, status.New(status.CodeInvalidArgument, "duplicate group name %q", *upd.Name)
		}
		delete(s.names, g.name)
		g.name = *upd.Name
		s.names[g.name] = handle
	}
	if upd.UpdateRate != nil {
		g.updateRate = reviseUpdateRate(*upd.UpdateRate)
		if upd.KeepAlive == nil {
			g.keepAlive = reviseKeepAlive(g.keepAlive, g.updateRate)
		}
	}
	if upd.KeepAlive != nil {
		g.keepAlive = reviseKeepAlive(*upd.KeepAlive, g.updateRate)
	}
	if upd.Deadband != nil {
		g.deadband = *upd.Deadband
	}
	if upd.Active != nil {
		g.active = *upd.Active
	}
	info := g.info()
	subscribed, active := g.subscribed, g.active
	rate, keepAlive, deadband := g.updateRate, g.keepAlive, g.deadband
	subs := s.subs
	s.mu.Unlock()

	if subscribed {
		if sub, err := subs.Get(handle); err == nil {
			sub.SetRates(rate, keepAlive, deadband)
		}
		if upd.Active != nil {
			_ = subs.SetActive(handle, active)
		}
	}
	return info, nil
}

// AddItems adds items to a group. It returns one result per definition,
// in order. Whole-call failures (not connected, unknown group) are
// returned as the error.
func (s *Session) AddItems(ctx context.Context, handle uint32, defs []model.ItemDefinition) ([]model.ItemResult, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	g, err := s.groupLocked(handle)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ns := s.inst.namespace

	results := make([]model.ItemResult, len(defs))
	var added []subscription.Item
	for i, def := range defs {
		gi, res := s.addItemLocked(ns, g, def)
		if gi == nil {
			results[i] = model.ItemResult{Result: res}
			continue
		}
		results[i] = model.ItemResult{
			ServerHandle:  gi.handle,
			CanonicalType: gi.v.Type(),
			AccessRights:  gi.v.Access(),
		}
		if gi.active {
			added = append(added, gi.subscriptionItem())
		}
	}
	subscribed := g.subscribed
	subs := s.subs
	s.mu.Unlock()

	if subscribed && len(added) > 0 {
		if err := subs.Track(handle, added...); err != nil {
			s.logger.Warn("subscription track failed", "group", handle, "error", err)
		}
	}
	return results, nil
}

func (s *Session) addItemLocked(ns *model.Namespace, g *group, def model.ItemDefinition) (*groupItem, status.Result) {
	if err := model.ValidateItemID(def.ItemID); err != nil {
		return nil, status.NewResult(status.CodeInvalidItemID, "%v", err)
	}
	v, err := ns.Variable(def.ItemID)
	if err != nil {
		return nil, status.NewResult(status.CodeUnknownItemID, "unknown item %q", def.ItemID)
	}
	if _, dup := g.byID[def.ItemID]; dup {
		return nil, status.NewResult(status.CodeDuplicateItem, "item %q already in group %s", def.ItemID, g.name)
	}
	if def.RequestedDataType != model.DataTypeEmpty {
		if !def.RequestedDataType.Valid() {
			return nil, status.NewResult(status.CodeBadType, "invalid requested type %d", def.RequestedDataType)
		}
		if _, err := def.RequestedDataType.Coerce(v.State().Value); err != nil {
			return nil, status.NewResult(status.CodeBadType, "%s cannot be served as %s", def.ItemID, def.RequestedDataType)
		}
	}

	s.nextItem++
	gi := &groupItem{
		handle:       s.nextItem,
		clientHandle: def.ClientHandle,
		itemID:       def.ItemID,
		active:       def.Active,
		reqType:      def.RequestedDataType,
		v:            v,
	}
	g.items[gi.handle] = gi
	g.byID[def.ItemID] = gi.handle
	return gi, status.Good
}

// RemoveItems removes items from a group, one result per handle.
func (s *Session) RemoveItems(ctx context.Context, handle uint32, handles []uint32) ([]status.Result, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	g, err := s.groupLocked(handle)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	results := make([]status.Result, len(handles))
	removed := make([]uint32, 0, len(handles))
	for i, h := range handles {
		gi, ok := g.items[h]
		if !ok {
			results[i] = status.NewResult(status.CodeInvalidHandle, "unknown item handle %d", h)
			continue
		}
		delete(g.items, h)
		delete(g.byID, gi.itemID)
		removed = append(removed, h)
	}
	subscribed := g.subscribed
	subs := s.subs
	s.mu.Unlock()

	if subscribed && len(removed) > 0 {
		subs.Untrack(handle, removed...)
	}
	return results, nil
}

// Read returns the state of the given items, one entry per handle.
// Cache reads of an inactive group or item report out-of-service quality.
func (s *Session) Read(ctx context.Context, handle uint32, handles []uint32, source model.DataSource) ([]model.ItemState, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	g, err := s.groupLocked(handle)
	if err != nil {
		return nil, err
	}

	out := make([]model.ItemState, len(handles))
	for i, h := range handles {
		gi, ok := g.items[h]
		if !ok {
			out[i] = model.ItemState{
				ServerHandle: h,
				Quality:      status.QualityBad,
				Result:       status.NewResult(status.CodeInvalidHandle, "unknown item handle %d", h),
			}
			continue
		}
		vs, err := gi.v.Read()
		if err != nil {
			out[i] = model.ItemState{
				ServerHandle: h,
				ClientHandle: gi.clientHandle,
				Quality:      status.QualityBad,
				Result:       status.NewResult(status.CodeWriteOnly, "%s is write-only", gi.itemID),
			}
			continue
		}
		if source == model.SourceCache && (!g.active || !gi.active) {
			out[i] = model.ItemState{
				ServerHandle: h,
				ClientHandle: gi.clientHandle,
				Quality:      status.QualityBad | status.QualityOutOfService,
				Timestamp:    vs.Timestamp,
			}
			continue
		}
		out[i] = gi.present(model.ItemState{
			Value:     vs.Value,
			Quality:   vs.Quality,
			Timestamp: vs.Timestamp,
		})
	}
	return out, nil
}

// Write writes values to items, one result per value.
func (s *Session) Write(ctx context.Context, handle uint32, values []model.ItemValue) ([]status.Result, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	g, err := s.groupLocked(handle)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	targets := make([]*groupItem, len(values))
	for i, iv := range values {
		targets[i] = g.items[iv.ServerHandle]
	}
	s.mu.RUnlock()

	// variables notify subscribers synchronously, so write without s.mu held
	results := make([]status.Result, len(values))
	for i, iv := range values {
		gi := targets[i]
		if gi == nil {
			results[i] = status.NewResult(status.CodeInvalidHandle, "unknown item handle %d", iv.ServerHandle)
			continue
		}
		results[i] = writeResult(gi.itemID, gi.v.Write(iv.Value))
	}
	return results, nil
}

func writeResult(itemID string, err error) status.Result {
	switch {
	case err == nil:
		return status.Good
	case errors.Is(err, model.ErrNotWritable):
		return status.NewResult(status.CodeReadOnly, "%s is read-only", itemID)
	case errors.Is(err, model.ErrOutOfRange):
		return status.NewResult(status.CodeRange, "%s: %v", itemID, err)
	case errors.Is(err, model.ErrValueType):
		return status.NewResult(status.CodeBadType, "%s: %v", itemID, err)
	default:
		return status.NewResult(status.CodeInternal, "%s: %v", itemID, err)
	}
}

// Subscribe registers fn as the data-change observer of a group. Active
// groups receive a priming batch before Subscribe returns. Subscribing
// again replaces the observer.
func (s *Session) Subscribe(ctx context.Context, handle uint32, fn func(model.DataChange)) error {
	if err := checkContext(ctx); err != nil {
		return err
	}
	if fn == nil {
		return status.New(status.CodeInvalidArgument, "nil observer")
	}

	s.mu.Lock()
	g, err := s.groupLocked(handle)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	s.observers[handle] = fn
	if g.subscribed {
		s.mu.Unlock()
		return nil
	}
	g.subscribed = true
	items := g.activeItems()
	rate, keepAlive, deadband, active := g.updateRate, g.keepAlive, g.deadband, g.active
	subs := s.subs
	s.mu.Unlock()

	if _, err := subs.Subscribe(handle, rate, keepAlive, deadband, active, items); err != nil {
		s.mu.Lock()
		if g, ok := s.groups[handle]; ok {
			g.subscribed = false
			delete(s.observers, handle)
		}
		s.mu.Unlock()
		return status.Wrap(status.CodeInvalidState, err)
	}
	return nil
}

// Unsubscribe stops data-change delivery for a group.
func (s *Session) Unsubscribe(ctx context.Context, handle uint32) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	g, err := s.groupLocked(handle)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if !g.subscribed {
		s.mu.Unlock()
		return status.New(status.CodeInvalidState, "group %s has no subscription", g.name)
	}
	g.subscribed = false
	delete(s.observers, handle)
	subs := s.subs
	s.mu.Unlock()

	_ = subs.Unsubscribe(handle)
	return nil
}

// Refresh sends the current state of every active item of a subscribed,
// active group to its observer. A device refresh samples every item first.
func (s *Session) Refresh(ctx context.Context, handle uint32, source model.DataSource) error {
	if err := checkContext(ctx); err != nil {
		return err
	}

	s.mu.RLock()
	g, err := s.groupLocked(handle)
	if err != nil {
		s.mu.RUnlock()
		return err
	}
	if !g.subscribed {
		s.mu.RUnlock()
		return status.New(status.CodeInvalidState, "group %s has no subscription", g.name)
	}
	if !g.active {
		s.mu.RUnlock()
		return status.New(status.CodeInvalidState, "group %s is inactive", g.name)
	}
	subs := s.subs
	vars := make(map[string]*model.Variable, len(g.items))
	for _, gi := range g.items {
		vars[gi.itemID] = gi.v
	}
	s.mu.RUnlock()

	if source == model.SourceDevice {
		err = subs.RefreshFrom(handle, func(itemID string) (model.ValueState, bool) {
			v, ok := vars[itemID]
			if !ok {
				return model.ValueState{}, false
			}
			vs, err := v.Read()
			return vs, err == nil
		})
	} else {
		err = subs.Refresh(handle)
	}
	if err != nil {
		return status.Wrap(status.CodeInvalidState, err)
	}
	return nil
}
