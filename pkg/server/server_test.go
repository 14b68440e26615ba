package server

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

const simServer = "Sim.Server"

func ptr[T any](v T) *T { return &v }

func newRegistry(t *testing.T) (*Registry, *Instance) {
	t.Helper()
	ns := model.NewNamespace("")
	_, err := ns.AddItem(model.VariableMetadata{ID: "Random.Int1", Type: model.DataTypeInt32, Access: model.AccessReadable, Initial: 7})
	require.NoError(t, err)
	_, err = ns.AddItem(model.VariableMetadata{
		ID: "Bucket.Real8", Type: model.DataTypeFloat64, Access: model.AccessReadWrite,
		HighEU: ptr(100.0), LowEU: ptr(0.0), EUUnits: "degC", Description: "bucket level",
	})
	require.NoError(t, err)
	_, err = ns.AddItem(model.VariableMetadata{ID: "Bucket.Int2", Type: model.DataTypeInt16, Access: model.AccessReadWrite})
	require.NoError(t, err)
	_, err = ns.AddItem(model.VariableMetadata{ID: "Bucket.Secret", Type: model.DataTypeString, Access: model.AccessWriteable})
	require.NoError(t, err)

	reg := NewRegistry()
	inst, err := reg.Register(Info{ProgID: simServer, VendorInfo: "Test Vendor", MajorVersion: 1, MinorVersion: 2, BuildNumber: 3}, ns)
	require.NoError(t, err)
	return reg, inst
}

func connected(t *testing.T) (*Session, *Instance) {
	t.Helper()
	reg, inst := newRegistry(t)
	s := NewSession(reg, WithTick(5*time.Millisecond))
	require.NoError(t, s.Connect(context.Background(), simServer, "test-client"))
	t.Cleanup(func() { _ = s.Disconnect(context.Background()) })
	return s, inst
}

func addGroup(t *testing.T, s *Session, params model.GroupParams) uint32 {
	t.Helper()
	info, err := s.AddGroup(context.Background(), params)
	require.NoError(t, err)
	return info.ServerHandle
}

func addItems(t *testing.T, s *Session, g uint32, ids ...string) []model.ItemResult {
	t.Helper()
	defs := make([]model.ItemDefinition, len(ids))
	for i, id := range ids {
		defs[i] = model.ItemDefinition{ItemID: id, ClientHandle: uint32(i + 1), Active: true}
	}
	res, err := s.AddItems(context.Background(), g, defs)
	require.NoError(t, err)
	return res
}

func TestRegistry(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.Register(Info{ProgID: simServer}, nil)
	assert.ErrorIs(t, err, ErrServerRegistered)

	_, err = reg.Register(Info{}, nil)
	assert.Error(t, err)

	_, err = reg.Lookup("Nope")
	assert.ErrorIs(t, err, ErrServerUnknown)

	_, err = reg.Register(Info{ProgID: "A.Server"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"A.Server", simServer}, reg.Names())

	require.NoError(t, reg.Unregister("A.Server"))
	assert.ErrorIs(t, reg.Unregister("A.Server"), ErrServerUnknown)
}

func TestSessionConnect(t *testing.T) {
	reg, inst := newRegistry(t)
	s := NewSession(reg)
	ctx := context.Background()

	t.Run("UnknownServer", func(t *testing.T) {
		err := s.Connect(ctx, "Missing.Server", "")
		require.Error(t, err)
		assert.ErrorIs(t, err, status.ErrConnection)
		assert.Equal(t, status.CodeServerUnknown, status.Of(err).Code)
		assert.False(t, s.Connected())
	})

	t.Run("NotConnected", func(t *testing.T) {
		_, err := s.Status(ctx)
		assert.Equal(t, status.CodeNotConnected, status.Of(err).Code)
		_, err = s.Browse(ctx, "", model.BrowseFilters{}, "")
		assert.Equal(t, status.CodeNotConnected, status.Of(err).Code)
		_, err = s.AddGroup(ctx, model.GroupParams{})
		assert.Equal(t, status.CodeNotConnected, status.Of(err).Code)
	})

	t.Run("Connect", func(t *testing.T) {
		require.NoError(t, s.Connect(ctx, simServer, "client"))
		assert.True(t, s.Connected())
		assert.Equal(t, simServer, s.ServerName())
		assert.Equal(t, "client", s.ClientName())
		assert.Equal(t, 1, inst.Sessions())

		err := s.Connect(ctx, simServer, "client")
		assert.Equal(t, status.CodeAlreadyConnected, status.Of(err).Code)
	})

	t.Run("Disconnect", func(t *testing.T) {
		addGroup(t, s, model.GroupParams{Name: "g"})
		assert.Equal(t, uint32(1), inst.Status().GroupCount)

		require.NoError(t, s.Disconnect(ctx))
		require.NoError(t, s.Disconnect(ctx))
		assert.False(t, s.Connected())
		assert.Equal(t, 0, inst.Sessions())
		assert.Equal(t, uint32(0), inst.Status().GroupCount)
	})

	t.Run("ExpiredContext", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, time.Nanosecond)
		defer cancel()
		time.Sleep(time.Millisecond)
		err := s.Connect(cctx, simServer, "")
		assert.ErrorIs(t, err, status.ErrTimeout)
	})
}

func TestSessionStatus(t *testing.T) {
	s, inst := connected(t)

	st, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Test Vendor", st.VendorInfo)
	assert.Equal(t, model.ServerRunning, st.State)
	assert.Equal(t, "1.2.3", st.Version())
	assert.False(t, st.StartTime.IsZero())
	assert.False(t, st.CurrentTime.Before(st.StartTime))
	assert.True(t, st.LastUpdateTime.IsZero())

	v, err := inst.Namespace().Variable("Bucket.Int2")
	require.NoError(t, err)
	require.NoError(t, v.Write(3))

	st, err = s.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, st.LastUpdateTime.IsZero())
}

func TestSessionShutdown(t *testing.T) {
	s, inst := connected(t)

	var mu sync.Mutex
	var reason string
	s.OnShutdown(func(r string) {
		mu.Lock()
		reason = r
		mu.Unlock()
	})

	inst.Shutdown("maintenance")

	mu.Lock()
	assert.Equal(t, "maintenance", reason)
	mu.Unlock()

	st, err := s.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.ServerSuspended, st.State)

	other := NewSession(s.registry)
	err = other.Connect(context.Background(), simServer, "")
	assert.Equal(t, status.CodeConnectionFailed, status.Of(err).Code)
}

func TestBrowse(t *testing.T) {
	s, _ := connected(t)
	ctx := context.Background()

	t.Run("Root", func(t *testing.T) {
		res, err := s.Browse(ctx, "", model.BrowseFilters{}, "")
		require.NoError(t, err)
		require.Len(t, res.Elements, 2)
		assert.Equal(t, "Random", res.Elements[0].Name)
		assert.Equal(t, "Random", res.Elements[0].ItemID)
		assert.True(t, res.Elements[0].HasChildren)
		assert.False(t, res.Elements[0].IsItem)
		assert.False(t, res.MoreElements())
	})

	t.Run("Branch", func(t *testing.T) {
		res, err := s.Browse(ctx, "Random", model.BrowseFilters{}, "")
		require.NoError(t, err)
		require.Len(t, res.Elements, 1)
		el := res.Elements[0]
		assert.Equal(t, "Int1", el.Name)
		assert.Equal(t, "Random.Int1", el.ItemID)
		assert.True(t, el.IsItem)
		assert.False(t, el.HasChildren)
	})

	t.Run("InvalidPosition", func(t *testing.T) {
		_, err := s.Browse(ctx, "Nope", model.BrowseFilters{}, "")
		assert.ErrorIs(t, err, status.ErrNavigation)
	})

	t.Run("Leaf", func(t *testing.T) {
		res, err := s.Browse(ctx, "Random.Int1", model.BrowseFilters{}, "")
		require.NoError(t, err)
		assert.Empty(t, res.Elements)
		assert.False(t, res.MoreElements())
	})

	t.Run("Filters", func(t *testing.T) {
		res, err := s.Browse(ctx, "Bucket", model.BrowseFilters{NameFilter: "Int#"}, "")
		require.NoError(t, err)
		require.Len(t, res.Elements, 1)
		assert.Equal(t, "Int2", res.Elements[0].Name)

		res, err = s.Browse(ctx, "Bucket", model.BrowseFilters{AccessRightsFilter: model.AccessWriteable, DataTypeFilter: model.DataTypeString}, "")
		require.NoError(t, err)
		require.Len(t, res.Elements, 1)
		assert.Equal(t, "Secret", res.Elements[0].Name)

		res, err = s.Browse(ctx, "", model.BrowseFilters{ElementFilter: model.ElementItems}, "")
		require.NoError(t, err)
		assert.Empty(t, res.Elements)
	})

	t.Run("Properties", func(t *testing.T) {
		res, err := s.Browse(ctx, "Bucket", model.BrowseFilters{NameFilter: "Real8", ReturnAllProperties: true, ReturnPropertyValues: true}, "")
		require.NoError(t, err)
		require.Len(t, res.Elements, 1)
		props := res.Elements[0].Properties
		require.NotEmpty(t, props)
		assert.Equal(t, model.PropCanonicalDataType, props[0].ID)
		assert.NotNil(t, props[0].Value)
	})

	t.Run("Continuation", func(t *testing.T) {
		res, err := s.Browse(ctx, "Bucket", model.BrowseFilters{MaxElements: 2}, "")
		require.NoError(t, err)
		require.Len(t, res.Elements, 2)
		require.True(t, res.MoreElements())

		next, err := s.Browse(ctx, "", model.BrowseFilters{}, res.ContinuationPoint)
		require.NoError(t, err)
		require.Len(t, next.Elements, 1)
		assert.Equal(t, "Secret", next.Elements[0].Name)
		assert.False(t, next.MoreElements())

		_, err = s.Browse(ctx, "", model.BrowseFilters{}, res.ContinuationPoint)
		assert.Equal(t, status.CodeNoContinuation, status.Of(err).Code)
	})
}

func TestProperties(t *testing.T) {
	s, _ := connected(t)
	ctx := context.Background()

	props, err := s.Properties(ctx, "Bucket.Real8", nil, true)
	require.NoError(t, err)
	ids := make([]model.PropertyID, len(props))
	for i, p := range props {
		ids[i] = p.ID
	}
	assert.Contains(t, ids, model.PropEUUnits)
	assert.Contains(t, ids, model.PropHighEU)

	props, err = s.Properties(ctx, "Bucket.Real8", []model.PropertyID{model.PropDescription, 5000}, false)
	require.NoError(t, err)
	require.Len(t, props, 2)
	assert.True(t, props[0].Result.IsGood())
	assert.Nil(t, props[0].Value)
	assert.True(t, props[1].Result.IsBad())

	_, err = s.Properties(ctx, "Nope", nil, false)
	assert.Equal(t, status.CodeUnknownItemID, status.Of(err).Code)
	_, err = s.Properties(ctx, " bad", nil, false)
	assert.Equal(t, status.CodeInvalidItemID, status.Of(err).Code)
}

func TestGroups(t *testing.T) {
	s, inst := connected(t)
	ctx := context.Background()

	info, err := s.AddGroup(ctx, model.GroupParams{Name: "fast", UpdateRate: time.Millisecond, KeepAlive: 5 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, MinUpdateRate, info.RevisedUpdateRate)
	assert.Equal(t, MinUpdateRate, info.RevisedKeepAlive)

	_, err = s.AddGroup(ctx, model.GroupParams{Name: "fast"})
	assert.Equal(t, status.CodeInvalidArgument, status.Of(err).Code)

	anon := addGroup(t, s, model.GroupParams{})
	name, err := s.GroupName(anon)
	require.NoError(t, err)
	assert.NotEmpty(t, name)
	assert.NotEqual(t, info.ServerHandle, anon)
	assert.Equal(t, uint32(2), inst.Status().GroupCount)

	upd, err := s.SetGroupState(ctx, anon, model.GroupUpdate{Name: ptr("renamed"), UpdateRate: ptr(time.Second)})
	require.NoError(t, err)
	assert.Equal(t, time.Second, upd.RevisedUpdateRate)
	name, _ = s.GroupName(anon)
	assert.Equal(t, "renamed", name)

	_, err = s.SetGroupState(ctx, anon, model.GroupUpdate{Name: ptr("fast")})
	assert.Equal(t, status.CodeInvalidArgument, status.Of(err).Code)

	require.NoError(t, s.RemoveGroup(ctx, anon))
	err = s.RemoveGroup(ctx, anon)
	assert.Equal(t, status.CodeInvalidHandle, status.Of(err).Code)
	assert.Equal(t, uint32(1), inst.Status().GroupCount)

	_, err = s.AddGroup(ctx, model.GroupParams{Deadband: 120})
	assert.Equal(t, status.CodeInvalidArgument, status.Of(err).Code)
}

func TestAddItems(t *testing.T) {
	s, _ := connected(t)
	g := addGroup(t, s, model.GroupParams{Name: "g", Active: true})

	res := addItems(t, s, g, "Random.Int1", "Nope", "Random.Int1", "", "Bucket.Real8")
	require.Len(t, res, 5)

	assert.True(t, res[0].Result.IsGood())
	assert.NotZero(t, res[0].ServerHandle)
	assert.Equal(t, model.DataTypeInt32, res[0].CanonicalType)
	assert.Equal(t, model.AccessReadable, res[0].AccessRights)

	assert.Equal(t, status.CodeUnknownItemID, res[1].Result.Code)
	assert.Equal(t, status.CodeDuplicateItem, res[2].Result.Code)
	assert.Equal(t, status.CodeInvalidItemID, res[3].Result.Code)

	assert.True(t, res[4].Result.IsGood())
	assert.NotEqual(t, res[0].ServerHandle, res[4].ServerHandle)

	res, err := s.AddItems(context.Background(), g, []model.ItemDefinition{
		{ItemID: "Bucket.Int2", RequestedDataType: model.DataTypeString, Active: true},
		{ItemID: "Bucket.Secret", RequestedDataType: model.DataTypeFloat64, Active: true},
	})
	require.NoError(t, err)
	assert.True(t, res[0].Result.IsGood())
	assert.Equal(t, status.CodeBadType, res[1].Result.Code)

	_, err = s.AddItems(context.Background(), 999, nil)
	assert.Equal(t, status.CodeInvalidHandle, status.Of(err).Code)
}

func TestReadWrite(t *testing.T) {
	s, _ := connected(t)
	ctx := context.Background()
	g := addGroup(t, s, model.GroupParams{Name: "g", Active: true})
	res := addItems(t, s, g, "Random.Int1", "Bucket.Real8", "Bucket.Secret")
	hInt, hReal, hSecret := res[0].ServerHandle, res[1].ServerHandle, res[2].ServerHandle

	t.Run("Read", func(t *testing.T) {
		states, err := s.Read(ctx, g, []uint32{hInt, 4242, hSecret}, model.SourceCache)
		require.NoError(t, err)
		require.Len(t, states, 3)

		assert.True(t, states[0].Result.IsGood())
		assert.Equal(t, int32(7), states[0].Value)
		assert.True(t, states[0].Quality.IsGood())
		assert.Equal(t, uint32(1), states[0].ClientHandle)

		assert.Equal(t, status.CodeInvalidHandle, states[1].Result.Code)
		assert.Equal(t, status.CodeWriteOnly, states[2].Result.Code)
	})

	t.Run("Write", func(t *testing.T) {
		results, err := s.Write(ctx, g, []model.ItemValue{
			{ServerHandle: hReal, Value: "12.5"},
			{ServerHandle: hInt, Value: 1},
			{ServerHandle: hReal, Value: "abc"},
			{ServerHandle: 4242, Value: 1},
		})
		require.NoError(t, err)
		require.Len(t, results, 4)
		assert.True(t, results[0].IsGood())
		assert.Equal(t, status.CodeReadOnly, results[1].Code)
		assert.Equal(t, status.CodeBadType, results[2].Code)
		assert.Equal(t, status.CodeInvalidHandle, results[3].Code)

		states, err := s.Read(ctx, g, []uint32{hReal}, model.SourceDevice)
		require.NoError(t, err)
		assert.Equal(t, 12.5, states[0].Value)
	})

	t.Run("Range", func(t *testing.T) {
		r := addItems(t, s, g, "Bucket.Int2")
		results, err := s.Write(ctx, g, []model.ItemValue{{ServerHandle: r[0].ServerHandle, Value: 70000}})
		require.NoError(t, err)
		assert.Equal(t, status.CodeRange, results[0].Code)
	})

	t.Run("NoOpWriteKeepsTimestamp", func(t *testing.T) {
		before, err := s.Read(ctx, g, []uint32{hReal}, model.SourceCache)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)

		results, err := s.Write(ctx, g, []model.ItemValue{{ServerHandle: hReal, Value: before[0].Value}})
		require.NoError(t, err)
		require.True(t, results[0].IsGood())

		after, err := s.Read(ctx, g, []uint32{hReal}, model.SourceCache)
		require.NoError(t, err)
		assert.Equal(t, before[0].Value, after[0].Value)
		assert.True(t, before[0].Timestamp.Equal(after[0].Timestamp))
	})

	t.Run("InactiveGroupCacheRead", func(t *testing.T) {
		_, err := s.SetGroupState(ctx, g, model.GroupUpdate{Active: ptr(false)})
		require.NoError(t, err)
		states, err := s.Read(ctx, g, []uint32{hInt}, model.SourceCache)
		require.NoError(t, err)
		assert.True(t, states[0].Quality.IsBad())
		assert.Nil(t, states[0].Value)

		states, err = s.Read(ctx, g, []uint32{hInt}, model.SourceDevice)
		require.NoError(t, err)
		assert.True(t, states[0].Quality.IsGood())
	})

	t.Run("RequestedType", func(t *testing.T) {
		r, err := s.AddItems(ctx, g, []model.ItemDefinition{{ItemID: "Random.Int1", RequestedDataType: model.DataTypeString, Active: true}})
		require.NoError(t, err)
		assert.Equal(t, status.CodeDuplicateItem, r[0].Result.Code)

		g2 := addGroup(t, s, model.GroupParams{Name: "typed", Active: true})
		r, err = s.AddItems(ctx, g2, []model.ItemDefinition{{ItemID: "Random.Int1", RequestedDataType: model.DataTypeString, Active: true}})
		require.NoError(t, err)
		states, err := s.Read(ctx, g2, []uint32{r[0].ServerHandle}, model.SourceCache)
		require.NoError(t, err)
		assert.Equal(t, "7", states[0].Value)
	})
}

func TestRemoveItems(t *testing.T) {
	s, _ := connected(t)
	ctx := context.Background()
	g := addGroup(t, s, model.GroupParams{Name: "g", Active: true})
	res := addItems(t, s, g, "Random.Int1")

	results, err := s.RemoveItems(ctx, g, []uint32{res[0].ServerHandle, res[0].ServerHandle})
	require.NoError(t, err)
	assert.True(t, results[0].IsGood())
	assert.Equal(t, status.CodeInvalidHandle, results[1].Code)

	states, err := s.Read(ctx, g, []uint32{res[0].ServerHandle}, model.SourceCache)
	require.NoError(t, err)
	assert.Equal(t, status.CodeInvalidHandle, states[0].Result.Code)

	// the item can be added again and gets a fresh handle
	again := addItems(t, s, g, "Random.Int1")
	assert.True(t, again[0].Result.IsGood())
	assert.NotEqual(t, res[0].ServerHandle, again[0].ServerHandle)
}

type changeRecorder struct {
	mu      sync.Mutex
	changes []model.DataChange
	ch      chan struct{}
}

func newChangeRecorder() *changeRecorder {
	return &changeRecorder{ch: make(chan struct{}, 64)}
}

func (r *changeRecorder) observe(dc model.DataChange) {
	r.mu.Lock()
	r.changes = append(r.changes, dc)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

func (r *changeRecorder) wait(t *testing.T, pred func(model.DataChange) bool) model.DataChange {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		for _, dc := range r.changes {
			if pred(dc) {
				r.mu.Unlock()
				return dc
			}
		}
		r.mu.Unlock()
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatal("timed out waiting for data change")
			return model.DataChange{}
		}
	}
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.changes)
}

func TestSubscribe(t *testing.T) {
	s, inst := connected(t)
	ctx := context.Background()
	g := addGroup(t, s, model.GroupParams{Name: "g", Active: true, UpdateRate: 20 * time.Millisecond})
	res := addItems(t, s, g, "Bucket.Real8", "Bucket.Int2")

	rec := newChangeRecorder()
	require.NoError(t, s.Subscribe(ctx, g, rec.observe))

	priming := rec.wait(t, func(dc model.DataChange) bool { return len(dc.Items) == 2 })
	assert.Equal(t, g, priming.GroupHandle)
	assert.Equal(t, uint32(1), priming.Items[0].ClientHandle)

	v, err := inst.Namespace().Variable("Bucket.Int2")
	require.NoError(t, err)
	require.NoError(t, v.Write(42))

	dc := rec.wait(t, func(dc model.DataChange) bool {
		return len(dc.Items) == 1 && dc.Items[0].Value == int16(42)
	})
	assert.Equal(t, res[1].ServerHandle, dc.Items[0].ServerHandle)

	t.Run("Refresh", func(t *testing.T) {
		for _, source := range []model.DataSource{model.SourceCache, model.SourceDevice} {
			before := rec.count()
			require.NoError(t, s.Refresh(ctx, g, source))
			require.Equal(t, before+1, rec.count(), source)

			rec.mu.Lock()
			last := rec.changes[len(rec.changes)-1]
			rec.mu.Unlock()
			assert.True(t, last.Refresh, source)
			require.Len(t, last.Items, 2, source)
			assert.Equal(t, int16(42), last.Items[1].Value, source)
		}
	})

	t.Run("Deactivate", func(t *testing.T) {
		_, err := s.SetGroupState(ctx, g, model.GroupUpdate{Active: ptr(false)})
		require.NoError(t, err)
		err = s.Refresh(ctx, g, model.SourceCache)
		assert.Equal(t, status.CodeInvalidState, status.Of(err).Code)

		before := rec.count()
		require.NoError(t, v.Write(43))
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, before, rec.count())

		_, err = s.SetGroupState(ctx, g, model.GroupUpdate{Active: ptr(true)})
		require.NoError(t, err)
		rec.wait(t, func(dc model.DataChange) bool {
			return len(dc.Items) == 2 && dc.Items[1].Value == int16(43)
		})
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		require.NoError(t, s.Unsubscribe(ctx, g))
		err := s.Unsubscribe(ctx, g)
		assert.Equal(t, status.CodeInvalidState, status.Of(err).Code)

		before := rec.count()
		require.NoError(t, v.Write(44))
		time.Sleep(60 * time.Millisecond)
		assert.Equal(t, before, rec.count())
	})
}

func TestSubscribeKeepAlive(t *testing.T) {
	s, _ := connected(t)
	ctx := context.Background()
	g := addGroup(t, s, model.GroupParams{Name: "g", Active: true, UpdateRate: 10 * time.Millisecond, KeepAlive: 30 * time.Millisecond})
	addItems(t, s, g, "Random.Int1")

	rec := newChangeRecorder()
	require.NoError(t, s.Subscribe(ctx, g, rec.observe))

	ka := rec.wait(t, func(dc model.DataChange) bool { return dc.KeepAlive })
	assert.Empty(t, ka.Items)
}

func TestSubscribeAddItemsLater(t *testing.T) {
	s, _ := connected(t)
	ctx := context.Background()
	g := addGroup(t, s, model.GroupParams{Name: "g", Active: true, UpdateRate: 10 * time.Millisecond})

	rec := newChangeRecorder()
	require.NoError(t, s.Subscribe(ctx, g, rec.observe))

	res := addItems(t, s, g, "Random.Int1")
	dc := rec.wait(t, func(dc model.DataChange) bool { return len(dc.Items) == 1 })
	assert.Equal(t, res[0].ServerHandle, dc.Items[0].ServerHandle)
	assert.Equal(t, int32(7), dc.Items[0].Value)
}

func TestDisconnectStopsDelivery(t *testing.T) {
	reg, inst := newRegistry(t)
	s := NewSession(reg, WithTick(5*time.Millisecond))
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, simServer, ""))

	g := addGroup(t, s, model.GroupParams{Name: "g", Active: true})
	addItems(t, s, g, "Bucket.Int2")
	rec := newChangeRecorder()
	require.NoError(t, s.Subscribe(ctx, g, rec.observe))
	require.NoError(t, s.Disconnect(ctx))

	before := rec.count()
	v, _ := inst.Namespace().Variable("Bucket.Int2")
	require.NoError(t, v.Write(9))
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, before, rec.count())

	_, err := s.Read(ctx, g, nil, model.SourceCache)
	assert.True(t, errors.Is(err, status.ErrConnection))
}
