package da

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opc-classic/opcda-go/pkg/connection"
	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// ---------------------------------------------------------------------------
// stubBackend
// ---------------------------------------------------------------------------

type stubBackend struct {
	mock.Mock

	mu       sync.Mutex
	shutdown func(string)
	observer func(model.DataChange)
}

func (b *stubBackend) Connect(ctx context.Context, serverName, clientName string) error {
	return b.Called(ctx, serverName, clientName).Error(0)
}

func (b *stubBackend) Disconnect(ctx context.Context) error { return b.Called(ctx).Error(0) }

func (b *stubBackend) Status(ctx context.Context) (model.ServerStatus, error) {
	ret := b.Called(ctx)
	return ret.Get(0).(model.ServerStatus), ret.Error(1)
}

func (b *stubBackend) Browse(ctx context.Context, position string, filters model.BrowseFilters, continuation string) (model.BrowseResult, error) {
	ret := b.Called(ctx, position, filters, continuation)
	return ret.Get(0).(model.BrowseResult), ret.Error(1)
}

func (b *stubBackend) Properties(ctx context.Context, itemID string, ids []model.PropertyID, withValues bool) ([]model.ItemProperty, error) {
	ret := b.Called(ctx, itemID, ids, withValues)
	var props []model.ItemProperty
	if ret.Get(0) != nil {
		props = ret.Get(0).([]model.ItemProperty)
	}
	return props, ret.Error(1)
}

func (b *stubBackend) AddGroup(ctx context.Context, params model.GroupParams) (model.GroupInfo, error) {
	ret := b.Called(ctx, params)
	return ret.Get(0).(model.GroupInfo), ret.Error(1)
}

func (b *stubBackend) RemoveGroup(ctx context.Context, group uint32) error {
	return b.Called(ctx, group).Error(0)
}

func (b *stubBackend) SetGroupState(ctx context.Context, group uint32, upd model.GroupUpdate) (model.GroupInfo, error) {
	ret := b.Called(ctx, group, upd)
	return ret.Get(0).(model.GroupInfo), ret.Error(1)
}

func (b *stubBackend) AddItems(ctx context.Context, group uint32, defs []model.ItemDefinition) ([]model.ItemResult, error) {
	ret := b.Called(ctx, group, defs)
	var res []model.ItemResult
	if ret.Get(0) != nil {
		res = ret.Get(0).([]model.ItemResult)
	}
	return res, ret.Error(1)
}

func (b *stubBackend) RemoveItems(ctx context.Context, group uint32, handles []uint32) ([]status.Result, error) {
	ret := b.Called(ctx, group, handles)
	var res []status.Result
	if ret.Get(0) != nil {
		res = ret.Get(0).([]status.Result)
	}
	return res, ret.Error(1)
}

func (b *stubBackend) Read(ctx context.Context, group uint32, handles []uint32, source model.DataSource) ([]model.ItemState, error) {
	ret := b.Called(ctx, group, handles, source)
	var res []model.ItemState
	if ret.Get(0) != nil {
		res = ret.Get(0).([]model.ItemState)
	}
	return res, ret.Error(1)
}

func (b *stubBackend) Write(ctx context.Context, group uint32, values []model.ItemValue) ([]status.Result, error) {
	ret := b.Called(ctx, group, values)
	var res []status.Result
	if ret.Get(0) != nil {
		res = ret.Get(0).([]status.Result)
	}
	return res, ret.Error(1)
}

func (b *stubBackend) Subscribe(ctx context.Context, group uint32, fn func(model.DataChange)) error {
	b.mu.Lock()
	b.observer = fn
	b.mu.Unlock()
	return b.Called(ctx, group).Error(0)
}

func (b *stubBackend) Unsubscribe(ctx context.Context, group uint32) error {
	return b.Called(ctx, group).Error(0)
}

func (b *stubBackend) Refresh(ctx context.Context, group uint32, source model.DataSource) error {
	return b.Called(ctx, group, source).Error(0)
}

func (b *stubBackend) OnShutdown(fn func(reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.shutdown = fn
}

func (b *stubBackend) push(dc model.DataChange) {
	b.mu.Lock()
	fn := b.observer
	b.mu.Unlock()
	fn(dc)
}

// stubDialer adds Dial to stubBackend.
type stubDialer struct{ stubBackend }

func (d *stubDialer) Dial(ctx context.Context, address string) error {
	return d.Called(ctx, address).Error(0)
}

func connectedStub(t *testing.T, opts ...Option) (*Server, *stubBackend) {
	t.Helper()
	b := &stubBackend{}
	b.On("Connect", mock.Anything, "Sim.Server", DefaultClientName).Return(nil).Once()
	b.On("Disconnect", mock.Anything).Return(nil).Maybe()
	srv := NewServer(b, opts...)
	require.NoError(t, srv.Connect(context.Background(), "Sim.Server", "localhost"))
	return srv, b
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

func TestServerConnectMapsForeignErrors(t *testing.T) {
	b := &stubDialer{}
	b.On("Dial", mock.Anything, "plc-7:4855").Return(errors.New("connection refused"))
	srv := NewServer(b)

	err := srv.Connect(context.Background(), "Sim.Server", "plc-7:4855")
	require.Error(t, err)
	assert.ErrorIs(t, err, status.ErrConnection)
	assert.Equal(t, status.CodeConnectionFailed, status.Of(err).Code)
	assert.False(t, srv.Connected())
	b.AssertNotCalled(t, "Connect", mock.Anything, mock.Anything, mock.Anything)
}

func TestServerConnectRetry(t *testing.T) {
	b := &stubBackend{}
	b.On("Connect", mock.Anything, "Sim.Server", "probe").
		Return(status.New(status.CodeConnectionFailed, "busy")).Twice()
	b.On("Connect", mock.Anything, "Sim.Server", "probe").Return(nil).Once()

	srv := NewServer(b,
		WithClientName("probe"),
		WithConnectRetry(5, connection.BackoffConfig{Initial: time.Millisecond, Max: 2 * time.Millisecond, Multiplier: 2}),
	)
	require.NoError(t, srv.Connect(context.Background(), "Sim.Server", ""))
	assert.True(t, srv.Connected())
	b.AssertNumberOfCalls(t, "Connect", 3)
}

func TestServerConnectRetryStopsOnUnknownServer(t *testing.T) {
	b := &stubBackend{}
	b.On("Connect", mock.Anything, "Nope", DefaultClientName).
		Return(status.New(status.CodeServerUnknown, "not registered"))

	srv := NewServer(b, WithConnectRetry(5, connection.BackoffConfig{Initial: time.Millisecond}))
	err := srv.Connect(context.Background(), "Nope", "")
	assert.Equal(t, status.CodeServerUnknown, status.Of(err).Code)
	b.AssertNumberOfCalls(t, "Connect", 1)
}

func TestServerTimeout(t *testing.T) {
	srv, b := connectedStub(t, WithTimeout(5*time.Millisecond))
	b.On("Status", mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(model.ServerStatus{}, context.DeadlineExceeded)

	_, err := srv.Status(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, status.ErrTimeout)
	assert.Equal(t, status.CodeTimeout, status.Of(err).Code)
}

func TestServerDisconnectLogsTeardownFailure(t *testing.T) {
	b := &stubBackend{}
	b.On("Connect", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	b.On("Disconnect", mock.Anything).Return(errors.New("broken pipe")).Once()
	srv := NewServer(b)
	require.NoError(t, srv.Connect(context.Background(), "Sim.Server", ""))

	assert.NoError(t, srv.Disconnect(context.Background()))
	assert.NoError(t, srv.Disconnect(context.Background()))
	assert.Equal(t, StateDisconnected, srv.State())
	b.AssertNumberOfCalls(t, "Disconnect", 1)
}

func TestServerDisconnectWithLiveGroupPanics(t *testing.T) {
	srv, b := connectedStub(t)
	b.On("AddGroup", mock.Anything, mock.Anything).Return(model.GroupInfo{ServerHandle: 1, RevisedUpdateRate: time.Second}, nil)
	b.On("RemoveGroup", mock.Anything, uint32(1)).Return(nil)

	g, err := NewGroup(context.Background(), srv, "g", GroupOptions{Active: true})
	require.NoError(t, err)

	assert.PanicsWithValue(t,
		status.ProgrammingError{Message: "disconnect with 1 live groups and 0 live browsers"},
		func() { _ = srv.Disconnect(context.Background()) })

	require.NoError(t, g.Release(context.Background()))
	assert.NotPanics(t, func() { _ = srv.Disconnect(context.Background()) })
}

func TestServerShutdownNotice(t *testing.T) {
	srv, b := connectedStub(t)
	var got string
	srv.OnShutdown(func(reason string) { got = reason })

	b.mu.Lock()
	fn := b.shutdown
	b.mu.Unlock()
	fn("maintenance")
	assert.Equal(t, "maintenance", got)
}

func TestServerPollStatus(t *testing.T) {
	srv, b := connectedStub(t)
	b.On("Status", mock.Anything).Return(model.ServerStatus{VendorInfo: "v"}, nil)

	got := make(chan model.ServerStatus, 8)
	require.NoError(t, srv.PollStatus(context.Background(), 2*time.Millisecond, func(st model.ServerStatus, err error) {
		if err == nil {
			select {
			case got <- st:
			default:
			}
		}
	}))

	select {
	case st := <-got:
		assert.Equal(t, "v", st.VendorInfo)
	case <-time.After(time.Second):
		t.Fatal("no status polled")
	}
	require.NoError(t, srv.Disconnect(context.Background()))

	err := srv.PollStatus(context.Background(), time.Millisecond, func(model.ServerStatus, error) {})
	assert.Equal(t, status.CodeNotConnected, status.Of(err).Code)
}

// ---------------------------------------------------------------------------
// Group
// ---------------------------------------------------------------------------

func newStubGroup(t *testing.T) (*Group, *stubBackend) {
	t.Helper()
	srv, b := connectedStub(t)
	b.On("AddGroup", mock.Anything, mock.Anything).Return(model.GroupInfo{ServerHandle: 9, RevisedUpdateRate: 100 * time.Millisecond}, nil)
	g, err := NewGroup(context.Background(), srv, "g", GroupOptions{Active: true, UpdateRate: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 100*time.Millisecond, g.UpdateRate())
	assert.Equal(t, 50*time.Millisecond, g.RequestedUpdateRate())
	return g, b
}

func TestGroupWholeCallReadFailureMarksItems(t *testing.T) {
	g, b := newStubGroup(t)
	b.On("AddItems", mock.Anything, uint32(9), mock.Anything).Return([]model.ItemResult{
		{ServerHandle: 100, CanonicalType: model.DataTypeInt32},
		{ServerHandle: 101, CanonicalType: model.DataTypeInt32},
	}, nil)
	b.On("Read", mock.Anything, uint32(9), []uint32{100, 101}, model.SourceCache).
		Return(nil, status.New(status.CodeConnectionLost, "gone"))

	defs := NewItemDefinitions()
	require.NoError(t, defs.Add("A.B", 0))
	require.NoError(t, defs.Add("A.C", 0))
	res, err := g.AddItems(context.Background(), defs)
	require.NoError(t, err)

	err = g.Read(context.Background(), res.Added)
	assert.ErrorIs(t, err, status.ErrConnection)
	for _, it := range res.Added {
		assert.Equal(t, status.CodeConnectionLost, it.LastRead().Result.Code)
		assert.True(t, it.LastRead().Quality.IsBad())
	}
}

func TestGroupShortResultSlices(t *testing.T) {
	g, b := newStubGroup(t)
	b.On("AddItems", mock.Anything, uint32(9), mock.Anything).Return([]model.ItemResult{{ServerHandle: 100}}, nil)

	defs := NewItemDefinitions()
	require.NoError(t, defs.Add("A.B", 0))
	require.NoError(t, defs.Add("A.C", 0))
	res, err := g.AddItems(context.Background(), defs)
	assert.ErrorIs(t, err, status.ErrPartialBatch)
	require.Len(t, res.Added, 1)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "A.C", res.Failed[0].Definition.ItemID)
}

func TestGroupKeepAliveAndRelease(t *testing.T) {
	g, b := newStubGroup(t)
	b.On("AddItems", mock.Anything, uint32(9), mock.Anything).Return([]model.ItemResult{{ServerHandle: 100}}, nil)
	b.On("Subscribe", mock.Anything, uint32(9)).Return(nil)
	b.On("RemoveGroup", mock.Anything, uint32(9)).Return(errors.New("link down"))

	defs := NewItemDefinitions()
	require.NoError(t, defs.Add("A.B", 0))
	_, err := g.AddItems(context.Background(), defs)
	require.NoError(t, err)

	var mu sync.Mutex
	var batches [][]ItemChange
	require.NoError(t, g.SetDataSubscription(context.Background(), DataObserverFunc(func(_ *Group, ch []ItemChange) {
		mu.Lock()
		batches = append(batches, ch)
		mu.Unlock()
	})))
	assert.Equal(t, GroupSubscribing, g.State())

	b.push(model.DataChange{GroupHandle: 9, KeepAlive: true})
	b.push(model.DataChange{GroupHandle: 9, Items: []model.ItemState{{ServerHandle: 777}}})
	b.push(model.DataChange{GroupHandle: 9, Items: []model.ItemState{{ServerHandle: 100, Value: int32(5), Quality: status.QualityGood}}})

	mu.Lock()
	require.Len(t, batches, 2)
	assert.Nil(t, batches[0])
	require.Len(t, batches[1], 1)
	assert.Equal(t, int32(5), batches[1][0].Value)
	mu.Unlock()

	// teardown errors are logged, not returned
	require.NoError(t, g.Release(context.Background()))
	b.push(model.DataChange{GroupHandle: 9, Items: []model.ItemState{{ServerHandle: 100, Value: int32(6)}}})
	mu.Lock()
	assert.Len(t, batches, 2)
	mu.Unlock()
}

// asyncRecorder records async completions as "<kind> <txID>".
type asyncRecorder struct{ done chan string }

func (r *asyncRecorder) DataChange(*Group, []ItemChange) {}

func (r *asyncRecorder) ReadComplete(_ *Group, txID uint32, _ []ItemChange, _ error) {
	r.done <- fmt.Sprintf("read %d", txID)
}

func (r *asyncRecorder) WriteComplete(_ *Group, txID uint32, _ []ItemWriteResult, _ error) {
	r.done <- fmt.Sprintf("write %d", txID)
}

func (r *asyncRecorder) CancelComplete(_ *Group, txID uint32) {
	r.done <- fmt.Sprintf("cancel %d", txID)
}

// blockingReadGroup returns a subscribed group whose device reads block
// until their context ends. started is closed when the read begins.
func blockingReadGroup(t *testing.T) (*Group, *stubBackend, []*Item, *asyncRecorder, chan struct{}) {
	t.Helper()
	g, b := newStubGroup(t)
	b.On("AddItems", mock.Anything, uint32(9), mock.Anything).Return([]model.ItemResult{{ServerHandle: 100}}, nil)
	b.On("Subscribe", mock.Anything, uint32(9)).Return(nil)
	started := make(chan struct{})
	b.On("Read", mock.Anything, uint32(9), []uint32{100}, model.SourceDevice).
		Run(func(args mock.Arguments) {
			close(started)
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.Canceled).Once()

	defs := NewItemDefinitions()
	require.NoError(t, defs.Add("A.B", 0))
	res, err := g.AddItems(context.Background(), defs)
	require.NoError(t, err)

	obs := &asyncRecorder{done: make(chan string, 4)}
	require.NoError(t, g.SetDataSubscription(context.Background(), obs))
	return g, b, res.Added, obs, started
}

func TestGroupCancelAsyncRead(t *testing.T) {
	g, _, items, obs, started := blockingReadGroup(t)

	cancelID, err := g.ReadAsync(context.Background(), 42, items, model.SourceDevice)
	require.NoError(t, err)
	<-started
	require.NoError(t, g.Cancel(cancelID))

	select {
	case got := <-obs.done:
		assert.Equal(t, "cancel 42", got)
	case <-time.After(time.Second):
		t.Fatal("no cancel completion")
	}
	err = g.Cancel(cancelID)
	assert.Equal(t, status.CodeInvalidArgument, status.Of(err).Code)
}

func TestGroupReleaseEndsAsyncRead(t *testing.T) {
	g, b, items, obs, started := blockingReadGroup(t)
	b.On("RemoveGroup", mock.Anything, uint32(9)).Return(nil)

	_, err := g.ReadAsync(context.Background(), 1, items, model.SourceDevice)
	require.NoError(t, err)
	<-started
	require.NoError(t, g.Release(context.Background()))

	select {
	case got := <-obs.done:
		t.Fatalf("completion after Release: %s", got)
	default:
	}
	_, err = g.ReadAsync(context.Background(), 2, items, model.SourceDevice)
	assert.Equal(t, status.CodeInvalidState, status.Of(err).Code)
}

// ---------------------------------------------------------------------------
// Walk
// ---------------------------------------------------------------------------

func TestWalkAbortsOnNestedBrowseFailure(t *testing.T) {
	srv, b := connectedStub(t)
	b.On("Browse", mock.Anything, "", mock.Anything, "").Return(model.BrowseResult{Elements: []model.BrowseElement{
		{Name: "A", ItemID: "A", HasChildren: true},
		{Name: "B", ItemID: "B", IsItem: true},
	}}, nil).Once()
	b.On("Browse", mock.Anything, "A", mock.Anything, "").
		Return(model.BrowseResult{}, status.New(status.CodeBrowseRejected, "access denied")).Once()

	br, err := NewBrowser(srv, model.BrowseFilters{})
	require.NoError(t, err)
	defer br.Release()

	var names []string
	var errs []error
	for node, err := range Walk(context.Background(), br, "") {
		if err != nil {
			errs = append(errs, err)
			continue
		}
		names = append(names, node.Name)
	}
	assert.Equal(t, []string{"A"}, names, "B is never reached")
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], status.ErrNavigation)
	b.AssertNumberOfCalls(t, "Browse", 2)
}
