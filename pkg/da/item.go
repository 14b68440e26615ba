package da

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// ReadResult is the last known value of an item.
type ReadResult struct {
	Value     any
	Timestamp time.Time
	Quality   status.Quality
	Result    status.Result
}

// IsGood reports whether the read succeeded with Good quality.
func (r ReadResult) IsGood() bool {
	return r.Result.IsGood() && r.Quality.IsGood()
}

// String returns "value (quality) timestamp", or the result when it is not Good.
func (r ReadResult) String() string {
	if r.Result.IsNotGood() {
		return r.Result.String()
	}
	return fmt.Sprintf("%v (%s) %s", r.Value, r.Quality, r.Timestamp.Format(time.RFC3339Nano))
}

func readResultOf(st model.ItemState) ReadResult {
	q := st.Quality
	if st.Result.IsBad() {
		q = status.QualityBad
	}
	return ReadResult{Value: st.Value, Timestamp: st.Timestamp, Quality: q, Result: st.Result}
}

func failedRead(res status.Result) ReadResult {
	return ReadResult{Quality: status.QualityBad, Result: res}
}

// ItemChange is one item report delivered to a DataObserver.
type ItemChange struct {
	Item *Item
	ReadResult
}

// Item is a data point added to a group.
type Item struct {
	group         *Group
	clientHandle  uint32
	serverHandle  uint32
	def           model.ItemDefinition
	canonicalType model.DataType
	access        model.AccessRights

	mu          sync.RWMutex
	valid       bool
	last        ReadResult
	pending     any
	hasPending  bool
	writeResult status.Result
}

// ClientHandle returns the handle unique within the group.
func (it *Item) ClientHandle() uint32 { return it.clientHandle }

// ServerHandle returns the handle assigned by the server.
func (it *Item) ServerHandle() uint32 { return it.serverHandle }

// Name returns the item identifier.
func (it *Item) Name() string { return it.def.ItemID }

// Definition returns the definition the item was added with.
func (it *Item) Definition() model.ItemDefinition { return it.def }

// CanonicalType returns the server-side data type.
func (it *Item) CanonicalType() model.DataType { return it.canonicalType }

// AccessRights returns the server-side access rights.
func (it *Item) AccessRights() model.AccessRights { return it.access }

// Group returns the owning group.
func (it *Item) Group() *Group { return it.group }

// Valid reports whether the handle is still usable. Items become invalid
// when removed or when their group is released.
func (it *Item) Valid() bool {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.valid
}

// LastRead returns the result of the last read or data change.
func (it *Item) LastRead() ReadResult {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.last
}

// Read reads the item through its group and returns the new ReadResult.
func (it *Item) Read(ctx context.Context, source model.DataSource) (ReadResult, error) {
	err := it.group.ReadFrom(ctx, []*Item{it}, source)
	return it.LastRead(), err
}

// Write commits the staged write value through the group.
func (it *Item) Write(ctx context.Context) error {
	return it.group.Write(ctx, []*Item{it})
}

// SetWriteValue stages v for the next Group.Write.
func (it *Item) SetWriteValue(v any) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.pending = v
	it.hasPending = true
}

// WriteValue returns the staged write value.
func (it *Item) WriteValue() (any, bool) {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.pending, it.hasPending
}

// ClearWriteValue drops the staged write value.
func (it *Item) ClearWriteValue() {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.pending = nil
	it.hasPending = false
}

// LastWriteResult returns the result of the last write attempt.
func (it *Item) LastWriteResult() status.Result {
	it.mu.RLock()
	defer it.mu.RUnlock()
	return it.writeResult
}

func (it *Item) setRead(r ReadResult) {
	it.mu.Lock()
	it.last = r
	it.mu.Unlock()
}

func (it *Item) setWritten(res status.Result) {
	it.mu.Lock()
	defer it.mu.Unlock()
	it.writeResult = res
	if res.IsGood() {
		it.pending = nil
		it.hasPending = false
	}
}

func (it *Item) invalidate() {
	it.mu.Lock()
	it.valid = false
	it.mu.Unlock()
}
