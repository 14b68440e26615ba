package interaction

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opc-classic/opcda-go/pkg/da"
	"github.com/opc-classic/opcda-go/pkg/log"
	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
	"github.com/opc-classic/opcda-go/pkg/transport"
	"github.com/opc-classic/opcda-go/pkg/wire"
)

// DefaultTimeout is the per-request timeout of a Client.
const DefaultTimeout = 30 * time.Second

// ClientConfig configures a network client.
type ClientConfig struct {
	// Timeout bounds the wait for each response (default 30s).
	Timeout time.Duration

	// ConnectTimeout bounds dialing (default 10s).
	ConnectTimeout time.Duration

	// MaxMessageSize is the maximum frame size (default 1 MiB).
	MaxMessageSize uint32

	// Logger is the operational logger (default slog.Default()).
	Logger *slog.Logger

	// ProtocolLogger receives frame and message events (optional).
	ProtocolLogger log.Logger
}

// Client is a da.Backend that talks to a remote Server.
type Client struct {
	config   ClientConfig
	logger   *slog.Logger
	protocol log.Logger
	dialer   *transport.Client

	nextMsgID atomic.Uint32

	mu         sync.RWMutex
	conn       transport.ClientConnection
	lost       error
	pending    map[uint32]chan *wire.Response
	serverName string
	clientName string
	onShutdown func(reason string)
	observers  map[uint32]func(model.DataChange)
	types      map[uint32]map[uint32]model.DataType
}

var (
	_ da.Backend = (*Client)(nil)
	_ da.Dialer  = (*Client)(nil)
)

// NewClient creates an unconnected client.
func NewClient(config ClientConfig) *Client {
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		config:   config,
		logger:   logger,
		protocol: log.OrNoop(config.ProtocolLogger),
		dialer: transport.NewClient(transport.ClientConfig{
			MaxMessageSize: config.MaxMessageSize,
			ConnectTimeout: config.ConnectTimeout,
			Logger:         config.ProtocolLogger,
		}),
		pending:   make(map[uint32]chan *wire.Response),
		observers: make(map[uint32]func(model.DataChange)),
		types:     make(map[uint32]map[uint32]model.DataType),
	}
}

// Dial opens the transport connection to address. An established
// connection is reused.
func (c *Client) Dial(ctx context.Context, address string) error {
	c.mu.RLock()
	live := c.conn != nil
	c.mu.RUnlock()
	if live {
		return nil
	}

	conn, err := c.dialer.Connect(ctx, address)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return status.Wrap(status.CodeTimeout, err)
		}
		return status.Wrap(status.CodeConnectionFailed, err)
	}
	c.Attach(conn)
	return nil
}

// Attach runs the client over an established connection. A connection
// attached while another one is live is closed.
func (c *Client) Attach(conn transport.ClientConnection) {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	q := newEventQueue()
	c.conn = conn
	c.lost = nil
	c.mu.Unlock()

	go c.readLoop(conn, q)
}

// Close drops the connection without a Disconnect request.
func (c *Client) Close() error {
	conn := c.detach(nil)
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// detach forgets the live connection and fails every pending request.
// A non-nil cause makes later calls fail with CodeConnectionLost instead
// of CodeNotConnected.
func (c *Client) detach(cause error) transport.ClientConnection {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lost = cause
	conn := c.conn
	c.conn = nil
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	return conn
}

func (c *Client) readLoop(conn transport.ClientConnection, q *eventQueue) {
	defer q.close()
	for {
		data, err := conn.Receive(0)
		if err != nil {
			c.connectionClosed(conn, q, err)
			return
		}
		c.handleMessage(conn, q, data)
	}
}

func (c *Client) connectionClosed(conn transport.ClientConnection, q *eventQueue, err error) {
	c.mu.RLock()
	current := c.conn == conn
	c.mu.RUnlock()
	if !current {
		// closed locally
		return
	}
	c.detach(err)
	_ = conn.Close()
	c.logger.Warn("connection lost", "conn", conn.ConnID(), "error", err)
	q.push(func() {
		c.mu.RLock()
		fn := c.onShutdown
		c.mu.RUnlock()
		if fn != nil {
			fn("connection lost: " + err.Error())
		}
	})
}

func (c *Client) handleMessage(conn transport.ClientConnection, q *eventQueue, data []byte) {
	id, err := wire.PeekMessageID(data)
	if err != nil {
		c.logError(conn, err, "peek message")
		return
	}

	if id == wire.NotificationMessageID {
		n, err := wire.DecodeNotification(data)
		if err != nil {
			c.logError(conn, err, "decode notification")
			return
		}
		c.logMessage(conn, log.DirectionIn, log.NotificationMessage(n))
		c.dispatchNotification(q, n)
		return
	}

	resp, err := wire.DecodeResponse(data)
	if err != nil {
		c.logError(conn, err, "decode response")
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("response without pending request", "msg_id", id)
		return
	}
	ch <- resp
}

func (c *Client) dispatchNotification(q *eventQueue, n *wire.Notification) {
	switch n.Kind {
	case wire.NotifyDataChange:
		c.mu.RLock()
		fn := c.observers[n.GroupHandle]
		c.mu.RUnlock()
		if fn == nil {
			return
		}
		dc := n.DataChange()
		c.restoreTypes(dc.GroupHandle, dc.Items)
		q.push(func() { fn(dc) })

	case wire.NotifyShutdown:
		reason := n.Reason
		q.push(func() {
			c.mu.RLock()
			fn := c.onShutdown
			c.mu.RUnlock()
			if fn != nil {
				fn(reason)
			}
		})

	default:
		c.logger.Debug("unknown notification", "kind", n.Kind)
	}
}

func (c *Client) nextMessageID() uint32 {
	for {
		if id := c.nextMsgID.Add(1); id != wire.NotificationMessageID {
			return id
		}
	}
}

// sendRequest sends a request and waits for its response.
func (c *Client) sendRequest(ctx context.Context, op wire.Operation, payload any) (*wire.Response, error) {
	id := c.nextMessageID()
	data, err := wire.EncodeRequest(id, op, payload)
	if err != nil {
		return nil, status.Wrap(status.CodeInvalidArgument, err)
	}

	respCh := make(chan *wire.Response, 1)
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		lost := c.lost
		c.mu.Unlock()
		if lost != nil {
			return nil, status.New(status.CodeConnectionLost, "connection lost: %v", lost)
		}
		return nil, status.New(status.CodeNotConnected, "not connected")
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	start := time.Now()
	c.logMessage(conn, log.DirectionOut, log.RequestMessage(&wire.Request{MessageID: id, Operation: op}))

	if err := conn.Send(data); err != nil {
		c.forget(id)
		return nil, status.Wrap(status.CodeConnectionLost, err)
	}

	timer := time.NewTimer(c.config.Timeout)
	defer timer.Stop()

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, status.New(status.CodeConnectionLost, "connection closed during %s", op)
		}
		c.logMessage(conn, log.DirectionIn, log.ResponseMessage(resp, time.Since(start)))
		return resp, nil
	case <-timer.C:
		c.forget(id)
		return nil, status.New(status.CodeTimeout, "%s: no response within %s", op, c.config.Timeout)
	case <-ctx.Done():
		c.forget(id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, status.Wrap(status.CodeTimeout, ctx.Err())
		}
		return nil, status.Wrap(status.CodeInvalidState, ctx.Err())
	}
}

func (c *Client) forget(id uint32) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// call sends a request, maps a non-Good status to an error and decodes
// the response payload into out.
func (c *Client) call(ctx context.Context, op wire.Operation, payload, out any) error {
	resp, err := c.sendRequest(ctx, op, payload)
	if err != nil {
		return err
	}
	if !resp.IsSuccess() {
		return resp.Result().Err()
	}
	if out == nil {
		return nil
	}
	if err := resp.DecodePayload(out); err != nil {
		return status.Wrap(status.CodeInternal, err)
	}
	return nil
}

// Connect implements da.Backend. A failed Connect drops the transport
// connection so the next attempt dials again.
func (c *Client) Connect(ctx context.Context, serverName, clientName string) error {
	err := c.call(ctx, wire.OpConnect, &wire.ConnectPayload{ServerName: serverName, ClientName: clientName}, nil)
	if err != nil {
		_ = c.Close()
		return err
	}
	c.mu.Lock()
	c.serverName = serverName
	c.clientName = clientName
	c.mu.Unlock()
	return nil
}

// Disconnect implements da.Backend. The connection is closed even when
// the request fails. After a connection loss it only forgets the loss.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	live := c.conn != nil
	if !live {
		c.lost = nil
	}
	c.mu.Unlock()
	if !live {
		return nil
	}

	err := c.call(ctx, wire.OpDisconnect, nil, nil)
	closeErr := c.Close()

	c.mu.Lock()
	c.serverName = ""
	c.observers = make(map[uint32]func(model.DataChange))
	c.types = make(map[uint32]map[uint32]model.DataType)
	c.mu.Unlock()

	if err != nil {
		return err
	}
	if closeErr != nil {
		return status.Wrap(status.CodeConnectionLost, closeErr)
	}
	return nil
}

// Status implements da.Backend.
func (c *Client) Status(ctx context.Context) (model.ServerStatus, error) {
	var st model.ServerStatus
	err := c.call(ctx, wire.OpGetStatus, nil, &st)
	return st, err
}

// Browse implements da.Backend.
func (c *Client) Browse(ctx context.Context, position string, filters model.BrowseFilters, continuation string) (model.BrowseResult, error) {
	var res model.BrowseResult
	err := c.call(ctx, wire.OpBrowse, &wire.BrowsePayload{
		Position:          position,
		Filters:           filters,
		ContinuationPoint: continuation,
	}, &res)
	return res, err
}

// Properties implements da.Backend.
func (c *Client) Properties(ctx context.Context, itemID string, ids []model.PropertyID, withValues bool) ([]model.ItemProperty, error) {
	var res wire.PropertiesResponsePayload
	err := c.call(ctx, wire.OpGetProperties, &wire.PropertiesPayload{ItemID: itemID, IDs: ids, WithValues: withValues}, &res)
	return res.Properties, err
}

// AddGroup implements da.Backend.
func (c *Client) AddGroup(ctx context.Context, params model.GroupParams) (model.GroupInfo, error) {
	var info model.GroupInfo
	err := c.call(ctx, wire.OpAddGroup, &params, &info)
	return info, err
}

// RemoveGroup implements da.Backend.
func (c *Client) RemoveGroup(ctx context.Context, group uint32) error {
	err := c.call(ctx, wire.OpRemoveGroup, &wire.GroupPayload{Group: group}, nil)
	c.mu.Lock()
	delete(c.observers, group)
	delete(c.types, group)
	c.mu.Unlock()
	return err
}

// SetGroupState implements da.Backend.
func (c *Client) SetGroupState(ctx context.Context, group uint32, upd model.GroupUpdate) (model.GroupInfo, error) {
	var info model.GroupInfo
	err := c.call(ctx, wire.OpSetGroupState, &wire.SetGroupStatePayload{Group: group, Update: upd}, &info)
	return info, err
}

// AddItems implements da.Backend.
func (c *Client) AddItems(ctx context.Context, group uint32, defs []model.ItemDefinition) ([]model.ItemResult, error) {
	var res wire.AddItemsResponsePayload
	if err := c.call(ctx, wire.OpAddItems, &wire.AddItemsPayload{Group: group, Items: defs}, &res); err != nil {
		return nil, err
	}

	c.mu.Lock()
	types := c.types[group]
	if types == nil {
		types = make(map[uint32]model.DataType)
		c.types[group] = types
	}
	for i, r := range res.Results {
		if i >= len(defs) || r.Result.IsBad() {
			continue
		}
		t := defs[i].RequestedDataType
		if t == model.DataTypeEmpty {
			t = r.CanonicalType
		}
		types[r.ServerHandle] = t
	}
	c.mu.Unlock()
	return res.Results, nil
}

// RemoveItems implements da.Backend.
func (c *Client) RemoveItems(ctx context.Context, group uint32, handles []uint32) ([]status.Result, error) {
	var res wire.ResultsPayload
	if err := c.call(ctx, wire.OpRemoveItems, &wire.HandlesPayload{Group: group, Handles: handles}, &res); err != nil {
		return nil, err
	}
	c.mu.Lock()
	for i, r := range res.Results {
		if i < len(handles) && r.IsGood() {
			delete(c.types[group], handles[i])
		}
	}
	c.mu.Unlock()
	return res.Results, nil
}

// Read implements da.Backend.
func (c *Client) Read(ctx context.Context, group uint32, handles []uint32, source model.DataSource) ([]model.ItemState, error) {
	var res wire.ReadResponsePayload
	if err := c.call(ctx, wire.OpRead, &wire.ReadPayload{Group: group, Handles: handles, Source: source}, &res); err != nil {
		return nil, err
	}
	c.restoreTypes(group, res.Items)
	return res.Items, nil
}

// Write implements da.Backend.
func (c *Client) Write(ctx context.Context, group uint32, values []model.ItemValue) ([]status.Result, error) {
	var res wire.ResultsPayload
	err := c.call(ctx, wire.OpWrite, &wire.WritePayload{Group: group, Values: values}, &res)
	return res.Results, err
}

// Subscribe implements da.Backend. The observer is registered before the
// request goes out because the priming report precedes the response.
func (c *Client) Subscribe(ctx context.Context, group uint32, fn func(model.DataChange)) error {
	c.mu.Lock()
	c.observers[group] = fn
	c.mu.Unlock()

	if err := c.call(ctx, wire.OpSubscribe, &wire.GroupPayload{Group: group}, nil); err != nil {
		c.mu.Lock()
		delete(c.observers, group)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe implements da.Backend.
func (c *Client) Unsubscribe(ctx context.Context, group uint32) error {
	c.mu.Lock()
	delete(c.observers, group)
	c.mu.Unlock()
	return c.call(ctx, wire.OpUnsubscribe, &wire.GroupPayload{Group: group}, nil)
}

// Refresh implements da.Backend.
func (c *Client) Refresh(ctx context.Context, group uint32, source model.DataSource) error {
	return c.call(ctx, wire.OpRefresh, &wire.RefreshPayload{Group: group, Source: source}, nil)
}

// OnShutdown implements da.Backend. The handler also runs when the
// connection drops.
func (c *Client) OnShutdown(fn func(reason string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onShutdown = fn
}

// restoreTypes converts decoded values back to the type each item is
// served with. CBOR decodes integers into int64 or uint64 and floats
// into float64.
func (c *Client) restoreTypes(group uint32, items []model.ItemState) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := c.types[group]
	for i := range items {
		if items[i].Value == nil {
			continue
		}
		t, ok := types[items[i].ServerHandle]
		if !ok {
			continue
		}
		if v, err := t.Coerce(items[i].Value); err == nil {
			items[i].Value = v
		}
	}
}

func (c *Client) logMessage(conn transport.ClientConnection, dir log.Direction, msg *log.MessageEvent) {
	c.mu.RLock()
	serverName, clientName := c.serverName, c.clientName
	c.mu.RUnlock()
	c.protocol.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: conn.ConnID(),
		Direction:    dir,
		Layer:        log.LayerWire,
		Category:     log.CategoryMessage,
		LocalRole:    log.RoleClient,
		RemoteAddr:   addrString(conn),
		ServerName:   serverName,
		ClientName:   clientName,
		Message:      msg,
	})
}

func (c *Client) logError(conn transport.ClientConnection, err error, what string) {
	c.logger.Warn(what, "conn", conn.ConnID(), "error", err)
	c.protocol.Log(log.Event{
		Timestamp:    time.Now(),
		ConnectionID: conn.ConnID(),
		Layer:        log.LayerWire,
		Category:     log.CategoryError,
		LocalRole:    log.RoleClient,
		RemoteAddr:   addrString(conn),
		Error:        &log.ErrorEventData{Layer: log.LayerWire, Message: err.Error(), Context: what},
	})
}

func addrString(conn transport.ClientConnection) string {
	if a := conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}
