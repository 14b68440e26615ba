package simulation

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/opc-classic/opcda-go/pkg/connection"
	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// RegisterConn is a connection to a Modbus device serving holding registers.
type RegisterConn interface {
	ReadHoldingRegisters(unitID uint8, addr, qty uint16) ([]uint16, error)
	WriteRegisters(unitID uint8, addr uint16, regs []uint16) error
	Close() error
}

// ModbusDialer opens a RegisterConn to a Modbus TCP endpoint.
type ModbusDialer func(endpoint string, timeout time.Duration) (RegisterConn, error)

// endpointClient is a single TCP connection to one Modbus endpoint.
// It serializes requests because it mutates SlaveId per request.
type endpointClient struct {
	mu      sync.Mutex
	handler *modbus.TCPClientHandler
	client  modbus.Client
}

// DialModbus connects to a Modbus TCP endpoint.
func DialModbus(endpoint string, timeout time.Duration) (RegisterConn, error) {
	if endpoint == "" {
		return nil, errors.New("modbus: endpoint required")
	}
	h := modbus.NewTCPClientHandler(endpoint)
	h.Timeout = timeout
	if err := h.Connect(); err != nil {
		return nil, err
	}
	return &endpointClient{handler: h, client: modbus.NewClient(h)}, nil
}

func (c *endpointClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handler.Close()
}

func (c *endpointClient) ReadHoldingRegisters(unitID uint8, addr, qty uint16) ([]uint16, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handler.SlaveId = unitID
	data, err := c.client.ReadHoldingRegisters(addr, qty)
	if err != nil {
		return nil, err
	}
	if len(data) != int(qty)*2 {
		return nil, fmt.Errorf("modbus: got %d bytes for %d registers", len(data), qty)
	}
	return unpackRegisters(data), nil
}

func (c *endpointClient) WriteRegisters(unitID uint8, addr uint16, regs []uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.handler.SlaveId = unitID
	var err error
	if len(regs) == 1 {
		_, err = c.client.WriteSingleRegister(addr, regs[0])
	} else {
		_, err = c.client.WriteMultipleRegisters(addr, uint16(len(regs)), packRegisters(regs))
	}
	return err
}

func packRegisters(regs []uint16) []byte {
	out := make([]byte, len(regs)*2)
	for i, r := range regs {
		binary.BigEndian.PutUint16(out[2*i:], r)
	}
	return out
}

func unpackRegisters(data []byte) []uint16 {
	out := make([]uint16, len(data)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(data[2*i:])
	}
	return out
}

// registerCount returns the number of holding registers a type occupies,
// or 0 if the type cannot be mapped.
func registerCount(dt model.DataType) int {
	switch dt {
	case model.DataTypeBool, model.DataTypeInt8, model.DataTypeUint8,
		model.DataTypeInt16, model.DataTypeUint16:
		return 1
	case model.DataTypeInt32, model.DataTypeUint32, model.DataTypeFloat32:
		return 2
	case model.DataTypeInt64, model.DataTypeUint64, model.DataTypeFloat64:
		return 4
	}
	return 0
}

// decodeRegisters converts big-endian registers (high word first) into a
// value of the item type.
func decodeRegisters(dt model.DataType, regs []uint16) (any, error) {
	if n := registerCount(dt); n == 0 || len(regs) != n {
		return nil, fmt.Errorf("modbus: %d registers for %s", len(regs), dt)
	}
	var raw uint64
	for _, r := range regs {
		raw = raw<<16 | uint64(r)
	}
	switch dt {
	case model.DataTypeBool:
		return raw != 0, nil
	case model.DataTypeInt8:
		return int8(raw), nil
	case model.DataTypeUint8:
		return uint8(raw), nil
	case model.DataTypeInt16:
		return int16(raw), nil
	case model.DataTypeUint16:
		return uint16(raw), nil
	case model.DataTypeInt32:
		return int32(raw), nil
	case model.DataTypeUint32:
		return uint32(raw), nil
	case model.DataTypeFloat32:
		return math.Float32frombits(uint32(raw)), nil
	case model.DataTypeInt64:
		return int64(raw), nil
	case model.DataTypeUint64:
		return raw, nil
	default:
		return math.Float64frombits(raw), nil
	}
}

// encodeRegisters is the inverse of decodeRegisters.
func encodeRegisters(dt model.DataType, v any) ([]uint16, error) {
	cv, err := dt.Coerce(v)
	if err != nil {
		return nil, err
	}
	var raw uint64
	switch x := cv.(type) {
	case bool:
		if x {
			raw = 1
		}
	case int8:
		raw = uint64(uint16(x))
	case uint8:
		raw = uint64(x)
	case int16:
		raw = uint64(uint16(x))
	case uint16:
		raw = uint64(x)
	case int32:
		raw = uint64(uint32(x))
	case uint32:
		raw = uint64(x)
	case float32:
		raw = uint64(math.Float32bits(x))
	case int64:
		raw = uint64(x)
	case uint64:
		raw = x
	case float64:
		raw = math.Float64bits(x)
	default:
		return nil, fmt.Errorf("modbus: cannot encode %s", dt)
	}
	n := registerCount(dt)
	regs := make([]uint16, n)
	for i := n - 1; i >= 0; i-- {
		regs[i] = uint16(raw)
		raw >>= 16
	}
	return regs, nil
}

// modbusItem is an item mirrored from holding registers.
type modbusItem struct {
	cfg      ItemConfig
	variable *model.Variable
	next     time.Time

	mu     sync.Mutex
	synced any // last value read from or written to the device
}

// fromDevice reports whether value is the one last exchanged with the device.
func (m *modbusItem) fromDevice(value any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.synced != nil && model.EqualValue(m.synced, value)
}

func (m *modbusItem) setSynced(value any) {
	m.mu.Lock()
	m.synced = value
	m.mu.Unlock()
}

type modbusWrite struct {
	item  *modbusItem
	value any
}

// modbusEndpoint polls and writes all items of one device endpoint from a
// single goroutine.
type modbusEndpoint struct {
	address string
	timeout time.Duration
	dial    ModbusDialer
	logger  *slog.Logger
	items   []*modbusItem
	writes  chan modbusWrite

	conn    RegisterConn
	backoff *connection.Backoff
	retryAt time.Time
}

func newModbusEndpoint(address string, dial ModbusDialer, logger *slog.Logger) *modbusEndpoint {
	return &modbusEndpoint{
		address: address,
		timeout: DefaultModbusTimeout,
		dial:    dial,
		logger:  logger.With("endpoint", address),
		writes:  make(chan modbusWrite, 64),
		backoff: connection.NewBackoffWithConfig(connection.BackoffConfig{
			Initial: 500 * time.Millisecond,
			Max:     30 * time.Second,
			Jitter:  connection.JitterFactor,
		}),
	}
}

func (e *modbusEndpoint) add(item *modbusItem) {
	if item.cfg.Timeout > e.timeout {
		e.timeout = item.cfg.Timeout
	}
	e.items = append(e.items, item)
}

// enqueue schedules a write without blocking the caller.
func (e *modbusEndpoint) enqueue(item *modbusItem, value any) {
	select {
	case e.writes <- modbusWrite{item: item, value: value}:
	default:
		e.logger.Warn("modbus write queue full, dropping write", "item", item.cfg.ID)
	}
}

func (e *modbusEndpoint) run(ctx context.Context, tick time.Duration) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	defer e.disconnect()

	e.poll(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-e.writes:
			e.write(w, time.Now())
		case now := <-ticker.C:
			e.poll(now)
		}
	}
}

// connect returns the current connection, dialing if needed. Failed dials
// are retried after an exponential backoff.
func (e *modbusEndpoint) connect(now time.Time) (RegisterConn, error) {
	if e.conn != nil {
		return e.conn, nil
	}
	if now.Before(e.retryAt) {
		return nil, fmt.Errorf("modbus %s: waiting to reconnect", e.address)
	}
	conn, err := e.dial(e.address, e.timeout)
	if err != nil {
		e.retryAt = now.Add(e.backoff.Next())
		e.logger.Warn("modbus connect failed", "error", err, "attempt", e.backoff.Attempts())
		return nil, err
	}
	e.backoff.Reset()
	e.conn = conn
	e.logger.Info("modbus connected")
	return conn, nil
}

// fail drops the connection so the next request redials.
func (e *modbusEndpoint) fail(now time.Time) {
	e.disconnect()
	e.retryAt = now.Add(e.backoff.Next())
}

func (e *modbusEndpoint) disconnect() {
	if e.conn != nil {
		_ = e.conn.Close()
		e.conn = nil
	}
}

func (e *modbusEndpoint) poll(now time.Time) {
	for _, item := range e.items {
		if now.Before(item.next) {
			continue
		}
		item.next = now.Add(item.cfg.rate())

		conn, err := e.connect(now)
		if err != nil {
			item.variable.SetQuality(status.QualityCommFailure)
			continue
		}
		regs, err := conn.ReadHoldingRegisters(item.cfg.UnitID, item.cfg.Register, uint16(registerCount(item.cfg.Type)))
		if err != nil {
			e.logger.Warn("modbus read failed", "item", item.cfg.ID, "error", err)
			item.variable.SetQuality(status.QualityCommFailure)
			e.fail(now)
			continue
		}
		value, err := decodeRegisters(item.cfg.Type, regs)
		if err != nil {
			item.variable.SetQuality(status.QualityConfigError)
			continue
		}
		cv, err := item.cfg.Type.Coerce(value)
		if err != nil {
			item.variable.SetQuality(status.QualityConfigError)
			continue
		}
		item.setSynced(cv)
		_ = item.variable.Update(cv, status.QualityGood, now)
	}
}

func (e *modbusEndpoint) write(w modbusWrite, now time.Time) {
	regs, err := encodeRegisters(w.item.cfg.Type, w.value)
	if err != nil {
		e.logger.Warn("modbus encode failed", "item", w.item.cfg.ID, "error", err)
		return
	}
	conn, err := e.connect(now)
	if err != nil {
		w.item.variable.SetQuality(status.QualityCommFailure)
		return
	}
	if err := conn.WriteRegisters(w.item.cfg.UnitID, w.item.cfg.Register, regs); err != nil {
		e.logger.Warn("modbus write failed", "item", w.item.cfg.ID, "error", err)
		w.item.variable.SetQuality(status.QualityCommFailure)
		e.fail(now)
		return
	}
	w.item.setSynced(w.value)
	e.logger.Debug("modbus write", "item", w.item.cfg.ID, "register", w.item.cfg.Register, "count", len(regs))
}
