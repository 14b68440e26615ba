package simulation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/persistence"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// ---------------------------------------------------------------------------
// stubRegisterConn
// ---------------------------------------------------------------------------

type stubRegisterConn struct {
	mock.Mock
}

func (c *stubRegisterConn) ReadHoldingRegisters(unitID uint8, addr, qty uint16) ([]uint16, error) {
	ret := c.Called(unitID, addr, qty)
	var regs []uint16
	if ret.Get(0) != nil {
		regs = ret.Get(0).([]uint16)
	}
	return regs, ret.Error(1)
}

func (c *stubRegisterConn) WriteRegisters(unitID uint8, addr uint16, regs []uint16) error {
	return c.Called(unitID, addr, regs).Error(0)
}

func (c *stubRegisterConn) Close() error { return c.Called().Error(0) }

func dialerFor(conn RegisterConn, err error) ModbusDialer {
	return func(string, time.Duration) (RegisterConn, error) {
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

func variable(t *testing.T, sim *Simulator, progID, itemID string) *model.Variable {
	t.Helper()
	inst, err := sim.Registry().Lookup(progID)
	require.NoError(t, err)
	v, err := inst.Namespace().Variable(itemID)
	require.NoError(t, err)
	return v
}

// runSim runs the simulator until the test ends.
func runSim(t *testing.T, sim *Simulator) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// ---------------------------------------------------------------------------
// config
// ---------------------------------------------------------------------------

const sampleConfig = `
servers:
  - prog_id: Plant.Sim.1
    vendor: Plant simulation
    major: 2
    items:
      - id: Line1.Speed
        type: float32
        signal: sine
        min: 0
        max: 1500
        period: 30s
        rate: 250ms
        eu_units: rpm
      - id: Line1.Setpoint
        type: int32
        access: rw
        signal: modbus
        endpoint: 10.0.0.12:502
        unit_id: 1
        register: 100
      - id: Line1.Name
        type: string
        access: rw
        initial: extruder
`

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 1)

	s := cfg.Servers[0]
	assert.Equal(t, "Plant.Sim.1", s.ProgID)
	assert.Equal(t, "Plant simulation", s.VendorInfo)
	assert.Equal(t, uint16(2), s.MajorVersion)
	require.Len(t, s.Items, 3)

	speed := s.Items[0]
	assert.Equal(t, model.DataTypeFloat32, speed.Type)
	assert.Equal(t, SignalSine, speed.Signal)
	assert.Equal(t, 30*time.Second, speed.Period)
	assert.Equal(t, 250*time.Millisecond, speed.Rate)
	assert.Equal(t, "rpm", speed.EUUnits)
	assert.Equal(t, model.AccessRights(0), speed.Access)

	setpoint := s.Items[1]
	assert.Equal(t, model.AccessReadWrite, setpoint.Access)
	assert.Equal(t, "10.0.0.12:502", setpoint.Endpoint)
	assert.Equal(t, uint8(1), setpoint.UnitID)
	assert.Equal(t, uint16(100), setpoint.Register)

	assert.Equal(t, "extruder", s.Items[2].Initial)
	assert.Equal(t, SignalStatic, s.Items[2].signal())
}

func TestParseConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"empty", ``},
		{"unknown field", "servers:\n  - prog_id: A\n    colour: red\n"},
		{"missing prog id", "servers:\n  - vendor: x\n"},
		{"duplicate prog id", "servers:\n  - prog_id: A\n  - prog_id: A\n"},
		{"missing type", "servers:\n  - prog_id: A\n    items:\n      - id: X\n"},
		{"unknown type", "servers:\n  - prog_id: A\n    items:\n      - id: X\n        type: decimal\n"},
		{"unknown signal", "servers:\n  - prog_id: A\n    items:\n      - id: X\n        type: int16\n        signal: noise\n"},
		{"min above max", "servers:\n  - prog_id: A\n    items:\n      - id: X\n        type: int16\n        min: 5\n        max: 1\n"},
		{"wave on string", "servers:\n  - prog_id: A\n    items:\n      - id: X\n        type: string\n        signal: ramp\n"},
		{"modbus without endpoint", "servers:\n  - prog_id: A\n    items:\n      - id: X\n        type: int16\n        signal: modbus\n"},
		{"modbus string", "servers:\n  - prog_id: A\n    items:\n      - id: X\n        type: string\n        signal: modbus\n        endpoint: h:502\n"},
		{"duplicate item", "servers:\n  - prog_id: A\n    items:\n      - id: X\n        type: int16\n      - id: X\n        type: int32\n"},
		{"bad item id", "servers:\n  - prog_id: A\n    items:\n      - id: \" X\"\n        type: int16\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefaultConfigRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	data, err := cfg.Marshal()
	require.NoError(t, err)
	parsed, err := ParseConfig(data)
	require.NoError(t, err)
	require.Len(t, parsed.Servers, 1)
	assert.Equal(t, DefaultProgID, parsed.Servers[0].ProgID)
	assert.Len(t, parsed.Servers[0].Items, len(cfg.Servers[0].Items))
}

// ---------------------------------------------------------------------------
// signals
// ---------------------------------------------------------------------------

func TestWaveLevels(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(sig Signal, frac float64) float64 {
		item := ItemConfig{ID: "X", Type: model.DataTypeFloat64, Signal: sig, Min: 0, Max: 100, Period: 10 * time.Second}
		g := newGenerator(item, nil, start, 1)
		v := g.sample(start.Add(time.Duration(frac * float64(10*time.Second))))
		return v.(float64)
	}

	assert.InDelta(t, 25, at(SignalRamp, 0.25), 1e-9)
	assert.InDelta(t, 0, at(SignalRamp, 1), 1e-9)
	assert.InDelta(t, 100, at(SignalSine, 0.25), 1e-9)
	assert.InDelta(t, 0, at(SignalSine, 0.75), 1e-9)
	assert.InDelta(t, 100, at(SignalSquare, 0.25), 1e-9)
	assert.InDelta(t, 0, at(SignalSquare, 0.75), 1e-9)
	assert.InDelta(t, 50, at(SignalTriangle, 0.25), 1e-9)
	assert.InDelta(t, 100, at(SignalTriangle, 0.5), 1e-9)
	assert.InDelta(t, 50, at(SignalTriangle, 0.75), 1e-9)
}

func TestShapeFitsItemType(t *testing.T) {
	tests := []struct {
		dt   model.DataType
		x    float64
		lo   float64
		hi   float64
		want any
	}{
		{model.DataTypeInt16, 33.4, 0, 100, int16(33)},
		{model.DataTypeInt8, -300, -1000, 1000, int8(-128)},
		{model.DataTypeUint8, -5, -10, 10, uint8(0)},
		{model.DataTypeUint16, 70000, 0, 100000, uint16(65535)},
		{model.DataTypeFloat32, 1.5, 0, 2, float32(1.5)},
		{model.DataTypeBool, 0.7, 0, 1, true},
		{model.DataTypeBool, 0.2, 0, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.dt.String(), func(t *testing.T) {
			got, err := tt.dt.Coerce(shape(tt.dt, tt.x, tt.lo, tt.hi))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRandomStaysInBounds(t *testing.T) {
	start := time.Now()
	g := newGenerator(ItemConfig{ID: "X", Type: model.DataTypeInt32, Signal: SignalRandom, Min: -5, Max: 5}, nil, start, 7)
	for i := range 200 {
		v := g.sample(start.Add(time.Duration(i) * time.Second))
		n, ok := model.ToFloat64(v)
		require.True(t, ok)
		assert.GreaterOrEqual(t, n, -5.0)
		assert.LessOrEqual(t, n, 5.0)
	}

	for _, dt := range []model.DataType{model.DataTypeBool, model.DataTypeString, model.DataTypeDateTime} {
		g := newGenerator(ItemConfig{ID: "X", Type: dt, Signal: SignalRandom}, nil, start, 7)
		_, err := dt.Coerce(g.sample(start))
		assert.NoError(t, err, dt.String())
	}
}

func TestGeneratorSchedule(t *testing.T) {
	start := time.Now()
	g := newGenerator(ItemConfig{ID: "X", Type: model.DataTypeInt16, Signal: SignalRamp, Rate: time.Second}, nil, start, 1)

	assert.True(t, g.due(start))
	g.sample(start)
	assert.False(t, g.due(start.Add(500*time.Millisecond)))
	assert.True(t, g.due(start.Add(time.Second)))

	// A long stall does not replay missed samples.
	late := start.Add(time.Minute)
	g.sample(late)
	assert.False(t, g.due(late.Add(500*time.Millisecond)))
}

// ---------------------------------------------------------------------------
// simulator
// ---------------------------------------------------------------------------

func TestSimulatorBuildsDefaultNamespace(t *testing.T) {
	sim, err := New(DefaultConfig())
	require.NoError(t, err)

	inst, err := sim.Registry().Lookup(DefaultProgID)
	require.NoError(t, err)
	ns := inst.Namespace()

	random := variable(t, sim, DefaultProgID, "Random.Int4")
	assert.Equal(t, model.DataTypeInt32, random.Type())
	assert.False(t, random.Access().CanWrite())

	bucket := variable(t, sim, DefaultProgID, "Bucket Brigade.Real8")
	assert.True(t, bucket.Access().CanWrite())

	wo := variable(t, sim, DefaultProgID, "Write Only.Int2")
	assert.False(t, wo.Access().CanRead())

	temp := variable(t, sim, DefaultProgID, "Simulation Items.Temperature")
	assert.Equal(t, 21.5, temp.State().Value)
	assert.Equal(t, "degC", temp.Metadata().EUUnits)

	_, err = ns.Children("Saw-toothed Waves")
	assert.NoError(t, err)

	updated := sim.Step(time.Now())
	assert.Greater(t, updated, 0)
}

func TestSimulatorRejectsDuplicateRegistration(t *testing.T) {
	first, err := New(DefaultConfig())
	require.NoError(t, err)

	_, err = New(DefaultConfig(), WithRegistry(first.Registry()))
	assert.Error(t, err)
	// The registry still holds the first server.
	_, err = first.Registry().Lookup(DefaultProgID)
	assert.NoError(t, err)
}

func TestSimulatorRunUpdatesValues(t *testing.T) {
	cfg := &Config{Servers: []ServerConfig{{
		Items: []ItemConfig{{ID: "Ramp", Type: model.DataTypeFloat64, Signal: SignalRamp, Min: 0, Max: 1, Period: time.Second, Rate: 10 * time.Millisecond}},
	}}}
	cfg.Servers[0].ProgID = "Ramp.Sim"
	sim, err := New(cfg, WithTick(5*time.Millisecond))
	require.NoError(t, err)

	v := variable(t, sim, "Ramp.Sim", "Ramp")
	changes := make(chan any, 64)
	inst, _ := sim.Registry().Lookup("Ramp.Sim")
	inst.Namespace().Subscribe(func(_ *model.Variable, st model.ValueState) {
		select {
		case changes <- st.Value:
		default:
		}
	})
	runSim(t, sim)

	require.Eventually(t, func() bool { return len(changes) >= 3 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, v.State().Quality.IsGood())
}

func TestSimulatorRunTwice(t *testing.T) {
	sim, err := New(DefaultConfig())
	require.NoError(t, err)
	runSim(t, sim)

	require.Eventually(t, func() bool {
		sim.mu.Lock()
		defer sim.mu.Unlock()
		return sim.running
	}, time.Second, 5*time.Millisecond)
	assert.Error(t, sim.Run(context.Background()))
}

func TestSimulatorPersistsWritableValues(t *testing.T) {
	store := persistence.NewValueStore(filepath.Join(t.TempDir(), "values.json"))

	sim, err := New(DefaultConfig(), WithStore(store, 0))
	require.NoError(t, err)
	require.NoError(t, variable(t, sim, DefaultProgID, "Bucket Brigade.Int2").Write(int16(1234)))
	require.NoError(t, variable(t, sim, DefaultProgID, "Bucket Brigade.String").Write("persisted"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	restarted, err := New(DefaultConfig(), WithStore(store, 0))
	require.NoError(t, err)
	assert.Equal(t, int16(1234), variable(t, restarted, DefaultProgID, "Bucket Brigade.Int2").State().Value)
	assert.Equal(t, "persisted", variable(t, restarted, DefaultProgID, "Bucket Brigade.String").State().Value)
}

func TestSimulatorShutdownSuspendsServers(t *testing.T) {
	sim, err := New(DefaultConfig())
	require.NoError(t, err)
	sim.Shutdown("stopping")
	assert.Equal(t, model.ServerSuspended, sim.Instances()[0].State())
}

// ---------------------------------------------------------------------------
// modbus
// ---------------------------------------------------------------------------

func TestRegisterEncoding(t *testing.T) {
	tests := []struct {
		dt    model.DataType
		value any
		regs  []uint16
	}{
		{model.DataTypeInt16, int16(-2), []uint16{0xFFFE}},
		{model.DataTypeUint16, uint16(513), []uint16{0x0201}},
		{model.DataTypeBool, true, []uint16{1}},
		{model.DataTypeInt32, int32(-1), []uint16{0xFFFF, 0xFFFF}},
		{model.DataTypeUint32, uint32(0x00010002), []uint16{0x0001, 0x0002}},
		{model.DataTypeFloat32, float32(1.5), []uint16{0x3FC0, 0x0000}},
		{model.DataTypeFloat64, 1.0, []uint16{0x3FF0, 0, 0, 0}},
		{model.DataTypeInt64, int64(-3), []uint16{0xFFFF, 0xFFFF, 0xFFFF, 0xFFFD}},
	}
	for _, tt := range tests {
		t.Run(tt.dt.String(), func(t *testing.T) {
			regs, err := encodeRegisters(tt.dt, tt.value)
			require.NoError(t, err)
			assert.Equal(t, tt.regs, regs)

			v, err := decodeRegisters(tt.dt, regs)
			require.NoError(t, err)
			assert.Equal(t, tt.value, v)
		})
	}

	_, err := decodeRegisters(model.DataTypeInt32, []uint16{1})
	assert.Error(t, err)
	_, err = encodeRegisters(model.DataTypeString, "x")
	assert.Error(t, err)
}

func TestPackRegisters(t *testing.T) {
	data := packRegisters([]uint16{0x0102, 0xA0B0})
	assert.Equal(t, []byte{0x01, 0x02, 0xA0, 0xB0}, data)
	assert.Equal(t, []uint16{0x0102, 0xA0B0}, unpackRegisters(data))
}

func modbusConfig() *Config {
	cfg := &Config{Servers: []ServerConfig{{
		Items: []ItemConfig{
			{ID: "PLC.Setpoint", Type: model.DataTypeInt32, Access: model.AccessReadWrite, Signal: SignalModbus,
				Endpoint: "plc:502", UnitID: 1, Register: 100, Rate: 20 * time.Millisecond},
			{ID: "PLC.Level", Type: model.DataTypeUint16, Signal: SignalModbus,
				Endpoint: "plc:502", UnitID: 2, Register: 7, Rate: 20 * time.Millisecond},
		},
	}}}
	cfg.Servers[0].ProgID = "PLC.Sim"
	return cfg
}

func TestModbusPollAndWriteBack(t *testing.T) {
	conn := &stubRegisterConn{}
	conn.On("ReadHoldingRegisters", uint8(1), uint16(100), uint16(2)).Return([]uint16{0, 42}, nil)
	conn.On("ReadHoldingRegisters", uint8(2), uint16(7), uint16(1)).Return([]uint16{900}, nil)
	written := make(chan []uint16, 4)
	conn.On("WriteRegisters", uint8(1), uint16(100), mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		written <- args.Get(2).([]uint16)
	})
	conn.On("Close").Return(nil).Maybe()

	sim, err := New(modbusConfig(), WithTick(5*time.Millisecond), WithModbusDialer(dialerFor(conn, nil)))
	require.NoError(t, err)

	setpoint := variable(t, sim, "PLC.Sim", "PLC.Setpoint")
	level := variable(t, sim, "PLC.Sim", "PLC.Level")
	assert.Equal(t, status.QualityWaitingForInitialData, setpoint.State().Quality)

	runSim(t, sim)

	require.Eventually(t, func() bool {
		st := setpoint.State()
		return st.Value == any(int32(42)) && st.Quality.IsGood()
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return level.State().Value == any(uint16(900)) }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, setpoint.Write(int32(70000)))
	select {
	case regs := <-written:
		assert.Equal(t, []uint16{0x0001, 0x1170}, regs)
	case <-time.After(2 * time.Second):
		t.Fatal("no write-back")
	}

	// Read-only items are never written back.
	require.NoError(t, level.Update(uint16(1), status.QualityGood, time.Now()))
	conn.AssertNotCalled(t, "WriteRegisters", uint8(2), mock.Anything, mock.Anything)
}

func TestModbusConnectFailureMarksCommFailure(t *testing.T) {
	sim, err := New(modbusConfig(), WithTick(5*time.Millisecond), WithModbusDialer(dialerFor(nil, errors.New("connection refused"))))
	require.NoError(t, err)
	setpoint := variable(t, sim, "PLC.Sim", "PLC.Setpoint")
	runSim(t, sim)

	require.Eventually(t, func() bool {
		return setpoint.State().Quality == status.QualityCommFailure
	}, 2*time.Second, 5*time.Millisecond)
}

func TestModbusReadFailureReconnects(t *testing.T) {
	conn := &stubRegisterConn{}
	conn.On("ReadHoldingRegisters", uint8(1), uint16(100), uint16(2)).Return(nil, errors.New("timeout")).Once()
	conn.On("ReadHoldingRegisters", uint8(1), uint16(100), uint16(2)).Return([]uint16{0, 5}, nil)
	conn.On("ReadHoldingRegisters", uint8(2), uint16(7), uint16(1)).Return([]uint16{1}, nil)
	conn.On("Close").Return(nil)

	sim, err := New(modbusConfig(), WithTick(5*time.Millisecond), WithModbusDialer(dialerFor(conn, nil)))
	require.NoError(t, err)
	setpoint := variable(t, sim, "PLC.Sim", "PLC.Setpoint")
	runSim(t, sim)

	require.Eventually(t, func() bool {
		return setpoint.State().Value == any(int32(5))
	}, 5*time.Second, 10*time.Millisecond)
	conn.AssertCalled(t, "Close")
}
