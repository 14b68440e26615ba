package main

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opc-classic/opcda-go/pkg/connection"
	"github.com/opc-classic/opcda-go/pkg/da"
	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/server"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// ---------------------------------------------------------------------------
// fixtures
// ---------------------------------------------------------------------------

const bridgeServer = "Bridge.Test"

type plant struct {
	registry *server.Registry
	instance *server.Instance
	sessions atomic.Int32
}

func newPlant(t *testing.T) *plant {
	t.Helper()
	ns := model.NewNamespace("")
	for _, meta := range []model.VariableMetadata{
		{ID: "Plant.Speed", Type: model.DataTypeFloat64, Access: model.AccessReadWrite, Initial: 1.5},
		{ID: "Plant.Count", Type: model.DataTypeUint32, Initial: 3},
		{ID: "Other.Level", Type: model.DataTypeInt16, Initial: 9},
	} {
		_, err := ns.AddItem(meta)
		require.NoError(t, err)
	}
	reg := server.NewRegistry()
	inst, err := reg.Register(server.Info{ProgID: bridgeServer}, ns)
	require.NoError(t, err)
	return &plant{registry: reg, instance: inst}
}

func (p *plant) backend() da.Backend {
	p.sessions.Add(1)
	return server.NewSession(p.registry, server.WithTick(5*time.Millisecond))
}

func bridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		Server:     bridgeServer,
		Host:       "localhost",
		ClientName: "bridge-test",
		Group:      GroupConfig{Name: "bridge", UpdateRate: 10 * time.Millisecond},
		Reconnect:  connection.BackoffConfig{Initial: 5 * time.Millisecond, Max: 10 * time.Millisecond},
	}
}

// changeLog records the latest value per item.
type changeLog struct {
	mu     sync.Mutex
	latest map[string]any
	server string
}

func newChangeLog() *changeLog { return &changeLog{latest: make(map[string]any)} }

func (c *changeLog) DataChange(g *da.Group, changes []da.ItemChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.server = g.Server().Name()
	for _, ch := range changes {
		c.latest[ch.Item.Name()] = ch.Value
	}
}

func (c *changeLog) value(id string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.latest[id]
	return v, ok
}

func (c *changeLog) items() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for id := range c.latest {
		ids = append(ids, id)
	}
	return ids
}

func runBridge(t *testing.T, b *Bridge) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

// ---------------------------------------------------------------------------
// config
// ---------------------------------------------------------------------------

func TestParseBridgeConfig(t *testing.T) {
	cfg, err := ParseBridgeConfig([]byte(`
server: Matrikon.OPC.Simulation.1
items: [Random.Int4]
branches: [Simulation Items]
group:
  update_rate: 250ms
  deadband: 2.5
reconnect:
  initial: 2s
publish:
  valkey:
    address: localhost:6379
    key_ttl: 1m
`))
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Host)
	assert.Equal(t, "opcda-bridge", cfg.ClientName)
	assert.Equal(t, "bridge", cfg.Group.Name)
	assert.Equal(t, 250*time.Millisecond, cfg.Group.UpdateRate)
	assert.Equal(t, float32(2.5), cfg.Group.Deadband)
	assert.Equal(t, 2*time.Second, cfg.Reconnect.Initial)
	assert.Equal(t, time.Minute, cfg.Reconnect.Max)
	assert.Equal(t, []string{"Simulation Items"}, cfg.Branches)
	require.NotNil(t, cfg.Publish.Valkey)
	assert.Equal(t, time.Minute, cfg.Publish.Valkey.KeyTTL)
	assert.Nil(t, cfg.Publish.MQTT)
}

func TestParseBridgeConfigRejects(t *testing.T) {
	tests := map[string]string{
		"no server":     "items: [A]\npublish: {mqtt: {broker: tcp://x:1883}}\n",
		"no items":      "server: S\npublish: {mqtt: {broker: tcp://x:1883}}\n",
		"no sinks":      "server: S\nitems: [A]\n",
		"bad deadband":  "server: S\nitems: [A]\ngroup: {deadband: 101}\npublish: {mqtt: {broker: tcp://x:1883}}\n",
		"unknown field": "server: S\nitems: [A]\nsinks: []\npublish: {mqtt: {broker: tcp://x:1883}}\n",
		"empty":         "",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseBridgeConfig([]byte(doc))
			assert.Error(t, err)
		})
	}
}

// ---------------------------------------------------------------------------
// bridge
// ---------------------------------------------------------------------------

func TestBridgeForwardsItemsAndBranches(t *testing.T) {
	p := newPlant(t)
	cfg := bridgeConfig()
	cfg.Items = []string{"Other.Level", "Plant.Missing"}
	cfg.Branches = []string{"Plant"}
	changes := newChangeLog()

	cancel, done := runBridge(t, NewBridge(cfg, p.backend, changes, nil))

	require.Eventually(t, func() bool { return len(changes.items()) == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"Other.Level", "Plant.Speed", "Plant.Count"}, changes.items())
	v, _ := changes.value("Plant.Speed")
	assert.Equal(t, 1.5, v)

	// later changes flow through the same subscription
	speed, err := p.instance.Namespace().Variable("Plant.Speed")
	require.NoError(t, err)
	require.NoError(t, speed.Update(7.25, status.QualityGood, time.Now()))
	require.Eventually(t, func() bool {
		v, _ := changes.value("Plant.Speed")
		return v == 7.25
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge did not stop")
	}
	assert.Equal(t, int32(1), p.sessions.Load())
	assert.Eventually(t, func() bool { return p.instance.Sessions() == 0 }, time.Second, 5*time.Millisecond)
}

func TestBridgeStopsWhenNothingCanBeAdded(t *testing.T) {
	p := newPlant(t)
	cfg := bridgeConfig()
	cfg.Items = []string{"Plant.Missing"}

	_, done := runBridge(t, NewBridge(cfg, p.backend, newChangeLog(), nil))
	select {
	case err := <-done:
		assert.ErrorIs(t, err, errNoItems)
	case <-time.After(2 * time.Second):
		t.Fatal("bridge kept running")
	}
}

func TestBridgeReconnectsAfterShutdown(t *testing.T) {
	p := newPlant(t)
	cfg := bridgeConfig()
	cfg.Items = []string{"Plant.Count"}
	changes := newChangeLog()

	runBridge(t, NewBridge(cfg, p.backend, changes, nil))
	require.Eventually(t, func() bool {
		_, ok := changes.value("Plant.Count")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	p.instance.Shutdown("maintenance")
	// connects are refused while suspended
	require.Eventually(t, func() bool { return p.sessions.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)
	p.instance.SetState(model.ServerRunning)

	count, err := p.instance.Namespace().Variable("Plant.Count")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		if p.instance.Sessions() != 1 {
			return false
		}
		_ = count.Update(uint32(11), status.QualityGood, time.Now())
		v, _ := changes.value("Plant.Count")
		return v == uint32(11)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBridgeUnknownBranch(t *testing.T) {
	p := newPlant(t)
	cfg := bridgeConfig()
	cfg.Branches = []string{"Nowhere"}
	b := NewBridge(cfg, p.backend, newChangeLog(), nil)

	subscribed, err := b.session(context.Background())
	assert.False(t, subscribed)
	require.Error(t, err)
	assert.ErrorIs(t, err, status.ErrNavigation)
}
