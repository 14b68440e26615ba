package opcda_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opc-classic/opcda-go/pkg/da"
	"github.com/opc-classic/opcda-go/pkg/interaction"
	"github.com/opc-classic/opcda-go/pkg/log"
	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/persistence"
	"github.com/opc-classic/opcda-go/pkg/server"
	"github.com/opc-classic/opcda-go/pkg/simulation"
	"github.com/opc-classic/opcda-go/pkg/wire"
)

// simHost runs the default simulation behind a TCP listener.
type simHost struct {
	sim     *simulation.Simulator
	server  *interaction.Server
	address string
	stop    func()
}

func startSimHost(t *testing.T, store *persistence.ValueStore, protocol log.Logger) *simHost {
	t.Helper()
	opts := []simulation.Option{simulation.WithTick(20 * time.Millisecond)}
	if store != nil {
		opts = append(opts, simulation.WithStore(store, 0))
	}
	sim, err := simulation.New(simulation.DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("simulation.New() error: %v", err)
	}

	srv := interaction.NewServer(interaction.ServerConfig{
		Address:        "127.0.0.1:0",
		Registry:       sim.Registry(),
		SessionOptions: []server.Option{server.WithTick(10 * time.Millisecond)},
		ProtocolLogger: protocol,
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	var once sync.Once
	h := &simHost{sim: sim, server: srv, address: srv.Addr().String()}
	h.stop = func() {
		once.Do(func() {
			_ = srv.Stop()
			cancel()
			if err := <-done; err != nil {
				t.Errorf("simulator Run() error: %v", err)
			}
		})
	}
	t.Cleanup(h.stop)
	return h
}

func connect(t *testing.T, address string) *da.Server {
	t.Helper()
	client := interaction.NewClient(interaction.ClientConfig{Timeout: 2 * time.Second})
	t.Cleanup(func() { _ = client.Close() })
	srv := da.NewServer(client, da.WithClientName("e2e"))
	if err := srv.Connect(context.Background(), simulation.DefaultProgID, address); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	return srv
}

func addItems(t *testing.T, g *da.Group, ids ...string) []*da.Item {
	t.Helper()
	defs := da.NewItemDefinitions()
	for _, id := range ids {
		if err := defs.Add(id, 0); err != nil {
			t.Fatalf("Add(%s) error: %v", id, err)
		}
	}
	res, err := g.AddItems(context.Background(), defs)
	if err != nil {
		t.Fatalf("AddItems() error: %v", err)
	}
	return res.Added
}

func TestE2E_BrowseSimulation(t *testing.T) {
	h := startSimHost(t, nil, nil)
	ctx := context.Background()
	srv := connect(t, h.address)
	defer srv.Disconnect(ctx)

	b, err := da.NewBrowser(srv, model.BrowseFilters{})
	if err != nil {
		t.Fatalf("NewBrowser() error: %v", err)
	}
	defer b.Release()

	branches := make(map[string]bool)
	items := 0
	for node, err := range da.Walk(ctx, b, "") {
		if err != nil {
			t.Fatalf("Walk() error: %v", err)
		}
		if node.Depth == 0 && !node.IsItem {
			branches[node.Name] = true
		}
		if node.IsItem {
			items++
		}
	}
	for _, want := range []string{"Random", "Sine Waves", "Bucket Brigade", "Write Only", "Simulation Items"} {
		if !branches[want] {
			t.Errorf("branch %q missing from %v", want, branches)
		}
	}
	if want := len(simulation.DefaultConfig().Servers[0].Items); items != want {
		t.Errorf("walked %d items, want %d", items, want)
	}

	props, err := b.Properties(ctx, "Simulation Items.Temperature")
	if err != nil {
		t.Fatalf("Properties() error: %v", err)
	}
	found := false
	for _, p := range props {
		if p.ValueText() == "degC" {
			found = true
		}
	}
	if !found {
		t.Errorf("engineering units missing from %+v", props)
	}
}

func TestE2E_SubscribeAndWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session"+log.FileExtension)
	protocol, err := log.NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger() error: %v", err)
	}
	h := startSimHost(t, nil, protocol)
	ctx := context.Background()
	srv := connect(t, h.address)

	g, err := da.NewGroup(ctx, srv, "e2e", da.GroupOptions{Active: true, UpdateRate: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewGroup() error: %v", err)
	}
	items := addItems(t, g, "Sine Waves.Real8", "Bucket Brigade.Int4")
	if len(items) != 2 {
		t.Fatalf("added %d items, want 2", len(items))
	}

	var mu sync.Mutex
	seen := make(map[any]bool)
	sub := da.DataObserverFunc(func(_ *da.Group, changes []da.ItemChange) {
		mu.Lock()
		defer mu.Unlock()
		for _, ch := range changes {
			if ch.Item.Name() == "Sine Waves.Real8" {
				seen[ch.Value] = true
			}
		}
	})
	if err := g.SetDataSubscription(ctx, sub); err != nil {
		t.Fatalf("SetDataSubscription() error: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(seen)
		mu.Unlock()
		if n >= 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("saw %d distinct sine values, want 3", n)
		}
		time.Sleep(10 * time.Millisecond)
	}

	bucket := items[1]
	bucket.SetWriteValue(int32(42))
	if err := g.Write(ctx, []*da.Item{bucket}); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := g.ReadFrom(ctx, []*da.Item{bucket}, model.SourceDevice); err != nil {
		t.Fatalf("ReadFrom() error: %v", err)
	}
	if got := bucket.LastRead().Value; got != int32(42) {
		t.Errorf("read back %v (%T), want int32(42)", got, got)
	}

	if err := g.Release(ctx); err != nil {
		t.Fatalf("Release() error: %v", err)
	}
	if err := srv.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() error: %v", err)
	}
	h.stop()
	if err := protocol.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	reader, err := log.NewFilteredReader(path, log.Filter{Layer: ptr(log.LayerWire), Category: ptr(log.CategoryMessage)})
	if err != nil {
		t.Fatalf("NewFilteredReader() error: %v", err)
	}
	defer reader.Close()
	ops := make(map[wire.Operation]int)
	for event, err := range reader.All() {
		if err != nil {
			t.Fatalf("reading log: %v", err)
		}
		if m := event.Message; m != nil && m.Operation != nil {
			ops[*m.Operation]++
		}
	}
	for _, op := range []wire.Operation{wire.OpConnect, wire.OpAddGroup, wire.OpAddItems, wire.OpWrite, wire.OpRead, wire.OpRemoveGroup} {
		if ops[op] == 0 {
			t.Errorf("no %s message in protocol log: %v", op, ops)
		}
	}
}

func TestE2E_ValuesSurviveRestart(t *testing.T) {
	store := persistence.NewValueStore(filepath.Join(t.TempDir(), "values.yaml"))
	ctx := context.Background()

	h := startSimHost(t, store, nil)
	srv := connect(t, h.address)
	g, err := da.NewGroup(ctx, srv, "persist", da.GroupOptions{})
	if err != nil {
		t.Fatalf("NewGroup() error: %v", err)
	}
	items := addItems(t, g, "Bucket Brigade.Real8", "Bucket Brigade.String")
	items[0].SetWriteValue(12.5)
	items[1].SetWriteValue("kept")
	if err := g.Write(ctx, items); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	_ = g.Release(ctx)
	_ = srv.Disconnect(ctx)
	h.stop()

	h = startSimHost(t, store, nil)
	ns := h.sim.Instances()[0].Namespace()
	for id, want := range map[string]any{"Bucket Brigade.Real8": 12.5, "Bucket Brigade.String": "kept"} {
		v, err := ns.Variable(id)
		if err != nil {
			t.Fatalf("Variable(%s) error: %v", id, err)
		}
		if got := v.State().Value; got != want {
			t.Errorf("%s = %v after restart, want %v", id, got, want)
		}
	}
}

func ptr[T any](v T) *T { return &v }
