package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/opc-classic/opcda-go/pkg/connection"
	"github.com/opc-classic/opcda-go/pkg/da"
	"github.com/opc-classic/opcda-go/pkg/model"
)

// errNoItems ends the bridge: nothing the config names can be subscribed.
var errNoItems = errors.New("no configured item could be added")

// Bridge keeps one subscription group alive and forwards its changes to
// an observer, reconnecting after connection loss or server shutdown.
type Bridge struct {
	config     *BridgeConfig
	newBackend func() da.Backend
	observer   da.DataObserver
	logger     *slog.Logger
}

// NewBridge creates a bridge. newBackend is called once per connection
// attempt.
func NewBridge(cfg *BridgeConfig, newBackend func() da.Backend, observer da.DataObserver, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bridge{config: cfg, newBackend: newBackend, observer: observer, logger: logger}
}

// Run subscribes until ctx ends. It returns nil on cancellation and an
// error only when no configured item can be added.
func (b *Bridge) Run(ctx context.Context) error {
	backoff := connection.NewBackoffWithConfig(b.config.Reconnect)
	for {
		subscribed, err := b.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errNoItems) {
			return err
		}
		if subscribed {
			backoff.Reset()
		}
		delay := backoff.Next()
		b.logger.Warn("bridge session ended, reconnecting",
			"server", b.config.Server, "error", err, "attempt", backoff.Attempts(), "delay", delay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// session connects, subscribes and blocks until ctx ends or the server
// goes away. subscribed reports whether the subscription was established.
func (b *Bridge) session(ctx context.Context) (subscribed bool, err error) {
	backend := b.newBackend()
	if c, ok := backend.(io.Closer); ok {
		defer c.Close()
	}

	srv := da.NewServer(backend,
		da.WithLogger(b.logger),
		da.WithTimeout(b.config.Timeout),
		da.WithClientName(b.config.ClientName))
	lost := make(chan string, 1)
	srv.OnShutdown(func(reason string) {
		select {
		case lost <- reason:
		default:
		}
	})

	if err := srv.Connect(ctx, b.config.Server, b.config.Host); err != nil {
		return false, err
	}
	defer func() {
		if err := srv.Disconnect(context.Background()); err != nil {
			b.logger.Warn("disconnect", "error", err)
		}
	}()

	ids, err := b.resolveItems(ctx, srv)
	if err != nil {
		return false, err
	}

	g, err := da.NewGroup(ctx, srv, b.config.Group.Name, da.GroupOptions{
		Active:     true,
		UpdateRate: b.config.Group.UpdateRate,
		Deadband:   b.config.Group.Deadband,
		KeepAlive:  b.config.Group.KeepAlive,
	})
	if err != nil {
		return false, err
	}
	defer g.Release(context.Background())

	defs := da.NewItemDefinitions()
	for _, id := range ids {
		if err := defs.Add(id, 0); err != nil {
			b.logger.Warn("skipping item", "item", id, "error", err)
		}
	}
	// A partial or failed batch still reports which items were added.
	res, err := g.AddItems(ctx, defs)
	if res == nil {
		return false, err
	}
	for _, f := range res.Failed {
		b.logger.Warn("item not added", "item", f.Definition.ItemID, "error", f.Err)
	}
	if len(res.Added) == 0 {
		return false, errNoItems
	}

	if err := g.SetDataSubscription(ctx, b.observer); err != nil {
		return false, err
	}
	b.logger.Info("bridge subscribed",
		"server", srv.Name(), "group", g.Name(), "items", len(res.Added), "update_rate", g.UpdateRate())

	select {
	case <-ctx.Done():
		return true, nil
	case reason := <-lost:
		return true, fmt.Errorf("server shutdown: %s", reason)
	}
}

// resolveItems returns the configured items followed by every item below
// the configured branches, without duplicates.
func (b *Bridge) resolveItems(ctx context.Context, srv *da.Server) ([]string, error) {
	seen := make(map[string]bool)
	var ids []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range b.config.Items {
		add(id)
	}
	if len(b.config.Branches) == 0 {
		return ids, nil
	}

	br, err := da.NewBrowser(srv, model.BrowseFilters{})
	if err != nil {
		return nil, err
	}
	defer br.Release()

	for _, branch := range b.config.Branches {
		for node, err := range da.Walk(ctx, br, branch) {
			if err != nil {
				return nil, fmt.Errorf("browse %q: %w", branch, err)
			}
			if node.IsItem {
				add(node.ItemID)
			}
		}
	}
	return ids, nil
}
