package da

import (
	"context"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// Backend is the transport a Server talks through. The in-process
// server.Session and the network interaction.Client implement it.
//
// Whole-call failures are returned as the error; per-item outcomes are
// returned in the result slices, one entry per input in input order.
type Backend interface {
	Connect(ctx context.Context, serverName, clientName string) error
	Disconnect(ctx context.Context) error
	Status(ctx context.Context) (model.ServerStatus, error)

	Browse(ctx context.Context, position string, filters model.BrowseFilters, continuation string) (model.BrowseResult, error)
	Properties(ctx context.Context, itemID string, ids []model.PropertyID, withValues bool) ([]model.ItemProperty, error)

	AddGroup(ctx context.Context, params model.GroupParams) (model.GroupInfo, error)
	RemoveGroup(ctx context.Context, group uint32) error
	SetGroupState(ctx context.Context, group uint32, upd model.GroupUpdate) (model.GroupInfo, error)

	AddItems(ctx context.Context, group uint32, defs []model.ItemDefinition) ([]model.ItemResult, error)
	RemoveItems(ctx context.Context, group uint32, handles []uint32) ([]status.Result, error)
	Read(ctx context.Context, group uint32, handles []uint32, source model.DataSource) ([]model.ItemState, error)
	Write(ctx context.Context, group uint32, values []model.ItemValue) ([]status.Result, error)

	Subscribe(ctx context.Context, group uint32, fn func(model.DataChange)) error
	Unsubscribe(ctx context.Context, group uint32) error
	Refresh(ctx context.Context, group uint32, source model.DataSource) error

	OnShutdown(fn func(reason string))
}

// Dialer is implemented by backends that reach the server over a network.
// Server.Connect dials the address before connecting to the server name.
type Dialer interface {
	Dial(ctx context.Context, address string) error
}
