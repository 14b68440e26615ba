package interaction

import (
	"context"
	"log/slog"

	"github.com/opc-classic/opcda-go/pkg/da"
	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
	"github.com/opc-classic/opcda-go/pkg/wire"
)

// NotificationSender pushes a notification to the peer.
type NotificationSender func(n *wire.Notification)

// Handler decodes requests of one connection and applies them to a backend.
type Handler struct {
	backend da.Backend
	notify  NotificationSender
	logger  *slog.Logger
}

// NewHandler creates a handler for backend. Shutdown notices of the backend
// are forwarded through notify.
func NewHandler(backend da.Backend, notify NotificationSender, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{backend: backend, notify: notify, logger: logger}
	backend.OnShutdown(func(reason string) {
		h.notify(&wire.Notification{Kind: wire.NotifyShutdown, Reason: reason})
	})
	return h
}

// HandleRequest processes an incoming request and returns a response.
// A whole-call failure is reported in the response status; batch
// operations answer Good with one result per item.
func (h *Handler) HandleRequest(ctx context.Context, req *wire.Request) *wire.Response {
	payload, err := h.dispatch(ctx, req)
	if err != nil {
		return h.respond(req, status.Of(err), nil)
	}
	return h.respond(req, status.Good, payload)
}

func (h *Handler) respond(req *wire.Request, res status.Result, payload any) *wire.Response {
	resp, err := wire.NewResponse(req, res, payload)
	if err != nil {
		h.logger.Error("encode response payload", "operation", req.Operation, "error", err)
		resp, _ = wire.NewResponse(req, status.NewResult(status.CodeInternal, "encode response: %v", err), nil)
	}
	return resp
}

func (h *Handler) dispatch(ctx context.Context, req *wire.Request) (any, error) {
	switch req.Operation {
	case wire.OpConnect:
		var p wire.ConnectPayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return nil, h.backend.Connect(ctx, p.ServerName, p.ClientName)

	case wire.OpDisconnect:
		return nil, h.backend.Disconnect(ctx)

	case wire.OpGetStatus:
		st, err := h.backend.Status(ctx)
		if err != nil {
			return nil, err
		}
		return &st, nil

	case wire.OpBrowse:
		var p wire.BrowsePayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		res, err := h.backend.Browse(ctx, p.Position, p.Filters, p.ContinuationPoint)
		if err != nil {
			return nil, err
		}
		return &res, nil

	case wire.OpGetProperties:
		var p wire.PropertiesPayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		props, err := h.backend.Properties(ctx, p.ItemID, p.IDs, p.WithValues)
		if err != nil {
			return nil, err
		}
		return &wire.PropertiesResponsePayload{Properties: props}, nil

	case wire.OpAddGroup:
		var p model.GroupParams
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		info, err := h.backend.AddGroup(ctx, p)
		if err != nil {
			return nil, err
		}
		return &info, nil

	case wire.OpRemoveGroup:
		var p wire.GroupPayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return nil, h.backend.RemoveGroup(ctx, p.Group)

	case wire.OpSetGroupState:
		var p wire.SetGroupStatePayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		info, err := h.backend.SetGroupState(ctx, p.Group, p.Update)
		if err != nil {
			return nil, err
		}
		return &info, nil

	case wire.OpAddItems:
		var p wire.AddItemsPayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		results, err := h.backend.AddItems(ctx, p.Group, p.Items)
		if err != nil {
			return nil, err
		}
		return &wire.AddItemsResponsePayload{Results: results}, nil

	case wire.OpRemoveItems:
		var p wire.HandlesPayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		results, err := h.backend.RemoveItems(ctx, p.Group, p.Handles)
		if err != nil {
			return nil, err
		}
		return &wire.ResultsPayload{Results: results}, nil

	case wire.OpRead:
		var p wire.ReadPayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		items, err := h.backend.Read(ctx, p.Group, p.Handles, p.Source)
		if err != nil {
			return nil, err
		}
		return &wire.ReadResponsePayload{Items: items}, nil

	case wire.OpWrite:
		var p wire.WritePayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		results, err := h.backend.Write(ctx, p.Group, p.Values)
		if err != nil {
			return nil, err
		}
		return &wire.ResultsPayload{Results: results}, nil

	case wire.OpSubscribe:
		var p wire.GroupPayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return nil, h.backend.Subscribe(ctx, p.Group, h.forwardDataChange)

	case wire.OpUnsubscribe:
		var p wire.GroupPayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return nil, h.backend.Unsubscribe(ctx, p.Group)

	case wire.OpRefresh:
		var p wire.RefreshPayload
		if err := decode(req, &p); err != nil {
			return nil, err
		}
		return nil, h.backend.Refresh(ctx, p.Group, p.Source)

	default:
		return nil, status.New(status.CodeUnsupported, "unknown operation %d", req.Operation)
	}
}

func (h *Handler) forwardDataChange(dc model.DataChange) {
	h.notify(&wire.Notification{
		Kind:        wire.NotifyDataChange,
		GroupHandle: dc.GroupHandle,
		Items:       dc.Items,
		KeepAlive:   dc.KeepAlive,
		Refresh:     dc.Refresh,
	})
}

func decode(req *wire.Request, v any) error {
	if err := req.DecodePayload(v); err != nil {
		return status.Wrap(status.CodeInvalidArgument, err)
	}
	return nil
}
