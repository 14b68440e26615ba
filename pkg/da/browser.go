package da

import (
	"context"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// Browser walks the address space of a connected server.
type Browser struct {
	srv          *Server
	filters      model.BrowseFilters
	position     string
	elements     []model.BrowseElement
	continuation string
	released     bool
}

// NewBrowser creates a browser positioned at the root.
func NewBrowser(srv *Server, filters model.BrowseFilters) (*Browser, error) {
	if err := srv.retain(true); err != nil {
		return nil, err
	}
	return &Browser{srv: srv, filters: filters}, nil
}

// SetFilters replaces the filters used by the next Browse.
func (b *Browser) SetFilters(filters model.BrowseFilters) { b.filters = filters }

// Filters returns the current filters.
func (b *Browser) Filters() model.BrowseFilters { return b.filters }

// Position returns the item identifier of the last browsed node.
func (b *Browser) Position() string { return b.position }

// Elements returns the children of the current position as browsed.
// An empty result is valid.
func (b *Browser) Elements() []model.BrowseElement {
	out := make([]model.BrowseElement, len(b.elements))
	copy(out, b.elements)
	return out
}

// HasMoreElements reports whether BrowseNext has elements to return.
func (b *Browser) HasMoreElements() bool { return b.continuation != "" }

func (b *Browser) checkLive() error {
	if b.released {
		return status.New(status.CodeInvalidState, "browser is released")
	}
	return b.srv.checkConnected()
}

// Browse positions the browser at parentItemID ("" is the root) and
// fetches its children. It fails with a navigation error if the node does
// not exist; a leaf yields no elements. On failure the position is unchanged.
func (b *Browser) Browse(ctx context.Context, parentItemID string) error {
	if err := b.checkLive(); err != nil {
		return err
	}
	cctx, cancel := b.srv.callContext(ctx)
	defer cancel()
	res, err := b.srv.backend.Browse(cctx, parentItemID, b.filters, "")
	if err != nil {
		return verdict(err)
	}
	b.position = parentItemID
	b.elements = res.Elements
	b.continuation = res.ContinuationPoint
	return nil
}

// BrowseNext fetches the next page of elements at the current position.
func (b *Browser) BrowseNext(ctx context.Context) error {
	if err := b.checkLive(); err != nil {
		return err
	}
	if b.continuation == "" {
		return status.New(status.CodeNoContinuation, "no more elements at %q", b.position)
	}
	cctx, cancel := b.srv.callContext(ctx)
	defer cancel()
	res, err := b.srv.backend.Browse(cctx, b.position, b.filters, b.continuation)
	if err != nil {
		b.continuation = ""
		return verdict(err)
	}
	b.elements = res.Elements
	b.continuation = res.ContinuationPoint
	return nil
}

// Properties returns all properties of itemID with their values. The
// browse position does not change.
func (b *Browser) Properties(ctx context.Context, itemID string) ([]model.ItemProperty, error) {
	if err := b.checkLive(); err != nil {
		return nil, err
	}
	cctx, cancel := b.srv.callContext(ctx)
	defer cancel()
	props, err := b.srv.backend.Properties(cctx, itemID, nil, true)
	if err != nil {
		return nil, verdict(err)
	}
	return props, nil
}

// PropertyValueAsText returns one property value as display text.
func (b *Browser) PropertyValueAsText(ctx context.Context, itemID string, id model.PropertyID) (string, error) {
	if err := b.checkLive(); err != nil {
		return "", err
	}
	cctx, cancel := b.srv.callContext(ctx)
	defer cancel()
	props, err := b.srv.backend.Properties(cctx, itemID, []model.PropertyID{id}, true)
	if err != nil {
		return "", verdict(err)
	}
	if len(props) == 0 {
		return "", status.New(status.CodeUnsupported, "property %d not available for %s", uint32(id), itemID)
	}
	if err := props[0].Result.Err(); err != nil {
		return "", err
	}
	return props[0].ValueText(), nil
}

// Release ends the browser. It is idempotent.
func (b *Browser) Release() {
	if b.released {
		return
	}
	b.released = true
	b.elements = nil
	b.continuation = ""
	b.srv.release(true)
}
