package server

import (
	"context"

	"github.com/google/uuid"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// browseCursor holds the elements not yet returned by a paged browse.
type browseCursor struct {
	rest []model.BrowseElement
	max  uint32
}

// Browse returns the children of position ("" = root) that pass the
// filters. A leaf or an empty branch yields no elements. With a non-empty continuation it returns the next page of an
// earlier browse instead; position and filters are then ignored.
func (s *Session) Browse(ctx context.Context, position string, filters model.BrowseFilters, continuation string) (model.BrowseResult, error) {
	if err := checkContext(ctx); err != nil {
		return model.BrowseResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	inst, err := s.connectedLocked()
	if err != nil {
		return model.BrowseResult{}, err
	}

	if continuation != "" {
		cur, ok := s.cursors[continuation]
		if !ok {
			return model.BrowseResult{}, status.New(status.CodeNoContinuation, "unknown continuation point")
		}
		delete(s.cursors, continuation)
		return s.pageLocked(cur.rest, cur.max), nil
	}

	ns := inst.namespace
	if _, ok := ns.Lookup(position); !ok {
		return model.BrowseResult{}, status.New(status.CodeInvalidPosition, "%q does not exist", position)
	}
	children, err := ns.Children(position)
	if err != nil {
		return model.BrowseResult{}, status.Wrap(status.CodeInvalidPosition, err)
	}

	elements := make([]model.BrowseElement, 0, len(children))
	for _, c := range children {
		hasChildren := ns.HasChildren(c)
		if !filters.Accepts(c, hasChildren) {
			continue
		}
		el := model.BrowseElement{
			Name:        c.Name(),
			ItemID:      c.ItemID(),
			IsItem:      c.IsItem(),
			HasChildren: hasChildren,
		}
		if filters.ReturnAllProperties && c.IsItem() {
			el.Properties = c.Variable().Properties(filters.ReturnPropertyValues)
		}
		elements = append(elements, el)
	}
	return s.pageLocked(elements, filters.MaxElements), nil
}

// pageLocked returns up to max elements and parks the rest behind a new
// continuation point; s.mu must be held.
func (s *Session) pageLocked(elements []model.BrowseElement, max uint32) model.BrowseResult {
	if max == 0 || uint32(len(elements)) <= max {
		return model.BrowseResult{Elements: elements}
	}
	cp := uuid.NewString()
	s.cursors[cp] = &browseCursor{rest: elements[max:], max: max}
	return model.BrowseResult{Elements: elements[:max], ContinuationPoint: cp}
}

// Properties returns properties of an item. Empty ids selects all
// properties; unknown ids yield a Bad entry in place.
func (s *Session) Properties(ctx context.Context, itemID string, ids []model.PropertyID, withValues bool) ([]model.ItemProperty, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	inst, err := s.connectedLocked()
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	if err := model.ValidateItemID(itemID); err != nil {
		return nil, status.Wrap(status.CodeInvalidItemID, err)
	}
	v, err := inst.namespace.Variable(itemID)
	if err != nil {
		return nil, status.New(status.CodeUnknownItemID, "unknown item %q", itemID)
	}

	if len(ids) == 0 {
		return v.Properties(withValues), nil
	}

	out := make([]model.ItemProperty, len(ids))
	for i, id := range ids {
		p, ok := v.Property(id)
		if !ok {
			out[i] = model.ItemProperty{
				ID:          id,
				Description: id.String(),
				Result:      status.NewResult(status.CodeUnsupported, "property %d not available for %s", uint32(id), itemID),
			}
			continue
		}
		if !withValues {
			p.Value = nil
		}
		out[i] = p
	}
	return out, nil
}
