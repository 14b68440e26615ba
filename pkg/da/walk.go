package da

import (
	"context"
	"iter"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// WalkNode is one element visited by Walk.
type WalkNode struct {
	model.BrowseElement

	// Parent is the item identifier of the browsed parent.
	Parent string

	// Depth is 0 for children of the walk root.
	Depth int
}

// Walk visits the address space below root depth-first: each element is
// yielded before the children of that element. Browsing a node that has
// children repositions b, so the sequence can be consumed only once.
// A failed Browse is yielded as the final error and ends the walk.
func Walk(ctx context.Context, b *Browser, root string) iter.Seq2[WalkNode, error] {
	used := false
	return func(yield func(WalkNode, error) bool) {
		if used {
			yield(WalkNode{}, status.New(status.CodeInvalidState, "walk already consumed"))
			return
		}
		used = true

		sep := model.DefaultSeparator
		var walk func(parent string, depth int) bool
		walk = func(parent string, depth int) bool {
			elements, err := browseAll(ctx, b, parent)
			if err != nil {
				yield(WalkNode{Parent: parent, Depth: depth}, err)
				return false
			}
			for _, el := range elements {
				if el.ItemID == "" && !el.IsItem {
					if parent == "" {
						el.ItemID = el.Name
					} else {
						el.ItemID = parent + sep + el.Name
					}
				}
				if !yield(WalkNode{BrowseElement: el, Parent: parent, Depth: depth}, nil) {
					return false
				}
				if el.HasChildren && !walk(el.ItemID, depth+1) {
					return false
				}
			}
			return true
		}
		walk(root, 0)
	}
}

// browseAll browses parent and collects every page.
func browseAll(ctx context.Context, b *Browser, parent string) ([]model.BrowseElement, error) {
	if err := b.Browse(ctx, parent); err != nil {
		return nil, err
	}
	elements := b.Elements()
	for b.HasMoreElements() {
		if err := b.BrowseNext(ctx); err != nil {
			return nil, err
		}
		elements = append(elements, b.Elements()...)
	}
	return elements, nil
}
