package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/opc-classic/opcda-go/pkg/da"
)

// treePrinter renders a Walk as an indented tree or as JSON lines.
type treePrinter struct {
	w     io.Writer
	json  bool
	props bool
}

// jsonNode is the JSON line of one element.
type jsonNode struct {
	da.WalkNode
	Depth  int    `json:"depth"`
	Parent string `json:"parent,omitempty"`
}

func (p *treePrinter) print(ctx context.Context, b *da.Browser, root string) error {
	var branches, items int
	for node, err := range da.Walk(ctx, b, root) {
		if err != nil {
			return fmt.Errorf("browse %q: %w", node.Parent, err)
		}
		if node.IsItem {
			items++
		} else {
			branches++
		}
		if p.json {
			if err := p.printJSON(node); err != nil {
				return err
			}
			continue
		}
		p.printNode(node)
	}
	if !p.json {
		fmt.Fprintf(p.w, "\n%d branches, %d items\n", branches, items)
	}
	return nil
}

func (p *treePrinter) printNode(node da.WalkNode) {
	indent := strings.Repeat("  ", node.Depth)
	switch {
	case node.IsItem && node.HasChildren:
		fmt.Fprintf(p.w, "%s%s/ [%s]\n", indent, node.Name, node.ItemID)
	case node.IsItem:
		fmt.Fprintf(p.w, "%s%s [%s]\n", indent, node.Name, node.ItemID)
	default:
		fmt.Fprintf(p.w, "%s%s/\n", indent, node.Name)
	}
	if !p.props {
		return
	}
	for _, prop := range node.Properties {
		fmt.Fprintf(p.w, "%s    %4d %-28s %s\n", indent, prop.ID, prop.Description, prop.ValueText())
	}
}

func (p *treePrinter) printJSON(node da.WalkNode) error {
	if !p.props {
		node.Properties = nil
	}
	data, err := json.Marshal(jsonNode{WalkNode: node, Depth: node.Depth, Parent: node.Parent})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(p.w, "%s\n", data)
	return err
}
