package da

import (
	"time"

	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// ItemDefinitions collects item definitions for Group.AddItems.
// Definitions keep their order; duplicates are allowed here and resolved
// by the server.
type ItemDefinitions struct {
	defs []model.ItemDefinition
}

// NewItemDefinitions creates an empty set.
func NewItemDefinitions() *ItemDefinitions {
	return &ItemDefinitions{}
}

// Add appends an active item with the requested update rate.
func (d *ItemDefinitions) Add(itemID string, requestedUpdateRate time.Duration) error {
	return d.AddDefinition(model.ItemDefinition{
		ItemID:              itemID,
		Active:              true,
		RequestedUpdateRate: requestedUpdateRate,
	})
}

// AddDefinition validates and appends a definition. Existence on the
// server is not checked until AddItems.
func (d *ItemDefinitions) AddDefinition(def model.ItemDefinition) error {
	if err := model.ValidateItemID(def.ItemID); err != nil {
		return status.Wrap(status.CodeInvalidItemID, err)
	}
	if def.RequestedUpdateRate < 0 {
		return status.New(status.CodeInvalidRate, "negative update rate %v for %s", def.RequestedUpdateRate, def.ItemID)
	}
	if def.RequestedDataType != model.DataTypeEmpty && !def.RequestedDataType.Valid() {
		return status.New(status.CodeBadType, "invalid requested type %d for %s", def.RequestedDataType, def.ItemID)
	}
	d.defs = append(d.defs, def)
	return nil
}

// Len returns the number of definitions.
func (d *ItemDefinitions) Len() int { return len(d.defs) }

// Definitions returns a copy of the definitions in order.
func (d *ItemDefinitions) Definitions() []model.ItemDefinition {
	out := make([]model.ItemDefinition, len(d.defs))
	copy(out, d.defs)
	return out
}

// RemoveAll empties the set.
func (d *ItemDefinitions) RemoveAll() { d.defs = nil }
