package wire

import (
	"github.com/opc-classic/opcda-go/pkg/model"
	"github.com/opc-classic/opcda-go/pkg/status"
)

// Some operations carry a model type without a wrapper: AddGroup sends
// model.GroupParams, GetStatus answers model.ServerStatus, Browse answers
// model.BrowseResult, and AddGroup and SetGroupState answer model.GroupInfo.

// ConnectPayload is the payload of a Connect request.
type ConnectPayload struct {
	ServerName string `cbor:"1,keyasint"`
	ClientName string `cbor:"2,keyasint,omitempty"`
}

// BrowsePayload is the payload of a Browse request.
//
// An empty ContinuationPoint starts a new browse at Position ("" = root).
type BrowsePayload struct {
	Position          string              `cbor:"1,keyasint,omitempty"`
	Filters           model.BrowseFilters `cbor:"2,keyasint,omitempty"`
	ContinuationPoint string              `cbor:"3,keyasint,omitempty"`
}

// PropertiesPayload is the payload of a GetProperties request.
// Empty IDs selects all properties.
type PropertiesPayload struct {
	ItemID     string             `cbor:"1,keyasint"`
	IDs        []model.PropertyID `cbor:"2,keyasint,omitempty"`
	WithValues bool               `cbor:"3,keyasint,omitempty"`
}

// PropertiesResponsePayload is the payload of a GetProperties response.
type PropertiesResponsePayload struct {
	Properties []model.ItemProperty `cbor:"1,keyasint"`
}

// GroupPayload addresses a group by server handle.
// Used by RemoveGroup, Subscribe and Unsubscribe.
type GroupPayload struct {
	Group uint32 `cbor:"1,keyasint"`
}

// RefreshPayload is the payload of a Refresh request.
type RefreshPayload struct {
	Group  uint32           `cbor:"1,keyasint"`
	Source model.DataSource `cbor:"2,keyasint,omitempty"`
}

// SetGroupStatePayload is the payload of a SetGroupState request.
type SetGroupStatePayload struct {
	Group  uint32            `cbor:"1,keyasint"`
	Update model.GroupUpdate `cbor:"2,keyasint"`
}

// AddItemsPayload is the payload of an AddItems request.
type AddItemsPayload struct {
	Group uint32                 `cbor:"1,keyasint"`
	Items []model.ItemDefinition `cbor:"2,keyasint"`
}

// AddItemsResponsePayload carries one result per requested item, in order.
type AddItemsResponsePayload struct {
	Results []model.ItemResult `cbor:"1,keyasint"`
}

// HandlesPayload addresses items of a group by server handle.
// Used by RemoveItems.
type HandlesPayload struct {
	Group   uint32   `cbor:"1,keyasint"`
	Handles []uint32 `cbor:"2,keyasint"`
}

// ReadPayload is the payload of a Read request.
type ReadPayload struct {
	Group   uint32           `cbor:"1,keyasint"`
	Handles []uint32         `cbor:"2,keyasint"`
	Source  model.DataSource `cbor:"3,keyasint,omitempty"`
}

// ReadResponsePayload carries one state per requested handle, in order.
type ReadResponsePayload struct {
	Items []model.ItemState `cbor:"1,keyasint"`
}

// WritePayload is the payload of a Write request.
type WritePayload struct {
	Group  uint32            `cbor:"1,keyasint"`
	Values []model.ItemValue `cbor:"2,keyasint"`
}

// ResultsPayload carries one result per requested item, in order.
// Used by RemoveItems and Write responses.
type ResultsPayload struct {
	Results []status.Result `cbor:"1,keyasint"`
}
