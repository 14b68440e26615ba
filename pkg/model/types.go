package model

import (
	"fmt"
	"time"

	"github.com/opc-classic/opcda-go/pkg/status"
)

// ElementFilter selects which node kinds a browse returns.
type ElementFilter uint8

const (
	ElementAll ElementFilter = iota
	ElementBranches
	ElementItems
)

// String returns the filter name.
func (f ElementFilter) String() string {
	switch f {
	case ElementAll:
		return "all"
	case ElementBranches:
		return "branches"
	case ElementItems:
		return "items"
	default:
		return "unknown"
	}
}

// BrowseFilters restrict and shape the result of a browse.
type BrowseFilters struct {
	// ElementFilter selects branches, items or both.
	ElementFilter ElementFilter `cbor:"1,keyasint,omitempty"`

	// NameFilter is a wildcard pattern (*, ?, #, [set], [!set]) on element names.
	NameFilter string `cbor:"2,keyasint,omitempty"`

	// VendorFilter is passed to the server unchanged.
	VendorFilter string `cbor:"3,keyasint,omitempty"`

	// MaxElements limits the number of elements per call; 0 is unlimited.
	MaxElements uint32 `cbor:"4,keyasint,omitempty"`

	// ReturnAllProperties attaches the item properties to each element.
	ReturnAllProperties bool `cbor:"5,keyasint,omitempty"`

	// ReturnPropertyValues fills the values of attached properties.
	ReturnPropertyValues bool `cbor:"6,keyasint,omitempty"`

	// DataTypeFilter keeps only items of this type; DataTypeEmpty disables it.
	DataTypeFilter DataType `cbor:"7,keyasint,omitempty"`

	// AccessRightsFilter keeps only items having all these rights; 0 disables it.
	AccessRightsFilter AccessRights `cbor:"8,keyasint,omitempty"`
}

// Accepts reports whether a node passes the filters.
func (f BrowseFilters) Accepts(n *Node, hasChildren bool) bool {
	switch f.ElementFilter {
	case ElementBranches:
		if !hasChildren {
			return false
		}
	case ElementItems:
		if !n.IsItem() {
			return false
		}
	}
	if f.NameFilter != "" && !MatchPattern(n.Name(), f.NameFilter, false) {
		return false
	}
	if n.IsItem() {
		v := n.Variable()
		if f.DataTypeFilter != DataTypeEmpty && v.Type() != f.DataTypeFilter {
			return false
		}
		if f.AccessRightsFilter != 0 && v.Access()&f.AccessRightsFilter != f.AccessRightsFilter {
			return false
		}
	} else if f.DataTypeFilter != DataTypeEmpty || f.AccessRightsFilter != 0 {
		// type and rights filters only restrict items
		return hasChildren
	}
	return true
}

// BrowseElement is a node returned by a browse.
type BrowseElement struct {
	Name        string         `cbor:"1,keyasint" json:"name"`
	ItemID      string         `cbor:"2,keyasint,omitempty" json:"itemId,omitempty"`
	IsItem      bool           `cbor:"3,keyasint,omitempty" json:"isItem"`
	HasChildren bool           `cbor:"4,keyasint,omitempty" json:"hasChildren"`
	Properties  []ItemProperty `cbor:"5,keyasint,omitempty" json:"properties,omitempty"`
}

// BrowseResult is one page of browse elements.
type BrowseResult struct {
	Elements          []BrowseElement `cbor:"1,keyasint"`
	ContinuationPoint string          `cbor:"2,keyasint,omitempty"`
}

// MoreElements reports whether a continuation is pending.
func (r BrowseResult) MoreElements() bool { return r.ContinuationPoint != "" }

// ItemProperty is a property of an item.
// A Bad Result means Value is not usable.
type ItemProperty struct {
	ID          PropertyID    `cbor:"1,keyasint" json:"id"`
	Description string        `cbor:"2,keyasint,omitempty" json:"description"`
	DataType    DataType      `cbor:"3,keyasint,omitempty" json:"dataType"`
	ItemID      string        `cbor:"4,keyasint,omitempty" json:"itemId,omitempty"`
	Value       any           `cbor:"5,keyasint,omitempty" json:"value,omitempty"`
	Result      status.Result `cbor:"6,keyasint,omitempty" json:"result"`
}

// ValueText returns the property value as display text.
func (p ItemProperty) ValueText() string {
	if p.Result.IsBad() {
		return p.Result.String()
	}
	switch p.ID {
	case PropCanonicalDataType:
		if n, ok := ToFloat64(p.Value); ok {
			return DataType(n).VariantName()
		}
	case PropQuality:
		if n, ok := ToFloat64(p.Value); ok {
			return status.Quality(uint16(n)).String()
		}
	case PropAccessRights:
		if n, ok := ToFloat64(p.Value); ok {
			return AccessRights(n).Text()
		}
	case PropTimestamp:
		if t, ok := p.Value.(time.Time); ok {
			return t.Format(time.RFC3339Nano)
		}
	}
	if p.Value == nil {
		return ""
	}
	return fmt.Sprint(p.Value)
}

// ServerState is the operational state of a server.
type ServerState uint8

const (
	ServerRunning ServerState = iota
	ServerFailed
	ServerNoConfig
	ServerSuspended
	ServerTest
	ServerCommFault
	ServerUnknown
)

// String returns the state name.
func (s ServerState) String() string {
	switch s {
	case ServerRunning:
		return "Running"
	case ServerFailed:
		return "Failed"
	case ServerNoConfig:
		return "No Configuration"
	case ServerSuspended:
		return "Suspended"
	case ServerTest:
		return "Test"
	case ServerCommFault:
		return "Communication Fault"
	default:
		return "Unknown"
	}
}

// ServerStatus is the status and metadata of a server.
type ServerStatus struct {
	VendorInfo     string      `cbor:"1,keyasint,omitempty" json:"vendorInfo"`
	State          ServerState `cbor:"2,keyasint" json:"state"`
	StartTime      time.Time   `cbor:"3,keyasint" json:"startTime"`
	CurrentTime    time.Time   `cbor:"4,keyasint" json:"currentTime"`
	LastUpdateTime time.Time   `cbor:"5,keyasint,omitempty" json:"lastUpdateTime"`
	GroupCount     uint32      `cbor:"6,keyasint,omitempty" json:"groupCount"`
	BandWidth      uint32      `cbor:"7,keyasint,omitempty" json:"bandWidth"`
	MajorVersion   uint16      `cbor:"8,keyasint,omitempty" json:"majorVersion"`
	MinorVersion   uint16      `cbor:"9,keyasint,omitempty" json:"minorVersion"`
	BuildNumber    uint16      `cbor:"10,keyasint,omitempty" json:"buildNumber"`
}

// Version returns "major.minor.build".
func (s ServerStatus) Version() string {
	return fmt.Sprintf("%d.%d.%d", s.MajorVersion, s.MinorVersion, s.BuildNumber)
}

// ItemDefinition describes an item to add to a group.
type ItemDefinition struct {
	ItemID              string        `cbor:"1,keyasint" json:"itemId" yaml:"id"`
	AccessPath          string        `cbor:"2,keyasint,omitempty" json:"accessPath,omitempty" yaml:"access_path,omitempty"`
	ClientHandle        uint32        `cbor:"3,keyasint,omitempty" json:"clientHandle,omitempty" yaml:"-"`
	RequestedDataType   DataType      `cbor:"4,keyasint,omitempty" json:"requestedDataType,omitempty" yaml:"type,omitempty"`
	Active              bool          `cbor:"5,keyasint,omitempty" json:"active" yaml:"active"`
	RequestedUpdateRate time.Duration `cbor:"6,keyasint,omitempty" json:"requestedUpdateRate,omitempty" yaml:"rate,omitempty"`
}

// ItemResult is the server's answer for one added item.
type ItemResult struct {
	ServerHandle  uint32        `cbor:"1,keyasint,omitempty"`
	CanonicalType DataType      `cbor:"2,keyasint,omitempty"`
	AccessRights  AccessRights  `cbor:"3,keyasint,omitempty"`
	Result        status.Result `cbor:"4,keyasint,omitempty"`
}

// DataSource selects where a read is served from.
type DataSource uint8

const (
	SourceCache DataSource = iota
	SourceDevice
)

// String returns the source name.
func (s DataSource) String() string {
	if s == SourceDevice {
		return "device"
	}
	return "cache"
}

// ItemState is a value report for one item.
type ItemState struct {
	ServerHandle uint32         `cbor:"1,keyasint,omitempty"`
	ClientHandle uint32         `cbor:"2,keyasint,omitempty"`
	Value        any            `cbor:"3,keyasint,omitempty"`
	Quality      status.Quality `cbor:"4,keyasint,omitempty"`
	Timestamp    time.Time      `cbor:"5,keyasint,omitempty"`
	Result       status.Result  `cbor:"6,keyasint,omitempty"`
}

// ItemValue is a value to write to one item.
type ItemValue struct {
	ServerHandle uint32 `cbor:"1,keyasint"`
	Value        any    `cbor:"2,keyasint"`
}

// GroupParams are the requested parameters of a group.
type GroupParams struct {
	Name         string        `cbor:"1,keyasint,omitempty"`
	Active       bool          `cbor:"2,keyasint,omitempty"`
	UpdateRate   time.Duration `cbor:"3,keyasint,omitempty"`
	Deadband     float32       `cbor:"4,keyasint,omitempty"`
	KeepAlive    time.Duration `cbor:"5,keyasint,omitempty"`
	ClientHandle uint32        `cbor:"6,keyasint,omitempty"`
}

// GroupUpdate changes the state of an existing group.
// Nil fields are left unchanged.
type GroupUpdate struct {
	Name       *string        `cbor:"1,keyasint,omitempty"`
	Active     *bool          `cbor:"2,keyasint,omitempty"`
	UpdateRate *time.Duration `cbor:"3,keyasint,omitempty"`
	Deadband   *float32       `cbor:"4,keyasint,omitempty"`
	KeepAlive  *time.Duration `cbor:"5,keyasint,omitempty"`
}

// GroupInfo is the server's answer to a group creation or update.
type GroupInfo struct {
	ServerHandle      uint32        `cbor:"1,keyasint"`
	RevisedUpdateRate time.Duration `cbor:"2,keyasint,omitempty"`
	RevisedKeepAlive  time.Duration `cbor:"3,keyasint,omitempty"`
}

// DataChange is an asynchronous batch of item reports for one group.
type DataChange struct {
	GroupHandle uint32      `cbor:"1,keyasint"`
	Items       []ItemState `cbor:"2,keyasint,omitempty"`
	KeepAlive   bool        `cbor:"3,keyasint,omitempty"`
	Refresh     bool        `cbor:"4,keyasint,omitempty"`
}
