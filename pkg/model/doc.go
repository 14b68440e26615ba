// Package model implements the OPC DA address space.
//
// # Namespace Hierarchy
//
// An address space is a tree of named nodes addressed by fully-qualified
// item identifiers built from the node names joined by a separator:
//
//	(root)
//	├── Random
//	│   ├── Int1          Random.Int1
//	│   └── Real8         Random.Real8
//	└── Bucket Brigade
//	    └── UInt2         Bucket Brigade.UInt2
//
// Branches group nodes. Leaves carry a Variable: a typed value with quality,
// timestamp and access rights. A node may be both an item and a branch.
//
// # Data Types
//
// Values are stored in the Go type matching the item's canonical DataType
// (int32 for DataTypeInt32, float64 for DataTypeFloat64, ...). Coerce converts
// loosely typed input, such as values decoded from the wire, to that form.
//
// # Properties
//
// Every item exposes the standard OPC properties (canonical type, value,
// quality, timestamp, access rights, scan rate) plus the optional
// recommended properties it was configured with (EU units, description,
// EU limits).
//
// # Shared Types
//
// The package also holds the request and result types shared by the client
// library and the server core: BrowseFilters, BrowseElement, ItemProperty,
// ServerStatus, ItemDefinition, ItemState and the group parameters.
package model
