// Package server is the DA server core shared by the in-process backend
// and the network simulator.
//
// A Registry maps server names (progIDs) to Instances. Each Instance owns
// one address space (model.Namespace) plus vendor and version metadata.
// Clients talk to an Instance through a Session: one Session per client
// connection, holding that client's groups, items and subscriptions.
//
// # Handles
//
// Group server handles and item server handles are unique within a
// Session and never reused. A handle stays invalid once its group or item
// has been removed.
//
// # Duplicate Items
//
// Adding an item ID that the group already contains is rejected with
// status.CodeDuplicateItem; the first occurrence is kept.
//
// # Delivery
//
// Subscribed groups receive data changes from a per-session ticker
// goroutine that runs between Connect and Disconnect.
package server
