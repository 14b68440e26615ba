// Package da is the OPC Data Access client.
//
// A Server is created over a Backend and connected first. Browsers walk
// the address space of a connected server; Groups hold items that are
// read, written and subscribed in batches. Item definitions are collected
// in an ItemDefinitions set and handed to Group.AddItems, which returns
// the Item handles used afterwards.
//
// Every fallible call returns an error that carries a status.Result; use
// status.Of to get the verdict and errors.Is with the status kind sentinels
// to branch on the error class. Batch operations never stop at a failing
// item: they report per-item results and an aggregate verdict that is Good,
// Uncertain (status.ErrPartialBatch) or Bad.
//
// Dependents must be released before their owner: Items and Groups, then
// Browsers, then the Server. Disconnecting a Server with live dependents
// panics with a status.ProgrammingError.
//
// Instances are meant for a single owning goroutine. Data-change
// observers are called from the delivery goroutine of the backend, which
// may run concurrently with the owner's calls.
package da
