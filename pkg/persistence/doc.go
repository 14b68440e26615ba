// Package persistence keeps the values of writable simulated items across
// simulator restarts.
//
// A ValueStore writes a versioned JSON snapshot of every writable item of
// every registered server. On start the simulator loads the snapshot and
// restores the values whose item still exists with a compatible type;
// everything else keeps its configured initial value.
package persistence
