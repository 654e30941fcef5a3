// Package operations owns the operation lifecycle. The Manager admits
// operations through the resource manager, runs one scheduler loop per
// operation and routes failures to compensation.
//
// A loop repeatedly picks the next ready group of steps from the plan,
// dispatches every step of the group concurrently and waits for all of them
// before folding their results into the state. Cancellation and shutdown are
// observed only between groups.
package operations
