// Package execution snapshots dispatched executors into links, records them
// and hands them to the execution queue. It is the boundary between the hook
// dispatcher and the external execution engine.
package execution
