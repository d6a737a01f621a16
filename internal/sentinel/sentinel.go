// Package sentinel holds the error values shared across kvrepair packages.
// Callers match them with errors.Is; wrapping adds context without
// changing the classification.
package sentinel

import "github.com/hyp3rd/ewrap"

var (
	// ErrUnknownItem is returned when a config item name is not registered.
	ErrUnknownItem = ewrap.New("unknown config item")

	// ErrNotLiveUpdatable is returned when a config item that requires a
	// restart is updated at runtime.
	ErrNotLiveUpdatable = ewrap.New("config item is not live-updatable")

	// ErrInvalidValue is returned when a value cannot be parsed for its item or attribute.
	ErrInvalidValue = ewrap.New("invalid value")

	// ErrHandlerUninitialized is returned by a participant whose hints/batchlog
	// flush handler is not yet initialized. Non-fatal to a repair session.
	ErrHandlerUninitialized = ewrap.New("flush handler not initialized")

	// ErrDiffIncomplete is returned when range comparison could not complete. Fatal to a session.
	ErrDiffIncomplete = ewrap.New("diff incomplete")

	// ErrTransferError is returned when streaming a repair payload fails. Fatal to a session.
	ErrTransferError = ewrap.New("stream transfer error")

	// ErrUnknownKeyspace is returned for a keyspace that is not defined.
	ErrUnknownKeyspace = ewrap.New("unknown keyspace")

	// ErrUnknownTable is returned for a table that is not defined.
	ErrUnknownTable = ewrap.New("unknown table")

	// ErrNodeNotFound is returned when a transport has no route to a node.
	ErrNodeNotFound = ewrap.New("node not found")

	// ErrNodeDown is returned when the target node is known to be down.
	ErrNodeDown = ewrap.New("node is down")

	// ErrNotEnoughReplicas is returned when a write cannot reach its consistency level.
	ErrNotEnoughReplicas = ewrap.New("not enough replicas")

	// ErrSessionNotFound is returned for an unknown repair job id.
	ErrSessionNotFound = ewrap.New("repair session not found")

	// ErrShutdown is returned when an operation is cut short by node shutdown.
	ErrShutdown = ewrap.New("node is shutting down")
)
