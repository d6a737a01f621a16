// Package logging builds the slog loggers of a node and provides Capture,
// an in-memory sink whose lines can be searched from a mark, the way
// cluster tests inspect a node's log.
package logging
