// Package admin serves the REST API operators and tests drive a node
// with: repair jobs, error injection, the config table, flush, compaction,
// mutation fragment dumps and Prometheus metrics.
package admin
