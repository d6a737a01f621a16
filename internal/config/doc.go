// Package config holds node configuration.
//
// Two layers live here. File configuration (Config) is YAML loaded once at
// startup. Runtime configuration (Store) is a set of named items with typed
// values; items flagged live-updatable may be changed while the node runs,
// through the system.config table view (Table), the file Watcher, or direct
// Set calls, and every reader observes the latest committed value.
package config
