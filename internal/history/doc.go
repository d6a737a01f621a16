// Package history records successful repairs per token range, the
// system.repair_history table. Tombstones in tables using repair-mode GC
// become purgeable only once a recorded repair covers them.
package history
