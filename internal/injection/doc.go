// Package injection is the per-node registry of named error injection
// points. Tests enable a point; code at the point asks whether it is
// enabled and may record the parameters it evaluated with, which the admin
// API exposes for inspection.
package injection
