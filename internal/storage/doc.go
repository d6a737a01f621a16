// Package storage provides node-local table storage. Each table keeps a
// memtable and a list of immutable runs; reads merge every source of a
// partition into its reconciled form. Fragments carry write timestamps and
// deletion times so tombstones can shadow older data and be purged once a
// GC policy allows it.
package storage
