package schema

import (
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hyp3rd/ewrap"

	"kvrepair/internal/sentinel"
)

// GCMode selects when tombstones of a table may be purged.
type GCMode int

const (
	// GCTimeout purges once gc_grace_seconds have passed since deletion.
	GCTimeout GCMode = iota
	// GCRepair purges once repair has confirmed the deletion on all replicas
	// and the propagation delay has passed.
	GCRepair
	// GCImmediate purges as soon as the tombstone is written.
	GCImmediate
	// GCDisabled never purges.
	GCDisabled
)

func (m GCMode) String() string {
	switch m {
	case GCTimeout:
		return "timeout"
	case GCRepair:
		return "repair"
	case GCImmediate:
		return "immediate"
	case GCDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// ParseGCMode parses a tombstone_gc mode name.
func ParseGCMode(s string) (GCMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "timeout":
		return GCTimeout, nil
	case "repair":
		return GCRepair, nil
	case "immediate":
		return GCImmediate, nil
	case "disabled":
		return GCDisabled, nil
	default:
		return 0, ewrap.Wrapf(sentinel.ErrInvalidValue, "unknown tombstone_gc mode %q", s)
	}
}

const (
	DefaultGCGraceSeconds   = 864000
	DefaultPropagationDelay = 3600 * time.Second
	DefaultCompactionClass  = "SizeTieredCompactionStrategy"
	NullCompactionClass     = "NullCompactionStrategy"
)

// TombstoneGC is the tombstone_gc table option.
type TombstoneGC struct {
	Mode             GCMode
	PropagationDelay time.Duration
}

// Table describes a table. Values are immutable snapshots; Catalog.Alter
// installs a new snapshot.
type Table struct {
	Keyspace        string
	Name            string
	GCGrace         time.Duration
	TombstoneGC     TombstoneGC
	CompactionClass string
}

// AutoCompaction reports whether background compaction may run for the table.
func (t Table) AutoCompaction() bool {
	return t.CompactionClass != NullCompactionClass
}

// Keyspace describes a keyspace.
type Keyspace struct {
	Name              string
	ReplicationFactor int
}

// Catalog is the schema of a node.
type Catalog struct {
	mu        sync.RWMutex
	keyspaces map[string]Keyspace
	tables    map[string]Table // "ks.tbl"
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		keyspaces: make(map[string]Keyspace),
		tables:    make(map[string]Table),
	}
}

// CreateKeyspace registers a keyspace. Re-creating with the same settings is a no-op.
func (c *Catalog) CreateKeyspace(name string, rf int) error {
	if name == "" || rf <= 0 {
		return ewrap.Wrapf(sentinel.ErrInvalidValue, "keyspace %q rf=%d", name, rf)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keyspaces[name] = Keyspace{Name: name, ReplicationFactor: rf}
	return nil
}

// CreateTable registers a table with the given options applied over defaults.
func (c *Catalog) CreateTable(keyspace, name string, opts map[string]string) (Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.keyspaces[keyspace]; !ok {
		return Table{}, ewrap.Wrapf(sentinel.ErrUnknownKeyspace, "%q", keyspace)
	}
	t := Table{
		Keyspace:        keyspace,
		Name:            name,
		GCGrace:         DefaultGCGraceSeconds * time.Second,
		TombstoneGC:     TombstoneGC{Mode: GCTimeout, PropagationDelay: DefaultPropagationDelay},
		CompactionClass: DefaultCompactionClass,
	}
	t, err := applyOptions(t, opts)
	if err != nil {
		return Table{}, err
	}
	c.tables[qualified(keyspace, name)] = t
	return t, nil
}

// Alter applies options to an existing table, like ALTER TABLE ... WITH.
func (c *Catalog) Alter(keyspace, name string, opts map[string]string) (Table, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.tables[qualified(keyspace, name)]
	if !ok {
		return Table{}, ewrap.Wrapf(sentinel.ErrUnknownTable, "%s", qualified(keyspace, name))
	}
	t, err := applyOptions(t, opts)
	if err != nil {
		return Table{}, err
	}
	c.tables[qualified(keyspace, name)] = t
	return t, nil
}

// Keyspace looks up a keyspace.
func (c *Catalog) Keyspace(name string) (Keyspace, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ks, ok := c.keyspaces[name]
	if !ok {
		return Keyspace{}, ewrap.Wrapf(sentinel.ErrUnknownKeyspace, "%q", name)
	}
	return ks, nil
}

// Table looks up the current snapshot of a table.
func (c *Catalog) Table(keyspace, name string) (Table, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	t, ok := c.tables[qualified(keyspace, name)]
	if !ok {
		return Table{}, ewrap.Wrapf(sentinel.ErrUnknownTable, "%s", qualified(keyspace, name))
	}
	return t, nil
}

// Keyspaces returns every keyspace sorted by name.
func (c *Catalog) Keyspaces() []Keyspace {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Keyspace, 0, len(c.keyspaces))
	for _, ks := range c.keyspaces {
		out = append(out, ks)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tables returns the tables of a keyspace sorted by name.
func (c *Catalog) Tables(keyspace string) []Table {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []Table
	for _, t := range c.tables {
		if t.Keyspace == keyspace {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Options recognised by CreateTable and Alter:
//
//	gc_grace_seconds, tombstone_gc.mode, tombstone_gc.propagation_delay_in_seconds,
//	compaction.class
func applyOptions(t Table, opts map[string]string) (Table, error) {
	for k, v := range opts {
		switch k {
		case "gc_grace_seconds":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return t, ewrap.Wrapf(sentinel.ErrInvalidValue, "gc_grace_seconds %q", v)
			}
			t.GCGrace = time.Duration(n) * time.Second
		case "tombstone_gc.mode":
			m, err := ParseGCMode(v)
			if err != nil {
				return t, err
			}
			t.TombstoneGC.Mode = m
		case "tombstone_gc.propagation_delay_in_seconds":
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return t, ewrap.Wrapf(sentinel.ErrInvalidValue, "propagation_delay_in_seconds %q", v)
			}
			t.TombstoneGC.PropagationDelay = time.Duration(n) * time.Second
		case "compaction.class":
			if v == "" {
				return t, ewrap.Wrapf(sentinel.ErrInvalidValue, "empty compaction class")
			}
			t.CompactionClass = v
		default:
			return t, ewrap.Wrapf(sentinel.ErrInvalidValue, "unknown table option %q", k)
		}
	}
	return t, nil
}

func qualified(keyspace, name string) string {
	return keyspace + "." + name
}
