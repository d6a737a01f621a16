package config

import (
	"github.com/hyp3rd/ewrap"

	"kvrepair/internal/sentinel"
)

// Row is one row of the system.config table.
type Row struct {
	Name       string `json:"name"`
	Value      string `json:"value"`
	Type       string `json:"type"`
	Source     string `json:"source"`
	LiveUpdate bool   `json:"live_update"`
}

// Table is the named-row view of a Store, as exposed by system.config.
type Table struct {
	store *Store
}

// NewTable wraps a store.
func NewTable(store *Store) *Table {
	return &Table{store: store}
}

// Rows returns all rows ordered by name.
func (t *Table) Rows() []Row {
	rows := make([]Row, 0, len(t.store.names))
	for _, name := range t.store.names {
		rows = append(rows, rowOf(t.store.items[name]))
	}
	return rows
}

// Select returns the row for name.
func (t *Table) Select(name string) (Row, error) {
	it, err := t.store.Item(name)
	if err != nil {
		return Row{}, err
	}
	return rowOf(it), nil
}

// Update sets an item's value from its string form. Only live-updatable
// items may be changed through the table.
func (t *Table) Update(name, value string) error {
	it, err := t.store.Item(name)
	if err != nil {
		return err
	}
	if !it.LiveUpdate {
		return ewrap.Wrapf(sentinel.ErrNotLiveUpdatable, "config item %q", name)
	}
	return t.store.Set(name, value, SourceTable)
}

func rowOf(it *Item) Row {
	v := it.Load()
	return Row{
		Name:       it.Name,
		Value:      v.String(),
		Type:       it.Kind.String(),
		Source:     v.Source.String(),
		LiveUpdate: it.LiveUpdate,
	}
}
