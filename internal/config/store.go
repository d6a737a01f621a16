package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hyp3rd/ewrap"

	"kvrepair/internal/sentinel"
)

// Kind is the scalar type of an item's value.
type Kind int

const (
	KindBool Kind = iota
	KindInt
	KindString
)

func (k Kind) String() string {
	switch k {
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindString:
		return "string"
	default:
		return "unknown"
	}
}

// Source records where an item's current value came from.
type Source int

const (
	SourceDefault Source = iota
	SourceConfigFile
	SourceCommandLine
	SourceTable
)

func (s Source) String() string {
	switch s {
	case SourceDefault:
		return "default"
	case SourceConfigFile:
		return "config"
	case SourceCommandLine:
		return "cmdline"
	case SourceTable:
		return "cql"
	default:
		return "unknown"
	}
}

// Definition describes an item to register in a Store.
type Definition struct {
	Name        string
	Kind        Kind
	Default     any
	LiveUpdate  bool
	Description string
}

// Value is a committed item value. V holds a bool, int64 or string
// depending on the item's Kind.
type Value struct {
	V      any
	Source Source
}

// String renders the value the way the config table shows it.
func (v Value) String() string {
	switch x := v.V.(type) {
	case bool:
		return strconv.FormatBool(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}

// Item is a single named configuration item.
type Item struct {
	Name        string
	Kind        Kind
	LiveUpdate  bool
	Description string

	mu   sync.Mutex // serializes writers; readers never take it
	cur  atomic.Pointer[Value]
	subs []func(Value)
}

// Load returns the committed value.
func (it *Item) Load() Value {
	return *it.cur.Load()
}

// Store holds the runtime configuration items of a node.
type Store struct {
	items map[string]*Item
	names []string

	obsMu     sync.RWMutex
	observers []func(name string, v Value)
}

// NewStore registers the given definitions with their default values.
func NewStore(defs []Definition) (*Store, error) {
	s := &Store{items: make(map[string]*Item, len(defs))}
	for _, d := range defs {
		if _, dup := s.items[d.Name]; dup {
			return nil, ewrap.Wrapf(sentinel.ErrInvalidValue, "duplicate config item %q", d.Name)
		}
		v, err := coerce(d.Kind, d.Default)
		if err != nil {
			return nil, ewrap.Wrapf(err, "default for %q", d.Name)
		}
		it := &Item{Name: d.Name, Kind: d.Kind, LiveUpdate: d.LiveUpdate, Description: d.Description}
		it.cur.Store(&Value{V: v, Source: SourceDefault})
		s.items[d.Name] = it
		s.names = append(s.names, d.Name)
	}
	sort.Strings(s.names)
	return s, nil
}

// NewDefaultStore builds a store holding DefaultItems.
func NewDefaultStore() *Store {
	s, err := NewStore(DefaultItems())
	if err != nil {
		panic(err)
	}
	return s
}

// Names returns the registered item names in sorted order.
func (s *Store) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Item looks up an item by name.
func (s *Store) Item(name string) (*Item, error) {
	it, ok := s.items[name]
	if !ok {
		return nil, ewrap.Wrapf(sentinel.ErrUnknownItem, "config item %q", name)
	}
	return it, nil
}

// Get returns the committed value of an item.
func (s *Store) Get(name string) (Value, error) {
	it, err := s.Item(name)
	if err != nil {
		return Value{}, err
	}
	return it.Load(), nil
}

// Set commits a new value for an item. v may be the typed value or its
// string form. Observers run after the commit, in commit order per item.
func (s *Store) Set(name string, v any, src Source) error {
	it, err := s.Item(name)
	if err != nil {
		return err
	}
	typed, err := coerce(it.Kind, v)
	if err != nil {
		return ewrap.Wrapf(err, "config item %q", name)
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	val := Value{V: typed, Source: src}
	it.cur.Store(&val)

	for _, fn := range it.subs {
		fn(val)
	}
	s.obsMu.RLock()
	observers := s.observers
	s.obsMu.RUnlock()
	for _, fn := range observers {
		fn(name, val)
	}
	return nil
}

// Subscribe registers fn to be called after every commit to the named item.
func (s *Store) Subscribe(name string, fn func(Value)) error {
	it, err := s.Item(name)
	if err != nil {
		return err
	}
	it.mu.Lock()
	it.subs = append(it.subs, fn)
	it.mu.Unlock()
	return nil
}

// Observe registers fn to be called after every commit to any item.
func (s *Store) Observe(fn func(name string, v Value)) {
	s.obsMu.Lock()
	s.observers = append(s.observers, fn)
	s.obsMu.Unlock()
}

// Apply commits a set of string values from one source, stopping at the
// first failure.
func (s *Store) Apply(values map[string]string, src Source) error {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.Set(name, values[name], src); err != nil {
			return err
		}
	}
	return nil
}

// Bool is a read-through handle on a boolean item. It never caches.
type Bool struct {
	item *Item
}

// Get returns the committed value at call time.
func (b Bool) Get() bool {
	v, _ := b.item.Load().V.(bool)
	return v
}

// Name returns the item name.
func (b Bool) Name() string { return b.item.Name }

// Valid reports whether the handle is bound to an item.
func (b Bool) Valid() bool { return b.item != nil }

// Int is a read-through handle on an integer item.
type Int struct {
	item *Item
}

// Get returns the committed value at call time.
func (i Int) Get() int64 {
	v, _ := i.item.Load().V.(int64)
	return v
}

// Name returns the item name.
func (i Int) Name() string { return i.item.Name }

// Valid reports whether the handle is bound to an item.
func (i Int) Valid() bool { return i.item != nil }

// Bool returns a read-through handle for a boolean item.
func (s *Store) Bool(name string) (Bool, error) {
	it, err := s.Item(name)
	if err != nil {
		return Bool{}, err
	}
	if it.Kind != KindBool {
		return Bool{}, ewrap.Wrapf(sentinel.ErrInvalidValue, "config item %q is %s, not bool", name, it.Kind)
	}
	return Bool{item: it}, nil
}

// Int returns a read-through handle for an integer item.
func (s *Store) Int(name string) (Int, error) {
	it, err := s.Item(name)
	if err != nil {
		return Int{}, err
	}
	if it.Kind != KindInt {
		return Int{}, ewrap.Wrapf(sentinel.ErrInvalidValue, "config item %q is %s, not int", name, it.Kind)
	}
	return Int{item: it}, nil
}

// MustBool is Bool for items known to be registered.
func (s *Store) MustBool(name string) Bool {
	b, err := s.Bool(name)
	if err != nil {
		panic(err)
	}
	return b
}

// MustInt is Int for items known to be registered.
func (s *Store) MustInt(name string) Int {
	i, err := s.Int(name)
	if err != nil {
		panic(err)
	}
	return i
}

// ParseBool accepts true/false and 1/0, case-insensitively.
func ParseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, ewrap.Wrapf(sentinel.ErrInvalidValue, "invalid boolean %q", s)
	}
}

func coerce(kind Kind, v any) (any, error) {
	switch kind {
	case KindBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return ParseBool(x)
		}
	case KindInt:
		switch x := v.(type) {
		case int:
			return int64(x), nil
		case int64:
			return x, nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64)
			if err != nil {
				return nil, ewrap.Wrapf(sentinel.ErrInvalidValue, "invalid integer %q", x)
			}
			return n, nil
		}
	case KindString:
		if x, ok := v.(string); ok {
			return x, nil
		}
	}
	return nil, ewrap.Wrapf(sentinel.ErrInvalidValue, "%T is not a valid %s value", v, kind)
}
