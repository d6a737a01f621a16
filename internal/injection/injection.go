package injection

import (
	"log/slog"
	"sort"
	"sync"
)

// Names of the injection points used by repair.
const (
	MaybeCompactForStreaming        = "maybe_compact_for_streaming"
	FlushHintsBatchlogUninitialized = "repair_flush_hints_batchlog_handler_bm_uninitialized"
	StreamTransferFailure           = "repair_stream_transfer_failure"
)

// State is what an enabled point reports.
type State struct {
	Name       string            `json:"name"`
	Enabled    bool              `json:"enabled"`
	OneShot    bool              `json:"one_shot"`
	Parameters map[string]string `json:"parameters"`
}

type point struct {
	oneShot bool
	params  map[string]string
}

// Registry holds the enabled injection points of a node.
type Registry struct {
	mu     sync.Mutex
	points map[string]*point
	logger *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{points: make(map[string]*point), logger: logger.With("component", "injection")}
}

// Enable turns a point on with initial parameters. A one-shot point
// disables itself the first time Triggered reports it.
func (r *Registry) Enable(name string, oneShot bool, params map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &point{oneShot: oneShot, params: make(map[string]string, len(params))}
	for k, v := range params {
		p.params[k] = v
	}
	r.points[name] = p
	r.logger.Info("Enabled error injection", "name", name, "one_shot", oneShot)
}

// Disable turns a point off.
func (r *Registry) Disable(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.points, name)
}

// DisableAll turns every point off.
func (r *Registry) DisableAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points = make(map[string]*point)
}

// Enabled reports whether a point is on, without consuming it.
func (r *Registry) Enabled(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.points[name]
	return ok
}

// Triggered reports whether a point is on and consumes one-shot points.
func (r *Registry) Triggered(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.points[name]
	if !ok {
		return false
	}
	if p.oneShot {
		delete(r.points, name)
	}
	r.logger.Debug("Error injection triggered", "name", name)
	return true
}

// Record stores parameters evaluated at an enabled point, replacing earlier
// values of the same keys. It is a no-op for a disabled point.
func (r *Registry) Record(name string, params map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.points[name]
	if !ok {
		return
	}
	for k, v := range params {
		p.params[k] = v
	}
}

// Get returns the state of a point. A disabled point reports Enabled false.
func (r *Registry) Get(name string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.points[name]
	if !ok {
		return State{Name: name}
	}
	params := make(map[string]string, len(p.params))
	for k, v := range p.params {
		params[k] = v
	}
	return State{Name: name, Enabled: true, OneShot: p.oneShot, Parameters: params}
}

// Names returns the enabled points, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.points))
	for name := range r.points {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
