package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the config file when it changes and re-applies its live
// items to a store. Items that need a restart are left alone.
type Watcher struct {
	path    string
	store   *Store
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	applied func(changed []string)
	done    chan struct{}
}

// NewWatcher creates a watcher for path. applied, if non-nil, is called
// after each reload with the names of items whose value changed.
func NewWatcher(path string, store *Store, logger *slog.Logger, applied func(changed []string)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:    path,
		store:   store,
		watcher: w,
		logger:  logger.With("component", "config_watcher"),
		applied: applied,
	}, nil
}

// Start begins watching in the background until ctx is done or Stop is
// called. It watches the parent directory so editors that replace the file
// are handled.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch config directory %s: %w", dir, err)
	}
	w.done = make(chan struct{})
	go w.loop(ctx)
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Config watcher error", "error", err)
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	changed, err := w.Reload()
	if err != nil {
		w.logger.Warn("Failed to reload config file", "path", w.path, "error", err)
		return
	}
	if len(changed) > 0 {
		w.logger.Info("Applied config file changes", "items", changed)
	}
	if w.applied != nil {
		w.applied(changed)
	}
}

// Reload reads the file and commits every live item whose value differs
// from the store. It returns the names that changed.
func (w *Watcher) Reload() ([]string, error) {
	cfg, err := LoadFile(w.path)
	if err != nil {
		return nil, err
	}

	var changed []string
	for _, name := range w.store.Names() {
		raw, ok := cfg.Items[name]
		if !ok {
			continue
		}
		it, _ := w.store.Item(name)
		if !it.LiveUpdate {
			continue
		}
		want, err := coerce(it.Kind, raw)
		if err != nil {
			return changed, err
		}
		if it.Load().V == want {
			continue
		}
		if err := w.store.Set(name, want, SourceConfigFile); err != nil {
			return changed, err
		}
		changed = append(changed, name)
	}
	return changed, nil
}

// Stop closes the underlying watcher and waits for the watch loop.
func (w *Watcher) Stop() error {
	err := w.watcher.Close()
	if w.done != nil {
		<-w.done
	}
	return err
}
