// Package watch re-runs analyses when module manifests change on disk.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"refanalyzer/manifest"
	"refanalyzer/model"
)

// DefaultDelay collects bursts of events into one change.
const DefaultDelay = 300 * time.Millisecond

// Handler receives the modules whose manifest changed.
type Handler func(ctx context.Context, modules []*model.Module)

type Watcher struct {
	fsw    *fsnotify.Watcher
	cache  *manifest.Cache
	delay  time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	manifests map[string][]*model.Module
	dirs      map[string]bool
}

type Option func(*Watcher)

func WithDelay(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.delay = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New returns a watcher that invalidates changed manifests in cache.
func New(cache *manifest.Cache, opts ...Option) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	w := &Watcher{
		fsw:       fsw,
		cache:     cache,
		delay:     DefaultDelay,
		logger:    slog.Default(),
		manifests: make(map[string][]*model.Module),
		dirs:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Add watches the manifests of modules. Modules without a path are skipped.
func (w *Watcher) Add(modules ...*model.Module) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, m := range modules {
		if m.Path == "" {
			continue
		}
		key, err := manifest.Normalize(m.Path)
		if err != nil {
			return err
		}
		w.manifests[key] = append(w.manifests[key], m)
		dir := filepath.Dir(key)
		if w.dirs[dir] {
			continue
		}
		// Editors replace files by rename, so the directory is watched
		// rather than the file.
		if err := w.fsw.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		w.dirs[dir] = true
	}
	return nil
}

// changed invalidates the cache entry of a watched manifest and returns
// its modules.
func (w *Watcher) changed(name string) []*model.Module {
	key, err := manifest.Normalize(name)
	if err != nil {
		return nil
	}
	w.mu.Lock()
	modules := w.manifests[key]
	w.mu.Unlock()
	if len(modules) == 0 {
		return nil
	}
	w.cache.Invalidate(key)
	return modules
}

// Run processes events until ctx is done or the watcher is closed. After
// the delay passes without further events, handle receives every module
// whose manifest changed, sorted by name.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	pending := make(map[*model.Module]bool)
	timer := time.NewTimer(w.delay)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			modules := w.changed(event.Name)
			if len(modules) == 0 {
				continue
			}
			w.logger.Info("manifest changed", "file", event.Name, "op", event.Op.String())
			for _, m := range modules {
				pending[m] = true
			}
			timer.Reset(w.delay)
		case <-timer.C:
			batch := make([]*model.Module, 0, len(pending))
			for m := range pending {
				batch = append(batch, m)
			}
			clear(pending)
			sort.Slice(batch, func(i, j int) bool { return batch[i].Name < batch[j].Name })
			handle(ctx, batch)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)
		}
	}
}

func (w *Watcher) Close() error {
	return w.fsw.Close()
}
