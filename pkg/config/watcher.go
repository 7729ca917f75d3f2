package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"admission-engine/pkg/ratelimit"
)

// DefaultReloadDebounce coalesces the burst of events one save produces.
const DefaultReloadDebounce = 250 * time.Millisecond

// PolicyWatcher keeps a PolicyRegistry in sync with the policy file.
//
// A reload that fails to parse or validate leaves the registry untouched,
// so a bad edit keeps the previous table in force.
type PolicyWatcher struct {
	path     string
	registry *ratelimit.PolicyRegistry
	debounce time.Duration
	onReload func(*PolicySet, error)
	logger   *slog.Logger

	mu      sync.RWMutex
	current *PolicySet

	// ready is closed once Run watches the directory.
	ready chan struct{}
}

// WatcherOption configures a PolicyWatcher.
type WatcherOption func(*PolicyWatcher)

// WithDebounce sets the delay between the last file event and the reload.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *PolicyWatcher) { w.debounce = d }
}

// WithReloadHook registers fn to run after every load attempt. On failure
// the set is nil and err describes the problem.
func WithReloadHook(fn func(set *PolicySet, err error)) WatcherOption {
	return func(w *PolicyWatcher) { w.onReload = fn }
}

// WithWatcherLogger sets the logger. Default: slog.Default().
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *PolicyWatcher) { w.logger = logger }
}

// NewPolicyWatcher creates a watcher for the policy file at path.
func NewPolicyWatcher(path string, registry *ratelimit.PolicyRegistry, opts ...WatcherOption) (*PolicyWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve policy file path: %w", err)
	}
	w := &PolicyWatcher{
		path:     abs,
		registry: registry,
		debounce: DefaultReloadDebounce,
		logger:   slog.Default(),
		ready:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Current returns the last successfully loaded set, or nil.
func (w *PolicyWatcher) Current() *PolicySet {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Load reads the file and, if it is valid, replaces the registry's table.
func (w *PolicyWatcher) Load() (*PolicySet, error) {
	set, err := LoadPolicies(w.path)
	if err == nil {
		err = w.registry.Replace(set.Policies)
	}
	if err != nil {
		w.logger.Error("policy reload failed, keeping previous policies",
			slog.String("path", w.path),
			slog.Any("error", err))
		if w.onReload != nil {
			w.onReload(nil, err)
		}
		return nil, err
	}

	w.mu.Lock()
	w.current = set
	w.mu.Unlock()

	w.logger.Info("policies loaded",
		slog.String("path", w.path),
		slog.Int("policies", len(set.Policies)),
		slog.Int("routes", len(set.Routes)))
	if w.onReload != nil {
		w.onReload(set, nil)
	}
	return set, nil
}

// Run watches the file until ctx is cancelled. The directory is watched
// rather than the file so that editors which save by rename are followed.
func (w *PolicyWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	dir, name := filepath.Dir(w.path), filepath.Base(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch directory %s: %w", dir, err)
	}
	close(w.ready)
	w.logger.Info("watching policy file", slog.String("path", w.path))

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.logger.Warn("policy file removed or renamed, waiting for it to reappear",
					slog.String("path", w.path))
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			reload = timer.C

		case <-reload:
			reload = nil
			_, _ = w.Load()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("policy watcher error", slog.Any("error", err))
		}
	}
}
