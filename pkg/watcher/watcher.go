package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/lbctl/pkg/config"
	"github.com/cuemby/lbctl/pkg/log"
	"github.com/cuemby/lbctl/pkg/marker"
	"github.com/cuemby/lbctl/pkg/metrics"
	"github.com/cuemby/lbctl/pkg/storage"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ComponentName is the health component reported by the watcher
const ComponentName = "watcher"

// FingerprintStore persists the last known fingerprint of each watched
// directory across restarts
type FingerprintStore interface {
	PutFingerprint(dir, fingerprint string) error
	GetFingerprint(dir string) (string, error)
}

// Watcher raises the reload marker when anything changes below the watched
// directories. fsnotify events are the fast path; a fingerprint rescan at
// startup and every rescan interval catches changes made while the watcher
// was down or events the kernel dropped.
type Watcher struct {
	dirs           []string
	exclude        map[string]bool
	marker         *marker.Marker
	store          FingerprintStore
	rescanInterval time.Duration
	logger         zerolog.Logger
	ready          chan struct{}
}

// New creates a watcher over dirs. Paths in exclude never raise the marker.
func New(dirs, exclude []string, m *marker.Marker, store FingerprintStore, rescanInterval time.Duration) *Watcher {
	w := &Watcher{
		exclude:        make(map[string]bool, len(exclude)),
		marker:         m,
		store:          store,
		rescanInterval: rescanInterval,
		logger:         log.WithComponent("watcher"),
		ready:          make(chan struct{}),
	}
	for _, dir := range dirs {
		w.dirs = append(w.dirs, filepath.Clean(dir))
	}
	for _, p := range exclude {
		w.exclude[filepath.Clean(p)] = true
	}
	return w
}

// NewFromConfig creates a watcher over the configured directories,
// excluding the composed proxy outputs
func NewFromConfig(cfg *config.Config, m *marker.Marker, store FingerprintStore) *Watcher {
	return New(
		cfg.WatchedDirs(),
		[]string{cfg.Proxy.ComposedConfig, cfg.Proxy.ComposedMap},
		m,
		store,
		cfg.Watcher.RescanInterval,
	)
}

// Ready is closed once the watches are in place and the startup rescan ran
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		metrics.UpdateComponent(ComponentName, false, err.Error())
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	for _, dir := range w.dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			metrics.UpdateComponent(ComponentName, false, err.Error())
			return fmt.Errorf("failed to create watched directory: %w", err)
		}
		if err := w.addRecursive(fsw, dir); err != nil {
			metrics.UpdateComponent(ComponentName, false, err.Error())
			return err
		}
	}

	w.logger.Info().Strs("dirs", w.dirs).Dur("rescan_interval", w.rescanInterval).Msg("Watching for changes")

	if _, err := w.Rescan(); err != nil {
		w.logger.Error().Err(err).Msg("Startup rescan failed")
	}
	metrics.UpdateComponent(ComponentName, true, fmt.Sprintf("watching %d directories", len(w.dirs)))
	close(w.ready)

	var rescan <-chan time.Time
	if w.rescanInterval > 0 {
		ticker := time.NewTicker(w.rescanInterval)
		defer ticker.Stop()
		rescan = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("Watcher stopped")
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(fsw, event)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.handleError(err)

		case <-rescan:
			if _, err := w.Rescan(); err != nil {
				w.logger.Error().Err(err).Msg("Periodic rescan failed")
			}
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, event fsnotify.Event) {
	path := filepath.Clean(event.Name)
	if w.excluded(path) {
		return
	}

	op := opLabel(event.Op)
	if op == "" {
		return
	}
	metrics.WatcherEventsTotal.WithLabelValues(op).Inc()

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			if err := w.addRecursive(fsw, path); err != nil {
				w.logger.Error().Err(err).Str("path", path).Msg("Failed to watch new directory")
			}
		}
	}

	w.logger.Debug().Str("path", path).Str("op", op).Msg("Change detected")

	if err := w.raise("event"); err != nil {
		return
	}

	// Record the tree as it is now, so the next rescan only reports
	// changes this event did not cover
	if root := w.rootOf(path); root != "" {
		if fp, err := Fingerprint(root, w.excluded); err == nil {
			if err := w.store.PutFingerprint(root, fp); err != nil {
				w.logger.Warn().Err(err).Msg("Failed to store fingerprint")
			}
		}
	}
}

func (w *Watcher) handleError(err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		w.logger.Warn().Msg("Event queue overflowed, raising reload marker")
		w.raise("overflow")
		return
	}
	w.logger.Error().Err(err).Msg("Watcher error")
}

// Rescan fingerprints every watched directory and raises the marker if any
// differs from the stored fingerprint. A directory seen for the first time
// counts as changed.
func (w *Watcher) Rescan() (bool, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RescanDuration)

	current := make(map[string]string, len(w.dirs))
	changed := false
	for _, dir := range w.dirs {
		fp, err := Fingerprint(dir, w.excluded)
		if err != nil {
			return false, err
		}
		current[dir] = fp

		previous, err := w.store.GetFingerprint(dir)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			changed = true
		case err != nil:
			return false, fmt.Errorf("failed to load fingerprint: %w", err)
		case previous != fp:
			changed = true
		}
	}

	if changed {
		w.logger.Info().Msg("Rescan found changes")
		if err := w.raise("rescan"); err != nil {
			return false, err
		}
	}

	for dir, fp := range current {
		if err := w.store.PutFingerprint(dir, fp); err != nil {
			return changed, fmt.Errorf("failed to store fingerprint: %w", err)
		}
	}
	return changed, nil
}

func (w *Watcher) raise(trigger string) error {
	if err := w.marker.Set(time.Now()); err != nil {
		w.logger.Error().Err(err).Msg("Failed to set reload marker")
		metrics.UpdateComponent(ComponentName, false, err.Error())
		return err
	}
	metrics.MarkerSetsTotal.WithLabelValues(trigger).Inc()
	return nil
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.excluded(path) {
			return filepath.SkipDir
		}
		if err := fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) excluded(path string) bool {
	return w.exclude[filepath.Clean(path)]
}

// rootOf returns the watched directory containing path
func (w *Watcher) rootOf(path string) string {
	for _, dir := range w.dirs {
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return dir
		}
	}
	return ""
}

// opLabel maps an event to the operation that qualifies it. Chmod alone
// does not qualify.
func opLabel(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return "create"
	case op.Has(fsnotify.Write):
		return "write"
	case op.Has(fsnotify.Remove):
		return "remove"
	case op.Has(fsnotify.Rename):
		return "rename"
	default:
		return ""
	}
}
