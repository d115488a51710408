package config

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/edgeroute/internal/logging"
)

// Snapshot is one consistent generation of config and build output.
type Snapshot struct {
	Config   *Config
	Manifest *Manifest
}

// Watcher reloads the service config and the manifest directory when
// either changes on disk, and hands the new snapshot to its callbacks.
type Watcher struct {
	watcher    *fsnotify.Watcher
	loader     *Loader
	configPath string
	callbacks  []func(Snapshot)
	mu         sync.RWMutex
	debounce   time.Duration
	timer      *time.Timer
	last       Snapshot
	done       chan struct{}
}

// NewWatcher loads the initial snapshot. configPath may be empty, in which
// case defaults are used and only the manifest directory is watched.
func NewWatcher(loader *Loader, configPath string) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		watcher:    fsWatcher,
		loader:     loader,
		configPath: configPath,
		debounce:   500 * time.Millisecond,
		done:       make(chan struct{}),
	}
	snap, err := w.load()
	if err != nil {
		fsWatcher.Close()
		return nil, err
	}
	w.last = snap
	return w, nil
}

func (w *Watcher) load() (Snapshot, error) {
	cfg := DefaultConfig()
	if w.configPath != "" {
		var err error
		if cfg, err = w.loader.Load(w.configPath); err != nil {
			return Snapshot{}, err
		}
	}
	m, err := w.loader.LoadManifest(cfg.Manifest.Dir)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Config: cfg, Manifest: m}, nil
}

// OnChange registers a callback for reloads.
func (w *Watcher) OnChange(cb func(Snapshot)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, cb)
}

// Start watches the config file's directory and the manifest directory.
func (w *Watcher) Start() error {
	dirs := []string{w.Current().Config.Manifest.Dir}
	if w.configPath != "" {
		dirs = append(dirs, filepath.Dir(w.configPath))
	}
	for _, d := range dirs {
		if err := w.watcher.Add(d); err != nil {
			return err
		}
	}
	go w.watch()
	return nil
}

func (w *Watcher) watch() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 || !w.relevant(ev.Name) {
				continue
			}
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(w.debounce, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("config watcher error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) relevant(name string) bool {
	base := filepath.Base(name)
	if w.configPath != "" && base == filepath.Base(w.configPath) {
		return true
	}
	switch base {
	case BuildIDFile, RoutesManifestFile, PrerenderManifestFile, RequiredServerFilesFile, AppPathRoutesManifestFile:
		return true
	}
	return false
}

// reload swaps in a new snapshot. A failed load keeps the previous one.
func (w *Watcher) reload() {
	snap, err := w.load()
	if err != nil {
		logging.Error("failed to reload configuration", zap.Error(err))
		return
	}

	w.mu.Lock()
	w.last = snap
	callbacks := append(([]func(Snapshot))(nil), w.callbacks...)
	w.mu.Unlock()

	logging.Info("configuration reloaded",
		zap.String("config", w.configPath),
		zap.String("build_id", snap.Manifest.BuildID))

	for _, cb := range callbacks {
		cb(snap)
	}
}

// Current returns the latest snapshot.
func (w *Watcher) Current() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.last
}

// Stop stops watching for changes.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

// SetDebounce sets the debounce duration for file changes.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	w.debounce = d
	w.mu.Unlock()
}
