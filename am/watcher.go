package am

import (
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/teranos/lector/errors"
)

// ReloadCallback is called with the freshly loaded config after a change.
// The daemon uses it to re-apply crawler.disabled_hooks to the hook registry.
type ReloadCallback func(*Config) error

// ConfigWatcher watches config files for changes and triggers reload callbacks
type ConfigWatcher struct {
	paths          []string
	watcher        *fsnotify.Watcher
	logger         *zap.SugaredLogger
	debouncePeriod time.Duration

	mu            sync.Mutex
	callbacks     []ReloadCallback
	debounceTimer *time.Timer
	ownWrite      bool
	done          chan struct{}
}

var (
	globalWatcher   *ConfigWatcher
	globalWatcherMu sync.Mutex
)

// NewConfigWatcher watches each existing path. Missing files are skipped; at
// least one path must be watchable.
func NewConfigWatcher(logger *zap.SugaredLogger, paths ...string) (*ConfigWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create fsnotify watcher")
	}

	cw := &ConfigWatcher{
		watcher:        w,
		logger:         logger.Named("am.watcher"),
		debouncePeriod: 500 * time.Millisecond,
		done:           make(chan struct{}),
	}

	for _, p := range paths {
		if p == "" {
			continue
		}
		if err := w.Add(p); err != nil {
			cw.logger.Debugw("Not watching config file", "path", p, "error", err)
			continue
		}
		cw.paths = append(cw.paths, p)
	}
	if len(cw.paths) == 0 {
		w.Close()
		return nil, errors.WithDetailf(errors.New("no config file to watch"), "Paths: %v", paths)
	}

	return cw, nil
}

// Paths returns the files being watched
func (cw *ConfigWatcher) Paths() []string {
	return cw.paths
}

// OnReload registers a callback to be called when config is reloaded
func (cw *ConfigWatcher) OnReload(callback ReloadCallback) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// MarkOwnWrite marks the next write as coming from us (prevents reload loops)
func (cw *ConfigWatcher) MarkOwnWrite() {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.ownWrite = true
}

func (cw *ConfigWatcher) takeOwnWrite() bool {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	own := cw.ownWrite
	cw.ownWrite = false
	return own
}

// Start begins watching for config file changes
func (cw *ConfigWatcher) Start() {
	go cw.watchLoop()
}

func (cw *ConfigWatcher) watchLoop() {
	for {
		select {
		case <-cw.done:
			return
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if isBackupFile(event.Name) {
				continue
			}
			if cw.takeOwnWrite() {
				cw.logger.Debugw("Ignoring own config write", "file", event.Name)
				continue
			}
			cw.logger.Infow("Config change detected", "file", event.Name, "op", event.Op.String())
			cw.scheduleReload()

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warnw("Config watcher error", "error", err)
		}
	}
}

// scheduleReload debounces editor save bursts into one reload
func (cw *ConfigWatcher) scheduleReload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.debounceTimer = time.AfterFunc(cw.debouncePeriod, func() {
		if err := cw.reload(); err != nil {
			cw.logger.Errorw("Config reload failed", "error", err)
		}
	})
}

func (cw *ConfigWatcher) reload() error {
	Reset()

	cfg, err := Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}

	cw.mu.Lock()
	callbacks := append([]ReloadCallback(nil), cw.callbacks...)
	cw.mu.Unlock()

	for _, callback := range callbacks {
		// One failing callback must not starve the others
		if err := callback(cfg); err != nil {
			cw.logger.Warnw("Config reload callback error", "error", err)
		}
	}

	cw.logger.Infow("Config reloaded", "paths", cw.paths)
	return nil
}

// Stop stops watching for config changes
func (cw *ConfigWatcher) Stop() error {
	cw.mu.Lock()
	if cw.debounceTimer != nil {
		cw.debounceTimer.Stop()
	}
	cw.mu.Unlock()
	close(cw.done)
	return cw.watcher.Close()
}

// isBackupFile checks if the file is a rotated backup (.back1, .back2, .back3)
func isBackupFile(path string) bool {
	ext := filepath.Ext(path)
	return strings.HasPrefix(ext, ".back") && len(ext) == len(".back1")
}

// SetGlobalWatcher registers the daemon's watcher so CLI-side config writes
// in the same process are not mistaken for edits.
func SetGlobalWatcher(watcher *ConfigWatcher) {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	globalWatcher = watcher
}

// GetGlobalWatcher returns the global watcher instance
func GetGlobalWatcher() *ConfigWatcher {
	globalWatcherMu.Lock()
	defer globalWatcherMu.Unlock()
	return globalWatcher
}
