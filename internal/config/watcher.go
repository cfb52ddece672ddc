package config

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceDelay is the default delay for debouncing file system events.
const DebounceDelay = 100 * time.Millisecond

// Watcher reloads the configuration file when it changes and hands every
// successfully parsed version to the onChange callback. Invalid edits are
// logged and ignored so the running configuration stays in effect.
//
// The parent directory is watched instead of the file itself so that editors
// that replace the file on save keep being observed.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *slog.Logger

	watcher       *fsnotify.Watcher
	debounceDelay time.Duration
	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	done    chan struct{}
	stopped chan struct{}
}

// NewWatcher creates a watcher for the config file at path. Call Start to
// begin watching and Close when done.
func NewWatcher(path string, onChange func(*Config), logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		path:          abs,
		onChange:      onChange,
		logger:        logger,
		watcher:       fw,
		debounceDelay: DebounceDelay,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}, nil
}

// SetDebounceDelay sets the debounce delay. Must be called before Start.
func (w *Watcher) SetDebounceDelay(d time.Duration) {
	w.debounceDelay = d
}

// Start begins the event processing loop.
func (w *Watcher) Start() {
	go w.eventLoop()
}

// Close stops the watcher. No callback runs after Close returns, except one
// already in progress.
func (w *Watcher) Close() error {
	close(w.done)
	err := w.watcher.Close()
	<-w.stopped

	w.debounceMu.Lock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceMu.Unlock()
	return err
}

func (w *Watcher) eventLoop() {
	defer close(w.stopped)

	for {
		select {
		case <-w.done:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (w *Watcher) schedule() {
	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()
	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(w.debounceDelay, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping current configuration",
			"path", w.path, "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onChange(cfg)
}
