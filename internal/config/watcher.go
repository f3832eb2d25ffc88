package config

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches one or more configuration files and invokes onChange,
// debounced, whenever any of them is written or renamed over. It backs the
// hot-reload path that drives Router.ReloadRoles.
type Watcher struct {
	watcher  *fsnotify.Watcher
	onChange func(path string)
	debounce time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewWatcher builds a Watcher over the given paths. debounce coalesces
// bursts of filesystem events (editors often write-then-rename) into a
// single onChange call per settle period.
func NewWatcher(paths []string, debounce time.Duration, onChange func(path string), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dirs := map[string]bool{}
	for _, p := range paths {
		dirs[filepath.Dir(p)] = true
	}
	for dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, err
		}
	}
	return &Watcher{watcher: fw, onChange: onChange, debounce: debounce, logger: logger, stop: make(chan struct{})}, nil
}

// Run blocks, dispatching debounced change events until Stop is called.
func (w *Watcher) Run() {
	var timer *time.Timer
	pending := ""
	fire := func() {
		if pending != "" {
			w.onChange(pending)
			pending = ""
		}
	}
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = event.Name
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, fire)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", "error", err)
		case <-w.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// Stop ends Run and releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	close(w.stop)
	return w.watcher.Close()
}
