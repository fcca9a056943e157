package config

import (
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Watcher polls a file and calls onChange when its modification time or
// size changes.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func() error
	logger   *zap.Logger

	mu       sync.Mutex
	modTime  time.Time
	size     int64
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWatcher creates a file watcher. The current file version is taken as
// the baseline.
func NewWatcher(path string, interval time.Duration, onChange func() error, logger *zap.Logger) *Watcher {
	w := &Watcher{
		path:     path,
		interval: interval,
		onChange: onChange,
		logger:   logger.Named("config"),
		stopChan: make(chan struct{}),
	}
	w.modTime, w.size = w.stat()
	return w
}

// Start runs the polling loop until Stop is called
func (w *Watcher) Start() {
	w.logger.Info("Watching zones file for changes",
		zap.String("path", w.path),
		zap.Duration("interval", w.interval))

	go func() {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				w.Check()
			case <-w.stopChan:
				w.logger.Info("Stopping zones file watcher")
				return
			}
		}
	}()
}

// Check compares the file against the last seen version and calls onChange
// if it differs. It reports whether onChange ran.
func (w *Watcher) Check() bool {
	modTime, size := w.stat()

	w.mu.Lock()
	changed := !modTime.Equal(w.modTime) || size != w.size
	if changed {
		w.modTime, w.size = modTime, size
	}
	w.mu.Unlock()

	if !changed {
		return false
	}

	w.logger.Info("Zones file changed, reloading", zap.String("path", w.path))
	if err := w.onChange(); err != nil {
		w.logger.Error("Failed to reload zones file", zap.Error(err))
	}
	return true
}

// Stop stops the polling loop
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopChan) })
}

// stat returns the zero values for a missing file
func (w *Watcher) stat() (time.Time, int64) {
	info, err := os.Stat(w.path)
	if err != nil {
		return time.Time{}, -1
	}
	return info.ModTime(), info.Size()
}
