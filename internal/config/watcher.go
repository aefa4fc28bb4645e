package config

import (
	"context"
	"crypto/sha256"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadFunc receives every successfully loaded and validated config.
type ReloadFunc func(newCfg *Config)

// Watcher reloads the config file when it changes. fsnotify gives fast
// notification for in-place edits; a content-hash poll catches projected
// volume updates (ConfigMap symlink swaps) that inotify misses.
type Watcher struct {
	path         string
	dir          string
	onReload     ReloadFunc
	logger       *slog.Logger
	debounce     time.Duration
	pollInterval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   bool
}

// NewWatcher creates a watcher for path. Nothing is watched until Start.
func NewWatcher(path string, onReload ReloadFunc, logger *slog.Logger) *Watcher {
	return &Watcher{
		path:         path,
		dir:          filepath.Dir(path),
		onReload:     onReload,
		logger:       logger,
		debounce:     300 * time.Millisecond,
		pollInterval: 2 * time.Second,
	}
}

// Start blocks until ctx is canceled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return err
	}
	_ = fw.Add(w.path)

	w.logger.Info("config watcher started", "path", w.path)

	last := fingerprint(w.path)
	var pending *time.Timer
	var fire <-chan time.Time

	poll := time.NewTicker(w.pollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			if pending != nil {
				pending.Stop()
			}
			w.logger.Info("config watcher stopped")
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// Editors that save by rename drop the old inode from the watch.
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				_ = fw.Add(w.path)
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.NewTimer(w.debounce)
			fire = pending.C

		case <-fire:
			fire = nil
			last = fingerprint(w.path)
			w.reload()

		case <-poll.C:
			if fp := fingerprint(w.path); fp != last {
				last = fp
				w.logger.Debug("config change detected by poll", "path", w.path)
				w.reload()
			}

		case werr, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", "error", werr)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := LoadFromPath(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous config", "error", err)
		return
	}
	w.logger.Info("config reloaded", "path", w.path)
	w.onReload(cfg)
}

// Stop terminates Start. Safe to call more than once.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return
	}
	w.done = true
	if w.cancel != nil {
		w.cancel()
	}
}

// fingerprint hashes the resolved file content, so a symlink swap that
// points at new data changes it. Unreadable files hash to "".
func fingerprint(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return ""
	}
	return string(h.Sum(nil))
}
