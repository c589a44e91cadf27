package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/secfleet/conductor/pkg/telemetry"
)

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(cfg *Config)

// Watcher reloads a configuration file when it changes. Invalid edits are
// logged and ignored; the last good configuration stays current.
type Watcher struct {
	path     string
	logger   *telemetry.Logger
	events   *telemetry.EventPublisher
	onReload ReloadFunc
	delay    time.Duration

	mu      sync.RWMutex
	current *Config
}

// NewWatcher creates a watcher for path starting from initial.
func NewWatcher(path string, initial *Config, onReload ReloadFunc, logger *telemetry.Logger, events *telemetry.EventPublisher) *Watcher {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Watcher{
		path:     path,
		logger:   logger.NewComponentLogger("config_watcher"),
		events:   events,
		onReload: onReload,
		delay:    250 * time.Millisecond,
		current:  initial,
	}
}

// Current returns the last successfully loaded configuration.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Run watches the file until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	// Watch the directory so editors that replace the file are seen.
	if err := fw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	target := filepath.Clean(w.path)

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(w.delay)
			fire = timer.C

		case <-fire:
			fire = nil
			w.reload()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("Config watcher error")
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WithError(err).Warn("Ignoring invalid configuration change")
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.WithField("path", w.path).Info("Configuration reloaded")
	if err := w.events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeConfigReloaded,
		Source:  "config_watcher",
		Message: fmt.Sprintf("Configuration %s reloaded", w.path),
		Level:   telemetry.EventLevelInfo,
		Data:    map[string]interface{}{"path": w.path},
	}); err != nil {
		w.logger.WithError(err).Warn("Failed to publish reload event")
	}
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
