// ABOUTME: Feature flag file loading and hot reload.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// FlagWatcher serves the current feature flags and reloads them when the
// config file changes. Readers never block on a reload.
type FlagWatcher struct {
	path    string
	logger  zerolog.Logger
	current atomic.Pointer[FeatureFlags]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewFlagWatcher starts from initial and reloads from path.
func NewFlagWatcher(path string, initial FeatureFlags, logger zerolog.Logger) *FlagWatcher {
	w := &FlagWatcher{
		path:   path,
		logger: logger.With().Str("component", "flags").Logger(),
	}
	w.current.Store(&initial)
	return w
}

// Flags returns the flags in effect.
func (w *FlagWatcher) Flags() FeatureFlags {
	return *w.current.Load()
}

// Reload re-reads the flags section of the config file. A file without a
// feature_flags section resets every flag to its zero value.
func (w *FlagWatcher) Reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", w.path, err)
	}
	var fileCfg FileConfig
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return fmt.Errorf("parse config %s: %w", w.path, err)
	}
	flags := FeatureFlags{}
	if fileCfg.Flags != nil {
		flags = *fileCfg.Flags
	}
	w.current.Store(&flags)
	return nil
}

// Watch reloads flags on every write to the config file until ctx is done.
// The parent directory is watched so atomic renames are seen too.
func (w *FlagWatcher) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	go w.processEvents(ctx, watcher)
	w.logger.Info().Str("path", w.path).Msg("watching feature flags")
	return nil
}

func (w *FlagWatcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	defer watcher.Close()
	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.Reload(); err != nil {
				w.logger.Warn().Err(err).Msg("feature flag reload failed; keeping previous flags")
				continue
			}
			w.logger.Info().Interface("flags", w.Flags()).Msg("feature flags reloaded")
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// Close stops watching.
func (w *FlagWatcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}
