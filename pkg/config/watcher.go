package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/domainkernel/domainkernel/pkg/domain"
)

// DefaultReloadDelay debounces bursts of writes to the topology file.
const DefaultReloadDelay = 500 * time.Millisecond

// TopologyWatcher reloads a topology file into a live topology whenever the
// file changes. A file that fails to load is logged and ignored; the live
// topology keeps its previous contents.
type TopologyWatcher struct {
	path     string
	topology *domain.Topology
	logger   zerolog.Logger
	delay    time.Duration

	// OnReload, when set, is called after every successful reload.
	OnReload func(*domain.Topology)

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

// NewTopologyWatcher creates a watcher for path feeding topology.
func NewTopologyWatcher(path string, topology *domain.Topology, logger zerolog.Logger) *TopologyWatcher {
	return &TopologyWatcher{
		path:     path,
		topology: topology,
		logger:   logger.With().Str("component", "topology-watcher").Logger(),
		delay:    DefaultReloadDelay,
	}
}

// Start begins watching in the background until ctx is done or Stop is
// called. The parent directory is watched so that editors replacing the
// file by rename are noticed.
func (w *TopologyWatcher) Start(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	w.mu.Lock()
	w.watcher = watcher
	w.mu.Unlock()

	go w.processEvents(ctx, watcher)

	w.logger.Info().Str("path", w.path).Msg("Started watching topology")
	return nil
}

// Stop stops watching.
func (w *TopologyWatcher) Stop() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watcher == nil {
		return nil
	}
	err := w.watcher.Close()
	w.watcher = nil
	return err
}

func (w *TopologyWatcher) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	var reloadTimer *time.Timer
	target := filepath.Clean(w.path)

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = w.Stop()
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
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Topology file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(w.delay, w.Reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// Reload loads the file now and swaps it into the live topology.
func (w *TopologyWatcher) Reload() {
	next, err := LoadTopology(w.path)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to reload topology, keeping the previous one")
		return
	}
	w.topology.Replace(next)
	w.logger.Info().
		Int("server_groups", len(next.ServerGroups())).
		Int("servers", len(next.Servers())).
		Msg("Topology reloaded")
	if w.OnReload != nil {
		w.OnReload(w.topology)
	}
}
