package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the configuration when the config file changes and
// hands the new config to a callback. Editors write files with a flurry
// of events, so changes are debounced before reloading.
type Watcher struct {
	loader   *Loader
	logger   zerolog.Logger
	onChange func(*Config)
	fsw      *fsnotify.Watcher
	stop     chan struct{}
	done     chan struct{}
}

// NewWatcher constructs a watcher over the loader's config path.
func NewWatcher(loader *Loader, onChange func(*Config), logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader:   loader,
		logger:   logger.With().Str("component", "config_watcher").Logger(),
		onChange: onChange,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start begins watching. The watch covers the config file's directory
// because rename-into-place saves replace the inode.
func (w *Watcher) Start() error {
	path, err := w.loader.Path()
	if err != nil {
		return err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fs watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(path)); err != nil {
		fsw.Close()
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	w.fsw = fsw

	go w.run(path)
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) run(path string) {
	defer close(w.done)
	defer w.fsw.Close()

	var debounce *time.Timer
	debounced := make(chan struct{}, 1)

	for {
		select {
		case <-w.stop:
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(500*time.Millisecond, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("Config watch error")
		case <-debounced:
			cfg, err := w.loader.Load()
			if err != nil {
				w.logger.Error().Err(err).Msg("Ignoring config change that failed to load")
				continue
			}
			w.logger.Info().Msg("Configuration reloaded")
			w.onChange(cfg)
		}
	}
}
