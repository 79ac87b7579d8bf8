// Copyright 2026 The tokenmeter Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	log "github.com/sirupsen/logrus"
)

// Watcher reloads the configuration when its file changes on disk.
type Watcher struct {
	configFile string
	onChange   func(*Config)
	watcher    *fsnotify.Watcher
	stop       chan struct{}
}

// NewWatcher creates a watcher for configFile. onChange receives every
// successfully reloaded config; failed reloads are logged and skipped so a
// half-saved file never replaces a known-good config.
func NewWatcher(configFile string, onChange func(*Config)) *Watcher {
	return &Watcher{
		configFile: configFile,
		onChange:   onChange,
		stop:       make(chan struct{}),
	}
}

// Start begins watching the config file's directory. Watching the directory
// instead of the file survives editors that replace the file on save.
func (w *Watcher) Start() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	w.watcher = watcher

	if err = w.watcher.Add(filepath.Dir(w.configFile)); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(w.configFile) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					log.Infof("config file changed (%s), reloading...", event.Name)
					time.Sleep(100 * time.Millisecond)
					cfg, err := LoadConfig(w.configFile)
					if err == nil {
						err = cfg.Validate()
					}
					if err != nil {
						log.Errorf("failed to reload config: %v", err)
						continue
					}
					w.onChange(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Errorf("config watcher error: %v", err)
			case <-w.stop:
				return
			}
		}
	}()

	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	if w.watcher != nil {
		w.watcher.Close()
	}
}
