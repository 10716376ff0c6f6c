// chatsync - Conversation sync engine for the inventory client.
// Copyright (C) 2024 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package connector

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const configReloadDelay = 250 * time.Millisecond

// WatchConfig reloads the config file whenever it changes and passes the
// result to onChange. Invalid configs are logged and ignored. It blocks until
// ctx is done.
func WatchConfig(ctx context.Context, path string, log zerolog.Logger, onChange func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer watcher.Close()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	// Editors replace the file instead of writing it, so watch the directory.
	if err = watcher.Add(filepath.Dir(absPath)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	log = log.With().Str("component", "config_watcher").Str("path", absPath).Logger()
	log.Debug().Msg("Watching config file")

	var reload <-chan time.Time
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != absPath || !(evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(configReloadDelay)
			} else {
				timer.Reset(configReloadDelay)
			}
			reload = timer.C
		case <-reload:
			reload = nil
			cfg, err := LoadConfig(absPath)
			if err != nil {
				log.Warn().Err(err).Msg("Failed to reload config, keeping previous settings")
				continue
			}
			log.Info().Msg("Config file changed, applying new settings")
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		case <-ctx.Done():
			return nil
		}
	}
}
