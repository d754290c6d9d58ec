package config

import (
	"strconv"
	"strings"
	"sync"

	"veda/internal/logging"
	"veda/internal/watcher"
)

// WatchReload re-reads the config file whenever it changes and hands the
// reloadable subset to apply. It returns a no-op closer when cfg has no file.
func WatchReload(files *watcher.Watcher, cfg Config, logger *logging.Logger, apply func(Reloadable)) (func() error, error) {
	if files == nil || strings.TrimSpace(cfg.Path) == "" || apply == nil {
		return func() error { return nil }, nil
	}
	var mu sync.Mutex
	current := cfg
	handle, err := files.Watch(cfg.Path, func(event watcher.Event) {
		mu.Lock()
		defer mu.Unlock()
		next, err := current.Reload()
		if err != nil {
			logger.Warn("config reload failed", map[string]string{
				"path":             cfg.Path,
				logging.FieldError: err.Error(),
			})
			return
		}
		previous := current.Reloadable()
		current = next
		updated := next.Reloadable()
		if updated == previous {
			return
		}
		logger.Info("config reloaded", map[string]string{
			"path":         cfg.Path,
			"log_level":    string(updated.LogLevel),
			"deferral_ttl": updated.DeferralTTL.String(),
			"coalesced":    strconv.FormatUint(files.Metrics().EventsCoalesced, 10),
		})
		apply(updated)
	})
	if err != nil {
		return nil, err
	}
	return handle.Close, nil
}
