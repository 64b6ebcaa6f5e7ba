package main

import (
	"context"
	"path/filepath"

	"go-tunnel/proxy"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// watchConfig re-applies the hot-reloadable settings whenever the config
// file at path is written. Only request_timeout_ms takes effect without a
// restart. It returns when ctx is done.
func watchConfig(ctx context.Context, path string, px *proxy.Proxy, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory; editors often replace the file instead of
	// writing it in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		logger.Warn("config hot reload disabled", zap.String("path", path), zap.Error(err))
		return nil
	}
	logger.Info("config hot reload enabled", zap.String("path", path))

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			reloadConfig(path, px, logger)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func reloadConfig(path string, px *proxy.Proxy, logger *zap.Logger) {
	cfg := loadConfig(path, logger)
	if px.Correlator().Timeout() != cfg.requestTimeout() {
		px.SetRequestTimeout(cfg.requestTimeout())
	}
}
