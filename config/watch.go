package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher 基于 fsnotify 的配置热更新。文件写入后有冷却窗口避免编辑器
// 多次触发；校验失败的新配置被丢弃，旧配置继续生效。
type Watcher struct {
	path     string
	cooldown time.Duration
	log      *zap.Logger

	mu         sync.Mutex
	lastReload time.Time
}

func NewWatcher(path string, cooldown time.Duration, log *zap.Logger) *Watcher {
	if cooldown <= 0 {
		cooldown = 2 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Watcher{path: path, cooldown: cooldown, log: log}
}

// Start 阻塞运行直到 ctx 取消。onUpdate 在每次成功重载后被调用。
func (w *Watcher) Start(ctx context.Context, onUpdate func(AppConfig)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(w.path); err != nil {
		return fmt.Errorf("watch config file: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.mu.Lock()
			if time.Since(w.lastReload) < w.cooldown {
				w.mu.Unlock()
				continue
			}
			w.lastReload = time.Now()
			w.mu.Unlock()

			cfg, err := LoadWithEnvOverrides(w.path)
			if err != nil {
				w.log.Warn("config reload rejected", zap.Error(err))
				continue
			}
			w.log.Info("config reloaded", zap.String("path", w.path))
			if onUpdate != nil {
				onUpdate(cfg)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}
