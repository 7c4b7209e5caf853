package config

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeConfig(t, validYAML)
	w := NewWatcher(path, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var reloaded []AppConfig
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Start(ctx, func(cfg AppConfig) {
			mu.Lock()
			reloaded = append(reloaded, cfg)
			mu.Unlock()
		})
	}()

	// 等监听器就位后改写配置
	time.Sleep(50 * time.Millisecond)
	updated := strings.Replace(validYAML, "env: test", "env: prod", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(reloaded)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	require.NotEmpty(t, reloaded, "watcher never fired")
	require.Equal(t, "prod", reloaded[len(reloaded)-1].Env)
	mu.Unlock()

	cancel()
	<-done
}

func TestWatcherKeepsOldConfigOnInvalidWrite(t *testing.T) {
	path := writeConfig(t, validYAML)
	w := NewWatcher(path, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan AppConfig, 4)
	go func() {
		_ = w.Start(ctx, func(cfg AppConfig) { fired <- cfg })
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("env: \n"), 0o644))

	select {
	case cfg := <-fired:
		t.Fatalf("invalid config must not be applied, got env=%q", cfg.Env)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcherMissingFile(t *testing.T) {
	w := NewWatcher("/nonexistent/config.yaml", 0, nil)
	err := w.Start(context.Background(), nil)
	require.Error(t, err)
}
