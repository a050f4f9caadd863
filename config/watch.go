package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"quote-engine/infrastructure/logger"
	"quote-engine/internal/engine"
)

// TunablesSink 接收热更新参数，通常是 *engine.Engine。
type TunablesSink interface {
	UpdateTunables(t engine.Tunables) error
}

// Watcher 监听配置文件，写入后重新加载并校验，只下发可热更新的参数。
// 监听所在目录而不是文件本身，编辑器先写临时文件再 rename 也能收到事件。
type Watcher struct {
	path     string
	cooldown time.Duration
	sink     TunablesSink
	log      *logger.Logger
	watcher  *fsnotify.Watcher

	mu         sync.Mutex
	lastReload time.Time
	stopOnce   sync.Once
	stopChan   chan struct{}
	doneChan   chan struct{}
}

func NewWatcher(path string, cooldown time.Duration, sink TunablesSink, l *logger.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Watcher{
		path:     filepath.Clean(path),
		cooldown: cooldown,
		sink:     sink,
		log:      l.Named("config"),
		watcher:  fw,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}, nil
}

// Start 开始监听，事件在独立 goroutine 中处理。
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("watch %s: %w", w.path, err)
	}
	go w.watch(ctx)
	return nil
}

// Stop 可重复调用。
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() { close(w.stopChan) })
	select {
	case <-w.doneChan:
	case <-time.After(time.Second):
		// watch 未启动
	}
	return w.watcher.Close()
}

func (w *Watcher) Health() error {
	return nil
}

func (w *Watcher) watch(ctx context.Context) {
	defer close(w.doneChan)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := w.reload(time.Now()); err != nil {
				w.log.Warn("config reload rejected", zap.String("path", w.path), zap.Error(err))
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watcher error", zap.Error(err))
		}
	}
}

// Reload 立即重新加载一次，忽略冷却时间。
func (w *Watcher) Reload() error {
	return w.apply()
}

func (w *Watcher) reload(now time.Time) error {
	w.mu.Lock()
	if now.Sub(w.lastReload) < w.cooldown {
		w.mu.Unlock()
		return nil
	}
	w.lastReload = now
	w.mu.Unlock()
	return w.apply()
}

func (w *Watcher) apply() error {
	cfg, err := LoadWithEnvOverrides(w.path)
	if err != nil {
		return err
	}
	if err := w.sink.UpdateTunables(cfg.Tunables()); err != nil {
		return fmt.Errorf("apply tunables: %w", err)
	}
	w.log.Info("config tunables reloaded", zap.String("path", w.path), zap.Int("instruments", len(cfg.Instruments)))
	return nil
}
