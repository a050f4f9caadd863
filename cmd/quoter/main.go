package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"quote-engine/infrastructure/logger"
	"quote-engine/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/quoter.yaml", "配置文件路径")
	envFile := flag.String("env", ".env", "凭证环境变量文件，不存在则忽略")
	metricsAddr := flag.String("metricsAddr", "", "Prometheus metrics 监听地址，覆盖配置文件")
	dryRun := flag.Bool("dryRun", false, "只校验配置并构建组件，不连接交易所")
	watch := flag.Bool("watch", true, "监听配置文件并热更新可调参数")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("加载 %s 失败: %v", *envFile, err)
	}

	c, err := container.New(*cfgPath, container.Options{
		MetricsAddr: *metricsAddr,
		WatchConfig: *watch && !*dryRun,
	})
	if err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	if err := c.Build(); err != nil {
		log.Fatalf("构建组件失败: %v", err)
	}

	if *dryRun {
		out, _ := json.MarshalIndent(c.Summary(), "", "  ")
		fmt.Println(string(out))
		return
	}

	if err := run(c); err != nil {
		log.Fatalf("quoter: %v", err)
	}
}

func run(c *container.Container) error {
	lg := c.Logger()
	eng := c.Engine()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		select {
		case sig := <-quit:
			lg.Info("signal received", zap.String("signal", sig.String()))
			eng.Stop("signal")
		case <-ctx.Done():
		}
	}()

	if err := c.Start(ctx); err != nil {
		_ = c.Stop()
		return err
	}
	notify(lg, daemon.SdNotifyReady)
	stopWatchdog := watchdog(ctx, c, lg)
	defer stopWatchdog()

	<-eng.Done()
	notify(lg, daemon.SdNotifyStopping)
	reason := eng.StopReason()
	if err := c.Stop(); err != nil {
		return err
	}
	if reason != "signal" {
		return fmt.Errorf("engine stopped: %s", reason)
	}
	return nil
}

func notify(lg *logger.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		lg.Debug("sd_notify failed", zap.String("state", state), zap.Error(err))
		return
	}
	if sent {
		lg.Debug("sd_notify sent", zap.String("state", state))
	}
}

// watchdog systemd 配置了 WatchdogSec 时，按一半周期在健康检查通过后喂狗。
func watchdog(ctx context.Context, c *container.Container, lg *logger.Logger) func() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return func() {}
	}
	wctx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-t.C:
				if c.HealthCheck() == nil {
					notify(lg, daemon.SdNotifyWatchdog)
				}
			}
		}
	}()
	return cancel
}
