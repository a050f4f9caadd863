package container

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quote-engine/account"
	"quote-engine/config"
	"quote-engine/gateway"
	"quote-engine/infrastructure/alert"
	"quote-engine/infrastructure/logger"
	"quote-engine/infrastructure/monitor"
	"quote-engine/internal/engine"
	"quote-engine/internal/hedge"
	"quote-engine/internal/telemetry"
	"quote-engine/inventory"
	"quote-engine/market"
)

const defaultMetricsAddr = ":9100"

// Options 命令行覆盖项。
type Options struct {
	MetricsAddr string
	// WatchConfig 为 true 时监听配置文件热更新。
	WatchConfig bool
}

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	cfg        *config.AppConfig
	configPath string
	opts       Options

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 持久化
	snapshot *inventory.Snapshot
	trades   *inventory.TradeLog

	// 连接与账户
	connectors  map[string]*gateway.WSConnector
	descriptors map[string]gateway.Descriptor
	accounts    map[string]*account.State
	board       *market.Board

	// 核心服务
	hedger   *hedge.Trigger
	sender   *telemetry.Sender
	receiver *telemetry.Receiver
	engine   *engine.Engine
	watcher  *config.Watcher

	lifecycle *LifecycleManager
}

// New 加载配置（含环境变量覆盖）。
func New(configPath string, opts Options) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return &Container{
		cfg:        &cfg,
		configPath: configPath,
		opts:       opts,
		lifecycle:  NewLifecycleManager(),
	}, nil
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildPersistence(); err != nil {
		return fmt.Errorf("build persistence failed: %w", err)
	}
	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built",
		zap.Int("connectors", len(c.connectors)),
		zap.Int("accounts", len(c.accounts)),
		zap.Strings("instruments", c.cfg.InstrumentNames()))
	return nil
}

func (c *Container) instance() string {
	if c.cfg.Engine.Instance != "" {
		return c.cfg.Engine.Instance
	}
	return "quoter"
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	monitorCfg := c.cfg.Metrics.Config
	if monitorCfg.Namespace == "" {
		monitorCfg = monitor.DefaultConfig()
	}
	c.monitor = monitor.New(monitorCfg)

	channels := []alert.Channel{alert.NewLogChannel("log", c.logger)}
	if addr := c.cfg.Telemetry.Addr; addr != "" {
		c.sender, err = telemetry.Dial(c.instance(), addr, c.logger.Named("telemetry"))
		if err != nil {
			return err
		}
		channels = append(channels, c.sender)
	}
	c.alerts = alert.NewManager(channels, time.Minute)
	return nil
}

func (c *Container) buildPersistence() error {
	p := c.cfg.Persistence
	if err := os.MkdirAll(filepath.Dir(p.Snapshot), 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	var err error
	c.snapshot, err = inventory.OpenSnapshot(p.Snapshot)
	if err != nil {
		return err
	}
	if err := c.snapshot.Require(c.cfg.InstrumentNames(), c.cfg.Engine.InitMissingInventory); err != nil {
		return err
	}
	c.trades = inventory.NewTradeLog(p.TradeDir)
	return nil
}

// subscriptions 每个连接需要订阅的品种：价源、报价品种与对冲品种。
func (c *Container) subscriptions() map[string][]string {
	set := make(map[string]map[string]bool)
	add := func(conn, inst string) {
		if set[conn] == nil {
			set[conn] = make(map[string]bool)
		}
		set[conn][inst] = true
	}
	for _, s := range c.cfg.Sources {
		add(s.Connector, s.Instrument)
	}
	for _, inst := range c.cfg.Instruments {
		add(inst.Connector, inst.Name)
	}
	for _, h := range c.cfg.Hedge.Instruments {
		add(h.Venue, h.HedgeInstrument)
	}
	out := make(map[string][]string, len(set))
	for conn, insts := range set {
		for inst := range insts {
			out[conn] = append(out[conn], inst)
		}
		sort.Strings(out[conn])
	}
	return out
}

func (c *Container) buildGateway() error {
	subs := c.subscriptions()
	c.connectors = make(map[string]*gateway.WSConnector, len(c.cfg.Connectors))
	c.descriptors = make(map[string]gateway.Descriptor, len(c.cfg.Connectors))
	c.accounts = make(map[string]*account.State)

	for _, cc := range c.cfg.Connectors {
		conn := gateway.NewWSConnector(gateway.WSConfig{
			URL:          cc.URL,
			MaxRetries:   cc.MaxRetries,
			RetryBackoff: cc.RetryBackoff,
			RateLimit:    cc.RateLimit,
			Burst:        cc.Burst,
			BookDepth:    cc.BookDepth,
		}, c.logger.Named("gateway"))
		err := conn.Init(gateway.InitParams{
			Name:        cc.Name,
			Instruments: subs[cc.Name],
			DataTimeout: cc.DataTimeout,
			PublicKey:   cc.APIKey,
			SecretKey:   cc.APISecret,
		})
		if err != nil {
			return fmt.Errorf("init connector %s: %w", cc.Name, err)
		}

		name := cc.AccountName()
		if _, ok := c.accounts[name]; !ok {
			leverage := cc.Leverage
			if leverage.IsZero() {
				leverage = decimal.NewFromInt(1)
			}
			c.accounts[name] = account.NewState(name, cc.Margin, cc.MarginCurrency, leverage)
		}

		desc := gateway.Descriptor{Connector: conn, Account: name}
		if cc.Hedge {
			desc.Hedge = conn
		}
		c.connectors[cc.Name] = conn
		c.descriptors[cc.Name] = desc
	}
	c.board = market.NewBoard()
	return nil
}

func (c *Container) buildCoreServices() error {
	venues := make(map[string]gateway.HedgeCapability)
	for name, d := range c.descriptors {
		if d.Hedge != nil {
			venues[name] = d.Hedge
		}
	}
	c.hedger = hedge.New(hedge.Options{
		Configs: c.cfg.HedgeConfigs(),
		Venues:  venues,
		Board:   c.board,
		Bands:   c.cfg.ExposureBands(),
		Stop: func(reason string) {
			if c.engine != nil {
				c.engine.Stop(reason)
			}
		},
		NewID:     engine.NewID,
		Logger:    c.logger,
		Monitor:   c.monitor,
		QueueSize: c.cfg.Hedge.QueueSize,
	})

	deps := engine.Deps{
		Connectors: c.descriptors,
		Accounts:   c.accounts,
		Positions:  c.snapshot,
		TradeLog:   c.trades,
		Board:      c.board,
		Hedger:     c.hedger,
		Alerts:     c.alerts,
		Logger:     c.logger,
		Monitor:    c.monitor,
	}
	if c.sender != nil {
		deps.Telemetry = c.sender
	}
	var err error
	c.engine, err = engine.New(c.cfg.EngineConfig(), deps)
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	if addr := c.cfg.Telemetry.Listen; addr != "" {
		c.receiver, err = telemetry.Listen(addr, c.onHedgeRequest, c.logger.Named("telemetry"))
		if err != nil {
			return err
		}
	}

	if c.opts.WatchConfig {
		c.watcher, err = config.NewWatcher(c.configPath, 5*time.Second, c.engine, c.logger)
		if err != nil {
			return err
		}
	}
	return nil
}

// onHedgeRequest 外部通过遥测通道要求对冲，交给对冲队列串行处理。
func (c *Container) onHedgeRequest(req telemetry.HedgeRequest) {
	if err := c.hedger.OnExternal(req.Instrument, req.Side, req.Qty); err != nil {
		c.logger.Warn("external hedge rejected",
			zap.String("instrument", req.Instrument),
			zap.String("side", string(req.Side)),
			logger.Dec("qty", req.Qty),
			zap.Error(err))
	}
}

func (c *Container) metricsAddr() string {
	if c.opts.MetricsAddr != "" {
		return c.opts.MetricsAddr
	}
	if c.cfg.Metrics.Addr != "" {
		return c.cfg.Metrics.Addr
	}
	return defaultMetricsAddr
}

func (c *Container) registerLifecycleComponents() {
	c.lifecycle.Register("metrics_server", &httpServerComponent{
		name:    "metrics_server",
		handler: c.monitor.Handler(),
		addr:    c.metricsAddr(),
		logger:  c.logger,
	})
	c.lifecycle.Register("hedge", &runnerComponent{name: "hedge", run: c.hedger.Run, logger: c.logger})
	if c.receiver != nil {
		c.lifecycle.Register("telemetry_receiver", &runnerComponent{
			name:   "telemetry_receiver",
			run:    c.receiver.Run,
			logger: c.logger,
		})
	}
	timeout := c.cfg.Engine.ShutdownTimeout
	if timeout <= 0 {
		timeout = engine.DefaultConfig().ShutdownTimeout
	}
	c.lifecycle.Register("engine", &engineComponent{engine: c.engine, timeout: 2 * timeout})
	if c.watcher != nil {
		c.lifecycle.Register("config_watcher", c.watcher)
	}
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件（引擎在此期间撤掉全部挂单），然后关闭文件与遥测。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	if c.trades != nil {
		if cerr := c.trades.Close(); cerr != nil {
			c.logger.LogError(cerr, map[string]interface{}{"action": "close_trade_log"})
		}
	}
	if c.sender != nil {
		_ = c.sender.Close()
	}
	c.logger.Info("container stopped", zap.String("reason", c.engine.StopReason()))
	_ = c.logger.Close()
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Engine 供 cmd 层等待停止与转发信号。
func (c *Container) Engine() *engine.Engine {
	return c.engine
}

func (c *Container) Logger() *logger.Logger {
	return c.logger
}

// Summary 配置与组件概要，dry-run 时输出。
func (c *Container) Summary() map[string]interface{} {
	names := make([]string, 0, len(c.connectors))
	for name := range c.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return map[string]interface{}{
		"instance":    c.instance(),
		"connectors":  names,
		"instruments": c.cfg.InstrumentNames(),
		"sources":     len(c.cfg.Sources),
		"hedged":      len(c.cfg.Hedge.Instruments),
		"metrics":     c.metricsAddr(),
	}
}
