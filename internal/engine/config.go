package engine

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"quote-engine/market"
	"quote-engine/strategy"
)

// Policy 报价策略
type Policy string

const (
	PolicyObligation Policy = "obligation"
	PolicyWindow     Policy = "window"
)

// Tier 一个价差档位：距锚点 Spread（比例），名义 Volume（计价货币）。
type Tier struct {
	Spread decimal.Decimal
	Volume decimal.Decimal
}

// ObligationParams 档位策略参数。
type ObligationParams struct {
	Tiers []Tier
	// Tolerance 挂单价偏离目标价超过 Tolerance*spread*anchor 时重报价。
	Tolerance decimal.Decimal
	// MinRequote 超过该时长强制重报价，0 表示不强制。
	MinRequote time.Duration
}

// WindowParams 随机窗口策略参数，偏移与步长均为锚点的比例。
type WindowParams struct {
	FirstOffset  decimal.Decimal
	MeanStep     decimal.Decimal
	StepStdDev   decimal.Decimal // 相对 MeanStep
	Orders       int
	MeanVolume   decimal.Decimal // 单笔名义（计价货币）
	VolumeStdDev decimal.Decimal // 相对 MeanVolume
	// FullTolerance 单侧名义达到目标的该比例即视为窗口已满。
	FullTolerance decimal.Decimal
	// ReshuffleProbability 窗口已满时每轮替换一笔深度单的概率。
	ReshuffleProbability float64
	// MinGap 新单与已有挂单的最小距离（锚点比例）。
	MinGap decimal.Decimal
}

// DelayParams 两次报价之间的高斯随机间隔。
type DelayParams struct {
	Mean   time.Duration
	StdDev time.Duration
}

// SourceConfig 参考价源，Key 形如 "<connector>:<instrument>"。
type SourceConfig struct {
	Connector  string
	Instrument string
	Gate       market.GateConfig
}

func (s SourceConfig) Key() string {
	return SourceKey(s.Connector, s.Instrument)
}

func SourceKey(connector, instrument string) string {
	return connector + ":" + instrument
}

// InstrumentConfig 报价品种。
type InstrumentConfig struct {
	State      strategy.InstrumentConfig
	Connector  string
	Base       string // 基础货币
	Quote      string // 计价货币
	Variable   string // 主参考价变量
	Predictors []string
	Policy     Policy
	Obligation ObligationParams
	Window     WindowParams
	Delay      DelayParams
}

// Config 引擎参数。
type Config struct {
	PendingTimeout         time.Duration
	StartupTimeout         time.Duration
	ShutdownTimeout        time.Duration
	StuckCheckInterval     time.Duration
	BalanceRefreshInterval time.Duration
	SweepInterval          time.Duration
	MaxReconnects          int
	InboxSize              int
	PostTimeout            time.Duration
	// InitMissingInventory 快照缺少品种时以 0 初始化而不是拒绝启动。
	InitMissingInventory bool

	Sources     []SourceConfig
	Variables   []market.Variable
	Instruments []InstrumentConfig
}

func DefaultConfig() Config {
	return Config{
		PendingTimeout:         10 * time.Second,
		StartupTimeout:         30 * time.Second,
		ShutdownTimeout:        10 * time.Second,
		StuckCheckInterval:     time.Second,
		BalanceRefreshInterval: time.Minute,
		SweepInterval:          5 * time.Second,
		MaxReconnects:          3,
		InboxSize:              4096,
		PostTimeout:            time.Second,
	}
}

func (c *Config) applyDefaults() {
	def := DefaultConfig()
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = def.PendingTimeout
	}
	if c.StartupTimeout <= 0 {
		c.StartupTimeout = def.StartupTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.StuckCheckInterval <= 0 {
		c.StuckCheckInterval = def.StuckCheckInterval
	}
	if c.BalanceRefreshInterval <= 0 {
		c.BalanceRefreshInterval = def.BalanceRefreshInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.InboxSize <= 0 {
		c.InboxSize = def.InboxSize
	}
	if c.PostTimeout <= 0 {
		c.PostTimeout = def.PostTimeout
	}
}

func (c Config) validate() error {
	sources := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		sources[s.Key()] = true
	}
	vars := make(map[string]bool, len(c.Variables))
	for _, v := range c.Variables {
		if !sources[v.Source] {
			return fmt.Errorf("variable %s: unknown source %s", v.Name, v.Source)
		}
		vars[v.Name] = true
	}
	seen := make(map[string]bool, len(c.Instruments))
	for _, inst := range c.Instruments {
		name := inst.State.Instrument
		if name == "" {
			return fmt.Errorf("instrument without name")
		}
		if seen[name] {
			return fmt.Errorf("instrument %s: duplicated", name)
		}
		seen[name] = true
		if !vars[inst.Variable] {
			return fmt.Errorf("instrument %s: unknown variable %s", name, inst.Variable)
		}
		for _, p := range inst.Predictors {
			if !vars[p] {
				return fmt.Errorf("instrument %s: unknown predictor %s", name, p)
			}
		}
		switch inst.Policy {
		case PolicyObligation:
			if len(inst.Obligation.Tiers) == 0 {
				return fmt.Errorf("instrument %s: obligation policy without tiers", name)
			}
		case PolicyWindow:
			if inst.Window.Orders <= 0 {
				return fmt.Errorf("instrument %s: window policy needs orders > 0", name)
			}
		default:
			return fmt.Errorf("instrument %s: unknown policy %q", name, inst.Policy)
		}
	}
	return nil
}

// Tunables 可热更新的参数。
type Tunables struct {
	PendingTimeout time.Duration
	Instruments    map[string]InstrumentTunables
}

type InstrumentTunables struct {
	ApproachingSpeed  decimal.Decimal
	FullSideDealShift decimal.Decimal
	Tolerance         decimal.Decimal
	MinRequote        time.Duration
	Delay             DelayParams
}
