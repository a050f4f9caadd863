package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"quote-engine/infrastructure/logger"
	"quote-engine/infrastructure/monitor"
	"quote-engine/risk"
)

// ErrInvalid 配置校验失败。
var ErrInvalid = errors.New("invalid config")

// AppConfig 报价引擎进程的完整配置。
type AppConfig struct {
	Engine      EngineSection      `yaml:"engine"`
	Log         logger.Config      `yaml:"log"`
	Metrics     MetricsSection     `yaml:"metrics"`
	Telemetry   TelemetrySection   `yaml:"telemetry"`
	Persistence PersistenceSection `yaml:"persistence"`
	Connectors  []ConnectorConfig  `yaml:"connectors" validate:"required,min=1,dive"`
	Sources     []SourceConfig     `yaml:"sources" validate:"required,min=1,dive"`
	Variables   []VariableConfig   `yaml:"variables" validate:"required,min=1,dive"`
	Instruments []InstrumentConfig `yaml:"instruments" validate:"required,min=1,dive"`
	Hedge       HedgeSection       `yaml:"hedge"`
}

type EngineSection struct {
	Instance               string        `yaml:"instance"`
	PendingTimeout         time.Duration `yaml:"pendingTimeout" validate:"gte=0"`
	StartupTimeout         time.Duration `yaml:"startupTimeout" validate:"gte=0"`
	ShutdownTimeout        time.Duration `yaml:"shutdownTimeout" validate:"gte=0"`
	StuckCheckInterval     time.Duration `yaml:"stuckCheckInterval" validate:"gte=0"`
	BalanceRefreshInterval time.Duration `yaml:"balanceRefreshInterval" validate:"gte=0"`
	SweepInterval          time.Duration `yaml:"sweepInterval" validate:"gte=0"`
	MaxReconnects          int           `yaml:"maxReconnects" validate:"gte=0"`
	InboxSize              int           `yaml:"inboxSize" validate:"gte=0"`
	InitMissingInventory   bool          `yaml:"initMissingInventory"`
}

type MetricsSection struct {
	Addr           string `yaml:"addr"`
	monitor.Config `yaml:",inline"`
}

type TelemetrySection struct {
	// Addr 遥测 UDP 目标地址，为空则不发送。
	Addr string `yaml:"addr"`
	// Listen 接收外部对冲指令的 UDP 地址，为空则不监听。
	Listen string `yaml:"listen"`
}

type PersistenceSection struct {
	Snapshot string `yaml:"snapshot" validate:"required"`
	TradeDir string `yaml:"tradeDir" validate:"required"`
}

// ConnectorConfig 一个 websocket 连接及其账户。
type ConnectorConfig struct {
	Name           string          `yaml:"name" validate:"required"`
	URL            string          `yaml:"url" validate:"required,url"`
	Account        string          `yaml:"account"`
	APIKey         string          `yaml:"apiKey"`
	APISecret      string          `yaml:"apiSecret"`
	Margin         bool            `yaml:"margin"`
	MarginCurrency string          `yaml:"marginCurrency"`
	Leverage       decimal.Decimal `yaml:"leverage"`
	DataTimeout    time.Duration   `yaml:"dataTimeout" validate:"gte=0"`
	MaxRetries     int             `yaml:"maxRetries" validate:"gte=0"`
	RetryBackoff   time.Duration   `yaml:"retryBackoff" validate:"gte=0"`
	RateLimit      float64         `yaml:"rateLimit" validate:"gte=0"`
	Burst          int             `yaml:"burst" validate:"gte=0"`
	BookDepth      int             `yaml:"bookDepth" validate:"gte=0"`
	Hedge          bool            `yaml:"hedge"`
}

// AccountName 未配置账户时每个连接独占一个同名账户。
func (c ConnectorConfig) AccountName() string {
	if c.Account != "" {
		return c.Account
	}
	return c.Name
}

type SourceConfig struct {
	Connector      string          `yaml:"connector" validate:"required"`
	Instrument     string          `yaml:"instrument" validate:"required"`
	CheckCross     bool            `yaml:"checkCross"`
	MaxSpreadPct   decimal.Decimal `yaml:"maxSpreadPct"`
	StuckAfter     time.Duration   `yaml:"stuckAfter" validate:"gte=0"`
	ReconnectAfter time.Duration   `yaml:"reconnectAfter" validate:"gte=0"`
	MinChangePct   decimal.Decimal `yaml:"minChangePct"`
}

type VariableConfig struct {
	Name       string          `yaml:"name" validate:"required"`
	Source     string          `yaml:"source" validate:"required"`
	Mode       string          `yaml:"mode" validate:"required,oneof=mid bidask last"`
	Multiplier decimal.Decimal `yaml:"multiplier"`
}

type TierConfig struct {
	Spread decimal.Decimal `yaml:"spread"`
	Volume decimal.Decimal `yaml:"volume"`
}

type ObligationConfig struct {
	Tiers      []TierConfig    `yaml:"tiers"`
	Tolerance  decimal.Decimal `yaml:"tolerance"`
	MinRequote time.Duration   `yaml:"minRequote" validate:"gte=0"`
}

type WindowConfig struct {
	FirstOffset          decimal.Decimal `yaml:"firstOffset"`
	MeanStep             decimal.Decimal `yaml:"meanStep"`
	StepStdDev           decimal.Decimal `yaml:"stepStdDev"`
	Orders               int             `yaml:"orders" validate:"gte=0"`
	MeanVolume           decimal.Decimal `yaml:"meanVolume"`
	VolumeStdDev         decimal.Decimal `yaml:"volumeStdDev"`
	FullTolerance        decimal.Decimal `yaml:"fullTolerance"`
	ReshuffleProbability float64         `yaml:"reshuffleProbability" validate:"gte=0,lte=1"`
	MinGap               decimal.Decimal `yaml:"minGap"`
}

type DelayConfig struct {
	Mean   time.Duration `yaml:"mean" validate:"gte=0"`
	StdDev time.Duration `yaml:"stdDev" validate:"gte=0"`
}

type InstrumentConfig struct {
	Name       string   `yaml:"name" validate:"required"`
	Connector  string   `yaml:"connector" validate:"required"`
	Base       string   `yaml:"base" validate:"required"`
	Quote      string   `yaml:"quote" validate:"required"`
	Variable   string   `yaml:"variable" validate:"required"`
	Predictors []string `yaml:"predictors"`
	Policy     string   `yaml:"policy" validate:"required,oneof=obligation window"`

	ApproachingSpeed   decimal.Decimal `yaml:"approachingSpeed"`
	FullSideDealShift  decimal.Decimal `yaml:"fullSideDealShift"`
	SumOneSideVolume   decimal.Decimal `yaml:"sumOneSideVolume"`
	PotentialBuyLimit  decimal.Decimal `yaml:"potentialBuyLimit"`
	PotentialSellLimit decimal.Decimal `yaml:"potentialSellLimit"`
	TickSize           decimal.Decimal `yaml:"tickSize"`
	StepSize           decimal.Decimal `yaml:"stepSize"`
	MinQty             decimal.Decimal `yaml:"minQty"`

	Obligation ObligationConfig `yaml:"obligation"`
	Window     WindowConfig     `yaml:"window"`
	Delay      DelayConfig      `yaml:"delay"`
}

// HedgeInstrumentConfig 报价品种成交后在对冲端下反向单。
type HedgeInstrumentConfig struct {
	Instrument      string          `yaml:"instrument" validate:"required"`
	HedgeInstrument string          `yaml:"hedgeInstrument" validate:"required"`
	Venue           string          `yaml:"venue" validate:"required"`
	PriceSource     string          `yaml:"priceSource" validate:"required"`
	Ratio           decimal.Decimal `yaml:"ratio"`
	Slippage        decimal.Decimal `yaml:"slippage"`
	TickSize        decimal.Decimal `yaml:"tickSize"`
	StepSize        decimal.Decimal `yaml:"stepSize"`
	MinQty          decimal.Decimal `yaml:"minQty"`
	StopOnCancel    bool            `yaml:"stopOnCancel"`
}

type HedgeSection struct {
	Instruments []HedgeInstrumentConfig `yaml:"instruments" validate:"dive"`
	Gross       map[string]risk.Band    `yaml:"gross"`
	Net         map[string]risk.Band    `yaml:"net"`
	Balance     map[string]risk.Band    `yaml:"balance"`
	QueueSize   int                     `yaml:"queueSize" validate:"gte=0"`
}

var validate = validator.New()

// Load 读取 YAML 配置并校验。
func Load(path string) (AppConfig, error) {
	var cfg AppConfig
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// EnvKey 连接器凭证的环境变量名，例如 QE_BINANCE_API_KEY。
func EnvKey(connector, field string) string {
	name := strings.ToUpper(strings.NewReplacer("-", "_", ".", "_", " ", "_").Replace(connector))
	return "QE_" + name + "_" + field
}

// LoadWithEnvOverrides 读取配置后用环境变量覆盖连接器凭证。
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	for i := range cfg.Connectors {
		c := &cfg.Connectors[i]
		if v := os.Getenv(EnvKey(c.Name, "API_KEY")); v != "" {
			c.APIKey = v
		}
		if v := os.Getenv(EnvKey(c.Name, "API_SECRET")); v != "" {
			c.APISecret = v
		}
	}
	return cfg, nil
}

// Validate 先做 struct tag 校验，再检查跨字段引用与数值范围。
func Validate(cfg AppConfig) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.checkRefs(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c AppConfig) checkRefs() error {
	connectors := make(map[string]bool, len(c.Connectors))
	for _, conn := range c.Connectors {
		if connectors[conn.Name] {
			return fmt.Errorf("connector %s: duplicated", conn.Name)
		}
		connectors[conn.Name] = true
	}

	sources := make(map[string]bool, len(c.Sources))
	for _, s := range c.Sources {
		if !connectors[s.Connector] {
			return fmt.Errorf("source %s:%s: unknown connector", s.Connector, s.Instrument)
		}
		if s.MaxSpreadPct.IsNegative() || s.MinChangePct.IsNegative() {
			return fmt.Errorf("source %s:%s: percentages must be >= 0", s.Connector, s.Instrument)
		}
		sources[s.Connector+":"+s.Instrument] = true
	}

	vars := make(map[string]bool, len(c.Variables))
	for _, v := range c.Variables {
		if !sources[v.Source] {
			return fmt.Errorf("variable %s: unknown source %s", v.Name, v.Source)
		}
		if vars[v.Name] {
			return fmt.Errorf("variable %s: duplicated", v.Name)
		}
		vars[v.Name] = true
	}

	for _, inst := range c.Instruments {
		if !connectors[inst.Connector] {
			return fmt.Errorf("instrument %s: unknown connector %s", inst.Name, inst.Connector)
		}
		if !vars[inst.Variable] {
			return fmt.Errorf("instrument %s: unknown variable %s", inst.Name, inst.Variable)
		}
		for _, p := range inst.Predictors {
			if !vars[p] {
				return fmt.Errorf("instrument %s: unknown predictor %s", inst.Name, p)
			}
		}
		if !inst.TickSize.IsPositive() || !inst.StepSize.IsPositive() {
			return fmt.Errorf("instrument %s: tickSize/stepSize must be > 0", inst.Name)
		}
		if inst.ApproachingSpeed.IsNegative() || inst.ApproachingSpeed.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("instrument %s: approachingSpeed must be in [0,1]", inst.Name)
		}
		switch inst.Policy {
		case "obligation":
			if len(inst.Obligation.Tiers) == 0 {
				return fmt.Errorf("instrument %s: obligation.tiers is required", inst.Name)
			}
			for i, t := range inst.Obligation.Tiers {
				if !t.Spread.IsPositive() || !t.Volume.IsPositive() {
					return fmt.Errorf("instrument %s: tier %d spread/volume must be > 0", inst.Name, i)
				}
			}
		case "window":
			w := inst.Window
			if w.Orders <= 0 {
				return fmt.Errorf("instrument %s: window.orders must be > 0", inst.Name)
			}
			if !w.FirstOffset.IsPositive() || !w.MeanStep.IsPositive() || !w.MeanVolume.IsPositive() {
				return fmt.Errorf("instrument %s: window.firstOffset/meanStep/meanVolume must be > 0", inst.Name)
			}
			if !w.FullTolerance.IsPositive() {
				return fmt.Errorf("instrument %s: window.fullTolerance must be > 0", inst.Name)
			}
		}
	}

	for _, h := range c.Hedge.Instruments {
		if !connectors[h.Venue] {
			return fmt.Errorf("hedge %s: unknown venue %s", h.Instrument, h.Venue)
		}
		if !sources[h.PriceSource] {
			return fmt.Errorf("hedge %s: unknown price source %s", h.Instrument, h.PriceSource)
		}
		if h.Ratio.IsNegative() || h.Slippage.IsNegative() {
			return fmt.Errorf("hedge %s: ratio/slippage must be >= 0", h.Instrument)
		}
		if !h.StepSize.IsPositive() {
			return fmt.Errorf("hedge %s: stepSize must be > 0", h.Instrument)
		}
	}
	return nil
}
