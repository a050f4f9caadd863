package config

import (
	"github.com/shopspring/decimal"

	"quote-engine/internal/engine"
	"quote-engine/internal/hedge"
	"quote-engine/market"
	"quote-engine/order"
	"quote-engine/risk"
	"quote-engine/strategy"
)

// EngineConfig 转换为引擎参数；未配置的时长由引擎取默认值。
func (c AppConfig) EngineConfig() engine.Config {
	e := c.Engine
	out := engine.Config{
		PendingTimeout:         e.PendingTimeout,
		StartupTimeout:         e.StartupTimeout,
		ShutdownTimeout:        e.ShutdownTimeout,
		StuckCheckInterval:     e.StuckCheckInterval,
		BalanceRefreshInterval: e.BalanceRefreshInterval,
		SweepInterval:          e.SweepInterval,
		MaxReconnects:          e.MaxReconnects,
		InboxSize:              e.InboxSize,
		InitMissingInventory:   e.InitMissingInventory,
	}
	for _, s := range c.Sources {
		out.Sources = append(out.Sources, engine.SourceConfig{
			Connector:  s.Connector,
			Instrument: s.Instrument,
			Gate: market.GateConfig{
				CheckCross:     s.CheckCross,
				MaxSpreadPct:   s.MaxSpreadPct,
				StuckAfter:     s.StuckAfter,
				ReconnectAfter: s.ReconnectAfter,
				MinChangePct:   s.MinChangePct,
			},
		})
	}
	for _, v := range c.Variables {
		out.Variables = append(out.Variables, market.Variable{
			Name:       v.Name,
			Source:     v.Source,
			Mode:       market.VariableMode(v.Mode),
			Multiplier: v.Multiplier,
		})
	}
	for _, inst := range c.Instruments {
		out.Instruments = append(out.Instruments, inst.engineConfig())
	}
	return out
}

func (inst InstrumentConfig) engineConfig() engine.InstrumentConfig {
	tiers := make([]engine.Tier, 0, len(inst.Obligation.Tiers))
	for _, t := range inst.Obligation.Tiers {
		tiers = append(tiers, engine.Tier{Spread: t.Spread, Volume: t.Volume})
	}
	w := inst.Window
	return engine.InstrumentConfig{
		State: strategy.InstrumentConfig{
			Instrument:         inst.Name,
			ApproachingSpeed:   inst.ApproachingSpeed,
			FullSideDealShift:  inst.FullSideDealShift,
			SumOneSideVolume:   inst.SumOneSideVolume,
			PotentialBuyLimit:  inst.PotentialBuyLimit,
			PotentialSellLimit: inst.PotentialSellLimit,
			Constraints: order.SymbolConstraints{
				TickSize: inst.TickSize,
				StepSize: inst.StepSize,
				MinQty:   inst.MinQty,
			},
		},
		Connector:  inst.Connector,
		Base:       inst.Base,
		Quote:      inst.Quote,
		Variable:   inst.Variable,
		Predictors: inst.Predictors,
		Policy:     engine.Policy(inst.Policy),
		Obligation: engine.ObligationParams{
			Tiers:      tiers,
			Tolerance:  inst.Obligation.Tolerance,
			MinRequote: inst.Obligation.MinRequote,
		},
		Window: engine.WindowParams{
			FirstOffset:          w.FirstOffset,
			MeanStep:             w.MeanStep,
			StepStdDev:           w.StepStdDev,
			Orders:               w.Orders,
			MeanVolume:           w.MeanVolume,
			VolumeStdDev:         w.VolumeStdDev,
			FullTolerance:        w.FullTolerance,
			ReshuffleProbability: w.ReshuffleProbability,
			MinGap:               w.MinGap,
		},
		Delay: engine.DelayParams{Mean: inst.Delay.Mean, StdDev: inst.Delay.StdDev},
	}
}

// Tunables 提取可热更新的参数。
func (c AppConfig) Tunables() engine.Tunables {
	t := engine.Tunables{
		PendingTimeout: c.Engine.PendingTimeout,
		Instruments:    make(map[string]engine.InstrumentTunables, len(c.Instruments)),
	}
	for _, inst := range c.Instruments {
		t.Instruments[inst.Name] = engine.InstrumentTunables{
			ApproachingSpeed:  inst.ApproachingSpeed,
			FullSideDealShift: inst.FullSideDealShift,
			Tolerance:         inst.Obligation.Tolerance,
			MinRequote:        inst.Obligation.MinRequote,
			Delay:             engine.DelayParams{Mean: inst.Delay.Mean, StdDev: inst.Delay.StdDev},
		}
	}
	return t
}

// HedgeConfigs 对冲参数，比例缺省为 1。
func (c AppConfig) HedgeConfigs() []hedge.Config {
	out := make([]hedge.Config, 0, len(c.Hedge.Instruments))
	for _, h := range c.Hedge.Instruments {
		ratio := h.Ratio
		if ratio.IsZero() {
			ratio = decimal.NewFromInt(1)
		}
		out = append(out, hedge.Config{
			Instrument:      h.Instrument,
			HedgeInstrument: h.HedgeInstrument,
			Venue:           h.Venue,
			PriceSource:     h.PriceSource,
			Ratio:           ratio,
			Slippage:        h.Slippage,
			Constraints: order.SymbolConstraints{
				TickSize: h.TickSize,
				StepSize: h.StepSize,
				MinQty:   h.MinQty,
			},
			StopOnCancel: h.StopOnCancel,
		})
	}
	return out
}

func (c AppConfig) ExposureBands() risk.ExposureBands {
	return risk.ExposureBands{
		Gross:   c.Hedge.Gross,
		Net:     c.Hedge.Net,
		Balance: c.Hedge.Balance,
	}
}

// InstrumentNames 按配置顺序返回报价品种。
func (c AppConfig) InstrumentNames() []string {
	names := make([]string, 0, len(c.Instruments))
	for _, inst := range c.Instruments {
		names = append(names, inst.Name)
	}
	return names
}
