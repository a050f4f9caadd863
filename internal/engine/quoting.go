package engine

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quote-engine/infrastructure/logger"
)

// onPrice 参考价更新。价格没有实质变化时不触发报价；
// 依赖的任一价源未就绪则撤掉全部挂单并丢弃本次事件。
func (e *Engine) onPrice(source string, bid, ask decimal.Decimal) {
	now := e.now()
	e.board.OnQuote(source, bid, ask, now)
	g, ok := e.gates[source]
	if !ok {
		return
	}
	changed := g.Update(bid, ask, now)
	e.mon.UpdateGateReady(source, g.IsReady())
	if !changed {
		return
	}
	e.gateChanged[source] = true
	if e.telemetry != nil {
		e.telemetry.Book(source, bid, ask)
	}

	for _, rt := range e.dependents[source] {
		if !e.running() {
			return
		}
		if bad := e.unreadySource(rt); bad != "" {
			n := e.cancelEverything("source " + bad + " not ready")
			e.log.Warn("reference price not ready, canceled all orders",
				zap.String("source", bad),
				zap.String("instrument", rt.name),
				zap.Int("canceled", n))
			return
		}
		e.requote(rt, false)
	}
}

func (e *Engine) unreadySource(rt *instrumentRuntime) string {
	for _, src := range rt.sources {
		if g := e.gates[src]; g == nil || !g.IsReady() {
			return src
		}
	}
	return ""
}

// requote 一次报价决策。force 为 true 时忽略随机间隔（撤单确认、成交后立即补单）。
func (e *Engine) requote(rt *instrumentRuntime, force bool) {
	if !e.running() {
		return
	}
	now := e.now()
	if !force && now.Before(rt.nextActionAt) {
		return
	}
	if e.unreadySource(rt) != "" {
		return
	}
	if err := e.refreshReference(rt); err != nil {
		e.log.Warn("reference not available", zap.String("instrument", rt.name), zap.Error(err))
		return
	}
	buy, sell, err := rt.state.Anchors()
	if err != nil {
		e.log.Warn("anchors not available", zap.String("instrument", rt.name), zap.Error(err))
		return
	}
	e.mon.UpdateInventory(rt.name, rt.state.PositionFiat, rt.state.DealShift)
	e.log.Debug("requote",
		zap.String("instrument", rt.name),
		logger.Dec("buy_anchor", buy),
		logger.Dec("sell_anchor", sell),
		logger.Dec("deal_shift", rt.state.DealShift))

	switch rt.cfg.Policy {
	case PolicyObligation:
		e.runObligation(rt, buy, sell, now)
	case PolicyWindow:
		e.runWindow(rt, buy, sell, now)
	}

	if !now.Before(rt.nextActionAt) {
		rt.nextActionAt = now.Add(e.drawDelay(rt.cfg.Delay))
	}
}

// refreshReference 重新计算主参考价与预测价，并平滑预测价系数。
func (e *Engine) refreshReference(rt *instrumentRuntime) error {
	base := e.variables[rt.cfg.Variable]
	r, err := base.Evaluate(e.gates[base.Source])
	if err != nil {
		return err
	}
	rt.state.SetBase(r)
	for _, name := range rt.cfg.Predictors {
		v := e.variables[name]
		pr, err := v.Evaluate(e.gates[v.Source])
		if err != nil {
			return err
		}
		if err := rt.state.SetPredictor(name, pr); err != nil {
			return err
		}
	}
	return rt.state.UpdateCoefficients()
}

func (e *Engine) gaussian(mean, stddev float64) float64 {
	return mean + stddev*e.rng.NormFloat64()
}

// drawDelay 高斯随机间隔，负数截断为 0。
func (e *Engine) drawDelay(d DelayParams) time.Duration {
	if d.Mean <= 0 && d.StdDev <= 0 {
		return 0
	}
	v := e.gaussian(float64(d.Mean), float64(d.StdDev))
	if v < 0 {
		return 0
	}
	return time.Duration(v)
}

// gaussianDecimal 均值 mean、标准差 mean*rel；结果非正时退回均值。
func (e *Engine) gaussianDecimal(mean, rel decimal.Decimal) decimal.Decimal {
	if !rel.IsPositive() || !mean.IsPositive() {
		return mean
	}
	m := mean.InexactFloat64()
	v := e.gaussian(m, m*rel.InexactFloat64())
	if v <= 0 {
		return mean
	}
	return decimal.NewFromFloat(v)
}
