package engine

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quote-engine/infrastructure/logger"
	"quote-engine/order"
)

// windowBounds 内边界 anchor∓firstOffset，外边界再加 orders*meanStep。
func windowBounds(side order.Side, anchor decimal.Decimal, p WindowParams) (inner, far decimal.Decimal) {
	inner = away(side, anchor, anchor.Mul(p.FirstOffset))
	depth := p.FirstOffset.Add(p.MeanStep.Mul(decimal.NewFromInt(int64(p.Orders))))
	far = away(side, anchor, anchor.Mul(depth))
	return inner, far
}

// runWindow 随机窗口策略。每轮：撤掉越过锚点的挂单；一次只撤一笔落到窗口外的挂单；
// 窗口已满时按概率替换一笔深度单，否则前补、后补，都太近时在最大空档补一笔。
func (e *Engine) runWindow(rt *instrumentRuntime, buyAnchor, sellAnchor decimal.Decimal, now time.Time) {
	p := rt.cfg.Window
	for _, side := range sides {
		if !e.running() {
			return
		}
		anchor := rt.anchor(side, buyAnchor, sellAnchor)
		inner, far := windowBounds(side, anchor, p)
		inner = rt.state.RoundPrice(side, inner)
		minGap := anchor.Mul(p.MinGap)

		for _, o := range rt.orders.InFrontOf(anchor, side) {
			if o.Status != order.StatusCanceling {
				e.cancel(rt, o, "in_front_of_anchor")
			}
		}
		if behind := rt.orders.Behind(far, side); len(behind) > 0 {
			// Behind 按从优到劣排序，撤最远的一笔
			for i := len(behind) - 1; i >= 0; i-- {
				if behind[i].Status != order.StatusCanceling {
					e.cancel(rt, behind[i], "behind_window")
					break
				}
			}
		}

		notional := rt.orders.Notional(side, true)
		target := p.MeanVolume.Mul(decimal.NewFromInt(int64(p.Orders)))
		atLimit := rt.state.IsPotentialLimitExceeded(side, notional, decimal.Zero)
		if atLimit {
			e.skip(rt, side, skipPotentialLimit, inner, decimal.Zero,
				logger.Dec("resting", notional), logger.Dec("position_fiat", rt.state.PositionFiat))
		}
		if atLimit || notional.GreaterThanOrEqual(target.Mul(p.FullTolerance)) {
			e.reshuffle(rt, side, anchor, inner, far, now)
			continue
		}

		frontSkipped := e.windowAdd(rt, side, inner, minGap, now)

		farthest, err := rt.orders.FarthestPrice(side, inner)
		if err != nil {
			e.Stop("instrument " + rt.name + ": " + err.Error())
			return
		}
		step := anchor.Mul(e.gaussianDecimal(p.MeanStep, p.StepStdDev))
		back := rt.state.RoundPrice(side, away(side, farthest, step))
		backSkipped := true
		if !beyond(side, back, far) {
			backSkipped = e.windowAdd(rt, side, back, minGap, now)
		}

		if frontSkipped && backSkipped && rt.orders.Notional(side, true).LessThan(target.Mul(p.FullTolerance)) {
			if p1, p2, ok := rt.orders.PriceLevelsWithMaxGap(side); ok {
				mid := rt.state.RoundPrice(side, p1.Add(p2).Div(decimal.NewFromInt(2)))
				e.windowAdd(rt, side, mid, minGap, now)
			}
		}
	}
}

// windowAdd 在 price 处下一笔高斯数量的单；离已有挂单太近时跳过，返回是否因太近跳过。
func (e *Engine) windowAdd(rt *instrumentRuntime, side order.Side, price, minGap decimal.Decimal, now time.Time) bool {
	if near, ok := rt.orders.Nearest(side, price); ok && near.Sub(price).Abs().LessThan(minGap) {
		e.log.Debug("window add too close",
			zap.String("instrument", rt.name),
			zap.String("side", string(side)),
			logger.Dec("price", price),
			logger.Dec("nearest", near))
		e.mon.RecordSkip(rt.name, skipTooClose)
		return true
	}
	qty := e.gaussianDecimal(rt.cfg.Window.MeanVolume, rt.cfg.Window.VolumeStdDev).Div(price)
	e.submit(rt, side, price, qty, now)
	return false
}

// reshuffle 按概率选一笔非最优的深度单撤掉，撤单确认后在窗口内随机位置补一笔。
func (e *Engine) reshuffle(rt *instrumentRuntime, side order.Side, anchor, inner, far decimal.Decimal, now time.Time) {
	p := rt.cfg.Window
	if p.ReshuffleProbability <= 0 || e.rng.Float64() >= p.ReshuffleProbability {
		return
	}
	deep, ok := rt.orders.Random(side, e.rng)
	if !ok || deep.Status == order.StatusCanceling {
		return
	}
	if best, ok := rt.orders.Best(side); ok && best.ID == deep.ID {
		return
	}
	span := inner.Sub(far).Abs()
	price := rt.state.RoundPrice(side, away(side, inner, span.Mul(decimal.NewFromFloat(e.rng.Float64()))))
	qty := e.gaussianDecimal(p.MeanVolume, p.VolumeStdDev).Div(price)
	if !e.cancel(rt, deep, "reshuffle") {
		return
	}
	rt.replacements[deep.ID] = replacement{
		side:    side,
		price:   price,
		qty:     qty,
		expires: now.Add(e.pendingTimeout),
	}
	e.log.Debug("deep order reshuffle",
		zap.String("instrument", rt.name),
		zap.String("order_id", deep.ID),
		logger.Dec("anchor", anchor),
		logger.Dec("replacement_price", price))
}

// beyond price 是否在 boundary 之外（买: 更低，卖: 更高）。
func beyond(side order.Side, price, boundary decimal.Decimal) bool {
	if side == order.SideBuy {
		return price.LessThan(boundary)
	}
	return price.GreaterThan(boundary)
}
