package engine

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quote-engine/order"
)

var one = decimal.NewFromInt(1)

// tierPrice 买: anchor*(1-spread)，卖: anchor*(1+spread)。
func tierPrice(side order.Side, anchor, spread decimal.Decimal) decimal.Decimal {
	if side == order.SideBuy {
		return anchor.Mul(one.Sub(spread))
	}
	return anchor.Mul(one.Add(spread))
}

// runObligation 每个 (方向, 档位) 维持一笔挂单：能撤的先判断是否需要重报价，
// 撤单确认后才会在同一档位下新单。
func (e *Engine) runObligation(rt *instrumentRuntime, buyAnchor, sellAnchor decimal.Decimal, now time.Time) {
	p := rt.cfg.Obligation
	for _, side := range sides {
		anchor := rt.anchor(side, buyAnchor, sellAnchor)
		for i, tier := range p.Tiers {
			if !e.running() {
				return
			}
			ob := rt.obligations.Ensure(side, i, tier.Spread, tier.Volume)
			target := rt.state.RoundPrice(side, tierPrice(side, anchor, tier.Spread))
			band := p.Tolerance.Mul(tier.Spread).Mul(anchor)

			if ob.CanCancel(now, e.pendingTimeout) {
				if e.obligationStale(ob, target, band, p.MinRequote, now) {
					e.cancelObligation(rt, ob, now)
				}
				continue
			}
			if !ob.CanAddNew() {
				continue
			}
			if e.covered(rt, ob, side, target, band, p.MinRequote, now) {
				continue
			}
			o, ok := e.submit(rt, side, target, tier.Volume.Div(target), now)
			if !ok {
				continue
			}
			if err := ob.InitialSet(o.ID, o.Price, now); err != nil {
				e.log.Error("obligation initial set failed", zap.String("instrument", rt.name), zap.Error(err))
				continue
			}
			rt.obligations.Bind(ob)
		}
	}
}

// obligationStale 超时的挂起状态一律视为需要撤；活跃单偏离目标超出容忍带
// 或超过最小重报价间隔时撤单。
func (e *Engine) obligationStale(ob *order.Obligation, target, band decimal.Decimal, minRequote time.Duration, now time.Time) bool {
	if ob.Pending() {
		return true
	}
	if ob.Price.Sub(target).Abs().GreaterThan(band) {
		return true
	}
	return minRequote > 0 && now.Sub(ob.IssuedAt) >= minRequote
}

func (e *Engine) cancelObligation(rt *instrumentRuntime, ob *order.Obligation, now time.Time) {
	o, ok := rt.orders.Get(ob.OrderID)
	if !ok {
		// 订单已不在本地镜像中，档位直接回到 None
		if err := rt.obligations.Release(ob, now); err != nil {
			e.log.Warn("release obligation failed", zap.String("instrument", rt.name), zap.Error(err))
		}
		return
	}
	if !e.cancel(rt, o, "obligation_requote") {
		return
	}
	if err := ob.Transition(order.ObligationCancelPending, now); err != nil {
		e.log.Warn("obligation transition failed", zap.String("instrument", rt.name), zap.Error(err))
	}
}

// covered 一侧最优挂单已在目标价容忍带内且未到强制重报价时间，本轮不下单。
func (e *Engine) covered(rt *instrumentRuntime, ob *order.Obligation, side order.Side, target, band decimal.Decimal, minRequote time.Duration, now time.Time) bool {
	best, ok := rt.orders.Best(side)
	if !ok || best.Status == order.StatusCanceling {
		return false
	}
	if owner := rt.obligations.ForOrder(best.ID); owner != nil && owner != ob {
		return false
	}
	if best.Price.Sub(target).Abs().GreaterThan(band) {
		return false
	}
	return minRequote <= 0 || now.Sub(ob.IssuedAt) < minRequote
}
