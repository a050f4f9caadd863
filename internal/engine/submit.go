package engine

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quote-engine/gateway"
	"quote-engine/infrastructure/logger"
	"quote-engine/order"
)

// 单笔下单被跳过的原因，只记录日志与计数，不升级。
const (
	skipPotentialLimit = "potential_limit"
	skipBalance        = "insufficient_balance"
	skipCross          = "would_cross"
	skipTooClose       = "too_close"
	skipZeroQty        = "zero_qty"
	skipInvalid        = "invalid"
)

func (e *Engine) skip(rt *instrumentRuntime, side order.Side, reason string, price, qty decimal.Decimal, extra ...zap.Field) {
	fields := append([]zap.Field{logger.Dec("price", price), logger.Dec("qty", qty)}, extra...)
	e.log.LogSkip(rt.name, string(side), reason, fields...)
	e.mon.RecordSkip(rt.name, reason)
}

// submit 所有下单路径共用：依次检查单侧潜在敞口、余额、与对侧挂单交叉。
// 通过后订单以 PENDING 状态进入 ActiveSet，等待确认。
func (e *Engine) submit(rt *instrumentRuntime, side order.Side, price, qty decimal.Decimal, now time.Time) (*order.Order, bool) {
	if !e.running() {
		return nil, false
	}
	price = rt.state.RoundPrice(side, price)
	qty = rt.state.RoundQty(qty)
	if !price.IsPositive() || !qty.IsPositive() {
		e.skip(rt, side, skipZeroQty, price, qty)
		return nil, false
	}

	resting := rt.orders.Notional(side, true)
	if rt.state.IsPotentialLimitExceeded(side, resting, qty.Mul(price)) {
		e.skip(rt, side, skipPotentialLimit, price, qty,
			logger.Dec("resting", resting), logger.Dec("position_fiat", rt.state.PositionFiat))
		return nil, false
	}
	if err := rt.account.CheckSufficient(rt.name, rt.cfg.Base, rt.cfg.Quote, side == order.SideBuy, qty, price); err != nil {
		e.skip(rt, side, skipBalance, price, qty, zap.Error(err))
		return nil, false
	}
	if opp := rt.orders.BestPrice(side.Opposite()); opp.IsPositive() {
		crosses := price.GreaterThanOrEqual(opp)
		if side == order.SideSell {
			crosses = price.LessThanOrEqual(opp)
		}
		if crosses {
			e.skip(rt, side, skipCross, price, qty, logger.Dec("opposite_best", opp))
			return nil, false
		}
	}
	if err := rt.state.Config().Constraints.Validate(price, qty); err != nil {
		e.skip(rt, side, skipInvalid, price, qty, zap.Error(err))
		return nil, false
	}

	o := &order.Order{
		ID:         e.newID(),
		Instrument: rt.name,
		Side:       side,
		Price:      price,
		Quantity:   qty,
		Remaining:  qty,
		Status:     order.StatusPending,
		CreatedAt:  now,
	}
	reqID := e.newID()
	rt.orders.Add(o)
	e.orderIndex[o.ID] = rt
	e.requests[reqID] = request{kind: gateway.RequestAddOrder, orderID: o.ID, sentAt: now}

	if err := rt.conn.AddOrder(o.ID, rt.name, side, price, qty, reqID); err != nil {
		rt.orders.Remove(o.ID)
		delete(e.orderIndex, o.ID)
		delete(e.requests, reqID)
		e.log.LogError(err, map[string]interface{}{"action": "add_order", "instrument": rt.name, "side": string(side)})
		return nil, false
	}
	e.mon.RecordOrderPlaced(rt.name, string(side))
	e.log.LogOrder("order_sent", o.ID, map[string]interface{}{
		"instrument": rt.name,
		"side":       string(side),
		"price":      price,
		"qty":        qty,
		"request_id": reqID,
	})
	return o, true
}

// cancel 发出撤单，订单保留在 ActiveSet 中直到收到确认。
func (e *Engine) cancel(rt *instrumentRuntime, o *order.Order, reason string) bool {
	reqID := e.newID()
	e.requests[reqID] = request{kind: gateway.RequestCancelOrder, orderID: o.ID, sentAt: e.now()}
	if err := rt.conn.CancelOrder(o.ID, reqID); err != nil {
		delete(e.requests, reqID)
		e.log.LogError(err, map[string]interface{}{"action": "cancel_order", "instrument": rt.name, "order_id": o.ID})
		return false
	}
	o.Status = order.StatusCanceling
	e.log.LogOrder("cancel_sent", o.ID, map[string]interface{}{
		"instrument": rt.name,
		"side":       string(o.Side),
		"price":      o.Price,
		"reason":     reason,
	})
	return true
}

// cancelEverything 撤掉所有品种的全部挂单（已在撤单中的除外）。
func (e *Engine) cancelEverything(reason string) int {
	n := 0
	for _, rt := range e.instruments {
		for _, o := range rt.orders.All() {
			if o.Status == order.StatusCanceling {
				continue
			}
			if e.cancel(rt, o, reason) {
				n++
			}
		}
	}
	return n
}

// removeOrder 从 ActiveSet 与索引中移除，并释放所属档位。
func (e *Engine) removeOrder(rt *instrumentRuntime, id string, now time.Time) (*order.Order, bool) {
	o, ok := rt.orders.Remove(id)
	delete(e.orderIndex, id)
	if ob := rt.obligations.ForOrder(id); ob != nil {
		if err := rt.obligations.Release(ob, now); err != nil {
			e.log.Warn("release obligation failed", zap.String("order_id", id), zap.Error(err))
		}
	}
	return o, ok
}
