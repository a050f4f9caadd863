package engine

import (
	"fmt"

	"go.uber.org/zap"

	"quote-engine/account"
	"quote-engine/gateway"
	"quote-engine/infrastructure/alert"
	"quote-engine/inventory"
	"quote-engine/order"
)

func (e *Engine) onEvent(ev gateway.Event) {
	switch ev := ev.(type) {
	case gateway.Connected:
		e.onConnected(ev)
	case gateway.Disconnected:
		e.onDisconnected(ev)
	case gateway.BookUpdate:
		if e.stopRequested() {
			return
		}
		e.onPrice(SourceKey(ev.Venue, ev.Instrument), ev.BestBid, ev.BestAsk)
	case gateway.Ticker:
		if g, ok := e.gates[SourceKey(ev.Venue, ev.Instrument)]; ok && ev.Last.IsPositive() {
			g.SetLast(ev.Last)
		}
		if e.stopRequested() {
			return
		}
		if ev.Bid.IsPositive() || ev.Ask.IsPositive() {
			e.onPrice(SourceKey(ev.Venue, ev.Instrument), ev.Bid, ev.Ask)
		}
	case gateway.NewOrder:
		e.onNewOrder(ev)
	case gateway.OrderCanceled:
		e.onOrderCanceled(ev)
	case gateway.ExecutionReport:
		e.onExecution(ev)
	case gateway.ActiveOrdersList:
		e.onActiveOrders(ev)
	case gateway.Balances:
		e.onBalances(ev)
	case gateway.Positions:
		if acct, ok := e.accountOf(ev.Venue); ok {
			acct.SetPositions(ev.Positions)
		}
	case gateway.Error:
		e.onError(ev)
	case gateway.LimitArrived:
		if e.hedger != nil {
			if err := e.hedger.CheckExposures(ev.Exposures); err != nil {
				e.log.Warn("exposure check failed", zap.String("venue", ev.Venue), zap.Error(err))
			}
		}
	default:
		e.log.Warn("unhandled connector event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (e *Engine) accountOf(venue string) (*account.State, bool) {
	desc, ok := e.connectors[venue]
	if !ok {
		return nil, false
	}
	acct, ok := e.accounts[desc.Account]
	return acct, ok
}

func (e *Engine) onConnected(ev gateway.Connected) {
	e.mon.UpdateConnected(ev.Venue, true)
	wasRunning := e.running()
	if sig, ok := e.connected[ev.Venue]; ok {
		sig.Fire(nil)
	}
	e.log.Info("connector connected", zap.String("venue", ev.Venue))
	// 重连后刷新余额与仓位
	if wasRunning {
		e.requestBalances(ev.Venue)
	}
}

func (e *Engine) onDisconnected(ev gateway.Disconnected) {
	e.mon.UpdateConnected(ev.Venue, false)
	if sig, ok := e.connected[ev.Venue]; ok {
		sig.Reset()
	}
	e.log.Warn("connector disconnected", zap.String("venue", ev.Venue), zap.String("reason", ev.Reason))
}

func (e *Engine) onNewOrder(ev gateway.NewOrder) {
	delete(e.requests, ev.RequestID)
	if e.hedger != nil && e.hedger.Owns(ev.ClientOrderID) {
		return
	}
	rt, ok := e.orderIndex[ev.ClientOrderID]
	var o *order.Order
	if ok {
		o, ok = rt.orders.Get(ev.ClientOrderID)
	}
	if !ok {
		e.cancelOrphan(ev)
		return
	}
	o.ExchangeID = ev.ExchangeOrderID
	if o.Status == order.StatusPending {
		o.Status = order.StatusNew
	}
	if !o.CreatedAt.IsZero() {
		e.mon.RecordOrderLatency(e.now().Sub(o.CreatedAt).Seconds())
	}
	if ob := rt.obligations.ForOrder(o.ID); ob != nil && ob.Status == order.ObligationAddPending {
		if err := ob.Transition(order.ObligationActive, e.now()); err != nil {
			e.log.Warn("obligation transition failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	e.log.LogOrder("order_acked", o.ID, map[string]interface{}{
		"instrument":  rt.name,
		"exchange_id": ev.ExchangeOrderID,
	})
	// 停止过程中确认的订单立即撤掉
	if !e.running() && o.Status != order.StatusCanceling {
		e.cancel(rt, o, "shutdown")
	}
}

// cancelOrphan 确认到达时本地已不再跟踪该订单（例如下单确认前已因撤单错误被移除），撤掉它。
func (e *Engine) cancelOrphan(ev gateway.NewOrder) {
	desc, ok := e.connectors[ev.Venue]
	if !ok {
		return
	}
	e.log.Warn("ack for untracked order, canceling",
		zap.String("venue", ev.Venue),
		zap.String("order_id", ev.ClientOrderID),
		zap.String("instrument", ev.Instrument))
	if err := desc.Connector.CancelOrder(ev.ClientOrderID, e.newID()); err != nil {
		e.log.LogError(err, map[string]interface{}{"action": "cancel_orphan", "order_id": ev.ClientOrderID})
	}
}

func (e *Engine) onOrderCanceled(ev gateway.OrderCanceled) {
	delete(e.requests, ev.RequestID)
	if e.hedger != nil && e.hedger.Owns(ev.ClientOrderID) {
		e.hedger.OnCanceled(ev.ClientOrderID)
		return
	}
	rt, ok := e.orderIndex[ev.ClientOrderID]
	if !ok {
		e.log.Debug("cancel for unknown order", zap.String("order_id", ev.ClientOrderID))
		return
	}
	e.orderGone(rt, ev.ClientOrderID, "order_canceled")
	e.mon.RecordOrderCanceled(rt.name)
}

// orderGone 订单确认不再挂在交易所：移出镜像、释放档位、提交等待中的替换单并立即重报价。
func (e *Engine) orderGone(rt *instrumentRuntime, id, event string) {
	now := e.now()
	o, ok := e.removeOrder(rt, id, now)
	if ok {
		e.log.LogOrder(event, id, map[string]interface{}{
			"instrument": rt.name,
			"side":       string(o.Side),
			"price":      o.Price,
			"remaining":  o.Remaining,
		})
	}
	if r, ok := rt.replacements[id]; ok {
		delete(rt.replacements, id)
		e.submit(rt, r.side, r.price, r.qty, now)
	}
	e.requote(rt, true)
}

func (e *Engine) onExecution(ev gateway.ExecutionReport) {
	if e.hedger != nil && e.hedger.Owns(ev.ClientOrderID) {
		e.hedger.OnExecuted(ev.ClientOrderID, ev.Remaining)
		e.recordTrade(ev.Instrument, ev, "hedge")
		return
	}
	rt, ok := e.orderIndex[ev.ClientOrderID]
	if !ok {
		// 未跟踪的订单成交（例如启动时遗留单）仍然计入库存
		rt, ok = e.byName[ev.Instrument]
		if !ok {
			e.log.Warn("execution for unknown instrument",
				zap.String("instrument", ev.Instrument),
				zap.String("order_id", ev.ClientOrderID))
			return
		}
	}
	now := e.now()
	filledOut := false
	if o, ok := rt.orders.Get(ev.ClientOrderID); ok {
		if _, err := rt.orders.ApplyFill(o.ID, ev.Qty); err != nil {
			e.log.Warn("apply fill failed", zap.String("order_id", o.ID), zap.Error(err))
		}
		if ev.Remaining.IsZero() || !o.Remaining.IsPositive() {
			filledOut = true
		} else if ob := rt.obligations.ForOrder(o.ID); ob != nil {
			switch ob.Status {
			case order.ObligationAddPending, order.ObligationActive, order.ObligationPartiallyExecuted:
				if err := ob.Transition(order.ObligationPartiallyExecuted, now); err != nil {
					e.log.Warn("obligation transition failed", zap.String("order_id", o.ID), zap.Error(err))
				}
			}
		}
	}

	pos := rt.state.ApplyFill(ev.Side, ev.Qty, ev.Price)
	rt.account.ApplyFill(rt.name, rt.cfg.Base, rt.cfg.Quote, ev.Side == order.SideBuy, ev.Qty, ev.Price, ev.Fee)
	if err := e.positions.Set(rt.name, pos); err != nil {
		e.log.LogError(err, map[string]interface{}{"action": "persist_inventory", "instrument": rt.name})
		e.Stop(fmt.Sprintf("persist inventory for %s: %v", rt.name, err))
	}
	e.recordTrade(rt.name, ev, "quote")
	e.mon.RecordOrderFilled(rt.name)
	e.mon.UpdateInventory(rt.name, pos, rt.state.DealShift)
	if e.telemetry != nil {
		e.telemetry.Position(rt.name, pos)
	}
	if e.hedger != nil {
		if err := e.hedger.OnFill(rt.name, ev.Side, ev.Qty); err != nil {
			e.log.LogError(err, map[string]interface{}{"action": "hedge_enqueue", "instrument": rt.name})
		}
	}

	if filledOut {
		e.orderGone(rt, ev.ClientOrderID, "order_filled")
		return
	}
	e.requote(rt, true)
}

func (e *Engine) recordTrade(instrument string, ev gateway.ExecutionReport, kind string) {
	e.log.LogTrade("execution", map[string]interface{}{
		"instrument": instrument,
		"order_id":   ev.ClientOrderID,
		"trade_id":   ev.TradeID,
		"side":       string(ev.Side),
		"price":      ev.Price,
		"qty":        ev.Qty,
		"remaining":  ev.Remaining,
		"fee":        ev.Fee,
		"venue":      ev.Venue,
		"type":       kind,
	})
	if e.trades != nil {
		err := e.trades.Append(instrument, inventory.TradeRecord{
			Time:         e.now(),
			ExchangeTime: ev.ExchangeTime,
			OrderID:      ev.ClientOrderID,
			Price:        ev.Price,
			Qty:          ev.Qty,
			Side:         string(ev.Side),
			Fee:          ev.Fee,
			Venue:        ev.Venue,
			Type:         kind,
		})
		if err != nil {
			e.log.LogError(err, map[string]interface{}{"action": "trade_log", "instrument": instrument})
		}
	}
	if e.telemetry != nil {
		e.telemetry.Trade(instrument, ev.Side, ev.Price, ev.Qty, ev.ClientOrderID, ev.Venue)
	}
}

// onActiveOrders 交易所报告的挂单：本地未知的先纳入镜像再撤掉。停止过程中全部撤掉。
func (e *Engine) onActiveOrders(ev gateway.ActiveOrdersList) {
	delete(e.requests, ev.RequestID)
	adopted := 0
	for i := range ev.Orders {
		listed := ev.Orders[i]
		if e.hedger != nil && e.hedger.Owns(listed.ID) {
			continue
		}
		rt, ok := e.byName[listed.Instrument]
		if !ok || rt.cfg.Connector != ev.Venue {
			continue
		}
		o, known := rt.orders.Get(listed.ID)
		if !known {
			o = &order.Order{
				ID:         listed.ID,
				ExchangeID: listed.ExchangeID,
				Instrument: listed.Instrument,
				Side:       listed.Side,
				Price:      listed.Price,
				Quantity:   listed.Quantity,
				Remaining:  listed.Remaining,
				Status:     order.StatusNew,
				CreatedAt:  e.now(),
			}
			if o.Remaining.IsZero() {
				o.Remaining = o.Quantity
			}
			rt.orders.Add(o)
			e.orderIndex[o.ID] = rt
			adopted++
		}
		if (!known || !e.running()) && o.Status != order.StatusCanceling {
			e.cancel(rt, o, "reconcile")
		}
	}
	e.log.Info("active orders reconciled",
		zap.String("venue", ev.Venue),
		zap.Int("listed", len(ev.Orders)),
		zap.Int("adopted", adopted))
	if acct, ok := e.accountOf(ev.Venue); ok {
		acct.OrdersReady.Fire(nil)
	}
}

func (e *Engine) onBalances(ev gateway.Balances) {
	delete(e.requests, ev.RequestID)
	if e.hedger != nil && e.hedger.IsHedgeVenue(ev.Venue) {
		if err := e.hedger.CheckBalances(ev.Available); err != nil {
			return
		}
	}
	acct, ok := e.accountOf(ev.Venue)
	if !ok {
		return
	}
	acct.SetBalances(ev.Available)
	acct.BalancesReady.Fire(nil)
	if e.telemetry != nil {
		for ccy, amt := range ev.Available {
			e.telemetry.Balance(ev.Venue, ccy, amt)
		}
	}
}

// onError 连接器错误。critical 直接停机；其余按请求类型释放等待或修正本地状态。
func (e *Engine) onError(ev gateway.Error) {
	req, hasReq := e.requests[ev.RequestID]
	delete(e.requests, ev.RequestID)
	kind := ev.Request
	if kind == gateway.RequestNone && hasReq {
		kind = req.kind
	}
	id := ev.ClientOrderID
	if id == "" {
		id = req.orderID
	}
	if id == "" && e.hedger != nil {
		if hid, ok := e.hedger.OrderFor(ev.RequestID); ok {
			id = hid
			kind = gateway.RequestHedgeOrder
		}
	}
	e.log.Error("connector error",
		zap.String("venue", ev.Venue),
		zap.String("request", string(kind)),
		zap.String("order_id", id),
		zap.Int("code", ev.Code),
		zap.String("message", ev.Message),
		zap.String("description", ev.Description),
		zap.Bool("critical", ev.Critical))

	if ev.Critical {
		e.Stop(fmt.Sprintf("critical error from %s: %s", ev.Venue, ev.Error()))
	} else {
		e.raise(alert.LevelError, "connector "+ev.Venue+" error", map[string]interface{}{
			"request":  string(kind),
			"order_id": id,
			"code":     ev.Code,
			"message":  ev.Message,
		})
	}

	// 对冲单被拒：交给对冲模块停机
	if e.hedger != nil && (kind == gateway.RequestHedgeOrder || (id != "" && e.hedger.Owns(id))) {
		e.hedger.OnRejected(id, ev.Error())
		return
	}

	switch kind {
	case gateway.RequestAddOrder:
		if rt, ok := e.orderIndex[id]; ok {
			e.mon.RecordOrderRejected(rt.name, string(kind))
			e.removeOrder(rt, id, e.now())
		}
	case gateway.RequestCancelOrder:
		// 交易所认为不需要再撤，本地照样移除
		if rt, ok := e.orderIndex[id]; ok {
			e.mon.RecordOrderRejected(rt.name, string(kind))
			e.orderGone(rt, id, "cancel_rejected")
		}
	case gateway.RequestActiveOrders:
		if acct, ok := e.accountOf(ev.Venue); ok {
			acct.OrdersReady.Fire(ev)
		}
	case gateway.RequestBalances:
		if acct, ok := e.accountOf(ev.Venue); ok {
			acct.BalancesReady.Fire(ev)
		}
	}
}

// requestBalances 向连接器请求余额与仓位。
func (e *Engine) requestBalances(venue string) {
	desc, ok := e.connectors[venue]
	if !ok {
		return
	}
	reqID := e.newID()
	e.requests[reqID] = request{kind: gateway.RequestBalances, account: desc.Account, sentAt: e.now()}
	if err := desc.Connector.GetBalancesAndPositions(reqID); err != nil {
		delete(e.requests, reqID)
		e.log.Warn("balance request failed", zap.String("venue", venue), zap.Error(err))
	}
}

func (e *Engine) requestActiveOrders(venue string) {
	desc, ok := e.connectors[venue]
	if !ok {
		return
	}
	reqID := e.newID()
	e.requests[reqID] = request{kind: gateway.RequestActiveOrders, account: desc.Account, sentAt: e.now()}
	if err := desc.Connector.GetActiveOrders(reqID); err != nil {
		delete(e.requests, reqID)
		e.log.Warn("active orders request failed", zap.String("venue", venue), zap.Error(err))
		if acct, ok := e.accounts[desc.Account]; ok {
			acct.OrdersReady.Fire(err)
		}
	}
}
