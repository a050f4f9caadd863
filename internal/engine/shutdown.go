package engine

import (
	"time"

	"go.uber.org/zap"

	"quote-engine/gateway"
)

// shutdown 在队列 goroutine 内执行：撤掉所有已知挂单并再查询一次交易所挂单，
// 在 ShutdownTimeout 内处理回报，然后停止全部连接器。
func (e *Engine) shutdown() {
	e.transition(LifecycleStopping)
	reason := e.StopReason()

	n := e.cancelEverything("shutdown")
	for _, v := range e.accountVenues() {
		if e.connectors[v].Connector.State() == gateway.SessionConnected {
			e.requestActiveOrders(v)
		}
	}
	e.log.Info("shutdown: canceling orders", zap.Int("cancels", n), zap.String("reason", reason))

	deadline := time.NewTimer(e.cfg.ShutdownTimeout)
	defer deadline.Stop()
drain:
	for e.openOrders() > 0 || e.pendingRequests(gateway.RequestActiveOrders) > 0 {
		select {
		case m := <-e.inbox:
			e.handleStopping(m)
		case <-deadline.C:
			e.log.Warn("shutdown: timed out waiting for cancel confirmations",
				zap.Int("open_orders", e.openOrders()))
			break drain
		}
	}

	for _, name := range e.connectorNames() {
		if err := e.connectors[name].Connector.Stop(); err != nil {
			e.log.Warn("connector stop failed", zap.String("connector", name), zap.Error(err))
		}
		e.mon.UpdateConnected(name, false)
	}
	if e.runCancel != nil {
		e.runCancel()
	}
	e.transition(LifecycleStopped)
	e.log.Info("engine stopped", zap.String("reason", reason))
}

// handleStopping 停止阶段只处理订单相关回报，行情、定时器与热更新全部丢弃。
func (e *Engine) handleStopping(m message) {
	switch m := m.(type) {
	case eventMsg:
		switch m.ev.(type) {
		case gateway.BookUpdate, gateway.Ticker:
			return
		}
		e.onEvent(m.ev)
	case callMsg:
		m.fn()
		close(m.done)
	}
}

func (e *Engine) openOrders() int {
	n := 0
	for _, rt := range e.instruments {
		n += rt.orders.Size()
	}
	return n
}

func (e *Engine) pendingRequests(kind gateway.RequestKind) int {
	n := 0
	for _, r := range e.requests {
		if r.kind == kind {
			n++
		}
	}
	return n
}
