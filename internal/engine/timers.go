package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"quote-engine/infrastructure/alert"
)

// runTimers 定时器不直接改状态，只向 inbox 投递 tick；投递失败记录日志。
func (e *Engine) runTimers(ctx context.Context) {
	stuck := time.NewTicker(e.cfg.StuckCheckInterval)
	balances := time.NewTicker(e.cfg.BalanceRefreshInterval)
	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer stuck.Stop()
	defer balances.Stop()
	defer sweep.Stop()

	for {
		var kind tickKind
		var at time.Time
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case at = <-stuck.C:
			kind = tickStuck
		case at = <-balances.C:
			kind = tickBalances
		case at = <-sweep.C:
			kind = tickSweep
		}
		if err := e.post(tickMsg{kind: kind, at: at}); err != nil {
			e.log.Warn("timer tick dropped", zap.String("timer", kind.String()), zap.Error(err))
		}
	}
}

func (e *Engine) onTick(m tickMsg) {
	if !e.running() {
		return
	}
	switch m.kind {
	case tickStuck:
		e.checkFeeds(e.now())
	case tickBalances:
		for _, name := range e.accountVenues() {
			e.requestBalances(name)
		}
	case tickSweep:
		e.sweep(e.now())
	}
}

// checkFeeds 卡死的盘口直接停机；失效的盘口超时后重连所属连接，
// 同一价源连续重连超过 MaxReconnects 次仍未恢复则停机。
func (e *Engine) checkFeeds(now time.Time) {
	for _, src := range e.sourceKeys() {
		g := e.gates[src]
		hasNew := e.gateChanged[src]
		e.gateChanged[src] = false
		if g.MarkStuckIfUnchanged(hasNew, now) {
			e.Stop(fmt.Sprintf("book %s stuck since %s", src, g.StuckSince().Format(time.RFC3339)))
			return
		}
		if g.MarkBrokenIfUnready(now).IsZero() {
			e.reconnects[src] = 0
			e.mon.UpdateGateReady(src, true)
			continue
		}
		e.mon.UpdateGateReady(src, false)
		if !g.ShouldReconnect(now) {
			continue
		}
		e.reconnects[src]++
		if e.reconnects[src] > e.cfg.MaxReconnects {
			e.Stop(fmt.Sprintf("book %s broken since %s after %d reconnects",
				src, g.BrokenSince().Format(time.RFC3339), e.cfg.MaxReconnects))
			return
		}
		g.ResetBroken()
		e.raise(alert.LevelWarning, "book "+src+" broken, reconnecting", map[string]interface{}{
			"connector": g.Connector,
			"attempt":   e.reconnects[src],
		})
		e.reconnect(g.Connector)
	}
}

// reconnect 在独立 goroutine 中重启连接，避免阻塞队列。
func (e *Engine) reconnect(name string) {
	desc, ok := e.connectors[name]
	if !ok {
		return
	}
	e.mon.RecordReconnect(name)
	e.log.Warn("reconnecting connector", zap.String("connector", name))
	ctx := e.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		if err := desc.Connector.Stop(); err != nil {
			e.log.Warn("connector stop failed", zap.String("connector", name), zap.Error(err))
		}
		if err := desc.Connector.Start(ctx); err != nil {
			e.log.Error("connector restart failed", zap.String("connector", name), zap.Error(err))
		}
	}()
}

// sweep 清理撤单确认一直没有到达的替换单与过期请求。
func (e *Engine) sweep(now time.Time) {
	for _, rt := range e.instruments {
		for id, r := range rt.replacements {
			if now.Before(r.expires) {
				continue
			}
			delete(rt.replacements, id)
			e.mon.RecordReplacementExpired(rt.name)
			e.log.Warn("replacement expired without cancel confirmation",
				zap.String("instrument", rt.name),
				zap.String("canceled_order", id),
				zap.String("side", string(r.side)))
			e.raise(alert.LevelWarning, "replacement expired on "+rt.name, map[string]interface{}{"canceled_order": id})
		}
	}
	horizon := 10 * e.pendingTimeout
	for id, req := range e.requests {
		if now.Sub(req.sentAt) > horizon {
			delete(e.requests, id)
		}
	}
}

// accountVenues 每个账户取一个连接器，按名称排序保证顺序稳定。
func (e *Engine) accountVenues() []string {
	seen := make(map[string]bool, len(e.accounts))
	var res []string
	for _, name := range e.connectorNames() {
		acct := e.connectors[name].Account
		if seen[acct] {
			continue
		}
		seen[acct] = true
		res = append(res, name)
	}
	return res
}
