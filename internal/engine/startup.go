package engine

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Start 恢复库存、启动队列与连接器，并等待连接、挂单列表与余额全部就绪后进入 Running。
// 任何一步失败都会触发 Stop 并返回错误。
func (e *Engine) Start(ctx context.Context) error {
	for _, rt := range e.instruments {
		pos, err := e.positions.Get(rt.name)
		if err != nil {
			return fmt.Errorf("restore inventory for %s: %w", rt.name, err)
		}
		rt.state.SetPosition(pos)
		e.mon.UpdateInventory(rt.name, pos, rt.state.DealShift)
	}

	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	handler := e.Handler()
	for _, name := range e.connectorNames() {
		e.connectors[name].Connector.SetHandler(handler)
	}
	go func() {
		if err := e.Run(ctx); err != nil {
			e.log.Error("engine loop exited", zap.Error(err))
		}
	}()

	fail := func(err error) error {
		e.Stop("startup: " + err.Error())
		return err
	}
	for _, name := range e.connectorNames() {
		if err := e.connectors[name].Connector.Start(e.runCtx); err != nil {
			return fail(fmt.Errorf("start connector %s: %w", name, err))
		}
	}

	wctx, cancel := context.WithTimeout(ctx, e.cfg.StartupTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(wctx)
	for name, sig := range e.connected {
		g.Go(func() error {
			if err := sig.Wait(gctx); err != nil {
				return fmt.Errorf("connector %s not connected: %w", name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	venues := e.accountVenues()
	err := e.Do(wctx, func() {
		for _, v := range venues {
			e.requestActiveOrders(v)
			e.requestBalances(v)
		}
	})
	if err != nil {
		return fail(fmt.Errorf("request account state: %w", err))
	}

	g, gctx = errgroup.WithContext(wctx)
	for _, v := range venues {
		acct := e.accounts[e.connectors[v].Account]
		g.Go(func() error {
			if err := acct.OrdersReady.Wait(gctx); err != nil {
				return fmt.Errorf("account %s active orders: %w", acct.Name, err)
			}
			return nil
		})
		g.Go(func() error {
			if err := acct.BalancesReady.Wait(gctx); err != nil {
				return fmt.Errorf("account %s balances: %w", acct.Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fail(err)
	}

	if err := e.state.To(LifecycleRunning); err != nil {
		return fail(err)
	}
	e.mon.UpdateEngineState(int(LifecycleRunning))
	e.log.Info("engine running",
		zap.Int("instruments", len(e.instruments)),
		zap.Int("connectors", len(e.connectors)),
		zap.Int("sources", len(e.gates)))
	go e.runTimers(e.runCtx)
	return nil
}

func (e *Engine) connectorNames() []string {
	names := make([]string, 0, len(e.connectors))
	for name := range e.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) sourceKeys() []string {
	keys := make([]string, 0, len(e.gates))
	for k := range e.gates {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
