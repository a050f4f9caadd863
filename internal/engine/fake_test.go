package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"quote-engine/account"
	"quote-engine/gateway"
	"quote-engine/infrastructure/logger"
	"quote-engine/infrastructure/monitor"
	"quote-engine/market"
	"quote-engine/order"
	"quote-engine/risk"
	"quote-engine/strategy"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type connCall struct {
	op         string
	id         string
	instrument string
	side       order.Side
	price      decimal.Decimal
	qty        decimal.Decimal
	requestID  string
}

// fakeConnector 记录所有请求；autoReply 为 true 时同步回复挂单列表与余额请求。
type fakeConnector struct {
	name      string
	autoReply bool
	balances  map[string]decimal.Decimal

	mu      sync.Mutex
	calls   []connCall
	handler gateway.Handler
	state   gateway.SessionState
	stops   int
}

func newFakeConnector(name string) *fakeConnector {
	return &fakeConnector{name: name, state: gateway.SessionDisconnected}
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) Init(gateway.InitParams) error { return nil }

func (f *fakeConnector) SetHandler(h gateway.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

func (f *fakeConnector) hdr() gateway.Header {
	return gateway.Header{Venue: f.name, Time: time.Now()}
}

func (f *fakeConnector) emit(ev gateway.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

func (f *fakeConnector) State() gateway.SessionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConnector) Start(context.Context) error {
	f.mu.Lock()
	f.state = gateway.SessionConnected
	f.mu.Unlock()
	f.emit(gateway.Connected{Header: f.hdr()})
	return nil
}

func (f *fakeConnector) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = gateway.SessionStopped
	f.stops++
	return nil
}

func (f *fakeConnector) record(c connCall) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeConnector) AddOrder(id, instrument string, side order.Side, price, qty decimal.Decimal, reqID string) error {
	f.record(connCall{op: "add", id: id, instrument: instrument, side: side, price: price, qty: qty, requestID: reqID})
	return nil
}

func (f *fakeConnector) CancelOrder(id, reqID string) error {
	f.record(connCall{op: "cancel", id: id, requestID: reqID})
	return nil
}

func (f *fakeConnector) GetActiveOrders(reqID string) error {
	f.record(connCall{op: "orders", requestID: reqID})
	if f.autoReply {
		f.emit(gateway.ActiveOrdersList{Header: f.hdr(), RequestID: reqID})
	}
	return nil
}

func (f *fakeConnector) GetBalancesAndPositions(reqID string) error {
	f.record(connCall{op: "balances", requestID: reqID})
	if f.autoReply {
		f.emit(gateway.Balances{Header: f.hdr(), RequestID: reqID, Available: f.balances})
	}
	return nil
}

func (f *fakeConnector) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeConnector) ops(op string) []connCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []connCall
	for _, c := range f.calls {
		if c.op == op {
			res = append(res, c)
		}
	}
	return res
}

func (f *fakeConnector) adds(side order.Side) []connCall {
	var res []connCall
	for _, c := range f.ops("add") {
		if c.side == side {
			res = append(res, c)
		}
	}
	return res
}

func (f *fakeConnector) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}

// fakeHedger 记录被拒与被撤的对冲单；拒单时通过 stop 停止引擎。
type fakeHedger struct {
	owned    map[string]bool
	requests map[string]string // requestID -> clientOrderID
	rejected []string
	canceled []string
	stop     func(reason string)

	exposureErr error
}

func (f *fakeHedger) OnFill(string, order.Side, decimal.Decimal) error { return nil }

func (f *fakeHedger) Owns(id string) bool { return f.owned[id] }

func (f *fakeHedger) OrderFor(reqID string) (string, bool) {
	id, ok := f.requests[reqID]
	return id, ok
}

func (f *fakeHedger) OnCanceled(id string) {
	f.canceled = append(f.canceled, id)
	delete(f.owned, id)
}

func (f *fakeHedger) OnRejected(id, reason string) {
	f.rejected = append(f.rejected, id)
	delete(f.owned, id)
	if f.stop != nil {
		f.stop("hedge order " + id + " rejected: " + reason)
	}
}

func (f *fakeHedger) OnExecuted(string, decimal.Decimal) {}

func (f *fakeHedger) IsHedgeVenue(string) bool { return false }

func (f *fakeHedger) CheckExposures([]risk.Exposure) error { return f.exposureErr }

func (f *fakeHedger) CheckBalances(map[string]decimal.Decimal) error { return nil }

type memStore struct {
	mu     sync.Mutex
	values map[string]decimal.Decimal
	err    error
}

func (m *memStore) Get(inst string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[inst]
	if !ok {
		return decimal.Zero, fmt.Errorf("missing %s", inst)
	}
	return v, nil
}

func (m *memStore) Set(inst string, v decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.values[inst] = v
	return nil
}

type harness struct {
	t     *testing.T
	e     *Engine
	conn  *fakeConnector
	acct  *account.State
	store *memStore
	logs  *observer.ObservedLogs
	now   time.Time
}

func obligationInstrument(tick string) InstrumentConfig {
	return InstrumentConfig{
		State: strategy.InstrumentConfig{
			Instrument:  "BTCUSD",
			Constraints: order.SymbolConstraints{TickSize: d(tick), StepSize: d("0.01")},
		},
		Connector: "ex",
		Base:      "BTC",
		Quote:     "USD",
		Variable:  "ref",
		Policy:    PolicyObligation,
		Obligation: ObligationParams{
			Tiers:     []Tier{{Spread: d("0.001"), Volume: d("1000")}},
			Tolerance: d("0.5"),
		},
	}
}

func windowInstrument() InstrumentConfig {
	return InstrumentConfig{
		State: strategy.InstrumentConfig{
			Instrument:         "BTCUSD",
			PotentialBuyLimit:  d("5000"),
			PotentialSellLimit: d("50000"),
			Constraints:        order.SymbolConstraints{TickSize: d("0.01"), StepSize: d("0.0001")},
		},
		Connector: "ex",
		Base:      "BTC",
		Quote:     "USD",
		Variable:  "ref",
		Policy:    PolicyWindow,
		Window: WindowParams{
			FirstOffset:   d("0.001"),
			MeanStep:      d("0.001"),
			Orders:        5,
			MeanVolume:    d("500"),
			FullTolerance: d("0.9"),
			MinGap:        d("0.0002"),
		},
	}
}

func newHarness(t *testing.T, inst InstrumentConfig, balances map[string]decimal.Decimal) *harness {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	h := &harness{
		t:     t,
		conn:  newFakeConnector("ex"),
		acct:  account.NewState("main", false, "", decimal.Zero),
		store: &memStore{values: map[string]decimal.Decimal{"BTCUSD": decimal.Zero}},
		logs:  logs,
		now:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.conn.balances = balances
	h.acct.SetBalances(balances)
	n := 0
	e, err := New(Config{
		PendingTimeout: 5 * time.Second,
		Sources: []SourceConfig{{
			Connector:  "ex",
			Instrument: "BTCUSD",
			Gate:       market.GateConfig{CheckCross: true, MaxSpreadPct: d("5")},
		}},
		Variables:   []market.Variable{{Name: "ref", Source: "ex:BTCUSD", Mode: market.ModeMid}},
		Instruments: []InstrumentConfig{inst},
	}, Deps{
		Connectors: map[string]gateway.Descriptor{"ex": {Connector: h.conn, Account: "main"}},
		Accounts:   map[string]*account.State{"main": h.acct},
		Positions:  h.store,
		Logger:     logger.Wrap(zap.New(core)),
		Monitor:    monitor.New(monitor.DefaultConfig()),
		Now:        func() time.Time { return h.now },
		Rand:       rand.New(rand.NewPCG(1, 2)),
		NewID: func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		},
	})
	require.NoError(t, err)
	h.e = e
	return h
}

// withHedger 挂上对冲腿，拒单直接停止引擎。
func (h *harness) withHedger(owned ...string) *fakeHedger {
	f := &fakeHedger{owned: make(map[string]bool), requests: make(map[string]string), stop: h.e.Stop}
	for _, id := range owned {
		f.owned[id] = true
	}
	h.e.hedger = f
	return f
}

// resting 直接放入一笔已确认的挂单。
func (h *harness) resting(id string, side order.Side, price, qty string) *order.Order {
	o := &order.Order{
		ID:         id,
		Instrument: "BTCUSD",
		Side:       side,
		Price:      d(price),
		Quantity:   d(qty),
		Remaining:  d(qty),
		Status:     order.StatusNew,
		CreatedAt:  h.now,
	}
	h.rt().orders.Add(o)
	h.e.orderIndex[id] = h.rt()
	return o
}

func (h *harness) cancelIDs() []string {
	var ids []string
	for _, c := range h.conn.ops("cancel") {
		ids = append(ids, c.id)
	}
	return ids
}

// running 跳过启动流程，直接进入 Running。
func (h *harness) running() *harness {
	require.NoError(h.t, h.e.state.To(LifecycleRunning))
	return h
}

func (h *harness) send(ev gateway.Event) {
	h.e.handle(eventMsg{ev: ev})
}

func (h *harness) book(bid, ask string) {
	h.send(gateway.BookUpdate{
		Header:     gateway.Header{Venue: "ex"},
		Instrument: "BTCUSD",
		BestBid:    d(bid),
		BestAsk:    d(ask),
	})
}

func (h *harness) ack(c connCall) {
	h.send(gateway.NewOrder{
		Header:          gateway.Header{Venue: "ex"},
		RequestID:       c.requestID,
		ClientOrderID:   c.id,
		ExchangeOrderID: "x-" + c.id,
		Instrument:      c.instrument,
		Side:            c.side,
		Price:           c.price,
		Qty:             c.qty,
	})
}

func (h *harness) canceled(id string) {
	h.send(gateway.OrderCanceled{Header: gateway.Header{Venue: "ex"}, ClientOrderID: id})
}

func (h *harness) rt() *instrumentRuntime {
	return h.e.byName["BTCUSD"]
}

func (h *harness) obligation(side order.Side) *order.Obligation {
	return h.rt().obligations.Ensure(side, 0, d("0.001"), d("1000"))
}

func (h *harness) skips(reason string) []observer.LoggedEntry {
	var res []observer.LoggedEntry
	for _, entry := range h.logs.FilterMessage("order_skipped").All() {
		if entry.ContextMap()["reason"] == reason {
			res = append(res, entry)
		}
	}
	return res
}
