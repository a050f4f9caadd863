package hedge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quote-engine/gateway"
	"quote-engine/infrastructure/logger"
	"quote-engine/infrastructure/monitor"
	"quote-engine/market"
	"quote-engine/order"
	"quote-engine/risk"
)

var (
	ErrNoQuote     = errors.New("hedge price source has no quote")
	ErrNotHedged   = errors.New("instrument has no hedge configured")
	ErrQueueFull   = errors.New("hedge queue full")
	ErrUnknownSide = errors.New("unknown side")
)

// Config 单个报价品种的对冲参数。
type Config struct {
	Instrument      string // 主品种
	HedgeInstrument string
	Venue           string // 对冲连接器名
	PriceSource     string // Board 中对冲品种的行情源
	Ratio           decimal.Decimal
	Slippage        decimal.Decimal
	Constraints     order.SymbolConstraints
	StopOnCancel    bool
}

// Job 一次对冲请求；Side 为对冲单方向。
type Job struct {
	Instrument string
	Side       order.Side
	Qty        decimal.Decimal // 主品种成交量，未乘比例
	Source     string          // fill / telemetry
}

// Trigger 独立串行队列处理对冲下单，不阻塞报价。
type Trigger struct {
	cfgs   map[string]Config
	venues map[string]gateway.HedgeCapability
	board  *market.Board
	bands  risk.ExposureBands
	stop   func(reason string)
	newID  func() string
	log    *logger.Logger
	mon    *monitor.Monitor

	queue chan Job

	mu       sync.Mutex
	inflight map[string]hedgeOrder // clientOrderID -> 对冲单
	requests map[string]string     // requestID -> clientOrderID
}

type hedgeOrder struct {
	cfg       Config
	requestID string
}

// Options 构造参数。
type Options struct {
	Configs   []Config
	Venues    map[string]gateway.HedgeCapability
	Board     *market.Board
	Bands     risk.ExposureBands
	Stop      func(reason string)
	NewID     func() string
	Logger    *logger.Logger
	Monitor   *monitor.Monitor
	QueueSize int
}

func New(opts Options) *Trigger {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	t := &Trigger{
		cfgs:     make(map[string]Config, len(opts.Configs)),
		venues:   opts.Venues,
		board:    opts.Board,
		bands:    opts.Bands,
		stop:     opts.Stop,
		newID:    opts.NewID,
		log:      opts.Logger.Named("hedge"),
		mon:      opts.Monitor,
		queue:    make(chan Job, opts.QueueSize),
		inflight: make(map[string]hedgeOrder),
		requests: make(map[string]string),
	}
	for _, c := range opts.Configs {
		t.cfgs[c.Instrument] = c
	}
	return t
}

// Enabled 该品种是否配置了对冲。
func (t *Trigger) Enabled(instrument string) bool {
	_, ok := t.cfgs[instrument]
	return ok
}

// OnFill 主品种成交后入队反向对冲。
func (t *Trigger) OnFill(instrument string, fillSide order.Side, qty decimal.Decimal) error {
	if !t.Enabled(instrument) {
		return nil
	}
	return t.enqueue(Job{Instrument: instrument, Side: fillSide.Opposite(), Qty: qty, Source: "fill"})
}

// OnExternal 外部请求，side 已经是对冲单方向。
func (t *Trigger) OnExternal(instrument string, side order.Side, qty decimal.Decimal) error {
	if !t.Enabled(instrument) {
		return fmt.Errorf("%w: %s", ErrNotHedged, instrument)
	}
	return t.enqueue(Job{Instrument: instrument, Side: side, Qty: qty, Source: "telemetry"})
}

func (t *Trigger) enqueue(j Job) error {
	select {
	case t.queue <- j:
		return nil
	case <-time.After(time.Second):
		t.log.Error("hedge queue full", zap.String("instrument", j.Instrument))
		return ErrQueueFull
	}
}

// Run 串行消费对冲队列，直到 ctx 结束。下单失败意味着成交未对冲，停止引擎。
func (t *Trigger) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-t.queue:
			if err := t.Submit(j); err != nil {
				t.log.Error("hedge submit failed", zap.String("instrument", j.Instrument), zap.Error(err))
				if t.stop != nil {
					t.stop(fmt.Sprintf("hedge for %s failed: %v", j.Instrument, err))
				}
			}
		}
	}
}

// Submit 计算对冲数量与带滑点的限价并下单。
func (t *Trigger) Submit(j Job) error {
	cfg, ok := t.cfgs[j.Instrument]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotHedged, j.Instrument)
	}
	venue, ok := t.venues[cfg.Venue]
	if !ok || venue == nil {
		return fmt.Errorf("venue %s cannot hedge", cfg.Venue)
	}
	qty := cfg.Constraints.RoundQty(j.Qty.Mul(cfg.Ratio))
	if !qty.IsPositive() {
		t.log.Info("hedge qty rounds to zero", zap.String("instrument", j.Instrument), logger.Dec("fill_qty", j.Qty))
		return nil
	}
	price, err := t.limitPrice(cfg, j.Side)
	if err != nil {
		return err
	}

	id, reqID := t.newID(), t.newID()
	t.mu.Lock()
	t.inflight[id] = hedgeOrder{cfg: cfg, requestID: reqID}
	t.requests[reqID] = id
	t.mu.Unlock()

	if err := venue.AddHedgeOrder(id, cfg.HedgeInstrument, j.Side, price, qty, reqID); err != nil {
		t.forget(id)
		return fmt.Errorf("add hedge order: %w", err)
	}
	if t.mon != nil {
		t.mon.RecordHedgeOrder(cfg.HedgeInstrument)
	}
	t.log.LogOrder("hedge_placed", id, map[string]interface{}{
		"instrument": cfg.HedgeInstrument,
		"side":       string(j.Side),
		"price":      price,
		"qty":        qty,
		"source":     j.Source,
	})
	return nil
}

// 买: ask*(1+slip)，卖: bid*(1-slip)；按更激进的方向取整到 tick。
func (t *Trigger) limitPrice(cfg Config, side order.Side) (decimal.Decimal, error) {
	q, ok := t.board.Get(cfg.PriceSource)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrNoQuote, cfg.PriceSource)
	}
	one := decimal.NewFromInt(1)
	switch side {
	case order.SideBuy:
		if !q.Ask.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: %s ask", ErrNoQuote, cfg.PriceSource)
		}
		return cfg.Constraints.RoundPrice(order.SideSell, q.Ask.Mul(one.Add(cfg.Slippage))), nil
	case order.SideSell:
		if !q.Bid.IsPositive() {
			return decimal.Zero, fmt.Errorf("%w: %s bid", ErrNoQuote, cfg.PriceSource)
		}
		return cfg.Constraints.RoundPrice(order.SideBuy, q.Bid.Mul(one.Sub(cfg.Slippage))), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: %s", ErrUnknownSide, side)
	}
}

// Owns 是否为本模块发出的对冲单。
func (t *Trigger) Owns(clientOrderID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inflight[clientOrderID]
	return ok
}

// OrderFor 按请求 ID 找回对冲单，用于没有带订单 ID 的错误回报。
func (t *Trigger) OrderFor(requestID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	id, ok := t.requests[requestID]
	return id, ok
}

// OnCanceled 对冲单被撤；配置了 StopOnCancel 时停止引擎。
func (t *Trigger) OnCanceled(clientOrderID string) {
	h, ok := t.take(clientOrderID)
	if !ok {
		return
	}
	cfg := h.cfg
	t.log.LogRisk("hedge_canceled", map[string]interface{}{"order_id": clientOrderID, "instrument": cfg.HedgeInstrument})
	if cfg.StopOnCancel && t.stop != nil {
		t.stop(fmt.Sprintf("hedge order %s on %s canceled", clientOrderID, cfg.HedgeInstrument))
	}
}

// OnRejected 对冲单被交易所拒绝，主品种成交失去对冲，总是停止引擎。
func (t *Trigger) OnRejected(clientOrderID, reason string) {
	h, ok := t.take(clientOrderID)
	instrument := h.cfg.HedgeInstrument
	if !ok {
		instrument = "unknown"
	}
	if t.mon != nil && ok {
		t.mon.RecordOrderRejected(instrument, "hedge")
	}
	t.log.LogRisk("hedge_rejected", map[string]interface{}{
		"order_id":   clientOrderID,
		"instrument": instrument,
		"reason":     reason,
	})
	if t.stop != nil {
		t.stop(fmt.Sprintf("hedge order %s on %s rejected: %s", clientOrderID, instrument, reason))
	}
}

// OnExecuted 对冲单成交，剩余为 0 时结束跟踪。
func (t *Trigger) OnExecuted(clientOrderID string, remaining decimal.Decimal) {
	if remaining.IsPositive() {
		return
	}
	t.forget(clientOrderID)
}

func (t *Trigger) forget(id string) {
	t.take(id)
}

func (t *Trigger) take(id string) (hedgeOrder, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.inflight[id]
	if ok {
		delete(t.inflight, id)
		delete(t.requests, h.requestID)
	}
	return h, ok
}

// CheckExposures 对冲端推送敞口时校验容忍区间，越界立即停止。
func (t *Trigger) CheckExposures(exposures []risk.Exposure) error {
	for _, e := range exposures {
		if err := t.bands.CheckExposure(e); err != nil {
			t.breach(err)
			return err
		}
	}
	return nil
}

// CheckBalances 对冲端余额校验。
func (t *Trigger) CheckBalances(balances map[string]decimal.Decimal) error {
	if err := t.bands.CheckBalances(balances); err != nil {
		t.breach(err)
		return err
	}
	return nil
}

func (t *Trigger) breach(err error) {
	t.log.LogRisk("exposure_breach", map[string]interface{}{"limit": err.Error()})
	if t.stop != nil {
		t.stop(err.Error())
	}
}

// IsHedgeVenue 连接器是否是某个品种的对冲端。
func (t *Trigger) IsHedgeVenue(venue string) bool {
	for _, c := range t.cfgs {
		if c.Venue == venue {
			return true
		}
	}
	return false
}
