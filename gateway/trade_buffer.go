package gateway

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Trade 交易所原始成交，只带交易所订单号。
type Trade struct {
	TradeID         string
	ExchangeOrderID string
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Fee             decimal.Decimal
	Time            time.Time
}

type trackedOrder struct {
	ack    NewOrder
	filled decimal.Decimal
}

// TradeBuffer 处理成交先于下单确认到达的情况：未知订单的成交先缓存，
// 确认到达后按顺序补发，每笔成交只产生一次 ExecutionReport。
type TradeBuffer struct {
	mu      sync.Mutex
	orders  map[string]*trackedOrder
	pending map[string][]Trade
	seen    map[string]struct{}
}

func NewTradeBuffer() *TradeBuffer {
	return &TradeBuffer{
		orders:  make(map[string]*trackedOrder),
		pending: make(map[string][]Trade),
		seen:    make(map[string]struct{}),
	}
}

// OnAck 记录订单确认，返回此前缓存的成交对应的回报。
func (b *TradeBuffer) OnAck(ack NewOrder) []ExecutionReport {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.orders[ack.ExchangeOrderID]; ok {
		return nil
	}
	t := &trackedOrder{ack: ack}
	b.orders[ack.ExchangeOrderID] = t
	buffered := b.pending[ack.ExchangeOrderID]
	delete(b.pending, ack.ExchangeOrderID)

	reports := make([]ExecutionReport, 0, len(buffered))
	for _, tr := range buffered {
		reports = append(reports, b.report(t, tr))
	}
	return reports
}

// OnTrade 订单已确认时返回回报；否则缓存并返回 false。重复成交被丢弃。
func (b *TradeBuffer) OnTrade(tr Trade) (ExecutionReport, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if tr.TradeID != "" {
		if _, dup := b.seen[tr.TradeID]; dup {
			return ExecutionReport{}, false
		}
		b.seen[tr.TradeID] = struct{}{}
	}
	t, ok := b.orders[tr.ExchangeOrderID]
	if !ok {
		b.pending[tr.ExchangeOrderID] = append(b.pending[tr.ExchangeOrderID], tr)
		return ExecutionReport{}, false
	}
	return b.report(t, tr), true
}

func (b *TradeBuffer) report(t *trackedOrder, tr Trade) ExecutionReport {
	t.filled = t.filled.Add(tr.Qty)
	remaining := t.ack.Qty.Sub(t.filled)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return ExecutionReport{
		Header:          Header{Venue: t.ack.Venue, Time: time.Now()},
		ClientOrderID:   t.ack.ClientOrderID,
		ExchangeOrderID: tr.ExchangeOrderID,
		TradeID:         tr.TradeID,
		Instrument:      t.ack.Instrument,
		Side:            t.ack.Side,
		Price:           tr.Price,
		Qty:             tr.Qty,
		Remaining:       remaining,
		Fee:             tr.Fee,
		ExchangeTime:    tr.Time,
	}
}

// ClientID 交易所订单号对应的客户端订单号。
func (b *TradeBuffer) ClientID(exchangeOrderID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.orders[exchangeOrderID]
	if !ok {
		return "", false
	}
	return t.ack.ClientOrderID, true
}

// Forget 订单结束后释放跟踪状态。
func (b *TradeBuffer) Forget(exchangeOrderID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.orders, exchangeOrderID)
	delete(b.pending, exchangeOrderID)
}

// Pending 缓存中尚未匹配的成交数。
func (b *TradeBuffer) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, trs := range b.pending {
		n += len(trs)
	}
	return n
}
