package market

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Quote 保存某个价源最新的 bid/ask。
type Quote struct {
	Bid decimal.Decimal
	Ask decimal.Decimal
	Ts  time.Time
}

// Mid 返回中间价；若缺失任一侧返回 0。
func (q Quote) Mid() decimal.Decimal {
	if !q.Bid.IsPositive() || !q.Ask.IsPositive() {
		return decimal.Zero
	}
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// Board 维护各价源最新报价，供引擎串行队列之外的读者（对冲队列）使用。
type Board struct {
	mu     sync.RWMutex
	quotes map[string]Quote
}

func NewBoard() *Board {
	return &Board{quotes: make(map[string]Quote)}
}

// OnQuote 更新报价；非正值的一侧保留旧值。
func (b *Board) OnQuote(source string, bid, ask decimal.Decimal, ts time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.quotes[source]
	if bid.IsPositive() {
		q.Bid = bid
	}
	if ask.IsPositive() {
		q.Ask = ask
	}
	q.Ts = ts
	b.quotes[source] = q
}

// Get 返回最新报价。
func (b *Board) Get(source string) (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[source]
	return q, ok
}

// Staleness 返回距离上次更新的时间间隔；如无数据返回一年。
func (b *Board) Staleness(source string, now time.Time) time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[source]
	if !ok {
		return time.Hour * 24 * 365
	}
	return now.Sub(q.Ts)
}
