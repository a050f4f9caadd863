package market

import (
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// Level 一档价格与数量。
type Level struct {
	Price decimal.Decimal
	Qty   decimal.Decimal
}

// OrderBook 维护价格->数量映射，支持全量快照与增量更新。
type OrderBook struct {
	mu   sync.RWMutex
	bids map[string]Level // key: price.String()
	asks map[string]Level
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids: make(map[string]Level),
		asks: make(map[string]Level),
	}
}

// ApplySnapshot 用快照整体替换盘口。
func (ob *OrderBook) ApplySnapshot(bids, asks []Level) {
	ob.mu.Lock()
	ob.bids = make(map[string]Level, len(bids))
	ob.asks = make(map[string]Level, len(asks))
	ob.mu.Unlock()
	ob.ApplyDelta(bids, asks)
}

// ApplyDelta 应用增量更新，qty 为 0 表示删除该档。
func (ob *OrderBook) ApplyDelta(bids, asks []Level) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	apply(ob.bids, bids)
	apply(ob.asks, asks)
}

func apply(side map[string]Level, levels []Level) {
	for _, l := range levels {
		key := l.Price.String()
		if l.Qty.IsZero() {
			delete(side, key)
			continue
		}
		side[key] = l
	}
}

// Best 返回最好买/卖价；若不存在则为 0。
func (ob *OrderBook) Best() (bestBid, bestAsk decimal.Decimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	for _, l := range ob.bids {
		if l.Price.GreaterThan(bestBid) {
			bestBid = l.Price
		}
	}
	for _, l := range ob.asks {
		if bestAsk.IsZero() || l.Price.LessThan(bestAsk) {
			bestAsk = l.Price
		}
	}
	return bestBid, bestAsk
}

// Top 返回买卖各前 n 档（买降序、卖升序）。
func (ob *OrderBook) Top(n int) (bids, asks []Level) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	bids = sorted(ob.bids, true, n)
	asks = sorted(ob.asks, false, n)
	return bids, asks
}

func sorted(side map[string]Level, desc bool, n int) []Level {
	res := make([]Level, 0, len(side))
	for _, l := range side {
		res = append(res, l)
	}
	sort.Slice(res, func(i, j int) bool {
		if desc {
			return res[i].Price.GreaterThan(res[j].Price)
		}
		return res[i].Price.LessThan(res[j].Price)
	})
	if n > 0 && len(res) > n {
		res = res[:n]
	}
	return res
}
