package order

import (
	"errors"
	"math/rand/v2"

	"github.com/google/btree"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownOrder = errors.New("unknown order")
	// ErrNoBoundary 没有挂单且没有参考价，无法确定窗口边界。
	ErrNoBoundary = errors.New("no order boundary: empty side and no reference price")
)

const btreeDegree = 16

// ActiveSet 维护单个交易品种的活跃挂单镜像。
// 买卖两侧各一棵按价格排序的 B 树：买侧高价在前，卖侧低价在前，
// 因此两侧的"最优"都是树中的最小元素。
type ActiveSet struct {
	Instrument string

	byID map[string]*Order
	buys *btree.BTreeG[*Order]
	sell *btree.BTreeG[*Order]
}

func NewActiveSet(instrument string) *ActiveSet {
	return &ActiveSet{
		Instrument: instrument,
		byID:       make(map[string]*Order),
		buys: btree.NewG(btreeDegree, func(a, b *Order) bool {
			if c := a.Price.Cmp(b.Price); c != 0 {
				return c > 0
			}
			return a.ID < b.ID
		}),
		sell: btree.NewG(btreeDegree, func(a, b *Order) bool {
			if c := a.Price.Cmp(b.Price); c != 0 {
				return c < 0
			}
			return a.ID < b.ID
		}),
	}
}

func (s *ActiveSet) tree(side Side) *btree.BTreeG[*Order] {
	if side == SideBuy {
		return s.buys
	}
	return s.sell
}

// Add 插入订单；重复 ID 直接忽略，返回是否真正插入。
func (s *ActiveSet) Add(o *Order) bool {
	if o == nil || o.ID == "" {
		return false
	}
	if _, ok := s.byID[o.ID]; ok {
		return false
	}
	s.byID[o.ID] = o
	s.tree(o.Side).ReplaceOrInsert(o)
	return true
}

// Remove 从两个索引中删除订单；未知 ID 返回 false。
func (s *ActiveSet) Remove(id string) (*Order, bool) {
	o, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	delete(s.byID, id)
	s.tree(o.Side).Delete(o)
	return o, true
}

// Get 按 ID 查询。
func (s *ActiveSet) Get(id string) (*Order, bool) {
	o, ok := s.byID[id]
	return o, ok
}

// ApplyFill 扣减剩余数量，不删除订单。
func (s *ActiveSet) ApplyFill(id string, filled decimal.Decimal) (*Order, error) {
	o, ok := s.byID[id]
	if !ok {
		return nil, ErrUnknownOrder
	}
	o.Remaining = o.Remaining.Sub(filled)
	if o.Remaining.IsNegative() {
		o.Remaining = decimal.Zero
	}
	if o.Status != StatusCanceling {
		o.Status = StatusPartial
	}
	return o, nil
}

// Len 返回某一侧的订单数。
func (s *ActiveSet) Len(side Side) int {
	return s.tree(side).Len()
}

// Size 返回全部订单数。
func (s *ActiveSet) Size() int {
	return len(s.byID)
}

// BestPrice 最优价；空侧返回 0。
func (s *ActiveSet) BestPrice(side Side) decimal.Decimal {
	o, ok := s.tree(side).Min()
	if !ok {
		return decimal.Zero
	}
	return o.Price
}

// Best 返回最优订单。
func (s *ActiveSet) Best(side Side) (*Order, bool) {
	return s.tree(side).Min()
}

// Farthest 返回离盘口最远的订单。
func (s *ActiveSet) Farthest(side Side) (*Order, bool) {
	return s.tree(side).Max()
}

// FarthestPrice 最远价；空侧回退到 reference，两者都缺失时返回 ErrNoBoundary。
func (s *ActiveSet) FarthestPrice(side Side, reference decimal.Decimal) (decimal.Decimal, error) {
	if o, ok := s.tree(side).Max(); ok {
		return o.Price, nil
	}
	if reference.IsPositive() {
		return reference, nil
	}
	return decimal.Zero, ErrNoBoundary
}

// inFront 判断价格是否位于边界之前（含边界）。
func inFront(side Side, price, boundary decimal.Decimal) bool {
	if side == SideBuy {
		return price.GreaterThanOrEqual(boundary)
	}
	return price.LessThanOrEqual(boundary)
}

// InFrontOf 返回价格优于或等于边界的订单，按从优到劣排列。
func (s *ActiveSet) InFrontOf(boundary decimal.Decimal, side Side) []*Order {
	var res []*Order
	s.tree(side).Ascend(func(o *Order) bool {
		if !inFront(side, o.Price, boundary) {
			return false
		}
		res = append(res, o)
		return true
	})
	return res
}

// Behind 返回价格劣于边界的订单，按从优到劣排列。
func (s *ActiveSet) Behind(boundary decimal.Decimal, side Side) []*Order {
	var res []*Order
	s.tree(side).Ascend(func(o *Order) bool {
		if !inFront(side, o.Price, boundary) {
			res = append(res, o)
		}
		return true
	})
	return res
}

// Nearest 离 price 最近的挂单价格。只取 price 两侧紧邻的各一笔，距离相同时取较优的一侧。
func (s *ActiveSet) Nearest(side Side, price decimal.Decimal) (decimal.Decimal, bool) {
	t := s.tree(side)
	// 空 ID 排在同价位所有订单之前
	pivot := &Order{Price: price}
	var worse, better *Order
	t.AscendGreaterOrEqual(pivot, func(o *Order) bool {
		worse = o
		return false
	})
	t.DescendLessOrEqual(pivot, func(o *Order) bool {
		better = o
		return false
	})
	switch {
	case worse == nil && better == nil:
		return decimal.Zero, false
	case worse == nil:
		return better.Price, true
	case better == nil:
		return worse.Price, true
	}
	if worse.Price.Sub(price).Abs().LessThan(better.Price.Sub(price).Abs()) {
		return worse.Price, true
	}
	return better.Price, true
}

// Orders 按从优到劣返回一侧全部订单。
func (s *ActiveSet) Orders(side Side) []*Order {
	res := make([]*Order, 0, s.tree(side).Len())
	s.tree(side).Ascend(func(o *Order) bool {
		res = append(res, o)
		return true
	})
	return res
}

// All 返回全部订单（买侧在前）。
func (s *ActiveSet) All() []*Order {
	return append(s.Orders(SideBuy), s.Orders(SideSell)...)
}

// Random 在一侧中均匀随机选择一个订单。
func (s *ActiveSet) Random(side Side, rng *rand.Rand) (*Order, bool) {
	n := s.tree(side).Len()
	if n == 0 {
		return nil, false
	}
	target := rng.IntN(n)
	var picked *Order
	i := 0
	s.tree(side).Ascend(func(o *Order) bool {
		if i == target {
			picked = o
			return false
		}
		i++
		return true
	})
	return picked, picked != nil
}

// PriceLevelsWithMaxGap 返回相邻价位中间隔最大的一对（按从优到劣的顺序）。
// 少于两个不同价位时 ok 为 false。
func (s *ActiveSet) PriceLevelsWithMaxGap(side Side) (p1, p2 decimal.Decimal, ok bool) {
	var (
		prev    decimal.Decimal
		hasPrev bool
		maxGap  decimal.Decimal
	)
	s.tree(side).Ascend(func(o *Order) bool {
		if hasPrev && !o.Price.Equal(prev) {
			gap := o.Price.Sub(prev).Abs()
			if !ok || gap.GreaterThan(maxGap) {
				maxGap, p1, p2, ok = gap, prev, o.Price, true
			}
		}
		prev, hasPrev = o.Price, true
		return true
	})
	return p1, p2, ok
}

// Notional 一侧剩余名义价值之和；excludeCanceling 为 true 时跳过撤单中的订单。
func (s *ActiveSet) Notional(side Side, excludeCanceling bool) decimal.Decimal {
	sum := decimal.Zero
	s.tree(side).Ascend(func(o *Order) bool {
		if excludeCanceling && o.Status == StatusCanceling {
			return true
		}
		sum = sum.Add(o.Notional())
		return true
	})
	return sum
}
