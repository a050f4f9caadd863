package order

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

var ErrIllegalTransition = errors.New("illegal obligation transition")

// ObligationStatus 报价义务档位的状态。
type ObligationStatus int

const (
	ObligationNone ObligationStatus = iota
	ObligationAddPending
	ObligationActive
	ObligationCancelPending
	ObligationPartiallyExecuted
)

func (s ObligationStatus) String() string {
	switch s {
	case ObligationNone:
		return "NONE"
	case ObligationAddPending:
		return "ADD_PENDING"
	case ObligationActive:
		return "ACTIVE"
	case ObligationCancelPending:
		return "CANCEL_PENDING"
	case ObligationPartiallyExecuted:
		return "PARTIALLY_EXECUTED"
	default:
		return "UNKNOWN"
	}
}

type obligationTransition struct {
	From ObligationStatus
	To   ObligationStatus
}

// 合法转换表。只允许向前推进；AddPending 超时后可直接进入撤单。
var obligationTransitions = map[obligationTransition]bool{
	{ObligationNone, ObligationAddPending}: true,

	{ObligationAddPending, ObligationActive}:            true,
	{ObligationAddPending, ObligationPartiallyExecuted}: true,
	{ObligationAddPending, ObligationCancelPending}:     true,
	{ObligationAddPending, ObligationNone}:              true, // 被拒或立即全部成交

	{ObligationActive, ObligationPartiallyExecuted}: true,
	{ObligationActive, ObligationCancelPending}:     true,
	{ObligationActive, ObligationNone}:              true, // 全部成交

	{ObligationPartiallyExecuted, ObligationPartiallyExecuted}: true,
	{ObligationPartiallyExecuted, ObligationCancelPending}:     true,
	{ObligationPartiallyExecuted, ObligationNone}:              true,

	{ObligationCancelPending, ObligationCancelPending}: true, // 超时重撤
	{ObligationCancelPending, ObligationNone}:          true,
}

// ObligationKey 唯一标识一个档位。
type ObligationKey struct {
	Side Side
	Tier int
}

// Obligation 一个 (方向, 档位) 的状态机。只保存订单 ID，不持有订单。
type Obligation struct {
	Key    ObligationKey
	Spread decimal.Decimal
	Volume decimal.Decimal

	OrderID string
	Price   decimal.Decimal
	Status  ObligationStatus
	Since   time.Time
	// IssuedAt 最近一次成功下单的时间，用于最小重报价间隔。
	IssuedAt time.Time
}

// NewObligation 创建处于 None 状态的档位。
func NewObligation(side Side, tier int, spread, volume decimal.Decimal) *Obligation {
	return &Obligation{
		Key:    ObligationKey{Side: side, Tier: tier},
		Spread: spread,
		Volume: volume,
	}
}

// CanAddNew 只有 None 状态可以下新单。
func (ob *Obligation) CanAddNew() bool {
	return ob.Status == ObligationNone
}

// CanCancel 活跃/部分成交可以撤；AddPending、CancelPending 需等待超时。
func (ob *Obligation) CanCancel(now time.Time, pendingTimeout time.Duration) bool {
	switch ob.Status {
	case ObligationActive, ObligationPartiallyExecuted:
		return true
	case ObligationAddPending, ObligationCancelPending:
		return now.Sub(ob.Since) > pendingTimeout
	default:
		return false
	}
}

// Pending 是否处于等待确认中。
func (ob *Obligation) Pending() bool {
	return ob.Status == ObligationAddPending || ob.Status == ObligationCancelPending
}

// InitialSet 记录新下的订单并进入 AddPending。
func (ob *Obligation) InitialSet(orderID string, price decimal.Decimal, now time.Time) error {
	if err := ob.Transition(ObligationAddPending, now); err != nil {
		return err
	}
	ob.OrderID = orderID
	ob.Price = price
	ob.IssuedAt = now
	return nil
}

// Transition 校验并执行状态转换；进入 None 时清空订单 ID。
func (ob *Obligation) Transition(to ObligationStatus, now time.Time) error {
	if !obligationTransitions[obligationTransition{From: ob.Status, To: to}] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, ob.Status, to)
	}
	ob.Status = to
	ob.Since = now
	if to == ObligationNone {
		ob.OrderID = ""
		ob.Price = decimal.Zero
	}
	return nil
}

// Matches 判断回报是否属于当前跟踪的订单；过期回报一律忽略。
func (ob *Obligation) Matches(orderID string) bool {
	return ob.OrderID != "" && ob.OrderID == orderID
}

// ObligationBook 单个品种全部档位。
type ObligationBook struct {
	tiers   map[ObligationKey]*Obligation
	byOrder map[string]*Obligation
}

func NewObligationBook() *ObligationBook {
	return &ObligationBook{
		tiers:   make(map[ObligationKey]*Obligation),
		byOrder: make(map[string]*Obligation),
	}
}

// Ensure 第一次评估档位时创建。
func (b *ObligationBook) Ensure(side Side, tier int, spread, volume decimal.Decimal) *Obligation {
	key := ObligationKey{Side: side, Tier: tier}
	ob, ok := b.tiers[key]
	if !ok {
		ob = NewObligation(side, tier, spread, volume)
		b.tiers[key] = ob
	}
	ob.Spread = spread
	ob.Volume = volume
	return ob
}

// Bind 记录订单到档位的索引。
func (b *ObligationBook) Bind(ob *Obligation) {
	if ob.OrderID != "" {
		b.byOrder[ob.OrderID] = ob
	}
}

// ForOrder 查询订单所属档位；已解除绑定的旧订单返回 nil。
func (b *ObligationBook) ForOrder(orderID string) *Obligation {
	ob, ok := b.byOrder[orderID]
	if !ok || !ob.Matches(orderID) {
		return nil
	}
	return ob
}

// Release 档位回到 None 并解除订单索引。
func (b *ObligationBook) Release(ob *Obligation, now time.Time) error {
	id := ob.OrderID
	if err := ob.Transition(ObligationNone, now); err != nil {
		return err
	}
	delete(b.byOrder, id)
	return nil
}

// All 返回全部档位。
func (b *ObligationBook) All() []*Obligation {
	res := make([]*Obligation, 0, len(b.tiers))
	for _, ob := range b.tiers {
		res = append(res, ob)
	}
	return res
}
