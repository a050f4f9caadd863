package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side 买卖方向。
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite 返回反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign 买为 +1，卖为 -1。
func (s Side) Sign() decimal.Decimal {
	if s == SideBuy {
		return decimal.NewFromInt(1)
	}
	return decimal.NewFromInt(-1)
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Status represents the believed exchange-side lifecycle of a resting order.
type Status string

const (
	StatusPending   Status = "PENDING"   // 已发送，未确认
	StatusNew       Status = "NEW"       // 交易所已确认
	StatusPartial   Status = "PARTIAL"   // 部分成交
	StatusCanceling Status = "CANCELING" // 撤单中
)

// Order holds the local view of one resting order.
type Order struct {
	ID         string
	ExchangeID string
	Instrument string
	Side       Side
	Price      decimal.Decimal
	Quantity   decimal.Decimal
	Remaining  decimal.Decimal
	Status     Status
	CreatedAt  time.Time
}

// Notional 剩余名义价值（计价货币）。
func (o *Order) Notional() decimal.Decimal {
	return o.Price.Mul(o.Remaining)
}
