package engine

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"quote-engine/account"
	"quote-engine/gateway"
	"quote-engine/order"
	"quote-engine/strategy"
)

// NewID 生成按时间有序的 UUIDv7，作为 client order id / request id。
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// request 已发出、等待回报的请求。
type request struct {
	kind    gateway.RequestKind
	orderID string
	account string
	sentAt  time.Time
}

// replacement 深度单替换：原单撤单确认后再下。
type replacement struct {
	side    order.Side
	price   decimal.Decimal
	qty     decimal.Decimal
	expires time.Time
}

// instrumentRuntime 单个报价品种由引擎独占的全部状态。
type instrumentRuntime struct {
	name        string
	cfg         InstrumentConfig
	state       *strategy.InstrumentState
	orders      *order.ActiveSet
	obligations *order.ObligationBook
	account     *account.State
	conn        gateway.Connector
	sources     []string

	replacements map[string]replacement // 被撤订单 ID -> 替换单
	nextActionAt time.Time
}

func newInstrumentRuntime(cfg InstrumentConfig, conn gateway.Connector, acct *account.State) *instrumentRuntime {
	return &instrumentRuntime{
		name:         cfg.State.Instrument,
		cfg:          cfg,
		state:        strategy.NewInstrumentState(cfg.State, cfg.Predictors),
		orders:       order.NewActiveSet(cfg.State.Instrument),
		obligations:  order.NewObligationBook(),
		account:      acct,
		conn:         conn,
		replacements: make(map[string]replacement),
	}
}

func (rt *instrumentRuntime) anchor(side order.Side, buy, sell decimal.Decimal) decimal.Decimal {
	if side == order.SideBuy {
		return buy
	}
	return sell
}

// away 从 price 向远离盘口方向移动 dist：买向下，卖向上。
func away(side order.Side, price, dist decimal.Decimal) decimal.Decimal {
	if side == order.SideBuy {
		return price.Sub(dist)
	}
	return price.Add(dist)
}

var sides = []order.Side{order.SideBuy, order.SideSell}
