package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"quote-engine/market"
	"quote-engine/order"
	"quote-engine/risk"
)

// InitParams 连接器初始化参数。
type InitParams struct {
	Name        string
	Instruments []string
	DataTimeout time.Duration
	PublicKey   string
	SecretKey   string
}

// Connector 交易所连接抽象。所有请求异步返回，结果通过 Handler 事件回传。
type Connector interface {
	Name() string
	Init(p InitParams) error
	Start(ctx context.Context) error
	Stop() error
	State() SessionState

	AddOrder(clientOrderID, instrument string, side order.Side, price, qty decimal.Decimal, requestID string) error
	CancelOrder(clientOrderID, requestID string) error
	GetActiveOrders(requestID string) error
	GetBalancesAndPositions(requestID string) error

	SetHandler(h Handler)
}

// HedgeCapability 对冲端额外支持的下单方式。
type HedgeCapability interface {
	AddHedgeOrder(clientOrderID, instrument string, side order.Side, price, qty decimal.Decimal, requestID string) error
}

// Descriptor 连接器及其可选能力。Hedge 为 nil 表示该连接不能对冲。
type Descriptor struct {
	Connector Connector
	Hedge     HedgeCapability
	// Account 对应的账户名，多个连接可共享同一账户。
	Account string
}

// Handler 接收连接器事件。
type Handler func(Event)

// Event 连接器回调事件。
type Event interface {
	Meta() Header
}

// Header 事件公共字段。
type Header struct {
	Venue string
	Time  time.Time
}

func (h Header) Meta() Header { return h }

type Connected struct{ Header }

type Disconnected struct {
	Header
	Reason string
}

// BookUpdate 盘口快照或增量合并后的结果。
type BookUpdate struct {
	Header
	Instrument string
	Snapshot   bool
	Bids       []market.Level
	Asks       []market.Level
	BestBid    decimal.Decimal
	BestAsk    decimal.Decimal
}

type Ticker struct {
	Header
	Instrument string
	Bid        decimal.Decimal
	Ask        decimal.Decimal
	Last       decimal.Decimal
}

// NewOrder 下单确认。
type NewOrder struct {
	Header
	RequestID       string
	ClientOrderID   string
	ExchangeOrderID string
	Instrument      string
	Side            order.Side
	Price           decimal.Decimal
	Qty             decimal.Decimal
}

// OrderCanceled 撤单确认（包括交易所主动撤单）。
type OrderCanceled struct {
	Header
	RequestID     string
	ClientOrderID string
}

// ExecutionReport 成交回报，Remaining 为成交后剩余数量。
type ExecutionReport struct {
	Header
	ClientOrderID   string
	ExchangeOrderID string
	TradeID         string
	Instrument      string
	Side            order.Side
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Remaining       decimal.Decimal
	Fee             decimal.Decimal
	ExchangeTime    time.Time
}

type ActiveOrdersList struct {
	Header
	RequestID string
	Orders    []order.Order
}

type Balances struct {
	Header
	RequestID string
	Available map[string]decimal.Decimal
}

type Positions struct {
	Header
	RequestID string
	Positions map[string]decimal.Decimal
}

// RequestKind 错误对应的请求类型，用于释放等待中的信号。
type RequestKind string

const (
	RequestNone         RequestKind = ""
	RequestAddOrder     RequestKind = "add"
	RequestHedgeOrder   RequestKind = "hedge"
	RequestCancelOrder  RequestKind = "cancel"
	RequestActiveOrders RequestKind = "orders"
	RequestBalances     RequestKind = "balances"
)

// Error 连接器报告的错误；Critical 为 true 时引擎必须停止。
type Error struct {
	Header
	RequestID     string
	Request       RequestKind
	ClientOrderID string
	Code          int
	Message       string
	Description   string
	Critical      bool
}

func (e Error) Error() string {
	if e.Description == "" {
		return e.Message
	}
	return e.Message + ": " + e.Description
}

// LimitArrived 对冲端推送的分币种毛/净敞口。
type LimitArrived struct {
	Header
	Exposures []risk.Exposure
}
