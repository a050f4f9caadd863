package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quote-engine/infrastructure/logger"
	"quote-engine/market"
	"quote-engine/order"
	"quote-engine/risk"
)

var ErrNotConnected = errors.New("connector not connected")

// WSConfig websocket 连接器配置。
type WSConfig struct {
	URL          string
	MaxRetries   int
	RetryBackoff time.Duration
	// RateLimit 每秒出站请求数
	RateLimit float64
	Burst     int
	BookDepth int
}

// WSConnector 通过 JSON 信封协议与场所网关通信的连接器。
// 入站: book/ticker/order/trade/orders/balances/positions/error/limit
// 出站: login/subscribe/add/hedge/cancel/orders/balances
type WSConnector struct {
	cfg     WSConfig
	params  InitParams
	log     *logger.Logger
	dialer  *websocket.Dialer
	session Session
	limiter *TokenBucketLimiter
	trades  *TradeBuffer

	booksMu sync.Mutex
	books   map[string]*market.OrderBook

	handlerMu sync.RWMutex
	handler   Handler

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var (
	_ Connector       = (*WSConnector)(nil)
	_ HedgeCapability = (*WSConnector)(nil)
)

func NewWSConnector(cfg WSConfig, l *logger.Logger) *WSConnector {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 3 * time.Second
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 20
	}
	if cfg.BookDepth <= 0 {
		cfg.BookDepth = 10
	}
	return &WSConnector{
		cfg:     cfg,
		log:     l,
		dialer:  websocket.DefaultDialer,
		limiter: NewTokenBucketLimiter(cfg.RateLimit, cfg.Burst),
		trades:  NewTradeBuffer(),
		books:   make(map[string]*market.OrderBook),
	}
}

func (c *WSConnector) Name() string { return c.params.Name }

func (c *WSConnector) Init(p InitParams) error {
	if p.Name == "" {
		return fmt.Errorf("connector name required")
	}
	if p.DataTimeout <= 0 {
		p.DataTimeout = 30 * time.Second
	}
	c.params = p
	c.log = c.log.Named(p.Name)
	return nil
}

func (c *WSConnector) State() SessionState { return c.session.State() }

func (c *WSConnector) SetHandler(h Handler) {
	c.handlerMu.Lock()
	defer c.handlerMu.Unlock()
	c.handler = h
}

func (c *WSConnector) emit(ev Event) {
	c.handlerMu.RLock()
	h := c.handler
	c.handlerMu.RUnlock()
	if h != nil {
		h(ev)
	}
}

func (c *WSConnector) header() Header {
	return Header{Venue: c.params.Name, Time: time.Now()}
}

// Start 后台建立连接，断线自动重连。
func (c *WSConnector) Start(ctx context.Context) error {
	if err := c.session.To(SessionConnecting); err != nil {
		return err
	}
	c.connMu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.connMu.Unlock()
	c.wg.Add(1)
	go c.run()
	return nil
}

// Stop 关闭连接并等待后台 goroutine 退出。
func (c *WSConnector) Stop() error {
	c.connMu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()
	c.wg.Wait()
	if c.session.State() == SessionStopped {
		return nil
	}
	return c.session.To(SessionStopped)
}

func (c *WSConnector) run() {
	defer c.wg.Done()
	retries := 0
	for {
		if c.ctx.Err() != nil {
			return
		}
		if c.session.State() == SessionDisconnected {
			_ = c.session.To(SessionConnecting)
		}
		conn, _, err := c.dialer.DialContext(c.ctx, c.cfg.URL, nil)
		if err != nil {
			if retries >= c.cfg.MaxRetries {
				c.log.Error("websocket reconnection exhausted", zap.Int("retries", retries), zap.Error(err))
				c.emit(Error{Header: c.header(), Message: "connection failed", Description: err.Error(), Critical: true})
				_ = c.session.To(SessionDisconnected)
				return
			}
			retries++
			backoff := time.Duration(retries) * c.cfg.RetryBackoff
			c.log.Warn("ws dial failed", zap.Int("attempt", retries), zap.Duration("backoff", backoff), zap.Error(err))
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		retries = 0

		c.connMu.Lock()
		c.conn = conn
		c.connMu.Unlock()
		if err := c.session.To(SessionConnected); err != nil {
			c.log.Warn("session transition", zap.Error(err))
		}
		if err := c.handshake(); err != nil {
			c.log.Warn("handshake failed", zap.Error(err))
		}
		c.log.Info("connector connected", zap.String("url", c.cfg.URL))
		c.emit(Connected{Header: c.header()})

		reason := c.readLoop(conn)

		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		if c.ctx.Err() != nil {
			return
		}
		_ = c.session.To(SessionDisconnected)
		c.log.Warn("connector disconnected, reconnecting", zap.String("reason", reason))
		c.emit(Disconnected{Header: c.header(), Reason: reason})
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(c.cfg.RetryBackoff):
		}
	}
}

func (c *WSConnector) handshake() error {
	if c.params.PublicKey != "" {
		if err := c.send(wsRequest{Op: "login", Key: c.params.PublicKey}); err != nil {
			return err
		}
	}
	return c.send(wsRequest{Op: "subscribe", Instruments: c.params.Instruments})
}

// readLoop 读取直到出错；超过 DataTimeout 没有任何消息视为断线。
func (c *WSConnector) readLoop(conn *websocket.Conn) string {
	defer conn.Close()
	timeout := c.params.DataTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(timeout))
	})
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err.Error()
		}
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		if err := c.handleMessage(raw); err != nil {
			c.log.Warn("bad message", zap.ByteString("raw", raw), zap.Error(err))
		}
	}
}

type wsLevel [2]decimal.Decimal

type wsOrder struct {
	ClientOrderID string          `json:"clientOrderId"`
	OrderID       string          `json:"orderId"`
	Instrument    string          `json:"instrument"`
	Side          string          `json:"side"`
	Price         decimal.Decimal `json:"price"`
	Qty           decimal.Decimal `json:"qty"`
	Remaining     decimal.Decimal `json:"remaining"`
}

type wsExposure struct {
	Currency string          `json:"currency"`
	Gross    decimal.Decimal `json:"gross"`
	Net      decimal.Decimal `json:"net"`
}

// wsMessage 入站信封。
type wsMessage struct {
	Type       string `json:"type"`
	RequestID  string `json:"requestId"`
	Instrument string `json:"instrument"`
	Ts         int64  `json:"ts"`

	Snapshot bool            `json:"snapshot"`
	Bids     []wsLevel       `json:"bids"`
	Asks     []wsLevel       `json:"asks"`
	Bid      decimal.Decimal `json:"bid"`
	Ask      decimal.Decimal `json:"ask"`
	Last     decimal.Decimal `json:"last"`

	wsOrder
	Status  string          `json:"status"`
	TradeID string          `json:"tradeId"`
	Fee     decimal.Decimal `json:"fee"`

	Orders    []wsOrder                  `json:"orders"`
	Balances  map[string]decimal.Decimal `json:"balances"`
	Positions map[string]decimal.Decimal `json:"positions"`
	Exposures []wsExposure               `json:"exposures"`

	Request     string `json:"request"`
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description"`
	Critical    bool   `json:"critical"`
}

// wsRequest 出站请求。
type wsRequest struct {
	Op            string           `json:"op"`
	RequestID     string           `json:"requestId,omitempty"`
	Key           string           `json:"key,omitempty"`
	Instruments   []string         `json:"instruments,omitempty"`
	ClientOrderID string           `json:"clientOrderId,omitempty"`
	Instrument    string           `json:"instrument,omitempty"`
	Side          string           `json:"side,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	Qty           *decimal.Decimal `json:"qty,omitempty"`
}

func levels(in []wsLevel) []market.Level {
	out := make([]market.Level, 0, len(in))
	for _, l := range in {
		out = append(out, market.Level{Price: l[0], Qty: l[1]})
	}
	return out
}

func (c *WSConnector) book(instrument string) *market.OrderBook {
	c.booksMu.Lock()
	defer c.booksMu.Unlock()
	ob, ok := c.books[instrument]
	if !ok {
		ob = market.NewOrderBook()
		c.books[instrument] = ob
	}
	return ob
}

func (c *WSConnector) handleMessage(raw []byte) error {
	var msg wsMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return err
	}
	h := c.header()
	var exTime time.Time
	if msg.Ts > 0 {
		exTime = time.UnixMilli(msg.Ts)
	}

	switch msg.Type {
	case "book":
		ob := c.book(msg.Instrument)
		if msg.Snapshot {
			ob.ApplySnapshot(levels(msg.Bids), levels(msg.Asks))
		} else {
			ob.ApplyDelta(levels(msg.Bids), levels(msg.Asks))
		}
		bid, ask := ob.Best()
		bids, asks := ob.Top(c.cfg.BookDepth)
		c.emit(BookUpdate{Header: h, Instrument: msg.Instrument, Snapshot: msg.Snapshot, Bids: bids, Asks: asks, BestBid: bid, BestAsk: ask})
	case "ticker":
		c.emit(Ticker{Header: h, Instrument: msg.Instrument, Bid: msg.Bid, Ask: msg.Ask, Last: msg.Last})
	case "order":
		return c.handleOrder(h, msg)
	case "trade":
		rep, ok := c.trades.OnTrade(Trade{
			TradeID:         msg.TradeID,
			ExchangeOrderID: msg.OrderID,
			Price:           msg.Price,
			Qty:             msg.Qty,
			Fee:             msg.Fee,
			Time:            exTime,
		})
		if !ok {
			c.log.Debug("trade buffered until order ack", zap.String("order_id", msg.OrderID))
			return nil
		}
		c.emitReport(rep)
	case "orders":
		list := ActiveOrdersList{Header: h, RequestID: msg.RequestID}
		for _, o := range msg.Orders {
			remaining := o.Remaining
			if remaining.IsZero() {
				remaining = o.Qty
			}
			list.Orders = append(list.Orders, order.Order{
				ID:         o.ClientOrderID,
				ExchangeID: o.OrderID,
				Instrument: o.Instrument,
				Side:       order.Side(o.Side),
				Price:      o.Price,
				Quantity:   o.Qty,
				Remaining:  remaining,
				Status:     order.StatusNew,
			})
		}
		c.emit(list)
	case "balances":
		c.emit(Balances{Header: h, RequestID: msg.RequestID, Available: msg.Balances})
	case "positions":
		c.emit(Positions{Header: h, RequestID: msg.RequestID, Positions: msg.Positions})
	case "error":
		c.emit(Error{
			Header:        h,
			RequestID:     msg.RequestID,
			Request:       RequestKind(msg.Request),
			ClientOrderID: msg.ClientOrderID,
			Code:          msg.Code,
			Message:       msg.Message,
			Description:   msg.Description,
			Critical:      msg.Critical,
		})
	case "limit":
		ev := LimitArrived{Header: h}
		for _, e := range msg.Exposures {
			ev.Exposures = append(ev.Exposures, risk.Exposure{Currency: e.Currency, Gross: e.Gross, Net: e.Net})
		}
		c.emit(ev)
	default:
		return fmt.Errorf("unknown message type %q", msg.Type)
	}
	return nil
}

func (c *WSConnector) handleOrder(h Header, msg wsMessage) error {
	switch msg.Status {
	case "NEW":
		ack := NewOrder{
			Header:          h,
			RequestID:       msg.RequestID,
			ClientOrderID:   msg.ClientOrderID,
			ExchangeOrderID: msg.OrderID,
			Instrument:      msg.Instrument,
			Side:            order.Side(msg.Side),
			Price:           msg.Price,
			Qty:             msg.Qty,
		}
		c.emit(ack)
		for _, rep := range c.trades.OnAck(ack) {
			c.emitReport(rep)
		}
	case "CANCELED":
		clientID := msg.ClientOrderID
		if clientID == "" {
			clientID, _ = c.trades.ClientID(msg.OrderID)
		}
		c.trades.Forget(msg.OrderID)
		c.emit(OrderCanceled{Header: h, RequestID: msg.RequestID, ClientOrderID: clientID})
	default:
		return fmt.Errorf("unknown order status %q", msg.Status)
	}
	return nil
}

func (c *WSConnector) emitReport(rep ExecutionReport) {
	if rep.Remaining.IsZero() {
		c.trades.Forget(rep.ExchangeOrderID)
	}
	c.emit(rep)
}

func (c *WSConnector) send(req wsRequest) error {
	c.connMu.Lock()
	ctx, conn := c.ctx, c.conn
	c.connMu.Unlock()
	if conn == nil || ctx == nil {
		return ErrNotConnected
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(req)
}

func (c *WSConnector) AddOrder(clientOrderID, instrument string, side order.Side, price, qty decimal.Decimal, requestID string) error {
	return c.send(wsRequest{Op: "add", RequestID: requestID, ClientOrderID: clientOrderID, Instrument: instrument, Side: string(side), Price: &price, Qty: &qty})
}

func (c *WSConnector) AddHedgeOrder(clientOrderID, instrument string, side order.Side, price, qty decimal.Decimal, requestID string) error {
	return c.send(wsRequest{Op: "hedge", RequestID: requestID, ClientOrderID: clientOrderID, Instrument: instrument, Side: string(side), Price: &price, Qty: &qty})
}

func (c *WSConnector) CancelOrder(clientOrderID, requestID string) error {
	return c.send(wsRequest{Op: "cancel", RequestID: requestID, ClientOrderID: clientOrderID})
}

func (c *WSConnector) GetActiveOrders(requestID string) error {
	return c.send(wsRequest{Op: "orders", RequestID: requestID})
}

func (c *WSConnector) GetBalancesAndPositions(requestID string) error {
	return c.send(wsRequest{Op: "balances", RequestID: requestID})
}
