package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quote-engine/infrastructure/alert"
	"quote-engine/infrastructure/logger"
	"quote-engine/order"
)

// 出站消息类型
const (
	KindTrade    = "TRADE"
	KindBalance  = "BALANCE"
	KindPosition = "POSITION"
	KindBook     = "BOOK"
	KindStop     = "STOP"
	KindError    = "ERROR"
)

// Sender 以 "<instance>;<kind>;..." 格式发送 UDP 报文，尽力而为，不重试。
// 同时实现 alert.Channel，停止原因会经由它送出。
type Sender struct {
	instance string
	log      *logger.Logger

	mu   sync.Mutex
	conn net.Conn
}

var _ alert.Channel = (*Sender)(nil)

// Dial 连接遥测目标地址。
func Dial(instance, addr string, l *logger.Logger) (*Sender, error) {
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial telemetry %s: %w", addr, err)
	}
	return &Sender{instance: instance, conn: conn, log: l}, nil
}

// Emit 发送一条消息，字段中的分号会被替换掉。
func (s *Sender) Emit(kind string, fields ...string) {
	parts := make([]string, 0, len(fields)+2)
	parts = append(parts, s.instance, kind)
	for _, f := range fields {
		parts = append(parts, strings.ReplaceAll(f, ";", ","))
	}
	msg := strings.Join(parts, ";")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	if _, err := s.conn.Write([]byte(msg)); err != nil {
		s.log.Debug("telemetry send failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (s *Sender) Trade(instrument string, side order.Side, price, qty decimal.Decimal, orderID, venue string) {
	s.Emit(KindTrade, instrument, string(side), price.String(), qty.String(), orderID, venue)
}

func (s *Sender) Balance(venue, currency string, amount decimal.Decimal) {
	s.Emit(KindBalance, venue, currency, amount.String())
}

func (s *Sender) Position(instrument string, positionFiat decimal.Decimal) {
	s.Emit(KindPosition, instrument, positionFiat.String())
}

func (s *Sender) Book(source string, bid, ask decimal.Decimal) {
	s.Emit(KindBook, source, bid.String(), ask.String())
}

// Send 实现 alert.Channel：CRITICAL 发 STOP，其他发 ERROR。
func (s *Sender) Send(a alert.Alert) error {
	kind := KindError
	if a.Level == alert.LevelCritical {
		kind = KindStop
	}
	s.Emit(kind, a.Message)
	return nil
}

func (s *Sender) Name() string { return "telemetry" }

// Close 关闭连接。
func (s *Sender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// HedgeRequest 外部触发的对冲请求，Side 已取反。
type HedgeRequest struct {
	Instrument string
	Side       order.Side
	Qty        decimal.Decimal
}

var ErrBadMessage = errors.New("malformed telemetry message")

// ParseHedge 解析 "Hedge;<instrument>;<side>;<qty>"。
// 调用方给出的是需要对冲掉的方向，下单方向与之相反。
func ParseHedge(msg string) (HedgeRequest, error) {
	parts := strings.Split(strings.TrimSpace(msg), ";")
	if len(parts) != 4 || !strings.EqualFold(parts[0], "Hedge") {
		return HedgeRequest{}, fmt.Errorf("%w: %q", ErrBadMessage, msg)
	}
	side := order.Side(strings.ToUpper(parts[2]))
	if !side.Valid() {
		return HedgeRequest{}, fmt.Errorf("%w: side %q", ErrBadMessage, parts[2])
	}
	qty, err := decimal.NewFromString(parts[3])
	if err != nil || !qty.IsPositive() {
		return HedgeRequest{}, fmt.Errorf("%w: qty %q", ErrBadMessage, parts[3])
	}
	return HedgeRequest{Instrument: parts[1], Side: side.Opposite(), Qty: qty}, nil
}

// Receiver 监听入站 UDP 报文，在单个 goroutine 中串行回调。
type Receiver struct {
	conn    net.PacketConn
	handler func(HedgeRequest)
	log     *logger.Logger
}

// Listen 绑定地址。
func Listen(addr string, handler func(HedgeRequest), l *logger.Logger) (*Receiver, error) {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen telemetry %s: %w", addr, err)
	}
	return &Receiver{conn: conn, handler: handler, log: l}, nil
}

// Addr 实际监听地址。
func (r *Receiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

// Run 阻塞读取直到 ctx 结束。
func (r *Receiver) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		r.conn.Close()
	}()
	buf := make([]byte, 2048)
	for {
		n, from, err := r.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("telemetry read: %w", err)
		}
		req, err := ParseHedge(string(buf[:n]))
		if err != nil {
			r.log.Warn("telemetry message ignored", zap.Stringer("from", from), zap.Error(err))
			continue
		}
		r.handler(req)
	}
}
