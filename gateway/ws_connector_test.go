package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote-engine/infrastructure/logger"
	"quote-engine/order"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 64)}
}

func (r *recorder) handle(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.notify <- struct{}{}
}

func (r *recorder) waitFor(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		r.mu.Lock()
		if len(r.events) >= n {
			out := append([]Event(nil), r.events...)
			r.mu.Unlock()
			return out
		}
		r.mu.Unlock()
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d events", n)
		}
	}
}

// 模拟场所：连接后先推成交，再推订单确认，随后回显收到的请求。
func newVenue(t *testing.T, script []string, requests chan<- wsRequest) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		for _, m := range script {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		for {
			var req wsRequest
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			requests <- req
		}
	}))
}

func TestWSConnector_TradeBeforeAck(t *testing.T) {
	requests := make(chan wsRequest, 16)
	srv := newVenue(t, []string{
		`{"type":"trade","tradeId":"t1","orderId":"555","price":"99.9","qty":"4","fee":"0.01","ts":1700000000000}`,
		`{"type":"order","status":"NEW","clientOrderId":"c-1","orderId":"555","instrument":"BTCUSD","side":"BUY","price":"99.9","qty":"10"}`,
		`{"type":"book","instrument":"BTCUSD","snapshot":true,"bids":[["99.8","1"],["99.7","2"]],"asks":[["100.2","1"]]}`,
	}, requests)
	defer srv.Close()

	c := NewWSConnector(WSConfig{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), RetryBackoff: 50 * time.Millisecond}, logger.NewNop())
	require.NoError(t, c.Init(InitParams{Name: "paper", Instruments: []string{"BTCUSD"}, DataTimeout: 5 * time.Second}))
	rec := newRecorder()
	c.SetHandler(rec.handle)

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	events := rec.waitFor(t, 4)
	_, isConnected := events[0].(Connected)
	assert.True(t, isConnected)

	ack, ok := events[1].(NewOrder)
	require.True(t, ok, "got %T", events[1])
	assert.Equal(t, "555", ack.ExchangeOrderID)

	rep, ok := events[2].(ExecutionReport)
	require.True(t, ok, "got %T", events[2])
	assert.Equal(t, "c-1", rep.ClientOrderID)
	assert.Equal(t, order.SideBuy, rep.Side)
	assert.Equal(t, "6", rep.Remaining.String())

	book, ok := events[3].(BookUpdate)
	require.True(t, ok, "got %T", events[3])
	assert.Equal(t, "99.8", book.BestBid.String())
	assert.Equal(t, "100.2", book.BestAsk.String())

	// 每笔成交只回报一次
	reports := 0
	for _, ev := range rec.waitFor(t, 4) {
		if _, ok := ev.(ExecutionReport); ok {
			reports++
		}
	}
	assert.Equal(t, 1, reports)

	// 订阅请求先发出，然后是下单请求
	sub := <-requests
	assert.Equal(t, "subscribe", sub.Op)
	require.NoError(t, c.AddOrder("c-2", "BTCUSD", order.SideSell, d("100.1"), d("1"), "r-1"))
	add := <-requests
	assert.Equal(t, "add", add.Op)
	assert.Equal(t, "c-2", add.ClientOrderID)
	assert.Equal(t, "100.1", add.Price.String())
	assert.Equal(t, SessionConnected, c.State())
}

func TestWSConnector_NotConnected(t *testing.T) {
	c := NewWSConnector(WSConfig{URL: "ws://127.0.0.1:1"}, logger.NewNop())
	require.NoError(t, c.Init(InitParams{Name: "paper"}))
	assert.ErrorIs(t, c.CancelOrder("c-1", "r-1"), ErrNotConnected)
	require.NoError(t, c.Stop())
	assert.Equal(t, SessionStopped, c.State())
}

func TestTokenBucketLimiter_RespectsContext(t *testing.T) {
	l := NewTokenBucketLimiter(0.001, 1)
	require.NoError(t, l.Wait(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, l.Wait(ctx), context.DeadlineExceeded)
}
