package telemetry

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote-engine/infrastructure/alert"
	"quote-engine/infrastructure/logger"
	"quote-engine/order"
)

func TestParseHedge_InvertsSide(t *testing.T) {
	req, err := ParseHedge("Hedge;BTCUSD;BUY;1.5")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSD", req.Instrument)
	assert.Equal(t, order.SideSell, req.Side)
	assert.True(t, req.Qty.Equal(decimal.RequireFromString("1.5")))

	req, err = ParseHedge("hedge;ETHUSD;sell;2\n")
	require.NoError(t, err)
	assert.Equal(t, order.SideBuy, req.Side)

	for _, bad := range []string{"", "Hedge;BTCUSD;BUY", "Trade;BTCUSD;BUY;1", "Hedge;BTCUSD;HOLD;1", "Hedge;BTCUSD;BUY;-1"} {
		_, err := ParseHedge(bad)
		assert.ErrorIs(t, err, ErrBadMessage, bad)
	}
}

func TestReceiver_DispatchesHedges(t *testing.T) {
	got := make(chan HedgeRequest, 1)
	r, err := Listen("127.0.0.1:0", func(req HedgeRequest) { got <- req }, logger.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	conn, err := net.Dial("udp", r.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("garbage"))
	require.NoError(t, err)
	_, err = conn.Write([]byte("Hedge;BTCUSD;SELL;3"))
	require.NoError(t, err)

	select {
	case req := <-got:
		assert.Equal(t, order.SideBuy, req.Side)
		assert.True(t, req.Qty.Equal(decimal.NewFromInt(3)))
	case <-time.After(2 * time.Second):
		t.Fatal("hedge request not received")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver did not stop")
	}
}

func TestSender_FormatsMessages(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	s, err := Dial("qe-1", pc.LocalAddr().String(), logger.NewNop())
	require.NoError(t, err)
	defer s.Close()

	read := func() string {
		buf := make([]byte, 512)
		require.NoError(t, pc.SetReadDeadline(time.Now().Add(2*time.Second)))
		n, _, err := pc.ReadFrom(buf)
		require.NoError(t, err)
		return string(buf[:n])
	}

	s.Trade("BTCUSD", order.SideBuy, decimal.RequireFromString("99.9"), decimal.NewFromInt(2), "c-1", "paper")
	assert.Equal(t, "qe-1;TRADE;BTCUSD;BUY;99.9;2;c-1;paper", read())

	require.NoError(t, s.Send(alert.Alert{Level: alert.LevelCritical, Message: "book stuck; paper:BTCUSD"}))
	assert.Equal(t, "qe-1;STOP;book stuck, paper:BTCUSD", read())

	require.NoError(t, s.Send(alert.Alert{Level: alert.LevelError, Message: "reject"}))
	assert.Equal(t, "qe-1;ERROR;reject", read())
}
