package gateway

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote-engine/order"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestTradeBuffer_TradeBeforeAck(t *testing.T) {
	b := NewTradeBuffer()

	// 成交先到，订单 555 尚未确认
	_, ok := b.OnTrade(Trade{TradeID: "t1", ExchangeOrderID: "555", Price: d("99.9"), Qty: d("4")})
	assert.False(t, ok)
	assert.Equal(t, 1, b.Pending())

	// 重复推送同一笔成交
	_, ok = b.OnTrade(Trade{TradeID: "t1", ExchangeOrderID: "555", Price: d("99.9"), Qty: d("4")})
	assert.False(t, ok)
	assert.Equal(t, 1, b.Pending())

	reports := b.OnAck(NewOrder{ClientOrderID: "c-1", ExchangeOrderID: "555", Instrument: "BTCUSD", Side: order.SideBuy, Price: d("99.9"), Qty: d("10")})
	require.Len(t, reports, 1)
	assert.Equal(t, "c-1", reports[0].ClientOrderID)
	assert.True(t, reports[0].Remaining.Equal(d("6")))
	assert.Equal(t, 0, b.Pending())

	// 重复确认不会再次补发
	assert.Empty(t, b.OnAck(NewOrder{ClientOrderID: "c-1", ExchangeOrderID: "555", Qty: d("10")}))

	rep, ok := b.OnTrade(Trade{TradeID: "t2", ExchangeOrderID: "555", Price: d("99.9"), Qty: d("6")})
	require.True(t, ok)
	assert.True(t, rep.Remaining.IsZero())
	assert.Equal(t, order.SideBuy, rep.Side)

	id, ok := b.ClientID("555")
	assert.True(t, ok)
	assert.Equal(t, "c-1", id)
	b.Forget("555")
	_, ok = b.ClientID("555")
	assert.False(t, ok)
}

func TestSession_Transitions(t *testing.T) {
	var s Session
	assert.Equal(t, SessionDisconnected, s.State())
	require.NoError(t, s.To(SessionConnecting))
	require.NoError(t, s.To(SessionConnected))
	assert.ErrorIs(t, s.To(SessionConnecting), ErrIllegalSessionTransition)
	require.NoError(t, s.To(SessionStopped))
	require.NoError(t, s.To(SessionConnecting))
}
