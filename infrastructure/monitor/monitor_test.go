package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMonitor_Counters(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordOrderPlaced("BTCUSD", "BUY")
	m.RecordOrderPlaced("BTCUSD", "BUY")
	m.RecordSkip("BTCUSD", "potential_limit")
	m.RecordReconnect("paper")
	m.RecordEngineStop()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ordersPlaced.WithLabelValues("BTCUSD", "BUY")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.orderSkips.WithLabelValues("BTCUSD", "potential_limit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects.WithLabelValues("paper")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.engineStops))
}

func TestMonitor_GaugesAndHandler(t *testing.T) {
	m := New(DefaultConfig())
	m.UpdateInventory("BTCUSD", decimal.NewFromInt(1500), decimal.RequireFromString("-0.15"))
	m.UpdateGateReady("paper:BTCUSD", true)
	m.UpdateEngineState(1)

	assert.Equal(t, 1500.0, testutil.ToFloat64(m.positionFiat.WithLabelValues("BTCUSD")))
	assert.Equal(t, -0.15, testutil.ToFloat64(m.dealShift.WithLabelValues("BTCUSD")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.gateReady.WithLabelValues("paper:BTCUSD")))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "qe_quoting_engine_state 1"))
	assert.True(t, strings.Contains(body, `qe_quoting_position_fiat{instrument="BTCUSD"} 1500`))
}
