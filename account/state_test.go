package account

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSignal_FireReleasesWaiters(t *testing.T) {
	s := NewSignal()
	done := make(chan error, 1)
	go func() { done <- s.Wait(context.Background()) }()

	s.Fire(nil)
	s.Fire(errors.New("ignored"))
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("waiter not released")
	}
	assert.True(t, s.Fired())
}

func TestSignal_ErrorAndReset(t *testing.T) {
	s := NewSignal()
	boom := errors.New("request rejected")
	s.Fire(boom)
	assert.ErrorIs(t, s.Wait(context.Background()), boom)

	s.Reset()
	assert.False(t, s.Fired())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Wait(ctx), context.DeadlineExceeded)
}

func TestState_SpotSufficiency(t *testing.T) {
	st := NewState("spot", false, "", decimal.Zero)
	st.SetBalances(map[string]decimal.Decimal{"USD": d("1000"), "BTC": d("0.5")})

	require.NoError(t, st.CheckSufficient("BTCUSD", "BTC", "USD", true, d("0.01"), d("99900")))
	err := st.CheckSufficient("BTCUSD", "BTC", "USD", true, d("0.011"), d("99900"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	require.NoError(t, st.CheckSufficient("BTCUSD", "BTC", "USD", false, d("0.5"), d("100000")))
	assert.ErrorIs(t, st.CheckSufficient("BTCUSD", "BTC", "USD", false, d("0.6"), d("100000")), ErrInsufficientBalance)
}

func TestState_MarginCoveringConsumesNothing(t *testing.T) {
	st := NewState("perp", true, "USDT", d("2"))
	st.SetBalances(map[string]decimal.Decimal{"USDT": d("100")})
	st.SetPositions(map[string]decimal.Decimal{"BTCUSDT": d("-3")})

	ccy, need := st.Required("BTCUSDT", "BTC", "USDT", true, d("2"), d("100"))
	assert.Equal(t, "USDT", ccy)
	assert.True(t, need.IsZero(), "covering a short needs no margin, got %s", need)

	_, need = st.Required("BTCUSDT", "BTC", "USDT", true, d("5"), d("100"))
	// 3 平空 + 2 开多，2*100/2 = 100
	assert.True(t, need.Equal(d("100")), "got %s", need)
	require.NoError(t, st.CheckSufficient("BTCUSDT", "BTC", "USDT", true, d("5"), d("100")))

	_, need = st.Required("BTCUSDT", "BTC", "USDT", false, d("1"), d("100"))
	assert.True(t, need.Equal(d("50")))
	assert.ErrorIs(t, st.CheckSufficient("BTCUSDT", "BTC", "USDT", false, d("3"), d("100")), ErrInsufficientBalance)
}

func TestState_ApplyFill(t *testing.T) {
	spot := NewState("spot", false, "", decimal.Zero)
	spot.SetBalances(map[string]decimal.Decimal{"USD": d("1000"), "BTC": d("1")})
	spot.ApplyFill("BTCUSD", "BTC", "USD", true, d("0.1"), d("100"), d("0.5"))
	assert.True(t, spot.Balance("USD").Equal(d("989.5")))
	assert.True(t, spot.Balance("BTC").Equal(d("1.1")))

	perp := NewState("perp", true, "USDT", decimal.Zero)
	perp.SetBalances(map[string]decimal.Decimal{"USDT": d("10")})
	perp.ApplyFill("BTCUSDT", "BTC", "USDT", false, d("2"), d("100"), d("1"))
	assert.True(t, perp.Position("BTCUSDT").Equal(d("-2")))
	assert.True(t, perp.Balance("USDT").Equal(d("9")))
	assert.True(t, perp.Leverage.Equal(d("1")))
}
