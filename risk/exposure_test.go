package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *decimal.Decimal {
	v := decimal.RequireFromString(s)
	return &v
}

func TestBand_Contains(t *testing.T) {
	b := Band{Min: ptr("-10"), Max: ptr("10")}
	assert.True(t, b.Contains(decimal.NewFromInt(10)))
	assert.True(t, b.Contains(decimal.NewFromInt(-10)))
	assert.False(t, b.Contains(decimal.RequireFromString("10.01")))

	open := Band{Max: ptr("5")}
	assert.True(t, open.Contains(decimal.NewFromInt(-1000)))
	assert.Equal(t, "[-inf,5]", open.String())
}

func TestExposureBands(t *testing.T) {
	eb := ExposureBands{
		Gross:   map[string]Band{"BTC": {Max: ptr("2")}},
		Net:     map[string]Band{"BTC": {Min: ptr("-1"), Max: ptr("1")}},
		Balance: map[string]Band{"USDT": {Min: ptr("1000")}},
	}

	require.NoError(t, eb.CheckExposure(Exposure{Currency: "BTC", Gross: decimal.NewFromInt(1), Net: decimal.RequireFromString("0.5")}))
	require.NoError(t, eb.CheckExposure(Exposure{Currency: "ETH", Gross: decimal.NewFromInt(100)}))

	err := eb.CheckExposure(Exposure{Currency: "BTC", Gross: decimal.NewFromInt(1), Net: decimal.RequireFromString("-1.5")})
	assert.ErrorIs(t, err, ErrExposureBreach)
	assert.Contains(t, err.Error(), "BTC net")

	err = eb.CheckExposure(Exposure{Currency: "BTC", Gross: decimal.NewFromInt(3)})
	assert.ErrorIs(t, err, ErrExposureBreach)
	assert.Contains(t, err.Error(), "gross")

	err = eb.CheckBalances(map[string]decimal.Decimal{"USDT": decimal.NewFromInt(999), "BTC": decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrExposureBreach)
	assert.Contains(t, err.Error(), "USDT balance")

	assert.False(t, eb.Empty())
	assert.True(t, ExposureBands{}.Empty())
}
