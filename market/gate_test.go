package market

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGate_IsReady(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cases := []struct {
		name     string
		cfg      GateConfig
		bid, ask string
		ready    bool
	}{
		{"crossed with check", GateConfig{CheckCross: true}, "101", "100", false},
		{"crossed without check", GateConfig{}, "101", "100", true},
		{"locked with check", GateConfig{CheckCross: true}, "100", "100", false},
		{"tight within 5pct", GateConfig{CheckCross: true, MaxSpreadPct: d("5")}, "100", "100.01", true},
		{"too wide", GateConfig{MaxSpreadPct: d("5")}, "90", "110", false},
		{"zero bid", GateConfig{}, "0", "100", false},
		{"zero ask", GateConfig{}, "100", "0", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGate("src", "conn", tc.cfg)
			g.Update(d(tc.bid), d(tc.ask), now)
			assert.Equal(t, tc.ready, g.IsReady())
		})
	}
}

func TestGate_MarkBrokenIfUnready(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	g := NewGate("src", "conn", GateConfig{CheckCross: true, ReconnectAfter: 10 * time.Second})
	g.Update(d("101"), d("100"), start)

	first := g.MarkBrokenIfUnready(start)
	assert.Equal(t, start, first)
	// 幂等：保持首次失效时间
	assert.Equal(t, start, g.MarkBrokenIfUnready(start.Add(3*time.Second)))
	assert.False(t, g.ShouldReconnect(start.Add(9*time.Second)))
	assert.True(t, g.ShouldReconnect(start.Add(10*time.Second)))

	g.Update(d("99"), d("100"), start.Add(11*time.Second))
	assert.True(t, g.MarkBrokenIfUnready(start.Add(11*time.Second)).IsZero())
	assert.False(t, g.ShouldReconnect(start.Add(30*time.Second)))
}

func TestGate_MarkStuckIfUnchanged(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	g := NewGate("src", "conn", GateConfig{CheckCross: true, StuckAfter: 30 * time.Second})
	changed := g.Update(d("99"), d("100"), start)
	assert.True(t, changed)
	assert.False(t, g.MarkStuckIfUnchanged(changed, start))

	assert.False(t, g.MarkStuckIfUnchanged(false, start.Add(30*time.Second)))
	assert.True(t, g.MarkStuckIfUnchanged(false, start.Add(31*time.Second)))
	assert.Equal(t, start.Add(31*time.Second), g.StuckSince())

	// 相同价格不算新价格
	assert.False(t, g.Update(d("99"), d("100"), start.Add(40*time.Second)))
	assert.True(t, g.MarkStuckIfUnchanged(false, start.Add(40*time.Second)))

	assert.True(t, g.Update(d("99.5"), d("100"), start.Add(41*time.Second)))
	assert.False(t, g.MarkStuckIfUnchanged(true, start.Add(41*time.Second)))
	assert.True(t, g.StuckSince().IsZero())
}

func TestGate_StuckIgnoresBrokenBook(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	g := NewGate("src", "conn", GateConfig{CheckCross: true, StuckAfter: time.Second})
	g.Update(d("101"), d("100"), start)
	g.MarkStuckIfUnchanged(true, start)
	assert.False(t, g.MarkStuckIfUnchanged(false, start.Add(time.Minute)))
}

func TestGate_MinChangePct(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	g := NewGate("src", "conn", GateConfig{MinChangePct: d("0.01")})
	g.Update(d("100"), d("100.1"), start)
	assert.False(t, g.Update(d("100.001"), d("100.1"), start))
	assert.True(t, g.Update(d("100.02"), d("100.1"), start))
}
