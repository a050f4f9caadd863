package market

import (
	"time"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// GateConfig 参考价源的就绪判定参数。
type GateConfig struct {
	// CheckCross 为 true 时要求 ask 严格大于 bid。
	CheckCross bool
	// MaxSpreadPct 半价差占中间价的最大百分比，0 表示不限制。
	MaxSpreadPct decimal.Decimal
	// StuckAfter 价格长时间不变即视为卡死。
	StuckAfter time.Duration
	// ReconnectAfter 持续异常超过该时长则重连所属连接。
	ReconnectAfter time.Duration
	// MinChangePct 价格变动小于该百分比不视为新价格。
	MinChangePct decimal.Decimal
}

// Gate 单个参考价源的就绪/异常状态（PriceReadinessGate）。
// 只由引擎的串行队列访问，不加锁。
type Gate struct {
	Source    string
	Connector string
	cfg       GateConfig

	bid  decimal.Decimal
	ask  decimal.Decimal
	last decimal.Decimal

	brokenSince time.Time
	stuckSince  time.Time
	changedAt   time.Time
}

func NewGate(source, connector string, cfg GateConfig) *Gate {
	return &Gate{Source: source, Connector: connector, cfg: cfg}
}

// Update 写入最新 bid/ask，返回价格是否发生了实质变化。
func (g *Gate) Update(bid, ask decimal.Decimal, now time.Time) bool {
	changed := g.materiallyDifferent(g.bid, bid) || g.materiallyDifferent(g.ask, ask)
	g.bid, g.ask = bid, ask
	if changed || g.changedAt.IsZero() {
		g.changedAt = now
	}
	return changed
}

// SetLast 更新最新成交价。
func (g *Gate) SetLast(price decimal.Decimal) {
	g.last = price
}

func (g *Gate) materiallyDifferent(prev, next decimal.Decimal) bool {
	if prev.Equal(next) {
		return false
	}
	if !g.cfg.MinChangePct.IsPositive() || prev.IsZero() {
		return true
	}
	pct := next.Sub(prev).Abs().Div(prev).Mul(hundred)
	return pct.GreaterThanOrEqual(g.cfg.MinChangePct)
}

func (g *Gate) Bid() decimal.Decimal  { return g.bid }
func (g *Gate) Ask() decimal.Decimal  { return g.ask }
func (g *Gate) Last() decimal.Decimal { return g.last }

// Mid 中间价；任一侧缺失返回 0。
func (g *Gate) Mid() decimal.Decimal {
	if !g.bid.IsPositive() || !g.ask.IsPositive() {
		return decimal.Zero
	}
	return g.bid.Add(g.ask).Div(decimal.NewFromInt(2))
}

// IsReady bid>0、ask>0、未交叉（如启用）且半价差不超过上限。
func (g *Gate) IsReady() bool {
	if !g.bid.IsPositive() || !g.ask.IsPositive() {
		return false
	}
	if g.cfg.CheckCross && !g.ask.GreaterThan(g.bid) {
		return false
	}
	if g.cfg.MaxSpreadPct.IsPositive() {
		mid := g.Mid()
		halfSpreadPct := g.ask.Sub(g.bid).Div(decimal.NewFromInt(2)).Div(mid).Mul(hundred)
		if halfSpreadPct.GreaterThan(g.cfg.MaxSpreadPct) {
			return false
		}
	}
	return true
}

// MarkBrokenIfUnready 记录首次失效时间，恢复后清零；返回当前 brokenSince。
func (g *Gate) MarkBrokenIfUnready(now time.Time) time.Time {
	if g.IsReady() {
		g.brokenSince = time.Time{}
		return g.brokenSince
	}
	if g.brokenSince.IsZero() {
		g.brokenSince = now
	}
	return g.brokenSince
}

// BrokenSince 首次失效时间，零值表示正常。
func (g *Gate) BrokenSince() time.Time {
	return g.brokenSince
}

// ShouldReconnect 持续失效超过 ReconnectAfter。
func (g *Gate) ShouldReconnect(now time.Time) bool {
	if g.brokenSince.IsZero() || g.cfg.ReconnectAfter <= 0 {
		return false
	}
	return now.Sub(g.brokenSince) >= g.cfg.ReconnectAfter
}

// ResetBroken 重连后重新计时。
func (g *Gate) ResetBroken() {
	g.brokenSince = time.Time{}
}

// MarkStuckIfUnchanged 独立于 broken：就绪的盘口在 StuckAfter 内没有新价格即视为卡死。
// 返回是否卡死。
func (g *Gate) MarkStuckIfUnchanged(hasNewPrice bool, now time.Time) bool {
	if hasNewPrice || g.changedAt.IsZero() {
		g.changedAt = now
		g.stuckSince = time.Time{}
		return false
	}
	if g.cfg.StuckAfter <= 0 || !g.IsReady() {
		return false
	}
	if now.Sub(g.changedAt) <= g.cfg.StuckAfter {
		return false
	}
	if g.stuckSince.IsZero() {
		g.stuckSince = now
	}
	return true
}

// StuckSince 首次判定卡死的时间。
func (g *Gate) StuckSince() time.Time {
	return g.stuckSince
}
