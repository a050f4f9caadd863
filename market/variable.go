package market

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// VariableMode 变量如何从价源得到价格区间。
type VariableMode string

const (
	ModeMid    VariableMode = "mid"    // [mid, mid]
	ModeBidAsk VariableMode = "bidask" // [bid, ask]
	ModeLast   VariableMode = "last"   // [last, last]
)

// Variable 绑定单个价源的参考价变量。
type Variable struct {
	Name       string
	Source     string
	Mode       VariableMode
	Multiplier decimal.Decimal
}

// Range 价格区间 [Min, Max]。
type Range struct {
	Min decimal.Decimal
	Max decimal.Decimal
}

// Valid 两端均为正且 Min<=Max。
func (r Range) Valid() bool {
	return r.Min.IsPositive() && r.Max.IsPositive() && r.Min.LessThanOrEqual(r.Max)
}

// Mid 区间中点。
func (r Range) Mid() decimal.Decimal {
	return r.Min.Add(r.Max).Div(decimal.NewFromInt(2))
}

// Evaluate 根据价源当前状态计算区间。
func (v Variable) Evaluate(g *Gate) (Range, error) {
	if g == nil {
		return Range{}, fmt.Errorf("variable %s: source %s not found", v.Name, v.Source)
	}
	var r Range
	switch v.Mode {
	case ModeBidAsk:
		r = Range{Min: g.Bid(), Max: g.Ask()}
	case ModeLast:
		r = Range{Min: g.Last(), Max: g.Last()}
	case ModeMid, "":
		mid := g.Mid()
		r = Range{Min: mid, Max: mid}
	default:
		return Range{}, fmt.Errorf("variable %s: unknown mode %q", v.Name, v.Mode)
	}
	if v.Multiplier.IsPositive() {
		r.Min = r.Min.Mul(v.Multiplier)
		r.Max = r.Max.Mul(v.Multiplier)
	}
	if !r.Valid() {
		return r, fmt.Errorf("variable %s: invalid range [%s, %s]", v.Name, r.Min, r.Max)
	}
	return r, nil
}
