package order

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// SymbolConstraints 描述交易品种的价格/数量步长。
type SymbolConstraints struct {
	TickSize decimal.Decimal
	StepSize decimal.Decimal
	MinQty   decimal.Decimal
}

// RoundPrice 买价向下、卖价向上取整到 tick，保证不会比目标价更激进。
func (c SymbolConstraints) RoundPrice(side Side, price decimal.Decimal) decimal.Decimal {
	if !c.TickSize.IsPositive() {
		return price
	}
	steps := price.Div(c.TickSize)
	if side == SideBuy {
		steps = steps.Floor()
	} else {
		steps = steps.Ceil()
	}
	return steps.Mul(c.TickSize)
}

// RoundQty 数量向下取整到步长。
func (c SymbolConstraints) RoundQty(qty decimal.Decimal) decimal.Decimal {
	if !c.StepSize.IsPositive() {
		return qty
	}
	return qty.Div(c.StepSize).Floor().Mul(c.StepSize)
}

// Validate 检查订单价格/数量是否对齐步长与最小数量。
func (c SymbolConstraints) Validate(price, qty decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("price %s must be > 0", price)
	}
	if !qty.IsPositive() {
		return fmt.Errorf("qty %s must be > 0", qty)
	}
	if c.TickSize.IsPositive() && !price.Mod(c.TickSize).IsZero() {
		return fmt.Errorf("price %s not aligned to tickSize %s", price, c.TickSize)
	}
	if c.StepSize.IsPositive() && !qty.Mod(c.StepSize).IsZero() {
		return fmt.Errorf("qty %s not aligned to stepSize %s", qty, c.StepSize)
	}
	if c.MinQty.IsPositive() && qty.LessThan(c.MinQty) {
		return fmt.Errorf("qty %s < minQty %s", qty, c.MinQty)
	}
	return nil
}
