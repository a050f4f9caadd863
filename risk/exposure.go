package risk

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

var ErrExposureBreach = errors.New("exposure limit breached")

// Band 允许区间 [Min, Max]；Min/Max 为 nil 表示该方向不限制。
type Band struct {
	Min *decimal.Decimal
	Max *decimal.Decimal
}

// Contains 判断 v 是否落在区间内。
func (b Band) Contains(v decimal.Decimal) bool {
	if b.Min != nil && v.LessThan(*b.Min) {
		return false
	}
	if b.Max != nil && v.GreaterThan(*b.Max) {
		return false
	}
	return true
}

func (b Band) String() string {
	lo, hi := "-inf", "+inf"
	if b.Min != nil {
		lo = b.Min.String()
	}
	if b.Max != nil {
		hi = b.Max.String()
	}
	return "[" + lo + "," + hi + "]"
}

// Exposure 对冲端推送的单币种敞口。
type Exposure struct {
	Currency string
	Gross    decimal.Decimal
	Net      decimal.Decimal
}

// ExposureBands 对冲端按币种配置的容忍区间。
type ExposureBands struct {
	Gross   map[string]Band
	Net     map[string]Band
	Balance map[string]Band
}

// CheckExposure 校验毛/净敞口，越界时返回包含限额名称的 ErrExposureBreach。
func (eb ExposureBands) CheckExposure(e Exposure) error {
	if band, ok := eb.Gross[e.Currency]; ok && !band.Contains(e.Gross) {
		return fmt.Errorf("%w: %s gross %s outside %s", ErrExposureBreach, e.Currency, e.Gross, band)
	}
	if band, ok := eb.Net[e.Currency]; ok && !band.Contains(e.Net) {
		return fmt.Errorf("%w: %s net %s outside %s", ErrExposureBreach, e.Currency, e.Net, band)
	}
	return nil
}

// CheckBalances 校验对冲端余额，按币种名排序保证报错稳定。
func (eb ExposureBands) CheckBalances(balances map[string]decimal.Decimal) error {
	ccys := make([]string, 0, len(balances))
	for c := range balances {
		ccys = append(ccys, c)
	}
	sort.Strings(ccys)
	for _, c := range ccys {
		band, ok := eb.Balance[c]
		if !ok {
			continue
		}
		if v := balances[c]; !band.Contains(v) {
			return fmt.Errorf("%w: %s balance %s outside %s", ErrExposureBreach, c, v, band)
		}
	}
	return nil
}

// Empty 没有配置任何区间。
func (eb ExposureBands) Empty() bool {
	return len(eb.Gross) == 0 && len(eb.Net) == 0 && len(eb.Balance) == 0
}
