package account

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// Signal 一次性就绪信号：Fire 之后所有 Wait 返回；Reset 重新武装。
// 请求出错时以 err Fire，等待方不会永久阻塞。
type Signal struct {
	mu    sync.Mutex
	ch    chan struct{}
	fired bool
	err   error
}

func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Fire 触发信号，重复触发无副作用。
func (s *Signal) Fire(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		return
	}
	s.fired = true
	s.err = err
	close(s.ch)
}

// Reset 重新武装，用于下一次请求。
func (s *Signal) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fired {
		return
	}
	s.fired = false
	s.err = nil
	s.ch = make(chan struct{})
}

// Fired 是否已触发。
func (s *Signal) Fired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Wait 阻塞直到触发或 ctx 结束。
func (s *Signal) Wait(ctx context.Context) error {
	s.mu.Lock()
	ch := s.ch
	s.mu.Unlock()
	select {
	case <-ch:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State 单个交易账户的余额、保证金仓位与就绪信号。
type State struct {
	Name string
	// Margin 为 true 时买卖共用一个保证金余额。
	Margin         bool
	MarginCurrency string
	Leverage       decimal.Decimal

	mu        sync.RWMutex
	balances  map[string]decimal.Decimal
	positions map[string]decimal.Decimal

	BalancesReady *Signal
	OrdersReady   *Signal
}

func NewState(name string, margin bool, marginCurrency string, leverage decimal.Decimal) *State {
	if !leverage.IsPositive() {
		leverage = decimal.NewFromInt(1)
	}
	return &State{
		Name:           name,
		Margin:         margin,
		MarginCurrency: marginCurrency,
		Leverage:       leverage,
		balances:       make(map[string]decimal.Decimal),
		positions:      make(map[string]decimal.Decimal),
		BalancesReady:  NewSignal(),
		OrdersReady:    NewSignal(),
	}
}

// SetBalances 用交易所回报覆盖余额。
func (s *State) SetBalances(available map[string]decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ccy, v := range available {
		s.balances[ccy] = v
	}
}

// SetPositions 用交易所回报覆盖保证金仓位（以基础货币数量计，空头为负）。
func (s *State) SetPositions(positions map[string]decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for inst, v := range positions {
		s.positions[inst] = v
	}
}

// Balance 可用余额。
func (s *State) Balance(ccy string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[ccy]
}

// Position 保证金仓位。
func (s *State) Position(instrument string) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[instrument]
}

// Balances 余额拷贝。
func (s *State) Balances() map[string]decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make(map[string]decimal.Decimal, len(s.balances))
	for k, v := range s.balances {
		res[k] = v
	}
	return res
}

// ApplyFill 成交后本地调整余额与仓位，等待下一次刷新校正。
func (s *State) ApplyFill(instrument, base, quote string, buy bool, qty, price, fee decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	notional := qty.Mul(price)
	if s.Margin {
		pos := s.positions[instrument]
		if buy {
			s.positions[instrument] = pos.Add(qty)
		} else {
			s.positions[instrument] = pos.Sub(qty)
		}
		s.balances[s.MarginCurrency] = s.balances[s.MarginCurrency].Sub(fee)
		return
	}
	if buy {
		s.balances[quote] = s.balances[quote].Sub(notional).Sub(fee)
		s.balances[base] = s.balances[base].Add(qty)
	} else {
		s.balances[quote] = s.balances[quote].Add(notional).Sub(fee)
		s.balances[base] = s.balances[base].Sub(qty)
	}
}

// Required 计算下单需要占用的余额及币种。
// 现货：买单占用计价货币名义，卖单占用基础货币数量。
// 保证金：只有扩大仓位的部分占用保证金，平掉反向仓位的部分不占用。
func (s *State) Required(instrument, base, quote string, buy bool, qty, price decimal.Decimal) (string, decimal.Decimal) {
	if !s.Margin {
		if buy {
			return quote, qty.Mul(price)
		}
		return base, qty
	}
	pos := s.Position(instrument)
	opening := qty
	if buy && pos.IsNegative() {
		opening = qty.Sub(decimal.Min(qty, pos.Neg()))
	} else if !buy && pos.IsPositive() {
		opening = qty.Sub(decimal.Min(qty, pos))
	}
	return s.MarginCurrency, opening.Mul(price).Div(s.Leverage)
}

// CheckSufficient 余额不足时返回 ErrInsufficientBalance。
func (s *State) CheckSufficient(instrument, base, quote string, buy bool, qty, price decimal.Decimal) error {
	ccy, need := s.Required(instrument, base, quote, buy, qty, price)
	if need.IsZero() {
		return nil
	}
	if have := s.Balance(ccy); have.LessThan(need) {
		return fmt.Errorf("%w: %s need %s have %s", ErrInsufficientBalance, ccy, need, have)
	}
	return nil
}
