package strategy

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"quote-engine/market"
	"quote-engine/order"
)

var ErrNoReference = errors.New("reference price not available")

// InstrumentConfig 单个报价品种的库存与参考价参数。
type InstrumentConfig struct {
	Instrument string
	// ApproachingSpeed 预测价系数向精确值靠拢的速度，取值 (0,1]。
	ApproachingSpeed decimal.Decimal
	// FullSideDealShift 库存达到 SumOneSideVolume 时的报价偏移（价格单位）。
	FullSideDealShift decimal.Decimal
	SumOneSideVolume  decimal.Decimal
	// 单侧潜在敞口上限（计价货币），0 表示不限制。
	PotentialBuyLimit  decimal.Decimal
	PotentialSellLimit decimal.Decimal
	Constraints        order.SymbolConstraints
}

// Predictor 辅助参考价，系数逐步向主参考价靠拢。
type Predictor struct {
	Name  string
	Range market.Range
	Coef  decimal.Decimal

	initialized bool
}

// InstrumentState 报价品种的库存、偏移与参考价状态。只由引擎串行队列访问。
type InstrumentState struct {
	cfg InstrumentConfig

	PositionFiat decimal.Decimal
	DealShift    decimal.Decimal
	Base         market.Range
	Predictors   []*Predictor
}

func NewInstrumentState(cfg InstrumentConfig, predictorNames []string) *InstrumentState {
	st := &InstrumentState{cfg: cfg}
	for _, name := range predictorNames {
		st.Predictors = append(st.Predictors, &Predictor{Name: name, Coef: decimal.NewFromInt(1)})
	}
	return st
}

// Config 返回配置副本。
func (s *InstrumentState) Config() InstrumentConfig {
	return s.cfg
}

// SetTunables 热更新靠拢速度与偏移参数。
func (s *InstrumentState) SetTunables(approachingSpeed, fullSideDealShift decimal.Decimal) {
	if approachingSpeed.IsPositive() {
		s.cfg.ApproachingSpeed = approachingSpeed
	}
	s.cfg.FullSideDealShift = fullSideDealShift
	s.recomputeDealShift()
}

// SetBase 更新主参考价区间。
func (s *InstrumentState) SetBase(r market.Range) {
	s.Base = r
}

// SetPredictor 更新预测价区间。
func (s *InstrumentState) SetPredictor(name string, r market.Range) error {
	for _, p := range s.Predictors {
		if p.Name == name {
			p.Range = r
			return nil
		}
	}
	return fmt.Errorf("predictor %s not configured for %s", name, s.cfg.Instrument)
}

// UpdateCoefficients 首次直接设置精确系数，之后按
// coef += (exactCoef - coef) * approachingSpeed 平滑靠拢。
func (s *InstrumentState) UpdateCoefficients() error {
	if !s.Base.Valid() {
		return ErrNoReference
	}
	baseMid := s.Base.Mid()
	for _, p := range s.Predictors {
		if !p.Range.Valid() {
			return fmt.Errorf("%w: predictor %s", ErrNoReference, p.Name)
		}
		exact := baseMid.Div(p.Range.Mid())
		if !p.initialized {
			p.Coef = exact
			p.initialized = true
			continue
		}
		speed := s.cfg.ApproachingSpeed
		if !speed.IsPositive() {
			speed = decimal.NewFromInt(1)
		}
		p.Coef = p.Coef.Add(exact.Sub(p.Coef).Mul(speed))
	}
	return nil
}

// Anchors 返回买/卖报价锚点：min(predictor*coef)+dealShift 与 max(predictor*coef)+dealShift。
// 没有预测价时使用主参考价区间。
func (s *InstrumentState) Anchors() (buy, sell decimal.Decimal, err error) {
	if !s.Base.Valid() {
		return decimal.Zero, decimal.Zero, ErrNoReference
	}
	if len(s.Predictors) == 0 {
		return s.Base.Min.Add(s.DealShift), s.Base.Max.Add(s.DealShift), nil
	}
	for i, p := range s.Predictors {
		lo := p.Range.Min.Mul(p.Coef)
		hi := p.Range.Max.Mul(p.Coef)
		if i == 0 || lo.LessThan(buy) {
			buy = lo
		}
		if i == 0 || hi.GreaterThan(sell) {
			sell = hi
		}
	}
	return buy.Add(s.DealShift), sell.Add(s.DealShift), nil
}

// SetPosition 从快照恢复库存。
func (s *InstrumentState) SetPosition(fiat decimal.Decimal) {
	s.PositionFiat = fiat
	s.recomputeDealShift()
}

// ApplyFill 成交后更新库存（计价货币）并重算 dealShift，返回新库存。
func (s *InstrumentState) ApplyFill(side order.Side, qty, price decimal.Decimal) decimal.Decimal {
	s.PositionFiat = s.PositionFiat.Add(side.Sign().Mul(qty).Mul(price))
	s.recomputeDealShift()
	return s.PositionFiat
}

// dealShift = -inventory / sumOneSideVolume * fullSideDealShift
func (s *InstrumentState) recomputeDealShift() {
	if !s.cfg.SumOneSideVolume.IsPositive() {
		s.DealShift = decimal.Zero
		return
	}
	s.DealShift = s.PositionFiat.Neg().Div(s.cfg.SumOneSideVolume).Mul(s.cfg.FullSideDealShift)
}

// IsPotentialLimitExceeded 已挂单名义加（买）/减（卖）当前库存，再加上 extra，是否超过单侧上限。
func (s *InstrumentState) IsPotentialLimitExceeded(side order.Side, resting, extra decimal.Decimal) bool {
	limit := s.cfg.PotentialBuyLimit
	exposure := resting.Add(extra).Add(s.PositionFiat)
	if side == order.SideSell {
		limit = s.cfg.PotentialSellLimit
		exposure = resting.Add(extra).Sub(s.PositionFiat)
	}
	if !limit.IsPositive() {
		return false
	}
	return exposure.GreaterThan(limit)
}

// RoundPrice / RoundQty 按品种精度取整。
func (s *InstrumentState) RoundPrice(side order.Side, p decimal.Decimal) decimal.Decimal {
	return s.cfg.Constraints.RoundPrice(side, p)
}

func (s *InstrumentState) RoundQty(q decimal.Decimal) decimal.Decimal {
	return s.cfg.Constraints.RoundQty(q)
}
