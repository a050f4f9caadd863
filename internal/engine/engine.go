package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"quote-engine/account"
	"quote-engine/gateway"
	"quote-engine/infrastructure/alert"
	"quote-engine/infrastructure/logger"
	"quote-engine/infrastructure/monitor"
	"quote-engine/inventory"
	"quote-engine/market"
	"quote-engine/order"
	"quote-engine/risk"
)

var (
	ErrNotRunning   = errors.New("engine not running")
	ErrInboxTimeout = errors.New("engine inbox timeout")
)

// PositionStore 库存持久化，每次成交后同步写入。
type PositionStore interface {
	Get(instrument string) (decimal.Decimal, error)
	Set(instrument string, value decimal.Decimal) error
}

// TradeRecorder 成交日志。
type TradeRecorder interface {
	Append(instrument string, r inventory.TradeRecord) error
}

// Hedger 对冲腿，运行在独立队列上。
type Hedger interface {
	OnFill(instrument string, side order.Side, qty decimal.Decimal) error
	Owns(clientOrderID string) bool
	OrderFor(requestID string) (string, bool)
	OnCanceled(clientOrderID string)
	OnRejected(clientOrderID, reason string)
	OnExecuted(clientOrderID string, remaining decimal.Decimal)
	IsHedgeVenue(venue string) bool
	CheckExposures(exposures []risk.Exposure) error
	CheckBalances(balances map[string]decimal.Decimal) error
}

// Reporter 遥测输出，尽力而为。
type Reporter interface {
	Trade(instrument string, side order.Side, price, qty decimal.Decimal, orderID, venue string)
	Balance(venue, currency string, amount decimal.Decimal)
	Position(instrument string, positionFiat decimal.Decimal)
	Book(source string, bid, ask decimal.Decimal)
}

// Deps 引擎依赖。Hedger、Telemetry、Alerts、TradeLog 可以为空。
type Deps struct {
	Connectors map[string]gateway.Descriptor
	Accounts   map[string]*account.State
	Positions  PositionStore
	TradeLog   TradeRecorder
	Board      *market.Board
	Hedger     Hedger
	Telemetry  Reporter
	Alerts     *alert.Manager
	Logger     *logger.Logger
	Monitor    *monitor.Monitor

	Now   func() time.Time
	Rand  *rand.Rand
	NewID func() string
}

// Engine 报价引擎。单写者：所有状态只在 Run 的 goroutine 内修改，
// 外部输入（行情、回报、定时器、热更新）通过 inbox 串行进入。
type Engine struct {
	cfg       Config
	log       *logger.Logger
	mon       *monitor.Monitor
	alerts    *alert.Manager
	hedger    Hedger
	telemetry Reporter
	positions PositionStore
	trades    TradeRecorder
	board     *market.Board
	now       func() time.Time
	rng       *rand.Rand
	newID     func() string

	connectors map[string]gateway.Descriptor
	accounts   map[string]*account.State
	connected  map[string]*account.Signal

	gates       map[string]*market.Gate
	gateChanged map[string]bool
	reconnects  map[string]int
	variables   map[string]market.Variable

	instruments []*instrumentRuntime
	byName      map[string]*instrumentRuntime
	dependents  map[string][]*instrumentRuntime
	orderIndex  map[string]*instrumentRuntime
	requests    map[string]request

	pendingTimeout time.Duration

	inbox      chan message
	state      lifecycle
	stopOnce   sync.Once
	stopCh     chan struct{}
	done       chan struct{}
	reasonMu   sync.Mutex
	stopReason string

	// 定时器与重连使用，Start 时创建
	runCtx    context.Context
	runCancel context.CancelFunc
}

// New 校验配置并构建每个品种的运行时状态。
func New(cfg Config, deps Deps) (*Engine, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("engine config: %w", err)
	}
	if deps.Positions == nil {
		return nil, fmt.Errorf("engine: position store is required")
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewNop()
	}
	if deps.Monitor == nil {
		deps.Monitor = monitor.New(monitor.DefaultConfig())
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Rand == nil {
		deps.Rand = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0x9e3779b97f4a7c15))
	}
	if deps.NewID == nil {
		deps.NewID = NewID
	}

	e := &Engine{
		cfg:            cfg,
		log:            deps.Logger.Named("engine"),
		mon:            deps.Monitor,
		alerts:         deps.Alerts,
		hedger:         deps.Hedger,
		telemetry:      deps.Telemetry,
		positions:      deps.Positions,
		trades:         deps.TradeLog,
		board:          deps.Board,
		now:            deps.Now,
		rng:            deps.Rand,
		newID:          deps.NewID,
		connectors:     deps.Connectors,
		accounts:       deps.Accounts,
		connected:      make(map[string]*account.Signal, len(deps.Connectors)),
		gates:          make(map[string]*market.Gate, len(cfg.Sources)),
		gateChanged:    make(map[string]bool, len(cfg.Sources)),
		reconnects:     make(map[string]int, len(cfg.Sources)),
		variables:      make(map[string]market.Variable, len(cfg.Variables)),
		byName:         make(map[string]*instrumentRuntime, len(cfg.Instruments)),
		dependents:     make(map[string][]*instrumentRuntime),
		orderIndex:     make(map[string]*instrumentRuntime),
		requests:       make(map[string]request),
		pendingTimeout: cfg.PendingTimeout,
		inbox:          make(chan message, cfg.InboxSize),
		stopCh:         make(chan struct{}),
		done:           make(chan struct{}),
	}
	if e.board == nil {
		e.board = market.NewBoard()
	}

	for name, desc := range e.connectors {
		if desc.Connector == nil {
			return nil, fmt.Errorf("connector %s: nil connector", name)
		}
		if _, ok := e.accounts[desc.Account]; !ok {
			return nil, fmt.Errorf("connector %s: unknown account %q", name, desc.Account)
		}
		e.connected[name] = account.NewSignal()
	}
	for _, s := range cfg.Sources {
		if _, ok := e.connectors[s.Connector]; !ok {
			return nil, fmt.Errorf("source %s: unknown connector %s", s.Key(), s.Connector)
		}
		e.gates[s.Key()] = market.NewGate(s.Key(), s.Connector, s.Gate)
	}
	for _, v := range cfg.Variables {
		e.variables[v.Name] = v
	}
	for _, ic := range cfg.Instruments {
		desc, ok := e.connectors[ic.Connector]
		if !ok {
			return nil, fmt.Errorf("instrument %s: unknown connector %s", ic.State.Instrument, ic.Connector)
		}
		rt := newInstrumentRuntime(ic, desc.Connector, e.accounts[desc.Account])
		for _, name := range append([]string{ic.Variable}, ic.Predictors...) {
			src := e.variables[name].Source
			if !containsString(rt.sources, src) {
				rt.sources = append(rt.sources, src)
				e.dependents[src] = append(e.dependents[src], rt)
			}
		}
		e.instruments = append(e.instruments, rt)
		e.byName[rt.name] = rt
	}
	e.mon.UpdateEngineState(int(LifecycleStarting))
	return e, nil
}

// Handler 连接器回调入口，事件转成消息投递到 inbox。
func (e *Engine) Handler() gateway.Handler {
	return func(ev gateway.Event) {
		if err := e.post(eventMsg{ev: ev}); err != nil && !errors.Is(err, ErrNotRunning) {
			e.log.Warn("connector event dropped",
				zap.String("venue", ev.Meta().Venue),
				zap.String("event", fmt.Sprintf("%T", ev)),
				zap.Error(err))
		}
	}
}

// UpdateTunables 热更新参数，在队列内生效。
func (e *Engine) UpdateTunables(t Tunables) error {
	return e.post(tunablesMsg{t: t})
}

// Do 在引擎队列内执行 fn 并等待完成。
func (e *Engine) Do(ctx context.Context, fn func()) error {
	m := callMsg{fn: fn, done: make(chan struct{})}
	if err := e.post(m); err != nil {
		return err
	}
	select {
	case <-m.done:
		return nil
	case <-e.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) post(m message) error {
	select {
	case <-e.done:
		return ErrNotRunning
	default:
	}
	t := time.NewTimer(e.cfg.PostTimeout)
	defer t.Stop()
	select {
	case e.inbox <- m:
		return nil
	case <-e.done:
		return ErrNotRunning
	case <-t.C:
		e.mon.RecordInboxDropped()
		return ErrInboxTimeout
	}
}

// Run 串行处理 inbox，直到 Stop 或 ctx 结束；返回前完成撤单与连接器关闭。
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			e.Stop("context canceled")
			e.shutdown()
			return nil
		case <-e.stopCh:
			e.shutdown()
			return nil
		case m := <-e.inbox:
			e.handle(m)
		}
	}
}

func (e *Engine) handle(m message) {
	switch m := m.(type) {
	case eventMsg:
		e.onEvent(m.ev)
	case tickMsg:
		e.onTick(m)
	case tunablesMsg:
		e.applyTunables(m.t)
	case callMsg:
		m.fn()
		close(m.done)
	default:
		e.log.Warn("unknown message", zap.String("type", fmt.Sprintf("%T", m)))
	}
}

// Stop 幂等；第二次调用直接返回。停止原因通过告警通道（含遥测 STOP）发出。
func (e *Engine) Stop(reason string) {
	e.stopOnce.Do(func() {
		e.reasonMu.Lock()
		e.stopReason = reason
		e.reasonMu.Unlock()

		e.log.Error("engine stop requested", zap.String("reason", reason), zap.String("state", e.state.Load().String()))
		e.mon.RecordEngineStop()
		if e.alerts != nil {
			if err := e.alerts.SendStop(reason); err != nil {
				e.log.Warn("stop alert failed", zap.Error(err))
			}
		}
		close(e.stopCh)
	})
}

// raise 非致命事件的告警，按消息限流。
func (e *Engine) raise(level alert.Level, message string, fields map[string]interface{}) {
	if e.alerts == nil {
		return
	}
	var err error
	if level == alert.LevelError {
		err = e.alerts.SendError(message, fields)
	} else {
		err = e.alerts.SendWarning(message, fields)
	}
	if err != nil {
		e.log.Warn("alert failed", zap.String("message", message), zap.Error(err))
	}
}

// Done 关闭表示停止流程全部完成。
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// Wait 阻塞直到停止完成或 ctx 结束。
func (e *Engine) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) StopReason() string {
	e.reasonMu.Lock()
	defer e.reasonMu.Unlock()
	return e.stopReason
}

func (e *Engine) State() Lifecycle {
	return e.state.Load()
}

func (e *Engine) stopRequested() bool {
	select {
	case <-e.stopCh:
		return true
	default:
		return false
	}
}

// running 每个动作之前检查；停止请求发出后不再开始新的报价。
func (e *Engine) running() bool {
	return e.state.Load() == LifecycleRunning && !e.stopRequested()
}

func (e *Engine) transition(next Lifecycle) {
	if err := e.state.To(next); err != nil {
		e.log.Warn("lifecycle transition rejected", zap.Error(err))
		return
	}
	e.mon.UpdateEngineState(int(next))
	e.log.Info("engine lifecycle", zap.String("state", next.String()))
}

func (e *Engine) applyTunables(t Tunables) {
	if t.PendingTimeout > 0 {
		e.pendingTimeout = t.PendingTimeout
	}
	for name, it := range t.Instruments {
		rt, ok := e.byName[name]
		if !ok {
			e.log.Warn("tunables for unknown instrument", zap.String("instrument", name))
			continue
		}
		rt.state.SetTunables(it.ApproachingSpeed, it.FullSideDealShift)
		if it.Tolerance.IsPositive() {
			rt.cfg.Obligation.Tolerance = it.Tolerance
		}
		rt.cfg.Obligation.MinRequote = it.MinRequote
		rt.cfg.Delay = it.Delay
	}
	e.log.Info("tunables applied", zap.Duration("pending_timeout", e.pendingTimeout), zap.Int("instruments", len(t.Instruments)))
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
