package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Monitor Prometheus监控指标收集器，使用独立 registry。
type Monitor struct {
	registry *prometheus.Registry

	// 订单指标
	ordersPlaced   *prometheus.CounterVec
	ordersCanceled *prometheus.CounterVec
	ordersFilled   *prometheus.CounterVec
	ordersRejected *prometheus.CounterVec
	orderSkips     *prometheus.CounterVec
	orderLatency   prometheus.Histogram
	hedgeOrders    *prometheus.CounterVec
	replaceExpired *prometheus.CounterVec

	// 仓位指标
	positionFiat *prometheus.GaugeVec
	dealShift    *prometheus.GaugeVec

	// 行情/系统指标
	gateReady    *prometheus.GaugeVec
	reconnects   *prometheus.CounterVec
	wsConnected  *prometheus.GaugeVec
	engineState  prometheus.Gauge
	engineStops  prometheus.Counter
	inboxDropped prometheus.Counter
}

// Config 监控配置
type Config struct {
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "qe",
		Subsystem: "quoting",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
	gaugeVec := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}

	return &Monitor{
		registry: reg,

		ordersPlaced:   counterVec("orders_placed_total", "订单下单总数", "instrument", "side"),
		ordersCanceled: counterVec("orders_canceled_total", "订单撤单总数", "instrument"),
		ordersFilled:   counterVec("orders_filled_total", "订单成交笔数", "instrument"),
		ordersRejected: counterVec("orders_rejected_total", "被交易所拒绝的请求数", "instrument", "request"),
		orderSkips:     counterVec("order_skips_total", "下单前检查跳过次数", "instrument", "reason"),
		orderLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "order_ack_latency_seconds",
			Help:      "下单到确认的延迟（秒）",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		hedgeOrders:    counterVec("hedge_orders_total", "对冲下单总数", "instrument"),
		replaceExpired: counterVec("replacements_expired_total", "等待撤单确认超时而丢弃的替换单", "instrument"),

		positionFiat: gaugeVec("position_fiat", "库存（计价货币）", "instrument"),
		dealShift:    gaugeVec("deal_shift", "库存偏移", "instrument"),

		gateReady:   gaugeVec("gate_ready", "参考价源是否就绪", "source"),
		reconnects:  counterVec("reconnects_total", "行情异常导致的重连次数", "connector"),
		wsConnected: gaugeVec("connector_connected", "连接状态", "connector"),
		engineState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "engine_state",
			Help:      "引擎生命周期状态（0=starting 1=running 2=stopping 3=stopped）",
		}),
		engineStops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "engine_stops_total",
			Help:      "引擎停止次数",
		}),
		inboxDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "inbox_dropped_total",
			Help:      "投递超时被丢弃的引擎消息",
		}),
	}
}

func (m *Monitor) RecordOrderPlaced(instrument, side string) {
	m.ordersPlaced.WithLabelValues(instrument, side).Inc()
}

func (m *Monitor) RecordOrderCanceled(instrument string) {
	m.ordersCanceled.WithLabelValues(instrument).Inc()
}

func (m *Monitor) RecordOrderFilled(instrument string) {
	m.ordersFilled.WithLabelValues(instrument).Inc()
}

func (m *Monitor) RecordOrderRejected(instrument, request string) {
	m.ordersRejected.WithLabelValues(instrument, request).Inc()
}

// RecordSkip 下单前检查未通过。
func (m *Monitor) RecordSkip(instrument, reason string) {
	m.orderSkips.WithLabelValues(instrument, reason).Inc()
}

func (m *Monitor) RecordOrderLatency(seconds float64) {
	m.orderLatency.Observe(seconds)
}

func (m *Monitor) RecordHedgeOrder(instrument string) {
	m.hedgeOrders.WithLabelValues(instrument).Inc()
}

func (m *Monitor) RecordReplacementExpired(instrument string) {
	m.replaceExpired.WithLabelValues(instrument).Inc()
}

// UpdateInventory 更新库存与偏移。
func (m *Monitor) UpdateInventory(instrument string, positionFiat, dealShift decimal.Decimal) {
	m.positionFiat.WithLabelValues(instrument).Set(positionFiat.InexactFloat64())
	m.dealShift.WithLabelValues(instrument).Set(dealShift.InexactFloat64())
}

func (m *Monitor) UpdateGateReady(source string, ready bool) {
	v := 0.0
	if ready {
		v = 1
	}
	m.gateReady.WithLabelValues(source).Set(v)
}

func (m *Monitor) RecordReconnect(connector string) {
	m.reconnects.WithLabelValues(connector).Inc()
}

func (m *Monitor) UpdateConnected(connector string, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	m.wsConnected.WithLabelValues(connector).Set(v)
}

func (m *Monitor) UpdateEngineState(state int) {
	m.engineState.Set(float64(state))
}

func (m *Monitor) RecordEngineStop() {
	m.engineStops.Inc()
}

func (m *Monitor) RecordInboxDropped() {
	m.inboxDropped.Inc()
}

// Handler 返回 /metrics 处理器
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层 registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
