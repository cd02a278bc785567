package service

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry 持有引擎的 Prometheus 指标
// 所有方法对 nil 接收者安全，测试和回测中可以不注入
type Telemetry struct {
	registry *prometheus.Registry

	Cycles        *prometheus.CounterVec
	Trades        *prometheus.CounterVec
	SourceErrors  *prometheus.CounterVec
	GatewayErrors *prometheus.CounterVec
	Equity        prometheus.Gauge
	Balance       prometheus.Gauge
	DailyPnL      prometheus.Gauge
	TotalPnL      prometheus.Gauge
	OpenPositions prometheus.Gauge
	KillSwitch    prometheus.Gauge
}

// NewTelemetry 创建独立 registry 下的全部指标
func NewTelemetry() *Telemetry {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotrader_cycles_total",
			Help: "Trading cycles by result (ok, rejected, error, locked)",
		}, []string{"result"}),
		Trades: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotrader_trades_total",
			Help: "Executed trades by type and reason",
		}, []string{"type", "reason"}),
		SourceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotrader_signal_source_errors_total",
			Help: "Signal source failures excluded from voting",
		}, []string{"source"}),
		GatewayErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "autotrader_gateway_errors_total",
			Help: "Exchange gateway call failures by operation",
		}, []string{"op"}),
		Equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autotrader_equity_usd",
			Help: "Account equity (balance plus open position value)",
		}),
		Balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autotrader_balance_usd",
			Help: "Available balance",
		}),
		DailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autotrader_daily_pnl_usd",
			Help: "Realized P&L of the current day",
		}),
		TotalPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autotrader_total_pnl_usd",
			Help: "Realized P&L since start",
		}),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autotrader_open_positions",
			Help: "Number of open positions",
		}),
		KillSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "autotrader_kill_switch",
			Help: "1 once the kill switch has locked trading",
		}),
	}

	t.registry.MustRegister(
		t.Cycles, t.Trades, t.SourceErrors, t.GatewayErrors,
		t.Equity, t.Balance, t.DailyPnL, t.TotalPnL, t.OpenPositions, t.KillSwitch,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return t
}

// Handler 暴露 /metrics
func (t *Telemetry) Handler() http.Handler {
	if t == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// Registry 返回内部 registry (测试用)
func (t *Telemetry) Registry() *prometheus.Registry {
	if t == nil {
		return nil
	}
	return t.registry
}

func (t *Telemetry) ObserveCycle(result string) {
	if t == nil {
		return
	}
	t.Cycles.WithLabelValues(result).Inc()
}

func (t *Telemetry) ObserveTrade(tradeType, reason string) {
	if t == nil {
		return
	}
	t.Trades.WithLabelValues(tradeType, reason).Inc()
}

func (t *Telemetry) ObserveSourceError(source string) {
	if t == nil {
		return
	}
	t.SourceErrors.WithLabelValues(source).Inc()
}

func (t *Telemetry) ObserveGatewayError(op string) {
	if t == nil {
		return
	}
	t.GatewayErrors.WithLabelValues(op).Inc()
}

// SetAccount 更新账户相关 gauge
func (t *Telemetry) SetAccount(balance, equity, dailyPnL, totalPnL float64, openPositions int) {
	if t == nil {
		return
	}
	t.Balance.Set(balance)
	t.Equity.Set(equity)
	t.DailyPnL.Set(dailyPnL)
	t.TotalPnL.Set(totalPnL)
	t.OpenPositions.Set(float64(openPositions))
}

func (t *Telemetry) SetKillSwitch() {
	if t == nil {
		return
	}
	t.KillSwitch.Set(1)
}
