// Package metrics provides Prometheus metrics collection for portfolio-pulse.
// It defines the stream, portfolio, risk and history metrics exposed via the
// Prometheus metrics endpoint for monitoring and alerting.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the service.
type Metrics struct {
	// Stream metrics
	WSReconnects      prometheus.Counter // Total number of stream reconnection attempts
	PortfolioUpdates  prometheus.Counter // Total number of portfolio_update frames applied
	MessagesDiscarded prometheus.Counter // Frames dropped as malformed, unknown or stale
	ConnectionState   prometheus.Gauge   // 0 disconnected, 1 connecting, 2 connected

	// Portfolio metrics
	TotalValue         prometheus.Gauge // Latest total portfolio value
	TotalPnLPercentage prometheus.Gauge // Latest total PnL percentage

	// Risk metrics
	RiskVolatility prometheus.Gauge // Volatility from the last risk calculation
	RiskSharpe     prometheus.Gauge // Annualized Sharpe from the last risk calculation

	// History metrics
	HistoryFetchErrors   prometheus.Counter   // Failed history requests
	HistoryFetchDuration prometheus.Histogram // History request latency

	// Journal metrics
	JournalSamples prometheus.Counter // Snapshots persisted by the journal
}

// New creates and registers all Prometheus metrics using the default registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates metrics with a custom registry (useful for testing).
func NewWithRegistry(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		WSReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ws_reconnects_total",
			Help: "Total number of portfolio stream reconnection attempts",
		}),
		PortfolioUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "portfolio_updates_total",
			Help: "Total number of portfolio updates applied",
		}),
		MessagesDiscarded: factory.NewCounter(prometheus.CounterOpts{
			Name: "messages_discarded_total",
			Help: "Total number of stream frames discarded",
		}),
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ws_connection_state",
			Help: "Portfolio stream state (0 disconnected, 1 connecting, 2 connected)",
		}),
		TotalValue: factory.NewGauge(prometheus.GaugeOpts{
			Name: "portfolio_total_value",
			Help: "Latest total portfolio value",
		}),
		TotalPnLPercentage: factory.NewGauge(prometheus.GaugeOpts{
			Name: "portfolio_total_pnl_percentage",
			Help: "Latest total portfolio PnL percentage",
		}),
		RiskVolatility: factory.NewGauge(prometheus.GaugeOpts{
			Name: "risk_volatility",
			Help: "Sample standard deviation of period returns from the last calculation",
		}),
		RiskSharpe: factory.NewGauge(prometheus.GaugeOpts{
			Name: "risk_sharpe",
			Help: "Annualized Sharpe ratio from the last calculation",
		}),
		HistoryFetchErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "history_fetch_errors_total",
			Help: "Total number of failed history requests",
		}),
		HistoryFetchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "history_fetch_duration_seconds",
			Help:    "Duration of history requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		JournalSamples: factory.NewCounter(prometheus.CounterOpts{
			Name: "journal_samples_total",
			Help: "Total number of portfolio samples written to the journal",
		}),
	}
}
