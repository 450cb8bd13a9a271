package metrics

import "time"

// MetricsWrapper adapts Metrics to the small recorder interfaces declared by
// the live, history, dashboard and storage packages.
type MetricsWrapper struct {
	m *Metrics
}

func NewWrapper(m *Metrics) *MetricsWrapper {
	return &MetricsWrapper{m: m}
}

func (w *MetricsWrapper) WSReconnectsInc() { w.m.WSReconnects.Inc() }

func (w *MetricsWrapper) PortfolioUpdatesInc() { w.m.PortfolioUpdates.Inc() }

func (w *MetricsWrapper) MessagesDiscardedInc() { w.m.MessagesDiscarded.Inc() }

func (w *MetricsWrapper) ConnectionStateSet(v float64) { w.m.ConnectionState.Set(v) }

func (w *MetricsWrapper) PortfolioSnapshotSet(totalValue, pnlPercentage float64) {
	w.m.TotalValue.Set(totalValue)
	w.m.TotalPnLPercentage.Set(pnlPercentage)
}

func (w *MetricsWrapper) RiskSet(volatility, sharpe float64) {
	w.m.RiskVolatility.Set(volatility)
	w.m.RiskSharpe.Set(sharpe)
}

func (w *MetricsWrapper) HistoryFetchErrorsInc() { w.m.HistoryFetchErrors.Inc() }

func (w *MetricsWrapper) HistoryFetchDurationObserve(d time.Duration) {
	w.m.HistoryFetchDuration.Observe(d.Seconds())
}

func (w *MetricsWrapper) JournalSamplesInc() { w.m.JournalSamples.Inc() }
