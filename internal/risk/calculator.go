// Package risk derives volatility and Sharpe ratio from a portfolio value series.
//
// The calculator is pure: it never mutates its input, performs no I/O and
// always returns finite numbers. Returns that cannot be computed (a zero or
// negative previous value) are skipped and counted rather than propagated.
package risk

import (
	"math"
	"time"

	"portfolio-pulse/internal/common"

	"github.com/montanaflynn/stats"
)

// TradingDaysPerYear annualizes metrics computed on daily samples.
const TradingDaysPerYear = 252

// minDenominator is the smallest previous value a return is computed against.
const minDenominator = 1e-9

// flatTolerance scales the mean return into the largest deviation still
// treated as rounding noise.
const flatTolerance = 1e-12

// Metrics holds the derived risk figures for one series.
type Metrics struct {
	Volatility  float64 `json:"volatility"`   // sample standard deviation of period returns
	Sharpe      float64 `json:"sharpe"`       // annualized, zero risk-free rate
	MeanReturn  float64 `json:"mean_return"`  // sample mean of period returns
	MaxDrawdown float64 `json:"max_drawdown"` // largest peak-to-trough fraction
	Returns     int     `json:"returns"`      // usable returns
	Skipped     int     `json:"skipped"`      // returns dropped for a non-positive previous value
}

// Calculator computes Metrics. PeriodsPerYear is the annualization factor
// applied to the Sharpe ratio; it assumes one sample per period.
type Calculator struct {
	PeriodsPerYear float64
}

// NewCalculator returns a calculator that assumes daily samples.
func NewCalculator() Calculator {
	return Calculator{PeriodsPerYear: TradingDaysPerYear}
}

// CalculatorFor returns the calculator for an annualization mode: "inferred"
// derives the factor from the spacing of points, anything else assumes daily
// samples.
func CalculatorFor(mode string, points []HistoricalPoint) Calculator {
	if mode == common.AnnualizationInferred {
		return Calculator{PeriodsPerYear: InferPeriodsPerYear(points)}
	}
	return NewCalculator()
}

// Calculate derives Metrics from points ordered by ascending date.
func (c Calculator) Calculate(points []HistoricalPoint) Metrics {
	var m Metrics
	if len(points) < 2 {
		return m
	}

	returns, skipped := periodReturns(points)
	m.Returns = len(returns)
	m.Skipped = skipped
	m.MaxDrawdown = maxDrawdown(points)

	// sample variance needs n-1 > 0
	if len(returns) < 2 {
		return m
	}

	mean, err := stats.Mean(returns)
	if err != nil || !finite(mean) {
		return m
	}
	m.MeanReturn = mean

	stdev, err := stats.StandardDeviationSample(returns)
	if err != nil || !finite(stdev) {
		return m
	}
	// returns equal up to float rounding are a flat series
	if stdev <= flatTolerance*math.Max(1, math.Abs(mean)) {
		return m
	}
	m.Volatility = stdev

	periods := c.PeriodsPerYear
	if periods <= 0 || !finite(periods) {
		periods = TradingDaysPerYear
	}
	if sharpe := mean / stdev * math.Sqrt(periods); finite(sharpe) {
		m.Sharpe = sharpe
	}

	return m
}

// periodReturns returns simple period-over-period returns and the number of
// periods that were skipped.
func periodReturns(points []HistoricalPoint) ([]float64, int) {
	returns := make([]float64, 0, len(points)-1)
	skipped := 0
	for i := 1; i < len(points); i++ {
		prev, cur := points[i-1].Value, points[i].Value
		if prev < minDenominator || !finite(cur) {
			skipped++
			continue
		}
		r := (cur - prev) / prev
		if !finite(r) {
			skipped++
			continue
		}
		returns = append(returns, r)
	}
	return returns, skipped
}

func maxDrawdown(points []HistoricalPoint) float64 {
	peak := 0.0
	worst := 0.0
	for _, p := range points {
		if p.Value <= 0 || !finite(p.Value) {
			continue
		}
		if p.Value > peak {
			peak = p.Value
			continue
		}
		if dd := (peak - p.Value) / peak; dd > worst {
			worst = dd
		}
	}
	return worst
}

// InferPeriodsPerYear estimates how many samples of this series fit in a
// calendar year, using the median spacing between consecutive points. It
// returns TradingDaysPerYear when the spacing cannot be determined.
func InferPeriodsPerYear(points []HistoricalPoint) float64 {
	gaps := make([]float64, 0, len(points))
	for i := 1; i < len(points); i++ {
		if d := points[i].Date.Sub(points[i-1].Date); d > 0 {
			gaps = append(gaps, float64(d))
		}
	}
	if len(gaps) == 0 {
		return TradingDaysPerYear
	}
	median, err := stats.Median(gaps)
	if err != nil || median <= 0 {
		return TradingDaysPerYear
	}
	return float64(365*24*time.Hour) / median
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
