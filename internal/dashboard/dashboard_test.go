package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"portfolio-pulse/internal/common"
	"portfolio-pulse/internal/live"
	"portfolio-pulse/internal/risk"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	mu    sync.Mutex
	snap  *live.MetricsSnapshot
	state live.ConnectionState
	subs  []chan live.MetricsSnapshot
}

func (f *fakeSource) Snapshot() (live.MetricsSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap == nil {
		return live.MetricsSnapshot{}, false
	}
	return *f.snap, true
}

func (f *fakeSource) State() live.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSource) Subscribe(buffer int) (<-chan live.MetricsSnapshot, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan live.MetricsSnapshot, buffer)
	f.subs = append(f.subs, ch)
	return ch, func() {}
}

func (f *fakeSource) publish(s live.MetricsSnapshot) {
	f.mu.Lock()
	f.snap = &s
	subs := append([]chan live.MetricsSnapshot(nil), f.subs...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- s
	}
}

type fakeHistory struct {
	points []risk.HistoricalPoint
	err    error
	days   int
	coin   string
}

func (f *fakeHistory) PortfolioHistory(_ context.Context, days int) ([]risk.HistoricalPoint, error) {
	f.days = days
	return f.points, f.err
}

func (f *fakeHistory) PortfolioCoinHistory(_ context.Context, coin string, days int) ([]risk.HistoricalPoint, error) {
	f.coin, f.days = coin, days
	return f.points, f.err
}

type fakePoints struct {
	points     []risk.HistoricalPoint
	series     string
	start, end time.Time
}

func (f *fakePoints) GetPoints(series string, start, end time.Time) ([]risk.HistoricalPoint, error) {
	f.series, f.start, f.end = series, start, end
	return f.points, nil
}

type fakeRecorder struct{ vol, sharpe float64 }

func (f *fakeRecorder) RiskSet(vol, sharpe float64) { f.vol, f.sharpe = vol, sharpe }

func dailySeries(values ...float64) []risk.HistoricalPoint {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]risk.HistoricalPoint, len(values))
	for i, v := range values {
		out[i] = risk.HistoricalPoint{Date: start.AddDate(0, 0, i), Value: v}
	}
	return out
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHealth(t *testing.T) {
	d := New(&fakeSource{state: live.Connected}, Options{Gatherer: prometheus.NewRegistry()})

	rec := get(t, d.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "connected", body["stream"])
}

func TestSnapshot_NotFoundBeforeFirstUpdate(t *testing.T) {
	src := &fakeSource{}
	d := New(src, Options{Gatherer: prometheus.NewRegistry()})

	rec := get(t, d.Handler(), "/api/snapshot")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	src.snap = &live.MetricsSnapshot{TotalValue: 1500.5, TotalPnLPercentage: 50.05}
	rec = get(t, d.Handler(), "/api/snapshot")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap live.MetricsSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 1500.5, snap.TotalValue)
	assert.Equal(t, 50.05, snap.TotalPnLPercentage)
}

func TestState(t *testing.T) {
	received := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	src := &fakeSource{state: live.Connecting, snap: &live.MetricsSnapshot{ReceivedAt: received}}
	d := New(src, Options{Gatherer: prometheus.NewRegistry()})

	rec := get(t, d.Handler(), "/api/state")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		State       string    `json:"state"`
		HasSnapshot bool      `json:"has_snapshot"`
		LastUpdate  time.Time `json:"last_update"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "connecting", body.State)
	assert.True(t, body.HasSnapshot)
	assert.True(t, received.Equal(body.LastUpdate))
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "ws_reconnects_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Add(3)

	d := New(&fakeSource{}, Options{Gatherer: registry})
	rec := get(t, d.Handler(), "/metrics")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ws_reconnects_total 3")
}

func TestRisk_Remote(t *testing.T) {
	hist := &fakeHistory{points: dailySeries(100, 90, 100)}
	recorder := &fakeRecorder{}
	d := New(&fakeSource{}, Options{History: hist, Recorder: recorder, Gatherer: prometheus.NewRegistry()})

	rec := get(t, d.Handler(), "/api/risk?days=90")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body RiskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, SourceRemote, body.Source)
	assert.Equal(t, 90, body.Days)
	assert.Equal(t, 90, hist.days)
	assert.Equal(t, 3, body.Points)
	assert.Equal(t, float64(risk.TradingDaysPerYear), body.PeriodsPerYear)

	want := risk.NewCalculator().Calculate(hist.points)
	assert.InDelta(t, want.Volatility, body.Volatility, 1e-12)
	assert.InDelta(t, want.Sharpe, body.Sharpe, 1e-12)
	assert.Equal(t, want.Volatility, recorder.vol)
	assert.Equal(t, want.Sharpe, recorder.sharpe)
}

func TestRisk_DefaultDays(t *testing.T) {
	hist := &fakeHistory{points: dailySeries(1, 2)}
	d := New(&fakeSource{}, Options{History: hist, DefaultDays: 7, Gatherer: prometheus.NewRegistry()})

	rec := get(t, d.Handler(), "/api/risk")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7, hist.days)
}

func TestRisk_Coin(t *testing.T) {
	hist := &fakeHistory{points: dailySeries(100, 90, 100)}
	recorder := &fakeRecorder{}
	d := New(&fakeSource{}, Options{History: hist, Recorder: recorder, Gatherer: prometheus.NewRegistry()})

	rec := get(t, d.Handler(), "/api/risk?days=30&coin=btc")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body RiskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "BTC", body.Coin)
	assert.Equal(t, "BTC", hist.coin)
	assert.Equal(t, 30, hist.days)
	assert.Greater(t, body.Volatility, 0.0)
	assert.Equal(t, 0.0, recorder.vol, "coin risk must not overwrite the portfolio gauges")
}

func TestRisk_LocalAlwaysInfersAnnualization(t *testing.T) {
	start := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	var halfHourly []risk.HistoricalPoint
	for i, v := range []float64{100, 101, 99.5, 102} {
		halfHourly = append(halfHourly, risk.HistoricalPoint{Date: start.Add(time.Duration(i) * 30 * time.Minute), Value: v})
	}
	pts := &fakePoints{points: halfHourly}
	d := New(&fakeSource{}, Options{Points: pts, Annualization: common.AnnualizationDaily, Gatherer: prometheus.NewRegistry()})

	rec := get(t, d.Handler(), "/api/risk?source=local&days=1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body RiskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.InDelta(t, 365.0*48, body.PeriodsPerYear, 1e-6)
}

func TestRisk_Local(t *testing.T) {
	pts := &fakePoints{points: dailySeries(100, 110, 99, 120)}
	d := New(&fakeSource{}, Options{Points: pts, Gatherer: prometheus.NewRegistry()})
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	// local is the default when no remote history is configured
	rec := get(t, d.Handler(), "/api/risk?days=12")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body RiskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, SourceLocal, body.Source)
	assert.InDelta(t, 365.0, body.PeriodsPerYear, 1e-9)
	assert.Equal(t, common.SeriesPortfolio, pts.series)
	assert.Equal(t, now, pts.end)
	assert.Equal(t, now.AddDate(0, 0, -12), pts.start)
}

func TestRisk_Errors(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		target string
		status int
	}{
		{"bad days", Options{History: &fakeHistory{}}, "/api/risk?days=abc", http.StatusBadRequest},
		{"negative days", Options{History: &fakeHistory{}}, "/api/risk?days=-3", http.StatusBadRequest},
		{"remote range not served", Options{History: &fakeHistory{}}, "/api/risk?days=12", http.StatusBadRequest},
		{"unknown source", Options{History: &fakeHistory{}}, "/api/risk?source=s3", http.StatusBadRequest},
		{"remote not configured", Options{Points: &fakePoints{}}, "/api/risk?source=remote", http.StatusServiceUnavailable},
		{"local not configured", Options{History: &fakeHistory{}}, "/api/risk?source=local", http.StatusServiceUnavailable},
		{"coin from journal", Options{Points: &fakePoints{}}, "/api/risk?source=local&coin=BTC", http.StatusBadRequest},
		{"upstream failure", Options{History: &fakeHistory{err: errors.New("status 500")}}, "/api/risk?days=30", http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.opts.Gatherer = prometheus.NewRegistry()
			d := New(&fakeSource{}, tt.opts)

			rec := get(t, d.Handler(), tt.target)
			assert.Equal(t, tt.status, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestMethodNotAllowed(t *testing.T) {
	d := New(&fakeSource{}, Options{Gatherer: prometheus.NewRegistry()})

	rec := httptest.NewRecorder()
	d.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/snapshot", strings.NewReader("{}")))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func startDashboard(t *testing.T, src *fakeSource) (*Dashboard, string) {
	t.Helper()
	d := New(src, Options{Port: 0, Gatherer: prometheus.NewRegistry()})
	require.NoError(t, d.Start())
	t.Cleanup(func() { d.Stop() })

	_, port, err := net.SplitHostPort(d.Addr())
	require.NoError(t, err)
	return d, "127.0.0.1:" + port
}

func readUpdate(t *testing.T, conn *websocket.Conn) UpdateMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg UpdateMessage
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func TestWebSocket_Broadcast(t *testing.T) {
	src := &fakeSource{snap: &live.MetricsSnapshot{TotalValue: 1}}
	d, addr := startDashboard(t, src)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	// current snapshot first
	first := readUpdate(t, conn)
	assert.Equal(t, common.MessagePortfolioUpdate, first.Type)
	assert.Equal(t, 1.0, first.Data.TotalValue)

	require.Eventually(t, func() bool { return d.clientCount() == 1 }, time.Second, 5*time.Millisecond)

	src.publish(live.MetricsSnapshot{TotalValue: 2, Allocation: map[string]float64{"BTC": 100}})
	second := readUpdate(t, conn)
	assert.Equal(t, 2.0, second.Data.TotalValue)
	assert.Equal(t, 100.0, second.Data.Allocation["BTC"])

	resp, err := http.Get("http://" + addr + "/health")
	require.NoError(t, err)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocket_NoSnapshotYet(t *testing.T) {
	src := &fakeSource{}
	d, addr := startDashboard(t, src)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return d.clientCount() == 1 }, time.Second, 5*time.Millisecond)

	src.publish(live.MetricsSnapshot{TotalValue: 5})
	msg := readUpdate(t, conn)
	assert.Equal(t, 5.0, msg.Data.TotalValue)
}

func TestWebSocket_ClientDisconnectRemoved(t *testing.T) {
	d, addr := startDashboard(t, &fakeSource{})

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return d.clientCount() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	assert.Eventually(t, func() bool { return d.clientCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestStartStop(t *testing.T) {
	d := New(&fakeSource{}, Options{Port: 0, Gatherer: prometheus.NewRegistry()})

	require.NoError(t, d.Start())
	assert.Error(t, d.Start())
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
}
