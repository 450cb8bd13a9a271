// Package dashboard serves the local HTTP surface of portfolio-pulse.
//
// It exposes the latest live snapshot and connection state as JSON, computes
// risk metrics on demand from the remote history endpoint or the local
// journal, serves Prometheus metrics, and re-broadcasts every live snapshot to
// connected WebSocket clients.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"portfolio-pulse/internal/common"
	"portfolio-pulse/internal/history"
	"portfolio-pulse/internal/live"
	"portfolio-pulse/internal/risk"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const (
	SourceRemote = "remote"
	SourceLocal  = "local"

	writeWait   = 10 * time.Second
	maxRiskDays = 3650
)

// SnapshotSource is satisfied by *live.Listener.
type SnapshotSource interface {
	Snapshot() (live.MetricsSnapshot, bool)
	State() live.ConnectionState
	Subscribe(buffer int) (<-chan live.MetricsSnapshot, func())
}

// HistorySource is satisfied by *history.Client.
type HistorySource interface {
	PortfolioHistory(ctx context.Context, days int) ([]risk.HistoricalPoint, error)
	PortfolioCoinHistory(ctx context.Context, coin string, days int) ([]risk.HistoricalPoint, error)
}

// PointSource is satisfied by *storage.Store.
type PointSource interface {
	GetPoints(series string, start, end time.Time) ([]risk.HistoricalPoint, error)
}

// RiskRecorder is satisfied by metrics.MetricsWrapper.
type RiskRecorder interface {
	RiskSet(volatility, sharpe float64)
}

type noopRiskRecorder struct{}

func (noopRiskRecorder) RiskSet(float64, float64) {}

// Options configures a Dashboard. History and Points are optional; a risk
// request for a source that is not configured is rejected. Annualization
// applies to remote history only: the local journal is always annualized
// from its own sample spacing.
type Options struct {
	Port          int
	History       HistorySource
	Points        PointSource
	Recorder      RiskRecorder
	Gatherer      prometheus.Gatherer
	DefaultDays   int
	Annualization string
}

// UpdateMessage is the frame pushed to WebSocket clients.
type UpdateMessage struct {
	Type string               `json:"type"`
	Data live.MetricsSnapshot `json:"data"`
}

// RiskResponse is the body of GET /api/risk.
type RiskResponse struct {
	Source         string    `json:"source"`
	Coin           string    `json:"coin,omitempty"`
	Days           int       `json:"days"`
	Points         int       `json:"points"`
	PeriodsPerYear float64   `json:"periods_per_year"`
	ComputedAt     time.Time `json:"computed_at"`
	risk.Metrics
}

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Dashboard is the HTTP and WebSocket server.
type Dashboard struct {
	source   SnapshotSource
	opts     Options
	recorder RiskRecorder
	router   *mux.Router
	server   *http.Server
	upgrader websocket.Upgrader
	now      func() time.Time

	clients   map[*client]bool
	clientsMu sync.RWMutex

	listener    net.Listener
	stopChannel chan struct{}
	wg          sync.WaitGroup
	isRunning   bool
	mu          sync.RWMutex
}

// New creates a dashboard for source. Nothing listens until Start.
func New(source SnapshotSource, opts Options) *Dashboard {
	if opts.DefaultDays <= 0 {
		opts.DefaultDays = common.DefaultHistoryDays
	}
	if opts.Annualization == "" {
		opts.Annualization = common.DefaultAnnualization
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}
	recorder := opts.Recorder
	if recorder == nil {
		recorder = noopRiskRecorder{}
	}

	d := &Dashboard{
		source:   source,
		opts:     opts,
		recorder: recorder,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		now:      time.Now,
		clients:  make(map[*client]bool),
	}

	r := mux.NewRouter()
	r.HandleFunc("/health", d.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})).Methods("GET")
	r.HandleFunc("/api/snapshot", d.handleSnapshot).Methods("GET")
	r.HandleFunc("/api/state", d.handleState).Methods("GET")
	r.HandleFunc("/api/risk", d.handleRisk).Methods("GET")
	r.HandleFunc("/ws", d.handleWebSocket).Methods("GET")
	d.router = r

	d.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", opts.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return d
}

// Handler returns the router.
func (d *Dashboard) Handler() http.Handler { return d.router }

// Addr returns the bound address once started.
func (d *Dashboard) Addr() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.listener == nil {
		return d.server.Addr
	}
	return d.listener.Addr().String()
}

// Start binds the port, then serves and broadcasts in the background.
func (d *Dashboard) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isRunning {
		return fmt.Errorf("dashboard is already running")
	}

	ln, err := net.Listen("tcp", d.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.server.Addr, err)
	}
	d.listener = ln
	stop := make(chan struct{})
	d.stopChannel = stop

	updates, unsubscribe := d.source.Subscribe(16)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer unsubscribe()
		d.clientBroadcaster(updates, stop)
	}()

	go func() {
		log.Info().Str("address", ln.Addr().String()).Msg("Starting dashboard server")
		if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Dashboard server failed")
		}
	}()

	d.isRunning = true
	return nil
}

// Stop closes client connections and shuts the server down.
func (d *Dashboard) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.isRunning {
		return nil
	}

	close(d.stopChannel)
	d.wg.Wait()

	d.clientsMu.Lock()
	for c := range d.clients {
		c.conn.Close()
	}
	d.clients = make(map[*client]bool)
	d.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d.isRunning = false
	if err := d.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown dashboard server")
		return err
	}

	log.Info().Msg("Dashboard stopped")
	return nil
}

// clientBroadcaster forwards every live snapshot to connected clients until
// stop is closed or the source ends the subscription.
func (d *Dashboard) clientBroadcaster(updates <-chan live.MetricsSnapshot, stop <-chan struct{}) {
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return
			}
			d.broadcastToClients(snap)
		case <-stop:
			return
		}
	}
}

func (d *Dashboard) broadcastToClients(snap live.MetricsSnapshot) {
	data, err := json.Marshal(UpdateMessage{Type: common.MessagePortfolioUpdate, Data: snap})
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal snapshot for broadcast")
		return
	}

	d.clientsMu.RLock()
	targets := make([]*client, 0, len(d.clients))
	for c := range d.clients {
		targets = append(targets, c)
	}
	d.clientsMu.RUnlock()

	for _, c := range targets {
		if err := c.write(data); err != nil {
			log.Warn().Err(err).Msg("Failed to send message to WebSocket client")
			d.removeClient(c)
		}
	}
}

func (d *Dashboard) removeClient(c *client) {
	d.clientsMu.Lock()
	if d.clients[c] {
		delete(d.clients, c)
		c.conn.Close()
	}
	d.clientsMu.Unlock()
}

func (d *Dashboard) clientCount() int {
	d.clientsMu.RLock()
	defer d.clientsMu.RUnlock()
	return len(d.clients)
}

func (d *Dashboard) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"stream": d.source.State().String(),
	})
}

func (d *Dashboard) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, ok := d.source.Snapshot()
	if !ok {
		writeError(w, http.StatusNotFound, "no portfolio update received yet")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d *Dashboard) handleState(w http.ResponseWriter, r *http.Request) {
	snap, ok := d.source.Snapshot()
	body := struct {
		State       string     `json:"state"`
		HasSnapshot bool       `json:"has_snapshot"`
		LastUpdate  *time.Time `json:"last_update,omitempty"`
		Clients     int        `json:"clients"`
	}{
		State:       d.source.State().String(),
		HasSnapshot: ok,
		Clients:     d.clientCount(),
	}
	if ok {
		body.LastUpdate = &snap.ReceivedAt
	}
	writeJSON(w, http.StatusOK, body)
}

func (d *Dashboard) handleRisk(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	days := d.opts.DefaultDays
	if v := q.Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxRiskDays {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid days %q", v))
			return
		}
		days = n
	}

	source := q.Get("source")
	if source == "" {
		source = SourceRemote
		if d.opts.History == nil {
			source = SourceLocal
		}
	}

	coin := strings.ToUpper(strings.TrimSpace(q.Get("coin")))

	points, status, err := d.loadPoints(r.Context(), source, coin, days)
	if err != nil {
		log.Warn().Err(err).Str("source", source).Str("coin", coin).Int("days", days).Msg("Risk request failed")
		writeError(w, status, err.Error())
		return
	}

	mode := d.opts.Annualization
	if source == SourceLocal {
		mode = common.AnnualizationInferred
	}
	calc := risk.CalculatorFor(mode, points)
	metrics := calc.Calculate(points)
	// the gauges track the whole portfolio
	if coin == "" {
		d.recorder.RiskSet(metrics.Volatility, metrics.Sharpe)
	}

	writeJSON(w, http.StatusOK, RiskResponse{
		Source:         source,
		Coin:           coin,
		Days:           days,
		Points:         len(points),
		PeriodsPerYear: calc.PeriodsPerYear,
		ComputedAt:     d.now().UTC(),
		Metrics:        metrics,
	})
}

func (d *Dashboard) loadPoints(ctx context.Context, source, coin string, days int) ([]risk.HistoricalPoint, int, error) {
	if coin != "" && source != SourceRemote {
		return nil, http.StatusBadRequest, fmt.Errorf("coin history is only served by the remote source")
	}

	switch source {
	case SourceRemote:
		if d.opts.History == nil {
			return nil, http.StatusServiceUnavailable, fmt.Errorf("remote history is not configured")
		}
		if !history.ValidDays(days) {
			return nil, http.StatusBadRequest, fmt.Errorf("remote history supports days in %v", history.Ranges)
		}
		var points []risk.HistoricalPoint
		var err error
		if coin != "" {
			points, err = d.opts.History.PortfolioCoinHistory(ctx, coin, days)
		} else {
			points, err = d.opts.History.PortfolioHistory(ctx, days)
		}
		if err != nil {
			return nil, http.StatusBadGateway, fmt.Errorf("fetch history: %w", err)
		}
		return points, http.StatusOK, nil
	case SourceLocal:
		if d.opts.Points == nil {
			return nil, http.StatusServiceUnavailable, fmt.Errorf("local journal is not configured")
		}
		end := d.now()
		points, err := d.opts.Points.GetPoints(common.SeriesPortfolio, end.AddDate(0, 0, -days), end)
		if err != nil {
			return nil, http.StatusInternalServerError, fmt.Errorf("read journal: %w", err)
		}
		return points, http.StatusOK, nil
	default:
		return nil, http.StatusBadRequest, fmt.Errorf("unknown source %q", source)
	}
}

// handleWebSocket registers a client, sends it the current snapshot and keeps
// it until the client goes away.
func (d *Dashboard) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	c := &client{conn: conn}
	d.clientsMu.Lock()
	d.clients[c] = true
	d.clientsMu.Unlock()
	defer d.removeClient(c)

	if snap, ok := d.source.Snapshot(); ok {
		if data, err := json.Marshal(UpdateMessage{Type: common.MessagePortfolioUpdate, Data: snap}); err == nil {
			if err := c.write(data); err != nil {
				return
			}
		}
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
