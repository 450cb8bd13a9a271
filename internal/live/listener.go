// Package live keeps a persistent WebSocket connection to the portfolio
// backend and republishes every portfolio_update it receives.
//
// A closed connection, whatever the cause, is retried after a fixed delay
// with no backoff growth and no retry limit. The reconnect timer and the
// active connection are owned by the listener loop and released on teardown,
// so no dial can happen once Close has returned.
package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"portfolio-pulse/internal/common"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const writeWait = 10 * time.Second

// MetricsRecorder receives listener events. It is satisfied by
// metrics.MetricsWrapper.
type MetricsRecorder interface {
	WSReconnectsInc()
	PortfolioUpdatesInc()
	MessagesDiscardedInc()
	ConnectionStateSet(v float64)
	PortfolioSnapshotSet(totalValue, pnlPercentage float64)
}

type noopMetrics struct{}

func (noopMetrics) WSReconnectsInc()                      {}
func (noopMetrics) PortfolioUpdatesInc()                  {}
func (noopMetrics) MessagesDiscardedInc()                 {}
func (noopMetrics) ConnectionStateSet(float64)            {}
func (noopMetrics) PortfolioSnapshotSet(float64, float64) {}

// timerFunc arms a one-shot timer and returns its channel and stop function.
type timerFunc func(d time.Duration) (<-chan time.Time, func() bool)

func realTimer(d time.Duration) (<-chan time.Time, func() bool) {
	t := time.NewTimer(d)
	return t.C, t.Stop
}

type frame struct {
	connID string
	data   []byte
}

// Listener follows the live portfolio stream.
type Listener struct {
	url            string
	header         http.Header
	dialer         Dialer
	reconnectDelay time.Duration
	connectTimeout time.Duration
	idleTimeout    time.Duration
	ping           time.Duration
	metrics        MetricsRecorder
	newTimer       timerFunc
	now            func() time.Time

	mu       sync.RWMutex
	state    ConnectionState
	snapshot *MetricsSnapshot
	connID   string

	subsMu     sync.Mutex
	subs       map[int]chan MetricsSnapshot
	nextSub    int
	subsClosed bool

	started atomic.Bool
	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a Listener.
type Option func(*Listener)

func WithDialer(d Dialer) Option { return func(l *Listener) { l.dialer = d } }

func WithReconnectDelay(d time.Duration) Option { return func(l *Listener) { l.reconnectDelay = d } }

func WithConnectTimeout(d time.Duration) Option { return func(l *Listener) { l.connectTimeout = d } }

// WithIdleTimeout closes the connection when no frame arrives within d.
func WithIdleTimeout(d time.Duration) Option { return func(l *Listener) { l.idleTimeout = d } }

// WithPingInterval sends keep-alive pings every d; zero disables them.
func WithPingInterval(d time.Duration) Option { return func(l *Listener) { l.ping = d } }

// WithAuthToken sends token as a bearer Authorization header on the handshake.
func WithAuthToken(token string) Option {
	return func(l *Listener) {
		if token != "" {
			l.header.Set("Authorization", "Bearer "+token)
		}
	}
}

func WithMetrics(m MetricsRecorder) Option {
	return func(l *Listener) {
		if m != nil {
			l.metrics = m
		}
	}
}

func withTimer(f timerFunc) Option { return func(l *Listener) { l.newTimer = f } }

// NewListener creates a listener for url. Nothing is dialed until Run or Start.
func NewListener(url string, opts ...Option) *Listener {
	l := &Listener{
		url:            url,
		header:         http.Header{},
		reconnectDelay: common.DefaultReconnectDelay,
		connectTimeout: common.DefaultConnectTimeout,
		idleTimeout:    common.DefaultIdleTimeout,
		metrics:        noopMetrics{},
		newTimer:       realTimer,
		now:            time.Now,
		subs:           make(map[int]chan MetricsSnapshot),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.dialer == nil {
		l.dialer = &WSDialer{IdleTimeout: l.idleTimeout}
	}
	return l
}

// URL returns the stream address.
func (l *Listener) URL() string { return l.url }

// State returns the current connection state.
func (l *Listener) State() ConnectionState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// Snapshot returns the latest snapshot and whether one has been received.
// The maps inside the snapshot are shared and must not be modified.
func (l *Listener) Snapshot() (MetricsSnapshot, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.snapshot == nil {
		return MetricsSnapshot{}, false
	}
	return *l.snapshot, true
}

// Subscribe returns a channel receiving every new snapshot, and a function
// that cancels the subscription. Updates are dropped for a subscriber whose
// buffer is full. The channel is closed on unsubscribe or listener teardown.
func (l *Listener) Subscribe(buffer int) (<-chan MetricsSnapshot, func()) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan MetricsSnapshot, buffer)

	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	if l.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch

	return ch, func() {
		l.subsMu.Lock()
		defer l.subsMu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}
}

// Start runs the listener in the background until ctx is done or Close is called.
func (l *Listener) Start(ctx context.Context) {
	l.runMu.Lock()
	defer l.runMu.Unlock()
	if l.done != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Portfolio stream listener stopped")
		}
	}()
}

// Close tears the listener down: the active connection is closed, a pending
// reconnect is cancelled, and Close waits for the loop to exit.
func (l *Listener) Close() {
	l.runMu.Lock()
	cancel, done := l.cancel, l.done
	l.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run connects and reconnects until ctx is done. It returns ctx.Err().
// A Listener can be run only once.
func (l *Listener) Run(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return fmt.Errorf("listener already started")
	}
	defer l.teardown()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := l.session(ctx)
		l.setState(Disconnected)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		log.Warn().Err(err).Dur("delay", l.reconnectDelay).Str("url", l.url).Msg("Portfolio stream closed, reconnecting after fixed delay")

		fire, stop := l.newTimer(l.reconnectDelay)
		select {
		case <-ctx.Done():
			stop()
			return ctx.Err()
		case <-fire:
		}
		l.metrics.WSReconnectsInc()
	}
}

// session runs one connection until it closes. It always returns a non-nil error.
func (l *Listener) session(ctx context.Context) error {
	l.setState(Connecting)
	log.Info().Str("url", l.url).Msg("Establishing portfolio stream connection")

	dialCtx, cancel := context.WithTimeout(ctx, l.connectTimeout)
	conn, err := l.dialer.Dial(dialCtx, l.url, l.header.Clone())
	cancel()
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	id := uuid.NewString()
	l.mu.Lock()
	l.connID = id
	l.mu.Unlock()
	l.setState(Connected)
	log.Info().Str("conn_id", id).Msg("Portfolio stream connected")

	done := make(chan struct{})
	frames := make(chan frame)
	readErr := make(chan error, 1)
	go l.readLoop(conn, id, frames, readErr, done)

	defer func() {
		close(done)
		conn.Close()
		l.mu.Lock()
		if l.connID == id {
			l.connID = ""
		}
		l.mu.Unlock()
		log.Debug().Str("conn_id", id).Msg("Portfolio stream connection closed")
	}()

	var pingC <-chan time.Time
	if l.ping > 0 {
		ticker := time.NewTicker(l.ping)
		defer ticker.Stop()
		pingC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f := <-frames:
			l.handleFrame(f)
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return fmt.Errorf("closed by server: %w", err)
			}
			return fmt.Errorf("read message failed: %w", err)
		case <-pingC:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait)); err != nil {
				return fmt.Errorf("ping failed: %w", err)
			}
			log.Debug().Msg("Sent ping to portfolio stream")
		}
	}
}

func (l *Listener) readLoop(conn Conn, id string, frames chan<- frame, readErr chan<- error, done <-chan struct{}) {
	for {
		if l.idleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(l.idleTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr <- err
			return
		}
		select {
		case frames <- frame{connID: id, data: data}:
		case <-done:
			return
		}
	}
}

func (l *Listener) handleFrame(f frame) {
	l.mu.RLock()
	current := l.connID
	l.mu.RUnlock()

	if f.connID != current {
		log.Debug().Str("conn_id", f.connID).Msg("Dropping frame from superseded connection")
		l.metrics.MessagesDiscardedInc()
		return
	}

	snap, ok, err := ParseMessage(f.data)
	if err != nil {
		log.Debug().Err(err).Int("size", len(f.data)).Msg("Discarding malformed frame")
		l.metrics.MessagesDiscardedInc()
		return
	}
	if !ok {
		log.Debug().Int("size", len(f.data)).Msg("Ignoring frame of unknown type")
		l.metrics.MessagesDiscardedInc()
		return
	}

	snap.ReceivedAt = l.now()
	l.mu.Lock()
	l.snapshot = &snap
	l.mu.Unlock()

	l.metrics.PortfolioUpdatesInc()
	l.metrics.PortfolioSnapshotSet(snap.TotalValue, snap.TotalPnLPercentage)
	l.publish(snap)
}

func (l *Listener) publish(snap MetricsSnapshot) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for id, ch := range l.subs {
		select {
		case ch <- snap:
		default:
			log.Warn().Int("subscriber", id).Msg("Subscriber channel full, dropping snapshot")
		}
	}
}

func (l *Listener) setState(s ConnectionState) {
	l.mu.Lock()
	l.state = s
	l.mu.Unlock()
	l.metrics.ConnectionStateSet(float64(s))
}

// teardown releases everything the listener loop owns.
func (l *Listener) teardown() {
	l.setState(Disconnected)

	l.mu.Lock()
	l.snapshot = nil
	l.connID = ""
	l.mu.Unlock()

	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for id, ch := range l.subs {
		delete(l.subs, id)
		close(ch)
	}
	l.subsClosed = true
}
