package live

import (
	"encoding/json"
	"fmt"
	"time"

	"portfolio-pulse/internal/common"
)

// ConnectionState is the lifecycle state of the live connection.
type ConnectionState int32

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("unknown(%d)", int32(s))
	}
}

// MetricsSnapshot is the latest aggregate portfolio figures pushed by the backend.
type MetricsSnapshot struct {
	TotalValue           float64                       `json:"total_value"`
	TotalCost            float64                       `json:"total_cost"`
	TotalPnLAbsolute     float64                       `json:"total_pnl_absolute"`
	TotalPnLPercentage   float64                       `json:"total_pnl_percentage"`
	Allocation           map[string]float64            `json:"allocation,omitempty"`
	ExchangeDistribution map[string]float64            `json:"exchange_distribution,omitempty"`
	PnL                  map[string]map[string]float64 `json:"pnl,omitempty"`
	ReceivedAt           time.Time                     `json:"received_at"`
}

// Message is a tagged frame received over the live connection.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// EndpointURL builds the portfolio stream address for host (host[:port]).
func EndpointURL(host string, secure bool) string {
	scheme := "ws"
	if secure {
		scheme = "wss"
	}
	return scheme + "://" + host + common.PortfolioPath
}

// ParseMessage decodes a frame. ok is false for well-formed frames of any type
// other than portfolio_update; err is set for frames that cannot be decoded.
func ParseMessage(frame []byte) (snap MetricsSnapshot, ok bool, err error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return MetricsSnapshot{}, false, fmt.Errorf("decode frame: %w", err)
	}
	if msg.Type != common.MessagePortfolioUpdate {
		return MetricsSnapshot{}, false, nil
	}
	if len(msg.Data) == 0 || string(msg.Data) == "null" {
		return MetricsSnapshot{}, false, fmt.Errorf("portfolio_update without data")
	}

	var w wireSnapshot
	if err := json.Unmarshal(msg.Data, &w); err != nil {
		return MetricsSnapshot{}, false, fmt.Errorf("decode portfolio_update data: %w", err)
	}
	// breakdowns are best effort; a shape change there must not drop the totals
	snap = MetricsSnapshot{
		TotalValue:           w.TotalValue,
		TotalCost:            w.TotalCost,
		TotalPnLAbsolute:     w.TotalPnLAbsolute,
		TotalPnLPercentage:   w.TotalPnLPercentage,
		Allocation:           decodeOptional[map[string]float64](w.Allocation),
		ExchangeDistribution: decodeOptional[map[string]float64](w.ExchangeDistribution),
		PnL:                  decodeOptional[map[string]map[string]float64](w.PnL),
	}
	return snap, true, nil
}

func decodeOptional[T any](raw json.RawMessage) T {
	var v T
	if len(raw) == 0 {
		return v
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		var zero T
		return zero
	}
	return v
}

type wireSnapshot struct {
	TotalValue           float64         `json:"total_value"`
	TotalCost            float64         `json:"total_cost"`
	TotalPnLAbsolute     float64         `json:"total_pnl_absolute"`
	TotalPnLPercentage   float64         `json:"total_pnl_percentage"`
	Allocation           json.RawMessage `json:"allocation"`
	ExchangeDistribution json.RawMessage `json:"exchange_distribution"`
	PnL                  json.RawMessage `json:"pnl"`
}
