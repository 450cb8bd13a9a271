// Package history fetches portfolio and coin value history from the
// portfolio backend's REST API.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"portfolio-pulse/internal/common"
	"portfolio-pulse/internal/risk"

	"github.com/go-resty/resty/v2"
)

const (
	portfolioHistoryPath = "/api/portfolio/history/"
	coinHistoryPath      = "/api/price/coin-history/{coin}/"
)

// ErrUnauthorized is returned when the backend rejects the bearer token.
var ErrUnauthorized = errors.New("history: unauthorized")

// Ranges are the history windows, in days, the backend serves.
var Ranges = []int{7, 30, 90, 180, 365}

// ValidDays reports whether days is one of Ranges.
func ValidDays(days int) bool {
	for _, d := range Ranges {
		if d == days {
			return true
		}
	}
	return false
}

// Recorder receives request outcomes. It is satisfied by metrics.MetricsWrapper.
type Recorder interface {
	HistoryFetchErrorsInc()
	HistoryFetchDurationObserve(d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) HistoryFetchErrorsInc()                    {}
func (noopRecorder) HistoryFetchDurationObserve(time.Duration) {}

type Client struct {
	rest    *resty.Client
	metrics Recorder
}

func NewClient(base, token string, timeout time.Duration, m Recorder) *Client {
	r := resty.New().SetBaseURL(strings.TrimRight(base, "/"))
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(common.DefaultRESTTimeout)
	}
	if token != "" {
		r.SetAuthToken(token)
	}
	r.SetHeader("Accept", "application/json")
	if m == nil {
		m = noopRecorder{}
	}
	return &Client{rest: r, metrics: m}
}

type historyResponse struct {
	History []risk.HistoricalPoint `json:"history"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// PortfolioHistory returns the total portfolio value over the last days days,
// ascending by date.
func (c *Client) PortfolioHistory(ctx context.Context, days int) ([]risk.HistoricalPoint, error) {
	if !ValidDays(days) {
		return nil, fmt.Errorf("unsupported history range %d days", days)
	}
	return c.get(ctx, portfolioHistoryPath, map[string]string{"days": strconv.Itoa(days)}, nil)
}

// PortfolioCoinHistory returns the value held in one coin over the last days days.
func (c *Client) PortfolioCoinHistory(ctx context.Context, coin string, days int) ([]risk.HistoricalPoint, error) {
	if coin == "" {
		return nil, fmt.Errorf("coin is required")
	}
	if !ValidDays(days) {
		return nil, fmt.Errorf("unsupported history range %d days", days)
	}
	params := map[string]string{
		"days": strconv.Itoa(days),
		"coin": strings.ToUpper(coin),
	}
	return c.get(ctx, portfolioHistoryPath, params, nil)
}

// CoinOption adds optional query parameters to CoinHistory.
type CoinOption func(params map[string]string)

// WithPurchase anchors the history at a purchase price and time.
func WithPurchase(price float64, at time.Time) CoinOption {
	return func(params map[string]string) {
		params["purchase_price"] = strconv.FormatFloat(price, 'f', -1, 64)
		params["purchase_date"] = strconv.FormatInt(at.UnixMilli(), 10)
	}
}

// CoinHistory returns the value of amount units of coin over the last days
// days, ascending by date.
func (c *Client) CoinHistory(ctx context.Context, coin string, amount float64, days int, opts ...CoinOption) ([]risk.HistoricalPoint, error) {
	if coin == "" {
		return nil, fmt.Errorf("coin is required")
	}
	if days <= 0 {
		return nil, fmt.Errorf("days must be positive, got %d", days)
	}
	params := map[string]string{
		"amount": strconv.FormatFloat(amount, 'f', -1, 64),
		"days":   strconv.Itoa(days),
	}
	for _, opt := range opts {
		opt(params)
	}
	return c.get(ctx, coinHistoryPath, params, map[string]string{"coin": strings.ToUpper(coin)})
}

func (c *Client) get(ctx context.Context, path string, query, pathParams map[string]string) ([]risk.HistoricalPoint, error) {
	start := time.Now()
	defer func() { c.metrics.HistoryFetchDurationObserve(time.Since(start)) }()

	resp, err := c.rest.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetPathParams(pathParams).
		Get(path)
	if err != nil {
		c.metrics.HistoryFetchErrorsInc()
		return nil, fmt.Errorf("request failed: %w", err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden:
		c.metrics.HistoryFetchErrorsInc()
		return nil, fmt.Errorf("%w: status %d", ErrUnauthorized, resp.StatusCode())
	case !resp.IsSuccess():
		c.metrics.HistoryFetchErrorsInc()
		return nil, fmt.Errorf("API error: status %d, body: %s", resp.StatusCode(), errorMessage(resp.Body()))
	}

	var result historyResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		c.metrics.HistoryFetchErrorsInc()
		return nil, fmt.Errorf("decode history: %w", err)
	}
	if result.History == nil {
		c.metrics.HistoryFetchErrorsInc()
		return nil, fmt.Errorf("decode history: response has no history field")
	}

	points := result.History
	sort.SliceStable(points, func(i, j int) bool { return points[i].Date.Before(points[j].Date) })
	return points, nil
}

func errorMessage(body []byte) string {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err == nil {
		if e.Error != "" {
			return e.Error
		}
		if e.Detail != "" {
			return e.Detail
		}
	}
	return string(body)
}
