package risk

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// HistoricalPoint is one sampled portfolio value.
type HistoricalPoint struct {
	Date  time.Time `json:"date"`
	Value float64   `json:"value"`
}

// numeric dates at or above this are unix milliseconds (year 5138 in seconds)
const msThreshold = 1e11

var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// UnmarshalJSON accepts either a "date" or a "timestamp" key, holding an
// RFC3339 string, a plain date, or unix seconds or milliseconds.
func (p *HistoricalPoint) UnmarshalJSON(data []byte) error {
	var raw struct {
		Date      json.RawMessage `json:"date"`
		Timestamp json.RawMessage `json:"timestamp"`
		Value     json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	ts := raw.Date
	if len(ts) == 0 || string(ts) == "null" {
		ts = raw.Timestamp
	}
	if len(ts) == 0 || string(ts) == "null" {
		return fmt.Errorf("historical point has no date")
	}
	date, err := parseDate(ts)
	if err != nil {
		return err
	}

	value, err := parseValue(raw.Value)
	if err != nil {
		return err
	}

	p.Date = date
	p.Value = value
	return nil
}

func parseDate(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unrecognized date %q", s)
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		return time.Time{}, fmt.Errorf("invalid date %s: %w", string(raw), err)
	}
	// price history endpoints emit milliseconds
	if math.Abs(n) >= msThreshold {
		return time.UnixMilli(int64(n)).UTC(), nil
	}
	whole := int64(n)
	return time.Unix(whole, int64((n-float64(whole))*1e9)).UTC(), nil
}

// parseValue accepts a JSON number or a numeric string; backends serializing
// decimals often emit the latter.
func parseValue(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, fmt.Errorf("historical point has no value")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("invalid value %s: %w", string(raw), err)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse string '%s' as float: %w", s, err)
	}
	return f, nil
}

