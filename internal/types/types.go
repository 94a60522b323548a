package types

import (
	"fmt"
	"time"
)

// CandleSource tags where a candle came from, used for upsert conflict
// resolution in the hub: candles from different sources never overwrite
// each other once a slot is filled.
type CandleSource string

const (
	SourceLive     CandleSource = "live"
	SourceBackfill CandleSource = "backfill"
)

// Tick is a single bid/ask quote update. Immutable once created.
type Tick struct {
	Instrument string    `json:"instrument"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Time       time.Time `json:"time"`
}

// Mid returns the bid/ask midpoint.
func (t Tick) Mid() float64 {
	return (t.Bid + t.Ask) / 2
}

// Valid reports whether the tick is well-formed enough to enter the pipeline.
func (t Tick) Valid() bool {
	return t.Instrument != "" && t.Bid > 0 && t.Ask > 0 && t.Ask >= t.Bid && !t.Time.IsZero()
}

// Candle is an OHLCV summary for one interval. Identity key is
// (Instrument, Timeframe, StartTS).
type Candle struct {
	Instrument string       `json:"instrument"`
	Timeframe  Timeframe    `json:"timeframe"`
	StartTS    int64        `json:"start_ts"` // unix seconds, interval-aligned
	EndTS      int64        `json:"end_ts"`
	Open       float64      `json:"open"`
	High       float64      `json:"high"`
	Low        float64      `json:"low"`
	Close      float64      `json:"close"`
	TickCount  int          `json:"tick_count"`
	Volume     float64      `json:"volume"`
	Source     CandleSource `json:"source"`
}

// Timeframe is a fixed candle interval, e.g. "1m", "5m", "1h".
type Timeframe string

var timeframeDurations = map[Timeframe]time.Duration{
	"5s":  5 * time.Second,
	"15s": 15 * time.Second,
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
}

// Duration returns the interval length, or an error for unknown timeframes.
func (tf Timeframe) Duration() (time.Duration, error) {
	d, ok := timeframeDurations[tf]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q", tf)
	}
	return d, nil
}

// Truncate aligns ts down to the timeframe's interval boundary.
func (tf Timeframe) Truncate(ts time.Time) time.Time {
	d, err := tf.Duration()
	if err != nil {
		return ts
	}
	return ts.UTC().Truncate(d)
}

// HubStatus is the aggregate counter snapshot returned by get_status.
type HubStatus struct {
	TicksReceived   int64 `json:"ticks_received"`
	CandlesReceived int64 `json:"candles_received"`
	ClientCount     int   `json:"client_count"`
	UptimeSeconds   int64 `json:"uptime_seconds"`
}
