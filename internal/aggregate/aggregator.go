package aggregate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"marketpipe/internal/logger"
	"marketpipe/internal/types"
)

// CandleWriter receives finalized candles. Satisfied by the hub client and
// by the buffered hub writer in the ingest package.
type CandleWriter interface {
	PutCandle(candle types.Candle) error
}

// Aggregator folds ticks into forming candles, one per (instrument,
// timeframe), and emits a finalized candle whenever an interval boundary is
// crossed. Boundaries come from wall-clock time, not tick arrival: an
// interval with zero ticks still closes, producing a synthetic flat candle
// carrying the prior close. The boundary clock only runs while streaming, so
// outages leave genuine gaps for the reconciler instead of fabricated flats.
type Aggregator struct {
	writer     CandleWriter
	timeframes map[types.Timeframe]time.Duration

	mu      sync.Mutex
	forming map[seriesKey]*formingCandle
	series  map[seriesKey]*seriesState
}

type seriesKey struct {
	instrument string
	timeframe  types.Timeframe
}

// formingCandle is the mutable per-interval accumulator. It is destroyed the
// instant it is finalized.
type formingCandle struct {
	start     time.Time
	open      float64
	high      float64
	low       float64
	close     float64
	tickCount int
}

// seriesState tracks where the next candle is expected to start and the last
// finalized close, which seeds synthetic flat candles.
type seriesState struct {
	nextStart time.Time
	lastClose float64
}

func New(writer CandleWriter, timeframes []types.Timeframe) (*Aggregator, error) {
	if len(timeframes) == 0 {
		return nil, fmt.Errorf("at least one timeframe is required")
	}

	tfs := make(map[types.Timeframe]time.Duration, len(timeframes))
	for _, tf := range timeframes {
		d, err := tf.Duration()
		if err != nil {
			return nil, err
		}
		tfs[tf] = d
	}

	return &Aggregator{
		writer:     writer,
		timeframes: tfs,
		forming:    make(map[seriesKey]*formingCandle),
		series:     make(map[seriesKey]*seriesState),
	}, nil
}

// OnTick folds a tick into the forming candle of every tracked timeframe.
// Ticks older than the forming candle's start are dropped here; the caller
// still forwards them to put_tick for latest-price purposes.
func (a *Aggregator) OnTick(ctx context.Context, tick types.Tick) error {
	mid := tick.Mid()

	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for tf, d := range a.timeframes {
		key := seriesKey{instrument: tick.Instrument, timeframe: tf}
		bucket := tick.Time.UTC().Truncate(d)

		f := a.forming[key]
		if f != nil {
			switch {
			case bucket.Equal(f.start):
				if mid > f.high {
					f.high = mid
				}
				if mid < f.low {
					f.low = mid
				}
				f.close = mid
				f.tickCount++
				continue
			case bucket.Before(f.start):
				logger.Debug(ctx, "Dropping out-of-order tick",
					"instrument", tick.Instrument, "timeframe", string(tf),
					"tick_time", tick.Time, "forming_start", f.start)
				continue
			default:
				if err := a.finalizeLocked(key, d, f); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		} else if st := a.series[key]; st != nil && bucket.Before(st.nextStart) {
			// Late tick for an interval that already closed.
			logger.Debug(ctx, "Dropping out-of-order tick",
				"instrument", tick.Instrument, "timeframe", string(tf),
				"tick_time", tick.Time)
			continue
		}

		if err := a.fillEmptyIntervalsLocked(key, d, bucket); err != nil && firstErr == nil {
			firstErr = err
		}

		a.forming[key] = &formingCandle{
			start:     bucket,
			open:      mid,
			high:      mid,
			low:       mid,
			close:     mid,
			tickCount: 1,
		}
	}

	return firstErr
}

// FlushBoundaries finalizes every forming candle whose interval ended before
// now and emits synthetic flat candles for elapsed zero-tick intervals. The
// supervisor calls this on a short ticker while the connection is streaming.
func (a *Aggregator) FlushBoundaries(ctx context.Context, now time.Time) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var firstErr error
	for key, f := range a.forming {
		d := a.timeframes[key.timeframe]
		if !now.UTC().Truncate(d).After(f.start) {
			continue
		}
		if err := a.finalizeLocked(key, d, f); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for key, st := range a.series {
		if a.forming[key] != nil || st.nextStart.IsZero() {
			continue
		}
		d := a.timeframes[key.timeframe]
		cur := now.UTC().Truncate(d)
		if err := a.fillEmptyIntervalsLocked(key, d, cur); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// Reset drops all forming state and synthetic-candle cursors. Called on
// disconnect so an outage window stays empty until the reconciler repairs it
// from the historical source.
func (a *Aggregator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.forming = make(map[seriesKey]*formingCandle)
	a.series = make(map[seriesKey]*seriesState)
}

func (a *Aggregator) finalizeLocked(key seriesKey, d time.Duration, f *formingCandle) error {
	candle := types.Candle{
		Instrument: key.instrument,
		Timeframe:  key.timeframe,
		StartTS:    f.start.Unix(),
		EndTS:      f.start.Add(d).Unix(),
		Open:       f.open,
		High:       f.high,
		Low:        f.low,
		Close:      f.close,
		TickCount:  f.tickCount,
		Volume:     float64(f.tickCount), // tick volume
		Source:     types.SourceLive,
	}

	st := a.series[key]
	if st == nil {
		st = &seriesState{}
		a.series[key] = st
	}
	st.nextStart = f.start.Add(d)
	st.lastClose = f.close
	delete(a.forming, key)

	return a.writer.PutCandle(candle)
}

// fillEmptyIntervalsLocked emits flat candles for every fully elapsed
// interval between the series cursor and until (exclusive).
func (a *Aggregator) fillEmptyIntervalsLocked(key seriesKey, d time.Duration, until time.Time) error {
	st := a.series[key]
	if st == nil || st.nextStart.IsZero() {
		return nil
	}

	var firstErr error
	for st.nextStart.Before(until) {
		candle := types.Candle{
			Instrument: key.instrument,
			Timeframe:  key.timeframe,
			StartTS:    st.nextStart.Unix(),
			EndTS:      st.nextStart.Add(d).Unix(),
			Open:       st.lastClose,
			High:       st.lastClose,
			Low:        st.lastClose,
			Close:      st.lastClose,
			TickCount:  0,
			Volume:     0,
			Source:     types.SourceLive,
		}
		if err := a.writer.PutCandle(candle); err != nil && firstErr == nil {
			firstErr = err
		}
		st.nextStart = st.nextStart.Add(d)
	}
	return firstErr
}
