package hub

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"marketpipe/internal/types"
)

var ErrNotFound = errors.New("not found")

// Store is the hub's in-memory market-data cache: the latest tick per
// instrument and a bounded, time-ordered window of finalized candles per
// (instrument, timeframe). It serializes writes internally; readers never
// observe a partially applied update.
type Store struct {
	mu        sync.RWMutex
	latest    map[string]types.Tick
	windows   map[windowKey]*candleWindow
	retention int

	ticksReceived   int64
	candlesReceived int64
	startedAt       time.Time
}

type windowKey struct {
	instrument string
	timeframe  types.Timeframe
}

// candleWindow holds candles in ascending StartTS order with no duplicate
// keys. Oldest entries are evicted silently once capacity is exceeded.
type candleWindow struct {
	candles []types.Candle
	maxSize int
}

func NewStore(retention int) *Store {
	if retention <= 0 {
		retention = 500
	}
	return &Store{
		latest:    make(map[string]types.Tick),
		windows:   make(map[windowKey]*candleWindow),
		retention: retention,
		startedAt: time.Now(),
	}
}

// PutTick overwrites the latest tick for the instrument unconditionally.
func (s *Store) PutTick(tick types.Tick) error {
	if !tick.Valid() {
		return fmt.Errorf("malformed tick for %q", tick.Instrument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest[tick.Instrument] = tick
	s.ticksReceived++
	return nil
}

// PutCandle upserts a candle keyed by (instrument, timeframe, start_ts).
// Same source: last write wins. Across sources the existing value wins, so
// backfill never replaces a live-finalized candle and a late live candle
// never replaces an already-backfilled slot.
func (s *Store) PutCandle(candle types.Candle) error {
	if candle.Instrument == "" || candle.Timeframe == "" || candle.StartTS == 0 {
		return fmt.Errorf("malformed candle %s/%s@%d", candle.Instrument, candle.Timeframe, candle.StartTS)
	}
	if _, err := candle.Timeframe.Duration(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := windowKey{instrument: candle.Instrument, timeframe: candle.Timeframe}
	w, ok := s.windows[key]
	if !ok {
		w = &candleWindow{maxSize: s.retention}
		s.windows[key] = w
	}
	w.upsert(candle)
	s.candlesReceived++
	return nil
}

// LatestTick returns the most recent tick for the instrument.
func (s *Store) LatestTick(instrument string) (types.Tick, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tick, ok := s.latest[instrument]
	if !ok {
		return types.Tick{}, fmt.Errorf("no tick for %s: %w", instrument, ErrNotFound)
	}
	return tick, nil
}

// Candles returns the most recent count candles in ascending time order,
// fewer if the window holds less.
func (s *Store) Candles(instrument string, timeframe types.Timeframe, count int) []types.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.windows[windowKey{instrument: instrument, timeframe: timeframe}]
	if !ok || count <= 0 {
		return nil
	}

	cs := w.candles
	if len(cs) > count {
		cs = cs[len(cs)-count:]
	}
	out := make([]types.Candle, len(cs))
	copy(out, cs)
	return out
}

// Status returns the aggregate counters. The connected-client count is owned
// by the transport layer and passed in.
func (s *Store) Status(clientCount int) types.HubStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return types.HubStatus{
		TicksReceived:   s.ticksReceived,
		CandlesReceived: s.candlesReceived,
		ClientCount:     clientCount,
		UptimeSeconds:   int64(time.Since(s.startedAt).Seconds()),
	}
}

func (w *candleWindow) upsert(candle types.Candle) {
	i := sort.Search(len(w.candles), func(i int) bool {
		return w.candles[i].StartTS >= candle.StartTS
	})

	if i < len(w.candles) && w.candles[i].StartTS == candle.StartTS {
		existing := w.candles[i]
		if existing.Source == candle.Source {
			w.candles[i] = candle // same source: last committed wins
		}
		// Different source: the first finalized value stays.
		return
	}

	w.candles = append(w.candles, types.Candle{})
	copy(w.candles[i+1:], w.candles[i:])
	w.candles[i] = candle

	if len(w.candles) > w.maxSize {
		w.candles = w.candles[len(w.candles)-w.maxSize:]
	}
}
