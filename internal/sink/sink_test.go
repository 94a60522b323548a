package sink

import (
	"context"
	"sync"
	"testing"
	"time"

	"marketpipe/internal/logger"
	"marketpipe/internal/types"
)

func init() {
	logger.InitWithConfig(logger.LogConfig{Level: "ERROR", Format: "text", TracingEnabled: false})
}

type fakeStore struct {
	mu      sync.Mutex
	batches [][]types.Candle
	ticks   []types.Tick
}

func (s *fakeStore) WriteCandles(ctx context.Context, candles []types.Candle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]types.Candle{}, candles...))
	return nil
}

func (s *fakeStore) WriteTick(ctx context.Context, tick types.Tick) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ticks = append(s.ticks, tick)
	return nil
}

func (s *fakeStore) batchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.batches)
}

func (s *fakeStore) totalCandles() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func candleAt(startTS int64) types.Candle {
	return types.Candle{
		Instrument: "EUR_USD", Timeframe: "1m",
		StartTS: startTS, EndTS: startTS + 60,
		Open: 1.1, High: 1.1, Low: 1.1, Close: 1.1,
		Source: types.SourceLive,
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition never became true")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSinkBatchesBySize(t *testing.T) {
	store := &fakeStore{}
	s := New(store, 5, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := int64(0); i < 10; i++ {
		s.PutCandle(candleAt(i * 60))
	}

	waitFor(t, func() bool { return store.totalCandles() == 10 })
	if store.batchCount() != 2 {
		t.Errorf("expected 2 full batches of 5, got %d batches", store.batchCount())
	}
}

func TestSinkFlushesByAge(t *testing.T) {
	store := &fakeStore{}
	s := New(store, 100, 100, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.PutCandle(candleAt(60))

	// Well under the batch size, so only the ticker can flush it.
	waitFor(t, func() bool { return store.totalCandles() == 1 })
}

func TestSinkFlushesOnShutdown(t *testing.T) {
	store := &fakeStore{}
	s := New(store, 100, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	for i := int64(0); i < 3; i++ {
		s.PutCandle(candleAt(i * 60))
	}
	time.Sleep(20 * time.Millisecond)
	cancel()

	<-done
	if store.totalCandles() != 3 {
		t.Errorf("expected all 3 candles flushed on shutdown, got %d", store.totalCandles())
	}
}

func TestSinkDropsWhenQueueFull(t *testing.T) {
	// No consumer running, queue depth 2.
	s := New(&fakeStore{}, 100, 2, time.Hour)

	for i := int64(0); i < 5; i++ {
		s.PutCandle(candleAt(i * 60))
	}

	if s.Dropped() != 3 {
		t.Errorf("expected 3 dropped writes, got %d", s.Dropped())
	}
}

func TestSinkWritesTicks(t *testing.T) {
	store := &fakeStore{}
	s := New(store, 100, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.PutTick(types.Tick{Instrument: "EUR_USD", Bid: 1.1, Ask: 1.1002, Time: time.Now()})

	waitFor(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.ticks) == 1
	})
}
