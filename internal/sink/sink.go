package sink

import (
	"context"
	"sync/atomic"
	"time"

	"marketpipe/internal/logger"
	"marketpipe/internal/types"
)

// Store is the persistence backend. Satisfied by PostgresStore.
type Store interface {
	WriteCandles(ctx context.Context, candles []types.Candle) error
	WriteTick(ctx context.Context, tick types.Tick) error
}

// Sink persists candles and latest ticks off the hot path. Producers enqueue
// without blocking; a full queue drops the write with a warning counter
// rather than stalling ingestion. Candle batches are flushed by size or age,
// whichever comes first.
type Sink struct {
	store      Store
	candles    chan types.Candle
	ticks      chan types.Tick
	batchSize  int
	flushEvery time.Duration

	dropped atomic.Int64
}

func New(store Store, batchSize, queueDepth int, flushEvery time.Duration) *Sink {
	if batchSize <= 0 {
		batchSize = 200
	}
	if queueDepth <= 0 {
		queueDepth = 10000
	}
	if flushEvery <= 0 {
		flushEvery = 2 * time.Second
	}
	return &Sink{
		store:      store,
		candles:    make(chan types.Candle, queueDepth),
		ticks:      make(chan types.Tick, queueDepth),
		batchSize:  batchSize,
		flushEvery: flushEvery,
	}
}

// PutCandle enqueues a candle for persistence, evicting the oldest queued
// candle when full. Never blocks.
func (s *Sink) PutCandle(candle types.Candle) error {
	for {
		select {
		case s.candles <- candle:
			return nil
		default:
		}
		select {
		case <-s.candles:
			s.dropped.Add(1)
		default:
		}
	}
}

// PutTick enqueues a latest-tick update with the same drop-oldest policy.
func (s *Sink) PutTick(tick types.Tick) error {
	for {
		select {
		case s.ticks <- tick:
			return nil
		default:
		}
		select {
		case <-s.ticks:
			s.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many writes were discarded due to a full queue.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Run drains the queues until the context is cancelled, then flushes what
// remains.
func (s *Sink) Run(ctx context.Context) {
	batch := make([]types.Candle, 0, s.batchSize)
	flush := time.NewTicker(s.flushEvery)
	defer flush.Stop()

	var reportedDrops int64

	flushBatch := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.store.WriteCandles(ctx, batch); err != nil {
			logger.ErrorWithErr(ctx, "Candle batch write failed", err, "size", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			s.drain(&batch)
			if len(batch) > 0 {
				// Use a fresh context: the run context is already dead.
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := s.store.WriteCandles(flushCtx, batch); err != nil {
					logger.ErrorWithErr(flushCtx, "Final candle flush failed", err, "size", len(batch))
				}
				cancel()
			}
			return

		case candle := <-s.candles:
			batch = append(batch, candle)
			if len(batch) >= s.batchSize {
				flushBatch()
			}

		case tick := <-s.ticks:
			if err := s.store.WriteTick(ctx, tick); err != nil {
				logger.ErrorWithErr(ctx, "Tick write failed", err, "instrument", tick.Instrument)
			}

		case <-flush.C:
			flushBatch()
			if d := s.dropped.Load(); d > reportedDrops {
				logger.Warn(ctx, "Persistence queue overflowed, oldest writes evicted",
					"dropped", d-reportedDrops, "dropped_total", d)
				reportedDrops = d
			}
		}
	}
}

func (s *Sink) drain(batch *[]types.Candle) {
	for {
		select {
		case candle := <-s.candles:
			*batch = append(*batch, candle)
		default:
			return
		}
	}
}
