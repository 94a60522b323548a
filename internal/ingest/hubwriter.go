package ingest

import (
	"context"
	"sync/atomic"
	"time"

	"marketpipe/internal/logger"
	"marketpipe/internal/types"
)

// HubWriter is the hub-facing write surface. Satisfied by hub.Client.
type HubWriter interface {
	PutTick(tick types.Tick) error
	PutCandle(candle types.Candle) error
}

const writeAttempts = 3

// BufferedWriter decouples the stream read loop from hub round trips. Writes
// are queued and flushed by Run; when a queue is full the oldest entry is
// dropped so a slow or briefly unreachable hub never stalls ingestion. The
// reconciler repairs whatever candles get dropped this way.
type BufferedWriter struct {
	hub     HubWriter
	ticks   chan types.Tick
	candles chan types.Candle

	droppedTicks   atomic.Int64
	droppedCandles atomic.Int64
}

func NewBufferedWriter(hub HubWriter, depth int) *BufferedWriter {
	if depth <= 0 {
		depth = 1024
	}
	return &BufferedWriter{
		hub:     hub,
		ticks:   make(chan types.Tick, depth),
		candles: make(chan types.Candle, depth),
	}
}

// PutTick queues a tick, evicting the oldest queued tick when full. Never
// blocks and never fails.
func (w *BufferedWriter) PutTick(tick types.Tick) error {
	for {
		select {
		case w.ticks <- tick:
			return nil
		default:
		}
		select {
		case <-w.ticks:
			w.droppedTicks.Add(1)
		default:
		}
	}
}

// PutCandle queues a candle with the same drop-oldest policy.
func (w *BufferedWriter) PutCandle(candle types.Candle) error {
	for {
		select {
		case w.candles <- candle:
			return nil
		default:
		}
		select {
		case <-w.candles:
			w.droppedCandles.Add(1)
		default:
		}
	}
}

// Dropped returns how many ticks and candles were evicted unsent.
func (w *BufferedWriter) Dropped() (ticks, candles int64) {
	return w.droppedTicks.Load(), w.droppedCandles.Load()
}

// Run drains the queues until the context is cancelled. Candles take
// priority over ticks: a lost tick only ages the latest price, a lost candle
// leaves a hole in the timeline.
func (w *BufferedWriter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case candle := <-w.candles:
			w.deliver(ctx, "candle", func() error { return w.hub.PutCandle(candle) })
		default:
		}

		select {
		case <-ctx.Done():
			return
		case candle := <-w.candles:
			w.deliver(ctx, "candle", func() error { return w.hub.PutCandle(candle) })
		case tick := <-w.ticks:
			w.deliver(ctx, "tick", func() error { return w.hub.PutTick(tick) })
		}
	}
}

func (w *BufferedWriter) deliver(ctx context.Context, kind string, write func() error) {
	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		if err = write(); err == nil {
			return
		}
		if attempt < writeAttempts {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			}
		}
	}
	logger.ErrorWithErr(ctx, "Giving up on hub write", err, "kind", kind, "attempts", writeAttempts)
}
