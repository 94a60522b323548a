package backfill

import (
	"context"
	"fmt"
	"time"

	"marketpipe/internal/logger"
	"marketpipe/internal/types"
)

// CandleFetcher pulls historical candles from the broker. Satisfied by
// broker.RESTClient.
type CandleFetcher interface {
	Candles(ctx context.Context, instrument string, tf types.Timeframe, from, to time.Time, count int) ([]types.Candle, error)
}

// CandleSink receives repaired candles. Satisfied by the hub client.
type CandleSink interface {
	PutCandle(candle types.Candle) error
}

// Backfiller repairs candle ranges from the broker's historical API. Fetches
// are chunked to the broker's page size and every candle is upserted, so a
// retried or overlapping fill is harmless.
type Backfiller struct {
	fetcher   CandleFetcher
	sink      CandleSink
	batchSize int
}

func New(fetcher CandleFetcher, sink CandleSink, batchSize int) *Backfiller {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Backfiller{fetcher: fetcher, sink: sink, batchSize: batchSize}
}

// Fill fetches and stores candles covering [from, to), returning the number
// of candles written.
func (b *Backfiller) Fill(ctx context.Context, instrument string, tf types.Timeframe, from, to time.Time) (int, error) {
	d, err := tf.Duration()
	if err != nil {
		return 0, err
	}
	if !from.Before(to) {
		return 0, nil
	}

	timer := logger.StartOperation(ctx, "backfill",
		"instrument", instrument, "timeframe", string(tf),
		"from", from.Unix(), "to", to.Unix())

	written := 0
	chunk := d * time.Duration(b.batchSize)
	for cursor := from; cursor.Before(to); cursor = cursor.Add(chunk) {
		end := cursor.Add(chunk)
		if end.After(to) {
			end = to
		}

		candles, err := b.fetcher.Candles(ctx, instrument, tf, cursor, end, b.batchSize)
		if err != nil {
			err = fmt.Errorf("fetching %s/%s [%d, %d): %w", instrument, tf, cursor.Unix(), end.Unix(), err)
			timer.EndWithError(err, "written", written)
			return written, err
		}

		for _, candle := range candles {
			candle.Source = types.SourceBackfill
			if err := b.sink.PutCandle(candle); err != nil {
				err = fmt.Errorf("storing backfilled candle %s/%s@%d: %w", instrument, tf, candle.StartTS, err)
				timer.EndWithError(err, "written", written)
				return written, err
			}
			written++
		}
	}

	timer.End("written", written)
	return written, nil
}
