package backfill

import (
	"context"
	"time"

	"marketpipe/internal/logger"
	"marketpipe/internal/types"
)

// CandleReader exposes the hub's candle windows. Satisfied by the hub client.
type CandleReader interface {
	GetCandles(instrument string, tf types.Timeframe, count int) ([]types.Candle, error)
}

// Filler repairs a missing range. Satisfied by Backfiller.
type Filler interface {
	Fill(ctx context.Context, instrument string, tf types.Timeframe, from, to time.Time) (int, error)
}

// Reconciler walks the hub's candle timelines looking for holes and asks the
// backfiller to repair exactly the missing subranges. It runs periodically
// and is also invoked directly after a reconnect to cover the outage window.
type Reconciler struct {
	reader      CandleReader
	filler      Filler
	instruments []string
	timeframes  []types.Timeframe
	window      int
	tolerance   time.Duration
	interval    time.Duration

	now func() time.Time
}

func NewReconciler(reader CandleReader, filler Filler, instruments []string, timeframes []types.Timeframe, window int, tolerance, interval time.Duration) *Reconciler {
	return &Reconciler{
		reader:      reader,
		filler:      filler,
		instruments: instruments,
		timeframes:  timeframes,
		window:      window,
		tolerance:   tolerance,
		interval:    interval,
		now:         time.Now,
	}
}

// Run performs a sweep on every interval until the context is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep scans every (instrument, timeframe) timeline once.
func (r *Reconciler) Sweep(ctx context.Context) {
	for _, instrument := range r.instruments {
		for _, tf := range r.timeframes {
			if err := r.reconcileSeries(ctx, instrument, tf); err != nil {
				logger.ErrorWithErr(ctx, "Reconcile sweep failed", err,
					"instrument", instrument, "timeframe", string(tf))
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// reconcileSeries finds and repairs internal gaps in one candle timeline.
// Candles are strictly ascending, so any jump larger than one interval plus
// the tolerance marks a hole.
func (r *Reconciler) reconcileSeries(ctx context.Context, instrument string, tf types.Timeframe) error {
	d, err := tf.Duration()
	if err != nil {
		return err
	}

	candles, err := r.reader.GetCandles(instrument, tf, r.window)
	if err != nil {
		return err
	}
	if len(candles) < 2 {
		return nil
	}

	for i := 1; i < len(candles); i++ {
		expected := candles[i-1].StartTS + int64(d.Seconds())
		actual := candles[i].StartTS
		if actual <= expected+int64(r.tolerance.Seconds()) {
			continue
		}

		from := time.Unix(expected, 0).UTC()
		to := time.Unix(actual, 0).UTC()
		logger.Gap(ctx, instrument, string(tf), expected, actual)

		written, err := r.filler.Fill(ctx, instrument, tf, from, to)
		if err != nil {
			return err
		}
		logger.Info(ctx, "Gap repaired",
			"instrument", instrument, "timeframe", string(tf),
			"from", expected, "to", actual, "written", written)
	}
	return nil
}

// ReconcileOutage repairs the window between the last known candle and now
// for every series. The supervisor calls this right after resubscribing so
// live data and the repair never race for more than one interval.
func (r *Reconciler) ReconcileOutage(ctx context.Context, downSince time.Time) {
	now := r.now().UTC()
	for _, instrument := range r.instruments {
		for _, tf := range r.timeframes {
			d, err := tf.Duration()
			if err != nil {
				continue
			}

			from := downSince.UTC().Truncate(d)
			to := now.Truncate(d)
			if !from.Before(to) {
				continue
			}

			written, err := r.filler.Fill(ctx, instrument, tf, from, to)
			if err != nil {
				logger.ErrorWithErr(ctx, "Outage reconcile failed", err,
					"instrument", instrument, "timeframe", string(tf))
				continue
			}
			logger.Info(ctx, "Outage window repaired",
				"instrument", instrument, "timeframe", string(tf),
				"from", from.Unix(), "to", to.Unix(), "written", written)
		}
	}
}
