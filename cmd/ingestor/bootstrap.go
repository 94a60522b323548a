package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"marketpipe/internal/aggregate"
	"marketpipe/internal/backfill"
	"marketpipe/internal/broker"
	"marketpipe/internal/broker/brokerobs"
	"marketpipe/internal/config"
	"marketpipe/internal/hub"
	"marketpipe/internal/ingest"
	"marketpipe/internal/instruments"
	"marketpipe/internal/logger"
	"marketpipe/internal/ratelimit"
	"marketpipe/internal/sink"
	"marketpipe/internal/trace"
	"marketpipe/internal/types"

	"github.com/joho/godotenv"
)

const hubQueueDepth = 4096

// app holds the assembled pipeline.
type app struct {
	cfg        *config.Config
	hubClient  *hub.Client
	writer     *ingest.BufferedWriter
	rest       brokerobs.Client
	reconciler *backfill.Reconciler
	backfiller *backfill.Backfiller
	supervisor *ingest.Supervisor
	sink       *sink.Sink
	sinkStore  *sink.PostgresStore
}

// initializeSystem initializes environment, logger, and tracer.
func initializeSystem() error {
	_ = godotenv.Load()

	if err := logger.Init(); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	if err := trace.Init("marketpipe-ingestor"); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize tracer: %v\n", err)
	}
	return nil
}

// buildApp wires the whole pipeline: hub client, rate limiter, broker
// clients, aggregator, backfill, reconciler, supervisor, and the optional
// persistence sink.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	secret := os.Getenv("HUB_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("HUB_SECRET is not set")
	}
	apiKey := os.Getenv("BROKER_API_KEY")
	if apiKey == "" {
		return nil, fmt.Errorf("BROKER_API_KEY is not set")
	}

	timeframes := make([]types.Timeframe, 0, len(cfg.Timeframes))
	for _, tf := range cfg.Timeframes {
		timeframes = append(timeframes, types.Timeframe(tf))
	}

	hubClient, err := hub.Dial(ctx, cfg.Hub.Addr, secret, cfg.HubTimeout())
	if err != nil {
		return nil, fmt.Errorf("dialing hub at %s: %w", cfg.Hub.Addr, err)
	}

	a := &app{cfg: cfg, hubClient: hubClient}
	a.writer = ingest.NewBufferedWriter(hubClient, hubQueueDepth)

	limiter := ratelimit.NewLimiter(cfg.RateLimits)
	a.rest = brokerobs.Wrap(broker.NewRESTClient(cfg.Broker.RestURL, cfg.Broker.AccountID, apiKey, limiter))

	a.backfiller = backfill.New(a.rest, hubClient, cfg.Backfill.BatchSize)
	a.reconciler = backfill.NewReconciler(
		hubClient, a.backfiller,
		cfg.InstrumentNames(), timeframes,
		cfg.Hub.Retention,
		time.Duration(cfg.Reconcile.ToleranceSeconds)*time.Second,
		time.Duration(cfg.Reconcile.IntervalSeconds)*time.Second,
	)

	candleWriter, tickWriter, err := a.initializeSink(ctx)
	if err != nil {
		return nil, err
	}

	aggregator, err := aggregate.New(candleWriter, timeframes)
	if err != nil {
		return nil, fmt.Errorf("building aggregator: %w", err)
	}

	table, err := instruments.NewTable(cfg.Instruments)
	if err != nil {
		return nil, fmt.Errorf("building instrument table: %w", err)
	}

	stream := broker.NewStream(cfg.Broker.StreamURL, cfg.InstrumentNames())
	a.supervisor = ingest.NewSupervisor(ingest.SupervisorParams{
		Session:          a.rest,
		Stream:           stream,
		Ticks:            tickWriter,
		Aggregator:       aggregator,
		Reconciler:       a.reconciler,
		Instruments:      table,
		Staleness:        cfg.Staleness(),
		SubscribeTimeout: time.Duration(cfg.Broker.SubscribeTimeout) * time.Second,
		BackoffBase:      time.Duration(cfg.Backoff.BaseSeconds) * time.Second,
		BackoffMax:       time.Duration(cfg.Backoff.MaxSeconds) * time.Second,
	})

	return a, nil
}

// initializeSink sets up optional persistence and returns the candle and
// tick write paths, teeing into the sink when it is enabled.
func (a *app) initializeSink(ctx context.Context) (aggregate.CandleWriter, ingest.TickSink, error) {
	if !a.cfg.Sink.Enabled {
		return a.writer, a.writer, nil
	}

	store, err := sink.OpenPostgres(a.cfg.Sink.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("opening sink database: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("preparing sink schema: %w", err)
	}

	a.sinkStore = store
	a.sink = sink.New(store,
		a.cfg.Sink.BatchSize, a.cfg.Sink.QueueDepth,
		time.Duration(a.cfg.Sink.FlushSeconds)*time.Second)

	logger.Info(ctx, "Persistence sink enabled",
		"batch_size", a.cfg.Sink.BatchSize, "queue_depth", a.cfg.Sink.QueueDepth)
	tee := &teeWriter{primary: a.writer, secondary: a.sink}
	return tee, tee, nil
}

// start launches the background loops: hub writer, reconciler sweeps, cold
// start priming, and the sink.
func (a *app) start(ctx context.Context) {
	go a.writer.Run(ctx)
	go a.reconciler.Run(ctx)
	go a.primeHistory(ctx)
	if a.sink != nil {
		go a.sink.Run(ctx)
	}
}

// primeHistory fills the hub's retention window from the historical API so
// consumers see full candle windows immediately after a cold start instead
// of waiting for live data to accumulate.
func (a *app) primeHistory(ctx context.Context) {
	if err := a.rest.Login(ctx); err != nil {
		logger.ErrorWithErr(ctx, "Cold start priming skipped, login failed", err)
		return
	}

	now := time.Now().UTC()
	for _, instrument := range a.cfg.InstrumentNames() {
		for _, tf := range a.cfg.Timeframes {
			d, err := types.Timeframe(tf).Duration()
			if err != nil {
				continue
			}
			to := now.Truncate(d)
			from := to.Add(-time.Duration(a.cfg.Hub.Retention) * d)

			written, err := a.backfiller.Fill(ctx, instrument, types.Timeframe(tf), from, to)
			if err != nil {
				logger.ErrorWithErr(ctx, "Cold start priming failed", err,
					"instrument", instrument, "timeframe", tf)
				continue
			}
			logger.Info(ctx, "Primed candle window",
				"instrument", instrument, "timeframe", tf, "written", written)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (a *app) close() {
	if a.hubClient != nil {
		a.hubClient.Close()
	}
	if a.sinkStore != nil {
		a.sinkStore.Close()
	}
}

// teeWriter fans writes out to the hub and the persistence sink. The sink
// never fails a write, so only the hub path's error propagates.
type teeWriter struct {
	primary   *ingest.BufferedWriter
	secondary *sink.Sink
}

func (t *teeWriter) PutCandle(candle types.Candle) error {
	_ = t.secondary.PutCandle(candle)
	return t.primary.PutCandle(candle)
}

func (t *teeWriter) PutTick(tick types.Tick) error {
	_ = t.secondary.PutTick(tick)
	return t.primary.PutTick(tick)
}

func configPath() string {
	if p := os.Getenv("MARKETPIPE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}
