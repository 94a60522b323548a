package brokerobs

import (
	"context"
	"time"

	"marketpipe/internal/logger"
	"marketpipe/internal/trace"
	"marketpipe/internal/types"
)

// Client is the broker REST surface consumed by the pipeline.
type Client interface {
	Login(ctx context.Context) error
	Token() string
	Candles(ctx context.Context, instrument string, tf types.Timeframe, from, to time.Time, count int) ([]types.Candle, error)
}

// observableClient wraps a Client with logging and tracing
type observableClient struct {
	client Client
}

// Compile-time interface check
var _ Client = (*observableClient)(nil)

// Wrap wraps a broker client with observability middleware
func Wrap(client Client) Client {
	return &observableClient{
		client: client,
	}
}

func (oc *observableClient) Login(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "broker.Login")
	defer span.End()

	logger.Debug(ctx, "Opening broker session")

	if err := oc.client.Login(ctx); err != nil {
		logger.ErrorWithErr(ctx, "Failed to open broker session", err)
		return err
	}

	logger.Debug(ctx, "Broker session opened")
	return nil
}

func (oc *observableClient) Token() string {
	return oc.client.Token()
}

func (oc *observableClient) Candles(ctx context.Context, instrument string, tf types.Timeframe, from, to time.Time, count int) ([]types.Candle, error) {
	ctx, span := trace.StartSpan(ctx, "broker.Candles")
	defer span.End()

	logger.Debug(ctx, "Fetching candles",
		"instrument", instrument, "timeframe", string(tf),
		"from", from.Unix(), "to", to.Unix())

	candles, err := oc.client.Candles(ctx, instrument, tf, from, to, count)
	if err != nil {
		logger.ErrorWithErr(ctx, "Failed to fetch candles", err,
			"instrument", instrument, "timeframe", string(tf))
		return nil, err
	}

	logger.Debug(ctx, "Candles fetched successfully",
		"instrument", instrument, "timeframe", string(tf), "count", len(candles))
	return candles, nil
}
