package sink

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"marketpipe/internal/types"
)

const schema = `
CREATE TABLE IF NOT EXISTS candles (
	instrument TEXT NOT NULL,
	timeframe  TEXT NOT NULL,
	start_ts   BIGINT NOT NULL,
	end_ts     BIGINT NOT NULL,
	open       DOUBLE PRECISION NOT NULL,
	high       DOUBLE PRECISION NOT NULL,
	low        DOUBLE PRECISION NOT NULL,
	close      DOUBLE PRECISION NOT NULL,
	tick_count INTEGER NOT NULL,
	volume     DOUBLE PRECISION NOT NULL,
	source     TEXT NOT NULL,
	PRIMARY KEY (instrument, timeframe, start_ts)
);

CREATE TABLE IF NOT EXISTS latest_ticks (
	instrument TEXT PRIMARY KEY,
	bid        DOUBLE PRECISION NOT NULL,
	ask        DOUBLE PRECISION NOT NULL,
	ts         TIMESTAMPTZ NOT NULL
);
`

// First write for a candle slot wins. Replays after a crash or an
// overlapping backfill are silently absorbed.
const insertCandle = `
INSERT INTO candles (instrument, timeframe, start_ts, end_ts, open, high, low, close, tick_count, volume, source)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (instrument, timeframe, start_ts) DO NOTHING`

const upsertTick = `
INSERT INTO latest_ticks (instrument, bid, ask, ts)
VALUES ($1, $2, $3, $4)
ON CONFLICT (instrument) DO UPDATE
SET bid = EXCLUDED.bid, ask = EXCLUDED.ask, ts = EXCLUDED.ts
WHERE EXCLUDED.ts >= latest_ticks.ts`

// PostgresStore persists candles and latest ticks.
type PostgresStore struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	db.SetMaxOpenConns(4)
	return &PostgresStore{db: db}, nil
}

// EnsureSchema creates the tables when missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// WriteCandles inserts a batch in one transaction.
func (s *PostgresStore) WriteCandles(ctx context.Context, candles []types.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning candle batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertCandle)
	if err != nil {
		return fmt.Errorf("preparing candle insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx,
			c.Instrument, string(c.Timeframe), c.StartTS, c.EndTS,
			c.Open, c.High, c.Low, c.Close, c.TickCount, c.Volume, string(c.Source),
		); err != nil {
			return fmt.Errorf("inserting candle %s/%s@%d: %w", c.Instrument, c.Timeframe, c.StartTS, err)
		}
	}

	return tx.Commit()
}

// WriteTick upserts the latest quote for an instrument. Stale writes lose.
func (s *PostgresStore) WriteTick(ctx context.Context, tick types.Tick) error {
	if _, err := s.db.ExecContext(ctx, upsertTick, tick.Instrument, tick.Bid, tick.Ask, tick.Time); err != nil {
		return fmt.Errorf("upserting tick %s: %w", tick.Instrument, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
