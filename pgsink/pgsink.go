// Package pgsink mirrors price history into Postgres.
//
// The mirror is optional: the pipeline only opens it when a DSN is
// configured. The dedupe constraint matches the JSON history key, so
// re-mirroring the full history after every cycle never duplicates
// rows.
package pgsink

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hazyhaar/tarif/history"
)

// Schema creates the mirror table. The unique constraint mirrors the
// JSON dedupe key (timestamp, source, model, price).
const Schema = `
CREATE TABLE IF NOT EXISTS price_history (
    id          BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
    ts          TIMESTAMPTZ NOT NULL,
    source      TEXT NOT NULL,
    model       TEXT NOT NULL,
    title       TEXT NOT NULL DEFAULT '',
    sku         TEXT NOT NULL DEFAULT '',
    currency    TEXT NOT NULL DEFAULT 'EUR',
    price       DOUBLE PRECISION NOT NULL,
    product_url TEXT NOT NULL DEFAULT '',
    image_url   TEXT NOT NULL DEFAULT '',
    image_path  TEXT NOT NULL DEFAULT '',
    CONSTRAINT price_history_dedupe UNIQUE (ts, source, model, price)
);
CREATE INDEX IF NOT EXISTS idx_price_history_model ON price_history (model, ts DESC);
`

const insertBatch = 200

// Sink writes snapshots to the Postgres mirror.
type Sink struct {
	pool *pgxpool.Pool
}

// Open connects to Postgres and ensures the schema exists.
func Open(ctx context.Context, dsn string) (*Sink, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgsink: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgsink: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, Schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgsink: apply schema: %w", err)
	}
	return &Sink{pool: pool}, nil
}

// Close releases the pool.
func (s *Sink) Close() {
	s.pool.Close()
}

// Write inserts snapshots in batches, skipping rows the mirror already
// has. It returns the number of rows actually added.
func (s *Sink) Write(ctx context.Context, snaps []history.Snapshot) (int, error) {
	total := 0
	for start := 0; start < len(snaps); start += insertBatch {
		end := min(start+insertBatch, len(snaps))
		b := &pgx.Batch{}
		for _, snap := range snaps[start:end] {
			b.Queue(
				`INSERT INTO price_history
				(ts, source, model, title, sku, currency, price, product_url, image_url, image_path)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
				ON CONFLICT ON CONSTRAINT price_history_dedupe DO NOTHING`,
				snap.Timestamp, snap.Source, snap.Model, snap.Title, snap.SKU,
				snap.Currency, snap.Price, snap.ProductURL, snap.ImageURL, snap.ImagePath,
			)
		}
		br := s.pool.SendBatch(ctx, b)
		for range end - start {
			tag, err := br.Exec()
			if err != nil {
				br.Close()
				return total, fmt.Errorf("pgsink: insert: %w", err)
			}
			total += int(tag.RowsAffected())
		}
		if err := br.Close(); err != nil {
			return total, fmt.Errorf("pgsink: close batch: %w", err)
		}
	}
	return total, nil
}
