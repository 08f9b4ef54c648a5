package sqlite

import (
	"context"
	"time"

	relay "github.com/eugener/switchyard/internal"
)

// UpsertPrice inserts or replaces a price row for (model, effective_at).
// Prices are versioned: a new effective date is a new row, so historical
// requests keep the price that was live when they ran.
func (s *Store) UpsertPrice(ctx context.Context, p *relay.ModelPrice) error {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO model_prices (model, input_usd, output_usd,
		 cache_creation_usd, cache_read_usd, effective_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (model, effective_at) DO UPDATE SET
		 input_usd=excluded.input_usd, output_usd=excluded.output_usd,
		 cache_creation_usd=excluded.cache_creation_usd,
		 cache_read_usd=excluded.cache_read_usd`,
		p.Model, p.InputUSD, p.OutputUSD, p.CacheCreationUSD, p.CacheReadUSD,
		fmtTime(p.EffectiveAt), fmtTime(p.CreatedAt),
	)
	return err
}

// GetPrice returns the price row with the latest effective_at not after `at`.
func (s *Store) GetPrice(ctx context.Context, model string, at time.Time) (*relay.ModelPrice, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT model, input_usd, output_usd, cache_creation_usd,
		 cache_read_usd, effective_at, created_at
		 FROM model_prices WHERE model = ? AND effective_at <= ?
		 ORDER BY effective_at DESC LIMIT 1`,
		model, fmtTime(at),
	)
	return scanPrice(row)
}

// ListPrices returns every price row, newest versions first.
func (s *Store) ListPrices(ctx context.Context) ([]*relay.ModelPrice, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT model, input_usd, output_usd, cache_creation_usd,
		 cache_read_usd, effective_at, created_at
		 FROM model_prices ORDER BY model ASC, effective_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prices []*relay.ModelPrice
	for rows.Next() {
		p, err := scanPrice(rows)
		if err != nil {
			return nil, err
		}
		prices = append(prices, p)
	}
	return prices, rows.Err()
}

func scanPrice(sc scanner) (*relay.ModelPrice, error) {
	var p relay.ModelPrice
	var effectiveAt, createdAt string

	err := sc.Scan(&p.Model, &p.InputUSD, &p.OutputUSD, &p.CacheCreationUSD,
		&p.CacheReadUSD, &effectiveAt, &createdAt)
	if err != nil {
		return nil, notFoundErr(err)
	}

	if t, err := time.Parse(time.RFC3339Nano, effectiveAt); err == nil {
		p.EffectiveAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		p.CreatedAt = t
	}
	return &p, nil
}
