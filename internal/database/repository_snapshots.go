package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"binance-drop-ranking/internal/ranking"
)

// UpsertSnapshot writes a period snapshot, wholly replacing any prior row
// with the same timestamp. Partial merges would preserve stale rankings, so
// every column is overwritten.
func (r *Repository) UpsertSnapshot(ctx context.Context, s *ranking.Snapshot) error {
	rankings, err := json.Marshal(s.Rankings)
	if err != nil {
		return fmt.Errorf("failed to marshal rankings: %w", err)
	}
	removed, err := json.Marshal(s.RemovedSymbols)
	if err != nil {
		return fmt.Errorf("failed to marshal removed symbols: %w", err)
	}

	query := `
		INSERT INTO ranking_snapshots (
			timestamp, hour, rankings, removed_symbols,
			total_market_volume, total_market_quote_volume, top_market_concentration,
			btc_price, btc_price_change_24h, btcdom_price, btcdom_price_change_24h,
			calculation_duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (timestamp) DO UPDATE SET
			hour = EXCLUDED.hour,
			rankings = EXCLUDED.rankings,
			removed_symbols = EXCLUDED.removed_symbols,
			total_market_volume = EXCLUDED.total_market_volume,
			total_market_quote_volume = EXCLUDED.total_market_quote_volume,
			top_market_concentration = EXCLUDED.top_market_concentration,
			btc_price = EXCLUDED.btc_price,
			btc_price_change_24h = EXCLUDED.btc_price_change_24h,
			btcdom_price = EXCLUDED.btcdom_price,
			btcdom_price_change_24h = EXCLUDED.btcdom_price_change_24h,
			calculation_duration_ms = EXCLUDED.calculation_duration_ms,
			created_at = EXCLUDED.created_at
	`

	_, err = r.db.Pool.Exec(ctx, query,
		s.Timestamp, s.Hour, rankings, removed,
		s.TotalMarketVolume, s.TotalMarketQuoteVolume, s.TopMarketConcentration,
		s.BTCPrice, s.BTCPriceChange24h, s.BTCDOMPrice, s.BTCDOMPriceChange24h,
		s.CalculationDurationMs, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert snapshot at %s: %w", s.Timestamp.Format(time.RFC3339), err)
	}
	return nil
}

const snapshotColumns = `
	timestamp, hour, rankings, removed_symbols,
	total_market_volume, total_market_quote_volume, top_market_concentration,
	btc_price, btc_price_change_24h, btcdom_price, btcdom_price_change_24h,
	calculation_duration_ms, created_at
`

// GetSnapshot retrieves the row at an exact timestamp; (nil, nil) if none.
func (r *Repository) GetSnapshot(ctx context.Context, ts time.Time) (*ranking.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM ranking_snapshots WHERE timestamp = $1`
	s, err := scanSnapshot(r.db.Pool.QueryRow(ctx, query, ts))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}
	return s, nil
}

// LatestSnapshot retrieves the most recent row; (nil, nil) if the
// collection is empty.
func (r *Repository) LatestSnapshot(ctx context.Context) (*ranking.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + ` FROM ranking_snapshots ORDER BY timestamp DESC LIMIT 1`
	s, err := scanSnapshot(r.db.Pool.QueryRow(ctx, query))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest snapshot: %w", err)
	}
	return s, nil
}

// SnapshotsInRange retrieves rows with timestamp in [start, end), ascending.
func (r *Repository) SnapshotsInRange(ctx context.Context, start, end time.Time) ([]*ranking.Snapshot, error) {
	query := `SELECT ` + snapshotColumns + `
		FROM ranking_snapshots
		WHERE timestamp >= $1 AND timestamp < $2
		ORDER BY timestamp ASC`

	rows, err := r.db.Pool.Query(ctx, query, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*ranking.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snapshots, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*ranking.Snapshot, error) {
	var s ranking.Snapshot
	var rankings, removed []byte

	err := row.Scan(
		&s.Timestamp, &s.Hour, &rankings, &removed,
		&s.TotalMarketVolume, &s.TotalMarketQuoteVolume, &s.TopMarketConcentration,
		&s.BTCPrice, &s.BTCPriceChange24h, &s.BTCDOMPrice, &s.BTCDOMPriceChange24h,
		&s.CalculationDurationMs, &s.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(rankings, &s.Rankings); err != nil {
		return nil, fmt.Errorf("failed to unmarshal rankings: %w", err)
	}
	if err := json.Unmarshal(removed, &s.RemovedSymbols); err != nil {
		return nil, fmt.Errorf("failed to unmarshal removed symbols: %w", err)
	}
	return &s, nil
}
