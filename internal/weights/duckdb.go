// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package weights

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DuckDBStore implements Persistence over a DuckDB connection.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore creates a DuckDB-backed persistence layer.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

// InitSchema creates the weights table if it does not exist.
func (s *DuckDBStore) InitSchema(ctx context.Context) error {
	const query = `CREATE TABLE IF NOT EXISTS learned_weights (
		signature_type TEXT NOT NULL,
		signature TEXT NOT NULL,
		weight DOUBLE NOT NULL,
		confidence DOUBLE NOT NULL,
		observations BIGINT NOT NULL,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		PRIMARY KEY (signature_type, signature)
	)`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create learned_weights: %w", err)
	}
	return nil
}

const weightColumns = `signature_type, signature, weight, confidence, observations, first_seen, last_seen`

// Get returns the entry, or nil when absent.
func (s *DuckDBStore) Get(ctx context.Context, sigType SignatureType, signature string) (*Entry, error) {
	query := `SELECT ` + weightColumns + ` FROM learned_weights WHERE signature_type = ? AND signature = ?`

	var entry Entry
	err := s.db.QueryRowContext(ctx, query, string(sigType), signature).Scan(
		&entry.Type,
		&entry.Signature,
		&entry.Weight,
		&entry.Confidence,
		&entry.Observations,
		&entry.FirstSeen,
		&entry.LastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get weight entry: %w", err)
	}
	return &entry, nil
}

// Upsert inserts or replaces an entry.
func (s *DuckDBStore) Upsert(ctx context.Context, entry *Entry) error {
	const query = `INSERT INTO learned_weights (` + weightColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (signature_type, signature) DO UPDATE SET
			weight = excluded.weight,
			confidence = excluded.confidence,
			observations = excluded.observations,
			last_seen = excluded.last_seen`

	_, err := s.db.ExecContext(ctx, query,
		string(entry.Type), entry.Signature, entry.Weight, entry.Confidence,
		entry.Observations, entry.FirstSeen, entry.LastSeen)
	if err != nil {
		return fmt.Errorf("upsert weight entry: %w", err)
	}
	return nil
}

// DecayBefore erodes stale weights in place, then prunes what decayed into
// noise: confidence below epsilon, or negligible weight with too few
// observations to be worth keeping. Both statements run in one transaction.
func (s *DuckDBStore) DecayBefore(ctx context.Context, cutoff time.Time, factor, epsilon float64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin decay: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	const decay = `UPDATE learned_weights
		SET weight = weight * ?, confidence = confidence * ?
		WHERE last_seen < ?`
	if _, err := tx.ExecContext(ctx, decay, factor, factor, cutoff); err != nil {
		return 0, fmt.Errorf("decay weights: %w", err)
	}

	const prune = `DELETE FROM learned_weights
		WHERE confidence < ? OR (ABS(weight) < ? AND observations < 5)`
	res, err := tx.ExecContext(ctx, prune, epsilon, epsilon)
	if err != nil {
		return 0, fmt.Errorf("prune weights: %w", err)
	}

	pruned, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune count: %w", err)
	}
	return pruned, tx.Commit()
}

// Stats returns the aggregate projection for the diagnostic surface.
func (s *DuckDBStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByType: make(map[SignatureType]int64),
	}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(AVG(weight), 0), COALESCE(AVG(confidence), 0),
		COALESCE(MIN(first_seen), TIMESTAMP '1970-01-01'), COALESCE(MAX(last_seen), TIMESTAMP '1970-01-01')
		FROM learned_weights`)
	if err := row.Scan(&stats.Total, &stats.AvgWeight, &stats.AvgConfidence, &stats.OldestAt, &stats.NewestAt); err != nil {
		return nil, fmt.Errorf("weight totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT signature_type, COUNT(*) FROM learned_weights GROUP BY signature_type`)
	if err != nil {
		return nil, fmt.Errorf("weight breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st    string
			count int64
		)
		if err := rows.Scan(&st, &count); err != nil {
			return nil, fmt.Errorf("scan weight breakdown: %w", err)
		}
		stats.ByType[SignatureType(st)] = count
	}
	return stats, rows.Err()
}
