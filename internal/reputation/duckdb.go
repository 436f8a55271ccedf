// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

package reputation

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

// InitSchema creates the reputation table if it does not exist.
func (s *DuckDBStore) InitSchema(ctx context.Context) error {
	const query = `CREATE TABLE IF NOT EXISTS reputation_entries (
		pattern_type TEXT NOT NULL,
		pattern_value TEXT NOT NULL,
		bot_score DOUBLE NOT NULL,
		support DOUBLE NOT NULL,
		observations BIGINT NOT NULL,
		state TEXT NOT NULL,
		first_seen TIMESTAMP NOT NULL,
		last_seen TIMESTAMP NOT NULL,
		decayed_at TIMESTAMP NOT NULL,
		PRIMARY KEY (pattern_type, pattern_value)
	)`

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create reputation_entries: %w", err)
	}
	return nil
}

const entryColumns = `pattern_type, pattern_value, bot_score, support, observations, state, first_seen, last_seen, decayed_at`

// scanEntry scans a single row into an Entry.
func scanEntry(scanner interface {
	Scan(dest ...interface{}) error
}, entry *Entry) error {
	return scanner.Scan(
		&entry.Type,
		&entry.Value,
		&entry.BotScore,
		&entry.Support,
		&entry.Observations,
		&entry.State,
		&entry.FirstSeen,
		&entry.LastSeen,
		&entry.DecayedAt,
	)
}

// Get returns the entry, or nil when absent.
func (s *DuckDBStore) Get(ctx context.Context, patternType PatternType, value string) (*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM reputation_entries WHERE pattern_type = ? AND pattern_value = ?`

	var entry Entry
	err := scanEntry(s.db.QueryRowContext(ctx, query, string(patternType), value), &entry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get reputation entry: %w", err)
	}
	return &entry, nil
}

// Upsert inserts or replaces an entry.
func (s *DuckDBStore) Upsert(ctx context.Context, entry *Entry) error {
	const query = `INSERT INTO reputation_entries (` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (pattern_type, pattern_value) DO UPDATE SET
			bot_score = excluded.bot_score,
			support = excluded.support,
			observations = excluded.observations,
			state = excluded.state,
			last_seen = excluded.last_seen,
			decayed_at = excluded.decayed_at`

	_, err := s.db.ExecContext(ctx, query,
		string(entry.Type), entry.Value, entry.BotScore, entry.Support,
		entry.Observations, string(entry.State), entry.FirstSeen, entry.LastSeen, entry.DecayedAt)
	if err != nil {
		return fmt.Errorf("upsert reputation entry: %w", err)
	}
	return nil
}

// ListSeenBefore returns entries whose decay reference precedes the cutoff.
func (s *DuckDBStore) ListSeenBefore(ctx context.Context, cutoff time.Time, limit int) ([]Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM reputation_entries
		WHERE decayed_at < ? ORDER BY decayed_at ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale reputation entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var entry Entry
		if err := scanEntry(rows, &entry); err != nil {
			return nil, fmt.Errorf("scan reputation entry: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Collect deletes neutral, low-support entries idle since the cutoff.
// Active or manually blocked entries are never collected.
func (s *DuckDBStore) Collect(ctx context.Context, cutoff time.Time, maxSupport float64) (int64, error) {
	const query = `DELETE FROM reputation_entries
		WHERE state = ? AND support < ? AND last_seen < ?`

	res, err := s.db.ExecContext(ctx, query, string(StateNeutral), maxSupport, cutoff)
	if err != nil {
		return 0, fmt.Errorf("collect reputation entries: %w", err)
	}
	return res.RowsAffected()
}

// ReplaceList clears and reloads one pattern type under a single transaction
// so readers never observe a half-updated list.
func (s *DuckDBStore) ReplaceList(ctx context.Context, patternType PatternType, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace list: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

	if _, err := tx.ExecContext(ctx, `DELETE FROM reputation_entries WHERE pattern_type = ?`, string(patternType)); err != nil {
		return fmt.Errorf("clear pattern list: %w", err)
	}

	const insert = `INSERT INTO reputation_entries (` + entryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	for i := range entries {
		e := &entries[i]
		if _, err := tx.ExecContext(ctx, insert,
			string(patternType), e.Value, e.BotScore, e.Support,
			e.Observations, string(e.State), e.FirstSeen, e.LastSeen, e.DecayedAt); err != nil {
			return fmt.Errorf("insert pattern %q: %w", e.Value, err)
		}
	}

	return tx.Commit()
}

// Stats returns the aggregate projection for the diagnostic surface.
func (s *DuckDBStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByType:  make(map[PatternType]int64),
		ByState: make(map[State]int64),
	}

	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(AVG(bot_score), 0),
		COALESCE(MIN(first_seen), TIMESTAMP '1970-01-01'), COALESCE(MAX(last_seen), TIMESTAMP '1970-01-01')
		FROM reputation_entries`)
	if err := row.Scan(&stats.Total, &stats.AvgScore, &stats.OldestAt, &stats.NewestAt); err != nil {
		return nil, fmt.Errorf("reputation totals: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT pattern_type, state, COUNT(*)
		FROM reputation_entries GROUP BY pattern_type, state`)
	if err != nil {
		return nil, fmt.Errorf("reputation breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			pt    string
			state string
			count int64
		)
		if err := rows.Scan(&pt, &state, &count); err != nil {
			return nil, fmt.Errorf("scan reputation breakdown: %w", err)
		}
		stats.ByType[PatternType(pt)] += count
		stats.ByState[State(state)] += count
	}
	return stats, rows.Err()
}
