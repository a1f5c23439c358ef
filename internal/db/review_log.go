package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/marcus/memo/internal/models"
)

// ReviewEntry is one recorded quiz answer.
type ReviewEntry struct {
	MemoID     string
	Outcome    models.Outcome
	ReviewedAt time.Time
}

// AppendReview records a quiz answer in the local review log.
func (db *DB) AppendReview(ctx context.Context, e ReviewEntry) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO review_log (memo_id, outcome, reviewed_at) VALUES (?, ?, ?)`,
			e.MemoID, int(e.Outcome), formatTimestamp(e.ReviewedAt))
		if err != nil {
			return fmt.Errorf("append review: %w", err)
		}
		return nil
	})
}

// ReviewHistory returns the recorded answers for a memo, oldest first.
func (db *DB) ReviewHistory(ctx context.Context, memoID string) ([]ReviewEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT outcome, reviewed_at FROM review_log WHERE memo_id = ? ORDER BY id
	`, memoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReviewEntry
	for rows.Next() {
		var (
			outcome int
			ts      string
		)
		if err := rows.Scan(&outcome, &ts); err != nil {
			return nil, err
		}
		at, err := parseTimestamp(ts)
		if err != nil {
			return nil, err
		}
		out = append(out, ReviewEntry{MemoID: memoID, Outcome: models.Outcome(outcome), ReviewedAt: at})
	}
	return out, rows.Err()
}

// Outcomes returns just the outcomes of ReviewHistory.
func (db *DB) Outcomes(ctx context.Context, memoID string) ([]models.Outcome, error) {
	entries, err := db.ReviewHistory(ctx, memoID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Outcome, len(entries))
	for i, e := range entries {
		out[i] = e.Outcome
	}
	return out, nil
}
