package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/marcus/memo/internal/models"
)

// MaxSyncErrors bounds the sync error log.
const MaxSyncErrors = 50

// RecordSyncError appends to the sync error log and prunes it to the most
// recent MaxSyncErrors entries.
func (db *DB) RecordSyncError(ctx context.Context, e models.SyncError) error {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = db.now()
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO sync_errors (change_id, entity_type, entity_id, kind, message, occurred_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, e.ChangeID, string(e.EntityType), e.EntityID, string(e.Kind), e.Message, formatTimestamp(e.OccurredAt))
		if err != nil {
			return fmt.Errorf("record sync error: %w", err)
		}
		return pruneSyncErrors(ctx, tx, MaxSyncErrors)
	})
}

func pruneSyncErrors(ctx context.Context, tx *sql.Tx, maxRows int) error {
	_, err := tx.ExecContext(ctx, `
		DELETE FROM sync_errors WHERE id NOT IN (
			SELECT id FROM sync_errors ORDER BY id DESC LIMIT ?
		)
	`, maxRows)
	return err
}

// RecentSyncErrors returns the last n errors, newest first.
func (db *DB) RecentSyncErrors(ctx context.Context, n int) ([]models.SyncError, error) {
	if n <= 0 || n > MaxSyncErrors {
		n = MaxSyncErrors
	}
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, change_id, entity_type, entity_id, kind, message, occurred_at
		FROM sync_errors
		ORDER BY id DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SyncError
	for rows.Next() {
		var (
			e            models.SyncError
			entity, kind string
			ts           string
		)
		if err := rows.Scan(&e.ID, &e.ChangeID, &entity, &e.EntityID, &kind, &e.Message, &ts); err != nil {
			return nil, err
		}
		e.EntityType = models.EntityKind(entity)
		e.Kind = models.ErrorKind(kind)
		parsed, parseErr := parseTimestamp(ts)
		if parseErr != nil {
			return nil, parseErr
		}
		e.OccurredAt = parsed
		out = append(out, e)
	}
	return out, rows.Err()
}
