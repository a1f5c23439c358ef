package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/marcus/memo/internal/models"
)

const keyLastSync = "last_sync_timestamp"

// GetState returns a value from the sync_state key/value table, "" if unset.
func (db *DB) GetState(ctx context.Context, key string) (string, error) {
	var v string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get state %s: %w", key, err)
	}
	return v, nil
}

// SetState stores a sync_state value.
func (db *DB) SetState(ctx context.Context, key, value string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO sync_state (key, value) VALUES (?, ?)`, key, value)
		return err
	})
}

// Checkpoint returns the lastSyncTimestamp of the last fully applied pull.
// Empty means nothing was pulled yet.
func (db *DB) Checkpoint(ctx context.Context) (string, error) {
	return db.GetState(ctx, keyLastSync)
}

// SetCheckpoint advances the pull checkpoint.
func (db *DB) SetCheckpoint(ctx context.Context, ts string) error {
	return db.SetState(ctx, keyLastSync, ts)
}

// ClearCheckpoint forces the next pull to be a full one.
func (db *DB) ClearCheckpoint(ctx context.Context) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE key = ?`, keyLastSync)
		return err
	})
}

// Status returns the pending and conflict counts per entity kind.
// Failed entries count as pending: they are held until an operator acts.
func (db *DB) Status(ctx context.Context) (models.SyncStatus, error) {
	var s models.SyncStatus
	rows, err := db.conn.QueryContext(ctx, `
		SELECT entity_type, status, COUNT(*) FROM offline_changes GROUP BY entity_type, status
	`)
	if err != nil {
		return s, fmt.Errorf("count changes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			kind, status string
			n            int
		)
		if err := rows.Scan(&kind, &status, &n); err != nil {
			return s, err
		}
		if models.ChangeStatus(status) == models.ChangeConflicted {
			continue
		}
		switch models.EntityKind(kind) {
		case models.KindMemo:
			s.MemosPending += n
		case models.KindCategory:
			s.CategoriesPending += n
		}
	}
	if err := rows.Err(); err != nil {
		return s, err
	}

	if s.MemosConflicts, err = db.CountConflicts(ctx, models.KindMemo); err != nil {
		return s, err
	}
	if s.CategoriesConflicts, err = db.CountConflicts(ctx, models.KindCategory); err != nil {
		return s, err
	}
	return s, nil
}
