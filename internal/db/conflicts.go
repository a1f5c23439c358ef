package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/marcus/memo/internal/models"
)

// SaveConflict stores a detected conflict, replacing any earlier record with
// the same id.
func (db *DB) SaveConflict(ctx context.Context, c models.DataConflict) error {
	fields, err := json.Marshal(c.ConflictFields)
	if err != nil {
		return err
	}
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO conflicts (id, entity_type, entity_id, change_id, local_version, server_version,
				conflict_fields, local_sync_version, server_sync_version, server_deleted, detected_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.ID, string(c.EntityType), c.EntityID, c.ChangeID, string(orEmpty(c.LocalVersion)),
			string(orEmpty(c.ServerVersion)), string(fields), c.LocalSyncVersion, c.ServerSyncVersion,
			boolInt(c.ServerDeleted), formatTimestamp(c.DetectedAt))
		if err != nil {
			return fmt.Errorf("save conflict %s: %w", c.ID, err)
		}
		return nil
	})
}

const conflictColumns = `id, entity_type, entity_id, change_id, local_version, server_version,
	conflict_fields, local_sync_version, server_sync_version, server_deleted, detected_at`

// GetConflict returns an open conflict by id.
func (db *DB) GetConflict(ctx context.Context, id string) (*models.DataConflict, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanConflict(rows)
}

// ListConflicts returns open conflicts, optionally for one kind, oldest first.
func (db *DB) ListConflicts(ctx context.Context, kind models.EntityKind) ([]models.DataConflict, error) {
	query := `SELECT ` + conflictColumns + ` FROM conflicts`
	var args []any
	if kind != "" {
		query += ` WHERE entity_type = ?`
		args = append(args, string(kind))
	}
	query += ` ORDER BY detected_at, id`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var out []models.DataConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func scanConflict(rows *sql.Rows) (*models.DataConflict, error) {
	var (
		c                   models.DataConflict
		kind, local, server string
		fields, detected    string
		deleted             int
	)
	err := rows.Scan(&c.ID, &kind, &c.EntityID, &c.ChangeID, &local, &server, &fields,
		&c.LocalSyncVersion, &c.ServerSyncVersion, &deleted, &detected)
	if err != nil {
		return nil, fmt.Errorf("scan conflict: %w", err)
	}
	c.EntityType = models.EntityKind(kind)
	c.LocalVersion = json.RawMessage(local)
	c.ServerVersion = json.RawMessage(server)
	c.ServerDeleted = deleted != 0
	if err := json.Unmarshal([]byte(fields), &c.ConflictFields); err != nil {
		return nil, fmt.Errorf("decode conflict fields: %w", err)
	}
	if c.DetectedAt, err = parseTimestamp(detected); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteConflict removes a resolved conflict. Unknown ids are a no-op.
func (db *DB) DeleteConflict(ctx context.Context, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM conflicts WHERE id = ?`, id)
		return err
	})
}

// CountConflicts counts open conflicts for one kind.
func (db *DB) CountConflicts(ctx context.Context, kind models.EntityKind) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM conflicts WHERE entity_type = ?`, string(kind)).Scan(&n)
	return n, err
}

// SaveResolution queues a resolution for submission to the server.
func (db *DB) SaveResolution(ctx context.Context, r models.ConflictResolution) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO pending_resolutions (conflict_id, resolution, merged_data, created_at)
			VALUES (?, ?, ?, ?)
		`, r.ConflictID, string(r.Resolution), nullableJSON(r.MergedData), formatTimestamp(db.now()))
		if err != nil {
			return fmt.Errorf("save resolution %s: %w", r.ConflictID, err)
		}
		return nil
	})
}

// PendingResolutions returns resolutions not yet accepted by the server,
// oldest first.
func (db *DB) PendingResolutions(ctx context.Context) ([]models.ConflictResolution, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT conflict_id, resolution, merged_data FROM pending_resolutions ORDER BY created_at, conflict_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ConflictResolution
	for rows.Next() {
		var (
			r        models.ConflictResolution
			strategy string
			merged   sql.NullString
		)
		if err := rows.Scan(&r.ConflictID, &strategy, &merged); err != nil {
			return nil, err
		}
		r.Resolution = models.Strategy(strategy)
		if merged.Valid {
			r.MergedData = json.RawMessage(merged.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// HasPendingResolution reports whether a resolution for conflictID is still
// waiting in the outbox.
func (db *DB) HasPendingResolution(ctx context.Context, conflictID string) (bool, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_resolutions WHERE conflict_id = ?`, conflictID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("pending resolution %s: %w", conflictID, err)
	}
	return n > 0, nil
}

// DeleteResolution drops a submitted resolution.
func (db *DB) DeleteResolution(ctx context.Context, conflictID string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM pending_resolutions WHERE conflict_id = ?`, conflictID)
		return err
	})
}

func orEmpty(v json.RawMessage) json.RawMessage {
	if len(strings.TrimSpace(string(v))) == 0 {
		return json.RawMessage(`{}`)
	}
	return v
}
