package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/marcus/memo/internal/models"
)

// heldStatuses are the ledger states still owned by the client: everything
// that has not been acknowledged by the server.
var heldStatuses = []models.ChangeStatus{models.ChangePending, models.ChangeConflicted, models.ChangeFailed}

// ChangeFilter narrows a ledger listing. Zero values match everything.
type ChangeFilter struct {
	Kind     models.EntityKind
	EntityID string
	Statuses []models.ChangeStatus
}

const changeColumns = `seq, id, client_id, operation, entity_type, entity_id, payload,
	base_payload, base_version, timestamp, retry_count, status, last_error`

// InsertChange appends a change to the ledger. A change whose clientId is
// already held coalesces into that entry: the payload is replaced and the
// ledger position kept. The stored entry is returned. A coalesce that lands
// while the entry is being sent is picked up by AckChange.
func (db *DB) InsertChange(ctx context.Context, c models.OfflineChange) (models.OfflineChange, error) {
	var stored models.OfflineChange
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getChangeBy(ctx, tx, "client_id", c.ClientID)
		switch {
		case errors.Is(err, ErrNotFound):
			if c.Status == "" {
				c.Status = models.ChangePending
			}
			res, err := tx.ExecContext(ctx, `
				INSERT INTO offline_changes (`+strings.ReplaceAll(changeColumns, "seq, ", "")+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, c.ID, c.ClientID, string(c.Operation), string(c.EntityType), c.EntityID, string(c.Payload),
				nullableJSON(c.BasePayload), c.BaseSyncVersion, formatTimestamp(c.Timestamp), c.RetryCount,
				string(c.Status), c.LastError)
			if err != nil {
				return fmt.Errorf("insert change: %w", err)
			}
			if c.Seq, err = res.LastInsertId(); err != nil {
				return err
			}
			stored = c
		case err != nil:
			return err
		default:
			if existing.EntityType != c.EntityType || existing.EntityID != c.EntityID {
				return fmt.Errorf("client id %s already used for %s", c.ClientID, existing.EntityKey())
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE offline_changes SET payload = ?, operation = ?, timestamp = ? WHERE seq = ?
			`, string(c.Payload), string(c.Operation), formatTimestamp(c.Timestamp), existing.Seq); err != nil {
				return fmt.Errorf("coalesce change: %w", err)
			}
			existing.Payload = c.Payload
			existing.Operation = c.Operation
			existing.Timestamp = c.Timestamp
			stored = *existing
		}
		return rebuildOptimistic(ctx, tx, c.EntityType, c.EntityID, db.now())
	})
	return stored, err
}

// GetChange returns a ledger entry by id.
func (db *DB) GetChange(ctx context.Context, id string) (*models.OfflineChange, error) {
	return getChangeBy(ctx, db.conn, "id", id)
}

func getChangeBy(ctx context.Context, q queryer, column, value string) (*models.OfflineChange, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+changeColumns+` FROM offline_changes WHERE `+column+` = ?`, value)
	if err != nil {
		return nil, fmt.Errorf("get change: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return scanChange(rows)
}

// ListChanges returns ledger entries matching filter in ledger order.
func (db *DB) ListChanges(ctx context.Context, filter ChangeFilter) ([]models.OfflineChange, error) {
	return listChanges(ctx, db.conn, filter)
}

func listChanges(ctx context.Context, q queryer, filter ChangeFilter) ([]models.OfflineChange, error) {
	var (
		where []string
		args  []any
	)
	if filter.Kind != "" {
		where = append(where, "entity_type = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.EntityID != "" {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + changeColumns + ` FROM offline_changes`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	var changes []models.OfflineChange
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, err
		}
		changes = append(changes, *c)
	}
	return changes, rows.Err()
}

func scanChange(rows *sql.Rows) (*models.OfflineChange, error) {
	var (
		c                    models.OfflineChange
		op, kind, status, ts string
		payload              string
		basePayload          sql.NullString
	)
	err := rows.Scan(&c.Seq, &c.ID, &c.ClientID, &op, &kind, &c.EntityID, &payload,
		&basePayload, &c.BaseSyncVersion, &ts, &c.RetryCount, &status, &c.LastError)
	if err != nil {
		return nil, fmt.Errorf("scan change: %w", err)
	}
	c.Operation = models.Operation(op)
	c.EntityType = models.EntityKind(kind)
	c.Status = models.ChangeStatus(status)
	c.Payload = json.RawMessage(payload)
	if basePayload.Valid {
		c.BasePayload = json.RawMessage(basePayload.String)
	}
	if c.Timestamp, err = parseTimestamp(ts); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteChange removes an acknowledged entry and refreshes the entity's
// optimistic view. Unknown ids are a no-op.
func (db *DB) DeleteChange(ctx context.Context, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		c, err := getChangeBy(ctx, tx, "id", id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM offline_changes WHERE seq = ?`, c.Seq); err != nil {
			return fmt.Errorf("delete change: %w", err)
		}
		return rebuildOptimistic(ctx, tx, c.EntityType, c.EntityID, db.now())
	})
}

// AckChange acknowledges sent, the snapshot that was delivered to the server.
// When the entry was coalesced after that snapshot was taken, the server has
// only seen the older payload: the entry stays pending under nextClientID so
// the later payload is delivered as a change of its own. It reports whether
// the entry was kept.
func (db *DB) AckChange(ctx context.Context, sent models.OfflineChange, nextClientID string) (bool, error) {
	var kept bool
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		c, err := getChangeBy(ctx, tx, "id", sent.ID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if c.Operation == sent.Operation && string(c.Payload) == string(sent.Payload) {
			if _, err := tx.ExecContext(ctx, `DELETE FROM offline_changes WHERE seq = ?`, c.Seq); err != nil {
				return fmt.Errorf("delete change: %w", err)
			}
			return rebuildOptimistic(ctx, tx, c.EntityType, c.EntityID, db.now())
		}
		kept = true
		_, err = tx.ExecContext(ctx, `
			UPDATE offline_changes SET client_id = ?, status = ?, retry_count = 0, last_error = '' WHERE seq = ?
		`, nextClientID, string(models.ChangePending), c.Seq)
		if err != nil {
			return fmt.Errorf("rekey change: %w", err)
		}
		return nil
	})
	return kept, err
}

// IncrementRetry bumps retryCount and remembers the last failure.
func (db *DB) IncrementRetry(ctx context.Context, id, lastErr string) (int, error) {
	var count int
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			UPDATE offline_changes SET retry_count = retry_count + 1, last_error = ?
			WHERE id = ? RETURNING retry_count
		`, lastErr, id).Scan(&count)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	})
	return count, err
}

// SetChangeStatus moves an entry to status, recording reason.
func (db *DB) SetChangeStatus(ctx context.Context, id string, status models.ChangeStatus, reason string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE offline_changes SET status = ?, last_error = ? WHERE id = ?`,
			string(status), reason, id)
		if err != nil {
			return fmt.Errorf("set change status: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RequeueChange puts a held entry back to pending with a new operation,
// payload and base, keeping its ledger position and clientId. An empty op
// keeps the current one.
func (db *DB) RequeueChange(ctx context.Context, id string, op models.Operation, payload, basePayload json.RawMessage, baseVersion int64) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		c, err := getChangeBy(ctx, tx, "id", id)
		if err != nil {
			return err
		}
		if op == "" {
			op = c.Operation
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE offline_changes
			SET payload = ?, operation = ?, base_payload = ?, base_version = ?, status = ?, last_error = '', retry_count = 0
			WHERE seq = ?
		`, string(payload), string(op), nullableJSON(basePayload), baseVersion, string(models.ChangePending), c.Seq)
		if err != nil {
			return fmt.Errorf("requeue change: %w", err)
		}
		return rebuildOptimistic(ctx, tx, c.EntityType, c.EntityID, db.now())
	})
}

// RebaseChanges moves held entries of one entity that were based on
// fromVersion onto toVersion with a fresh base snapshot.
func (db *DB) RebaseChanges(ctx context.Context, kind models.EntityKind, id string, fromVersion, toVersion int64, basePayload json.RawMessage) (int, error) {
	var n int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE offline_changes SET base_version = ?, base_payload = ?
			WHERE entity_type = ? AND entity_id = ? AND base_version = ? AND status = ?
		`, toVersion, nullableJSON(basePayload), string(kind), id, fromVersion, string(models.ChangePending))
		if err != nil {
			return fmt.Errorf("rebase changes: %w", err)
		}
		n, _ = res.RowsAffected()
		return nil
	})
	return int(n), err
}

// CountChanges counts held entries per kind and status.
func (db *DB) CountChanges(ctx context.Context, kind models.EntityKind, status models.ChangeStatus) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM offline_changes WHERE entity_type = ? AND status = ?
	`, string(kind), string(status)).Scan(&n)
	return n, err
}

func nullableJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}
