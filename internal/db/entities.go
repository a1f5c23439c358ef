package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/marcus/memo/internal/models"
)

// View is the local (optimistic-over-confirmed) state of one entity.
type View struct {
	Kind        models.EntityKind
	ID          string
	Payload     json.RawMessage
	Deleted     bool
	BaseVersion int64 // confirmed syncVersion the view builds on
	Optimistic  bool  // true when pending local changes are folded in
}

// GetConfirmed returns the last server-acknowledged version of an entity.
func (db *DB) GetConfirmed(ctx context.Context, kind models.EntityKind, id string) (*models.SyncEntity, error) {
	return getConfirmed(ctx, db.conn, kind, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getConfirmed(ctx context.Context, q queryer, kind models.EntityKind, id string) (*models.SyncEntity, error) {
	var (
		e        models.SyncEntity
		payload  string
		deleted  int
		modified string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, payload, sync_version, deleted, updated_at
		FROM entities WHERE kind = ? AND id = ?
	`, string(kind), id).Scan(&e.ID, &payload, &e.SyncVersion, &deleted, &modified)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get confirmed %s/%s: %w", kind, id, err)
	}
	e.Payload = json.RawMessage(payload)
	e.Deleted = deleted != 0
	if e.UpdatedAt, err = parseTimestamp(modified); err != nil {
		return nil, err
	}
	return &e, nil
}

// ConfirmedVersion returns the confirmed syncVersion, 0 when the entity was
// never confirmed.
func (db *DB) ConfirmedVersion(ctx context.Context, kind models.EntityKind, id string) (int64, error) {
	e, err := db.GetConfirmed(ctx, kind, id)
	if errors.Is(err, ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return e.SyncVersion, nil
}

// PutConfirmed writes a server-acknowledged entity with compare-and-swap on
// syncVersion: an older version is rejected with ErrStaleVersion, the same
// version is a no-op. The optimistic view is rebuilt on top of it.
func (db *DB) PutConfirmed(ctx context.Context, kind models.EntityKind, e models.SyncEntity) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		if err := putConfirmed(ctx, tx, kind, e); err != nil {
			return err
		}
		return rebuildOptimistic(ctx, tx, kind, e.ID, db.now())
	})
}

func putConfirmed(ctx context.Context, tx *sql.Tx, kind models.EntityKind, e models.SyncEntity) error {
	var current int64
	err := tx.QueryRowContext(ctx, `SELECT sync_version FROM entities WHERE kind = ? AND id = ?`, string(kind), e.ID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("read version %s/%s: %w", kind, e.ID, err)
	case e.SyncVersion < current:
		return fmt.Errorf("%w: %s/%s has %d, got %d", ErrStaleVersion, kind, e.ID, current, e.SyncVersion)
	case e.SyncVersion == current:
		return nil
	}

	payload := e.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	updated := e.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (kind, id, payload, sync_version, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			payload = excluded.payload,
			sync_version = excluded.sync_version,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`, string(kind), e.ID, string(payload), e.SyncVersion, boolInt(e.Deleted), formatTimestamp(updated))
	if err != nil {
		return fmt.Errorf("put confirmed %s/%s: %w", kind, e.ID, err)
	}
	return nil
}

// MarkDeleted tombstones a confirmed entity the server reported as deleted.
// The tombstone keeps the last known version so late stale writes are refused.
func (db *DB) MarkDeleted(ctx context.Context, kind models.EntityKind, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE entities SET deleted = 1, updated_at = ? WHERE kind = ? AND id = ?`,
			formatTimestamp(db.now()), string(kind), id)
		if err != nil {
			return fmt.Errorf("mark deleted %s/%s: %w", kind, id, err)
		}
		return rebuildOptimistic(ctx, tx, kind, id, db.now())
	})
}

// RebuildOptimistic recomputes the optimistic view of one entity from its
// confirmed version and the ledger entries still held for it.
func (db *DB) RebuildOptimistic(ctx context.Context, kind models.EntityKind, id string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		return rebuildOptimistic(ctx, tx, kind, id, db.now())
	})
}

func rebuildOptimistic(ctx context.Context, tx *sql.Tx, kind models.EntityKind, id string, now time.Time) error {
	changes, err := listChanges(ctx, tx, ChangeFilter{Kind: kind, EntityID: id, Statuses: heldStatuses})
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		_, err := tx.ExecContext(ctx, `DELETE FROM optimistic WHERE kind = ? AND id = ?`, string(kind), id)
		return err
	}

	var (
		payload json.RawMessage
		base    int64
		deleted bool
	)
	confirmed, err := getConfirmed(ctx, tx, kind, id)
	switch {
	case errors.Is(err, ErrNotFound):
	case err != nil:
		return err
	default:
		payload, base, deleted = confirmed.Payload, confirmed.SyncVersion, confirmed.Deleted
	}

	for _, c := range changes {
		switch c.Operation {
		case models.OpCreate:
			payload, deleted = c.Payload, false
		case models.OpUpdate:
			if payload, err = models.ApplyPatch(payload, c.Payload); err != nil {
				return fmt.Errorf("fold change %s: %w", c.ID, err)
			}
		case models.OpDelete:
			deleted = true
		}
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO optimistic (kind, id, payload, base_version, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, id) DO UPDATE SET
			payload = excluded.payload,
			base_version = excluded.base_version,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at
	`, string(kind), id, string(payload), base, boolInt(deleted), formatTimestamp(now))
	if err != nil {
		return fmt.Errorf("write optimistic %s/%s: %w", kind, id, err)
	}
	return nil
}

// GetView returns the local view of an entity: the optimistic row when one
// exists, otherwise the confirmed row.
func (db *DB) GetView(ctx context.Context, kind models.EntityKind, id string) (*View, error) {
	var (
		v       = View{Kind: kind, ID: id, Optimistic: true}
		payload string
		deleted int
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT payload, base_version, deleted FROM optimistic WHERE kind = ? AND id = ?
	`, string(kind), id).Scan(&payload, &v.BaseVersion, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		e, err := db.GetConfirmed(ctx, kind, id)
		if err != nil {
			return nil, err
		}
		return &View{Kind: kind, ID: id, Payload: e.Payload, Deleted: e.Deleted, BaseVersion: e.SyncVersion}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get view %s/%s: %w", kind, id, err)
	}
	v.Payload = json.RawMessage(payload)
	v.Deleted = deleted != 0
	return &v, nil
}

// ListViews returns the local view of every entity of a kind, deleted ones
// excluded.
func (db *DB) ListViews(ctx context.Context, kind models.EntityKind) ([]View, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT e.id, COALESCE(o.payload, e.payload), COALESCE(o.deleted, e.deleted), e.sync_version, o.id IS NOT NULL
		FROM entities e
		LEFT JOIN optimistic o ON o.kind = e.kind AND o.id = e.id
		WHERE e.kind = ?
		UNION ALL
		SELECT o.id, o.payload, o.deleted, o.base_version, 1
		FROM optimistic o
		LEFT JOIN entities e ON e.kind = o.kind AND e.id = o.id
		WHERE o.kind = ? AND e.id IS NULL
		ORDER BY 1
	`, string(kind), string(kind))
	if err != nil {
		return nil, fmt.Errorf("list views %s: %w", kind, err)
	}
	defer rows.Close()

	var views []View
	for rows.Next() {
		var (
			v                   = View{Kind: kind}
			payload             string
			deleted, optimistic int
		)
		if err := rows.Scan(&v.ID, &payload, &deleted, &v.BaseVersion, &optimistic); err != nil {
			return nil, err
		}
		if deleted != 0 {
			continue
		}
		v.Payload = json.RawMessage(payload)
		v.Optimistic = optimistic != 0
		views = append(views, v)
	}
	return views, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
