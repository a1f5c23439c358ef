package serverdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marcus/memo/internal/models"
)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// entityRow is an authoritative entity plus its change stamp.
type entityRow struct {
	models.SyncEntity
	Kind      models.EntityKind
	ChangedAt int64
}

const entityColumns = `kind, id, payload, sync_version, deleted, updated_at, changed_at`

func scanEntity(scan func(...any) error) (*entityRow, error) {
	var (
		e             entityRow
		kind, payload string
		updated       string
		deleted       int
	)
	if err := scan(&kind, &e.ID, &payload, &e.SyncVersion, &deleted, &updated, &e.ChangedAt); err != nil {
		return nil, err
	}
	e.Kind = models.EntityKind(kind)
	e.Payload = json.RawMessage(payload)
	e.Deleted = deleted != 0
	e.UpdatedAt = parseTimestamp(updated)
	return &e, nil
}

func getEntity(ctx context.Context, q queryer, owner string, kind models.EntityKind, id string) (*entityRow, error) {
	r := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM entities WHERE owner = ? AND kind = ? AND id = ?`,
		owner, string(kind), id)
	e, err := scanEntity(r.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity %s: %w", models.EntityKey(kind, id), err)
	}
	return e, nil
}

// GetEntity returns the authoritative version of one entity, tombstones
// included.
func (db *ServerDB) GetEntity(ctx context.Context, owner string, kind models.EntityKind, id string) (*models.SyncEntity, error) {
	e, err := getEntity(ctx, db.conn, owner, kind, id)
	if err != nil {
		return nil, err
	}
	return &e.SyncEntity, nil
}

// history returns the tracked fields changed in versions (from, to] and the
// payload as it was at version from. When part of that history is missing
// every field of fallback counts as changed.
func history(ctx context.Context, q queryer, owner string, kind models.EntityKind, id string, from, to int64, fallback json.RawMessage) ([]string, json.RawMessage, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT version, changed_fields FROM entity_versions
		WHERE owner = ? AND kind = ? AND id = ? AND version > ? AND version <= ?
	`, owner, string(kind), id, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("read history: %w", err)
	}
	defer rows.Close()

	var (
		changed []string
		seen    int64
	)
	for rows.Next() {
		var (
			version int64
			raw     string
			fields  []string
		)
		if err := rows.Scan(&version, &raw); err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			return nil, nil, fmt.Errorf("decode changed fields of v%d: %w", version, err)
		}
		changed = append(changed, fields...)
		seen++
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if seen != to-from {
		f, err := models.DecodeFields(fallback)
		if err != nil {
			return nil, nil, err
		}
		changed = f.Keys()
	}

	var base string
	err = q.QueryRowContext(ctx, `
		SELECT payload FROM entity_versions WHERE owner = ? AND kind = ? AND id = ? AND version = ?
	`, owner, string(kind), id, from).Scan(&base)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return models.TrackedFields(changed), nil, nil
	case err != nil:
		return nil, nil, err
	}
	return models.TrackedFields(changed), json.RawMessage(base), nil
}
