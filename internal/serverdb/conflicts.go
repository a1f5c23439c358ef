package serverdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marcus/memo/internal/models"
	memosync "github.com/marcus/memo/internal/sync"
)

func insertConflict(ctx context.Context, tx *sql.Tx, owner, clientID string, c models.DataConflict) error {
	fields, err := json.Marshal(c.ConflictFields)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO conflicts (id, owner, kind, entity_id, change_id, client_id, local_version, server_version,
			conflict_fields, local_sync_version, server_sync_version, server_deleted, detected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, owner, string(c.EntityType), c.EntityID, c.ChangeID, clientID, string(c.LocalVersion), string(c.ServerVersion),
		string(fields), c.LocalSyncVersion, c.ServerSyncVersion, boolInt(c.ServerDeleted), formatTimestamp(c.DetectedAt))
	if err != nil {
		return fmt.Errorf("insert conflict: %w", err)
	}
	return nil
}

const conflictColumns = `id, kind, entity_id, change_id, local_version, server_version, conflict_fields,
	local_sync_version, server_sync_version, server_deleted, detected_at`

func scanConflict(scan func(...any) error) (*models.DataConflict, error) {
	var (
		c                   models.DataConflict
		kind, local, server string
		fields, detected    string
		deleted             int
	)
	if err := scan(&c.ID, &kind, &c.EntityID, &c.ChangeID, &local, &server, &fields,
		&c.LocalSyncVersion, &c.ServerSyncVersion, &deleted, &detected); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fields), &c.ConflictFields); err != nil {
		return nil, fmt.Errorf("decode conflict fields: %w", err)
	}
	c.EntityType = models.EntityKind(kind)
	c.LocalVersion = json.RawMessage(local)
	c.ServerVersion = json.RawMessage(server)
	c.ServerDeleted = deleted != 0
	c.DetectedAt = parseTimestamp(detected)
	return &c, nil
}

// OpenConflicts lists owner's unresolved conflicts, oldest first.
func (db *ServerDB) OpenConflicts(ctx context.Context, owner string) ([]models.DataConflict, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+conflictColumns+` FROM conflicts
		WHERE owner = ? AND resolved_at IS NULL
		ORDER BY detected_at, id
	`, owner)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	out := []models.DataConflict{}
	for rows.Next() {
		c, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetConflict returns one of owner's open conflicts.
func (db *ServerDB) GetConflict(ctx context.Context, owner, id string) (*models.DataConflict, error) {
	r := db.conn.QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM conflicts WHERE owner = ? AND id = ? AND resolved_at IS NULL
	`, owner, id)
	c, err := scanConflict(r.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// Resolve closes an open conflict. The entity itself is not touched: for
// keep-local and merge the client re-sends its change on top of the server
// version, reusing the clientId the conflict left unapplied.
func (db *ServerDB) Resolve(ctx context.Context, owner string, res models.ConflictResolution) (*models.ResolveResponse, error) {
	if !res.Resolution.IsValid() {
		return nil, &models.ValidationError{Field: "resolution", Reason: fmt.Sprintf("unknown strategy %q", res.Resolution)}
	}
	conflict, err := db.GetConflict(ctx, owner, res.ConflictID)
	if err != nil {
		return nil, err
	}
	if res.Resolution == models.Merged {
		data, err := models.DecodeFields(res.MergedData)
		if err != nil {
			return nil, &models.ValidationError{Field: "mergedData", Reason: err.Error()}
		}
		var missing []string
		for _, f := range conflict.ConflictFields {
			if _, ok := data[f]; !ok {
				missing = append(missing, f)
			}
		}
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: %v", memosync.ErrMergeValidation, missing)
		}
	}

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `
			UPDATE conflicts SET resolution = ?, resolved_at = ? WHERE owner = ? AND id = ? AND resolved_at IS NULL
		`, string(res.Resolution), formatTimestamp(db.now()), owner, res.ConflictID)
		if err != nil {
			return fmt.Errorf("resolve conflict: %w", err)
		}
		if n, _ := r.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &models.ResolveResponse{ConflictID: res.ConflictID, Status: "resolved", Resolution: res.Resolution}, nil
}
