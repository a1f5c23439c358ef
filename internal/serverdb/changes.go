package serverdb

import (
	"context"
	"fmt"

	"github.com/marcus/memo/internal/models"
)

// Changes returns every entity of owner changed after the checkpoint,
// together with all of owner's open conflicts. The returned
// LastSyncTimestamp is the newest change seen, or the request checkpoint
// when nothing changed.
func (db *ServerDB) Changes(ctx context.Context, owner, since string) (*models.SyncResponse, error) {
	after, err := ParseCheckpoint(since)
	if err != nil {
		return nil, &models.ValidationError{Field: "lastSyncTimestamp", Reason: err.Error()}
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entities
		WHERE owner = ? AND changed_at > ?
		ORDER BY changed_at
	`, owner, after)
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	defer rows.Close()

	resp := &models.SyncResponse{
		UpdatedMemos:       []models.SyncEntity{},
		DeletedMemoIDs:     []string{},
		UpdatedCategories:  []models.SyncEntity{},
		DeletedCategoryIDs: []string{},
	}
	last := after
	for rows.Next() {
		e, err := scanEntity(rows.Scan)
		if err != nil {
			return nil, err
		}
		last = max(last, e.ChangedAt)
		switch {
		case e.Kind == models.KindMemo && e.Deleted:
			resp.DeletedMemoIDs = append(resp.DeletedMemoIDs, e.ID)
		case e.Kind == models.KindMemo:
			resp.UpdatedMemos = append(resp.UpdatedMemos, e.SyncEntity)
		case e.Deleted:
			resp.DeletedCategoryIDs = append(resp.DeletedCategoryIDs, e.ID)
		default:
			resp.UpdatedCategories = append(resp.UpdatedCategories, e.SyncEntity)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if resp.Conflicts, err = db.OpenConflicts(ctx, owner); err != nil {
		return nil, err
	}
	resp.LastSyncTimestamp = FormatCheckpoint(last)
	return resp, nil
}

// Status summarizes owner's live entities and open conflicts.
func (db *ServerDB) Status(ctx context.Context, owner string) (*models.ServerStatus, error) {
	var (
		st   models.ServerStatus
		last int64
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN kind = 'memo' AND deleted = 0 THEN 1 END),
			COUNT(CASE WHEN kind = 'category' AND deleted = 0 THEN 1 END),
			COALESCE(MAX(changed_at), 0)
		FROM entities WHERE owner = ?
	`, owner).Scan(&st.Memos, &st.Categories, &last)
	if err != nil {
		return nil, fmt.Errorf("count entities: %w", err)
	}
	if err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM conflicts WHERE owner = ? AND resolved_at IS NULL
	`, owner).Scan(&st.OpenConflicts); err != nil {
		return nil, fmt.Errorf("count conflicts: %w", err)
	}
	st.LastChangeAt = FormatCheckpoint(last)
	return &st, nil
}
