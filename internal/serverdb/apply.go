package serverdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/memo/internal/models"
	memosync "github.com/marcus/memo/internal/sync"
)

// Outcome is what applying one change produced. Exactly one field is set.
type Outcome struct {
	Entity   *models.SyncEntity
	Conflict *models.DataConflict
	Rejected string
}

// ApplyBatch applies changes in order and collects the outcomes into a batch
// response. Only storage failures are returned as errors.
func (db *ServerDB) ApplyBatch(ctx context.Context, owner string, changes []models.OfflineChange) (*models.BatchResponse, error) {
	resp := &models.BatchResponse{
		Conflicts: []models.DataConflict{},
		Errors:    []models.ChangeError{},
		Applied:   []models.AppliedChange{},
	}
	for _, c := range changes {
		out, err := db.ApplyChange(ctx, owner, c)
		if err != nil {
			return nil, fmt.Errorf("apply %s: %w", c.ID, err)
		}
		switch {
		case out.Rejected != "":
			resp.Errors = append(resp.Errors, models.ChangeError{ChangeID: c.ID, Error: out.Rejected})
		case out.Conflict != nil:
			resp.Conflicts = append(resp.Conflicts, *out.Conflict)
		default:
			resp.Processed++
			resp.Applied = append(resp.Applied, models.AppliedChange{ChangeID: c.ID, EntityType: c.EntityType, Entity: *out.Entity})
		}
	}
	return resp, nil
}

// ApplyChange applies one client change for owner.
//
// A clientId that was already applied returns the current entity without
// writing. A change based on the current version applies directly. A change
// based on an older version is three-way merged against the fields changed
// since: disjoint edits merge into a new version, overlapping edits open a
// conflict. Deletes always apply.
func (db *ServerDB) ApplyChange(ctx context.Context, owner string, c models.OfflineChange) (Outcome, error) {
	if c.ClientID == "" {
		return Outcome{Rejected: "clientId is required"}, nil
	}
	if c.EntityID == "" {
		return Outcome{Rejected: "entityId is required"}, nil
	}
	payload, err := models.NormalizePayload(c.EntityType, c.Operation, c.Payload)
	if err != nil {
		return Outcome{Rejected: err.Error()}, nil
	}

	var out Outcome
	err = db.withTx(ctx, func(tx *sql.Tx) error {
		a := &applier{db: db, tx: tx, owner: owner, change: c, payload: payload, now: db.now().UTC()}
		var err error
		out, err = a.apply(ctx)
		return err
	})
	return out, err
}

type applier struct {
	db      *ServerDB
	tx      *sql.Tx
	owner   string
	change  models.OfflineChange
	payload json.RawMessage
	now     time.Time
}

func (a *applier) apply(ctx context.Context) (Outcome, error) {
	c := a.change
	cur, err := getEntity(ctx, a.tx, a.owner, c.EntityType, c.EntityID)
	missing := errors.Is(err, ErrNotFound)
	if err != nil && !missing {
		return Outcome{}, err
	}

	var applied int64
	err = a.tx.QueryRowContext(ctx, `SELECT sync_version FROM applied_changes WHERE owner = ? AND client_id = ?`,
		a.owner, c.ClientID).Scan(&applied)
	switch {
	case err == nil:
		if missing {
			return Outcome{Entity: &models.SyncEntity{ID: c.EntityID, Deleted: true}}, nil
		}
		return Outcome{Entity: &cur.SyncEntity}, nil
	case !errors.Is(err, sql.ErrNoRows):
		return Outcome{}, fmt.Errorf("check client id: %w", err)
	}

	switch c.Operation {
	case models.OpCreate:
		if missing || cur.Deleted {
			full, err := withOwner(a.payload, a.owner)
			if err != nil {
				return Outcome{}, err
			}
			f, err := models.DecodeFields(full)
			if err != nil {
				return Outcome{}, err
			}
			return a.write(ctx, cur, full, models.TrackedFields(f.Keys()), false)
		}
		return a.update(ctx, cur)
	case models.OpUpdate:
		if missing {
			return Outcome{Rejected: fmt.Sprintf("%s does not exist", c.EntityKey())}, nil
		}
		if cur.Deleted {
			patch, err := models.DecodeFields(a.payload)
			if err != nil {
				return Outcome{}, err
			}
			return a.conflict(ctx, cur, models.TrackedFields(patch.Keys()), nil)
		}
		return a.update(ctx, cur)
	default:
		if missing {
			return Outcome{Entity: &models.SyncEntity{ID: c.EntityID, Deleted: true}}, a.recordApplied(ctx, 0)
		}
		if cur.Deleted {
			return Outcome{Entity: &cur.SyncEntity}, a.recordApplied(ctx, cur.SyncVersion)
		}
		return a.write(ctx, cur, cur.Payload, []string{}, true)
	}
}

func (a *applier) update(ctx context.Context, cur *entityRow) (Outcome, error) {
	base := a.change.BaseSyncVersion
	switch {
	case base > cur.SyncVersion:
		return Outcome{Rejected: fmt.Sprintf("base version %d is ahead of server version %d", base, cur.SyncVersion)}, nil
	case base == cur.SyncVersion:
		merged, err := models.ApplyPatch(cur.Payload, a.payload)
		if err != nil {
			return Outcome{}, err
		}
		patch, err := models.DecodeFields(a.payload)
		if err != nil {
			return Outcome{}, err
		}
		return a.write(ctx, cur, merged, models.TrackedFields(patch.Keys()), false)
	}

	changed, basePayload, err := history(ctx, a.tx, a.owner, cur.Kind, cur.ID, base, cur.SyncVersion, cur.Payload)
	if err != nil {
		return Outcome{}, err
	}
	res, err := memosync.ThreeWay(basePayload, a.payload, changed, cur.Payload)
	if err != nil {
		return Outcome{Rejected: err.Error()}, nil
	}
	if res.Conflicted() {
		return a.conflict(ctx, cur, res.ConflictFields, basePayload)
	}
	if len(res.Patch) == 0 {
		return Outcome{Entity: &cur.SyncEntity}, a.recordApplied(ctx, cur.SyncVersion)
	}
	patch, err := models.DecodeFields(res.Patch)
	if err != nil {
		return Outcome{}, err
	}
	return a.write(ctx, cur, res.Merged, models.TrackedFields(patch.Keys()), false)
}

// write stores the next version of the entity and its history entry.
func (a *applier) write(ctx context.Context, cur *entityRow, payload json.RawMessage, changed []string, deleted bool) (Outcome, error) {
	c := a.change
	version := int64(1)
	if cur != nil {
		version = cur.SyncVersion + 1
	}
	stamp := a.db.tick()

	_, err := a.tx.ExecContext(ctx, `
		INSERT INTO entities (owner, kind, id, payload, sync_version, deleted, updated_at, changed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, kind, id) DO UPDATE SET
			payload = excluded.payload,
			sync_version = excluded.sync_version,
			deleted = excluded.deleted,
			updated_at = excluded.updated_at,
			changed_at = excluded.changed_at
	`, a.owner, string(c.EntityType), c.EntityID, string(payload), version, boolInt(deleted), formatTimestamp(a.now), stamp)
	if err != nil {
		return Outcome{}, fmt.Errorf("write entity: %w", err)
	}

	fields, err := json.Marshal(changed)
	if err != nil {
		return Outcome{}, err
	}
	if _, err := a.tx.ExecContext(ctx, `
		INSERT INTO entity_versions (owner, kind, id, version, changed_fields, payload) VALUES (?, ?, ?, ?, ?, ?)
	`, a.owner, string(c.EntityType), c.EntityID, version, string(fields), string(payload)); err != nil {
		return Outcome{}, fmt.Errorf("write history: %w", err)
	}
	if err := a.recordApplied(ctx, version); err != nil {
		return Outcome{}, err
	}
	return Outcome{Entity: &models.SyncEntity{
		ID:          c.EntityID,
		UpdatedAt:   a.now,
		SyncVersion: version,
		Payload:     payload,
		Deleted:     deleted,
	}}, nil
}

func (a *applier) recordApplied(ctx context.Context, version int64) error {
	c := a.change
	_, err := a.tx.ExecContext(ctx, `
		INSERT INTO applied_changes (owner, client_id, change_id, kind, entity_id, sync_version, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.owner, c.ClientID, c.ID, string(c.EntityType), c.EntityID, version, formatTimestamp(a.now))
	if err != nil {
		return fmt.Errorf("record applied change: %w", err)
	}
	return nil
}

// conflict opens a conflict for the change, replacing any still-open one
// raised earlier for the same clientId. The clientId is not recorded as
// applied, so the change can be re-sent after resolution.
func (a *applier) conflict(ctx context.Context, cur *entityRow, fields []string, basePayload json.RawMessage) (Outcome, error) {
	c := a.change
	if basePayload == nil {
		basePayload = cur.Payload
	}
	local, err := models.ApplyPatch(basePayload, a.payload)
	if err != nil {
		return Outcome{}, err
	}
	dc := models.DataConflict{
		ID:                uuid.NewString(),
		EntityType:        c.EntityType,
		EntityID:          c.EntityID,
		ChangeID:          c.ID,
		LocalVersion:      local,
		ServerVersion:     cur.Payload,
		ConflictFields:    fields,
		LocalSyncVersion:  c.BaseSyncVersion,
		ServerSyncVersion: cur.SyncVersion,
		ServerDeleted:     cur.Deleted,
		DetectedAt:        a.now,
	}
	if cur.Deleted {
		dc.ServerVersion = json.RawMessage(`{}`)
	}

	if _, err := a.tx.ExecContext(ctx, `DELETE FROM conflicts WHERE owner = ? AND client_id = ? AND resolved_at IS NULL`,
		a.owner, c.ClientID); err != nil {
		return Outcome{}, fmt.Errorf("replace conflict: %w", err)
	}
	if err := insertConflict(ctx, a.tx, a.owner, c.ClientID, dc); err != nil {
		return Outcome{}, err
	}
	return Outcome{Conflict: &dc}, nil
}

// withOwner stamps the owner onto a full record.
func withOwner(payload json.RawMessage, owner string) (json.RawMessage, error) {
	f, err := models.DecodeFields(payload)
	if err != nil {
		return nil, err
	}
	f["ownerId"], _ = json.Marshal(owner)
	return f.Encode()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
