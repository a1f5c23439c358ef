package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/marcus/memo/internal/db"
	"github.com/marcus/memo/internal/models"
)

// ResolveResult describes what a resolution did locally.
type ResolveResult struct {
	Conflict models.DataConflict
	Strategy models.Strategy
	// Requeued is set when a change will be re-sent on top of the server
	// version (local and merge).
	Requeued bool
	ChangeID string
}

// Resolver applies user or policy decisions to open conflicts.
type Resolver struct {
	store  Store
	ledger *Ledger
	log    *slog.Logger
	now    func() time.Time
	notify func()
}

// NewResolver wires a resolver. A nil logger means slog.Default().
func NewResolver(store Store, ledger *Ledger, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, ledger: ledger, log: logger, now: time.Now}
}

// OnResolve registers a hook called after every resolution, typically
// Processor.Notify.
func (r *Resolver) OnResolve(fn func()) {
	r.notify = fn
}

// Resolve settles one conflict. keep-server adopts the server version and
// drops the local change; keep-local and merge re-queue the change based on
// the server version. A merge must carry a value for every conflicting field
// or ErrMergeValidation is returned and the conflict stays open.
func (r *Resolver) Resolve(ctx context.Context, res models.ConflictResolution) (ResolveResult, error) {
	if !res.Resolution.IsValid() {
		return ResolveResult{}, &models.ValidationError{Field: "resolution", Reason: fmt.Sprintf("unknown strategy %q", res.Resolution)}
	}
	conflict, err := r.store.GetConflict(ctx, res.ConflictID)
	if err != nil {
		return ResolveResult{}, fmt.Errorf("conflict %s: %w", res.ConflictID, err)
	}
	out := ResolveResult{Conflict: *conflict, Strategy: res.Resolution, ChangeID: conflict.ChangeID}

	var patch []byte
	if res.Resolution == models.Merged {
		if patch, err = r.mergedPatch(ctx, conflict, res); err != nil {
			return out, err
		}
	}

	if err := r.adoptServer(ctx, conflict); err != nil {
		return out, err
	}

	switch res.Resolution {
	case models.KeepServer:
		if err := r.ledger.Acknowledge(ctx, conflict.ChangeID); err != nil {
			return out, err
		}
	case models.KeepLocal:
		change, err := r.store.GetChange(ctx, conflict.ChangeID)
		switch {
		case errors.Is(err, db.ErrNotFound):
			patch = conflict.LocalVersion
		case err != nil:
			return out, err
		default:
			patch = change.Payload
		}
		if conflict.ServerDeleted {
			patch = conflict.LocalVersion
		}
		fallthrough
	case models.Merged:
		id, err := r.requeue(ctx, conflict, patch)
		if err != nil {
			return out, err
		}
		out.Requeued, out.ChangeID = true, id
	}

	if err := r.store.DeleteConflict(ctx, conflict.ID); err != nil {
		return out, err
	}
	if err := r.store.SaveResolution(ctx, res); err != nil {
		return out, err
	}
	r.log.Info("conflict resolved", "conflict", conflict.ID, "entity", models.EntityKey(conflict.EntityType, conflict.EntityID), "strategy", res.Resolution)
	if r.notify != nil {
		r.notify()
	}
	return out, nil
}

// mergedPatch validates merge data and returns the patch to re-send: the held
// change overlaid with the merged values.
func (r *Resolver) mergedPatch(ctx context.Context, conflict *models.DataConflict, res models.ConflictResolution) ([]byte, error) {
	missing, err := missingFields(res.MergedData, conflict.ConflictFields)
	if err != nil {
		return nil, &models.ValidationError{Field: "mergedData", Reason: err.Error()}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMergeValidation, missing)
	}
	merged, err := models.NormalizePayload(conflict.EntityType, models.OpUpdate, res.MergedData)
	if err != nil {
		return nil, err
	}

	base := conflict.LocalVersion
	if change, err := r.store.GetChange(ctx, conflict.ChangeID); err == nil && !conflict.ServerDeleted {
		base = change.Payload
	} else if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	return models.ApplyPatch(base, merged)
}

// adoptServer makes the conflict's server version the confirmed one.
func (r *Resolver) adoptServer(ctx context.Context, conflict *models.DataConflict) error {
	if conflict.ServerDeleted {
		return r.store.MarkDeleted(ctx, conflict.EntityType, conflict.EntityID)
	}
	err := r.store.PutConfirmed(ctx, conflict.EntityType, models.SyncEntity{
		ID:          conflict.EntityID,
		UpdatedAt:   r.now().UTC(),
		SyncVersion: conflict.ServerSyncVersion,
		Payload:     conflict.ServerVersion,
	})
	if errors.Is(err, db.ErrStaleVersion) {
		return nil
	}
	return err
}

// requeue re-sends the conflicted change with patch on top of the server
// version and moves the entity's other pending changes onto it too. A change
// that is no longer held is recorded afresh.
func (r *Resolver) requeue(ctx context.Context, conflict *models.DataConflict, patch []byte) (string, error) {
	op := models.OpUpdate
	if conflict.ServerDeleted {
		op = models.OpCreate
	}
	change, err := r.store.GetChange(ctx, conflict.ChangeID)
	if errors.Is(err, db.ErrNotFound) {
		c, err := r.ledger.Record(ctx, RecordInput{
			Op: op, Kind: conflict.EntityType, EntityID: conflict.EntityID, Payload: patch,
			BaseVersion: conflict.ServerSyncVersion, BasePayload: conflict.ServerVersion,
		})
		return c.ID, err
	}
	if err != nil {
		return "", err
	}
	if err := r.ledger.Requeue(ctx, change.ID, op, patch, conflict.ServerVersion, conflict.ServerSyncVersion); err != nil {
		return "", err
	}
	if _, err := r.ledger.Rebase(ctx, conflict.EntityType, conflict.EntityID, change.BaseSyncVersion, conflict.ServerSyncVersion, conflict.ServerVersion); err != nil {
		return "", err
	}
	return change.ID, nil
}
