package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/memo/internal/db"
	"github.com/marcus/memo/internal/models"
)

// SyncReport summarizes one reconciliation.
type SyncReport struct {
	Pulled       int // entities written to the confirmed layer
	Deleted      int
	Merged       int // pending changes rebased onto a newer server version
	AutoResolved int // review-state overlaps settled by policy
	Superseded   int // pending changes the server already reflects
	Conflicts    []models.DataConflict
	Checkpoint   string
}

// Reconciler pulls server state changed since the last checkpoint and checks
// it against the changes still held locally.
type Reconciler struct {
	store     Store
	ledger    *Ledger
	transport Transport
	log       *slog.Logger
	now       func() time.Time
	onRebase  func()
}

// NewReconciler wires a reconciler. A nil logger means slog.Default().
func NewReconciler(store Store, ledger *Ledger, transport Transport, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{store: store, ledger: ledger, transport: transport, log: logger, now: time.Now}
}

// OnRebase registers a hook called when pending changes were rebased and need
// sending, typically Processor.Notify.
func (r *Reconciler) OnRebase(fn func()) {
	r.onRebase = fn
}

// Sync runs one pull. The checkpoint only advances once the whole response
// has been applied.
func (r *Reconciler) Sync(ctx context.Context) (SyncReport, error) {
	var rep SyncReport
	cp, err := r.store.Checkpoint(ctx)
	if err != nil {
		return rep, err
	}
	resp, err := r.transport.Sync(ctx, models.SyncRequest{LastSyncTimestamp: cp})
	if err != nil {
		return rep, fmt.Errorf("pull since %q: %w", cp, err)
	}

	for _, e := range resp.UpdatedCategories {
		if err := r.applyEntity(ctx, models.KindCategory, e, &rep); err != nil {
			return rep, err
		}
	}
	for _, e := range resp.UpdatedMemos {
		if err := r.applyEntity(ctx, models.KindMemo, e, &rep); err != nil {
			return rep, err
		}
	}
	for _, id := range resp.DeletedCategoryIDs {
		if err := r.applyDeletion(ctx, models.KindCategory, id, &rep); err != nil {
			return rep, err
		}
	}
	for _, id := range resp.DeletedMemoIDs {
		if err := r.applyDeletion(ctx, models.KindMemo, id, &rep); err != nil {
			return rep, err
		}
	}
	for _, c := range resp.Conflicts {
		if err := r.adoptServerConflict(ctx, c, &rep); err != nil {
			return rep, err
		}
	}

	if rep.Pulled+rep.Deleted > 0 {
		if _, err := r.store.RecountCategories(ctx); err != nil {
			return rep, fmt.Errorf("recount categories: %w", err)
		}
	}
	if resp.LastSyncTimestamp != "" {
		if err := r.store.SetCheckpoint(ctx, resp.LastSyncTimestamp); err != nil {
			return rep, err
		}
		rep.Checkpoint = resp.LastSyncTimestamp
	}
	if rep.Merged > 0 && r.onRebase != nil {
		r.onRebase()
	}
	r.log.Debug("reconciled", "pulled", rep.Pulled, "deleted", rep.Deleted, "merged", rep.Merged, "conflicts", len(rep.Conflicts))
	return rep, nil
}

// applyEntity writes a pulled entity to the confirmed layer after checking
// every pending change of that entity against it. Versions we already hold
// are skipped.
func (r *Reconciler) applyEntity(ctx context.Context, kind models.EntityKind, e models.SyncEntity, rep *SyncReport) error {
	current, err := r.confirmedVersion(ctx, kind, e.ID)
	if err != nil {
		return err
	}
	if e.SyncVersion <= current {
		return nil
	}
	held, err := r.ledger.Held(ctx, kind, e.ID)
	if err != nil {
		return err
	}
	for _, c := range held {
		if c.Status != models.ChangePending || c.BaseSyncVersion >= e.SyncVersion {
			continue
		}
		if err := r.checkPending(ctx, kind, c, e, rep); err != nil {
			return err
		}
	}

	err = r.store.PutConfirmed(ctx, kind, e)
	if errors.Is(err, db.ErrStaleVersion) {
		return nil
	}
	if err != nil {
		return err
	}
	rep.Pulled++
	return nil
}

// checkPending three-way merges one pending change made against an older base
// with the newer server entity.
func (r *Reconciler) checkPending(ctx context.Context, kind models.EntityKind, c models.OfflineChange, e models.SyncEntity, rep *SyncReport) error {
	serverChanged, err := serverChangedFields(c, e)
	if err != nil {
		return err
	}
	res, err := ThreeWay(c.BasePayload, c.Payload, serverChanged, e.Payload)
	if err != nil {
		return fmt.Errorf("merge %s: %w", c.EntityKey(), err)
	}

	switch {
	case res.Conflicted():
		local, err := models.ApplyPatch(c.BasePayload, c.Payload)
		if err != nil {
			return err
		}
		conflict := models.DataConflict{
			ID:                uuid.NewString(),
			EntityType:        kind,
			EntityID:          e.ID,
			ChangeID:          c.ID,
			LocalVersion:      local,
			ServerVersion:     e.Payload,
			ConflictFields:    res.ConflictFields,
			LocalSyncVersion:  c.BaseSyncVersion,
			ServerSyncVersion: e.SyncVersion,
			DetectedAt:        r.now().UTC(),
		}
		return r.park(ctx, conflict, rep)
	case len(res.Patch) == 0:
		rep.Superseded++
		return r.ledger.Acknowledge(ctx, c.ID)
	default:
		op := c.Operation
		if op == models.OpCreate {
			op = models.OpUpdate
		}
		if err := r.ledger.Requeue(ctx, c.ID, op, res.Patch, e.Payload, e.SyncVersion); err != nil {
			return err
		}
		rep.Merged++
		if res.AutoResolved {
			rep.AutoResolved++
		}
		return nil
	}
}

// serverChangedFields lists what the server changed relative to the change's
// base. Without a base snapshot every server field counts as changed.
func serverChangedFields(c models.OfflineChange, e models.SyncEntity) ([]string, error) {
	if len(c.BasePayload) == 0 {
		f, err := models.DecodeFields(e.Payload)
		if err != nil {
			return nil, err
		}
		return f.Keys(), nil
	}
	return models.ChangedFields(c.BasePayload, e.Payload)
}

// applyDeletion removes a server-deleted entity. A pending edit of it turns
// into a delete-vs-edit conflict; a pending delete simply agrees.
func (r *Reconciler) applyDeletion(ctx context.Context, kind models.EntityKind, id string, rep *SyncReport) error {
	held, err := r.ledger.Held(ctx, kind, id)
	if err != nil {
		return err
	}
	version, err := r.confirmedVersion(ctx, kind, id)
	if err != nil {
		return err
	}
	for _, c := range held {
		if c.Status != models.ChangePending {
			continue
		}
		if c.Operation == models.OpDelete {
			rep.Superseded++
			if err := r.ledger.Acknowledge(ctx, c.ID); err != nil {
				return err
			}
			continue
		}
		patch, err := models.DecodeFields(c.Payload)
		if err != nil {
			return err
		}
		local, err := models.ApplyPatch(c.BasePayload, c.Payload)
		if err != nil {
			return err
		}
		conflict := models.DataConflict{
			ID:                uuid.NewString(),
			EntityType:        kind,
			EntityID:          id,
			ChangeID:          c.ID,
			LocalVersion:      local,
			ServerVersion:     []byte(`{}`),
			ConflictFields:    models.TrackedFields(patch.Keys()),
			LocalSyncVersion:  c.BaseSyncVersion,
			ServerSyncVersion: version,
			ServerDeleted:     true,
			DetectedAt:        r.now().UTC(),
		}
		if err := r.park(ctx, conflict, rep); err != nil {
			return err
		}
	}
	if err := r.store.MarkDeleted(ctx, kind, id); err != nil {
		return err
	}
	rep.Deleted++
	return nil
}

func (r *Reconciler) confirmedVersion(ctx context.Context, kind models.EntityKind, id string) (int64, error) {
	e, err := r.store.GetConfirmed(ctx, kind, id)
	if errors.Is(err, db.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return e.SyncVersion, nil
}

// adoptServerConflict stores an open conflict the server reports for one of
// our held changes. A conflict resolved here whose resolution has not reached
// the server yet is still open there; it is not adopted again.
func (r *Reconciler) adoptServerConflict(ctx context.Context, c models.DataConflict, rep *SyncReport) error {
	if _, err := r.store.GetConflict(ctx, c.ID); err == nil {
		return nil
	}
	resolved, err := r.store.HasPendingResolution(ctx, c.ID)
	if err != nil {
		return err
	}
	if resolved {
		r.log.Debug("conflict resolution not delivered yet", "conflict", c.ID)
		return nil
	}
	change, err := r.store.GetChange(ctx, c.ChangeID)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if change.Status != models.ChangePending {
		return nil
	}
	return r.park(ctx, c, rep)
}

func (r *Reconciler) park(ctx context.Context, c models.DataConflict, rep *SyncReport) error {
	if err := r.store.SaveConflict(ctx, c); err != nil {
		return err
	}
	if err := r.ledger.MarkConflicted(ctx, c.ChangeID, c.ID); err != nil {
		return err
	}
	r.log.Info("conflict", "entity", models.EntityKey(c.EntityType, c.EntityID), "fields", c.ConflictFields, "serverDeleted", c.ServerDeleted)
	rep.Conflicts = append(rep.Conflicts, c)
	return nil
}
