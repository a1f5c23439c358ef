package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/memo/internal/db"
	"github.com/marcus/memo/internal/models"
)

// Ledger durably records local mutations in arrival order. It never touches
// the network.
type Ledger struct {
	store  Store
	now    func() time.Time
	notify func()
}

// NewLedger returns a ledger over store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// OnRecord registers a hook called after every recorded change, typically
// Processor.Notify.
func (l *Ledger) OnRecord(fn func()) {
	l.notify = fn
}

// SetClock overrides the ledger clock. Tests only.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// RecordInput describes one local mutation.
type RecordInput struct {
	Op       models.Operation
	Kind     models.EntityKind
	EntityID string
	Payload  json.RawMessage
	// ClientID is the idempotency token. Recording twice with the same token
	// coalesces into one entry. Empty means a fresh token.
	ClientID string
	// BaseVersion and BasePayload default to the confirmed version.
	BaseVersion int64
	BasePayload json.RawMessage
}

// Record validates and appends a change. Validation failures are returned
// and nothing is queued.
func (l *Ledger) Record(ctx context.Context, in RecordInput) (models.OfflineChange, error) {
	if in.EntityID == "" {
		return models.OfflineChange{}, &models.ValidationError{Field: "entityId", Reason: "is required"}
	}
	payload, err := models.NormalizePayload(in.Kind, in.Op, in.Payload)
	if err != nil {
		return models.OfflineChange{}, err
	}

	base, basePayload := in.BaseVersion, in.BasePayload
	if base == 0 && len(basePayload) == 0 {
		confirmed, err := l.store.GetConfirmed(ctx, in.Kind, in.EntityID)
		switch {
		case errors.Is(err, db.ErrNotFound):
		case err != nil:
			return models.OfflineChange{}, err
		default:
			base, basePayload = confirmed.SyncVersion, confirmed.Payload
		}
	}

	clientID := in.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	c := models.OfflineChange{
		ID:              uuid.NewString(),
		Operation:       in.Op,
		EntityType:      in.Kind,
		EntityID:        in.EntityID,
		Payload:         payload,
		Timestamp:       l.now().UTC(),
		ClientID:        clientID,
		BaseSyncVersion: base,
		Status:          models.ChangePending,
		BasePayload:     basePayload,
	}
	stored, err := l.store.InsertChange(ctx, c)
	if err != nil {
		return models.OfflineChange{}, fmt.Errorf("record %s %s: %w", in.Op, models.EntityKey(in.Kind, in.EntityID), err)
	}
	if l.notify != nil {
		l.notify()
	}
	return stored, nil
}

// PeekPending returns the changes still to be sent for kind, in ledger order.
// Conflicted entries are included so callers can see what blocks a lane.
func (l *Ledger) PeekPending(ctx context.Context, kind models.EntityKind) ([]models.OfflineChange, error) {
	return l.store.ListChanges(ctx, db.ChangeFilter{
		Kind:     kind,
		Statuses: []models.ChangeStatus{models.ChangePending, models.ChangeConflicted},
	})
}

// Held returns every unacknowledged change of one entity, in ledger order.
func (l *Ledger) Held(ctx context.Context, kind models.EntityKind, id string) ([]models.OfflineChange, error) {
	return l.store.ListChanges(ctx, db.ChangeFilter{Kind: kind, EntityID: id})
}

// Failed returns changes the server rejected terminally.
func (l *Ledger) Failed(ctx context.Context) ([]models.OfflineChange, error) {
	return l.store.ListChanges(ctx, db.ChangeFilter{Statuses: []models.ChangeStatus{models.ChangeFailed}})
}

// Acknowledge removes a confirmed change. Unknown ids are a no-op.
func (l *Ledger) Acknowledge(ctx context.Context, changeID string) error {
	return l.store.DeleteChange(ctx, changeID)
}

// AcknowledgeSent removes a change the server confirmed, given the snapshot
// that was sent. An entry coalesced while in flight is kept pending under a
// fresh clientId; the result reports that.
func (l *Ledger) AcknowledgeSent(ctx context.Context, sent models.OfflineChange) (bool, error) {
	kept, err := l.store.AckChange(ctx, sent, uuid.NewString())
	if err != nil {
		return false, err
	}
	if kept && l.notify != nil {
		l.notify()
	}
	return kept, nil
}

// IncrementRetry counts a failed send attempt.
func (l *Ledger) IncrementRetry(ctx context.Context, changeID string, cause error) (int, error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return l.store.IncrementRetry(ctx, changeID, msg)
}

// MarkConflicted parks a change until its conflict is resolved.
func (l *Ledger) MarkConflicted(ctx context.Context, changeID, conflictID string) error {
	return l.store.SetChangeStatus(ctx, changeID, models.ChangeConflicted, "conflict "+conflictID)
}

// MarkFailed parks a change the server rejected. It stays in the ledger for
// manual intervention.
func (l *Ledger) MarkFailed(ctx context.Context, changeID string, cause error) error {
	return l.store.SetChangeStatus(ctx, changeID, models.ChangeFailed, cause.Error())
}

// Retry puts a failed change back in the queue.
func (l *Ledger) Retry(ctx context.Context, changeID string) error {
	c, err := l.store.GetChange(ctx, changeID)
	if err != nil {
		return err
	}
	if c.Status != models.ChangeFailed {
		return fmt.Errorf("change %s is %s, not failed", changeID, c.Status)
	}
	if err := l.store.RequeueChange(ctx, c.ID, "", c.Payload, c.BasePayload, c.BaseSyncVersion); err != nil {
		return err
	}
	if l.notify != nil {
		l.notify()
	}
	return nil
}

// Requeue replaces a held change's operation, payload and base, returning it
// to pending.
func (l *Ledger) Requeue(ctx context.Context, changeID string, op models.Operation, payload, basePayload json.RawMessage, baseVersion int64) error {
	return l.store.RequeueChange(ctx, changeID, op, payload, basePayload, baseVersion)
}

// Rebase moves the pending changes of one entity from an old base version to
// a new one.
func (l *Ledger) Rebase(ctx context.Context, kind models.EntityKind, id string, from, to int64, basePayload json.RawMessage) (int, error) {
	return l.store.RebaseChanges(ctx, kind, id, from, to, basePayload)
}
