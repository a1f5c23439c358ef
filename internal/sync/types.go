// Package sync is the client side of offline synchronization: the change
// ledger, the queue processor that drains it, the reconciler that pulls
// server state and the conflict resolver.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"time"

	"github.com/marcus/memo/internal/db"
	"github.com/marcus/memo/internal/models"
)

// ErrMergeValidation is returned when a merge resolution omits a value for a
// conflicting field. The conflict stays open.
var ErrMergeValidation = errors.New("merge is missing conflicting fields")

// Store is the local store the sync components share. *db.DB implements it.
type Store interface {
	GetConfirmed(ctx context.Context, kind models.EntityKind, id string) (*models.SyncEntity, error)
	PutConfirmed(ctx context.Context, kind models.EntityKind, e models.SyncEntity) error
	MarkDeleted(ctx context.Context, kind models.EntityKind, id string) error
	RebuildOptimistic(ctx context.Context, kind models.EntityKind, id string) error
	GetView(ctx context.Context, kind models.EntityKind, id string) (*db.View, error)

	InsertChange(ctx context.Context, c models.OfflineChange) (models.OfflineChange, error)
	GetChange(ctx context.Context, id string) (*models.OfflineChange, error)
	ListChanges(ctx context.Context, filter db.ChangeFilter) ([]models.OfflineChange, error)
	DeleteChange(ctx context.Context, id string) error
	AckChange(ctx context.Context, sent models.OfflineChange, nextClientID string) (bool, error)
	IncrementRetry(ctx context.Context, id, lastErr string) (int, error)
	SetChangeStatus(ctx context.Context, id string, status models.ChangeStatus, reason string) error
	RequeueChange(ctx context.Context, id string, op models.Operation, payload, basePayload json.RawMessage, baseVersion int64) error
	RebaseChanges(ctx context.Context, kind models.EntityKind, id string, fromVersion, toVersion int64, basePayload json.RawMessage) (int, error)

	SaveConflict(ctx context.Context, c models.DataConflict) error
	GetConflict(ctx context.Context, id string) (*models.DataConflict, error)
	ListConflicts(ctx context.Context, kind models.EntityKind) ([]models.DataConflict, error)
	DeleteConflict(ctx context.Context, id string) error

	SaveResolution(ctx context.Context, r models.ConflictResolution) error
	PendingResolutions(ctx context.Context) ([]models.ConflictResolution, error)
	HasPendingResolution(ctx context.Context, conflictID string) (bool, error)
	DeleteResolution(ctx context.Context, conflictID string) error

	RecordSyncError(ctx context.Context, e models.SyncError) error
	Checkpoint(ctx context.Context) (string, error)
	SetCheckpoint(ctx context.Context, ts string) error
	RecountCategories(ctx context.Context) (map[string]int, error)
}

var _ Store = (*db.DB)(nil)

// Transport is the request/response channel to the sync server.
type Transport interface {
	BatchUpdate(ctx context.Context, changes []models.OfflineChange) (*models.BatchResponse, error)
	Sync(ctx context.Context, req models.SyncRequest) (*models.SyncResponse, error)
	ResolveConflict(ctx context.Context, r models.ConflictResolution) (*models.ResolveResponse, error)
}

// IsTransient reports whether err is worth retrying: network failures,
// timeouts and errors that say so via Temporary().
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) {
		return temp.Temporary()
	}
	return false
}

// statusCode extracts an HTTP status from a transport error, 0 if none.
func statusCode(err error) int {
	var coded interface{ StatusCode() int }
	if errors.As(err, &coded) {
		return coded.StatusCode()
	}
	return 0
}

// retryDelay extracts a server-requested wait from a transport error.
func retryDelay(err error) time.Duration {
	var hinted interface{ RetryDelay() time.Duration }
	if errors.As(err, &hinted) {
		return hinted.RetryDelay()
	}
	return 0
}
