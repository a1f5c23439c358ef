package models

import (
	"encoding/json"
	"time"
)

// EntityKind names a synchronized entity type.
type EntityKind string

const (
	KindMemo     EntityKind = "memo"
	KindCategory EntityKind = "category"
)

// IsValid reports whether k is a known entity kind.
func (k EntityKind) IsValid() bool {
	return k == KindMemo || k == KindCategory
}

// Operation is the mutation recorded by an offline change.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ChangeStatus is the local lifecycle of a ledger entry.
type ChangeStatus string

const (
	ChangePending    ChangeStatus = "pending"
	ChangeConflicted ChangeStatus = "conflicted"
	ChangeFailed     ChangeStatus = "failed"
)

// SyncEntity is the versioned envelope around any synchronized record.
type SyncEntity struct {
	ID          string          `json:"id"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	SyncVersion int64           `json:"syncVersion"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Deleted     bool            `json:"deleted,omitempty"`
}

// OfflineChange is one queued local mutation.
type OfflineChange struct {
	ID              string          `json:"id"`
	Operation       Operation       `json:"operation"`
	EntityType      EntityKind      `json:"entityType"`
	EntityID        string          `json:"entityId"`
	Payload         json.RawMessage `json:"payload"`
	Timestamp       time.Time       `json:"timestamp"`
	ClientID        string          `json:"clientId"`
	RetryCount      int             `json:"retryCount"`
	BaseSyncVersion int64           `json:"baseSyncVersion"`

	// Local bookkeeping, never sent.
	Seq         int64           `json:"-"`
	Status      ChangeStatus    `json:"-"`
	BasePayload json.RawMessage `json:"-"`
	LastError   string          `json:"-"`
}

// EntityKey identifies the lane a change belongs to.
func (c OfflineChange) EntityKey() string {
	return EntityKey(c.EntityType, c.EntityID)
}

// EntityKey joins a kind and id into a single lane key.
func EntityKey(kind EntityKind, id string) string {
	return string(kind) + "/" + id
}

// DataConflict records two edits of one entity that touched a common field.
type DataConflict struct {
	ID                string          `json:"id"`
	EntityType        EntityKind      `json:"entityType"`
	EntityID          string          `json:"entityId"`
	ChangeID          string          `json:"changeId"`
	LocalVersion      json.RawMessage `json:"localVersion"`
	ServerVersion     json.RawMessage `json:"serverVersion"`
	ConflictFields    []string        `json:"conflictFields"`
	LocalSyncVersion  int64           `json:"localSyncVersion"`
	ServerSyncVersion int64           `json:"serverSyncVersion"`
	ServerDeleted     bool            `json:"serverDeleted,omitempty"`
	DetectedAt        time.Time       `json:"detectedAt"`
}

// Strategy selects how a conflict is resolved.
type Strategy string

const (
	KeepLocal  Strategy = "local"
	KeepServer Strategy = "server"
	Merged     Strategy = "merge"
)

// IsValid reports whether s is a known strategy.
func (s Strategy) IsValid() bool {
	return s == KeepLocal || s == KeepServer || s == Merged
}

// ConflictResolution is a user decision for one open conflict.
type ConflictResolution struct {
	ConflictID string          `json:"conflictId"`
	Resolution Strategy        `json:"resolution"`
	MergedData json.RawMessage `json:"mergedData,omitempty"`
}

// SyncStatus is the read model exposed to the UI layer.
type SyncStatus struct {
	MemosPending        int `json:"memosPending"`
	CategoriesPending   int `json:"categoriesPending"`
	MemosConflicts      int `json:"memosConflicts"`
	CategoriesConflicts int `json:"categoriesConflicts"`
}

// ErrorKind classifies a recorded sync error.
type ErrorKind string

const (
	ErrKindValidation      ErrorKind = "validation"
	ErrKindTransient       ErrorKind = "transient"
	ErrKindConflict        ErrorKind = "conflict"
	ErrKindMergeValidation ErrorKind = "merge_validation"
	ErrKindTerminal        ErrorKind = "terminal"
)

// SyncError is one entry of the bounded sync error log.
type SyncError struct {
	ID         int64      `json:"id"`
	ChangeID   string     `json:"changeId,omitempty"`
	EntityType EntityKind `json:"entityType,omitempty"`
	EntityID   string     `json:"entityId,omitempty"`
	Kind       ErrorKind  `json:"kind"`
	Message    string     `json:"message"`
	OccurredAt time.Time  `json:"occurredAt"`
}
