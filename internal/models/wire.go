package models

// BatchRequest is the body of POST /v1/changes/batch.
type BatchRequest struct {
	Changes []OfflineChange `json:"changes"`
}

// ChangeError reports a change the server refused.
type ChangeError struct {
	ChangeID string `json:"changeId"`
	Error    string `json:"error"`
}

// AppliedChange carries the authoritative entity produced by one change.
type AppliedChange struct {
	ChangeID   string     `json:"changeId"`
	EntityType EntityKind `json:"entityType"`
	Entity     SyncEntity `json:"entity"`
}

// BatchResponse is the result of a batch submission.
type BatchResponse struct {
	Processed int             `json:"processed"`
	Conflicts []DataConflict  `json:"conflicts"`
	Errors    []ChangeError   `json:"errors"`
	Applied   []AppliedChange `json:"applied"`
}

// SyncRequest asks for everything changed since a checkpoint.
type SyncRequest struct {
	LastSyncTimestamp string          `json:"lastSyncTimestamp,omitempty"`
	OfflineChanges    []OfflineChange `json:"offlineChanges,omitempty"`
}

// SyncResponse is the delta since the requested checkpoint.
type SyncResponse struct {
	UpdatedMemos       []SyncEntity   `json:"updatedMemos"`
	DeletedMemoIDs     []string       `json:"deletedMemoIds"`
	UpdatedCategories  []SyncEntity   `json:"updatedCategories"`
	DeletedCategoryIDs []string       `json:"deletedCategoryIds"`
	Conflicts          []DataConflict `json:"conflicts"`
	Errors             []ChangeError  `json:"errors,omitempty"`
	LastSyncTimestamp  string         `json:"lastSyncTimestamp"`
}

// ResolveResponse acknowledges a conflict resolution submission.
type ResolveResponse struct {
	ConflictID string   `json:"conflictId"`
	Status     string   `json:"status"`
	Resolution Strategy `json:"resolution"`
}

// ServerStatus is the server-side view of one owner's sync state.
type ServerStatus struct {
	Memos         int64  `json:"memos"`
	Categories    int64  `json:"categories"`
	OpenConflicts int64  `json:"openConflicts"`
	LastChangeAt  string `json:"lastChangeAt,omitempty"`
}
