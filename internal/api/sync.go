package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/marcus/memo/internal/models"
)

// handleBatch handles POST /v1/changes/batch.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())

	var req models.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	if len(req.Changes) > s.config.MaxBatch {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest,
			fmt.Sprintf("too many changes: %d (max %d)", len(req.Changes), s.config.MaxBatch))
		return
	}

	resp, err := s.store.ApplyBatch(r.Context(), owner.ID, req.Changes)
	if err != nil {
		writeStoreError(w, r, "apply batch", err)
		return
	}
	s.metrics.RecordBatch(resp.Processed, len(resp.Errors), len(resp.Conflicts))
	logFor(r.Context()).Debug("batch",
		"changes", len(req.Changes),
		"processed", resp.Processed,
		"conflicts", len(resp.Conflicts),
		"rejected", len(resp.Errors),
	)
	writeJSON(w, http.StatusOK, resp)
}

// handleSync handles POST /v1/sync. Offline changes carried in the request
// are applied before the delta is read, so their results are part of it.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())

	var req models.SyncRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	if len(req.OfflineChanges) > s.config.MaxBatch {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest,
			fmt.Sprintf("too many changes: %d (max %d)", len(req.OfflineChanges), s.config.MaxBatch))
		return
	}

	var rejected []models.ChangeError
	if len(req.OfflineChanges) > 0 {
		batch, err := s.store.ApplyBatch(r.Context(), owner.ID, req.OfflineChanges)
		if err != nil {
			writeStoreError(w, r, "apply offline changes", err)
			return
		}
		s.metrics.RecordBatch(batch.Processed, len(batch.Errors), len(batch.Conflicts))
		rejected = batch.Errors
	}

	resp, err := s.store.Changes(r.Context(), owner.ID, req.LastSyncTimestamp)
	if err != nil {
		writeStoreError(w, r, "read changes", err)
		return
	}
	resp.Errors = rejected
	s.metrics.RecordPull()
	writeJSON(w, http.StatusOK, resp)
}

// handleResolve handles POST /v1/conflicts/{id}/resolve.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	id := r.PathValue("id")

	var req models.ConflictResolution
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid json body")
		return
	}
	if req.ConflictID == "" {
		req.ConflictID = id
	}
	if req.ConflictID != id {
		writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "conflictId does not match path")
		return
	}

	resp, err := s.store.Resolve(r.Context(), owner.ID, req)
	if err != nil {
		writeStoreError(w, r, "resolve conflict", err)
		return
	}
	s.metrics.RecordResolution()
	writeJSON(w, http.StatusOK, resp)
}

// handleStatus handles GET /v1/sync/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	owner := ownerFromContext(r.Context())
	st, err := s.store.Status(r.Context(), owner.ID)
	if err != nil {
		writeStoreError(w, r, "sync status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
