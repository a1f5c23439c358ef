package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/marcus/memo/internal/models"
	"github.com/marcus/memo/internal/serverdb"
)

// newTestServer creates a Server backed by a temp database for testing.
func newTestServer(t *testing.T) (*Server, *serverdb.ServerDB) {
	t.Helper()
	return newTestServerWithConfig(t, nil)
}

// newTestServerWithConfig creates a test server with a custom config modifier.
func newTestServerWithConfig(t *testing.T, modCfg func(*Config)) (*Server, *serverdb.ServerDB) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "server.db")
	store, err := serverdb.Open(dbPath)
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := Config{
		RateLimitBatch: 100000,
		RateLimitOther: 100000,
		MaxBatch:       500,
		ListenAddr:     ":0",
		DBPath:         dbPath,
	}
	if modCfg != nil {
		modCfg(&cfg)
	}

	srv, err := NewServer(cfg, store)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	t.Cleanup(srv.rateLimiter.Stop)
	return srv, store
}

// doRequest sends a request through the full middleware chain.
func doRequest(srv *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-Device-ID", "dev-test")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func assertErrorCode(t *testing.T, w *httptest.ResponseRecorder, code string) {
	t.Helper()
	var resp ErrorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if resp.Error.Code != code {
		t.Fatalf("error code: got %q, want %q (%s)", resp.Error.Code, code, resp.Error.Message)
	}
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	return v
}

func memoChange(id, clientID string, op models.Operation, memoID string, base int64, payload string) models.OfflineChange {
	return models.OfflineChange{
		ID:              id,
		ClientID:        clientID,
		Operation:       op,
		EntityType:      models.KindMemo,
		EntityID:        memoID,
		BaseSyncVersion: base,
		Payload:         json.RawMessage(payload),
	}
}

func postBatch(t *testing.T, srv *Server, token string, changes ...models.OfflineChange) models.BatchResponse {
	t.Helper()
	w := doRequest(srv, http.MethodPost, "/v1/changes/batch", token, models.BatchRequest{Changes: changes})
	if w.Code != http.StatusOK {
		t.Fatalf("batch: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	return decode[models.BatchResponse](t, w)
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Fatal("missing request id header")
	}
}

func TestAuthRequired(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodGet, "/v1/sync/status", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", w.Code)
	}
	assertErrorCode(t, w, ErrCodeUnauthorized)

	req := httptest.NewRequest(http.MethodGet, "/v1/sync/status", nil)
	req.Header.Set("Authorization", "Basic abc")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("basic auth: expected 401, got %d", rec.Code)
	}
}

func TestBatchThenPull(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postBatch(t, srv, "alice",
		memoChange("c1", "cid1", models.OpCreate, "m1", 0, `{"id":"m1","title":"Go","content":"goroutines","tags":["GO"]}`),
		memoChange("c2", "cid2", models.OpUpdate, "m1", 1, `{"title":"Go!"}`),
	)
	if resp.Processed != 2 || len(resp.Applied) != 2 || resp.Applied[1].Entity.SyncVersion != 2 {
		t.Fatalf("batch: %+v", resp)
	}

	w := doRequest(srv, http.MethodPost, "/v1/sync", "alice", models.SyncRequest{})
	if w.Code != http.StatusOK {
		t.Fatalf("sync: expected 200, got %d", w.Code)
	}
	pull := decode[models.SyncResponse](t, w)
	if len(pull.UpdatedMemos) != 1 || pull.UpdatedMemos[0].SyncVersion != 2 || pull.LastSyncTimestamp == "" {
		t.Fatalf("pull: %+v", pull)
	}
	var m models.Memo
	json.Unmarshal(pull.UpdatedMemos[0].Payload, &m)
	if m.Title != "Go!" || len(m.Tags) != 1 || m.Tags[0] != "go" {
		t.Fatalf("memo: %+v", m)
	}

	w = doRequest(srv, http.MethodPost, "/v1/sync", "alice", models.SyncRequest{LastSyncTimestamp: pull.LastSyncTimestamp})
	again := decode[models.SyncResponse](t, w)
	if len(again.UpdatedMemos) != 0 || again.LastSyncTimestamp != pull.LastSyncTimestamp {
		t.Fatalf("second pull: %+v", again)
	}

	// Owners never see each other's data.
	w = doRequest(srv, http.MethodPost, "/v1/sync", "bob", models.SyncRequest{})
	if bob := decode[models.SyncResponse](t, w); len(bob.UpdatedMemos) != 0 {
		t.Fatalf("bob pull: %+v", bob)
	}
}

func TestBatchReplayIsIdempotent(t *testing.T) {
	srv, _ := newTestServer(t)
	c := memoChange("c1", "cid1", models.OpCreate, "m1", 0, `{"id":"m1","title":"A","content":"","tags":[]}`)
	postBatch(t, srv, "alice", c)
	resp := postBatch(t, srv, "alice", c)
	if resp.Processed != 1 || resp.Applied[0].Entity.SyncVersion != 1 {
		t.Fatalf("replay: %+v", resp)
	}
}

func TestBatchRejectsBadRequests(t *testing.T) {
	srv, _ := newTestServerWithConfig(t, func(cfg *Config) { cfg.MaxBatch = 1 })

	req := httptest.NewRequest(http.MethodPost, "/v1/changes/batch", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer alice")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400, got %d", w.Code)
	}

	w = doRequest(srv, http.MethodPost, "/v1/changes/batch", "alice", models.BatchRequest{Changes: []models.OfflineChange{
		memoChange("c1", "cid1", models.OpCreate, "m1", 0, `{"id":"m1","title":"A"}`),
		memoChange("c2", "cid2", models.OpCreate, "m2", 0, `{"id":"m2","title":"B"}`),
	}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("oversized batch: expected 400, got %d", w.Code)
	}

	// Invalid changes are reported per change, not as a request failure.
	resp := postBatch(t, srv, "alice", memoChange("c3", "cid3", models.OpCreate, "m3", 0, `{"id":"m3","title":""}`))
	if resp.Processed != 0 || len(resp.Errors) != 1 || resp.Errors[0].ChangeID != "c3" {
		t.Fatalf("invalid change: %+v", resp)
	}
}

func TestSyncCarriesOfflineChanges(t *testing.T) {
	srv, _ := newTestServer(t)

	w := doRequest(srv, http.MethodPost, "/v1/sync", "alice", models.SyncRequest{OfflineChanges: []models.OfflineChange{
		memoChange("c1", "cid1", models.OpCreate, "m1", 0, `{"id":"m1","title":"A","content":"","tags":[]}`),
		memoChange("c2", "cid2", models.OpUpdate, "ghost", 1, `{"title":"B"}`),
	}})
	if w.Code != http.StatusOK {
		t.Fatalf("sync: expected 200, got %d", w.Code)
	}
	resp := decode[models.SyncResponse](t, w)
	if len(resp.UpdatedMemos) != 1 || len(resp.Errors) != 1 || resp.Errors[0].ChangeID != "c2" {
		t.Fatalf("sync response: %+v", resp)
	}
}

func TestSyncRejectsBadCheckpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(srv, http.MethodPost, "/v1/sync", "alice", models.SyncRequest{LastSyncTimestamp: "last tuesday"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	assertErrorCode(t, w, ErrCodeValidation)
}

func TestConflictAndResolve(t *testing.T) {
	srv, _ := newTestServer(t)
	postBatch(t, srv, "alice",
		memoChange("c1", "cid1", models.OpCreate, "m1", 0, `{"id":"m1","title":"A","content":"base","tags":[]}`),
		memoChange("c2", "cid2", models.OpUpdate, "m1", 1, `{"content":"server"}`),
	)
	resp := postBatch(t, srv, "alice", memoChange("c3", "cid3", models.OpUpdate, "m1", 1, `{"content":"local"}`))
	if len(resp.Conflicts) != 1 {
		t.Fatalf("expected a conflict: %+v", resp)
	}
	conflict := resp.Conflicts[0]
	if len(conflict.ConflictFields) != 1 || conflict.ConflictFields[0] != "content" {
		t.Fatalf("conflict fields: %v", conflict.ConflictFields)
	}

	// Open conflicts ride along with every pull.
	w := doRequest(srv, http.MethodPost, "/v1/sync", "alice", models.SyncRequest{})
	if pull := decode[models.SyncResponse](t, w); len(pull.Conflicts) != 1 || pull.Conflicts[0].ID != conflict.ID {
		t.Fatalf("pull conflicts: %+v", pull.Conflicts)
	}

	path := "/v1/conflicts/" + conflict.ID + "/resolve"
	w = doRequest(srv, http.MethodPost, path, "alice", models.ConflictResolution{
		Resolution: models.Merged, MergedData: json.RawMessage(`{"title":"A"}`),
	})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("incomplete merge: expected 422, got %d", w.Code)
	}
	assertErrorCode(t, w, ErrCodeMergeValidation)

	w = doRequest(srv, http.MethodPost, path, "alice", models.ConflictResolution{ConflictID: "other", Resolution: models.KeepServer})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("mismatched id: expected 400, got %d", w.Code)
	}

	w = doRequest(srv, http.MethodPost, path, "bob", models.ConflictResolution{Resolution: models.KeepServer})
	if w.Code != http.StatusNotFound {
		t.Fatalf("other owner: expected 404, got %d", w.Code)
	}

	w = doRequest(srv, http.MethodPost, path, "alice", models.ConflictResolution{
		Resolution: models.Merged, MergedData: json.RawMessage(`{"content":"merged"}`),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("resolve: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if rr := decode[models.ResolveResponse](t, w); rr.Status != "resolved" {
		t.Fatalf("resolve response: %+v", rr)
	}

	w = doRequest(srv, http.MethodPost, path, "alice", models.ConflictResolution{Resolution: models.KeepServer})
	if w.Code != http.StatusNotFound {
		t.Fatalf("resolved twice: expected 404, got %d", w.Code)
	}
	assertErrorCode(t, w, ErrCodeNotFound)

	w = doRequest(srv, http.MethodGet, "/v1/sync/status", "alice", nil)
	st := decode[models.ServerStatus](t, w)
	if st.Memos != 1 || st.OpenConflicts != 0 {
		t.Fatalf("status: %+v", st)
	}
}

func TestMetricsCountOutcomes(t *testing.T) {
	srv, _ := newTestServer(t)
	postBatch(t, srv, "alice",
		memoChange("c1", "cid1", models.OpCreate, "m1", 0, `{"id":"m1","title":"A","content":"","tags":[]}`),
		memoChange("c2", "cid2", models.OpUpdate, "nope", 1, `{"title":"B"}`),
	)
	doRequest(srv, http.MethodGet, "/v1/sync/status", "", nil)

	w := doRequest(srv, http.MethodGet, "/metricz", "", nil)
	snap := decode[MetricsSnapshot](t, w)
	if snap.ChangesApplied != 1 || snap.ChangesRejected != 1 {
		t.Fatalf("change counters: %+v", snap)
	}
	if snap.ClientErrors != 1 || snap.Requests < 2 {
		t.Fatalf("request counters: %+v", snap)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}), requestContext, recoveryMiddleware)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	assertErrorCode(t, w, ErrCodeInternal)
}

func TestRequestIDEchoesClientUUID(t *testing.T) {
	h := chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(requestID(r.Context())))
	}), requestContext)

	const id = "0b7e9c52-1f0e-4c3e-9f55-6f1d8c8a2b10"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", id)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != id || w.Body.String() != id {
		t.Fatalf("request id = %q / %q, want %q", got, w.Body.String(), id)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "not-a-uuid")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got == "not-a-uuid" || got == "" {
		t.Fatalf("malformed id should be replaced, got %q", got)
	}
}

func TestOwnerIDIsStable(t *testing.T) {
	if ownerID("alice") != ownerID("alice") || ownerID("alice") == ownerID("bob") {
		t.Fatal("owner id must be a stable function of the token")
	}
}
