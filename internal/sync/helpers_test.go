package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	stdsync "sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/marcus/memo/internal/db"
	"github.com/marcus/memo/internal/models"
)

var testNow = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.OpenMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenMemory failed: %v", err)
	}
	store.SetClock(func() time.Time { return testNow })
	t.Cleanup(func() { store.Close() })
	return store
}

func memoJSON(t *testing.T, m models.Memo) json.RawMessage {
	t.Helper()
	if m.EaseFactor == 0 {
		m.ReviewState = models.NewReviewState()
	}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal memo: %v", err)
	}
	return data
}

func seedMemo(t *testing.T, store *db.DB, m models.Memo, version int64) json.RawMessage {
	t.Helper()
	payload := memoJSON(t, m)
	err := store.PutConfirmed(context.Background(), models.KindMemo, models.SyncEntity{ID: m.ID, SyncVersion: version, Payload: payload, UpdatedAt: testNow})
	if err != nil {
		t.Fatalf("seed memo: %v", err)
	}
	return payload
}

// httpError mimics the transport's typed error.
type httpError struct {
	status     int
	retryAfter time.Duration
}

func (e *httpError) Error() string { return fmt.Sprintf("http %d", e.status) }
func (e *httpError) StatusCode() int { return e.status }
func (e *httpError) Temporary() bool { return e.status >= 500 || e.status == http.StatusTooManyRequests }
func (e *httpError) RetryDelay() time.Duration { return e.retryAfter }

type serverEntity struct {
	version int64
	payload json.RawMessage
	deleted bool
	history map[int64][]string // fields changed to reach each version
}

// fakeServer is an in-memory Transport with optimistic concurrency on
// syncVersion and field-level conflict detection.
type fakeServer struct {
	mu        stdsync.Mutex
	entities  map[string]*serverEntity
	applied   map[string]bool
	sent      []models.OfflineChange
	inFlight  map[string]int
	overlap   bool // two concurrent requests for one entity were seen
	delay     time.Duration
	failNext  []error // returned by BatchUpdate before any processing
	rejectIDs map[string]string
	resolved  []models.ConflictResolution
	pulls     int
	alwaysErr error // returned by every BatchUpdate when set
	open      []models.DataConflict
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		entities:  make(map[string]*serverEntity),
		applied:   make(map[string]bool),
		inFlight:  make(map[string]int),
		rejectIDs: make(map[string]string),
	}
}

func (s *fakeServer) put(kind models.EntityKind, id string, version int64, payload json.RawMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[models.EntityKey(kind, id)] = &serverEntity{version: version, payload: payload, history: map[int64][]string{}}
}

func (s *fakeServer) get(kind models.EntityKind, id string) *serverEntity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entities[models.EntityKey(kind, id)]
}

// remove deletes an entity as if another device had.
func (s *fakeServer) remove(kind models.EntityKind, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entities[models.EntityKey(kind, id)]
	e.version++
	e.deleted = true
}

// edit applies a change as if another device had pushed it.
func (s *fakeServer) edit(kind models.EntityKind, id string, patch string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entities[models.EntityKey(kind, id)]
	merged, _ := models.ApplyPatch(e.payload, json.RawMessage(patch))
	f, _ := models.DecodeFields(json.RawMessage(patch))
	e.version++
	e.payload = merged
	e.history[e.version] = f.Keys()
	return e.version
}

func (s *fakeServer) BatchUpdate(ctx context.Context, changes []models.OfflineChange) (*models.BatchResponse, error) {
	s.mu.Lock()
	if s.alwaysErr != nil {
		s.mu.Unlock()
		return nil, s.alwaysErr
	}
	if len(s.failNext) > 0 {
		err := s.failNext[0]
		s.failNext = s.failNext[1:]
		s.mu.Unlock()
		return nil, err
	}
	for _, c := range changes {
		key := c.EntityKey()
		s.inFlight[key]++
		if s.inFlight[key] > 1 {
			s.overlap = true
		}
	}
	delay := s.delay
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	resp := &models.BatchResponse{}
	for _, c := range changes {
		s.inFlight[c.EntityKey()]--
		s.sent = append(s.sent, c)
		if reason, ok := s.rejectIDs[c.ID]; ok {
			resp.Errors = append(resp.Errors, models.ChangeError{ChangeID: c.ID, Error: reason})
			continue
		}
		entity, conflict := s.apply(c)
		if conflict != nil {
			resp.Conflicts = append(resp.Conflicts, *conflict)
			continue
		}
		resp.Processed++
		resp.Applied = append(resp.Applied, models.AppliedChange{ChangeID: c.ID, EntityType: c.EntityType, Entity: entity})
	}
	return resp, nil
}

func (s *fakeServer) apply(c models.OfflineChange) (models.SyncEntity, *models.DataConflict) {
	key := c.EntityKey()
	e := s.entities[key]
	if e == nil {
		e = &serverEntity{history: map[int64][]string{}}
		s.entities[key] = e
	}
	if s.applied[c.ClientID] {
		return models.SyncEntity{ID: c.EntityID, SyncVersion: e.version, Payload: e.payload, Deleted: e.deleted}, nil
	}
	patch, _ := models.DecodeFields(c.Payload)
	if c.BaseSyncVersion < e.version && c.Operation == models.OpUpdate {
		var changed []string
		for v := c.BaseSyncVersion + 1; v <= e.version; v++ {
			changed = append(changed, e.history[v]...)
		}
		res, _ := ThreeWay(nil, c.Payload, changed, e.payload)
		if res.Conflicted() {
			return models.SyncEntity{}, &models.DataConflict{
				ID: uuid.NewString(), EntityType: c.EntityType, EntityID: c.EntityID, ChangeID: c.ID,
				LocalVersion: c.Payload, ServerVersion: e.payload, ConflictFields: res.ConflictFields,
				LocalSyncVersion: c.BaseSyncVersion, ServerSyncVersion: e.version, DetectedAt: testNow,
			}
		}
	}
	switch c.Operation {
	case models.OpCreate:
		e.payload = c.Payload
		e.deleted = false
	case models.OpUpdate:
		e.payload, _ = models.ApplyPatch(e.payload, c.Payload)
	case models.OpDelete:
		e.deleted = true
	}
	e.version++
	e.history[e.version] = patch.Keys()
	s.applied[c.ClientID] = true
	return models.SyncEntity{ID: c.EntityID, SyncVersion: e.version, Payload: e.payload, Deleted: e.deleted, UpdatedAt: testNow}, nil
}

func (s *fakeServer) Sync(ctx context.Context, req models.SyncRequest) (*models.SyncResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pulls++
	resp := &models.SyncResponse{LastSyncTimestamp: fmt.Sprintf("cp-%d", s.pulls), Conflicts: s.open}
	for key, e := range s.entities {
		kind, id := splitKey(key)
		if e.deleted {
			if kind == models.KindMemo {
				resp.DeletedMemoIDs = append(resp.DeletedMemoIDs, id)
			} else {
				resp.DeletedCategoryIDs = append(resp.DeletedCategoryIDs, id)
			}
			continue
		}
		se := models.SyncEntity{ID: id, SyncVersion: e.version, Payload: e.payload, UpdatedAt: testNow}
		if kind == models.KindMemo {
			resp.UpdatedMemos = append(resp.UpdatedMemos, se)
		} else {
			resp.UpdatedCategories = append(resp.UpdatedCategories, se)
		}
	}
	return resp, nil
}

func splitKey(key string) (models.EntityKind, string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return models.EntityKind(key[:i]), key[i+1:]
		}
	}
	return "", key
}

func (s *fakeServer) ResolveConflict(ctx context.Context, r models.ConflictResolution) (*models.ResolveResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolved = append(s.resolved, r)
	return &models.ResolveResponse{ConflictID: r.ConflictID, Status: "resolved", Resolution: r.Resolution}, nil
}

func (s *fakeServer) sentIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.sent))
	for i, c := range s.sent {
		ids[i] = c.ID
	}
	return ids
}

func fastConfig() ProcessorConfig {
	return ProcessorConfig{
		BaseDelay:      time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		MaxAttempts:    3,
		AttemptTimeout: time.Second,
		Concurrency:    4,
	}
}

type engine struct {
	store      *db.DB
	ledger     *Ledger
	server     *fakeServer
	processor  *Processor
	reconciler *Reconciler
	resolver   *Resolver
}

func newEngine(t *testing.T, cfg ProcessorConfig) *engine {
	t.Helper()
	store := newStore(t)
	ledger := NewLedger(store)
	ledger.SetClock(func() time.Time { return testNow })
	server := newFakeServer()
	p := NewProcessor(store, ledger, server, cfg)
	ledger.OnRecord(p.Notify)
	rec := NewReconciler(store, ledger, server, nil)
	rec.OnRebase(p.Notify)
	res := NewResolver(store, ledger, nil)
	res.OnResolve(p.Notify)
	return &engine{store: store, ledger: ledger, server: server, processor: p, reconciler: rec, resolver: res}
}
