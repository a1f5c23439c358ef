package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/memo/internal/models"
)

func recordCreate(t *testing.T, l *Ledger, id, title string) models.OfflineChange {
	t.Helper()
	c, err := l.Record(context.Background(), RecordInput{
		Op: models.OpCreate, Kind: models.KindMemo, EntityID: id,
		Payload: memoJSON(t, models.Memo{ID: id, Title: title, CreatedAt: testNow}),
	})
	require.NoError(t, err)
	return c
}

func recordUpdate(t *testing.T, l *Ledger, id, patch string) models.OfflineChange {
	t.Helper()
	c, err := l.Record(context.Background(), RecordInput{
		Op: models.OpUpdate, Kind: models.KindMemo, EntityID: id, Payload: json.RawMessage(patch),
	})
	require.NoError(t, err)
	return c
}

func TestDrainSendsLaneInOrderAndConfirms(t *testing.T) {
	e := newEngine(t, fastConfig())
	ctx := context.Background()
	create := recordCreate(t, e.ledger, "m1", "first")
	update := recordUpdate(t, e.ledger, "m1", `{"title":"second"}`)

	res, err := e.processor.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Sent: 2}, res)
	assert.Equal(t, []string{create.ID, update.ID}, e.server.sentIDs())

	confirmed, err := e.store.GetConfirmed(ctx, models.KindMemo, "m1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, confirmed.SyncVersion)

	memo, err := e.store.GetMemo(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "second", memo.Title)

	held, err := e.ledger.Held(ctx, models.KindMemo, "m1")
	require.NoError(t, err)
	assert.Empty(t, held)

	e.server.mu.Lock()
	defer e.server.mu.Unlock()
	assert.EqualValues(t, 1, e.server.sent[1].BaseSyncVersion, "update rebased onto the created version")
}

func TestDrainRetriesTransientFailures(t *testing.T) {
	e := newEngine(t, fastConfig())
	ctx := context.Background()
	recordCreate(t, e.ledger, "m1", "first")
	e.server.failNext = []error{&httpError{status: 503}, &net.OpError{Op: "dial", Err: errors.New("connection refused")}}

	res, err := e.processor.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)

	errs, err := e.store.RecentSyncErrors(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, errs)
}

func TestDrainWaitsForRetryAfter(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxDelay = 200 * time.Millisecond
	e := newEngine(t, cfg)
	recordCreate(t, e.ledger, "m1", "first")
	e.server.failNext = []error{&httpError{status: 429, retryAfter: 40 * time.Millisecond}}

	start := time.Now()
	res, err := e.processor.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestDrainKeepsChangeWhenRetryBudgetIsSpent(t *testing.T) {
	e := newEngine(t, fastConfig())
	ctx := context.Background()
	c := recordCreate(t, e.ledger, "m1", "first")
	e.server.alwaysErr = &httpError{status: 503}

	res, err := e.processor.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Deferred: 1}, res)

	got, err := e.store.GetChange(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangePending, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, c.ClientID, got.ClientID, "client id survives retries")

	errs, err := e.store.RecentSyncErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, models.ErrKindTransient, errs[0].Kind)

	// Next drain picks it up once the server is back.
	e.server.alwaysErr = nil
	res, err = e.processor.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestDrainOfflineAttemptsNothing(t *testing.T) {
	cfg := fastConfig()
	cfg.Online = func() bool { return false }
	e := newEngine(t, cfg)
	ctx := context.Background()
	recordCreate(t, e.ledger, "m1", "first")
	recordCreate(t, e.ledger, "m2", "second")
	require.NoError(t, e.store.SaveResolution(ctx, models.ConflictResolution{ConflictID: "x", Resolution: models.KeepServer}))

	res, err := e.processor.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Deferred: 2}, res)
	assert.Empty(t, e.server.sentIDs())
	assert.Empty(t, e.server.resolved)
}

func TestDrainTerminalRejectionBlocksLane(t *testing.T) {
	e := newEngine(t, fastConfig())
	ctx := context.Background()
	bad := recordCreate(t, e.ledger, "m1", "first")
	next := recordUpdate(t, e.ledger, "m1", `{"title":"second"}`)
	other := recordCreate(t, e.ledger, "m2", "other")
	e.server.rejectIDs[bad.ID] = "title reserved"

	res, err := e.processor.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Sent: 1, Failed: 1, Deferred: 1}, res)
	assert.ElementsMatch(t, []string{bad.ID, other.ID}, e.server.sentIDs())

	got, err := e.store.GetChange(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeFailed, got.Status)
	assert.Contains(t, got.LastError, "title reserved")

	pending, err := e.store.GetChange(ctx, next.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangePending, pending.Status)

	errs, err := e.store.RecentSyncErrors(ctx, 10)
	require.NoError(t, err)
	require.Len(t, errs, 1)
	assert.Equal(t, models.ErrKindTerminal, errs[0].Kind)
	assert.Equal(t, bad.ID, errs[0].ChangeID)
}

func TestDrainUnauthorizedDefers(t *testing.T) {
	e := newEngine(t, fastConfig())
	ctx := context.Background()
	c := recordCreate(t, e.ledger, "m1", "first")
	e.server.alwaysErr = &httpError{status: 401}

	res, err := e.processor.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Deferred: 1}, res)

	got, err := e.store.GetChange(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangePending, got.Status)
	assert.Equal(t, 0, got.RetryCount, "auth failures are not retried")
}

func TestDrainConflictParksLane(t *testing.T) {
	e := newEngine(t, fastConfig())
	ctx := context.Background()
	payload := seedMemo(t, e.store, models.Memo{ID: "m1", Title: "A", Content: "c", CreatedAt: testNow}, 1)
	e.server.put(models.KindMemo, "m1", 1, payload)
	e.server.edit(models.KindMemo, "m1", `{"content":"server"}`)

	edit := recordUpdate(t, e.ledger, "m1", `{"content":"local"}`)
	later := recordUpdate(t, e.ledger, "m1", `{"title":"B"}`)

	res, err := e.processor.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainResult{Conflicts: 1, Deferred: 1}, res)
	assert.Equal(t, []string{edit.ID}, e.server.sentIDs())

	conflicts, err := e.store.ListConflicts(ctx, models.KindMemo)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, []string{"content"}, conflicts[0].ConflictFields)
	assert.Equal(t, edit.ID, conflicts[0].ChangeID)
	assert.EqualValues(t, 2, conflicts[0].ServerSyncVersion)

	got, err := e.store.GetChange(ctx, edit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangeConflicted, got.Status)
	got, err = e.store.GetChange(ctx, later.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ChangePending, got.Status)

	status, err := e.store.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.MemosConflicts)
	assert.Equal(t, 1, status.MemosPending)

	// The optimistic view keeps showing the local edit.
	memo, err := e.store.GetMemo(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "local", memo.Content)
	assert.Equal(t, "B", memo.Title)
}

func TestDrainNeverOverlapsOneEntity(t *testing.T) {
	cfg := fastConfig()
	cfg.Concurrency = 8
	e := newEngine(t, cfg)
	e.server.delay = 5 * time.Millisecond
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("m%d", i)
		recordCreate(t, e.ledger, id, id)
		recordUpdate(t, e.ledger, id, `{"content":"one"}`)
		recordUpdate(t, e.ledger, id, `{"content":"two"}`)
	}

	var wg stdsync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.processor.Drain(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	// Lanes skipped by a concurrent drain are picked up here.
	_, err := e.processor.Drain(ctx)
	require.NoError(t, err)

	e.server.mu.Lock()
	overlap := e.server.overlap
	sent := append([]models.OfflineChange(nil), e.server.sent...)
	e.server.mu.Unlock()
	assert.False(t, overlap, "two requests for one entity were in flight")
	assert.Len(t, sent, 12)

	seen := map[string][]models.Operation{}
	for _, c := range sent {
		seen[c.EntityID] = append(seen[c.EntityID], c.Operation)
	}
	for id, ops := range seen {
		assert.Equal(t, []models.Operation{models.OpCreate, models.OpUpdate, models.OpUpdate}, ops, id)
		memo, err := e.store.GetMemo(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "two", memo.Content)
	}
}

func TestDrainFlushesResolutions(t *testing.T) {
	e := newEngine(t, fastConfig())
	ctx := context.Background()
	require.NoError(t, e.store.SaveResolution(ctx, models.ConflictResolution{ConflictID: "c1", Resolution: models.KeepServer}))

	res, err := e.processor.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	require.Len(t, e.server.resolved, 1)
	assert.Equal(t, "c1", e.server.resolved[0].ConflictID)

	left, err := e.store.PendingResolutions(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestRunDrainsOnRecord(t *testing.T) {
	e := newEngine(t, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.processor.Run(ctx) }()

	recordCreate(t, e.ledger, "m1", "first")
	require.Eventually(t, func() bool {
		return len(e.server.sentIDs()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("boom"), false},
		{context.DeadlineExceeded, true},
		{&net.OpError{Op: "dial", Err: errors.New("refused")}, true},
		{fmt.Errorf("wrapped: %w", &httpError{status: 503}), true},
		{&httpError{status: 429}, true},
		{&httpError{status: 400}, false},
		{&httpError{status: 401}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsTransient(tc.err), "%v", tc.err)
	}
}
