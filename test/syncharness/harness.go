// Package syncharness runs several simulated devices against a real sync
// server over HTTP and checks they converge.
package syncharness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marcus/memo/internal/api"
	"github.com/marcus/memo/internal/db"
	"github.com/marcus/memo/internal/models"
	"github.com/marcus/memo/internal/quiz"
	"github.com/marcus/memo/internal/serverdb"
	memosync "github.com/marcus/memo/internal/sync"
	"github.com/marcus/memo/internal/syncclient"
)

const token = "tok-harness"

var errOffline = errors.New("simulated network outage")

// link is a device's transport with a switch for network outages.
type link struct {
	client  *syncclient.Client
	offline atomic.Bool
}

func (l *link) BatchUpdate(ctx context.Context, changes []models.OfflineChange) (*models.BatchResponse, error) {
	if l.offline.Load() {
		return nil, errOffline
	}
	return l.client.BatchUpdate(ctx, changes)
}

func (l *link) Sync(ctx context.Context, req models.SyncRequest) (*models.SyncResponse, error) {
	if l.offline.Load() {
		return nil, errOffline
	}
	return l.client.Sync(ctx, req)
}

func (l *link) ResolveConflict(ctx context.Context, r models.ConflictResolution) (*models.ResolveResponse, error) {
	if l.offline.Load() {
		return nil, errOffline
	}
	return l.client.ResolveConflict(ctx, r)
}

// Device is one simulated client with its own local store.
type Device struct {
	Name       string
	DB         *db.DB
	Ledger     *memosync.Ledger
	Processor  *memosync.Processor
	Reconciler *memosync.Reconciler
	Resolver   *memosync.Resolver
	Quiz       *quiz.Orchestrator
	link       *link
}

// Harness wires a sync server and its devices.
type Harness struct {
	t       *testing.T
	Server  *httptest.Server
	Store   *serverdb.ServerDB
	Client  *syncclient.Client
	Devices map[string]*Device
}

// NewHarness starts a server and one device per name, all sharing one owner.
func NewHarness(t *testing.T, names ...string) *Harness {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "server.db")
	store, err := serverdb.Open(dbPath)
	if err != nil {
		t.Fatalf("open server db: %v", err)
	}
	srv, err := api.NewServer(api.Config{RateLimitBatch: 100000, RateLimitOther: 100000, DBPath: dbPath}, store)
	if err != nil {
		t.Fatalf("create server: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Shutdown(context.Background())
		store.Close()
	})

	h := &Harness{
		t:       t,
		Server:  ts,
		Store:   store,
		Client:  syncclient.New(ts.URL, token, "observer"),
		Devices: make(map[string]*Device, len(names)),
	}
	for _, name := range names {
		h.Devices[name] = h.newDevice(name)
	}
	return h
}

func (h *Harness) newDevice(name string) *Device {
	h.t.Helper()
	database, err := db.OpenMemory(context.Background())
	if err != nil {
		h.t.Fatalf("open %s db: %v", name, err)
	}
	h.t.Cleanup(func() { database.Close() })

	l := &link{client: syncclient.New(h.Server.URL, token, name)}
	cfg := memosync.DefaultProcessorConfig()
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	cfg.MaxAttempts = 2
	cfg.Online = func() bool { return !l.offline.Load() }

	ledger := memosync.NewLedger(database)
	d := &Device{
		Name:       name,
		DB:         database,
		Ledger:     ledger,
		Processor:  memosync.NewProcessor(database, ledger, l, cfg),
		Reconciler: memosync.NewReconciler(database, ledger, l, nil),
		Resolver:   memosync.NewResolver(database, ledger, nil),
		Quiz:       quiz.New(database, ledger, nil),
		link:       l,
	}
	return d
}

func (h *Harness) device(name string) *Device {
	h.t.Helper()
	d, ok := h.Devices[name]
	if !ok {
		h.t.Fatalf("unknown device %q", name)
	}
	return d
}

// Mutate records a local change on a device. fields is the full entity for
// creates and the patch for updates; deletes ignore it.
func (h *Harness) Mutate(device string, op models.Operation, kind models.EntityKind, id string, fields map[string]any) error {
	d := h.device(device)
	if op == models.OpCreate {
		fields = withDefaults(kind, id, fields)
	}
	var payload json.RawMessage
	if fields != nil {
		data, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		payload = data
	}
	_, err := d.Ledger.Record(context.Background(), memosync.RecordInput{Op: op, Kind: kind, EntityID: id, Payload: payload})
	return err
}

func withDefaults(kind models.EntityKind, id string, fields map[string]any) map[string]any {
	out := map[string]any{"id": id}
	if kind == models.KindMemo {
		out["tags"] = []string{}
		out["content"] = ""
	}
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// Push drains a device's queue once.
func (h *Harness) Push(device string) (memosync.DrainResult, error) {
	return h.device(device).Processor.Drain(context.Background())
}

// Pull reconciles a device with the server.
func (h *Harness) Pull(device string) (memosync.SyncReport, error) {
	return h.device(device).Reconciler.Sync(context.Background())
}

// Sync pushes, pulls and pushes again whatever the pull rebased.
func (h *Harness) Sync(device string) error {
	if _, err := h.Push(device); err != nil {
		return fmt.Errorf("push %s: %w", device, err)
	}
	rep, err := h.Pull(device)
	if err != nil {
		return fmt.Errorf("pull %s: %w", device, err)
	}
	if rep.Merged > 0 {
		if _, err := h.Push(device); err != nil {
			return fmt.Errorf("push rebased %s: %w", device, err)
		}
	}
	return nil
}

// SetOffline cuts or restores a device's network.
func (h *Harness) SetOffline(device string, offline bool) {
	d := h.device(device)
	d.link.offline.Store(offline)
	if !offline {
		d.Processor.ConnectivityRestored()
	}
}

// QueryMemo returns a device's local view of a memo, nil when absent.
func (h *Harness) QueryMemo(device, id string) *models.Memo {
	h.t.Helper()
	m, err := h.device(device).DB.GetMemo(context.Background(), id)
	if errors.Is(err, db.ErrNotFound) {
		return nil
	}
	if err != nil {
		h.t.Fatalf("%s GetMemo %s: %v", device, id, err)
	}
	return m
}

// ConfirmedVersion returns the server version a device last confirmed.
func (h *Harness) ConfirmedVersion(device string, kind models.EntityKind, id string) int64 {
	h.t.Helper()
	e, err := h.device(device).DB.GetConfirmed(context.Background(), kind, id)
	if errors.Is(err, db.ErrNotFound) {
		return 0
	}
	if err != nil {
		h.t.Fatalf("%s GetConfirmed %s: %v", device, id, err)
	}
	return e.SyncVersion
}

// Conflicts returns a device's open conflicts.
func (h *Harness) Conflicts(device string) []models.DataConflict {
	h.t.Helper()
	cs, err := h.device(device).DB.ListConflicts(context.Background(), "")
	if err != nil {
		h.t.Fatalf("%s ListConflicts: %v", device, err)
	}
	return cs
}

// ServerMemos returns every live memo on the server keyed by id.
func (h *Harness) ServerMemos() map[string]models.SyncEntity {
	h.t.Helper()
	resp, err := h.Client.Sync(context.Background(), models.SyncRequest{})
	if err != nil {
		h.t.Fatalf("server snapshot: %v", err)
	}
	out := make(map[string]models.SyncEntity, len(resp.UpdatedMemos))
	for _, e := range resp.UpdatedMemos {
		out[e.ID] = e
	}
	return out
}

// ServerStatus returns the server's counts.
func (h *Harness) ServerStatus() *models.ServerStatus {
	h.t.Helper()
	st, err := h.Client.Status(context.Background())
	if err != nil {
		h.t.Fatalf("server status: %v", err)
	}
	return st
}

// AssertConverged checks that every device with nothing left to send holds
// exactly the server's memos.
func (h *Harness) AssertConverged() {
	h.t.Helper()
	server := h.ServerMemos()
	for name := range h.Devices {
		if diff := h.diffServer(name, server); diff != "" {
			h.t.Errorf("%s diverged from server:\n%s", name, diff)
		}
	}
}

func (h *Harness) diffServer(device string, server map[string]models.SyncEntity) string {
	local, err := h.device(device).DB.ListMemos(context.Background(), db.MemoFilter{})
	if err != nil {
		return err.Error()
	}
	var lines []string
	seen := make(map[string]bool, len(local))
	for _, m := range local {
		seen[m.ID] = true
		e, ok := server[m.ID]
		if !ok {
			lines = append(lines, fmt.Sprintf("  %s: only local", m.ID))
			continue
		}
		var sm models.Memo
		if err := json.Unmarshal(e.Payload, &sm); err != nil {
			lines = append(lines, fmt.Sprintf("  %s: bad server payload: %v", m.ID, err))
			continue
		}
		if d := diffMemo(m, sm); d != "" {
			lines = append(lines, fmt.Sprintf("  %s: %s", m.ID, d))
		}
	}
	for id := range server {
		if !seen[id] {
			lines = append(lines, fmt.Sprintf("  %s: only on server", id))
		}
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

func diffMemo(local, server models.Memo) string {
	var diffs []string
	if local.Title != server.Title {
		diffs = append(diffs, fmt.Sprintf("title %q != %q", local.Title, server.Title))
	}
	if local.Content != server.Content {
		diffs = append(diffs, fmt.Sprintf("content %q != %q", local.Content, server.Content))
	}
	if strings.Join(local.Tags, ",") != strings.Join(server.Tags, ",") {
		diffs = append(diffs, fmt.Sprintf("tags %v != %v", local.Tags, server.Tags))
	}
	if local.ReviewCount != server.ReviewCount || local.IntervalDays != server.IntervalDays {
		diffs = append(diffs, fmt.Sprintf("review %d/%dd != %d/%dd", local.ReviewCount, local.IntervalDays, server.ReviewCount, server.IntervalDays))
	}
	return strings.Join(diffs, ", ")
}
