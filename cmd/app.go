package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/marcus/memo/internal/db"
	"github.com/marcus/memo/internal/models"
	"github.com/marcus/memo/internal/quiz"
	memosync "github.com/marcus/memo/internal/sync"
	"github.com/marcus/memo/internal/syncclient"
	"github.com/marcus/memo/internal/syncconfig"
)

var _ memosync.Transport = (*syncclient.Client)(nil)

var errNotConfigured = errors.New("sync is not configured (run: memo config set-url and memo config set-token)")

// app bundles the local store with the components commands work through.
type app struct {
	db     *db.DB
	ledger *memosync.Ledger
	quiz   *quiz.Orchestrator
	log    *slog.Logger
}

func openApp(ctx context.Context) (*app, error) {
	database, err := db.Open(ctx, getBaseDir())
	if err != nil {
		return nil, err
	}
	return newApp(database), nil
}

func newApp(database *db.DB) *app {
	logger := slog.Default()
	ledger := memosync.NewLedger(database)
	return &app{
		db:     database,
		ledger: ledger,
		quiz:   quiz.New(database, ledger, logger),
		log:    logger,
	}
}

func (a *app) Close() error {
	return a.db.Close()
}

// engine is the sync side of the app: push, pull and conflict handling.
type engine struct {
	processor  *memosync.Processor
	reconciler *memosync.Reconciler
	resolver   *memosync.Resolver
}

func (a *app) engine(transport memosync.Transport, cfg memosync.ProcessorConfig) *engine {
	if cfg.Logger == nil {
		cfg.Logger = a.log
	}
	p := memosync.NewProcessor(a.db, a.ledger, transport, cfg)
	r := memosync.NewReconciler(a.db, a.ledger, transport, a.log)
	r.OnRebase(p.Notify)
	res := memosync.NewResolver(a.db, a.ledger, a.log)
	res.OnResolve(p.Notify)
	a.ledger.OnRecord(p.Notify)
	return &engine{processor: p, reconciler: r, resolver: res}
}

// newClient builds the transport from the saved config. A zero timeout keeps
// the client default.
func newClient(timeout time.Duration) (*syncclient.Client, *syncconfig.Config, error) {
	if !syncconfig.IsConfigured() {
		return nil, nil, errNotConfigured
	}
	cfg, err := syncconfig.LoadConfig()
	if err != nil {
		return nil, nil, err
	}
	deviceID, err := syncconfig.GetDeviceID()
	if err != nil {
		return nil, nil, fmt.Errorf("device id: %w", err)
	}
	client := syncclient.New(syncconfig.GetServerURL(), syncconfig.GetToken(), deviceID)
	if timeout > 0 {
		client.HTTP.Timeout = timeout
	}
	return client, cfg, nil
}

// resolveMemoID accepts a full id or an unambiguous prefix of one.
func (a *app) resolveMemoID(ctx context.Context, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", &models.ValidationError{Field: "id", Reason: "is required"}
	}
	if _, err := a.db.GetMemo(ctx, ref); err == nil {
		return ref, nil
	} else if !errors.Is(err, db.ErrNotFound) {
		return "", err
	}
	memos, err := a.db.ListMemos(ctx, db.MemoFilter{})
	if err != nil {
		return "", err
	}
	var ids []string
	for _, m := range memos {
		if strings.HasPrefix(m.ID, ref) {
			ids = append(ids, m.ID)
		}
	}
	switch len(ids) {
	case 0:
		return "", fmt.Errorf("memo %s: %w", ref, db.ErrNotFound)
	case 1:
		return ids[0], nil
	default:
		return "", fmt.Errorf("memo prefix %q is ambiguous (%d matches)", ref, len(ids))
	}
}

// resolveCategoryID accepts a category id, id prefix or name.
func (a *app) resolveCategoryID(ctx context.Context, ref string) (string, error) {
	cats, err := a.db.ListCategories(ctx)
	if err != nil {
		return "", err
	}
	var match []string
	for _, c := range cats {
		if c.ID == ref || strings.EqualFold(c.Name, ref) {
			return c.ID, nil
		}
		if strings.HasPrefix(c.ID, ref) {
			match = append(match, c.ID)
		}
	}
	if len(match) == 1 {
		return match[0], nil
	}
	return "", fmt.Errorf("category %s: %w", ref, db.ErrNotFound)
}
