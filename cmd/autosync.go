package cmd

import (
	"context"
	"log/slog"
	"time"

	memosync "github.com/marcus/memo/internal/sync"
	"github.com/marcus/memo/internal/syncconfig"
)

const keyLastAutoPull = "last_autosync_pull"

// autoSyncTimeout bounds the whole push and pull after a command.
const autoSyncTimeout = 5 * time.Second

// mutatingCommands lists commands that modify local data and should trigger auto-sync.
var mutatingCommands = map[string]bool{
	"add":     true,
	"edit":    true,
	"rm":      true,
	"answer":  true,
	"quiz":    true,
	"resolve": true,
}

// isMutatingCommand checks if the given command name triggers auto-sync.
func isMutatingCommand(name string) bool {
	return mutatingCommands[name]
}

// autoSyncAfterMutation runs a quick push after a mutating command completes.
// Runs synchronously but with a short timeout. Errors are logged, not returned.
func autoSyncAfterMutation(ctx context.Context) {
	if !syncconfig.GetAutoSyncEnabled() || !syncconfig.IsConfigured() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, autoSyncTimeout)
	defer cancel()

	a, err := openApp(ctx)
	if err != nil {
		slog.Debug("autosync: open db", "err", err)
		return
	}
	defer a.Close()

	client, cfg, err := newClient(autoSyncTimeout)
	if err != nil {
		slog.Debug("autosync: client", "err", err)
		return
	}

	pcfg := cfg.ProcessorConfig()
	// One attempt only; anything left over waits for the next sync.
	pcfg.MaxAttempts = 1
	pcfg.AttemptTimeout = autoSyncTimeout
	if err := autoSync(ctx, a, client, pcfg, time.Now()); err != nil {
		slog.Debug("autosync", "err", err)
	}
}

// autoSync pushes pending changes, then pulls unless a pull ran within the
// debounce window.
func autoSync(ctx context.Context, a *app, transport memosync.Transport, pcfg memosync.ProcessorConfig, now time.Time) error {
	e := a.engine(transport, pcfg)
	res, err := e.processor.Drain(ctx)
	if err != nil {
		return err
	}
	if res.Sent+res.Conflicts+res.Failed > 0 {
		slog.Debug("autosync: pushed", "sent", res.Sent, "conflicts", res.Conflicts, "failed", res.Failed)
	}

	if !syncconfig.GetAutoSyncPull() || !pullDue(ctx, a, now) {
		return nil
	}
	rep, err := e.reconciler.Sync(ctx)
	if err != nil {
		return err
	}
	slog.Debug("autosync: pulled", "pulled", rep.Pulled, "deleted", rep.Deleted, "conflicts", len(rep.Conflicts))
	return a.db.SetState(ctx, keyLastAutoPull, now.UTC().Format(time.RFC3339Nano))
}

func pullDue(ctx context.Context, a *app, now time.Time) bool {
	last, err := a.db.GetState(ctx, keyLastAutoPull)
	if err != nil || last == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339Nano, last)
	if err != nil {
		return true
	}
	return now.Sub(t) >= syncconfig.GetAutoSyncDebounce()
}
