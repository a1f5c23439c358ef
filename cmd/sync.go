package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/marcus/memo/internal/output"
	memosync "github.com/marcus/memo/internal/sync"
	"github.com/marcus/memo/internal/syncclient"
)

var syncCmd = &cobra.Command{
	Use:     "sync",
	Short:   "Push local changes and pull server changes",
	GroupID: "system",
	RunE: func(cmd *cobra.Command, args []string) error {
		pushOnly, _ := cmd.Flags().GetBool("push")
		pullOnly, _ := cmd.Flags().GetBool("pull")
		statusOnly, _ := cmd.Flags().GetBool("status")
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		client, cfg, err := newClient(0)
		if err != nil && !statusOnly {
			output.Error("%v", err)
			return err
		}

		w := cmd.OutOrStdout()
		if statusOnly {
			return runSyncStatus(ctx, a, client, w)
		}

		mode := syncBoth
		switch {
		case pushOnly && !pullOnly:
			mode = syncPush
		case pullOnly && !pushOnly:
			mode = syncPull
		}
		sum, err := runSync(ctx, a, client, cfg.ProcessorConfig(), mode)
		printSyncSummary(w, sum)
		if err != nil {
			output.Error("sync: %v", err)
			return err
		}
		return nil
	},
}

type syncMode int

const (
	syncBoth syncMode = iota
	syncPush
	syncPull
)

// syncSummary is what one explicit sync did.
type syncSummary struct {
	Mode   syncMode
	Push   memosync.DrainResult
	Pull   memosync.SyncReport
	Pushed bool
	Pulled bool
}

// runSync pushes, then pulls, then pushes again whatever the pull rebased.
func runSync(ctx context.Context, a *app, transport memosync.Transport, cfg memosync.ProcessorConfig, mode syncMode) (syncSummary, error) {
	sum := syncSummary{Mode: mode}
	e := a.engine(transport, cfg)

	if mode != syncPull {
		res, err := e.processor.Drain(ctx)
		sum.Push, sum.Pushed = res, true
		if err != nil {
			return sum, fmt.Errorf("push: %w", err)
		}
	}
	if mode == syncPush {
		return sum, nil
	}

	rep, err := e.reconciler.Sync(ctx)
	sum.Pull, sum.Pulled = rep, true
	if err != nil {
		return sum, fmt.Errorf("pull: %w", err)
	}
	if mode == syncBoth && rep.Merged > 0 {
		res, err := e.processor.Drain(ctx)
		sum.Push.Sent += res.Sent
		sum.Push.Conflicts += res.Conflicts
		sum.Push.Failed += res.Failed
		sum.Push.Deferred = res.Deferred
		if err != nil {
			return sum, fmt.Errorf("push rebased: %w", err)
		}
	}
	return sum, nil
}

func printSyncSummary(w io.Writer, sum syncSummary) {
	if sum.Pushed {
		fmt.Fprintf(w, "Pushed %d, resolved %d", sum.Push.Sent, sum.Push.Resolved)
		if sum.Push.Deferred > 0 {
			fmt.Fprintf(w, ", %d waiting", sum.Push.Deferred)
		}
		if sum.Push.Failed > 0 {
			fmt.Fprintf(w, ", %d failed (memo sync errors)", sum.Push.Failed)
		}
		fmt.Fprintln(w)
	}
	if sum.Pulled {
		fmt.Fprintf(w, "Pulled %d, deleted %d, rebased %d\n", sum.Pull.Pulled, sum.Pull.Deleted, sum.Pull.Merged)
	}
	if n := sum.Push.Conflicts + len(sum.Pull.Conflicts); n > 0 {
		output.Warning("%d new conflict(s) (memo sync conflicts)", n)
	}
}

func runSyncStatus(ctx context.Context, a *app, client *syncclient.Client, w io.Writer) error {
	st, err := a.db.Status(ctx)
	if err != nil {
		output.Error("%v", err)
		return err
	}
	fmt.Fprint(w, output.FormatSyncStatus(st))

	cp, err := a.db.Checkpoint(ctx)
	if err != nil {
		return err
	}
	if cp == "" {
		cp = "never"
	}
	fmt.Fprintf(w, "  last pull:  %s\n", cp)

	if client == nil {
		fmt.Fprintln(w, "  server:     not configured")
		return nil
	}
	server, err := client.Status(ctx)
	if err != nil {
		fmt.Fprintf(w, "  server:     %s unreachable (%v)\n", client.BaseURL, err)
		return nil
	}
	fmt.Fprintf(w, "  server:     %s, %d memos, %d categories, %d open conflicts\n",
		client.BaseURL, server.Memos, server.Categories, server.OpenConflicts)
	return nil
}

func init() {
	syncCmd.Flags().Bool("push", false, "Only push local changes")
	syncCmd.Flags().Bool("pull", false, "Only pull server changes")
	syncCmd.Flags().Bool("status", false, "Show pending changes and server state")
	rootCmd.AddCommand(syncCmd)
}
