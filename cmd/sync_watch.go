package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/marcus/memo/internal/output"
	"github.com/marcus/memo/internal/syncclient"
)

var syncWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep syncing in the foreground until interrupted",
	Long: `Runs the queue processor: local changes are pushed as soon as they are
recorded, on reconnect and periodically. The server is pulled every --pull-interval.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		pullEvery, _ := cmd.Flags().GetDuration("pull-interval")
		probeEvery, _ := cmd.Flags().GetDuration("probe-interval")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		client, cfg, err := newClient(0)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		var online atomic.Bool
		online.Store(client.Reachable(ctx))
		pcfg := cfg.ProcessorConfig()
		pcfg.Online = online.Load
		e := a.engine(client, pcfg)

		output.Info("Watching %s (Ctrl-C to stop)", client.BaseURL)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return e.processor.Run(gctx)
		})
		g.Go(func() error {
			return probe(gctx, client, &online, probeEvery, e.processor.ConnectivityRestored)
		})
		g.Go(func() error {
			ticker := time.NewTicker(pullEvery)
			defer ticker.Stop()
			for {
				if online.Load() {
					if _, err := e.reconciler.Sync(gctx); err != nil && gctx.Err() == nil {
						a.log.Warn("pull failed", "err", err)
					}
				}
				select {
				case <-gctx.Done():
					return gctx.Err()
				case <-ticker.C:
				}
			}
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			output.Error("%v", err)
			return err
		}
		return nil
	},
}

// probe polls the server health endpoint and fires restored on every
// offline to online transition.
func probe(ctx context.Context, client *syncclient.Client, online *atomic.Bool, every time.Duration, restored func()) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		up := client.Reachable(ctx)
		if was := online.Swap(up); up && !was {
			restored()
		}
	}
}

func init() {
	syncWatchCmd.Flags().Duration("pull-interval", time.Minute, "How often to pull server changes")
	syncWatchCmd.Flags().Duration("probe-interval", 15*time.Second, "How often to check the server is reachable")
	syncCmd.AddCommand(syncWatchCmd)
}
