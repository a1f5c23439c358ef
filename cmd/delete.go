package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/memo/internal/models"
	"github.com/marcus/memo/internal/output"
	memosync "github.com/marcus/memo/internal/sync"
)

var rmCmd = &cobra.Command{
	Use:     "rm [memo-id...]",
	Aliases: []string{"delete"},
	Short:   "Delete one or more memos",
	GroupID: "core",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		var failed int
		for _, ref := range args {
			id, err := removeMemo(cmd.Context(), a, ref)
			if err != nil {
				output.Error("failed to delete %s: %v", ref, err)
				failed++
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "DELETED %s\n", id)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d deletes failed", failed, len(args))
		}
		return nil
	},
}

func removeMemo(ctx context.Context, a *app, ref string) (string, error) {
	id, err := a.resolveMemoID(ctx, ref)
	if err != nil {
		return "", err
	}
	_, err = a.ledger.Record(ctx, memosync.RecordInput{
		Op:       models.OpDelete,
		Kind:     models.KindMemo,
		EntityID: id,
	})
	return id, err
}

func init() {
	rootCmd.AddCommand(rmCmd)
}
