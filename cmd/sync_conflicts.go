package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/marcus/memo/internal/models"
	"github.com/marcus/memo/internal/output"
	memosync "github.com/marcus/memo/internal/sync"
)

var syncConflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "List conflicts waiting for a decision",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		a, err := openApp(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		conflicts, err := a.db.ListConflicts(cmd.Context(), "")
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if jsonOut {
			return output.JSON(conflicts)
		}
		if len(conflicts) == 0 {
			output.Success("No conflicts")
			return nil
		}
		output.ConflictTable(cmd.OutOrStdout(), conflicts)
		return nil
	},
}

var syncResolveCmd = &cobra.Command{
	Use:   "resolve [conflict-id]",
	Short: "Settle a conflict by keeping local, keeping server or merging",
	Example: `  memo sync resolve c-123 --strategy server
  memo sync resolve c-123 --strategy merge --set content="both versions"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		strategy, _ := cmd.Flags().GetString("strategy")
		sets, _ := cmd.Flags().GetStringArray("set")
		ctx := cmd.Context()

		merged, err := parseSetFlags(sets)
		if err != nil {
			output.Error("%v", err)
			return err
		}

		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		res, err := resolveConflict(ctx, a, models.ConflictResolution{
			ConflictID: args[0],
			Resolution: models.Strategy(strategy),
			MergedData: merged,
		})
		if err != nil {
			output.Error("%v", err)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "RESOLVED %s (%s)\n", res.Conflict.ID, res.Strategy)
		if res.Requeued {
			output.Info("Change %s queued for the next push", res.ChangeID)
		}
		return nil
	},
}

func resolveConflict(ctx context.Context, a *app, r models.ConflictResolution) (memosync.ResolveResult, error) {
	return memosync.NewResolver(a.db, a.ledger, a.log).Resolve(ctx, r)
}

// parseSetFlags turns field=value pairs into a JSON object. Values that parse
// as JSON are kept as is, anything else becomes a string.
func parseSetFlags(sets []string) (json.RawMessage, error) {
	if len(sets) == 0 {
		return nil, nil
	}
	fields := make(map[string]json.RawMessage, len(sets))
	for _, s := range sets {
		name, value, ok := strings.Cut(s, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, &models.ValidationError{Field: "set", Reason: fmt.Sprintf("want field=value, got %q", s)}
		}
		if json.Valid([]byte(value)) {
			fields[name] = json.RawMessage(value)
			continue
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		fields[name] = raw
	}
	return json.Marshal(fields)
}

func init() {
	syncConflictsCmd.Flags().Bool("json", false, "JSON output")
	syncResolveCmd.Flags().String("strategy", "", "local, server or merge")
	syncResolveCmd.Flags().StringArray("set", nil, "Merged value as field=value (repeatable, merge only)")
	_ = syncResolveCmd.MarkFlagRequired("strategy")
	syncCmd.AddCommand(syncConflictsCmd, syncResolveCmd)
}
