package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marcus/memo/internal/output"
)

var syncErrorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "View recent sync failures",
	Long:  `Shows the bounded log of transient and terminal sync errors, newest first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		jsonOut, _ := cmd.Flags().GetBool("json")
		countOnly, _ := cmd.Flags().GetBool("count")

		a, err := openApp(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		errs, err := a.db.RecentSyncErrors(cmd.Context(), limit)
		if err != nil {
			output.Error("failed to read sync errors: %v", err)
			return err
		}

		switch {
		case countOnly:
			fmt.Fprintf(cmd.OutOrStdout(), "%d\n", len(errs))
		case jsonOut:
			return output.JSON(errs)
		case len(errs) == 0:
			output.Success("No sync errors")
		default:
			output.SyncErrorTable(cmd.OutOrStdout(), errs)
		}
		return nil
	},
}

func init() {
	syncErrorsCmd.Flags().IntP("limit", "n", 20, "Maximum errors to show")
	syncErrorsCmd.Flags().Bool("count", false, "Print only the number of errors")
	syncErrorsCmd.Flags().Bool("json", false, "JSON output")
	syncCmd.AddCommand(syncErrorsCmd)
}
