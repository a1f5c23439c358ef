package cmd

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/memo/internal/db"
	"github.com/marcus/memo/internal/output"
)

var listCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List memos",
	GroupID: "core",
	RunE: func(cmd *cobra.Command, args []string) error {
		tags, _ := cmd.Flags().GetStringSlice("tag")
		category, _ := cmd.Flags().GetString("category")
		dueOnly, _ := cmd.Flags().GetBool("due")
		jsonOut, _ := cmd.Flags().GetBool("json")
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		now := time.Now()
		filter := db.MemoFilter{Tags: tags}
		if category != "" {
			if filter.CategoryID, err = a.resolveCategoryID(ctx, category); err != nil {
				output.Error("%v", err)
				return err
			}
		}
		if dueOnly {
			filter.DueAt = &now
		}

		memos, err := a.db.ListMemos(ctx, filter)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if jsonOut {
			return output.JSON(memos)
		}
		if len(memos) == 0 {
			output.Info("No memos")
			return nil
		}
		output.MemoTable(cmd.OutOrStdout(), memos, now)
		return nil
	},
}

func init() {
	listCmd.Flags().StringSliceP("tag", "t", nil, "Only memos carrying every tag")
	listCmd.Flags().String("category", "", "Only memos in this category")
	listCmd.Flags().Bool("due", false, "Only memos due now")
	listCmd.Flags().Bool("json", false, "JSON output")
	rootCmd.AddCommand(listCmd)
}
