package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/memo/internal/output"
)

var showCmd = &cobra.Command{
	Use:     "show [memo-id]",
	Short:   "Show a memo with its review state",
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")
		replay, _ := cmd.Flags().GetBool("replay")
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		id, err := a.resolveMemoID(ctx, args[0])
		if err != nil {
			if jsonOut {
				output.JSONError(output.ErrCodeNotFound, err.Error())
			} else {
				output.Error("%v", err)
			}
			return err
		}
		memo, err := a.db.GetMemo(ctx, id)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if jsonOut {
			return output.JSON(memo)
		}

		phase, err := a.quiz.Phase(ctx, id)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		w := cmd.OutOrStdout()
		fmt.Fprint(w, output.FormatMemoLong(memo, phase, time.Now()))
		if body, err := output.RenderMemoContent(memo); err != nil {
			output.Warning("render content: %v", err)
			fmt.Fprintln(w, memo.Content)
		} else if body != "" {
			fmt.Fprintln(w)
			fmt.Fprintln(w, body)
		}

		if replay {
			state, n, err := a.quiz.Replay(ctx, id)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			fmt.Fprintln(w)
			fmt.Fprint(w, output.FormatReplay(memo.ReviewState, state, n))
		}
		return nil
	},
}

func init() {
	showCmd.Flags().Bool("json", false, "JSON output")
	showCmd.Flags().Bool("replay", false, "Recompute the review state from this device's answer log")
	rootCmd.AddCommand(showCmd)
}
