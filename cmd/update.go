package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/memo/internal/models"
	"github.com/marcus/memo/internal/output"
	memosync "github.com/marcus/memo/internal/sync"
)

var editCmd = &cobra.Command{
	Use:     "edit [memo-id]",
	Aliases: []string{"update"},
	Short:   "Change a memo's title, content, tags or category",
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch := map[string]any{}
		flags := cmd.Flags()
		if flags.Changed("title") {
			v, _ := flags.GetString("title")
			patch["title"] = v
		}
		if flags.Changed("content") {
			v, _ := flags.GetString("content")
			patch["content"] = v
		}
		if flags.Changed("tag") {
			v, _ := flags.GetStringSlice("tag")
			if v == nil {
				v = []string{}
			}
			patch["tags"] = v
		}
		if flags.Changed("difficulty") {
			v, _ := flags.GetInt("difficulty")
			patch["difficultyLevel"] = v
		}
		clearCategory, _ := flags.GetBool("no-category")
		category, _ := flags.GetString("category")

		a, err := openApp(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		switch {
		case clearCategory:
			patch["categoryId"] = nil
		case category != "":
			id, err := a.resolveCategoryID(cmd.Context(), category)
			if err != nil {
				output.Error("%v", err)
				return err
			}
			patch["categoryId"] = id
		}

		id, err := editMemo(cmd.Context(), a, args[0], patch, time.Now())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "UPDATED %s\n", id)
		return nil
	},
}

// editMemo queues an update touching only the given fields.
func editMemo(ctx context.Context, a *app, ref string, patch map[string]any, now time.Time) (string, error) {
	if len(patch) == 0 {
		return "", &models.ValidationError{Field: "payload", Reason: "nothing to change"}
	}
	id, err := a.resolveMemoID(ctx, ref)
	if err != nil {
		return "", err
	}
	patch["updatedAt"] = now.UTC()
	payload, err := json.Marshal(patch)
	if err != nil {
		return "", err
	}
	if _, err := a.ledger.Record(ctx, memosync.RecordInput{
		Op:       models.OpUpdate,
		Kind:     models.KindMemo,
		EntityID: id,
		Payload:  payload,
	}); err != nil {
		return "", err
	}
	return id, nil
}

func init() {
	editCmd.Flags().String("title", "", "New title")
	editCmd.Flags().StringP("content", "c", "", "New content")
	editCmd.Flags().StringSliceP("tag", "t", nil, "Replace tags")
	editCmd.Flags().String("category", "", "Move to category (id or name)")
	editCmd.Flags().Bool("no-category", false, "Remove from its category")
	editCmd.Flags().Int("difficulty", 0, "Difficulty 1-5")
	rootCmd.AddCommand(editCmd)
}
