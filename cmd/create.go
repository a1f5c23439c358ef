package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marcus/memo/internal/models"
	"github.com/marcus/memo/internal/output"
	memosync "github.com/marcus/memo/internal/sync"
)

// memoInput is what add collects from flags.
type memoInput struct {
	Title      string
	Content    string
	Tags       []string
	Category   string
	Difficulty int
}

var addCmd = &cobra.Command{
	Use:     "add [title]",
	Aliases: []string{"new"},
	Short:   "Capture a new memo",
	Long: `Capture a new memo. The content can be given with --content, or read from
stdin with --content -.`,
	GroupID: "core",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		in := memoInput{Title: args[0]}
		in.Content, _ = cmd.Flags().GetString("content")
		in.Tags, _ = cmd.Flags().GetStringSlice("tag")
		in.Category, _ = cmd.Flags().GetString("category")
		in.Difficulty, _ = cmd.Flags().GetInt("difficulty")

		if in.Content == "-" {
			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				output.Error("read stdin: %v", err)
				return err
			}
			in.Content = strings.TrimRight(string(data), "\n")
		}

		a, err := openApp(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		m, err := addMemo(cmd.Context(), a, in, time.Now())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "CREATED %s\n", m.ID)
		return nil
	},
}

func addMemo(ctx context.Context, a *app, in memoInput, now time.Time) (models.Memo, error) {
	m := models.Memo{
		ID:          uuid.NewString(),
		Title:       in.Title,
		Content:     in.Content,
		Tags:        in.Tags,
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
		ReviewState: models.NewReviewState(),
	}
	if in.Difficulty != 0 {
		m.DifficultyLevel = in.Difficulty
	}
	if in.Category != "" {
		id, err := a.resolveCategoryID(ctx, in.Category)
		if err != nil {
			return m, err
		}
		m.CategoryID = &id
	}
	if m.Tags == nil {
		m.Tags = []string{}
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return m, err
	}
	if _, err := a.ledger.Record(ctx, memosync.RecordInput{
		Op:       models.OpCreate,
		Kind:     models.KindMemo,
		EntityID: m.ID,
		Payload:  payload,
	}); err != nil {
		return m, err
	}
	a.log.Debug("memo created", "memo", m.ID)
	return m, nil
}

func init() {
	addCmd.Flags().StringP("content", "c", "", "Memo body (markdown), - reads stdin")
	addCmd.Flags().StringSliceP("tag", "t", nil, "Tag (repeatable or comma-separated)")
	addCmd.Flags().String("category", "", "Category id or name")
	addCmd.Flags().Int("difficulty", 0, "Difficulty 1-5 (default 3)")
	rootCmd.AddCommand(addCmd)
}
