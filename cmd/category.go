package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/marcus/memo/internal/models"
	"github.com/marcus/memo/internal/output"
	memosync "github.com/marcus/memo/internal/sync"
)

var categoryCmd = &cobra.Command{
	Use:     "category",
	Aliases: []string{"cat"},
	Short:   "Manage categories",
	GroupID: "core",
}

var categoryAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Create a category",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		color, _ := cmd.Flags().GetString("color")

		a, err := openApp(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		c, err := addCategory(cmd.Context(), a, args[0], color, time.Now())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "CREATED %s %s\n", c.ID, c.Name)
		return nil
	},
}

var categoryListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List categories with their memo counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		a, err := openApp(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		cats, err := a.db.ListCategories(cmd.Context())
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if jsonOut {
			return output.JSON(cats)
		}
		if len(cats) == 0 {
			output.Info("No categories")
			return nil
		}
		output.CategoryTable(cmd.OutOrStdout(), cats)
		return nil
	},
}

func addCategory(ctx context.Context, a *app, name, color string, now time.Time) (models.Category, error) {
	c := models.Category{
		ID:        uuid.NewString(),
		Name:      name,
		Color:     color,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
	}
	payload, err := json.Marshal(c)
	if err != nil {
		return c, err
	}
	_, err = a.ledger.Record(ctx, memosync.RecordInput{
		Op:       models.OpCreate,
		Kind:     models.KindCategory,
		EntityID: c.ID,
		Payload:  payload,
	})
	return c, err
}

func init() {
	categoryAddCmd.Flags().String("color", "", "Display color, e.g. #ff8800")
	categoryListCmd.Flags().Bool("json", false, "JSON output")
	categoryCmd.AddCommand(categoryAddCmd, categoryListCmd)
	rootCmd.AddCommand(categoryCmd)
}
