package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/marcus/memo/internal/dateparse"
	"github.com/marcus/memo/internal/models"
	"github.com/marcus/memo/internal/output"
	"github.com/marcus/memo/internal/quiz"
	"github.com/marcus/memo/internal/scheduler"
)

var dueCmd = &cobra.Command{
	Use:     "due",
	Short:   "List memos due for review, most overdue first",
	GroupID: "review",
	RunE: func(cmd *cobra.Command, args []string) error {
		max, _ := cmd.Flags().GetInt("max")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		at, _ := cmd.Flags().GetString("at")
		jsonOut, _ := cmd.Flags().GetBool("json")
		ctx := cmd.Context()

		now, err := dateparse.Horizon(at, time.Now())
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

		memos, err := a.quiz.SelectDue(ctx, max, quiz.Filters{Tags: tags, Now: now})
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if jsonOut {
			return output.JSON(memos)
		}
		if len(memos) == 0 {
			output.Success("Nothing due")
			return nil
		}
		output.MemoTable(cmd.OutOrStdout(), memos, now)
		return nil
	},
}

var answerCmd = &cobra.Command{
	Use:   "answer [memo-id] [forgot|hard|good|easy]",
	Short: "Record a review outcome without the interactive quiz",
	Example: `  memo answer 0f5b2c1e good
  memo answer 0f5b2c1e forgot`,
	GroupID: "review",
	Args:    cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		outcome, err := models.ParseOutcome(args[1])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		id, err := a.resolveMemoID(ctx, args[0])
		if err != nil {
			output.Error("%v", err)
			return err
		}
		next, err := a.quiz.RecordOutcome(ctx, id, outcome)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %s\n", outcome, id, output.FormatNextReview(next.NextReviewAt, time.Now()))
		return nil
	},
}

var quizCmd = &cobra.Command{
	Use:     "quiz",
	Short:   "Review due memos interactively",
	GroupID: "review",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !output.IsInteractive() {
			err := errors.New("quiz needs a terminal (use: memo due and memo answer)")
			output.Error("%v", err)
			return err
		}
		max, _ := cmd.Flags().GetInt("max")
		tags, _ := cmd.Flags().GetStringSlice("tag")
		ctx := cmd.Context()

		a, err := openApp(ctx)
		if err != nil {
			output.Error("%v", err)
			return err
		}
		defer a.Close()

		sess, err := a.quiz.Start(ctx, max, quiz.Filters{Tags: tags})
		if err != nil {
			output.Error("%v", err)
			return err
		}
		if sess.Done() {
			output.Success("Nothing due")
			return nil
		}
		return runQuiz(ctx, sess, promptUI{}, cmd.OutOrStdout())
	},
}

// quizUI is how a session asks the user.
type quizUI interface {
	Reveal(m models.Memo) (skip bool, err error)
	Show(w io.Writer, m models.Memo)
	Grade(m models.Memo) (models.Outcome, error)
}

type promptUI struct{}

func (promptUI) Reveal(m models.Memo) (bool, error) {
	title := m.Title
	if tags := output.FormatTags(m.Tags); tags != "" {
		title += "  " + tags
	}
	return output.PromptReveal(title)
}

func (promptUI) Show(w io.Writer, m models.Memo) {
	body, err := output.RenderMemoContent(&m)
	if err != nil {
		body = m.Content
	}
	fmt.Fprintln(w, body)
}

func (promptUI) Grade(m models.Memo) (models.Outcome, error) {
	return output.PromptGrade(scheduler.Preview(m.ReviewState, time.Now()))
}

func runQuiz(ctx context.Context, sess *quiz.Session, ui quizUI, w io.Writer) error {
	for !sess.Done() {
		m, _ := sess.Current()
		p := sess.Progress()
		fmt.Fprintf(w, "\n[%d/%d] %s\n", p.Index+1, p.Total, m.Title)

		skip, err := ui.Reveal(m)
		if err != nil {
			return err
		}
		if skip {
			sess.Skip()
			continue
		}
		ui.Show(w, m)

		outcome, err := ui.Grade(m)
		if err != nil {
			return err
		}
		next, err := sess.Answer(ctx, outcome)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "%s: %s\n", outcome, output.FormatNextReview(next.NextReviewAt, time.Now()))
	}
	p := sess.Progress()
	fmt.Fprintf(w, "\nReviewed %d of %d\n", p.Answered, p.Total)
	return nil
}

func init() {
	dueCmd.Flags().Int("max", 0, "Limit the number of memos (0 = all)")
	dueCmd.Flags().StringSliceP("tag", "t", nil, "Only memos carrying every tag")
	dueCmd.Flags().String("at", "now", "Show what is due by then: today, tomorrow, +3d, friday, 2026-03-01")
	dueCmd.Flags().Bool("json", false, "JSON output")

	quizCmd.Flags().Int("max", 20, "Questions per session")
	quizCmd.Flags().StringSliceP("tag", "t", nil, "Only memos carrying every tag")

	rootCmd.AddCommand(dueCmd, answerCmd, quizCmd)
}
