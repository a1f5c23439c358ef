package cmd

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/marcus/memo/internal/db"
	"github.com/marcus/memo/internal/models"
	"github.com/marcus/memo/internal/quiz"
)

// scriptedUI answers a quiz from a fixed script: "skip" or an outcome name.
type scriptedUI struct {
	t       *testing.T
	answers []string
	shown   []string
	pending string
}

func (s *scriptedUI) Reveal(m models.Memo) (bool, error) {
	if len(s.answers) == 0 {
		s.t.Fatalf("unexpected question %q", m.Title)
	}
	s.pending, s.answers = s.answers[0], s.answers[1:]
	return s.pending == "skip", nil
}

func (s *scriptedUI) Show(w io.Writer, m models.Memo) {
	s.shown = append(s.shown, m.Title)
}

func (s *scriptedUI) Grade(m models.Memo) (models.Outcome, error) {
	return models.ParseOutcome(s.pending)
}

func TestRunQuizRecordsAnswersAndSkips(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()
	for _, title := range []string{"first", "second", "third"} {
		if _, err := addMemo(ctx, a, memoInput{Title: title}, testNow); err != nil {
			t.Fatalf("addMemo: %v", err)
		}
	}

	sess, err := a.quiz.Start(ctx, 0, quiz.Filters{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	ui := &scriptedUI{t: t, answers: []string{"good", "skip", "forgot"}}
	var out bytes.Buffer
	if err := runQuiz(ctx, sess, ui, &out); err != nil {
		t.Fatalf("runQuiz: %v", err)
	}

	if len(ui.shown) != 2 {
		t.Fatalf("answers shown for %v, want 2", ui.shown)
	}
	if !strings.Contains(out.String(), "Reviewed 2 of 3") {
		t.Fatalf("summary missing:\n%s", out.String())
	}

	memos, err := a.db.ListMemos(ctx, db.MemoFilter{})
	if err != nil {
		t.Fatalf("ListMemos: %v", err)
	}
	var reviewed int
	for _, m := range memos {
		if m.ReviewCount > 0 {
			reviewed++
			if m.NextReviewAt == nil {
				t.Errorf("%s reviewed without next review", m.Title)
			}
		}
	}
	if reviewed != 2 {
		t.Fatalf("reviewed = %d, want 2", reviewed)
	}
}

func TestRunQuizEmptySession(t *testing.T) {
	a := newTestApp(t)
	sess, err := a.quiz.Start(context.Background(), 5, quiz.Filters{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	var out bytes.Buffer
	if err := runQuiz(context.Background(), sess, &scriptedUI{t: t}, &out); err != nil {
		t.Fatalf("runQuiz: %v", err)
	}
	if !strings.Contains(out.String(), "Reviewed 0 of 0") {
		t.Fatalf("summary:\n%s", out.String())
	}
}
