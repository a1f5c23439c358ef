package quiz

import (
	"context"
	"errors"

	"github.com/marcus/memo/internal/models"
)

// ErrSessionDone is returned when answering after the last question.
var ErrSessionDone = errors.New("quiz session finished")

// Progress is where a session stands.
type Progress struct {
	Index    int // zero-based position of the current question
	Answered int
	Total    int
}

// Session walks a fixed list of due memos. It lives only in memory.
type Session struct {
	o        *Orchestrator
	memos    []models.Memo
	index    int
	answered int
}

// Start selects up to max due memos and opens a session over them.
func (o *Orchestrator) Start(ctx context.Context, max int, f Filters) (*Session, error) {
	memos, err := o.SelectDue(ctx, max, f)
	if err != nil {
		return nil, err
	}
	return &Session{o: o, memos: memos}, nil
}

// Current returns the memo being asked, false once the session is done.
func (s *Session) Current() (models.Memo, bool) {
	if s.Done() {
		return models.Memo{}, false
	}
	return s.memos[s.index], true
}

// Answer records the outcome for the current memo and moves on.
func (s *Session) Answer(ctx context.Context, outcome models.Outcome) (models.ReviewState, error) {
	m, ok := s.Current()
	if !ok {
		return models.ReviewState{}, ErrSessionDone
	}
	next, err := s.o.RecordOutcome(ctx, m.ID, outcome)
	if err != nil {
		return next, err
	}
	s.answered++
	s.index++
	return next, nil
}

// Skip moves past the current memo without recording anything.
func (s *Session) Skip() {
	if !s.Done() {
		s.index++
	}
}

// Done reports whether every memo has been answered or skipped.
func (s *Session) Done() bool {
	return s.index >= len(s.memos)
}

func (s *Session) Progress() Progress {
	return Progress{Index: s.index, Answered: s.answered, Total: len(s.memos)}
}
