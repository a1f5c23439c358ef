// Package quiz selects due memos, runs review sessions and feeds outcomes
// through the scheduler into the change ledger.
package quiz

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/marcus/memo/internal/db"
	"github.com/marcus/memo/internal/models"
	"github.com/marcus/memo/internal/scheduler"
	"github.com/marcus/memo/internal/sync"
)

// Store is the slice of the local store the quiz needs.
type Store interface {
	GetMemo(ctx context.Context, id string) (*models.Memo, error)
	ListMemos(ctx context.Context, filter db.MemoFilter) ([]models.Memo, error)
	AppendReview(ctx context.Context, e db.ReviewEntry) error
	ReviewHistory(ctx context.Context, memoID string) ([]db.ReviewEntry, error)
	Outcomes(ctx context.Context, memoID string) ([]models.Outcome, error)
}

// Filters narrow due selection. A zero Now means the current time.
type Filters struct {
	Tags       []string
	CategoryID string
	Now        time.Time
}

// Orchestrator connects the local memo view, the scheduler and the ledger.
type Orchestrator struct {
	store  Store
	ledger *sync.Ledger
	log    *slog.Logger
	now    func() time.Time
}

// New returns an orchestrator. A nil logger means slog.Default().
func New(store Store, ledger *sync.Ledger, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{store: store, ledger: ledger, log: logger, now: time.Now}
}

// SetClock overrides the review clock.
func (o *Orchestrator) SetClock(now func() time.Time) {
	o.now = now
}

// SelectDue returns up to max memos due for review, the most overdue first.
// Never-scheduled memos come before everything else; ties go by id. max <= 0
// returns every due memo.
func (o *Orchestrator) SelectDue(ctx context.Context, max int, f Filters) ([]models.Memo, error) {
	now := f.Now
	if now.IsZero() {
		now = o.now()
	}
	memos, err := o.store.ListMemos(ctx, db.MemoFilter{Tags: f.Tags, CategoryID: f.CategoryID, DueAt: &now})
	if err != nil {
		return nil, fmt.Errorf("list due memos: %w", err)
	}
	sort.SliceStable(memos, func(i, j int) bool {
		a, b := memos[i].NextReviewAt, memos[j].NextReviewAt
		switch {
		case a == nil && b == nil:
			return memos[i].ID < memos[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		case a.Equal(*b):
			return memos[i].ID < memos[j].ID
		default:
			return a.Before(*b)
		}
	})
	if max > 0 && len(memos) > max {
		memos = memos[:max]
	}
	return memos, nil
}

// reviewPatch is the update recorded for one answer.
type reviewPatch struct {
	EaseFactor     float64    `json:"easeFactor"`
	IntervalDays   int        `json:"intervalDays"`
	Repetitions    int        `json:"repetitions"`
	ReviewCount    int        `json:"reviewCount"`
	LastReviewedAt *time.Time `json:"lastReviewedAt"`
	NextReviewAt   *time.Time `json:"nextReviewAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// RecordOutcome schedules the memo's next review and queues the new review
// state as an update. The local view reflects it immediately.
func (o *Orchestrator) RecordOutcome(ctx context.Context, memoID string, outcome models.Outcome) (models.ReviewState, error) {
	if !outcome.IsValid() {
		return models.ReviewState{}, &models.ValidationError{Field: "outcome", Reason: fmt.Sprintf("unknown outcome %d", int(outcome))}
	}
	memo, err := o.store.GetMemo(ctx, memoID)
	if err != nil {
		return models.ReviewState{}, fmt.Errorf("memo %s: %w", memoID, err)
	}

	now := o.now().UTC()
	next := scheduler.Schedule(memo.ReviewState, outcome, now)
	patch, err := json.Marshal(reviewPatch{
		EaseFactor:     next.EaseFactor,
		IntervalDays:   next.IntervalDays,
		Repetitions:    next.Repetitions,
		ReviewCount:    next.ReviewCount,
		LastReviewedAt: next.LastReviewedAt,
		NextReviewAt:   next.NextReviewAt,
		UpdatedAt:      now,
	})
	if err != nil {
		return models.ReviewState{}, err
	}
	if _, err := o.ledger.Record(ctx, sync.RecordInput{
		Op:       models.OpUpdate,
		Kind:     models.KindMemo,
		EntityID: memoID,
		Payload:  patch,
	}); err != nil {
		return models.ReviewState{}, err
	}
	if err := o.store.AppendReview(ctx, db.ReviewEntry{MemoID: memoID, Outcome: outcome, ReviewedAt: now}); err != nil {
		return next, err
	}
	o.log.Debug("review recorded", "memo", memoID, "outcome", outcome, "interval", next.IntervalDays)
	return next, nil
}

// Phase classifies a memo from its review state and local answer history.
func (o *Orchestrator) Phase(ctx context.Context, memoID string) (models.Phase, error) {
	memo, err := o.store.GetMemo(ctx, memoID)
	if err != nil {
		return "", err
	}
	history, err := o.store.Outcomes(ctx, memoID)
	if err != nil {
		return "", err
	}
	return scheduler.Classify(memo.ReviewState, history), nil
}

// Replay recomputes a memo's review state from this device's answer log,
// starting from a fresh state at the memo's difficulty. It differs from the
// stored state when reviews made elsewhere were merged in.
func (o *Orchestrator) Replay(ctx context.Context, memoID string) (models.ReviewState, int, error) {
	memo, err := o.store.GetMemo(ctx, memoID)
	if err != nil {
		return models.ReviewState{}, 0, err
	}
	entries, err := o.store.ReviewHistory(ctx, memoID)
	if err != nil {
		return models.ReviewState{}, 0, err
	}
	events := make([]scheduler.ReviewEvent, len(entries))
	for i, e := range entries {
		events[i] = scheduler.ReviewEvent{Outcome: e.Outcome, ReviewedAt: e.ReviewedAt}
	}
	initial := models.NewReviewState()
	initial.DifficultyLevel = memo.DifficultyLevel
	return scheduler.Replay(initial, events), len(events), nil
}
