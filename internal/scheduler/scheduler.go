// Package scheduler implements the SM-2 variant used to space memo reviews.
//
// Schedule is a pure function: the same state, outcome and instant always
// produce the same next state, and the input is never mutated.
//
//	next := scheduler.Schedule(memo.ReviewState, models.Good, time.Now())
package scheduler

import (
	"math"
	"time"

	"github.com/marcus/memo/internal/models"
)

// Interval for the first and second successful repetitions.
const (
	firstInterval  = 1
	secondInterval = 6
)

var easeDelta = map[models.Outcome]float64{
	models.Forgot: -0.8,
	models.Hard:   -0.15,
	models.Good:   0,
	models.Easy:   0.15,
}

var intervalMultiplier = map[models.Outcome]float64{
	models.Hard: 1.2,
	models.Good: 1.0,
	models.Easy: 1.3,
}

// Schedule returns the review state after answering with outcome at now.
// Out-of-range input is clamped first. An invalid outcome returns the
// state unchanged.
func Schedule(state models.ReviewState, outcome models.Outcome, now time.Time) models.ReviewState {
	if !outcome.IsValid() {
		return state
	}
	next := normalize(state)

	next.EaseFactor = clampEase(next.EaseFactor + easeDelta[outcome])

	if outcome == models.Forgot {
		next.Repetitions = 0
		next.IntervalDays = firstInterval
	} else {
		next.Repetitions++
		switch next.Repetitions {
		case 1:
			next.IntervalDays = firstInterval
		case 2:
			next.IntervalDays = secondInterval
		default:
			next.IntervalDays = roundInterval(float64(next.IntervalDays) * intervalMultiplier[outcome])
		}
	}
	next.IntervalDays = clampInterval(next.IntervalDays)

	reviewed := now
	due := now.AddDate(0, 0, next.IntervalDays)
	next.LastReviewedAt = &reviewed
	next.NextReviewAt = &due
	next.ReviewCount++
	return next
}

// normalize copies state, bringing every field back into bounds.
func normalize(state models.ReviewState) models.ReviewState {
	next := state
	next.EaseFactor = clampEase(state.EaseFactor)
	next.IntervalDays = clampInterval(state.IntervalDays)
	if next.Repetitions < 0 {
		next.Repetitions = 0
	}
	if next.ReviewCount < 0 {
		next.ReviewCount = 0
	}
	if next.DifficultyLevel < models.MinDifficulty {
		next.DifficultyLevel = models.MinDifficulty
	}
	if next.DifficultyLevel > models.MaxDifficulty {
		next.DifficultyLevel = models.MaxDifficulty
	}
	if state.LastReviewedAt != nil {
		t := *state.LastReviewedAt
		next.LastReviewedAt = &t
	}
	if state.NextReviewAt != nil {
		t := *state.NextReviewAt
		next.NextReviewAt = &t
	}
	return next
}

func clampEase(ef float64) float64 {
	if math.IsNaN(ef) || ef < models.MinEaseFactor {
		return models.MinEaseFactor
	}
	if ef > models.MaxEaseFactor {
		return models.MaxEaseFactor
	}
	// Keep the stored value free of float drift (2.35 rather than 2.3499999).
	return math.Round(ef*100) / 100
}

func clampInterval(days int) int {
	if days < models.MinIntervalDays {
		return models.MinIntervalDays
	}
	if days > models.MaxIntervalDays {
		return models.MaxIntervalDays
	}
	return days
}

// roundInterval rounds half away from zero.
func roundInterval(days float64) int {
	return int(math.Round(days))
}

// ReviewEvent is one entry of a memo's review log.
type ReviewEvent struct {
	Outcome    models.Outcome
	ReviewedAt time.Time
}

// Replay folds a review log through Schedule, starting from initial.
func Replay(initial models.ReviewState, events []ReviewEvent) models.ReviewState {
	state := initial
	for _, ev := range events {
		state = Schedule(state, ev.Outcome, ev.ReviewedAt)
	}
	return state
}

// Preview returns the next state for every valid outcome without committing
// to any of them.
func Preview(state models.ReviewState, now time.Time) map[models.Outcome]models.ReviewState {
	out := make(map[models.Outcome]models.ReviewState, 4)
	for _, o := range []models.Outcome{models.Forgot, models.Hard, models.Good, models.Easy} {
		out[o] = Schedule(state, o, now)
	}
	return out
}
