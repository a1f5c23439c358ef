package scheduler

import "github.com/marcus/memo/internal/models"

const (
	masteredIntervalDays = 90
	masteredStreak       = 3
	reviewSuccessRatio   = 0.7
)

// Classify derives the learning phase from the review state and the
// memo's outcome history (oldest first). Phases are never stored.
func Classify(state models.ReviewState, history []models.Outcome) models.Phase {
	switch {
	case state.Repetitions <= 0:
		return models.PhaseNew
	case state.Repetitions <= 2:
		return models.PhaseLearning
	case state.IntervalDays >= masteredIntervalDays && recentStreak(history):
		return models.PhaseMastered
	case successRatio(history) >= reviewSuccessRatio:
		return models.PhaseReview
	default:
		return models.PhaseLearning
	}
}

// recentStreak reports whether the last three outcomes exist and none is Forgot.
func recentStreak(history []models.Outcome) bool {
	if len(history) < masteredStreak {
		return false
	}
	for _, o := range history[len(history)-masteredStreak:] {
		if o == models.Forgot {
			return false
		}
	}
	return true
}

// successRatio is the share of non-Forgot outcomes; an empty history counts as 1.
func successRatio(history []models.Outcome) float64 {
	if len(history) == 0 {
		return 1
	}
	ok := 0
	for _, o := range history {
		if o != models.Forgot {
			ok++
		}
	}
	return float64(ok) / float64(len(history))
}
