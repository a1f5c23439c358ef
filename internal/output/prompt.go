package output

import (
	"fmt"

	"github.com/charmbracelet/huh"

	"github.com/marcus/memo/internal/models"
)

var outcomeLabels = []struct {
	outcome models.Outcome
	label   string
}{
	{models.Forgot, "Forgot - start over"},
	{models.Hard, "Hard - recalled with effort"},
	{models.Good, "Good - recalled"},
	{models.Easy, "Easy - instant"},
}

// outcomeOptions lists the self-assessment choices, worst first. When next
// holds the state each outcome would lead to, its interval is shown too.
func outcomeOptions(next map[models.Outcome]models.ReviewState) []huh.Option[models.Outcome] {
	opts := make([]huh.Option[models.Outcome], 0, len(outcomeLabels))
	for _, l := range outcomeLabels {
		label := l.label
		if st, ok := next[l.outcome]; ok {
			label = fmt.Sprintf("%s (%s)", label, pluralDays(st.IntervalDays))
		}
		opts = append(opts, huh.NewOption(label, l.outcome))
	}
	return opts
}

// PromptReveal shows the memo title and waits until the user either reveals
// the answer or skips the question.
func PromptReveal(title string) (skip bool, err error) {
	reveal := true
	err = huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description("Recall the answer, then reveal it.").
				Affirmative("Reveal").
				Negative("Skip").
				Value(&reveal),
		),
	).Run()
	return !reveal, err
}

// PromptGrade asks for the outcome after the answer was shown.
func PromptGrade(next map[models.Outcome]models.ReviewState) (models.Outcome, error) {
	outcome := models.Good
	err := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[models.Outcome]().
				Title("How did it go?").
				Options(outcomeOptions(next)...).
				Value(&outcome),
		),
	).Run()
	return outcome, err
}
