package models

import (
	"encoding"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidOutcome is returned when parsing an unknown review outcome.
var ErrInvalidOutcome = errors.New("invalid review outcome")

// Outcome is the user's self-assessment after a quiz question.
type Outcome int

const (
	Forgot Outcome = iota
	Hard
	Good
	Easy
)

var (
	outcomeNames  = [...]string{Forgot: "FORGOT", Hard: "HARD", Good: "GOOD", Easy: "EASY"}
	outcomeByName = map[string]Outcome{"FORGOT": Forgot, "HARD": Hard, "GOOD": Good, "EASY": Easy}
)

var (
	_ fmt.Stringer             = Outcome(0)
	_ json.Marshaler           = Outcome(0)
	_ json.Unmarshaler         = (*Outcome)(nil)
	_ encoding.TextMarshaler   = Outcome(0)
	_ encoding.TextUnmarshaler = (*Outcome)(nil)
)

func (o Outcome) String() string {
	if o.IsValid() {
		return outcomeNames[o]
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// IsValid reports whether o is one of Forgot, Hard, Good, Easy.
func (o Outcome) IsValid() bool {
	return o >= Forgot && o <= Easy
}

// ParseOutcome accepts outcome names case-insensitively ("good", "EASY").
func ParseOutcome(s string) (Outcome, error) {
	o, ok := outcomeByName[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidOutcome, s)
	}
	return o, nil
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) {
	if !o.IsValid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidOutcome, int(o))
	}
	return []byte(outcomeNames[o]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (o *Outcome) UnmarshalText(text []byte) error {
	v, err := ParseOutcome(string(text))
	if err != nil {
		return err
	}
	*o = v
	return nil
}

// MarshalJSON encodes the outcome as its name.
func (o Outcome) MarshalJSON() ([]byte, error) {
	text, err := o.MarshalText()
	if err != nil {
		return nil, err
	}
	return json.Marshal(string(text))
}

// UnmarshalJSON expects a JSON string.
func (o *Outcome) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidOutcome, data)
	}
	return o.UnmarshalText([]byte(s))
}

// Phase is the learning phase derived from review state and history.
type Phase string

const (
	PhaseNew      Phase = "new"
	PhaseLearning Phase = "learning"
	PhaseReview   Phase = "review"
	PhaseMastered Phase = "mastered"
)
