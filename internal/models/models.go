package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// Review-state bounds.
const (
	MinEaseFactor     = 1.3
	MaxEaseFactor     = 2.5
	DefaultEaseFactor = 2.5
	MinIntervalDays   = 1
	MaxIntervalDays   = 365
	MinDifficulty     = 1
	MaxDifficulty     = 5
	DefaultDifficulty = 3
)

// Tag and text limits.
const (
	MaxTags         = 20
	MaxTagLength    = 50
	MaxTitleLength  = 200
	MaxCategoryName = 100
)

// ErrValidation is the sentinel wrapped by every ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError describes a single rejected field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ReviewState is the spaced-repetition state carried on every memo.
type ReviewState struct {
	DifficultyLevel int        `json:"difficultyLevel"`
	EaseFactor      float64    `json:"easeFactor"`
	IntervalDays    int        `json:"intervalDays"`
	Repetitions     int        `json:"repetitions"`
	ReviewCount     int        `json:"reviewCount"`
	LastReviewedAt  *time.Time `json:"lastReviewedAt"`
	NextReviewAt    *time.Time `json:"nextReviewAt"`
}

// NewReviewState returns the state of a memo that has never been reviewed.
func NewReviewState() ReviewState {
	return ReviewState{
		DifficultyLevel: DefaultDifficulty,
		EaseFactor:      DefaultEaseFactor,
		IntervalDays:    MinIntervalDays,
	}
}

// Validate checks the review state bounds.
func (r ReviewState) Validate() error {
	if r.DifficultyLevel < MinDifficulty || r.DifficultyLevel > MaxDifficulty {
		return invalid("difficultyLevel", "must be between %d and %d", MinDifficulty, MaxDifficulty)
	}
	if r.EaseFactor < MinEaseFactor || r.EaseFactor > MaxEaseFactor {
		return invalid("easeFactor", "must be between %.1f and %.1f", MinEaseFactor, MaxEaseFactor)
	}
	if r.IntervalDays < MinIntervalDays || r.IntervalDays > MaxIntervalDays {
		return invalid("intervalDays", "must be between %d and %d", MinIntervalDays, MaxIntervalDays)
	}
	if r.Repetitions < 0 {
		return invalid("repetitions", "must not be negative")
	}
	if r.ReviewCount < 0 {
		return invalid("reviewCount", "must not be negative")
	}
	// Only a never-reviewed memo may lack a due date.
	if r.NextReviewAt == nil && (r.Repetitions > 0 || r.LastReviewedAt != nil) {
		return invalid("nextReviewAt", "is required once the memo has been reviewed")
	}
	return nil
}

// Memo is a short note that can be quizzed with spaced repetition.
type Memo struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Content    string    `json:"content"`
	Tags       []string  `json:"tags"`
	CategoryID *string   `json:"categoryId"`
	OwnerID    string    `json:"ownerId,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	ReviewState
}

// Validate checks every field of a memo, normalizing its tags in place.
func (m *Memo) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return invalid("id", "is required")
	}
	if err := validateTitle(m.Title); err != nil {
		return err
	}
	tags, err := NormalizeTags(m.Tags)
	if err != nil {
		return err
	}
	m.Tags = tags
	return m.ReviewState.Validate()
}

func validateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return invalid("title", "is required")
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return invalid("title", "exceeds %d characters", MaxTitleLength)
	}
	return nil
}

// NormalizeTags trims, lower-cases and de-duplicates tags, keeping first
// occurrence order. Empty tags are dropped.
func NormalizeTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		if utf8.RuneCountInString(t) > MaxTagLength {
			return nil, invalid("tags", "tag %q exceeds %d characters", t, MaxTagLength)
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) > MaxTags {
		return nil, invalid("tags", "at most %d tags allowed, got %d", MaxTags, len(out))
	}
	return out, nil
}

// HasTag reports whether the memo carries the given (normalized) tag.
func (m *Memo) HasTag(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Category groups memos. MemoCount is derived locally and never trusted from the wire.
type Category struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	OwnerID   string    `json:"ownerId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	MemoCount int       `json:"memoCount"`
}

// Validate checks category fields.
func (c *Category) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return invalid("id", "is required")
	}
	return validateCategoryName(c.Name)
}

func validateCategoryName(name string) error {
	if strings.TrimSpace(name) == "" {
		return invalid("name", "is required")
	}
	if utf8.RuneCountInString(name) > MaxCategoryName {
		return invalid("name", "exceeds %d characters", MaxCategoryName)
	}
	return nil
}

// ReviewFields are the memo fields owned by the scheduler.
var ReviewFields = []string{
	"easeFactor",
	"intervalDays",
	"lastReviewedAt",
	"nextReviewAt",
	"repetitions",
	"reviewCount",
}

// IsReviewField reports whether a payload field belongs to the review state.
func IsReviewField(field string) bool {
	for _, f := range ReviewFields {
		if f == field {
			return true
		}
	}
	return false
}

// patchable lists the fields an update may touch, per entity kind.
var patchable = map[EntityKind]map[string]bool{
	KindMemo: {
		"title": true, "content": true, "tags": true, "categoryId": true, "updatedAt": true,
		"difficultyLevel": true, "easeFactor": true, "intervalDays": true, "repetitions": true,
		"reviewCount": true, "lastReviewedAt": true, "nextReviewAt": true,
	},
	KindCategory: {
		"name": true, "color": true, "updatedAt": true,
	},
}

// NormalizePayload validates a change payload for the given operation and
// returns its canonical encoding: tags normalized, derived fields dropped.
func NormalizePayload(kind EntityKind, op Operation, payload json.RawMessage) (json.RawMessage, error) {
	if !kind.IsValid() {
		return nil, invalid("entityType", "unknown entity type %q", kind)
	}
	switch op {
	case OpDelete:
		return json.RawMessage(`{}`), nil
	case OpCreate:
		return normalizeCreate(kind, payload)
	case OpUpdate:
		return normalizeUpdate(kind, payload)
	default:
		return nil, invalid("operation", "unknown operation %q", op)
	}
}

func normalizeCreate(kind EntityKind, payload json.RawMessage) (json.RawMessage, error) {
	switch kind {
	case KindMemo:
		m := Memo{ReviewState: NewReviewState()}
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, invalid("payload", "%v", err)
		}
		if err := m.Validate(); err != nil {
			return nil, err
		}
		return json.Marshal(m)
	default:
		var c Category
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil, invalid("payload", "%v", err)
		}
		if err := c.Validate(); err != nil {
			return nil, err
		}
		c.MemoCount = 0
		return json.Marshal(c)
	}
}

func normalizeUpdate(kind EntityKind, payload json.RawMessage) (json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, invalid("payload", "%v", err)
	}
	if len(fields) == 0 {
		return nil, invalid("payload", "update touches no fields")
	}
	allowed := patchable[kind]
	for name, raw := range fields {
		if !allowed[name] {
			return nil, invalid(name, "field cannot be updated")
		}
		norm, err := normalizeField(name, raw)
		if err != nil {
			return nil, err
		}
		fields[name] = norm
	}
	return json.Marshal(fields)
}

func normalizeField(name string, raw json.RawMessage) (json.RawMessage, error) {
	switch name {
	case "title":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, invalid(name, "must be a string")
		}
		if err := validateTitle(s); err != nil {
			return nil, err
		}
	case "name":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, invalid(name, "must be a string")
		}
		if err := validateCategoryName(s); err != nil {
			return nil, err
		}
	case "content", "color":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, invalid(name, "must be a string")
		}
	case "categoryId":
		var s *string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, invalid(name, "must be a string or null")
		}
	case "tags":
		var tags []string
		if err := json.Unmarshal(raw, &tags); err != nil {
			return nil, invalid(name, "must be a list of strings")
		}
		norm, err := NormalizeTags(tags)
		if err != nil {
			return nil, err
		}
		return json.Marshal(norm)
	case "difficultyLevel":
		var n int
		if err := json.Unmarshal(raw, &n); err != nil || n < MinDifficulty || n > MaxDifficulty {
			return nil, invalid(name, "must be between %d and %d", MinDifficulty, MaxDifficulty)
		}
	case "easeFactor":
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil || f < MinEaseFactor || f > MaxEaseFactor {
			return nil, invalid(name, "must be between %.1f and %.1f", MinEaseFactor, MaxEaseFactor)
		}
	case "intervalDays":
		var n int
		if err := json.Unmarshal(raw, &n); err != nil || n < MinIntervalDays || n > MaxIntervalDays {
			return nil, invalid(name, "must be between %d and %d", MinIntervalDays, MaxIntervalDays)
		}
	case "repetitions", "reviewCount":
		var n int
		if err := json.Unmarshal(raw, &n); err != nil || n < 0 {
			return nil, invalid(name, "must be a non-negative integer")
		}
	case "lastReviewedAt", "nextReviewAt", "updatedAt":
		var t *time.Time
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, invalid(name, "must be an RFC 3339 timestamp or null")
		}
	}
	return raw, nil
}
