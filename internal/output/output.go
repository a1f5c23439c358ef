// Package output provides styled terminal output helpers (success, error,
// warning, memo formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/marcus/memo/internal/models"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	tagStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	phaseStyles  = map[models.Phase]lipgloss.Style{
		models.PhaseNew:      lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		models.PhaseLearning: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		models.PhaseReview:   lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		models.PhaseMastered: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	}
)

// Success prints a success message
func Success(format string, args ...any) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...any) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...any) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
}

// JSON outputs data as JSON
func JSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Error codes for structured JSON output
const (
	ErrCodeNotFound      = "not_found"
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeConflict      = "conflict"
	ErrCodeDatabaseError = "database_error"
	ErrCodeSyncError     = "sync_error"
)

// JSONError outputs an error as JSON
func JSONError(code, message string) {
	data, _ := json.Marshal(map[string]any{"error": map[string]string{"code": code, "message": message}})
	fmt.Println(string(data))
}

// FormatPhase formats a learning phase with color
func FormatPhase(p models.Phase) string {
	style, ok := phaseStyles[p]
	if !ok {
		return string(p)
	}
	return style.Render(fmt.Sprintf("[%s]", p))
}

// FormatTags renders tags as #tag, or nothing.
func FormatTags(tags []string) string {
	if len(tags) == 0 {
		return ""
	}
	parts := make([]string, len(tags))
	for i, t := range tags {
		parts[i] = "#" + t
	}
	return tagStyle.Render(strings.Join(parts, " "))
}

// FormatNextReview describes when a memo is due relative to now.
func FormatNextReview(next *time.Time, now time.Time) string {
	if next == nil {
		return "due now (never reviewed)"
	}
	if !next.After(now) {
		return "due " + humanize.RelTime(*next, now, "ago", "from now")
	}
	return "next " + humanize.RelTime(*next, now, "ago", "from now")
}

// FormatTimeAgo formats a time as a human-readable "ago" string
func FormatTimeAgo(t time.Time) string {
	if time.Since(t) < time.Minute {
		return "just now"
	}
	return humanize.Time(t)
}

// FormatMemoShort formats a memo in one line.
func FormatMemoShort(m *models.Memo, now time.Time) string {
	parts := []string{titleStyle.Render(shortID(m.ID)), m.Title}
	if tags := FormatTags(m.Tags); tags != "" {
		parts = append(parts, tags)
	}
	parts = append(parts, subtleStyle.Render(FormatNextReview(m.NextReviewAt, now)))
	return strings.Join(parts, "  ")
}

// FormatMemoLong formats a memo header with its review state. The content is
// rendered separately as markdown.
func FormatMemoLong(m *models.Memo, phase models.Phase, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(fmt.Sprintf("%s: %s", m.ID, m.Title)))
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Phase: %s | %s\n", FormatPhase(phase), FormatNextReview(m.NextReviewAt, now))
	fmt.Fprintf(&sb, "Ease: %.2f | Interval: %s | Repetitions: %d | Reviews: %d\n",
		m.EaseFactor, pluralDays(m.IntervalDays), m.Repetitions, m.ReviewCount)
	if m.LastReviewedAt != nil {
		fmt.Fprintf(&sb, "Last reviewed: %s\n", FormatTimeAgo(*m.LastReviewedAt))
	}
	if tags := FormatTags(m.Tags); tags != "" {
		fmt.Fprintf(&sb, "Tags: %s\n", tags)
	}
	return sb.String()
}

// FormatReplay compares the stored review state with the one replayed from
// n logged answers.
func FormatReplay(stored, replayed models.ReviewState, n int) string {
	var sb strings.Builder
	sb.WriteString(SectionHeader("replay"))
	fmt.Fprintf(&sb, "  answers:  %d logged on this device\n", n)
	fmt.Fprintf(&sb, "  replayed: ease %.2f, %s, %d reps\n", replayed.EaseFactor, pluralDays(replayed.IntervalDays), replayed.Repetitions)
	fmt.Fprintf(&sb, "  stored:   ease %.2f, %s, %d reps\n", stored.EaseFactor, pluralDays(stored.IntervalDays), stored.Repetitions)
	if replayed.EaseFactor != stored.EaseFactor || replayed.IntervalDays != stored.IntervalDays || replayed.Repetitions != stored.Repetitions {
		sb.WriteString(subtleStyle.Render("  differs: reviews from other devices were merged in"))
		sb.WriteString("\n")
	}
	return sb.String()
}

// FormatSyncStatus renders the pending and conflict counts.
func FormatSyncStatus(st models.SyncStatus) string {
	var sb strings.Builder
	sb.WriteString(SectionHeader("sync"))
	fmt.Fprintf(&sb, "  memos:      %d pending, %s\n", st.MemosPending, conflicts(st.MemosConflicts))
	fmt.Fprintf(&sb, "  categories: %d pending, %s\n", st.CategoriesPending, conflicts(st.CategoriesConflicts))
	return sb.String()
}

func conflicts(n int) string {
	s := fmt.Sprintf("%d %s", n, plural(n, "conflict"))
	if n > 0 {
		return warningStyle.Render(s)
	}
	return s
}

func pluralDays(n int) string {
	return fmt.Sprintf("%d %s", n, plural(n, "day"))
}

func plural(n int, word string) string {
	if n == 1 {
		return word
	}
	return word + "s"
}

// shortID keeps uuids readable in one-line output.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// SectionHeader returns a formatted section header for CLI output
// e.g., "\nCONFLICTS:\n"
func SectionHeader(title string) string {
	return fmt.Sprintf("\n%s:\n", strings.ToUpper(title))
}

// IndentString indents each line in a string by the specified number of spaces
func IndentString(s string, spaces int) string {
	if s == "" {
		return ""
	}
	indent := strings.Repeat(" ", spaces)
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = indent + line
	}
	return strings.Join(lines, "\n")
}
