package output

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/x/ansi"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/marcus/memo/internal/models"
)

func newTable(w io.Writer, header table.Row) table.Writer {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(header)
	return t
}

// MemoTable writes memos as a table with their next review time.
func MemoTable(w io.Writer, memos []models.Memo, now time.Time) {
	t := newTable(w, table.Row{"ID", "Title", "Tags", "Reviews", "Next review"})
	for _, m := range memos {
		t.AppendRow(table.Row{shortID(m.ID), truncate(m.Title, 40), strings.Join(m.Tags, ", "), m.ReviewCount, FormatNextReview(m.NextReviewAt, now)})
	}
	t.Render()
}

// CategoryTable writes categories with their memo counts.
func CategoryTable(w io.Writer, cats []models.Category) {
	t := newTable(w, table.Row{"ID", "Name", "Color", "Memos"})
	for _, c := range cats {
		t.AppendRow(table.Row{shortID(c.ID), c.Name, c.Color, c.MemoCount})
	}
	t.Render()
}

// ConflictTable writes open conflicts with the fields that need a decision
// and both sides' values for them.
func ConflictTable(w io.Writer, conflicts []models.DataConflict) {
	t := newTable(w, table.Row{"Conflict", "Entity", "Fields", "Local", "Server", "Detected"})
	for _, c := range conflicts {
		fields := strings.Join(c.ConflictFields, ", ")
		local, server := fieldValues(c.LocalVersion, c.ConflictFields), fieldValues(c.ServerVersion, c.ConflictFields)
		if c.ServerDeleted {
			server = "(deleted)"
		}
		t.AppendRow(table.Row{c.ID, models.EntityKey(c.EntityType, shortID(c.EntityID)), fields, local, server, FormatTimeAgo(c.DetectedAt)})
	}
	t.Render()
}

// SyncErrorTable writes recent sync errors, newest first.
func SyncErrorTable(w io.Writer, errs []models.SyncError) {
	t := newTable(w, table.Row{"When", "Kind", "Entity", "Message"})
	for _, e := range errs {
		entity := ""
		if e.EntityID != "" {
			entity = models.EntityKey(e.EntityType, shortID(e.EntityID))
		}
		t.AppendRow(table.Row{FormatTimeAgo(e.OccurredAt), string(e.Kind), entity, truncate(e.Message, 60)})
	}
	t.Render()
}

func fieldValues(payload json.RawMessage, fields []string) string {
	f, err := models.DecodeFields(payload)
	if err != nil {
		return "?"
	}
	vals := make([]string, 0, len(fields))
	for _, name := range fields {
		vals = append(vals, truncate(string(f[name]), 30))
	}
	return strings.Join(vals, ", ")
}

// truncate cuts s to n display cells, escape sequences and wide runes included.
func truncate(s string, n int) string {
	return ansi.Truncate(s, n, "…")
}
