package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/marcus/memo/internal/models"
)

var now = time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)

func TestFormatTimeAgoJustNow(t *testing.T) {
	for _, tm := range []time.Time{time.Now(), time.Now().Add(-30 * time.Second)} {
		if got := FormatTimeAgo(tm); got != "just now" {
			t.Errorf("FormatTimeAgo(%v) = %q, want 'just now'", tm, got)
		}
	}
}

func TestFormatTimeAgoUsesRelativeWords(t *testing.T) {
	got := FormatTimeAgo(time.Now().Add(-3 * time.Hour))
	if !strings.Contains(got, "hours ago") {
		t.Fatalf("FormatTimeAgo = %q", got)
	}
}

func TestFormatNextReview(t *testing.T) {
	future := now.Add(72 * time.Hour)
	past := now.Add(-2 * time.Hour)
	tests := []struct {
		next *time.Time
		want string
	}{
		{nil, "due now (never reviewed)"},
		{&future, "next 3 days from now"},
		{&past, "due 2 hours ago"},
	}
	for _, tt := range tests {
		if got := FormatNextReview(tt.next, now); got != tt.want {
			t.Errorf("FormatNextReview(%v) = %q, want %q", tt.next, got, tt.want)
		}
	}
}

func TestFormatPhase(t *testing.T) {
	for _, p := range []models.Phase{models.PhaseNew, models.PhaseLearning, models.PhaseReview, models.PhaseMastered} {
		if got := FormatPhase(p); !strings.Contains(got, "["+string(p)+"]") {
			t.Errorf("FormatPhase(%s) = %q", p, got)
		}
	}
	if got := FormatPhase("odd"); got != "odd" {
		t.Errorf("unknown phase: %q", got)
	}
}

func TestFormatMemoShort(t *testing.T) {
	m := &models.Memo{ID: "0f5b2c1e-aaaa-bbbb", Title: "Channels", Tags: []string{"go", "concurrency"}}
	got := FormatMemoShort(m, now)
	for _, want := range []string{"0f5b2c1e", "Channels", "#go #concurrency", "never reviewed"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in %q", want, got)
		}
	}
	if strings.Contains(got, "aaaa") {
		t.Errorf("id should be shortened: %q", got)
	}
}

func TestFormatMemoLong(t *testing.T) {
	last := now.Add(-24 * time.Hour)
	next := now.Add(5 * 24 * time.Hour)
	m := &models.Memo{ID: "m1", Title: "Select", Tags: []string{"go"}, ReviewState: models.ReviewState{
		EaseFactor: 2.5, IntervalDays: 6, Repetitions: 2, ReviewCount: 3, LastReviewedAt: &last, NextReviewAt: &next,
	}}
	got := FormatMemoLong(m, models.PhaseReview, now)
	for _, want := range []string{"m1: Select", "[review]", "Ease: 2.50", "Interval: 6 days", "Reviews: 3", "Last reviewed:", "#go"} {
		if !strings.Contains(got, want) {
			t.Errorf("missing %q in:\n%s", want, got)
		}
	}

	m.IntervalDays = 1
	m.LastReviewedAt = nil
	got = FormatMemoLong(m, models.PhaseNew, now)
	if !strings.Contains(got, "Interval: 1 day |") || strings.Contains(got, "Last reviewed") {
		t.Errorf("single interval / no review:\n%s", got)
	}
}

func TestFormatSyncStatus(t *testing.T) {
	got := FormatSyncStatus(models.SyncStatus{MemosPending: 2, MemosConflicts: 1, CategoriesPending: 0})
	if !strings.Contains(got, "2 pending, 1 conflict\n") || !strings.Contains(got, "0 pending, 0 conflicts") {
		t.Fatalf("status:\n%s", got)
	}
}

func TestSectionHeaderAndIndent(t *testing.T) {
	if got := SectionHeader("conflicts"); got != "\nCONFLICTS:\n" {
		t.Errorf("SectionHeader = %q", got)
	}
	if got := IndentString("a\nb", 2); got != "  a\n  b" {
		t.Errorf("IndentString = %q", got)
	}
	if got := IndentString("", 4); got != "" {
		t.Errorf("IndentString empty = %q", got)
	}
}

func TestMemoTable(t *testing.T) {
	var buf bytes.Buffer
	MemoTable(&buf, []models.Memo{
		{ID: "m1", Title: "Goroutines", Tags: []string{"go"}},
		{ID: "m2", Title: strings.Repeat("x", 60)},
	}, now)
	out := buf.String()
	if !strings.Contains(out, "Goroutines") || !strings.Contains(out, "Next review") {
		t.Fatalf("table:\n%s", out)
	}
	if strings.Contains(out, strings.Repeat("x", 41)) {
		t.Fatalf("long titles should be truncated:\n%s", out)
	}
}

func TestConflictTableShowsBothSides(t *testing.T) {
	var buf bytes.Buffer
	ConflictTable(&buf, []models.DataConflict{
		{
			ID: "c-1", EntityType: models.KindMemo, EntityID: "m1", ConflictFields: []string{"content"},
			LocalVersion: json.RawMessage(`{"content":"mine"}`), ServerVersion: json.RawMessage(`{"content":"theirs"}`),
			DetectedAt: time.Now(),
		},
		{
			ID: "c-2", EntityType: models.KindMemo, EntityID: "m2", ConflictFields: []string{"title"},
			LocalVersion: json.RawMessage(`{"title":"kept"}`), ServerVersion: json.RawMessage(`{}`), ServerDeleted: true,
			DetectedAt: time.Now(),
		},
	})
	out := buf.String()
	for _, want := range []string{"c-1", "memo/m1", `"mine"`, `"theirs"`, "(deleted)"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestSyncErrorTable(t *testing.T) {
	var buf bytes.Buffer
	SyncErrorTable(&buf, []models.SyncError{
		{Kind: models.ErrKindTerminal, EntityType: models.KindMemo, EntityID: "m1", Message: "rejected", OccurredAt: time.Now()},
		{Kind: models.ErrKindTransient, Message: "dial tcp: refused", OccurredAt: time.Now()},
	})
	out := buf.String()
	if !strings.Contains(out, "terminal") || !strings.Contains(out, "memo/m1") || !strings.Contains(out, "dial tcp") {
		t.Fatalf("errors table:\n%s", out)
	}
}

func TestRenderMarkdownEmpty(t *testing.T) {
	got, err := RenderMarkdown("   ", 80)
	if err != nil || got != "" {
		t.Fatalf("empty markdown: %q %v", got, err)
	}
}

func TestRenderMarkdownKeepsText(t *testing.T) {
	got, err := RenderMarkdown("**channels** block", 5)
	if err != nil {
		t.Fatalf("RenderMarkdown: %v", err)
	}
	if !strings.Contains(got, "channels") {
		t.Fatalf("rendered = %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("héllo wörld", 5); got != "héll…" {
		t.Fatalf("truncate = %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("truncate short = %q", got)
	}
}

func TestFormatReplay(t *testing.T) {
	stored := models.ReviewState{EaseFactor: 2.5, IntervalDays: 6, Repetitions: 2}
	same := FormatReplay(stored, stored, 2)
	if !strings.Contains(same, "2 logged") || !strings.Contains(same, "6 days") {
		t.Fatalf("replay:\n%s", same)
	}
	if strings.Contains(same, "differs") {
		t.Fatalf("identical states reported as different:\n%s", same)
	}

	replayed := models.ReviewState{EaseFactor: 2.5, IntervalDays: 1, Repetitions: 1}
	if got := FormatReplay(stored, replayed, 1); !strings.Contains(got, "differs") {
		t.Fatalf("expected difference note:\n%s", got)
	}
}

func TestOutcomeOptionsShowIntervals(t *testing.T) {
	plain := outcomeOptions(nil)
	if len(plain) != 4 || plain[0].Value != models.Forgot || plain[3].Value != models.Easy {
		t.Fatalf("options: %+v", plain)
	}
	next := map[models.Outcome]models.ReviewState{models.Good: {IntervalDays: 6}}
	opts := outcomeOptions(next)
	if opts[2].Key != "Good - recalled (6 days)" {
		t.Errorf("good label = %q", opts[2].Key)
	}
	if opts[0].Key != "Forgot - start over" {
		t.Errorf("forgot label = %q", opts[0].Key)
	}
}
