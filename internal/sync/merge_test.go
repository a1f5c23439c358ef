package sync

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marcus/memo/internal/models"
)

func fields(t *testing.T, raw json.RawMessage) models.Fields {
	t.Helper()
	f, err := models.DecodeFields(raw)
	require.NoError(t, err)
	return f
}

func TestThreeWayDisjointEditsCombine(t *testing.T) {
	base := json.RawMessage(`{"title":"A","content":"c","tags":[]}`)
	server := json.RawMessage(`{"title":"A","content":"c","tags":["x"]}`)

	res, err := ThreeWay(base, json.RawMessage(`{"title":"B"}`), []string{"tags"}, server)
	require.NoError(t, err)
	assert.False(t, res.Conflicted())
	assert.False(t, res.AutoResolved)
	assert.JSONEq(t, `{"title":"B"}`, string(res.Patch))
	assert.JSONEq(t, `{"title":"B","content":"c","tags":["x"]}`, string(res.Merged))
}

func TestThreeWayOverlapConflicts(t *testing.T) {
	base := json.RawMessage(`{"title":"A","content":"c"}`)
	server := json.RawMessage(`{"title":"A","content":"server"}`)

	res, err := ThreeWay(base, json.RawMessage(`{"content":"local","title":"B"}`), []string{"content"}, server)
	require.NoError(t, err)
	assert.True(t, res.Conflicted())
	assert.Equal(t, []string{"content"}, res.ConflictFields)
	assert.Nil(t, res.Merged)
}

func TestThreeWaySameValueIsAgreement(t *testing.T) {
	server := json.RawMessage(`{"title":"B","content":"c"}`)

	res, err := ThreeWay(nil, json.RawMessage(`{"title":"B"}`), []string{"title"}, server)
	require.NoError(t, err)
	assert.False(t, res.Conflicted())
	assert.Empty(t, res.Patch, "server already holds the local value")
}

func TestThreeWayIgnoresBookkeepingFields(t *testing.T) {
	server := json.RawMessage(`{"title":"A","updatedAt":"2025-06-15T12:00:00Z"}`)
	local := json.RawMessage(`{"content":"x","updatedAt":"2025-06-15T11:00:00Z"}`)

	res, err := ThreeWay(nil, local, []string{"title", "updatedAt"}, server)
	require.NoError(t, err)
	assert.False(t, res.Conflicted())
	merged := fields(t, res.Merged)
	assert.JSONEq(t, `"2025-06-15T12:00:00Z"`, string(merged["updatedAt"]), "later updatedAt wins")
	assert.JSONEq(t, `"x"`, string(merged["content"]))
}

func TestThreeWayReviewOnlyOverlapAutoResolves(t *testing.T) {
	base := json.RawMessage(`{"title":"A","reviewCount":2,"intervalDays":3,"lastReviewedAt":"2025-06-10T00:00:00Z"}`)
	server := json.RawMessage(`{"title":"A","reviewCount":3,"intervalDays":6,"lastReviewedAt":"2025-06-12T00:00:00Z"}`)
	local := json.RawMessage(`{"reviewCount":3,"intervalDays":1,"lastReviewedAt":"2025-06-14T00:00:00Z"}`)

	res, err := ThreeWay(base, local, []string{"reviewCount", "intervalDays", "lastReviewedAt"}, server)
	require.NoError(t, err)
	require.False(t, res.Conflicted())
	assert.True(t, res.AutoResolved)

	merged := fields(t, res.Merged)
	assert.JSONEq(t, `1`, string(merged["intervalDays"]), "later review wins")
	assert.JSONEq(t, `3`, string(merged["reviewCount"]))
	patch := fields(t, res.Patch)
	assert.Contains(t, patch, "lastReviewedAt")
	assert.NotContains(t, patch, "reviewCount", "server already has the max count")
}

func TestThreeWayMixedOverlapConflicts(t *testing.T) {
	server := json.RawMessage(`{"content":"s","reviewCount":4}`)
	local := json.RawMessage(`{"content":"l","reviewCount":5}`)

	res, err := ThreeWay(nil, local, []string{"content", "reviewCount"}, server)
	require.NoError(t, err)
	assert.Equal(t, []string{"content", "reviewCount"}, res.ConflictFields)
}

func TestResolveReviewStateNeverRegresses(t *testing.T) {
	day := func(d int) string {
		return `"` + time.Date(2025, 6, d, 0, 0, 0, 0, time.UTC).Format(time.RFC3339) + `"`
	}
	cases := []struct {
		name            string
		local, server   string
		wantCount       string
		wantLastReview  string
		wantIntervalDay string
	}{
		{"local later", `{"reviewCount":2,"intervalDays":9,"lastReviewedAt":` + day(14) + `}`, `{"reviewCount":7,"intervalDays":3,"lastReviewedAt":` + day(10) + `}`, `7`, day(14), `9`},
		{"server later", `{"reviewCount":9,"intervalDays":9,"lastReviewedAt":` + day(1) + `}`, `{"reviewCount":4,"intervalDays":3,"lastReviewedAt":` + day(10) + `}`, `9`, day(10), `3`},
		{"tie by count", `{"reviewCount":5,"intervalDays":9,"lastReviewedAt":` + day(10) + `}`, `{"reviewCount":4,"intervalDays":3,"lastReviewedAt":` + day(10) + `}`, `5`, day(10), `9`},
		{"never reviewed locally", `{"reviewCount":0,"intervalDays":1,"lastReviewedAt":null}`, `{"reviewCount":1,"intervalDays":2,"lastReviewedAt":` + day(3) + `}`, `1`, day(3), `2`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := ResolveReviewState(fields(t, json.RawMessage(tc.local)), fields(t, json.RawMessage(tc.server)))
			assert.JSONEq(t, tc.wantCount, string(out["reviewCount"]))
			assert.JSONEq(t, tc.wantLastReview, string(out["lastReviewedAt"]))
			assert.JSONEq(t, tc.wantIntervalDay, string(out["intervalDays"]))
		})
	}
}

func TestMissingFields(t *testing.T) {
	missing, err := missingFields(json.RawMessage(`{"title":"x"}`), []string{"content", "title"})
	require.NoError(t, err)
	assert.Equal(t, []string{"content"}, missing)

	missing, err = missingFields(nil, []string{"content"})
	require.NoError(t, err)
	assert.Equal(t, []string{"content"}, missing)
}
