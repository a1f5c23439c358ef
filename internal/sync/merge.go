package sync

import (
	"encoding/json"
	"time"

	"github.com/marcus/memo/internal/models"
)

// MergeResult is the outcome of a three-way merge of one entity.
type MergeResult struct {
	// Merged is the combined record, nil when the merge conflicted.
	Merged json.RawMessage
	// Patch is what still has to be sent on top of the server record. Empty
	// when the server already holds everything.
	Patch json.RawMessage
	// ConflictFields are the overlapping fields that need a decision, sorted.
	ConflictFields []string
	// AutoResolved is set when only review-state fields overlapped and the
	// review policy settled them.
	AutoResolved bool
}

// Conflicted reports whether the merge needs a resolution.
func (r MergeResult) Conflicted() bool {
	return len(r.ConflictFields) > 0
}

// ThreeWay merges a local patch made against base with a server record whose
// changes since base touched serverChanged. Disjoint edits combine, review-only
// overlaps go through the review policy, anything else conflicts.
func ThreeWay(base, localPatch json.RawMessage, serverChanged []string, server json.RawMessage) (MergeResult, error) {
	patch, err := models.DecodeFields(localPatch)
	if err != nil {
		return MergeResult{}, err
	}
	serverFields, err := models.DecodeFields(server)
	if err != nil {
		return MergeResult{}, err
	}

	// Fields the server already holds with the local value are agreement.
	var touched []string
	for _, k := range models.TrackedFields(patch.Keys()) {
		if !serverFields.Equal(patch, k) {
			touched = append(touched, k)
		}
	}
	overlap := intersect(touched, models.TrackedFields(serverChanged))
	if len(overlap) == 0 {
		merged, err := overlay(serverFields, patch)
		if err != nil || len(touched) == 0 {
			return MergeResult{Merged: merged}, err
		}
		return MergeResult{Merged: merged, Patch: localPatch}, nil
	}
	if !allReviewFields(overlap) {
		return MergeResult{ConflictFields: overlap}, nil
	}

	local, err := models.DecodeFields(base)
	if err != nil {
		return MergeResult{}, err
	}
	for k, v := range patch {
		local[k] = v
	}
	review := ResolveReviewState(local, serverFields)

	rest := patch.Clone()
	for _, f := range models.ReviewFields {
		delete(rest, f)
	}
	for k, v := range review {
		if !serverFields.Equal(review, k) {
			rest[k] = v
		}
	}
	merged, err := overlay(serverFields, rest)
	if err != nil {
		return MergeResult{}, err
	}
	res := MergeResult{Merged: merged, AutoResolved: true}
	if len(models.TrackedFields(rest.Keys())) > 0 {
		if res.Patch, err = rest.Encode(); err != nil {
			return MergeResult{}, err
		}
	}
	return res, nil
}

// overlay applies patch onto server. updatedAt keeps the later of both.
func overlay(server, patch models.Fields) (json.RawMessage, error) {
	out := server.Clone()
	for k, v := range patch {
		if k == "updatedAt" && laterTime(server[k], v) {
			continue
		}
		out[k] = v
	}
	return out.Encode()
}

// ResolveReviewState picks the review state of the side reviewed last (ties go
// to the higher reviewCount) and keeps the larger reviewCount, so review
// history never regresses.
func ResolveReviewState(local, server models.Fields) models.Fields {
	winner := server
	lt, st := decodeTime(local["lastReviewedAt"]), decodeTime(server["lastReviewedAt"])
	lc, sc := decodeInt(local["reviewCount"]), decodeInt(server["reviewCount"])
	switch {
	case lt.After(st):
		winner = local
	case lt.Equal(st) && lc > sc:
		winner = local
	}

	out := models.Fields{}
	for _, f := range models.ReviewFields {
		if v, ok := winner[f]; ok {
			out[f] = v
		}
	}
	count := lc
	if sc > count {
		count = sc
	}
	out["reviewCount"], _ = json.Marshal(count)
	return out
}

// laterTime reports whether a is a strictly later timestamp than b.
func laterTime(a, b json.RawMessage) bool {
	return decodeTime(a).After(decodeTime(b))
}

func decodeTime(raw json.RawMessage) time.Time {
	var t *time.Time
	if len(raw) == 0 || json.Unmarshal(raw, &t) != nil || t == nil {
		return time.Time{}
	}
	return *t
}

func decodeInt(raw json.RawMessage) int {
	var n int
	if len(raw) == 0 {
		return 0
	}
	_ = json.Unmarshal(raw, &n)
	return n
}

func intersect(a, b []string) []string {
	set := make(map[string]bool, len(b))
	for _, s := range b {
		set[s] = true
	}
	var out []string
	for _, s := range a {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}

func allReviewFields(fields []string) bool {
	for _, f := range fields {
		if !models.IsReviewField(f) {
			return false
		}
	}
	return true
}

// missingFields returns the conflict fields data has no explicit value for.
func missingFields(data json.RawMessage, fields []string) ([]string, error) {
	f, err := models.DecodeFields(data)
	if err != nil {
		return nil, err
	}
	var missing []string
	for _, name := range fields {
		if _, ok := f[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing, nil
}
