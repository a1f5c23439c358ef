package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/marcus/memo/internal/models"
)

// MemoFilter narrows ListMemos. Zero values match everything.
type MemoFilter struct {
	Tags       []string // memo must carry every tag
	CategoryID string
	DueAt      *time.Time // only memos due at this instant
}

// GetMemo returns the local view of a memo.
func (db *DB) GetMemo(ctx context.Context, id string) (*models.Memo, error) {
	v, err := db.GetView(ctx, models.KindMemo, id)
	if err != nil {
		return nil, err
	}
	if v.Deleted {
		return nil, ErrNotFound
	}
	return decodeMemo(v)
}

// ListMemos returns the local view of every live memo matching filter,
// ordered by id.
func (db *DB) ListMemos(ctx context.Context, filter MemoFilter) ([]models.Memo, error) {
	views, err := db.ListViews(ctx, models.KindMemo)
	if err != nil {
		return nil, err
	}
	tags, err := models.NormalizeTags(filter.Tags)
	if err != nil {
		return nil, err
	}

	memos := make([]models.Memo, 0, len(views))
	for i := range views {
		m, err := decodeMemo(&views[i])
		if err != nil {
			return nil, err
		}
		if !matchMemo(m, tags, filter) {
			continue
		}
		memos = append(memos, *m)
	}
	return memos, nil
}

func matchMemo(m *models.Memo, tags []string, filter MemoFilter) bool {
	for _, t := range tags {
		if !m.HasTag(t) {
			return false
		}
	}
	if filter.CategoryID != "" && (m.CategoryID == nil || *m.CategoryID != filter.CategoryID) {
		return false
	}
	if filter.DueAt != nil && m.NextReviewAt != nil && m.NextReviewAt.After(*filter.DueAt) {
		return false
	}
	return true
}

func decodeMemo(v *View) (*models.Memo, error) {
	m := models.Memo{ReviewState: models.NewReviewState()}
	if err := json.Unmarshal(v.Payload, &m); err != nil {
		return nil, fmt.Errorf("decode memo %s: %w", v.ID, err)
	}
	m.ID = v.ID
	return &m, nil
}

// RecountCategories recomputes the derived memo count of every category from
// the local memo views.
func (db *DB) RecountCategories(ctx context.Context) (map[string]int, error) {
	memos, err := db.ListMemos(ctx, MemoFilter{})
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int)
	for _, m := range memos {
		if m.CategoryID != nil && *m.CategoryID != "" {
			counts[*m.CategoryID]++
		}
	}

	ids := make([]string, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	err = db.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM category_counts`); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `INSERT INTO category_counts (category_id, memo_count) VALUES (?, ?)`,
				id, counts[id]); err != nil {
				return fmt.Errorf("write count for %s: %w", id, err)
			}
		}
		return nil
	})
	return counts, err
}
