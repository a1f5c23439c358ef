package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marcus/memo/internal/models"
)

// GetCategory returns the local view of a category with its derived memo count.
func (db *DB) GetCategory(ctx context.Context, id string) (*models.Category, error) {
	v, err := db.GetView(ctx, models.KindCategory, id)
	if err != nil {
		return nil, err
	}
	if v.Deleted {
		return nil, ErrNotFound
	}
	c, err := decodeCategory(v)
	if err != nil {
		return nil, err
	}
	err = db.conn.QueryRowContext(ctx, `SELECT memo_count FROM category_counts WHERE category_id = ?`, id).Scan(&c.MemoCount)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return c, nil
}

// ListCategories returns every live category, ordered by id.
func (db *DB) ListCategories(ctx context.Context) ([]models.Category, error) {
	views, err := db.ListViews(ctx, models.KindCategory)
	if err != nil {
		return nil, err
	}
	counts, err := db.categoryCounts(ctx)
	if err != nil {
		return nil, err
	}
	cats := make([]models.Category, 0, len(views))
	for i := range views {
		c, err := decodeCategory(&views[i])
		if err != nil {
			return nil, err
		}
		c.MemoCount = counts[c.ID]
		cats = append(cats, *c)
	}
	return cats, nil
}

func (db *DB) categoryCounts(ctx context.Context) (map[string]int, error) {
	rows, err := db.conn.QueryContext(ctx, `SELECT category_id, memo_count FROM category_counts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[string]int)
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func decodeCategory(v *View) (*models.Category, error) {
	var c models.Category
	if err := json.Unmarshal(v.Payload, &c); err != nil {
		return nil, fmt.Errorf("decode category %s: %w", v.ID, err)
	}
	c.ID = v.ID
	c.MemoCount = 0
	return &c, nil
}
