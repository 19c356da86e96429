package scheduler

import (
	"context"
	"time"

	"dealwatch/models"
	"dealwatch/storage"
)

// DueSelector picks the products a scheduled check should cover.
type DueSelector interface {
	SelectDue(ctx context.Context, now time.Time) ([]models.Product, error)
}

// StaleSelector selects products not checked within DueAfter, oldest first.
type StaleSelector struct {
	store    storage.ProductStore
	dueAfter time.Duration
	limit    int
}

func NewStaleSelector(store storage.ProductStore, dueAfter time.Duration, limit int) *StaleSelector {
	if limit <= 0 {
		limit = 500
	}
	return &StaleSelector{store: store, dueAfter: dueAfter, limit: limit}
}

func (s *StaleSelector) SelectDue(ctx context.Context, now time.Time) ([]models.Product, error) {
	return s.store.ListDueProducts(ctx, now.Add(-s.dueAfter), s.limit)
}
