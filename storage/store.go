package storage

import (
	"context"
	"errors"
	"time"

	"dealwatch/models"
)

var (
	ErrNotFound            = errors.New("record not found")
	ErrDuplicateActiveDeal = errors.New("product already has an active deal")
)

// Lookups return nil, nil when the record does not exist.

type ProductStore interface {
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	UpsertProduct(ctx context.Context, p *models.Product) error
	// ListDueProducts returns products not checked since before, oldest first.
	ListDueProducts(ctx context.Context, before time.Time, limit int) ([]models.Product, error)
}

type HistoryStore interface {
	LastPrice(ctx context.Context, productID string) (*models.PriceHistoryRecord, error)
	// AppendPrice writes rec unless it repeats the last stored price. It
	// reports whether a row was written.
	AppendPrice(ctx context.Context, rec *models.PriceHistoryRecord) (bool, error)
	// Window returns records at or after since, ordered by recorded_at.
	Window(ctx context.Context, productID string, since time.Time) ([]models.PriceHistoryRecord, error)
}

type DealStore interface {
	ActiveDeal(ctx context.Context, productID string) (*models.Deal, error)
	// InsertDeal returns ErrDuplicateActiveDeal when the product already has
	// an active deal.
	InsertDeal(ctx context.Context, d *models.Deal) error
	UpdateDeal(ctx context.Context, d *models.Deal) error
	ListActiveDeals(ctx context.Context, limit int) ([]models.Deal, error)
}

type Store interface {
	ProductStore
	HistoryStore
	DealStore
}

func samePrice(a, b float64) bool {
	d := a - b
	return d < 0.005 && d > -0.005
}
