package models

import "time"

// Product is a tracked marketplace item. ID is the marketplace identifier (ASIN).
type Product struct {
	ID                  string     `json:"id" db:"id"`
	Title               string     `json:"title" db:"title"`
	Brand               string     `json:"brand" db:"brand"`
	URL                 string     `json:"url" db:"url"`
	CurrentPrice        *float64   `json:"current_price" db:"current_price"`
	ListPrice           *float64   `json:"list_price" db:"list_price"`
	Currency            string     `json:"currency" db:"currency"`
	Rating              float64    `json:"rating" db:"rating"`
	ReviewCount         int        `json:"review_count" db:"review_count"`
	Available           bool       `json:"available" db:"available"`
	Prime               bool       `json:"prime" db:"prime"`
	LastCheckedAt       *time.Time `json:"last_checked_at" db:"last_checked_at"`
	LastOutcome         Outcome    `json:"last_outcome" db:"last_outcome"`
	ConsecutiveFailures int        `json:"consecutive_failures" db:"consecutive_failures"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// ProductData is what an acquisition tier extracted for one identifier.
type ProductData struct {
	Title       string   `json:"title"`
	Brand       string   `json:"brand"`
	Price       *float64 `json:"price"`
	ListPrice   *float64 `json:"list_price"`
	Currency    string   `json:"currency"`
	Rating      float64  `json:"rating"`
	ReviewCount int      `json:"review_count"`
	Available   bool     `json:"available"`
	Prime       bool     `json:"prime"`
}

// ApplyData refreshes metadata from a successful fetch. Price fields are left
// to the caller so the previous price can still be compared.
func (p *Product) ApplyData(d *ProductData) {
	if d == nil {
		return
	}
	if d.Title != "" {
		p.Title = d.Title
	}
	if d.Brand != "" {
		p.Brand = d.Brand
	}
	if d.Currency != "" {
		p.Currency = d.Currency
	}
	if d.ListPrice != nil {
		lp := *d.ListPrice
		p.ListPrice = &lp
	}
	p.Rating = d.Rating
	p.ReviewCount = d.ReviewCount
	p.Available = d.Available
	p.Prime = d.Prime
}

// PriceHistoryRecord is one append-only price observation.
type PriceHistoryRecord struct {
	ID         int64     `json:"id" db:"id"`
	ProductID  string    `json:"product_id" db:"product_id"`
	Price      float64   `json:"price" db:"price"`
	ListPrice  *float64  `json:"list_price" db:"list_price"`
	RecordedAt time.Time `json:"recorded_at" db:"recorded_at"`
}

func Float(v float64) *float64 {
	return &v
}
