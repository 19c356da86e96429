package models

import (
	"time"

	"github.com/google/uuid"
)

type DealStatus string

const (
	DealStatusActive  DealStatus = "active"
	DealStatusExpired DealStatus = "expired"
)

// Deal is a detected price opportunity. At most one active deal exists per product.
type Deal struct {
	ID                 uuid.UUID  `json:"id" db:"id"`
	ProductID          string     `json:"product_id" db:"product_id"`
	OriginalPrice      float64    `json:"original_price" db:"original_price"`
	DealPrice          float64    `json:"deal_price" db:"deal_price"`
	DiscountPercentage float64    `json:"discount_percentage" db:"discount_percentage"`
	Score              int        `json:"score" db:"score"`
	Classification     string     `json:"classification" db:"classification"`
	Status             DealStatus `json:"status" db:"status"`
	IsPublished        bool       `json:"is_published" db:"is_published"`
	Notified           bool       `json:"notified" db:"notified"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
	ExpiredAt          *time.Time `json:"expired_at" db:"expired_at"`
}

// DealAction is the outcome of reconciling a detection result with stored deals.
type DealAction string

const (
	DealCreated DealAction = "created"
	DealUpdated DealAction = "updated"
	DealExpired DealAction = "expired"
	DealNone    DealAction = "none"
)
