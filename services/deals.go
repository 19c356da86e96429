package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"dealwatch/detection"
	"dealwatch/models"
	"dealwatch/storage"
)

// DealService reconciles detection results with stored deals
type DealService struct {
	store storage.DealStore
	now   func() time.Time
}

// NewDealService creates a new DealService
func NewDealService(store storage.DealStore) *DealService {
	return &DealService{store: store, now: time.Now}
}

// CreateOrUpdate applies one detection result. It is idempotent: replaying
// the same result leaves the same single active deal in place.
func (s *DealService) CreateOrUpdate(ctx context.Context, p *models.Product, res detection.Result) (models.DealAction, *models.Deal, error) {
	if res.Skipped {
		return models.DealNone, nil, nil
	}

	active, err := s.store.ActiveDeal(ctx, p.ID)
	if err != nil {
		return models.DealNone, nil, fmt.Errorf("load active deal: %w", err)
	}

	switch {
	case active != nil && res.IsDeal:
		return s.update(ctx, active, res)
	case active != nil:
		return s.expire(ctx, active, res.Reason)
	case res.IsDeal:
		return s.create(ctx, p, res)
	}
	return models.DealNone, nil, nil
}

func (s *DealService) create(ctx context.Context, p *models.Product, res detection.Result) (models.DealAction, *models.Deal, error) {
	now := s.now()
	deal := &models.Deal{
		ID:          uuid.New(),
		ProductID:   p.ID,
		Status:      models.DealStatusActive,
		IsPublished: false,
		Notified:    false,
		CreatedAt:   now,
	}
	applyResult(deal, res, now)

	err := s.store.InsertDeal(ctx, deal)
	if errors.Is(err, storage.ErrDuplicateActiveDeal) {
		// Another writer got there first; fold this result into theirs.
		active, err := s.store.ActiveDeal(ctx, p.ID)
		if err != nil {
			return models.DealNone, nil, fmt.Errorf("reload active deal: %w", err)
		}
		if active == nil {
			return models.DealNone, nil, fmt.Errorf("active deal for %s vanished after conflict: %w", p.ID, models.ErrPersistence)
		}
		return s.update(ctx, active, res)
	}
	if err != nil {
		return models.DealNone, nil, fmt.Errorf("insert deal: %w", err)
	}

	log.WithFields(log.Fields{
		"product":  p.ID,
		"price":    deal.DealPrice,
		"discount": deal.DiscountPercentage,
		"score":    deal.Score,
		"class":    deal.Classification,
	}).Info("Deal created")
	return models.DealCreated, deal, nil
}

func (s *DealService) update(ctx context.Context, deal *models.Deal, res detection.Result) (models.DealAction, *models.Deal, error) {
	previous := deal.DealPrice
	applyResult(deal, res, s.now())

	// A further drop is news again for downstream publishing.
	if deal.DealPrice < previous-0.005 {
		deal.IsPublished = false
		deal.Notified = false
	}

	if err := s.store.UpdateDeal(ctx, deal); err != nil {
		return models.DealNone, nil, fmt.Errorf("update deal: %w", err)
	}
	return models.DealUpdated, deal, nil
}

func (s *DealService) expire(ctx context.Context, deal *models.Deal, reason string) (models.DealAction, *models.Deal, error) {
	now := s.now()
	deal.Status = models.DealStatusExpired
	deal.ExpiredAt = &now
	deal.UpdatedAt = now

	if err := s.store.UpdateDeal(ctx, deal); err != nil {
		return models.DealNone, nil, fmt.Errorf("expire deal: %w", err)
	}
	log.WithFields(log.Fields{"product": deal.ProductID, "reason": reason}).Info("Deal expired")
	return models.DealExpired, deal, nil
}

func applyResult(d *models.Deal, res detection.Result, now time.Time) {
	d.OriginalPrice = round2(res.Metrics.ReferencePrice)
	d.DealPrice = round2(res.Metrics.CurrentPrice)
	d.DiscountPercentage = round2(res.Metrics.DiscountPercent)
	d.Score = res.Score
	d.Classification = res.Classification
	d.UpdatedAt = now
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
