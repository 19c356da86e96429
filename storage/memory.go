package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"dealwatch/models"
)

// MemoryStore keeps the domain data in process. It enforces the same
// invariants as PostgresStore and backs tests and database-less runs.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]models.Product
	history  map[string][]models.PriceHistoryRecord
	deals    []models.Deal
	nextID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: make(map[string]models.Product),
		history:  make(map[string][]models.PriceHistoryRecord),
	}
}

func (s *MemoryStore) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *MemoryStore) UpsertProduct(ctx context.Context, p *models.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if existing, ok := s.products[p.ID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	s.products[p.ID] = *p
	return nil
}

func (s *MemoryStore) ListDueProducts(ctx context.Context, before time.Time, limit int) ([]models.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []models.Product
	for _, p := range s.products {
		if p.LastCheckedAt == nil || p.LastCheckedAt.Before(before) {
			due = append(due, p)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := due[i].LastCheckedAt, due[j].LastCheckedAt
		switch {
		case a == nil && b == nil:
			return due[i].ID < due[j].ID
		case a == nil:
			return true
		case b == nil:
			return false
		}
		return a.Before(*b)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) LastPrice(ctx context.Context, productID string) (*models.PriceHistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.history[productID]
	if len(recs) == 0 {
		return nil, nil
	}
	last := recs[len(recs)-1]
	return &last, nil
}

func (s *MemoryStore) AppendPrice(ctx context.Context, rec *models.PriceHistoryRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.history[rec.ProductID]
	if n := len(recs); n > 0 && samePrice(recs[n-1].Price, rec.Price) {
		return false, nil
	}
	s.nextID++
	rec.ID = s.nextID
	s.history[rec.ProductID] = append(recs, *rec)
	sort.SliceStable(s.history[rec.ProductID], func(i, j int) bool {
		return s.history[rec.ProductID][i].RecordedAt.Before(s.history[rec.ProductID][j].RecordedAt)
	})
	return true, nil
}

func (s *MemoryStore) Window(ctx context.Context, productID string, since time.Time) ([]models.PriceHistoryRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PriceHistoryRecord
	for _, r := range s.history[productID] {
		if !r.RecordedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) ActiveDeal(ctx context.Context, productID string) (*models.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deals {
		if d.ProductID == productID && d.Status == models.DealStatusActive {
			return &d, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) InsertDeal(ctx context.Context, d *models.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.Status == models.DealStatusActive {
		for _, existing := range s.deals {
			if existing.ProductID == d.ProductID && existing.Status == models.DealStatusActive {
				return ErrDuplicateActiveDeal
			}
		}
	}
	s.deals = append(s.deals, *d)
	return nil
}

func (s *MemoryStore) UpdateDeal(ctx context.Context, d *models.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.deals {
		if s.deals[i].ID == d.ID {
			s.deals[i] = *d
			return nil
		}
	}
	return ErrNotFound
}

func (s *MemoryStore) ListActiveDeals(ctx context.Context, limit int) ([]models.Deal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Deal
	for _, d := range s.deals {
		if d.Status == models.DealStatusActive {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Deals returns every stored deal, active and expired.
func (s *MemoryStore) Deals(productID string) []models.Deal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Deal
	for _, d := range s.deals {
		if d.ProductID == productID {
			out = append(out, d)
		}
	}
	return out
}
