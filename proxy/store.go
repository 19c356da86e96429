package proxy

import (
	"context"
	"sync"
	"time"

	"dealwatch/models"
)

// EndpointState is the mutable health of one endpoint.
type EndpointState struct {
	Failures      int
	State         models.ProxyState
	LastUsedAt    *time.Time
	CooldownUntil *time.Time
}

// StateStore holds endpoint health shared by every worker. Implementations
// must apply each mutation atomically.
type StateStore interface {
	LoadAll(ctx context.Context, ids []string) (map[string]EndpointState, error)
	// NextCursor returns a monotonically increasing rotation counter.
	NextCursor(ctx context.Context) (uint64, error)
	MarkUsed(ctx context.Context, id string, at time.Time) error
	RecordSuccess(ctx context.Context, id string) error
	// RecordFailure increments the failure counter and moves the endpoint to
	// cooling_down once the counter reaches threshold.
	RecordFailure(ctx context.Context, id string, threshold int, until time.Time) (EndpointState, error)
	// Reactivate returns a cooled-down endpoint to healthy rotation.
	Reactivate(ctx context.Context, id string) error
	Exclude(ctx context.Context, id string) error
}

type MemoryStateStore struct {
	mu     sync.Mutex
	states map[string]*EndpointState
	cursor uint64
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]*EndpointState)}
}

func (s *MemoryStateStore) get(id string) *EndpointState {
	st, ok := s.states[id]
	if !ok {
		st = &EndpointState{State: models.ProxyHealthy}
		s.states[id] = st
	}
	return st
}

func (s *MemoryStateStore) LoadAll(ctx context.Context, ids []string) (map[string]EndpointState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]EndpointState, len(ids))
	for _, id := range ids {
		out[id] = *s.get(id)
	}
	return out, nil
}

func (s *MemoryStateStore) NextCursor(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.cursor
	s.cursor++
	return c, nil
}

func (s *MemoryStateStore) MarkUsed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id).LastUsedAt = &at
	return nil
}

func (s *MemoryStateStore) RecordSuccess(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(id)
	if st.State == models.ProxyExcluded {
		return nil
	}
	st.Failures = 0
	st.State = models.ProxyHealthy
	st.CooldownUntil = nil
	return nil
}

func (s *MemoryStateStore) RecordFailure(ctx context.Context, id string, threshold int, until time.Time) (EndpointState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(id)
	if st.State == models.ProxyExcluded {
		return *st, nil
	}
	st.Failures++
	if st.Failures >= threshold && st.State == models.ProxyHealthy {
		st.State = models.ProxyCoolingDown
		st.CooldownUntil = &until
	}
	return *st, nil
}

func (s *MemoryStateStore) Reactivate(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.get(id)
	if st.State != models.ProxyCoolingDown {
		return nil
	}
	st.State = models.ProxyHealthy
	st.Failures = 0
	st.CooldownUntil = nil
	return nil
}

func (s *MemoryStateStore) Exclude(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.get(id).State = models.ProxyExcluded
	return nil
}
