package scraper

import (
	"sync"
	"time"
)

// Breaker suspends a whole tier for a cool-down after quota or credential
// failures.
type Breaker struct {
	mu        sync.Mutex
	openUntil time.Time
	reason    string
	trips     int
	now       func() time.Time
}

type BreakerState struct {
	Open   bool      `json:"open"`
	Until  time.Time `json:"until,omitempty"`
	Reason string    `json:"reason,omitempty"`
	Trips  int       `json:"trips"`
}

func NewBreaker() *Breaker {
	return &Breaker{now: time.Now}
}

// Allow reports whether the tier may issue calls.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.now().Before(b.openUntil)
}

// Trip opens the breaker for d. A later trip never shortens an open window.
func (b *Breaker) Trip(d time.Duration, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	until := b.now().Add(d)
	if until.After(b.openUntil) {
		b.openUntil = until
		b.reason = reason
	}
	b.trips++
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	open := b.now().Before(b.openUntil)
	st := BreakerState{Open: open, Trips: b.trips}
	if open {
		st.Until = b.openUntil
		st.Reason = b.reason
	}
	return st
}
