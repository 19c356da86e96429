package scraper

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	log "github.com/sirupsen/logrus"

	"dealwatch/identity"
	"dealwatch/models"
)

// Fetcher is one acquisition tier. Fetch returns a result for every id it
// was given; ids missing from the map are treated as transient failures.
type Fetcher interface {
	Name() models.Strategy
	Fetch(ctx context.Context, ids []string) map[string]models.FetchResult
}

// Observer receives every per-tier result, for metrics.
type Observer interface {
	ObserveFetch(r models.FetchResult)
}

// Stage pairs a tier with the predicate deciding which of its results move
// on to the next tier.
type Stage struct {
	Fetcher  Fetcher
	Escalate func(models.FetchResult) bool
}

// EscalateOnFailure passes on anything the tier could not resolve.
func EscalateOnFailure(r models.FetchResult) bool {
	return !r.OK()
}

// EscalateBlockedOrExhausted passes on blocks and failures that survived the
// tier's own retries. NotFound and ParseError are final.
func EscalateBlockedOrExhausted(r models.FetchResult) bool {
	switch r.Outcome {
	case models.OutcomeBlocked, models.OutcomeTimeout, models.OutcomeRateLimited:
		return true
	}
	return false
}

// Pipeline runs identifiers through the tiers in order. Each identifier
// visits each tier at most once.
type Pipeline struct {
	stages   []Stage
	observer Observer
}

func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages}
}

func (p *Pipeline) WithObserver(o Observer) *Pipeline {
	p.observer = o
	return p
}

// FetchBatch returns one result per distinct identifier, keyed by the
// normalized id. Malformed identifiers are keyed by their raw value and come
// back as parse errors without touching any tier.
func (p *Pipeline) FetchBatch(ctx context.Context, ids []string) map[string]models.FetchResult {
	valid, rejected := identity.Dedupe(ids)
	results := make(map[string]models.FetchResult, len(valid)+len(rejected))
	for _, raw := range rejected {
		results[raw] = models.Failed(raw, "", fmt.Errorf("malformed identifier %q: %w", raw, models.ErrDataValidation))
	}

	pending := valid
	for i, st := range p.stages {
		if len(pending) == 0 {
			break
		}
		if ctx.Err() != nil {
			log.WithField("pending", len(pending)).Warn("Pipeline cancelled before all tiers ran")
			break
		}

		name := st.Fetcher.Name()
		start := time.Now()
		out := st.Fetcher.Fetch(ctx, pending)

		var next []string
		resolved := 0
		for _, id := range pending {
			r, ok := out[id]
			if !ok {
				r = models.Failed(id, name, fmt.Errorf("%s tier returned no result: %w", name, models.ErrTransient))
			}
			r.Identifier = id
			if r.Strategy == "" {
				r.Strategy = name
			}
			results[id] = r
			if p.observer != nil {
				p.observer.ObserveFetch(r)
			}

			if r.OK() {
				resolved++
			}
			if i < len(p.stages)-1 && st.Escalate != nil && st.Escalate(r) {
				next = append(next, id)
			}
		}

		log.WithFields(log.Fields{
			"tier":      name,
			"requested": len(pending),
			"resolved":  resolved,
			"escalated": len(next),
			"elapsed":   time.Since(start).Round(time.Millisecond),
		}).Info("Tier finished")
		pending = next
	}

	for _, id := range valid {
		if _, ok := results[id]; !ok {
			cause := ctx.Err()
			if cause == nil {
				cause = models.ErrTransient
			}
			results[id] = models.Failed(id, "", fmt.Errorf("no tier attempted: %w", cause))
		}
	}
	return results
}

// FetchOrdered is FetchBatch flattened in first-seen input order.
func (p *Pipeline) FetchOrdered(ctx context.Context, ids []string) []models.FetchResult {
	results := p.FetchBatch(ctx, ids)
	ordered := make([]models.FetchResult, 0, len(results))
	seen := make(map[string]bool, len(results))
	for _, raw := range ids {
		key := raw
		if id, ok := identity.Normalize(raw); ok {
			key = id
		}
		if seen[key] {
			continue
		}
		if r, ok := results[key]; ok {
			seen[key] = true
			ordered = append(ordered, r)
		}
	}
	return ordered
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Safari/605.1.15",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:125.0) Gecko/20100101 Firefox/125.0",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
}

func randomUserAgent() string {
	return userAgents[rand.Intn(len(userAgents))]
}

// randomDuration samples uniformly from [min, max].
func randomDuration(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + time.Duration(rand.Int63n(int64(max-min)+1))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
