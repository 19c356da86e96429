package proxy

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"dealwatch/models"
)

var ErrNoHealthyProxy = errors.New("no healthy proxy available")

type Options struct {
	FailureThreshold int
	Cooldown         time.Duration
}

func DefaultOptions() Options {
	return Options{FailureThreshold: 5, Cooldown: 5 * time.Minute}
}

// Manager rotates egress endpoints round-robin and tracks their health in a
// StateStore shared by every worker.
type Manager struct {
	endpoints []models.ProxyEndpoint
	ids       []string
	store     StateStore
	opts      Options
	now       func() time.Time
}

func NewManager(endpoints []models.ProxyEndpoint, store StateStore, opts Options) *Manager {
	if store == nil {
		store = NewMemoryStateStore()
	}
	if opts.FailureThreshold < 1 {
		opts.FailureThreshold = DefaultOptions().FailureThreshold
	}
	ids := make([]string, len(endpoints))
	for i, ep := range endpoints {
		ids[i] = ep.ID
	}
	return &Manager{
		endpoints: endpoints,
		ids:       ids,
		store:     store,
		opts:      opts,
		now:       time.Now,
	}
}

// Enabled reports whether any endpoints are configured.
func (m *Manager) Enabled() bool {
	return m != nil && len(m.endpoints) > 0
}

// GetProxy returns the next eligible endpoint. It returns nil, nil when no
// endpoints are configured, meaning callers connect directly.
func (m *Manager) GetProxy(ctx context.Context) (*models.ProxyEndpoint, error) {
	if !m.Enabled() {
		return nil, nil
	}

	start, err := m.store.NextCursor(ctx)
	if err != nil {
		return nil, err
	}
	states, err := m.store.LoadAll(ctx, m.ids)
	if err != nil {
		return nil, err
	}

	now := m.now()
	n := uint64(len(m.endpoints))
	for i := uint64(0); i < n; i++ {
		ep := m.endpoints[(start+i)%n]
		st := states[ep.ID]

		switch st.State {
		case models.ProxyExcluded:
			continue
		case models.ProxyCoolingDown:
			if st.CooldownUntil != nil && now.Before(*st.CooldownUntil) {
				continue
			}
			if err := m.store.Reactivate(ctx, ep.ID); err != nil {
				return nil, err
			}
			log.WithField("endpoint", ep.ID).Info("Proxy cool-down elapsed, returning to rotation")
			st = EndpointState{State: models.ProxyHealthy}
		}

		if err := m.store.MarkUsed(ctx, ep.ID, now); err != nil {
			return nil, err
		}
		ep.State = st.State
		ep.ConsecutiveFailures = st.Failures
		ep.LastUsedAt = &now
		return &ep, nil
	}

	return nil, ErrNoHealthyProxy
}

func (m *Manager) ReportSuccess(ctx context.Context, ep *models.ProxyEndpoint) {
	if ep == nil {
		return
	}
	if err := m.store.RecordSuccess(ctx, ep.ID); err != nil {
		log.WithError(err).WithField("endpoint", ep.ID).Warn("Failed to record proxy success")
	}
}

func (m *Manager) ReportFailure(ctx context.Context, ep *models.ProxyEndpoint) {
	if ep == nil {
		return
	}
	until := m.now().Add(m.opts.Cooldown)
	st, err := m.store.RecordFailure(ctx, ep.ID, m.opts.FailureThreshold, until)
	if err != nil {
		log.WithError(err).WithField("endpoint", ep.ID).Warn("Failed to record proxy failure")
		return
	}
	if st.State == models.ProxyCoolingDown && st.Failures == m.opts.FailureThreshold {
		log.WithFields(log.Fields{
			"endpoint": ep.ID,
			"failures": st.Failures,
			"until":    until.Format(time.RFC3339),
		}).Warn("Proxy cooling down")
	}
}

// Exclude removes an endpoint from rotation for the rest of the run, used when
// the proxy rejects its credentials.
func (m *Manager) Exclude(ctx context.Context, ep *models.ProxyEndpoint, reason string) {
	if ep == nil {
		return
	}
	if err := m.store.Exclude(ctx, ep.ID); err != nil {
		log.WithError(err).WithField("endpoint", ep.ID).Warn("Failed to exclude proxy")
		return
	}
	log.WithFields(log.Fields{"endpoint": ep.ID, "reason": reason}).Error("Proxy excluded")
}

// Snapshot returns every endpoint with its current health.
func (m *Manager) Snapshot(ctx context.Context) ([]models.ProxyEndpoint, error) {
	if !m.Enabled() {
		return nil, nil
	}
	states, err := m.store.LoadAll(ctx, m.ids)
	if err != nil {
		return nil, fmt.Errorf("proxy snapshot: %w", err)
	}
	out := make([]models.ProxyEndpoint, len(m.endpoints))
	for i, ep := range m.endpoints {
		st := states[ep.ID]
		ep.State = st.State
		ep.ConsecutiveFailures = st.Failures
		ep.LastUsedAt = st.LastUsedAt
		ep.CooldownUntil = st.CooldownUntil
		out[i] = ep
	}
	return out, nil
}
