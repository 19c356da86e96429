package services

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"dealwatch/metrics"
	"dealwatch/models"
	"dealwatch/proxy"
	"dealwatch/scraper"
)

type PoolReporter interface {
	Stats() models.PoolStats
}

type BreakerReporter interface {
	Breaker() scraper.BreakerState
}

const (
	HealthOK        = "ok"
	HealthDegraded  = "degraded"
	HealthUnhealthy = "unhealthy"
)

type HealthReport struct {
	Status         string                 `json:"status"`
	CheckedAt      time.Time              `json:"checked_at"`
	Stats          metrics.StatsSnapshot  `json:"stats"`
	Proxies        []models.ProxyEndpoint `json:"proxies,omitempty"`
	HealthyProxies int                    `json:"healthy_proxies"`
	Pool           *models.PoolStats      `json:"pool,omitempty"`
	APIBreaker     *scraper.BreakerState  `json:"api_breaker,omitempty"`
	Problems       []string               `json:"problems,omitempty"`
}

// HealthcheckService aggregates runtime state for the status endpoint.
type HealthcheckService struct {
	metrics *metrics.Metrics
	proxies *proxy.Manager
	pool    PoolReporter
	breaker BreakerReporter
	now     func() time.Time
}

func NewHealthcheckService(m *metrics.Metrics, proxies *proxy.Manager, pool PoolReporter, breaker BreakerReporter) *HealthcheckService {
	return &HealthcheckService{
		metrics: m,
		proxies: proxies,
		pool:    pool,
		breaker: breaker,
		now:     time.Now,
	}
}

// Report gathers counters, proxy health, pool stats and breaker state, and
// refreshes the matching gauges.
func (s *HealthcheckService) Report(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:    HealthOK,
		CheckedAt: s.now(),
		Stats:     s.metrics.Snapshot(),
	}

	if s.proxies.Enabled() {
		eps, err := s.proxies.Snapshot(ctx)
		if err != nil {
			log.WithError(err).Warn("Health: proxy snapshot failed")
			report.Status = HealthUnhealthy
			report.Problems = append(report.Problems, "proxy state unavailable")
		} else {
			report.Proxies = eps
			for _, ep := range eps {
				if ep.State == models.ProxyHealthy {
					report.HealthyProxies++
				}
			}
			s.metrics.SetProxyStates(eps)
			if report.HealthyProxies == 0 {
				report.Status = HealthUnhealthy
				report.Problems = append(report.Problems, "no healthy proxies")
			}
		}
	}

	if s.pool != nil {
		stats := s.pool.Stats()
		report.Pool = &stats
		s.metrics.SetPool(stats)
		if stats.Paused && report.Status == HealthOK {
			report.Status = HealthDegraded
			report.Problems = append(report.Problems, "pool paused")
		}
	}

	if s.breaker != nil {
		st := s.breaker.Breaker()
		report.APIBreaker = &st
		if st.Open && report.Status == HealthOK {
			report.Status = HealthDegraded
			report.Problems = append(report.Problems, "api tier suspended: "+st.Reason)
		}
	}

	return report
}

// Health adapts Report for the status server.
func (s *HealthcheckService) Health(ctx context.Context) (any, bool) {
	r := s.Report(ctx)
	return r, r.Status != HealthUnhealthy
}
