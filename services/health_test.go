package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealwatch/metrics"
	"dealwatch/models"
	"dealwatch/proxy"
	"dealwatch/scraper"
	"dealwatch/storage"
)

type stubPool struct{ stats models.PoolStats }

func (p stubPool) Stats() models.PoolStats { return p.stats }

type stubBreaker struct{ st scraper.BreakerState }

func (b stubBreaker) Breaker() scraper.BreakerState { return b.st }

func TestHealthReport_OK(t *testing.T) {
	m := metrics.New("test")
	ep := models.ProxyEndpoint{ID: "p1:8080", URL: "http://p1:8080"}
	mgr := proxy.NewManager([]models.ProxyEndpoint{ep}, nil, proxy.DefaultOptions())

	svc := NewHealthcheckService(m, mgr, stubPool{models.PoolStats{Workers: 4, Configured: 4}}, stubBreaker{})
	report := svc.Report(context.Background())

	assert.Equal(t, HealthOK, report.Status)
	assert.Equal(t, 1, report.HealthyProxies)
	require.NotNil(t, report.Pool)
	assert.Equal(t, 4, report.Pool.Workers)

	_, healthy := svc.Health(context.Background())
	assert.True(t, healthy)
}

func TestHealthReport_NoHealthyProxies(t *testing.T) {
	ep := models.ProxyEndpoint{ID: "p1:8080", URL: "http://p1:8080"}
	mgr := proxy.NewManager([]models.ProxyEndpoint{ep}, nil, proxy.Options{FailureThreshold: 1, Cooldown: time.Hour})
	mgr.ReportFailure(context.Background(), &ep)

	svc := NewHealthcheckService(metrics.New("test"), mgr, nil, nil)
	report := svc.Report(context.Background())

	assert.Equal(t, HealthUnhealthy, report.Status)
	assert.Contains(t, report.Problems, "no healthy proxies")
	_, healthy := svc.Health(context.Background())
	assert.False(t, healthy)
}

func TestHealthReport_DegradedWhenBreakerOpen(t *testing.T) {
	svc := NewHealthcheckService(nil, nil, nil, stubBreaker{scraper.BreakerState{Open: true, Reason: "rate limited"}})
	report := svc.Report(context.Background())

	assert.Equal(t, HealthDegraded, report.Status)
	assert.Equal(t, []string{"api tier suspended: rate limited"}, report.Problems)
}

func TestArtifactService_RecordBlocked(t *testing.T) {
	dir := t.TempDir()
	sink, err := storage.NewLocalArtifactSink(dir)
	require.NoError(t, err)

	svc := NewArtifactService(sink)
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	ref, err := svc.RecordBlocked(context.Background(), "B000000001", models.StrategyBrowser, []byte("<html>captcha</html>"), []byte("png"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, dir))

	html, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, "<html>captcha</html>", string(html))

	shots, err := filepath.Glob(filepath.Join(dir, "blocked", "2026-03-01", "B000000001-browser-*.png"))
	require.NoError(t, err)
	assert.Len(t, shots, 1)
}
