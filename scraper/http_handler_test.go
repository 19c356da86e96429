package scraper

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dealwatch/config"
	"dealwatch/models"
	"dealwatch/proxy"
)

func testHTTPConfig(baseURL string) config.HTTPConfig {
	cfg := config.DefaultTuning().HTTP
	cfg.URLTemplate = baseURL + "/dp/{id}"
	cfg.MinDelay = 0
	cfg.MaxDelay = 0
	cfg.BaseBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.RateLimitBackoff = time.Millisecond
	cfg.RequestsPerSecond = 0
	cfg.MaxRetries = 3
	cfg.Timeout = 5 * time.Second
	return cfg
}

type pageServer struct {
	mu    sync.Mutex
	hits  map[string]int
	route func(id string, hit int, w http.ResponseWriter)
}

func newPageServer(t *testing.T, route func(id string, hit int, w http.ResponseWriter)) (*pageServer, *httptest.Server) {
	ps := &pageServer{hits: make(map[string]int), route: route}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/dp/")
		ps.mu.Lock()
		ps.hits[id]++
		hit := ps.hits[id]
		ps.mu.Unlock()
		ps.route(id, hit, w)
	}))
	t.Cleanup(ts.Close)
	return ps, ts
}

func (ps *pageServer) count(id string) int {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return ps.hits[id]
}

func TestHTTPHandler_Classification(t *testing.T) {
	product := loadFixture(t, "product_us.html")
	captcha := loadFixture(t, "captcha.html")
	empty := loadFixture(t, "empty.html")

	ps, ts := newPageServer(t, func(id string, hit int, w http.ResponseWriter) {
		switch id {
		case "B000000001":
			w.Write(product)
		case "B000000002":
			w.WriteHeader(http.StatusNotFound)
		case "B000000003":
			w.Write(captcha)
		case "B000000004":
			w.Write(empty)
		case "B000000005":
			if hit < 3 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			w.Write(product)
		case "B000000006":
			w.WriteHeader(http.StatusInternalServerError)
		case "B000000007":
			w.WriteHeader(http.StatusTooManyRequests)
		}
	})

	h := NewHTTPHandler(testHTTPConfig(ts.URL), nil, nil)
	ids := []string{"B000000001", "B000000002", "B000000003", "B000000004", "B000000005", "B000000006", "B000000007"}
	results := h.Fetch(context.Background(), ids)
	require.Len(t, results, len(ids))

	ok := results["B000000001"]
	require.True(t, ok.OK())
	assert.Equal(t, models.StrategyHTTP, ok.Strategy)
	assert.Equal(t, 1, ok.Attempts)
	assert.InDelta(t, 1299.99, *ok.Payload.Price, 0.001)

	assert.Equal(t, models.OutcomeNotFound, results["B000000002"].Outcome)
	assert.Equal(t, 1, ps.count("B000000002"))

	assert.Equal(t, models.OutcomeBlocked, results["B000000003"].Outcome)
	assert.Equal(t, 1, ps.count("B000000003"), "captcha must not be retried")

	assert.Equal(t, models.OutcomeParseError, results["B000000004"].Outcome)
	assert.Equal(t, 1, ps.count("B000000004"))

	recovered := results["B000000005"]
	assert.True(t, recovered.OK())
	assert.Equal(t, 3, recovered.Attempts)

	assert.Equal(t, models.OutcomeTimeout, results["B000000006"].Outcome)
	assert.Equal(t, 3, ps.count("B000000006"))

	assert.Equal(t, models.OutcomeRateLimited, results["B000000007"].Outcome)
	assert.Equal(t, 3, results["B000000007"].Attempts)
}

func TestHTTPHandler_ConcurrencyLimit(t *testing.T) {
	product := loadFixture(t, "product_us.html")
	var inFlight, peak atomic.Int32

	_, ts := newPageServer(t, func(id string, hit int, w http.ResponseWriter) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		w.Write(product)
	})

	cfg := testHTTPConfig(ts.URL)
	cfg.Concurrency = 2
	h := NewHTTPHandler(cfg, nil, nil)

	results := h.Fetch(context.Background(), testIDs(8))
	for _, r := range results {
		assert.True(t, r.OK())
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestHTTPHandler_CancelledContext(t *testing.T) {
	ps, ts := newPageServer(t, func(id string, hit int, w http.ResponseWriter) {
		w.WriteHeader(http.StatusOK)
	})
	h := NewHTTPHandler(testHTTPConfig(ts.URL), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ids := testIDs(4)
	results := h.Fetch(ctx, ids)
	require.Len(t, results, 4)
	for _, id := range ids {
		assert.False(t, results[id].OK())
		assert.Zero(t, ps.count(id))
	}
}

// proxyServer plays an HTTP forward proxy answering every request itself.
func proxyServer(t *testing.T, status int, body []byte) (*httptest.Server, models.ProxyEndpoint) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write(body)
	}))
	t.Cleanup(ts.Close)
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	return ts, models.ProxyEndpoint{ID: u.Host, URL: ts.URL}
}

func TestHTTPHandler_ProxyAuthRejectedExcludes(t *testing.T) {
	_, ep := proxyServer(t, http.StatusProxyAuthRequired, nil)
	manager := proxy.NewManager([]models.ProxyEndpoint{ep}, nil, proxy.Options{FailureThreshold: 5, Cooldown: time.Minute})

	h := NewHTTPHandler(testHTTPConfig("http://shop.invalid"), nil, manager)
	results := h.Fetch(context.Background(), []string{"B000000001"})

	assert.False(t, results["B000000001"].OK())
	snap, err := manager.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snap, 1)
	assert.Equal(t, models.ProxyExcluded, snap[0].State)
}

func TestHTTPHandler_ProxyOutcomesReported(t *testing.T) {
	_, bad := proxyServer(t, http.StatusTooManyRequests, nil)
	_, good := proxyServer(t, http.StatusOK, loadFixture(t, "product_us.html"))
	manager := proxy.NewManager([]models.ProxyEndpoint{bad, good}, nil, proxy.Options{FailureThreshold: 5, Cooldown: time.Minute})

	cfg := testHTTPConfig("http://shop.invalid")
	cfg.Concurrency = 1
	h := NewHTTPHandler(cfg, nil, manager)

	// Round robin starts at the bad endpoint; the retry lands on the good one.
	results := h.Fetch(context.Background(), []string{"B000000001"})
	r := results["B000000001"]
	require.True(t, r.OK())
	assert.Equal(t, 2, r.Attempts)

	snap, err := manager.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, snap[0].ConsecutiveFailures)
	assert.Equal(t, 0, snap[1].ConsecutiveFailures)
	assert.Equal(t, models.ProxyHealthy, snap[1].State)
}
