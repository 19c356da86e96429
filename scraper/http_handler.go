package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"dealwatch/config"
	"dealwatch/httputil"
	"dealwatch/identity"
	"dealwatch/models"
	"dealwatch/proxy"
	"dealwatch/retry"
)

const maxPageBytes = 8 << 20

// HTTPHandler fetches product pages directly, rotating through the proxy pool.
type HTTPHandler struct {
	cfg     config.HTTPConfig
	clients *httputil.Clients
	proxies *proxy.Manager
	limiter *rate.Limiter
	policy  retry.Policy
}

func NewHTTPHandler(cfg config.HTTPConfig, clients *httputil.Clients, proxies *proxy.Manager) *HTTPHandler {
	if clients == nil {
		clients = httputil.NewClients(cfg.Timeout, cfg.Timeout)
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &HTTPHandler{
		cfg:     cfg,
		clients: clients,
		proxies: proxies,
		limiter: rate.NewLimiter(limit, max(1, cfg.Concurrency)),
		policy: retry.Policy{
			MaxAttempts:    cfg.MaxRetries,
			BaseDelay:      cfg.BaseBackoff,
			MaxDelay:       cfg.MaxBackoff,
			Jitter:         cfg.Jitter,
			RateLimitDelay: cfg.RateLimitBackoff,
			Retryable:      retry.DefaultRetryable,
		},
	}
}

func (h *HTTPHandler) Name() models.Strategy {
	return models.StrategyHTTP
}

func (h *HTTPHandler) Fetch(ctx context.Context, ids []string) map[string]models.FetchResult {
	results := make(map[string]models.FetchResult, len(ids))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(max(1, h.cfg.Concurrency))
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			mu.Lock()
			failAll(results, ids[i:], models.StrategyHTTP, fmt.Errorf("http tier cancelled: %w", err))
			mu.Unlock()
			break
		}
		g.Go(func() error {
			r := h.fetchOne(ctx, id)
			mu.Lock()
			results[id] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (h *HTTPHandler) fetchOne(ctx context.Context, id string) models.FetchResult {
	start := time.Now()
	var data *models.ProductData

	attempts, err := h.policy.Do(ctx, func(attempt int) error {
		if err := sleepCtx(ctx, randomDuration(h.cfg.MinDelay, h.cfg.MaxDelay)); err != nil {
			return err
		}
		if err := h.limiter.Wait(ctx); err != nil {
			return err
		}
		d, err := h.attempt(ctx, id)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{"id": id, "attempt": attempt}).Debug("HTTP fetch attempt failed")
			return err
		}
		data = d
		return nil
	})

	r := models.FetchResult{
		Identifier: id,
		Strategy:   models.StrategyHTTP,
		Latency:    time.Since(start),
		Attempts:   attempts,
	}
	if err != nil {
		r.Outcome = models.OutcomeForError(err)
		r.Err = err
		return r
	}
	r.Outcome = models.OutcomeSuccess
	r.Payload = data
	return r
}

func (h *HTTPHandler) attempt(ctx context.Context, id string) (*models.ProductData, error) {
	ep, err := h.proxies.GetProxy(ctx)
	if err != nil {
		return nil, fmt.Errorf("select proxy: %v: %w", err, models.ErrTransient)
	}
	client, err := h.clients.Scraping(ep)
	if err != nil {
		h.proxies.Exclude(ctx, ep, "unusable proxy url")
		return nil, fmt.Errorf("proxy client: %v: %w", err, models.ErrTransient)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, identity.ProductURL(h.cfg.URLTemplate, id), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %v: %w", err, models.ErrConfiguration)
	}
	setBrowserHeaders(req)

	resp, err := client.Do(req)
	if err != nil {
		h.proxies.ReportFailure(ctx, ep)
		return nil, classifyNetError("http", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		h.proxies.ReportFailure(ctx, ep)
		return nil, classifyNetError("http body", err)
	}
	html := string(body)

	switch status := resp.StatusCode; {
	case status == http.StatusOK:
		data, err := ParseProductHTML(html)
		if errors.Is(err, models.ErrBlocked) {
			h.proxies.ReportFailure(ctx, ep)
			return nil, fmt.Errorf("captcha for %s: %w", id, err)
		}
		h.proxies.ReportSuccess(ctx, ep)
		return data, err
	case status == http.StatusNotFound || status == http.StatusGone:
		h.proxies.ReportSuccess(ctx, ep)
		return nil, fmt.Errorf("http status %d for %s: %w", status, id, models.ErrNotFound)
	case status == http.StatusProxyAuthRequired:
		h.proxies.Exclude(ctx, ep, "proxy rejected credentials (407)")
		return nil, fmt.Errorf("proxy auth required: %w", models.ErrTransient)
	case IsCaptcha(html) || isCaptchaRedirect(resp):
		h.proxies.ReportFailure(ctx, ep)
		return nil, fmt.Errorf("robot check (status %d) for %s: %w", status, id, models.ErrBlocked)
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		h.proxies.ReportFailure(ctx, ep)
		return nil, fmt.Errorf("http status %d: %w", status, models.ErrRateLimited)
	case status >= 500:
		h.proxies.ReportFailure(ctx, ep)
		return nil, fmt.Errorf("http status %d: %w", status, models.ErrTransient)
	case status == http.StatusForbidden:
		h.proxies.ReportFailure(ctx, ep)
		return nil, fmt.Errorf("http status %d: %w", status, models.ErrBlocked)
	default:
		return nil, fmt.Errorf("http status %d: %w", status, models.ErrTransient)
	}
}

func isCaptchaRedirect(resp *http.Response) bool {
	if resp.StatusCode < 300 || resp.StatusCode >= 400 {
		return false
	}
	return strings.Contains(strings.ToLower(resp.Header.Get("Location")), "captcha")
}

func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", randomUserAgent())
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Upgrade-Insecure-Requests", "1")
	req.Header.Set("Sec-Fetch-Dest", "document")
	req.Header.Set("Sec-Fetch-Mode", "navigate")
	req.Header.Set("Sec-Fetch-Site", "none")
}
