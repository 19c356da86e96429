package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dealwatch/config"
	"dealwatch/identity"
	"dealwatch/models"
	"dealwatch/proxy"
)

// RenderRequest is one page load.
type RenderRequest struct {
	URL       string
	Proxy     *models.ProxyEndpoint
	UserAgent string
	Timeout   time.Duration
}

// Rendered is the settled page. Screenshot is only captured for challenge pages.
type Rendered struct {
	HTML       string
	Status     int
	Screenshot []byte
}

// Renderer loads pages in a real browser engine.
type Renderer interface {
	Render(ctx context.Context, req RenderRequest) (*Rendered, error)
	Close() error
}

// ArtifactRecorder keeps diagnostic captures of blocked pages.
type ArtifactRecorder interface {
	RecordBlocked(ctx context.Context, id string, strategy models.Strategy, html, screenshot []byte) (string, error)
}

// BrowserHandler is the last-resort tier. It never retries: a challenge page
// is recorded and reported as blocked.
type BrowserHandler struct {
	cfg       config.BrowserConfig
	renderer  Renderer
	proxies   *proxy.Manager
	artifacts ArtifactRecorder
}

func NewBrowserHandler(cfg config.BrowserConfig, renderer Renderer, proxies *proxy.Manager, artifacts ArtifactRecorder) *BrowserHandler {
	return &BrowserHandler{
		cfg:       cfg,
		renderer:  renderer,
		proxies:   proxies,
		artifacts: artifacts,
	}
}

func (h *BrowserHandler) Name() models.Strategy {
	return models.StrategyBrowser
}

func (h *BrowserHandler) Close() error {
	return h.renderer.Close()
}

func (h *BrowserHandler) Fetch(ctx context.Context, ids []string) map[string]models.FetchResult {
	results := make(map[string]models.FetchResult, len(ids))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(max(1, h.cfg.Concurrency))
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			mu.Lock()
			failAll(results, ids[i:], models.StrategyBrowser, fmt.Errorf("browser tier cancelled: %w", err))
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

func (h *BrowserHandler) fetchOne(ctx context.Context, id string) models.FetchResult {
	start := time.Now()
	data, artifact, err := h.render(ctx, id)

	r := models.FetchResult{
		Identifier: id,
		Strategy:   models.StrategyBrowser,
		Latency:    time.Since(start),
		Attempts:   1,
		Artifact:   artifact,
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

func (h *BrowserHandler) render(ctx context.Context, id string) (*models.ProductData, string, error) {
	ep, err := h.proxies.GetProxy(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("select proxy: %v: %w", err, models.ErrTransient)
	}

	page, err := h.renderer.Render(ctx, RenderRequest{
		URL:       identity.ProductURL(h.cfg.URLTemplate, id),
		Proxy:     ep,
		UserAgent: randomUserAgent(),
		Timeout:   h.cfg.Timeout,
	})
	if err != nil {
		h.proxies.ReportFailure(ctx, ep)
		if errors.Is(err, models.ErrTimeout) || errors.Is(err, models.ErrTransient) {
			return nil, "", err
		}
		return nil, "", classifyNetError("browser", err)
	}

	if IsCaptcha(page.HTML) {
		h.proxies.ReportFailure(ctx, ep)
		artifact := h.recordBlocked(ctx, id, page)
		log.WithFields(log.Fields{"id": id, "artifact": artifact}).Warn("Browser hit robot check")
		return nil, artifact, fmt.Errorf("robot check in rendered page for %s: %w", id, models.ErrBlocked)
	}

	switch page.Status {
	case 404, 410:
		h.proxies.ReportSuccess(ctx, ep)
		return nil, "", fmt.Errorf("browser status %d for %s: %w", page.Status, id, models.ErrNotFound)
	case 407:
		h.proxies.Exclude(ctx, ep, "proxy rejected credentials (407)")
		return nil, "", fmt.Errorf("proxy auth required: %w", models.ErrTransient)
	}

	data, err := ParseProductHTML(page.HTML)
	if err != nil {
		return nil, "", err
	}
	h.proxies.ReportSuccess(ctx, ep)
	return data, "", nil
}

func (h *BrowserHandler) recordBlocked(ctx context.Context, id string, page *Rendered) string {
	if h.artifacts == nil {
		return ""
	}
	ref, err := h.artifacts.RecordBlocked(ctx, id, models.StrategyBrowser, []byte(page.HTML), page.Screenshot)
	if err != nil {
		log.WithError(err).WithField("id", id).Warn("Failed to save blocked-page artifact")
		return ""
	}
	return ref
}
