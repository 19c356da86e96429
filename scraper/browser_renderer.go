package scraper

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/playwright-community/playwright-go"
	log "github.com/sirupsen/logrus"

	"dealwatch/config"
	"dealwatch/models"
)

// ErrRendererClosed is returned by Render once Close has run.
var ErrRendererClosed = errors.New("browser renderer closed")

// PlaywrightRenderer drives a shared Chromium instance. Every render gets its
// own browser context so cookies and proxy settings never leak between pages.
type PlaywrightRenderer struct {
	cfg         config.BrowserConfig
	pw          *playwright.Playwright
	browser     playwright.Browser
	mu          sync.Mutex
	initialized bool
	closed      bool
}

func NewPlaywrightRenderer(cfg config.BrowserConfig) *PlaywrightRenderer {
	return &PlaywrightRenderer{cfg: cfg}
}

// ensureBrowser launches Chromium on first use and returns the running
// instance. After Close it fails instead of relaunching.
func (r *PlaywrightRenderer) ensureBrowser() (playwright.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("%w: %w", ErrRendererClosed, models.ErrTransient)
	}
	if r.initialized {
		return r.browser, nil
	}

	var err error
	r.pw, err = playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %v: %w", err, models.ErrConfiguration)
	}

	r.browser, err = r.pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(r.cfg.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
			"--no-sandbox",
		},
	})
	if err != nil {
		r.pw.Stop()
		r.pw = nil
		return nil, fmt.Errorf("failed to launch browser: %v: %w", err, models.ErrConfiguration)
	}

	r.initialized = true
	return r.browser, nil
}

func (r *PlaywrightRenderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	if r.browser != nil {
		errs = append(errs, r.browser.Close())
		r.browser = nil
	}
	if r.pw != nil {
		errs = append(errs, r.pw.Stop())
		r.pw = nil
	}
	r.initialized = false
	r.closed = true
	return errors.Join(errs...)
}

func (r *PlaywrightRenderer) Render(ctx context.Context, req RenderRequest) (*Rendered, error) {
	browser, err := r.ensureBrowser()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bctx, err := browser.NewContext(r.contextOptions(req))
	if err != nil {
		return nil, fmt.Errorf("new browser context: %v: %w", err, models.ErrTransient)
	}
	defer bctx.Close()

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(stealthScript(r.cfg.Locale))}); err != nil {
		return nil, fmt.Errorf("init script: %v: %w", err, models.ErrTransient)
	}

	page, err := bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("new page: %v: %w", err, models.ErrTransient)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
		timeout = time.Until(deadline)
	}

	resp, err := page.Goto(req.URL, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(timeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return nil, fmt.Errorf("navigate %s: %v: %w", req.URL, err, models.ErrTimeout)
		}
		return nil, fmt.Errorf("navigate %s: %v: %w", req.URL, err, models.ErrTransient)
	}

	out := &Rendered{}
	if resp != nil {
		out.Status = resp.Status()
	}

	handleConsent(page)
	simulateHumanBehavior(page)
	page.WaitForTimeout(float64(500 + rand.Intn(1000)))

	out.HTML, err = page.Content()
	if err != nil {
		return nil, fmt.Errorf("read page content: %v: %w", err, models.ErrTransient)
	}

	if IsCaptcha(out.HTML) {
		shot, err := page.Screenshot(playwright.PageScreenshotOptions{FullPage: playwright.Bool(true)})
		if err != nil {
			log.WithError(err).WithField("url", req.URL).Warn("Failed to capture challenge screenshot")
		}
		out.Screenshot = shot
	}
	return out, nil
}

func (r *PlaywrightRenderer) contextOptions(req RenderRequest) playwright.BrowserNewContextOptions {
	opts := playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(req.UserAgent),
		Viewport:  &playwright.Size{Width: 1366 + rand.Intn(200), Height: 768 + rand.Intn(150)},
	}
	if r.cfg.Locale != "" {
		opts.Locale = playwright.String(r.cfg.Locale)
	}
	if r.cfg.Timezone != "" {
		opts.TimezoneId = playwright.String(r.cfg.Timezone)
	}
	if r.cfg.Latitude != 0 || r.cfg.Longitude != 0 {
		opts.Geolocation = &playwright.Geolocation{Latitude: r.cfg.Latitude, Longitude: r.cfg.Longitude}
		opts.Permissions = []string{"geolocation"}
	}
	if req.Proxy != nil {
		opts.Proxy = &playwright.Proxy{Server: req.Proxy.URL}
		if req.Proxy.Username != "" {
			opts.Proxy.Username = playwright.String(req.Proxy.Username)
			opts.Proxy.Password = playwright.String(req.Proxy.Password)
		}
	}
	return opts
}

// stealthScript hides the usual automation tells before any page script runs.
func stealthScript(locale string) string {
	languages := `['en-US', 'en']`
	if locale != "" {
		base := strings.SplitN(locale, "-", 2)[0]
		languages = fmt.Sprintf(`[%q, %q]`, locale, base)
	}
	return fmt.Sprintf(`
Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
Object.defineProperty(navigator, 'languages', { get: () => %s });
Object.defineProperty(navigator, 'plugins', { get: () => [1, 2, 3, 4, 5] });
window.chrome = window.chrome || { runtime: {} };
`, languages)
}

func simulateHumanBehavior(page playwright.Page) {
	page.Mouse().Move(float64(300+rand.Intn(400)), float64(200+rand.Intn(300)))
	page.WaitForTimeout(float64(200 + rand.Intn(300)))
	page.Mouse().Move(float64(400+rand.Intn(300)), float64(300+rand.Intn(200)))
	page.WaitForTimeout(float64(200 + rand.Intn(300)))

	scrollAmount := 100 + rand.Intn(300)
	page.Evaluate(fmt.Sprintf(`window.scrollBy(0, %d)`, scrollAmount))
}

func handleConsent(page playwright.Page) {
	consentSelectors := []string{
		"#sp-cc-accept",
		"input[name='accept']",
		"button[id*='accept']",
		"button:has-text('Accept')",
		"button:has-text('Accept All')",
		"button:has-text('Akzeptieren')",
		"button:has-text('Accepter')",
	}

	for _, selector := range consentSelectors {
		btn := page.Locator(selector).First()
		if visible, _ := btn.IsVisible(); visible {
			log.WithField("selector", selector).Debug("Clicking consent button")
			btn.Click()
			page.WaitForTimeout(1000)
			break
		}
	}
}
