package httputil

import (
	"crypto/tls"
	"net/http"
	"net/url"
	"sync"
	"time"

	"dealwatch/models"
)

// Clients caches one scraping client per egress endpoint plus a direct client
// for API calls.
type Clients struct {
	API     *http.Client
	timeout time.Duration

	mu      sync.Mutex
	direct  *http.Client
	byProxy map[string]*http.Client
}

func NewClients(scrapeTimeout, apiTimeout time.Duration) *Clients {
	return &Clients{
		API:     &http.Client{Timeout: apiTimeout},
		timeout: scrapeTimeout,
		byProxy: make(map[string]*http.Client),
	}
}

// Scraping returns the client routed through ep, or a direct client when ep is nil.
func (c *Clients) Scraping(ep *models.ProxyEndpoint) (*http.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ep == nil {
		if c.direct == nil {
			c.direct = c.newScrapingClient(nil)
		}
		return c.direct, nil
	}

	if client, ok := c.byProxy[ep.ID]; ok {
		return client, nil
	}
	proxyURL, err := ep.ProxyURL()
	if err != nil {
		return nil, err
	}
	client := c.newScrapingClient(http.ProxyURL(proxyURL))
	c.byProxy[ep.ID] = client
	return client, nil
}

func (c *Clients) newScrapingClient(proxy func(*http.Request) (*url.URL, error)) *http.Client {
	transport := &http.Transport{
		Proxy:               proxy,
		ForceAttemptHTTP2:   false,
		TLSNextProto:        make(map[string]func(string, *tls.Conn) http.RoundTripper),
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}

	return &http.Client{
		Timeout:   c.timeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
