package models

import (
	"fmt"
	"net/url"
	"time"
)

type ProxyState string

const (
	ProxyHealthy     ProxyState = "healthy"
	ProxyCoolingDown ProxyState = "cooling_down"
	ProxyExcluded    ProxyState = "excluded"
)

type ProxyEndpoint struct {
	ID                  string     `json:"id"`
	URL                 string     `json:"url"`
	Username            string     `json:"username,omitempty"`
	Password            string     `json:"-"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	State               ProxyState `json:"state"`
	LastUsedAt          *time.Time `json:"last_used_at"`
	CooldownUntil       *time.Time `json:"cooldown_until"`
}

// ProxyURL returns the endpoint URL with credentials attached.
func (p *ProxyEndpoint) ProxyURL() (*url.URL, error) {
	u, err := url.Parse(p.URL)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", p.ID, err)
	}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u, nil
}
