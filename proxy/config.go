package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"dealwatch/models"
)

// Config describes egress endpoints. URL, List and the premium host tuple may
// be combined; an empty Config means direct connections.
type Config struct {
	URL      string
	List     string
	Host     string
	Port     string
	Username string
	Password string
}

// ParseEndpoints builds the endpoint set from configuration. Malformed input is
// a configuration error so the daemon refuses to start.
func ParseEndpoints(cfg Config) ([]models.ProxyEndpoint, error) {
	var raws []string
	if cfg.URL != "" {
		raws = append(raws, cfg.URL)
	}
	for _, item := range strings.Split(cfg.List, ",") {
		if item = strings.TrimSpace(item); item != "" {
			raws = append(raws, item)
		}
	}

	var endpoints []models.ProxyEndpoint
	seen := make(map[string]models.ProxyEndpoint)
	add := func(ep models.ProxyEndpoint) error {
		prev, ok := seen[ep.ID]
		if !ok {
			seen[ep.ID] = ep
			endpoints = append(endpoints, ep)
			return nil
		}
		if prev.URL != ep.URL || prev.Password != ep.Password {
			return fmt.Errorf("proxy %s listed twice with different settings: %w", ep.ID, models.ErrConfiguration)
		}
		return nil
	}

	for _, raw := range raws {
		ep, err := parseEndpoint(raw)
		if err != nil {
			return nil, err
		}
		if err := add(ep); err != nil {
			return nil, err
		}
	}

	if cfg.Host != "" || cfg.Port != "" {
		if cfg.Host == "" || cfg.Port == "" {
			return nil, fmt.Errorf("proxy host and port must both be set: %w", models.ErrConfiguration)
		}
		if (cfg.Username == "") != (cfg.Password == "") {
			return nil, fmt.Errorf("proxy username and password must both be set: %w", models.ErrConfiguration)
		}
		ep, err := parseEndpoint("http://" + net.JoinHostPort(cfg.Host, cfg.Port))
		if err != nil {
			return nil, err
		}
		ep.Username = cfg.Username
		ep.Password = cfg.Password
		ep.ID = endpointID(ep.Username, net.JoinHostPort(cfg.Host, cfg.Port))
		if err := add(ep); err != nil {
			return nil, err
		}
	}

	return endpoints, nil
}

// endpointID names an endpoint by user and address. Gateways that route by
// session username share one address, so the user is part of the identity.
// The password never is.
func endpointID(user, hostport string) string {
	if user == "" {
		return hostport
	}
	return user + "@" + hostport
}

func parseEndpoint(raw string) (models.ProxyEndpoint, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return models.ProxyEndpoint{}, fmt.Errorf("proxy %q: %v: %w", redact(raw), err, models.ErrConfiguration)
	}
	switch u.Scheme {
	case "http", "https", "socks5":
	default:
		return models.ProxyEndpoint{}, fmt.Errorf("proxy %q: unsupported scheme %q: %w", redact(raw), u.Scheme, models.ErrConfiguration)
	}
	if u.Hostname() == "" || u.Port() == "" {
		return models.ProxyEndpoint{}, fmt.Errorf("proxy %q: host and port required: %w", redact(raw), models.ErrConfiguration)
	}

	ep := models.ProxyEndpoint{State: models.ProxyHealthy}
	if u.User != nil {
		ep.Username = u.User.Username()
		pass, ok := u.User.Password()
		if !ok || ep.Username == "" {
			return models.ProxyEndpoint{}, fmt.Errorf("proxy %q: credentials need user and password: %w", redact(raw), models.ErrConfiguration)
		}
		ep.Password = pass
	}
	ep.URL = u.Scheme + "://" + u.Host
	ep.ID = endpointID(ep.Username, u.Host)
	return ep, nil
}

// redact hides credentials in log and error output.
func redact(raw string) string {
	at := strings.LastIndex(raw, "@")
	scheme := strings.Index(raw, "://")
	if at < 0 || scheme < 0 || at < scheme {
		return raw
	}
	return raw[:scheme+3] + "***" + raw[at:]
}
