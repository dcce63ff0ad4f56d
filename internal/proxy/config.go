// Package proxy implements the identity-aware reverse proxy: it terminates
// the browser session, enforces a per-route auth mode, injects the
// X-Identity-* header contract, and forwards to upstream applications.
// The route table loads as a YAML document via ghodss/yaml, the same
// library the rest of this module's ambient config layer uses, and
// forwarding rides on net/http/httputil.ReverseProxy.
package proxy

import (
	"fmt"
	"os"

	"github.com/ghodss/yaml"
)

// AuthMode names a route's authentication requirement.
type AuthMode string

const (
	// AuthNone passes the request through unchanged.
	AuthNone AuthMode = "none"
	// AuthOptional attaches identity headers when a session exists, but
	// never blocks the request.
	AuthOptional AuthMode = "optional"
	// AuthRequired redirects to login when no valid session exists.
	AuthRequired AuthMode = "required"
)

// Route is one entry of the route table.
type Route struct {
	Path     string   `json:"path"`
	Exact    bool     `json:"exact"`
	Upstream string   `json:"upstream"`
	Auth     AuthMode `json:"auth"`
	// ForwardAccessToken adds X-Identity-Token (the access JWT) to the
	// upstream request when true. Off by default since most upstreams only
	// need the identity headers, not the raw token.
	ForwardAccessToken bool `json:"forwardAccessToken"`
}

// Config is the proxy's route table, loaded from PROXY_CONFIG_PATH.
type Config struct {
	LoginURL string  `json:"loginUrl"`
	Routes   []Route `json:"routes"`
}

// LoadConfig reads and parses the YAML route table at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read proxy config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse proxy config %s: %w", path, err)
	}
	for i, r := range cfg.Routes {
		if r.Path == "" {
			return nil, fmt.Errorf("route %d: path is required", i)
		}
		if r.Upstream == "" {
			return nil, fmt.Errorf("route %d (%s): upstream is required", i, r.Path)
		}
		switch r.Auth {
		case AuthNone, AuthOptional, AuthRequired:
		default:
			return nil, fmt.Errorf("route %d (%s): invalid auth mode %q", i, r.Path, r.Auth)
		}
	}
	return &cfg, nil
}

// Match returns the most specific route matching reqPath, or false if none
// matches. Exact routes win over prefix routes; among prefix routes the
// longest prefix wins.
func (c *Config) Match(reqPath string) (Route, bool) {
	var best Route
	found := false
	bestLen := -1
	for _, r := range c.Routes {
		if r.Exact {
			if r.Path == reqPath {
				return r, true
			}
			continue
		}
		if len(reqPath) >= len(r.Path) && reqPath[:len(r.Path)] == r.Path {
			if len(r.Path) > bestLen {
				best = r
				bestLen = len(r.Path)
				found = true
			}
		}
	}
	return best, found
}
