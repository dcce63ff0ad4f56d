package proxy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadConfigValid(t *testing.T) {
	path := writeConfigFile(t, `
loginUrl: https://login.example.com
routes:
  - path: /public
    upstream: http://app:8080
    auth: none
  - path: /api
    upstream: http://app:8080
    auth: required
    forwardAccessToken: true
  - path: /healthz
    exact: true
    upstream: http://app:8080
    auth: none
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, "https://login.example.com", cfg.LoginURL)
	require.Len(t, cfg.Routes, 3)
	require.True(t, cfg.Routes[1].ForwardAccessToken)
}

func TestLoadConfigRejectsMissingPath(t *testing.T) {
	path := writeConfigFile(t, `
routes:
  - upstream: http://app:8080
    auth: none
`)
	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "path is required")
}

func TestLoadConfigRejectsMissingUpstream(t *testing.T) {
	path := writeConfigFile(t, `
routes:
  - path: /api
    auth: none
`)
	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "upstream is required")
}

func TestLoadConfigRejectsInvalidAuthMode(t *testing.T) {
	path := writeConfigFile(t, `
routes:
  - path: /api
    upstream: http://app:8080
    auth: maybe
`)
	_, err := LoadConfig(path)
	require.ErrorContains(t, err, "invalid auth mode")
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestConfigMatchExactWinsOverPrefix(t *testing.T) {
	cfg := &Config{Routes: []Route{
		{Path: "/api", Upstream: "http://a", Auth: AuthOptional},
		{Path: "/api/status", Exact: true, Upstream: "http://b", Auth: AuthNone},
	}}
	r, ok := cfg.Match("/api/status")
	require.True(t, ok)
	require.Equal(t, "http://b", r.Upstream)
}

func TestConfigMatchLongestPrefixWins(t *testing.T) {
	cfg := &Config{Routes: []Route{
		{Path: "/api", Upstream: "http://a", Auth: AuthOptional},
		{Path: "/api/admin", Upstream: "http://b", Auth: AuthRequired},
	}}
	r, ok := cfg.Match("/api/admin/users")
	require.True(t, ok)
	require.Equal(t, "http://b", r.Upstream)
	require.Equal(t, AuthRequired, r.Auth)
}

func TestConfigMatchNoRoute(t *testing.T) {
	cfg := &Config{Routes: []Route{
		{Path: "/api", Upstream: "http://a", Auth: AuthOptional},
	}}
	_, ok := cfg.Match("/other")
	require.False(t, ok)
}
