package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/ciamlabs/identity-core/internal/authn"
	"github.com/ciamlabs/identity-core/internal/cryptoutil"
	"github.com/ciamlabs/identity-core/internal/keyring"
	"github.com/ciamlabs/identity-core/internal/kv"
	"github.com/ciamlabs/identity-core/internal/model"
	"github.com/ciamlabs/identity-core/internal/store/memory"
	"github.com/ciamlabs/identity-core/internal/tenant"
)

const testTenantID = "acme"

// newTestProxy wires a Proxy against in-memory storage/cache with one
// active tenant and one registered password identity, mirroring how
// cmd/ciamd/serve.go constructs these pieces in production.
func newTestProxy(t *testing.T, routes []Route) (*Proxy, *authn.Service) {
	t.Helper()

	storage := memory.New()
	cacheStore := kv.NewMemoryStore()
	fek, err := cryptoutil.RandBytes(32)
	require.NoError(t, err)

	require.NoError(t, storage.CreateTenant(model.Tenant{
		ID:       testTenantID,
		Slug:     testTenantID,
		Status:   model.TenantActive,
		Security: model.SecurityPolicy{MinPasswordLength: 8},
	}))

	registry := tenant.New(storage, cacheStore, fek)
	limiter := tenant.NewLimiter()

	keys, err := keyring.New(storage, time.Hour, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	authnSvc := authn.New(storage, cacheStore, keys, registry, limiter, fek)

	_, _, err = authnSvc.Register(context.Background(), testTenantID, "user@example.com", "correct horse battery staple", "Test User")
	require.NoError(t, err)

	cfg := &Config{LoginURL: "https://login.example.com", Routes: routes}
	log := logrus.New()
	log.SetOutput(io.Discard)
	p, err := New(cfg, cacheStore, authnSvc, storage, keys, log)
	require.NoError(t, err)
	return p, authnSvc
}

func doLogin(t *testing.T, p *Proxy, email, password string) *http.Response {
	t.Helper()
	body, err := json.Marshal(loginRequest{Email: email, Password: password})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/_ciam/login", bytes.NewReader(body))
	req.Header.Set("X-Tenant-Slug", testTenantID)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)
	return rec.Result()
}

func TestLoginSetsSessionCookie(t *testing.T) {
	p, _ := newTestProxy(t, nil)
	resp := doLogin(t, p, "user@example.com", "correct horse battery staple")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == CookieName {
			cookie = c
		}
	}
	require.NotNil(t, cookie, "login must set the proxy session cookie")
	require.True(t, cookie.HttpOnly)
	require.NotEmpty(t, cookie.Value)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.NotEmpty(t, body["csrfToken"])
}

func TestLoginWrongPasswordRejected(t *testing.T) {
	p, _ := newTestProxy(t, nil)
	resp := doLogin(t, p, "user@example.com", "wrong password")
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	require.Empty(t, resp.Cookies())
}

func TestLoginThenAuthRequiredRouteSeesIdentity(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Echo-Identity-Email", r.Header.Get("X-Identity-User-Email"))
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p, _ := newTestProxy(t, []Route{{Path: "/app", Upstream: upstream.URL, Auth: AuthRequired}})

	loginResp := doLogin(t, p, "user@example.com", "correct horse battery staple")
	require.Equal(t, http.StatusOK, loginResp.StatusCode)
	var sessionCookie *http.Cookie
	for _, c := range loginResp.Cookies() {
		if c.Name == CookieName {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)

	req := httptest.NewRequest(http.MethodGet, "/app/dashboard", nil)
	req.Header.Set("X-Tenant-Slug", testTenantID)
	req.AddCookie(sessionCookie)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)

	res := rec.Result()
	require.Equal(t, http.StatusOK, res.StatusCode)
	require.Equal(t, "user@example.com", res.Header.Get("Echo-Identity-Email"))
}

func TestLoginThenLogoutClearsSession(t *testing.T) {
	p, _ := newTestProxy(t, []Route{{Path: "/app", Upstream: "http://unused", Auth: AuthRequired}})

	loginResp := doLogin(t, p, "user@example.com", "correct horse battery staple")
	var sessionCookie *http.Cookie
	for _, c := range loginResp.Cookies() {
		if c.Name == CookieName {
			sessionCookie = c
		}
	}
	require.NotNil(t, sessionCookie)

	logoutReq := httptest.NewRequest(http.MethodPost, "/_ciam/logout", nil)
	logoutReq.Header.Set("X-Tenant-Slug", testTenantID)
	logoutReq.AddCookie(sessionCookie)
	logoutRec := httptest.NewRecorder()
	p.Handler().ServeHTTP(logoutRec, logoutReq)
	require.Equal(t, http.StatusOK, logoutRec.Result().StatusCode)

	req := httptest.NewRequest(http.MethodGet, "/app/dashboard", nil)
	req.Header.Set("X-Tenant-Slug", testTenantID)
	req.AddCookie(sessionCookie)
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusSeeOther, rec.Result().StatusCode, "a logged-out session must be redirected to login again")
}
