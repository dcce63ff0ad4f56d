package proxy

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/ciamlabs/identity-core/internal/authn"
	"github.com/ciamlabs/identity-core/internal/keyring"
	"github.com/ciamlabs/identity-core/internal/kv"
	"github.com/ciamlabs/identity-core/internal/store"
)

// Proxy is the identity-aware reverse proxy.
type Proxy struct {
	cfg      *Config
	sessions *sessionStore
	authn    *authn.Service
	storage  store.Storage
	keys     *keyring.Ring
	log      logrus.FieldLogger

	upstreams map[string]*httputil.ReverseProxy
}

// New constructs a Proxy from a loaded route table. keys is the same
// signing ring internal/authn signs access tokens with, used here only to
// read the identity id back out of a freshly issued token at login.
func New(cfg *Config, cache kv.Store, authnSvc *authn.Service, storage store.Storage, keys *keyring.Ring, log logrus.FieldLogger) (*Proxy, error) {
	p := &Proxy{
		cfg:       cfg,
		sessions:  newSessionStore(cache),
		authn:     authnSvc,
		storage:   storage,
		keys:      keys,
		log:       log,
		upstreams: make(map[string]*httputil.ReverseProxy, len(cfg.Routes)),
	}
	for _, r := range cfg.Routes {
		if _, ok := p.upstreams[r.Upstream]; ok {
			continue
		}
		target, err := url.Parse(r.Upstream)
		if err != nil {
			return nil, err
		}
		p.upstreams[r.Upstream] = httputil.NewSingleHostReverseProxy(target)
	}
	return p, nil
}

// Handler returns the proxy's top-level http.Handler, with gorilla/handlers
// request logging wrapped around routing.
func (p *Proxy) Handler() http.Handler {
	r := mux.NewRouter().SkipClean(true)
	r.HandleFunc("/_ciam/login", p.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/_ciam/mfa/complete", p.handleCompleteMFA).Methods(http.MethodPost)
	r.HandleFunc("/_ciam/logout", p.handleLogout).Methods(http.MethodPost)
	r.PathPrefix("/").HandlerFunc(p.serveHTTP)
	return handlers.CombinedLoggingHandler(logrusWriter{p.log}, r)
}

func (p *Proxy) serveHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := p.cfg.Match(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	stripIdentityHeaders(r)

	tenantID := tenantFromRequest(r)

	switch route.Auth {
	case AuthNone:
		p.forward(w, r, route)
		return

	case AuthOptional:
		sess, _, err := p.resolveSession(r, tenantID)
		if err == nil {
			p.injectHeaders(r, sess, route)
		}
		p.forward(w, r, route)
		return

	case AuthRequired:
		sess, cookie, err := p.resolveSession(r, tenantID)
		if err != nil {
			p.redirectToLogin(w, r)
			return
		}
		if isStateChanging(r.Method) {
			if r.Header.Get("X-CSRF-Token") != sess.CSRFToken || sess.CSRFToken == "" {
				http.Error(w, `{"error":"invalid_request","message":"missing or invalid CSRF token"}`, http.StatusForbidden)
				return
			}
		}
		sess, refreshed, err := p.maybeRefresh(r.Context(), tenantID, cookie, sess)
		if err != nil {
			p.redirectToLogin(w, r)
			return
		}
		if refreshed {
			p.setCookie(w, cookie, sess.ExpiresAt)
		}
		p.injectHeaders(r, sess, route)
		p.forward(w, r, route)
	}
}

func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, route Route) {
	rp, ok := p.upstreams[route.Upstream]
	if !ok {
		http.Error(w, `{"error":"internal_error","message":"no upstream configured"}`, http.StatusInternalServerError)
		return
	}
	rp.ServeHTTP(w, r)
}

// resolveSession reads the session cookie and looks up the proxy-session
// record; callers get back the raw cookie value too, since a refresh needs
// to rewrite the same KV entry in place.
func (p *Proxy) resolveSession(r *http.Request, tenantID string) (Session, string, error) {
	c, err := r.Cookie(CookieName)
	if err != nil || c.Value == "" {
		return Session{}, "", http.ErrNoCookie
	}
	sess, err := p.sessions.get(r.Context(), tenantID, c.Value)
	if err != nil {
		return Session{}, "", err
	}
	return sess, c.Value, nil
}

// maybeRefresh performs an in-band token refresh when the access token is
// within refreshSkew of expiring. A failed refresh is reported as an
// error so the caller downgrades the request.
func (p *Proxy) maybeRefresh(ctx context.Context, tenantID, cookie string, sess Session) (Session, bool, error) {
	if time.Until(sess.ExpiresAt) > refreshSkew {
		return sess, false, nil
	}
	tokens, err := p.authn.Refresh(ctx, tenantID, sess.RefreshToken)
	if err != nil {
		return Session{}, false, err
	}
	sess.AccessToken = tokens.AccessToken
	sess.RefreshToken = tokens.RefreshToken
	sess.ExpiresAt = time.Now().UTC().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	if err := p.sessions.put(ctx, tenantID, cookie, sess); err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

func (p *Proxy) injectHeaders(r *http.Request, sess Session, route Route) {
	r.Header.Set("X-Identity-User-Id", sess.IdentityID)
	r.Header.Set("X-Identity-User-Email", sess.Email)
	r.Header.Set("X-Identity-Tenant-Id", sess.TenantID)
	r.Header.Set("X-Identity-Role", sess.Role)
	if route.ForwardAccessToken {
		r.Header.Set("X-Identity-Token", sess.AccessToken)
	}
}

// stripIdentityHeaders removes any X-Identity-* header a client sent
// directly, so downstream apps can trust these headers unconditionally.
func stripIdentityHeaders(r *http.Request) {
	for h := range r.Header {
		if strings.HasPrefix(h, "X-Identity-") {
			r.Header.Del(h)
		}
	}
}

func (p *Proxy) redirectToLogin(w http.ResponseWriter, r *http.Request) {
	continuation := url.QueryEscape(r.URL.RequestURI())
	http.Redirect(w, r, p.cfg.LoginURL+"?continue="+continuation, http.StatusSeeOther)
}

func (p *Proxy) setCookie(w http.ResponseWriter, value string, expiresAt time.Time) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  expiresAt,
	})
}

func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	default:
		return false
	}
}

// tenantFromRequest resolves the tenant the session cookie is scoped to.
// Routes are mounted per tenant subdomain/path by the deployment's ingress,
// which sets the X-Tenant-Slug header; falling back to the first path
// segment covers path-based tenant routing.
func tenantFromRequest(r *http.Request) string {
	if slug := r.Header.Get("X-Tenant-Slug"); slug != "" {
		return slug
	}
	parts := strings.SplitN(strings.TrimPrefix(r.URL.Path, "/"), "/", 2)
	if len(parts) > 0 {
		return parts[0]
	}
	return ""
}

type logrusWriter struct{ log logrus.FieldLogger }

func (w logrusWriter) Write(p []byte) (int, error) {
	w.log.Info(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
