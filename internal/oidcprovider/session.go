package oidcprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ciamlabs/identity-core/internal/apierr"
	"github.com/ciamlabs/identity-core/internal/cryptoutil"
	"github.com/ciamlabs/identity-core/internal/kv"
)

const loginSessionCookie = "ciam_session"
const loginSessionPurpose = "proxy_session"
const loginSessionTTL = 24 * time.Hour

// loginSessionSnapshot is the subset of internal/proxy's proxy-session
// record the authorization endpoint needs to resolve "is this
// user-agent already logged in". The two packages deliberately share only
// this field-compatible shape, not a Go type, to keep oidcprovider free of
// a dependency on internal/proxy.
type loginSessionSnapshot struct {
	TenantID   string `json:"tenantId"`
	IdentityID string `json:"identityId"`
}

// setLoginSessionCookie stores a loginSessionSnapshot under a fresh opaque
// id and sets it as the proxy-session cookie on w, so a subsequent
// /authorize call from the same user-agent recognizes it as logged in.
// Used by federation callback, which authenticates the caller directly
// against an external IdP rather than through the identity proxy's own
// login form.
func (s *Service) setLoginSessionCookie(ctx context.Context, w http.ResponseWriter, tenantID, identityID string) error {
	cookieValue, err := cryptoutil.NewOpaqueToken()
	if err != nil {
		return apierr.Wrap(apierr.KindInternalError, "generate session cookie", err)
	}
	payload, err := json.Marshal(loginSessionSnapshot{TenantID: tenantID, IdentityID: identityID})
	if err != nil {
		return apierr.Wrap(apierr.KindInternalError, "marshal session snapshot", err)
	}
	if err := s.cache.Set(ctx, kv.Key(loginSessionPurpose, tenantID, cookieValue), payload, loginSessionTTL); err != nil {
		return apierr.Wrap(apierr.KindInternalError, "store session snapshot", err)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     loginSessionCookie,
		Value:    cookieValue,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Now().Add(loginSessionTTL),
	})
	return nil
}

// identityFromCookie resolves the caller's identity from the proxy-session
// cookie, returning apierr.KindUnauthorized if absent or unresolvable —
// the HTTP layer translates that into a Universal Login redirect for
// /authorize.
func (s *Service) identityFromCookie(ctx context.Context, r *http.Request, tenantID string) (identityID string, err error) {
	c, cerr := r.Cookie(loginSessionCookie)
	if cerr != nil || c.Value == "" {
		return "", apierr.New(apierr.KindUnauthorized, "no session cookie")
	}
	raw, gerr := s.cache.Get(ctx, kv.Key(loginSessionPurpose, tenantID, c.Value))
	if gerr != nil {
		return "", apierr.New(apierr.KindUnauthorized, "session not found or expired")
	}
	var snap loginSessionSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", apierr.Wrap(apierr.KindInternalError, "unmarshal session snapshot", err)
	}
	if snap.TenantID != tenantID {
		return "", apierr.New(apierr.KindUnauthorized, "session belongs to a different tenant")
	}
	return snap.IdentityID, nil
}
