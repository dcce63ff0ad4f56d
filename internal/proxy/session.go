package proxy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ciamlabs/identity-core/internal/cryptoutil"
	"github.com/ciamlabs/identity-core/internal/kv"
)

const (
	sessionPurpose = "proxy_session"
	// CookieName is the opaque session-id cookie set on the user-agent:
	// HttpOnly, Secure, SameSite=Lax.
	CookieName   = "ciam_session"
	sessionTTL   = 24 * time.Hour
	refreshSkew  = 2 * time.Minute
)

// Session is the server-side proxy-session record: an identity snapshot,
// access token, refresh token, expiry, and CSRF token.
type Session struct {
	TenantID     string    `json:"tenantId"`
	IdentityID   string    `json:"identityId"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt"`
	CSRFToken    string    `json:"csrfToken"`
}

// sessionStore wraps the fast KV gateway with the proxy session's namespacing and
// serialization.
type sessionStore struct {
	cache kv.Store
}

func newSessionStore(cache kv.Store) *sessionStore { return &sessionStore{cache: cache} }

func (s *sessionStore) create(ctx context.Context, tenantID string, sess Session) (cookie string, err error) {
	cookie, err = cryptoutil.NewOpaqueToken()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return "", err
	}
	if err := s.cache.Set(ctx, kv.Key(sessionPurpose, tenantID, cookie), payload, sessionTTL); err != nil {
		return "", err
	}
	return cookie, nil
}

func (s *sessionStore) get(ctx context.Context, tenantID, cookie string) (Session, error) {
	raw, err := s.cache.Get(ctx, kv.Key(sessionPurpose, tenantID, cookie))
	if err != nil {
		return Session{}, err
	}
	var sess Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return Session{}, err
	}
	return sess, nil
}

func (s *sessionStore) put(ctx context.Context, tenantID, cookie string, sess Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, kv.Key(sessionPurpose, tenantID, cookie), payload, sessionTTL)
}

func (s *sessionStore) delete(ctx context.Context, tenantID, cookie string) error {
	return s.cache.Delete(ctx, kv.Key(sessionPurpose, tenantID, cookie))
}
