package proxy

import (
	"encoding/json"
	"net/http"
	"time"

	jose "gopkg.in/square/go-jose.v2"

	"github.com/ciamlabs/identity-core/internal/apierr"
	"github.com/ciamlabs/identity-core/internal/authn"
	"github.com/ciamlabs/identity-core/internal/cryptoutil"
)

// Universal Login (served out of band, at cfg.LoginURL) posts credentials
// here rather than through internal/httpapi's JSON API, so that the
// resulting proxy session cookie is set on the proxied origin itself.

type loginRequest struct {
	Email             string `json:"email"`
	Password          string `json:"password"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

type loginResponse struct {
	MFARequired bool   `json:"mfaRequired,omitempty"`
	ChallengeID string `json:"challengeId,omitempty"`
}

func (p *Proxy) handleLogin(w http.ResponseWriter, r *http.Request) {
	tenantSlug := tenantFromRequest(r)
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid_request","message":"malformed JSON body"}`, http.StatusBadRequest)
		return
	}
	tokens, challenge, err := p.authn.LoginPassword(r.Context(), tenantSlug, req.Email, req.Password, req.DeviceFingerprint, clientIP(r))
	if err != nil {
		writeAuthError(w, err)
		return
	}
	if challenge != nil {
		writeJSON(w, http.StatusOK, loginResponse{MFARequired: true, ChallengeID: challenge.ID})
		return
	}
	p.establishSession(w, r, tenantSlug, tokens)
}

type completeMFARequest struct {
	ChallengeID       string `json:"challengeId"`
	Code              string `json:"code"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

func (p *Proxy) handleCompleteMFA(w http.ResponseWriter, r *http.Request) {
	tenantSlug := tenantFromRequest(r)
	var req completeMFARequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid_request","message":"malformed JSON body"}`, http.StatusBadRequest)
		return
	}
	tokens, err := p.authn.CompleteMFA(r.Context(), tenantSlug, req.ChallengeID, req.Code, req.DeviceFingerprint)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	p.establishSession(w, r, tenantSlug, tokens)
}

func (p *Proxy) handleLogout(w http.ResponseWriter, r *http.Request) {
	tenantID := tenantFromRequest(r)
	if c, err := r.Cookie(CookieName); err == nil && c.Value != "" {
		_ = p.sessions.delete(r.Context(), tenantID, c.Value)
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// establishSession decodes the identity id out of the freshly issued access
// token, looks up the identity's email and primary role, and stores a
// proxy Session under a new cookie. tenantID is the same tenant identifier
// resolveSession/maybeRefresh key their session lookups and refreshes by.
func (p *Proxy) establishSession(w http.ResponseWriter, r *http.Request, tenantID string, tokens *authn.TokenPair) {
	identityID, err := p.decodeAccessToken(tokens.AccessToken)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	identity, err := p.storage.GetIdentityByID(tenantID, identityID)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	var role string
	if len(identity.Roles) > 0 {
		role = identity.Roles[0]
	}
	csrfToken, err := cryptoutil.NewOpaqueToken()
	if err != nil {
		writeAuthError(w, err)
		return
	}
	expiresAt := expiresAtFromTTL(tokens.ExpiresIn)
	sess := Session{
		TenantID:     tenantID,
		IdentityID:   identity.ID,
		Email:        identity.Email,
		Role:         role,
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		ExpiresAt:    expiresAt,
		CSRFToken:    csrfToken,
	}
	cookie, err := p.sessions.create(r.Context(), tenantID, sess)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	p.setCookie(w, cookie, expiresAt)
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": csrfToken})
}

// decodeAccessToken reads the identity id back out of an access token this
// proxy just received from internal/authn, verifying its signature against
// the same keyring internal/authn signed it with.
func (p *Proxy) decodeAccessToken(token string) (identityID string, err error) {
	jws, perr := jose.ParseSigned(token)
	if perr != nil {
		return "", perr
	}
	var payload []byte
	for _, key := range p.keys.VerificationKeys() {
		if pl, verr := jws.Verify(key); verr == nil {
			payload = pl
			break
		}
	}
	if payload == nil {
		return "", apierr.New(apierr.KindInvalidToken, "access token signature verification failed")
	}
	var claims struct {
		Subject string `json:"sub"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", apierr.Wrap(apierr.KindInvalidToken, "malformed access token claims", err)
	}
	return claims.Subject, nil
}

func expiresAtFromTTL(expiresIn int64) time.Time {
	return time.Now().UTC().Add(time.Duration(expiresIn) * time.Second)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeAuthError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	status := http.StatusUnauthorized
	switch kind {
	case apierr.KindInvalidRequest, apierr.KindValidationError:
		status = http.StatusBadRequest
	case apierr.KindForbidden, apierr.KindLocked, apierr.KindTenantSuspended:
		status = http.StatusForbidden
	case apierr.KindRateLimited:
		status = http.StatusTooManyRequests
	case apierr.KindInternalError:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, map[string]string{"error": string(kind), "message": err.Error()})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
