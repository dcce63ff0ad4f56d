package oidcprovider

import (
	"encoding/json"
	"strings"
	"time"

	jose "gopkg.in/square/go-jose.v2"

	"github.com/ciamlabs/identity-core/internal/apierr"
)

// accessClaims mirrors internal/authn.AccessClaims; duplicated here rather
// than imported so this package never needs to reach into authn's
// unexported signing helpers — it only ever verifies, never mints, an
// access token.
type accessClaims struct {
	Subject   string   `json:"sub"`
	TenantID  string   `json:"tenant_id"`
	Scopes    []string `json:"scope"`
	TokenType string   `json:"token_type"`
	Audience  string   `json:"aud"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
}

// UserinfoClaims is the scope-filtered response body for GET /userinfo:
// claims are limited to what the access token's granted scopes permit.
type UserinfoClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified *bool  `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
}

// verifyAccessToken parses and verifies a bearer token against every key
// currently in the signing ring (active and retired), so a token signed
// just before a rotation still verifies during the retired key's grace
// window.
func (s *Service) verifyAccessToken(token string) (*accessClaims, error) {
	jws, err := jose.ParseSigned(token)
	if err != nil {
		return nil, apierr.New(apierr.KindInvalidToken, "malformed access token")
	}

	var payload []byte
	verified := false
	for _, key := range s.keys.VerificationKeys() {
		if p, verr := jws.Verify(key); verr == nil {
			payload = p
			verified = true
			break
		}
	}
	if !verified {
		return nil, apierr.New(apierr.KindInvalidToken, "access token signature verification failed")
	}

	var claims accessClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, apierr.New(apierr.KindInvalidToken, "malformed access token claims")
	}
	if time.Now().UTC().Unix() > claims.ExpiresAt {
		return nil, apierr.New(apierr.KindExpiredToken, "access token expired")
	}
	return &claims, nil
}

// Userinfo verifies bearerToken and returns the claims permitted by its
// granted scopes.
func (s *Service) Userinfo(bearerToken string) (*UserinfoClaims, error) {
	claims, err := s.verifyAccessToken(bearerToken)
	if err != nil {
		return nil, err
	}

	identity, err := s.storage.GetIdentityByID(claims.TenantID, claims.Subject)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "load identity", err)
	}

	out := &UserinfoClaims{Subject: identity.ID}
	hasScope := func(name string) bool {
		for _, sc := range claims.Scopes {
			if sc == name {
				return true
			}
		}
		return false
	}
	if hasScope("email") {
		out.Email = identity.Email
		verified := identity.EmailVerified
		out.EmailVerified = &verified
	}
	if hasScope("profile") {
		out.Name = strings.TrimSpace(identity.DisplayName)
	}
	return out, nil
}
