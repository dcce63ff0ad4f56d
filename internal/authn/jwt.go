package authn

import (
	"encoding/json"
	"time"

	"github.com/ciamlabs/identity-core/internal/apierr"
	"github.com/ciamlabs/identity-core/internal/keyring"
)

// AccessClaims is the JWT payload for access tokens issued directly by the
// authentication core (not via the OAuth2 token endpoint):
// subject, tenant id, scopes, token type, issued/expires-at, audience.
type AccessClaims struct {
	Subject   string   `json:"sub"`
	TenantID  string   `json:"tenant_id"`
	Scopes    []string `json:"scope"`
	TokenType string   `json:"token_type"`
	Audience  string   `json:"aud"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
}

func signAccessToken(ring *keyring.Ring, tenantID, identityID, audience string, scopes []string, ttl time.Duration, now time.Time) (string, error) {
	claims := AccessClaims{
		Subject:   identityID,
		TenantID:  tenantID,
		Scopes:    scopes,
		TokenType: "access",
		Audience:  audience,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternalError, "marshal access claims", err)
	}
	token, err := ring.Sign(payload)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternalError, "sign access token", err)
	}
	return token, nil
}
