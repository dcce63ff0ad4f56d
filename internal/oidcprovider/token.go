package oidcprovider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ciamlabs/identity-core/internal/apierr"
	"github.com/ciamlabs/identity-core/internal/cryptoutil"
	"github.com/ciamlabs/identity-core/internal/kv"
	"github.com/ciamlabs/identity-core/internal/model"
)

const authCodeConsumedPurpose = "authcode_consumed"

// IDClaims is the OIDC ID token payload.
type IDClaims struct {
	Issuer    string `json:"iss"`
	Subject   string `json:"sub"`
	Audience  string `json:"aud"`
	TenantID  string `json:"tenant_id"`
	Nonce     string `json:"nonce,omitempty"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// TokenResponse is the JSON body returned from POST /token.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
}

// TokenRequest carries the parsed form body of POST /token.
type TokenRequest struct {
	GrantType    string
	TenantID     string
	ClientID     string
	ClientSecret string
	Code         string
	RedirectURI  string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// Token dispatches authorization_code, refresh_token, and
// client_credentials, the three supported grant types.
func (s *Service) Token(ctx context.Context, req TokenRequest) (*TokenResponse, *OAuthError) {
	client, err := s.storage.GetClient(req.TenantID, req.ClientID)
	if err != nil {
		return nil, errInvalidClient("unknown client")
	}

	if !client.IsPublic() {
		if req.ClientSecret == "" || !cryptoutil.ConstantTimeEqualHash(client.HashedSecret, req.ClientSecret) {
			return nil, errInvalidClient("client authentication failed")
		}
	}

	switch req.GrantType {
	case "authorization_code":
		return s.exchangeAuthCode(ctx, client.ID, req)
	case "refresh_token":
		return s.exchangeRefreshToken(ctx, req)
	case "client_credentials":
		return s.exchangeClientCredentials(ctx, client.ID, req)
	default:
		return nil, errUnsupportedGrantType(req.GrantType)
	}
}

func (s *Service) exchangeAuthCode(ctx context.Context, clientID string, req TokenRequest) (*TokenResponse, *OAuthError) {
	if req.Code == "" {
		return nil, errInvalidRequest("missing code")
	}

	// The store has no update-in-place for auth codes; a consumed-marker in
	// the fast KV gateway records first use so a replayed code is rejected
	// even after the auth-code row itself has been deleted. The marker is
	// created before the grant is even read, and once the first exchange
	// mints a token pair its session family id is written into the marker,
	// so a replay can find and revoke the family.
	markerKey := kv.Key(authCodeConsumedPurpose, req.TenantID, req.Code)
	if err := s.cache.Create(ctx, markerKey, []byte("1"), s.codeTTL); err != nil {
		s.revokeFamilyFromConsumedMarker(ctx, req.TenantID, markerKey)
		_ = s.storage.DeleteAuthCode(req.TenantID, req.Code)
		return nil, errInvalidGrant("authorization code already used")
	}

	grant, err := s.storage.GetAuthCode(req.TenantID, req.Code)
	if err != nil {
		return nil, errInvalidGrant("unknown or expired authorization code")
	}
	defer s.storage.DeleteAuthCode(req.TenantID, req.Code)

	if time.Now().UTC().After(grant.ExpiresAt) {
		return nil, errInvalidGrant("authorization code expired")
	}
	if grant.ClientID != clientID {
		return nil, errInvalidGrant("authorization code was issued to a different client")
	}
	if grant.RedirectURI != req.RedirectURI {
		return nil, errInvalidGrant("redirect_uri does not match the authorization request")
	}
	if grant.CodeChallenge != "" {
		if !verifyPKCE(grant.CodeChallengeMethod, grant.CodeChallenge, req.CodeVerifier) {
			return nil, errInvalidGrant("PKCE verification failed")
		}
	}

	tokens, err := s.authn.IssueTokensForIdentity(ctx, req.TenantID, grant.IdentityID, "")
	if err != nil {
		return nil, newOAuthError(err)
	}
	_ = s.cache.Set(ctx, markerKey, []byte(tokens.FamilyID), s.codeTTL)

	resp := &TokenResponse{
		AccessToken:  tokens.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    tokens.ExpiresIn,
		RefreshToken: tokens.RefreshToken,
	}

	idToken, ierr := s.signIDToken(req.TenantID, grant.IdentityID, clientID, grant.Nonce, tokens.ExpiresIn)
	if ierr != nil {
		return nil, newOAuthError(ierr)
	}
	resp.IDToken = idToken
	return resp, nil
}

// revokeFamilyFromConsumedMarker reads the session family id a prior
// exchange of this authorization code recorded and revokes it, so that
// replaying the code invalidates the tokens it already produced. The
// marker's value is "1" (no family recorded yet, e.g. a concurrent replay
// that lost the race before the first exchange finished) until the first
// successful exchange overwrites it.
func (s *Service) revokeFamilyFromConsumedMarker(ctx context.Context, tenantID, markerKey string) {
	prior, err := s.cache.Get(ctx, markerKey)
	if err != nil {
		return
	}
	familyID := string(prior)
	if familyID == "" || familyID == "1" {
		return
	}
	_ = s.storage.UpdateSession(tenantID, familyID, func(sess model.Session) (model.Session, error) {
		sess.Revoked = true
		return sess, nil
	})
}

func (s *Service) exchangeRefreshToken(ctx context.Context, req TokenRequest) (*TokenResponse, *OAuthError) {
	if req.RefreshToken == "" {
		return nil, errInvalidRequest("missing refresh_token")
	}
	tokens, err := s.authn.Refresh(ctx, req.TenantID, req.RefreshToken)
	if err != nil {
		return nil, newOAuthError(err)
	}
	return &TokenResponse{
		AccessToken:  tokens.AccessToken,
		TokenType:    "Bearer",
		ExpiresIn:    tokens.ExpiresIn,
		RefreshToken: tokens.RefreshToken,
	}, nil
}

func (s *Service) exchangeClientCredentials(ctx context.Context, clientID string, req TokenRequest) (*TokenResponse, *OAuthError) {
	grantAllowed := false
	client, err := s.storage.GetClient(req.TenantID, clientID)
	if err != nil {
		return nil, errInvalidClient("unknown client")
	}
	for _, g := range client.AllowedGrants {
		if g == "client_credentials" {
			grantAllowed = true
		}
	}
	if !grantAllowed {
		return nil, errUnsupportedGrantType("client_credentials not permitted for this client")
	}

	claims := IDClaims{
		Issuer:    s.issuer,
		Subject:   "client:" + clientID,
		Audience:  clientID,
		TenantID:  req.TenantID,
		IssuedAt:  time.Now().UTC().Unix(),
		ExpiresAt: time.Now().UTC().Add(client.AccessTokenTTL).Unix(),
	}
	payload, merr := json.Marshal(claims)
	if merr != nil {
		return nil, newOAuthError(apierr.Wrap(apierr.KindInternalError, "marshal client credentials claims", merr))
	}
	token, serr := s.keys.Sign(payload)
	if serr != nil {
		return nil, newOAuthError(apierr.Wrap(apierr.KindInternalError, "sign client credentials token", serr))
	}
	return &TokenResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresIn:   int64(client.AccessTokenTTL.Seconds()),
	}, nil
}

func (s *Service) signIDToken(tenantID, identityID, clientID, nonce string, expiresIn int64) (string, error) {
	now := time.Now().UTC()
	claims := IDClaims{
		Issuer:    s.issuer,
		Subject:   identityID,
		Audience:  clientID,
		TenantID:  tenantID,
		Nonce:     nonce,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Duration(expiresIn) * time.Second).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternalError, "marshal id token claims", err)
	}
	token, err := s.keys.Sign(payload)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternalError, "sign id token", err)
	}
	return token, nil
}
