package oidcprovider

import (
	"time"

	"github.com/ciamlabs/identity-core/internal/apierr"
	"github.com/ciamlabs/identity-core/internal/cryptoutil"
	"github.com/ciamlabs/identity-core/internal/model"
)

// AuthorizeRequest carries the validated inputs to GET /authorize. The
// caller (the HTTP layer) is responsible for resolving IdentityID from the
// user-agent's session cookie before calling Authorize — when no valid
// session exists, it redirects to Universal Login instead of calling this
// at all.
type AuthorizeRequest struct {
	TenantID            string
	IdentityID          string
	ClientID            string
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
}

// Authorize validates the request against the registered client and
// issues a single-use authorization code. The returned code is appended
// by the caller to RedirectURI along with State.
func (s *Service) Authorize(req AuthorizeRequest) (code string, err error) {
	client, err := s.storage.GetClient(req.TenantID, req.ClientID)
	if err != nil {
		return "", apierr.New(apierr.KindInvalidRequest, "unknown client")
	}

	matched := false
	for _, u := range client.RedirectURIs {
		if u == req.RedirectURI {
			matched = true
			break
		}
	}
	if !matched {
		return "", apierr.New(apierr.KindInvalidRequest, "redirect_uri does not match a registered value")
	}

	if client.IsPublic() || client.RequirePKCE {
		if req.CodeChallengeMethod != "S256" || req.CodeChallenge == "" {
			return "", apierr.New(apierr.KindInvalidRequest, "PKCE is required for this client")
		}
	}

	grantAllowed := false
	for _, g := range client.AllowedGrants {
		if g == "authorization_code" {
			grantAllowed = true
			break
		}
	}
	if !grantAllowed {
		return "", apierr.New(apierr.KindInvalidRequest, "client is not allowed the authorization_code grant")
	}

	codeValue, err := cryptoutil.NewOpaqueToken()
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternalError, "generate authorization code", err)
	}

	grant := model.AuthCodeGrant{
		Code:                codeValue,
		TenantID:            req.TenantID,
		ClientID:            req.ClientID,
		IdentityID:          req.IdentityID,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		Scopes:              req.Scopes,
		RedirectURI:         req.RedirectURI,
		Nonce:               req.Nonce,
		ExpiresAt:           time.Now().UTC().Add(s.codeTTL),
	}
	if err := s.storage.CreateAuthCode(req.TenantID, grant); err != nil {
		return "", apierr.Wrap(apierr.KindInternalError, "store authorization code", err)
	}
	return codeValue, nil
}
