package oidcprovider

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ciamlabs/identity-core/internal/authn"
	"github.com/ciamlabs/identity-core/internal/cryptoutil"
	"github.com/ciamlabs/identity-core/internal/keyring"
	"github.com/ciamlabs/identity-core/internal/kv"
	"github.com/ciamlabs/identity-core/internal/model"
	"github.com/ciamlabs/identity-core/internal/store/memory"
	"github.com/ciamlabs/identity-core/internal/tenant"
)

const (
	testTenantID = "acme"
	testClientID = "spa-client"
)

func newTestProvider(t *testing.T) (*Service, *authn.Service, string) {
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
	require.NoError(t, storage.CreateClient(testTenantID, model.Client{
		ID:            testClientID,
		TenantID:      testTenantID,
		RedirectURIs:  []string{"https://app.example.com/callback"},
		AllowedGrants: []string{"authorization_code", "refresh_token"},
		Type:          model.AppSPA,
		RequirePKCE:   true,
	}))

	registry := tenant.New(storage, cacheStore, fek)
	limiter := tenant.NewLimiter()
	keys, err := keyring.New(storage, time.Hour, time.Hour, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	authnSvc := authn.New(storage, cacheStore, keys, registry, limiter, fek)

	identityID, _, err := authnSvc.Register(context.Background(), testTenantID, "user@example.com", "correct horse battery staple", "Test User")
	require.NoError(t, err)

	svc := New(storage, cacheStore, keys, registry, authnSvc, "https://auth.example.com", fek)
	return svc, authnSvc, identityID
}

func pkcePair() (verifier, challenge string) {
	verifier = "test-code-verifier-0123456789abcdefghijklmno"
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge
}

func TestAuthorizeThenExchangeAuthCodeWithPKCE(t *testing.T) {
	svc, _, identityID := newTestProvider(t)
	verifier, challenge := pkcePair()

	code, err := svc.Authorize(AuthorizeRequest{
		TenantID:            testTenantID,
		IdentityID:          identityID,
		ClientID:            testClientID,
		RedirectURI:         "https://app.example.com/callback",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)
	require.NotEmpty(t, code)

	resp, oerr := svc.Token(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		TenantID:     testTenantID,
		ClientID:     testClientID,
		Code:         code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
	})
	require.Nil(t, oerr)
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.IDToken)
	require.NotEmpty(t, resp.RefreshToken)
}

func TestExchangeAuthCodeWrongVerifierRejected(t *testing.T) {
	svc, _, identityID := newTestProvider(t)
	_, challenge := pkcePair()

	code, err := svc.Authorize(AuthorizeRequest{
		TenantID:            testTenantID,
		IdentityID:          identityID,
		ClientID:            testClientID,
		RedirectURI:         "https://app.example.com/callback",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)

	resp, oerr := svc.Token(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		TenantID:     testTenantID,
		ClientID:     testClientID,
		Code:         code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: "not-the-right-verifier",
	})
	require.Nil(t, resp)
	require.NotNil(t, oerr)
	require.Equal(t, "invalid_grant", oerr.Code)
}

func TestExchangeAuthCodeReplayInvalidatesFirstExchangeTokens(t *testing.T) {
	svc, authnSvc, identityID := newTestProvider(t)
	verifier, challenge := pkcePair()

	code, err := svc.Authorize(AuthorizeRequest{
		TenantID:            testTenantID,
		IdentityID:          identityID,
		ClientID:            testClientID,
		RedirectURI:         "https://app.example.com/callback",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)

	first, oerr := svc.Token(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		TenantID:     testTenantID,
		ClientID:     testClientID,
		Code:         code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
	})
	require.Nil(t, oerr)
	require.NotEmpty(t, first.RefreshToken)

	// Replaying the same code must fail.
	second, oerr := svc.Token(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		TenantID:     testTenantID,
		ClientID:     testClientID,
		Code:         code,
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: verifier,
	})
	require.Nil(t, second)
	require.NotNil(t, oerr)
	require.Equal(t, "invalid_grant", oerr.Code)

	// The tokens issued by the legitimate first exchange must now be dead:
	// refreshing with them must fail because the replay revoked that family.
	_, err = authnSvc.Refresh(context.Background(), testTenantID, first.RefreshToken)
	require.Error(t, err, "a replayed authorization code must invalidate the tokens issued by the first exchange")
}

func TestExchangeAuthCodeUnknownCodeRejected(t *testing.T) {
	svc, _, _ := newTestProvider(t)
	resp, oerr := svc.Token(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		TenantID:     testTenantID,
		ClientID:     testClientID,
		Code:         "never-issued",
		RedirectURI:  "https://app.example.com/callback",
		CodeVerifier: "whatever",
	})
	require.Nil(t, resp)
	require.NotNil(t, oerr)
	require.Equal(t, "invalid_grant", oerr.Code)
}

func TestExchangeAuthCodeWrongRedirectURIRejected(t *testing.T) {
	svc, _, identityID := newTestProvider(t)
	verifier, challenge := pkcePair()
	code, err := svc.Authorize(AuthorizeRequest{
		TenantID:            testTenantID,
		IdentityID:          identityID,
		ClientID:            testClientID,
		RedirectURI:         "https://app.example.com/callback",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	require.NoError(t, err)

	resp, oerr := svc.Token(context.Background(), TokenRequest{
		GrantType:    "authorization_code",
		TenantID:     testTenantID,
		ClientID:     testClientID,
		Code:         code,
		RedirectURI:  "https://evil.example.com/callback",
		CodeVerifier: verifier,
	})
	require.Nil(t, resp)
	require.NotNil(t, oerr)
}
