// Package oidcprovider implements the OAuth2/OIDC authorization server:
// discovery, JWKS, the authorization-code flow with PKCE, the token
// endpoint's three grants, userinfo, and inbound OIDC federation from
// third-party IdPs. Every operation is tenant-scoped and authenticates
// directly against internal/authn rather than through an external
// connector.
package oidcprovider

import (
	"time"

	"github.com/ciamlabs/identity-core/internal/authn"
	"github.com/ciamlabs/identity-core/internal/keyring"
	"github.com/ciamlabs/identity-core/internal/kv"
	"github.com/ciamlabs/identity-core/internal/store"
	"github.com/ciamlabs/identity-core/internal/tenant"
)

// DefaultCodeTTL is the authorization code lifetime bound: short enough
// that a captured code is useless a few minutes after issuance.
const DefaultCodeTTL = 10 * time.Minute

// SupportedScopes, ResponseTypes, and GrantTypes are advertised verbatim
// in the discovery document.
var (
	SupportedScopes = []string{"openid", "profile", "email", "offline_access"}
	ResponseTypes   = []string{"code"}
	GrantTypes      = []string{"authorization_code", "refresh_token", "client_credentials"}
	PKCEMethods     = []string{"S256"}
)

// Service implements every OIDC-provider operation.
type Service struct {
	storage  store.Storage
	cache    kv.Store
	keys     *keyring.Ring
	registry *tenant.Registry
	authn    *authn.Service
	issuer   string
	codeTTL  time.Duration
	fek      []byte // seals/opens ExternalProvider client secrets at rest
}

// New constructs a Service. issuer is the externally-visible base URL
// advertised in discovery and embedded as the `iss` claim. fek is the
// AES-256 key used to seal/open external-provider client secrets, shared
// with internal/authn's field-encryption key.
func New(storage store.Storage, cache kv.Store, keys *keyring.Ring, registry *tenant.Registry, authnSvc *authn.Service, issuer string, fek []byte) *Service {
	return &Service{
		storage:  storage,
		cache:    cache,
		keys:     keys,
		registry: registry,
		authn:    authnSvc,
		issuer:   issuer,
		codeTTL:  DefaultCodeTTL,
		fek:      fek,
	}
}

// Discovery is the JSON document served at
// /.well-known/openid-configuration.
type Discovery struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	JWKSURI                           string   `json:"jwks_uri"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// Discover builds the discovery document. base is the provider's external
// base URL (e.g. "https://auth.example.com"), used to build absolute
// endpoint URLs.
func (s *Service) Discover(base string) Discovery {
	return Discovery{
		Issuer:                            s.issuer,
		AuthorizationEndpoint:             base + "/authorize",
		TokenEndpoint:                     base + "/token",
		UserinfoEndpoint:                  base + "/userinfo",
		JWKSURI:                           base + "/.well-known/jwks.json",
		ScopesSupported:                   SupportedScopes,
		ResponseTypesSupported:            ResponseTypes,
		GrantTypesSupported:               GrantTypes,
		CodeChallengeMethodsSupported:     PKCEMethods,
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"RS256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post", "none"},
	}
}

// JWKS returns the JWK Set of every key currently in the signing ring
// (active and retired), for GET /.well-known/jwks.json.
func (s *Service) JWKS() interface{} { return s.keys.JWKS() }
