// Package httpapi exposes the JSON REST surface that isn't the
// OAuth2/OIDC endpoints (those live in internal/oidcprovider): account
// lifecycle, MFA management, passwordless, and the FGA store/model/tuple/
// check API. Uses the same gorilla/mux + JSON-body request/response idiom
// as internal/oidcprovider, delegating to internal/authn and internal/fga
// for the actual operations.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	jose "gopkg.in/square/go-jose.v2"

	"github.com/ciamlabs/identity-core/internal/apierr"
	"github.com/ciamlabs/identity-core/internal/authn"
	"github.com/ciamlabs/identity-core/internal/fga/cache"
	"github.com/ciamlabs/identity-core/internal/keyring"
	"github.com/ciamlabs/identity-core/internal/store"
)

// API wires the authentication core and FGA engine to HTTP.
type API struct {
	authn   *authn.Service
	fga     *cache.CachedChecker
	storage store.Storage
	keys    *keyring.Ring
}

// New constructs an API. keys is the same signing ring
// internal/oidcprovider verifies access tokens against.
func New(authnSvc *authn.Service, fga *cache.CachedChecker, storage store.Storage, keys *keyring.Ring) *API {
	return &API{authn: authnSvc, fga: fga, storage: storage, keys: keys}
}

// bearerClaims mirrors internal/authn.AccessClaims; see
// internal/oidcprovider/userinfo.go's accessClaims for why this is
// duplicated rather than imported.
type bearerClaims struct {
	Subject   string `json:"sub"`
	TenantID  string `json:"tenant_id"`
	ExpiresAt int64  `json:"exp"`
}

// identityFromBearer resolves the caller's (tenantID, identityID) from the
// bearer access token on /api/auth/me and MFA-management routes. The token
// is verified the same way internal/oidcprovider verifies access tokens;
// duplicated narrowly here (see internal/oidcprovider/userinfo.go) rather
// than imported, to keep this package free of a dependency on the OAuth2
// provider.
func (a *API) identityFromBearer(r *http.Request) (tenantID, identityID string, err error) {
	token, ok := bearerToken(r)
	if !ok {
		return "", "", apierr.New(apierr.KindUnauthorized, "missing bearer token")
	}
	jws, perr := jose.ParseSigned(token)
	if perr != nil {
		return "", "", apierr.New(apierr.KindInvalidToken, "malformed access token")
	}
	var payload []byte
	for _, key := range a.keys.VerificationKeys() {
		if p, verr := jws.Verify(key); verr == nil {
			payload = p
			break
		}
	}
	if payload == nil {
		return "", "", apierr.New(apierr.KindInvalidToken, "access token signature verification failed")
	}
	var claims bearerClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return "", "", apierr.New(apierr.KindInvalidToken, "malformed access token claims")
	}
	if time.Now().UTC().Unix() > claims.ExpiresAt {
		return "", "", apierr.New(apierr.KindExpiredToken, "access token expired")
	}
	return claims.TenantID, claims.Subject, nil
}

// NewRouter builds the mux for every route in this package.
func (a *API) NewRouter() *mux.Router {
	r := mux.NewRouter().SkipClean(true)

	r.HandleFunc("/api/auth/register", a.handleRegister).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/verify-email", a.handleVerifyEmail).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/login", a.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/mfa/complete", a.handleCompleteMFA).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/refresh", a.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/logout", a.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/forgot-password", a.handleForgotPassword).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/reset-password", a.handleResetPassword).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/me", a.handleMe).Methods(http.MethodGet)

	r.HandleFunc("/api/mfa/enroll/totp", a.handleEnrollTOTP).Methods(http.MethodPost)
	r.HandleFunc("/api/mfa/totp/{methodId}/verify", a.handleVerifyTOTPEnrollment).Methods(http.MethodPost)
	r.HandleFunc("/api/mfa/methods", a.handleListMFAMethods).Methods(http.MethodGet)
	r.HandleFunc("/api/mfa/backup-codes/regenerate", a.handleRegenerateBackupCodes).Methods(http.MethodPost)

	r.HandleFunc("/api/tenants/{tid}/passwordless/start", a.handlePasswordlessStart).Methods(http.MethodPost)
	r.HandleFunc("/api/tenants/{tid}/passwordless/verify", a.handlePasswordlessVerify).Methods(http.MethodPost)

	r.HandleFunc("/api/fga/stores", a.handleCreateFGAStore).Methods(http.MethodPost)
	r.HandleFunc("/api/fga/stores/{sid}/models", a.handleCreateFGAModel).Methods(http.MethodPost)
	r.HandleFunc("/api/fga/stores/{sid}/tuples", a.handleWriteTuples).Methods(http.MethodPost)
	r.HandleFunc("/api/fga/stores/{sid}/check", a.handleFGACheck).Methods(http.MethodPost)
	r.HandleFunc("/api/fga/stores/{sid}/expand", a.handleFGAExpand).Methods(http.MethodGet)
	r.HandleFunc("/api/fga/stores/{sid}/list-objects", a.handleFGAListObjects).Methods(http.MethodPost)

	r.HandleFunc("/authz/forward-auth", a.handleForwardAuth).Methods(http.MethodGet)

	return r
}

// errorBody is the non-OAuth2 error shape: {error, message}.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	kind := apierr.KindOf(err)
	writeJSON(w, statusForKind(kind), errorBody{Error: string(kind), Message: err.Error()})
}

func statusForKind(kind apierr.Kind) int {
	switch kind {
	case apierr.KindInvalidRequest, apierr.KindValidationError:
		return http.StatusBadRequest
	case apierr.KindUnauthorized, apierr.KindInvalidToken, apierr.KindExpiredToken:
		return http.StatusUnauthorized
	case apierr.KindForbidden, apierr.KindLocked, apierr.KindTenantSuspended:
		return http.StatusForbidden
	case apierr.KindNotFound:
		return http.StatusNotFound
	case apierr.KindConflict:
		return http.StatusConflict
	case apierr.KindRateLimited:
		return http.StatusTooManyRequests
	case apierr.KindMfaRequired:
		return http.StatusUnauthorized
	case apierr.KindTimeout:
		return http.StatusGatewayTimeout
	case apierr.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.Wrap(apierr.KindInvalidRequest, "malformed JSON body", err)
	}
	return nil
}

// bearerToken extracts the raw token from an "Authorization: Bearer ..." header.
func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}
