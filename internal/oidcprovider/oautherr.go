package oidcprovider

import (
	"net/http"

	"github.com/ciamlabs/identity-core/internal/apierr"
)

// OAuthError is the RFC 6749 `{error, error_description}` shape the token
// and authorization endpoints translate every internal error kind into.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
	Status      int    `json:"-"`
}

func (e *OAuthError) Error() string { return e.Code + ": " + e.Description }

// newOAuthError maps an apierr.Kind (and, for a handful of auth-core
// kinds, its subcode) onto the RFC 6749 error codes named:
// invalid_request, invalid_client, invalid_grant, unsupported_grant_type,
// invalid_scope.
func newOAuthError(err error) *OAuthError {
	kind := apierr.KindOf(err)
	desc := err.Error()

	switch kind {
	case apierr.KindUnauthorized, apierr.KindInvalidToken, apierr.KindExpiredToken, apierr.KindLocked, apierr.KindTenantSuspended:
		return &OAuthError{Code: "invalid_grant", Description: desc, Status: http.StatusBadRequest}
	case apierr.KindValidationError, apierr.KindNotFound:
		return &OAuthError{Code: "invalid_request", Description: desc, Status: http.StatusBadRequest}
	case apierr.KindForbidden:
		return &OAuthError{Code: "invalid_client", Description: desc, Status: http.StatusUnauthorized}
	case apierr.KindRateLimited:
		return &OAuthError{Code: "invalid_request", Description: "rate limited", Status: http.StatusTooManyRequests}
	default:
		return &OAuthError{Code: "server_error", Description: "internal error", Status: http.StatusInternalServerError}
	}
}

func errInvalidClient(desc string) *OAuthError {
	return &OAuthError{Code: "invalid_client", Description: desc, Status: http.StatusUnauthorized}
}

func errInvalidRequest(desc string) *OAuthError {
	return &OAuthError{Code: "invalid_request", Description: desc, Status: http.StatusBadRequest}
}

func errInvalidGrant(desc string) *OAuthError {
	return &OAuthError{Code: "invalid_grant", Description: desc, Status: http.StatusBadRequest}
}

func errUnsupportedGrantType(desc string) *OAuthError {
	return &OAuthError{Code: "unsupported_grant_type", Description: desc, Status: http.StatusBadRequest}
}

func errInvalidScope(desc string) *OAuthError {
	return &OAuthError{Code: "invalid_scope", Description: desc, Status: http.StatusBadRequest}
}
