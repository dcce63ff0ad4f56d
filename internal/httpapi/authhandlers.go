package httpapi

import (
	"net/http"

	"github.com/ciamlabs/identity-core/internal/apierr"
)

type registerRequest struct {
	Tenant      string `json:"tenant"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"displayName"`
}

type registerResponse struct {
	IdentityID string `json:"identityId"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	id, _, err := a.authn.Register(r.Context(), req.Tenant, req.Email, req.Password, req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registerResponse{IdentityID: id})
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if err := a.authn.VerifyEmail(r.Context(), q.Get("tenant_id"), q.Get("token")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

type loginRequest struct {
	Tenant            string `json:"tenant"`
	Email             string `json:"email"`
	Password          string `json:"password"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

type loginResponse struct {
	AccessToken  string `json:"accessToken,omitempty"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresIn    int64  `json:"expiresIn,omitempty"`
	MFARequired  bool   `json:"mfaRequired,omitempty"`
	ChallengeID  string `json:"challengeId,omitempty"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tokens, challenge, err := a.authn.LoginPassword(r.Context(), req.Tenant, req.Email, req.Password, req.DeviceFingerprint, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if challenge != nil {
		writeJSON(w, http.StatusOK, loginResponse{MFARequired: true, ChallengeID: challenge.ID})
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken, ExpiresIn: tokens.ExpiresIn})
}

type completeMFARequest struct {
	Tenant            string `json:"tenant"`
	ChallengeID       string `json:"challengeId"`
	Code              string `json:"code"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

func (a *API) handleCompleteMFA(w http.ResponseWriter, r *http.Request) {
	var req completeMFARequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tokens, err := a.authn.CompleteMFA(r.Context(), req.Tenant, req.ChallengeID, req.Code, req.DeviceFingerprint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken, ExpiresIn: tokens.ExpiresIn})
}

type refreshRequest struct {
	Tenant       string `json:"tenant"`
	RefreshToken string `json:"refreshToken"`
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tokens, err := a.authn.Refresh(r.Context(), req.Tenant, req.RefreshToken)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken, ExpiresIn: tokens.ExpiresIn})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.authn.Logout(r.Context(), req.Tenant, req.RefreshToken); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"loggedOut": true})
}

type forgotPasswordRequest struct {
	Tenant string `json:"tenant"`
	Email  string `json:"email"`
}

func (a *API) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	// ForgotPassword's success shape never reveals whether the email
	// exists, to resist account enumeration. It returns nil for an unknown
	// tenant, an unknown email and a rate-limited request alike, so any
	// well-formed request gets 200.
	if err := a.authn.ForgotPassword(r.Context(), req.Tenant, req.Email); err != nil {
		if apierr.KindOf(err) != apierr.KindNotFound {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

type resetPasswordRequest struct {
	Tenant      string `json:"tenant"`
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

func (a *API) handleResetPassword(w http.ResponseWriter, r *http.Request) {
	var req resetPasswordRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := a.authn.ResetPassword(r.Context(), req.Tenant, req.Token, req.NewPassword); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"reset": true})
}

type meResponse struct {
	IdentityID string `json:"identityId"`
	Email      string `json:"email"`
	Roles      []string `json:"roles"`
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	tenantID, identityID, err := a.identityFromBearer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	identity, err := a.storage.GetIdentityByID(tenantID, identityID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternalError, "load identity", err))
		return
	}
	writeJSON(w, http.StatusOK, meResponse{IdentityID: identity.ID, Email: identity.Email, Roles: identity.Roles})
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	return r.RemoteAddr
}
