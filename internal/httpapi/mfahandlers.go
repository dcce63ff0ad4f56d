package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (a *API) handleEnrollTOTP(w http.ResponseWriter, r *http.Request) {
	tenantID, identityID, err := a.identityFromBearer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	factorID, otpauthURL, err := a.authn.EnrollTOTP(r.Context(), tenantID, identityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"methodId": factorID, "otpauthUrl": otpauthURL})
}

type verifyTOTPRequest struct {
	Code string `json:"code"`
}

func (a *API) handleVerifyTOTPEnrollment(w http.ResponseWriter, r *http.Request) {
	tenantID, identityID, err := a.identityFromBearer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req verifyTOTPRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	methodID := mux.Vars(r)["methodId"]
	if err := a.authn.ConfirmTOTPEnrollment(r.Context(), tenantID, identityID, methodID, req.Code); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
}

func (a *API) handleListMFAMethods(w http.ResponseWriter, r *http.Request) {
	tenantID, identityID, err := a.identityFromBearer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	methods, err := a.authn.ListMFAMethods(r.Context(), tenantID, identityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"methods": methods})
}

func (a *API) handleRegenerateBackupCodes(w http.ResponseWriter, r *http.Request) {
	tenantID, identityID, err := a.identityFromBearer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	codes, err := a.authn.RegenerateBackupCodes(r.Context(), tenantID, identityID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"codes": codes})
}

type passwordlessStartRequest struct {
	Email string `json:"email"`
}

func (a *API) handlePasswordlessStart(w http.ResponseWriter, r *http.Request) {
	tenantSlug := mux.Vars(r)["tid"]
	var req passwordlessStartRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.authn.PasswordlessStart(r.Context(), tenantSlug, req.Email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"sent": true})
}

type passwordlessVerifyRequest struct {
	Token             string `json:"token"`
	DeviceFingerprint string `json:"deviceFingerprint"`
}

func (a *API) handlePasswordlessVerify(w http.ResponseWriter, r *http.Request) {
	tenantID := mux.Vars(r)["tid"]
	var req passwordlessVerifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	tokens, err := a.authn.PasswordlessVerify(r.Context(), tenantID, req.Token, req.DeviceFingerprint)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{AccessToken: tokens.AccessToken, RefreshToken: tokens.RefreshToken, ExpiresIn: tokens.ExpiresIn})
}
