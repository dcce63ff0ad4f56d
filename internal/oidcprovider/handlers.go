package oidcprovider

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"

	"github.com/ciamlabs/identity-core/internal/apierr"
)

// NewRouter builds the OIDC-provider HTTP surface: discovery, JWKS,
// /authorize, /token, /userinfo, and the inbound-federation routes, each
// mounted under a tenant-scoped path prefix. loginURL is the Universal
// Login base the /authorize endpoint redirects unauthenticated callers to.
func (s *Service) NewRouter(loginURL string) *mux.Router {
	r := mux.NewRouter().SkipClean(true).UseEncodedPath()
	r.HandleFunc("/t/{tenant}/.well-known/openid-configuration", s.handleDiscovery).Methods(http.MethodGet)
	r.HandleFunc("/t/{tenant}/.well-known/jwks.json", s.handleJWKS).Methods(http.MethodGet)
	r.HandleFunc("/t/{tenant}/authorize", s.handleAuthorize(loginURL)).Methods(http.MethodGet)
	r.HandleFunc("/t/{tenant}/token", s.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/t/{tenant}/userinfo", s.handleUserinfo).Methods(http.MethodGet)
	r.HandleFunc("/t/{tenant}/federation/{provider}/start", s.handleFederationStart).Methods(http.MethodGet)
	r.HandleFunc("/t/{tenant}/federation/{provider}/callback", s.handleFederationCallback).Methods(http.MethodGet)
	return r
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeOAuthError(w http.ResponseWriter, oe *OAuthError) {
	status := oe.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, oe)
}

func (s *Service) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	base := "https://" + r.Host + "/t/" + mux.Vars(r)["tenant"]
	writeJSON(w, http.StatusOK, s.Discover(base))
}

func (s *Service) handleJWKS(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.JWKS())
}

func (s *Service) handleAuthorize(loginURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID := mux.Vars(r)["tenant"]
		q := r.URL.Query()

		if q.Get("response_type") != "code" {
			writeOAuthError(w, errUnsupportedGrantType("only response_type=code is supported"))
			return
		}

		identityID, err := s.identityFromCookie(r.Context(), r, tenantID)
		if err != nil {
			continuation := url.QueryEscape(r.URL.RequestURI())
			http.Redirect(w, r, loginURL+"?continue="+continuation, http.StatusSeeOther)
			return
		}

		req := AuthorizeRequest{
			TenantID:            tenantID,
			IdentityID:          identityID,
			ClientID:            q.Get("client_id"),
			RedirectURI:         q.Get("redirect_uri"),
			Scopes:              strings.Fields(q.Get("scope")),
			State:               q.Get("state"),
			CodeChallenge:       q.Get("code_challenge"),
			CodeChallengeMethod: q.Get("code_challenge_method"),
			Nonce:               q.Get("nonce"),
		}
		code, err := s.Authorize(req)
		if err != nil {
			writeOAuthError(w, newOAuthError(err))
			return
		}

		redirectTo, perr := url.Parse(req.RedirectURI)
		if perr != nil {
			writeOAuthError(w, errInvalidRequest("malformed redirect_uri"))
			return
		}
		values := redirectTo.Query()
		values.Set("code", code)
		if req.State != "" {
			values.Set("state", req.State)
		}
		redirectTo.RawQuery = values.Encode()
		http.Redirect(w, r, redirectTo.String(), http.StatusSeeOther)
	}
}

func (s *Service) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, errInvalidRequest("malformed form body"))
		return
	}
	tenantID := mux.Vars(r)["tenant"]
	clientID, clientSecret, hasBasicAuth := r.BasicAuth()
	if !hasBasicAuth {
		clientID = r.PostForm.Get("client_id")
		clientSecret = r.PostForm.Get("client_secret")
	}

	req := TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		TenantID:     tenantID,
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Scope:        r.PostForm.Get("scope"),
	}

	resp, oerr := s.Token(r.Context(), req)
	if oerr != nil {
		writeOAuthError(w, oerr)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}

func (s *Service) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		writeOAuthError(w, errInvalidClient("missing bearer token"))
		return
	}
	claims, err := s.Userinfo(strings.TrimPrefix(auth, prefix))
	if err != nil {
		writeOAuthError(w, newOAuthError(err))
		return
	}
	writeJSON(w, http.StatusOK, claims)
}

func (s *Service) handleFederationStart(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	redirectURL, err := s.FederationStart(r.Context(), vars["tenant"], vars["provider"], r.URL.Query().Get("return_to"))
	if err != nil {
		writeOAuthError(w, newOAuthError(err))
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusSeeOther)
}

func (s *Service) handleFederationCallback(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	q := r.URL.Query()
	if q.Get("state") == "" || q.Get("code") == "" {
		writeOAuthError(w, errInvalidRequest("missing state or code"))
		return
	}
	identityID, returnTo, err := s.FederationCallback(r.Context(), vars["tenant"], q.Get("state"), q.Get("code"))
	if err != nil {
		writeOAuthError(w, newOAuthError(apierr.Wrap(apierr.KindOf(err), "federation callback", err)))
		return
	}
	if err := s.setLoginSessionCookie(r.Context(), w, vars["tenant"], identityID); err != nil {
		writeOAuthError(w, newOAuthError(err))
		return
	}
	if returnTo == "" {
		returnTo = "/"
	}
	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}
