package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/google/uuid"

	"github.com/ciamlabs/identity-core/internal/apierr"
	"github.com/ciamlabs/identity-core/internal/fga/fgamodel"
	"github.com/ciamlabs/identity-core/internal/store"
)

// parseObjectRef parses "type:id" into an fgamodel.ObjectRef.
func parseObjectRef(s string) (fgamodel.ObjectRef, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return fgamodel.ObjectRef{}, apierr.New(apierr.KindInvalidRequest, "object must be of the form type:id")
	}
	return fgamodel.ObjectRef{Type: parts[0], ID: parts[1]}, nil
}

// parseSubject parses "type:id" or "type:id#relation" into an
// fgamodel.Subject.
func parseSubject(s string) (fgamodel.Subject, error) {
	typeAndRest := strings.SplitN(s, ":", 2)
	if len(typeAndRest) != 2 {
		return fgamodel.Subject{}, apierr.New(apierr.KindInvalidRequest, "subject must be of the form type:id or type:id#relation")
	}
	idAndRelation := strings.SplitN(typeAndRest[1], "#", 2)
	subj := fgamodel.Subject{Type: typeAndRest[0], ID: idAndRelation[0]}
	if len(idAndRelation) == 2 {
		subj.Relation = idAndRelation[1]
	}
	return subj, nil
}

type createStoreRequest struct {
	Name string `json:"name"`
}

func (a *API) handleCreateFGAStore(w http.ResponseWriter, r *http.Request) {
	tenantID, _, err := a.identityFromBearer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createStoreRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	storeID := uuid.NewString()
	if err := a.storage.CreateFGAStore(tenantID, storeID, req.Name); err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternalError, "create fga store", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": storeID, "name": req.Name})
}

type createModelRequest struct {
	Model fgamodel.AuthorizationModel `json:"model"`
}

func (a *API) handleCreateFGAModel(w http.ResponseWriter, r *http.Request) {
	tenantID, _, err := a.identityFromBearer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	storeID := mux.Vars(r)["sid"]
	var req createModelRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	version := store.FGAModelVersion{ID: uuid.NewString(), StoreID: storeID, Model: req.Model, Current: true}
	if err := a.storage.CreateFGAModelVersion(tenantID, storeID, version); err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternalError, "create fga model version", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": version.ID})
}

type tupleWire struct {
	Object   string `json:"object"`
	Relation string `json:"relation"`
	Subject  string `json:"subject"`
}

type writeTuplesRequest struct {
	Writes  []tupleWire `json:"writes"`
	Deletes []tupleWire `json:"deletes"`
}

func (a *API) handleWriteTuples(w http.ResponseWriter, r *http.Request) {
	tenantID, _, err := a.identityFromBearer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	storeID := mux.Vars(r)["sid"]
	var req writeTuplesRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	for _, tw := range req.Writes {
		t, err := toTuple(tw)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := a.storage.WriteTuple(tenantID, storeID, t); err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternalError, "write tuple", err))
			return
		}
		_ = a.fga.InvalidateObject(r.Context(), tenantID, storeID, t.Object)
	}
	for _, tw := range req.Deletes {
		t, err := toTuple(tw)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := a.storage.DeleteTuple(tenantID, storeID, t); err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternalError, "delete tuple", err))
			return
		}
		_ = a.fga.InvalidateObject(r.Context(), tenantID, storeID, t.Object)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func toTuple(tw tupleWire) (fgamodel.Tuple, error) {
	obj, err := parseObjectRef(tw.Object)
	if err != nil {
		return fgamodel.Tuple{}, err
	}
	subj, err := parseSubject(tw.Subject)
	if err != nil {
		return fgamodel.Tuple{}, err
	}
	return fgamodel.Tuple{Object: obj, Relation: tw.Relation, Subject: subj}, nil
}

type checkRequest struct {
	Object   string `json:"object"`
	Relation string `json:"relation"`
	Subject  string `json:"subject"`
}

func (a *API) currentModelVersion(tenantID, storeID string) (string, error) {
	v, err := a.storage.GetCurrentFGAModelVersion(tenantID, storeID)
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternalError, "load current fga model version", err)
	}
	return v.ID, nil
}

func (a *API) handleFGACheck(w http.ResponseWriter, r *http.Request) {
	tenantID, _, err := a.identityFromBearer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	storeID := mux.Vars(r)["sid"]
	var req checkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	obj, err := parseObjectRef(req.Object)
	if err != nil {
		writeError(w, err)
		return
	}
	subj, err := parseSubject(req.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	modelVersion, err := a.currentModelVersion(tenantID, storeID)
	if err != nil {
		writeError(w, err)
		return
	}
	allowed, err := a.fga.Check(r.Context(), tenantID, storeID, modelVersion, obj, req.Relation, subj)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"allowed": allowed})
}

func (a *API) handleFGAExpand(w http.ResponseWriter, r *http.Request) {
	tenantID, _, err := a.identityFromBearer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	storeID := mux.Vars(r)["sid"]
	q := r.URL.Query()
	obj, err := parseObjectRef(q.Get("object"))
	if err != nil {
		writeError(w, err)
		return
	}
	node, err := a.fga.Resolver().Expand(tenantID, storeID, obj, q.Get("relation"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

type listObjectsRequest struct {
	ObjectType string `json:"objectType"`
	Relation   string `json:"relation"`
	Subject    string `json:"subject"`
	MaxResults int    `json:"maxResults"`
}

const defaultListObjectsPageSize = 200

func (a *API) handleFGAListObjects(w http.ResponseWriter, r *http.Request) {
	tenantID, _, err := a.identityFromBearer(r)
	if err != nil {
		writeError(w, err)
		return
	}
	storeID := mux.Vars(r)["sid"]
	var req listObjectsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	subj, err := parseSubject(req.Subject)
	if err != nil {
		writeError(w, err)
		return
	}
	maxResults := req.MaxResults
	if maxResults <= 0 || maxResults > defaultListObjectsPageSize {
		maxResults = defaultListObjectsPageSize
	}
	objects, err := a.fga.Resolver().ListObjects(r.Context(), tenantID, storeID, req.ObjectType, req.Relation, subj, maxResults)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"objects": objects, "truncated": len(objects) == maxResults})
}

// handleForwardAuth implements the `/authz/forward-auth` proxy contract: an
// ingress (nginx auth_request, the identity proxy itself) calls this to ask
// "is this bearer token valid", getting back 200 with identity headers or 401.
func (a *API) handleForwardAuth(w http.ResponseWriter, r *http.Request) {
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
	w.Header().Set("X-Identity-User-Id", identity.ID)
	w.Header().Set("X-Identity-User-Email", identity.Email)
	w.Header().Set("X-Identity-Tenant-Id", identity.TenantID)
	if len(identity.Roles) > 0 {
		w.Header().Set("X-Identity-Role", identity.Roles[0])
	}
	w.WriteHeader(http.StatusOK)
}
