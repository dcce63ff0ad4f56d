// Package memory is an in-process implementation of store.Storage, used
// by unit tests and local development: a single mutex-guarded set of
// maps, with update methods implemented as read-modify-write under the
// same lock.
package memory

import (
	"sort"
	"sync"
	"time"

	"github.com/ciamlabs/identity-core/internal/fga/fgamodel"
	"github.com/ciamlabs/identity-core/internal/keyring"
	"github.com/ciamlabs/identity-core/internal/model"
	"github.com/ciamlabs/identity-core/internal/store"
)

type tenantKey struct{ tenantID, id string }

type store_ struct {
	mu sync.Mutex

	tenants        map[string]model.Tenant // by id
	tenantBySlug   map[string]string       // slug -> id
	keys           keyring.Keys

	identities     map[tenantKey]model.Identity
	identityByMail map[[2]string]string // [tenantID, email] -> id

	sessions map[tenantKey]model.Session

	clients map[tenantKey]model.Client

	authCodes map[tenantKey]model.AuthCodeGrant

	providers map[tenantKey]model.ExternalProvider

	audit []model.AuditEvent

	fgaStores   map[tenantKey]store.FGAStoreRecord
	fgaVersions map[string][]store.FGAModelVersion // storeID -> versions, last is current
	tuples      map[string][]fgamodel.Tuple         // storeID -> tuples
}

// New returns an empty in-memory store.
func New() store.Storage {
	return &store_{
		tenants:        map[string]model.Tenant{},
		tenantBySlug:   map[string]string{},
		identities:     map[tenantKey]model.Identity{},
		identityByMail: map[[2]string]string{},
		sessions:       map[tenantKey]model.Session{},
		clients:        map[tenantKey]model.Client{},
		authCodes:      map[tenantKey]model.AuthCodeGrant{},
		providers:      map[tenantKey]model.ExternalProvider{},
		fgaStores:      map[tenantKey]store.FGAStoreRecord{},
		fgaVersions:    map[string][]store.FGAModelVersion{},
		tuples:         map[string][]fgamodel.Tuple{},
	}
}

func (s *store_) Close() error { return nil }

func (s *store_) CreateTenant(t model.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return store.ErrAlreadyExists
	}
	if _, ok := s.tenantBySlug[t.Slug]; ok {
		return store.ErrAlreadyExists
	}
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now
	s.tenants[t.ID] = t
	s.tenantBySlug[t.Slug] = t.ID
	return nil
}

func (s *store_) GetTenantByID(id string) (model.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return model.Tenant{}, store.ErrNotFound
	}
	return t, nil
}

func (s *store_) GetTenantBySlug(slug string) (model.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tenantBySlug[slug]
	if !ok {
		return model.Tenant{}, store.ErrNotFound
	}
	return s.tenants[id], nil
}

func (s *store_) UpdateTenant(id string, updater func(model.Tenant) (model.Tenant, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return store.ErrNotFound
	}
	updated, err := updater(t)
	if err != nil {
		return err
	}
	updated.UpdatedAt = time.Now().UTC()
	s.tenants[id] = updated
	return nil
}

func (s *store_) ListTenants() ([]model.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *store_) GetKeys() (keyring.Keys, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keys, nil
}

func (s *store_) UpdateKeys(updater func(keyring.Keys) (keyring.Keys, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated, err := updater(s.keys)
	if err != nil {
		return err
	}
	s.keys = updated
	return nil
}

func (s *store_) CreateIdentity(tenantID string, i model.Identity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mk := [2]string{tenantID, i.Email}
	if _, ok := s.identityByMail[mk]; ok {
		return store.ErrAlreadyExists
	}
	now := time.Now().UTC()
	i.TenantID = tenantID
	i.CreatedAt, i.UpdatedAt = now, now
	s.identities[tenantKey{tenantID, i.ID}] = i
	s.identityByMail[mk] = i.ID
	return nil
}

func (s *store_) GetIdentityByID(tenantID, id string) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.identities[tenantKey{tenantID, id}]
	if !ok {
		return model.Identity{}, store.ErrNotFound
	}
	return i, nil
}

func (s *store_) GetIdentityByEmail(tenantID, email string) (model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.identityByMail[[2]string{tenantID, email}]
	if !ok {
		return model.Identity{}, store.ErrNotFound
	}
	return s.identities[tenantKey{tenantID, id}], nil
}

func (s *store_) UpdateIdentity(tenantID, id string, updater func(model.Identity) (model.Identity, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, id}
	i, ok := s.identities[key]
	if !ok {
		return store.ErrNotFound
	}
	updated, err := updater(i)
	if err != nil {
		return err
	}
	updated.UpdatedAt = time.Now().UTC()
	if updated.Email != i.Email {
		delete(s.identityByMail, [2]string{tenantID, i.Email})
		s.identityByMail[[2]string{tenantID, updated.Email}] = id
	}
	s.identities[key] = updated
	return nil
}

func (s *store_) DeleteIdentity(tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, id}
	i, ok := s.identities[key]
	if !ok {
		return store.ErrNotFound
	}
	delete(s.identities, key)
	delete(s.identityByMail, [2]string{tenantID, i.Email})
	return nil
}

func (s *store_) CreateSession(tenantID string, sess model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, sess.FamilyID}
	if _, ok := s.sessions[key]; ok {
		return store.ErrAlreadyExists
	}
	sess.TenantID = tenantID
	s.sessions[key] = sess
	return nil
}

func (s *store_) GetSession(tenantID, familyID string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tenantKey{tenantID, familyID}]
	if !ok {
		return model.Session{}, store.ErrNotFound
	}
	return sess, nil
}

func (s *store_) UpdateSession(tenantID, familyID string, updater func(model.Session) (model.Session, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, familyID}
	sess, ok := s.sessions[key]
	if !ok {
		return store.ErrNotFound
	}
	updated, err := updater(sess)
	if err != nil {
		return err
	}
	s.sessions[key] = updated
	return nil
}

func (s *store_) RevokeIdentitySessions(tenantID, identityID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, sess := range s.sessions {
		if key.tenantID == tenantID && sess.IdentityID == identityID {
			sess.Revoked = true
			s.sessions[key] = sess
		}
	}
	return nil
}

func (s *store_) CreateClient(tenantID string, c model.Client) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, c.ID}
	if _, ok := s.clients[key]; ok {
		return store.ErrAlreadyExists
	}
	c.TenantID = tenantID
	s.clients[key] = c
	return nil
}

func (s *store_) GetClient(tenantID, id string) (model.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[tenantKey{tenantID, id}]
	if !ok {
		return model.Client{}, store.ErrNotFound
	}
	return c, nil
}

func (s *store_) ListClients(tenantID string) ([]model.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Client
	for key, c := range s.clients {
		if key.tenantID == tenantID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *store_) UpdateClient(tenantID, id string, updater func(model.Client) (model.Client, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, id}
	c, ok := s.clients[key]
	if !ok {
		return store.ErrNotFound
	}
	updated, err := updater(c)
	if err != nil {
		return err
	}
	s.clients[key] = updated
	return nil
}

func (s *store_) DeleteClient(tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, id}
	if _, ok := s.clients[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.clients, key)
	return nil
}

func (s *store_) CreateAuthCode(tenantID string, c model.AuthCodeGrant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, c.Code}
	if _, ok := s.authCodes[key]; ok {
		return store.ErrAlreadyExists
	}
	c.TenantID = tenantID
	s.authCodes[key] = c
	return nil
}

func (s *store_) GetAuthCode(tenantID, code string) (model.AuthCodeGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.authCodes[tenantKey{tenantID, code}]
	if !ok {
		return model.AuthCodeGrant{}, store.ErrNotFound
	}
	return c, nil
}

func (s *store_) DeleteAuthCode(tenantID, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, code}
	if _, ok := s.authCodes[key]; !ok {
		return store.ErrNotFound
	}
	delete(s.authCodes, key)
	return nil
}

func (s *store_) CreateExternalProvider(tenantID string, p model.ExternalProvider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, p.ID}
	if _, ok := s.providers[key]; ok {
		return store.ErrAlreadyExists
	}
	p.TenantID = tenantID
	s.providers[key] = p
	return nil
}

func (s *store_) GetExternalProvider(tenantID, id string) (model.ExternalProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.providers[tenantKey{tenantID, id}]
	if !ok {
		return model.ExternalProvider{}, store.ErrNotFound
	}
	return p, nil
}

func (s *store_) ListExternalProviders(tenantID string) ([]model.ExternalProvider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ExternalProvider
	for key, p := range s.providers {
		if key.tenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *store_) UpdateExternalProvider(tenantID, id string, updater func(model.ExternalProvider) (model.ExternalProvider, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, id}
	p, ok := s.providers[key]
	if !ok {
		return store.ErrNotFound
	}
	updated, err := updater(p)
	if err != nil {
		return err
	}
	s.providers[key] = updated
	return nil
}

func (s *store_) CreateAuditEvent(e model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, e)
	return nil
}

func (s *store_) CreateFGAStore(tenantID, storeID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey{tenantID, storeID}
	if _, ok := s.fgaStores[key]; ok {
		return store.ErrAlreadyExists
	}
	s.fgaStores[key] = store.FGAStoreRecord{ID: storeID, TenantID: tenantID, Name: name, CreatedAt: time.Now().UTC()}
	return nil
}

func (s *store_) GetFGAStore(tenantID, storeID string) (store.FGAStoreRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.fgaStores[tenantKey{tenantID, storeID}]
	if !ok {
		return store.FGAStoreRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *store_) CreateFGAModelVersion(tenantID, storeID string, version store.FGAModelVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.fgaVersions[storeID]
	for i := range versions {
		versions[i].Current = false
	}
	version.Current = true
	version.CreatedAt = time.Now().UTC()
	s.fgaVersions[storeID] = append(versions, version)
	return nil
}

func (s *store_) GetCurrentFGAModelVersion(tenantID, storeID string) (store.FGAModelVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions := s.fgaVersions[storeID]
	for _, v := range versions {
		if v.Current {
			return v, nil
		}
	}
	return store.FGAModelVersion{}, store.ErrNotFound
}

func tupleEqual(a, b fgamodel.Tuple) bool {
	return a.Object == b.Object && a.Relation == b.Relation && a.Subject == b.Subject
}

func (s *store_) WriteTuple(tenantID, storeID string, t fgamodel.Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tuples[storeID] {
		if tupleEqual(existing, t) {
			return nil // idempotent
		}
	}
	s.tuples[storeID] = append(s.tuples[storeID], t)
	return nil
}

func (s *store_) DeleteTuple(tenantID, storeID string, t fgamodel.Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tuples := s.tuples[storeID]
	for i, existing := range tuples {
		if tupleEqual(existing, t) {
			s.tuples[storeID] = append(tuples[:i], tuples[i+1:]...)
			return nil
		}
	}
	return nil // idempotent: deleting a non-existent tuple is not an error
}

func (s *store_) ListTuples(tenantID, storeID string, filter fgamodel.TupleFilter) ([]fgamodel.Tuple, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []fgamodel.Tuple
	for _, t := range s.tuples[storeID] {
		if filter.Matches(t) {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *store_) GarbageCollect(now time.Time) (store.GCResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result store.GCResult
	for key, c := range s.authCodes {
		if now.After(c.ExpiresAt) {
			delete(s.authCodes, key)
			result.AuthCodes++
		}
	}
	return result, nil
}
