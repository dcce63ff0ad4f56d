package postgres

import (
	"time"

	"github.com/ciamlabs/identity-core/internal/fga/fgamodel"
	"github.com/ciamlabs/identity-core/internal/keyring"
	"github.com/ciamlabs/identity-core/internal/model"
	"github.com/ciamlabs/identity-core/internal/store"
)

func (g *Gateway) CreateTenant(t model.Tenant) error { return g.shared.createTenant(t) }

func (g *Gateway) GetTenantByID(id string) (model.Tenant, error) { return g.shared.getTenantByID(id) }

func (g *Gateway) GetTenantBySlug(slug string) (model.Tenant, error) {
	return g.shared.getTenantBySlug(slug)
}

func (g *Gateway) UpdateTenant(id string, updater func(model.Tenant) (model.Tenant, error)) error {
	return g.shared.updateTenant(id, updater)
}

func (g *Gateway) ListTenants() ([]model.Tenant, error) { return g.shared.listTenants() }

func (g *Gateway) GetKeys() (keyring.Keys, error) { return g.shared.getKeys() }

func (g *Gateway) UpdateKeys(updater func(keyring.Keys) (keyring.Keys, error)) error {
	return g.shared.updateKeys(updater)
}

func (g *Gateway) CreateIdentity(tenantID string, i model.Identity) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.createIdentity(tenantID, i)
}

func (g *Gateway) GetIdentityByID(tenantID, id string) (model.Identity, error) {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return model.Identity{}, err
	}
	return q.getIdentityByID(tenantID, id)
}

func (g *Gateway) GetIdentityByEmail(tenantID, email string) (model.Identity, error) {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return model.Identity{}, err
	}
	return q.getIdentityByEmail(tenantID, email)
}

func (g *Gateway) UpdateIdentity(tenantID, id string, updater func(model.Identity) (model.Identity, error)) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.updateIdentity(tenantID, id, updater)
}

func (g *Gateway) DeleteIdentity(tenantID, id string) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.deleteIdentity(tenantID, id)
}

func (g *Gateway) CreateSession(tenantID string, s model.Session) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.createSession(tenantID, s)
}

func (g *Gateway) GetSession(tenantID, familyID string) (model.Session, error) {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return model.Session{}, err
	}
	return q.getSession(tenantID, familyID)
}

func (g *Gateway) UpdateSession(tenantID, familyID string, updater func(model.Session) (model.Session, error)) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.updateSession(tenantID, familyID, updater)
}

func (g *Gateway) RevokeIdentitySessions(tenantID, identityID string) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.revokeIdentitySessions(tenantID, identityID)
}

func (g *Gateway) CreateClient(tenantID string, c model.Client) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.createClient(tenantID, c)
}

func (g *Gateway) GetClient(tenantID, id string) (model.Client, error) {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return model.Client{}, err
	}
	return q.getClient(tenantID, id)
}

func (g *Gateway) ListClients(tenantID string) ([]model.Client, error) {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return nil, err
	}
	return q.listClients(tenantID)
}

func (g *Gateway) UpdateClient(tenantID, id string, updater func(model.Client) (model.Client, error)) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.updateClient(tenantID, id, updater)
}

func (g *Gateway) DeleteClient(tenantID, id string) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.deleteClient(tenantID, id)
}

func (g *Gateway) CreateAuthCode(tenantID string, c model.AuthCodeGrant) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.createAuthCode(tenantID, c)
}

func (g *Gateway) GetAuthCode(tenantID, code string) (model.AuthCodeGrant, error) {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return model.AuthCodeGrant{}, err
	}
	return q.getAuthCode(tenantID, code)
}

func (g *Gateway) DeleteAuthCode(tenantID, code string) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.deleteAuthCode(tenantID, code)
}

func (g *Gateway) CreateExternalProvider(tenantID string, p model.ExternalProvider) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.createExternalProvider(tenantID, p)
}

func (g *Gateway) GetExternalProvider(tenantID, id string) (model.ExternalProvider, error) {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return model.ExternalProvider{}, err
	}
	return q.getExternalProvider(tenantID, id)
}

func (g *Gateway) ListExternalProviders(tenantID string) ([]model.ExternalProvider, error) {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return nil, err
	}
	return q.listExternalProviders(tenantID)
}

func (g *Gateway) UpdateExternalProvider(tenantID, id string, updater func(model.ExternalProvider) (model.ExternalProvider, error)) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.updateExternalProvider(tenantID, id, updater)
}

func (g *Gateway) CreateAuditEvent(e model.AuditEvent) error {
	requireTenant(e.TenantID)
	q, err := g.queriesFor(e.TenantID)
	if err != nil {
		return err
	}
	return q.createAuditEvent(e)
}

func (g *Gateway) CreateFGAStore(tenantID, storeID, name string) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.createFGAStore(tenantID, storeID, name)
}

func (g *Gateway) GetFGAStore(tenantID, storeID string) (store.FGAStoreRecord, error) {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return store.FGAStoreRecord{}, err
	}
	return q.getFGAStore(tenantID, storeID)
}

func (g *Gateway) CreateFGAModelVersion(tenantID, storeID string, version store.FGAModelVersion) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.createFGAModelVersion(tenantID, storeID, version)
}

func (g *Gateway) GetCurrentFGAModelVersion(tenantID, storeID string) (store.FGAModelVersion, error) {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return store.FGAModelVersion{}, err
	}
	return q.getCurrentFGAModelVersion(tenantID, storeID)
}

func (g *Gateway) WriteTuple(tenantID, storeID string, t fgamodel.Tuple) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.writeTuple(tenantID, storeID, t)
}

func (g *Gateway) DeleteTuple(tenantID, storeID string, t fgamodel.Tuple) error {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return err
	}
	return q.deleteTuple(tenantID, storeID, t)
}

func (g *Gateway) ListTuples(tenantID, storeID string, filter fgamodel.TupleFilter) ([]fgamodel.Tuple, error) {
	requireTenant(tenantID)
	q, err := g.queriesFor(tenantID)
	if err != nil {
		return nil, err
	}
	return q.listTuples(tenantID, storeID, filter)
}

// GarbageCollect sweeps the shared pool and every currently-open dedicated
// pool. Idle dedicated pools that have already been evicted are skipped;
// their tenants' expired rows are swept the next time that pool is reopened
// — acceptable, since GC is best-effort housekeeping, not a
// correctness requirement.
func (g *Gateway) GarbageCollect(now time.Time) (store.GCResult, error) {
	total, err := g.shared.garbageCollect(now)
	if err != nil {
		return total, err
	}

	g.mu.Lock()
	pools := make([]*dedicatedPool, 0, len(g.pools))
	for _, p := range g.pools {
		pools = append(pools, p)
	}
	g.mu.Unlock()

	for _, p := range pools {
		r, err := p.q.garbageCollect(now)
		if err != nil {
			return total, err
		}
		total.AuthCodes += r.AuthCodes
		total.AuthRequests += r.AuthRequests
	}
	return total, nil
}
