// Package store defines the tenant-aware persistent-store gateway. Every
// method takes a tenant_id (or is itself the lookup key that encodes one);
// the gateway's job is to resolve the right connection — the shared pool
// with a tenant_id predicate, or a dedicated per-tenant pool — and to
// never let a call through without that predicate.
//
// The interface is small, flat CRUD methods plus a handful of
// updater-function based compare-and-swap operations for objects that are
// mutated concurrently (the signing key ring, a session family's current
// refresh token).
package store

import (
	"time"

	"github.com/ciamlabs/identity-core/internal/fga/fgamodel"
	"github.com/ciamlabs/identity-core/internal/keyring"
	"github.com/ciamlabs/identity-core/internal/model"
)

// Storage is the full persistent-store gateway interface. Implementations
// must support atomic compare-and-swap updates and standardize on UTC.
type Storage interface {
	Close() error

	// Tenants (global: not scoped by tenant, they ARE the partition key).
	CreateTenant(t model.Tenant) error
	GetTenantByID(id string) (model.Tenant, error)
	GetTenantBySlug(slug string) (model.Tenant, error)
	UpdateTenant(id string, updater func(model.Tenant) (model.Tenant, error)) error
	ListTenants() ([]model.Tenant, error)

	// Signing key ring (global).
	GetKeys() (keyring.Keys, error)
	UpdateKeys(updater func(keyring.Keys) (keyring.Keys, error)) error

	// Identities.
	CreateIdentity(tenantID string, i model.Identity) error
	GetIdentityByID(tenantID, id string) (model.Identity, error)
	GetIdentityByEmail(tenantID, email string) (model.Identity, error)
	UpdateIdentity(tenantID, id string, updater func(model.Identity) (model.Identity, error)) error
	DeleteIdentity(tenantID, id string) error

	// Sessions (refresh-token families).
	CreateSession(tenantID string, s model.Session) error
	GetSession(tenantID, familyID string) (model.Session, error)
	UpdateSession(tenantID, familyID string, updater func(model.Session) (model.Session, error)) error
	RevokeIdentitySessions(tenantID, identityID string) error

	// OAuth2 clients.
	CreateClient(tenantID string, c model.Client) error
	GetClient(tenantID, id string) (model.Client, error)
	ListClients(tenantID string) ([]model.Client, error)
	UpdateClient(tenantID, id string, updater func(model.Client) (model.Client, error)) error
	DeleteClient(tenantID, id string) error

	// Authorization code grants.
	CreateAuthCode(tenantID string, c model.AuthCodeGrant) error
	GetAuthCode(tenantID, code string) (model.AuthCodeGrant, error)
	DeleteAuthCode(tenantID, code string) error

	// External (inbound) OIDC providers.
	CreateExternalProvider(tenantID string, p model.ExternalProvider) error
	GetExternalProvider(tenantID, id string) (model.ExternalProvider, error)
	ListExternalProviders(tenantID string) ([]model.ExternalProvider, error)
	UpdateExternalProvider(tenantID, id string, updater func(model.ExternalProvider) (model.ExternalProvider, error)) error

	// Audit events (append-only).
	CreateAuditEvent(e model.AuditEvent) error

	// FGA stores, model versions, and tuples.
	CreateFGAStore(tenantID, storeID, name string) error
	GetFGAStore(tenantID, storeID string) (FGAStoreRecord, error)
	CreateFGAModelVersion(tenantID, storeID string, version FGAModelVersion) error
	GetCurrentFGAModelVersion(tenantID, storeID string) (FGAModelVersion, error)
	WriteTuple(tenantID, storeID string, t fgamodel.Tuple) error
	DeleteTuple(tenantID, storeID string, t fgamodel.Tuple) error
	ListTuples(tenantID, storeID string, filter fgamodel.TupleFilter) ([]fgamodel.Tuple, error)

	// GarbageCollect deletes expired auth codes. No implementation stores
	// auth requests, so GCResult.AuthRequests is always zero.
	GarbageCollect(now time.Time) (GCResult, error)
}

// FGAStoreRecord is the tenant-scoped namespace row for an FGA store.
type FGAStoreRecord struct {
	ID        string
	TenantID  string
	Name      string
	CreatedAt time.Time
}

// FGAModelVersion is one immutable authorization-model document version.
type FGAModelVersion struct {
	ID        string
	StoreID   string
	Model     fgamodel.AuthorizationModel
	CreatedAt time.Time
	Current   bool
}

// GCResult reports how many rows garbage collection removed.
type GCResult struct {
	AuthCodes    int64
	AuthRequests int64
}

// ErrNotFound is returned by storages when a resource cannot be located.
var ErrNotFound = storageNotFound{}

type storageNotFound struct{}

func (storageNotFound) Error() string { return "not found" }

// ErrAlreadyExists is returned on duplicate-key inserts.
var ErrAlreadyExists = storageExists{}

type storageExists struct{}

func (storageExists) Error() string { return "already exists" }
