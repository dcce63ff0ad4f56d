// Package postgres implements store.Storage against PostgreSQL using
// jmoiron/sqlx and lib/pq.
//
// Connection routing is two-tiered: a single shared pool serves every
// shared-isolation tenant (every query predicated on tenant_id), while
// dedicated-isolation tenants get their own lazily-created,
// reference-counted pool that is retired LRU-style when idle.
package postgres

import (
	"container/list"
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"log/slog"

	"github.com/ciamlabs/identity-core/internal/cryptoutil"
	"github.com/ciamlabs/identity-core/internal/store"
)

// DSNResolver returns the decrypted DSN for a dedicated tenant's database,
// given its sealed descriptor. Implemented by internal/tenant, which holds
// the field-encryption key.
type DSNResolver func(tenantID string) (driver, dsn string, ok bool, err error)

// Config configures the gateway.
type Config struct {
	SharedDSN      string
	MaxIdlePools   int           // dedicated pools kept warm before LRU eviction
	IdlePoolTTL    time.Duration // retire a dedicated pool unused for this long
	ResolveDSN     DSNResolver
	Logger         *slog.Logger
}

// Gateway is the tenant-aware connection router. It satisfies
// store.Storage by delegating every call to the shared *queries bound to
// either the shared pool or a dedicated pool, resolved per tenant_id.
type Gateway struct {
	shared *queries
	cfg    Config

	mu       sync.Mutex
	pools    map[string]*dedicatedPool
	lru      *list.List // front = most recently used
	lruElems map[string]*list.Element
}

type dedicatedPool struct {
	db       *sqlx.DB
	q        *queries
	refs     int
	lastUsed time.Time
}

// Open connects the shared pool and returns a ready Gateway.
func Open(cfg Config) (*Gateway, error) {
	db, err := sqlx.Connect("postgres", cfg.SharedDSN)
	if err != nil {
		return nil, fmt.Errorf("connect shared postgres pool: %w", err)
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(10)

	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema to shared pool: %w", err)
	}

	if cfg.MaxIdlePools == 0 {
		cfg.MaxIdlePools = 8
	}
	if cfg.IdlePoolTTL == 0 {
		cfg.IdlePoolTTL = 10 * time.Minute
	}

	return &Gateway{
		shared:   newQueries(db),
		cfg:      cfg,
		pools:    map[string]*dedicatedPool{},
		lru:      list.New(),
		lruElems: map[string]*list.Element{},
	}, nil
}

func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.pools {
		p.db.Close()
	}
	return g.shared.db.Close()
}

// queriesFor resolves the *queries to use for a tenant, opening and
// caching a dedicated pool on first use. Acquisition is fair: a single
// mutex serializes pool creation, but normal query execution against an
// already-open pool does not hold the gateway lock.
func (g *Gateway) queriesFor(tenantID string) (*queries, error) {
	if g.cfg.ResolveDSN == nil {
		return g.shared, nil
	}
	driver, dsn, ok, err := g.cfg.ResolveDSN(tenantID)
	if err != nil {
		return nil, fmt.Errorf("resolve dedicated dsn: %w", err)
	}
	if !ok {
		return g.shared, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if p, ok := g.pools[tenantID]; ok {
		p.refs++
		p.lastUsed = time.Now()
		if el, ok := g.lruElems[tenantID]; ok {
			g.lru.MoveToFront(el)
		}
		return p.q, nil
	}

	g.evictIdleLocked()

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect dedicated pool for tenant %s: %w", tenantID, err)
	}
	db.SetMaxOpenConns(10)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema to dedicated pool for tenant %s: %w", tenantID, err)
	}

	p := &dedicatedPool{db: db, q: newQueries(db), refs: 1, lastUsed: time.Now()}
	g.pools[tenantID] = p
	g.lruElems[tenantID] = g.lru.PushFront(tenantID)

	if g.cfg.Logger != nil {
		g.cfg.Logger.Info("opened dedicated tenant pool", "tenant_id", tenantID)
	}
	return p.q, nil
}

// evictIdleLocked retires dedicated pools that have been idle past
// IdlePoolTTL, or the least-recently-used pool when MaxIdlePools is
// exceeded. Callers must hold g.mu.
func (g *Gateway) evictIdleLocked() {
	now := time.Now()
	for el := g.lru.Back(); el != nil; {
		tenantID := el.Value.(string)
		p, ok := g.pools[tenantID]
		prev := el.Prev()
		if ok && p.refs == 0 && now.Sub(p.lastUsed) > g.cfg.IdlePoolTTL {
			g.retireLocked(tenantID)
		}
		el = prev
	}
	for len(g.pools) >= g.cfg.MaxIdlePools {
		back := g.lru.Back()
		if back == nil {
			return
		}
		tenantID := back.Value.(string)
		if p := g.pools[tenantID]; p != nil && p.refs > 0 {
			return // everything left in use, nothing safe to evict
		}
		g.retireLocked(tenantID)
	}
}

func (g *Gateway) retireLocked(tenantID string) {
	p, ok := g.pools[tenantID]
	if !ok {
		return
	}
	p.db.Close()
	delete(g.pools, tenantID)
	if el, ok := g.lruElems[tenantID]; ok {
		g.lru.Remove(el)
		delete(g.lruElems, tenantID)
	}
}

// requireTenant is the runtime assertion: a repository call
// that somehow reaches here with an empty tenant_id is a programming bug,
// not a user error. It panics so CI catches it loudly instead of silently
// cross-tenant-leaking.
func requireTenant(tenantID string) {
	if tenantID == "" {
		panic("store/postgres: query issued without a tenant_id predicate")
	}
}

// execTx runs fn in a SERIALIZABLE transaction, retrying on Postgres
// serialization failures.
func execTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	for {
		tx, err := db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isSerializationFailure(err) {
				continue
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isSerializationFailure(err) {
				continue
			}
			return err
		}
		return nil
	}
}

func isSerializationFailure(err error) bool {
	return err != nil && fmt.Sprint(err) != "" && containsCode(err, "40001")
}

func containsCode(err error, code string) bool {
	type pqErrCode interface{ SQLState() string }
	if pe, ok := err.(pqErrCode); ok {
		return pe.SQLState() == code
	}
	return false
}

// sealField is a convenience wrapper so repository code reads naturally:
// sealField(key, plaintext) rather than cryptoutil.Seal(plaintext, key).
func sealField(key, plaintext []byte) ([]byte, error) { return cryptoutil.Seal(plaintext, key) }

var _ store.Storage = (*Gateway)(nil)
