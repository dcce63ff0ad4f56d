package postgres

import "github.com/jmoiron/sqlx"

// schemaDDL creates every table the gateway queries against. Applied to the
// shared pool each time the gateway opens, and to a dedicated pool each
// time one is opened (again after an eviction). A single idempotent statement
// set rather than a versioned migration list, since this module has no
// schema-version table of its own.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS tenants (
	id          TEXT PRIMARY KEY,
	slug        TEXT UNIQUE NOT NULL,
	isolation   TEXT NOT NULL,
	status      TEXT NOT NULL,
	security    JSONB NOT NULL,
	rate_limit  JSONB NOT NULL,
	branding    JSONB NOT NULL,
	dedicated   JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS signing_keys (
	id                 TEXT PRIMARY KEY,
	signing_key        JSONB NOT NULL,
	signing_key_pub    JSONB NOT NULL,
	verification_keys  JSONB NOT NULL,
	next_rotation      TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS identities (
	id                 TEXT NOT NULL,
	tenant_id          TEXT NOT NULL,
	email              TEXT NOT NULL,
	email_verified     BOOLEAN NOT NULL DEFAULT false,
	phone              TEXT,
	password_verifier  JSONB,
	display_name       TEXT NOT NULL DEFAULT '',
	roles              JSONB NOT NULL DEFAULT '[]',
	failed_attempts    INT NOT NULL DEFAULT 0,
	locked_until       TIMESTAMPTZ,
	mfa_factors        JSONB NOT NULL DEFAULT '[]',
	backup_codes       JSONB NOT NULL DEFAULT '[]',
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id),
	UNIQUE (tenant_id, email)
);

CREATE TABLE IF NOT EXISTS sessions (
	family_id           TEXT NOT NULL,
	tenant_id           TEXT NOT NULL,
	identity_id         TEXT NOT NULL,
	current_token_hash  BYTEA NOT NULL,
	device_fingerprint  TEXT NOT NULL DEFAULT '',
	issued_at           TIMESTAMPTZ NOT NULL,
	expires_at          TIMESTAMPTZ NOT NULL,
	revoked             BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (tenant_id, family_id)
);
CREATE INDEX IF NOT EXISTS sessions_identity_idx ON sessions (tenant_id, identity_id);

CREATE TABLE IF NOT EXISTS clients (
	id                           TEXT NOT NULL,
	tenant_id                    TEXT NOT NULL,
	hashed_secret                BYTEA,
	redirect_uris                JSONB NOT NULL DEFAULT '[]',
	allowed_grants               JSONB NOT NULL DEFAULT '[]',
	access_token_ttl_seconds     BIGINT NOT NULL,
	refresh_token_ttl_seconds    BIGINT NOT NULL,
	require_pkce                 BOOLEAN NOT NULL DEFAULT true,
	type                         TEXT NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS auth_codes (
	code                     TEXT NOT NULL,
	tenant_id                TEXT NOT NULL,
	client_id                TEXT NOT NULL,
	identity_id              TEXT NOT NULL,
	code_challenge           TEXT NOT NULL DEFAULT '',
	code_challenge_method    TEXT NOT NULL DEFAULT '',
	scopes                   JSONB NOT NULL DEFAULT '[]',
	redirect_uri             TEXT NOT NULL,
	nonce                    TEXT NOT NULL DEFAULT '',
	session_family_id        TEXT NOT NULL DEFAULT '',
	expires_at               TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, code)
);
CREATE INDEX IF NOT EXISTS auth_codes_expiry_idx ON auth_codes (expires_at);

CREATE TABLE IF NOT EXISTS external_providers (
	id                    TEXT NOT NULL,
	tenant_id             TEXT NOT NULL,
	issuer                TEXT NOT NULL,
	authorization_url     TEXT NOT NULL DEFAULT '',
	token_url             TEXT NOT NULL DEFAULT '',
	userinfo_url          TEXT NOT NULL DEFAULT '',
	jwks_url              TEXT NOT NULL DEFAULT '',
	client_id             TEXT NOT NULL,
	sealed_secret         BYTEA,
	scopes                JSONB NOT NULL DEFAULT '[]',
	groups_claim_path     TEXT NOT NULL DEFAULT '',
	group_role_mapping    JSONB NOT NULL DEFAULT '{}',
	enabled               BOOLEAN NOT NULL DEFAULT true,
	domain_hint           TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS audit_events (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	actor_id    TEXT NOT NULL DEFAULT '',
	kind        TEXT NOT NULL,
	target      TEXT NOT NULL DEFAULT '',
	ip          TEXT NOT NULL DEFAULT '',
	user_agent  TEXT NOT NULL DEFAULT '',
	timestamp   TIMESTAMPTZ NOT NULL,
	result      TEXT NOT NULL,
	payload     JSONB NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS audit_events_tenant_idx ON audit_events (tenant_id, timestamp);

CREATE TABLE IF NOT EXISTS fga_stores (
	id          TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	name        TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS fga_model_versions (
	id          TEXT NOT NULL,
	store_id    TEXT NOT NULL,
	tenant_id   TEXT NOT NULL,
	model       JSONB NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	current     BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (store_id, id)
);
CREATE INDEX IF NOT EXISTS fga_model_versions_current_idx ON fga_model_versions (tenant_id, store_id, current);

CREATE TABLE IF NOT EXISTS fga_tuples (
	tenant_id         TEXT NOT NULL,
	store_id          TEXT NOT NULL,
	object_type       TEXT NOT NULL,
	object_id         TEXT NOT NULL,
	relation          TEXT NOT NULL,
	subject_type      TEXT NOT NULL,
	subject_id        TEXT NOT NULL,
	subject_relation  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, store_id, object_type, object_id, relation, subject_type, subject_id, subject_relation)
);
CREATE INDEX IF NOT EXISTS fga_tuples_lookup_idx ON fga_tuples (tenant_id, store_id, object_type, object_id, relation);
CREATE INDEX IF NOT EXISTS fga_tuples_reverse_idx ON fga_tuples (tenant_id, store_id, subject_type, subject_id, relation);
`

// ensureSchema applies schemaDDL against db. Safe to call repeatedly: every
// statement is idempotent (IF NOT EXISTS).
func ensureSchema(db *sqlx.DB) error {
	_, err := db.Exec(schemaDDL)
	return err
}
