package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ciamlabs/identity-core/internal/fga/fgamodel"
	"github.com/ciamlabs/identity-core/internal/keyring"
	"github.com/ciamlabs/identity-core/internal/model"
	"github.com/ciamlabs/identity-core/internal/store"
)

// jsonColumn wraps a Go value so database/sql marshals/unmarshals it as a
// JSON(B) column via driver.Valuer/sql.Scanner.
type jsonColumn struct{ v interface{} }

func (j jsonColumn) Value() (driver.Value, error) {
	b, err := json.Marshal(j.v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanJSON(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// queries is the SQL repository bound to one pool (shared or one
// dedicated tenant pool).
type queries struct {
	db *sqlx.DB
}

func newQueries(db *sqlx.DB) *queries { return &queries{db: db} }

func pgUnique(err error) bool {
	type sqlState interface{ SQLState() string }
	var se sqlState
	if errors.As(err, &se) {
		return se.SQLState() == "23505"
	}
	return false
}

// --- tenants -----------------------------------------------------------

func (q *queries) createTenant(t model.Tenant) error {
	now := time.Now().UTC()
	_, err := q.db.Exec(
		`INSERT INTO tenants (id, slug, isolation, status, security, rate_limit, branding, dedicated, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`,
		t.ID, t.Slug, t.Isolation, t.Status,
		jsonColumn{t.Security}, jsonColumn{t.RateLimit}, jsonColumn{t.Branding}, jsonColumn{t.Dedicated}, now,
	)
	if err != nil {
		if pgUnique(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

type tenantRow struct {
	ID        string    `db:"id"`
	Slug      string    `db:"slug"`
	Isolation string    `db:"isolation"`
	Status    string    `db:"status"`
	Security  []byte    `db:"security"`
	RateLimit []byte    `db:"rate_limit"`
	Branding  []byte    `db:"branding"`
	Dedicated []byte    `db:"dedicated"`
	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

func (r tenantRow) toModel() (model.Tenant, error) {
	t := model.Tenant{
		ID: r.ID, Slug: r.Slug,
		Isolation: model.IsolationMode(r.Isolation),
		Status:    model.TenantStatus(r.Status),
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if err := scanJSON(r.Security, &t.Security); err != nil {
		return t, err
	}
	if err := scanJSON(r.RateLimit, &t.RateLimit); err != nil {
		return t, err
	}
	if err := scanJSON(r.Branding, &t.Branding); err != nil {
		return t, err
	}
	if len(r.Dedicated) > 0 && string(r.Dedicated) != "null" {
		t.Dedicated = &model.DedicatedConnDescriptor{}
		if err := scanJSON(r.Dedicated, t.Dedicated); err != nil {
			return t, err
		}
	}
	return t, nil
}

func (q *queries) getTenantByID(id string) (model.Tenant, error) {
	var r tenantRow
	if err := q.db.Get(&r, `SELECT * FROM tenants WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Tenant{}, store.ErrNotFound
		}
		return model.Tenant{}, err
	}
	return r.toModel()
}

func (q *queries) getTenantBySlug(slug string) (model.Tenant, error) {
	var r tenantRow
	if err := q.db.Get(&r, `SELECT * FROM tenants WHERE slug = $1`, slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Tenant{}, store.ErrNotFound
		}
		return model.Tenant{}, err
	}
	return r.toModel()
}

func (q *queries) updateTenant(id string, updater func(model.Tenant) (model.Tenant, error)) error {
	return execTx(context.Background(), q.db, func(tx *sqlx.Tx) error {
		var r tenantRow
		if err := tx.Get(&r, `SELECT * FROM tenants WHERE id = $1 FOR UPDATE`, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			return err
		}
		cur, err := r.toModel()
		if err != nil {
			return err
		}
		updated, err := updater(cur)
		if err != nil {
			return err
		}
		updated.UpdatedAt = time.Now().UTC()
		_, err = tx.Exec(
			`UPDATE tenants SET slug=$2, isolation=$3, status=$4, security=$5, rate_limit=$6, branding=$7, dedicated=$8, updated_at=$9 WHERE id=$1`,
			id, updated.Slug, updated.Isolation, updated.Status,
			jsonColumn{updated.Security}, jsonColumn{updated.RateLimit}, jsonColumn{updated.Branding}, jsonColumn{updated.Dedicated}, updated.UpdatedAt,
		)
		return err
	})
}

func (q *queries) listTenants() ([]model.Tenant, error) {
	var rows []tenantRow
	if err := q.db.Select(&rows, `SELECT * FROM tenants ORDER BY id`); err != nil {
		return nil, err
	}
	out := make([]model.Tenant, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// --- signing key ring (global, keyed by a single well-known row id) ----

const keysRowID = "keys"

type keysRow struct {
	ID               string `db:"id"`
	SigningKey       []byte `db:"signing_key"`
	SigningKeyPub    []byte `db:"signing_key_pub"`
	VerificationKeys []byte `db:"verification_keys"`
	NextRotation     time.Time `db:"next_rotation"`
}

func (q *queries) getKeys() (keyring.Keys, error) {
	var r keysRow
	err := q.db.Get(&r, `SELECT * FROM signing_keys WHERE id = $1`, keysRowID)
	if errors.Is(err, sql.ErrNoRows) {
		return keyring.Keys{}, nil
	}
	if err != nil {
		return keyring.Keys{}, err
	}
	var keys keyring.Keys
	if err := scanJSON(r.SigningKey, &keys.SigningKey); err != nil {
		return keys, err
	}
	if err := scanJSON(r.SigningKeyPub, &keys.SigningKeyPub); err != nil {
		return keys, err
	}
	if err := scanJSON(r.VerificationKeys, &keys.VerificationKeys); err != nil {
		return keys, err
	}
	keys.NextRotation = r.NextRotation
	return keys, nil
}

func (q *queries) updateKeys(updater func(keyring.Keys) (keyring.Keys, error)) error {
	return execTx(context.Background(), q.db, func(tx *sqlx.Tx) error {
		var r keysRow
		err := tx.Get(&r, `SELECT * FROM signing_keys WHERE id = $1 FOR UPDATE`, keysRowID)
		var cur keyring.Keys
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil {
			if err := scanJSON(r.SigningKey, &cur.SigningKey); err != nil {
				return err
			}
			if err := scanJSON(r.SigningKeyPub, &cur.SigningKeyPub); err != nil {
				return err
			}
			if err := scanJSON(r.VerificationKeys, &cur.VerificationKeys); err != nil {
				return err
			}
			cur.NextRotation = r.NextRotation
		}
		updated, err := updater(cur)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`INSERT INTO signing_keys (id, signing_key, signing_key_pub, verification_keys, next_rotation)
			 VALUES ($1,$2,$3,$4,$5)
			 ON CONFLICT (id) DO UPDATE SET signing_key=$2, signing_key_pub=$3, verification_keys=$4, next_rotation=$5`,
			keysRowID, jsonColumn{updated.SigningKey}, jsonColumn{updated.SigningKeyPub}, jsonColumn{updated.VerificationKeys}, updated.NextRotation,
		)
		return err
	})
}

// --- identities ----------------------------------------------------------

type identityRow struct {
	ID               string         `db:"id"`
	TenantID         string         `db:"tenant_id"`
	Email            string         `db:"email"`
	EmailVerified    bool           `db:"email_verified"`
	Phone            sql.NullString `db:"phone"`
	PasswordVerifier []byte         `db:"password_verifier"`
	DisplayName      string         `db:"display_name"`
	Roles            []byte         `db:"roles"`
	FailedAttempts   int            `db:"failed_attempts"`
	LockedUntil      sql.NullTime   `db:"locked_until"`
	MFAFactors       []byte         `db:"mfa_factors"`
	BackupCodes      []byte         `db:"backup_codes"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (r identityRow) toModel() (model.Identity, error) {
	i := model.Identity{
		ID: r.ID, TenantID: r.TenantID, Email: r.Email, EmailVerified: r.EmailVerified,
		Phone: r.Phone.String, DisplayName: r.DisplayName, FailedAttempts: r.FailedAttempts,
		CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt,
	}
	if r.LockedUntil.Valid {
		i.LockedUntil = &r.LockedUntil.Time
	}
	if len(r.PasswordVerifier) > 0 {
		i.PasswordVerifier = &model.PasswordEnvelope{}
		if err := scanJSON(r.PasswordVerifier, i.PasswordVerifier); err != nil {
			return i, err
		}
	}
	if err := scanJSON(r.Roles, &i.Roles); err != nil {
		return i, err
	}
	if err := scanJSON(r.MFAFactors, &i.MFAFactors); err != nil {
		return i, err
	}
	if err := scanJSON(r.BackupCodes, &i.BackupCodes); err != nil {
		return i, err
	}
	return i, nil
}

func (q *queries) createIdentity(tenantID string, i model.Identity) error {
	now := time.Now().UTC()
	var locked interface{}
	if i.LockedUntil != nil {
		locked = *i.LockedUntil
	}
	_, err := q.db.Exec(
		`INSERT INTO identities (id, tenant_id, email, email_verified, phone, password_verifier, display_name, roles, failed_attempts, locked_until, mfa_factors, backup_codes, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)`,
		i.ID, tenantID, i.Email, i.EmailVerified, i.Phone, jsonColumn{i.PasswordVerifier}, i.DisplayName,
		jsonColumn{i.Roles}, i.FailedAttempts, locked, jsonColumn{i.MFAFactors}, jsonColumn{i.BackupCodes}, now,
	)
	if err != nil {
		if pgUnique(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("create identity: %w", err)
	}
	return nil
}

func (q *queries) getIdentityByID(tenantID, id string) (model.Identity, error) {
	var r identityRow
	err := q.db.Get(&r, `SELECT * FROM identities WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Identity{}, store.ErrNotFound
	}
	if err != nil {
		return model.Identity{}, err
	}
	return r.toModel()
}

func (q *queries) getIdentityByEmail(tenantID, email string) (model.Identity, error) {
	var r identityRow
	err := q.db.Get(&r, `SELECT * FROM identities WHERE tenant_id = $1 AND email = $2`, tenantID, email)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Identity{}, store.ErrNotFound
	}
	if err != nil {
		return model.Identity{}, err
	}
	return r.toModel()
}

func (q *queries) updateIdentity(tenantID, id string, updater func(model.Identity) (model.Identity, error)) error {
	return execTx(context.Background(), q.db, func(tx *sqlx.Tx) error {
		var r identityRow
		err := tx.Get(&r, `SELECT * FROM identities WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := r.toModel()
		if err != nil {
			return err
		}
		updated, err := updater(cur)
		if err != nil {
			return err
		}
		updated.UpdatedAt = time.Now().UTC()
		var locked interface{}
		if updated.LockedUntil != nil {
			locked = *updated.LockedUntil
		}
		_, err = tx.Exec(
			`UPDATE identities SET email=$3, email_verified=$4, phone=$5, password_verifier=$6, display_name=$7, roles=$8, failed_attempts=$9, locked_until=$10, mfa_factors=$11, backup_codes=$12, updated_at=$13
			 WHERE tenant_id=$1 AND id=$2`,
			tenantID, id, updated.Email, updated.EmailVerified, updated.Phone, jsonColumn{updated.PasswordVerifier},
			updated.DisplayName, jsonColumn{updated.Roles}, updated.FailedAttempts, locked,
			jsonColumn{updated.MFAFactors}, jsonColumn{updated.BackupCodes}, updated.UpdatedAt,
		)
		return err
	})
}

func (q *queries) deleteIdentity(tenantID, id string) error {
	res, err := q.db.Exec(`DELETE FROM identities WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- sessions ------------------------------------------------------------

type sessionRow struct {
	FamilyID          string    `db:"family_id"`
	TenantID          string    `db:"tenant_id"`
	IdentityID        string    `db:"identity_id"`
	CurrentTokenHash  []byte    `db:"current_token_hash"`
	DeviceFingerprint string    `db:"device_fingerprint"`
	IssuedAt          time.Time `db:"issued_at"`
	ExpiresAt         time.Time `db:"expires_at"`
	Revoked           bool      `db:"revoked"`
}

func (r sessionRow) toModel() model.Session {
	return model.Session{
		FamilyID: r.FamilyID, TenantID: r.TenantID, IdentityID: r.IdentityID,
		CurrentTokenHash: r.CurrentTokenHash, DeviceFingerprint: r.DeviceFingerprint,
		IssuedAt: r.IssuedAt, ExpiresAt: r.ExpiresAt, Revoked: r.Revoked,
	}
}

func (q *queries) createSession(tenantID string, s model.Session) error {
	_, err := q.db.Exec(
		`INSERT INTO sessions (family_id, tenant_id, identity_id, current_token_hash, device_fingerprint, issued_at, expires_at, revoked)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		s.FamilyID, tenantID, s.IdentityID, s.CurrentTokenHash, s.DeviceFingerprint, s.IssuedAt, s.ExpiresAt, s.Revoked,
	)
	if err != nil {
		if pgUnique(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (q *queries) getSession(tenantID, familyID string) (model.Session, error) {
	var r sessionRow
	err := q.db.Get(&r, `SELECT * FROM sessions WHERE tenant_id = $1 AND family_id = $2`, tenantID, familyID)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, store.ErrNotFound
	}
	if err != nil {
		return model.Session{}, err
	}
	return r.toModel(), nil
}

// updateSession runs the updater under the row lock (SELECT ... FOR
// UPDATE) used to serialize concurrent refresh-token exchanges within one
// family.
func (q *queries) updateSession(tenantID, familyID string, updater func(model.Session) (model.Session, error)) error {
	return execTx(context.Background(), q.db, func(tx *sqlx.Tx) error {
		var r sessionRow
		err := tx.Get(&r, `SELECT * FROM sessions WHERE tenant_id = $1 AND family_id = $2 FOR UPDATE`, tenantID, familyID)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		updated, err := updater(r.toModel())
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`UPDATE sessions SET current_token_hash=$3, device_fingerprint=$4, expires_at=$5, revoked=$6 WHERE tenant_id=$1 AND family_id=$2`,
			tenantID, familyID, updated.CurrentTokenHash, updated.DeviceFingerprint, updated.ExpiresAt, updated.Revoked,
		)
		return err
	})
}

func (q *queries) revokeIdentitySessions(tenantID, identityID string) error {
	_, err := q.db.Exec(`UPDATE sessions SET revoked = true WHERE tenant_id = $1 AND identity_id = $2`, tenantID, identityID)
	return err
}

// --- clients ---------------------------------------------------------------

type clientRow struct {
	ID              string `db:"id"`
	TenantID        string `db:"tenant_id"`
	HashedSecret    []byte `db:"hashed_secret"`
	RedirectURIs    []byte `db:"redirect_uris"`
	AllowedGrants   []byte `db:"allowed_grants"`
	AccessTokenTTL  int64  `db:"access_token_ttl_seconds"`
	RefreshTokenTTL int64  `db:"refresh_token_ttl_seconds"`
	RequirePKCE     bool   `db:"require_pkce"`
	Type            string `db:"type"`
}

func (r clientRow) toModel() (model.Client, error) {
	c := model.Client{
		ID: r.ID, TenantID: r.TenantID, HashedSecret: r.HashedSecret,
		AccessTokenTTL:  time.Duration(r.AccessTokenTTL) * time.Second,
		RefreshTokenTTL: time.Duration(r.RefreshTokenTTL) * time.Second,
		RequirePKCE:     r.RequirePKCE, Type: model.AppType(r.Type),
	}
	if err := scanJSON(r.RedirectURIs, &c.RedirectURIs); err != nil {
		return c, err
	}
	if err := scanJSON(r.AllowedGrants, &c.AllowedGrants); err != nil {
		return c, err
	}
	return c, nil
}

func (q *queries) createClient(tenantID string, c model.Client) error {
	_, err := q.db.Exec(
		`INSERT INTO clients (id, tenant_id, hashed_secret, redirect_uris, allowed_grants, access_token_ttl_seconds, refresh_token_ttl_seconds, require_pkce, type)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.ID, tenantID, c.HashedSecret, jsonColumn{c.RedirectURIs}, jsonColumn{c.AllowedGrants},
		int64(c.AccessTokenTTL/time.Second), int64(c.RefreshTokenTTL/time.Second), c.RequirePKCE, c.Type,
	)
	if err != nil {
		if pgUnique(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("create client: %w", err)
	}
	return nil
}

func (q *queries) getClient(tenantID, id string) (model.Client, error) {
	var r clientRow
	err := q.db.Get(&r, `SELECT * FROM clients WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Client{}, store.ErrNotFound
	}
	if err != nil {
		return model.Client{}, err
	}
	return r.toModel()
}

func (q *queries) listClients(tenantID string) ([]model.Client, error) {
	var rows []clientRow
	if err := q.db.Select(&rows, `SELECT * FROM clients WHERE tenant_id = $1 ORDER BY id`, tenantID); err != nil {
		return nil, err
	}
	out := make([]model.Client, 0, len(rows))
	for _, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

func (q *queries) updateClient(tenantID, id string, updater func(model.Client) (model.Client, error)) error {
	return execTx(context.Background(), q.db, func(tx *sqlx.Tx) error {
		var r clientRow
		err := tx.Get(&r, `SELECT * FROM clients WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := r.toModel()
		if err != nil {
			return err
		}
		updated, err := updater(cur)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`UPDATE clients SET hashed_secret=$3, redirect_uris=$4, allowed_grants=$5, access_token_ttl_seconds=$6, refresh_token_ttl_seconds=$7, require_pkce=$8, type=$9
			 WHERE tenant_id=$1 AND id=$2`,
			tenantID, id, updated.HashedSecret, jsonColumn{updated.RedirectURIs}, jsonColumn{updated.AllowedGrants},
			int64(updated.AccessTokenTTL/time.Second), int64(updated.RefreshTokenTTL/time.Second), updated.RequirePKCE, updated.Type,
		)
		return err
	})
}

func (q *queries) deleteClient(tenantID, id string) error {
	res, err := q.db.Exec(`DELETE FROM clients WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- auth code grants --------------------------------------------------

type authCodeRow struct {
	Code                string    `db:"code"`
	TenantID            string    `db:"tenant_id"`
	ClientID            string    `db:"client_id"`
	IdentityID          string    `db:"identity_id"`
	CodeChallenge       string    `db:"code_challenge"`
	CodeChallengeMethod string    `db:"code_challenge_method"`
	Scopes              []byte    `db:"scopes"`
	RedirectURI         string    `db:"redirect_uri"`
	Nonce               string    `db:"nonce"`
	SessionFamilyID     string    `db:"session_family_id"`
	ExpiresAt           time.Time `db:"expires_at"`
}

func (r authCodeRow) toModel() (model.AuthCodeGrant, error) {
	c := model.AuthCodeGrant{
		Code: r.Code, TenantID: r.TenantID, ClientID: r.ClientID, IdentityID: r.IdentityID,
		CodeChallenge: r.CodeChallenge, CodeChallengeMethod: r.CodeChallengeMethod,
		RedirectURI: r.RedirectURI, Nonce: r.Nonce, SessionFamilyID: r.SessionFamilyID, ExpiresAt: r.ExpiresAt,
	}
	if err := scanJSON(r.Scopes, &c.Scopes); err != nil {
		return c, err
	}
	return c, nil
}

func (q *queries) createAuthCode(tenantID string, c model.AuthCodeGrant) error {
	_, err := q.db.Exec(
		`INSERT INTO auth_codes (code, tenant_id, client_id, identity_id, code_challenge, code_challenge_method, scopes, redirect_uri, nonce, session_family_id, expires_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		c.Code, tenantID, c.ClientID, c.IdentityID, c.CodeChallenge, c.CodeChallengeMethod,
		jsonColumn{c.Scopes}, c.RedirectURI, c.Nonce, c.SessionFamilyID, c.ExpiresAt,
	)
	if err != nil {
		if pgUnique(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("create auth code: %w", err)
	}
	return nil
}

func (q *queries) getAuthCode(tenantID, code string) (model.AuthCodeGrant, error) {
	var r authCodeRow
	err := q.db.Get(&r, `SELECT * FROM auth_codes WHERE tenant_id = $1 AND code = $2`, tenantID, code)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AuthCodeGrant{}, store.ErrNotFound
	}
	if err != nil {
		return model.AuthCodeGrant{}, err
	}
	return r.toModel()
}

// deleteAuthCode removes the code row. Single-use enforcement is the
// caller's responsibility: the token endpoint claims each code with a
// create-if-absent marker in the fast KV store before reading the row, so a
// concurrent replay fails on the marker. This delete is a separate
// statement, not part of a transaction.
func (q *queries) deleteAuthCode(tenantID, code string) error {
	res, err := q.db.Exec(`DELETE FROM auth_codes WHERE tenant_id = $1 AND code = $2`, tenantID, code)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- external OIDC providers --------------------------------------------

type providerRow struct {
	ID               string `db:"id"`
	TenantID         string `db:"tenant_id"`
	Issuer           string `db:"issuer"`
	AuthorizationURL string `db:"authorization_url"`
	TokenURL         string `db:"token_url"`
	UserinfoURL      string `db:"userinfo_url"`
	JWKSURL          string `db:"jwks_url"`
	ClientID         string `db:"client_id"`
	SealedSecret     []byte `db:"sealed_secret"`
	Scopes           []byte `db:"scopes"`
	GroupsClaimPath  string `db:"groups_claim_path"`
	GroupRoleMapping []byte `db:"group_role_mapping"`
	Enabled          bool   `db:"enabled"`
	DomainHint       string `db:"domain_hint"`
}

func (r providerRow) toModel() (model.ExternalProvider, error) {
	p := model.ExternalProvider{
		ID: r.ID, TenantID: r.TenantID, Issuer: r.Issuer, AuthorizationURL: r.AuthorizationURL,
		TokenURL: r.TokenURL, UserinfoURL: r.UserinfoURL, JWKSURL: r.JWKSURL, ClientID: r.ClientID,
		SealedSecret: r.SealedSecret, GroupsClaimPath: r.GroupsClaimPath, Enabled: r.Enabled, DomainHint: r.DomainHint,
	}
	if err := scanJSON(r.Scopes, &p.Scopes); err != nil {
		return p, err
	}
	if err := scanJSON(r.GroupRoleMapping, &p.GroupRoleMapping); err != nil {
		return p, err
	}
	return p, nil
}

func (q *queries) createExternalProvider(tenantID string, p model.ExternalProvider) error {
	_, err := q.db.Exec(
		`INSERT INTO external_providers (id, tenant_id, issuer, authorization_url, token_url, userinfo_url, jwks_url, client_id, sealed_secret, scopes, groups_claim_path, group_role_mapping, enabled, domain_hint)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		p.ID, tenantID, p.Issuer, p.AuthorizationURL, p.TokenURL, p.UserinfoURL, p.JWKSURL, p.ClientID,
		p.SealedSecret, jsonColumn{p.Scopes}, p.GroupsClaimPath, jsonColumn{p.GroupRoleMapping}, p.Enabled, p.DomainHint,
	)
	if err != nil {
		if pgUnique(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("create external provider: %w", err)
	}
	return nil
}

func (q *queries) getExternalProvider(tenantID, id string) (model.ExternalProvider, error) {
	var r providerRow
	err := q.db.Get(&r, `SELECT * FROM external_providers WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ExternalProvider{}, store.ErrNotFound
	}
	if err != nil {
		return model.ExternalProvider{}, err
	}
	return r.toModel()
}

func (q *queries) listExternalProviders(tenantID string) ([]model.ExternalProvider, error) {
	var rows []providerRow
	if err := q.db.Select(&rows, `SELECT * FROM external_providers WHERE tenant_id = $1 ORDER BY id`, tenantID); err != nil {
		return nil, err
	}
	out := make([]model.ExternalProvider, 0, len(rows))
	for _, r := range rows {
		p, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (q *queries) updateExternalProvider(tenantID, id string, updater func(model.ExternalProvider) (model.ExternalProvider, error)) error {
	return execTx(context.Background(), q.db, func(tx *sqlx.Tx) error {
		var r providerRow
		err := tx.Get(&r, `SELECT * FROM external_providers WHERE tenant_id = $1 AND id = $2 FOR UPDATE`, tenantID, id)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := r.toModel()
		if err != nil {
			return err
		}
		updated, err := updater(cur)
		if err != nil {
			return err
		}
		_, err = tx.Exec(
			`UPDATE external_providers SET issuer=$3, authorization_url=$4, token_url=$5, userinfo_url=$6, jwks_url=$7, client_id=$8, sealed_secret=$9, scopes=$10, groups_claim_path=$11, group_role_mapping=$12, enabled=$13, domain_hint=$14
			 WHERE tenant_id=$1 AND id=$2`,
			tenantID, id, updated.Issuer, updated.AuthorizationURL, updated.TokenURL, updated.UserinfoURL, updated.JWKSURL,
			updated.ClientID, updated.SealedSecret, jsonColumn{updated.Scopes}, updated.GroupsClaimPath,
			jsonColumn{updated.GroupRoleMapping}, updated.Enabled, updated.DomainHint,
		)
		return err
	})
}

// --- audit events (append-only) -----------------------------------------

func (q *queries) createAuditEvent(e model.AuditEvent) error {
	_, err := q.db.Exec(
		`INSERT INTO audit_events (id, tenant_id, actor_id, kind, target, ip, user_agent, timestamp, result, payload)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		e.ID, e.TenantID, e.ActorID, e.Kind, e.Target, e.IP, e.UserAgent, e.Timestamp, e.Result, jsonColumn{e.Payload},
	)
	return err
}

// --- FGA stores / model versions / tuples --------------------------------

func (q *queries) createFGAStore(tenantID, storeID, name string) error {
	_, err := q.db.Exec(
		`INSERT INTO fga_stores (id, tenant_id, name, created_at) VALUES ($1,$2,$3,$4)`,
		storeID, tenantID, name, time.Now().UTC(),
	)
	if err != nil {
		if pgUnique(err) {
			return store.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (q *queries) getFGAStore(tenantID, storeID string) (store.FGAStoreRecord, error) {
	var rec struct {
		ID        string    `db:"id"`
		TenantID  string    `db:"tenant_id"`
		Name      string    `db:"name"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := q.db.Get(&rec, `SELECT * FROM fga_stores WHERE tenant_id = $1 AND id = $2`, tenantID, storeID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.FGAStoreRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.FGAStoreRecord{}, err
	}
	return store.FGAStoreRecord{ID: rec.ID, TenantID: rec.TenantID, Name: rec.Name, CreatedAt: rec.CreatedAt}, nil
}

func (q *queries) createFGAModelVersion(tenantID, storeID string, version store.FGAModelVersion) error {
	return execTx(context.Background(), q.db, func(tx *sqlx.Tx) error {
		if _, err := tx.Exec(`UPDATE fga_model_versions SET current = false WHERE store_id = $1`, storeID); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT INTO fga_model_versions (id, store_id, tenant_id, model, created_at, current) VALUES ($1,$2,$3,$4,$5,true)`,
			version.ID, storeID, tenantID, jsonColumn{version.Model}, time.Now().UTC(),
		)
		return err
	})
}

func (q *queries) getCurrentFGAModelVersion(tenantID, storeID string) (store.FGAModelVersion, error) {
	var row struct {
		ID        string    `db:"id"`
		Model     []byte    `db:"model"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := q.db.Get(&row, `SELECT id, model, created_at FROM fga_model_versions WHERE tenant_id = $1 AND store_id = $2 AND current = true`, tenantID, storeID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.FGAModelVersion{}, store.ErrNotFound
	}
	if err != nil {
		return store.FGAModelVersion{}, err
	}
	var v store.FGAModelVersion
	v.ID, v.CreatedAt, v.Current = row.ID, row.CreatedAt, true
	if err := scanJSON(row.Model, &v.Model); err != nil {
		return v, err
	}
	return v, nil
}

func (q *queries) writeTuple(tenantID, storeID string, t fgamodel.Tuple) error {
	_, err := q.db.Exec(
		`INSERT INTO fga_tuples (tenant_id, store_id, object_type, object_id, relation, subject_type, subject_id, subject_relation)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		 ON CONFLICT (tenant_id, store_id, object_type, object_id, relation, subject_type, subject_id, subject_relation) DO NOTHING`,
		tenantID, storeID, t.Object.Type, t.Object.ID, t.Relation, t.Subject.Type, t.Subject.ID, t.Subject.Relation,
	)
	return err
}

func (q *queries) deleteTuple(tenantID, storeID string, t fgamodel.Tuple) error {
	_, err := q.db.Exec(
		`DELETE FROM fga_tuples WHERE tenant_id=$1 AND store_id=$2 AND object_type=$3 AND object_id=$4 AND relation=$5 AND subject_type=$6 AND subject_id=$7 AND subject_relation=$8`,
		tenantID, storeID, t.Object.Type, t.Object.ID, t.Relation, t.Subject.Type, t.Subject.ID, t.Subject.Relation,
	)
	return err
}

func (q *queries) listTuples(tenantID, storeID string, filter fgamodel.TupleFilter) ([]fgamodel.Tuple, error) {
	query := `SELECT object_type, object_id, relation, subject_type, subject_id, subject_relation FROM fga_tuples WHERE tenant_id = $1 AND store_id = $2`
	args := []interface{}{tenantID, storeID}
	if filter.ObjectType != "" {
		args = append(args, filter.ObjectType)
		query += fmt.Sprintf(" AND object_type = $%d", len(args))
	}
	if filter.ObjectID != "" {
		args = append(args, filter.ObjectID)
		query += fmt.Sprintf(" AND object_id = $%d", len(args))
	}
	if filter.Relation != "" {
		args = append(args, filter.Relation)
		query += fmt.Sprintf(" AND relation = $%d", len(args))
	}
	if filter.SubjectType != "" {
		args = append(args, filter.SubjectType)
		query += fmt.Sprintf(" AND subject_type = $%d", len(args))
	}
	if filter.SubjectID != "" {
		args = append(args, filter.SubjectID)
		query += fmt.Sprintf(" AND subject_id = $%d", len(args))
	}

	var rows []struct {
		ObjectType      string `db:"object_type"`
		ObjectID        string `db:"object_id"`
		Relation        string `db:"relation"`
		SubjectType     string `db:"subject_type"`
		SubjectID       string `db:"subject_id"`
		SubjectRelation string `db:"subject_relation"`
	}
	if err := q.db.Select(&rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]fgamodel.Tuple, 0, len(rows))
	for _, r := range rows {
		out = append(out, fgamodel.Tuple{
			Object:   fgamodel.ObjectRef{Type: r.ObjectType, ID: r.ObjectID},
			Relation: r.Relation,
			Subject:  fgamodel.Subject{Type: r.SubjectType, ID: r.SubjectID, Relation: r.SubjectRelation},
		})
	}
	return out, nil
}

func (q *queries) garbageCollect(now time.Time) (store.GCResult, error) {
	var result store.GCResult
	res, err := q.db.Exec(`DELETE FROM auth_codes WHERE expires_at < $1`, now)
	if err != nil {
		return result, err
	}
	result.AuthCodes, _ = res.RowsAffected()
	return result, nil
}
