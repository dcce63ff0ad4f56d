package authn

import (
	"context"
	"encoding/json"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ciamlabs/identity-core/internal/apierr"
	"github.com/ciamlabs/identity-core/internal/cryptoutil"
	"github.com/ciamlabs/identity-core/internal/keyring"
	"github.com/ciamlabs/identity-core/internal/kv"
	"github.com/ciamlabs/identity-core/internal/model"
	"github.com/ciamlabs/identity-core/internal/store"
	"github.com/ciamlabs/identity-core/internal/tenant"
)

const (
	challengePurpose        = "mfa_challenge"
	challengeTTL            = 5 * time.Minute
	emailVerifyPurpose      = "email_verify"
	emailVerifyTTL          = 24 * time.Hour
	passwordResetPurpose    = "password_reset"
	passwordResetTTL        = 1 * time.Hour
	passwordlessPurpose     = "passwordless"
	passwordlessTTL         = 10 * time.Minute
	failedAttemptPurpose    = "failed_attempts"
	defaultAccessTTL        = time.Hour
	defaultRefreshTTL       = 30 * 24 * time.Hour
	defaultAudience         = "identity-core"
)

// TokenPair is the result of any operation that completes authentication.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	FamilyID     string `json:"-"`
}

// Service implements every authentication-core operation.
type Service struct {
	storage  store.Storage
	cache    kv.Store
	keys     *keyring.Ring
	registry *tenant.Registry
	limiter  *tenant.Limiter
	fek      []byte // field-encryption key sealing MFA factor secrets at rest
}

// New constructs a Service. fek is the AES-256 data-encryption key used to
// seal/open TOTP secrets.
func New(storage store.Storage, cache kv.Store, keys *keyring.Ring, registry *tenant.Registry, limiter *tenant.Limiter, fek []byte) *Service {
	return &Service{storage: storage, cache: cache, keys: keys, registry: registry, limiter: limiter, fek: fek}
}

func normalizeEmail(email string) string { return strings.ToLower(strings.TrimSpace(email)) }

func validEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

// Register creates a new identity. Returns the identity id and the
// plaintext email-verification token to be delivered out of band.
func (s *Service) Register(ctx context.Context, tenantSlug, email, password, displayName string) (identityID, verificationToken string, err error) {
	t, err := s.registry.RequireActive(ctx, tenantSlug)
	if err != nil {
		return "", "", err
	}

	email = normalizeEmail(email)
	if !validEmail(email) {
		return "", "", apierr.New(apierr.KindValidationError, "invalid email address")
	}
	if len(password) < t.Security.MinPasswordLength {
		return "", "", apierr.New(apierr.KindValidationError, "password too weak").WithSubcode("password_too_weak")
	}

	if !s.limiter.AllowLogin(ctx, t.ID, email, t.RateLimit) {
		return "", "", apierr.New(apierr.KindRateLimited, "too many registration attempts")
	}

	if _, err := s.storage.GetIdentityByEmail(t.ID, email); err == nil {
		return "", "", apierr.New(apierr.KindConflict, "email already registered").WithSubcode("email_taken")
	} else if err != store.ErrNotFound {
		return "", "", apierr.Wrap(apierr.KindInternalError, "check existing identity", err)
	}

	envelope, err := cryptoutil.HashPassword(password)
	if err != nil {
		return "", "", apierr.Wrap(apierr.KindInternalError, "hash password", err)
	}

	now := time.Now().UTC()
	identity := model.Identity{
		ID:               cryptoutil.NewID(),
		TenantID:         t.ID,
		Email:            email,
		DisplayName:      displayName,
		PasswordVerifier: envelope,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.storage.CreateIdentity(t.ID, identity); err != nil {
		return "", "", apierr.Wrap(apierr.KindInternalError, "create identity", err)
	}

	token, err := cryptoutil.NewOpaqueToken()
	if err != nil {
		return "", "", apierr.Wrap(apierr.KindInternalError, "generate verification token", err)
	}
	key := kv.Key(emailVerifyPurpose, t.ID, hexToken(token))
	payload, _ := json.Marshal(identity.ID)
	if err := s.cache.Create(ctx, key, payload, emailVerifyTTL); err != nil {
		return "", "", apierr.Wrap(apierr.KindInternalError, "store verification token", err)
	}

	s.audit(t.ID, identity.ID, "register", "identity:"+identity.ID, "success", nil)
	return identity.ID, token, nil
}

func hexToken(token string) string { return cryptoutil.HashTokenHex(token) }

// VerifyEmail marks the identity named by token as email-verified.
func (s *Service) VerifyEmail(ctx context.Context, tenantID, token string) error {
	key := kv.Key(emailVerifyPurpose, tenantID, hexToken(token))
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		return apierr.New(apierr.KindInvalidToken, "invalid or expired verification token")
	}
	var identityID string
	if err := json.Unmarshal(raw, &identityID); err != nil {
		return apierr.Wrap(apierr.KindInternalError, "decode verification token", err)
	}

	err = s.storage.UpdateIdentity(tenantID, identityID, func(i model.Identity) (model.Identity, error) {
		i.EmailVerified = true
		return i, nil
	})
	if err != nil {
		return apierr.Wrap(apierr.KindInternalError, "mark identity verified", err)
	}
	_ = s.cache.Delete(ctx, key)
	s.audit(tenantID, identityID, "verify_email", "identity:"+identityID, "success", nil)
	return nil
}

// LoginPassword authenticates with email+password. Exactly one of
// (tokens, challenge) is non-nil on success; both nil accompanies a
// non-nil error.
func (s *Service) LoginPassword(ctx context.Context, tenantSlug, email, password, deviceFingerprint, ip string) (*TokenPair, *Challenge, error) {
	t, err := s.registry.RequireActive(ctx, tenantSlug)
	if err != nil {
		return nil, nil, err
	}
	email = normalizeEmail(email)

	if !s.limiter.AllowLogin(ctx, t.ID, email+":"+ip, t.RateLimit) {
		return nil, nil, apierr.New(apierr.KindRateLimited, "too many login attempts")
	}

	identity, err := s.storage.GetIdentityByEmail(t.ID, email)
	if err != nil {
		if err == store.ErrNotFound {
			// User-enumeration mitigation: run a dummy verify so the
			// timing profile matches a real, wrong-password attempt.
			cryptoutil.DummyVerify(password)
			return nil, nil, apierr.New(apierr.KindUnauthorized, "invalid credentials").WithSubcode("invalid_credentials")
		}
		return nil, nil, apierr.Wrap(apierr.KindInternalError, "load identity", err)
	}

	if identity.Locked(time.Now().UTC()) {
		s.audit(t.ID, identity.ID, "login_password", "identity:"+identity.ID, "locked", nil)
		return nil, nil, apierr.New(apierr.KindLocked, "account is locked").WithSubcode("account_locked")
	}

	if identity.PasswordVerifier == nil {
		_ = cryptoutil.DummyVerify(password)
		return nil, nil, apierr.New(apierr.KindUnauthorized, "invalid credentials").WithSubcode("invalid_credentials")
	}

	ok, err := cryptoutil.VerifyPassword(identity.PasswordVerifier, password)
	if err != nil {
		return nil, nil, apierr.Wrap(apierr.KindInternalError, "verify password", err)
	}
	if !ok {
		s.recordFailedAttempt(ctx, t, identity, ip)
		return nil, nil, apierr.New(apierr.KindUnauthorized, "invalid credentials").WithSubcode("invalid_credentials")
	}

	if cryptoutil.NeedsRehash(identity.PasswordVerifier) {
		if newEnvelope, rerr := cryptoutil.HashPassword(password); rerr == nil {
			_ = s.storage.UpdateIdentity(t.ID, identity.ID, func(i model.Identity) (model.Identity, error) {
				i.PasswordVerifier = newEnvelope
				return i, nil
			})
		}
	}

	if t.Security.RequireEmailVerified && !identity.EmailVerified {
		return nil, nil, apierr.New(apierr.KindUnauthorized, "email not verified").WithSubcode("email_not_verified")
	}

	_ = s.cache.Delete(ctx, kv.Key(failedAttemptPurpose, t.ID, email+":"+ip))

	if t.Security.RequireMFA || len(identity.MFAFactors) > 0 {
		challenge, err := s.startMFAChallenge(ctx, t.ID, identity.ID)
		if err != nil {
			return nil, nil, err
		}
		return nil, challenge, nil
	}

	tokens, err := s.issueTokens(ctx, t, identity, deviceFingerprint)
	if err != nil {
		return nil, nil, err
	}
	s.audit(t.ID, identity.ID, "login_password", "identity:"+identity.ID, "success", nil)
	return tokens, nil, nil
}

func (s *Service) recordFailedAttempt(ctx context.Context, t model.Tenant, identity model.Identity, ip string) {
	key := kv.Key(failedAttemptPurpose, t.ID, identity.Email+":"+ip)
	window := t.Security.LockoutWindow
	if window <= 0 {
		window = 15 * time.Minute
	}
	count, err := s.cache.Incr(ctx, key, window)
	if err != nil {
		return
	}
	threshold := int64(t.Security.LockoutThreshold)
	if threshold > 0 && count >= threshold {
		lockUntil := time.Now().UTC().Add(t.Security.LockoutDuration)
		_ = s.storage.UpdateIdentity(t.ID, identity.ID, func(i model.Identity) (model.Identity, error) {
			i.FailedAttempts = int(count)
			i.LockedUntil = &lockUntil
			return i, nil
		})
		s.audit(t.ID, identity.ID, "login_password", "identity:"+identity.ID, "locked", nil)
	} else {
		_ = s.storage.UpdateIdentity(t.ID, identity.ID, func(i model.Identity) (model.Identity, error) {
			i.FailedAttempts = int(count)
			return i, nil
		})
	}
}

func (s *Service) startMFAChallenge(ctx context.Context, tenantID, identityID string) (*Challenge, error) {
	challenge := Challenge{
		ID:         uuid.NewString(),
		TenantID:   tenantID,
		IdentityID: identityID,
		State:      StateMfaPending,
		Nonce:      uuid.NewString(),
	}
	payload, err := json.Marshal(challenge)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "marshal challenge", err)
	}
	key := kv.Key(challengePurpose, tenantID, challenge.ID)
	if err := s.cache.Create(ctx, key, payload, challengeTTL); err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "store challenge", err)
	}
	return &challenge, nil
}

// CompleteMFA finishes the MFA state machine with a TOTP code or a backup
// code.
func (s *Service) CompleteMFA(ctx context.Context, tenantID, challengeID, code string, deviceFingerprint string) (*TokenPair, error) {
	key := kv.Key(challengePurpose, tenantID, challengeID)
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, apierr.New(apierr.KindExpiredToken, "mfa challenge expired or unknown").WithSubcode("expired_challenge")
	}
	var challenge Challenge
	if err := json.Unmarshal(raw, &challenge); err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "decode challenge", err)
	}

	t, err := s.storage.GetTenantByID(tenantID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "load tenant", err)
	}
	identity, err := s.storage.GetIdentityByID(tenantID, challenge.IdentityID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "load identity", err)
	}

	verified, newLastStep, factorIdx, backupCodeIdx, err := s.verifyMFACode(identity, code)
	if err != nil {
		return nil, err
	}
	if !verified {
		return nil, apierr.New(apierr.KindInvalidToken, "invalid mfa code").WithSubcode("invalid_code")
	}

	if factorIdx >= 0 {
		_ = s.storage.UpdateIdentity(tenantID, identity.ID, func(i model.Identity) (model.Identity, error) {
			if factorIdx < len(i.MFAFactors) {
				i.MFAFactors[factorIdx].LastUsedStep = newLastStep
			}
			return i, nil
		})
	}
	if backupCodeIdx >= 0 {
		_ = s.storage.UpdateIdentity(tenantID, identity.ID, func(i model.Identity) (model.Identity, error) {
			if backupCodeIdx < len(i.BackupCodes) {
				i.BackupCodes[backupCodeIdx].Consumed = true
			}
			return i, nil
		})
	}

	_ = s.cache.Delete(ctx, key)

	tokens, err := s.issueTokens(ctx, t, identity, deviceFingerprint)
	if err != nil {
		return nil, err
	}
	s.audit(tenantID, identity.ID, "complete_mfa", "identity:"+identity.ID, "success", nil)
	return tokens, nil
}

// verifyMFACode checks code against identity's TOTP factors and backup
// codes. A match against a TOTP factor is reported via factorIdx; a match
// against a backup code is reported via backupCodeIdx instead, since the two
// require different storage updates on success (LastUsedStep vs Consumed).
// The two are mutually exclusive: at most one is ever >= 0.
func (s *Service) verifyMFACode(identity model.Identity, code string) (verified bool, newStep int64, factorIdx int, backupCodeIdx int, err error) {
	for idx, factor := range identity.MFAFactors {
		if factor.Kind != model.MFATOTP || !factor.Verified {
			continue
		}
		secret, derr := cryptoutil.Open(factor.SealedSecret, s.fek)
		if derr != nil {
			return false, 0, -1, -1, apierr.Wrap(apierr.KindInternalError, "open totp secret", derr)
		}
		ok, step, verr := ValidateTOTP(string(secret), code, time.Now().UTC(), factor.LastUsedStep)
		if verr != nil {
			return false, 0, -1, -1, verr
		}
		if ok {
			return true, step, idx, -1, nil
		}
	}
	for idx, bc := range identity.BackupCodes {
		if bc.Consumed {
			continue
		}
		if cryptoutil.ConstantTimeEqualHash(bc.Hash, code) {
			return true, 0, -1, idx, nil
		}
	}
	return false, 0, -1, -1, nil
}

// issueTokens creates a new session family and signs the matching access
// token.
func (s *Service) issueTokens(ctx context.Context, t model.Tenant, identity model.Identity, deviceFingerprint string) (*TokenPair, error) {
	accessTTL := t.Security.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	refreshTTL := t.Security.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}

	refreshToken, err := cryptoutil.NewOpaqueToken()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "generate refresh token", err)
	}

	now := time.Now().UTC()
	session := model.Session{
		FamilyID:          uuid.NewString(),
		TenantID:          t.ID,
		IdentityID:        identity.ID,
		CurrentTokenHash:  cryptoutil.HashToken(refreshToken),
		DeviceFingerprint: deviceFingerprint,
		IssuedAt:          now,
		ExpiresAt:         now.Add(refreshTTL),
	}
	if err := s.storage.CreateSession(t.ID, session); err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "create session", err)
	}

	accessToken, err := signAccessToken(s.keys, t.ID, identity.ID, defaultAudience, identity.Roles, accessTTL, now)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: session.FamilyID + "." + refreshToken,
		ExpiresIn:    int64(accessTTL.Seconds()),
		FamilyID:     session.FamilyID,
	}, nil
}

// Refresh exchanges a refresh token for a new pair, rotating the session
// family and detecting replay.
func (s *Service) Refresh(ctx context.Context, tenantID, presented string) (*TokenPair, error) {
	familyID, tokenPart, ok := splitRefreshToken(presented)
	if !ok {
		return nil, apierr.New(apierr.KindInvalidToken, "malformed refresh token")
	}

	session, err := s.storage.GetSession(tenantID, familyID)
	if err != nil {
		return nil, apierr.New(apierr.KindInvalidToken, "unknown session")
	}
	if session.Revoked {
		return nil, apierr.New(apierr.KindInvalidToken, "session revoked")
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		return nil, apierr.New(apierr.KindExpiredToken, "session expired")
	}

	presentedHash := cryptoutil.HashToken(tokenPart)
	if !cryptoutil.ConstantTimeEqual(presentedHash, session.CurrentTokenHash) {
		// Presented token doesn't match the family's current member: this
		// is either a stale/already-rotated token or an attacker replaying
		// a captured one. Revoke only this family — other concurrent
		// sessions for the identity are unaffected.
		_ = s.storage.UpdateSession(tenantID, familyID, func(sess model.Session) (model.Session, error) {
			sess.Revoked = true
			return sess, nil
		})
		return nil, apierr.New(apierr.KindInvalidToken, "refresh token reuse detected").WithSubcode("reuse_detected")
	}

	t, err := s.storage.GetTenantByID(tenantID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "load tenant", err)
	}
	identity, err := s.storage.GetIdentityByID(tenantID, session.IdentityID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "load identity", err)
	}

	newRefresh, err := cryptoutil.NewOpaqueToken()
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "generate refresh token", err)
	}
	newHash := cryptoutil.HashToken(newRefresh)

	refreshTTL := t.Security.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}
	now := time.Now().UTC()

	err = s.storage.UpdateSession(tenantID, familyID, func(sess model.Session) (model.Session, error) {
		sess.CurrentTokenHash = newHash
		sess.ExpiresAt = now.Add(refreshTTL)
		return sess, nil
	})
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "rotate session", err)
	}

	accessTTL := t.Security.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTTL
	}
	accessToken, err := signAccessToken(s.keys, t.ID, identity.ID, defaultAudience, identity.Roles, accessTTL, now)
	if err != nil {
		return nil, err
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: familyID + "." + newRefresh,
		ExpiresIn:    int64(accessTTL.Seconds()),
		FamilyID:     familyID,
	}, nil
}

func splitRefreshToken(presented string) (familyID, token string, ok bool) {
	idx := strings.IndexByte(presented, '.')
	if idx < 0 {
		return "", "", false
	}
	return presented[:idx], presented[idx+1:], true
}

// Logout revokes the caller's session family.
func (s *Service) Logout(ctx context.Context, tenantID, refreshToken string) error {
	familyID, _, ok := splitRefreshToken(refreshToken)
	if !ok {
		return apierr.New(apierr.KindInvalidToken, "malformed refresh token")
	}
	err := s.storage.UpdateSession(tenantID, familyID, func(sess model.Session) (model.Session, error) {
		sess.Revoked = true
		return sess, nil
	})
	if err != nil && err != store.ErrNotFound {
		return apierr.Wrap(apierr.KindInternalError, "revoke session", err)
	}
	return nil
}

// ForgotPassword always reports success to the caller (enumeration-safe)
// but only actually sends a reset token when the identity exists.
func (s *Service) ForgotPassword(ctx context.Context, tenantSlug, email string) error {
	t, err := s.registry.Resolve(ctx, tenantSlug)
	if err != nil {
		return nil //nolint:nilerr // enumeration-safe: unknown tenant looks identical to unknown user
	}
	email = normalizeEmail(email)
	if !s.limiter.AllowPasswordReset(ctx, t.ID, email, t.RateLimit) {
		return nil
	}

	identity, err := s.storage.GetIdentityByEmail(t.ID, email)
	if err != nil {
		return nil
	}

	token, err := cryptoutil.NewOpaqueToken()
	if err != nil {
		return nil
	}
	key := kv.Key(passwordResetPurpose, t.ID, hexToken(token))
	payload, _ := json.Marshal(identity.ID)
	_ = s.cache.Create(ctx, key, payload, passwordResetTTL)
	s.audit(t.ID, identity.ID, "forgot_password", "identity:"+identity.ID, "success", nil)
	return nil
}

// ResetPassword replaces the password named by token and revokes every
// existing session for that identity.
func (s *Service) ResetPassword(ctx context.Context, tenantID, token, newPassword string) error {
	key := kv.Key(passwordResetPurpose, tenantID, hexToken(token))
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		return apierr.New(apierr.KindInvalidToken, "invalid or expired reset token")
	}
	var identityID string
	if err := json.Unmarshal(raw, &identityID); err != nil {
		return apierr.Wrap(apierr.KindInternalError, "decode reset token", err)
	}

	t, err := s.storage.GetTenantByID(tenantID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternalError, "load tenant", err)
	}
	if len(newPassword) < t.Security.MinPasswordLength {
		return apierr.New(apierr.KindValidationError, "password too weak").WithSubcode("password_too_weak")
	}

	envelope, err := cryptoutil.HashPassword(newPassword)
	if err != nil {
		return apierr.Wrap(apierr.KindInternalError, "hash password", err)
	}

	err = s.storage.UpdateIdentity(tenantID, identityID, func(i model.Identity) (model.Identity, error) {
		i.PasswordVerifier = envelope
		i.FailedAttempts = 0
		i.LockedUntil = nil
		return i, nil
	})
	if err != nil {
		return apierr.Wrap(apierr.KindInternalError, "update password", err)
	}

	_ = s.cache.Delete(ctx, key)
	_ = s.storage.RevokeIdentitySessions(tenantID, identityID)
	s.audit(tenantID, identityID, "reset_password", "identity:"+identityID, "success", nil)
	return nil
}

// PasswordlessStart issues a one-time magic-link token for tenant/email.
func (s *Service) PasswordlessStart(ctx context.Context, tenantSlug, email string) (string, error) {
	t, err := s.registry.RequireActive(ctx, tenantSlug)
	if err != nil {
		return "", err
	}
	email = normalizeEmail(email)
	if !validEmail(email) {
		return "", apierr.New(apierr.KindValidationError, "invalid email address")
	}
	if !s.limiter.AllowLogin(ctx, t.ID, email, t.RateLimit) {
		return "", apierr.New(apierr.KindRateLimited, "too many passwordless attempts")
	}

	identity, err := s.storage.GetIdentityByEmail(t.ID, email)
	if err != nil {
		if err == store.ErrNotFound {
			return "", apierr.New(apierr.KindNotFound, "no account for that email")
		}
		return "", apierr.Wrap(apierr.KindInternalError, "load identity", err)
	}

	token, err := cryptoutil.NewOpaqueToken()
	if err != nil {
		return "", apierr.Wrap(apierr.KindInternalError, "generate passwordless token", err)
	}
	key := kv.Key(passwordlessPurpose, t.ID, hexToken(token))
	payload, _ := json.Marshal(identity.ID)
	if err := s.cache.Create(ctx, key, payload, passwordlessTTL); err != nil {
		return "", apierr.Wrap(apierr.KindInternalError, "store passwordless token", err)
	}
	return token, nil
}

// PasswordlessVerify exchanges a magic-link token for a session.
func (s *Service) PasswordlessVerify(ctx context.Context, tenantID, token, deviceFingerprint string) (*TokenPair, error) {
	key := kv.Key(passwordlessPurpose, tenantID, hexToken(token))
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		return nil, apierr.New(apierr.KindExpiredToken, "invalid or expired passwordless token").WithSubcode("expired_code")
	}
	var identityID string
	if err := json.Unmarshal(raw, &identityID); err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "decode passwordless token", err)
	}

	t, err := s.storage.GetTenantByID(tenantID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "load tenant", err)
	}
	identity, err := s.storage.GetIdentityByID(tenantID, identityID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "load identity", err)
	}

	_ = s.cache.Delete(ctx, key)
	tokens, err := s.issueTokens(ctx, t, identity, deviceFingerprint)
	if err != nil {
		return nil, err
	}
	s.audit(tenantID, identity.ID, "passwordless_verify", "identity:"+identity.ID, "success", nil)
	return tokens, nil
}

// IssueTokensForIdentity mints a new session family for an identity that
// has already been authenticated by a trusted caller — inbound OIDC
// federation and the OAuth2 authorization-code
// exchange both land here after establishing who the user is by a means
// other than this service's own password/MFA flow.
func (s *Service) IssueTokensForIdentity(ctx context.Context, tenantID, identityID, deviceFingerprint string) (*TokenPair, error) {
	t, err := s.storage.GetTenantByID(tenantID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "load tenant", err)
	}
	identity, err := s.storage.GetIdentityByID(tenantID, identityID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "load identity", err)
	}
	tokens, err := s.issueTokens(ctx, t, identity, deviceFingerprint)
	if err != nil {
		return nil, err
	}
	s.audit(tenantID, identity.ID, "issue_tokens", "identity:"+identity.ID, "success", nil)
	return tokens, nil
}

func (s *Service) audit(tenantID, actorID, kind, target, result string, payload map[string]interface{}) {
	_ = s.storage.CreateAuditEvent(model.AuditEvent{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ActorID:   actorID,
		Kind:      kind,
		Target:    target,
		Timestamp: time.Now().UTC(),
		Result:    result,
		Payload:   payload,
	})
}
