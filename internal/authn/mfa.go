package authn

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/ciamlabs/identity-core/internal/apierr"
	"github.com/ciamlabs/identity-core/internal/cryptoutil"
	"github.com/ciamlabs/identity-core/internal/model"
)

const backupCodeCount = 10

// MFAMethod is the public-facing view of an enrolled factor — never the
// sealed secret.
type MFAMethod struct {
	ID       string               `json:"id"`
	Kind     model.MFAFactorKind  `json:"kind"`
	Verified bool                 `json:"verified"`
}

// EnrollTOTP starts TOTP enrollment for POST /api/mfa/enroll/totp. The
// factor is stored unverified; a following ConfirmTOTPEnrollment call
// with a correct code activates it.
func (s *Service) EnrollTOTP(ctx context.Context, tenantID, identityID string) (factorID, otpauthURL string, err error) {
	t, err := s.storage.GetTenantByID(tenantID)
	if err != nil {
		return "", "", apierr.Wrap(apierr.KindInternalError, "load tenant", err)
	}
	identity, err := s.storage.GetIdentityByID(tenantID, identityID)
	if err != nil {
		return "", "", apierr.Wrap(apierr.KindInternalError, "load identity", err)
	}

	secret, uri, err := GenerateTOTPSecret(t.Slug, identity.Email)
	if err != nil {
		return "", "", err
	}
	sealed, err := cryptoutil.Seal([]byte(secret), s.fek)
	if err != nil {
		return "", "", apierr.Wrap(apierr.KindInternalError, "seal totp secret", err)
	}

	factor := model.MFAFactor{ID: uuid.NewString(), Kind: model.MFATOTP, SealedSecret: sealed}
	if err := s.storage.UpdateIdentity(tenantID, identityID, func(i model.Identity) (model.Identity, error) {
		i.MFAFactors = append(i.MFAFactors, factor)
		return i, nil
	}); err != nil {
		return "", "", apierr.Wrap(apierr.KindInternalError, "store totp factor", err)
	}
	return factor.ID, uri, nil
}

// ConfirmTOTPEnrollment verifies code against the pending factor and marks
// it verified, for POST /api/mfa/totp/{method_id}/verify.
func (s *Service) ConfirmTOTPEnrollment(ctx context.Context, tenantID, identityID, factorID, code string) error {
	identity, err := s.storage.GetIdentityByID(tenantID, identityID)
	if err != nil {
		return apierr.Wrap(apierr.KindInternalError, "load identity", err)
	}

	idx := -1
	for i, f := range identity.MFAFactors {
		if f.ID == factorID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return apierr.New(apierr.KindNotFound, "unknown mfa factor")
	}

	secret, err := cryptoutil.Open(identity.MFAFactors[idx].SealedSecret, s.fek)
	if err != nil {
		return apierr.Wrap(apierr.KindInternalError, "open totp secret", err)
	}
	ok, step, verr := ValidateTOTP(string(secret), code, time.Now().UTC(), identity.MFAFactors[idx].LastUsedStep)
	if verr != nil {
		return verr
	}
	if !ok {
		return apierr.New(apierr.KindValidationError, "invalid verification code").WithSubcode("invalid_code")
	}

	return s.storage.UpdateIdentity(tenantID, identityID, func(i model.Identity) (model.Identity, error) {
		for j, f := range i.MFAFactors {
			if f.ID == factorID {
				i.MFAFactors[j].Verified = true
				i.MFAFactors[j].LastUsedStep = step
			}
		}
		return i, nil
	})
}

// ListMFAMethods returns the identity's enrolled factors, for
// GET /api/mfa/methods.
func (s *Service) ListMFAMethods(ctx context.Context, tenantID, identityID string) ([]MFAMethod, error) {
	identity, err := s.storage.GetIdentityByID(tenantID, identityID)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "load identity", err)
	}
	methods := make([]MFAMethod, 0, len(identity.MFAFactors))
	for _, f := range identity.MFAFactors {
		methods = append(methods, MFAMethod{ID: f.ID, Kind: f.Kind, Verified: f.Verified})
	}
	return methods, nil
}

// RegenerateBackupCodes replaces the identity's backup-code set and returns
// the new plaintext codes for one-time display, for
// POST /api/mfa/backup-codes/regenerate.
func (s *Service) RegenerateBackupCodes(ctx context.Context, tenantID, identityID string) ([]string, error) {
	plaintext := make([]string, backupCodeCount)
	codes := make([]model.BackupCode, backupCodeCount)
	for i := range codes {
		code, err := cryptoutil.NewOpaqueToken()
		if err != nil {
			return nil, apierr.Wrap(apierr.KindInternalError, "generate backup code", err)
		}
		plaintext[i] = code
		codes[i] = model.BackupCode{ID: uuid.NewString(), Hash: cryptoutil.HashToken(code)}
	}

	if err := s.storage.UpdateIdentity(tenantID, identityID, func(i model.Identity) (model.Identity, error) {
		i.BackupCodes = codes
		return i, nil
	}); err != nil {
		return nil, apierr.Wrap(apierr.KindInternalError, "store backup codes", err)
	}
	return plaintext, nil
}
