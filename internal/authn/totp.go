package authn

import (
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/ciamlabs/identity-core/internal/apierr"
)

// totpPeriod/digits/skew are the RFC 6238 defaults: 6 digits, 30s step,
// ±1 step drift tolerance.
const (
	totpPeriod = 30
	totpDigits = otp.DigitsSix
	totpSkew   = 1
)

// GenerateTOTPSecret issues a new base32 TOTP secret and its otpauth://
// URL for enrollment, using github.com/pquerna/otp.
func GenerateTOTPSecret(issuer, accountName string) (secret string, uri string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Period:      totpPeriod,
		Digits:      totpDigits,
	})
	if err != nil {
		return "", "", apierr.Wrap(apierr.KindInternalError, "generate totp secret", err)
	}
	return key.Secret(), key.String(), nil
}

// ValidateTOTP checks code against secret at time now, allowing ±1 step of
// clock drift. lastUsedStep prevents replay of an
// already-consumed code within the same or an earlier step; it returns the
// step the code was valid at so the caller can persist it as the new
// lastUsedStep.
func ValidateTOTP(secret, code string, now time.Time, lastUsedStep int64) (ok bool, step int64, err error) {
	if len(code) != totpDigits.Length() {
		return false, 0, nil // not a TOTP code (e.g. a backup code)
	}
	step = now.Unix() / totpPeriod
	for delta := int64(-totpSkew); delta <= totpSkew; delta++ {
		candidateStep := step + delta
		if candidateStep <= lastUsedStep {
			continue // already consumed or before enrollment; reject as replay
		}
		valid, verr := totp.ValidateCustom(code, secret, time.Unix(candidateStep*totpPeriod, 0), totp.ValidateOpts{
			Period:    totpPeriod,
			Skew:      0,
			Digits:    totpDigits,
			Algorithm: otp.AlgorithmSHA1,
		})
		if verr != nil {
			return false, 0, apierr.Wrap(apierr.KindInternalError, "validate totp", verr)
		}
		if valid {
			return true, candidateStep, nil
		}
	}
	return false, 0, nil
}
