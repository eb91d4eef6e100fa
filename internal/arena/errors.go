package arena

import (
	"errors"
	"fmt"
)

// Error classes for the collection core. Callers classify with errors.Is;
// sites attach context with the *f helpers so the class survives wrapping.
var (
	// ErrConfiguration marks fatal misconfiguration (missing salt or
	// encryption key, unsupported tier, duplicate registration). Raised
	// before any network activity and never degraded to a warning.
	ErrConfiguration = errors.New("configuration error")

	// ErrCredentialUnavailable is the recoverable "nothing usable in the
	// pool" outcome. Surfaced to the caller, never retried in a tight loop.
	ErrCredentialUnavailable = errors.New("no credential available")

	// ErrRateLimitTimeout is raised only when a bounded wait for a
	// rate-limit slot is exceeded; ordinary waits are absorbed silently.
	ErrRateLimitTimeout = errors.New("rate limit wait timed out")

	// ErrCollection marks a transient platform failure, retried with
	// backoff up to the policy's attempt budget.
	ErrCollection = errors.New("arena collection failed")

	// ErrAuth marks a credential rejected by the platform. It contributes
	// to the credential's cooldown and is not retried with the same
	// credential.
	ErrAuth = errors.New("credential rejected by platform")

	// ErrNormalization marks a per-record mapping failure. The record is
	// skipped and logged; the batch continues.
	ErrNormalization = errors.New("normalization failed")
)

// Configf wraps ErrConfiguration with formatted context.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrConfiguration)
}

// Collectionf wraps ErrCollection with formatted context.
func Collectionf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrCollection)
}

// Authf wraps ErrAuth with formatted context.
func Authf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrAuth)
}

// Normalizationf wraps ErrNormalization with formatted context.
func Normalizationf(format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), ErrNormalization)
}
