/**
 * @description
 * Failure classification for sync runs. The provider's error taxonomy decides
 * the institution's next connection status: auth-class codes require a user
 * relink, everything else is transient and retried on the next cycle.
 */
package app

import (
	"context"
	"errors"
	"net/http"

	"github.com/centsight/sync-service/internal/domain"
	"github.com/centsight/sync-service/pkg/providerclient"
)

// Error codes this service synthesizes for non-provider failures.
const (
	errCodeProviderUnreachable = "PROVIDER_UNREACHABLE"
	errCodePersistenceFailure  = "PERSISTENCE_FAILURE"
	errCodeRateLimited         = "RATE_LIMIT_EXCEEDED"
)

// authErrorCodes are the provider codes that mean our credentials are no
// longer usable. They map to relink_required; nothing else does.
var authErrorCodes = map[string]struct{}{
	"ITEM_LOGIN_REQUIRED":     {},
	"INVALID_CREDENTIALS":     {},
	"INVALID_MFA":             {},
	"ITEM_LOCKED":             {},
	"USER_SETUP_REQUIRED":     {},
	"USER_PERMISSION_REVOKED": {},
	"INVALID_ACCESS_TOKEN":    {},
	"PENDING_EXPIRATION":      {},
	"PENDING_DISCONNECT":      {},
}

// IsAuthErrorCode reports whether a provider error code is auth-class.
func IsAuthErrorCode(code string) bool {
	_, ok := authErrorCodes[code]
	return ok
}

// persistenceError wraps a repository failure so classification can tell it
// apart from provider failures.
type persistenceError struct {
	err error
}

func (e *persistenceError) Error() string { return "persistence failure: " + e.err.Error() }
func (e *persistenceError) Unwrap() error { return e.err }

// classifySyncFailure maps a sync error to the institution's next status and
// stored error code.
func classifySyncFailure(err error) (domain.InstitutionStatus, string) {
	var pErr *persistenceError
	if errors.As(err, &pErr) {
		return domain.InstitutionStatusError, errCodePersistenceFailure
	}

	if apiErr, ok := providerclient.AsAPIError(err); ok {
		if IsAuthErrorCode(apiErr.ErrorCode) || apiErr.StatusCode == http.StatusUnauthorized {
			return domain.InstitutionStatusRelinkRequired, apiErr.ErrorCode
		}
		if apiErr.ErrorCode != "" {
			return domain.InstitutionStatusError, apiErr.ErrorCode
		}
		return domain.InstitutionStatusError, errCodeProviderUnreachable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return domain.InstitutionStatusError, errCodeProviderUnreachable
	}

	// Timeouts and transport errors land here: transient, retried next cycle.
	return domain.InstitutionStatusError, errCodeProviderUnreachable
}
