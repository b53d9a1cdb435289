/**
 * @description
 * This file defines the Institution domain model and its connection-status state
 * machine. An Institution represents one linked connection to a financial data
 * provider; all accounts and transactions hang off it.
 *
 * @notes
 * - The access token is never stored in the clear; the service layer encrypts it
 *   with the vault before it reaches the repository.
 * - Status and SyncCursor are mutated only by the sync orchestrator and the
 *   webhook processor. Read-path code must treat them as read-only.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
)

// InstitutionStatus is the connection-health state of a linked institution.
type InstitutionStatus string

const (
	// InstitutionStatusActive means the connection is healthy and syncable.
	InstitutionStatusActive InstitutionStatus = "active"
	// InstitutionStatusError means the last sync hit a transient provider
	// failure; the next scheduled cycle will retry automatically.
	InstitutionStatusError InstitutionStatus = "error"
	// InstitutionStatusRelinkRequired means the provider rejected our
	// credentials (or warned of expiring consent) and the user must complete
	// the relink flow before a sync can succeed again.
	InstitutionStatusRelinkRequired InstitutionStatus = "relink_required"
)

// Institution is a linked connection to a financial institution via the provider.
type Institution struct {
	ID                   uuid.UUID         `json:"id"`
	Name                 string            `json:"name"`
	ProviderItemID       string            `json:"provider_item_id"`
	AccessTokenEncrypted string            `json:"-"`
	Status               InstitutionStatus `json:"status"`
	ErrorCode            *string           `json:"error_code,omitempty"`
	SyncCursor           *string           `json:"-"`
	LastSyncedAt         *time.Time        `json:"last_synced_at,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// SyncResult is the per-institution outcome of one sync run. Fleet-wide syncs
// aggregate these; a failed institution is reported here, never raised.
type SyncResult struct {
	InstitutionID uuid.UUID `json:"institution_id"`
	Success       bool      `json:"success"`
	Added         int       `json:"added"`
	Modified      int       `json:"modified"`
	Removed       int       `json:"removed"`
	Error         string    `json:"error,omitempty"`
}
