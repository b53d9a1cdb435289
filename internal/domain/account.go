/**
 * @description
 * Account and BalanceSnapshot domain models. An Account belongs to exactly one
 * Institution and is created/updated by the sync cycle; it is never deleted on
 * its own (deletion cascades from the owning Institution).
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account is a bank or credit account reported by the provider.
// Name is stored encrypted at rest; the repository returns it as stored and the
// service layer decrypts on the way out.
type Account struct {
	ID                uuid.UUID        `json:"id"`
	InstitutionID     uuid.UUID        `json:"institution_id"`
	ProviderAccountID string           `json:"provider_account_id"`
	Name              string           `json:"name"`
	Type              string           `json:"type"`
	Subtype           string           `json:"subtype"`
	CurrentBalance    decimal.Decimal  `json:"current_balance"`
	AvailableBalance  decimal.Decimal  `json:"available_balance"`
	CreditLimit       *decimal.Decimal `json:"credit_limit,omitempty"`
	Active            bool             `json:"active"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}

// BalanceSnapshot is a point-in-time record of an account's balance for one
// calendar date. At most one row exists per (account, date); re-snapshotting
// the same day overwrites the earlier values.
type BalanceSnapshot struct {
	ID               uuid.UUID       `json:"id"`
	AccountID        uuid.UUID       `json:"account_id"`
	Date             time.Time       `json:"date"`
	CurrentBalance   decimal.Decimal `json:"current_balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	CreatedAt        time.Time       `json:"created_at"`
}
