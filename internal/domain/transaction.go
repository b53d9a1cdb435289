/**
 * @description
 * Transaction domain model plus the page shape produced by the provider's
 * incremental (cursor-based) transaction feed.
 *
 * @notes
 * - (AccountID, ProviderTransactionID) is the idempotency key: applying the same
 *   added/modified record twice must leave exactly one stored row holding the
 *   later record's values.
 * - Amount keeps the provider's sign convention (positive = debit). It is passed
 *   through unchanged, never inverted.
 */
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transaction is a ledger row owned by exactly one Account.
type Transaction struct {
	ID                    uuid.UUID       `json:"id"`
	AccountID             uuid.UUID       `json:"account_id"`
	ProviderTransactionID string          `json:"provider_transaction_id"`
	Amount                decimal.Decimal `json:"amount"`
	Date                  time.Time       `json:"date"`
	Name                  string          `json:"name"`
	MerchantName          string          `json:"merchant_name,omitempty"`
	Category              string          `json:"category,omitempty"`
	Pending               bool            `json:"pending"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// TransactionDelta is one added or modified transaction from a feed page, still
// keyed by the provider's account id (resolved to a local account on apply).
type TransactionDelta struct {
	ProviderTransactionID string
	ProviderAccountID     string
	Amount                decimal.Decimal
	Date                  time.Time
	Name                  string
	MerchantName          string
	Category              string
	Pending               bool
}

// TransactionsPage is one page of the provider's delta feed. Removals are
// applied before adds/modifications; each removal and addition is an
// independent, authoritative operation on its own external id.
type TransactionsPage struct {
	Added      []TransactionDelta
	Modified   []TransactionDelta
	RemovedIDs []string
	NextCursor string
	HasMore    bool
}
