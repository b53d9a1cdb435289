/**
 * @description
 * This file defines the data access interfaces for the sync service. The
 * application layer depends on these interfaces, which lets tests substitute
 * lightweight stubs for the PostgreSQL implementation.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/centsight/sync-service/internal/domain"
)

var (
	ErrInstitutionNotFound = errors.New("institution not found")
	ErrAccountNotFound     = errors.New("account not found")
	// ErrSyncInProgress is returned when another sync already holds the
	// institution's lock; callers report "already syncing" instead of queuing.
	ErrSyncInProgress = errors.New("sync already in progress for institution")
)

// ReleaseFunc releases a previously acquired sync lock.
type ReleaseFunc func()

// PageResult reports what one transactional page application changed.
type PageResult struct {
	Added    int
	Modified int
	Removed  int
}

// InstitutionRepository owns institution identity and connection state.
type InstitutionRepository interface {
	CreateInstitution(ctx context.Context, inst *domain.Institution) error
	GetInstitution(ctx context.Context, id uuid.UUID) (*domain.Institution, error)
	GetInstitutionByItemID(ctx context.Context, providerItemID string) (*domain.Institution, error)
	ListInstitutions(ctx context.Context) ([]domain.Institution, error)
	// ListSyncableInstitutions returns institutions eligible for a scheduled
	// sync: active ones plus those in transient error (retried automatically).
	// relink_required institutions are excluded until a fresh token arrives.
	ListSyncableInstitutions(ctx context.Context) ([]domain.Institution, error)
	UpdateInstitutionStatus(ctx context.Context, id uuid.UUID, status domain.InstitutionStatus, errorCode *string) error
	UpdateInstitutionToken(ctx context.Context, id uuid.UUID, encryptedToken string) error
	MarkInstitutionSynced(ctx context.Context, id uuid.UUID, at time.Time) error
	DeleteInstitution(ctx context.Context, id uuid.UUID) error
	// AcquireSyncLock takes the cluster-wide advisory lock for an institution.
	// It returns ErrSyncInProgress without blocking if the lock is held.
	AcquireSyncLock(ctx context.Context, id uuid.UUID) (ReleaseFunc, error)
}

// AccountRepository persists accounts and their balance snapshots.
type AccountRepository interface {
	UpsertAccount(ctx context.Context, account *domain.Account) error
	ListAccountsByInstitution(ctx context.Context, institutionID uuid.UUID) ([]domain.Account, error)
	UpsertBalanceSnapshot(ctx context.Context, snapshot *domain.BalanceSnapshot) error
}

// TransactionRepository applies delta-feed pages to the ledger.
type TransactionRepository interface {
	// ApplyTransactionsPage applies one feed page and advances the stored
	// cursor in a single database transaction: removals first, then upserts
	// keyed by (account_id, provider_transaction_id), then the cursor update.
	// If anything fails the whole page rolls back and the cursor keeps its
	// pre-page value, so the page is re-requested on the next pull.
	ApplyTransactionsPage(ctx context.Context, institutionID uuid.UUID, page domain.TransactionsPage) (PageResult, error)
}

// Repository is the full persistence surface consumed by the sync service.
type Repository interface {
	InstitutionRepository
	AccountRepository
	TransactionRepository
}
