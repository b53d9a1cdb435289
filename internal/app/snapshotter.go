/**
 * @description
 * The balance snapshotter records the provider's fresh balance view after a
 * successful delta pull: account rows are upserted with current balances and
 * one snapshot row is written per account per calendar date. Snapshots come
 * from the provider's balance read, never from summing transactions.
 */
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/centsight/sync-service/internal/domain"
	"github.com/centsight/sync-service/internal/store"
	"github.com/centsight/sync-service/pkg/providerclient"
)

// BalanceSnapshotter maintains accounts and their daily balance snapshots.
type BalanceSnapshotter struct {
	repo   store.AccountRepository
	cipher FieldCipher
}

// NewBalanceSnapshotter creates a snapshotter.
func NewBalanceSnapshotter(repo store.AccountRepository, cipher FieldCipher) *BalanceSnapshotter {
	return &BalanceSnapshotter{repo: repo, cipher: cipher}
}

// SyncAccounts upserts one account row per provider balance entry and returns
// the stored accounts. Display names are encrypted before they reach the
// repository.
func (s *BalanceSnapshotter) SyncAccounts(ctx context.Context, institutionID uuid.UUID, balances []providerclient.AccountBalance) ([]domain.Account, error) {
	accounts := make([]domain.Account, 0, len(balances))
	for _, balance := range balances {
		encryptedName, err := s.cipher.Encrypt(balance.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt account name: %w", err)
		}

		account := domain.Account{
			ID:                uuid.New(),
			InstitutionID:     institutionID,
			ProviderAccountID: balance.AccountID,
			Name:              encryptedName,
			Type:              balance.Type,
			Subtype:           balance.Subtype,
			CurrentBalance:    balance.CurrentBalance,
			AvailableBalance:  balance.AvailableBalance,
			CreditLimit:       balance.CreditLimit,
			Active:            true,
		}
		if err := s.repo.UpsertAccount(ctx, &account); err != nil {
			return nil, &persistenceError{err: err}
		}
		accounts = append(accounts, account)
	}
	return accounts, nil
}

// RecordSnapshots upserts one balance snapshot per account for the given date.
// Re-running on the same date overwrites that date's values rather than adding
// rows.
func (s *BalanceSnapshotter) RecordSnapshots(ctx context.Context, accounts []domain.Account, date time.Time) error {
	day := date.UTC().Truncate(24 * time.Hour)
	for _, account := range accounts {
		snapshot := domain.BalanceSnapshot{
			ID:               uuid.New(),
			AccountID:        account.ID,
			Date:             day,
			CurrentBalance:   account.CurrentBalance,
			AvailableBalance: account.AvailableBalance,
		}
		if err := s.repo.UpsertBalanceSnapshot(ctx, &snapshot); err != nil {
			return &persistenceError{err: err}
		}
	}
	return nil
}
