/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all SQL for institutions, accounts, transactions and
 * balance snapshots, including the transactional page application that keeps
 * the sync cursor consistent with applied writes.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/centsight/sync-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const institutionColumns = `id, name, provider_item_id, access_token, status, error_code, sync_cursor, last_synced_at, created_at, updated_at`

func scanInstitution(row pgx.Row) (*domain.Institution, error) {
	var inst domain.Institution
	err := row.Scan(
		&inst.ID, &inst.Name, &inst.ProviderItemID, &inst.AccessTokenEncrypted,
		&inst.Status, &inst.ErrorCode, &inst.SyncCursor, &inst.LastSyncedAt,
		&inst.CreatedAt, &inst.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInstitutionNotFound
		}
		return nil, err
	}
	return &inst, nil
}

// CreateInstitution inserts a freshly linked institution.
func (r *PostgresRepository) CreateInstitution(ctx context.Context, inst *domain.Institution) error {
	query := `
		INSERT INTO institutions (id, name, provider_item_id, access_token, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		inst.ID, inst.Name, inst.ProviderItemID, inst.AccessTokenEncrypted, inst.Status,
	).Scan(&inst.CreatedAt, &inst.UpdatedAt)
}

// GetInstitution retrieves an institution by its internal id.
func (r *PostgresRepository) GetInstitution(ctx context.Context, id uuid.UUID) (*domain.Institution, error) {
	query := `SELECT ` + institutionColumns + ` FROM institutions WHERE id = $1`
	return scanInstitution(r.db.QueryRow(ctx, query, id))
}

// GetInstitutionByItemID retrieves an institution by the provider's item id.
// Webhooks reference institutions this way.
func (r *PostgresRepository) GetInstitutionByItemID(ctx context.Context, providerItemID string) (*domain.Institution, error) {
	query := `SELECT ` + institutionColumns + ` FROM institutions WHERE provider_item_id = $1`
	return scanInstitution(r.db.QueryRow(ctx, query, providerItemID))
}

// ListInstitutions returns every linked institution.
func (r *PostgresRepository) ListInstitutions(ctx context.Context) ([]domain.Institution, error) {
	query := `SELECT ` + institutionColumns + ` FROM institutions ORDER BY created_at`
	return r.queryInstitutions(ctx, query)
}

// ListSyncableInstitutions returns institutions a scheduled sync should visit.
func (r *PostgresRepository) ListSyncableInstitutions(ctx context.Context) ([]domain.Institution, error) {
	query := `SELECT ` + institutionColumns + ` FROM institutions WHERE status IN ('active', 'error') ORDER BY created_at`
	return r.queryInstitutions(ctx, query)
}

func (r *PostgresRepository) queryInstitutions(ctx context.Context, query string) ([]domain.Institution, error) {
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var institutions []domain.Institution
	for rows.Next() {
		inst, err := scanInstitution(rows)
		if err != nil {
			return nil, err
		}
		institutions = append(institutions, *inst)
	}
	return institutions, rows.Err()
}

// UpdateInstitutionStatus sets connection status and error code.
func (r *PostgresRepository) UpdateInstitutionStatus(ctx context.Context, id uuid.UUID, status domain.InstitutionStatus, errorCode *string) error {
	query := `UPDATE institutions SET status = $1, error_code = $2, updated_at = NOW() WHERE id = $3`
	result, err := r.db.Exec(ctx, query, status, errorCode, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrInstitutionNotFound
	}
	return nil
}

// UpdateInstitutionToken installs a fresh encrypted access token (relink flow).
// The error code is cleared; status advances only on the next successful sync.
func (r *PostgresRepository) UpdateInstitutionToken(ctx context.Context, id uuid.UUID, encryptedToken string) error {
	query := `UPDATE institutions SET access_token = $1, error_code = NULL, updated_at = NOW() WHERE id = $2`
	result, err := r.db.Exec(ctx, query, encryptedToken, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrInstitutionNotFound
	}
	return nil
}

// MarkInstitutionSynced records the completion time of a successful sync run.
func (r *PostgresRepository) MarkInstitutionSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `UPDATE institutions SET last_synced_at = $1, updated_at = NOW() WHERE id = $2`
	result, err := r.db.Exec(ctx, query, at, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrInstitutionNotFound
	}
	return nil
}

// DeleteInstitution removes an institution; accounts, transactions and
// snapshots cascade via foreign keys.
func (r *PostgresRepository) DeleteInstitution(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Exec(ctx, `DELETE FROM institutions WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrInstitutionNotFound
	}
	return nil
}

// AcquireSyncLock takes a session-level advisory lock keyed by institution id,
// pinned to one pooled connection for the duration of the sync. The lock is
// cluster-wide, so at-most-one-in-flight holds across service instances, not
// just within this process.
func (r *PostgresRepository) AcquireSyncLock(ctx context.Context, id uuid.UUID) (ReleaseFunc, error) {
	conn, err := r.db.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	var acquired bool
	err = conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtextextended($1::text, 0))`, id).Scan(&acquired)
	if err != nil {
		conn.Release()
		return nil, err
	}
	if !acquired {
		conn.Release()
		return nil, ErrSyncInProgress
	}

	release := func() {
		// Unlock on a fresh context: release must work even after the sync's
		// context is canceled.
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock(hashtextextended($1::text, 0))`, id); err != nil {
			log.Printf("level=error component=store msg=\"advisory unlock failed\" institution_id=%s err=%v", id, err)
		}
		conn.Release()
	}
	return release, nil
}

// UpsertAccount inserts or updates an account keyed by the provider account id
// within its institution. The generated id is written back on insert.
func (r *PostgresRepository) UpsertAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO accounts (id, institution_id, provider_account_id, name, type, subtype,
		                      current_balance, available_balance, credit_limit, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW(), NOW())
		ON CONFLICT (institution_id, provider_account_id) DO UPDATE SET
			name = EXCLUDED.name,
			type = EXCLUDED.type,
			subtype = EXCLUDED.subtype,
			current_balance = EXCLUDED.current_balance,
			available_balance = EXCLUDED.available_balance,
			credit_limit = EXCLUDED.credit_limit,
			active = EXCLUDED.active,
			updated_at = NOW()
		RETURNING id, created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		account.ID, account.InstitutionID, account.ProviderAccountID, account.Name,
		account.Type, account.Subtype, account.CurrentBalance, account.AvailableBalance,
		account.CreditLimit, account.Active,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
}

// ListAccountsByInstitution returns all accounts owned by an institution.
func (r *PostgresRepository) ListAccountsByInstitution(ctx context.Context, institutionID uuid.UUID) ([]domain.Account, error) {
	query := `
		SELECT id, institution_id, provider_account_id, name, type, subtype,
		       current_balance, available_balance, credit_limit, active, created_at, updated_at
		FROM accounts
		WHERE institution_id = $1
		ORDER BY created_at
	`
	rows, err := r.db.Query(ctx, query, institutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		var a domain.Account
		err := rows.Scan(
			&a.ID, &a.InstitutionID, &a.ProviderAccountID, &a.Name, &a.Type, &a.Subtype,
			&a.CurrentBalance, &a.AvailableBalance, &a.CreditLimit, &a.Active,
			&a.CreatedAt, &a.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

// UpsertBalanceSnapshot records one balance snapshot per (account, date).
// Re-snapshotting the same day overwrites the earlier values.
func (r *PostgresRepository) UpsertBalanceSnapshot(ctx context.Context, snapshot *domain.BalanceSnapshot) error {
	query := `
		INSERT INTO balance_snapshots (id, account_id, snapshot_date, current_balance, available_balance, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (account_id, snapshot_date) DO UPDATE SET
			current_balance = EXCLUDED.current_balance,
			available_balance = EXCLUDED.available_balance
		RETURNING id, created_at
	`
	return r.db.QueryRow(ctx, query,
		snapshot.ID, snapshot.AccountID, snapshot.Date,
		snapshot.CurrentBalance, snapshot.AvailableBalance,
	).Scan(&snapshot.ID, &snapshot.CreatedAt)
}

// ApplyTransactionsPage applies one delta-feed page and advances the cursor in
// a single transaction. Ordering inside the transaction follows the provider
// contract: removals first, then adds/modifications as upserts.
func (r *PostgresRepository) ApplyTransactionsPage(ctx context.Context, institutionID uuid.UUID, page domain.TransactionsPage) (PageResult, error) {
	var result PageResult

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return result, err
	}
	defer tx.Rollback(ctx)

	accountIDs, err := accountIDsByProviderID(ctx, tx, institutionID)
	if err != nil {
		return result, err
	}

	if len(page.RemovedIDs) > 0 {
		tag, err := tx.Exec(ctx, `
			DELETE FROM transactions
			WHERE provider_transaction_id = ANY($1)
			  AND account_id IN (SELECT id FROM accounts WHERE institution_id = $2)
		`, page.RemovedIDs, institutionID)
		if err != nil {
			return result, fmt.Errorf("failed to apply removals: %w", err)
		}
		result.Removed = int(tag.RowsAffected())
	}

	for _, delta := range page.Added {
		if err := upsertTransaction(ctx, tx, accountIDs, delta); err != nil {
			return result, err
		}
		result.Added++
	}
	for _, delta := range page.Modified {
		if err := upsertTransaction(ctx, tx, accountIDs, delta); err != nil {
			return result, err
		}
		result.Modified++
	}

	// The cursor advances only inside the same transaction as the page's
	// writes. A crash before commit leaves it at the pre-page value and the
	// page is re-requested on retry.
	if _, err := tx.Exec(ctx, `
		UPDATE institutions SET sync_cursor = $1, updated_at = NOW() WHERE id = $2
	`, page.NextCursor, institutionID); err != nil {
		return result, fmt.Errorf("failed to advance cursor: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return PageResult{}, err
	}
	return result, nil
}

func accountIDsByProviderID(ctx context.Context, tx pgx.Tx, institutionID uuid.UUID) (map[string]uuid.UUID, error) {
	rows, err := tx.Query(ctx, `SELECT provider_account_id, id FROM accounts WHERE institution_id = $1`, institutionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make(map[string]uuid.UUID)
	for rows.Next() {
		var providerID string
		var id uuid.UUID
		if err := rows.Scan(&providerID, &id); err != nil {
			return nil, err
		}
		ids[providerID] = id
	}
	return ids, rows.Err()
}

// resolveAccountID maps a delta's provider account id to the local account
// row. An unknown account aborts the whole page: committing the cursor with
// the delta unwritten would lose it permanently, because the feed does not
// redeliver past a consumed cursor. Rolling back keeps the cursor at its
// pre-page value, and the next cycle's account refresh plus re-request
// repairs it.
func resolveAccountID(accountIDs map[string]uuid.UUID, delta domain.TransactionDelta) (uuid.UUID, error) {
	accountID, ok := accountIDs[delta.ProviderAccountID]
	if !ok {
		return uuid.Nil, fmt.Errorf("%w: provider account %s referenced by transaction %s",
			ErrAccountNotFound, delta.ProviderAccountID, delta.ProviderTransactionID)
	}
	return accountID, nil
}

func upsertTransaction(ctx context.Context, tx pgx.Tx, accountIDs map[string]uuid.UUID, delta domain.TransactionDelta) error {
	accountID, err := resolveAccountID(accountIDs, delta)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (id, account_id, provider_transaction_id, amount, date,
		                          name, merchant_name, category, pending, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (account_id, provider_transaction_id) DO UPDATE SET
			amount = EXCLUDED.amount,
			date = EXCLUDED.date,
			name = EXCLUDED.name,
			merchant_name = EXCLUDED.merchant_name,
			category = EXCLUDED.category,
			pending = EXCLUDED.pending,
			updated_at = NOW()
	`, uuid.New(), accountID, delta.ProviderTransactionID, delta.Amount, delta.Date,
		delta.Name, delta.MerchantName, delta.Category, delta.Pending)
	if err != nil {
		return fmt.Errorf("failed to upsert transaction %s: %w", delta.ProviderTransactionID, err)
	}
	return nil
}
