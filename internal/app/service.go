/**
 * @description
 * This file contains the core business logic for the sync service: the
 * orchestrator that coordinates per-institution sync runs, the institution
 * lifecycle (link, relink, delete), and the status updates driven by webhook
 * notifications.
 *
 * Key guarantees:
 * - At most one sync in flight per institution, enforced by an in-process
 *   guard plus a cluster-wide database advisory lock.
 * - Fleet-wide syncs isolate failures: one broken connection never aborts or
 *   corrupts another; results are aggregated, never raised.
 * - Status transitions follow the connection state machine: transient provider
 *   failures move to `error`, auth-class failures to `relink_required`, and
 *   the next successful sync returns the institution to `active`.
 *
 * @notes
 * - This service layer keeps the API handlers thin and focused on HTTP
 *   concerns, while the business logic remains independent.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/centsight/sync-service/internal/domain"
	"github.com/centsight/sync-service/internal/store"
	"github.com/centsight/sync-service/pkg/providerclient"
	"github.com/centsight/sync-service/pkg/rabbitmq"
)

const defaultSyncConcurrency = 4

// Provider is the banking data provider capability the service consumes.
type Provider interface {
	ExchangeToken(ctx context.Context, publicToken string) (*providerclient.ExchangeTokenResponse, error)
	RevokeToken(ctx context.Context, accessToken string) error
	PullTransactions(ctx context.Context, accessToken string, cursor *string) (*providerclient.TransactionsPage, error)
	GetBalances(ctx context.Context, accessToken string) ([]providerclient.AccountBalance, error)
}

// FieldCipher seals and opens sensitive field values (the credential vault).
// It is read-only during sync; tokens are written only by the link/relink flow.
type FieldCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(stored string) (string, error)
}

// SyncService orchestrates provider synchronization for all institutions.
type SyncService struct {
	repo            store.Repository
	provider        Provider
	cipher          FieldCipher
	producer        rabbitmq.Publisher
	auditExchange   string
	puller          *DeltaPuller
	snapshotter     *BalanceSnapshotter
	locks           *institutionLocks
	syncConcurrency int
}

// NewSyncService creates the orchestrator. producer may be nil to disable
// audit publishing; limiter may be nil to disable provider throttling.
func NewSyncService(
	repo store.Repository,
	provider Provider,
	cipher FieldCipher,
	producer rabbitmq.Publisher,
	auditExchange string,
	limiter ProviderRateLimiter,
	rateLimitPerMinute int,
	syncConcurrency int,
) *SyncService {
	if syncConcurrency <= 0 {
		syncConcurrency = defaultSyncConcurrency
	}
	return &SyncService{
		repo:            repo,
		provider:        provider,
		cipher:          cipher,
		producer:        producer,
		auditExchange:   auditExchange,
		puller:          NewDeltaPuller(provider, repo, limiter, rateLimitPerMinute),
		snapshotter:     NewBalanceSnapshotter(repo, cipher),
		locks:           newInstitutionLocks(),
		syncConcurrency: syncConcurrency,
	}
}

// SyncInstitution runs one full sync cycle for a single institution: delta
// pull, account refresh, balance snapshots, status update.
//
// A concurrent call for the same institution is rejected with
// store.ErrSyncInProgress rather than queued. Sync failures are reported in
// the result, not returned; the returned error covers only caller mistakes
// (unknown institution) and lock rejection.
func (s *SyncService) SyncInstitution(ctx context.Context, id uuid.UUID) (domain.SyncResult, error) {
	result := domain.SyncResult{InstitutionID: id}

	if !s.locks.TryAcquire(id) {
		return result, store.ErrSyncInProgress
	}
	defer s.locks.Release(id)

	release, err := s.repo.AcquireSyncLock(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrSyncInProgress) {
			return result, err
		}
		result.Error = fmt.Sprintf("failed to acquire sync lock: %v", err)
		return result, nil
	}
	defer release()

	inst, err := s.repo.GetInstitution(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrInstitutionNotFound) {
			return result, err
		}
		result.Error = err.Error()
		return result, nil
	}

	log.Printf("level=info component=sync msg=\"sync started\" institution_id=%s status=%s", id, inst.Status)

	accessToken, err := s.cipher.Decrypt(inst.AccessTokenEncrypted)
	if err != nil {
		// Authenticated decryption failed on a well-formed value: tampering or
		// corruption. Surfaced as this institution's failure, never swallowed,
		// and deliberately not mapped to a provider status transition.
		log.Printf("level=error component=sync msg=\"access token integrity failure\" institution_id=%s err=%v", id, err)
		result.Error = err.Error()
		return result, nil
	}

	// Refresh accounts first so delta pages always find their account rows,
	// then pull, then record snapshots only after the pull succeeded.
	balances, err := s.provider.GetBalances(ctx, accessToken)
	if err != nil {
		return s.failSync(ctx, result, err), nil
	}
	accounts, err := s.snapshotter.SyncAccounts(ctx, id, balances)
	if err != nil {
		return s.failSync(ctx, result, err), nil
	}

	stats, err := s.puller.Pull(ctx, id, accessToken, inst.SyncCursor)
	result.Added = stats.Added
	result.Modified = stats.Modified
	result.Removed = stats.Removed
	if err != nil {
		return s.failSync(ctx, result, err), nil
	}

	if err := s.snapshotter.RecordSnapshots(ctx, accounts, time.Now()); err != nil {
		return s.failSync(ctx, result, err), nil
	}

	// Success clears any previous error code and returns the institution to
	// active, including after a completed relink.
	if err := s.repo.UpdateInstitutionStatus(ctx, id, domain.InstitutionStatusActive, nil); err != nil {
		return s.failSync(ctx, result, &persistenceError{err: err}), nil
	}
	if err := s.repo.MarkInstitutionSynced(ctx, id, time.Now().UTC()); err != nil {
		log.Printf("level=warn component=sync msg=\"failed to record last_synced_at\" institution_id=%s err=%v", id, err)
	}

	result.Success = true
	log.Printf("level=info component=sync msg=\"sync finished\" institution_id=%s added=%d modified=%d removed=%d pages=%d",
		id, stats.Added, stats.Modified, stats.Removed, stats.Pages)
	return result, nil
}

// failSync classifies a sync failure, persists the resulting status and fills
// in the result. The status write uses a fresh context when the sync's own
// context is already canceled.
func (s *SyncService) failSync(ctx context.Context, result domain.SyncResult, err error) domain.SyncResult {
	status, code := classifySyncFailure(err)
	result.Error = err.Error()

	updateCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		updateCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if uerr := s.repo.UpdateInstitutionStatus(updateCtx, result.InstitutionID, status, &code); uerr != nil {
		log.Printf("level=error component=sync msg=\"failed to persist status transition\" institution_id=%s status=%s err=%v",
			result.InstitutionID, status, uerr)
	}

	log.Printf("level=error component=sync msg=\"sync failed\" institution_id=%s status=%s code=%s err=%v",
		result.InstitutionID, status, code, err)
	return result
}

// SyncAllInstitutions runs one sync per syncable institution with bounded
// concurrency. Institutions run independently; each result reports its own
// outcome. Cancellation skips institutions that have not started and lets
// in-flight ones finish their current page atomically.
func (s *SyncService) SyncAllInstitutions(ctx context.Context) ([]domain.SyncResult, error) {
	institutions, err := s.repo.ListSyncableInstitutions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list institutions: %w", err)
	}

	results := make([]domain.SyncResult, len(institutions))
	sem := make(chan struct{}, s.syncConcurrency)
	var wg sync.WaitGroup

	for i, inst := range institutions {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			if ctx.Err() != nil {
				results[i] = domain.SyncResult{InstitutionID: id, Error: "sync canceled before start"}
				return
			}

			result, err := s.SyncInstitution(ctx, id)
			if err != nil {
				result = domain.SyncResult{InstitutionID: id, Error: err.Error()}
			}
			results[i] = result
		}(i, inst.ID)
	}
	wg.Wait()

	return results, nil
}

// SyncInstitutionByItemID resolves a provider item id (as delivered in
// webhooks) and syncs the matching institution.
func (s *SyncService) SyncInstitutionByItemID(ctx context.Context, providerItemID string) (domain.SyncResult, error) {
	inst, err := s.repo.GetInstitutionByItemID(ctx, providerItemID)
	if err != nil {
		return domain.SyncResult{}, err
	}
	return s.SyncInstitution(ctx, inst.ID)
}

// MarkItemError applies a provider item-error notification: auth-class codes
// require a relink, anything else is a transient error.
func (s *SyncService) MarkItemError(ctx context.Context, providerItemID, errorCode string) error {
	inst, err := s.repo.GetInstitutionByItemID(ctx, providerItemID)
	if err != nil {
		return err
	}

	status := domain.InstitutionStatusError
	if IsAuthErrorCode(errorCode) {
		status = domain.InstitutionStatusRelinkRequired
	}
	log.Printf("level=warn component=sync msg=\"item error reported by provider\" institution_id=%s code=%s status=%s", inst.ID, errorCode, status)
	return s.repo.UpdateInstitutionStatus(ctx, inst.ID, status, &errorCode)
}

// MarkPendingExpiration flags an institution whose consent is about to expire;
// the user must relink before the next sync can succeed.
func (s *SyncService) MarkPendingExpiration(ctx context.Context, providerItemID string) error {
	inst, err := s.repo.GetInstitutionByItemID(ctx, providerItemID)
	if err != nil {
		return err
	}
	code := "PENDING_EXPIRATION"
	return s.repo.UpdateInstitutionStatus(ctx, inst.ID, domain.InstitutionStatusRelinkRequired, &code)
}

// LinkInstitution exchanges the link flow's public token, stores the new
// institution with an encrypted access token and seeds its account rows.
func (s *SyncService) LinkInstitution(ctx context.Context, publicToken, sourceIP string) (*domain.Institution, error) {
	exchanged, err := s.provider.ExchangeToken(ctx, publicToken)
	if err != nil {
		return nil, fmt.Errorf("token exchange failed: %w", err)
	}

	encryptedToken, err := s.cipher.Encrypt(exchanged.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt access token: %w", err)
	}

	inst := &domain.Institution{
		ID:                   uuid.New(),
		Name:                 exchanged.InstitutionName,
		ProviderItemID:       exchanged.ItemID,
		AccessTokenEncrypted: encryptedToken,
		Status:               domain.InstitutionStatusActive,
	}
	if err := s.repo.CreateInstitution(ctx, inst); err != nil {
		return nil, fmt.Errorf("failed to store institution: %w", err)
	}

	// Seed account rows so the first delta pull finds them. Best effort: the
	// next sync cycle repairs anything missed here.
	if balances, err := s.provider.GetBalances(ctx, exchanged.AccessToken); err != nil {
		log.Printf("level=warn component=link msg=\"initial balance fetch failed; accounts created on first sync\" institution_id=%s err=%v", inst.ID, err)
	} else if _, err := s.snapshotter.SyncAccounts(ctx, inst.ID, balances); err != nil {
		log.Printf("level=warn component=link msg=\"initial account seed failed\" institution_id=%s err=%v", inst.ID, err)
	}

	s.publishAudit(domain.AuditActionInstitutionLinked, sourceIP, map[string]string{
		"institution_id":   inst.ID.String(),
		"institution_name": inst.Name,
	})
	log.Printf("level=info component=link msg=\"institution linked\" institution_id=%s name=%q", inst.ID, inst.Name)
	return inst, nil
}

// RelinkInstitution installs a fresh access token after the user re-authenticated.
// The status advances to active only once the next sync succeeds.
func (s *SyncService) RelinkInstitution(ctx context.Context, id uuid.UUID, publicToken, sourceIP string) error {
	inst, err := s.repo.GetInstitution(ctx, id)
	if err != nil {
		return err
	}

	exchanged, err := s.provider.ExchangeToken(ctx, publicToken)
	if err != nil {
		return fmt.Errorf("token exchange failed: %w", err)
	}
	encryptedToken, err := s.cipher.Encrypt(exchanged.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}
	if err := s.repo.UpdateInstitutionToken(ctx, id, encryptedToken); err != nil {
		return err
	}

	s.publishAudit(domain.AuditActionInstitutionRelinked, sourceIP, map[string]string{
		"institution_id": id.String(),
	})
	log.Printf("level=info component=link msg=\"institution relinked\" institution_id=%s previous_status=%s", id, inst.Status)
	return nil
}

// DeleteInstitution revokes the provider token (best effort) and removes the
// institution; accounts, transactions and snapshots cascade.
func (s *SyncService) DeleteInstitution(ctx context.Context, id uuid.UUID, sourceIP string) error {
	inst, err := s.repo.GetInstitution(ctx, id)
	if err != nil {
		return err
	}

	if accessToken, err := s.cipher.Decrypt(inst.AccessTokenEncrypted); err != nil {
		log.Printf("level=warn component=link msg=\"skipping token revocation; stored token unreadable\" institution_id=%s err=%v", id, err)
	} else if err := s.provider.RevokeToken(ctx, accessToken); err != nil {
		log.Printf("level=warn component=link msg=\"token revocation failed; deleting locally anyway\" institution_id=%s err=%v", id, err)
	}

	if err := s.repo.DeleteInstitution(ctx, id); err != nil {
		return err
	}

	s.publishAudit(domain.AuditActionInstitutionDeleted, sourceIP, map[string]string{
		"institution_id":   id.String(),
		"institution_name": inst.Name,
	})
	log.Printf("level=info component=link msg=\"institution deleted\" institution_id=%s", id)
	return nil
}

// ListInstitutions returns every linked institution.
func (s *SyncService) ListInstitutions(ctx context.Context) ([]domain.Institution, error) {
	return s.repo.ListInstitutions(ctx)
}

// publishAudit emits a fire-and-forget audit event. Failures are logged and
// never affect the operation that produced the event.
func (s *SyncService) publishAudit(action, sourceIP string, metadata map[string]string) {
	if s.producer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	event := domain.AuditEvent{
		Action:     action,
		SourceIP:   sourceIP,
		Metadata:   metadata,
		OccurredAt: time.Now().UTC(),
	}
	if err := s.producer.Publish(ctx, s.auditExchange, action, event); err != nil {
		log.Printf("level=warn component=audit msg=\"audit publish failed\" action=%s err=%v", action, err)
	}
}
