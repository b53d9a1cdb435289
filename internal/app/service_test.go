package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/centsight/sync-service/internal/domain"
	"github.com/centsight/sync-service/internal/store"
	"github.com/centsight/sync-service/pkg/providerclient"
)

type plainCipher struct{}

func (plainCipher) Encrypt(plaintext string) (string, error) { return "enc:" + plaintext, nil }
func (plainCipher) Decrypt(stored string) (string, error) {
	return strings.TrimPrefix(stored, "enc:"), nil
}

type statusUpdate struct {
	status domain.InstitutionStatus
	code   *string
}

type syncRepoStub struct {
	store.Repository

	mu           sync.Mutex
	institutions map[uuid.UUID]*domain.Institution
	statusLog    map[uuid.UUID][]statusUpdate
	syncedAt     map[uuid.UUID]time.Time
	dbLockBusy   bool
	applyErr     error
	applied      []domain.TransactionsPage
	accounts     []domain.Account
	snapshots    []domain.BalanceSnapshot
	created      *domain.Institution
	tokenUpdates map[uuid.UUID]string
	deleted      []uuid.UUID
}

func newSyncRepoStub(institutions ...*domain.Institution) *syncRepoStub {
	s := &syncRepoStub{
		institutions: make(map[uuid.UUID]*domain.Institution),
		statusLog:    make(map[uuid.UUID][]statusUpdate),
		syncedAt:     make(map[uuid.UUID]time.Time),
		tokenUpdates: make(map[uuid.UUID]string),
	}
	for _, inst := range institutions {
		s.institutions[inst.ID] = inst
	}
	return s
}

func (s *syncRepoStub) GetInstitution(ctx context.Context, id uuid.UUID) (*domain.Institution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.institutions[id]
	if !ok {
		return nil, store.ErrInstitutionNotFound
	}
	copied := *inst
	return &copied, nil
}

func (s *syncRepoStub) GetInstitutionByItemID(ctx context.Context, providerItemID string) (*domain.Institution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, inst := range s.institutions {
		if inst.ProviderItemID == providerItemID {
			copied := *inst
			return &copied, nil
		}
	}
	return nil, store.ErrInstitutionNotFound
}

func (s *syncRepoStub) ListSyncableInstitutions(ctx context.Context) ([]domain.Institution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Institution
	for _, inst := range s.institutions {
		if inst.Status != domain.InstitutionStatusRelinkRequired {
			out = append(out, *inst)
		}
	}
	return out, nil
}

func (s *syncRepoStub) ListInstitutions(ctx context.Context) ([]domain.Institution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Institution
	for _, inst := range s.institutions {
		out = append(out, *inst)
	}
	return out, nil
}

func (s *syncRepoStub) UpdateInstitutionStatus(ctx context.Context, id uuid.UUID, status domain.InstitutionStatus, errorCode *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusLog[id] = append(s.statusLog[id], statusUpdate{status: status, code: errorCode})
	if inst, ok := s.institutions[id]; ok {
		inst.Status = status
		inst.ErrorCode = errorCode
	}
	return nil
}

func (s *syncRepoStub) UpdateInstitutionToken(ctx context.Context, id uuid.UUID, encryptedToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.institutions[id]; !ok {
		return store.ErrInstitutionNotFound
	}
	s.tokenUpdates[id] = encryptedToken
	return nil
}

func (s *syncRepoStub) MarkInstitutionSynced(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncedAt[id] = at
	return nil
}

func (s *syncRepoStub) AcquireSyncLock(ctx context.Context, id uuid.UUID) (store.ReleaseFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dbLockBusy {
		return nil, store.ErrSyncInProgress
	}
	return func() {}, nil
}

func (s *syncRepoStub) CreateInstitution(ctx context.Context, inst *domain.Institution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = inst
	copied := *inst
	s.institutions[inst.ID] = &copied
	return nil
}

func (s *syncRepoStub) DeleteInstitution(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.institutions[id]; !ok {
		return store.ErrInstitutionNotFound
	}
	delete(s.institutions, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *syncRepoStub) UpsertAccount(ctx context.Context, account *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = append(s.accounts, *account)
	return nil
}

func (s *syncRepoStub) UpsertBalanceSnapshot(ctx context.Context, snapshot *domain.BalanceSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, *snapshot)
	return nil
}

func (s *syncRepoStub) ApplyTransactionsPage(ctx context.Context, institutionID uuid.UUID, page domain.TransactionsPage) (store.PageResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.applyErr != nil {
		return store.PageResult{}, s.applyErr
	}
	s.applied = append(s.applied, page)
	return store.PageResult{Added: len(page.Added), Modified: len(page.Modified), Removed: len(page.RemovedIDs)}, nil
}

func (s *syncRepoStub) lastStatus(id uuid.UUID) (statusUpdate, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updates := s.statusLog[id]
	if len(updates) == 0 {
		return statusUpdate{}, false
	}
	return updates[len(updates)-1], true
}

type providerStub struct {
	exchange func(ctx context.Context, publicToken string) (*providerclient.ExchangeTokenResponse, error)
	revoke   func(ctx context.Context, accessToken string) error
	pull     func(ctx context.Context, accessToken string, cursor *string) (*providerclient.TransactionsPage, error)
	balances func(ctx context.Context, accessToken string) ([]providerclient.AccountBalance, error)
}

func (p *providerStub) ExchangeToken(ctx context.Context, publicToken string) (*providerclient.ExchangeTokenResponse, error) {
	if p.exchange == nil {
		return &providerclient.ExchangeTokenResponse{AccessToken: "access-token", ItemID: "item-1", InstitutionName: "First Bank"}, nil
	}
	return p.exchange(ctx, publicToken)
}

func (p *providerStub) RevokeToken(ctx context.Context, accessToken string) error {
	if p.revoke == nil {
		return nil
	}
	return p.revoke(ctx, accessToken)
}

func (p *providerStub) PullTransactions(ctx context.Context, accessToken string, cursor *string) (*providerclient.TransactionsPage, error) {
	if p.pull == nil {
		return &providerclient.TransactionsPage{NextCursor: "cursor-1", HasMore: false}, nil
	}
	return p.pull(ctx, accessToken, cursor)
}

func (p *providerStub) GetBalances(ctx context.Context, accessToken string) ([]providerclient.AccountBalance, error) {
	if p.balances == nil {
		return []providerclient.AccountBalance{{
			AccountID:        "acc-1",
			Name:             "Checking",
			Type:             "depository",
			Subtype:          "checking",
			CurrentBalance:   decimal.NewFromInt(100),
			AvailableBalance: decimal.NewFromInt(90),
		}}, nil
	}
	return p.balances(ctx, accessToken)
}

func newTestInstitution(status domain.InstitutionStatus) *domain.Institution {
	return &domain.Institution{
		ID:                   uuid.New(),
		Name:                 "First Bank",
		ProviderItemID:       "item-" + uuid.NewString(),
		AccessTokenEncrypted: "enc:access-token",
		Status:               status,
	}
}

func newTestService(repo store.Repository, provider Provider) *SyncService {
	return NewSyncService(repo, provider, plainCipher{}, nil, "centsight.audit", nil, 0, 2)
}

func TestSyncInstitution_SuccessReturnsErroredInstitutionToActive(t *testing.T) {
	inst := newTestInstitution(domain.InstitutionStatusError)
	repo := newSyncRepoStub(inst)
	service := newTestService(repo, &providerStub{
		pull: func(ctx context.Context, accessToken string, cursor *string) (*providerclient.TransactionsPage, error) {
			return &providerclient.TransactionsPage{
				Added: []providerclient.WireTransaction{
					{TransactionID: "txn-1", AccountID: "acc-1", Amount: decimal.NewFromInt(25), Date: "2026-08-27", Name: "Coffee"},
				},
				NextCursor: "cursor-1",
				HasMore:    false,
			}, nil
		},
	})

	result, err := service.SyncInstitution(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Error)
	}
	if result.Added != 1 {
		t.Fatalf("expected 1 added, got %d", result.Added)
	}

	last, ok := repo.lastStatus(inst.ID)
	if !ok {
		t.Fatal("expected a status transition")
	}
	if last.status != domain.InstitutionStatusActive {
		t.Fatalf("expected active, got %s", last.status)
	}
	if last.code != nil {
		t.Fatalf("expected error code cleared, got %q", *last.code)
	}
	if _, ok := repo.syncedAt[inst.ID]; !ok {
		t.Fatal("expected last_synced_at to be recorded")
	}
	if len(repo.snapshots) == 0 {
		t.Fatal("expected balance snapshots after a successful pull")
	}
}

func TestSyncInstitution_AuthFailureRequiresRelink(t *testing.T) {
	inst := newTestInstitution(domain.InstitutionStatusActive)
	repo := newSyncRepoStub(inst)
	service := newTestService(repo, &providerStub{
		balances: func(ctx context.Context, accessToken string) ([]providerclient.AccountBalance, error) {
			return nil, &providerclient.APIError{StatusCode: 400, ErrorType: "ITEM_ERROR", ErrorCode: "ITEM_LOGIN_REQUIRED"}
		},
	})

	result, err := service.SyncInstitution(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Success {
		t.Fatal("expected failure result")
	}

	last, ok := repo.lastStatus(inst.ID)
	if !ok {
		t.Fatal("expected a status transition")
	}
	if last.status != domain.InstitutionStatusRelinkRequired {
		t.Fatalf("expected relink_required, got %s", last.status)
	}
	if last.code == nil || *last.code != "ITEM_LOGIN_REQUIRED" {
		t.Fatalf("expected ITEM_LOGIN_REQUIRED code, got %v", last.code)
	}
}

func TestSyncInstitution_TransportFailureIsTransient(t *testing.T) {
	inst := newTestInstitution(domain.InstitutionStatusActive)
	repo := newSyncRepoStub(inst)
	service := newTestService(repo, &providerStub{
		balances: func(ctx context.Context, accessToken string) ([]providerclient.AccountBalance, error) {
			return nil, errors.New("dial tcp: connection refused")
		},
	})

	result, err := service.SyncInstitution(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Success {
		t.Fatal("expected failure result")
	}

	last, _ := repo.lastStatus(inst.ID)
	if last.status != domain.InstitutionStatusError {
		t.Fatalf("expected error status, got %s", last.status)
	}
	if last.code == nil || *last.code != "PROVIDER_UNREACHABLE" {
		t.Fatalf("expected PROVIDER_UNREACHABLE code, got %v", last.code)
	}
}

func TestSyncInstitution_PersistenceFailureDoesNotRequireRelink(t *testing.T) {
	inst := newTestInstitution(domain.InstitutionStatusActive)
	repo := newSyncRepoStub(inst)
	repo.applyErr = errors.New("deadlock detected")
	service := newTestService(repo, &providerStub{})

	result, err := service.SyncInstitution(context.Background(), inst.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Success {
		t.Fatal("expected failure result")
	}

	last, _ := repo.lastStatus(inst.ID)
	if last.status != domain.InstitutionStatusError {
		t.Fatalf("expected error status, got %s", last.status)
	}
	if last.code == nil || *last.code != "PERSISTENCE_FAILURE" {
		t.Fatalf("expected PERSISTENCE_FAILURE code, got %v", last.code)
	}
	if len(repo.snapshots) != 0 {
		t.Fatal("did not expect snapshots after a failed pull")
	}
}

func TestSyncInstitution_RejectsConcurrentRunInProcess(t *testing.T) {
	inst := newTestInstitution(domain.InstitutionStatusActive)
	repo := newSyncRepoStub(inst)
	service := newTestService(repo, &providerStub{})

	if !service.locks.TryAcquire(inst.ID) {
		t.Fatal("expected to acquire the in-process lock")
	}
	defer service.locks.Release(inst.ID)

	_, err := service.SyncInstitution(context.Background(), inst.ID)
	if !errors.Is(err, store.ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
	if _, ok := repo.lastStatus(inst.ID); ok {
		t.Fatal("a rejected sync must not touch institution status")
	}
}

func TestSyncInstitution_WebhookDuringScheduledSyncPullsOnce(t *testing.T) {
	inst := newTestInstitution(domain.InstitutionStatusActive)
	repo := newSyncRepoStub(inst)

	entered := make(chan struct{})
	proceed := make(chan struct{})
	var once sync.Once
	service := newTestService(repo, &providerStub{
		balances: func(ctx context.Context, accessToken string) ([]providerclient.AccountBalance, error) {
			once.Do(func() {
				close(entered)
				<-proceed
			})
			return []providerclient.AccountBalance{{
				AccountID:      "acc-1",
				Name:           "Checking",
				CurrentBalance: decimal.NewFromInt(100),
			}}, nil
		},
	})

	firstDone := make(chan domain.SyncResult, 1)
	go func() {
		result, _ := service.SyncInstitution(context.Background(), inst.ID)
		firstDone <- result
	}()
	<-entered

	// A webhook for the same item arrives mid-sync: rejected, not queued.
	_, err := service.SyncInstitutionByItemID(context.Background(), inst.ProviderItemID)
	if !errors.Is(err, store.ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}

	close(proceed)
	result := <-firstDone
	if !result.Success {
		t.Fatalf("expected the in-flight sync to finish, got error %q", result.Error)
	}
	if len(repo.applied) != 1 {
		t.Fatalf("expected exactly one pull, got %d pages applied", len(repo.applied))
	}
}

func TestSyncInstitution_RejectsWhenAdvisoryLockHeld(t *testing.T) {
	inst := newTestInstitution(domain.InstitutionStatusActive)
	repo := newSyncRepoStub(inst)
	repo.dbLockBusy = true
	service := newTestService(repo, &providerStub{})

	_, err := service.SyncInstitution(context.Background(), inst.ID)
	if !errors.Is(err, store.ErrSyncInProgress) {
		t.Fatalf("expected ErrSyncInProgress, got %v", err)
	}
}

func TestSyncInstitution_UnknownInstitution(t *testing.T) {
	repo := newSyncRepoStub()
	service := newTestService(repo, &providerStub{})

	_, err := service.SyncInstitution(context.Background(), uuid.New())
	if !errors.Is(err, store.ErrInstitutionNotFound) {
		t.Fatalf("expected ErrInstitutionNotFound, got %v", err)
	}
}

func TestSyncAllInstitutions_IsolatesFailures(t *testing.T) {
	healthy := newTestInstitution(domain.InstitutionStatusActive)
	broken := newTestInstitution(domain.InstitutionStatusActive)
	broken.AccessTokenEncrypted = "enc:broken-token"
	repo := newSyncRepoStub(healthy, broken)

	service := newTestService(repo, &providerStub{
		balances: func(ctx context.Context, accessToken string) ([]providerclient.AccountBalance, error) {
			if accessToken == "broken-token" {
				return nil, errors.New("connection reset by peer")
			}
			return []providerclient.AccountBalance{{
				AccountID:      "acc-1",
				Name:           "Checking",
				CurrentBalance: decimal.NewFromInt(100),
			}}, nil
		},
	})

	results, err := service.SyncAllInstitutions(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	outcomes := make(map[uuid.UUID]domain.SyncResult, len(results))
	for _, result := range results {
		outcomes[result.InstitutionID] = result
	}
	if !outcomes[healthy.ID].Success {
		t.Fatalf("expected healthy institution to sync, got error %q", outcomes[healthy.ID].Error)
	}
	if outcomes[broken.ID].Success {
		t.Fatal("expected broken institution to fail")
	}

	last, _ := repo.lastStatus(broken.ID)
	if last.status != domain.InstitutionStatusError {
		t.Fatalf("expected broken institution in error status, got %s", last.status)
	}
}

func TestSyncAllInstitutions_SkipsRelinkRequired(t *testing.T) {
	relink := newTestInstitution(domain.InstitutionStatusRelinkRequired)
	active := newTestInstitution(domain.InstitutionStatusActive)
	repo := newSyncRepoStub(relink, active)
	service := newTestService(repo, &providerStub{})

	results, err := service.SyncAllInstitutions(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	if results[0].InstitutionID != active.ID {
		t.Fatal("expected only the active institution to sync")
	}
}

func TestMarkItemError_AuthCodeRequiresRelink(t *testing.T) {
	inst := newTestInstitution(domain.InstitutionStatusActive)
	repo := newSyncRepoStub(inst)
	service := newTestService(repo, &providerStub{})

	if err := service.MarkItemError(context.Background(), inst.ProviderItemID, "USER_PERMISSION_REVOKED"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	last, _ := repo.lastStatus(inst.ID)
	if last.status != domain.InstitutionStatusRelinkRequired {
		t.Fatalf("expected relink_required, got %s", last.status)
	}
}

func TestMarkItemError_NonAuthCodeIsTransient(t *testing.T) {
	inst := newTestInstitution(domain.InstitutionStatusActive)
	repo := newSyncRepoStub(inst)
	service := newTestService(repo, &providerStub{})

	if err := service.MarkItemError(context.Background(), inst.ProviderItemID, "INSTITUTION_DOWN"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	last, _ := repo.lastStatus(inst.ID)
	if last.status != domain.InstitutionStatusError {
		t.Fatalf("expected error status, got %s", last.status)
	}
}

func TestLinkInstitution_EncryptsAccessToken(t *testing.T) {
	repo := newSyncRepoStub()
	service := newTestService(repo, &providerStub{})

	inst, err := service.LinkInstitution(context.Background(), "public-token", "10.0.0.1")
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.created == nil {
		t.Fatal("expected institution to be stored")
	}
	if repo.created.AccessTokenEncrypted != "enc:access-token" {
		t.Fatalf("expected encrypted token in storage, got %q", repo.created.AccessTokenEncrypted)
	}
	if inst.Status != domain.InstitutionStatusActive {
		t.Fatalf("expected new institution active, got %s", inst.Status)
	}
	if len(repo.accounts) == 0 {
		t.Fatal("expected account rows to be seeded at link time")
	}
}

func TestRelinkInstitution_InstallsFreshToken(t *testing.T) {
	inst := newTestInstitution(domain.InstitutionStatusRelinkRequired)
	repo := newSyncRepoStub(inst)
	service := newTestService(repo, &providerStub{
		exchange: func(ctx context.Context, publicToken string) (*providerclient.ExchangeTokenResponse, error) {
			return &providerclient.ExchangeTokenResponse{AccessToken: "fresh-token", ItemID: inst.ProviderItemID}, nil
		},
	})

	if err := service.RelinkInstitution(context.Background(), inst.ID, "public-token", "10.0.0.1"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if repo.tokenUpdates[inst.ID] != "enc:fresh-token" {
		t.Fatalf("expected fresh encrypted token, got %q", repo.tokenUpdates[inst.ID])
	}
	// The status only advances to active once the next sync succeeds.
	if _, ok := repo.lastStatus(inst.ID); ok {
		t.Fatal("relink must not set the status directly")
	}
}

func TestDeleteInstitution_RevocationFailureStillDeletes(t *testing.T) {
	inst := newTestInstitution(domain.InstitutionStatusActive)
	repo := newSyncRepoStub(inst)
	service := newTestService(repo, &providerStub{
		revoke: func(ctx context.Context, accessToken string) error {
			return errors.New("provider unavailable")
		},
	})

	if err := service.DeleteInstitution(context.Background(), inst.ID, "10.0.0.1"); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if len(repo.deleted) != 1 || repo.deleted[0] != inst.ID {
		t.Fatal("expected institution to be deleted locally")
	}
}
