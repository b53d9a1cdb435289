package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/centsight/sync-service/internal/domain"
	"github.com/centsight/sync-service/internal/store"
	"github.com/centsight/sync-service/pkg/providerclient"
)

type feedStub struct {
	pages   []*providerclient.TransactionsPage
	cursors []*string
}

func (f *feedStub) PullTransactions(ctx context.Context, accessToken string, cursor *string) (*providerclient.TransactionsPage, error) {
	f.cursors = append(f.cursors, cursor)
	if len(f.pages) == 0 {
		return nil, errors.New("feed exhausted unexpectedly")
	}
	page := f.pages[0]
	f.pages = f.pages[1:]
	return page, nil
}

type pageRepoStub struct {
	store.TransactionRepository

	applied  []domain.TransactionsPage
	failPage int
}

func (r *pageRepoStub) ApplyTransactionsPage(ctx context.Context, institutionID uuid.UUID, page domain.TransactionsPage) (store.PageResult, error) {
	if r.failPage > 0 && len(r.applied)+1 == r.failPage {
		return store.PageResult{}, errors.New("deadlock detected")
	}
	r.applied = append(r.applied, page)
	return store.PageResult{Added: len(page.Added), Modified: len(page.Modified), Removed: len(page.RemovedIDs)}, nil
}

// ledgerKey mirrors the storage idempotency key: one row per account and
// external transaction id.
type ledgerKey struct {
	providerAccountID     string
	providerTransactionID string
}

// ledgerRepoStub applies pages the way the real store does: removals first,
// then adds/modifications as keyed overwrites.
type ledgerRepoStub struct {
	store.TransactionRepository

	rows map[ledgerKey]domain.TransactionDelta
}

func (r *ledgerRepoStub) ApplyTransactionsPage(ctx context.Context, institutionID uuid.UUID, page domain.TransactionsPage) (store.PageResult, error) {
	if r.rows == nil {
		r.rows = make(map[ledgerKey]domain.TransactionDelta)
	}
	for _, removedID := range page.RemovedIDs {
		for key := range r.rows {
			if key.providerTransactionID == removedID {
				delete(r.rows, key)
			}
		}
	}
	for _, delta := range append(page.Added, page.Modified...) {
		r.rows[ledgerKey{delta.ProviderAccountID, delta.ProviderTransactionID}] = delta
	}
	return store.PageResult{Added: len(page.Added), Modified: len(page.Modified), Removed: len(page.RemovedIDs)}, nil
}

func wireTxn(id, account, date string, amount int64) providerclient.WireTransaction {
	return providerclient.WireTransaction{
		TransactionID: id,
		AccountID:     account,
		Amount:        decimal.NewFromInt(amount),
		Date:          date,
		Name:          "txn " + id,
	}
}

func TestPull_PagesInOrderAndAggregatesStats(t *testing.T) {
	feed := &feedStub{pages: []*providerclient.TransactionsPage{
		{
			Added:      []providerclient.WireTransaction{wireTxn("txn-1", "acc-1", "2026-08-25", 10), wireTxn("txn-2", "acc-1", "2026-08-25", 20)},
			NextCursor: "cursor-1",
			HasMore:    true,
		},
		{
			Modified:   []providerclient.WireTransaction{wireTxn("txn-1", "acc-1", "2026-08-26", 15)},
			Removed:    []providerclient.RemovedTransaction{{TransactionID: "txn-0"}},
			NextCursor: "cursor-2",
			HasMore:    true,
		},
		{
			NextCursor: "cursor-3",
			HasMore:    false,
		},
	}}
	repo := &pageRepoStub{}
	puller := NewDeltaPuller(feed, repo, nil, 0)

	stats, err := puller.Pull(context.Background(), uuid.New(), "token", nil)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if stats.Added != 2 || stats.Modified != 1 || stats.Removed != 1 || stats.Pages != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if len(feed.cursors) != 3 {
		t.Fatalf("expected 3 feed requests, got %d", len(feed.cursors))
	}
	if feed.cursors[0] != nil {
		t.Fatalf("expected initial pull to pass nil cursor, got %q", *feed.cursors[0])
	}
	if *feed.cursors[1] != "cursor-1" || *feed.cursors[2] != "cursor-2" {
		t.Fatal("expected each page to be requested with the previous page's cursor")
	}

	if len(repo.applied) != 3 {
		t.Fatalf("expected 3 pages applied, got %d", len(repo.applied))
	}
	if repo.applied[0].NextCursor != "cursor-1" || repo.applied[1].NextCursor != "cursor-2" {
		t.Fatal("expected pages applied in delivery order with their own cursors")
	}
}

func TestPull_FailedPageStopsWithoutAdvancing(t *testing.T) {
	feed := &feedStub{pages: []*providerclient.TransactionsPage{
		{
			Added:      []providerclient.WireTransaction{wireTxn("txn-1", "acc-1", "2026-08-25", 10)},
			NextCursor: "cursor-1",
			HasMore:    true,
		},
		{
			Added:      []providerclient.WireTransaction{wireTxn("txn-2", "acc-1", "2026-08-26", 20)},
			NextCursor: "cursor-2",
			HasMore:    true,
		},
	}}
	repo := &pageRepoStub{failPage: 2}
	puller := NewDeltaPuller(feed, repo, nil, 0)

	stats, err := puller.Pull(context.Background(), uuid.New(), "token", nil)
	if err == nil {
		t.Fatal("expected an error from the failed page")
	}
	var pErr *persistenceError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected a persistence failure, got %v", err)
	}

	// Only the first page counts; the failed page is re-requested next pull
	// because its cursor advance rolled back with its writes.
	if stats.Added != 1 || stats.Pages != 1 {
		t.Fatalf("unexpected stats after failure: %+v", stats)
	}
	if len(repo.applied) != 1 || repo.applied[0].NextCursor != "cursor-1" {
		t.Fatal("expected exactly the first page to be applied")
	}
}

func TestPull_ResumesFromStoredCursor(t *testing.T) {
	feed := &feedStub{pages: []*providerclient.TransactionsPage{
		{NextCursor: "cursor-9", HasMore: false},
	}}
	puller := NewDeltaPuller(feed, &pageRepoStub{}, nil, 0)

	stored := "cursor-8"
	if _, err := puller.Pull(context.Background(), uuid.New(), "token", &stored); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if feed.cursors[0] == nil || *feed.cursors[0] != "cursor-8" {
		t.Fatal("expected the pull to resume from the stored cursor")
	}
}

func TestPull_RejectsUnparseableDate(t *testing.T) {
	feed := &feedStub{pages: []*providerclient.TransactionsPage{
		{
			Added:      []providerclient.WireTransaction{wireTxn("txn-1", "acc-1", "yesterday", 10)},
			NextCursor: "cursor-1",
			HasMore:    false,
		},
	}}
	repo := &pageRepoStub{}
	puller := NewDeltaPuller(feed, repo, nil, 0)

	if _, err := puller.Pull(context.Background(), uuid.New(), "token", nil); err == nil {
		t.Fatal("expected an error for an unparseable transaction date")
	}
	if len(repo.applied) != 0 {
		t.Fatal("a malformed page must not be applied")
	}
}

func TestPull_RedeliveredTransactionUpsertsOnce(t *testing.T) {
	feed := &feedStub{pages: []*providerclient.TransactionsPage{
		{
			Added:      []providerclient.WireTransaction{wireTxn("txn-1", "acc-1", "2026-08-25", 10)},
			NextCursor: "cursor-1",
			HasMore:    true,
		},
		{
			Modified:   []providerclient.WireTransaction{wireTxn("txn-1", "acc-1", "2026-08-26", 35)},
			Removed:    []providerclient.RemovedTransaction{{TransactionID: "txn-stale"}},
			NextCursor: "cursor-2",
			HasMore:    false,
		},
	}}
	repo := &ledgerRepoStub{rows: map[ledgerKey]domain.TransactionDelta{
		{"acc-1", "txn-stale"}: {ProviderAccountID: "acc-1", ProviderTransactionID: "txn-stale"},
	}}
	puller := NewDeltaPuller(feed, repo, nil, 0)

	if _, err := puller.Pull(context.Background(), uuid.New(), "token", nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}

	if len(repo.rows) != 1 {
		t.Fatalf("expected exactly one stored row, got %d", len(repo.rows))
	}
	row, ok := repo.rows[ledgerKey{"acc-1", "txn-1"}]
	if !ok {
		t.Fatal("expected the row keyed by account and external transaction id")
	}
	if !row.Amount.Equal(decimal.NewFromInt(35)) || row.Date.Format("2006-01-02") != "2026-08-26" {
		t.Fatalf("expected the later delivery's values to win, got %+v", row)
	}
}

func TestPull_KeepsAmountSign(t *testing.T) {
	feed := &feedStub{pages: []*providerclient.TransactionsPage{
		{
			Added: []providerclient.WireTransaction{
				wireTxn("debit", "acc-1", "2026-08-25", 42),
				wireTxn("credit", "acc-1", "2026-08-25", -42),
			},
			NextCursor: "cursor-1",
			HasMore:    false,
		},
	}}
	repo := &pageRepoStub{}
	puller := NewDeltaPuller(feed, repo, nil, 0)

	if _, err := puller.Pull(context.Background(), uuid.New(), "token", nil); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	added := repo.applied[0].Added
	if !added[0].Amount.Equal(decimal.NewFromInt(42)) || !added[1].Amount.Equal(decimal.NewFromInt(-42)) {
		t.Fatal("expected provider amount signs to pass through unchanged")
	}
}
