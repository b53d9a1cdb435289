/**
 * @description
 * The delta puller drives the provider's cursor-based incremental transaction
 * feed for one institution. It pages through the feed in provider-delivered
 * order and hands each page to the repository, which applies the page's writes
 * and the cursor advance in a single database transaction.
 *
 * @notes
 * - The provider does not redeliver data past a cursor it believes was
 *   consumed, so the cursor must never run ahead of durably committed writes.
 *   A failed page leaves the stored cursor at its pre-page value and the page
 *   is re-requested on the next pull.
 * - Amounts keep the provider sign convention end to end.
 */
package app

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/centsight/sync-service/internal/domain"
	"github.com/centsight/sync-service/internal/store"
	"github.com/centsight/sync-service/pkg/providerclient"
)

// maxPagesPerPull caps a single pull so a misbehaving feed cannot spin the
// loop forever. 250 pages covers multi-year initial pulls with room to spare.
const maxPagesPerPull = 250

// transactionFeed is the slice of the provider client the puller consumes.
type transactionFeed interface {
	PullTransactions(ctx context.Context, accessToken string, cursor *string) (*providerclient.TransactionsPage, error)
}

// PullStats aggregates what one complete pull changed.
type PullStats struct {
	Added    int
	Modified int
	Removed  int
	Pages    int
}

// DeltaPuller pulls and applies incremental transaction updates.
type DeltaPuller struct {
	feed               transactionFeed
	repo               store.TransactionRepository
	limiter            ProviderRateLimiter
	rateLimitPerMinute int
}

// NewDeltaPuller creates a puller. limiter may be nil to disable throttling.
func NewDeltaPuller(feed transactionFeed, repo store.TransactionRepository, limiter ProviderRateLimiter, rateLimitPerMinute int) *DeltaPuller {
	return &DeltaPuller{
		feed:               feed,
		repo:               repo,
		limiter:            limiter,
		rateLimitPerMinute: rateLimitPerMinute,
	}
}

// Pull pages through the feed from the given cursor (nil means initial full
// pull) until the provider reports no more pages. Pages are applied strictly
// in delivery order.
func (p *DeltaPuller) Pull(ctx context.Context, institutionID uuid.UUID, accessToken string, cursor *string) (PullStats, error) {
	var stats PullStats

	for {
		if stats.Pages >= maxPagesPerPull {
			return stats, fmt.Errorf("pull exceeded %d pages without exhausting the feed", maxPagesPerPull)
		}
		if err := p.throttle(ctx, institutionID); err != nil {
			return stats, err
		}

		wirePage, err := p.feed.PullTransactions(ctx, accessToken, cursor)
		if err != nil {
			return stats, err
		}

		page, err := toDomainPage(wirePage)
		if err != nil {
			return stats, err
		}

		result, err := p.repo.ApplyTransactionsPage(ctx, institutionID, page)
		if err != nil {
			return stats, &persistenceError{err: err}
		}

		stats.Added += result.Added
		stats.Modified += result.Modified
		stats.Removed += result.Removed
		stats.Pages++

		next := wirePage.NextCursor
		cursor = &next
		if !wirePage.HasMore {
			return stats, nil
		}
	}
}

// throttle consults the shared rate limiter before an outbound provider call.
// Limiter failures are logged and ignored; throttling is policy, not
// correctness.
func (p *DeltaPuller) throttle(ctx context.Context, institutionID uuid.UUID) error {
	if p.limiter == nil || p.rateLimitPerMinute <= 0 {
		return ctx.Err()
	}

	count, retryAfterSeconds, err := p.limiter.Consume(ctx, institutionID.String(), p.rateLimitPerMinute, time.Minute)
	if err != nil {
		log.Printf("level=warn component=puller msg=\"rate limiter unavailable; proceeding\" institution_id=%s err=%v", institutionID, err)
		return ctx.Err()
	}
	if count <= p.rateLimitPerMinute {
		return ctx.Err()
	}

	log.Printf("level=info component=puller msg=\"provider rate limit reached; backing off\" institution_id=%s retry_after_s=%d", institutionID, retryAfterSeconds)
	select {
	case <-time.After(time.Duration(retryAfterSeconds) * time.Second):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func toDomainPage(page *providerclient.TransactionsPage) (domain.TransactionsPage, error) {
	out := domain.TransactionsPage{
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}

	for _, removed := range page.Removed {
		out.RemovedIDs = append(out.RemovedIDs, removed.TransactionID)
	}

	var err error
	out.Added, err = toDomainDeltas(page.Added)
	if err != nil {
		return out, err
	}
	out.Modified, err = toDomainDeltas(page.Modified)
	if err != nil {
		return out, err
	}
	return out, nil
}

func toDomainDeltas(txns []providerclient.WireTransaction) ([]domain.TransactionDelta, error) {
	deltas := make([]domain.TransactionDelta, 0, len(txns))
	for _, txn := range txns {
		date, err := parseTransactionDate(txn.Date)
		if err != nil {
			return nil, fmt.Errorf("transaction %s: %w", txn.TransactionID, err)
		}
		deltas = append(deltas, domain.TransactionDelta{
			ProviderTransactionID: txn.TransactionID,
			ProviderAccountID:     txn.AccountID,
			Amount:                txn.Amount,
			Date:                  date,
			Name:                  txn.Name,
			MerchantName:          txn.MerchantName,
			Category:              txn.Category,
			Pending:               txn.Pending,
		})
	}
	return deltas, nil
}

func parseTransactionDate(value string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", value); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("unparseable transaction date %q", value)
	}
	return t, nil
}
