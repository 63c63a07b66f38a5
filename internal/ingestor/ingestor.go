// Package ingestor implements the Transaction Ingestor (spec.md §4.2): the
// component that actually pulls canonical transaction rows for one
// contract and writes them, combining the explorer client, the RPC
// fallback client, the cursor store, and the repository. Grounded on the
// teacher's internal/ingester.Service, which plays the same combining
// role over its Cadence event source, repository, and checkpoint helpers.
package ingestor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"evmindexer/internal/cursorstore"
	"evmindexer/internal/explorer"
	"evmindexer/internal/models"
	"evmindexer/internal/repository"
	"evmindexer/internal/rpcfallback"
)

// State is the per-run state machine spec.md §4.2 describes:
// idle -> fetching -> inserting -> (fetching | complete | error).
type State string

const (
	StateIdle      State = "idle"
	StateFetching  State = "fetching"
	StateInserting State = "inserting"
	StateComplete  State = "complete"
	StateError     State = "error"
)

// Result summarizes one Ingest call.
type Result struct {
	TransactionsFetched int
	TransactionsWritten int
	PagesProcessed      int
	FinalState          State
	UsedRPCFallback     bool
}

const (
	maxConsecutiveFailures = 5
	backoffBase            = time.Second
	backoffCap             = 30 * time.Second

	// interRequestDelay is the spec.md §4.2 pacing between successive
	// backfill page requests, independent of the explorer client's own
	// rate limiter.
	interRequestDelay = 200 * time.Millisecond

	// pollPageCap bounds how many pages a single poll-mode call will walk
	// backward through before giving up on finding a known hash (spec.md
	// §4.2): a contract that somehow produced more than this many
	// transactions since the last poll is treated as a backfill problem,
	// not a poll problem.
	pollPageCap = 10
)

// Ingestor combines the explorer and RPC-fallback clients with the
// cursor store and repository into the single Ingest operation the
// Backfill Orchestrator and Adaptive Poller both call.
type Ingestor struct {
	explorerClient *explorer.Client
	rpcClient      *rpcfallback.Client
	cursors        *cursorstore.Store
	repo           *repository.Repository
	pageLimit      int
}

func New(explorerClient *explorer.Client, rpcClient *rpcfallback.Client, cursors *cursorstore.Store, repo *repository.Repository, pageLimit int) *Ingestor {
	return &Ingestor{
		explorerClient: explorerClient,
		rpcClient:      rpcClient,
		cursors:        cursors,
		repo:           repo,
		pageLimit:      pageLimit,
	}
}

// ingestOptions carries the Backfill Orchestrator's job-scoped extras: a
// date range translated into an explorer time filter, a progress callback
// invoked at each page boundary, and a cancellation check polled at the
// same boundary (spec.md §4.3 items 2 and 4). All are optional; the
// routine scan path (orchestrator.go, poller.go) passes none of them.
type ingestOptions struct {
	fromDate    string
	toDate      string
	onProgress  func(pagesProcessed int)
	isCancelled func() bool
}

// Option configures one Ingest call.
type Option func(*ingestOptions)

func WithDateRange(fromDate, toDate string) Option {
	return func(o *ingestOptions) { o.fromDate = fromDate; o.toDate = toDate }
}

func WithProgress(fn func(pagesProcessed int)) Option {
	return func(o *ingestOptions) { o.onProgress = fn }
}

func WithCancelCheck(fn func() bool) Option {
	return func(o *ingestOptions) { o.isCancelled = fn }
}

// Ingest runs one indexing pass for a contract. Backfill mode pages
// forward from the cursor, ascending, until the explorer reports no more
// pages or the cursor is already complete; poll mode pages backward from
// the newest transaction, descending, stopping at the first already-known
// hash on any page or a hard page cap — the two are genuinely distinct
// algorithms (spec.md §4.2), not one loop with a mode flag.
func (i *Ingestor) Ingest(ctx context.Context, contract *models.Contract, mode models.IngestMode, opts ...Option) (*Result, error) {
	var o ingestOptions
	for _, opt := range opts {
		opt(&o)
	}
	if mode == models.ModePoll {
		return i.ingestPoll(ctx, contract)
	}
	return i.ingestBackfill(ctx, contract, o)
}

// ingestBackfill implements spec.md §4.2's backfill algorithm: load the
// cursor; if already complete, return immediately; otherwise page forward
// (sort=asc) from the last page token, writing each page and advancing the
// cursor before requesting the next, until the explorer signals no more
// pages.
func (i *Ingestor) ingestBackfill(ctx context.Context, contract *models.Contract, o ingestOptions) (*Result, error) {
	result := &Result{FinalState: StateIdle}

	cursor, err := i.cursors.Get(ctx, contract.Address)
	if err != nil && !errors.Is(err, cursorstore.ErrNotFound) {
		return result, fmt.Errorf("ingestor: load cursor %s: %w", contract.Address, err)
	}
	if cursor != nil && cursor.IsComplete && o.fromDate == "" && o.toDate == "" {
		result.FinalState = StateComplete
		return result, nil
	}

	var pageToken string
	if cursor != nil && cursor.LastPageToken != nil {
		pageToken = *cursor.LastPageToken
	}

	consecutiveFailures := 0
	for {
		if o.isCancelled != nil && o.isCancelled() {
			result.FinalState = StateIdle
			return result, nil
		}

		result.FinalState = StateFetching
		page, fetchErr := i.explorerClient.ListTransactions(ctx, contract.Address, explorer.ListParams{
			PageToken: pageToken,
			Limit:     i.pageLimit,
			Sort:      "asc",
			FromDate:  o.fromDate,
			ToDate:    o.toDate,
		})
		if fetchErr != nil {
			consecutiveFailures++
			class := repository.Classify(fetchErr, "explorer")
			if logErr := i.repo.LogIndexingError(ctx, "ingestor", contract.Address, "", class, fetchErr.Error(), nil); logErr != nil {
				log.Printf("[ingestor] failed to log indexing error for %s: %v", contract.Address, logErr)
			}

			if consecutiveFailures >= maxConsecutiveFailures {
				result.FinalState = StateError
				return result, fmt.Errorf("ingestor: %s: %d consecutive failures, last: %w", contract.Address, consecutiveFailures, fetchErr)
			}

			delay := backoffDelay(consecutiveFailures)
			log.Printf("[ingestor] %s: fetch failed (attempt %d), retrying in %s: %v", contract.Address, consecutiveFailures, delay, fetchErr)
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		consecutiveFailures = 0
		result.TransactionsFetched += len(page.Transactions)
		result.PagesProcessed++

		result.FinalState = StateInserting
		written, insertErr := i.repo.UpsertTransactions(ctx, page.Transactions)
		if insertErr != nil {
			class := repository.Classify(insertErr, "storage")
			i.repo.LogIndexingError(ctx, "ingestor", contract.Address, "", class, insertErr.Error(), nil)
			result.FinalState = StateError
			return result, fmt.Errorf("ingestor: write batch %s: %w", contract.Address, insertErr)
		}
		result.TransactionsWritten += written

		var maxBlock uint64
		for _, row := range page.Transactions {
			if row.BlockNumber > maxBlock {
				maxBlock = row.BlockNumber
			}
		}

		nextToken := page.NextPageToken
		var tokenPtr *string
		if nextToken != "" {
			tokenPtr = &nextToken
		}
		if err := i.cursors.Upsert(ctx, contract.Address, tokenPtr, maxBlock, int64(len(page.Transactions)), !page.HasMore); err != nil {
			return result, fmt.Errorf("ingestor: advance cursor %s: %w", contract.Address, err)
		}
		pageToken = nextToken

		if o.onProgress != nil {
			o.onProgress(result.PagesProcessed)
		}

		if !page.HasMore {
			result.FinalState = StateComplete
			return result, nil
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(interRequestDelay):
		}
	}
}

// ingestPoll implements spec.md §4.2's poll algorithm: fetch recent pages
// newest-first (sort=desc), collecting rows until either a page contains a
// hash already present in the base store (everything after that point is
// already known) or pollPageCap pages have been walked. The cursor is
// advanced to the newest observed block but stays marked complete and
// keeps no page token — a poll never resumes a backfill, it only looks
// for what's new since the last time it ran.
func (i *Ingestor) ingestPoll(ctx context.Context, contract *models.Contract) (*Result, error) {
	result := &Result{FinalState: StateFetching}

	var newRows []*models.TransactionRow
	var pageToken string
	stop := false

	for page := 0; page < pollPageCap && !stop; page++ {
		p, err := i.explorerClient.ListTransactions(ctx, contract.Address, explorer.ListParams{
			PageToken: pageToken,
			Limit:     i.pageLimit,
			Sort:      "desc",
		})
		if err != nil {
			class := repository.Classify(err, "explorer")
			i.repo.LogIndexingError(ctx, "ingestor", contract.Address, "", class, err.Error(), nil)
			result.FinalState = StateError
			return result, fmt.Errorf("ingestor: poll fetch %s: %w", contract.Address, err)
		}
		result.PagesProcessed++
		result.TransactionsFetched += len(p.Transactions)

		for _, row := range p.Transactions {
			exists, err := i.repo.TransactionExists(ctx, row.TxHash)
			if err != nil {
				result.FinalState = StateError
				return result, fmt.Errorf("ingestor: poll exists check %s: %w", contract.Address, err)
			}
			if exists {
				stop = true
				break
			}
			newRows = append(newRows, row)
		}

		if !p.HasMore {
			break
		}
		pageToken = p.NextPageToken
	}

	result.FinalState = StateInserting
	written, err := i.repo.UpsertTransactions(ctx, newRows)
	if err != nil {
		class := repository.Classify(err, "storage")
		i.repo.LogIndexingError(ctx, "ingestor", contract.Address, "", class, err.Error(), nil)
		result.FinalState = StateError
		return result, fmt.Errorf("ingestor: poll write %s: %w", contract.Address, err)
	}
	result.TransactionsWritten = written

	maxBlock := contract.CurrentBlock
	for _, row := range newRows {
		if row.BlockNumber > maxBlock {
			maxBlock = row.BlockNumber
		}
	}
	if err := i.cursors.Upsert(ctx, contract.Address, nil, maxBlock, int64(len(newRows)), true); err != nil {
		return result, fmt.Errorf("ingestor: poll advance cursor %s: %w", contract.Address, err)
	}

	result.FinalState = StateComplete
	return result, nil
}

// FetchRangeViaRPC is the explicit RPC fallback path: it goes straight to
// the node for a bounded block range and writes what it finds. Nothing in
// this module calls it automatically: Ingest does not fall back to it when
// the explorer fails, and it does not consult
// rpcfallback.Client.ShouldPinToExplorerOnly.
func (i *Ingestor) FetchRangeViaRPC(ctx context.Context, contract *models.Contract, from, to uint64) (*Result, error) {
	result := &Result{FinalState: StateFetching, UsedRPCFallback: true}

	rows, err := i.rpcClient.FetchBlockRange(ctx, contract.Address, from, to)
	if err != nil {
		result.FinalState = StateError
		class := repository.Classify(err, "rpc")
		i.repo.LogIndexingError(ctx, "ingestor", contract.Address, "", class, err.Error(), nil)
		return result, fmt.Errorf("ingestor: rpc fallback %s [%d,%d]: %w", contract.Address, from, to, err)
	}
	result.TransactionsFetched = len(rows)

	result.FinalState = StateInserting
	written, err := i.repo.UpsertTransactions(ctx, rows)
	if err != nil {
		result.FinalState = StateError
		return result, fmt.Errorf("ingestor: rpc fallback write %s: %w", contract.Address, err)
	}
	result.TransactionsWritten = written
	result.FinalState = StateComplete
	return result, nil
}

func backoffDelay(attempt int) time.Duration {
	d := backoffBase * time.Duration(uint64(1)<<uint(attempt-1))
	if d > backoffCap {
		d = backoffCap
	}
	return d
}
