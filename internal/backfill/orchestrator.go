// Package backfill implements the Backfill Orchestrator (spec.md §4.3):
// the component that scans for contracts needing work, interleaves
// operator-created jobs with routine backfill, and runs a bounded pool of
// workers against both. Grounded on the teacher's internal/ingester
// package, which splits the same concerns across async_worker.go (worker
// pool + claim loop) and committer.go (periodic checkpoint advancement).
package backfill

import (
	"context"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"evmindexer/internal/ingestor"
	"evmindexer/internal/models"
	"evmindexer/internal/repository"
)

// Config controls the orchestrator's scan cadence and worker count.
type Config struct {
	WorkerCount       int
	ScanInterval      time.Duration
	StaleAfterMinutes int
}

func DefaultConfig() Config {
	return Config{
		WorkerCount:       3,
		ScanInterval:      10 * time.Second,
		StaleAfterMinutes: 30,
	}
}

// Orchestrator periodically scans for contracts and jobs needing work and
// runs them through a bounded worker pool, the same scan-then-dispatch
// shape as the teacher's AsyncWorker.tryProcessNextRange loop generalized
// from a single worker to a pool with errgroup.SetLimit.
type Orchestrator struct {
	repo     *repository.Repository
	ingestor *ingestor.Ingestor
	cfg      Config
}

func New(repo *repository.Repository, ing *ingestor.Ingestor, cfg Config) *Orchestrator {
	return &Orchestrator{repo: repo, ingestor: ing, cfg: cfg}
}

// Run blocks until ctx is cancelled, scanning every cfg.ScanInterval and
// dispatching discovered work across cfg.WorkerCount concurrent slots.
func (o *Orchestrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		if err := o.scanAndDispatch(ctx); err != nil {
			log.Printf("[backfill] scan error: %v", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// scanAndDispatch runs one scan pass: reclaim stale indexing contracts,
// then run jobs and pending/error contracts through a bounded pool. Jobs
// take priority over routine contract backfill within the same pass,
// matching spec.md §4.3's interleaving rule.
func (o *Orchestrator) scanAndDispatch(ctx context.Context) error {
	if err := o.reclaimStale(ctx); err != nil {
		log.Printf("[backfill] reclaim stale error: %v", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.WorkerCount)

	dispatched := o.dispatchJobs(gctx, g)
	remaining := o.cfg.WorkerCount - dispatched
	if remaining > 0 {
		o.dispatchContracts(gctx, g, remaining)
	}

	return g.Wait()
}

// dispatchJobs claims up to the worker pool's capacity worth of pending
// jobs and runs each one in the errgroup, returning how many were
// dispatched so the caller knows how much pool capacity remains for
// routine contract backfill.
func (o *Orchestrator) dispatchJobs(ctx context.Context, g *errgroup.Group) int {
	dispatched := 0
	for dispatched < o.cfg.WorkerCount {
		job, err := o.repo.ClaimNextJob(ctx)
		if err != nil {
			log.Printf("[backfill] claim job error: %v", err)
			break
		}
		if job == nil {
			break
		}
		dispatched++
		g.Go(func() error {
			o.runJob(ctx, job)
			return nil
		})
	}
	return dispatched
}

// dispatchContracts claims up to limit pending/error contracts for
// routine forward backfill.
func (o *Orchestrator) dispatchContracts(ctx context.Context, g *errgroup.Group, limit int) {
	contracts, err := o.repo.ListActiveContracts(ctx)
	if err != nil {
		log.Printf("[backfill] list active contracts error: %v", err)
		return
	}

	claimed := 0
	for _, c := range contracts {
		if claimed >= limit {
			break
		}
		if c.Status != models.ContractPending && c.Status != models.ContractError {
			continue
		}

		contract := c
		if err := o.repo.ClaimForIndexing(ctx, contract.Address); err != nil {
			if err != repository.ErrAlreadyClaimed {
				log.Printf("[backfill] claim contract %s error: %v", contract.Address, err)
			}
			continue
		}
		claimed++
		g.Go(func() error {
			o.runBackfill(ctx, contract)
			return nil
		})
	}
}

// runBackfill drives one contract through Ingest in backfill mode to
// completion (or error), updating its status afterward.
func (o *Orchestrator) runBackfill(ctx context.Context, contract *models.Contract) {
	result, err := o.ingestor.Ingest(ctx, contract, models.ModeBackfill)
	if err != nil {
		log.Printf("[backfill] %s: ingest failed: %v", contract.Address, err)
		if markErr := o.repo.MarkError(ctx, contract.Address, err.Error()); markErr != nil {
			log.Printf("[backfill] %s: mark error failed: %v", contract.Address, markErr)
		}
		return
	}

	if updErr := o.repo.UpdateProgress(ctx, contract.Address, contract.CurrentBlock, contract.TotalBlocks, 100, 0); updErr != nil {
		log.Printf("[backfill] %s: update progress failed: %v", contract.Address, updErr)
	}
	if err := o.repo.MarkComplete(ctx, contract.Address); err != nil {
		log.Printf("[backfill] %s: mark complete failed: %v", contract.Address, err)
	}
	log.Printf("[backfill] %s: complete, %d transactions written across %d pages", contract.Address, result.TransactionsWritten, result.PagesProcessed)
}

// reclaimStale resets contracts stuck in "indexing" without progress for
// longer than cfg.StaleAfterMinutes back to "error" so they re-enter the
// scan, mirroring the teacher's ReclaimLease "claimed too long ago, give
// it back" logic.
func (o *Orchestrator) reclaimStale(ctx context.Context) error {
	stale, err := o.repo.ListStaleIndexing(ctx, o.cfg.StaleAfterMinutes)
	if err != nil {
		return err
	}
	for _, c := range stale {
		if err := o.repo.MarkError(ctx, c.Address, "reclaimed: stale indexing lease"); err != nil {
			log.Printf("[backfill] reclaim %s error: %v", c.Address, err)
		}
	}
	return nil
}
