package backfill

import (
	"context"
	"log"

	"evmindexer/internal/cursorstore"
	"evmindexer/internal/ingestor"
	"evmindexer/internal/models"
)

// runJob drives one operator-created Job to completion. It runs a single
// date-bounded backfill call (spec.md §4.3 item 2): the ingestor's own
// backfill loop pages forward until the explorer reports no more pages or
// ctx is cancelled, checking job cancellation at every page boundary
// (spec.md §6.4) via the options it's given rather than looping here
// itself.
func (o *Orchestrator) runJob(ctx context.Context, job *models.Job) {
	contract, err := o.repo.GetContract(ctx, job.ContractID)
	if err != nil {
		o.failJob(ctx, job, "load contract: "+err.Error())
		return
	}

	if job.Payload.ResumeToken != nil {
		if err := o.cursorsFor(ctx, contract.Address, job.Payload.ResumeToken); err != nil {
			log.Printf("[backfill] job %s: resume cursor seed failed: %v", job.ID, err)
		}
	}

	cancelled := func() bool {
		c, err := o.repo.IsCancelled(ctx, job.ID)
		if err != nil {
			log.Printf("[backfill] job %s: cancellation check failed: %v", job.ID, err)
			return false
		}
		return c
	}

	onProgress := func(pagesProcessed int) {
		progress := estimateProgress(contract)
		if err := o.repo.SetJobProgress(ctx, job.ID, progress, nil); err != nil {
			log.Printf("[backfill] job %s: set progress failed: %v", job.ID, err)
		}
	}

	result, err := o.ingestor.Ingest(ctx, contract, models.ModeBackfill,
		ingestor.WithDateRange(job.Payload.FromDate, job.Payload.ToDate),
		ingestor.WithProgress(onProgress),
		ingestor.WithCancelCheck(cancelled),
	)
	if err != nil {
		o.failJob(ctx, job, err.Error())
		return
	}

	if cancelled() {
		log.Printf("[backfill] job %s: cancelled after %d pages", job.ID, result.PagesProcessed)
		return
	}

	if err := o.repo.CompleteJob(ctx, job.ID); err != nil {
		log.Printf("[backfill] job %s: complete failed: %v", job.ID, err)
	}
}

func (o *Orchestrator) failJob(ctx context.Context, job *models.Job, msg string) {
	log.Printf("[backfill] job %s: failing: %s", job.ID, msg)
	if err := o.repo.FailJob(ctx, job.ID, msg); err != nil {
		log.Printf("[backfill] job %s: fail-job write error: %v", job.ID, err)
	}
}

// cursorsFor seeds the cursor store with an explicit resume token from a
// job payload, letting an operator resume a previously cancelled job from
// where it left off instead of restarting from genesis.
func (o *Orchestrator) cursorsFor(ctx context.Context, contractAddress string, resumeToken *string) error {
	store := cursorstore.New(o.repo.Pool())
	if err := store.Upsert(ctx, contractAddress, resumeToken, 0, 0, false); err != nil {
		return err
	}
	return nil
}

func estimateProgress(contract *models.Contract) float64 {
	if contract.TotalBlocks == 0 {
		return 0
	}
	pct := float64(contract.CurrentBlock) / float64(contract.TotalBlocks) * 100
	if pct > 100 {
		return 100
	}
	return pct
}
