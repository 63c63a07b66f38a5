package backfill

import (
	"context"
	"log"
	"time"

	"evmindexer/internal/repository"
)

// Committer periodically advances each contract's legacy indexer_ranges
// checkpoint, a direct adaptation of the teacher's
// internal/ingester.CheckpointCommitter: a single background goroutine
// that calls AdvanceCheckpointSafe per contract on a fixed tick rather
// than doing it inline on every range completion, so a burst of
// completions only costs one advancement query instead of one per range.
type Committer struct {
	repo     *repository.Repository
	interval time.Duration
}

func NewCommitter(repo *repository.Repository, interval time.Duration) *Committer {
	return &Committer{repo: repo, interval: interval}
}

func (c *Committer) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.advanceAll(ctx)
		}
	}
}

func (c *Committer) advanceAll(ctx context.Context) {
	contracts, err := c.repo.ListActiveContracts(ctx)
	if err != nil {
		log.Printf("[committer] list active contracts error: %v", err)
		return
	}

	for _, contract := range contracts {
		advanced, err := c.repo.AdvanceCheckpointSafe(ctx, contract.Address, contract.CurrentBlock)
		if err != nil {
			log.Printf("[committer] %s: advance error: %v", contract.Address, err)
			continue
		}
		if advanced <= contract.CurrentBlock {
			continue
		}
		if err := c.repo.UpdateProgress(ctx, contract.Address, advanced, contract.TotalBlocks, contract.ProgressPercent, 0); err != nil {
			log.Printf("[committer] %s: update progress error: %v", contract.Address, err)
		}
	}
}
