package repository

import (
	"context"
	"fmt"

	"evmindexer/internal/models"
)

// UpsertRange records or updates one sub-range of a legacy RPC-fallback
// parallel backfill (spec.md §3's IndexerRange model). No other package in
// this module calls it: the explorer path tracks progress purely via the
// cursor's page token, and the rpcfallback path does not write ranges.
func (r *Repository) UpsertRange(ctx context.Context, rng *models.IndexerRange) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO indexer_ranges (contract_address, range_index, from_block, to_block, current_block, is_complete)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (contract_address, range_index) DO UPDATE SET
			current_block = EXCLUDED.current_block,
			is_complete = EXCLUDED.is_complete`,
		rng.ContractAddress, rng.RangeIndex, rng.FromBlock, rng.ToBlock, rng.CurrentBlock, rng.IsComplete)
	if err != nil {
		return fmt.Errorf("repository: upsert range %s[%d]: %w", rng.ContractAddress, rng.RangeIndex, err)
	}
	return nil
}

// AdvanceCheckpointSafe computes the highest block number the contract's
// cursor may safely be advanced to: if any incomplete range has a to_block
// >= the current checkpoint, the checkpoint is returned unchanged (completed
// ranges below that gap are not published either); otherwise it jumps to
// the maximum to_block among completed ranges. This
// is the teacher's postgres_leasing.go AdvanceCheckpointSafe algorithm
// verbatim, retargeted from per-height leases to per-range rows so that
// out-of-order parallel RPC fallback fetches can never publish a cursor
// past a range that is still in flight.
func (r *Repository) AdvanceCheckpointSafe(ctx context.Context, contractAddress string, currentCheckpoint uint64) (uint64, error) {
	var gapFrom *int64
	err := r.pool.QueryRow(ctx, `
		SELECT MIN(from_block) FROM indexer_ranges
		WHERE contract_address = $1 AND NOT is_complete AND to_block >= $2`,
		contractAddress, currentCheckpoint).Scan(&gapFrom)
	if err != nil {
		return currentCheckpoint, fmt.Errorf("repository: advance checkpoint gap check %s: %w", contractAddress, err)
	}
	if gapFrom != nil {
		return currentCheckpoint, nil
	}

	var maxComplete *int64
	err = r.pool.QueryRow(ctx, `
		SELECT MAX(to_block) FROM indexer_ranges
		WHERE contract_address = $1 AND is_complete`, contractAddress).Scan(&maxComplete)
	if err != nil {
		return currentCheckpoint, fmt.Errorf("repository: advance checkpoint max check %s: %w", contractAddress, err)
	}
	if maxComplete == nil || uint64(*maxComplete) <= currentCheckpoint {
		return currentCheckpoint, nil
	}
	return uint64(*maxComplete), nil
}
