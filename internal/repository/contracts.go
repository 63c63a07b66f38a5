package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"evmindexer/internal/models"
)

var ErrContractNotFound = errors.New("repository: contract not found")

// ErrAlreadyClaimed is returned by ClaimForIndexing when another process
// already holds the contract (status is neither pending nor error), the
// same "someone beat us to it, that's fine" signal the teacher's
// AcquireLease gives when its INSERT...ON CONFLICT DO NOTHING affects zero
// rows.
var ErrAlreadyClaimed = errors.New("repository: contract already claimed")

func (r *Repository) CreateContract(ctx context.Context, c *models.Contract) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO contracts (address, chain_id, deploy_block, active, indexing_enabled, index_type, status)
		VALUES ($1, $2, $3, $4, $5, $6, 'pending')
		ON CONFLICT (address) DO NOTHING`,
		c.Address, c.ChainID, c.DeployBlock, c.Active, c.IndexingEnabled, c.IndexType)
	if err != nil {
		return fmt.Errorf("repository: create contract %s: %w", c.Address, err)
	}
	return nil
}

func (r *Repository) GetContract(ctx context.Context, address string) (*models.Contract, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT address, chain_id, deploy_block, active, indexing_enabled, index_type, status,
		       current_block, total_blocks, progress_percent, total_indexed, last_indexed_at,
		       error_message, created_at, updated_at
		FROM contracts WHERE address = $1`, address)

	var c models.Contract
	err := row.Scan(&c.Address, &c.ChainID, &c.DeployBlock, &c.Active, &c.IndexingEnabled, &c.IndexType, &c.Status,
		&c.CurrentBlock, &c.TotalBlocks, &c.ProgressPercent, &c.TotalIndexed, &c.LastIndexedAt,
		&c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get contract %s: %w", address, err)
	}
	return &c, nil
}

// ListActiveContracts returns every contract eligible for ingestion:
// active, indexing_enabled, and not paused.
func (r *Repository) ListActiveContracts(ctx context.Context) ([]*models.Contract, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT address, chain_id, deploy_block, active, indexing_enabled, index_type, status,
		       current_block, total_blocks, progress_percent, total_indexed, last_indexed_at,
		       error_message, created_at, updated_at
		FROM contracts
		WHERE active AND indexing_enabled AND status != 'paused'
		ORDER BY address`)
	if err != nil {
		return nil, fmt.Errorf("repository: list active contracts: %w", err)
	}
	defer rows.Close()

	var out []*models.Contract
	for rows.Next() {
		var c models.Contract
		if err := rows.Scan(&c.Address, &c.ChainID, &c.DeployBlock, &c.Active, &c.IndexingEnabled, &c.IndexType, &c.Status,
			&c.CurrentBlock, &c.TotalBlocks, &c.ProgressPercent, &c.TotalIndexed, &c.LastIndexedAt,
			&c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repository: scan contract: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ListStaleIndexing returns contracts stuck in "indexing" past
// staleAfterMinutes without a last_indexed_at update — candidates for the
// Backfill Orchestrator's stale-claim reclaim pass (spec.md §4.3), modeled
// directly on the teacher's ReclaimLease "claimed too long ago" query.
func (r *Repository) ListStaleIndexing(ctx context.Context, staleAfterMinutes int) ([]*models.Contract, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT address, chain_id, deploy_block, active, indexing_enabled, index_type, status,
		       current_block, total_blocks, progress_percent, total_indexed, last_indexed_at,
		       error_message, created_at, updated_at
		FROM contracts
		WHERE status = 'indexing'
		  AND (last_indexed_at IS NULL OR last_indexed_at < NOW() - ($1::text || ' minutes')::interval)
		ORDER BY address`, staleAfterMinutes)
	if err != nil {
		return nil, fmt.Errorf("repository: list stale indexing: %w", err)
	}
	defer rows.Close()

	var out []*models.Contract
	for rows.Next() {
		var c models.Contract
		if err := rows.Scan(&c.Address, &c.ChainID, &c.DeployBlock, &c.Active, &c.IndexingEnabled, &c.IndexType, &c.Status,
			&c.CurrentBlock, &c.TotalBlocks, &c.ProgressPercent, &c.TotalIndexed, &c.LastIndexedAt,
			&c.ErrorMessage, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("repository: scan contract: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ClaimForIndexing performs the atomic pending|error -> indexing
// transition spec.md §3 requires before any ingest run starts, so two
// Backfill Orchestrator workers (or a worker and a poller tick) can never
// both pick up the same contract. The UPDATE...WHERE status IN (...)
// pattern is the same conditional-claim idiom as the teacher's
// AcquireLease, just expressed against the contracts row instead of a
// separate lease table.
func (r *Repository) ClaimForIndexing(ctx context.Context, address string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE contracts SET status = 'indexing', updated_at = NOW()
		WHERE address = $1 AND status IN ('pending', 'error')`, address)
	if err != nil {
		return fmt.Errorf("repository: claim %s: %w", address, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

// UpdateProgress records forward indexing progress mid-run.
func (r *Repository) UpdateProgress(ctx context.Context, address string, currentBlock, totalBlocks uint64, progressPercent float64, totalIndexedDelta int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE contracts SET
			current_block = $2,
			total_blocks = GREATEST(total_blocks, $3),
			progress_percent = $4,
			total_indexed = total_indexed + $5,
			last_indexed_at = NOW(),
			updated_at = NOW()
		WHERE address = $1`, address, currentBlock, totalBlocks, progressPercent, totalIndexedDelta)
	if err != nil {
		return fmt.Errorf("repository: update progress %s: %w", address, err)
	}
	return nil
}

func (r *Repository) MarkComplete(ctx context.Context, address string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE contracts SET status = 'complete', progress_percent = 100, error_message = NULL,
			last_indexed_at = NOW(), updated_at = NOW()
		WHERE address = $1`, address)
	if err != nil {
		return fmt.Errorf("repository: mark complete %s: %w", address, err)
	}
	return nil
}

// MarkError records a terminal-for-now failure and releases the contract
// back to a state the Backfill Orchestrator's scanner will retry.
func (r *Repository) MarkError(ctx context.Context, address string, errMsg string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE contracts SET status = 'error', error_message = $2, updated_at = NOW()
		WHERE address = $1`, address, errMsg)
	if err != nil {
		return fmt.Errorf("repository: mark error %s: %w", address, err)
	}
	return nil
}

func (r *Repository) SetPaused(ctx context.Context, address string, paused bool) error {
	status := "pending"
	if paused {
		status = "paused"
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE contracts SET status = $2, updated_at = NOW()
		WHERE address = $1`, address, status)
	if err != nil {
		return fmt.Errorf("repository: set paused %s: %w", address, err)
	}
	return nil
}
