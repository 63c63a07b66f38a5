// Package cursorstore manages the per-contract ingestion cursor (spec.md
// §4.1): where the Transaction Ingestor should resume from next, and how
// many rows have been written so far. It is grounded on the teacher's
// internal/repository checkpoint helpers (GetLastIndexedHeight,
// UpdateCheckpoint, AdvanceCheckpointSafe), adapted from a height-only
// cursor to the page-token-plus-height cursor spec.md requires.
package cursorstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"evmindexer/internal/models"
)

// ErrNotFound is returned by Get when no cursor row exists yet for a
// contract — callers should treat this as "start from genesis", not as an
// operational failure.
var ErrNotFound = errors.New("cursorstore: cursor not found")

// Store is the Postgres-backed cursor table.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Get loads the current cursor for contractAddress, or ErrNotFound if the
// contract has never been ingested.
func (s *Store) Get(ctx context.Context, contractAddress string) (*models.Cursor, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT contract_address, last_page_token, last_block_indexed, total_indexed, is_complete, updated_at
		FROM cursors WHERE contract_address = $1`, contractAddress)

	var c models.Cursor
	err := row.Scan(&c.ContractAddress, &c.LastPageToken, &c.LastBlockIndexed, &c.TotalIndexed, &c.IsComplete, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("cursorstore: get %s: %w", contractAddress, err)
	}
	return &c, nil
}

// Upsert advances the cursor atomically and additively: totalIndexed is
// ADDED to the stored total (never overwritten), matching spec.md §4.1's
//"cursor advancement must be atomic with respect to concurrent readers"
// invariant and the teacher's UpdateCheckpoint pattern of doing the
// arithmetic inside the SQL statement rather than read-modify-write in Go.
func (s *Store) Upsert(ctx context.Context, contractAddress string, pageToken *string, blockIndexed uint64, totalIndexedDelta int64, complete bool) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cursors (contract_address, last_page_token, last_block_indexed, total_indexed, is_complete, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (contract_address) DO UPDATE SET
			last_page_token = EXCLUDED.last_page_token,
			last_block_indexed = GREATEST(cursors.last_block_indexed, EXCLUDED.last_block_indexed),
			total_indexed = cursors.total_indexed + $4,
			is_complete = EXCLUDED.is_complete,
			updated_at = NOW()`,
		contractAddress, pageToken, blockIndexed, totalIndexedDelta, complete)
	if err != nil {
		return fmt.Errorf("cursorstore: upsert %s: %w", contractAddress, err)
	}
	return nil
}

// Reset clears a contract's cursor back to genesis, used by the
// indexerctl "cursor reset" operator command (spec.md §6.4).
func (s *Store) Reset(ctx context.Context, contractAddress string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO cursors (contract_address, last_page_token, last_block_indexed, total_indexed, is_complete, updated_at)
		VALUES ($1, NULL, 0, 0, FALSE, NOW())
		ON CONFLICT (contract_address) DO UPDATE SET
			last_page_token = NULL,
			last_block_indexed = 0,
			total_indexed = 0,
			is_complete = FALSE,
			updated_at = NOW()`,
		contractAddress)
	if err != nil {
		return fmt.Errorf("cursorstore: reset %s: %w", contractAddress, err)
	}
	return nil
}
