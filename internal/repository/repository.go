// Package repository is the Postgres storage layer for contracts, jobs, base
// transaction rows, enrichment rows, and the indexing-error ledger. It is
// grounded on the teacher's internal/repository package: the same
// *pgxpool.Pool-holding struct, the same bulk-upsert-with-savepoint-fallback
// shape (postgres_ingest.go's SaveBatch), and the same claim/lease SQL idiom
// (postgres_leasing.go's AcquireLease/ReclaimLease).
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the shared storage handle for the indexer core.
type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Pool() *pgxpool.Pool { return r.pool }

// Migrate applies migrations/schema.sql. Like the teacher's
// Repository.Migrate, it runs the whole file as one multi-statement Exec;
// every statement is IF NOT EXISTS / OR REPLACE, and the notify trigger is
// dropped IF EXISTS before being recreated, so this is safe to call on
// every process start.
func (r *Repository) Migrate(ctx context.Context, schemaSQL string) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("repository: migrate: %w", err)
	}
	return nil
}

func (r *Repository) Close() {
	r.pool.Close()
}
