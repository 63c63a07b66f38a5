package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// ErrorClass is the taxonomy from spec.md §7: every failure the ingest
// pipeline can produce is bucketed into one of these before it is logged,
// retried, or ignored.
type ErrorClass string

const (
	ErrClassTransientUpstream ErrorClass = "transient_upstream"
	ErrClassPermanentUpstream ErrorClass = "permanent_upstream"
	ErrClassStorageTransient  ErrorClass = "storage_transient"
	ErrClassStoragePermanent  ErrorClass = "storage_permanent"
)

// LogIndexingError records a failure in the indexing_errors ledger,
// deduping on (component, contract_address, tx_hash, error_class) while
// unresolved — the same ON CONFLICT DO NOTHING dedupe approach the
// teacher's LogIndexingError uses so a hot retry loop doesn't flood the
// table with an identical row every attempt.
func (r *Repository) LogIndexingError(ctx context.Context, component, contractAddress, txHash string, class ErrorClass, errMsg string, payload any) error {
	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("repository: marshal error payload: %w", err)
		}
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO indexing_errors (component, contract_address, tx_hash, error_class, error_message, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (component, contract_address, tx_hash, error_class) WHERE resolved_at IS NULL DO NOTHING`,
		component, contractAddress, txHash, string(class), errMsg, payloadJSON)
	if err != nil {
		return fmt.Errorf("repository: log indexing error: %w", err)
	}
	return nil
}

// IndexingErrorRecord is a single unresolved ledger entry, as returned by
// UnresolvedErrors.
type IndexingErrorRecord struct {
	ID              int64
	Component       string
	ContractAddress string
	TxHash          string
	ErrorClass      ErrorClass
	ErrorMessage    string
	Payload         json.RawMessage
}

// UnresolvedErrors returns ledger rows not yet marked resolved, newest
// first, for a given component, grounded on the teacher's
// repairFailedRanges query shape. No other package in this module calls it.
func (r *Repository) UnresolvedErrors(ctx context.Context, component string, limit int) ([]*IndexingErrorRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, component, contract_address, tx_hash, error_class, error_message, payload
		FROM indexing_errors
		WHERE component = $1 AND resolved_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2`, component, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: unresolved errors: %w", err)
	}
	defer rows.Close()

	var out []*IndexingErrorRecord
	for rows.Next() {
		var rec IndexingErrorRecord
		var class string
		if err := rows.Scan(&rec.ID, &rec.Component, &rec.ContractAddress, &rec.TxHash, &class, &rec.ErrorMessage, &rec.Payload); err != nil {
			return nil, fmt.Errorf("repository: scan indexing error: %w", err)
		}
		rec.ErrorClass = ErrorClass(class)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (r *Repository) ResolveIndexingError(ctx context.Context, id int64) error {
	_, err := r.pool.Exec(ctx, `UPDATE indexing_errors SET resolved_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("repository: resolve indexing error %d: %w", id, err)
	}
	return nil
}

// Classify buckets a raw error from the explorer client, the RPC fallback
// client, or a storage call into the spec.md §7 taxonomy. It mirrors the
// teacher's withRetry status-code inspection in internal/flow/client.go:
// look at well-known sentinels and substrings rather than requiring every
// caller to hand-annotate its own errors.
func Classify(err error, source string) ErrorClass {
	if err == nil {
		return ""
	}
	msg := err.Error()
	switch source {
	case "storage":
		if isUniqueViolation(err) {
			return ErrClassStoragePermanent
		}
		if containsAny(msg, "connection refused", "timeout", "deadline exceeded", "EOF", "broken pipe") {
			return ErrClassStorageTransient
		}
		return ErrClassStoragePermanent
	default:
		if containsAny(msg, "429", "too many requests", "timeout", "connection reset", "EOF", "deadline exceeded", "503", "502", "connection refused") {
			return ErrClassTransientUpstream
		}
		return ErrClassPermanentUpstream
	}
}

func containsAny(s string, substrs ...string) bool {
	s = strings.ToLower(s)
	for _, sub := range substrs {
		if strings.Contains(s, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}
