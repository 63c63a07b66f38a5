package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"evmindexer/internal/models"
)

var (
	ErrJobNotFound = errors.New("repository: job not found")
	// ErrDuplicateActiveJob mirrors the partial unique index on
	// (contract_id) WHERE status IN (pending, processing): a contract may
	// have at most one in-flight backfill job at a time (spec.md §3).
	ErrDuplicateActiveJob = errors.New("repository: contract already has an active job")
	ErrJobNotCancellable  = errors.New("repository: job is not in a cancellable state")
)

// EnqueueJob inserts a new pending backfill job. A unique_violation on the
// partial index becomes ErrDuplicateActiveJob, the same translate-the-pg-
// error-code-into-a-typed-sentinel approach the teacher uses in
// postgres_leasing.go for conflict detection.
func (r *Repository) EnqueueJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("repository: marshal job payload: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO jobs (id, job_type, contract_id, priority, status, payload, max_attempts)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6)`,
		job.ID, jobTypeOrDefault(job.JobType), job.ContractID, job.Priority, payload, maxAttemptsOrDefault(job.MaxAttempts))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateActiveJob
		}
		return fmt.Errorf("repository: enqueue job: %w", err)
	}
	return nil
}

// ClaimNextJob pops the highest-priority, oldest pending job using
// FOR UPDATE SKIP LOCKED so concurrent Backfill Orchestrator workers never
// double-claim the same row — the same skip-locked idiom the teacher's
// AcquireLease comment describes as "let Postgres serialize it for us"
// applied to an explicit SELECT instead of an INSERT..ON CONFLICT.
func (r *Repository) ClaimNextJob(ctx context.Context) (*models.Job, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("repository: claim next job begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT id, job_type, contract_id, priority, status, payload, attempts, max_attempts,
		       error_message, created_at, started_at, completed_at
		FROM jobs
		WHERE status = 'pending' AND attempts < max_attempts
		ORDER BY priority ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("repository: claim next job scan: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE jobs SET status = 'processing', started_at = NOW(), attempts = attempts + 1
		WHERE id = $1`, job.ID); err != nil {
		return nil, fmt.Errorf("repository: claim next job update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("repository: claim next job commit: %w", err)
	}

	job.Status = models.JobProcessing
	job.Attempts++
	return job, nil
}

// SetJobProgress persists resumable backfill progress (percent complete
// and an opaque resume token) so a crashed worker's successor can pick up
// mid-job rather than restarting from scratch.
func (r *Repository) SetJobProgress(ctx context.Context, jobID string, progress float64, resumeToken *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET payload = jsonb_set(jsonb_set(payload, '{progress}', to_jsonb($2::float8)),
		                                     '{resume_token}', COALESCE(to_jsonb($3::text), 'null'::jsonb))
		WHERE id = $1`, jobID, progress, resumeToken)
	if err != nil {
		return fmt.Errorf("repository: set job progress %s: %w", jobID, err)
	}
	return nil
}

func (r *Repository) CompleteJob(ctx context.Context, jobID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'completed', completed_at = NOW()
		WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("repository: complete job %s: %w", jobID, err)
	}
	return nil
}

// FailJob marks a job failed. If it has exhausted max_attempts the status
// is terminal; otherwise it is returned to pending for a later retry, the
// same attempts-vs-max_attempts branch the teacher's FailLease uses.
func (r *Repository) FailJob(ctx context.Context, jobID string, errMsg string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'pending', error_message = $2
		WHERE id = $1 AND attempts < max_attempts`, jobID, errMsg)
	if err != nil {
		return fmt.Errorf("repository: fail job %s: %w", jobID, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	_, err = r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', error_message = $2, completed_at = NOW()
		WHERE id = $1`, jobID, errMsg)
	if err != nil {
		return fmt.Errorf("repository: fail job terminal %s: %w", jobID, err)
	}
	return nil
}

// CancelJob cancels a pending or processing job; completed/failed/already
// cancelled jobs return ErrJobNotCancellable (spec.md §6.4 exit code 2).
func (r *Repository) CancelJob(ctx context.Context, jobID string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE jobs SET status = 'cancelled', completed_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')`, jobID)
	if err != nil {
		return fmt.Errorf("repository: cancel job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotCancellable
	}
	return nil
}

// IsCancelled is polled by the job runner at page boundaries so a cancel
// request takes effect promptly without needing a cancellation channel
// threaded through every RPC call (spec.md §4.3).
func (r *Repository) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	var status string
	err := r.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&status)
	if err != nil {
		return false, fmt.Errorf("repository: is cancelled %s: %w", jobID, err)
	}
	return status == string(models.JobCancelled), nil
}

func (r *Repository) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, job_type, contract_id, priority, status, payload, attempts, max_attempts,
		       error_message, created_at, started_at, completed_at
		FROM jobs WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("repository: get job %s: %w", jobID, err)
	}
	return job, nil
}

func (r *Repository) ListJobsByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_type, contract_id, priority, status, payload, attempts, max_attempts,
		       error_message, created_at, started_at, completed_at
		FROM jobs WHERE status = $1
		ORDER BY priority ASC, created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("repository: list jobs by status %s: %w", status, err)
	}
	defer rows.Close()

	var out []*models.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: scan job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var job models.Job
	var payload []byte
	var status string
	var errMsg *string
	err := row.Scan(&job.ID, &job.JobType, &job.ContractID, &job.Priority, &status, &payload,
		&job.Attempts, &job.MaxAttempts, &errMsg, &job.CreatedAt, &job.StartedAt, &job.CompletedAt)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		job.ErrorMessage = *errMsg
	}
	job.Status = models.JobStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal job payload: %w", err)
		}
	}
	return &job, nil
}

func jobTypeOrDefault(t string) string {
	if t == "" {
		return "backfill"
	}
	return t
}

func maxAttemptsOrDefault(n int) int {
	if n <= 0 {
		return 5
	}
	return n
}

// isUniqueViolation checks for Postgres error code 23505, the same
// string/code inspection approach the teacher's extractSporkRootHeight
// uses for classifying errors it cannot get a typed value for.
func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}
