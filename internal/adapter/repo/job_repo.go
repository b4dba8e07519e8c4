package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"reelforge/internal/domain"
	"reelforge/internal/infra"
	"reelforge/internal/sqlinline"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	stuckBatchSize   = 100
)

var errDuplicateKey = errors.New("idempotency key already admitted")

// JobRepositoryPG implements domain.JobRepository on top of marker-annotated SQL.
type JobRepositoryPG struct {
	db  infra.TxRunner
	now func() time.Time
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(db infra.TxRunner) *JobRepositoryPG {
	return &JobRepositoryPG{db: db, now: time.Now}
}

// FindByIdempotencyKey returns the job admitted under key, or domain.ErrNotFound.
func (r *JobRepositoryPG) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Job, error) {
	return scanJob(r.db.QueryRow(ctx, sqlinline.QSelectJobByIdempotencyKey, key))
}

// AdmitAndDebit creates a queued job and takes one credit from its owner in a
// single transaction. A key that was already admitted returns the existing job
// untouched and leaves the balance alone.
func (r *JobRepositoryPG) AdmitAndDebit(ctx context.Context, params domain.AdmitParams) (domain.Admission, error) {
	if params.OwnerID == "" || params.IdempotencyKey == "" || params.InputReference == "" {
		return domain.Admission{}, domain.ErrInvalidPayload
	}
	payload, err := json.Marshal(params.Payload)
	if err != nil {
		return domain.Admission{}, fmt.Errorf("encode payload: %w", err)
	}

	var admission domain.Admission
	err = r.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		admission = domain.Admission{}
		if _, err := tx.Exec(ctx, sqlinline.QEnsureOwner, params.OwnerID); err != nil {
			return fmt.Errorf("ensure owner: %w", err)
		}

		var balance int
		if err := tx.QueryRow(ctx, sqlinline.QLockOwnerBalance, params.OwnerID).Scan(&balance); err != nil {
			return fmt.Errorf("lock owner balance: %w", err)
		}

		existing, err := scanJob(tx.QueryRow(ctx, sqlinline.QSelectJobByIdempotencyKey, params.IdempotencyKey))
		switch {
		case err == nil:
			admission = domain.Admission{Job: existing, Balance: balance}
			return nil
		case !errors.Is(err, domain.ErrNotFound):
			return err
		}

		if balance < 1 {
			return domain.ErrInsufficientBalance
		}
		if err := tx.QueryRow(ctx, sqlinline.QDebitBalance, params.OwnerID).Scan(&balance); err != nil {
			if infra.IsNoRows(err) {
				return domain.ErrInsufficientBalance
			}
			return fmt.Errorf("debit balance: %w", err)
		}

		job, err := scanJob(tx.QueryRow(ctx, sqlinline.QInsertQueuedJob,
			uuid.NewString(), params.OwnerID, params.IdempotencyKey, payload, params.InputReference))
		if errors.Is(err, domain.ErrNotFound) {
			// A concurrent admission won the key; rolling back restores the debit.
			return errDuplicateKey
		}
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		admission = domain.Admission{Job: job, Balance: balance, Created: true}
		return nil
	})
	if errors.Is(err, errDuplicateKey) {
		existing, findErr := r.FindByIdempotencyKey(ctx, params.IdempotencyKey)
		if findErr != nil {
			return domain.Admission{}, findErr
		}
		balance, balErr := r.Balance(ctx, params.OwnerID)
		if balErr != nil {
			return domain.Admission{}, balErr
		}
		return domain.Admission{Job: existing, Balance: balance}, nil
	}
	if err != nil {
		return domain.Admission{}, err
	}
	return admission, nil
}

// ClaimNextQueued atomically moves the oldest eligible queued job to processing.
// It returns domain.ErrNoJobAvailable when nothing can be claimed.
func (r *JobRepositoryPG) ClaimNextQueued(ctx context.Context) (*domain.Job, error) {
	job, err := scanJob(r.db.QueryRow(ctx, sqlinline.QClaimNextQueuedJob))
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.ErrNoJobAvailable
	}
	return job, err
}

// ApplyUpdate writes the non-nil fields of patch. Terminal jobs reject any
// change of status with domain.ErrTerminalState; a fenced patch whose claim
// has moved on gets domain.ErrClaimLost.
func (r *JobRepositoryPG) ApplyUpdate(ctx context.Context, jobID string, patch domain.JobPatch) error {
	var status string
	err := r.db.QueryRow(ctx, sqlinline.QApplyJobPatch,
		jobID,
		statusArg(patch.Status),
		patch.ExternalTaskID,
		patch.OutputReference,
		patch.ErrorSummary,
		kindArg(patch.ErrorKind),
		patch.FinishedAt,
		attemptArg(patch.Attempt),
	).Scan(&status)
	if err == nil {
		return nil
	}
	if !infra.IsNoRows(err) {
		return fmt.Errorf("apply job patch: %w", err)
	}
	current, statErr := r.status(ctx, jobID)
	if statErr != nil {
		return statErr
	}
	if patch.Attempt > 0 && !current.IsTerminal() {
		return domain.ErrClaimLost
	}
	return domain.ErrTerminalState
}

// Requeue returns the job to the queue, eligible again at notBefore, provided
// it is still processing under attempt.
func (r *JobRepositoryPG) Requeue(ctx context.Context, jobID string, attempt int, notBefore time.Time) error {
	tag, err := r.db.Exec(ctx, sqlinline.QRequeueJob, jobID, notBefore, attempt)
	if err != nil {
		return fmt.Errorf("requeue job: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	status, err := r.status(ctx, jobID)
	if err != nil {
		return err
	}
	if status.IsTerminal() {
		return domain.ErrTerminalState
	}
	return domain.ErrClaimLost
}

// RefundCredit adds one credit to the owner and returns the new balance.
func (r *JobRepositoryPG) RefundCredit(ctx context.Context, ownerID string) (int, error) {
	var balance int
	if err := r.db.QueryRow(ctx, sqlinline.QRefundCredit, ownerID).Scan(&balance); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("refund credit: %w", err)
	}
	return balance, nil
}

// FailAndRefund marks the job failed and returns the credit in one
// transaction. The refund happens at most once per job; later calls report
// Refunded=false. A positive attempt fences the write to that processing
// claim; zero settles a job in any non-done state.
func (r *JobRepositoryPG) FailAndRefund(ctx context.Context, jobID string, attempt int, summary string, kind domain.ErrorKind) (domain.Refund, error) {
	var out domain.Refund
	err := r.db.InTx(ctx, func(tx infra.SQLExecutor) error {
		out = domain.Refund{}
		var ownerID string
		err := tx.QueryRow(ctx, sqlinline.QMarkFailedRefunded,
			jobID, optionalText(summary), optionalText(string(kind)), attemptArg(attempt)).Scan(&ownerID)
		if infra.IsNoRows(err) {
			var status string
			if statErr := tx.QueryRow(ctx, sqlinline.QSelectJobStatus, jobID).Scan(&status); statErr != nil {
				if infra.IsNoRows(statErr) {
					return domain.ErrNotFound
				}
				return fmt.Errorf("select job status: %w", statErr)
			}
			switch domain.JobStatus(status) {
			case domain.JobStatusDone:
				return domain.ErrTerminalState
			case domain.JobStatusFailed:
				return nil
			}
			return domain.ErrClaimLost
		}
		if err != nil {
			return fmt.Errorf("mark job failed: %w", err)
		}
		var balance int
		if err := tx.QueryRow(ctx, sqlinline.QRefundCredit, ownerID).Scan(&balance); err != nil {
			return fmt.Errorf("refund credit: %w", err)
		}
		out = domain.Refund{OwnerID: ownerID, Balance: balance, Refunded: true}
		return nil
	})
	return out, err
}

// ReconcileRefunds refunds failed jobs whose credit was never returned and
// reports how many were settled.
func (r *JobRepositoryPG) ReconcileRefunds(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = stuckBatchSize
	}
	ids, err := r.collectIDs(ctx, sqlinline.QSelectUnrefundedFailedJobs, limit)
	if err != nil {
		return 0, err
	}
	settled := 0
	for _, id := range ids {
		refund, err := r.FailAndRefund(ctx, id, 0, "", "")
		if err != nil {
			return settled, err
		}
		if refund.Refunded {
			settled++
		}
	}
	return settled, nil
}

// RecoverStuck handles jobs left in processing for longer than olderThan:
// those with attempts left go back to the queue, the rest fail with a refund.
func (r *JobRepositoryPG) RecoverStuck(ctx context.Context, olderThan time.Duration, maxAttempts int) (domain.StuckReport, error) {
	var report domain.StuckReport
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	rows, err := r.db.Query(ctx, sqlinline.QSelectStuckJobs, olderThan.Seconds(), stuckBatchSize)
	if err != nil {
		return report, fmt.Errorf("select stuck jobs: %w", err)
	}
	type stuck struct {
		id       string
		attempts int
	}
	var found []stuck
	for rows.Next() {
		var s stuck
		if err := rows.Scan(&s.id, &s.attempts); err != nil {
			rows.Close()
			return report, fmt.Errorf("scan stuck job: %w", err)
		}
		found = append(found, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return report, fmt.Errorf("iterate stuck jobs: %w", err)
	}

	for _, s := range found {
		if s.attempts >= maxAttempts {
			refund, err := r.FailAndRefund(ctx, s.id, s.attempts, fmt.Sprintf("stuck_after_%d_attempts", s.attempts), domain.ErrorKindTransient)
			if err != nil && !errors.Is(err, domain.ErrTerminalState) && !errors.Is(err, domain.ErrClaimLost) {
				return report, err
			}
			if refund.Refunded {
				report.Failed++
			}
			continue
		}
		if err := r.Requeue(ctx, s.id, s.attempts, r.now()); err != nil {
			if errors.Is(err, domain.ErrTerminalState) || errors.Is(err, domain.ErrClaimLost) {
				continue
			}
			return report, err
		}
		report.Requeued++
	}
	return report, nil
}

// GetJob fetches a job by id.
func (r *JobRepositoryPG) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return scanJob(r.db.QueryRow(ctx, sqlinline.QSelectJobByID, jobID))
}

// ListByOwner returns the owner's most recent jobs, newest first.
func (r *JobRepositoryPG) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.JobSummary, error) {
	switch {
	case limit <= 0:
		limit = defaultListLimit
	case limit > maxListLimit:
		limit = maxListLimit
	}
	rows, err := r.db.Query(ctx, sqlinline.QListJobsByOwner, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	items := make([]domain.JobSummary, 0, limit)
	if err := pgxscan.ScanAll(&items, rows); err != nil {
		return nil, fmt.Errorf("scan jobs: %w", err)
	}
	return items, nil
}

// QueuePosition returns the 1-based position of the job among unfinished work.
func (r *JobRepositoryPG) QueuePosition(ctx context.Context, jobID string) (int, error) {
	var position int
	if err := r.db.QueryRow(ctx, sqlinline.QJobQueuePosition, jobID).Scan(&position); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("queue position: %w", err)
	}
	return position, nil
}

// Balance returns the owner's current credit balance.
func (r *JobRepositoryPG) Balance(ctx context.Context, ownerID string) (int, error) {
	var balance int
	if err := r.db.QueryRow(ctx, sqlinline.QSelectOwnerBalance, ownerID).Scan(&balance); err != nil {
		if infra.IsNoRows(err) {
			return 0, domain.ErrNotFound
		}
		return 0, fmt.Errorf("select balance: %w", err)
	}
	return balance, nil
}

func (r *JobRepositoryPG) status(ctx context.Context, jobID string) (domain.JobStatus, error) {
	var status string
	if err := r.db.QueryRow(ctx, sqlinline.QSelectJobStatus, jobID).Scan(&status); err != nil {
		if infra.IsNoRows(err) {
			return "", domain.ErrNotFound
		}
		return "", fmt.Errorf("select job status: %w", err)
	}
	return domain.JobStatus(status), nil
}

func (r *JobRepositoryPG) collectIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job                                   domain.Job
		status                                string
		payload                               []byte
		externalID, output, summary, errorKnd *string
	)
	if err := row.Scan(
		&job.ID,
		&job.OwnerID,
		&job.OwnerChatID,
		&job.IdempotencyKey,
		&status,
		&job.Attempts,
		&payload,
		&job.InputReference,
		&externalID,
		&output,
		&summary,
		&errorKnd,
		&job.Refunded,
		&job.AvailableAt,
		&job.CreatedAt,
		&job.StartedAt,
		&job.FinishedAt,
	); err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &job.Payload); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
	}
	job.ExternalTaskID = deref(externalID)
	job.OutputReference = deref(output)
	job.ErrorSummary = deref(summary)
	job.ErrorKind = domain.ErrorKind(deref(errorKnd))
	return &job, nil
}

func statusArg(s *domain.JobStatus) *string {
	if s == nil {
		return nil
	}
	v := string(*s)
	return &v
}

func kindArg(k *domain.ErrorKind) *string {
	if k == nil {
		return nil
	}
	v := string(*k)
	return &v
}

func attemptArg(attempt int) *int {
	if attempt <= 0 {
		return nil
	}
	return &attempt
}

func optionalText(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

var _ domain.JobRepository = (*JobRepositoryPG)(nil)
