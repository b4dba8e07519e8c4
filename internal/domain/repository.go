package domain

import (
	"context"
	"time"
)

// AdmitParams carries everything needed to admit a job.
type AdmitParams struct {
	OwnerID        string
	IdempotencyKey string
	InputReference string
	Payload        Payload
}

// Admission is the outcome of AdmitAndDebit. Created is false when an
// existing job with the same idempotency key was returned instead.
type Admission struct {
	Job     *Job
	Balance int
	Created bool
}

// Refund reports the outcome of a fail-and-refund transition.
type Refund struct {
	OwnerID  string
	Balance  int
	Refunded bool
}

// StuckReport summarizes a stuck-job recovery pass.
type StuckReport struct {
	Requeued int
	Failed   int
}

// JobRepository is the durable job table plus the balance ledger. Writes that
// take an attempt are fenced to the claim with that attempt number and return
// ErrClaimLost once the job was requeued or claimed again.
type JobRepository interface {
	FindByIdempotencyKey(ctx context.Context, key string) (*Job, error)
	AdmitAndDebit(ctx context.Context, params AdmitParams) (Admission, error)
	ClaimNextQueued(ctx context.Context) (*Job, error)
	ApplyUpdate(ctx context.Context, jobID string, patch JobPatch) error
	Requeue(ctx context.Context, jobID string, attempt int, notBefore time.Time) error
	RefundCredit(ctx context.Context, ownerID string) (int, error)
	FailAndRefund(ctx context.Context, jobID string, attempt int, summary string, kind ErrorKind) (Refund, error)
	ReconcileRefunds(ctx context.Context, limit int) (int, error)
	RecoverStuck(ctx context.Context, olderThan time.Duration, maxAttempts int) (StuckReport, error)
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListByOwner(ctx context.Context, ownerID string, limit int) ([]JobSummary, error)
	QueuePosition(ctx context.Context, jobID string) (int, error)
	Balance(ctx context.Context, ownerID string) (int, error)
}

// UserRepository defines access methods for users.
type UserRepository interface {
	EnsureByChatID(ctx context.Context, chatID int64, username string) (*User, error)
	GetByID(ctx context.Context, id string) (*User, error)
	GrantCredits(ctx context.Context, id string, amount int) (int, error)
}
