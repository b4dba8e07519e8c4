package domain

import "time"

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusDone       JobStatus = "done"
	JobStatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusFailed
}

// DefaultMaxAttempts bounds processing attempts per job.
const DefaultMaxAttempts = 3

// Job tracks one photo-to-video generation request.
type Job struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	OwnerChatID     *int64     `json:"-"`
	IdempotencyKey  string     `json:"idempotency_key"`
	Status          JobStatus  `json:"status"`
	Attempts        int        `json:"attempts"`
	Payload         Payload    `json:"payload"`
	InputReference  string     `json:"input_reference"`
	ExternalTaskID  string     `json:"external_task_id,omitempty"`
	OutputReference string     `json:"output_reference,omitempty"`
	ErrorSummary    string     `json:"error_summary,omitempty"`
	ErrorKind       ErrorKind  `json:"error_kind,omitempty"`
	Refunded        bool       `json:"refunded"`
	AvailableAt     time.Time  `json:"-"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}

// JobPatch is a partial update. Nil fields are left untouched. A positive
// Attempt restricts the write to the job while it is processing under that
// attempt number.
type JobPatch struct {
	Attempt         int
	Status          *JobStatus
	ExternalTaskID  *string
	OutputReference *string
	ErrorSummary    *string
	ErrorKind       *ErrorKind
	FinishedAt      *time.Time
}

// JobSummary is the compact listing row used by the cabinet view.
type JobSummary struct {
	ID              string     `json:"id" db:"id"`
	Status          JobStatus  `json:"status" db:"status"`
	TemplateID      string     `json:"template_id" db:"template_id"`
	Attempts        int        `json:"attempts" db:"attempts"`
	OutputReference *string    `json:"output_reference,omitempty" db:"output_reference"`
	ErrorSummary    *string    `json:"error_summary,omitempty" db:"error_summary"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}
