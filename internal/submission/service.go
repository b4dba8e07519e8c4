// Package submission admits photo-to-video jobs: it validates the request,
// charges one credit and hands the job to the worker pool.
package submission

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"reelforge/internal/domain"
	"reelforge/internal/metrics"
	"reelforge/internal/queue"
	"reelforge/internal/storage"
)

const storageCleanupTimeout = 10 * time.Second

var allowedPhotoTypes = map[string]struct{}{
	"image/jpeg": {},
	"image/png":  {},
	"image/webp": {},
}

// Request is one submission attempt from the chat front end.
type Request struct {
	OwnerID          string `validate:"required"`
	IdempotencyKey   string `validate:"required,max=200"`
	Photo            []byte `validate:"required,min=1"`
	PhotoContentType string
	Payload          domain.Payload
}

// Result is returned for new jobs and for idempotent replays alike.
type Result struct {
	JobID     string `json:"job_id"`
	Balance   int    `json:"balance"`
	Duplicate bool   `json:"duplicate"`
}

// Service is the single entry point for job admission.
type Service struct {
	jobs     domain.JobRepository
	store    storage.Store
	signaler queue.Signaler
	metrics  *metrics.Metrics
	validate *validator.Validate
	maxPhoto int64
	logger   zerolog.Logger
}

// Options wires optional collaborators. Signaler and Metrics may be nil.
type Options struct {
	Signaler      queue.Signaler
	Metrics       *metrics.Metrics
	MaxPhotoBytes int64
	Logger        zerolog.Logger
}

func NewService(jobs domain.JobRepository, store storage.Store, opts Options) *Service {
	return &Service{
		jobs:     jobs,
		store:    store,
		signaler: opts.Signaler,
		metrics:  opts.Metrics,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		maxPhoto: opts.MaxPhotoBytes,
		logger:   opts.Logger.With().Str("component", "submission").Logger(),
	}
}

// Submit admits a job. Validation, the idempotency lookup and the balance
// pre-check all happen before the photo is stored, so a rejected request
// leaves no trace. The debit and the job row are written atomically by the
// repository, which stays authoritative when concurrent requests race.
func (s *Service) Submit(ctx context.Context, req Request) (Result, error) {
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	req.Payload.Normalize()

	if err := s.check(&req); err != nil {
		return Result{}, err
	}

	existing, err := s.jobs.FindByIdempotencyKey(ctx, req.IdempotencyKey)
	switch {
	case err == nil:
		return s.replay(ctx, req.OwnerID, existing)
	case !errors.Is(err, domain.ErrNotFound):
		return Result{}, fmt.Errorf("lookup idempotency key: %w", err)
	}

	balance, err := s.jobs.Balance(ctx, req.OwnerID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return Result{}, fmt.Errorf("read balance: %w", err)
	}
	if balance < 1 {
		return Result{}, domain.ErrInsufficientBalance
	}

	inputKey, err := s.store.Put(ctx, storage.InputKey(req.OwnerID, req.PhotoContentType), req.Photo)
	if err != nil {
		return Result{}, fmt.Errorf("store photo: %w", err)
	}

	admission, err := s.jobs.AdmitAndDebit(ctx, domain.AdmitParams{
		OwnerID:        req.OwnerID,
		IdempotencyKey: req.IdempotencyKey,
		InputReference: inputKey,
		Payload:        req.Payload,
	})
	if err != nil {
		s.discard(inputKey)
		return Result{}, err
	}
	if !admission.Created {
		s.discard(inputKey)
		if admission.Job.OwnerID != req.OwnerID {
			return Result{}, domain.ErrDuplicateOperation
		}
		s.metrics.JobAdmitted(true)
		return Result{JobID: admission.Job.ID, Balance: admission.Balance, Duplicate: true}, nil
	}

	s.metrics.JobAdmitted(false)
	s.logger.Info().
		Str("job_id", admission.Job.ID).
		Str("owner_id", req.OwnerID).
		Str("template_id", req.Payload.TemplateID).
		Int("balance", admission.Balance).
		Msg("submission: job admitted")

	if s.signaler != nil {
		if err := s.signaler.Signal(ctx, admission.Job.ID); err != nil {
			s.logger.Warn().Err(err).Str("job_id", admission.Job.ID).Msg("submission: wake-up signal failed")
		}
	}

	return Result{JobID: admission.Job.ID, Balance: admission.Balance}, nil
}

func (s *Service) check(req *Request) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrInvalidPayload, describe(err))
	}
	if s.maxPhoto > 0 && int64(len(req.Photo)) > s.maxPhoto {
		return fmt.Errorf("%w: photo exceeds %d bytes", domain.ErrInvalidPayload, s.maxPhoto)
	}
	ct := strings.ToLower(strings.TrimSpace(req.PhotoContentType))
	if ct == "" || ct == "application/octet-stream" {
		ct = http.DetectContentType(req.Photo)
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if _, ok := allowedPhotoTypes[ct]; !ok {
		return fmt.Errorf("%w: unsupported photo type %q", domain.ErrInvalidPayload, ct)
	}
	req.PhotoContentType = ct
	return nil
}

func (s *Service) replay(ctx context.Context, ownerID string, job *domain.Job) (Result, error) {
	if job.OwnerID != ownerID {
		return Result{}, domain.ErrDuplicateOperation
	}
	balance, err := s.jobs.Balance(ctx, ownerID)
	if err != nil {
		return Result{}, fmt.Errorf("read balance: %w", err)
	}
	s.metrics.JobAdmitted(true)
	return Result{JobID: job.ID, Balance: balance, Duplicate: true}, nil
}

// discard removes an upload that no job references. Failures only leave an orphan file.
func (s *Service) discard(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), storageCleanupTimeout)
	defer cancel()
	if err := s.store.Delete(ctx, key); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("submission: orphan upload not removed")
	}
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}
