package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"reelforge/internal/domain"
	"reelforge/internal/middleware"
	"reelforge/internal/submission"
)

const (
	multipartMemory  = 8 << 20
	multipartOverrun = 1 << 20
	maxIdempotency   = 200
)

type jobResponse struct {
	ID            string           `json:"id"`
	Status        domain.JobStatus `json:"status"`
	TemplateID    string           `json:"template_id"`
	Attempts      int              `json:"attempts"`
	OutputURL     string           `json:"output_url,omitempty"`
	ErrorKind     domain.ErrorKind `json:"error_kind,omitempty"`
	ErrorSummary  string           `json:"error_summary,omitempty"`
	Refunded      bool             `json:"refunded"`
	QueuePosition *int             `json:"queue_position,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	FinishedAt    *time.Time       `json:"finished_at,omitempty"`
}

// SubmitJob accepts multipart/form-data with a "photo" file and either a
// "payload" JSON field or the payload fields as individual form values.
// The idempotency key comes from the Idempotency-Key header, with an
// idempotency_key form field accepted as a fallback.
func (a *App) SubmitJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	if a.MaxPhotoBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, a.MaxPhotoBytes+multipartOverrun)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.error(w, http.StatusRequestEntityTooLarge, "payload_too_large", "photo too large")
			return
		}
		a.error(w, http.StatusBadRequest, "bad_request", "multipart form expected")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key == "" {
		key = strings.TrimSpace(r.FormValue("idempotency_key"))
	}
	if key == "" || len(key) > maxIdempotency {
		a.error(w, http.StatusBadRequest, "bad_request", "Idempotency-Key header required")
		return
	}

	payload, err := payloadFromForm(r)
	if err != nil {
		a.error(w, http.StatusUnprocessableEntity, "invalid_payload", err.Error())
		return
	}
	if payload.Locale == "" {
		payload.Locale = middleware.LocaleFromContext(r.Context())
	}

	file, header, err := r.FormFile("photo")
	if err != nil {
		a.error(w, http.StatusUnprocessableEntity, "invalid_payload", "photo file required")
		return
	}
	defer file.Close()
	photo, err := io.ReadAll(file)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "failed to read photo")
		return
	}

	res, err := a.Submitter.Submit(r.Context(), submission.Request{
		OwnerID:          userID,
		IdempotencyKey:   key,
		Photo:            photo,
		PhotoContentType: header.Header.Get("Content-Type"),
		Payload:          payload,
	})
	if err != nil {
		a.fail(w, r, err, "submit job")
		return
	}
	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
	}
	a.json(w, status, res)
}

func payloadFromForm(r *http.Request) (domain.Payload, error) {
	var p domain.Payload
	if raw := strings.TrimSpace(r.FormValue("payload")); raw != "" {
		dec := json.NewDecoder(strings.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&p); err != nil {
			return p, fmt.Errorf("payload is not valid json: %w", err)
		}
		return p, nil
	}
	p.TemplateID = r.FormValue("template_id")
	p.ProductText = r.FormValue("product_text")
	p.ExtraWishes = r.FormValue("extra_wishes")
	p.CustomPrompt = r.FormValue("custom_prompt")
	p.Locale = r.FormValue("locale")
	return p, nil
}

func (a *App) GetJob(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")
	if !validID(jobID) {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	job, err := a.Jobs.GetJob(r.Context(), jobID)
	if err != nil {
		a.fail(w, r, err, "load job")
		return
	}
	if job.OwnerID != userID {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}

	resp := jobResponse{
		ID:           job.ID,
		Status:       job.Status,
		TemplateID:   job.Payload.TemplateID,
		Attempts:     job.Attempts,
		ErrorKind:    job.ErrorKind,
		ErrorSummary: job.ErrorSummary,
		Refunded:     job.Refunded,
		CreatedAt:    job.CreatedAt,
		StartedAt:    job.StartedAt,
		FinishedAt:   job.FinishedAt,
	}
	if job.OutputReference != "" {
		resp.OutputURL = a.publicURL(job.OutputReference)
	}
	if job.Status == domain.JobStatusQueued {
		pos, err := a.Jobs.QueuePosition(r.Context(), job.ID)
		if err == nil {
			resp.QueuePosition = &pos
		} else {
			a.log(r).Warn().Err(err).Str("job_id", job.ID).Msg("api: queue position unavailable")
		}
	}
	a.json(w, http.StatusOK, resp)
}

func (a *App) ListJobs(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = n
	}
	jobs, err := a.Jobs.ListByOwner(r.Context(), userID, limit)
	if err != nil {
		a.fail(w, r, err, "list jobs")
		return
	}
	items := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		item := jobResponse{
			ID:         j.ID,
			Status:     j.Status,
			TemplateID: j.TemplateID,
			Attempts:   j.Attempts,
			CreatedAt:  j.CreatedAt,
			FinishedAt: j.FinishedAt,
		}
		if j.OutputReference != nil {
			item.OutputURL = a.publicURL(*j.OutputReference)
		}
		if j.ErrorSummary != nil {
			item.ErrorSummary = *j.ErrorSummary
		}
		items = append(items, item)
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

func (a *App) publicURL(key string) string {
	if a.PublicURL == nil {
		return key
	}
	return a.PublicURL(key)
}

// validID reports whether s can name a row; ids are UUIDs.
func validID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
