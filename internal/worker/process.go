package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"reelforge/internal/classifier"
	"reelforge/internal/delivery"
	"reelforge/internal/domain"
	"reelforge/internal/providers/kie"
	"reelforge/internal/rotator"
	"reelforge/internal/storage"
)

const notifyTimeout = 30 * time.Second

// failure is a provider-side outcome that the retry policy decides on.
type failure struct {
	kind    domain.ErrorKind
	summary string
	// proxy marks transport errors that point at the outbound proxy.
	proxy bool
}

func (f *failure) Error() string { return string(f.kind) + ": " + f.summary }

func failureFromError(err error) *failure {
	kind, summary := classifier.ClassifyError(err)
	return &failure{kind: kind, summary: summary, proxy: isTransportError(err)}
}

func failureFromText(raw string) *failure {
	kind, summary := classifier.Classify(raw)
	return &failure{kind: kind, summary: summary}
}

// Process runs one claimed job to its next resting state. Infrastructure
// errors leave the job in processing for the stuck-job sweep.
func (w *Worker) Process(ctx context.Context, job *domain.Job) {
	started := w.now()
	defer w.metrics.TrackInFlight()()
	w.metrics.JobClaimed()

	cred := kie.Credential{APIKey: w.keys.Next(), Proxy: w.proxies.Next()}
	log := w.logger.With().
		Str("job_id", job.ID).
		Str("owner_id", job.OwnerID).
		Int("attempt", job.Attempts).
		Str("api_key", rotator.MaskSecret(cred.APIKey)).
		Logger()
	if cred.Proxy != "" {
		log = log.With().Str("proxy", rotator.MaskProxy(cred.Proxy)).Logger()
	}
	log.Info().Str("template_id", job.Payload.TemplateID).Msg("worker: picked job")

	outputKey, err := w.generate(ctx, job, cred, log)
	var f *failure
	switch {
	case err == nil:
		w.succeed(ctx, job, cred, outputKey, log)
		w.metrics.ObserveAttempt("done", w.now().Sub(started))
	case errors.As(err, &f):
		w.fail(ctx, job, cred, f, log)
		w.metrics.ObserveAttempt(string(f.kind), w.now().Sub(started))
	case lostClaim(err):
		log.Warn().Err(err).Msg("worker: job was recovered or reclaimed, abandoning attempt")
		w.metrics.ObserveAttempt("claim_lost", w.now().Sub(started))
	default:
		log.Error().Err(err).Msg("worker: infrastructure error, leaving job for recovery")
		w.metrics.ObserveAttempt("infrastructure", w.now().Sub(started))
	}
}

// generate submits, polls and stores the artifact. A *failure is returned for
// provider outcomes; any other error is infrastructure.
func (w *Worker) generate(ctx context.Context, job *domain.Job, cred kie.Credential, log zerolog.Logger) (string, error) {
	text, err := w.prompts.Build(ctx, job.Payload)
	if err != nil {
		return "", failureFromError(err)
	}
	inputURL := w.store.PublicURL(job.InputReference)

	createCtx, cancel := context.WithTimeout(ctx, w.cfg.CreateTimeout)
	began := w.now()
	taskID, err := w.provider.CreateTask(createCtx, cred, text, inputURL)
	cancel()
	w.metrics.ObserveProviderCall("create_task", err, w.now().Sub(began))
	if err != nil {
		return "", failureFromError(err)
	}
	log.Info().Str("task_id", taskID).Msg("worker: task created")

	if err := w.jobs.ApplyUpdate(ctx, job.ID, domain.JobPatch{Attempt: job.Attempts, ExternalTaskID: &taskID}); err != nil {
		return "", fmt.Errorf("record task id: %w", err)
	}

	artifactURL, err := w.poll(ctx, cred, taskID, log)
	if err != nil {
		return "", err
	}

	downloadCtx, cancel := context.WithTimeout(ctx, w.cfg.DownloadTimeout)
	began = w.now()
	data, contentType, err := w.provider.Download(downloadCtx, cred, artifactURL)
	cancel()
	w.metrics.ObserveProviderCall("download", err, w.now().Sub(began))
	if err != nil {
		return "", failureFromError(err)
	}

	key, err := w.store.Put(ctx, storage.OutputKey(job.OwnerID, job.ID, contentType), data)
	if err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}
	return key, nil
}

// poll waits for the task to settle. It gives up after PollTimeout or after
// MaxPollFailures consecutive status errors.
func (w *Worker) poll(ctx context.Context, cred kie.Credential, taskID string, log zerolog.Logger) (string, error) {
	pollCtx, cancel := context.WithTimeout(ctx, w.cfg.PollTimeout)
	defer cancel()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	consecutive := 0
	var lastErr error
	for {
		select {
		case <-pollCtx.Done():
			return "", &failure{kind: domain.ErrorKindTransient, summary: "generation timed out"}
		case <-ticker.C:
		}

		reqCtx, reqCancel := context.WithTimeout(pollCtx, w.cfg.PollRequestTimeout)
		began := w.now()
		status, err := w.provider.GetTaskStatus(reqCtx, cred, taskID)
		reqCancel()
		w.metrics.ObserveProviderCall("task_status", err, w.now().Sub(began))
		if err != nil {
			if pollCtx.Err() != nil {
				return "", &failure{kind: domain.ErrorKindTransient, summary: "generation timed out"}
			}
			consecutive++
			lastErr = err
			log.Warn().Err(err).Int("consecutive_failures", consecutive).Msg("worker: status poll failed")
			if consecutive >= w.cfg.MaxPollFailures {
				_, summary := classifier.ClassifyError(lastErr)
				return "", &failure{
					kind:    domain.ErrorKindTransient,
					summary: fmt.Sprintf("status polling failed %d times: %s", consecutive, summary),
					proxy:   isTransportError(lastErr),
				}
			}
			continue
		}
		consecutive = 0

		switch status.State {
		case kie.TaskSucceeded:
			if status.ArtifactURL == "" {
				return "", &failure{kind: domain.ErrorKindTransient, summary: "artifact url missing"}
			}
			return status.ArtifactURL, nil
		case kie.TaskFailed:
			detail := status.ErrorDetail
			if detail == "" {
				detail = classifier.ExtractMessage(status.Raw)
			}
			return "", failureFromText(detail)
		default:
			log.Debug().Str("task_id", taskID).Msg("worker: task pending")
		}
	}
}

func (w *Worker) succeed(ctx context.Context, job *domain.Job, cred kie.Credential, outputKey string, log zerolog.Logger) {
	status := domain.JobStatusDone
	finished := w.now()
	err := w.jobs.ApplyUpdate(ctx, job.ID, domain.JobPatch{
		Attempt:         job.Attempts,
		Status:          &status,
		OutputReference: &outputKey,
		FinishedAt:      &finished,
	})
	if lostClaim(err) {
		log.Warn().Err(err).Msg("worker: job settled or reclaimed elsewhere before completion")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("worker: failed to mark job done, leaving job for recovery")
		return
	}

	w.keys.ReportHealthy(cred.APIKey)
	w.proxies.ReportHealthy(cred.Proxy)
	w.metrics.JobFinished(string(domain.JobStatusDone), "")
	log.Info().Str("output", outputKey).Msg("worker: job done")

	event := w.event(delivery.EventDone, job)
	event.OutputURL = w.store.PublicURL(outputKey)
	if balance, err := w.jobs.Balance(ctx, job.OwnerID); err == nil {
		event.Balance = &balance
	}
	w.notify(ctx, event, log)
}

func (w *Worker) fail(ctx context.Context, job *domain.Job, cred kie.Credential, f *failure, log zerolog.Logger) {
	if cooldown := classifier.CredentialCooldown(f.kind); cooldown > 0 {
		w.keys.ReportDegraded(cred.APIKey, cooldown)
	}
	if f.proxy && cred.Proxy != "" {
		w.proxies.ReportDegraded(cred.Proxy, w.cfg.ProxyCooldown)
	}

	ev := log.Warn()
	if f.kind == domain.ErrorKindUnknown {
		ev = log.Error().Bool("unclassified_failure", true)
	}
	ev.Str("error_kind", string(f.kind)).Str("error", f.summary).Msg("worker: attempt failed")

	if classifier.ShouldRetry(f.kind, job.Attempts, w.cfg.MaxAttempts) {
		w.retry(ctx, job, f, log)
		return
	}

	refund, err := w.jobs.FailAndRefund(ctx, job.ID, job.Attempts, f.summary, f.kind)
	if lostClaim(err) {
		log.Warn().Err(err).Msg("worker: job settled or reclaimed elsewhere, nothing to refund")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("worker: fail and refund failed, leaving job for recovery")
		return
	}
	w.metrics.JobFinished(string(domain.JobStatusFailed), string(f.kind))
	if !refund.Refunded {
		log.Info().Msg("worker: job already refunded")
		return
	}
	w.metrics.Refunded("worker", 1)
	log.Info().Int("balance", refund.Balance).Msg("worker: job failed, credit refunded")

	event := w.event(delivery.EventFailed, job)
	event.ErrorKind = f.kind
	event.ErrorSummary = f.summary
	event.Refunded = true
	event.Balance = &refund.Balance
	w.notify(ctx, event, log)
}

func (w *Worker) retry(ctx context.Context, job *domain.Job, f *failure, log zerolog.Logger) {
	retryAt := w.now().Add(classifier.RetryDelay(f.kind, job.Attempts-1))
	patch := domain.JobPatch{Attempt: job.Attempts, ErrorSummary: &f.summary, ErrorKind: &f.kind}
	if err := w.jobs.ApplyUpdate(ctx, job.ID, patch); err != nil {
		if lostClaim(err) {
			log.Warn().Err(err).Msg("worker: job settled or reclaimed elsewhere, not requeueing")
			return
		}
		log.Warn().Err(err).Msg("worker: failed to record attempt error")
	}
	err := w.jobs.Requeue(ctx, job.ID, job.Attempts, retryAt)
	if lostClaim(err) {
		log.Warn().Err(err).Msg("worker: job settled or reclaimed elsewhere, not requeueing")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("worker: requeue failed, leaving job for recovery")
		return
	}
	w.metrics.JobRetried(string(f.kind))
	log.Info().Time("retry_at", retryAt).Msg("worker: job requeued")

	if !w.cfg.RetryNotices {
		return
	}
	event := w.event(delivery.EventRetrying, job)
	event.ErrorKind = f.kind
	event.RetryAt = &retryAt
	w.notify(ctx, event, log)
}

func (w *Worker) event(kind delivery.EventKind, job *domain.Job) delivery.Event {
	locale := job.Payload.Locale
	if locale == "" {
		locale = w.cfg.DefaultLocale
	}
	return delivery.Event{
		Kind:       kind,
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		ChatID:     job.OwnerChatID,
		Locale:     locale,
		TemplateID: job.Payload.TemplateID,
		Attempt:    job.Attempts,
		OccurredAt: w.now(),
	}
}

func (w *Worker) notify(ctx context.Context, event delivery.Event, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if err := w.notifier.Notify(ctx, event); err != nil {
		log.Warn().Err(err).Str("kind", string(event.Kind)).Msg("worker: notification failed")
	}
}

// lostClaim reports writes refused because this attempt no longer owns the job.
func lostClaim(err error) bool {
	return errors.Is(err, domain.ErrClaimLost) || errors.Is(err, domain.ErrTerminalState)
}

// isTransportError reports failures below HTTP: dial, TLS, proxy handshakes and timeouts.
func isTransportError(err error) bool {
	var apiErr *kie.APIError
	if errors.As(err, &apiErr) {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
