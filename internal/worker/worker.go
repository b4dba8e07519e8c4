// Package worker drains the job queue: it claims jobs, drives them through the
// generation provider and settles each one as done, retried or failed with a refund.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"reelforge/internal/delivery"
	"reelforge/internal/domain"
	"reelforge/internal/metrics"
	"reelforge/internal/providers/kie"
	"reelforge/internal/providers/prompt"
	"reelforge/internal/queue"
	"reelforge/internal/rotator"
	"reelforge/internal/storage"
)

// Provider is the generation service contract; *kie.Client implements it.
type Provider interface {
	CreateTask(ctx context.Context, cred kie.Credential, prompt, inputURL string) (string, error)
	GetTaskStatus(ctx context.Context, cred kie.Credential, taskID string) (kie.TaskStatus, error)
	Download(ctx context.Context, cred kie.Credential, artifactURL string) ([]byte, string, error)
}

// Config tunes the loop. Zero values fall back to the defaults below.
type Config struct {
	Concurrency        int
	MaxAttempts        int
	ClaimInterval      time.Duration
	CreateTimeout      time.Duration
	PollInterval       time.Duration
	PollRequestTimeout time.Duration
	PollTimeout        time.Duration
	MaxPollFailures    int
	DownloadTimeout    time.Duration
	SweepInterval      time.Duration
	StuckAfter         time.Duration
	ProxyCooldown      time.Duration
	RetryNotices       bool
	DefaultLocale      string
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = domain.DefaultMaxAttempts
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 2 * time.Second
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 90 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.PollRequestTimeout <= 0 {
		c.PollRequestTimeout = 60 * time.Second
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 5 * time.Minute
	}
	if c.MaxPollFailures <= 0 {
		c.MaxPollFailures = 3
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = 3 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 15 * time.Minute
	}
	if c.ProxyCooldown <= 0 {
		c.ProxyCooldown = 5 * time.Minute
	}
	return c
}

// attemptBudget is the longest a single attempt can spend on provider calls.
func (c Config) attemptBudget() time.Duration {
	return c.CreateTimeout + c.PollTimeout + c.DownloadTimeout
}

// Deps are the collaborators of a Worker. Proxies, Notifier, Waiter and
// Metrics are optional.
type Deps struct {
	Jobs     domain.JobRepository
	Provider Provider
	Prompts  prompt.Builder
	Store    storage.Store
	Keys     *rotator.Rotator
	Proxies  *rotator.Rotator
	Notifier delivery.Notifier
	Waiter   queue.Waiter
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Worker struct {
	cfg      Config
	jobs     domain.JobRepository
	provider Provider
	prompts  prompt.Builder
	store    storage.Store
	keys     *rotator.Rotator
	proxies  *rotator.Rotator
	notifier delivery.Notifier
	waiter   queue.Waiter
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func New(cfg Config, deps Deps) (*Worker, error) {
	switch {
	case deps.Jobs == nil:
		return nil, errors.New("worker: job repository is required")
	case deps.Provider == nil:
		return nil, errors.New("worker: generation provider is required")
	case deps.Store == nil:
		return nil, errors.New("worker: storage is required")
	case deps.Keys == nil:
		return nil, errors.New("worker: api key pool is required")
	}
	prompts := deps.Prompts
	if prompts == nil {
		prompts = prompt.NewStaticBuilder()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = delivery.NewLogNotifier(deps.Logger)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	cfg = cfg.withDefaults()
	if budget := cfg.attemptBudget(); cfg.StuckAfter <= budget {
		return nil, fmt.Errorf("worker: stuck-after %s must exceed the attempt budget %s (create + poll + download timeouts)", cfg.StuckAfter, budget)
	}
	return &Worker{
		cfg:      cfg,
		jobs:     deps.Jobs,
		provider: deps.Provider,
		prompts:  prompts,
		store:    deps.Store,
		keys:     deps.Keys,
		proxies:  deps.Proxies,
		notifier: notifier,
		waiter:   deps.Waiter,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With().Str("component", "worker").Logger(),
		now:      now,
	}, nil
}

// Run claims and processes jobs until ctx is cancelled. At most Concurrency
// jobs run at once. Jobs already claimed when ctx ends run to completion
// under their own deadlines, and Run returns after they finish.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().
		Int("concurrency", w.cfg.Concurrency).
		Int("max_attempts", w.cfg.MaxAttempts).
		Int("keys", w.keys.Len()).
		Int("proxies", w.proxies.Len()).
		Msg("worker: started")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.sweepLoop(ctx)
	}()

	sem := make(chan struct{}, w.cfg.Concurrency)
	jobCtx := context.WithoutCancel(ctx)

claim:
	for {
		select {
		case <-ctx.Done():
			break claim
		case sem <- struct{}{}:
		}

		job, err := w.jobs.ClaimNextQueued(ctx)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				break claim
			}
			if !errors.Is(err, domain.ErrNoJobAvailable) {
				w.logger.Error().Err(err).Msg("worker: failed to claim job")
				sleepCtx(ctx, w.cfg.ClaimInterval)
				continue
			}
			w.idle(ctx)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w.Process(jobCtx, job)
		}()
	}

	w.logger.Info().Msg("worker: draining in-flight jobs")
	wg.Wait()
	w.logger.Info().Msg("worker: stopped")
	return ctx.Err()
}

// ProcessNext claims one job and processes it synchronously. It reports false
// when the queue had nothing claimable.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.jobs.ClaimNextQueued(ctx)
	if errors.Is(err, domain.ErrNoJobAvailable) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	w.Process(ctx, job)
	return true, nil
}

func (w *Worker) idle(ctx context.Context) {
	if w.waiter == nil {
		sleepCtx(ctx, w.cfg.ClaimInterval)
		return
	}
	if _, err := w.waiter.Wait(ctx, w.cfg.ClaimInterval); err != nil && ctx.Err() == nil {
		w.logger.Warn().Err(err).Msg("worker: wake-up wait failed")
		sleepCtx(ctx, w.cfg.ClaimInterval)
	}
}

func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	w.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep settles failed jobs that were never refunded, recovers jobs stuck in
// processing and publishes pool health.
func (w *Worker) Sweep(ctx context.Context) {
	settled, err := w.jobs.ReconcileRefunds(ctx, 100)
	if err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Msg("worker: refund reconciliation failed")
	}
	if settled > 0 {
		w.metrics.Refunded("reconcile", settled)
		w.logger.Warn().Int("refunded", settled).Msg("worker: reconciled missing refunds")
	}

	report, err := w.jobs.RecoverStuck(ctx, w.cfg.StuckAfter, w.cfg.MaxAttempts)
	if err != nil && ctx.Err() == nil {
		w.logger.Error().Err(err).Msg("worker: stuck job recovery failed")
	}
	if report.Requeued > 0 || report.Failed > 0 {
		w.metrics.Refunded("stuck", report.Failed)
		w.logger.Warn().Int("requeued", report.Requeued).Int("failed", report.Failed).Msg("worker: recovered stuck jobs")
	}

	for _, pool := range []*rotator.Rotator{w.keys, w.proxies} {
		if pool == nil {
			continue
		}
		st := pool.Stats()
		w.metrics.SetAvailable(st.Name, st.Healthy)
		if st.Blocked > 0 {
			w.logger.Info().Str("pool", st.Name).Int("healthy", st.Healthy).Int("blocked", st.Blocked).Msg("worker: pool health")
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
