package worker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reelforge/internal/delivery"
	"reelforge/internal/domain"
	"reelforge/internal/providers/kie"
	"reelforge/internal/rotator"
)

type harness struct {
	jobs     *memJobs
	provider *scriptedProvider
	store    *memStore
	notes    *recorder
	keys     *rotator.Rotator
	proxies  *rotator.Rotator
	worker   *Worker

	mu    sync.Mutex
	clock time.Time
}

func (h *harness) now() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clock
}

func testConfig() Config {
	return Config{
		Concurrency:        2,
		MaxAttempts:        3,
		ClaimInterval:      5 * time.Millisecond,
		CreateTimeout:      time.Second,
		PollInterval:       time.Millisecond,
		PollRequestTimeout: 100 * time.Millisecond,
		PollTimeout:        300 * time.Millisecond,
		MaxPollFailures:    3,
		DownloadTimeout:    time.Second,
		SweepInterval:      time.Hour,
		RetryNotices:       true,
		DefaultLocale:      "ru",
	}
}

func newHarness(t *testing.T, provider *scriptedProvider, proxies ...string) *harness {
	t.Helper()
	h := &harness{
		jobs:     newMemJobs(),
		provider: provider,
		store:    newMemStore(),
		notes:    &recorder{},
		clock:    time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	var err error
	h.keys, err = rotator.New("kie_keys", []string{"key-aaaa-1111", "key-bbbb-2222"}, rotator.WithClock(h.now), rotator.WithLogger(zerolog.Nop()))
	require.NoError(t, err)
	if len(proxies) > 0 {
		h.proxies, err = rotator.New("proxies", proxies, rotator.WithClock(h.now), rotator.WithLogger(zerolog.Nop()), rotator.WithMask(rotator.MaskProxy))
		require.NoError(t, err)
	}
	h.worker, err = New(testConfig(), Deps{
		Jobs:     h.jobs,
		Provider: provider,
		Store:    h.store,
		Keys:     h.keys,
		Proxies:  h.proxies,
		Notifier: h.notes,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return h
}

func queuedJob(id string, attempts int) *domain.Job {
	chat := int64(42)
	return &domain.Job{
		ID:             id,
		OwnerID:        "owner-1",
		OwnerChatID:    &chat,
		IdempotencyKey: "key-" + id,
		Attempts:       attempts,
		InputReference: "inputs/owner-1/photo.jpg",
		Payload:        domain.Payload{TemplateID: "ugc", ProductText: "Ceramic mug", Locale: "en"},
	}
}

func succeeded(url string) statusStep {
	return statusStep{status: kie.TaskStatus{State: kie.TaskSucceeded, ArtifactURL: url}}
}

func pending() statusStep {
	return statusStep{status: kie.TaskStatus{State: kie.TaskPending}}
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{}, Deps{})
	require.Error(t, err)
}

func TestProcessHappyPath(t *testing.T) {
	provider := &scriptedProvider{
		statuses: []statusStep{pending(), succeeded("https://cdn.kie.example/v.mp4")},
		download: []byte("mp4-bytes"),
	}
	h := newHarness(t, provider)
	h.jobs.balances["owner-1"] = 2
	h.jobs.add(queuedJob("job-1", 0))

	ok, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	job := h.jobs.get("job-1")
	assert.Equal(t, domain.JobStatusDone, job.Status)
	assert.Equal(t, "task-1", job.ExternalTaskID)
	assert.Equal(t, "outputs/owner-1/job-1.mp4", job.OutputReference)
	assert.NotNil(t, job.FinishedAt)
	assert.False(t, job.Refunded)
	assert.Equal(t, []byte("mp4-bytes"), h.store.objects["outputs/owner-1/job-1.mp4"])

	require.Equal(t, []delivery.EventKind{delivery.EventDone}, h.notes.kinds())
	ev := h.notes.events[0]
	assert.Equal(t, "https://files.example/outputs/owner-1/job-1.mp4", ev.OutputURL)
	require.NotNil(t, ev.Balance)
	assert.Equal(t, 2, *ev.Balance)
	assert.Equal(t, int64(42), *ev.ChatID)
	assert.Equal(t, "en", ev.Locale)
}

func TestProcessNextEmptyQueue(t *testing.T) {
	h := newHarness(t, &scriptedProvider{})
	ok, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestContentViolationFailsOnceWithRefund(t *testing.T) {
	provider := &scriptedProvider{statuses: []statusStep{{
		status: kie.TaskStatus{State: kie.TaskFailed, ErrorDetail: "Content policy violation: real person detected"},
	}}}
	h := newHarness(t, provider)
	h.jobs.add(queuedJob("job-1", 0))

	_, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)

	job := h.jobs.get("job-1")
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, domain.ErrorKindContentViolation, job.ErrorKind)
	assert.True(t, job.Refunded)
	assert.Equal(t, 1, h.jobs.balances["owner-1"])
	assert.Empty(t, h.jobs.requeued)

	require.Equal(t, []delivery.EventKind{delivery.EventFailed}, h.notes.kinds())
	assert.True(t, h.notes.events[0].Refunded)
	assert.Equal(t, domain.ErrorKindContentViolation, h.notes.events[0].ErrorKind)
	assert.Equal(t, 0, h.keys.Stats().Blocked)
}

func TestFailedStatusWithoutDetailUsesRawPayload(t *testing.T) {
	provider := &scriptedProvider{statuses: []statusStep{{
		status: kie.TaskStatus{State: kie.TaskFailed, Raw: map[string]any{"data": map[string]any{"failMsg": "NSFW content detected"}}},
	}}}
	h := newHarness(t, provider)
	h.jobs.add(queuedJob("job-1", 0))

	_, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorKindContentViolation, h.jobs.get("job-1").ErrorKind)
}

func TestRateLimitRequeuesWithBackoffAndRestsKey(t *testing.T) {
	provider := &scriptedProvider{createErr: &kie.APIError{StatusCode: 429, Message: "Too Many Requests"}}
	h := newHarness(t, provider)
	h.jobs.add(queuedJob("job-1", 0))

	before := time.Now()
	_, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)

	job := h.jobs.get("job-1")
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, domain.ErrorKindRateLimited, job.ErrorKind)
	assert.False(t, job.Refunded)
	assert.WithinDuration(t, before.Add(60*time.Second), h.jobs.requeued["job-1"], 5*time.Second)

	require.Equal(t, []delivery.EventKind{delivery.EventRetrying}, h.notes.kinds())
	assert.False(t, h.notes.events[0].Refunded)

	st := h.keys.Stats()
	assert.Equal(t, 1, st.Blocked)
	assert.InDelta(t, time.Hour.Seconds(), st.Resources[0].UnblockIn.Seconds(), 1)
}

func TestBillingIsTerminalAndRestsKeyForADay(t *testing.T) {
	provider := &scriptedProvider{createErr: &kie.APIError{StatusCode: 200, Code: 402, Message: "Insufficient credits on account"}}
	h := newHarness(t, provider)
	h.jobs.add(queuedJob("job-1", 0))

	_, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)

	job := h.jobs.get("job-1")
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, domain.ErrorKindAccountOrBilling, job.ErrorKind)
	assert.True(t, job.Refunded)

	st := h.keys.Stats()
	require.Equal(t, 1, st.Blocked)
	assert.InDelta(t, (24 * time.Hour).Seconds(), st.Resources[0].UnblockIn.Seconds(), 1)
	assert.Equal(t, "key-bbbb-2222", h.keys.Next())
}

func TestTransientOnLastAttemptFailsWithRefund(t *testing.T) {
	provider := &scriptedProvider{createErr: &kie.APIError{StatusCode: 503, Message: "service unavailable"}}
	h := newHarness(t, provider)
	h.jobs.add(queuedJob("job-1", 2))

	_, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)

	job := h.jobs.get("job-1")
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, domain.ErrorKindTransient, job.ErrorKind)
	assert.True(t, job.Refunded)
	assert.Equal(t, []delivery.EventKind{delivery.EventFailed}, h.notes.kinds())
}

func TestTransientRetriesAreBoundedByMaxAttempts(t *testing.T) {
	provider := &scriptedProvider{createErr: &net.OpError{Op: "read", Net: "tcp", Err: errors.New("connection reset by peer")}}
	h := newHarness(t, provider)
	h.jobs.add(queuedJob("job-1", 0))

	for i := 0; i < 5; i++ {
		h.jobs.mu.Lock()
		if j := h.jobs.jobs["job-1"]; j.Status == domain.JobStatusQueued {
			j.AvailableAt = time.Time{}
		}
		h.jobs.mu.Unlock()
		_, err := h.worker.ProcessNext(context.Background())
		require.NoError(t, err)
	}

	job := h.jobs.get("job-1")
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, 1, h.jobs.balances["owner-1"])
	assert.Equal(t, []delivery.EventKind{delivery.EventRetrying, delivery.EventRetrying, delivery.EventFailed}, h.notes.kinds())
	assert.Len(t, provider.creds, 3)
}

func TestRepeatedPollFailuresBecomeTransient(t *testing.T) {
	boom := statusStep{err: errors.New("unexpected response")}
	provider := &scriptedProvider{statuses: []statusStep{boom, boom, boom}}
	h := newHarness(t, provider)
	h.jobs.add(queuedJob("job-1", 0))

	_, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)

	job := h.jobs.get("job-1")
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, domain.ErrorKindTransient, job.ErrorKind)
	assert.Contains(t, job.ErrorSummary, "status polling failed 3 times")
	assert.Equal(t, 3, provider.polls)
}

func TestPollFailureStreakResetsOnSuccess(t *testing.T) {
	boom := statusStep{err: errors.New("unexpected response")}
	provider := &scriptedProvider{
		statuses: []statusStep{boom, boom, pending(), boom, boom, succeeded("https://cdn.kie.example/v.mp4")},
		download: []byte("v"),
	}
	h := newHarness(t, provider)
	h.jobs.add(queuedJob("job-1", 0))

	_, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusDone, h.jobs.get("job-1").Status)
}

func TestPollTimeoutIsTransient(t *testing.T) {
	h := newHarness(t, &scriptedProvider{})
	h.jobs.add(queuedJob("job-1", 0))

	_, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)

	job := h.jobs.get("job-1")
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, "generation timed out", job.ErrorSummary)
}

func TestSuccessWithoutArtifactIsTransient(t *testing.T) {
	provider := &scriptedProvider{statuses: []statusStep{succeeded("")}}
	h := newHarness(t, provider)
	h.jobs.add(queuedJob("job-1", 0))

	_, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "artifact url missing", h.jobs.get("job-1").ErrorSummary)
}

func TestUnknownFailureIsTerminal(t *testing.T) {
	provider := &scriptedProvider{statuses: []statusStep{{
		status: kie.TaskStatus{State: kie.TaskFailed, ErrorDetail: "something odd happened"},
	}}}
	h := newHarness(t, provider)
	h.jobs.add(queuedJob("job-1", 0))

	_, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)

	job := h.jobs.get("job-1")
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, domain.ErrorKindUnknown, job.ErrorKind)
	assert.True(t, job.Refunded)
}

func TestInfrastructureErrorLeavesJobProcessing(t *testing.T) {
	provider := &scriptedProvider{statuses: []statusStep{succeeded("https://cdn.kie.example/v.mp4")}, download: []byte("v")}
	h := newHarness(t, provider)
	h.store.putErr = errDisk
	h.jobs.add(queuedJob("job-1", 0))

	_, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)

	job := h.jobs.get("job-1")
	assert.Equal(t, domain.JobStatusProcessing, job.Status)
	assert.False(t, job.Refunded)
	assert.Empty(t, h.notes.kinds())
	assert.Empty(t, h.jobs.requeued)
}

func TestProxyTransportErrorRestsProxy(t *testing.T) {
	transport := &url.Error{Op: "Post", URL: "https://api.kie.ai", Err: &net.OpError{Op: "proxyconnect", Err: errors.New("connection refused")}}
	provider := &scriptedProvider{createErr: transport}
	h := newHarness(t, provider, "http://u:p@10.0.0.1:8080", "http://u:p@10.0.0.2:8080")
	h.jobs.add(queuedJob("job-1", 0))

	_, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)

	require.Len(t, provider.creds, 1)
	assert.Equal(t, "http://u:p@10.0.0.1:8080", provider.creds[0].Proxy)
	st := h.proxies.Stats()
	assert.Equal(t, 1, st.Blocked)
	assert.InDelta(t, (5 * time.Minute).Seconds(), st.Resources[0].UnblockIn.Seconds(), 1)
	assert.Equal(t, 0, h.keys.Stats().Blocked)
}

func TestSuccessClearsCredentialFailures(t *testing.T) {
	provider := &scriptedProvider{statuses: []statusStep{succeeded("https://cdn.kie.example/v.mp4")}, download: []byte("v")}
	h := newHarness(t, provider)
	h.keys.ReportDegraded("key-aaaa-1111", time.Nanosecond)
	h.mu.Lock()
	h.clock = h.clock.Add(time.Second)
	h.mu.Unlock()
	h.jobs.add(queuedJob("job-1", 0))

	_, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, h.keys.Stats().Resources[0].Failures)
}

func TestSweepRunsReconciliationAndRecovery(t *testing.T) {
	h := newHarness(t, &scriptedProvider{})
	h.jobs.reconcile = 2
	h.jobs.stuck = domain.StuckReport{Requeued: 1, Failed: 1}

	h.worker.Sweep(context.Background())
	assert.Equal(t, 1, h.jobs.sweeps)
}

func TestRunProcessesQueueAndStops(t *testing.T) {
	provider := &scriptedProvider{statuses: []statusStep{succeeded("https://cdn.kie.example/v.mp4")}, download: []byte("v")}
	h := newHarness(t, provider)
	for _, id := range []string{"job-1", "job-2", "job-3"} {
		h.jobs.add(queuedJob(id, 0))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, id := range []string{"job-1", "job-2", "job-3"} {
			if h.jobs.get(id).Status != domain.JobStatusDone {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	assert.Len(t, h.notes.kinds(), 3)
}

func TestNewRejectsStuckAfterWithinAttemptBudget(t *testing.T) {
	cfg := testConfig()
	cfg.PollTimeout = 20 * time.Minute
	cfg.StuckAfter = 15 * time.Minute
	keys, err := rotator.New("kie_keys", []string{"key-aaaa-1111"}, rotator.WithLogger(zerolog.Nop()))
	require.NoError(t, err)

	_, err = New(cfg, Deps{Jobs: newMemJobs(), Provider: &scriptedProvider{}, Store: newMemStore(), Keys: keys, Logger: zerolog.Nop()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "attempt budget")

	cfg.StuckAfter = 30 * time.Minute
	_, err = New(cfg, Deps{Jobs: newMemJobs(), Provider: &scriptedProvider{}, Store: newMemStore(), Keys: keys, Logger: zerolog.Nop()})
	require.NoError(t, err)
}

func TestDownloadTimeoutIsRetriedWhateverTheURL(t *testing.T) {
	artifact := "https://cdn.kie.example/content/accounts/42/photos/out.mp4"
	provider := &scriptedProvider{
		statuses:    []statusStep{succeeded(artifact)},
		downloadErr: fmt.Errorf("kie: download artifact: %w", &url.Error{Op: "Get", URL: artifact, Err: context.DeadlineExceeded}),
	}
	h := newHarness(t, provider)
	h.jobs.add(queuedJob("job-1", 0))

	_, err := h.worker.ProcessNext(context.Background())
	require.NoError(t, err)

	job := h.jobs.get("job-1")
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, domain.ErrorKindTransient, job.ErrorKind)
	assert.False(t, job.Refunded)
	assert.Equal(t, 0, h.keys.Stats().Blocked)
	assert.Equal(t, []delivery.EventKind{delivery.EventRetrying}, h.notes.kinds())
}

func TestStaleAttemptCannotSettleReclaimedJob(t *testing.T) {
	tests := []struct {
		name     string
		statuses []statusStep
	}{
		{name: "success", statuses: []statusStep{succeeded("https://cdn.kie.example/v.mp4")}},
		{name: "terminal failure", statuses: []statusStep{{
			status: kie.TaskStatus{State: kie.TaskFailed, ErrorDetail: "Content policy violation"},
		}}},
		{name: "poll timeout", statuses: []statusStep{pending()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &scriptedProvider{statuses: tt.statuses, download: []byte("v")}
			h := newHarness(t, provider)
			h.jobs.add(queuedJob("job-1", 0))
			provider.onPoll = func(n int) {
				if n == 1 {
					h.jobs.reclaim("job-1")
				}
			}

			_, err := h.worker.ProcessNext(context.Background())
			require.NoError(t, err)

			job := h.jobs.get("job-1")
			assert.Equal(t, domain.JobStatusProcessing, job.Status)
			assert.Equal(t, 2, job.Attempts)
			assert.Empty(t, job.OutputReference)
			assert.False(t, job.Refunded)
			assert.Zero(t, h.jobs.balances["owner-1"])
			assert.Empty(t, h.jobs.requeued)
			assert.Empty(t, h.notes.kinds())
		})
	}
}
